// Package server exposes the agent's health and last-cycle status over
// HTTP for deployments to probe.
package server

import (
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

// Outcome is the last recorded result for one merge request.
type Outcome struct {
	Project   string    `json:"project"`
	MRIID     int       `json:"mr_iid"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusServer serves /healthz and /status and implements bot.Reporter.
type StatusServer struct {
	app *fiber.App

	mu        sync.RWMutex
	ready     bool
	lastCycle time.Time
	outcomes  []Outcome
}

const maxOutcomes = 100

// New creates the status server.
func New() *StatusServer {
	s := &StatusServer{
		app: fiber.New(fiber.Config{DisableStartupMessage: true}),
	}

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		s.mu.RLock()
		ready := s.ready
		s.mu.RUnlock()
		if !ready {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "starting"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.app.Get("/status", func(c *fiber.Ctx) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return c.JSON(fiber.Map{
			"last_cycle": s.lastCycle,
			"outcomes":   s.outcomes,
		})
	})

	return s
}

// Record stores a per-MR outcome, keeping the most recent entries.
func (s *StatusServer) Record(project string, iid int, outcome, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, Outcome{
		Project:   project,
		MRIID:     iid,
		Outcome:   outcome,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if len(s.outcomes) > maxOutcomes {
		s.outcomes = s.outcomes[len(s.outcomes)-maxOutcomes:]
	}
}

// CycleDone marks the server ready and stamps the cycle time.
func (s *StatusServer) CycleDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	s.lastCycle = time.Now()
}

// Listen serves on addr until Shutdown. Intended to run in its own
// goroutine; listen failures are logged, not fatal to the agent.
func (s *StatusServer) Listen(addr string) {
	if err := s.app.Listen(addr); err != nil {
		logging.Warn("Status server stopped: %v", err)
	}
}

// Shutdown stops the server gracefully.
func (s *StatusServer) Shutdown() {
	_ = s.app.Shutdown()
}
