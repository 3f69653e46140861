package job

import (
	"time"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/interval"
)

// Options are the immutable per-cycle merge options.
type Options struct {
	AddTested        bool
	AddPartOf        bool
	AddReviewers     bool
	Reapprove        bool
	ApprovalTimeout  time.Duration
	Embargo          interval.IntervalUnion
	CITimeout        time.Duration
	CITimeoutSkip    bool
	Strategy         config.MergeStrategy
	RequireCIRunByMe bool
}

// RequestsCommitTagging reports whether any trailer rewrite is configured.
func (o Options) RequestsCommitTagging() bool {
	return o.AddTested || o.AddPartOf || o.AddReviewers
}

// OptionsFromConfig derives job options from validated configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AddTested:        cfg.Merge.AddTested,
		AddPartOf:        cfg.Merge.AddPartOf,
		AddReviewers:     cfg.Merge.AddReviewers,
		Reapprove:        cfg.Merge.Reapprove,
		ApprovalTimeout:  cfg.Merge.ApprovalTimeout,
		Embargo:          cfg.Embargo,
		CITimeout:        cfg.Merge.CITimeout,
		CITimeoutSkip:    cfg.Merge.CITimeoutSkip,
		Strategy:         cfg.Merge.Strategy,
		RequireCIRunByMe: cfg.Merge.RequireCIRunByMe,
	}
}
