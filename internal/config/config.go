package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redhat-data-and-ai/mergebot/internal/interval"
)

// MergeStrategy selects how the source branch is updated from the target.
type MergeStrategy string

const (
	StrategyMerge           MergeStrategy = "merge"
	StrategyRebase          MergeStrategy = "rebase"
	StrategyRebaseThenMerge MergeStrategy = "rebase_then_merge"
)

// Valid reports whether s is a known strategy.
func (s MergeStrategy) Valid() bool {
	switch s {
	case StrategyMerge, StrategyRebase, StrategyRebaseThenMerge:
		return true
	}
	return false
}

// Config holds application configuration
type Config struct {
	GitLab GitLabConfig `yaml:"gitlab"`
	Git    GitConfig    `yaml:"git"`
	Bot    BotConfig    `yaml:"bot"`
	Merge  MergeConfig  `yaml:"merge"`
	Server ServerConfig `yaml:"server"`
	Debug  bool         `yaml:"debug"`

	// Compiled/parsed forms, populated by Validate.
	ProjectRegexp *regexp.Regexp         `yaml:"-"`
	BranchRegexp  *regexp.Regexp         `yaml:"-"`
	Embargo       interval.IntervalUnion `yaml:"-"`
}

// GitLabConfig holds GitLab API configuration
type GitLabConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	AuthTokenFile string `yaml:"auth_token_file"`
	InsecureTLS   bool   `yaml:"insecure_tls"` // Skip TLS certificate verification
	CACertPath    string `yaml:"ca_cert_path"` // Path to custom CA certificate file
}

// GitConfig holds working-copy configuration
type GitConfig struct {
	SSHKey        string        `yaml:"ssh_key"`      // Inline private key; synthesized into a temp file
	SSHKeyFile    string        `yaml:"ssh_key_file"` // Path to the private key
	Timeout       time.Duration `yaml:"timeout"`      // Wall-clock deadline per git operation
	ReferenceRepo string        `yaml:"reference_repo"`
	WorkDir       string        `yaml:"work_dir"` // Parent directory for per-project clones
}

// BotConfig holds scheduler configuration
type BotConfig struct {
	ProjectRegexp  string   `yaml:"project_regexp"`
	BranchRegexp   string   `yaml:"branch_regexp"`
	Batch          bool     `yaml:"batch"`
	SkipPending    bool     `yaml:"skip_pending"`
	PriorityLabels []string `yaml:"priority_labels"`
}

// MergeConfig holds per-job merge options
type MergeConfig struct {
	Strategy         MergeStrategy `yaml:"strategy"`
	AddTested        bool          `yaml:"add_tested"`
	AddPartOf        bool          `yaml:"add_part_of"`
	AddReviewers     bool          `yaml:"add_reviewers"`
	Reapprove        bool          `yaml:"reapprove"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	CITimeout        time.Duration `yaml:"ci_timeout"`
	CITimeoutSkip    bool          `yaml:"ci_timeout_skip"`
	RequireCIRunByMe bool          `yaml:"require_ci_run_by_me"`
	EmbargoSpec      string        `yaml:"embargo"`
}

// ServerConfig holds the status server configuration
type ServerConfig struct {
	HealthAddr string `yaml:"health_addr"` // Empty disables the status server
}

// Load loads configuration from environment variables. Flag and config-file
// layers are applied on top by the CLI.
func Load() *Config {
	return &Config{
		GitLab: GitLabConfig{
			BaseURL:       getEnv("MERGEBOT_GITLAB_URL", "https://gitlab.com"),
			Token:         getEnv("MERGEBOT_AUTH_TOKEN", ""),
			AuthTokenFile: getEnv("MERGEBOT_AUTH_TOKEN_FILE", ""),
			InsecureTLS:   getEnv("MERGEBOT_INSECURE_TLS", "false") == "true",
			CACertPath:    getEnv("MERGEBOT_CA_CERT_PATH", ""),
		},
		Git: GitConfig{
			SSHKey:        getEnv("MERGEBOT_SSH_KEY", ""),
			SSHKeyFile:    getEnv("MERGEBOT_SSH_KEY_FILE", ""),
			Timeout:       getEnvDuration("MERGEBOT_GIT_TIMEOUT", 120*time.Second),
			ReferenceRepo: getEnv("MERGEBOT_GIT_REFERENCE_REPO", ""),
			WorkDir:       getEnv("MERGEBOT_WORK_DIR", ""),
		},
		Bot: BotConfig{
			ProjectRegexp:  getEnv("MERGEBOT_PROJECT_REGEXP", ".*"),
			BranchRegexp:   getEnv("MERGEBOT_BRANCH_REGEXP", ".*"),
			Batch:          getEnv("MERGEBOT_BATCH", "false") == "true",
			SkipPending:    getEnv("MERGEBOT_SKIP_PENDING", "false") == "true",
			PriorityLabels: parseStringList(getEnv("MERGEBOT_PRIORITY_LABELS", "")),
		},
		Merge: MergeConfig{
			Strategy:         MergeStrategy(getEnv("MERGEBOT_MERGE_STRATEGY", string(StrategyRebase))),
			AddTested:        getEnv("MERGEBOT_ADD_TESTED", "false") == "true",
			AddPartOf:        getEnv("MERGEBOT_ADD_PART_OF", "false") == "true",
			AddReviewers:     getEnv("MERGEBOT_ADD_REVIEWERS", "false") == "true",
			Reapprove:        getEnv("MERGEBOT_IMPERSONATE_APPROVERS", "false") == "true",
			ApprovalTimeout:  getEnvDuration("MERGEBOT_APPROVAL_RESET_TIMEOUT", 0),
			CITimeout:        getEnvDuration("MERGEBOT_CI_TIMEOUT", 15*time.Minute),
			CITimeoutSkip:    getEnv("MERGEBOT_CI_TIMEOUT_SKIP", "false") == "true",
			RequireCIRunByMe: getEnv("MERGEBOT_REQUIRE_CI_RUN_BY_ME", "false") == "true",
			EmbargoSpec:      getEnv("MERGEBOT_EMBARGO", ""),
		},
		Server: ServerConfig{
			HealthAddr: getEnv("MERGEBOT_HEALTH_ADDR", ":3000"),
		},
		Debug: getEnv("MERGEBOT_DEBUG", "false") == "true",
	}
}

// ApplyFile overlays values from a YAML config file.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-option invariants and populates the compiled forms.
// Secrets passed as flags and the --merge-strategy/--use-merge-strategy
// conflict are rejected earlier, by the CLI.
func (c *Config) Validate() error {
	if !c.Merge.Strategy.Valid() {
		return fmt.Errorf("unknown merge strategy: %q", c.Merge.Strategy)
	}
	if c.Merge.Strategy == StrategyMerge {
		if c.Bot.Batch {
			return fmt.Errorf("merge strategy %q and batch mode are mutually exclusive", StrategyMerge)
		}
		if c.Merge.AddTested {
			return fmt.Errorf("merge strategy %q and add-tested are mutually exclusive", StrategyMerge)
		}
	}
	if c.Bot.Batch && c.Merge.AddTested {
		return fmt.Errorf("batch mode and add-tested are mutually exclusive")
	}

	if c.GitLab.Token == "" && c.GitLab.AuthTokenFile == "" {
		return fmt.Errorf("an auth token is required (MERGEBOT_AUTH_TOKEN or --auth-token-file)")
	}
	if c.Git.SSHKey == "" && c.Git.SSHKeyFile == "" {
		return fmt.Errorf("an ssh key is required (MERGEBOT_SSH_KEY or --ssh-key-file)")
	}

	var err error
	if c.ProjectRegexp, err = regexp.Compile(c.Bot.ProjectRegexp); err != nil {
		return fmt.Errorf("invalid project regexp %q: %w", c.Bot.ProjectRegexp, err)
	}
	if c.BranchRegexp, err = regexp.Compile(c.Bot.BranchRegexp); err != nil {
		return fmt.Errorf("invalid branch regexp %q: %w", c.Bot.BranchRegexp, err)
	}
	if c.Embargo, err = interval.FromHuman(c.Merge.EmbargoSpec); err != nil {
		return fmt.Errorf("invalid embargo: %w", err)
	}

	if c.Git.Timeout <= 0 {
		return fmt.Errorf("git timeout must be positive, got %s", c.Git.Timeout)
	}
	if c.Merge.CITimeout <= 0 {
		return fmt.Errorf("ci timeout must be positive, got %s", c.Merge.CITimeout)
	}
	return nil
}

// ResolveToken loads the auth token from its file when not set inline.
func (c *Config) ResolveToken() (string, error) {
	if c.GitLab.Token != "" {
		return c.GitLab.Token, nil
	}
	data, err := os.ReadFile(c.GitLab.AuthTokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read auth token file: %w", err)
	}
	token := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if token == "" {
		return "", fmt.Errorf("auth token file %s is empty", c.GitLab.AuthTokenFile)
	}
	return token, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := ParseInterval(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// ParseInterval accepts both Go duration strings ("90s", "15m") and the
// bare forms the CLI historically took ("15min", "2h", "30").
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if strings.HasSuffix(s, "min") {
		if n, err := strconv.ParseFloat(strings.TrimSuffix(s, "min"), 64); err == nil {
			return time.Duration(n * float64(time.Minute)), nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid time interval (e.g. 12[s|min|h]): %s", s)
}

// parseStringList parses a comma-separated list of strings
func parseStringList(s string) []string {
	if s == "" {
		return []string{}
	}
	items := strings.Split(s, ",")
	result := make([]string, 0) // Initialize to empty slice, not nil
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
