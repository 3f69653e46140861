// mergebot is an auto-merge agent for GitLab: it scans projects for merge
// requests assigned to its bot user, updates each one against its target
// branch, waits for CI, and asks GitLab to merge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/redhat-data-and-ai/mergebot/internal/bot"
	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/git"
	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
	"github.com/redhat-data-and-ai/mergebot/internal/job"
	"github.com/redhat-data-and-ai/mergebot/internal/logging"
	"github.com/redhat-data-and-ai/mergebot/internal/server"
)

// version is stamped by the build.
var version = "dev"

type cliFlags struct {
	configFile       string
	authToken        string
	authTokenFile    string
	sshKey           string
	sshKeyFile       string
	gitlabURL        string
	projectRegexp    string
	branchRegexp     string
	embargo          string
	mergeStrategy    string
	useMergeStrategy bool
	addTested        bool
	addPartOf        bool
	addReviewers     bool
	impersonate      bool
	approvalTimeout  string
	ciTimeout        string
	ciTimeoutSkip    bool
	requireCIByMe    bool
	gitTimeout       string
	gitReferenceRepo string
	batch            bool
	skipPending      bool
	priorityLabels   string
	healthAddr       string
	debug            bool
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "mergebot",
		Short:         "An auto-merger of merge requests for GitLab",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	f := root.Flags()
	f.StringVar(&flags.configFile, "config-file", "", "config file path")
	f.StringVar(&flags.authToken, "auth-token", "", "GitLab token (refused on the command line; use env or config file)")
	f.StringVar(&flags.authTokenFile, "auth-token-file", "", "path to the GitLab token file")
	f.StringVar(&flags.sshKey, "ssh-key", "", "private ssh key (refused on the command line; use env or config file)")
	f.StringVar(&flags.sshKeyFile, "ssh-key-file", "", "path to the private ssh key")
	f.StringVar(&flags.gitlabURL, "gitlab-url", "", `GitLab instance, e.g. "https://gitlab.example.com"`)
	f.StringVar(&flags.projectRegexp, "project-regexp", "", "only process projects that match")
	f.StringVar(&flags.branchRegexp, "branch-regexp", "", "only process MRs whose target branch matches")
	f.StringVar(&flags.embargo, "embargo", "", `times during which no merging takes place, e.g. "Friday 1pm - Monday 9am"`)
	f.StringVar(&flags.mergeStrategy, "merge-strategy", "", "merge, rebase or rebase_then_merge")
	f.BoolVar(&flags.useMergeStrategy, "use-merge-strategy", false, "deprecated alias for --merge-strategy=merge")
	f.BoolVar(&flags.addTested, "add-tested", false, `add "Tested-by" to the final commit before CI runs (rebase strategy, projects requiring a passing pipeline)`)
	f.BoolVar(&flags.addPartOf, "add-part-of", false, `add "Part-of: <MR URL>" to each commit`)
	f.BoolVar(&flags.addReviewers, "add-reviewers", false, `add "Reviewed-by: <approver>" to each commit`)
	f.BoolVar(&flags.impersonate, "impersonate-approvers", false, "re-instate approvals removed by the bot's own pushes")
	f.StringVar(&flags.approvalTimeout, "approval-reset-timeout", "", "how long to wait for approvals to reset after pushing")
	f.StringVar(&flags.ciTimeout, "ci-timeout", "", "how long to wait for CI to pass")
	f.BoolVar(&flags.ciTimeoutSkip, "ci-timeout-skip", false, "skip to the next MR when the CI timeout expires")
	f.BoolVar(&flags.requireCIByMe, "require-ci-run-by-me", false, "require a successful CI started by the bot; start one if necessary")
	f.StringVar(&flags.gitTimeout, "git-timeout", "", "how long a single git operation may take")
	f.StringVar(&flags.gitReferenceRepo, "git-reference-repo", "", "local reference repo used when cloning")
	f.BoolVar(&flags.batch, "batch", false, "process MRs in batches")
	f.BoolVar(&flags.skipPending, "skip-pending", false, "skip to the next MR when the oldest one is not ready")
	f.StringVar(&flags.priorityLabels, "priority-labels", "", "comma-separated labels; MRs carrying all of them go first")
	f.StringVar(&flags.healthAddr, "health-addr", "", "listen address of the health/status server; empty disables it")
	f.BoolVar(&flags.debug, "debug", false, "debug logging")

	if err := root.Execute(); err != nil {
		logging.Error("%v", err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

func run(cmd *cobra.Command, flags *cliFlags) error {
	// Secrets must not appear in `ps` output.
	for _, secret := range []string{"auth-token", "ssh-key"} {
		if cmd.Flags().Changed(secret) {
			return fmt.Errorf("--%s can only be set via env var or config file", secret)
		}
	}

	cfg := config.Load()
	if flags.configFile != "" {
		if err := cfg.ApplyFile(flags.configFile); err != nil {
			return err
		}
	}
	if err := applyFlags(cmd, flags, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(cfg.Debug)
	defer logging.Sync()
	logging.Info("starting mergebot %s", version)

	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}

	sshKeyFile, cleanupKey, err := resolveSSHKey(cfg)
	if err != nil {
		return err
	}
	defer cleanupKey()

	forge := gitlab.NewClient(cfg.GitLab, token)
	me, err := forge.Me()
	if err != nil {
		return fmt.Errorf("failed to authenticate against %s: %w", cfg.GitLab.BaseURL, err)
	}
	logging.Info("Authenticated as %s (%s)", me.Username, me.Name)

	workDir := cfg.Git.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "mergebot-")
		if err != nil {
			return fmt.Errorf("failed to create work dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(workDir) }()
	}

	newRepo := func(project *gitlab.Project) (job.Repo, error) {
		dir := filepath.Join(workDir, strings.ReplaceAll(project.PathWithNamespace, "/", "_"))
		repo := git.NewRepo(dir, project.SSHURLToRepo, sshKeyFile, cfg.Git.Timeout, cfg.Git.ReferenceRepo)
		if err := repo.Clone(); err != nil {
			return nil, err
		}
		return repo, nil
	}

	agent := bot.New(forge, cfg, me, newRepo)

	var status *server.StatusServer
	if cfg.Server.HealthAddr != "" {
		status = server.New()
		agent.SetReporter(status)
		go status.Listen(cfg.Server.HealthAddr)
		defer status.Shutdown()
	}

	ctx, stop := signalContext()
	defer stop()

	err = agent.Start(ctx)
	if ctx.Err() != nil {
		// Exit code equals the terminating signal when killed.
		if sig, ok := caught.sig.(syscall.Signal); ok {
			logging.Info("died on signal: %s", sig)
			logging.Sync()
			os.Exit(int(sig))
		}
		return nil
	}
	return err
}

// applyFlags overlays explicitly-set flags onto the configuration.
func applyFlags(cmd *cobra.Command, flags *cliFlags, cfg *config.Config) error {
	set := cmd.Flags().Changed

	if set("auth-token-file") {
		cfg.GitLab.AuthTokenFile = flags.authTokenFile
	}
	if set("ssh-key-file") {
		cfg.Git.SSHKeyFile = flags.sshKeyFile
	}
	if set("gitlab-url") {
		cfg.GitLab.BaseURL = flags.gitlabURL
	}
	if set("project-regexp") {
		cfg.Bot.ProjectRegexp = flags.projectRegexp
	}
	if set("branch-regexp") {
		cfg.Bot.BranchRegexp = flags.branchRegexp
	}
	if set("embargo") {
		cfg.Merge.EmbargoSpec = flags.embargo
	}
	if set("merge-strategy") && set("use-merge-strategy") {
		return fmt.Errorf("--merge-strategy and --use-merge-strategy are mutually exclusive")
	}
	if set("merge-strategy") {
		cfg.Merge.Strategy = config.MergeStrategy(flags.mergeStrategy)
	}
	if flags.useMergeStrategy {
		cfg.Merge.Strategy = config.StrategyMerge
	}
	if set("add-tested") {
		cfg.Merge.AddTested = flags.addTested
	}
	if set("add-part-of") {
		cfg.Merge.AddPartOf = flags.addPartOf
	}
	if set("add-reviewers") {
		cfg.Merge.AddReviewers = flags.addReviewers
	}
	if set("impersonate-approvers") {
		cfg.Merge.Reapprove = flags.impersonate
	}
	if set("approval-reset-timeout") {
		d, err := config.ParseInterval(flags.approvalTimeout)
		if err != nil {
			return err
		}
		cfg.Merge.ApprovalTimeout = d
	}
	if set("ci-timeout") {
		d, err := config.ParseInterval(flags.ciTimeout)
		if err != nil {
			return err
		}
		cfg.Merge.CITimeout = d
	}
	if set("ci-timeout-skip") {
		cfg.Merge.CITimeoutSkip = flags.ciTimeoutSkip
	}
	if set("require-ci-run-by-me") {
		cfg.Merge.RequireCIRunByMe = flags.requireCIByMe
	}
	if set("git-timeout") {
		d, err := config.ParseInterval(flags.gitTimeout)
		if err != nil {
			return err
		}
		cfg.Git.Timeout = d
	}
	if set("git-reference-repo") {
		cfg.Git.ReferenceRepo = flags.gitReferenceRepo
	}
	if set("batch") {
		cfg.Bot.Batch = flags.batch
	}
	if set("skip-pending") {
		cfg.Bot.SkipPending = flags.skipPending
	}
	if set("priority-labels") {
		cfg.Bot.PriorityLabels = nil
		for _, l := range strings.Split(flags.priorityLabels, ",") {
			if l = strings.TrimSpace(l); l != "" {
				cfg.Bot.PriorityLabels = append(cfg.Bot.PriorityLabels, l)
			}
		}
	}
	if set("health-addr") {
		cfg.Server.HealthAddr = flags.healthAddr
	}
	if set("debug") {
		cfg.Debug = flags.debug
	}
	return nil
}

// resolveSSHKey returns the key file path, synthesizing a 0600 temp file
// from an inline key when needed. The cleanup removes the synthesized file.
func resolveSSHKey(cfg *config.Config) (string, func(), error) {
	if cfg.Git.SSHKeyFile != "" {
		return cfg.Git.SSHKeyFile, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "ssh-key-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create ssh key file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to restrict ssh key file permissions: %w", err)
	}
	if _, err := tmp.WriteString(cfg.Git.SSHKey + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to write ssh key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to write ssh key file: %w", err)
	}
	return tmp.Name(), func() { _ = os.Remove(tmp.Name()) }, nil
}

var caught struct {
	sig os.Signal
}

// signalContext cancels on SIGINT/SIGTERM and remembers which signal fired
// so the process can exit with that signal's number.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-ch:
			caught.sig = sig
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
