// Package bot implements the outer scheduler: it enumerates projects,
// orders the merge requests assigned to the bot, and dispatches merge or
// batch jobs, one project at a time.
package bot

import (
	"context"
	"sort"
	"time"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
	"github.com/redhat-data-and-ai/mergebot/internal/job"
	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

const defaultPollInterval = 10 * time.Second

// RepoFactory builds (and clones, if needed) the working copy for a
// project. The bot calls it once per project and caches the result.
type RepoFactory func(project *gitlab.Project) (job.Repo, error)

// Reporter receives per-MR outcomes; the status server implements it.
type Reporter interface {
	Record(project string, iid int, outcome, reason string)
	CycleDone()
}

// Bot is the polling scheduler. Within a project processing is strictly
// serial; the working copy is a single-writer resource.
type Bot struct {
	forge    gitlab.Forge
	cfg      *config.Config
	opts     job.Options
	me       *gitlab.User
	newRepo  RepoFactory
	reporter Reporter

	repos        map[int]job.Repo
	pollInterval time.Duration
}

// New builds a scheduler around a validated configuration.
func New(forge gitlab.Forge, cfg *config.Config, me *gitlab.User, newRepo RepoFactory) *Bot {
	return &Bot{
		forge:        forge,
		cfg:          cfg,
		opts:         job.OptionsFromConfig(cfg),
		me:           me,
		newRepo:      newRepo,
		repos:        make(map[int]job.Repo),
		pollInterval: defaultPollInterval,
	}
}

// SetReporter wires an outcome sink. Optional.
func (b *Bot) SetReporter(r Reporter) { b.reporter = r }

// Start runs cycles until the context is canceled. A fatal job error
// (corrupted working copy) stops the scheduler and is returned.
func (b *Bot) Start(ctx context.Context) error {
	logging.Info("Scanning for MRs assigned to %s", b.me.Username)
	for {
		if err := b.cycle(ctx); err != nil {
			return err
		}
		if b.reporter != nil {
			b.reporter.CycleDone()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// cycle processes every matching project once.
func (b *Bot) cycle(ctx context.Context) error {
	projects, err := b.forge.ListProjects()
	if err != nil {
		logging.Error("Failed to list projects: %v", err)
		return nil
	}

	for i := range projects {
		if ctx.Err() != nil {
			return nil
		}
		project := &projects[i]
		if !b.cfg.ProjectRegexp.MatchString(project.PathWithNamespace) {
			continue
		}
		if err := b.processProject(ctx, project); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) processProject(ctx context.Context, project *gitlab.Project) error {
	mrs, err := b.forge.ListAssignedMRs(project.ID, b.me.ID)
	if err != nil {
		logging.Error("Failed to list MRs for %s: %v", project.PathWithNamespace, err)
		return nil
	}

	ordered := orderMRs(mrs, b.cfg.Bot.PriorityLabels)
	eligible := make([]*gitlab.MergeRequest, 0, len(ordered))
	for i := range ordered {
		if b.cfg.BranchRegexp.MatchString(ordered[i].TargetBranch) {
			eligible = append(eligible, &ordered[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	logging.Info("Found %d assigned MRs in %s", len(eligible), project.PathWithNamespace)

	repo, err := b.repoFor(project)
	if err != nil {
		logging.Error("Failed to prepare working copy for %s: %v", project.PathWithNamespace, err)
		return nil
	}

	if b.cfg.Bot.Batch && len(eligible) > 1 {
		return b.processBatch(ctx, project, repo, eligible)
	}
	return b.processSequential(ctx, project, repo, eligible)
}

// processSequential runs one merge job per MR, in order. A skip stops the
// project for this cycle unless skip-pending is set; a CannotMerge posts
// the reason back on the MR and moves on.
func (b *Bot) processSequential(ctx context.Context, project *gitlab.Project, repo job.Repo, mrs []*gitlab.MergeRequest) error {
	mergeJob := job.NewMergeJob(b.forge, b.me, project, repo, b.opts)

	for _, mr := range mrs {
		if ctx.Err() != nil {
			return nil
		}

		err := mergeJob.Execute(mr)
		switch {
		case err == nil:
			b.record(project, mr.IID, "merged", "")
		case job.IsSkipMerge(err):
			b.record(project, mr.IID, "skipped", job.Reason(err))
			if !b.cfg.Bot.SkipPending {
				return nil
			}
		case job.IsCannotMerge(err):
			b.record(project, mr.IID, "failed", job.Reason(err))
			b.postFailure(project, mr, job.Reason(err))
		default:
			return err
		}
	}
	return nil
}

// processBatch groups the MRs by target branch and runs a batch job per
// group, falling back to per-MR processing for demoted requests and for
// groups of one.
func (b *Bot) processBatch(ctx context.Context, project *gitlab.Project, repo job.Repo, mrs []*gitlab.MergeRequest) error {
	batchJob, err := job.NewBatchJob(b.forge, b.me, project, repo, b.opts)
	if err != nil {
		return err
	}

	var targets []string
	groups := make(map[string][]*gitlab.MergeRequest)
	for _, mr := range mrs {
		if _, seen := groups[mr.TargetBranch]; !seen {
			targets = append(targets, mr.TargetBranch)
		}
		groups[mr.TargetBranch] = append(groups[mr.TargetBranch], mr)
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			return nil
		}
		group := groups[target]
		if len(group) == 1 {
			if err := b.processSequential(ctx, project, repo, group); err != nil {
				return err
			}
			continue
		}

		result, err := batchJob.Execute(group)
		if err != nil {
			return err
		}
		for _, iid := range result.Merged {
			b.record(project, iid, "merged", "batch")
		}
		if result.Demoted != nil {
			logging.Info("Retrying MR !%d outside the batch", result.Demoted.IID)
			if err := b.processSequential(ctx, project, repo, []*gitlab.MergeRequest{result.Demoted}); err != nil {
				return err
			}
		}
		for _, mr := range result.Deferred {
			b.record(project, mr.IID, "deferred", "waiting for next cycle")
		}
	}
	return nil
}

func (b *Bot) repoFor(project *gitlab.Project) (job.Repo, error) {
	if repo, ok := b.repos[project.ID]; ok {
		return repo, nil
	}
	repo, err := b.newRepo(project)
	if err != nil {
		return nil, err
	}
	b.repos[project.ID] = repo
	return repo, nil
}

// postFailure surfaces a CannotMerge reason to the humans on the MR. The
// job already handed the MR back to its author.
func (b *Bot) postFailure(project *gitlab.Project, mr *gitlab.MergeRequest, reason string) {
	body := "I couldn't merge this branch: " + reason
	if err := b.forge.AddMRComment(project.ID, mr.IID, body); err != nil {
		logging.Warn("Failed to comment on MR !%d: %v", mr.IID, err)
	}
}

func (b *Bot) record(project *gitlab.Project, iid int, outcome, reason string) {
	if b.reporter != nil {
		b.reporter.Record(project.PathWithNamespace, iid, outcome, reason)
	}
}

// orderMRs sorts: MRs carrying all priority labels first, then by ascending
// updated_at within each group.
func orderMRs(mrs []gitlab.MergeRequest, priorityLabels []string) []gitlab.MergeRequest {
	ordered := make([]gitlab.MergeRequest, len(mrs))
	copy(ordered, mrs)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi := ordered[i].HasAllLabels(priorityLabels)
		pj := ordered[j].HasAllLabels(priorityLabels)
		if pi != pj {
			return pi
		}
		return ordered[i].UpdatedAt.Before(ordered[j].UpdatedAt)
	})
	return ordered
}
