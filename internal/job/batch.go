package job

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

// BatchJob fuses several merge requests sharing a target branch onto one
// staging branch, awaits a single CI run on its tip, and then merges the
// constituents in order. Any failure demotes the failed MR to per-MR
// processing and defers the rest to the next cycle.
type BatchJob struct {
	*MergeJob
}

// NewBatchJob builds a batch job. Batch mode requires a rebase-based
// strategy and is incompatible with add-tested; configuration validation
// rejects those combinations earlier, this guards direct construction.
func NewBatchJob(forge gitlab.Forge, me *gitlab.User, project *gitlab.Project, repo Repo, opts Options) (*BatchJob, error) {
	if opts.Strategy != config.StrategyRebase && opts.Strategy != config.StrategyRebaseThenMerge {
		return nil, fmt.Errorf("batch mode requires merge strategy %q or %q, got %q",
			config.StrategyRebase, config.StrategyRebaseThenMerge, opts.Strategy)
	}
	if opts.AddTested {
		return nil, fmt.Errorf("batch mode is incompatible with add-tested")
	}
	return &BatchJob{MergeJob: NewMergeJob(forge, me, project, repo, opts)}, nil
}

// BatchResult describes what happened to each constituent.
type BatchResult struct {
	Merged   []int                  // iids merged by this batch
	Demoted  *gitlab.MergeRequest   // to be retried through a per-MR job
	Deferred []*gitlab.MergeRequest // untouched, left for the next cycle
}

type batchCandidate struct {
	mr        *gitlab.MergeRequest
	approvals *gitlab.Approvals
	sourceURL string
}

// Execute runs the batch. The mrs must share a target branch and arrive in
// scheduling order. A non-nil error is fatal (corrupted working copy);
// per-MR outcomes are reported through the result instead.
func (b *BatchJob) Execute(mrs []*gitlab.MergeRequest) (result *BatchResult, err error) {
	result = &BatchResult{}
	if len(mrs) == 0 {
		return result, nil
	}
	target := mrs[0].TargetBranch

	candidates, err := b.validateCandidates(mrs, target)
	if err != nil || len(candidates) == 0 {
		return result, err
	}

	batchBranch := "mergebot-batch/" + uuid.NewString()[:8]
	logging.Info("Batching %d MRs targeting %s on %s", len(candidates), target, batchBranch)

	if err := b.repo.Fetch("origin", ""); err != nil {
		return result, fmt.Errorf("failed to fetch origin for batch: %w", err)
	}
	if err := b.repo.CreateBranch(batchBranch, "origin/"+target); err != nil {
		return result, fmt.Errorf("failed to create batch branch: %w", err)
	}

	defer func() {
		if cerr := b.repo.CheckoutBranch("master"); cerr != nil {
			err = fmt.Errorf("failed to clean up working copy: %w", cerr)
			return
		}
		if cerr := b.repo.RemoveBranch(batchBranch); cerr != nil {
			err = fmt.Errorf("failed to clean up working copy: %w", cerr)
		}
	}()

	tip := ""
	for i, c := range candidates {
		sha, ferr := b.fuse(c.mr.SourceBranch, batchBranch, c.sourceURL, true)
		if ferr != nil {
			logging.Warn("Batch fuse failed for MR !%d, demoting it: %v", c.mr.IID, ferr)
			b.demote(result, candidates, i)
			return result, nil
		}
		if err := b.repo.CreateBranch(batchBranch, sha); err != nil {
			return result, fmt.Errorf("failed to advance batch branch: %w", err)
		}
		// the fuse leaves a local copy of the source branch behind
		if c.mr.SourceBranch != "master" {
			if err := b.repo.RemoveBranch(c.mr.SourceBranch); err != nil {
				return result, fmt.Errorf("failed to clean up working copy: %w", err)
			}
		}
		tip = sha
	}

	if err := b.repo.Push(batchBranch, "", true); err != nil {
		logging.Warn("Failed to push batch branch: %v", err)
		b.demote(result, candidates, 0)
		return result, nil
	}

	if cierr := b.waitForCI(b.project.ID, batchBranch, tip, "batch "+batchBranch); cierr != nil {
		logging.Warn("Batch CI did not pass: %s", Reason(cierr))
		b.demote(result, candidates, 0)
		return result, nil
	}

	for i, c := range candidates {
		merr := b.finalizeBatchMR(c)
		if merr == nil {
			result.Merged = append(result.Merged, c.mr.IID)
			continue
		}
		if !IsCannotMerge(merr) && !IsSkipMerge(merr) {
			return result, merr
		}
		logging.Warn("Batch merge of MR !%d failed, demoting it: %s", c.mr.IID, Reason(merr))
		b.demote(result, candidates, i)
		return result, nil
	}

	return result, nil
}

// validateCandidates runs the mergeability checks over every MR, dropping
// the ones that fail. CannotMerge rejections hand the MR back to its author
// right away, exactly as a per-MR job would.
func (b *BatchJob) validateCandidates(mrs []*gitlab.MergeRequest, target string) ([]batchCandidate, error) {
	var candidates []batchCandidate
	for _, mr := range mrs {
		if mr.TargetBranch != target {
			logging.Warn("MR !%d targets %s, not %s; leaving it out of the batch", mr.IID, mr.TargetBranch, target)
			continue
		}
		current, approvals, verr := b.ensureMergeable(mr)
		if verr != nil {
			if IsCannotMerge(verr) {
				logging.Warn("Cannot batch MR !%d: %s", mr.IID, Reason(verr))
				b.unassignFromMR(mr)
			} else if IsSkipMerge(verr) {
				logging.Info("Skipping MR !%d for this batch: %s", mr.IID, Reason(verr))
			} else {
				return nil, verr
			}
			continue
		}
		sourceURL, serr := b.sourceURLFor(current)
		if serr != nil {
			return nil, serr
		}
		if sourceURL != "" && sourceURL == b.repo.RemoteURL() {
			return nil, fmt.Errorf("source project URL %s equals origin, refusing to fetch over itself", sourceURL)
		}
		candidates = append(candidates, batchCandidate{mr: current, approvals: approvals, sourceURL: sourceURL})
	}
	return candidates, nil
}

// finalizeBatchMR merges one constituent after the batch CI passed: re-fuse
// onto the (now advanced) target, push, and accept. The individual CI wait
// is skipped; when the project enforces pipeline success the accept is
// issued as merge-when-pipeline-succeeds so the forge gates on its own run.
func (b *BatchJob) finalizeBatchMR(c batchCandidate) error {
	current, err := b.forge.FetchMR(c.mr.ProjectID, c.mr.IID)
	if err != nil {
		return fmt.Errorf("failed to re-fetch MR !%d: %w", c.mr.IID, err)
	}
	if !current.IsAssignedTo(b.me.ID) {
		return SkipMerge("It is not assigned to me anymore!")
	}
	if current.SHA != c.mr.SHA {
		return SkipMerge("the branch changed while the batch was testing")
	}
	if b.opts.Embargo.Covers(b.now()) {
		return SkipMerge("Merge embargo!")
	}

	_, _, rewritten, err := b.updateFromTargetAndPush(current, c.sourceURL)
	if err != nil {
		return err
	}

	if err := b.maybeReapprove(current, c.approvals); err != nil {
		return err
	}

	return b.accept(current, rewritten, b.project.OnlyAllowMergeIfPipelineSucceeds)
}

// demote marks candidates[i] for per-MR processing and defers the rest.
func (b *BatchJob) demote(result *BatchResult, candidates []batchCandidate, i int) {
	result.Demoted = candidates[i].mr
	for _, c := range candidates[i+1:] {
		result.Deferred = append(result.Deferred, c.mr)
	}
}
