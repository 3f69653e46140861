// Package job implements the per-merge-request state machine that
// coordinates the forge API, the local working copy and the CI pipeline,
// plus the batch variant that fuses several requests onto one staging
// branch.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/git"
	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

const (
	ciPollInterval       = 10 * time.Second
	approvalPollInterval = 5 * time.Second
	defaultMergeTimeout  = 5 * time.Minute
)

// MergeJob drives one merge request from validation through the forge's
// merge. All steps run sequentially; the only sleeps are in the CI and
// approval polls and between merge-accept retries.
type MergeJob struct {
	forge   gitlab.Forge
	me      *gitlab.User
	project *gitlab.Project
	repo    Repo
	opts    Options

	mergeTimeout time.Duration
	now          func() time.Time
	sleep        func(time.Duration)
}

// NewMergeJob builds a job for one project's working copy. me is the bot
// identity the forge token belongs to.
func NewMergeJob(forge gitlab.Forge, me *gitlab.User, project *gitlab.Project, repo Repo, opts Options) *MergeJob {
	return &MergeJob{
		forge:        forge,
		me:           me,
		project:      project,
		repo:         repo,
		opts:         opts,
		mergeTimeout: defaultMergeTimeout,
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

// Execute runs the state machine for one merge request. A nil return means
// the request was merged. SkipMergeError leaves the assignment untouched;
// CannotMergeError hands the request back to its author before returning.
// Any other error is fatal (a corrupted working copy or unexpected failure)
// and the scheduler must not continue with this project.
func (j *MergeJob) Execute(mr *gitlab.MergeRequest) error {
	err := j.run(mr)
	switch {
	case err == nil:
		logging.Info("MR !%d merged", mr.IID)
	case IsSkipMerge(err):
		logging.Info("Skipping MR !%d: %s", mr.IID, Reason(err))
	case IsCannotMerge(err):
		logging.Warn("Cannot merge MR !%d: %s", mr.IID, Reason(err))
		j.unassignFromMR(mr)
	default:
		logging.Error("Fatal error on MR !%d: %v", mr.IID, err)
	}
	return err
}

func (j *MergeJob) run(mr *gitlab.MergeRequest) error {
	current, approvals, err := j.ensureMergeable(mr)
	if err != nil {
		return err
	}

	sourceURL, err := j.sourceURLFor(current)
	if err != nil {
		return err
	}

	_, _, rewritten, err := j.updateFromTargetAndPush(current, sourceURL)
	if err != nil {
		return err
	}

	if err := j.waitForCIToPass(current, rewritten); err != nil {
		return err
	}

	if err := j.maybeReapprove(current, approvals); err != nil {
		return err
	}

	return j.acceptMerge(current, rewritten)
}

// ensureMergeable re-fetches the MR and rejects everything that cannot or
// must not be merged right now. Returns the fresh snapshot and its
// approvals for later reapproval.
func (j *MergeJob) ensureMergeable(mr *gitlab.MergeRequest) (*gitlab.MergeRequest, *gitlab.Approvals, error) {
	current, err := j.forge.FetchMR(mr.ProjectID, mr.IID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to re-fetch MR !%d: %w", mr.IID, err)
	}
	logging.Info("Ensuring MR !%d is mergeable", current.IID)

	if current.WorkInProgress {
		return nil, nil, CannotMerge("Sorry, I can't merge requests marked as Work-In-Progress!")
	}

	if current.Squash && j.opts.RequestsCommitTagging() {
		return nil, nil, CannotMerge("Sorry, merging requests marked as auto-squash would ruin my commit tagging!")
	}

	approvals, err := j.forge.FetchApprovals(current.ProjectID, current.IID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch approvals for MR !%d: %w", current.IID, err)
	}
	if !approvals.Sufficient() {
		return nil, nil, CannotMerge("Insufficient approvals (have: %v missing: %d)",
			approvals.ApproverUsernames(), approvals.ApprovalsLeft)
	}

	switch current.State {
	case "opened", "reopened", "locked":
	case "merged", "closed":
		return nil, nil, SkipMerge("The merge request is already %s!", current.State)
	default:
		return nil, nil, CannotMerge("The merge request is in an unknown state: %s", current.State)
	}

	if j.opts.Embargo.Covers(j.now()) {
		return nil, nil, SkipMerge("Merge embargo!")
	}

	if !current.IsAssignedTo(j.me.ID) {
		return nil, nil, SkipMerge("It is not assigned to me anymore!")
	}

	return current, approvals, nil
}

// sourceURLFor resolves the push/fetch URL when the MR comes from a fork.
// Empty means the source lives in the target project and origin is used.
func (j *MergeJob) sourceURLFor(mr *gitlab.MergeRequest) (string, error) {
	if mr.SourceProjectID == j.project.ID {
		return "", nil
	}
	sourceProject, err := j.forge.FetchProject(mr.SourceProjectID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch source project %d: %w", mr.SourceProjectID, err)
	}
	return sourceProject.SSHURLToRepo, nil
}

// updateFromTargetAndPush fuses target into source, applies trailers and
// force-pushes. Returns (sha of origin/target, sha after fuse, sha after
// rewrite). Whatever happens, the working copy is returned to master and
// the local source branch deleted; a cleanup failure overrides the result
// with a fatal error, since it implies a corrupted working copy.
func (j *MergeJob) updateFromTargetAndPush(mr *gitlab.MergeRequest, sourceURL string) (targetSHA, updatedSHA, rewrittenSHA string, err error) {
	source, target := mr.SourceBranch, mr.TargetBranch

	if sourceURL != "" && sourceURL == j.repo.RemoteURL() {
		return "", "", "", fmt.Errorf("source project URL %s equals origin, refusing to fetch over itself", sourceURL)
	}
	if sourceURL == "" && source == target {
		return "", "", "", CannotMerge("source and target branch seem to coincide!")
	}

	defer func() {
		if source == "master" {
			return
		}
		if cerr := j.repo.CheckoutBranch("master"); cerr != nil {
			err = fmt.Errorf("failed to clean up working copy: %w", cerr)
			return
		}
		if cerr := j.repo.RemoveBranch(source); cerr != nil {
			err = fmt.Errorf("failed to clean up working copy: %w", cerr)
		}
	}()

	updatedSHA, ferr := j.fuse(source, target, sourceURL, false)
	if ferr != nil {
		if git.IsGitError(ferr) {
			return "", "", "", CannotMerge("got conflicts while rebasing, your problem now...")
		}
		return "", "", "", ferr
	}

	// The fuse fetched origin again, so origin/<target> is current.
	targetSHA, herr := j.repo.GetCommitHash("origin/" + target)
	if herr != nil {
		return "", "", "", CannotMerge("failed to resolve origin/%s: %v", target, herr)
	}
	if updatedSHA == targetSHA {
		return "", "", "", CannotMerge("these changes already exist in branch `%s`", target)
	}

	rewrittenSHA = updatedSHA
	if j.opts.RequestsCommitTagging() {
		sha, terr := j.addTrailers(mr)
		if terr != nil {
			if git.IsGitError(terr) {
				return "", "", "", CannotMerge("failed to rewrite commits with trailers, check my logs!")
			}
			return "", "", "", terr
		}
		if sha != "" {
			rewrittenSHA = sha
		}
	}

	if perr := j.repo.Push(source, sourceURL, true); perr != nil {
		branch, berr := j.forge.FetchBranch(mr.SourceProjectID, source)
		if berr == nil && branch.Protected {
			return "", "", "", CannotMerge("Sorry, I can't push rewritten changes to protected branches!")
		}
		return "", "", "", CannotMerge("failed to push with strategy %s, check my logs!", j.opts.Strategy)
	}

	return targetSHA, updatedSHA, rewrittenSHA, nil
}

// fuse brings target into source using the configured strategy. With
// rebase_then_merge a rebase failure falls back to a merge; if that fails
// too, the original rebase error is surfaced.
func (j *MergeJob) fuse(source, target, sourceURL string, local bool) (string, error) {
	switch j.opts.Strategy {
	case config.StrategyMerge:
		return j.repo.Merge(source, target, sourceURL, local)
	case config.StrategyRebase:
		return j.repo.Rebase(source, target, sourceURL, local)
	case config.StrategyRebaseThenMerge:
		sha, rebaseErr := j.repo.Rebase(source, target, sourceURL, local)
		if rebaseErr == nil {
			return sha, nil
		}
		logging.Info("rebase failed, trying merge: %v", rebaseErr)
		sha, mergeErr := j.repo.Merge(source, target, sourceURL, local)
		if mergeErr != nil {
			logging.Info("merge also failed: %v", mergeErr)
			return "", rebaseErr
		}
		return sha, nil
	default:
		return "", fmt.Errorf("unknown merge strategy: %q", j.opts.Strategy)
	}
}

// waitForCIToPass polls pipelines on the source branch until the one
// matching sha succeeds, fails, or the CI timeout elapses.
func (j *MergeJob) waitForCIToPass(mr *gitlab.MergeRequest, sha string) error {
	return j.waitForCI(mr.SourceProjectID, mr.SourceBranch, sha, fmt.Sprintf("MR !%d", mr.IID))
}

func (j *MergeJob) waitForCI(projectID int, branch, sha, what string) error {
	deadline := j.now().Add(j.opts.CITimeout)
	startedPipeline := false

	logging.Info("Waiting for CI to pass for %s", what)
	for j.now().Before(deadline) {
		status, found, err := j.ciStatus(projectID, branch, sha)
		if err != nil {
			return CannotMerge("failed to fetch CI status: %v", err)
		}

		switch {
		case found && status == gitlab.PipelineSuccess:
			logging.Info("CI for %s passed", what)
			return nil
		case found && status == gitlab.PipelineSkipped:
			logging.Info("CI for %s skipped", what)
			return nil
		case found && status == gitlab.PipelineFailed:
			return CannotMerge("CI failed!")
		case found && status == gitlab.PipelineCanceled:
			return CannotMerge("Someone canceled the CI.")
		case !found && j.opts.RequireCIRunByMe && !startedPipeline:
			logging.Info("Starting a CI in my name")
			pipeline, perr := j.forge.CreatePipeline(projectID, branch)
			if perr != nil {
				return CannotMerge("failed to start a pipeline: %v", perr)
			}
			logging.Info("Started pipeline %d", pipeline.ID)
			startedPipeline = true
		case !found:
			logging.Warn("No pipeline listed for %s on branch %s", sha, branch)
		case status != gitlab.PipelinePending && status != gitlab.PipelineRunning && status != gitlab.PipelineCreated:
			logging.Warn("Suspicious CI status: %s", status)
		}

		j.sleep(ciPollInterval)
	}

	if j.opts.CITimeoutSkip {
		return SkipMerge("CI is taking too long.")
	}
	return CannotMerge("CI is taking too long.")
}

// ciStatus finds the pipeline for the given sha among the branch's
// pipelines. When require_ci_run_by_me is set, only pipelines started by
// the bot count.
func (j *MergeJob) ciStatus(projectID int, branch, sha string) (string, bool, error) {
	username := ""
	if j.opts.RequireCIRunByMe {
		username = j.me.Username
	}
	pipelines, err := j.forge.ListPipelines(projectID, branch, username)
	if err != nil {
		return "", false, err
	}
	for _, p := range pipelines {
		if p.SHA == sha {
			return p.Status, true, nil
		}
	}
	return "", false, nil
}

// maybeReapprove re-instates the recorded approvals once the forge has
// dropped them after our force-push. Approving is not idempotent, so we
// wait until the old approvals have actually reset; if they never do within
// the approval timeout, nothing needs reinstating.
func (j *MergeJob) maybeReapprove(mr *gitlab.MergeRequest, approvals *gitlab.Approvals) error {
	if !j.opts.Reapprove {
		return nil
	}

	deadline := j.now().Add(j.opts.ApprovalTimeout)
	logging.Info("Checking if approvals have reset")
	for {
		current, err := j.forge.FetchApprovals(mr.ProjectID, mr.IID)
		if err != nil {
			return fmt.Errorf("failed to fetch approvals for MR !%d: %w", mr.IID, err)
		}
		if !current.Sufficient() {
			logging.Info("Re-approving MR !%d on behalf of %v", mr.IID, approvals.ApproverUsernames())
			return j.forge.Reapprove(mr.ProjectID, mr.IID, approvals.ApproverIDs())
		}
		if !j.now().Before(deadline) {
			return nil
		}
		logging.Debug("Approvals haven't reset yet, sleeping for %s", approvalPollInterval)
		j.sleep(approvalPollInterval)
	}
}

// acceptMerge re-fetches the MR, asserts nobody pushed while CI ran, and
// asks the forge to merge. Transient refusals are retried with exponential
// backoff for up to the merge timeout.
func (j *MergeJob) acceptMerge(mr *gitlab.MergeRequest, rewrittenSHA string) error {
	current, err := j.forge.FetchMR(mr.ProjectID, mr.IID)
	if err != nil {
		return fmt.Errorf("failed to re-fetch MR !%d: %w", mr.IID, err)
	}
	if !current.IsAssignedTo(j.me.ID) {
		return SkipMerge("It is not assigned to me anymore!")
	}
	if j.opts.Embargo.Covers(j.now()) {
		return SkipMerge("Merge embargo!")
	}
	if current.SHA != rewrittenSHA {
		return CannotMerge("the branch was pushed while waiting for CI: expected %s, found %s",
			shortSHA(rewrittenSHA), shortSHA(current.SHA))
	}

	return j.accept(current, rewrittenSHA, false)
}

// accept issues the merge API call, retrying transient refusals with
// exponential backoff for up to the merge timeout.
func (j *MergeJob) accept(mr *gitlab.MergeRequest, sha string, whenPipelineSucceeds bool) error {
	deadline := j.now().Add(j.mergeTimeout)
	backoff := 2 * time.Second
	for {
		err := j.forge.AcceptMR(mr.ProjectID, mr.IID, sha, true, whenPipelineSucceeds)
		if err == nil {
			return nil
		}

		var apiErr *gitlab.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return CannotMerge("GitLab refused to merge: %s", apiErr.Body)
		}
		if !j.now().Add(backoff).Before(deadline) {
			return CannotMerge("GitLab did not accept the merge within %s: %v", j.mergeTimeout, err)
		}

		logging.Info("Merge not accepted yet, retrying in %s: %v", backoff, err)
		j.sleep(backoff)
		backoff *= 2
	}
}

// unassignFromMR hands the request back: to its author when the author is
// someone else, otherwise it clears the assignee list, which removes the bot
// together with any other assignees.
func (j *MergeJob) unassignFromMR(mr *gitlab.MergeRequest) {
	logging.Info("Unassigning from MR !%d", mr.IID)
	var err error
	if mr.Author.ID != j.me.ID {
		err = j.forge.AssignMR(mr.ProjectID, mr.IID, mr.Author.ID)
	} else {
		err = j.forge.UnassignMR(mr.ProjectID, mr.IID)
	}
	if err != nil {
		logging.Warn("Failed to unassign MR !%d: %v", mr.IID, err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
