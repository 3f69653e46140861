package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/git"
	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
	"github.com/redhat-data-and-ai/mergebot/internal/interval"
)

func defaultOptions() Options {
	return Options{
		Strategy:  config.StrategyRebase,
		CITimeout: 15 * time.Minute,
		Embargo:   interval.Empty(),
	}
}

func newTestJob(forge *mockForge, repo *fakeRepo, opts Options) (*MergeJob, *fakeClock) {
	project := &gitlab.Project{
		ID:                               100,
		PathWithNamespace:                "group/proj",
		SSHURLToRepo:                     repo.remoteURL,
		OnlyAllowMergeIfPipelineSucceeds: true,
	}
	j := NewMergeJob(forge, &forge.me, project, repo, opts)
	clock := newFakeClock()
	j.now = clock.now
	j.sleep = clock.sleep
	return j, clock
}

func successOn(sha string) []gitlab.Pipeline {
	return []gitlab.Pipeline{{ID: 1, SHA: sha, Status: gitlab.PipelineSuccess}}
}

func TestHappyRebase(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)
	require.NoError(t, err)

	// exactly one push, one pipeline lookup hit, one accept
	pushes := 0
	for _, op := range repo.ops {
		if op == "push feature/x url= force=true" {
			pushes++
		}
	}
	assert.Equal(t, 1, pushes)
	require.Len(t, forge.acceptCalls, 1)
	assert.Equal(t, repo.rebaseSHA, forge.acceptCalls[0].sha)
	assert.False(t, forge.acceptCalls[0].whenPipelineSucceeds)

	// working copy ends on master with the source branch removed
	assert.Contains(t, repo.ops, "checkout master")
	assert.Contains(t, repo.ops, "remove-branch feature/x")

	// nothing was unassigned
	assert.Empty(t, forge.assignedTo)
	assert.Zero(t, forge.unassignCalls)
}

func TestHappyRebaseTranscript(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)

	j, _ := newTestJob(forge, repo, defaultOptions())
	require.NoError(t, j.Execute(&forge.mr))

	want := "rebase feature/x onto main url= local=false\n" +
		"rev-parse origin/main\n" +
		"push feature/x url= force=true\n" +
		"checkout master\n" +
		"remove-branch feature/x"
	if diff := diffTranscript(want, repo.transcript()); diff != "" {
		t.Errorf("unexpected git transcript:\n%s", diff)
	}
}

func TestSourceAndTargetCoincide(t *testing.T) {
	forge := newMockForge()
	forge.mr.SourceBranch = "main"
	forge.mr.TargetBranch = "main"
	repo := newFakeRepo()

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "source and target branch seem to coincide!", Reason(err))
	// handed back to the author, who is not the bot
	assert.Equal(t, []int{7}, forge.assignedTo)
	// no git activity at all
	assert.Empty(t, repo.ops)
}

func TestProtectedSourceBranch(t *testing.T) {
	forge := newMockForge()
	forge.branch = gitlab.Branch{Name: "feature/x", Protected: true}
	repo := newFakeRepo()
	repo.pushErr = &git.GitError{Command: "push", Stderr: "remote: protected branch"}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "Sorry, I can't push rewritten changes to protected branches!", Reason(err))
}

func TestPushFailureUnprotected(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	repo.pushErr = &git.GitError{Command: "push", Stderr: "connection reset"}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "failed to push with strategy rebase, check my logs!", Reason(err))
}

func TestCITimeoutSkips(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = []gitlab.Pipeline{{ID: 1, SHA: repo.rebaseSHA, Status: gitlab.PipelineRunning}}

	opts := defaultOptions()
	opts.CITimeout = time.Second
	opts.CITimeoutSkip = true

	j, _ := newTestJob(forge, repo, opts)
	err := j.Execute(&forge.mr)

	require.True(t, IsSkipMerge(err))
	assert.Equal(t, "CI is taking too long.", Reason(err))
	// assignment stays untouched on a skip
	assert.Empty(t, forge.assignedTo)
	assert.Zero(t, forge.unassignCalls)
	assert.Empty(t, forge.acceptCalls)
}

func TestCITimeoutFailsWithoutSkip(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = []gitlab.Pipeline{{ID: 1, SHA: repo.rebaseSHA, Status: gitlab.PipelineRunning}}

	opts := defaultOptions()
	opts.CITimeout = time.Second

	j, _ := newTestJob(forge, repo, opts)
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "CI is taking too long.", Reason(err))
	assert.Equal(t, []int{7}, forge.assignedTo)
}

func TestCIFailed(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = []gitlab.Pipeline{{ID: 1, SHA: repo.rebaseSHA, Status: gitlab.PipelineFailed}}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "CI failed!", Reason(err))
}

func TestCICanceled(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = []gitlab.Pipeline{{ID: 1, SHA: repo.rebaseSHA, Status: gitlab.PipelineCanceled}}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "Someone canceled the CI.", Reason(err))
}

func TestApprovalRaceReapprovesOnce(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)
	forge.approvals = gitlab.Approvals{
		ApprovalsLeft: 0,
		ApprovedBy:    []gitlab.Approver{{User: gitlab.User{ID: 7, Username: "dev"}}},
	}

	opts := defaultOptions()
	opts.Reapprove = true
	opts.ApprovalTimeout = 10 * time.Second

	j, clock := newTestJob(forge, repo, opts)
	start := clock.now()

	// approvals reset three seconds in
	forge.fetchApprovalsFn = func(call int) *gitlab.Approvals {
		a := forge.approvals
		if clock.elapsedSince(start) > 3*time.Second {
			a = gitlab.Approvals{ApprovalsLeft: 1}
		}
		return &a
	}

	err := j.Execute(&forge.mr)
	require.NoError(t, err)

	// exactly one re-approve on behalf of the recorded approver,
	// issued before the accept
	require.Len(t, forge.reapprovedFor, 1)
	assert.Equal(t, []int{7}, forge.reapprovedFor[0])
	require.Len(t, forge.acceptCalls, 1)
}

func TestApprovalPollExitsEarly(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)

	opts := defaultOptions()
	opts.Reapprove = true
	opts.ApprovalTimeout = time.Hour

	j, clock := newTestJob(forge, repo, opts)
	start := clock.now()

	// already reset at the first poll
	forge.fetchApprovalsFn = func(call int) *gitlab.Approvals {
		if call == 1 {
			a := forge.approvals
			return &a // validation sees sufficient approvals
		}
		return &gitlab.Approvals{ApprovalsLeft: 1}
	}

	require.NoError(t, j.Execute(&forge.mr))
	// no sleeping through the timeout: the poll returned on its first pass
	assert.Less(t, clock.elapsedSince(start), time.Minute)
}

func TestForkSource(t *testing.T) {
	forge := newMockForge()
	forge.mr.SourceProjectID = 200
	forge.sourceProject = &gitlab.Project{
		ID:           200,
		SSHURLToRepo: "git@gitlab.example.com:dev/proj.git",
	}
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)

	j, _ := newTestJob(forge, repo, defaultOptions())
	require.NoError(t, j.Execute(&forge.mr))

	assert.Contains(t, repo.ops, "rebase feature/x onto main url=git@gitlab.example.com:dev/proj.git local=false")
	assert.Contains(t, repo.ops, "push feature/x url=git@gitlab.example.com:dev/proj.git force=true")
}

func TestWorkInProgress(t *testing.T) {
	forge := newMockForge()
	forge.mr.WorkInProgress = true
	j, _ := newTestJob(forge, newFakeRepo(), defaultOptions())

	err := j.Execute(&forge.mr)
	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "Sorry, I can't merge requests marked as Work-In-Progress!", Reason(err))
}

func TestSquashRuinsTagging(t *testing.T) {
	forge := newMockForge()
	forge.mr.Squash = true
	opts := defaultOptions()
	opts.AddPartOf = true
	j, _ := newTestJob(forge, newFakeRepo(), opts)

	err := j.Execute(&forge.mr)
	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "Sorry, merging requests marked as auto-squash would ruin my commit tagging!", Reason(err))
}

func TestSquashWithoutTaggingIsFine(t *testing.T) {
	forge := newMockForge()
	forge.mr.Squash = true
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)
	j, _ := newTestJob(forge, repo, defaultOptions())

	require.NoError(t, j.Execute(&forge.mr))
}

func TestInsufficientApprovals(t *testing.T) {
	forge := newMockForge()
	forge.approvals = gitlab.Approvals{ApprovalsLeft: 2}
	j, _ := newTestJob(forge, newFakeRepo(), defaultOptions())

	err := j.Execute(&forge.mr)
	require.True(t, IsCannotMerge(err))
	assert.Contains(t, Reason(err), "Insufficient approvals")
}

func TestAlreadyMerged(t *testing.T) {
	forge := newMockForge()
	forge.mr.State = "merged"
	j, _ := newTestJob(forge, newFakeRepo(), defaultOptions())

	err := j.Execute(&forge.mr)
	require.True(t, IsSkipMerge(err))
	assert.Equal(t, "The merge request is already merged!", Reason(err))
}

func TestUnknownState(t *testing.T) {
	forge := newMockForge()
	forge.mr.State = "hibernating"
	j, _ := newTestJob(forge, newFakeRepo(), defaultOptions())

	err := j.Execute(&forge.mr)
	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "The merge request is in an unknown state: hibernating", Reason(err))
}

func TestEmbargoSkips(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()

	// the fake clock starts on a Wednesday morning
	embargo, err := interval.FromHuman("Wed 9am - Wed 11am")
	require.NoError(t, err)

	opts := defaultOptions()
	opts.Embargo = embargo
	j, _ := newTestJob(forge, repo, opts)

	jerr := j.Execute(&forge.mr)
	require.True(t, IsSkipMerge(jerr))
	assert.Equal(t, "Merge embargo!", Reason(jerr))
	assert.Empty(t, repo.ops)
	assert.Empty(t, forge.acceptCalls)
}

func TestUnassignedSkips(t *testing.T) {
	forge := newMockForge()
	forge.mr.Assignees = nil
	j, _ := newTestJob(forge, newFakeRepo(), defaultOptions())

	err := j.Execute(&forge.mr)
	require.True(t, IsSkipMerge(err))
	assert.Equal(t, "It is not assigned to me anymore!", Reason(err))
}

func TestChangesAlreadyExist(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	repo.rebaseSHA = repo.targetSHA // rebase lands exactly on origin/main

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "these changes already exist in branch `main`", Reason(err))
}

func TestRebaseConflict(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	repo.rebaseErr = &git.GitError{Command: "rebase", Stderr: "CONFLICT (content)"}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "got conflicts while rebasing, your problem now...", Reason(err))
}

func TestRebaseThenMergeFallsBack(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	repo.rebaseErr = &git.GitError{Command: "rebase", Stderr: "CONFLICT"}
	forge.pipelines = successOn(repo.mergeSHA)

	opts := defaultOptions()
	opts.Strategy = config.StrategyRebaseThenMerge

	j, _ := newTestJob(forge, repo, opts)
	require.NoError(t, j.Execute(&forge.mr))

	require.Len(t, forge.acceptCalls, 1)
	assert.Equal(t, repo.mergeSHA, forge.acceptCalls[0].sha)
}

func TestRebaseThenMergeBothFail(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	repo.rebaseErr = &git.GitError{Command: "rebase", Stderr: "CONFLICT"}
	repo.mergeErr = &git.GitError{Command: "merge", Stderr: "CONFLICT"}

	opts := defaultOptions()
	opts.Strategy = config.StrategyRebaseThenMerge

	j, _ := newTestJob(forge, repo, opts)
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Equal(t, "got conflicts while rebasing, your problem now...", Reason(err))
}

func TestAcceptRetriesWhileNotReady(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)
	forge.acceptFn = func(call int) error {
		if call == 1 {
			return &gitlab.APIError{Status: 405, Body: "Branch cannot be merged"}
		}
		return nil
	}

	j, _ := newTestJob(forge, repo, defaultOptions())
	require.NoError(t, j.Execute(&forge.mr))
	assert.Len(t, forge.acceptCalls, 2)
}

func TestAcceptDefinitiveFailure(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)
	forge.acceptFn = func(call int) error {
		return &gitlab.APIError{Status: 422, Body: "Branch has diverged"}
	}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Contains(t, Reason(err), "Branch has diverged")
	assert.Len(t, forge.acceptCalls, 1)
	assert.Equal(t, []int{7}, forge.assignedTo)
}

func TestPushDuringCIAborts(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)
	forge.fetchMRFn = func(call int) *gitlab.MergeRequest {
		mr := forge.mr
		if call > 1 {
			// someone pushed while CI was running
			mr.SHA = "deadbeef"
		}
		return &mr
	}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Contains(t, Reason(err), "the branch was pushed while waiting for CI")
	assert.Empty(t, forge.acceptCalls)
}

func TestStartsExactlyOnePipeline(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = nil // no pipeline ever appears

	opts := defaultOptions()
	opts.RequireCIRunByMe = true
	opts.CITimeout = 25 * time.Second
	opts.CITimeoutSkip = true

	j, _ := newTestJob(forge, repo, opts)
	err := j.Execute(&forge.mr)

	require.True(t, IsSkipMerge(err))
	assert.Equal(t, []string{"feature/x"}, forge.pipelineStarts)
}

func TestUnassignFallsBackToDropWhenAuthorIsBot(t *testing.T) {
	forge := newMockForge()
	forge.mr.Author = forge.me
	forge.mr.WorkInProgress = true

	j, _ := newTestJob(forge, newFakeRepo(), defaultOptions())
	err := j.Execute(&forge.mr)

	require.True(t, IsCannotMerge(err))
	assert.Empty(t, forge.assignedTo)
	assert.Equal(t, 1, forge.unassignCalls)
}

func TestTrailerOrderAndFinalSHA(t *testing.T) {
	forge := newMockForge()
	forge.approvals = gitlab.Approvals{
		ApprovalsLeft: 0,
		ApprovedBy:    []gitlab.Approver{{User: gitlab.User{ID: 7, Username: "dev"}}},
	}
	forge.users[7] = gitlab.User{ID: 7, Name: "Jane Dev", Email: "jane@example.com"}

	repo := newFakeRepo()
	repo.trailerSHAs = map[string]string{
		"Reviewed-by": "aaa10001",
		"Tested-by":   "aaa10002",
		"Part-of":     "aaa10003",
	}
	forge.pipelines = successOn("aaa10003")

	opts := defaultOptions()
	opts.AddReviewers = true
	opts.AddTested = true
	opts.AddPartOf = true

	j, _ := newTestJob(forge, repo, opts)
	require.NoError(t, j.Execute(&forge.mr))

	assert.Contains(t, repo.ops, "trailer Reviewed-by [Jane Dev <jane@example.com>] on feature/x from origin/main")
	assert.Contains(t, repo.ops, "trailer Tested-by [Mergebot <https://gitlab.example.com/group/proj/-/merge_requests/1>] on feature/x from feature/x^")
	assert.Contains(t, repo.ops, "trailer Part-of [<https://gitlab.example.com/group/proj/-/merge_requests/1>] on feature/x from origin/main")

	// the last rewrite wins: CI is awaited and the merge accepted on it
	require.Len(t, forge.acceptCalls, 1)
	assert.Equal(t, "aaa10003", forge.acceptCalls[0].sha)

	// trailer order is Reviewed-by, Tested-by, Part-of
	var order []string
	for _, op := range repo.ops {
		switch {
		case len(op) > 8 && op[:8] == "trailer ":
			order = append(order, op)
		}
	}
	require.Len(t, order, 3)
	assert.Contains(t, order[0], "Reviewed-by")
	assert.Contains(t, order[1], "Tested-by")
	assert.Contains(t, order[2], "Part-of")
}

func TestCleanupFailureIsFatal(t *testing.T) {
	forge := newMockForge()
	repo := newFakeRepo()
	forge.pipelines = successOn(repo.rebaseSHA)
	repo.checkoutErr = &git.GitError{Command: "checkout", Stderr: "index corrupt"}

	j, _ := newTestJob(forge, repo, defaultOptions())
	err := j.Execute(&forge.mr)

	require.Error(t, err)
	assert.False(t, IsCannotMerge(err))
	assert.False(t, IsSkipMerge(err))
}
