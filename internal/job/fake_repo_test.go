package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// Verify that fakeRepo implements the Repo interface
var _ Repo = (*fakeRepo)(nil)

// fakeRepo is a scripted working copy that records every operation in a
// transcript, so tests can assert on the exact git interaction sequence.
type fakeRepo struct {
	ops []string

	rebaseSHA   string
	rebaseErr   error
	rebaseFn    func(call int, source string) (string, error)
	rebaseCalls int
	mergeSHA    string
	mergeErr    error
	targetSHA   string            // served for origin/<target> lookups
	trailerSHAs map[string]string // rewritten tip per trailer name
	pushErr     error
	checkoutErr error
	removeErr   error
	remoteURL   string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rebaseSHA:   "cafe0002",
		mergeSHA:    "cafe0003",
		targetSHA:   "beef0001",
		trailerSHAs: map[string]string{},
		remoteURL:   "git@gitlab.example.com:group/proj.git",
	}
}

func (r *fakeRepo) log(format string, args ...interface{}) {
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
}

func (r *fakeRepo) Fetch(remote, url string) error {
	r.log("fetch %s %s", remote, url)
	return nil
}

func (r *fakeRepo) Rebase(source, target, sourceURL string, local bool) (string, error) {
	r.rebaseCalls++
	r.log("rebase %s onto %s url=%s local=%v", source, target, sourceURL, local)
	if r.rebaseFn != nil {
		return r.rebaseFn(r.rebaseCalls, source)
	}
	if r.rebaseErr != nil {
		return "", r.rebaseErr
	}
	return r.rebaseSHA, nil
}

func (r *fakeRepo) Merge(source, target, sourceURL string, local bool) (string, error) {
	r.log("merge %s with %s url=%s local=%v", source, target, sourceURL, local)
	if r.mergeErr != nil {
		return "", r.mergeErr
	}
	return r.mergeSHA, nil
}

func (r *fakeRepo) Push(branch, sourceURL string, force bool) error {
	r.log("push %s url=%s force=%v", branch, sourceURL, force)
	return r.pushErr
}

func (r *fakeRepo) TagWithTrailer(name string, values []string, branch, startCommit string) (string, error) {
	r.log("trailer %s %v on %s from %s", name, values, branch, startCommit)
	if sha, ok := r.trailerSHAs[name]; ok {
		return sha, nil
	}
	return r.rebaseSHA, nil
}

func (r *fakeRepo) GetCommitHash(ref string) (string, error) {
	r.log("rev-parse %s", ref)
	if strings.HasPrefix(ref, "origin/") {
		return r.targetSHA, nil
	}
	return r.rebaseSHA, nil
}

func (r *fakeRepo) CheckoutBranch(name string) error {
	r.log("checkout %s", name)
	return r.checkoutErr
}

func (r *fakeRepo) CreateBranch(name, ref string) error {
	r.log("branch %s at %s", name, ref)
	return nil
}

func (r *fakeRepo) RemoveBranch(name string) error {
	r.log("remove-branch %s", name)
	return r.removeErr
}

func (r *fakeRepo) RemoteURL() string { return r.remoteURL }

// transcript joins the recorded operations.
func (r *fakeRepo) transcript() string {
	return strings.Join(r.ops, "\n")
}

// diffTranscript returns a unified diff of want vs got, empty when equal.
func diffTranscript(want, got string) string {
	if want == got {
		return ""
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	return diff
}

// fakeClock drives the job's polling loops without real sleeps: every
// sleep advances the clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func (c *fakeClock) elapsedSince(start time.Time) time.Duration { return c.t.Sub(start) }
