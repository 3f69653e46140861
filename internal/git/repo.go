// Package git wraps the working-copy operations the agent performs via
// the git binary. Every operation runs under a wall-clock deadline.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

// GitError is returned for any git subprocess failure: non-zero exit,
// unreachable remote, or a blown deadline.
type GitError struct {
	Command  string
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *GitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("git %s: timed out", e.Command)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// IsGitError reports whether err is (or wraps) a GitError.
func IsGitError(err error) bool {
	var ge *GitError
	return errors.As(err, &ge)
}

// Repo is a single-writer working copy of one project. The remote named
// "origin" is the target project; a remote named "source" is added when the
// merge request comes from a fork.
type Repo struct {
	workDir       string
	remoteURL     string
	sshCommand    string
	timeout       time.Duration
	referenceRepo string
}

// NewRepo describes a working copy at workDir cloned from remoteURL,
// authenticating with the given ssh key file. timeout bounds each git
// operation.
func NewRepo(workDir, remoteURL, sshKeyFile string, timeout time.Duration, referenceRepo string) *Repo {
	return &Repo{
		workDir:   workDir,
		remoteURL: remoteURL,
		sshCommand: fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null",
			sshKeyFile),
		timeout:       timeout,
		referenceRepo: referenceRepo,
	}
}

// RemoteURL returns the origin URL this working copy was cloned from.
func (r *Repo) RemoteURL() string { return r.remoteURL }

// WorkDir returns the working directory path.
func (r *Repo) WorkDir() string { return r.workDir }

// run executes a git command in the working copy and returns stdout.
func (r *Repo) run(args ...string) (string, error) {
	return r.runIn(r.workDir, args...)
}

func (r *Repo) runIn(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"GIT_SSH_COMMAND="+r.sshCommand,
		"FILTER_BRANCH_SQUELCH_WARNING=1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("running git %s", strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		ge := &GitError{
			Command: args[0],
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
		if ctx.Err() == context.DeadlineExceeded {
			ge.TimedOut = true
		}
		return "", ge
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Clone clones the origin into the working directory if it is not already
// a repository, otherwise just fetches origin.
func (r *Repo) Clone() error {
	if _, err := os.Stat(r.workDir + "/.git"); err == nil {
		return r.Fetch("origin", "")
	}

	args := []string{"clone", "--origin", "origin"}
	if r.referenceRepo != "" {
		args = append(args, "--reference-if-able", r.referenceRepo)
	}
	args = append(args, r.remoteURL, r.workDir)
	if _, err := r.runIn("", args...); err != nil {
		return err
	}
	return nil
}

// Fetch fetches a remote, first pointing it at url when given. The remote
// is created on first use.
func (r *Repo) Fetch(remote, url string) error {
	if url != "" {
		if _, err := r.run("remote", "get-url", remote); err != nil {
			if _, err := r.run("remote", "add", remote, url); err != nil {
				return err
			}
		} else if _, err := r.run("remote", "set-url", remote, url); err != nil {
			return err
		}
	}
	_, err := r.run("fetch", "--prune", remote)
	return err
}

// checkoutFromRemote force-resets the local branch to its remote tip and
// checks it out.
func (r *Repo) checkoutFromRemote(branch, remote string) error {
	_, err := r.run("checkout", "-B", branch, remote+"/"+branch, "--")
	return err
}

// Rebase updates source with target's history by rebasing the local source
// branch onto the target ref. When local is false the target is taken from
// origin; when true it is a local ref (the batch staging branch). Returns
// the new tip of source. On conflict the rebase is aborted before the error
// is returned.
func (r *Repo) Rebase(source, target, sourceURL string, local bool) (string, error) {
	if err := r.fuseCheckout(source, sourceURL, !local); err != nil {
		return "", err
	}
	ref := target
	if !local {
		ref = "origin/" + target
	}
	if _, err := r.run("rebase", ref); err != nil {
		_, _ = r.run("rebase", "--abort")
		return "", err
	}
	return r.GetCommitHash("HEAD")
}

// Merge updates source with target's history by merging the target ref into
// the local source branch, producing a merge commit on source. Returns the
// new tip of source. On conflict the merge is aborted before the error is
// returned.
func (r *Repo) Merge(source, target, sourceURL string, local bool) (string, error) {
	if err := r.fuseCheckout(source, sourceURL, !local); err != nil {
		return "", err
	}
	ref := target
	if !local {
		ref = "origin/" + target
	}
	if _, err := r.run("merge", ref); err != nil {
		_, _ = r.run("merge", "--abort")
		return "", err
	}
	return r.GetCommitHash("HEAD")
}

// fuseCheckout refreshes origin (and the fork remote if any) and checks out
// the source branch at its remote tip.
func (r *Repo) fuseCheckout(source, sourceURL string, fetchOrigin bool) error {
	if fetchOrigin {
		if err := r.Fetch("origin", ""); err != nil {
			return err
		}
	}
	remote := "origin"
	if sourceURL != "" {
		remote = "source"
		if err := r.Fetch(remote, sourceURL); err != nil {
			return err
		}
	}
	return r.checkoutFromRemote(source, remote)
}

// Push force-pushes branch to the source project: the fork remote when
// sourceURL is set, origin otherwise.
func (r *Repo) Push(branch, sourceURL string, force bool) error {
	remote := "origin"
	if sourceURL != "" {
		remote = "source"
	}
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, branch+":"+branch)
	_, err := r.run(args...)
	return err
}

// TagWithTrailer rewrites the commit messages from startCommit (exclusive)
// to the tip of branch, replacing any existing trailer of that name with the
// given values. Returns the rewritten tip SHA.
func (r *Repo) TagWithTrailer(name string, values []string, branch, startCommit string) (string, error) {
	if len(values) == 0 {
		return r.GetCommitHash(branch)
	}

	if _, err := r.run("checkout", branch, "--"); err != nil {
		return "", err
	}

	filter := trailerFilter(name, values)
	if _, err := r.run("filter-branch", "--force", "--msg-filter", filter,
		startCommit+".."+branch); err != nil {
		return "", err
	}
	return r.GetCommitHash(branch)
}

// trailerFilter builds the msg-filter shell pipeline for one trailer name.
// The first value replaces any existing trailer of that name; further
// values append.
func trailerFilter(name string, values []string) string {
	var stages []string
	for i, v := range values {
		mode := "addIfDifferent"
		if i == 0 {
			mode = "replace"
		}
		stages = append(stages, fmt.Sprintf(
			"git interpret-trailers --if-exists %s --trailer %s",
			mode, shellQuote(name+": "+v)))
	}
	return strings.Join(stages, " | ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// GetCommitHash resolves a ref to its commit SHA.
func (r *Repo) GetCommitHash(ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return r.run("rev-parse", ref)
}

// CheckoutBranch checks out an existing local branch or creates it from
// origin's copy.
func (r *Repo) CheckoutBranch(name string) error {
	if _, err := r.run("checkout", name, "--"); err == nil {
		return nil
	}
	return r.checkoutFromRemote(name, "origin")
}

// CreateBranch creates (or resets) a local branch at ref and checks it out.
func (r *Repo) CreateBranch(name, ref string) error {
	_, err := r.run("checkout", "-B", name, ref, "--")
	return err
}

// RemoveBranch deletes a local branch.
func (r *Repo) RemoveBranch(name string) error {
	_, err := r.run("branch", "-D", name)
	return err
}
