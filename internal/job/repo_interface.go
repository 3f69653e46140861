package job

import "github.com/redhat-data-and-ai/mergebot/internal/git"

// Repo is the working-copy surface the job drives. *git.Repo implements it;
// tests substitute a scripted fake.
type Repo interface {
	Fetch(remote, url string) error
	Rebase(source, target, sourceURL string, local bool) (string, error)
	Merge(source, target, sourceURL string, local bool) (string, error)
	Push(branch, sourceURL string, force bool) error
	TagWithTrailer(name string, values []string, branch, startCommit string) (string, error)
	GetCommitHash(ref string) (string, error)
	CheckoutBranch(name string) error
	CreateBranch(name, ref string) error
	RemoveBranch(name string) error
	RemoteURL() string
}

// Verify that git.Repo implements the Repo interface
var _ Repo = (*git.Repo)(nil)
