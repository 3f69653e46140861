package gitlab

// Forge is the surface of GitLab operations the agent consumes.
// This interface allows for easy mocking in tests.
type Forge interface {
	// Identity
	Me() (*User, error)
	FetchUser(id int) (*User, error)

	// Projects and branches
	FetchProject(id int) (*Project, error)
	ListProjects() ([]Project, error)
	FetchBranch(projectID int, name string) (*Branch, error)

	// Merge requests
	ListAssignedMRs(projectID, userID int) ([]MergeRequest, error)
	FetchMR(projectID, iid int) (*MergeRequest, error)
	AssignMR(projectID, iid, userID int) error
	UnassignMR(projectID, iid int) error
	AcceptMR(projectID, iid int, sha string, removeSourceBranch, whenPipelineSucceeds bool) error
	AddMRComment(projectID, iid int, body string) error

	// Approvals
	FetchApprovals(projectID, iid int) (*Approvals, error)
	Reapprove(projectID, iid int, approverIDs []int) error

	// Pipelines
	ListPipelines(projectID int, ref, username string) ([]Pipeline, error)
	CreatePipeline(projectID int, ref string) (*Pipeline, error)
}

// Verify that Client implements the Forge interface
var _ Forge = (*Client)(nil)
