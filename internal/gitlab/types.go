package gitlab

import "time"

// User represents a GitLab user account
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

// Project represents a GitLab project
type Project struct {
	ID                               int    `json:"id"`
	PathWithNamespace                string `json:"path_with_namespace"`
	SSHURLToRepo                     string `json:"ssh_url_to_repo"`
	OnlyAllowMergeIfPipelineSucceeds bool   `json:"only_allow_merge_if_pipeline_succeeds"`
	MergeMethod                      string `json:"merge_method"`
}

// Branch represents a repository branch
type Branch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
}

// Pipeline represents a CI pipeline on a branch
type Pipeline struct {
	ID     int    `json:"id"`
	SHA    string `json:"sha"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
}

// Pipeline statuses as reported by GitLab
const (
	PipelineCreated  = "created"
	PipelinePending  = "pending"
	PipelineRunning  = "running"
	PipelineSuccess  = "success"
	PipelineFailed   = "failed"
	PipelineCanceled = "canceled"
	PipelineSkipped  = "skipped"
)

// MergeRequest represents a GitLab merge request. Every fetched value is a
// point-in-time snapshot; callers re-fetch at each transition.
type MergeRequest struct {
	ID              int       `json:"id"`
	IID             int       `json:"iid"`
	ProjectID       int       `json:"project_id"`
	Title           string    `json:"title"`
	State           string    `json:"state"`
	WorkInProgress  bool      `json:"work_in_progress"`
	Squash          bool      `json:"squash"`
	SourceProjectID int       `json:"source_project_id"`
	TargetProjectID int       `json:"target_project_id"`
	SourceBranch    string    `json:"source_branch"`
	TargetBranch    string    `json:"target_branch"`
	SHA             string    `json:"sha"`
	Author          User      `json:"author"`
	Assignees       []User    `json:"assignees"`
	Labels          []string  `json:"labels"`
	WebURL          string    `json:"web_url"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AssigneeIDs returns the ids of all current assignees.
func (mr *MergeRequest) AssigneeIDs() []int {
	ids := make([]int, 0, len(mr.Assignees))
	for _, u := range mr.Assignees {
		ids = append(ids, u.ID)
	}
	return ids
}

// IsAssignedTo reports whether userID appears among the assignees.
func (mr *MergeRequest) IsAssignedTo(userID int) bool {
	for _, u := range mr.Assignees {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// HasAllLabels reports whether every label in want is present on the MR.
func (mr *MergeRequest) HasAllLabels(want []string) bool {
	if len(want) == 0 {
		return false
	}
	have := make(map[string]bool, len(mr.Labels))
	for _, l := range mr.Labels {
		have[l] = true
	}
	for _, l := range want {
		if !have[l] {
			return false
		}
	}
	return true
}

// Approver is one entry of an MR's approved_by list.
type Approver struct {
	User User `json:"user"`
}

// Approvals represents the approval state of a merge request
type Approvals struct {
	ApprovalsLeft int        `json:"approvals_left"`
	ApprovedBy    []Approver `json:"approved_by"`
}

// Sufficient reports whether no further approvals are required.
func (a *Approvals) Sufficient() bool {
	return a.ApprovalsLeft == 0
}

// ApproverIDs returns the ids of everyone who has approved.
func (a *Approvals) ApproverIDs() []int {
	ids := make([]int, 0, len(a.ApprovedBy))
	for _, ab := range a.ApprovedBy {
		ids = append(ids, ab.User.ID)
	}
	return ids
}

// ApproverUsernames returns the usernames of everyone who has approved.
func (a *Approvals) ApproverUsernames() []string {
	names := make([]string, 0, len(a.ApprovedBy))
	for _, ab := range a.ApprovedBy {
		names = append(names, ab.User.Username)
	}
	return names
}
