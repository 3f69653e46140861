package job

import (
	"fmt"
	"strings"

	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
)

// Verify that mockForge implements the Forge interface
var _ gitlab.Forge = (*mockForge)(nil)

// mockForge is a scripted forge that captures every mutating interaction.
type mockForge struct {
	me            gitlab.User
	mr            gitlab.MergeRequest
	mrs           map[int]gitlab.MergeRequest // by iid; overrides mr when set
	approvals     gitlab.Approvals
	pipelines     []gitlab.Pipeline
	branch        gitlab.Branch
	sourceProject *gitlab.Project
	users         map[int]gitlab.User

	// Optional hooks; when nil the fields above are served as-is.
	fetchMRFn        func(call int) *gitlab.MergeRequest
	fetchApprovalsFn func(call int) *gitlab.Approvals
	listPipelinesFn  func(call int) []gitlab.Pipeline
	acceptFn         func(call int) error

	// Captured interactions
	fetchMRCalls        int
	fetchApprovalsCalls int
	listPipelinesCalls  int
	acceptCalls         []acceptCall
	assignedTo          []int
	unassignCalls       int
	comments            []string
	reapprovedFor       [][]int
	pipelineStarts      []string
}

type acceptCall struct {
	iid                  int
	sha                  string
	whenPipelineSucceeds bool
}

func newMockForge() *mockForge {
	return &mockForge{
		me: gitlab.User{ID: 42, Username: "mergebot", Name: "Mergebot"},
		mr: gitlab.MergeRequest{
			IID:             1,
			ProjectID:       100,
			State:           "opened",
			SourceProjectID: 100,
			TargetProjectID: 100,
			SourceBranch:    "feature/x",
			TargetBranch:    "main",
			SHA:             "cafe0001",
			Author:          gitlab.User{ID: 7, Username: "dev"},
			Assignees:       []gitlab.User{{ID: 42, Username: "mergebot"}},
			WebURL:          "https://gitlab.example.com/group/proj/-/merge_requests/1",
		},
		approvals: gitlab.Approvals{ApprovalsLeft: 0},
		users:     map[int]gitlab.User{},
	}
}

func (m *mockForge) Me() (*gitlab.User, error) { u := m.me; return &u, nil }

func (m *mockForge) FetchUser(id int) (*gitlab.User, error) {
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, fmt.Errorf("no such user %d", id)
}

func (m *mockForge) FetchProject(id int) (*gitlab.Project, error) {
	if m.sourceProject != nil && m.sourceProject.ID == id {
		p := *m.sourceProject
		return &p, nil
	}
	return nil, fmt.Errorf("no such project %d", id)
}

func (m *mockForge) ListProjects() ([]gitlab.Project, error) { return nil, nil }

func (m *mockForge) FetchBranch(projectID int, name string) (*gitlab.Branch, error) {
	b := m.branch
	if b.Name == "" {
		b.Name = name
	}
	return &b, nil
}

func (m *mockForge) ListAssignedMRs(projectID, userID int) ([]gitlab.MergeRequest, error) {
	return []gitlab.MergeRequest{m.mr}, nil
}

func (m *mockForge) FetchMR(projectID, iid int) (*gitlab.MergeRequest, error) {
	m.fetchMRCalls++
	if m.fetchMRFn != nil {
		return m.fetchMRFn(m.fetchMRCalls), nil
	}
	if m.mrs != nil {
		if mr, ok := m.mrs[iid]; ok {
			return &mr, nil
		}
		return nil, fmt.Errorf("no such MR !%d", iid)
	}
	mr := m.mr
	return &mr, nil
}

func (m *mockForge) AssignMR(projectID, iid, userID int) error {
	m.assignedTo = append(m.assignedTo, userID)
	return nil
}

func (m *mockForge) UnassignMR(projectID, iid int) error {
	m.unassignCalls++
	return nil
}

func (m *mockForge) AcceptMR(projectID, iid int, sha string, removeSourceBranch, whenPipelineSucceeds bool) error {
	m.acceptCalls = append(m.acceptCalls, acceptCall{iid: iid, sha: sha, whenPipelineSucceeds: whenPipelineSucceeds})
	if m.acceptFn != nil {
		return m.acceptFn(len(m.acceptCalls))
	}
	return nil
}

func (m *mockForge) AddMRComment(projectID, iid int, body string) error {
	m.comments = append(m.comments, body)
	return nil
}

func (m *mockForge) FetchApprovals(projectID, iid int) (*gitlab.Approvals, error) {
	m.fetchApprovalsCalls++
	if m.fetchApprovalsFn != nil {
		return m.fetchApprovalsFn(m.fetchApprovalsCalls), nil
	}
	a := m.approvals
	return &a, nil
}

func (m *mockForge) Reapprove(projectID, iid int, approverIDs []int) error {
	m.reapprovedFor = append(m.reapprovedFor, approverIDs)
	return nil
}

func (m *mockForge) ListPipelines(projectID int, ref, username string) ([]gitlab.Pipeline, error) {
	m.listPipelinesCalls++
	if m.listPipelinesFn != nil {
		return m.listPipelinesFn(m.listPipelinesCalls), nil
	}
	return m.pipelines, nil
}

func (m *mockForge) CreatePipeline(projectID int, ref string) (*gitlab.Pipeline, error) {
	m.pipelineStarts = append(m.pipelineStarts, ref)
	return &gitlab.Pipeline{ID: 900 + len(m.pipelineStarts), Ref: ref, Status: gitlab.PipelinePending}, nil
}

// transcript renders captured accept calls for diffing in assertions.
func (m *mockForge) transcript() string {
	var lines []string
	for _, c := range m.acceptCalls {
		lines = append(lines, fmt.Sprintf("accept !%d sha=%s when_pipeline_succeeds=%v", c.iid, c.sha, c.whenPipelineSucceeds))
	}
	return strings.Join(lines, "\n")
}
