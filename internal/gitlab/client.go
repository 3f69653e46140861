package gitlab

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

// Client handles GitLab API operations
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError carries the HTTP status and response body of a failed call.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitLab API error %d: %s", e.Status, e.Body)
}

// Retryable reports whether the merge accept endpoint may succeed on retry:
// 405/406 mean "not ready yet" (pipeline pending, branch momentarily
// unmergeable), which clears on its own.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusMethodNotAllowed || e.Status == http.StatusNotAcceptable
}

// createHTTPClient creates an HTTP client with custom TLS configuration and
// transparent retry of transient transport failures.
func createHTTPClient(cfg config.GitLabConfig) (*http.Client, error) {
	transport := &http.Transport{}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.InsecureTLS {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CACertPath, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACertPath)
		}

		tlsConfig.RootCAs = caCertPool
	}

	transport.TLSClientConfig = tlsConfig

	retry := retryablehttp.NewClient()
	retry.HTTPClient = &http.Client{Transport: transport}
	retry.RetryMax = 3
	retry.Logger = nil

	return retry.StandardClient(), nil
}

// NewClient creates a new GitLab API client
func NewClient(cfg config.GitLabConfig, token string) *Client {
	httpClient, err := createHTTPClient(cfg)
	if err != nil {
		// Fallback to default client if TLS configuration fails
		logging.Warn("TLS configuration failed, using default HTTP client: %v", err)
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) newRequest(method, path string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, c.baseURL+"/api/v4"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes a request and decodes a 2xx response into out (when non-nil).
// Non-2xx responses come back as *APIError.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getPaginated follows GitLab's Link headers, decoding each page into a
// []T slice and appending to collect.
func getPaginated[T any](c *Client, path string) ([]T, error) {
	var all []T
	next := c.baseURL + "/api/v4" + path

	for next != "" {
		req, err := http.NewRequest("GET", next, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		var page []T
		err = json.NewDecoder(resp.Body).Decode(&page)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		all = append(all, page...)

		next = parseNextLink(resp.Header.Get("Link"))
	}

	return all, nil
}

// parseNextLink extracts the "next" page URL from GitLab's Link header
// GitLab follows RFC 5988 format: <URL>; rel="next", <URL>; rel="prev"
// Returns empty string if no next link exists
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}

	links := strings.Split(linkHeader, ",")

	for _, link := range links {
		link = strings.TrimSpace(link)

		if !strings.Contains(link, `rel="next"`) {
			continue
		}

		startIdx := strings.Index(link, "<")
		endIdx := strings.Index(link, ">")

		if startIdx == -1 || endIdx == -1 || startIdx >= endIdx {
			continue
		}

		return link[startIdx+1 : endIdx]
	}

	return ""
}

// Me returns the user the auth token belongs to (the bot identity).
func (c *Client) Me() (*User, error) {
	req, err := c.newRequest("GET", "/user", nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := c.do(req, &u); err != nil {
		return nil, fmt.Errorf("failed to fetch own user: %w", err)
	}
	return &u, nil
}

// FetchUser fetches a user by id.
func (c *Client) FetchUser(id int) (*User, error) {
	req, err := c.newRequest("GET", fmt.Sprintf("/users/%d", id), nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := c.do(req, &u); err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", id, err)
	}
	return &u, nil
}

// FetchProject fetches a project by id.
func (c *Client) FetchProject(id int) (*Project, error) {
	req, err := c.newRequest("GET", fmt.Sprintf("/projects/%d", id), nil)
	if err != nil {
		return nil, err
	}
	var p Project
	if err := c.do(req, &p); err != nil {
		return nil, fmt.Errorf("failed to fetch project %d: %w", id, err)
	}
	return &p, nil
}

// ListProjects lists all projects the bot is a member of.
func (c *Client) ListProjects() ([]Project, error) {
	projects, err := getPaginated[Project](c, "/projects?membership=true&per_page=100")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ListAssignedMRs lists the open merge requests in a project assigned to
// the given user, oldest first.
func (c *Client) ListAssignedMRs(projectID, userID int) ([]MergeRequest, error) {
	path := fmt.Sprintf(
		"/projects/%d/merge_requests?state=opened&assignee_id=%d&order_by=updated_at&sort=asc&per_page=100",
		projectID, userID)
	mrs, err := getPaginated[MergeRequest](c, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned MRs for project %d: %w", projectID, err)
	}
	return mrs, nil
}

// FetchMR re-fetches a merge request snapshot.
func (c *Client) FetchMR(projectID, iid int) (*MergeRequest, error) {
	req, err := c.newRequest("GET", fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid), nil)
	if err != nil {
		return nil, err
	}
	var mr MergeRequest
	if err := c.do(req, &mr); err != nil {
		return nil, fmt.Errorf("failed to fetch MR !%d: %w", iid, err)
	}
	return &mr, nil
}

// FetchApprovals fetches the approval state of a merge request.
func (c *Client) FetchApprovals(projectID, iid int) (*Approvals, error) {
	req, err := c.newRequest("GET", fmt.Sprintf("/projects/%d/merge_requests/%d/approvals", projectID, iid), nil)
	if err != nil {
		return nil, err
	}
	var a Approvals
	if err := c.do(req, &a); err != nil {
		return nil, fmt.Errorf("failed to fetch approvals for MR !%d: %w", iid, err)
	}
	return &a, nil
}

// AssignMR replaces the assignee list with the single given user.
func (c *Client) AssignMR(projectID, iid, userID int) error {
	req, err := c.newRequest("PUT", fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid),
		map[string]int{"assignee_id": userID})
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to assign MR !%d to user %d: %w", iid, userID, err)
	}
	return nil
}

// UnassignMR clears the assignee list.
func (c *Client) UnassignMR(projectID, iid int) error {
	req, err := c.newRequest("PUT", fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid),
		map[string]int{"assignee_id": 0})
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to unassign MR !%d: %w", iid, err)
	}
	return nil
}

// AcceptMR asks GitLab to merge the request, asserting the expected head SHA
// so a racing push is rejected server-side. The *APIError it returns on
// failure distinguishes retryable "not ready" states from definitive ones.
func (c *Client) AcceptMR(projectID, iid int, sha string, removeSourceBranch, whenPipelineSucceeds bool) error {
	payload := map[string]interface{}{
		"sha":                         sha,
		"should_remove_source_branch": removeSourceBranch,
	}
	if whenPipelineSucceeds {
		payload["merge_when_pipeline_succeeds"] = true
	}
	req, err := c.newRequest("PUT", fmt.Sprintf("/projects/%d/merge_requests/%d/merge", projectID, iid), payload)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// AddMRComment adds a comment to a merge request
func (c *Client) AddMRComment(projectID, iid int, body string) error {
	req, err := c.newRequest("POST", fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, iid),
		map[string]string{"body": body})
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to comment on MR !%d: %w", iid, err)
	}
	return nil
}

// FetchBranch fetches a branch, including its protection state.
func (c *Client) FetchBranch(projectID int, name string) (*Branch, error) {
	req, err := c.newRequest("GET",
		fmt.Sprintf("/projects/%d/repository/branches/%s", projectID, url.PathEscape(name)), nil)
	if err != nil {
		return nil, err
	}
	var b Branch
	if err := c.do(req, &b); err != nil {
		return nil, fmt.Errorf("failed to fetch branch %s: %w", name, err)
	}
	return &b, nil
}

// ListPipelines lists pipelines on a branch, newest first. When username is
// non-empty only pipelines started by that user are returned.
func (c *Client) ListPipelines(projectID int, ref, username string) ([]Pipeline, error) {
	path := fmt.Sprintf("/projects/%d/pipelines?ref=%s&per_page=100", projectID, url.QueryEscape(ref))
	if username != "" {
		path += "&username=" + url.QueryEscape(username)
	}
	pipelines, err := getPaginated[Pipeline](c, path)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines on %s: %w", ref, err)
	}
	return pipelines, nil
}

// CreatePipeline starts a pipeline on the given ref under the bot identity.
func (c *Client) CreatePipeline(projectID int, ref string) (*Pipeline, error) {
	req, err := c.newRequest("POST", fmt.Sprintf("/projects/%d/pipeline?ref=%s", projectID, url.QueryEscape(ref)), nil)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if err := c.do(req, &p); err != nil {
		return nil, fmt.Errorf("failed to start pipeline on %s: %w", ref, err)
	}
	return &p, nil
}

// Reapprove re-instates approvals on behalf of the recorded approvers after
// a force-push reset them. Approval is not idempotent, so callers must first
// confirm the old approvals are gone.
func (c *Client) Reapprove(projectID, iid int, approverIDs []int) error {
	for _, uid := range approverIDs {
		req, err := c.newRequest("POST", fmt.Sprintf("/projects/%d/merge_requests/%d/approve", projectID, iid), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Sudo", fmt.Sprintf("%d", uid))
		if err := c.do(req, nil); err != nil {
			return fmt.Errorf("failed to re-approve MR !%d as user %d: %w", iid, uid, err)
		}
	}
	return nil
}
