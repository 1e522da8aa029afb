package mailplanesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mailplane HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Email represents the API email model.
type Email struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	FromAddress    string  `json:"from_address"`
	Subject        string  `json:"subject"`
	Body           string  `json:"body"`
	Status         string  `json:"status"`
	Classification *string `json:"classification,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Task represents a proposed unit of work.
type Task struct {
	ID            string  `json:"id"`
	EmailID       *string `json:"email_id,omitempty"`
	TenantID      string  `json:"tenant_id"`
	Intent        string  `json:"intent"`
	Confidence    float64 `json:"confidence"`
	Risk          string  `json:"risk"`
	Status        string  `json:"status"`
	Why           string  `json:"why"`
	MissingFields *string `json:"missing_fields,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// Job represents a planned execution.
type Job struct {
	ID        string  `json:"id"`
	TaskID    *string `json:"task_id,omitempty"`
	TenantID  string  `json:"tenant_id"`
	Status    string  `json:"status"`
	Source    string  `json:"source"`
	StartedAt string  `json:"started_at"`
	UpdatedAt string  `json:"updated_at"`
}

// JobStep represents a single planned action within a job.
type JobStep struct {
	ID               string  `json:"id"`
	JobID            string  `json:"job_id"`
	Index            int     `json:"index"`
	ActionID         string  `json:"action_id"`
	Backend          string  `json:"backend"`
	InputJSON        string  `json:"input_json"`
	OutputJSON       *string `json:"output_json,omitempty"`
	Status           string  `json:"status"`
	RequiresApproval bool    `json:"requires_approval"`
	CreatedAt        string  `json:"created_at"`
}

// JobDetail is a job with its ordered steps.
type JobDetail struct {
	Job
	Steps []JobStep `json:"steps,omitempty"`
}

// AuditEntry represents one audit log row.
type AuditEntry struct {
	ID          int64   `json:"id"`
	TenantID    string  `json:"tenant_id"`
	EventType   string  `json:"event_type"`
	EntityID    *string `json:"entity_id,omitempty"`
	PayloadJSON string  `json:"payload_json"`
	CreatedAt   string  `json:"created_at"`
}

// JobAction is the outcome of an abort or retry call.
type JobAction struct {
	OK     bool   `json:"ok"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Decision is the outcome of an approval decision.
type Decision struct {
	OK       bool   `json:"ok"`
	Decision string `json:"decision"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestEmail submits a normalized email for later triage.
func (c *Client) IngestEmail(ctx context.Context, tenantID, from, subject, body string) (Email, error) {
	payload := map[string]any{
		"tenant_id":    tenantID,
		"from_address": from,
		"subject":      subject,
		"body":         body,
	}
	var resp Email
	err := c.do(ctx, http.MethodPost, "emails", payload, &resp)
	return resp, err
}

// ListEmails returns emails, optionally filtered by status.
func (c *Client) ListEmails(ctx context.Context, status string) ([]Email, error) {
	endpoint := "emails"
	if status != "" {
		endpoint = fmt.Sprintf("emails?status=%s", url.QueryEscape(status))
	}
	var resp []Email
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ProposeTask classifies an email and proposes a task from it.
func (c *Client) ProposeTask(ctx context.Context, emailID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/from-email", map[string]any{"email_id": emailID}, &resp)
	return resp, err
}

// ListTasks returns proposed tasks.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

// PlanJob turns a proposed task into a planned job.
func (c *Client) PlanJob(ctx context.Context, taskID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("jobs/plan/%s", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListJobs returns planned jobs.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var resp []Job
	err := c.do(ctx, http.MethodGet, "jobs", nil, &resp)
	return resp, err
}

// GetJob fetches a job with its steps.
func (c *Client) GetJob(ctx context.Context, jobID string) (JobDetail, error) {
	var resp JobDetail
	endpoint := fmt.Sprintf("jobs/%s", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AbortJob marks a job aborted.
func (c *Client) AbortJob(ctx context.Context, jobID string) (JobAction, error) {
	var resp JobAction
	endpoint := fmt.Sprintf("jobs/%s/abort", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RetryJob resets a job to executing.
func (c *Client) RetryJob(ctx context.Context, jobID string) (JobAction, error) {
	var resp JobAction
	endpoint := fmt.Sprintf("jobs/%s/retry", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Approve records an approved decision on a pending approval.
func (c *Client) Approve(ctx context.Context, approvalID, decidedBy, comment string) (Decision, error) {
	return c.decide(ctx, approvalID, "approve", decidedBy, comment)
}

// Reject records a rejected decision on a pending approval.
func (c *Client) Reject(ctx context.Context, approvalID, decidedBy, comment string) (Decision, error) {
	return c.decide(ctx, approvalID, "reject", decidedBy, comment)
}

func (c *Client) decide(ctx context.Context, approvalID, verb, decidedBy, comment string) (Decision, error) {
	payload := map[string]any{"decided_by": decidedBy}
	if comment != "" {
		payload["comment"] = comment
	}
	var resp Decision
	endpoint := fmt.Sprintf("approvals/%s/%s", url.PathEscape(approvalID), verb)
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// Audit returns recent audit entries, newest first.
func (c *Client) Audit(ctx context.Context, query string, limit int) ([]AuditEntry, error) {
	endpoint := "audit"
	params := url.Values{}
	if query != "" {
		params.Set("query", query)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v1"
	}
	url := c.base() + "/" + base + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
