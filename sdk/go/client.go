package switchboardsdk

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

// Client is a minimal Switchboard HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Sender identifies who sent an inbound email.
type Sender struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Email is an inbound message submitted to the ingress endpoint.
type Email struct {
	Channel     string         `json:"channel"`
	MessageID   string         `json:"message_id,omitempty"`
	From        Sender         `json:"from"`
	Subject     string         `json:"subject,omitempty"`
	Text        string         `json:"text,omitempty"`
	IssueNumber *int           `json:"issue_number,omitempty"`
	AgentKey    string         `json:"agent_key,omitempty"`
	Command     string         `json:"command,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IngressResult is the processing outcome for one email.
type IngressResult struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
	EventID  string `json:"event_id"`
	ThreadID string `json:"thread_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	Reason   string `json:"reason"`
}

// Task represents the API task model (partial).
type Task struct {
	ID       string `json:"id"`
	AgentKey string `json:"agent_key"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// Introspection is the read-only system snapshot. Sections are kept raw so
// callers decode only what they need.
type Introspection struct {
	GeneratedAt string          `json:"generated_at"`
	Lease       json.RawMessage `json:"lease"`
	ContextLock json.RawMessage `json:"context_lock"`
	Tasks       json.RawMessage `json:"tasks"`
	Failures    json.RawMessage `json:"failures"`
	Workers     json.RawMessage `json:"workers"`
	Errors      []struct {
		Section string `json:"section"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Approval is an issued approval token.
type Approval struct {
	Token       string         `json:"token"`
	Payload     map[string]any `json:"payload"`
	Fingerprint string         `json:"fingerprint"`
}

// Authorization is the policy and approval verdict for an envelope.
type Authorization struct {
	Allowed     bool           `json:"allowed"`
	Reason      string         `json:"reason"`
	Fingerprint string         `json:"fingerprint"`
	Policy      map[string]any `json:"policy"`
	Code        string         `json:"code,omitempty"`
}

// AuditEvent represents a lifecycle audit row.
type AuditEvent struct {
	ID         int64          `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorRole  string         `json:"actor_role"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditEvent `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitEmail posts an inbound email. Blocked and dead-lettered emails are
// reported through the result, not as an error.
func (c *Client) SubmitEmail(ctx context.Context, email Email) (IngressResult, error) {
	if email.Channel == "" {
		email.Channel = "email"
	}
	var resp IngressResult
	err := c.do(ctx, http.MethodPost, "ingress/email", email, &resp,
		http.StatusForbidden, http.StatusUnprocessableEntity)
	return resp, err
}

// EnqueueTask submits a task through the judgement gate.
func (c *Client) EnqueueTask(ctx context.Context, agentKey, title string, payload map[string]any) (Task, error) {
	body := map[string]any{
		"agent_key": agentKey,
		"title":     title,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp.Task, err
}

// Introspect returns the current system snapshot.
func (c *Client) Introspect(ctx context.Context) (Introspection, error) {
	var resp Introspection
	err := c.do(ctx, http.MethodGet, "introspection", nil, &resp)
	return resp, err
}

// IssueApproval asks for an approval token bound to envelope.
func (c *Client) IssueApproval(ctx context.Context, envelope any, ttl time.Duration) (Approval, error) {
	body := map[string]any{"envelope": envelope}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl / time.Second)
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "toolcalls/approvals", body, &resp)
	return resp, err
}

// VerifyApproval applies policy to envelope and checks token against it.
func (c *Client) VerifyApproval(ctx context.Context, envelope any, token string) (Authorization, error) {
	body := map[string]any{"envelope": envelope}
	if token != "" {
		body["token"] = token
	}
	var resp Authorization
	err := c.do(ctx, http.MethodPost, "toolcalls/approvals/verify", body, &resp)
	return resp, err
}

// AuditPage returns audit rows after cursor, oldest first.
func (c *Client) AuditPage(ctx context.Context, entityType string, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if entityType != "" {
		q.Set("entity_type", entityType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// do sends the request and decodes a 2xx body, or a body with one of the
// extra statuses, into out.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, extra ...int) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && !accepts(extra, resp.StatusCode) {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func accepts(statuses []int, code int) bool {
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
