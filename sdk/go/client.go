package issueforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal issueforge reviewer API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Extracted struct {
	SystemKind   string   `json:"system_kind"`
	Technologies []string `json:"technologies"`
	Effort       string   `json:"effort"`
}

type Request struct {
	ID           int64     `json:"request_id"`
	SourceRef    string    `json:"source_ref"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Requester    string    `json:"requester"`
	Priority     string    `json:"priority"`
	Extracted    Extracted `json:"extracted"`
	DiscoveredAt string    `json:"discovered_at"`
}

// Summary is the reviewer listing of a pending request.
type Summary struct {
	ID           int64  `json:"request_id"`
	SourceRef    string `json:"source_ref"`
	Title        string `json:"title"`
	Requester    string `json:"requester"`
	Priority     string `json:"priority"`
	SystemKind   string `json:"system_kind"`
	Effort       string `json:"effort"`
	Decision     string `json:"decision"`
	DiscoveredAt string `json:"discovered_at"`
}

type Decision struct {
	RequestID int64  `json:"request_id"`
	State     string `json:"state"`
	Reviewer  string `json:"reviewer,omitempty"`
	DecidedAt string `json:"decided_at,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Attempts  int    `json:"authorized_attempts"`
}

type Run struct {
	ID         int64  `json:"run_id"`
	RequestID  int64  `json:"request_id"`
	Attempt    int    `json:"attempt"`
	State      string `json:"state"`
	StartedAt  string `json:"started_at,omitempty"`
	EndedAt    string `json:"ended_at,omitempty"`
	Workdir    string `json:"workdir,omitempty"`
	ExitReason string `json:"exit_reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type Artifact struct {
	ID            int64  `json:"artifact_id"`
	RunID         int64  `json:"run_id"`
	RemoteRepoURL string `json:"remote_repo_url"`
	CommitRef     string `json:"commit_ref"`
	PublishedAt   string `json:"published_at"`
}

// Detail is a request with everything recorded about it.
type Detail struct {
	Request   Request    `json:"request"`
	Decision  Decision   `json:"decision"`
	Runs      []Run      `json:"runs"`
	Artifacts []Artifact `json:"artifacts"`
}

type AuditEntry struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Kind      string `json:"kind"`
	SubjectID int64  `json:"subject_id"`
	Message   string `json:"message"`
}

// AuditPage wraps audit listings with a cursor for the next, older page.
type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

type WhoAmI struct {
	Reviewer string   `json:"reviewer"`
	Roles    []string `json:"roles"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Pending lists requests awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]Summary, error) {
	var resp struct {
		Items []Summary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests/pending", nil, &resp)
	return resp.Items, err
}

// Requests lists requests, optionally filtered by decision state.
func (c *Client) Requests(ctx context.Context, decision string, limit int) ([]Request, error) {
	q := url.Values{}
	if decision != "" {
		q.Set("decision", decision)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("requests", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Show(ctx context.Context, requestID int64) (Detail, error) {
	var resp Detail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%d", requestID), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, requestID int64, notes string) (Detail, error) {
	return c.decide(ctx, requestID, "approve", notes)
}

func (c *Client) Reject(ctx context.Context, requestID int64, notes string) (Detail, error) {
	return c.decide(ctx, requestID, "reject", notes)
}

// Requeue authorises another attempt after a failed or cancelled run.
func (c *Client) Requeue(ctx context.Context, requestID int64, notes string) (Detail, error) {
	return c.decide(ctx, requestID, "requeue", notes)
}

func (c *Client) decide(ctx context.Context, requestID int64, action, notes string) (Detail, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Detail
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%d/%s", requestID, action), body, &resp)
	return resp, err
}

// Runs lists runs, optionally for one request.
func (c *Client) Runs(ctx context.Context, requestID int64, state string) ([]Run, error) {
	q := url.Values{}
	if requestID > 0 {
		q.Set("request_id", strconv.FormatInt(requestID, 10))
	}
	if state != "" {
		q.Set("state", state)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp.Items, err
}

// AuditPage returns audit entries, newest first, older than cursor.
func (c *Client) AuditPage(ctx context.Context, kind string, limit int, cursor string) (AuditPage, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers started with dev login enabled and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, reviewer string, roles []string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"reviewer": reviewer, "roles": roles}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// base returns the API root, defaulting the version prefix.
func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if !strings.HasSuffix(b, "/v1") {
		b += "/v1"
	}
	return b
}
