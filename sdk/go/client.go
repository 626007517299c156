package launchpathsdk

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

// Client is a minimal Launchpath HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client. The default timeout leaves room for a full stage
// generation.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 90 * time.Second,
	}
}

type Project struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Idea         string `json:"idea"`
	Audience     string `json:"audience,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Geography    string `json:"geography,omitempty"`
	FounderType  string `json:"founder_type,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// ProjectInput is the body of CreateProject. Idea is required.
type ProjectInput struct {
	ID           string `json:"id,omitempty"`
	Idea         string `json:"idea"`
	Audience     string `json:"audience,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Geography    string `json:"geography,omitempty"`
	FounderType  string `json:"founder_type,omitempty"`
}

type StageStatus struct {
	ProjectID string            `json:"project_id"`
	Statuses  map[string]string `json:"statuses"`
	Version   int64             `json:"version"`
}

type Transition struct {
	Stage    string            `json:"stage"`
	Statuses map[string]string `json:"statuses"`
	Affected []string          `json:"affected"`
	Version  int64             `json:"version"`
	Changed  bool              `json:"changed"`
}

type UpstreamCheck struct {
	Stage   string   `json:"stage"`
	Locked  bool     `json:"locked"`
	Pending []string `json:"pending"`
}

type StepOutcome struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Result *struct {
		Feature      string   `json:"feature"`
		Data         any      `json:"data"`
		Completeness string   `json:"completeness"`
		Warnings     []string `json:"warnings,omitempty"`
		Tokens       int64    `json:"tokens"`
	} `json:"result,omitempty"`
}

type StageRun struct {
	RunID           string        `json:"run_id"`
	ProjectID       string        `json:"project_id"`
	Stage           string        `json:"stage"`
	Mode            string        `json:"mode"`
	Success         bool          `json:"success"`
	Steps           []StepOutcome `json:"steps"`
	Artifacts       []string      `json:"artifacts"`
	FailedStep      string        `json:"failed_step,omitempty"`
	Invalidated     []string      `json:"invalidated"`
	UpstreamLocked  bool          `json:"upstream_locked"`
	PendingUpstream []string      `json:"pending_upstream,omitempty"`
}

type Artifact struct {
	ProjectID    string   `json:"project_id"`
	Feature      string   `json:"feature"`
	Stage        string   `json:"stage"`
	Payload      any      `json:"payload"`
	Completeness string   `json:"completeness"`
	Warnings     []string `json:"warnings,omitempty"`
	Model        string   `json:"model,omitempty"`
	Tokens       int64    `json:"tokens"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type Budget struct {
	Allowed     bool             `json:"allowed"`
	Used        int64            `json:"used"`
	Limit       int64            `json:"limit"`
	Percent     int              `json:"percent"`
	Reason      string           `json:"reason,omitempty"`
	WarnPercent int              `json:"warn_percent"`
	ByFeature   map[string]int64 `json:"by_feature"`
	Since       string           `json:"since"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Timeout reports a generation that ran past its deadline. Reload the
// project to see what was saved.
func (e *APIError) Timeout() bool { return e.Code == "timeout" }

func (c *Client) CreateProject(ctx context.Context, in ProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", in, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp.Items, err
}

func (c *Client) Project(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) Stages(ctx context.Context, projectID string) (StageStatus, error) {
	var resp StageStatus
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "stages"), nil, &resp)
	return resp, err
}

func (c *Client) LockStage(ctx context.Context, projectID, stage string) (Transition, error) {
	return c.transition(ctx, projectID, stage, "lock")
}

// UnlockStage returns the stage to draft; locked stages after it become
// outdated.
func (c *Client) UnlockStage(ctx context.Context, projectID, stage string) (Transition, error) {
	return c.transition(ctx, projectID, stage, "unlock")
}

func (c *Client) InvalidateDownstream(ctx context.Context, projectID, stage string) (Transition, error) {
	return c.transition(ctx, projectID, stage, "invalidate")
}

func (c *Client) transition(ctx context.Context, projectID, stage, action string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "stages/"+url.PathEscape(stage)+"/"+action), nil, &resp)
	return resp, err
}

func (c *Client) CheckUpstream(ctx context.Context, projectID, stage string) (UpstreamCheck, error) {
	var resp UpstreamCheck
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "stages/"+url.PathEscape(stage)+"/upstream"), nil, &resp)
	return resp, err
}

// GenerateStage runs every feature of a stage. A failed run returns an
// *APIError whose Details["run"] holds the partial report.
func (c *Client) GenerateStage(ctx context.Context, projectID, stage string) (StageRun, error) {
	var resp StageRun
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "stages/"+url.PathEscape(stage)+"/generate"), nil, &resp)
	return resp, err
}

func (c *Client) GenerateFeature(ctx context.Context, projectID, feature string) (StageRun, error) {
	var resp StageRun
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "features/"+url.PathEscape(feature)+"/generate"), nil, &resp)
	return resp, err
}

// Artifacts lists a project's artifacts. An empty stage lists all of them.
func (c *Client) Artifacts(ctx context.Context, projectID, stage string) ([]Artifact, error) {
	endpoint := projectPath(projectID, "artifacts")
	if stage != "" {
		endpoint += "?stage=" + url.QueryEscape(stage)
	}
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Artifact(ctx context.Context, projectID, feature string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "artifacts/"+url.PathEscape(feature)), nil, &resp)
	return resp, err
}

func (c *Client) Budget(ctx context.Context) (Budget, error) {
	var resp Budget
	err := c.do(ctx, http.MethodGet, "v0/budget", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := projectPath(projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	base := "v0/projects/" + url.PathEscape(projectID)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
