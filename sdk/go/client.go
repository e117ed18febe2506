package chainedsdk

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

// Client is a minimal Chained HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TaskInput is the task document for dispatch.
type TaskInput struct {
	ID        string   `json:"id,omitempty"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Locations []string `json:"locations,omitempty"`
}

// ScoreBreakdown itemizes an assignment score.
type ScoreBreakdown struct {
	Pattern     float64 `json:"pattern"`
	Location    float64 `json:"location"`
	Performance float64 `json:"performance"`
	Total       float64 `json:"total"`
}

// Assignment is the computed dispatch result for a task.
type Assignment struct {
	TaskID       string          `json:"task_id"`
	WorkerID     string          `json:"worker_id"`
	Score        float64         `json:"score"`
	Fallback     bool            `json:"fallback"`
	TriageReason string          `json:"triage_reason,omitempty"`
	Breakdown    *ScoreBreakdown `json:"breakdown,omitempty"`
	AssignedAt   string          `json:"assigned_at"`
}

// Task represents the API task model.
type Task struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Body              string   `json:"body,omitempty"`
	DeclaredLocations []string `json:"declared_locations,omitempty"`
	ExtractedTokens   []string `json:"extracted_tokens,omitempty"`
	AssignedWorker    *string  `json:"assigned_worker,omitempty"`
	MatchScore        float64  `json:"match_score"`
	TriageReason      *string  `json:"triage_reason,omitempty"`
	Status            string   `json:"status"`
	Outcome           *string  `json:"outcome,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
	CompletedAt       *string  `json:"completed_at,omitempty"`
}

// Worker represents a registry record.
type Worker struct {
	ID                   string   `json:"id"`
	SpecializationTokens []string `json:"specialization_tokens"`
	Tools                []string `json:"tools,omitempty"`
	LocationAffinity     []string `json:"location_affinity,omitempty"`
	Status               string   `json:"status"`
	Protected            bool     `json:"protected"`
	TotalMissions        int      `json:"total_missions"`
	SuccessfulMissions   int      `json:"successful_missions"`
	SuccessRate          float64  `json:"success_rate"`
	Version              int64    `json:"version"`
	LastUpdated          string   `json:"last_updated"`
	CreatedAt            string   `json:"created_at"`
}

// WorkerDef is an authored worker definition for sync.
type WorkerDef struct {
	ID                   string   `json:"id"`
	SpecializationTokens []string `json:"specialization_tokens,omitempty"`
	Tools                []string `json:"tools,omitempty"`
	LocationAffinity     []string `json:"location_affinity,omitempty"`
}

// PerformanceRecord is the counter view of a worker's outcome history.
type PerformanceRecord struct {
	WorkerID           string  `json:"worker_id"`
	TotalMissions      int     `json:"total_missions"`
	SuccessfulMissions int     `json:"successful_missions"`
	SuccessRate        float64 `json:"success_rate"`
	LastUpdated        string  `json:"last_updated,omitempty"`
}

// WorkerStatus pairs a worker with its record and recent missions.
type WorkerStatus struct {
	Worker         Worker            `json:"worker"`
	Record         PerformanceRecord `json:"record"`
	RecentMissions []Task            `json:"recent_missions"`
}

// Standing is one row of the performance ranking.
type Standing struct {
	Rank               int     `json:"rank"`
	WorkerID           string  `json:"worker_id"`
	Status             string  `json:"status"`
	Protected          bool    `json:"protected"`
	TotalMissions      int     `json:"total_missions"`
	SuccessfulMissions int     `json:"successful_missions"`
	SuccessRate        float64 `json:"success_rate"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Transition is one worker's status change during a reindex.
type Transition struct {
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// TaskListOptions filter and paginate ListTasks.
type TaskListOptions struct {
	Status string
	Worker string
	Triage bool
	Limit  int
	Cursor string
}

// PaginatedTasks wraps a task listing with its continuation cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DispatchTask ingests a task document and returns its assignment.
// Re-posting the same content returns the stored assignment.
func (c *Client) DispatchTask(ctx context.Context, task TaskInput) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v1/tasks", task, &resp)
	return resp, err
}

// Redispatch returns the stored assignment for a known task, finishing
// an interrupted dispatch if needed.
func (c *Client) Redispatch(ctx context.Context, taskID string) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v1/tasks/%s/dispatch", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordOutcome records a task's terminal outcome ("success" or
// "failure"). Duplicate deliveries return the stored completion.
func (c *Client) RecordOutcome(ctx context.Context, taskID, outcome string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s/outcome", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns a page of tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, opts TaskListOptions) (PaginatedTasks, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Worker != "" {
		q.Set("worker", opts.Worker)
	}
	if opts.Triage {
		q.Set("triage", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "v1/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListWorkers returns workers, optionally filtered by status.
func (c *Client) ListWorkers(ctx context.Context, status string) ([]Worker, error) {
	endpoint := "v1/workers"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Worker
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetWorker returns a worker with its recent missions.
func (c *Client) GetWorker(ctx context.Context, workerID string) (WorkerStatus, error) {
	var resp WorkerStatus
	endpoint := fmt.Sprintf("v1/workers/%s", url.PathEscape(workerID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SyncWorkers upserts worker definitions. Requires maintainer auth.
func (c *Client) SyncWorkers(ctx context.Context, defs []WorkerDef) ([]Worker, error) {
	var resp []Worker
	err := c.do(ctx, http.MethodPost, "v1/workers/sync", map[string]any{"workers": defs}, &resp)
	return resp, err
}

// ProtectWorker sets or clears the elimination-protection override.
// Requires maintainer auth.
func (c *Client) ProtectWorker(ctx context.Context, workerID string, protected bool) (Worker, error) {
	var resp Worker
	endpoint := fmt.Sprintf("v1/workers/%s/protect", url.PathEscape(workerID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"protected": protected}, &resp)
	return resp, err
}

// ReinstateWorker reinstates a worker with reset counters. Requires
// maintainer auth.
func (c *Client) ReinstateWorker(ctx context.Context, workerID string) (Worker, error) {
	var resp Worker
	endpoint := fmt.Sprintf("v1/workers/%s/reinstate", url.PathEscape(workerID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Standings returns the performance ranking.
func (c *Client) Standings(ctx context.Context) ([]Standing, error) {
	var resp []Standing
	err := c.do(ctx, http.MethodGet, "v1/standings", nil, &resp)
	return resp, err
}

// Reindex re-derives every worker's lifecycle status. Requires
// maintainer auth.
func (c *Client) Reindex(ctx context.Context) ([]Transition, error) {
	var resp struct {
		Transitions []Transition `json:"transitions"`
	}
	err := c.do(ctx, http.MethodPost, "v1/reindex", nil, &resp)
	return resp.Transitions, err
}

// Events returns recent journal entries, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/ping", nil, nil)
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
