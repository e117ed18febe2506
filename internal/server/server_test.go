package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chained/internal/config"
	"chained/internal/db"
	"chained/internal/domain"
	"chained/internal/engine"
	"chained/internal/migrate"
	"chained/internal/registry"
)

const testSecret = "test-secret"

const testPatterns = `
version: "1"
rules:
  - token: bug
    candidates: [fix-master]
    weight: 0.8
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "patterns.yaml"), []byte(testPatterns), 0o644); err != nil {
		t.Fatalf("write patterns: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := e.SyncWorkers(ctx, []config.WorkerDef{
		{ID: "fix-master", SpecializationTokens: []string{"bug"}},
	}, "tester"); err != nil {
		t.Fatalf("sync workers: %v", err)
	}
	if _, err := e.EnsureFallbackWorker(ctx, "tester"); err != nil {
		t.Fatalf("seed fallback: %v", err)
	}
	handler, err := New(Config{
		Engine:    e,
		Workspace: workspace,
		BasePath:  "/v1",
		Auth:      AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearerHeaders(t *testing.T, actor string, maintainer bool) map[string]string {
	t.Helper()
	token, err := MintToken(testSecret, actor, maintainer, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestPingIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/ping", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ping status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
}

func TestDispatchOutcomeFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerHeaders(t, "agent-1", false)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Fix the bug in auth",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var assignment AssignmentResponse
	if err := json.Unmarshal(data, &assignment); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}
	if assignment.WorkerID != "fix-master" || assignment.Fallback {
		t.Fatalf("unexpected assignment %+v", assignment)
	}

	// Idempotent re-post.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Fix the bug in auth",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-dispatch status %d: %s", res.StatusCode, string(data))
	}
	var again AssignmentResponse
	_ = json.Unmarshal(data, &again)
	if again.TaskID != assignment.TaskID || again.WorkerID != assignment.WorkerID {
		t.Fatalf("re-dispatch diverged: %+v vs %+v", again, assignment)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+assignment.TaskID+"/outcome", map[string]any{
		"outcome": "success",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outcome status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskCompleted || task.Outcome == nil || *task.Outcome != "success" {
		t.Fatalf("unexpected task %+v", task)
	}

	// Duplicate delivery returns the stored completion.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+assignment.TaskID+"/outcome", map[string]any{
		"outcome": "failure",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate outcome status %d: %s", res.StatusCode, string(data))
	}
	var dup TaskResponse
	_ = json.Unmarshal(data, &dup)
	if dup.Outcome == nil || *dup.Outcome != "success" {
		t.Fatalf("duplicate outcome overwrote: %+v", dup)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers/fix-master", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get worker status %d: %s", res.StatusCode, string(data))
	}
	var status WorkerStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}
	if status.Worker.TotalMissions != 1 || status.Worker.SuccessfulMissions != 1 {
		t.Fatalf("counters %d/%d, want 1/1", status.Worker.SuccessfulMissions, status.Worker.TotalMissions)
	}
	if status.Record.WorkerID != "fix-master" || status.Record.SuccessRate != 1.0 {
		t.Fatalf("unexpected record %+v", status.Record)
	}
	if len(status.RecentMissions) != 1 {
		t.Fatalf("expected 1 recent mission, got %d", len(status.RecentMissions))
	}
}

func TestDispatchFallback(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearerHeaders(t, "agent-1", false)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Update the changelog",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	var assignment AssignmentResponse
	_ = json.Unmarshal(data, &assignment)
	if !assignment.Fallback || assignment.WorkerID != "general-purpose" {
		t.Fatalf("expected fallback assignment, got %+v", assignment)
	}
	if assignment.TriageReason != domain.TriageNoSignalMatch {
		t.Fatalf("expected no_signal_match, got %s", assignment.TriageReason)
	}
}

func TestOutcomeOrphanMapsTo409(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearerHeaders(t, "agent-1", false)
	ctx := context.Background()
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := "2024-01-01T00:00:00Z"
	if err := srv.Engine.Registry.InsertTask(ctx, tx, domain.Task{
		ID: "orphan-1", Title: "stuck", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/orphan-1/outcome", map[string]any{
		"outcome": "success",
	}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for orphan outcome, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "orphan_outcome" {
		t.Fatalf("error code = %q, want orphan_outcome", body.Error.Code)
	}
	// Distinguishable from a terminal write conflict: the caller may retry
	// once dispatch settles.
	if retryable, _ := body.Error.Details["retryable"].(bool); !retryable {
		t.Fatalf("expected retryable detail, got %s", string(data))
	}
}

func TestMaintainerGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plain := bearerHeaders(t, "agent-1", false)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reindex", nil, plain)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for plain token, got %d: %s", res.StatusCode, string(data))
	}

	maintainer := bearerHeaders(t, "lead", true)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/reindex", nil, maintainer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for maintainer token, got %d: %s", res.StatusCode, string(data))
	}

	// API keys are maintainer credentials.
	raw := "chd_testkey"
	if err := srv.Engine.Registry.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "k1", Name: "ci", KeyHash: registry.HashKey(raw),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workers/sync", map[string]any{
		"workers": []map[string]any{{"id": "docs-scribe", "specialization_tokens": []string{"docs"}}},
	}, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via api key, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workers/docs-scribe/protect", map[string]any{
		"protected": true,
	}, plain)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 protecting with plain token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearerHeaders(t, "agent-1", false)

	titles := []string{"bug one", "bug two", "bug three"}
	for _, title := range titles {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": title}, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("dispatch %q: %d %s", title, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=2", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor=%q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedTasks
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d items cursor=%q", len(rest.Items), rest.NextCursor)
	}
	seen := map[string]bool{}
	for _, item := range append(page.Items, rest.Items...) {
		seen[item.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("pages overlapped or dropped tasks: %v", seen)
	}
}
