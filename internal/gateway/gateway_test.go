package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/swarmled/internal/approval"
	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/ledger"
	"github.com/basket/swarmled/internal/lifecycle"
	"github.com/basket/swarmled/internal/reconciler"
)

const testToken = "test-token"

type testEnv struct {
	server *httptest.Server
	store  *ledger.Store
	bus    *bus.Broadcaster
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithCapacity(t, 64)
}

func newTestEnvWithCapacity(t *testing.T, capacity int) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := bus.New(capacity)
	t.Cleanup(b.Close)
	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(Config{
		Store:      store,
		Gate:       approval.NewGate(store, logger),
		Bus:        b,
		Reconciler: reconciler.New(reconciler.Config{Store: store, Logger: logger}),
		Logger:     logger,
		AuthToken:  testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, bus: b}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/api/v1/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthzUnauthenticated(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || !body.Healthy {
		t.Errorf("healthz = %d healthy=%v", resp.StatusCode, body.Healthy)
	}
}

func TestTaskCreateAndGet(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "deploy"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var task ledger.Task
	decodeBody(t, resp, &task)
	if task.Status != lifecycle.TaskStatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var detail struct {
		Task ledger.Task  `json:"task"`
		Runs []ledger.Run `json:"runs"`
	}
	decodeBody(t, resp, &detail)
	if detail.Task.Title != "deploy" {
		t.Errorf("title = %q", detail.Task.Title)
	}
	if len(detail.Runs) != 0 {
		t.Errorf("runs = %d, want 0", len(detail.Runs))
	}
}

func TestTaskNotFound(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/api/v1/tasks/nope", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateTaskRejectsEmptyTitle(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestApprovalFlow(t *testing.T) {
	e := newTestEnv(t)

	var task ledger.Task
	decodeBody(t, e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "guarded"}), &task)

	resp := e.do(t, http.MethodPost, "/api/v1/approvals",
		map[string]string{"task_id": task.ID, "reason": "prod deploy"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request approval status = %d", resp.StatusCode)
	}
	var a ledger.Approval
	decodeBody(t, resp, &a)

	var listing struct {
		Approvals []ledger.ApprovalWithTitle `json:"approvals"`
	}
	decodeBody(t, e.do(t, http.MethodGet, "/api/v1/approvals?status=pending", nil), &listing)
	if len(listing.Approvals) != 1 || listing.Approvals[0].TaskTitle != "guarded" {
		t.Fatalf("pending listing = %+v", listing.Approvals)
	}

	resp = e.do(t, http.MethodPost, "/api/v1/approvals/resolve",
		map[string]string{"approval_id": a.ID, "decision": "approved", "reason": "lgtm"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	var resolved ledger.Approval
	decodeBody(t, resp, &resolved)
	if resolved.Status != lifecycle.ApprovalStatusApproved {
		t.Errorf("resolved status = %s", resolved.Status)
	}

	// Second resolution conflicts and leaves the decision untouched.
	resp = e.do(t, http.MethodPost, "/api/v1/approvals/resolve",
		map[string]string{"approval_id": a.ID, "decision": "denied"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double resolve status = %d, want 409", resp.StatusCode)
	}

	var detail struct {
		Task ledger.Task `json:"task"`
	}
	decodeBody(t, e.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil), &detail)
	if detail.Task.Status != lifecycle.TaskStatusApproved {
		t.Errorf("task status = %s, want approved", detail.Task.Status)
	}
}

func TestApprovalRejectsUnknownDecision(t *testing.T) {
	e := newTestEnv(t)

	var task ledger.Task
	decodeBody(t, e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "t"}), &task)
	var a ledger.Approval
	decodeBody(t, e.do(t, http.MethodPost, "/api/v1/approvals", map[string]string{"task_id": task.ID}), &a)

	resp := e.do(t, http.MethodPost, "/api/v1/approvals/resolve",
		map[string]string{"approval_id": a.ID, "decision": "maybe"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	// The gate must still be pending.
	var listing struct {
		Approvals []ledger.ApprovalWithTitle `json:"approvals"`
	}
	decodeBody(t, e.do(t, http.MethodGet, "/api/v1/approvals?status=pending", nil), &listing)
	if len(listing.Approvals) != 1 {
		t.Errorf("pending approvals = %d, want 1", len(listing.Approvals))
	}
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	e := newTestEnv(t)

	var task ledger.Task
	decodeBody(t, e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "t"}), &task)

	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/cancel", task.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%s/cancel", task.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := e.store.CreateTask(ctx, "t")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	run, err := e.store.CreateRun(ctx, task.ID, now)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := e.store.DB().Exec(
		`UPDATE tasks SET status = 'completed' WHERE id = ?;`, task.ID); err != nil {
		t.Fatalf("force status: %v", err)
	}

	resp := e.do(t, http.MethodPost, "/api/v1/reconcile", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d", resp.StatusCode)
	}
	var report reconciler.RepairReport
	decodeBody(t, resp, &report)
	if report.RunsRepaired != 1 {
		t.Errorf("runs repaired = %d, want 1", report.RunsRepaired)
	}

	got, _ := e.store.GetRun(ctx, run.ID)
	if got.Status != lifecycle.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", got.Status)
	}
}

func TestEventsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	var task ledger.Task
	decodeBody(t, e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "a"}), &task)
	decodeBody(t, e.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"title": "b"}), &task)

	var body struct {
		Events        []ledger.ChangeEvent `json:"events"`
		LatestEventID int64                `json:"latest_event_id"`
	}
	decodeBody(t, e.do(t, http.MethodGet, "/api/v1/events?after=0", nil), &body)
	if len(body.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(body.Events))
	}
	if body.LatestEventID != 2 {
		t.Errorf("latest_event_id = %d, want 2", body.LatestEventID)
	}

	decodeBody(t, e.do(t, http.MethodGet, "/api/v1/events?after=1", nil), &body)
	if len(body.Events) != 1 || body.Events[0].EventID != 2 {
		t.Fatalf("tail events = %+v, want only event 2", body.Events)
	}
}
