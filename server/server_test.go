package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pabawi/pabawi/config"
	"github.com/pabawi/pabawi/execution"
	pabawitest "github.com/pabawi/pabawi/internal/testing"
	"github.com/pabawi/pabawi/stream"
)

// scriptedRunner emits a fixed event script and blocks until released, so
// HTTP and WebSocket behavior can be observed at every lifecycle stage.
type scriptedRunner struct {
	mu      sync.Mutex
	started map[string]chan struct{}
	release map[string]chan *execution.Result
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		started: make(map[string]chan struct{}),
		release: make(map[string]chan *execution.Result),
	}
}

func (r *scriptedRunner) Run(ctx context.Context, req *execution.Request, sink execution.EventSink) (*execution.Result, error) {
	sink.EmitStart(req.ID)
	sink.EmitStdout(req.ID, []byte("working"))

	r.mu.Lock()
	close(r.startedLocked(req.ID))
	release := r.releaseLocked(req.ID)
	r.mu.Unlock()

	select {
	case result := <-release:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *scriptedRunner) startedLocked(id string) chan struct{} {
	ch, ok := r.started[id]
	if !ok {
		ch = make(chan struct{})
		r.started[id] = ch
	}
	return ch
}

func (r *scriptedRunner) releaseLocked(id string) chan *execution.Result {
	ch, ok := r.release[id]
	if !ok {
		ch = make(chan *execution.Result, 1)
		r.release[id] = ch
	}
	return ch
}

func (r *scriptedRunner) waitStarted(t *testing.T, id string) {
	t.Helper()
	r.mu.Lock()
	ch := r.startedLocked(id)
	r.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never started execution %s", id)
	}
}

func (r *scriptedRunner) finish(id string, result *execution.Result) {
	r.mu.Lock()
	ch := r.releaseLocked(id)
	r.mu.Unlock()
	ch <- result
}

type testEnv struct {
	srv    *httptest.Server
	queue  *execution.Queue
	runner *scriptedRunner
}

func newTestEnv(t *testing.T, queueCfg execution.QueueConfig) *testEnv {
	t.Helper()

	db := pabawitest.CreateTestDB(t)
	streams := stream.NewManager(nil)
	runner := newScriptedRunner()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	queue, err := execution.NewQueue(ctx, db, runner, streams, queueCfg, nil)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	s := NewServer(ctx, queue, streams, config.ServerConfig{Host: "127.0.0.1", Port: 0}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, queue: queue, runner: runner}
}

func (e *testEnv) submit(t *testing.T, body string) (*execution.Record, *http.Response) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/api/executions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /api/executions failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusAccepted {
		return nil, resp
	}
	var rec execution.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}
	return &rec, resp
}

func successResult(nodes ...string) *execution.Result {
	res := &execution.Result{}
	for _, n := range nodes {
		res.Nodes = append(res.Nodes, execution.NodeResult{NodeID: n, Status: execution.StatusSuccess})
	}
	return res
}

func TestSubmitExecution(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 2, MaxQueueSize: 5})

	rec, resp := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	if rec.Status != execution.StatusRunning {
		t.Errorf("Expected running, got %s", rec.Status)
	}
	if rec.ID == "" {
		t.Error("Response record must carry the generated ID")
	}

	env.runner.finish(rec.ID, successResult("web01"))
}

func TestSubmitInvalidRequest(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 2, MaxQueueSize: 5})

	tests := []struct {
		name string
		body string
	}{
		{"no target nodes", `{"kind":"command","target_nodes":[]}`},
		{"missing kind", `{"target_nodes":["web01"]}`},
		{"malformed json", `{"kind":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := env.submit(t, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

// TestSubmitQueueFull verifies the 429 surface of a full queue, including
// the Retry-After hint.
func TestSubmitQueueFull(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 1})

	recA, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	recB, _ := env.submit(t, `{"kind":"command","target_nodes":["web02"],"payload":{"command":"uptime"}}`)
	if recB.Status != execution.StatusQueued {
		t.Fatalf("Expected second submission queued, got %s", recB.Status)
	}

	_, resp := env.submit(t, `{"kind":"command","target_nodes":["web03"],"payload":{"command":"uptime"}}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response should carry a Retry-After header")
	}

	env.runner.waitStarted(t, recA.ID)
	env.runner.finish(recA.ID, successResult("web01"))
	env.runner.waitStarted(t, recB.ID)
	env.runner.finish(recB.ID, successResult("web02"))
}

func TestGetExecution(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 2, MaxQueueSize: 5})

	rec, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	env.runner.waitStarted(t, rec.ID)

	resp, err := http.Get(env.srv.URL + "/api/executions/" + rec.ID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var got execution.Record
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if got.ID != rec.ID || got.Status != execution.StatusRunning {
		t.Errorf("Unexpected record: %+v", got)
	}

	env.runner.finish(rec.ID, successResult("web01"))
}

func TestGetExecutionNotFound(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 2, MaxQueueSize: 5})

	resp, err := http.Get(env.srv.URL + "/api/executions/no-such-id")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelQueuedExecution(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	recA, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	recB, _ := env.submit(t, `{"kind":"command","target_nodes":["web02"],"payload":{"command":"uptime"}}`)

	resp, err := http.Post(env.srv.URL+"/api/executions/"+recB.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(env.srv.URL + "/api/executions/" + recB.ID)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer getResp.Body.Close()
	var got execution.Record
	json.NewDecoder(getResp.Body).Decode(&got)
	if got.Status != execution.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}

	env.runner.waitStarted(t, recA.ID)
	env.runner.finish(recA.ID, successResult("web01"))
}

func TestCancelUnknownExecution(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	resp, err := http.Post(env.srv.URL+"/api/executions/no-such-id/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestListExecutions(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 5, MaxQueueSize: 10})

	var ids []string
	for i := 0; i < 3; i++ {
		rec, _ := env.submit(t, fmt.Sprintf(
			`{"kind":"command","target_nodes":["web%02d"],"payload":{"command":"uptime"}}`, i+1))
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		env.runner.waitStarted(t, id)
		env.runner.finish(id, successResult("node"))
	}

	// Settlement happens on runner goroutines
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(env.srv.URL + "/api/executions?status=success")
		if err != nil {
			t.Fatalf("GET list failed: %v", err)
		}
		var list listResponse
		json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if list.Total == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 settled executions, got %d", list.Total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Pagination window
	resp, err := http.Get(env.srv.URL + "/api/executions?page=1&page_size=2")
	if err != nil {
		t.Fatalf("GET list failed: %v", err)
	}
	defer resp.Body.Close()
	var list listResponse
	json.NewDecoder(resp.Body).Decode(&list)
	if list.Total != 3 || len(list.Executions) != 2 || list.PageSize != 2 {
		t.Errorf("Unexpected page: total=%d len=%d size=%d", list.Total, len(list.Executions), list.PageSize)
	}
}

func TestListExecutionsBadQuery(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	for _, query := range []string{
		"?status=bogus",
		"?page=zero",
		"?page_size=-1",
		"?start_date=not-a-date",
	} {
		resp, err := http.Get(env.srv.URL + "/api/executions" + query)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Query %s: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	recA, _ := env.submit(t, `{"kind":"command","target_nodes":["web01"],"payload":{"command":"uptime"}}`)
	recB, _ := env.submit(t, `{"kind":"command","target_nodes":["web02"],"payload":{"command":"uptime"}}`)

	resp, err := http.Get(env.srv.URL + "/api/queue/status")
	if err != nil {
		t.Fatalf("GET queue status failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var snap execution.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.Running != 1 || snap.Queued != 1 || snap.Limit != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	env.runner.waitStarted(t, recA.ID)
	env.runner.finish(recA.ID, successResult("web01"))
	env.runner.waitStarted(t, recB.ID)
	env.runner.finish(recB.ID, successResult("web02"))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, execution.QueueConfig{ConcurrencyLimit: 1, MaxQueueSize: 5})

	resp, err := http.Post(env.srv.URL+"/api/queue/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
