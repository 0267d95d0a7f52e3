package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/guard"
	"github.com/gantrylabs/gantry/pkg/harness"
	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/outbox"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/supervisor"
	"github.com/gantrylabs/gantry/pkg/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type stubRuntime struct{ name string }

func (s *stubRuntime) Name() string { return s.name }
func (s *stubRuntime) Run(ctx context.Context, req *types.RunRequest, sink harness.EventSink) types.RunResult {
	return types.RunResult{Status: types.RunSucceeded}
}

type stubEngine struct {
	killContainerID string
	killErr         error
	removed         []types.OrphanedContainer
	reconcileErr    error
	lastActive      []string
}

func (s *stubEngine) KillRunContainer(ctx context.Context, runID string) (string, error) {
	return s.killContainerID, s.killErr
}

func (s *stubEngine) Reconcile(ctx context.Context, activeRunIDs []string) ([]types.OrphanedContainer, error) {
	s.lastActive = activeRunIDs
	return s.removed, s.reconcileErr
}

type testServer struct {
	server *Server
	router *gin.Engine
	queue  *queue.Queue
	bus    *bus.Bus
	engine *stubEngine
}

func newTestServer(t *testing.T, maxSlots int) *testServer {
	t.Helper()

	ob, err := outbox.Open(t.TempDir(), outbox.Options{
		RetentionCeiling: 1000,
		RetentionFloor:   100,
		MaxBacklogRead:   500,
	})
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}
	t.Cleanup(func() { ob.Close() })

	b := bus.New(ob)
	b.Start()
	t.Cleanup(b.Stop)

	factory := harness.NewFactory()
	factory.Register(&stubRuntime{name: "opencode"}, harness.KindService, "", "open-code")

	cfg := config.Default()
	cfg.AllowedImages = []string{"ghcr.io/gantry/*"}

	q := queue.New(maxSlots)
	engine := &stubEngine{}
	health := metrics.NewHealthRegistry()
	health.Register("outbox", "durable event store", true, func(context.Context) error { return nil })

	srv := NewServer(cfg, q, b, factory,
		guard.NewImageGuard(cfg.AllowedImages),
		supervisor.New(cfg.Health, b, nil),
		nil, engine, health)
	return &testServer{server: srv, router: srv.Router(), queue: q, bus: b, engine: engine}
}

func (ts *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeDispatch(t *testing.T, w *httptest.ResponseRecorder) dispatchResponse {
	t.Helper()
	var resp dispatchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestDispatchAccepted(t *testing.T) {
	ts := newTestServer(t, 4)

	w := ts.post(t, "/v1/jobs", types.RunRequest{
		RunID:   "run-1",
		Harness: "opencode",
		Prompt:  "fix the flaky test",
		Image:   "ghcr.io/gantry/opencode:latest",
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, expected 202: %s", w.Code, w.Body.String())
	}
	resp := decodeDispatch(t, w)
	if !resp.Accepted || resp.RunID != "run-1" {
		t.Errorf("response = %+v, expected accepted run-1", resp)
	}
	if !ts.queue.IsKnown("run-1") {
		t.Error("accepted run not registered in the queue")
	}
}

func TestDispatchRejections(t *testing.T) {
	tests := []struct {
		name   string
		req    types.RunRequest
		code   int
		reason string
	}{
		{
			name:   "missing run id",
			req:    types.RunRequest{Harness: "opencode", Prompt: "p"},
			code:   http.StatusBadRequest,
			reason: "run_id is required",
		},
		{
			name:   "missing harness",
			req:    types.RunRequest{RunID: "run-a", Prompt: "p"},
			code:   http.StatusBadRequest,
			reason: "harness is required",
		},
		{
			name: "no prompt or command",
			req:  types.RunRequest{RunID: "run-a", Harness: "opencode"},
			code: http.StatusBadRequest,
		},
		{
			name: "unsupported harness",
			req:  types.RunRequest{RunID: "run-a", Harness: "aider", Prompt: "p"},
			code: http.StatusUnprocessableEntity,
		},
		{
			name: "disallowed image",
			req:  types.RunRequest{RunID: "run-a", Harness: "opencode", Prompt: "p", Image: "docker.io/evil:latest"},
			code: http.StatusUnprocessableEntity,
		},
		{
			name: "timeout over ceiling",
			req:  types.RunRequest{RunID: "run-a", Harness: "opencode", Prompt: "p", TimeoutSeconds: 7200},
			code: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 4)
			w := ts.post(t, "/v1/jobs", tt.req)
			if w.Code != tt.code {
				t.Fatalf("status = %d, expected %d: %s", w.Code, tt.code, w.Body.String())
			}
			resp := decodeDispatch(t, w)
			if resp.Accepted {
				t.Error("rejected dispatch must not report accepted")
			}
			if tt.reason != "" && resp.Reason != tt.reason {
				t.Errorf("reason = %q, expected %q", resp.Reason, tt.reason)
			}
		})
	}
}

func TestDispatchDuplicateRun(t *testing.T) {
	ts := newTestServer(t, 4)

	req := types.RunRequest{RunID: "run-dup", Harness: "opencode", Prompt: "p"}
	if w := ts.post(t, "/v1/jobs", req); w.Code != http.StatusAccepted {
		t.Fatalf("first dispatch failed: %d %s", w.Code, w.Body.String())
	}
	w := ts.post(t, "/v1/jobs", req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, expected 409 for duplicate run id", w.Code)
	}
}

func TestDispatchAtCapacity(t *testing.T) {
	ts := newTestServer(t, 1)

	if w := ts.post(t, "/v1/jobs", types.RunRequest{RunID: "run-busy", Harness: "opencode", Prompt: "p"}); w.Code != http.StatusAccepted {
		t.Fatalf("first dispatch failed: %d", w.Code)
	}
	<-ts.queue.Jobs()
	if err := ts.queue.Acquire("run-busy"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	w := ts.post(t, "/v1/jobs", types.RunRequest{RunID: "run-next", Harness: "opencode", Prompt: "p"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, expected 429 at capacity: %s", w.Code, w.Body.String())
	}
	if resp := decodeDispatch(t, w); resp.Reason != "node at capacity" {
		t.Errorf("reason = %q", resp.Reason)
	}
}

func TestDispatchBlockedReadiness(t *testing.T) {
	ts := newTestServer(t, 4)

	// Drive the only runtime out of the usable states.
	sup := ts.server.supervisor
	sup.Register("opencode")
	probeErr := fmt.Errorf("connection refused")
	for i := 0; i < 6; i++ {
		sup.ReportProbe(context.Background(), "opencode", probeErr)
	}
	if !sup.Pool().ReadinessBlocked {
		t.Fatal("pool should be blocked with no usable runtime")
	}

	w := ts.post(t, "/v1/jobs", types.RunRequest{RunID: "run-b", Harness: "opencode", Prompt: "p"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503 when readiness is blocked: %s", w.Code, w.Body.String())
	}
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, 4)

	if w := ts.post(t, "/v1/jobs", types.RunRequest{RunID: "run-c", Harness: "opencode", Prompt: "p"}); w.Code != http.StatusAccepted {
		t.Fatalf("dispatch failed: %d", w.Code)
	}
	job := <-ts.queue.Jobs()

	w := ts.post(t, "/v1/jobs/run-c/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200: %s", w.Code, w.Body.String())
	}
	select {
	case <-job.Ctx.Done():
	case <-time.After(time.Second):
		t.Error("cancel did not signal the job context")
	}

	if w := ts.post(t, "/v1/jobs/run-missing/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, expected 404 for unknown run", w.Code)
	}
}

func TestKillContainer(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.engine.killContainerID = "run-k"

	w := ts.post(t, "/v1/containers/run-k/kill", killRequest{Reason: "stuck", Force: true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Killed      bool   `json:"killed"`
		ContainerID string `json:"container_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Killed || resp.ContainerID != "run-k" {
		t.Errorf("response = %+v", resp)
	}
}

func TestKillWithoutEngine(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.server.engine = nil
	router := ts.server.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/containers/run-k/kill", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503 without an engine", w.Code)
	}
}

func TestReconcile(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.engine.removed = []types.OrphanedContainer{
		{ContainerID: "run-orphan", RunID: "orphan"},
	}

	w := ts.post(t, "/v1/containers/reconcile", reconcileRequest{ActiveRunIDs: []string{"run-1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		OrphanedCount     int                       `json:"orphaned_count"`
		RemovedContainers []types.OrphanedContainer `json:"removed_containers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OrphanedCount != 1 || len(resp.RemovedContainers) != 1 {
		t.Errorf("response = %+v, expected one orphan", resp)
	}
	if len(ts.engine.lastActive) != 1 || ts.engine.lastActive[0] != "run-1" {
		t.Errorf("active set passed to engine = %v", ts.engine.lastActive)
	}
}

func TestBacklog(t *testing.T) {
	ts := newTestServer(t, 4)

	for i := 1; i <= 3; i++ {
		if _, err := ts.bus.Publish(types.JobEvent{
			RunID: "run-1",
			Event: types.RuntimeEvent{Type: types.EventLog, Content: fmt.Sprintf("line %d", i)},
		}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	w := ts.get(t, "/v1/events/backlog?after=0&max=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events         []types.JobEvent `json:"events"`
		LastDeliveryID uint64           `json:"last_delivery_id"`
		HasMore        bool             `json:"has_more"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Events) != 2 || !resp.HasMore {
		t.Fatalf("got %d events, has_more=%v; expected 2 with more", len(resp.Events), resp.HasMore)
	}

	w = ts.get(t, fmt.Sprintf("/v1/events/backlog?after=%d", resp.LastDeliveryID))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Events) != 1 || resp.HasMore {
		t.Errorf("got %d events, has_more=%v; expected the final event", len(resp.Events), resp.HasMore)
	}

	if w := ts.get(t, "/v1/events/backlog?after=nope"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, expected 400 for a bad cursor", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, 4)

	w := ts.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d: %s", w.Code, w.Body.String())
	}
	var resp metrics.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q", resp.Status)
	}
	if _, ok := resp.Checks["outbox"]; !ok {
		t.Error("outbox check missing from /health")
	}

	if w := ts.get(t, "/ready"); w.Code != http.StatusOK {
		t.Errorf("/ready status = %d", w.Code)
	}
	if w := ts.get(t, "/alive"); w.Code != http.StatusOK {
		t.Errorf("/alive status = %d", w.Code)
	}
}

func TestHealthUnhealthyCheck(t *testing.T) {
	ts := newTestServer(t, 4)
	ts.server.health.Register("containerd", "container engine", true, func(context.Context) error {
		return fmt.Errorf("socket unavailable")
	})

	w := ts.get(t, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health status = %d, expected 503", w.Code)
	}
	var resp metrics.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Checks["containerd"].Status != "unhealthy" {
		t.Errorf("containerd check = %+v", resp.Checks["containerd"])
	}
	if w := ts.get(t, "/ready"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready status = %d, expected 503 with a failing critical check", w.Code)
	}
}
