package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func performCheck(t *testing.T, handler http.HandlerFunc) (int, HealthResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	return rec.Code, resp
}

func TestHealthAllHealthy(t *testing.T) {
	r := NewHealthRegistry()
	r.Register("containerd", "container engine reachable", true, func(ctx context.Context) error {
		return nil
	})
	r.Register("outbox", "event store open", false, func(ctx context.Context) error {
		return nil
	})

	code, resp := performCheck(t, r.HealthHandler())
	if code != http.StatusOK {
		t.Errorf("status code = %d, expected 200", code)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %s, expected healthy", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("got %d checks, expected 2", len(resp.Checks))
	}
	if resp.Checks["containerd"].Description != "container engine reachable" {
		t.Errorf("description not carried through: %+v", resp.Checks["containerd"])
	}
}

func TestHealthFailingCheck(t *testing.T) {
	r := NewHealthRegistry()
	r.Register("containerd", "container engine reachable", true, func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	code, resp := performCheck(t, r.HealthHandler())
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, expected 503", code)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("status = %s, expected unhealthy", resp.Status)
	}
	if resp.Checks["containerd"].Error != "connection refused" {
		t.Errorf("check error = %q, expected the probe error", resp.Checks["containerd"].Error)
	}
}

func TestReadyRunsCriticalChecksOnly(t *testing.T) {
	r := NewHealthRegistry()
	r.Register("containerd", "", true, func(ctx context.Context) error { return nil })
	r.Register("optional", "", false, func(ctx context.Context) error {
		return errors.New("degraded but not gating")
	})

	code, resp := performCheck(t, r.ReadyHandler())
	if code != http.StatusOK {
		t.Errorf("status code = %d, expected 200 (non-critical checks must not gate readiness)", code)
	}
	if _, ok := resp.Checks["optional"]; ok {
		t.Error("non-critical check leaked into readiness response")
	}
}

func TestAliveNeverChecksDependencies(t *testing.T) {
	r := NewHealthRegistry()
	r.Register("containerd", "", true, func(ctx context.Context) error {
		t.Fatal("liveness must not run dependency checks")
		return nil
	})

	code, resp := performCheck(t, r.AliveHandler())
	if code != http.StatusOK {
		t.Errorf("status code = %d, expected 200", code)
	}
	if len(resp.Checks) != 0 {
		t.Errorf("liveness response carried %d checks, expected none", len(resp.Checks))
	}
}
