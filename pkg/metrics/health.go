package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type registeredCheck struct {
	name        string
	description string
	critical    bool // critical checks gate readiness
	fn          CheckFunc
}

// CheckResult is the per-check part of a health response.
type CheckResult struct {
	Status      string `json:"status"`
	DurationMs  int64  `json:"durationMs"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HealthResponse is the body of /health, /ready and /alive.
type HealthResponse struct {
	Status          string                 `json:"status"`
	TotalDurationMs int64                  `json:"totalDurationMs"`
	Checks          map[string]CheckResult `json:"checks,omitempty"`
}

// HealthRegistry runs registered checks on demand for the health
// endpoints. Checks execute at request time, bounded by a per-check
// timeout.
type HealthRegistry struct {
	mu      sync.RWMutex
	checks  []registeredCheck
	timeout time.Duration
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{timeout: 5 * time.Second}
}

// Register adds a check. Critical checks gate readiness; non-critical
// checks only show up in /health.
func (r *HealthRegistry) Register(name, description string, critical bool, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, registeredCheck{
		name:        name,
		description: description,
		critical:    critical,
		fn:          fn,
	})
}

// run executes the selected checks and aggregates the response.
func (r *HealthRegistry) run(ctx context.Context, criticalOnly bool) HealthResponse {
	r.mu.RLock()
	checks := make([]registeredCheck, 0, len(r.checks))
	for _, c := range r.checks {
		if criticalOnly && !c.critical {
			continue
		}
		checks = append(checks, c)
	}
	timeout := r.timeout
	r.mu.RUnlock()

	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	start := time.Now()
	resp := HealthResponse{
		Status: "healthy",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		checkStart := time.Now()
		err := c.fn(checkCtx)
		cancel()

		result := CheckResult{
			Status:      "healthy",
			DurationMs:  time.Since(checkStart).Milliseconds(),
			Description: c.description,
		}
		if err != nil {
			result.Status = "unhealthy"
			result.Error = err.Error()
			resp.Status = "unhealthy"
		}
		resp.Checks[c.name] = result
	}
	resp.TotalDurationMs = time.Since(start).Milliseconds()
	return resp
}

// HealthHandler serves /health: every registered check.
func (r *HealthRegistry) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeHealth(w, r.run(req.Context(), false))
	}
}

// ReadyHandler serves /ready: critical checks only.
func (r *HealthRegistry) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeHealth(w, r.run(req.Context(), true))
	}
}

// AliveHandler serves /alive: process liveness, no dependency checks.
func (r *HealthRegistry) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeHealth(w, HealthResponse{Status: "healthy"})
	}
}

func writeHealth(w http.ResponseWriter, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
