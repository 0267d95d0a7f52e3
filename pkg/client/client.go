// Package client is the Go client for the node HTTP API. The CLI and
// the control-plane heartbeat reporter both go through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gantrylabs/gantry/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to one node (or the control plane) over HTTP JSON. It is
// safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://node-1:7420".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// DispatchResponse is the admission decision for a dispatched run.
type DispatchResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Dispatch submits a run. A rejection is not an error; the response
// carries the reason.
func (c *Client) Dispatch(ctx context.Context, req *types.RunRequest) (DispatchResponse, error) {
	var resp DispatchResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp)
	return resp, err
}

// Cancel requests cooperative cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp.Accepted, err
}

// KillResponse reports a forced container kill.
type KillResponse struct {
	Killed      bool   `json:"killed"`
	ContainerID string `json:"container_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// KillContainer force-kills the container backing a run.
func (c *Client) KillContainer(ctx context.Context, runID, reason string, force bool) (KillResponse, error) {
	body := map[string]any{"reason": reason, "force": force}
	var resp KillResponse
	err := c.do(ctx, http.MethodPost, "/v1/containers/"+url.PathEscape(runID)+"/kill", body, &resp)
	return resp, err
}

// ReconcileResponse reports one orphan reconciliation pass.
type ReconcileResponse struct {
	OrphanedCount     int                       `json:"orphaned_count"`
	RemovedContainers []types.OrphanedContainer `json:"removed_containers"`
}

// Reconcile removes containers whose run id is not in the active set.
func (c *Client) Reconcile(ctx context.Context, activeRunIDs []string) (ReconcileResponse, error) {
	body := map[string]any{"active_run_ids": activeRunIDs}
	var resp ReconcileResponse
	err := c.do(ctx, http.MethodPost, "/v1/containers/reconcile", body, &resp)
	return resp, err
}

// BacklogPage is one page of persisted events.
type BacklogPage struct {
	Events         []types.JobEvent `json:"events"`
	LastDeliveryID uint64           `json:"last_delivery_id"`
	HasMore        bool             `json:"has_more"`
}

// Backlog reads persisted events after the given delivery id. max <= 0
// leaves the page size to the node.
func (c *Client) Backlog(ctx context.Context, after uint64, max int) (BacklogPage, error) {
	path := "/v1/events/backlog?after=" + strconv.FormatUint(after, 10)
	if max > 0 {
		path += "&max=" + strconv.Itoa(max)
	}
	var resp BacklogPage
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// HealthResponse mirrors the node health endpoints.
type HealthResponse struct {
	Status          string `json:"status"`
	TotalDurationMs int64  `json:"totalDurationMs"`
	Checks          map[string]struct {
		Status      string `json:"status"`
		DurationMs  int64  `json:"durationMs"`
		Description string `json:"description,omitempty"`
		Error       string `json:"error,omitempty"`
	} `json:"checks,omitempty"`
}

// Health fetches /health. An unhealthy node answers 503 with the same
// body, so a 503 is returned as a response, not an error.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.doAllowing(ctx, http.MethodGet, "/health", nil, &resp, http.StatusServiceUnavailable)
	return resp, err
}

// Heartbeat is what a node reports to the control plane on its interval.
type Heartbeat struct {
	NodeID         string                   `json:"node_id"`
	ActiveSlots    int                      `json:"active_slots"`
	MaxSlots       int                      `json:"max_slots"`
	WorkspaceBytes int64                    `json:"workspace_bytes"`
	Pool           types.PoolHealthSnapshot `json:"pool"`
	SentAt         time.Time                `json:"sent_at"`
}

// ReportHeartbeat posts a node heartbeat to the control plane.
func (c *Client) ReportHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.SentAt.IsZero() {
		hb.SentAt = time.Now().UTC()
	}
	return c.do(ctx, http.MethodPost, "/v1/nodes/heartbeat", hb, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doAllowing(ctx, method, path, body, out)
}

// doAllowing performs one request. Status codes outside 2xx are errors
// unless listed in allowed; 4xx responses carrying a decodable body
// (admission rejections) are decoded instead of failing.
func (c *Client) doAllowing(ctx context.Context, method, path string, body, out any, allowed ...int) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range allowed {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok && out != nil && resp.StatusCode < http.StatusInternalServerError {
		// Admission rejections answer 4xx with the same response shape.
		if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr == nil {
			return nil
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if !ok {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
