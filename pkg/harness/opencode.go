package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/types"
)

// OpenCodeRuntime drives an opencode server: it creates a session,
// submits the prompt asynchronously and translates the server's SSE
// stream into normalized runtime events.
type OpenCodeRuntime struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewOpenCodeRuntime creates the adapter for a server base URL such as
// "http://127.0.0.1:4096".
func NewOpenCodeRuntime(baseURL string) *OpenCodeRuntime {
	return &OpenCodeRuntime{
		baseURL: baseURL,
		client:  &http.Client{}, // stream reads are bounded by the run context
		logger:  log.WithComponent("harness.opencode"),
	}
}

func (r *OpenCodeRuntime) Name() string {
	return "opencode"
}

type opencodeSession struct {
	ID string `json:"id"`
}

// opencodeFrame is the payload of one SSE data frame.
type opencodeFrame struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Run executes a run against the opencode server, emitting exactly one
// completion event even when the stream dies mid-run.
func (r *OpenCodeRuntime) Run(ctx context.Context, req *types.RunRequest, sink EventSink) types.RunResult {
	policy := PolicyFor(ResolveMode(req))

	session, err := r.createSession(ctx, req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return r.finish(sink, types.RunResult{Status: types.RunCancelled, Summary: "run cancelled"})
		}
		return r.finish(sink, r.failure(fmt.Sprintf("failed to create session: %v", err)))
	}

	// Open the event stream before submitting so no frame is missed.
	stream, err := r.openStream(ctx)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return r.finish(sink, types.RunResult{Status: types.RunCancelled, Summary: "run cancelled"})
		}
		return r.finish(sink, r.failure(fmt.Sprintf("failed to open event stream: %v", err)))
	}
	defer stream.Close()

	submitErr := make(chan error, 1)
	go func() {
		submitErr <- r.submitPrompt(ctx, session.ID, req, policy)
	}()

	var (
		result   *types.RunResult
		scanDone = make(chan error, 1)
	)

	go func() {
		scanDone <- scanSSE(stream, func(frame sseFrame) bool {
			if frame.Data == "" {
				return true
			}
			var f opencodeFrame
			if err := json.Unmarshal([]byte(frame.Data), &f); err != nil {
				// Tolerate partial trailing frames at stream end.
				r.logger.Debug().Str("data", frame.Data).Msg("unparseable event frame")
				return true
			}
			done, res := r.translate(f, session.ID, sink)
			if done {
				result = &res
				return false
			}
			return true
		})
	}()

	var streamErr error
	select {
	case streamErr = <-scanDone:
	case err := <-submitErr:
		if err != nil {
			// Stop the scanner before the completion event so nothing
			// is emitted after it.
			stream.Close()
			<-scanDone
			if result != nil {
				return r.finish(sink, *result)
			}
			if ctx.Err() == context.Canceled {
				return r.finish(sink, types.RunResult{Status: types.RunCancelled, Summary: "run cancelled"})
			}
			return r.finish(sink, r.failure(fmt.Sprintf("failed to submit prompt: %v", err)))
		}
		// Prompt accepted; keep consuming the stream.
		streamErr = <-scanDone
	}

	if result != nil {
		return r.finish(sink, *result)
	}
	if ctx.Err() == context.Canceled {
		return r.finish(sink, types.RunResult{Status: types.RunCancelled, Summary: "run cancelled"})
	}
	if ctx.Err() == context.DeadlineExceeded {
		return r.finish(sink, r.failure("run timed out waiting for completion"))
	}
	msg := "event stream closed before completion"
	if streamErr != nil {
		msg = fmt.Sprintf("event stream failed: %v", streamErr)
	}
	return r.finish(sink, r.failure(msg))
}

// translate maps one opencode frame to runtime events. It returns done
// when the frame terminates the run.
func (r *OpenCodeRuntime) translate(f opencodeFrame, sessionID string, sink EventSink) (bool, types.RunResult) {
	switch f.Type {
	case "message.part.updated":
		var props struct {
			Part struct {
				SessionID string `json:"sessionID"`
				Type      string `json:"type"`
				Text      string `json:"text"`
			} `json:"part"`
		}
		if err := json.Unmarshal(f.Properties, &props); err != nil || props.Part.SessionID != sessionID {
			return false, types.RunResult{}
		}
		switch props.Part.Type {
		case "reasoning":
			sink(types.RuntimeEvent{Type: types.EventReasoningDelta, Content: props.Part.Text})
		case "text":
			sink(types.RuntimeEvent{Type: types.EventAssistantDelta, Content: props.Part.Text})
		case "tool":
			sink(types.RuntimeEvent{Type: types.EventCommandOutput, Content: props.Part.Text})
		case "patch":
			sink(types.RuntimeEvent{Type: types.EventDiffUpdate, Content: props.Part.Text})
		default:
			sink(types.RuntimeEvent{Type: types.EventLog, Content: props.Part.Text})
		}
		return false, types.RunResult{}

	case "session.error":
		var props struct {
			SessionID string `json:"sessionID"`
			Error     struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(f.Properties, &props); err != nil || props.SessionID != sessionID {
			return false, types.RunResult{}
		}
		return true, r.failure(props.Error.Message)

	case "session.idle":
		var props struct {
			SessionID string `json:"sessionID"`
			Summary   string `json:"summary"`
		}
		if err := json.Unmarshal(f.Properties, &props); err != nil || props.SessionID != sessionID {
			return false, types.RunResult{}
		}
		summary := props.Summary
		if summary == "" {
			summary = "run completed"
		}
		return true, types.RunResult{Status: types.RunSucceeded, Summary: summary}

	default:
		return false, types.RunResult{}
	}
}

func (r *OpenCodeRuntime) createSession(ctx context.Context, req *types.RunRequest) (*opencodeSession, error) {
	body, _ := json.Marshal(map[string]string{"title": "run " + req.RunID})
	resp, err := r.post(ctx, "/session", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("session create returned %d", resp.StatusCode)
	}
	var session opencodeSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func (r *OpenCodeRuntime) submitPrompt(ctx context.Context, sessionID string, req *types.RunRequest, policy Policy) error {
	payload := map[string]any{
		"parts": []map[string]string{
			{"type": "text", "text": promptFor(req, policy)},
		},
	}
	if policy.DenyFileEdits {
		payload["permission"] = policy.PermissionRules
	}
	body, _ := json.Marshal(payload)

	resp, err := r.post(ctx, "/session/"+sessionID+"/message", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("prompt submit returned %d", resp.StatusCode)
	}
	return nil
}

func (r *OpenCodeRuntime) openStream(ctx context.Context) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *OpenCodeRuntime) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return r.client.Do(httpReq)
}

func (r *OpenCodeRuntime) failure(errText string) types.RunResult {
	class := Classify(r.Name(), errText)
	return types.RunResult{
		Status:       types.RunFailed,
		Summary:      "harness run failed",
		Error:        errText,
		FailureClass: class,
		Remediation:  class.Remediation(),
	}
}

func (r *OpenCodeRuntime) finish(sink EventSink, result types.RunResult) types.RunResult {
	payload, _ := json.Marshal(result)
	sink(types.RuntimeEvent{
		Type:     types.EventCompletion,
		Content:  string(payload),
		Metadata: map[string]string{"status": string(result.Status)},
	})
	return result
}
