package harness

import (
	"context"
	"testing"
	"time"

	"github.com/gantrylabs/gantry/pkg/types"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		status  string
		summary string
	}{
		{
			name:    "success envelope",
			line:    `{"status":"success","summary":"patched 3 files"}`,
			ok:      true,
			status:  "success",
			summary: "patched 3 files",
		},
		{
			name:   "failure envelope",
			line:   `{"status":"failure","summary":"tests failed","error":"2 tests failed"}`,
			ok:     true,
			status: "failure",
		},
		{
			name:   "leading noise before the object",
			line:   `2026/08/28 10:01:02 result: {"status":"success","summary":"done"}`,
			ok:     true,
			status: "success",
		},
		{"not json", "all done, goodbye", false, "", ""},
		{"json without status", `{"summary":"no status field"}`, false, "", ""},
		{"unexpected status value", `{"status":"maybe"}`, false, "", ""},
		{"empty line", "", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok := parseEnvelope(tt.line)
			if ok != tt.ok {
				t.Fatalf("parseEnvelope(%q) ok = %v, expected %v", tt.line, ok, tt.ok)
			}
			if !ok {
				return
			}
			if env.Status != tt.status {
				t.Errorf("status = %s, expected %s", env.Status, tt.status)
			}
			if tt.summary != "" && env.Summary != tt.summary {
				t.Errorf("summary = %s, expected %s", env.Summary, tt.summary)
			}
		})
	}
}

func TestEmitStdoutLine(t *testing.T) {
	rt := NewCommandRuntime(CodexSpec())

	tests := []struct {
		name     string
		line     string
		expected types.EventType
		content  string
	}{
		{"reasoning", `{"type":"reasoning","content":"thinking about it"}`, types.EventReasoningDelta, "thinking about it"},
		{"thinking alias", `{"type":"thinking","text":"hmm"}`, types.EventReasoningDelta, "hmm"},
		{"assistant message", `{"type":"message","content":"here is the fix"}`, types.EventAssistantDelta, "here is the fix"},
		{"tool result", `{"type":"tool_result","content":"exit 0"}`, types.EventCommandOutput, "exit 0"},
		{"diff", `{"type":"diff","content":"--- a/x"}`, types.EventDiffUpdate, "--- a/x"},
		{"unknown type falls back to log", `{"type":"heartbeat"}`, types.EventLog, `{"type":"heartbeat"}`},
		{"plain text falls back to log", "building...", types.EventLog, "building..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []types.RuntimeEvent
			rt.emitStdoutLine(func(ev types.RuntimeEvent) { got = append(got, ev) }, tt.line)

			if len(got) != 1 {
				t.Fatalf("emitted %d events, expected 1", len(got))
			}
			if got[0].Type != tt.expected {
				t.Errorf("type = %s, expected %s", got[0].Type, tt.expected)
			}
			if got[0].Content != tt.content {
				t.Errorf("content = %q, expected %q", got[0].Content, tt.content)
			}
		})
	}
}

// shellSpec runs a shell snippet as a fake harness CLI.
func shellSpec(script string) CommandSpec {
	return CommandSpec{
		Name:   "fake",
		Binary: "sh",
		BuildArgs: func(req *types.RunRequest, policy Policy) []string {
			return []string{"-c", script}
		},
	}
}

func collectEvents() (EventSink, *[]types.RuntimeEvent) {
	events := &[]types.RuntimeEvent{}
	return func(ev types.RuntimeEvent) { *events = append(*events, ev) }, events
}

func completionCount(events []types.RuntimeEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Type == types.EventCompletion {
			n++
		}
	}
	return n
}

func TestCommandRuntimeSuccess(t *testing.T) {
	rt := NewCommandRuntime(shellSpec(
		`echo '{"type":"message","content":"working"}'; ` +
			`echo '{"status":"success","summary":"all good"}'`))

	sink, events := collectEvents()
	result := rt.Run(context.Background(), &types.RunRequest{RunID: "r1", WorkspacePath: t.TempDir()}, sink)

	if result.Status != types.RunSucceeded {
		t.Fatalf("status = %s, expected succeeded (error: %s)", result.Status, result.Error)
	}
	if result.Summary != "all good" {
		t.Errorf("summary = %s, expected envelope summary", result.Summary)
	}
	if n := completionCount(*events); n != 1 {
		t.Errorf("emitted %d completion events, expected exactly 1", n)
	}
}

func TestCommandRuntimeFailureEnvelope(t *testing.T) {
	rt := NewCommandRuntime(shellSpec(
		`echo '{"status":"failure","summary":"rate limited","error":"rate limit exceeded"}'; exit 1`))

	sink, events := collectEvents()
	result := rt.Run(context.Background(), &types.RunRequest{RunID: "r2", WorkspacePath: t.TempDir()}, sink)

	if result.Status != types.RunFailed {
		t.Fatalf("status = %s, expected failed", result.Status)
	}
	if result.FailureClass != types.FailureRateLimited {
		t.Errorf("class = %s, expected rate_limit_exceeded", result.FailureClass)
	}
	if result.Summary != "rate limited" {
		t.Errorf("summary = %s, expected envelope summary", result.Summary)
	}
	if n := completionCount(*events); n != 1 {
		t.Errorf("emitted %d completion events, expected exactly 1", n)
	}
}

func TestCommandRuntimeNoEnvelope(t *testing.T) {
	rt := NewCommandRuntime(shellSpec(`echo "something went wrong" >&2; exit 3`))

	sink, events := collectEvents()
	result := rt.Run(context.Background(), &types.RunRequest{RunID: "r3", WorkspacePath: t.TempDir()}, sink)

	if result.Status != types.RunFailed {
		t.Fatalf("status = %s, expected failed", result.Status)
	}
	if result.Error == "" {
		t.Error("expected a synthesized error for a missing envelope")
	}
	if n := completionCount(*events); n != 1 {
		t.Errorf("emitted %d completion events, expected exactly 1", n)
	}

	sawDiagnostic := false
	for _, ev := range *events {
		if ev.Type == types.EventDiagnostic {
			sawDiagnostic = true
		}
	}
	if !sawDiagnostic {
		t.Error("stderr output should surface as diagnostic events")
	}
}

func TestCommandRuntimeCancelled(t *testing.T) {
	rt := NewCommandRuntime(shellSpec(`sleep 30`))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	sink, events := collectEvents()
	done := make(chan types.RunResult, 1)
	go func() {
		done <- rt.Run(ctx, &types.RunRequest{RunID: "r4", WorkspacePath: t.TempDir()}, sink)
	}()

	select {
	case result := <-done:
		if result.Status != types.RunCancelled {
			t.Fatalf("status = %s, expected cancelled", result.Status)
		}
		if n := completionCount(*events); n != 1 {
			t.Errorf("emitted %d completion events, expected exactly 1", n)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled run did not return")
	}
}

func TestCommandRuntimeCancelledBeforeStart(t *testing.T) {
	rt := NewCommandRuntime(shellSpec(`sleep 30`))

	// A run cancelled while still queued arrives with a dead context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink, events := collectEvents()
	result := rt.Run(ctx, &types.RunRequest{RunID: "r5", WorkspacePath: t.TempDir()}, sink)

	if result.Status != types.RunCancelled {
		t.Fatalf("status = %s, expected cancelled", result.Status)
	}
	if n := completionCount(*events); n != 1 {
		t.Errorf("emitted %d completion events, expected exactly 1", n)
	}
}
