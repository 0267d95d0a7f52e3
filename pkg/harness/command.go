package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/types"
)

// completionEnvelope is the JSON document a command harness prints as
// its final stdout line.
type completionEnvelope struct {
	Status   string            `json:"status"` // "success" or "failure"
	Summary  string            `json:"summary"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandSpec parameterizes the stdio adapter for one CLI harness.
type CommandSpec struct {
	// Name is the canonical harness name.
	Name string
	// Binary is the executable to spawn.
	Binary string
	// BuildArgs produces the CLI arguments for a run under a policy.
	BuildArgs func(req *types.RunRequest, policy Policy) []string
	// ExtraEnv appends harness-specific environment entries.
	ExtraEnv func(req *types.RunRequest, policy Policy) []string
}

// CommandRuntime spawns a harness CLI subprocess, relays its stdout and
// stderr as events and parses the trailing completion envelope.
type CommandRuntime struct {
	spec   CommandSpec
	logger zerolog.Logger
}

// NewCommandRuntime creates a stdio adapter from a spec.
func NewCommandRuntime(spec CommandSpec) *CommandRuntime {
	return &CommandRuntime{
		spec:   spec,
		logger: log.WithComponent("harness." + spec.Name),
	}
}

func (r *CommandRuntime) Name() string {
	return r.spec.Name
}

// Available reports whether the harness binary is on PATH.
func (r *CommandRuntime) Available() bool {
	_, err := exec.LookPath(r.spec.Binary)
	return err == nil
}

// Run executes the harness CLI. It emits exactly one completion event,
// synthesized when the process dies without printing an envelope, and
// never lets an adapter failure escape as an error.
func (r *CommandRuntime) Run(ctx context.Context, req *types.RunRequest, sink EventSink) types.RunResult {
	policy := PolicyFor(ResolveMode(req))

	cmd := exec.CommandContext(ctx, r.spec.Binary, r.spec.BuildArgs(req, policy)...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(append([]string{}, req.Env...), r.envFor(req, policy)...)
	// New process group so a cancel kills harness-spawned children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.finish(sink, r.failure(fmt.Sprintf("failed to open stdout pipe: %v", err)))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.finish(sink, r.failure(fmt.Sprintf("failed to open stderr pipe: %v", err)))
	}

	if err := cmd.Start(); err != nil {
		// A cancel that lands before the process starts is still a cancel.
		if ctx.Err() == context.Canceled {
			return r.finish(sink, types.RunResult{
				Status:  types.RunCancelled,
				Summary: "run cancelled",
			})
		}
		return r.finish(sink, r.failure(fmt.Sprintf("failed to start %s: %v", r.spec.Binary, err)))
	}

	var (
		wg       sync.WaitGroup
		lastLine string
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			lastLine = line
			r.emitStdoutLine(sink, line)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			sink(types.RuntimeEvent{Type: types.EventDiagnostic, Content: scanner.Text()})
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() == context.Canceled {
		return r.finish(sink, types.RunResult{
			Status:  types.RunCancelled,
			Summary: "run cancelled",
		})
	}

	envelope, ok := parseEnvelope(lastLine)
	switch {
	case ok && envelope.Status == "success" && waitErr == nil:
		return r.finish(sink, types.RunResult{
			Status:   types.RunSucceeded,
			Summary:  envelope.Summary,
			Metadata: envelope.Metadata,
		})
	case ok:
		// Structured envelope fields win over free text.
		errText := envelope.Error
		if errText == "" {
			errText = envelope.Summary
		}
		return r.finish(sink, r.failureWith(errText, envelope.Summary, envelope.Metadata, ctx))
	default:
		errText := "harness exited without a completion envelope"
		if waitErr != nil {
			errText = waitErr.Error()
		}
		return r.finish(sink, r.failureWith(errText, "", nil, ctx))
	}
}

func (r *CommandRuntime) envFor(req *types.RunRequest, policy Policy) []string {
	var env []string
	if r.spec.ExtraEnv != nil {
		env = r.spec.ExtraEnv(req, policy)
	}
	return env
}

// emitStdoutLine forwards a stdout line as the most specific event type
// it can infer. Harness CLIs in JSON mode print one object per line.
func (r *CommandRuntime) emitStdoutLine(sink EventSink, line string) {
	var obj struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal([]byte(line), &obj); err == nil && obj.Type != "" {
		content := obj.Content
		if content == "" {
			content = obj.Text
		}
		switch obj.Type {
		case "reasoning", "thinking":
			sink(types.RuntimeEvent{Type: types.EventReasoningDelta, Content: content})
			return
		case "message", "assistant", "text":
			sink(types.RuntimeEvent{Type: types.EventAssistantDelta, Content: content})
			return
		case "command_output", "tool_result", "exec":
			sink(types.RuntimeEvent{Type: types.EventCommandOutput, Content: content})
			return
		case "diff", "patch":
			sink(types.RuntimeEvent{Type: types.EventDiffUpdate, Content: content})
			return
		}
	}
	sink(types.RuntimeEvent{Type: types.EventLog, Content: line})
}

func (r *CommandRuntime) failure(errText string) types.RunResult {
	class := Classify(r.spec.Name, errText)
	return types.RunResult{
		Status:       types.RunFailed,
		Summary:      "harness run failed",
		Error:        errText,
		FailureClass: class,
		Remediation:  class.Remediation(),
	}
}

func (r *CommandRuntime) failureWith(errText, summary string, metadata map[string]string, ctx context.Context) types.RunResult {
	if ctx.Err() == context.DeadlineExceeded {
		errText = "run timed out: " + errText
	}
	result := r.failure(errText)
	if summary != "" {
		result.Summary = summary
	}
	result.Metadata = metadata
	return result
}

// finish emits the terminal completion event and returns the result.
func (r *CommandRuntime) finish(sink EventSink, result types.RunResult) types.RunResult {
	payload, _ := json.Marshal(result)
	sink(types.RuntimeEvent{
		Type:    types.EventCompletion,
		Content: string(payload),
		Metadata: map[string]string{
			"status": string(result.Status),
		},
	})
	return result
}

// parseEnvelope attempts to read a completion envelope from the last
// stdout line. Leading noise on the line is tolerated as long as the
// line ends with a JSON object carrying a status.
func parseEnvelope(line string) (completionEnvelope, bool) {
	var env completionEnvelope

	trimmed := strings.TrimSpace(line)
	if idx := strings.Index(trimmed, "{"); idx > 0 {
		trimmed = trimmed[idx:]
	}
	if trimmed == "" || trimmed[0] != '{' {
		return env, false
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	if err := dec.Decode(&env); err != nil {
		return env, false
	}
	if env.Status != "success" && env.Status != "failure" {
		return env, false
	}
	return env, true
}
