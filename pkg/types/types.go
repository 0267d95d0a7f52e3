package types

import (
	"context"
	"time"
)

// ExecutionMode controls what a harness run is allowed to do.
type ExecutionMode string

const (
	ModeDefault ExecutionMode = "default"
	ModePlan    ExecutionMode = "plan"
	ModeReview  ExecutionMode = "review"
)

// ResourceLimits caps the resources a single run may consume.
type ResourceLimits struct {
	CPULimit    float64 `json:"cpu_limit" yaml:"cpu_limit"`       // cores (0.5 = half a core)
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes"` // bytes
}

// Attachment is a multimodal input handed to the harness alongside the prompt.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Path      string `json:"path"`
}

// RunRequest describes everything a harness runtime needs to execute a run.
// It is immutable after construction.
type RunRequest struct {
	RunID          string            `json:"run_id"`
	TaskID         string            `json:"task_id"`
	Harness        string            `json:"harness"`
	Mode           ExecutionMode     `json:"mode"`
	Prompt         string            `json:"prompt"`
	Command        string            `json:"command"`
	Image          string            `json:"image"`
	WorkspacePath  string            `json:"workspace_path"`
	Env            []string          `json:"env"` // KEY=VALUE pairs
	TimeoutSeconds int               `json:"timeout_seconds"`
	Resources      ResourceLimits    `json:"resources"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Timeout returns the run timeout as a duration, or the given fallback
// when the request carries none.
func (r *RunRequest) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// QueuedJob is a run admitted by the queue but not yet completed. The
// cancel function may be invoked externally at any time; the executing
// adapter observes it cooperatively through the context.
type QueuedJob struct {
	Request *RunRequest
	Ctx     context.Context
	Cancel  context.CancelFunc
}

// EventType classifies a normalized harness runtime event.
type EventType string

const (
	EventLog            EventType = "log"
	EventReasoningDelta EventType = "reasoning_delta"
	EventAssistantDelta EventType = "assistant_delta"
	EventCommandOutput  EventType = "command_output"
	EventDiffUpdate     EventType = "diff_update"
	EventCompletion     EventType = "completion"
	EventDiagnostic     EventType = "diagnostic"
)

// RuntimeEvent is a normalized progress event produced by a harness
// adapter, regardless of the underlying protocol.
type RuntimeEvent struct {
	Type     EventType         `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunResult is the final outcome envelope of a run. Exactly one is
// produced per run, synthesized if the adapter fails before emitting it.
type RunResult struct {
	Status       RunStatus         `json:"status"`
	Summary      string            `json:"summary"`
	Error        string            `json:"error,omitempty"`
	FailureClass FailureClass      `json:"failure_class,omitempty"`
	Remediation  []string          `json:"remediation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// JobEvent is the unit carried by the event bus and outbox. DeliveryID is
// zero until the outbox persists the event and assigns the next id.
type JobEvent struct {
	DeliveryID uint64       `json:"delivery_id"`
	RunID      string       `json:"run_id"`
	Event      RuntimeEvent `json:"event"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Artifact is a file extracted from a run workspace.
type Artifact struct {
	Path      string `json:"path"` // workspace-relative
	Kind      string `json:"kind"`
	MediaType string `json:"media_type"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// RuntimeHealthStatus is the supervisor's view of a harness runtime.
type RuntimeHealthStatus string

const (
	HealthHealthy     RuntimeHealthStatus = "healthy"
	HealthDegraded    RuntimeHealthStatus = "degraded"
	HealthUnhealthy   RuntimeHealthStatus = "unhealthy"
	HealthRecovering  RuntimeHealthStatus = "recovering"
	HealthOffline     RuntimeHealthStatus = "offline"
	HealthQuarantined RuntimeHealthStatus = "quarantined"
)

// RemediationAction is what the supervisor does to an unhealthy runtime.
type RemediationAction string

const (
	RemediationRestart  RemediationAction = "restart"
	RemediationRecreate RemediationAction = "recreate"
)

// RemediationRecord captures the last remediation attempt for a runtime.
type RemediationRecord struct {
	Action  RemediationAction `json:"action"`
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	At      time.Time         `json:"at"`
}

// RuntimeHealthSnapshot is the per-runtime record maintained by the
// supervisor. Snapshots are never deleted; lost runtimes go offline.
type RuntimeHealthSnapshot struct {
	RuntimeID           string              `json:"runtime_id"`
	Status              RuntimeHealthStatus `json:"status"`
	LastHeartbeat       time.Time           `json:"last_heartbeat"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	LastRemediation     *RemediationRecord  `json:"last_remediation,omitempty"`
	RegisteredAt        time.Time           `json:"registered_at"`
	LastTransition      time.Time           `json:"last_transition"`
}

// PoolHealthSnapshot aggregates runtime health across the node.
type PoolHealthSnapshot struct {
	Counts           map[RuntimeHealthStatus]int `json:"counts"`
	ReadinessBlocked bool                        `json:"readiness_blocked"`
	TakenAt          time.Time                   `json:"taken_at"`
}

// OrphanedContainer is a running container whose run id is no longer
// active. Computed per reconciliation pass, never persisted.
type OrphanedContainer struct {
	ContainerID string `json:"container_id"`
	RunID       string `json:"run_id"`
}

// TerminalSessionInfo describes an interactive exec session into a
// container.
type TerminalSessionInfo struct {
	SessionID       string    `json:"session_id"`
	RunID           string    `json:"run_id,omitempty"`
	ContainerID     string    `json:"container_id"`
	Cols            int       `json:"cols"`
	Rows            int       `json:"rows"`
	CurrentSequence uint64    `json:"current_sequence"`
	LastActivity    time.Time `json:"last_activity"`
	CreatedAt       time.Time `json:"created_at"`
}
