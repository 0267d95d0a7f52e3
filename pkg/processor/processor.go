// Package processor runs admitted jobs through their lifecycle: prepare
// the workspace, execute the harness runtime, relay events to the bus,
// extract artifacts and release the queue slot. Adapter failures are
// captured into the run result and never crash the loop.
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/harness"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/redact"
	"github.com/gantrylabs/gantry/pkg/types"
	"github.com/gantrylabs/gantry/pkg/workspace"
)

// ContainerEngine is the subset of the container engine the processor
// needs for cancel escalation and run sandboxes.
type ContainerEngine interface {
	PullImage(ctx context.Context, imageRef string) error
	CreateContainer(ctx context.Context, req *types.RunRequest) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	KillRunContainer(ctx context.Context, runID string) (string, error)
}

// Options tunes a processor.
type Options struct {
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration
	// CancelGracePeriod bounds cooperative cancellation before the run's
	// container is killed.
	CancelGracePeriod time.Duration
	// Artifacts selects workspace files to extract after a run.
	Artifacts ArtifactPolicy
}

// Processor executes queued jobs one state at a time.
type Processor struct {
	queue      *queue.Queue
	bus        *bus.Bus
	factory    *harness.Factory
	workspaces *workspace.Manager
	engine     ContainerEngine // may be nil when runs are not containerized
	redactor   *redact.Redactor
	opts       Options
	logger     zerolog.Logger
}

// New creates a processor. engine may be nil; cancel escalation then has
// no container to kill and relies on cooperative stop alone.
func New(q *queue.Queue, b *bus.Bus, f *harness.Factory, w *workspace.Manager, engine ContainerEngine, redactor *redact.Redactor, opts Options) *Processor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.CancelGracePeriod <= 0 {
		opts.CancelGracePeriod = 10 * time.Second
	}
	return &Processor{
		queue:      q,
		bus:        b,
		factory:    f,
		workspaces: w,
		engine:     engine,
		redactor:   redactor,
		opts:       opts,
		logger:     log.WithComponent("processor"),
	}
}

// completionPayload is the terminal event body: the run result plus any
// extracted artifacts.
type completionPayload struct {
	types.RunResult
	Artifacts []types.Artifact `json:"artifacts,omitempty"`
}

// Process drives one job to its terminal state. It always calls
// MarkCompleted exactly once and publishes exactly one completion event.
func (p *Processor) Process(job *types.QueuedJob) {
	req := job.Request
	logger := p.logger.With().Str("run_id", req.RunID).Str("harness", req.Harness).Logger()

	defer p.queue.MarkCompleted(req.RunID)
	defer job.Cancel()

	// Preparing.
	logger.Debug().Msg("Preparing workspace")
	workspace, err := p.prepareWorkspace(req)
	if err != nil {
		logger.Error().Err(err).Msg("Workspace preparation failed")
		p.publishCompletion(req.RunID, failureResult(req.Harness, err.Error()), nil)
		return
	}
	req.WorkspacePath = workspace

	resolution, err := p.factory.Resolve(req.Harness)
	if err != nil {
		p.publishCompletion(req.RunID, failureResult(req.Harness, err.Error()), nil)
		return
	}
	runtime := p.chooseRuntime(resolution, logger)

	// Secret values from the run environment must never appear in
	// relayed event payloads.
	p.redactor.Collect(req.Env)

	containerID := p.startRunContainer(job, logger)

	// Executing. The run context carries the request timeout; the job
	// context carries external cancellation.
	runCtx, cancelRun := context.WithTimeout(job.Ctx, req.Timeout(p.opts.DefaultTimeout))
	defer cancelRun()

	runDone := make(chan struct{})
	go p.escalateOnCancel(job, runDone, logger)

	var (
		completionMu sync.Mutex
		completion   *types.RunResult
	)
	sink := func(ev types.RuntimeEvent) {
		ev.Content = p.redactor.Scrub(ev.Content)
		if ev.Type == types.EventCompletion {
			// Held back until artifacts are extracted so the completion
			// event is the last one published for the run.
			var result types.RunResult
			if err := json.Unmarshal([]byte(ev.Content), &result); err == nil {
				completionMu.Lock()
				completion = &result
				completionMu.Unlock()
			}
			return
		}
		p.relay(req.RunID, ev)
	}

	logger.Info().Str("runtime", runtime.Name()).Msg("Executing run")
	started := time.Now()
	result := runtime.Run(runCtx, req, sink)
	close(runDone)
	metrics.RunDuration.WithLabelValues(runtime.Name()).Observe(time.Since(started).Seconds())

	completionMu.Lock()
	if completion != nil {
		result = *completion
	}
	completionMu.Unlock()

	p.stopRunContainer(containerID, logger)

	// Extracting.
	var artifacts []types.Artifact
	if result.Status != types.RunCancelled {
		artifacts, err = p.opts.Artifacts.Extract(workspace)
		if err != nil {
			logger.Warn().Err(err).Msg("Artifact extraction failed")
		}
	}

	p.publishCompletion(req.RunID, result, artifacts)
	logger.Info().
		Str("status", string(result.Status)).
		Int("artifacts", len(artifacts)).
		Msg("Run finished")
}

// prepareWorkspace resolves the run workspace under the guarded root and
// ensures it exists.
func (p *Processor) prepareWorkspace(req *types.RunRequest) (string, error) {
	rel := req.WorkspacePath
	if rel == "" {
		rel = req.RunID
	}
	return p.workspaces.Ensure(rel)
}

// chooseRuntime prefers the primary adapter, falling back when the
// primary reports itself unavailable and a fallback is registered.
func (p *Processor) chooseRuntime(res harness.Resolution, logger zerolog.Logger) harness.Runtime {
	type availabilityChecker interface{ Available() bool }

	if checker, ok := res.Primary.(availabilityChecker); ok && !checker.Available() && res.Fallback != nil {
		logger.Warn().
			Str("primary", res.Primary.Name()).
			Str("fallback", res.Fallback.Name()).
			Msg("Primary harness unavailable, using fallback")
		return res.Fallback
	}
	return res.Primary
}

// startRunContainer creates and starts the run's sandbox container when
// an engine and image are configured. Failure is non-fatal for the run;
// the harness still executes against the workspace.
func (p *Processor) startRunContainer(job *types.QueuedJob, logger zerolog.Logger) string {
	req := job.Request
	if p.engine == nil || req.Image == "" {
		return ""
	}

	if err := p.engine.PullImage(job.Ctx, req.Image); err != nil {
		logger.Error().Err(err).Str("image", req.Image).Msg("Image pull failed")
		return ""
	}
	containerID, err := p.engine.CreateContainer(job.Ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Container create failed")
		return ""
	}
	if err := p.engine.StartContainer(job.Ctx, containerID); err != nil {
		logger.Error().Err(err).Str("container_id", containerID).Msg("Container start failed")
		_ = p.engine.RemoveContainer(context.Background(), containerID)
		return ""
	}
	return containerID
}

func (p *Processor) stopRunContainer(containerID string, logger zerolog.Logger) {
	if p.engine == nil || containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.engine.StopContainer(ctx, containerID, p.opts.CancelGracePeriod); err != nil {
		logger.Warn().Err(err).Str("container_id", containerID).Msg("Container stop failed")
	}
	if err := p.engine.RemoveContainer(ctx, containerID); err != nil {
		logger.Warn().Err(err).Str("container_id", containerID).Msg("Container remove failed")
	}
}

// escalateOnCancel kills the run's container when cooperative
// cancellation does not complete within the grace period.
func (p *Processor) escalateOnCancel(job *types.QueuedJob, runDone <-chan struct{}, logger zerolog.Logger) {
	select {
	case <-runDone:
		return
	case <-job.Ctx.Done():
	}

	select {
	case <-runDone:
	case <-time.After(p.opts.CancelGracePeriod):
		if p.engine == nil {
			return
		}
		logger.Warn().Msg("Cooperative cancel timed out, killing container")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := p.engine.KillRunContainer(ctx, job.Request.RunID); err != nil {
			logger.Error().Err(err).Msg("Container kill failed")
		}
	}
}

func (p *Processor) relay(runID string, ev types.RuntimeEvent) {
	if _, err := p.bus.Publish(types.JobEvent{
		RunID:     runID,
		Event:     ev,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		p.logger.Error().Err(err).Str("run_id", runID).Msg("Event publish failed")
	}
}

// publishCompletion emits the run's single terminal event.
func (p *Processor) publishCompletion(runID string, result types.RunResult, artifacts []types.Artifact) {
	metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
	payload, _ := json.Marshal(completionPayload{RunResult: result, Artifacts: artifacts})
	metadata := map[string]string{
		"status":  string(result.Status),
		"summary": result.Summary,
	}
	if result.Status == types.RunFailed {
		metadata["failure_class"] = string(result.FailureClass)
		if len(result.Remediation) > 0 {
			metadata["remediation"] = result.Remediation[0]
		}
	}
	p.relay(runID, types.RuntimeEvent{
		Type:     types.EventCompletion,
		Content:  string(payload),
		Metadata: metadata,
	})
}

func failureResult(harnessName, errText string) types.RunResult {
	class := harness.Classify(harnessName, errText)
	return types.RunResult{
		Status:       types.RunFailed,
		Summary:      "run failed before execution",
		Error:        errText,
		FailureClass: class,
		Remediation:  class.Remediation(),
	}
}
