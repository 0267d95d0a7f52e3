// Package node assembles the execution node: queue, bus, processor
// pool, container engine, supervisor, terminal bridge and the HTTP API,
// and runs their loops until shutdown.
package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/client"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/engine"
	"github.com/gantrylabs/gantry/pkg/guard"
	"github.com/gantrylabs/gantry/pkg/harness"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/outbox"
	"github.com/gantrylabs/gantry/pkg/probe"
	"github.com/gantrylabs/gantry/pkg/processor"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/redact"
	"github.com/gantrylabs/gantry/pkg/supervisor"
	"github.com/gantrylabs/gantry/pkg/terminal"
	"github.com/gantrylabs/gantry/pkg/types"
	"github.com/gantrylabs/gantry/pkg/workspace"
)

type options struct {
	factory   *harness.Factory
	probes    []probe.Probe
	probesSet bool
	control   *client.Client
	engine    *engine.Engine
	engineSet bool
}

// Option customizes node assembly.
type Option func(*options)

// WithFactory replaces the default harness factory.
func WithFactory(f *harness.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithProbes replaces the default runtime probes. Passing none disables
// the probe loop.
func WithProbes(probes ...probe.Probe) Option {
	return func(o *options) {
		o.probes = probes
		o.probesSet = true
	}
}

// WithControlClient sets the control-plane client for heartbeats.
func WithControlClient(c *client.Client) Option {
	return func(o *options) { o.control = c }
}

// WithEngine replaces the containerd connection. Passing nil runs the
// node without run containers.
func WithEngine(e *engine.Engine) Option {
	return func(o *options) {
		o.engine = e
		o.engineSet = true
	}
}

// Node owns every component of one execution node.
type Node struct {
	cfg        *config.Config
	queue      *queue.Queue
	outbox     *outbox.Outbox
	bus        *bus.Bus
	redactor   *redact.Redactor
	workspaces *workspace.Manager
	factory    *harness.Factory
	engine     *engine.Engine
	supervisor *supervisor.Supervisor
	terminals  *terminal.Manager
	processor  *processor.Processor
	api        *api.Server
	health     *metrics.HealthRegistry
	collector  *metrics.Collector
	probes     []probe.Probe
	control    *client.Client
	logger     zerolog.Logger

	runs sync.WaitGroup
}

// New assembles a node from configuration. The containerd connection is
// optional: when the socket is unreachable the node still runs, executing
// harnesses directly against workspaces.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:     cfg,
		control: o.control,
		logger:  log.WithComponent("node"),
	}

	ob, err := outbox.Open(cfg.DataDir, outbox.Options{
		RetentionCeiling: cfg.Outbox.RetentionCeiling,
		RetentionFloor:   cfg.Outbox.RetentionFloor,
		MaxBacklogRead:   cfg.Outbox.MaxBacklogRead,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	n.outbox = ob
	n.bus = bus.New(ob)
	n.queue = queue.New(cfg.MaxSlots)
	n.redactor = redact.New(cfg.SecretPatterns, 0)

	n.workspaces, err = workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		ob.Close()
		return nil, err
	}

	images := guard.NewImageGuard(cfg.AllowedImages)

	n.engine = o.engine
	if !o.engineSet {
		eng, err := engine.New(engine.DefaultSocketPath, images, n.redactor)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Containerd unavailable, runs execute without containers")
		} else {
			n.engine = eng
		}
	}

	n.factory = o.factory
	if n.factory == nil {
		n.factory = harness.DefaultFactory(cfg.OpencodeURL)
	}

	n.supervisor = supervisor.New(cfg.Health, n.bus, n.remediateRuntime)
	n.probes = o.probes
	if !o.probesSet {
		n.probes = defaultProbes(cfg)
	}

	n.terminals = terminal.NewManager(execBridge{engine: n.engine}, cfg.Terminal)

	var procEngine processor.ContainerEngine
	var apiEngine api.ContainerEngine
	if n.engine != nil {
		procEngine = n.engine
		apiEngine = n.engine
	}

	n.processor = processor.New(n.queue, n.bus, n.factory, n.workspaces, procEngine, n.redactor,
		processor.Options{
			CancelGracePeriod: cfg.CancelGracePeriod,
			Artifacts:         processor.DefaultArtifactPolicy(cfg.MaxFileSizeBytes),
		})

	n.health = metrics.NewHealthRegistry()
	n.health.Register("outbox", "durable event outbox", true, func(context.Context) error {
		_, err := ob.Count()
		return err
	})
	if n.engine != nil {
		n.health.Register("containerd", "container engine socket", true, n.engine.Ping)
	}
	n.health.Register("runtime_pool", "harness runtime pool", true, func(context.Context) error {
		if n.supervisor.Pool().ReadinessBlocked {
			return fmt.Errorf("no healthy harness runtime")
		}
		return nil
	})

	n.collector = metrics.NewCollector(n.queue, ob, n.bus, n.supervisor, n.terminals)
	n.api = api.NewServer(cfg, n.queue, n.bus, n.factory, images, n.supervisor, n.terminals, apiEngine, n.health)

	return n, nil
}

// defaultProbes matches the default factory registrations.
func defaultProbes(cfg *config.Config) []probe.Probe {
	return []probe.Probe{
		probe.NewCommandProbe("codex", "codex"),
		probe.NewCommandProbe("claude-code", "claude"),
		probe.NewHTTPProbe("opencode", cfg.OpencodeURL+"/app"),
	}
}

// Handler returns the node API handler, mainly for tests.
func (n *Node) Handler() http.Handler {
	return n.api.Router()
}

// Queue exposes the job queue.
func (n *Node) Queue() *queue.Queue {
	return n.queue
}

// Bus exposes the event bus.
func (n *Node) Bus() *bus.Bus {
	return n.bus
}

// Run starts every loop and blocks until the context ends or a
// component fails. In-flight runs are cancelled and drained on the way
// out.
func (n *Node) Run(ctx context.Context) error {
	n.bus.Start()
	defer n.bus.Stop()
	n.collector.Start()
	defer n.collector.Stop()

	metrics.JobSlots.Set(float64(n.cfg.MaxSlots))
	for _, p := range n.probes {
		n.supervisor.Register(p.Name())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.api.Run(gctx) })
	g.Go(func() error { return n.serveMetrics(gctx) })
	g.Go(func() error { n.dispatchLoop(gctx); return nil })
	g.Go(func() error { n.probeLoop(gctx); return nil })
	g.Go(func() error { n.heartbeatLoop(gctx); return nil })
	g.Go(func() error { n.reconcileLoop(gctx); return nil })
	g.Go(func() error { n.terminals.Run(gctx); return nil })

	err := g.Wait()
	n.drain()
	return err
}

// Close releases the node's persistent resources.
func (n *Node) Close() error {
	if n.engine != nil {
		if err := n.engine.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Engine close failed")
		}
	}
	return n.outbox.Close()
}

// dispatchLoop pulls admitted jobs and hands each to a processor
// goroutine once a slot is free.
func (n *Node) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-n.queue.Jobs():
			if !n.waitForSlot(ctx) {
				return
			}
			if err := n.queue.Acquire(job.Request.RunID); err != nil {
				n.logger.Error().Err(err).Str("run_id", job.Request.RunID).Msg("Slot acquire failed")
				continue
			}
			n.runs.Add(1)
			go func(job *types.QueuedJob) {
				defer n.runs.Done()
				n.processor.Process(job)
			}(job)
		}
	}
}

func (n *Node) waitForSlot(ctx context.Context) bool {
	for !n.queue.CanAcceptJob() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return true
}

// probeLoop checks every runtime probe on the configured interval and
// feeds the supervisor, then sweeps for stale heartbeats.
func (n *Node) probeLoop(ctx context.Context) {
	if len(n.probes) == 0 {
		return
	}
	interval := n.cfg.Health.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range n.probes {
				err := p.Check(ctx)
				if err == nil {
					n.supervisor.Heartbeat(p.Name())
				}
				n.supervisor.ReportProbe(ctx, p.Name(), err)
			}
			n.supervisor.Sweep()
		}
	}
}

// heartbeatLoop reports slot usage and pool health to the control plane.
func (n *Node) heartbeatLoop(ctx context.Context) {
	if n.control == nil {
		return
	}
	interval := n.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := n.control.ReportHeartbeat(hbCtx, client.Heartbeat{
				NodeID:         n.cfg.NodeID,
				ActiveSlots:    n.queue.ActiveCount(),
				MaxSlots:       n.queue.MaxSlots(),
				WorkspaceBytes: n.workspaceUsage(),
				Pool:           n.supervisor.Pool(),
			})
			cancel()
			if err != nil {
				n.logger.Warn().Err(err).Msg("Heartbeat delivery failed")
			}
		}
	}
}

func (n *Node) workspaceUsage() int64 {
	names, err := n.workspaces.List()
	if err != nil {
		return 0
	}
	var total int64
	for _, name := range names {
		if usage, err := n.workspaces.DiskUsage(name); err == nil {
			total += usage
		}
	}
	return total
}

// reconcileLoop removes containers for runs the queue no longer knows.
func (n *Node) reconcileLoop(ctx context.Context) {
	if n.engine == nil {
		return
	}
	interval := n.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := n.engine.Reconcile(ctx, n.queue.KnownRunIDs())
			if err != nil {
				n.logger.Error().Err(err).Msg("Reconciliation pass failed")
				continue
			}
			if len(removed) > 0 {
				n.logger.Warn().Int("count", len(removed)).Msg("Removed orphaned containers")
			}
		}
	}
}

// remediateRuntime is the supervisor's remediation hook. Restart kills
// the runtime's container if one exists; recreate additionally refreshes
// the configured harness image so the next start is clean.
func (n *Node) remediateRuntime(ctx context.Context, runtimeID string, action types.RemediationAction) error {
	if n.engine == nil {
		n.logger.Info().
			Str("runtime_id", runtimeID).
			Str("action", string(action)).
			Msg("No container engine, remediation is a no-op")
		return nil
	}

	if _, err := n.engine.KillRunContainer(ctx, runtimeID); err != nil {
		n.logger.Debug().Err(err).Str("runtime_id", runtimeID).Msg("No runtime container to kill")
	}
	if action == types.RemediationRecreate {
		if img := n.cfg.HarnessImages[runtimeID]; img != "" {
			if err := n.engine.PullImage(ctx, img); err != nil {
				return fmt.Errorf("failed to refresh harness image %s: %w", img, err)
			}
		}
	}
	return nil
}

// drain cancels whatever is still running and waits for the processor
// goroutines, bounded so shutdown cannot hang on a stuck harness.
func (n *Node) drain() {
	for _, runID := range n.queue.KnownRunIDs() {
		n.queue.Cancel(runID)
	}

	done := make(chan struct{})
	go func() {
		n.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		n.logger.Warn().Msg("Shutdown drain timed out with runs still active")
	}
}

func (n *Node) serveMetrics(ctx context.Context) error {
	if n.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info().Str("addr", n.cfg.MetricsAddr).Msg("Metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// execBridge adapts the container engine's exec to the terminal
// manager's interface.
type execBridge struct {
	engine *engine.Engine
}

func (b execBridge) Exec(ctx context.Context, containerID, execID string, cols, rows int, stdin io.Reader, stdout io.Writer) (terminal.Process, error) {
	if b.engine == nil {
		return nil, fmt.Errorf("container engine not available")
	}
	return b.engine.Exec(ctx, containerID, execID, cols, rows, stdin, stdout)
}
