// Package engine wraps containerd with the container lifecycle a harness
// run needs: pull, create with a workspace bind mount and resource
// limits, start, graceful stop, force removal and interactive exec.
// Every container carries a run-id label so an orphan reconciliation
// pass can find containers whose run is no longer active.
package engine

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/guard"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/redact"
	"github.com/gantrylabs/gantry/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for Gantry containers.
	DefaultNamespace = "gantry"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// RunIDLabel marks a container as belonging to a run. Reconciliation
	// only ever touches containers carrying this label.
	RunIDLabel = "sh.gantry.run-id"

	// workspaceMountPath is where the run workspace appears inside the
	// container.
	workspaceMountPath = "/workspace"
)

// Engine drives container lifecycle through containerd.
type Engine struct {
	client    *containerd.Client
	namespace string
	images    *guard.ImageGuard
	redactor  *redact.Redactor
	logger    zerolog.Logger
}

// New connects to containerd. The image guard is consulted on every
// create; a disallowed image is a hard failure, never substituted.
func New(socketPath string, images *guard.ImageGuard, redactor *redact.Redactor) (*Engine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Engine{
		client:    client,
		namespace: DefaultNamespace,
		images:    images,
		redactor:  redactor,
		logger:    log.WithComponent("engine"),
	}, nil
}

// Close closes the containerd client connection.
func (e *Engine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Ping reports whether containerd is reachable and serving.
func (e *Engine) Ping(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)
	ok, err := e.client.IsServing(ctx)
	if err != nil {
		return fmt.Errorf("containerd not reachable: %w", err)
	}
	if !ok {
		return fmt.Errorf("containerd not serving")
	}
	return nil
}

// PullImage pulls and unpacks an image if the allow-list admits it.
func (e *Engine) PullImage(ctx context.Context, imageRef string) error {
	if err := e.images.Validate(imageRef); err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	if _, err := e.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateContainer creates a labeled container for a run with its
// workspace bind-mounted read-write and resource limits applied.
// Secrets in the environment are redacted before logging only; the
// container receives the real values.
func (e *Engine) CreateContainer(ctx context.Context, req *types.RunRequest) (string, error) {
	if err := e.images.Validate(req.Image); err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	image, err := e.client.GetImage(ctx, req.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", req.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(req.Env),
		oci.WithMounts([]specs.Mount{
			{
				Source:      req.WorkspacePath,
				Destination: workspaceMountPath,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			},
		}),
	}
	if limits := resourceSpecOpts(req.Resources); len(limits) > 0 {
		opts = append(opts, limits...)
	}

	containerID := "run-" + req.RunID
	container, err := e.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{RunIDLabel: req.RunID}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	e.logger.Info().
		Str("container_id", container.ID()).
		Str("run_id", req.RunID).
		Str("image", req.Image).
		Strs("env", e.redactor.RedactEnv(req.Env)).
		Msg("Container created")
	return container.ID(), nil
}

// resourceSpecOpts translates run resource limits to OCI cgroup fields.
func resourceSpecOpts(limits types.ResourceLimits) []oci.SpecOpts {
	var opts []oci.SpecOpts
	if limits.CPULimit > 0 {
		// CFS quota over a 100ms period.
		quota := int64(limits.CPULimit * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if limits.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(limits.MemoryBytes)))
	}
	return opts
}

// StartContainer starts the container's task.
func (e *Engine) StartContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopContainer stops a running container: SIGTERM, wait up to the grace
// period, then SIGKILL. Stopping an already stopped container succeeds.
func (e *Engine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means nothing is running.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		e.logger.Warn().Str("container_id", containerID).Msg("Grace period expired, force killing")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container and its snapshot. Removing a
// container that no longer exists succeeds.
func (e *Engine) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_ = task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// KillRunContainer force-removes the container belonging to a run.
// Returns the container id it acted on, empty when none existed.
func (e *Engine) KillRunContainer(ctx context.Context, runID string) (string, error) {
	containers, err := e.ListRunContainers(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		if c.RunID == runID {
			return c.ContainerID, e.RemoveContainer(ctx, c.ContainerID)
		}
	}
	return "", nil
}

// IsRunning reports whether the container has a running task.
func (e *Engine) IsRunning(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running || status.Status == containerd.Paused
}

// ListRunContainers returns every container carrying the run-id label.
func (e *Engine) ListRunContainers(ctx context.Context) ([]types.OrphanedContainer, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	containers, err := e.client.Containers(ctx, fmt.Sprintf(`labels.%q`, RunIDLabel))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]types.OrphanedContainer, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		result = append(result, types.OrphanedContainer{
			ContainerID: c.ID(),
			RunID:       labels[RunIDLabel],
		})
	}
	return result, nil
}

// Exec starts an interactive shell inside a running container, attached
// to the given streams. It returns a wait function that blocks until the
// process exits and a kill function for teardown.
func (e *Engine) Exec(ctx context.Context, containerID, execID string, cols, rows int, stdin io.Reader, stdout io.Writer) (*ExecProcess, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container %s has no running task: %w", containerID, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read container spec: %w", err)
	}
	pspec := spec.Process
	pspec.Terminal = true
	pspec.Args = []string{"/bin/sh"}
	pspec.ConsoleSize = &specs.Box{Width: uint(cols), Height: uint(rows)}

	process, err := task.Exec(ctx, execID, pspec,
		cio.NewCreator(cio.WithStreams(stdin, stdout, stdout), cio.WithTerminal))
	if err != nil {
		return nil, fmt.Errorf("failed to exec into container: %w", err)
	}

	waitC, err := process.Wait(ctx)
	if err != nil {
		_, _ = process.Delete(ctx, containerd.WithProcessKill)
		return nil, fmt.Errorf("failed to wait on exec process: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		_, _ = process.Delete(ctx, containerd.WithProcessKill)
		return nil, fmt.Errorf("failed to start exec process: %w", err)
	}

	return &ExecProcess{process: process, waitC: waitC, namespace: e.namespace}, nil
}

// ExecProcess is a live exec session inside a container.
type ExecProcess struct {
	process   containerd.Process
	waitC     <-chan containerd.ExitStatus
	namespace string
}

// Resize changes the pseudo-terminal geometry.
func (p *ExecProcess) Resize(ctx context.Context, cols, rows int) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	return p.process.Resize(ctx, uint32(cols), uint32(rows))
}

// Wait blocks until the process exits or the context ends.
func (p *ExecProcess) Wait(ctx context.Context) error {
	select {
	case <-p.waitC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close kills the process and releases its resources.
func (p *ExecProcess) Close(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	_ = p.process.Kill(ctx, syscall.SIGKILL)
	if _, err := p.process.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}
