// Package api exposes the node's HTTP surface: job dispatch and cancel,
// container kill and reconcile, event backlog reads, the WebSocket event
// and terminal bridges, and the health endpoints.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/guard"
	"github.com/gantrylabs/gantry/pkg/harness"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/supervisor"
	"github.com/gantrylabs/gantry/pkg/terminal"
	"github.com/gantrylabs/gantry/pkg/types"
)

// ContainerEngine is the engine subset the API needs for the container
// endpoints. It is nil on nodes running without containerd.
type ContainerEngine interface {
	KillRunContainer(ctx context.Context, runID string) (string, error)
	Reconcile(ctx context.Context, activeRunIDs []string) ([]types.OrphanedContainer, error)
}

// Server wires the node components behind the HTTP API.
type Server struct {
	cfg        *config.Config
	queue      *queue.Queue
	bus        *bus.Bus
	factory    *harness.Factory
	images     *guard.ImageGuard
	supervisor *supervisor.Supervisor
	terminals  *terminal.Manager
	engine     ContainerEngine
	health     *metrics.HealthRegistry
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewServer creates the API server. engine may be nil; the container
// endpoints then answer 503.
func NewServer(
	cfg *config.Config,
	q *queue.Queue,
	b *bus.Bus,
	f *harness.Factory,
	images *guard.ImageGuard,
	sup *supervisor.Supervisor,
	terminals *terminal.Manager,
	engine ContainerEngine,
	health *metrics.HealthRegistry,
) *Server {
	return &Server{
		cfg:        cfg,
		queue:      q,
		bus:        b,
		factory:    f,
		images:     images,
		supervisor: sup,
		terminals:  terminals,
		engine:     engine,
		health:     health,
		logger:     log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The node API is reached by the control plane and operator
			// tooling, not browsers; origin checks happen upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestMiddleware())

	v1 := router.Group("/v1")
	v1.Use(s.rateLimitMiddleware())
	{
		v1.POST("/jobs", s.handleDispatch)
		v1.POST("/jobs/:run_id/cancel", s.handleCancel)
		v1.POST("/containers/:run_id/kill", s.handleKill)
		v1.POST("/containers/reconcile", s.handleReconcile)
		v1.GET("/events/backlog", s.handleBacklog)
		v1.GET("/events/subscribe", s.handleEventSubscribe)
		v1.GET("/terminal", s.handleTerminal)
	}

	router.GET("/health", gin.WrapF(s.health.HealthHandler()))
	router.GET("/ready", gin.WrapF(s.health.ReadyHandler()))
	router.GET("/alive", gin.WrapF(s.health.AliveHandler()))

	return router
}

// Run serves the API until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type dispatchResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func reject(c *gin.Context, code int, reason string) {
	c.JSON(code, dispatchResponse{Accepted: false, Reason: reason})
}

// handleDispatch admits a run or rejects it with a reason. Admission
// checks run in order: request shape, harness, image allow-list, pool
// readiness, capacity, duplicate run id.
func (s *Server) handleDispatch(c *gin.Context) {
	var req types.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.RunID == "" {
		reject(c, http.StatusBadRequest, "run_id is required")
		return
	}
	if req.Harness == "" {
		reject(c, http.StatusBadRequest, "harness is required")
		return
	}
	if req.Prompt == "" && req.Command == "" {
		reject(c, http.StatusBadRequest, "either prompt or command is required")
		return
	}
	if len(req.Command) > s.cfg.MaxCommandLength {
		reject(c, http.StatusBadRequest, "command exceeds maximum length")
		return
	}
	if req.TimeoutSeconds > s.cfg.MaxTimeoutSecs {
		reject(c, http.StatusBadRequest, "timeout exceeds node ceiling")
		return
	}

	if _, err := s.factory.Resolve(req.Harness); err != nil {
		reject(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Image != "" {
		if err := s.images.Validate(req.Image); err != nil {
			reject(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	if s.supervisor != nil && s.supervisor.Pool().ReadinessBlocked {
		reject(c, http.StatusServiceUnavailable, "no healthy harness runtime available")
		return
	}
	if !s.queue.CanAcceptJob() {
		reject(c, http.StatusTooManyRequests, "node at capacity")
		return
	}
	if s.queue.IsKnown(req.RunID) {
		reject(c, http.StatusConflict, "run is already queued or executing")
		return
	}

	if req.Mode == "" {
		req.Mode = types.ModeDefault
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &types.QueuedJob{Request: &req, Ctx: ctx, Cancel: cancel}
	if err := s.queue.Enqueue(job); err != nil {
		cancel()
		reject(c, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info().Str("run_id", req.RunID).Str("harness", req.Harness).Msg("Job accepted")
	c.JSON(http.StatusAccepted, dispatchResponse{Accepted: true, RunID: req.RunID})
}

func (s *Server) handleCancel(c *gin.Context) {
	runID := c.Param("run_id")
	if !s.queue.Cancel(runID) {
		c.JSON(http.StatusNotFound, gin.H{"accepted": false})
		return
	}
	s.logger.Info().Str("run_id", runID).Msg("Cancel requested")
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type killRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (s *Server) handleKill(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"killed": false, "error": "container engine not available"})
		return
	}

	runID := c.Param("run_id")
	var req killRequest
	_ = c.ShouldBindJSON(&req)

	containerID, err := s.engine.KillRunContainer(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"killed": false, "container_id": containerID, "error": err.Error()})
		return
	}

	s.logger.Warn().
		Str("run_id", runID).
		Str("container_id", containerID).
		Str("reason", req.Reason).
		Bool("force", req.Force).
		Msg("Container killed on request")
	c.JSON(http.StatusOK, gin.H{"killed": true, "container_id": containerID})
}

type reconcileRequest struct {
	ActiveRunIDs []string `json:"active_run_ids"`
}

func (s *Server) handleReconcile(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "container engine not available"})
		return
	}

	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	removed, err := s.engine.Reconcile(c.Request.Context(), req.ActiveRunIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orphaned_count":     len(removed),
		"removed_containers": removed,
	})
}

func (s *Server) handleBacklog(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
		return
	}
	max := s.cfg.Outbox.MaxBacklogRead
	if raw := c.Query("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a positive integer"})
			return
		}
		if n < max {
			max = n
		}
	}

	events, lastID, hasMore, err := s.bus.ReadBacklog(after, max)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []types.JobEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":           events,
		"last_delivery_id": lastID,
		"has_more":         hasMore,
	})
}
