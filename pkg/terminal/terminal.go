// Package terminal bridges interactive exec sessions into running
// containers. Output chunks are sequence-numbered per session and kept
// in a bounded replay ring so a reconnecting client can resume from its
// last seen sequence instead of losing output.
package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/types"
)

// Process is a live exec process inside a container.
type Process interface {
	Resize(ctx context.Context, cols, rows int) error
	Wait(ctx context.Context) error
	Close(ctx context.Context) error
}

// Engine starts exec processes. The container engine satisfies this
// through a thin adapter at assembly time.
type Engine interface {
	Exec(ctx context.Context, containerID, execID string, cols, rows int, stdin io.Reader, stdout io.Writer) (Process, error)
}

// OutputChunk is one sequenced piece of terminal output.
type OutputChunk struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data"`
}

const listenerDepth = 256

// Session is one exec bridge. All mutation goes through its mutex; the
// output path holds it only long enough to stamp and buffer a chunk.
type Session struct {
	id          string
	containerID string
	runID       string
	cols, rows  int
	createdAt   time.Time

	process Process
	stdin   *io.PipeWriter

	mu             sync.Mutex
	seq            uint64
	ring           []OutputChunk
	ringCap        int
	listener       chan OutputChunk
	lastActivity   time.Time
	disconnectedAt time.Time // zero while a client is attached
	closed         bool

	now func() time.Time
}

// Write implements io.Writer for the exec process stdout. Each call
// becomes one sequenced chunk.
func (s *Session) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)

	s.mu.Lock()
	s.seq++
	chunk := OutputChunk{Seq: s.seq, Data: data}
	s.ring = append(s.ring, chunk)
	if len(s.ring) > s.ringCap {
		s.ring = s.ring[len(s.ring)-s.ringCap:]
	}
	s.lastActivity = s.now()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		select {
		case listener <- chunk:
		default:
			// A stalled client loses live delivery; the ring still holds
			// the chunk for replay on reattach.
		}
	}
	return len(p), nil
}

// Info returns a point-in-time description of the session.
func (s *Session) Info() types.TerminalSessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.TerminalSessionInfo{
		SessionID:       s.id,
		RunID:           s.runID,
		ContainerID:     s.containerID,
		Cols:            s.cols,
		Rows:            s.rows,
		CurrentSequence: s.seq,
		LastActivity:    s.lastActivity,
		CreatedAt:       s.createdAt,
	}
}

// Manager owns every live session on the node and enforces the
// concurrent session cap and eviction windows.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	engine Engine
	cfg    config.TerminalConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a session manager over an exec engine.
func NewManager(engine Engine, cfg config.TerminalConfig) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		engine:   engine,
		cfg:      cfg,
		logger:   log.WithComponent("terminal"),
		now:      time.Now,
	}
}

// Open starts a new exec session into a container. Opens beyond the
// configured session cap are rejected.
func (m *Manager) Open(ctx context.Context, containerID, runID string, cols, rows int) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("session limit reached (%d)", m.cfg.MaxSessions)
	}
	m.mu.Unlock()

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	now := m.now()
	session := &Session{
		id:           uuid.New().String(),
		containerID:  containerID,
		runID:        runID,
		cols:         cols,
		rows:         rows,
		createdAt:    now,
		lastActivity: now,
		listener:     make(chan OutputChunk, listenerDepth),
		ringCap:      m.cfg.ReplayBuffer,
		now:          m.now,
	}
	if session.ringCap <= 0 {
		session.ringCap = 1024
	}

	stdinR, stdinW := io.Pipe()
	session.stdin = stdinW

	process, err := m.engine.Exec(ctx, containerID, "term-"+session.id, cols, rows, stdinR, session)
	if err != nil {
		stdinW.Close()
		return nil, fmt.Errorf("failed to open exec session: %w", err)
	}
	session.process = process

	m.mu.Lock()
	// Re-check under the lock; a burst of opens may have raced past the
	// early capacity gate.
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		_ = process.Close(context.Background())
		stdinW.Close()
		return nil, fmt.Errorf("session limit reached (%d)", m.cfg.MaxSessions)
	}
	m.sessions[session.id] = session
	m.mu.Unlock()

	go m.reapOnExit(session)

	m.logger.Info().
		Str("session_id", session.id).
		Str("container_id", containerID).
		Msg("Terminal session opened")
	return session, nil
}

// reapOnExit closes the session once the exec process ends on its own.
func (m *Manager) reapOnExit(session *Session) {
	_ = session.process.Wait(context.Background())
	_ = m.Close(session.id)
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SendInput writes client keystrokes to the exec process.
func (m *Manager) SendInput(sessionID string, data []byte) error {
	session, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	session.lastActivity = m.now()
	session.mu.Unlock()

	if _, err := session.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write session input: %w", err)
	}
	return nil
}

// Resize changes the session's terminal geometry.
func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	session, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	session.cols = cols
	session.rows = rows
	session.lastActivity = m.now()
	session.mu.Unlock()

	return session.process.Resize(ctx, cols, rows)
}

// Reattach resumes a session: it returns the buffered chunks with
// sequence greater than lastSeq and the live channel for what follows.
func (m *Manager) Reattach(sessionID string, lastSeq uint64) ([]OutputChunk, <-chan OutputChunk, error) {
	session, ok := m.Get(sessionID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	var replay []OutputChunk
	for _, chunk := range session.ring {
		if chunk.Seq > lastSeq {
			replay = append(replay, chunk)
		}
	}

	// A fresh listener drops any chunks queued for the previous client;
	// the replay slice already covers them.
	session.listener = make(chan OutputChunk, listenerDepth)
	session.disconnectedAt = time.Time{}
	session.lastActivity = m.now()
	return replay, session.listener, nil
}

// Listener returns the live output channel for an attached session.
func (m *Manager) Listener(sessionID string) (<-chan OutputChunk, bool) {
	session, ok := m.Get(sessionID)
	if !ok {
		return nil, false
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.listener, true
}

// Detach marks the client gone, starting the resume-grace window.
func (m *Manager) Detach(sessionID string) {
	session, ok := m.Get(sessionID)
	if !ok {
		return
	}
	session.mu.Lock()
	session.disconnectedAt = m.now()
	session.listener = nil
	session.mu.Unlock()
}

// Close tears down a session and its exec process. Closing an unknown
// session is an error so callers can distinguish a double close.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	alreadyClosed := session.closed
	session.closed = true
	session.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	session.stdin.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.process.Close(ctx); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Exec teardown failed")
	}
	m.logger.Info().Str("session_id", sessionID).Msg("Terminal session closed")
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts idle sessions and sessions whose client never came back
// within the resume grace window.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	var evict []string
	for id, session := range m.sessions {
		session.mu.Lock()
		idle := now.Sub(session.lastActivity) > m.cfg.IdleTimeout
		abandoned := !session.disconnectedAt.IsZero() && now.Sub(session.disconnectedAt) > m.cfg.ResumeGrace
		session.mu.Unlock()
		if idle || abandoned {
			evict = append(evict, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evict {
		m.logger.Info().Str("session_id", id).Msg("Evicting terminal session")
		_ = m.Close(id)
	}
}

// Run sweeps on an interval until the context ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
