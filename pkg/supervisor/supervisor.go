// Package supervisor tracks per-runtime health through a state machine
// driven by heartbeats and probe outcomes. Unhealthy runtimes are
// remediated (restart, then recreate); repeated remediation failure
// within the cooldown quarantines the runtime. The pool snapshot feeds
// the readiness check and dispatch admission.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/bus"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/types"
)

// RemediationFunc performs a remediation action against a runtime. The
// supervisor stays engine-agnostic; callers wire in whatever restart or
// recreate means for their runtimes.
type RemediationFunc func(ctx context.Context, runtimeID string, action types.RemediationAction) error

// Supervisor owns the per-runtime health snapshots. A single mutex
// guards the map; it is never held across remediation I/O.
type Supervisor struct {
	mu       sync.Mutex
	runtimes map[string]*types.RuntimeHealthSnapshot

	cfg       config.HealthConfig
	remediate RemediationFunc
	bus       *bus.Bus
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a supervisor. bus may be nil; status changes are then not
// broadcast. remediate may be nil; unhealthy runtimes then move straight
// to recovering without an action.
func New(cfg config.HealthConfig, b *bus.Bus, remediate RemediationFunc) *Supervisor {
	return &Supervisor{
		runtimes:  make(map[string]*types.RuntimeHealthSnapshot),
		cfg:       cfg,
		remediate: remediate,
		bus:       b,
		logger:    log.WithComponent("supervisor"),
		now:       time.Now,
	}
}

// Register creates the snapshot for a runtime. Registering an already
// known runtime is a no-op.
func (s *Supervisor) Register(runtimeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(runtimeID)
}

func (s *Supervisor) registerLocked(runtimeID string) *types.RuntimeHealthSnapshot {
	if snap, ok := s.runtimes[runtimeID]; ok {
		return snap
	}
	now := s.now()
	snap := &types.RuntimeHealthSnapshot{
		RuntimeID:      runtimeID,
		Status:         types.HealthHealthy,
		LastHeartbeat:  now,
		RegisteredAt:   now,
		LastTransition: now,
	}
	s.runtimes[runtimeID] = snap
	s.logger.Info().Str("runtime_id", runtimeID).Msg("Runtime registered")
	return snap
}

// Heartbeat records a heartbeat. An offline runtime that heartbeats
// again enters recovering; unknown runtimes are registered implicitly.
func (s *Supervisor) Heartbeat(runtimeID string) {
	s.mu.Lock()
	snap := s.registerLocked(runtimeID)
	snap.LastHeartbeat = s.now()
	var change *bus.StatusChange
	if snap.Status == types.HealthOffline {
		change = s.transitionLocked(snap, types.HealthRecovering)
	}
	s.mu.Unlock()

	s.publish(change)
}

// ReportProbe records a probe outcome and applies the resulting
// transition. A failing probe on an unhealthy runtime triggers
// remediation outside the lock.
func (s *Supervisor) ReportProbe(ctx context.Context, runtimeID string, probeErr error) {
	if probeErr == nil {
		s.probeSuccess(runtimeID)
		return
	}
	s.probeFailure(ctx, runtimeID, probeErr)
}

func (s *Supervisor) probeSuccess(runtimeID string) {
	s.mu.Lock()
	snap := s.registerLocked(runtimeID)
	snap.ConsecutiveFailures = 0

	var change *bus.StatusChange
	switch snap.Status {
	case types.HealthDegraded, types.HealthUnhealthy, types.HealthRecovering:
		change = s.transitionLocked(snap, types.HealthHealthy)
	case types.HealthQuarantined:
		// Time-based release once the cooldown has passed.
		if snap.LastRemediation != nil && s.now().Sub(snap.LastRemediation.At) > s.cfg.RemediationCooldown {
			change = s.transitionLocked(snap, types.HealthRecovering)
		}
	}
	s.mu.Unlock()

	s.publish(change)
}

func (s *Supervisor) probeFailure(ctx context.Context, runtimeID string, probeErr error) {
	s.mu.Lock()
	snap := s.registerLocked(runtimeID)
	snap.ConsecutiveFailures++
	failures := snap.ConsecutiveFailures

	var change *bus.StatusChange
	remediationDue := false
	switch snap.Status {
	case types.HealthHealthy:
		if failures >= s.cfg.ProbeFailureThreshold {
			change = s.transitionLocked(snap, types.HealthDegraded)
		}
	case types.HealthDegraded:
		if failures > s.cfg.ProbeFailureThreshold {
			change = s.transitionLocked(snap, types.HealthUnhealthy)
			remediationDue = true
		}
	case types.HealthRecovering:
		change = s.transitionLocked(snap, types.HealthUnhealthy)
		remediationDue = true
	}
	action, quarantine := s.planRemediationLocked(snap, remediationDue)
	s.mu.Unlock()

	s.publish(change)
	s.logger.Warn().
		Str("runtime_id", runtimeID).
		Int("consecutive_failures", failures).
		Err(probeErr).
		Msg("Probe failed")

	if quarantine {
		s.quarantine(runtimeID)
		return
	}
	if remediationDue {
		s.runRemediation(ctx, runtimeID, action)
	}
}

// planRemediationLocked decides the next remediation step. A second
// failed remediation inside the cooldown window means quarantine.
func (s *Supervisor) planRemediationLocked(snap *types.RuntimeHealthSnapshot, due bool) (types.RemediationAction, bool) {
	if !due {
		return "", false
	}
	last := snap.LastRemediation
	if last == nil {
		return types.RemediationRestart, false
	}
	if !last.Success && s.now().Sub(last.At) < s.cfg.RemediationCooldown {
		if last.Action == types.RemediationRestart {
			// Escalate once before giving up on the runtime.
			return types.RemediationRecreate, false
		}
		return "", true
	}
	return types.RemediationRestart, false
}

func (s *Supervisor) runRemediation(ctx context.Context, runtimeID string, action types.RemediationAction) {
	var err error
	if s.remediate != nil {
		err = s.remediate(ctx, runtimeID, action)
	}

	s.mu.Lock()
	snap, ok := s.runtimes[runtimeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	record := &types.RemediationRecord{
		Action:  action,
		Success: err == nil,
		At:      s.now(),
	}
	if err != nil {
		record.Error = err.Error()
	}
	snap.LastRemediation = record
	change := s.transitionLocked(snap, types.HealthRecovering)
	s.mu.Unlock()

	s.publish(change)
	if err != nil {
		s.logger.Error().Err(err).
			Str("runtime_id", runtimeID).
			Str("action", string(action)).
			Msg("Remediation failed")
	} else {
		s.logger.Info().
			Str("runtime_id", runtimeID).
			Str("action", string(action)).
			Msg("Remediation applied")
	}
}

func (s *Supervisor) quarantine(runtimeID string) {
	s.mu.Lock()
	snap, ok := s.runtimes[runtimeID]
	var change *bus.StatusChange
	if ok {
		change = s.transitionLocked(snap, types.HealthQuarantined)
	}
	s.mu.Unlock()

	s.publish(change)
	s.logger.Error().Str("runtime_id", runtimeID).Msg("Runtime quarantined")
}

// Release manually lifts a quarantine, moving the runtime to recovering.
func (s *Supervisor) Release(runtimeID string) bool {
	s.mu.Lock()
	snap, ok := s.runtimes[runtimeID]
	var change *bus.StatusChange
	if ok && snap.Status == types.HealthQuarantined {
		snap.ConsecutiveFailures = 0
		change = s.transitionLocked(snap, types.HealthRecovering)
	} else {
		ok = false
	}
	s.mu.Unlock()

	s.publish(change)
	return ok
}

// Sweep forces runtimes without a heartbeat beyond the offline window to
// offline, from any state. Intended to run on the probe interval.
func (s *Supervisor) Sweep() {
	now := s.now()

	s.mu.Lock()
	var changes []*bus.StatusChange
	for _, snap := range s.runtimes {
		if snap.Status == types.HealthOffline {
			continue
		}
		if now.Sub(snap.LastHeartbeat) > s.cfg.OfflineWindow {
			changes = append(changes, s.transitionLocked(snap, types.HealthOffline))
			continue
		}
		if snap.Status == types.HealthHealthy && now.Sub(snap.LastHeartbeat) > s.cfg.StalenessWindow {
			changes = append(changes, s.transitionLocked(snap, types.HealthDegraded))
		}
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.publish(change)
	}
}

// Snapshot returns a copy of one runtime's health record.
func (s *Supervisor) Snapshot(runtimeID string) (types.RuntimeHealthSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.runtimes[runtimeID]
	if !ok {
		return types.RuntimeHealthSnapshot{}, false
	}
	return *snap, true
}

// Pool aggregates runtime counts per state. ReadinessBlocked is true
// when no healthy or degraded capacity remains.
func (s *Supervisor) Pool() types.PoolHealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[types.RuntimeHealthStatus]int)
	for _, snap := range s.runtimes {
		counts[snap.Status]++
	}
	usable := counts[types.HealthHealthy] + counts[types.HealthDegraded]
	return types.PoolHealthSnapshot{
		Counts:           counts,
		ReadinessBlocked: len(s.runtimes) > 0 && usable == 0,
		TakenAt:          s.now(),
	}
}

// transitionLocked mutates the snapshot status and returns the change to
// broadcast after the lock is released.
func (s *Supervisor) transitionLocked(snap *types.RuntimeHealthSnapshot, to types.RuntimeHealthStatus) *bus.StatusChange {
	from := snap.Status
	if from == to {
		return nil
	}
	snap.Status = to
	snap.LastTransition = s.now()
	if to == types.HealthHealthy || to == types.HealthRecovering {
		snap.ConsecutiveFailures = 0
	}
	return &bus.StatusChange{
		RuntimeID: snap.RuntimeID,
		From:      from,
		To:        to,
		At:        snap.LastTransition,
	}
}

func (s *Supervisor) publish(change *bus.StatusChange) {
	if change == nil {
		return
	}
	s.logger.Info().
		Str("runtime_id", change.RuntimeID).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Msg("Runtime health transition")
	if s.bus != nil {
		s.bus.PublishStatus(*change)
	}
}
