package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/types"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		ProbeFailureThreshold: 2,
		ProbeInterval:         15 * time.Second,
		StalenessWindow:       30 * time.Second,
		OfflineWindow:         2 * time.Minute,
		RemediationCooldown:   10 * time.Minute,
	}
}

// newTestSupervisor pins the clock so staleness windows are deterministic.
func newTestSupervisor(remediate RemediationFunc) (*Supervisor, *time.Time) {
	s := New(testConfig(), nil, remediate)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func status(t *testing.T, s *Supervisor, id string) types.RuntimeHealthStatus {
	t.Helper()
	snap, ok := s.Snapshot(id)
	if !ok {
		t.Fatalf("runtime %s not registered", id)
	}
	return snap.Status
}

func TestProbeFailureTransitions(t *testing.T) {
	var actions []types.RemediationAction
	s, _ := newTestSupervisor(func(ctx context.Context, id string, a types.RemediationAction) error {
		actions = append(actions, a)
		return nil
	})
	ctx := context.Background()

	s.Register("rt-1")
	if got := status(t, s, "rt-1"); got != types.HealthHealthy {
		t.Fatalf("initial status = %s, expected healthy", got)
	}

	// One failure is below the threshold.
	s.ReportProbe(ctx, "rt-1", errors.New("probe refused"))
	if got := status(t, s, "rt-1"); got != types.HealthHealthy {
		t.Errorf("after 1 failure = %s, expected healthy", got)
	}

	// Threshold reached: degraded.
	s.ReportProbe(ctx, "rt-1", errors.New("probe refused"))
	if got := status(t, s, "rt-1"); got != types.HealthDegraded {
		t.Errorf("after 2 failures = %s, expected degraded", got)
	}

	// The next failure past the threshold: unhealthy, remediated,
	// recovering. Three consecutive failures at threshold 2 walk the
	// full healthy, degraded, unhealthy, recovering path.
	s.ReportProbe(ctx, "rt-1", errors.New("probe refused"))
	if got := status(t, s, "rt-1"); got != types.HealthRecovering {
		t.Errorf("after 3 failures = %s, expected recovering", got)
	}
	if len(actions) != 1 || actions[0] != types.RemediationRestart {
		t.Errorf("actions = %v, expected a single restart", actions)
	}

	// Probe success completes the recovery.
	s.ReportProbe(ctx, "rt-1", nil)
	if got := status(t, s, "rt-1"); got != types.HealthHealthy {
		t.Errorf("after recovery = %s, expected healthy", got)
	}

	snap, _ := s.Snapshot("rt-1")
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("failures not reset, got %d", snap.ConsecutiveFailures)
	}
	if snap.LastRemediation == nil || !snap.LastRemediation.Success {
		t.Error("remediation record missing or not marked successful")
	}
}

func TestRepeatedRemediationFailureQuarantines(t *testing.T) {
	var actions []types.RemediationAction
	s, _ := newTestSupervisor(func(ctx context.Context, id string, a types.RemediationAction) error {
		actions = append(actions, a)
		return errors.New("remediation broke")
	})
	ctx := context.Background()

	s.Register("rt-1")
	fail := func() { s.ReportProbe(ctx, "rt-1", errors.New("probe refused")) }

	// Drive to unhealthy; first remediation (restart) fails.
	fail()
	fail()
	fail()
	if got := status(t, s, "rt-1"); got != types.HealthRecovering {
		t.Fatalf("after failed restart = %s, expected recovering", got)
	}

	// Relapse escalates to recreate, which also fails.
	fail()
	if got := status(t, s, "rt-1"); got != types.HealthRecovering {
		t.Fatalf("after failed recreate = %s, expected recovering", got)
	}

	// Second relapse within the cooldown gives up on the runtime.
	fail()
	if got := status(t, s, "rt-1"); got != types.HealthQuarantined {
		t.Fatalf("status = %s, expected quarantined", got)
	}

	if len(actions) != 2 || actions[0] != types.RemediationRestart || actions[1] != types.RemediationRecreate {
		t.Errorf("actions = %v, expected restart then recreate", actions)
	}
}

func TestQuarantineRelease(t *testing.T) {
	s, now := newTestSupervisor(func(ctx context.Context, id string, a types.RemediationAction) error {
		return errors.New("remediation broke")
	})
	ctx := context.Background()

	s.Register("rt-1")
	for i := 0; i < 6; i++ {
		s.ReportProbe(ctx, "rt-1", errors.New("probe refused"))
	}
	if got := status(t, s, "rt-1"); got != types.HealthQuarantined {
		t.Fatalf("status = %s, expected quarantined", got)
	}

	// Probe success inside the cooldown does not release.
	s.ReportProbe(ctx, "rt-1", nil)
	if got := status(t, s, "rt-1"); got != types.HealthQuarantined {
		t.Errorf("released inside cooldown, status = %s", got)
	}

	// Past the cooldown it does.
	*now = now.Add(11 * time.Minute)
	s.ReportProbe(ctx, "rt-1", nil)
	if got := status(t, s, "rt-1"); got != types.HealthRecovering {
		t.Errorf("status = %s, expected recovering after cooldown", got)
	}
}

func TestManualRelease(t *testing.T) {
	s, _ := newTestSupervisor(func(ctx context.Context, id string, a types.RemediationAction) error {
		return errors.New("remediation broke")
	})
	ctx := context.Background()

	s.Register("rt-1")
	for i := 0; i < 6; i++ {
		s.ReportProbe(ctx, "rt-1", errors.New("probe refused"))
	}

	if !s.Release("rt-1") {
		t.Fatal("expected release of a quarantined runtime to succeed")
	}
	if got := status(t, s, "rt-1"); got != types.HealthRecovering {
		t.Errorf("status = %s, expected recovering", got)
	}

	if s.Release("rt-1") {
		t.Error("releasing a non-quarantined runtime should report false")
	}
	if s.Release("rt-unknown") {
		t.Error("releasing an unknown runtime should report false")
	}
}

func TestHeartbeatAndSweep(t *testing.T) {
	s, now := newTestSupervisor(nil)

	s.Heartbeat("rt-1")
	if got := status(t, s, "rt-1"); got != types.HealthHealthy {
		t.Fatalf("implicit registration status = %s, expected healthy", got)
	}

	// Stale heartbeat degrades.
	*now = now.Add(45 * time.Second)
	s.Sweep()
	if got := status(t, s, "rt-1"); got != types.HealthDegraded {
		t.Errorf("stale runtime = %s, expected degraded", got)
	}

	// Beyond the offline window the runtime goes offline from any state.
	*now = now.Add(3 * time.Minute)
	s.Sweep()
	if got := status(t, s, "rt-1"); got != types.HealthOffline {
		t.Errorf("status = %s, expected offline", got)
	}

	// A fresh heartbeat brings it back as recovering, not healthy.
	s.Heartbeat("rt-1")
	if got := status(t, s, "rt-1"); got != types.HealthRecovering {
		t.Errorf("status = %s, expected recovering after heartbeat", got)
	}

	// Snapshots survive going offline.
	if _, ok := s.Snapshot("rt-1"); !ok {
		t.Error("snapshot must never be deleted")
	}
}

func TestPoolSnapshot(t *testing.T) {
	s, now := newTestSupervisor(nil)

	pool := s.Pool()
	if pool.ReadinessBlocked {
		t.Error("empty pool must not block readiness")
	}

	s.Heartbeat("rt-1")
	s.Heartbeat("rt-2")
	pool = s.Pool()
	if pool.Counts[types.HealthHealthy] != 2 {
		t.Errorf("healthy count = %d, expected 2", pool.Counts[types.HealthHealthy])
	}
	if pool.ReadinessBlocked {
		t.Error("pool with healthy runtimes must not block readiness")
	}

	// All runtimes offline blocks readiness.
	*now = now.Add(5 * time.Minute)
	s.Sweep()
	pool = s.Pool()
	if pool.Counts[types.HealthOffline] != 2 {
		t.Errorf("offline count = %d, expected 2", pool.Counts[types.HealthOffline])
	}
	if !pool.ReadinessBlocked {
		t.Error("pool without usable runtimes must block readiness")
	}
}
