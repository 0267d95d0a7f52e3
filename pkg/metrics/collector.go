package metrics

import (
	"time"

	"github.com/gantrylabs/gantry/pkg/types"
)

// The collector polls node components through narrow read-only views so
// it never imports them directly.

// QueueStats is the slot accounting view of the job queue.
type QueueStats interface {
	ActiveCount() int
	MaxSlots() int
}

// OutboxStats exposes the persisted entry count.
type OutboxStats interface {
	Count() (int, error)
}

// BusStats exposes the live subscriber count.
type BusStats interface {
	ReceiverCount() int
}

// PoolStats exposes the supervisor's aggregate snapshot.
type PoolStats interface {
	Pool() types.PoolHealthSnapshot
}

// SessionStats exposes the live terminal session count.
type SessionStats interface {
	Count() int
}

// Collector periodically refreshes the gauge metrics from the node's
// components. Counter metrics are incremented at their call sites.
type Collector struct {
	queue    QueueStats
	outbox   OutboxStats
	bus      BusStats
	pool     PoolStats
	sessions SessionStats
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. Any source may be nil and is then
// skipped.
func NewCollector(q QueueStats, o OutboxStats, b BusStats, p PoolStats, s SessionStats) *Collector {
	return &Collector{
		queue:    q,
		outbox:   o,
		bus:      b,
		pool:     p,
		sessions: s,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting on the collector's interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.queue != nil {
		JobsActive.Set(float64(c.queue.ActiveCount()))
		JobSlots.Set(float64(c.queue.MaxSlots()))
	}
	if c.outbox != nil {
		if count, err := c.outbox.Count(); err == nil {
			OutboxEntries.Set(float64(count))
		}
	}
	if c.bus != nil {
		BusReceivers.Set(float64(c.bus.ReceiverCount()))
	}
	if c.pool != nil {
		pool := c.pool.Pool()
		for _, state := range []types.RuntimeHealthStatus{
			types.HealthHealthy, types.HealthDegraded, types.HealthUnhealthy,
			types.HealthRecovering, types.HealthOffline, types.HealthQuarantined,
		} {
			RuntimeHealth.WithLabelValues(string(state)).Set(float64(pool.Counts[state]))
		}
	}
	if c.sessions != nil {
		TerminalSessions.Set(float64(c.sessions.Count()))
	}
}
