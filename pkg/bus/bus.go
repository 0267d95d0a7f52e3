// Package bus fans events out to live subscribers after they have been
// durably appended to the outbox. A single publish pipeline assigns
// delivery ids in append order, so concurrent publishers can never
// observe reordered or duplicated ids.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/outbox"
	"github.com/gantrylabs/gantry/pkg/types"
)

const receiverDepth = 128

// StatusChange notifies subscribers that a runtime's health moved.
type StatusChange struct {
	RuntimeID string                    `json:"runtime_id"`
	From      types.RuntimeHealthStatus `json:"from"`
	To        types.RuntimeHealthStatus `json:"to"`
	At        time.Time                 `json:"at"`
}

// Receiver is one subscriber connection. The filter is mutated only by
// the owning connection and read by the broadcast path.
type Receiver struct {
	Events chan types.JobEvent
	Status chan StatusChange

	mu     sync.RWMutex
	all    bool
	runIDs map[string]struct{}
}

// SetFilter replaces the receiver's subscription. An empty run id list
// with all=false receives nothing.
func (r *Receiver) SetFilter(all bool, runIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = all
	r.runIDs = make(map[string]struct{}, len(runIDs))
	for _, id := range runIDs {
		r.runIDs[id] = struct{}{}
	}
}

// ClearFilter unsubscribes the receiver from everything.
func (r *Receiver) ClearFilter() {
	r.SetFilter(false, nil)
}

func (r *Receiver) accepts(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.all {
		return true
	}
	_, ok := r.runIDs[runID]
	return ok
}

type publishReq struct {
	event types.JobEvent
	reply chan publishResp
}

type publishResp struct {
	event types.JobEvent
	err   error
}

// Bus is the node's event pipeline: durable append, then live fan-out.
type Bus struct {
	outbox *outbox.Outbox
	logger zerolog.Logger

	mu        sync.RWMutex
	receivers map[*Receiver]struct{}

	publishCh chan publishReq
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a bus backed by the given outbox.
func New(ob *outbox.Outbox) *Bus {
	return &Bus{
		outbox:    ob,
		logger:    log.WithComponent("bus"),
		receivers: make(map[*Receiver]struct{}),
		publishCh: make(chan publishReq),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the single-writer publish pipeline.
func (b *Bus) Start() {
	go b.run()
}

// Stop shuts the pipeline down. In-flight publishes fail.
func (b *Bus) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case req := <-b.publishCh:
			stamped, err := b.outbox.Append(req.event)
			if err == nil {
				metrics.EventsPublished.Inc()
				if trimmed, trimErr := b.outbox.Trim(); trimErr != nil {
					b.logger.Warn().Err(trimErr).Msg("outbox trim failed")
				} else if trimmed > 0 {
					metrics.OutboxTrimmed.Add(float64(trimmed))
				}
				b.broadcast(stamped)
			}
			req.reply <- publishResp{event: stamped, err: err}
		case <-b.stopCh:
			return
		}
	}
}

// Publish appends the event to the outbox, broadcasts the stamped copy
// to matching live receivers and returns it.
func (b *Bus) Publish(event types.JobEvent) (types.JobEvent, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	req := publishReq{event: event, reply: make(chan publishResp, 1)}
	select {
	case b.publishCh <- req:
	case <-b.stopCh:
		return types.JobEvent{}, fmt.Errorf("bus is stopped")
	}

	resp := <-req.reply
	return resp.event, resp.err
}

// PublishStatus broadcasts a runtime health transition to every live
// receiver. Status changes are not outboxed; reconnecting subscribers
// fetch current health from the pool snapshot instead.
func (b *Bus) PublishStatus(change StatusChange) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for r := range b.receivers {
		select {
		case r.Status <- change:
		default:
			b.logger.Debug().Str("runtime_id", change.RuntimeID).Msg("receiver status buffer full, dropping")
		}
	}
}

func (b *Bus) broadcast(event types.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for r := range b.receivers {
		if !r.accepts(event.RunID) {
			continue
		}
		// A slow receiver must not stall delivery to the others; it can
		// catch up through the backlog using its last delivery id.
		select {
		case r.Events <- event:
		default:
			b.logger.Debug().
				Uint64("delivery_id", event.DeliveryID).
				Str("run_id", event.RunID).
				Msg("receiver event buffer full, dropping")
		}
	}
}

// ReadBacklog reads persisted events after the given delivery id. This
// is the reattachment path for subscribers that disconnected and need
// to catch up before resuming a live feed.
func (b *Bus) ReadBacklog(after uint64, max int) ([]types.JobEvent, uint64, bool, error) {
	return b.outbox.ReadAfter(after, max)
}

// Subscribe registers a new receiver. It starts with an empty filter
// and receives nothing until SetFilter is called.
func (b *Bus) Subscribe() *Receiver {
	r := &Receiver{
		Events: make(chan types.JobEvent, receiverDepth),
		Status: make(chan StatusChange, receiverDepth),
		runIDs: make(map[string]struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers[r] = struct{}{}
	return r
}

// Unsubscribe removes the receiver and closes its channels.
func (b *Bus) Unsubscribe(r *Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.receivers[r]; !ok {
		return
	}
	delete(b.receivers, r)
	close(r.Events)
	close(r.Status)
}

// ReceiverCount returns the number of live receivers.
func (b *Bus) ReceiverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.receivers)
}
