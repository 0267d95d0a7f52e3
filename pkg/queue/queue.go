// Package queue implements the node's bounded job admission queue. One
// slot is held per concurrently executing run; slot accounting happens
// at dequeue time, not enqueue.
package queue

import (
	"fmt"
	"sync"

	"github.com/gantrylabs/gantry/pkg/types"
)

const channelDepth = 64

// Queue is the per-node job queue. The slot counter is one of the two
// pieces of sanctioned shared mutable state; the mutex is held only for
// check-and-update, never across I/O.
type Queue struct {
	maxSlots int

	mu     sync.Mutex
	jobs   map[string]*types.QueuedJob // queued or executing, keyed by run id
	active map[string]struct{}         // dequeued but not yet completed

	ch chan *types.QueuedJob
}

// New creates a queue with the given slot cap.
func New(maxSlots int) *Queue {
	return &Queue{
		maxSlots: maxSlots,
		jobs:     make(map[string]*types.QueuedJob),
		active:   make(map[string]struct{}),
		ch:       make(chan *types.QueuedJob, channelDepth),
	}
}

// MaxSlots returns the configured slot cap.
func (q *Queue) MaxSlots() int {
	return q.maxSlots
}

// ActiveCount returns the number of dequeued-but-not-completed jobs.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// CanAcceptJob reports whether a slot is free.
func (q *Queue) CanAcceptJob() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) < q.maxSlots
}

// IsKnown reports whether a run id is currently queued or executing.
func (q *Queue) IsKnown(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[runID]
	return ok
}

// Enqueue registers the job and hands it to the processor channel. The
// only blocking is on the channel itself; slots are not consulted here.
func (q *Queue) Enqueue(job *types.QueuedJob) error {
	runID := job.Request.RunID

	q.mu.Lock()
	if _, dup := q.jobs[runID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("run %s is already queued", runID)
	}
	q.jobs[runID] = job
	q.mu.Unlock()

	select {
	case q.ch <- job:
		return nil
	case <-job.Ctx.Done():
		q.mu.Lock()
		delete(q.jobs, runID)
		q.mu.Unlock()
		return fmt.Errorf("run %s cancelled before dispatch", runID)
	}
}

// Jobs returns the processor's receive channel. The processor must call
// Acquire before starting an execution flow for a received job.
func (q *Queue) Jobs() <-chan *types.QueuedJob {
	return q.ch
}

// Acquire claims a slot for a dequeued job. The processor gates dequeues
// on CanAcceptJob, so this never pushes active past MaxSlots; the error
// is a programming-contract violation, not a runtime condition.
func (q *Queue) Acquire(runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) >= q.maxSlots {
		return fmt.Errorf("no free slot for run %s (active %d of %d)", runID, len(q.active), q.maxSlots)
	}
	if _, known := q.jobs[runID]; !known {
		return fmt.Errorf("run %s is not queued", runID)
	}
	q.active[runID] = struct{}{}
	return nil
}

// KnownRunIDs returns the run ids currently queued or executing. The
// reconciler treats this as the active set; containers for any other
// run id are orphans.
func (q *Queue) KnownRunIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Cancel signals the matching job's cancellation context. Returns false
// when no queued or executing job matches.
func (q *Queue) Cancel(runID string) bool {
	q.mu.Lock()
	job, ok := q.jobs[runID]
	q.mu.Unlock()

	if !ok {
		return false
	}
	job.Cancel()
	return true
}

// MarkCompleted releases the run's slot. Completing an unknown run is a
// no-op; the active count never goes negative.
func (q *Queue) MarkCompleted(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, runID)
	delete(q.jobs, runID)
}
