// Package queue holds pending tasks with provenance-aware priority
// ordering and a dedup index that prevents reprocessing.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
)

// Errors for queue operations.
var (
	// ErrDuplicateTask is a normal control-flow outcome, not a fault:
	// an active task with the same dedup key exists, or one completed
	// within the retention window.
	ErrDuplicateTask = errors.New("duplicate task")

	ErrClosed       = errors.New("queue closed")
	ErrTaskNotFound = errors.New("task not found")
)

// archived retains a terminal task's dedup key for the retention window.
type archived struct {
	taskID  string
	outcome Outcome
	at      time.Time
}

// Queue is the task queue and dedup store. Enqueue, Dequeue and
// MarkTerminal are atomic; the critical section holds index lookups
// only.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending   taskHeap
	active    map[string]string // dedup key -> task ID, non-terminal tasks
	byID      map[string]*Task  // non-terminal tasks
	archive   map[string]archived
	retention time.Duration
	seq       uint64
	closed    bool
}

// New creates a queue. retention bounds how long terminal tasks keep
// their dedup key reserved.
func New(retention time.Duration) *Queue {
	q := &Queue{
		active:    make(map[string]string),
		byID:      make(map[string]*Task),
		archive:   make(map[string]archived),
		retention: retention,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue accepts the task or rejects it as a duplicate. A task is a
// duplicate when a non-terminal task holds the same dedup key, or when
// a task with that key completed successfully within the retention
// window. Abandoned and failed keys free up immediately so a later
// attempt can re-propose the work.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.purgeExpiredLocked()

	if id, ok := q.active[t.DedupKey]; ok {
		metrics.TasksRejected.Inc()
		return fmt.Errorf("%w: active task %s", ErrDuplicateTask, id)
	}
	if arch, ok := q.archive[t.DedupKey]; ok && arch.outcome == OutcomeDone {
		metrics.TasksRejected.Inc()
		return fmt.Errorf("%w: completed as task %s", ErrDuplicateTask, arch.taskID)
	}

	q.seq++
	t.seq = q.seq
	t.EnqueuedAt = time.Now()
	q.active[t.DedupKey] = t.ID
	q.byID[t.ID] = t
	heap.Push(&q.pending, t)
	metrics.QueueDepth.Inc()
	q.cond.Signal()
	return nil
}

// Dequeue blocks until a task is available, the context is canceled, or
// the queue is closed. The returned task is owned exclusively by the
// caller; it stays in the dedup index until MarkTerminal.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 {
		if q.closed {
			return nil, ErrClosed
		}
		if err := q.waitLocked(ctx); err != nil {
			return nil, err
		}
	}

	t := heap.Pop(&q.pending).(*Task)
	metrics.QueueDepth.Dec()
	return t, nil
}

// waitLocked waits on the condition variable, waking on ctx
// cancellation.
func (q *Queue) waitLocked(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock orders the broadcast after the caller's
			// cond.Wait, so the wakeup is never lost.
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()
	q.cond.Wait()
	close(stop)
	return ctx.Err()
}

// MarkTerminal archives a dequeued task with its outcome, releasing the
// dedup key after the retention window (immediately for abandoned and
// failed outcomes).
func (q *Queue) MarkTerminal(id string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(q.byID, id)
	delete(q.active, t.DedupKey)
	q.archive[t.DedupKey] = archived{taskID: id, outcome: outcome, at: time.Now()}
	return nil
}

// Cancel flags a non-terminal task for cancellation.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Cancel()
	return nil
}

// Len returns the number of queued (not yet dequeued) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close wakes all blocked Dequeue callers with ErrClosed and rejects
// further enqueues. Tasks still pending are abandoned: their dedup keys
// free up immediately and the depth gauge drops to zero.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, t := range q.pending {
		delete(q.byID, t.ID)
		delete(q.active, t.DedupKey)
		q.archive[t.DedupKey] = archived{taskID: t.ID, outcome: OutcomeAbandoned, at: time.Now()}
		metrics.QueueDepth.Dec()
	}
	q.pending = nil
	q.cond.Broadcast()
}

// purgeExpiredLocked drops archive entries past the retention window.
func (q *Queue) purgeExpiredLocked() {
	cutoff := time.Now().Add(-q.retention)
	for key, arch := range q.archive {
		if arch.at.Before(cutoff) {
			delete(q.archive, key)
		}
	}
}

// taskHeap orders tasks: higher declared priority first, manual
// provenance strictly before generated at equal priority, FIFO ties.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Provenance != b.Provenance {
		return a.Provenance == Manual
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
