// Package evolve runs the timer-driven improvement loop: it polls
// observed signals, turns them into generated tasks and tracks each
// cycle until all of its tasks reach a terminal state.
package evolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
	"github.com/fyrsmithlabs/forgeloop/internal/queue"
)

// Signal is one observation worth turning into work: a log anomaly, a
// failing probe, a stale dependency. Content is free-form text; equal
// content from the same source dedups to the same task.
type Signal struct {
	Source  string
	Kind    string
	Content string
}

// SignalSource supplies signals for each cycle. Implementations must
// tolerate being polled more often than they produce.
type SignalSource interface {
	PollSignals(ctx context.Context) ([]Signal, error)
}

// RestartTrigger is notified after a cycle in which at least one task
// was promoted. Fire-and-forget: the scheduler never waits on it.
type RestartTrigger interface {
	RequestRestart(ctx context.Context, reason string)
}

// CycleRecord tracks one improvement cycle from open to close.
type CycleRecord struct {
	Cycle    int
	TaskIDs  []string
	Outcomes map[string]queue.Outcome
	OpenedAt time.Time
	ClosedAt time.Time
}

func (r *CycleRecord) closed() bool {
	return len(r.Outcomes) == len(r.TaskIDs)
}

func (r *CycleRecord) promotions() int {
	n := 0
	for _, o := range r.Outcomes {
		if o == queue.OutcomeDone {
			n++
		}
	}
	return n
}

// Config tunes the scheduler.
type Config struct {
	// Interval between cycle ticks.
	Interval time.Duration
	// MaxCycles stops the ticker after this many cycles; zero or
	// negative means unbounded.
	MaxCycles int
	// HistoryLimit caps retained cycle records.
	HistoryLimit int
	// TaskPriority is assigned to every generated task.
	TaskPriority int
}

// Scheduler drives the evolution loop. One goroutine runs the ticker;
// ReportOutcome is called by the orchestrator workers.
type Scheduler struct {
	source  SignalSource
	q       *queue.Queue
	restart RestartTrigger
	log     *logging.Logger
	cfg     Config

	mu      sync.Mutex
	cycle   int
	open    []*CycleRecord // cycles with outstanding tasks
	history []*CycleRecord // closed cycles, newest last, capped
	taskIdx map[string]*CycleRecord
}

// New creates a scheduler. restart may be nil when no restart hook is
// wired.
func New(source SignalSource, q *queue.Queue, restart RestartTrigger, log *logging.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		source:  source,
		q:       q,
		restart: restart,
		log:     log.Named("evolve"),
		cfg:     cfg,
		taskIdx: make(map[string]*CycleRecord),
	}
}

// Run ticks until the context is canceled or MaxCycles is reached. The
// first cycle fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			s.log.Warn(ctx, "cycle failed", zap.Error(err))
		}

		if s.cfg.MaxCycles > 0 && s.cycleCount() >= s.cfg.MaxCycles {
			s.log.Info(ctx, "cycle budget reached", zap.Int("max_cycles", s.cfg.MaxCycles))
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one cycle: poll signals, enqueue generated tasks, open a
// record. Duplicate signals are dropped silently; a cycle that spawns
// no tasks closes immediately.
func (s *Scheduler) Tick(ctx context.Context) error {
	signals, err := s.source.PollSignals(ctx)
	if err != nil {
		return fmt.Errorf("poll signals: %w", err)
	}

	// The mutex is held across the whole spawn loop: a worker can
	// dequeue a task the moment Enqueue returns, and its ReportOutcome
	// must block until the task is registered in taskIdx and the cycle
	// record is fully populated.
	s.mu.Lock()
	s.cycle++
	rec := &CycleRecord{
		Cycle:    s.cycle,
		Outcomes: make(map[string]queue.Outcome),
		OpenedAt: time.Now(),
	}

	ctx = logging.WithCycle(ctx, rec.Cycle)
	spawned := 0
	for _, sig := range signals {
		task := queue.NewTask(queue.Generated, sig.Source, sig.Content, s.cfg.TaskPriority)
		if err := s.q.Enqueue(task); err != nil {
			if errors.Is(err, queue.ErrDuplicateTask) {
				s.log.Debug(ctx, "signal already tracked",
					zap.String("source", sig.Source),
					zap.String("kind", sig.Kind))
				continue
			}
			s.mu.Unlock()
			return fmt.Errorf("enqueue signal task: %w", err)
		}
		spawned++
		rec.TaskIDs = append(rec.TaskIDs, task.ID)
		s.taskIdx[task.ID] = rec
	}

	if rec.closed() {
		rec.ClosedAt = time.Now()
		s.archiveLocked(rec)
	} else {
		s.open = append(s.open, rec)
	}
	s.mu.Unlock()

	s.log.Info(ctx, "cycle opened",
		zap.Int("signals", len(signals)),
		zap.Int("tasks", spawned))
	return nil
}

// ReportOutcome records a terminal outcome for a generated task. When
// the last task of a cycle lands, the cycle closes; a cycle with at
// least one promotion fires the restart trigger.
func (s *Scheduler) ReportOutcome(ctx context.Context, taskID string, outcome queue.Outcome) {
	s.mu.Lock()
	rec, ok := s.taskIdx[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.taskIdx, taskID)
	rec.Outcomes[taskID] = outcome
	if !rec.closed() {
		s.mu.Unlock()
		return
	}
	rec.ClosedAt = time.Now()
	for i, open := range s.open {
		if open == rec {
			s.open = append(s.open[:i], s.open[i+1:]...)
			break
		}
	}
	s.archiveLocked(rec)
	promoted := rec.promotions()
	s.mu.Unlock()

	ctx = logging.WithCycle(ctx, rec.Cycle)
	s.log.Info(ctx, "cycle closed",
		zap.Int("tasks", len(rec.TaskIDs)),
		zap.Int("promoted", promoted))

	if promoted > 0 && s.restart != nil {
		s.restart.RequestRestart(ctx, fmt.Sprintf("cycle %d promoted %d change(s)", rec.Cycle, promoted))
	}
}

// History returns closed cycles, newest last.
func (s *Scheduler) History() []*CycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CycleRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Scheduler) cycleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

func (s *Scheduler) archiveLocked(rec *CycleRecord) {
	metrics.CyclesTotal.Inc()
	s.history = append(s.history, rec)
	if s.cfg.HistoryLimit > 0 && len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
}
