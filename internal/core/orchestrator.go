// Package core wires the queue, the workflow state machine and the
// external work sources into a long-running orchestrator.
package core

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

// Item is one open work item from an external tracker.
type Item struct {
	ID       string
	Text     string
	Labels   []string
	Priority int
}

// IssueSource lists open items to turn into manual tasks and receives
// status updates when they reach a terminal state.
type IssueSource interface {
	ListOpenItems(ctx context.Context) ([]Item, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// Runner executes one task to a terminal outcome. Satisfied by
// *engine.Machine.
type Runner interface {
	Run(ctx context.Context, task *queue.Task) (queue.Outcome, error)
}

// OutcomeReporter receives terminal outcomes for generated tasks.
// Satisfied by *evolve.Scheduler.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, taskID string, outcome queue.Outcome)
}

// Config tunes the orchestrator.
type Config struct {
	// Workers bounds concurrent task execution.
	Workers int
	// IssuePollInterval is how often the issue source is polled; zero
	// disables polling.
	IssuePollInterval time.Duration
}

// Orchestrator owns the worker pool and the ingestion loops. issues
// and reporter may be nil when the respective source is not wired.
type Orchestrator struct {
	q        *queue.Queue
	runner   Runner
	issues   IssueSource
	reporter OutcomeReporter
	log      *logging.Logger
	cfg      Config
}

// New creates an orchestrator.
func New(q *queue.Queue, runner Runner, issues IssueSource, reporter OutcomeReporter, log *logging.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		q:        q,
		runner:   runner,
		issues:   issues,
		reporter: reporter,
		log:      log.Named("core"),
		cfg:      cfg,
	}
}

// Run starts the worker pool and the issue poller, then blocks until
// the context is canceled and every worker has drained. Tasks in their
// promotion step finish before workers exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Workers <= 0 {
		return fmt.Errorf("orchestrator needs at least one worker, got %d", o.cfg.Workers)
	}

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.workerLoop(ctx, id)
		}(i)
	}

	if o.issues != nil && o.cfg.IssuePollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.pollIssues(ctx)
		}()
	}

	<-ctx.Done()
	o.q.Close()
	wg.Wait()
	o.log.Info(context.Background(), "orchestrator drained")
	return nil
}

// workerLoop dequeues and runs tasks until the queue closes. A task's
// failure is terminal for the task, never for the worker.
func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	log := o.log.With(zap.Int("worker", id))
	for {
		task, err := o.q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn(ctx, "dequeue failed", zap.Error(err))
			continue
		}
		o.runTask(ctx, log, task)
	}
}

func (o *Orchestrator) runTask(ctx context.Context, log *logging.Logger, task *queue.Task) {
	tctx := logging.WithTaskID(ctx, task.ID)
	log.Info(tctx, "task started",
		zap.String("provenance", string(task.Provenance)),
		zap.Int("priority", task.Priority))

	outcome, err := o.runner.Run(ctx, task)
	if err != nil {
		log.Error(tctx, "task failed", zap.Error(err))
	}

	if mErr := o.q.MarkTerminal(task.ID, outcome); mErr != nil {
		log.Warn(tctx, "archive failed", zap.Error(mErr))
	}
	metrics.TasksTotal.WithLabelValues(string(task.Provenance), string(outcome)).Inc()

	switch task.Provenance {
	case queue.Generated:
		if o.reporter != nil {
			o.reporter.ReportOutcome(tctx, task.ID, outcome)
		}
	case queue.Manual:
		if o.issues != nil {
			if uErr := o.issues.UpdateStatus(tctx, task.SourceID, string(outcome)); uErr != nil {
				log.Warn(tctx, "status update failed",
					zap.String("item_id", task.SourceID),
					zap.Error(uErr))
			}
		}
	}

	log.Info(tctx, "task finished",
		zap.String("outcome", string(outcome)),
		zap.Int("attempts", len(task.Attempts)))
}

// pollIssues turns open tracker items into manual tasks. Items already
// tracked (same item, same text) dedup to the existing task.
func (o *Orchestrator) pollIssues(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.IssuePollInterval)
	defer ticker.Stop()

	for {
		o.ingestIssues(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) ingestIssues(ctx context.Context) {
	items, err := o.issues.ListOpenItems(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Warn(ctx, "issue poll failed", zap.Error(err))
		}
		return
	}

	accepted := 0
	for _, item := range items {
		task := queue.NewTask(queue.Manual, item.ID, item.Text, item.Priority)
		if err := o.q.Enqueue(task); err != nil {
			if errors.Is(err, queue.ErrDuplicateTask) || errors.Is(err, queue.ErrClosed) {
				continue
			}
			o.log.Warn(ctx, "enqueue item failed",
				zap.String("item_id", item.ID),
				zap.Error(err))
			continue
		}
		accepted++
	}
	if accepted > 0 {
		o.log.Info(ctx, "items ingested", zap.Int("accepted", accepted))
	}
}
