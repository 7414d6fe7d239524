package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeloop/internal/gates"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
	"github.com/fyrsmithlabs/forgeloop/internal/queue"
	"github.com/fyrsmithlabs/forgeloop/internal/router"
)

// Machine executes the phased workflow for one task at a time. A single
// Machine is shared by all workers; per-task state lives on the task.
type Machine struct {
	dispatcher Dispatcher
	gate       *gates.Evaluator
	sandbox    Sandbox
	target     PromotionTarget
	log        *logging.Logger
	cfg        Config

	mu       sync.Mutex
	promoted map[string]bool // candidate IDs already applied
}

// New creates a workflow state machine.
func New(dispatcher Dispatcher, gate *gates.Evaluator, sandbox Sandbox, target PromotionTarget, log *logging.Logger, cfg Config) *Machine {
	return &Machine{
		dispatcher: dispatcher,
		gate:       gate,
		sandbox:    sandbox,
		target:     target,
		log:        log.Named("engine"),
		cfg:        cfg,
		promoted:   make(map[string]bool),
	}
}

// Run drives the task from Proposed to a terminal state and returns its
// outcome. Phases and attempts are strictly sequential; the only
// suspension points are capability calls, the sandbox run, and the
// inter-attempt backoff.
func (m *Machine) Run(ctx context.Context, task *queue.Task) (queue.Outcome, error) {
	ctx = logging.WithTaskID(ctx, task.ID)
	task.Phase = string(StateProposed)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff

	for attempt := 1; ; attempt++ {
		if stop := m.checkCancel(ctx, task); stop != "" {
			return queue.OutcomeAbandoned, nil
		}

		outcome, retry, err := m.runAttempt(ctx, task, attempt)
		if !retry {
			return outcome, err
		}

		if attempt >= m.cfg.MaxAttempts {
			m.log.Warn(ctx, "attempt budget exhausted",
				zap.Int("attempts", attempt),
				zap.Int("max_attempts", m.cfg.MaxAttempts))
			task.Phase = string(StateAbandoned)
			return queue.OutcomeAbandoned, nil
		}

		task.Phase = string(StateRetrying)
		if err := m.sleepBackoff(ctx, task, bo.NextBackOff()); err != nil {
			task.Phase = string(StateAbandoned)
			return queue.OutcomeAbandoned, nil
		}
	}
}

// runAttempt runs one Drafting → Validating → Promoting pass. It
// returns retry=true when the attempt failed recoverably.
func (m *Machine) runAttempt(ctx context.Context, task *queue.Task, attempt int) (outcome queue.Outcome, retry bool, err error) {
	rec := queue.Attempt{StartedAt: time.Now()}

	task.Phase = string(StateDrafting)
	cand, backendID, err := m.draft(ctx, task, attempt)
	rec.Backend = backendID
	if err != nil {
		rec.Error = err.Error()
		rec.CompletedAt = time.Now()
		task.Attempts = append(task.Attempts, rec)
		metrics.AttemptsTotal.WithLabelValues("draft_failed").Inc()
		if ctx.Err() != nil || task.Canceled() {
			task.Phase = string(StateAbandoned)
			return queue.OutcomeAbandoned, false, nil
		}
		// BackendUnavailable and call failures are transient: they
		// consume the attempt but stay inside the retry loop.
		m.log.Warn(ctx, "drafting failed", zap.Int("attempt", attempt), zap.Error(err))
		return "", true, nil
	}

	if stop := m.checkCancel(ctx, task); stop != "" {
		rec.CompletedAt = time.Now()
		task.Attempts = append(task.Attempts, rec)
		return queue.OutcomeAbandoned, false, nil
	}

	task.Phase = string(StateValidating)
	measured, err := m.sandbox.RunIsolated(ctx, cand)
	if err != nil {
		rec.Error = fmt.Sprintf("sandbox: %v", err)
		rec.CompletedAt = time.Now()
		task.Attempts = append(task.Attempts, rec)
		metrics.AttemptsTotal.WithLabelValues("sandbox_failed").Inc()
		if ctx.Err() != nil || task.Canceled() {
			task.Phase = string(StateAbandoned)
			return queue.OutcomeAbandoned, false, nil
		}
		m.log.Warn(ctx, "sandbox run failed", zap.Int("attempt", attempt), zap.Error(err))
		return "", true, nil
	}

	decision := m.gate.Evaluate(measured)
	rec.GatePassed = decision.Passed
	rec.GateReasons = decision.ReasonStrings()
	rec.Output = cand.Refactored
	rec.CompletedAt = time.Now()
	task.Attempts = append(task.Attempts, rec)

	if !decision.Passed {
		metrics.AttemptsTotal.WithLabelValues("gate_failed").Inc()
		m.log.Info(ctx, "quality gate failed",
			zap.Int("attempt", attempt),
			zap.Strings("reasons", rec.GateReasons))
		return "", true, nil
	}

	if stop := m.checkCancel(ctx, task); stop != "" {
		return queue.OutcomeAbandoned, false, nil
	}

	// Promotion is shielded from the global shutdown signal so a
	// half-applied promotion never happens; idempotence covers the
	// crash case.
	task.Phase = string(StatePromoting)
	if err := m.promote(context.WithoutCancel(ctx), cand); err != nil {
		task.Phase = string(StateFailed)
		metrics.PromotionsTotal.WithLabelValues("conflict").Inc()
		m.log.Error(ctx, "promotion failed",
			zap.String("candidate_id", cand.ID),
			zap.Int("attempts", len(task.Attempts)),
			zap.Any("attempt_history", task.Attempts),
			zap.Error(err))
		return queue.OutcomeFailed, false, err
	}

	metrics.AttemptsTotal.WithLabelValues("promoted").Inc()
	metrics.PromotionsTotal.WithLabelValues("applied").Inc()
	task.Phase = string(StateDone)
	m.log.Info(ctx, "task promoted",
		zap.String("candidate_id", cand.ID),
		zap.Int("attempts", len(task.Attempts)))
	return queue.OutcomeDone, false, nil
}

// draft runs the sequential drafting sub-phases. Each capability call
// is idempotent (generation is repeatable), so the router may fail
// over. The previous attempt's gate reasons are folded into the input
// so the next candidate targets them.
func (m *Machine) draft(ctx context.Context, task *queue.Task, attempt int) (*Candidate, string, error) {
	cand := &Candidate{
		ID:     fmt.Sprintf("%s-%d", task.ID, attempt),
		TaskID: task.ID,
	}

	input := task.Payload
	if n := len(task.Attempts); n > 0 && len(task.Attempts[n-1].GateReasons) > 0 {
		input = fmt.Sprintf("%s\n\nPrevious attempt failed quality gates: %s",
			task.Payload, strings.Join(task.Attempts[n-1].GateReasons, "; "))
	}

	outputs := []*string{&cand.Tests, &cand.Implementation, &cand.Refactored}
	var lastBackend string
	for i, capability := range draftPhases() {
		if task.Canceled() || ctx.Err() != nil {
			return nil, lastBackend, fmt.Errorf("drafting canceled: %w", context.Canceled)
		}
		res, err := m.dispatcher.Do(ctx, router.Request{
			Capability: capability,
			Payload:    input,
			Idempotent: true,
		})
		if err != nil {
			return nil, lastBackend, fmt.Errorf("%s: %w", capability, err)
		}
		*outputs[i] = res.Output
		input = res.Output
		lastBackend = res.Backend
	}
	return cand, lastBackend, nil
}

// promote applies the candidate exactly once per candidate identity.
// Re-entering for an already-applied candidate is a no-op.
func (m *Machine) promote(ctx context.Context, cand *Candidate) error {
	m.mu.Lock()
	if m.promoted[cand.ID] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.target.Apply(ctx, cand); err != nil {
		if errors.Is(err, ErrPromotionConflict) {
			return err
		}
		return fmt.Errorf("apply candidate %s: %w", cand.ID, err)
	}

	m.mu.Lock()
	m.promoted[cand.ID] = true
	m.mu.Unlock()
	return nil
}

// checkCancel moves the task to Abandoned when cancellation was
// requested. Returns the terminal state name, or "" to continue.
func (m *Machine) checkCancel(ctx context.Context, task *queue.Task) State {
	if task.Canceled() || ctx.Err() != nil {
		task.Phase = string(StateAbandoned)
		m.log.Info(ctx, "task canceled", zap.String("phase", task.Phase))
		return StateAbandoned
	}
	return ""
}

// sleepBackoff waits between attempts, aborting on cancellation.
func (m *Machine) sleepBackoff(ctx context.Context, task *queue.Task, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if task.Canceled() {
		return context.Canceled
	}
	return nil
}
