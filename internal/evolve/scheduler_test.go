package evolve

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/queue"
)

type stubSource struct {
	mu      sync.Mutex
	signals []Signal
	polls   int
}

func (s *stubSource) PollSignals(ctx context.Context) ([]Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	out := make([]Signal, len(s.signals))
	copy(out, s.signals)
	return out, nil
}

type stubRestart struct {
	mu      sync.Mutex
	reasons []string
}

func (r *stubRestart) RequestRestart(ctx context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *stubRestart) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func testScheduler(src SignalSource, q *queue.Queue, restart RestartTrigger) *Scheduler {
	return New(src, q, restart, logging.NewNop(), Config{
		Interval:     time.Hour, // ticks driven manually in tests
		HistoryLimit: 10,
	})
}

func TestTick_SpawnsGeneratedTasks(t *testing.T) {
	src := &stubSource{signals: []Signal{
		{Source: "probe", Kind: "latency", Content: "p99 regression in router"},
		{Source: "logs", Kind: "error_rate", Content: "error spike in promotion path"},
	}}
	q := queue.New(time.Minute)
	s := testScheduler(src, q, nil)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 2, q.Len())

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Generated, task.Provenance)
}

func TestTick_RepeatedSignalSpawnsOneTask(t *testing.T) {
	src := &stubSource{signals: []Signal{
		{Source: "probe", Kind: "latency", Content: "p99 regression in router"},
	}}
	q := queue.New(time.Minute)
	s := testScheduler(src, q, nil)

	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	// The second tick sees the same signal while the first task is
	// still pending: exactly one task exists.
	assert.Equal(t, 1, q.Len())

	history := s.History()
	require.Len(t, history, 1) // second cycle spawned nothing, closed at once
	assert.Empty(t, history[0].TaskIDs)
}

func TestReportOutcome_ClosesCycleAndTriggersRestart(t *testing.T) {
	src := &stubSource{signals: []Signal{
		{Source: "probe", Kind: "latency", Content: "p99 regression in router"},
		{Source: "logs", Kind: "error_rate", Content: "error spike in promotion path"},
	}}
	q := queue.New(time.Minute)
	restart := &stubRestart{}
	s := testScheduler(src, q, restart)

	require.NoError(t, s.Tick(context.Background()))

	t1, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	t2, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	s.ReportOutcome(context.Background(), t1.ID, queue.OutcomeDone)
	assert.Equal(t, 0, restart.count(), "cycle still open")
	assert.Empty(t, s.History())

	s.ReportOutcome(context.Background(), t2.ID, queue.OutcomeAbandoned)
	assert.Equal(t, 1, restart.count())

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].promotions())
	assert.False(t, history[0].ClosedAt.IsZero())
}

func TestReportOutcome_ConcurrentWithTickClosesCycle(t *testing.T) {
	signals := make([]Signal, 20)
	for i := range signals {
		signals[i] = Signal{Source: "probe", Kind: "latency", Content: fmt.Sprintf("regression %d", i)}
	}
	src := &stubSource{signals: signals}
	q := queue.New(time.Minute)
	restart := &stubRestart{}
	s := testScheduler(src, q, restart)

	// Workers race the tick: each task is reported terminal as soon as
	// it can be dequeued, often before Tick has returned. No outcome
	// may be lost and the cycle must still close.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				s.ReportOutcome(ctx, task.ID, queue.OutcomeDone)
			}
		}()
	}

	require.NoError(t, s.Tick(context.Background()))

	deadline := time.After(2 * time.Second)
	for len(s.History()) == 0 {
		select {
		case <-deadline:
			t.Fatal("cycle never closed")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	wg.Wait()

	history := s.History()
	require.Len(t, history, 1)
	assert.Len(t, history[0].Outcomes, len(signals))
	assert.Equal(t, 1, restart.count())
}

func TestReportOutcome_NoPromotionNoRestart(t *testing.T) {
	src := &stubSource{signals: []Signal{
		{Source: "probe", Kind: "latency", Content: "p99 regression in router"},
	}}
	q := queue.New(time.Minute)
	restart := &stubRestart{}
	s := testScheduler(src, q, restart)

	require.NoError(t, s.Tick(context.Background()))
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	s.ReportOutcome(context.Background(), task.ID, queue.OutcomeFailed)
	assert.Equal(t, 0, restart.count())
}

func TestReportOutcome_UnknownTaskIgnored(t *testing.T) {
	q := queue.New(time.Minute)
	s := testScheduler(&stubSource{}, q, &stubRestart{})

	s.ReportOutcome(context.Background(), "no-such-task", queue.OutcomeDone)
	assert.Empty(t, s.History())
}

func TestRun_StopsAtMaxCycles(t *testing.T) {
	src := &stubSource{}
	q := queue.New(time.Minute)
	s := New(src, q, nil, logging.NewNop(), Config{
		Interval:     time.Millisecond,
		MaxCycles:    3,
		HistoryLimit: 10,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop at cycle budget")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 3, src.polls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &stubSource{}
	q := queue.New(time.Minute)
	s := New(src, q, nil, logging.NewNop(), Config{
		Interval:     time.Hour,
		HistoryLimit: 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestHistory_Capped(t *testing.T) {
	q := queue.New(time.Minute)
	s := New(&stubSource{}, q, nil, logging.NewNop(), Config{
		Interval:     time.Hour,
		HistoryLimit: 2,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, 4, history[0].Cycle)
	assert.Equal(t, 5, history[1].Cycle)
}
