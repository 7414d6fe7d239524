package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
)

func TestDedupKey_NormalizesPayload(t *testing.T) {
	a := DedupKey("logs", "Add  Retry Logic\n")
	b := DedupKey("logs", "add retry logic")
	c := DedupKey("coverage", "add retry logic")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEnqueue_RejectsActiveDuplicate(t *testing.T) {
	q := New(time.Hour)

	t1 := NewTask(Manual, "issue-1", "add retry logic", 0)
	require.NoError(t, q.Enqueue(t1))

	t2 := NewTask(Generated, "", "", 0)
	t2.DedupKey = t1.DedupKey
	err := q.Enqueue(t2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	// Still a duplicate while the first task is dequeued but not
	// terminal.
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t1.ID, got.ID)
	assert.ErrorIs(t, q.Enqueue(t2), ErrDuplicateTask)

	// Released after an abandoned outcome.
	require.NoError(t, q.MarkTerminal(t1.ID, OutcomeAbandoned))
	assert.NoError(t, q.Enqueue(t2))
}

func TestEnqueue_RejectsCompletedWithinRetention(t *testing.T) {
	q := New(time.Hour)

	t1 := NewTask(Manual, "issue-1", "add retry logic", 0)
	require.NoError(t, q.Enqueue(t1))
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkTerminal(t1.ID, OutcomeDone))

	t2 := NewTask(Manual, "issue-1", "add retry logic", 0)
	assert.ErrorIs(t, q.Enqueue(t2), ErrDuplicateTask)
}

func TestEnqueue_RetentionExpiry(t *testing.T) {
	q := New(10 * time.Millisecond)

	t1 := NewTask(Manual, "issue-1", "add retry logic", 0)
	require.NoError(t, q.Enqueue(t1))
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkTerminal(t1.ID, OutcomeDone))

	time.Sleep(20 * time.Millisecond)

	t2 := NewTask(Manual, "issue-1", "add retry logic", 0)
	assert.NoError(t, q.Enqueue(t2))
}

func TestDequeue_PriorityOrder(t *testing.T) {
	q := New(time.Hour)

	genLow := NewTask(Generated, "sig", "low gen", 0)
	genHigh := NewTask(Generated, "sig", "high gen", 5)
	manEarly := NewTask(Manual, "i1", "manual early", 0)
	manLate := NewTask(Manual, "i2", "manual late", 0)

	require.NoError(t, q.Enqueue(genLow))
	require.NoError(t, q.Enqueue(genHigh))
	require.NoError(t, q.Enqueue(manEarly))
	require.NoError(t, q.Enqueue(manLate))

	ctx := context.Background()
	var order []string
	for i := 0; i < 4; i++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, task.Payload)
	}

	// Higher priority first; manual before generated at equal
	// priority; FIFO within a class.
	assert.Equal(t, []string{"high gen", "manual early", "manual late", "low gen"}, order)
}

func TestDequeue_BlocksUntilEnqueue(t *testing.T) {
	q := New(time.Hour)

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	t1 := NewTask(Manual, "i1", "work", 0)
	require.NoError(t, q.Enqueue(t1))

	select {
	case task := <-got:
		assert.Equal(t, t1.ID, task.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestDequeue_ContextCancel(t *testing.T) {
	q := New(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestDequeue_AtomicOwnership(t *testing.T) {
	q := New(time.Hour)
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(NewTask(Manual, "src", time.Now().String()+string(rune('a'+i)), 0)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				task, err := q.Dequeue(ctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s dequeued more than once", id)
	}
}

func TestClose_WakesDequeuers(t *testing.T) {
	q := New(time.Hour)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe close")
	}

	assert.ErrorIs(t, q.Enqueue(NewTask(Manual, "i", "p", 0)), ErrClosed)
}

func TestClose_DrainsPendingAndZeroesDepth(t *testing.T) {
	q := New(time.Hour)
	before := testutil.ToFloat64(metrics.QueueDepth)

	require.NoError(t, q.Enqueue(NewTask(Manual, "issue-1", "add retry logic", 0)))
	require.NoError(t, q.Enqueue(NewTask(Manual, "issue-2", "fix flaky probe", 0)))
	require.Equal(t, before+2, testutil.ToFloat64(metrics.QueueDepth))

	q.Close()

	assert.Equal(t, before, testutil.ToFloat64(metrics.QueueDepth))
	assert.Equal(t, 0, q.Len())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Closing twice is a no-op; the gauge does not go negative.
	q.Close()
	assert.Equal(t, before, testutil.ToFloat64(metrics.QueueDepth))
}

func TestCancel(t *testing.T) {
	q := New(time.Hour)
	t1 := NewTask(Manual, "i1", "work", 0)
	require.NoError(t, q.Enqueue(t1))

	require.NoError(t, q.Cancel(t1.ID))
	assert.True(t, t1.Canceled())

	assert.ErrorIs(t, q.Cancel("missing"), ErrTaskNotFound)
}
