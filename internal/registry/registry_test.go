package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeloop/internal/logging"
)

func TestRegistry_RegisterDeregister(t *testing.T) {
	reg := New(5)

	b := NewBackend("b1", "codegen", []string{"generate-tests"}, 2)
	require.NoError(t, reg.Register(b))

	err := reg.Register(NewBackend("b1", "dup", []string{"x"}, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendExists)

	got, err := reg.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	require.NoError(t, reg.Deregister("b1"))
	err = reg.Deregister("b1")
	assert.ErrorIs(t, err, ErrBackendNotFound)
}

func TestRegistry_FindFiltersByCapabilityAndHealth(t *testing.T) {
	reg := New(5)
	b1 := NewBackend("b1", "one", []string{"generate-tests"}, 1)
	b2 := NewBackend("b2", "two", []string{"generate-tests", "refactor"}, 1)
	b3 := NewBackend("b3", "three", []string{"refactor"}, 1)
	for _, b := range []*Backend{b1, b2, b3} {
		require.NoError(t, reg.Register(b))
	}

	found := reg.Find("generate-tests")
	require.Len(t, found, 2)
	assert.Equal(t, "b1", found[0].ID)
	assert.Equal(t, "b2", found[1].ID)

	b1.mu.Lock()
	b1.setHealthLocked(Unreachable)
	b1.mu.Unlock()

	found = reg.Find("generate-tests")
	require.Len(t, found, 1)
	assert.Equal(t, "b2", found[0].ID)

	b2.mu.Lock()
	b2.setHealthLocked(Degraded)
	b2.mu.Unlock()

	// Degraded backends are still returned; the router decides when to
	// use them.
	found = reg.Find("generate-tests")
	require.Len(t, found, 1)
	assert.Equal(t, Degraded, found[0].Health())
}

func TestBackend_RecordCall_DemotesAfterConsecutiveFailures(t *testing.T) {
	reg := New(3)
	b := NewBackend("b1", "one", []string{"x"}, 1)
	require.NoError(t, reg.Register(b))

	b.RecordCall(time.Millisecond, true)
	b.RecordCall(time.Millisecond, true)
	assert.Equal(t, Healthy, b.Health())

	b.RecordCall(time.Millisecond, true)
	assert.Equal(t, Degraded, b.Health())

	stats := b.Snapshot()
	assert.Equal(t, uint64(3), stats.Calls)
	assert.Equal(t, uint64(3), stats.Failures)
	assert.Equal(t, 3, stats.ConsecFails)
}

func TestBackend_RecordCall_SuccessResetsStreak(t *testing.T) {
	reg := New(3)
	b := NewBackend("b1", "one", []string{"x"}, 1)
	require.NoError(t, reg.Register(b))

	b.RecordCall(time.Millisecond, true)
	b.RecordCall(time.Millisecond, true)
	b.RecordCall(time.Millisecond, false)
	b.RecordCall(time.Millisecond, true)
	assert.Equal(t, Healthy, b.Health())
	assert.Equal(t, 1, b.Snapshot().ConsecFails)
}

// flakyProber fails until recovered is set.
type flakyProber struct {
	recovered bool
}

func (p *flakyProber) Probe(ctx context.Context, b *Backend) error {
	if p.recovered {
		return nil
	}
	return errors.New("connection refused")
}

func TestHealthChecker_Transitions(t *testing.T) {
	reg := New(5)
	b := NewBackend("b1", "one", []string{"x"}, 1)
	require.NoError(t, reg.Register(b))

	prober := &flakyProber{}
	hc := NewHealthChecker(reg, prober, logging.NewNop(), time.Second, 3, 2)
	ctx := context.Background()

	// Two failures: still healthy.
	hc.ProbeAll(ctx)
	hc.ProbeAll(ctx)
	assert.Equal(t, Healthy, b.Health())

	// Third consecutive failure: unreachable.
	hc.ProbeAll(ctx)
	assert.Equal(t, Unreachable, b.Health())

	// One success from unreachable: degraded.
	prober.recovered = true
	hc.ProbeAll(ctx)
	assert.Equal(t, Degraded, b.Health())

	// Sustained success window: healthy.
	hc.ProbeAll(ctx)
	assert.Equal(t, Healthy, b.Health())
}

func TestHealthChecker_FailureResetsHealthyStreak(t *testing.T) {
	reg := New(5)
	b := NewBackend("b1", "one", []string{"x"}, 1)
	require.NoError(t, reg.Register(b))

	prober := &flakyProber{}
	hc := NewHealthChecker(reg, prober, logging.NewNop(), time.Second, 1, 3)
	ctx := context.Background()

	hc.ProbeAll(ctx)
	assert.Equal(t, Unreachable, b.Health())

	prober.recovered = true
	hc.ProbeAll(ctx)
	assert.Equal(t, Degraded, b.Health())
	hc.ProbeAll(ctx)
	assert.Equal(t, Degraded, b.Health())

	prober.recovered = false
	hc.ProbeAll(ctx)
	assert.Equal(t, Unreachable, b.Health())
}
