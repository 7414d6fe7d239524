// Package registry maintains the catalog of capability backends and
// their health.
//
// Backends advertise capability tags and a concurrency limit. Health is
// driven by two inputs: the background prober (see HealthChecker) and
// per-call statistics recorded by the router. All health transitions
// happen here; the router only reads.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
)

// Errors for registry operations.
var (
	ErrBackendExists   = errors.New("backend already registered")
	ErrBackendNotFound = errors.New("backend not found")
)

// Health is a backend's probe-driven availability state.
type Health string

const (
	Healthy     Health = "healthy"
	Degraded    Health = "degraded"
	Unreachable Health = "unreachable"
)

// gaugeValue maps health to the exported metric value.
func (h Health) gaugeValue() float64 {
	switch h {
	case Healthy:
		return 1
	case Degraded:
		return 0.5
	default:
		return 0
	}
}

// Stats holds rolling per-backend call statistics.
type Stats struct {
	Calls        uint64
	Failures     uint64
	ConsecFails  int
	LatencyEWMA  time.Duration
	LastCallTime time.Time
}

// Backend describes one capability-providing service.
type Backend struct {
	ID            string
	Name          string
	Capabilities  []string
	MaxConcurrent int64

	// degradeAfter is the consecutive-call-failure threshold at which
	// a healthy backend is demoted. Set at registration.
	degradeAfter int

	mu            sync.Mutex
	health        Health
	stats         Stats
	probeFailures int
	probeStreak   int
}

// NewBackend creates a backend descriptor. Health starts Healthy.
func NewBackend(id, name string, capabilities []string, maxConcurrent int64) *Backend {
	return &Backend{
		ID:            id,
		Name:          name,
		Capabilities:  capabilities,
		MaxConcurrent: maxConcurrent,
		health:        Healthy,
	}
}

// Health returns the backend's current health.
func (b *Backend) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// HasCapability reports whether the backend advertises the tag.
func (b *Backend) HasCapability(capability string) bool {
	for _, c := range b.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the rolling statistics.
func (b *Backend) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// RecordCall updates rolling statistics after a capability call. A run
// of failed calls demotes a healthy backend to degraded; recovery to
// healthy is the prober's job.
func (b *Backend) RecordCall(latency time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Calls++
	b.stats.LastCallTime = time.Now()
	if b.stats.LatencyEWMA == 0 {
		b.stats.LatencyEWMA = latency
	} else {
		// EWMA with alpha 1/4.
		b.stats.LatencyEWMA = (b.stats.LatencyEWMA*3 + latency) / 4
	}

	if failed {
		b.stats.Failures++
		b.stats.ConsecFails++
		if b.health == Healthy && b.degradeAfter > 0 && b.stats.ConsecFails >= b.degradeAfter {
			b.setHealthLocked(Degraded)
		}
		return
	}
	b.stats.ConsecFails = 0
}

// setHealthLocked updates health and the exported gauge. Caller holds b.mu.
func (b *Backend) setHealthLocked(h Health) {
	b.health = h
	metrics.BackendHealth.WithLabelValues(b.ID).Set(h.gaugeValue())
}

// Registry is the catalog of registered backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	// order preserves registration order so Find is deterministic.
	order []string

	degradeAfter int
}

// New creates an empty registry. degradeAfter is the consecutive
// call-failure threshold applied to registered backends.
func New(degradeAfter int) *Registry {
	return &Registry{
		backends:     make(map[string]*Backend),
		degradeAfter: degradeAfter,
	}
}

// Register adds a backend to the catalog.
func (r *Registry) Register(b *Backend) error {
	if b.ID == "" {
		return fmt.Errorf("backend id cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[b.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, b.ID)
	}
	b.degradeAfter = r.degradeAfter
	r.backends[b.ID] = b
	r.order = append(r.order, b.ID)
	metrics.BackendHealth.WithLabelValues(b.ID).Set(b.Health().gaugeValue())
	return nil
}

// Deregister removes a backend from the catalog.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, id)
	}
	delete(r.backends, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.BackendHealth.DeleteLabelValues(id)
	return nil
}

// Get returns a backend by ID.
func (r *Registry) Get(id string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, id)
	}
	return b, nil
}

// All returns every registered backend in registration order.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// Find returns backends advertising the capability that are healthy or
// degraded, in registration order. Unreachable backends are excluded so
// no call is issued against them until the prober recovers them.
func (r *Registry) Find(capability string) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Backend
	for _, id := range r.order {
		b := r.backends[id]
		if !b.HasCapability(capability) {
			continue
		}
		if h := b.Health(); h == Healthy || h == Degraded {
			out = append(out, b)
		}
	}
	return out
}
