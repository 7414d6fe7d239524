// Package router dispatches capability requests to healthy backends
// with weighted round-robin selection, single-shot failover, and
// per-backend backpressure.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
	"github.com/fyrsmithlabs/forgeloop/internal/registry"
)

// Errors surfaced to calling phases.
var (
	// ErrNoBackend means no healthy or degraded backend advertises the
	// requested capability.
	ErrNoBackend = errors.New("no viable backend for capability")

	// ErrCapacityExceeded means every candidate backend's concurrency
	// limit stayed saturated past the bounded wait.
	ErrCapacityExceeded = errors.New("backend capacity exceeded")
)

// Request is an ephemeral capability call.
type Request struct {
	Capability string
	Payload    string
	// Timeout overrides the router default when > 0.
	Timeout time.Duration
	// Idempotent requests may be retried on a different backend after
	// a call failure.
	Idempotent bool
}

// Result is a successful capability call outcome.
type Result struct {
	Backend string
	Output  string
	Latency time.Duration
}

// Caller executes a capability call against one backend. The transport
// is owned by the collaborator wiring the router, not by the core.
type Caller interface {
	Call(ctx context.Context, backend *registry.Backend, req Request) (string, error)
}

// Config tunes dispatch behavior.
type Config struct {
	// CallTimeout is the default per-call deadline.
	CallTimeout time.Duration
	// AcquireWait bounds how long a call may wait for a backend slot.
	AcquireWait time.Duration
}

// Router selects a backend for each request and executes the call.
type Router struct {
	registry *registry.Registry
	caller   Caller
	log      *logging.Logger
	cfg      Config

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
	// wrr holds smooth weighted-round-robin state per capability.
	wrr map[string]map[string]int
}

// New creates a router over the registry.
func New(reg *registry.Registry, caller Caller, log *logging.Logger, cfg Config) *Router {
	return &Router{
		registry: reg,
		caller:   caller,
		log:      log.Named("router"),
		cfg:      cfg,
		sems:     make(map[string]*semaphore.Weighted),
		wrr:      make(map[string]map[string]int),
	}
}

// Do selects a backend for the request and executes the call.
//
// Selection: weighted round-robin among healthy backends for the
// capability; degraded backends are used only when no healthy one
// exists. On call failure the backend's error statistics are recorded
// and the request is retried once against a different backend iff it is
// idempotent. Capacity saturation never marks error statistics (the
// call was not issued) and is always eligible for the one retry.
func (r *Router) Do(ctx context.Context, req Request) (Result, error) {
	pool := r.viable(req.Capability)
	if len(pool) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoBackend, req.Capability)
	}

	primary := r.pick(req.Capability, pool, "")
	res, err := r.callBackend(ctx, primary, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}

	retriable := errors.Is(err, ErrCapacityExceeded) || req.Idempotent
	if !retriable || len(pool) < 2 {
		return Result{}, err
	}

	alt := r.pick(req.Capability, pool, primary.ID)
	if alt == nil {
		return Result{}, err
	}
	r.log.Warn(ctx, "failing over to alternate backend",
		zap.String("capability", req.Capability),
		zap.String("failed_backend", primary.ID),
		zap.String("backend_id", alt.ID),
		zap.Error(err))

	return r.callBackend(ctx, alt, req)
}

// viable returns the selection pool: healthy backends, or the degraded
// ones when no healthy backend advertises the capability.
func (r *Router) viable(capability string) []*registry.Backend {
	candidates := r.registry.Find(capability)
	healthy := candidates[:0:0]
	for _, b := range candidates {
		if b.Health() == registry.Healthy {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return candidates
}

// pick runs smooth weighted round-robin over the pool, excluding one
// backend ID (used for the failover retry). Weight is the backend's
// declared concurrency limit.
func (r *Router) pick(capability string, pool []*registry.Backend, exclude string) *registry.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.wrr[capability]
	if !ok {
		state = make(map[string]int)
		r.wrr[capability] = state
	}

	total := 0
	var best *registry.Backend
	for _, b := range pool {
		if b.ID == exclude {
			continue
		}
		w := int(b.MaxConcurrent)
		if w < 1 {
			w = 1
		}
		state[b.ID] += w
		total += w
		if best == nil || state[b.ID] > state[best.ID] {
			best = b
		}
	}
	if best != nil {
		state[best.ID] -= total
	}
	return best
}

// Forget drops the dispatch state held for a backend: its concurrency
// semaphore and its weighted-round-robin entries. Callers pair this
// with registry deregistration so state does not accumulate over the
// daemon's lifetime; a re-registered backend starts fresh.
func (r *Router) Forget(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sems, backendID)
	for capability, state := range r.wrr {
		delete(state, backendID)
		if len(state) == 0 {
			delete(r.wrr, capability)
		}
	}
}

// sem returns the backend's concurrency semaphore, creating it lazily.
func (r *Router) sem(b *registry.Backend) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sems[b.ID]
	if !ok {
		n := b.MaxConcurrent
		if n < 1 {
			n = 1
		}
		s = semaphore.NewWeighted(n)
		r.sems[b.ID] = s
	}
	return s
}

// callBackend executes one call with backpressure and stat recording.
func (r *Router) callBackend(ctx context.Context, b *registry.Backend, req Request) (Result, error) {
	sem := r.sem(b)
	acquireCtx, cancel := context.WithTimeout(ctx, r.cfg.AcquireWait)
	defer cancel()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("capability call canceled: %w", ctx.Err())
		}
		metrics.RouterCalls.WithLabelValues(b.ID, "capacity").Inc()
		return Result{}, fmt.Errorf("%w: backend %s", ErrCapacityExceeded, b.ID)
	}
	defer sem.Release(1)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}
	callCtx, cancelCall := context.WithTimeout(ctx, timeout)
	defer cancelCall()

	start := time.Now()
	out, err := r.caller.Call(callCtx, b, req)
	latency := time.Since(start)
	b.RecordCall(latency, err != nil)

	if err != nil {
		metrics.RouterCalls.WithLabelValues(b.ID, "error").Inc()
		return Result{}, fmt.Errorf("backend %s call failed: %w", b.ID, err)
	}

	metrics.RouterCalls.WithLabelValues(b.ID, "ok").Inc()
	metrics.RouterLatency.WithLabelValues(req.Capability).Observe(latency.Seconds())
	return Result{Backend: b.ID, Output: out, Latency: latency}, nil
}
