package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeloop/internal/logging"
)

// Prober checks whether a backend is reachable.
type Prober interface {
	Probe(ctx context.Context, backend *Backend) error
}

// HealthChecker drives backend health transitions from periodic probes.
//
// Transitions:
//   - failureThreshold consecutive probe failures mark a backend
//     Unreachable.
//   - one probe success from Unreachable restores Degraded.
//   - healthyStreak consecutive probe successes restore Healthy.
type HealthChecker struct {
	registry *Registry
	prober   Prober
	log      *logging.Logger

	interval         time.Duration
	failureThreshold int
	healthyStreak    int
}

// NewHealthChecker creates a health checker over the registry.
func NewHealthChecker(reg *Registry, prober Prober, log *logging.Logger, interval time.Duration, failureThreshold, healthyStreak int) *HealthChecker {
	return &HealthChecker{
		registry:         reg,
		prober:           prober,
		log:              log.Named("health"),
		interval:         interval,
		failureThreshold: failureThreshold,
		healthyStreak:    healthyStreak,
	}
}

// Run probes all backends on the configured interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every registered backend once, including unreachable
// ones (the scheduled probe is their only recovery path).
func (h *HealthChecker) ProbeAll(ctx context.Context) {
	for _, b := range h.registry.All() {
		h.probeOne(ctx, b)
	}
}

func (h *HealthChecker) probeOne(ctx context.Context, b *Backend) {
	err := h.prober.Probe(ctx, b)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.probeStreak = 0
		b.probeFailures++
		if b.health != Unreachable && b.probeFailures >= h.failureThreshold {
			b.setHealthLocked(Unreachable)
			h.log.Warn(ctx, "backend unreachable",
				zap.String("backend_id", b.ID),
				zap.Int("probe_failures", b.probeFailures),
				zap.Error(err))
		}
		return
	}

	b.probeFailures = 0
	b.probeStreak++

	switch b.health {
	case Unreachable:
		// One success only restores degraded; the streak continues
		// counting toward healthy.
		b.setHealthLocked(Degraded)
		b.probeStreak = 1
		h.log.Info(ctx, "backend recovered to degraded", zap.String("backend_id", b.ID))
	case Degraded:
		if b.probeStreak >= h.healthyStreak {
			b.setHealthLocked(Healthy)
			b.stats.ConsecFails = 0
			h.log.Info(ctx, "backend healthy", zap.String("backend_id", b.ID))
		}
	}
}
