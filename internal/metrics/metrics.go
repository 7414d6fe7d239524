// Package metrics defines the prometheus collectors shared by the
// orchestration engine. Collectors are package-level and registered on
// the default registry; cmd/forged serves them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forgeloop"

var (
	// TasksTotal counts terminal task outcomes by provenance.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "tasks_total",
		Help:      "Terminal task outcomes by provenance and outcome.",
	}, []string{"provenance", "outcome"})

	// TasksRejected counts enqueue rejections (dedup hits).
	TasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "tasks_rejected_total",
		Help:      "Tasks rejected at enqueue as duplicates.",
	})

	// QueueDepth tracks the number of queued (not yet assigned) tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks waiting in the queue.",
	})

	// AttemptsTotal counts workflow attempts by final phase outcome.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "attempts_total",
		Help:      "Workflow attempts by result.",
	}, []string{"result"})

	// RouterCalls counts capability calls by backend and result.
	RouterCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "calls_total",
		Help:      "Capability calls by backend and result.",
	}, []string{"backend", "result"})

	// RouterLatency observes capability call latency.
	RouterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "call_duration_seconds",
		Help:      "Capability call latency by capability.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"capability"})

	// BackendHealth exposes backend health as a gauge
	// (1 healthy, 0.5 degraded, 0 unreachable).
	BackendHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "backend_health",
		Help:      "Backend health: 1 healthy, 0.5 degraded, 0 unreachable.",
	}, []string{"backend"})

	// GateFailures counts quality gate failures by violated threshold.
	GateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gates",
		Name:      "failures_total",
		Help:      "Quality gate failures by threshold.",
	}, []string{"gate"})

	// CyclesTotal counts completed evolution cycles.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evolve",
		Name:      "cycles_total",
		Help:      "Completed evolution cycles.",
	})

	// PromotionsTotal counts candidate promotions by result.
	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "promotions_total",
		Help:      "Candidate promotions by result.",
	}, []string{"result"})
)
