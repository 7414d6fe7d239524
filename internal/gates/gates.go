// Package gates scores validation metrics against configured quality
// thresholds.
//
// Evaluation is black-box: the sandbox reports coverage, issue count
// and complexity; the evaluator only compares them to thresholds. A
// failing decision enumerates every violated threshold so the drafting
// phase can target the next attempt.
package gates

import (
	"fmt"

	"github.com/fyrsmithlabs/forgeloop/internal/metrics"
)

// Thresholds are the configured quality gate limits. Every configured
// threshold must be met for a pass.
type Thresholds struct {
	// MinCoverage is the minimum test coverage percentage.
	MinCoverage float64
	// MaxIssues is the maximum lint/defect count.
	MaxIssues int
	// MaxComplexity is the maximum cyclomatic complexity score.
	MaxComplexity int
}

// Metrics are the black-box measurements reported by the sandbox run.
type Metrics struct {
	Coverage   float64
	Issues     int
	Complexity int
	// TestsPassed reports whether the candidate's test suite passed at
	// all; a failing suite fails the gate regardless of thresholds.
	TestsPassed bool
}

// Gate names used in reasons and metrics labels.
const (
	GateTests      = "tests"
	GateCoverage   = "coverage"
	GateIssues     = "issues"
	GateComplexity = "complexity"
)

// Reason describes one violated threshold.
type Reason struct {
	Gate   string
	Detail string
}

func (r Reason) String() string {
	return fmt.Sprintf("[%s] %s", r.Gate, r.Detail)
}

// Decision is the evaluation verdict.
type Decision struct {
	Passed  bool
	Reasons []Reason
}

// ReasonStrings returns the formatted reasons, for attempt records.
func (d Decision) ReasonStrings() []string {
	out := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		out = append(out, r.String())
	}
	return out
}

// Evaluator scores candidate metrics against thresholds.
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(thresholds Thresholds) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate compares metrics against every configured threshold. All
// violations are collected, not just the first.
func (e *Evaluator) Evaluate(m Metrics) Decision {
	var reasons []Reason

	if !m.TestsPassed {
		reasons = append(reasons, Reason{
			Gate:   GateTests,
			Detail: "test suite failed",
		})
	}
	if m.Coverage < e.thresholds.MinCoverage {
		reasons = append(reasons, Reason{
			Gate:   GateCoverage,
			Detail: fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", m.Coverage, e.thresholds.MinCoverage),
		})
	}
	if m.Issues > e.thresholds.MaxIssues {
		reasons = append(reasons, Reason{
			Gate:   GateIssues,
			Detail: fmt.Sprintf("%d issues above maximum %d", m.Issues, e.thresholds.MaxIssues),
		})
	}
	if m.Complexity > e.thresholds.MaxComplexity {
		reasons = append(reasons, Reason{
			Gate:   GateComplexity,
			Detail: fmt.Sprintf("complexity %d above limit %d", m.Complexity, e.thresholds.MaxComplexity),
		})
	}

	for _, r := range reasons {
		metrics.GateFailures.WithLabelValues(r.Gate).Inc()
	}

	return Decision{Passed: len(reasons) == 0, Reasons: reasons}
}
