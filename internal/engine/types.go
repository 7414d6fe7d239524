// Package engine drives one task through the phased development
// workflow: draft a candidate via capability calls, validate it against
// the quality gate in isolation, then promote or retry.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/gates"
	"github.com/fyrsmithlabs/forgeloop/internal/router"
)

// State is a workflow state. Terminal states are Done, Abandoned and
// Failed.
type State string

const (
	StateProposed   State = "proposed"
	StateDrafting   State = "drafting"
	StateValidating State = "validating"
	StatePromoting  State = "promoting"
	StateRetrying   State = "retrying"
	StateDone       State = "done"
	StateAbandoned  State = "abandoned"
	StateFailed     State = "failed"
)

// Drafting sub-phase capabilities, in execution order. Each sub-phase's
// output is the next one's input.
const (
	CapGenerateTests = "generate-tests"
	CapImplement     = "generate-implementation"
	CapRefactor      = "generate-refactor"
)

// draftPhases returns the sub-phase capability sequence.
func draftPhases() []string {
	return []string{CapGenerateTests, CapImplement, CapRefactor}
}

// ErrPromotionConflict means the promotion target rejected the
// candidate (concurrent modification). Fatal for the task; never
// silently retried because promotion must stay idempotent.
var ErrPromotionConflict = errors.New("promotion conflict")

// Candidate is a validated change proposal. ID is stable per task and
// attempt so promotion can be re-entered idempotently.
type Candidate struct {
	ID             string
	TaskID         string
	Tests          string
	Implementation string
	Refactored     string
}

// Dispatcher issues capability calls. *router.Router satisfies it.
type Dispatcher interface {
	Do(ctx context.Context, req router.Request) (router.Result, error)
}

// Sandbox executes a candidate in isolation and reports gate metrics.
// The core does not implement isolation itself.
type Sandbox interface {
	RunIsolated(ctx context.Context, c *Candidate) (gates.Metrics, error)
}

// PromotionTarget merges a validated candidate into the persistent
// target. Apply must be idempotent under repeated calls with the same
// candidate ID, and returns ErrPromotionConflict when the target
// rejects the change.
type PromotionTarget interface {
	Apply(ctx context.Context, c *Candidate) error
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}
