package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/forgeloop/internal/engine"
	"github.com/fyrsmithlabs/forgeloop/internal/gates"
	"github.com/fyrsmithlabs/forgeloop/internal/router"
)

// CapValidate is the capability tag of sandbox validation backends.
const CapValidate = "validate-candidate"

// validatePayload is what a validation backend receives.
type validatePayload struct {
	CandidateID    string `json:"candidate_id"`
	Tests          string `json:"tests"`
	Implementation string `json:"implementation"`
	Refactored     string `json:"refactored"`
}

// validateReport is the measurement set a validation backend returns.
type validateReport struct {
	TestsPassed bool    `json:"tests_passed"`
	Coverage    float64 `json:"coverage"`
	Issues      int     `json:"issues"`
	Complexity  int     `json:"complexity"`
}

// Sandbox validates candidates by routing them to a backend with the
// validate capability. The run is isolated on the backend's side; a
// candidate is re-validatable, so the call is idempotent.
type Sandbox struct {
	dispatcher engine.Dispatcher
}

// NewSandbox creates a router-backed sandbox.
func NewSandbox(dispatcher engine.Dispatcher) *Sandbox {
	return &Sandbox{dispatcher: dispatcher}
}

// RunIsolated implements engine.Sandbox.
func (s *Sandbox) RunIsolated(ctx context.Context, cand *engine.Candidate) (gates.Metrics, error) {
	payload, err := json.Marshal(validatePayload{
		CandidateID:    cand.ID,
		Tests:          cand.Tests,
		Implementation: cand.Implementation,
		Refactored:     cand.Refactored,
	})
	if err != nil {
		return gates.Metrics{}, fmt.Errorf("encode candidate: %w", err)
	}

	res, err := s.dispatcher.Do(ctx, router.Request{
		Capability: CapValidate,
		Payload:    string(payload),
		Idempotent: true,
	})
	if err != nil {
		return gates.Metrics{}, fmt.Errorf("validate candidate %s: %w", cand.ID, err)
	}

	var report validateReport
	if err := json.Unmarshal([]byte(res.Output), &report); err != nil {
		return gates.Metrics{}, fmt.Errorf("decode validation report for %s: %w", cand.ID, err)
	}
	return gates.Metrics{
		TestsPassed: report.TestsPassed,
		Coverage:    report.Coverage,
		Issues:      report.Issues,
		Complexity:  report.Complexity,
	}, nil
}
