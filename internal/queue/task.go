package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Provenance tags a task's origin.
type Provenance string

const (
	// Manual tasks come from an external issue source.
	Manual Provenance = "manual"
	// Generated tasks are self-proposed by the evolution scheduler.
	Generated Provenance = "generated"
)

// Outcome is a terminal task result.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeFailed    Outcome = "failed"
)

// Attempt records one workflow attempt for a task. Immutable once
// appended.
type Attempt struct {
	Backend     string
	StartedAt   time.Time
	CompletedAt time.Time
	Output      string
	Error       string
	// GatePassed and GateReasons carry the quality gate verdict for
	// attempts that reached validation.
	GatePassed  bool
	GateReasons []string
}

// Task is one unit of work moving through the workflow state machine.
type Task struct {
	ID         string
	Provenance Provenance
	// SourceID identifies the external item (issue ID, signal source)
	// this task was created from.
	SourceID string
	Payload  string
	Priority int
	DedupKey string

	EnqueuedAt time.Time
	// Phase is the current workflow state, owned by the state machine.
	Phase    string
	Attempts []Attempt

	// seq orders FIFO ties; assigned at enqueue.
	seq      uint64
	canceled atomic.Bool
}

// NewTask creates a task with a fresh ID and a dedup key derived from the
// source and normalized payload.
func NewTask(provenance Provenance, sourceID, payload string, priority int) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Provenance: provenance,
		SourceID:   sourceID,
		Payload:    payload,
		Priority:   priority,
		DedupKey:   DedupKey(sourceID, payload),
	}
}

// Cancel flags the task for cancellation. The state machine checks the
// flag at every phase boundary.
func (t *Task) Cancel() {
	t.canceled.Store(true)
}

// Canceled reports whether cancellation was requested.
func (t *Task) Canceled() bool {
	return t.canceled.Load()
}

// DedupKey computes the stable hash identifying semantically equivalent
// tasks: sha256 over the source identifier and the normalized payload.
func DedupKey(sourceID, payload string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(payload)), " ")
	h := sha256.Sum256([]byte(sourceID + "\x00" + normalized))
	return hex.EncodeToString(h[:])
}
