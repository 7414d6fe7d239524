// Package promote applies validated candidates to a filesystem drop
// directory, from which an external deployer picks them up.
package promote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/engine"
)

// record is the persisted promotion artifact.
type record struct {
	CandidateID    string    `json:"candidate_id"`
	TaskID         string    `json:"task_id"`
	Tests          string    `json:"tests"`
	Implementation string    `json:"implementation"`
	Refactored     string    `json:"refactored"`
	PromotedAt     time.Time `json:"promoted_at"`
}

// Target writes one artifact per candidate identity. Re-applying the
// same candidate is a no-op; a different candidate under an existing
// identity is a conflict.
type Target struct {
	dir string
}

// NewTarget creates the drop directory if needed.
func NewTarget(dir string) (*Target, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create promotion dir: %w", err)
	}
	return &Target{dir: dir}, nil
}

// Apply implements engine.PromotionTarget. The artifact is written to
// a temp file and renamed into place so a crash never leaves a partial
// promotion visible.
func (t *Target) Apply(ctx context.Context, cand *engine.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record{
		CandidateID:    cand.ID,
		TaskID:         cand.TaskID,
		Tests:          cand.Tests,
		Implementation: cand.Implementation,
		Refactored:     cand.Refactored,
		PromotedAt:     time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode candidate %s: %w", cand.ID, err)
	}

	final := filepath.Join(t.dir, cand.ID+".json")
	if existing, err := os.ReadFile(final); err == nil {
		if sameCandidate(existing, cand) {
			return nil
		}
		return fmt.Errorf("candidate %s already promoted with different content: %w", cand.ID, engine.ErrPromotionConflict)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("check existing promotion %s: %w", cand.ID, err)
	}

	tmp, err := os.CreateTemp(t.dir, "."+cand.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("stage promotion %s: %w", cand.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write promotion %s: %w", cand.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("flush promotion %s: %w", cand.ID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish promotion %s: %w", cand.ID, err)
	}
	return nil
}

// sameCandidate compares the stored artifact's payload fields against
// the candidate, ignoring the promotion timestamp.
func sameCandidate(stored []byte, cand *engine.Candidate) bool {
	var rec record
	if err := json.Unmarshal(stored, &rec); err != nil {
		return false
	}
	return rec.TaskID == cand.TaskID &&
		rec.Tests == cand.Tests &&
		rec.Implementation == cand.Implementation &&
		rec.Refactored == cand.Refactored
}
