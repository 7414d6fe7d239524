package promote

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeloop/internal/engine"
)

func testCandidate() *engine.Candidate {
	return &engine.Candidate{
		ID:             "task-1-1",
		TaskID:         "task-1",
		Tests:          "func TestX(t *testing.T) {}",
		Implementation: "func X() {}",
		Refactored:     "func X() { /* tidy */ }",
	}
}

func TestApply_WritesArtifact(t *testing.T) {
	dir := t.TempDir()
	target, err := NewTarget(dir)
	require.NoError(t, err)

	require.NoError(t, target.Apply(context.Background(), testCandidate()))

	data, err := os.ReadFile(filepath.Join(dir, "task-1-1.json"))
	require.NoError(t, err)

	var rec record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "task-1-1", rec.CandidateID)
	assert.Equal(t, "task-1", rec.TaskID)
	assert.Equal(t, "func X() { /* tidy */ }", rec.Refactored)
	assert.False(t, rec.PromotedAt.IsZero())
}

func TestApply_ReapplyIsNoop(t *testing.T) {
	dir := t.TempDir()
	target, err := NewTarget(dir)
	require.NoError(t, err)

	require.NoError(t, target.Apply(context.Background(), testCandidate()))
	first, err := os.ReadFile(filepath.Join(dir, "task-1-1.json"))
	require.NoError(t, err)

	require.NoError(t, target.Apply(context.Background(), testCandidate()))
	second, err := os.ReadFile(filepath.Join(dir, "task-1-1.json"))
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-apply rewrote the artifact")
}

func TestApply_ConflictOnDivergentContent(t *testing.T) {
	dir := t.TempDir()
	target, err := NewTarget(dir)
	require.NoError(t, err)

	require.NoError(t, target.Apply(context.Background(), testCandidate()))

	other := testCandidate()
	other.Implementation = "func X() { panic(\"different\") }"
	err = target.Apply(context.Background(), other)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrPromotionConflict)
}

func TestApply_NoPartialArtifacts(t *testing.T) {
	dir := t.TempDir()
	target, err := NewTarget(dir)
	require.NoError(t, err)

	require.NoError(t, target.Apply(context.Background(), testCandidate()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task-1-1.json", entries[0].Name())
}

func TestNewTarget_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "promotions")
	_, err := NewTarget(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
