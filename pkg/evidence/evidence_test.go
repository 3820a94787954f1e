package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/pipeline"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/schema"
)

func TestWriteBlobIsContentAddressed(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "run-1")
	require.NoError(t, err)

	content := []byte("The version is 2.0.2.")
	ref, sha, err := w.WriteBlob("Output!", content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), sha)
	assert.Equal(t, "blobs/output-"+sha+".txt", ref)

	data, err := os.ReadFile(filepath.Join(w.RunDir(), ref))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	again, _, err := w.WriteBlob("output", content)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestWriterPermissions(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "run-1")
	require.NoError(t, err)
	ref, _, err := w.WriteBlob("", []byte("x"))
	require.NoError(t, err)
	assert.Contains(t, ref, "blobs/blob-")

	info, err := os.Stat(w.RunDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(w.RunDir(), ref))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewWriterRejectsBadIDs(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := NewWriter(dir, id)
		assert.Error(t, err, "id %q", id)
	}
	_, err := NewWriter("", "run-1")
	assert.Error(t, err)
}

func TestWriteStageRejectsUnknownStage(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "run-1")
	require.NoError(t, err)
	assert.Error(t, w.WriteStage(StageRecord{Index: 1, Stage: "planner"}))
}

func TestRecordWritesBundle(t *testing.T) {
	req := &pipeline.Request{
		ID:          "conv-1",
		Query:       "Which version is current?",
		Profile:     &profile.Profile{Name: "balanced"},
		GroundTruth: factcheck.Facts{factcheck.CategoryVersion: "2.0.2"},
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	result := &pipeline.ConsensusResult{
		ConversationID: "conv-1",
		Mode:           schema.ModeConsensus,
		Status:         schema.StatusCompleted,
		TotalCost:      0.03,
		Confidence:     0.9,
		Duration:       1500 * time.Millisecond,
		Stages: []pipeline.StageResult{
			{Stage: schema.StageGenerator, Model: "mock-1", Provider: "mock", Output: "draft", Version: 1, Cost: 0.01, Confidence: 0.9},
			{Stage: schema.StageRefiner, Model: "mock-1", Provider: "mock", Output: "refined", Version: 2, Cost: 0.02, Confidence: 0.9, Retried: true},
		},
	}

	dir, err := Record(t.TempDir(), req, result, nil)
	require.NoError(t, err)

	var run RunRecord
	readJSON(t, filepath.Join(dir, "run.json"), &run)
	assert.Equal(t, "conv-1", run.ID)
	assert.Equal(t, "balanced", run.Profile)
	assert.Equal(t, schema.StatusCompleted, run.Status)
	assert.Equal(t, []schema.Stage{schema.StageGenerator, schema.StageRefiner}, run.Stages)
	assert.Equal(t, int64(1500), run.DurationMillis)
	assert.Equal(t, "2.0.2", run.GroundTruth[factcheck.CategoryVersion])

	query, err := os.ReadFile(filepath.Join(dir, run.QueryRef))
	require.NoError(t, err)
	assert.Equal(t, req.Query, string(query))

	var refiner StageRecord
	readJSON(t, filepath.Join(dir, "stages", "2-"+string(schema.StageRefiner)+".json"), &refiner)
	assert.Equal(t, 2, refiner.Version)
	assert.True(t, refiner.Retried)
	output, err := os.ReadFile(filepath.Join(dir, refiner.OutputRef))
	require.NoError(t, err)
	assert.Equal(t, "refined", string(output))
}

func TestRecordRequiresInputs(t *testing.T) {
	_, err := Record(t.TempDir(), nil, &pipeline.ConsensusResult{}, nil)
	assert.Error(t, err)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}
