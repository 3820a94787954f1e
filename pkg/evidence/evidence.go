// Package evidence writes a conversation's record to disk: the run summary,
// one file per stage and content-addressed blobs for prompts and outputs.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/quorum/pkg/crypto"
	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/pipeline"
	"github.com/zen-systems/quorum/pkg/schema"
)

// RunRecord captures conversation-level metadata.
type RunRecord struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	QueryHash      string            `json:"query_hash"`
	QueryRef       string            `json:"query_ref,omitempty"`
	Profile        string            `json:"profile"`
	Mode           schema.Mode       `json:"mode"`
	Status         schema.RunStatus  `json:"status"`
	Error          string            `json:"error,omitempty"`
	GroundTruth    factcheck.Facts   `json:"ground_truth,omitempty"`
	Stages         []schema.Stage    `json:"stages"`
	TotalCost      float64           `json:"total_cost"`
	Confidence     float64           `json:"confidence"`
	Health         *factcheck.Report `json:"health,omitempty"`
	DurationMillis int64             `json:"duration_ms"`
}

// StageRecord captures evidence for a single stage.
type StageRecord struct {
	Index          int                       `json:"index"`
	Stage          schema.Stage              `json:"stage"`
	Provider       string                    `json:"provider"`
	Model          string                    `json:"model"`
	ArtifactID     string                    `json:"artifact_id"`
	Version        int                       `json:"version"`
	OutputHash     string                    `json:"output_hash"`
	OutputRef      string                    `json:"output_ref"`
	InputTokens    int                       `json:"input_tokens"`
	OutputTokens   int                       `json:"output_tokens"`
	Cost           float64                   `json:"cost"`
	Confidence     float64                   `json:"confidence"`
	Retried        bool                      `json:"retried"`
	Degraded       bool                      `json:"degraded"`
	FallbackUsed   bool                      `json:"fallback_used"`
	Contradictions []factcheck.Contradiction `json:"contradictions,omitempty"`
	Attempts       []pipeline.Attempt        `json:"attempts,omitempty"`
	DurationMillis int64                     `json:"duration_ms"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<index>-<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if !record.Stage.Valid() {
		return fmt.Errorf("invalid stage %q", record.Stage)
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%d-%s.json", record.Index, record.Stage))
	return writeJSON(path, record)
}

// WriteBlob stores content under blobs/<kind>-<sha256>.txt and returns the
// path relative to the run directory and the hex digest. Writing the same
// content twice yields the same reference.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])
	name := fmt.Sprintf("%s-%s.txt", sanitizeKind(kind), sha)
	ref := "blobs/" + name

	path := filepath.Join(w.runDir, "blobs", name)
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// Record writes the whole bundle for a finished conversation, seals it with
// a manifest and returns the run directory. signer may be nil.
func Record(baseDir string, req *pipeline.Request, result *pipeline.ConsensusResult, signer *crypto.Signer) (string, error) {
	if req == nil || result == nil {
		return "", fmt.Errorf("request and result are required")
	}
	w, err := NewWriter(baseDir, req.ID)
	if err != nil {
		return "", err
	}

	queryRef, queryHash, err := w.WriteBlob("query", []byte(req.Query))
	if err != nil {
		return "", err
	}
	run := RunRecord{
		ID:             req.ID,
		Timestamp:      req.CreatedAt,
		QueryHash:      queryHash,
		QueryRef:       queryRef,
		Mode:           result.Mode,
		Status:         result.Status,
		Error:          result.Error,
		GroundTruth:    req.GroundTruth,
		Stages:         result.StageKinds(),
		TotalCost:      result.TotalCost,
		Confidence:     result.Confidence,
		Health:         result.Health,
		DurationMillis: result.Duration.Milliseconds(),
	}
	if req.Profile != nil {
		run.Profile = req.Profile.Name
	}
	if err := w.WriteRun(run); err != nil {
		return "", err
	}

	for i, s := range result.Stages {
		ref, sha, err := w.WriteBlob("output", []byte(s.Output))
		if err != nil {
			return "", err
		}
		if err := w.WriteStage(StageRecord{
			Index:          i + 1,
			Stage:          s.Stage,
			Provider:       s.Provider,
			Model:          s.Model,
			ArtifactID:     s.ArtifactID,
			Version:        s.Version,
			OutputHash:     sha,
			OutputRef:      ref,
			InputTokens:    s.InputTokens,
			OutputTokens:   s.OutputTokens,
			Cost:           s.Cost,
			Confidence:     s.Confidence,
			Retried:        s.Retried,
			Degraded:       s.Degraded,
			FallbackUsed:   s.FallbackUsed,
			Contradictions: s.Contradictions,
			Attempts:       s.Attempts,
			DurationMillis: s.Duration.Milliseconds(),
		}); err != nil {
			return "", err
		}
	}
	if _, err := w.Seal(signer); err != nil {
		return "", err
	}
	return w.RunDir(), nil
}

func sanitizeKind(kind string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(kind) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "blob"
	}
	return sb.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
