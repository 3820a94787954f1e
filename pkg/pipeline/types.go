// Package pipeline runs a query through the Generator, Refiner, Validator
// and Curator stages and assembles the consensus result.
package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/router"
	"github.com/zen-systems/quorum/pkg/schema"
)

var (
	// ErrCancelled means the conversation was cancelled before it finished.
	ErrCancelled = errors.New("conversation cancelled")

	// ErrValidationFailed means contradictions survived every corrective
	// retry and reached the configured hard-fail threshold.
	ErrValidationFailed = errors.New("fact validation failed")
)

// Request is one conversation. It is not modified once a run starts.
type Request struct {
	ID          string           `json:"id"`
	Query       string           `json:"query"`
	Profile     *profile.Profile `json:"profile"`
	GroundTruth factcheck.Facts  `json:"ground_truth,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NewRequest stamps a new conversation id and creation time.
func NewRequest(query string, p *profile.Profile, facts factcheck.Facts) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Query:       query,
		Profile:     p,
		GroundTruth: facts,
		CreatedAt:   time.Now().UTC(),
	}
}

// Attempt is one model call made for a stage.
type Attempt struct {
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Call outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeTimeout      = "timeout"
	OutcomeTransient    = "transient_error"
	OutcomePermanent    = "permanent_error"
	OutcomeUnconfigured = "unconfigured"
)

// StageResult is an accepted stage.
type StageResult struct {
	Stage          schema.Stage              `json:"stage"`
	Model          string                    `json:"model"`
	Provider       string                    `json:"provider"`
	Output         string                    `json:"output"`
	ArtifactID     string                    `json:"artifact_id"`
	Version        int                       `json:"version"`
	InputTokens    int                       `json:"input_tokens"`
	OutputTokens   int                       `json:"output_tokens"`
	Cost           float64                   `json:"cost"`
	Duration       time.Duration             `json:"duration"`
	Retried        bool                      `json:"retried"`
	Degraded       bool                      `json:"degraded"`
	FallbackUsed   bool                      `json:"fallback_used"`
	Confidence     float64                   `json:"confidence"`
	Contradictions []factcheck.Contradiction `json:"contradictions,omitempty"`
	Attempts       []Attempt                 `json:"attempts"`
}

// ConsensusResult is the outcome of a run. Stages are in pipeline order
// and TotalCost is their sum.
type ConsensusResult struct {
	ConversationID string               `json:"conversation_id"`
	Mode           schema.Mode          `json:"mode"`
	ModeDecision   *router.ModeDecision `json:"mode_decision,omitempty"`
	Stages         []StageResult        `json:"stages"`
	FinalAnswer    string               `json:"final_answer"`
	TotalCost      float64              `json:"total_cost"`
	Duration       time.Duration        `json:"duration"`
	Confidence     float64              `json:"confidence"`
	Health         *factcheck.Report    `json:"health,omitempty"`
	Status         schema.RunStatus     `json:"status"`
	Err            error                `json:"-"`
	Error          string               `json:"error,omitempty"`
}

// StageKinds returns the stage of each result in order.
func (r *ConsensusResult) StageKinds() []schema.Stage {
	out := make([]schema.Stage, 0, len(r.Stages))
	for _, s := range r.Stages {
		out = append(out, s.Stage)
	}
	return out
}
