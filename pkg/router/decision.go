package router

import (
	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/schema"
)

// Candidate is one ranked model for a stage.
type Candidate struct {
	Model  registry.ModelDescriptor `json:"model"`
	Score  float64                  `json:"score"`
	Pinned bool                     `json:"pinned,omitempty"`
	State  breaker.State            `json:"state"`
}

// Selection captures why a model was picked for a stage attempt.
type Selection struct {
	Stage      schema.Stage             `json:"stage"`
	Model      registry.ModelDescriptor `json:"model"`
	Score      float64                  `json:"score"`
	Candidates []Candidate              `json:"candidates,omitempty"`
	Excluded   []string                 `json:"excluded,omitempty"`
	Reasons    []string                 `json:"reasons,omitempty"`
}

// ModeDecision captures the direct-versus-consensus classification.
type ModeDecision struct {
	Mode       schema.Mode `json:"mode"`
	Complexity float64     `json:"complexity"`
	Confidence float64     `json:"confidence"`
	Reasons    []string    `json:"reasons,omitempty"`
}
