package gate

import (
	"fmt"
	"math"

	"github.com/zen-systems/quorum/pkg/artifact"
	"github.com/zen-systems/quorum/pkg/factcheck"
)

// FactGate fails output that contradicts verified ground truth.
type FactGate struct {
	facts factcheck.Facts
}

// NewFactGate creates a gate over facts. A gate with no facts passes
// everything at the default confidence.
func NewFactGate(facts factcheck.Facts) *FactGate {
	return &FactGate{facts: facts}
}

// Name returns the gate identifier.
func (g *FactGate) Name() string {
	return "factcheck"
}

// Evaluate extracts claims from the artifact and checks them against the
// gate's facts.
func (g *FactGate) Evaluate(art *artifact.Artifact) (*GateResult, error) {
	if art == nil {
		return nil, fmt.Errorf("factcheck: nil artifact")
	}
	if g.facts.Empty() {
		result := NewPassingResult(scoreOf(factcheck.DefaultConfidence))
		result.Confidence = factcheck.DefaultConfidence
		return result, nil
	}

	claims := factcheck.ExtractClaims(art.Content, g.facts.Categories())
	contradictions := factcheck.Validate(claims, g.facts)
	confidence := factcheck.Confidence(claims, contradictions)

	if len(contradictions) == 0 {
		result := NewPassingResult(scoreOf(confidence))
		result.Confidence = confidence
		result.Claims = claims
		return result, nil
	}

	violations := make([]Violation, 0, len(contradictions))
	hints := make([]string, 0, len(contradictions))
	for _, c := range contradictions {
		violations = append(violations, Violation{
			Rule:       "fact." + string(c.Claim.Category),
			Severity:   violationSeverity(c.Severity),
			Message:    c.Explanation,
			Location:   c.Claim.Text,
			Suggestion: fmt.Sprintf("State the %s as %s.", c.Claim.Category, c.Expected),
		})
		hints = append(hints, fmt.Sprintf("%s: %s (you wrote %q)", c.Claim.Category, c.Expected, c.Claim.Value))
	}

	result := NewFailingResult(scoreOf(confidence), violations, hints)
	result.Confidence = confidence
	result.Claims = claims
	result.Contradictions = contradictions
	result.Action = factcheck.Recommend(contradictions)
	return result, nil
}

func violationSeverity(s factcheck.Severity) string {
	switch s {
	case factcheck.SeverityCritical, factcheck.SeverityMajor:
		return "error"
	default:
		return "warning"
	}
}

func scoreOf(confidence float64) int {
	return int(math.Round(confidence * 100))
}
