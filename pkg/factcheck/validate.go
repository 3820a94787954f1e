package factcheck

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Severity grades a contradiction.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Weight maps severity to its scoring weight.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityMajor:
		return 0.7
	default:
		return 0.3
	}
}

// Action is the recommended response to a set of contradictions.
type Action string

const (
	ActionAccept           Action = "accept"
	ActionManualReview     Action = "manual_review"
	ActionRetryWithContext Action = "retry_with_context"
	ActionRejectAndRetry   Action = "reject_and_retry"
)

// NumericTolerance is the relative error allowed for count claims.
const NumericTolerance = 0.2

// DefaultConfidence is assigned to output with no checkable claims.
const DefaultConfidence = 0.8

// Contradiction is a claim that conflicts with a verified value.
type Contradiction struct {
	Claim       Claim    `json:"claim"`
	Expected    string   `json:"expected"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
}

// Validate checks claims against facts. It is pure: the same inputs always
// yield the same, deterministically ordered, contradictions. With no facts
// it returns nil.
func Validate(claims []Claim, facts Facts) []Contradiction {
	if facts.Empty() {
		return nil
	}
	var out []Contradiction
	for _, claim := range claims {
		expected, ok := facts[claim.Category]
		if !ok {
			continue
		}
		if c, bad := check(claim, expected); bad {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Claim, out[j].Claim
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Value < b.Value
	})
	return out
}

func check(claim Claim, expected string) (Contradiction, bool) {
	c := Contradiction{Claim: claim, Expected: expected}
	switch claim.Category {
	case CategoryDependencyCount, CategoryModuleCount, CategoryFileCount:
		claimed, err1 := strconv.Atoi(claim.Value)
		actual, err2 := strconv.Atoi(expected)
		if err1 != nil || err2 != nil {
			return c, false
		}
		diff := int(math.Abs(float64(claimed - actual)))
		if float64(diff) <= float64(actual)*NumericTolerance {
			return c, false
		}
		c.Severity = SeverityMajor
		if claim.Category == CategoryDependencyCount && diff > actual/2 {
			c.Severity = SeverityCritical
		}
		c.Explanation = fmt.Sprintf("claimed %d for %s, but verified count is %d (difference: %d)",
			claimed, claim.Category, actual, diff)
		return c, true

	case CategoryComplexity:
		if normalize(claim.Category, claim.Value) == normalize(claim.Category, expected) {
			return c, false
		}
		c.Severity = SeverityCritical
		c.Explanation = fmt.Sprintf("claimed project is %q but verification shows it is %s",
			claim.Value, normalize(claim.Category, expected))
		return c, true

	default:
		if normalize(claim.Category, claim.Value) == normalize(claim.Category, expected) {
			return c, false
		}
		c.Severity = SeverityMajor
		if claim.Category == CategoryName {
			c.Severity = SeverityCritical
		}
		c.Explanation = fmt.Sprintf("claimed %s %q does not match verified %s %q",
			claim.Category, claim.Value, claim.Category, expected)
		return c, true
	}
}

// SeverityScore is the mean severity weight, or 0 with no contradictions.
func SeverityScore(contradictions []Contradiction) float64 {
	if len(contradictions) == 0 {
		return 0
	}
	var total float64
	for _, c := range contradictions {
		total += c.Severity.Weight()
	}
	return total / float64(len(contradictions))
}

// Recommend maps contradictions to an action.
func Recommend(contradictions []Contradiction) Action {
	for _, c := range contradictions {
		if c.Severity == SeverityCritical {
			return ActionRejectAndRetry
		}
	}
	score := SeverityScore(contradictions)
	switch {
	case score > 0.7:
		return ActionRetryWithContext
	case score > 0.4:
		return ActionManualReview
	default:
		return ActionAccept
	}
}

// Confidence scores output from its checked claims: 1 when every claim is
// verified, falling towards 0.5 as severity-weighted contradictions mount.
// Output with no checkable claims gets DefaultConfidence.
func Confidence(claims []Claim, contradictions []Contradiction) float64 {
	if len(claims) == 0 {
		return DefaultConfidence
	}
	var penalty float64
	for _, c := range contradictions {
		penalty += c.Severity.Weight()
	}
	accuracy := 1 - penalty/float64(len(claims))
	if accuracy < 0 {
		accuracy = 0
	}
	return 0.5 + 0.5*accuracy
}
