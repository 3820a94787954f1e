package router

import (
	"fmt"
	"strings"

	"github.com/zen-systems/quorum/pkg/enrich"
	"github.com/zen-systems/quorum/pkg/schema"
)

// DefaultComplexityThreshold is the complexity at or above which a query
// takes the full consensus path.
const DefaultComplexityThreshold = 0.4

const longQueryWords = 50

var (
	requirementWords = []string{"and", "also", "additionally", "furthermore", "plus"}
	conditionalWords = []string{"if", "when", "unless", "while", "until", "after", "before"}
	analysisWords    = []string{"analyze", "analyse", "debug", "investigate", "review", "audit", "assess", "compare"}
	designWords      = []string{"architecture", "design", "structure", "pattern", "framework", "system"}
)

// ClassifyMode scores query complexity from length, structure and keywords
// and picks the direct path for simple queries.
func ClassifyMode(query string) *ModeDecision {
	return ClassifyModeWithThreshold(query, DefaultComplexityThreshold)
}

// ClassifyModeWithThreshold is ClassifyMode with an explicit threshold.
func ClassifyModeWithThreshold(query string, threshold float64) *ModeDecision {
	lower := strings.ToLower(strings.TrimSpace(query))
	var complexity float64
	var reasons []string

	words := len(strings.Fields(lower))
	if words > longQueryWords {
		complexity += 0.3
		reasons = append(reasons, fmt.Sprintf("long query (%d words)", words))
	}

	if n := countTriggers(lower, requirementWords); n > 0 {
		complexity += 0.1 * float64(n)
		reasons = append(reasons, fmt.Sprintf("multiple requirements=%d", n))
	}
	if n := countTriggers(lower, conditionalWords); n > 0 {
		complexity += 0.15 * float64(n)
		reasons = append(reasons, fmt.Sprintf("conditionals=%d", n))
	}
	if countTriggers(lower, analysisWords) > 0 {
		complexity += 0.4
		reasons = append(reasons, "analysis request")
	}
	if enrich.ContainsWord(lower, "explain") && len(lower) > 50 {
		complexity += 0.2
		reasons = append(reasons, "detailed explanation")
	}
	if countTriggers(lower, designWords) > 0 {
		complexity += 0.3
		reasons = append(reasons, "design discussion")
	}
	if strings.Count(lower, "?") > 1 {
		complexity += 0.1
		reasons = append(reasons, "multiple questions")
	}
	if strings.Contains(lower, "```") {
		complexity += 0.3
		reasons = append(reasons, "code block")
	}

	complexity = minFloat(complexity, 1.0)
	decision := &ModeDecision{Complexity: complexity, Reasons: reasons}
	if complexity >= threshold {
		decision.Mode = schema.ModeConsensus
		decision.Confidence = maxFloat(complexity, 0.5)
	} else {
		decision.Mode = schema.ModeDirect
		decision.Confidence = 1 - complexity
	}
	if len(decision.Reasons) == 0 {
		decision.Reasons = []string{"no complexity signals"}
	}
	return decision
}

func countTriggers(text string, triggers []string) int {
	n := 0
	for _, trig := range triggers {
		if enrich.ContainsWord(text, trig) {
			n++
		}
	}
	return n
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
