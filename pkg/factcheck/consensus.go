package factcheck

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zen-systems/quorum/pkg/schema"
)

// Health summarises agreement between stages.
type Health string

const (
	Healthy     Health = "healthy"
	Compromised Health = "compromised"
)

// crossStageTolerance is the relative spread allowed before a count
// disagreement between stages stops being minor.
const crossStageTolerance = 0.3

// StageOutput is one stage's accepted text.
type StageOutput struct {
	Stage schema.Stage
	Text  string
}

// StageValue is the value one stage asserted.
type StageValue struct {
	Stage schema.Stage `json:"stage"`
	Value string       `json:"value"`
}

// Discrepancy is a category on which stages disagree.
type Discrepancy struct {
	Category    Category     `json:"category"`
	Values      []StageValue `json:"values"`
	Severity    Severity     `json:"severity"`
	Explanation string       `json:"explanation"`
}

// Report is the outcome of a cross-stage check.
type Report struct {
	Health         Health         `json:"health"`
	Discrepancies  []Discrepancy  `json:"discrepancies,omitempty"`
	Outliers       []schema.Stage `json:"outliers,omitempty"`
	AgreementScore float64        `json:"agreement_score"`
	Action         Action         `json:"action"`
}

// CrossStageCheck compares the claims each stage made in the given
// categories. Fewer than two outputs is trivially healthy.
func CrossStageCheck(outputs []StageOutput, categories []Category) Report {
	report := Report{Health: Healthy, AgreementScore: 1, Action: ActionAccept}
	if len(outputs) < 2 {
		return report
	}
	if len(categories) == 0 {
		categories = AllCategories()
	}

	claimsByStage := make([][]Claim, len(outputs))
	for i, out := range outputs {
		claimsByStage[i] = ExtractClaims(out.Text, categories)
	}

	for _, cat := range categories {
		var values []StageValue
		distinct := make(map[string]bool)
		for i, out := range outputs {
			for _, claim := range claimsByStage[i] {
				if claim.Category != cat {
					continue
				}
				values = append(values, StageValue{Stage: out.Stage, Value: claim.Value})
				distinct[normalize(cat, claim.Value)] = true
			}
		}
		if len(values) < 2 || len(distinct) < 2 {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Category:    cat,
			Values:      values,
			Severity:    discrepancySeverity(cat, values),
			Explanation: explainDiscrepancy(cat, values),
		})
	}

	if len(report.Discrepancies) == 0 {
		return report
	}
	report.Health = Compromised
	report.Outliers = outliers(report.Discrepancies)
	report.AgreementScore = agreement(report.Discrepancies)
	report.Action = discrepancyAction(report.Discrepancies)
	return report
}

func discrepancySeverity(cat Category, values []StageValue) Severity {
	switch cat {
	case CategoryName, CategoryComplexity:
		return SeverityCritical
	case CategoryVersion, CategoryLanguage:
		return SeverityMajor
	case CategoryDependencyCount, CategoryModuleCount, CategoryFileCount:
		var nums []int
		for _, v := range values {
			if n, err := strconv.Atoi(v.Value); err == nil {
				nums = append(nums, n)
			}
		}
		if len(nums) < 2 {
			return SeverityMajor
		}
		sort.Ints(nums)
		lo, hi := nums[0], nums[len(nums)-1]
		if float64(hi-lo) > float64(lo)*crossStageTolerance {
			return SeverityMajor
		}
		return SeverityMinor
	default:
		return SeverityMinor
	}
}

func explainDiscrepancy(cat Category, values []StageValue) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%s: %q", v.Stage.DisplayName(), v.Value))
	}
	return fmt.Sprintf("stages disagree on %s: %s", cat, strings.Join(parts, ", "))
}

// outliers returns stages involved in more discrepancies than average, in
// stage order.
func outliers(discrepancies []Discrepancy) []schema.Stage {
	counts := make(map[schema.Stage]int)
	for _, d := range discrepancies {
		involved := make(map[schema.Stage]bool)
		for _, v := range d.Values {
			involved[v.Stage] = true
		}
		for stage := range involved {
			counts[stage]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	avg := float64(total) / float64(len(counts))

	var out []schema.Stage
	for _, stage := range schema.Stages() {
		if float64(counts[stage]) > avg {
			out = append(out, stage)
		}
	}
	return out
}

func agreement(discrepancies []Discrepancy) float64 {
	if len(discrepancies) == 0 {
		return 1
	}
	var total float64
	for _, d := range discrepancies {
		total += d.Severity.Weight()
	}
	score := 1 - total/float64(len(discrepancies))
	if score < 0 {
		return 0
	}
	return score
}

func discrepancyAction(discrepancies []Discrepancy) Action {
	major := 0
	for _, d := range discrepancies {
		switch d.Severity {
		case SeverityCritical:
			return ActionRejectAndRetry
		case SeverityMajor:
			major++
		}
	}
	switch {
	case major > 2:
		return ActionRetryWithContext
	case major > 0:
		return ActionManualReview
	default:
		return ActionAccept
	}
}
