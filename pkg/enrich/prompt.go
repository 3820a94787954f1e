package enrich

import (
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/schema"
)

const (
	preambleHeader = "=== VERIFIED FACTS (MANDATORY) ==="
	preambleFooter = "=== END VERIFIED FACTS ==="
)

// EnrichedPrompt is the prompt for one stage call.
type EnrichedPrompt struct {
	System   string
	User     string
	Preamble string
	Temporal *Temporal
}

// Builder assembles stage prompts.
type Builder struct {
	now   func() time.Time
	loc   *time.Location
	hours BusinessHours
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the time source for temporal context.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLocation sets the time zone for temporal context.
func WithLocation(loc *time.Location) Option {
	return func(b *Builder) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// WithBusinessHours overrides the standard working window.
func WithBusinessHours(hours BusinessHours) Option {
	return func(b *Builder) {
		b.hours = hours
	}
}

// NewBuilder creates a Builder using the local zone and standard hours.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		now:   time.Now,
		loc:   time.Local,
		hours: StandardBusinessHours(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the prompt for stage. prior is the previous stage's
// output and is empty for the Generator.
func (b *Builder) Build(stage schema.Stage, query, prior string, facts factcheck.Facts) EnrichedPrompt {
	out := EnrichedPrompt{
		System:   SystemPrompt(stage),
		Preamble: Preamble(facts),
	}

	var sb strings.Builder
	if out.Preamble != "" {
		sb.WriteString(out.Preamble)
		sb.WriteString("\n")
	}

	if NeedsTemporalContext(query) {
		t := TemporalContext(b.now(), b.loc, b.hours)
		out.Temporal = &t
		sb.WriteString("## TEMPORAL CONTEXT\n")
		sb.WriteString(t.Render())
		sb.WriteString("\n")
	}

	sb.WriteString(stageInstruction(stage, !facts.Empty()))
	sb.WriteString("\n\n")

	sb.WriteString("USER QUESTION:\n")
	sb.WriteString(strings.TrimSpace(query))
	sb.WriteString("\n")

	if prior != "" {
		sb.WriteString(fmt.Sprintf("\nPREVIOUS STAGE OUTPUT (%s):\n---\n", previousStage(stage).DisplayName()))
		sb.WriteString(strings.TrimSpace(prior))
		sb.WriteString("\n---\n")
	}

	out.User = sb.String()
	return out
}

// Preamble renders facts as the delimited block placed at the top of every
// stage prompt. The text depends only on facts. It is empty without facts.
func Preamble(facts factcheck.Facts) string {
	if facts.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(preambleHeader)
	sb.WriteString("\n")
	for _, line := range facts.Lines() {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("These values are verified. Any statement that contradicts them is incorrect.\n")
	sb.WriteString(preambleFooter)
	sb.WriteString("\n")
	return sb.String()
}

// SystemPrompt returns the role prompt for a stage.
func SystemPrompt(stage schema.Stage) string {
	switch stage {
	case schema.StageGenerator:
		return "You are the Generator in a four-stage consensus pipeline. Produce a thorough, well-structured first answer to the user's question."
	case schema.StageRefiner:
		return "You are the Refiner in a four-stage consensus pipeline. Improve the previous answer for clarity, accuracy and completeness without changing correct content."
	case schema.StageValidator:
		return "You are the Validator in a four-stage consensus pipeline. Check the previous answer for errors and unsupported claims, then return a corrected answer."
	case schema.StageCurator:
		return "You are the Curator in a four-stage consensus pipeline. Produce the final, polished answer for the user from the validated analysis."
	default:
		return ""
	}
}

func stageInstruction(stage schema.Stage, hasFacts bool) string {
	if hasFacts {
		switch stage {
		case schema.StageGenerator:
			return "GENERATOR: Base your analysis on the VERIFIED FACTS above."
		case schema.StageRefiner:
			return "REFINER: Improve the previous output while staying true to the VERIFIED FACTS above."
		case schema.StageValidator:
			return "VALIDATOR: Validate the previous output against the VERIFIED FACTS above and correct any claim that contradicts them."
		case schema.StageCurator:
			return "CURATOR: Write the final answer using only information consistent with the VERIFIED FACTS above."
		}
	}
	switch stage {
	case schema.StageGenerator:
		return "GENERATOR: Answer the question comprehensively."
	case schema.StageRefiner:
		return "REFINER: Improve the previous output."
	case schema.StageValidator:
		return "VALIDATOR: Check the previous output for mistakes and fix them."
	case schema.StageCurator:
		return "CURATOR: Synthesise the final answer from the previous output."
	default:
		return ""
	}
}

func previousStage(stage schema.Stage) schema.Stage {
	i := stage.Index()
	if i <= 0 {
		return ""
	}
	return schema.Stages()[i-1]
}
