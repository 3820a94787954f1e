package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/quorum/pkg/artifact"
	"github.com/zen-systems/quorum/pkg/gate"
)

// CorrectivePrompt asks a stage to rewrite output that failed the fact gate.
// It is appended to the stage's original prompt so the retry keeps the
// same task and verified facts.
func CorrectivePrompt(original *artifact.Artifact, result *gate.GateResult) string {
	var sb strings.Builder

	sb.WriteString("Your previous answer contradicted the verified facts:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(original.Content)
	sb.WriteString("\n---\n\n")

	sb.WriteString("Issues found:\n")
	for _, v := range result.Violations {
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", v.Severity, v.Rule, v.Message))
		if v.Suggestion != "" {
			sb.WriteString(fmt.Sprintf("  Suggestion: %s\n", v.Suggestion))
		}
	}

	if len(result.RepairHints) > 0 {
		sb.WriteString("\nCorrect values:\n")
		for _, hint := range result.RepairHints {
			sb.WriteString(fmt.Sprintf("- %s\n", hint))
		}
	}

	sb.WriteString("\nRewrite your answer so every statement agrees with the verified facts.")

	return sb.String()
}

// EscalationPrompt is used when a retry repeated the previous output
// unchanged.
func EscalationPrompt(original *artifact.Artifact, result *gate.GateResult) string {
	var sb strings.Builder

	sb.WriteString("Your answer repeated the same factual errors.\n")
	sb.WriteString("Do NOT repeat the previous output; correct the statements listed below.\n\n")

	sb.WriteString("Issues found:\n")
	for _, v := range result.Violations {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", v.Rule, v.Message))
	}

	sb.WriteString("\nPrevious output:\n---\n")
	sb.WriteString(original.Content)
	sb.WriteString("\n---\n")
	sb.WriteString("\nProvide a corrected answer that uses only the verified values.\n")

	return sb.String()
}

// Repeated reports whether next is a verbatim repeat of prev.
func Repeated(prev, next *artifact.Artifact) bool {
	if prev == nil || next == nil {
		return false
	}
	return strings.TrimSpace(prev.Content) == strings.TrimSpace(next.Content)
}
