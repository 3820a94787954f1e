package cost

import "github.com/zen-systems/quorum/pkg/registry"

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateCost prices a call from the model's per-1K token rates.
func EstimateCost(d registry.ModelDescriptor, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*d.PromptPer1K + float64(outputTokens)/1000.0*d.CompletionPer1K
}

// ProjectCost is the worst case for a call: the whole prompt plus a
// completion that uses every allowed output token.
func ProjectCost(d registry.ModelDescriptor, prompt string, maxOutputTokens int) float64 {
	return EstimateCost(d, EstimateTokens(prompt), maxOutputTokens)
}
