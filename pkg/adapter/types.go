package adapter

import "github.com/zen-systems/quorum/pkg/artifact"

// DefaultMaxTokens bounds completions when a request does not set a limit.
const DefaultMaxTokens = 4096

// Request is a provider-neutral model call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Chunk is one streamed text delta.
type Chunk struct {
	Index int
	Text  string
}

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalized fills TotalTokens when a provider omits it.
func (u Usage) Normalized() Usage {
	if u.TotalTokens == 0 && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Response wraps an adapter output and optional usage data.
type Response struct {
	Artifact     *artifact.Artifact
	Usage        *Usage
	FinishReason string
}

// Content returns the response text, or "" for an empty response.
func (r *Response) Content() string {
	if r == nil || r.Artifact == nil {
		return ""
	}
	return r.Artifact.Content
}

// UsageOrZero returns normalized usage, treating a missing report as zero.
func (r *Response) UsageOrZero() Usage {
	if r == nil || r.Usage == nil {
		return Usage{}
	}
	return r.Usage.Normalized()
}
