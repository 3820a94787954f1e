package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zen-systems/quorum/pkg/artifact"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	mu              sync.Mutex
	name            string
	models          []string
	responses       map[string]string
	defaultResponse string
	calls           int

	Usage *Usage
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		name:            "mock",
		models:          []string{"mock-1"},
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses
// keyed by model. Models without an entry echo the prompt after defaultResponse.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	m := NewMockAdapter()
	m.responses = responses
	m.defaultResponse = defaultResponse
	return m
}

// WithIdentity renames the mock so it can stand in for any provider.
func (a *MockAdapter) WithIdentity(name string, models ...string) *MockAdapter {
	a.name = name
	if len(models) > 0 {
		a.models = models
	}
	return a
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return append([]string(nil), a.models...)
}

// Calls returns the number of requests served.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Generate returns a deterministic artifact for the request.
func (a *MockAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	return a.Stream(ctx, req, nil)
}

// Stream emits the deterministic response word by word.
func (a *MockAdapter) Stream(ctx context.Context, req *Request, chunks chan<- Chunk) (*Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	model := req.Model
	if model == "" {
		model = a.models[0]
	}
	content, ok := a.responses[model]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
	}

	for i, word := range strings.SplitAfter(content, " ") {
		if err := emit(ctx, chunks, Chunk{Index: i, Text: word}); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usage := Usage{
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(content) / 4,
	}
	if a.Usage != nil {
		usage = *a.Usage
	}
	usage = usage.Normalized()

	return &Response{
		Artifact:     artifact.New(content, a.Name(), model, req.Prompt),
		Usage:        &usage,
		FinishReason: "stop",
	}, nil
}
