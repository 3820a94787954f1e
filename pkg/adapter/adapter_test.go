package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout", NewTimeoutError("openai", nil), true},
		{"rate limited", &ProviderError{Provider: "openai", Status: 429}, true},
		{"server error", &ProviderError{Provider: "openai", Status: 503}, true},
		{"request timeout", &ProviderError{Provider: "openai", Status: 408}, true},
		{"temporary", &ProviderError{Provider: "openai", Temporary: true}, true},
		{"bad request", &ProviderError{Provider: "openai", Status: 400}, false},
		{"unauthorized", &ProviderError{Provider: "openai", Status: 401}, false},
		{"wrapped server error", fmt.Errorf("call: %w", &ProviderError{Status: 500}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTimeoutErrorWrapsCause(t *testing.T) {
	err := NewTimeoutError("anthropic", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, err.Temporary)
	assert.Contains(t, err.Error(), "anthropic")
}

func TestWrapStatusPassesContextErrors(t *testing.T) {
	assert.Nil(t, wrapStatus("openai", 500, nil))
	assert.Equal(t, context.Canceled, wrapStatus("openai", 0, context.Canceled))

	err := wrapStatus("openai", 502, errors.New("bad gateway"))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 502, pe.Status)
	assert.True(t, IsTransient(err))
}

func TestGateway(t *testing.T) {
	g := Gateway{
		"openai": NewMockAdapter().WithIdentity("openai", "gpt-4o"),
		"mock":   NewMockAdapter(),
	}
	a, err := g.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())
	assert.Equal(t, []string{"gpt-4o"}, a.Models())

	_, err = g.Get("google")
	assert.Error(t, err)
	assert.Equal(t, []string{"mock", "openai"}, g.Providers())
}

func TestMockStreamsWords(t *testing.T) {
	m := NewMockAdapterWithResponses(map[string]string{"mock-1": "four is the answer"}, "")
	chunks := make(chan Chunk, 16)

	resp, err := m.Stream(context.Background(), &Request{Model: "mock-1", Prompt: "What is 2+2?"}, chunks)
	require.NoError(t, err)
	close(chunks)

	var sb strings.Builder
	n := 0
	for c := range chunks {
		assert.Equal(t, n, c.Index)
		sb.WriteString(c.Text)
		n++
	}
	assert.Equal(t, 4, n)
	assert.Equal(t, "four is the answer", sb.String())
	assert.Equal(t, "four is the answer", resp.Content())
	assert.Equal(t, "mock", resp.Artifact.Provider)
	assert.Equal(t, "stop", resp.FinishReason)

	usage := resp.UsageOrZero()
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)
	assert.Equal(t, 1, m.Calls())
}

func TestMockEchoesPromptWithoutResponse(t *testing.T) {
	m := NewMockAdapter()
	resp, err := m.Generate(context.Background(), &Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "mock response:\nhello", resp.Content())
	assert.Equal(t, "mock-1", resp.Artifact.Model)
}

func TestMockUsageOverride(t *testing.T) {
	m := NewMockAdapter()
	m.Usage = &Usage{PromptTokens: 10, CompletionTokens: 5}
	resp, err := m.Generate(context.Background(), &Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, resp.UsageOrZero())
}

func TestMockHonoursCancellation(t *testing.T) {
	m := NewMockAdapterWithResponses(map[string]string{"mock-1": "a b c d"}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Unbuffered and unread, so the first chunk blocks until cancellation.
	_, err := m.Stream(ctx, &Request{Model: "mock-1"}, make(chan Chunk))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResponseHelpersOnNil(t *testing.T) {
	var r *Response
	assert.Equal(t, "", r.Content())
	assert.Equal(t, Usage{}, r.UsageOrZero())
	assert.Equal(t, DefaultMaxTokens, maxTokens(&Request{}))
	assert.Equal(t, 100, maxTokens(&Request{MaxTokens: 100}))
}

func TestRateLimitedDisabled(t *testing.T) {
	m := NewMockAdapter()
	assert.Same(t, m, RateLimited(m, 0, 1))
}

func TestRateLimitedWaitsForToken(t *testing.T) {
	m := NewMockAdapter()
	limited := RateLimited(m, 0.001, 1)
	require.IsType(t, &RateLimitedAdapter{}, limited)
	assert.Equal(t, "mock", limited.Name())

	_, err := limited.Generate(context.Background(), &Request{Prompt: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.Stream(ctx, &Request{Prompt: "second"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, m.Calls())

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = limited.Generate(cancelled, &Request{Prompt: "third"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.False(t, IsTransient(err))
}

func TestCompatibleAdapterRequiresCredentials(t *testing.T) {
	_, err := NewCompatibleAdapter("local", "http://localhost:8080/v1", "", nil)
	assert.Error(t, err)
	_, err = NewCompatibleAdapter("local", "", "key", nil)
	assert.Error(t, err)

	a, err := NewCompatibleAdapter("local", "http://localhost:8080/v1", "key", []string{"llama"})
	require.NoError(t, err)
	assert.Equal(t, "local", a.Name())
	assert.Equal(t, []string{"llama"}, a.Models())
}
