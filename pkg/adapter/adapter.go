package adapter

import (
	"context"
	"fmt"
	"sort"
)

// Adapter defines the uniform call interface to an upstream model provider.
type Adapter interface {
	// Generate sends a request and waits for the complete response.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and delivers text deltas on chunks as they
	// arrive. The caller owns chunks; adapters never close it. A nil
	// channel is allowed and disables delta delivery.
	Stream(ctx context.Context, req *Request, chunks chan<- Chunk) (*Response, error)

	// Name returns the provider identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Gateway maps provider names to their adapter. It is assembled once when
// configuration is loaded and only read afterwards.
type Gateway map[string]Adapter

// Get returns the adapter for a provider.
func (g Gateway) Get(provider string) (Adapter, error) {
	a, ok := g[provider]
	if !ok || a == nil {
		return nil, fmt.Errorf("no adapter configured for provider %q", provider)
	}
	return a, nil
}

// Providers returns the configured provider names in sorted order.
func (g Gateway) Providers() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emit delivers a chunk unless the channel is nil, honouring cancellation.
func emit(ctx context.Context, chunks chan<- Chunk, chunk Chunk) error {
	if chunks == nil || chunk.Text == "" {
		return nil
	}
	select {
	case chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxTokens(req *Request) int {
	if req == nil || req.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return req.MaxTokens
}
