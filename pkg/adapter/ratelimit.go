package adapter

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrRateLimited marks a call refused locally because no token would be
// available before the caller's deadline. The model was never contacted.
var ErrRateLimited = errors.New("rate limit wait exceeds deadline")

// RateLimitedAdapter gates every call to an adapter through a token bucket.
type RateLimitedAdapter struct {
	Adapter
	limiter *rate.Limiter
}

// RateLimited wraps a with a limiter allowing rps requests per second and
// the given burst. A non-positive rps returns a unchanged.
func RateLimited(a Adapter, rps float64, burst int) Adapter {
	if a == nil || rps <= 0 {
		return a
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedAdapter{
		Adapter: a,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate waits for a token and delegates.
func (r *RateLimitedAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.Adapter.Generate(ctx, req)
}

// Stream waits for a token and delegates.
func (r *RateLimitedAdapter) Stream(ctx context.Context, req *Request, chunks chan<- Chunk) (*Response, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.Adapter.Stream(ctx, req, chunks)
}

// wait blocks for a token. Context errors pass through unchanged; a refusal
// from the limiter itself is transient so the caller can try another model.
func (r *RateLimitedAdapter) wait(ctx context.Context) error {
	err := r.limiter.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return &ProviderError{Provider: r.Name(), Temporary: true, Err: fmt.Errorf("%w: %v", ErrRateLimited, err)}
}
