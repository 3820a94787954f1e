package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/quorum/pkg/adapter"
	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/progress"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/router"
	"github.com/zen-systems/quorum/pkg/schema"
)

// callResult is a successful model call.
type callResult struct {
	resp         *adapter.Response
	model        registry.ModelDescriptor
	fallbackUsed bool
	inputTokens  int
	outputTokens int
	cost         float64
}

// callWithFallback selects a model for the stage and calls it, moving down
// the ranking on transient failures. Every failed call consumes one step of
// the fallback depth. Permanent errors, budget rejections and cancellation
// end the walk immediately.
func (o *Orchestrator) callWithFallback(ctx context.Context, req *Request, stage schema.Stage, system, prompt string) (*callResult, []Attempt, error) {
	tried := make(map[string]bool)
	var attempts []Attempt
	var lastErr error
	calls := 0
	maxCalls := o.cfg.Fallback.Depth() + 1

	for calls < maxCalls {
		if ctx.Err() != nil {
			return nil, attempts, ErrCancelled
		}

		sel, err := o.selector.SelectWithDecision(stage, req.Profile, tried)
		if err != nil {
			if lastErr != nil {
				return nil, attempts, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, attempts, err
		}
		d := sel.Model
		tried[d.ID] = true

		a, err := o.gateway.Get(d.Provider)
		if err != nil {
			attempts = append(attempts, Attempt{Model: d.ID, Provider: d.Provider, Outcome: OutcomeUnconfigured, Error: err.Error()})
			lastErr = err
			continue
		}

		maxOut := req.Profile.MaxTokens(stage)
		if maxOut <= 0 {
			maxOut = adapter.DefaultMaxTokens
		}
		projected := cost.ProjectCost(d, system+prompt, maxOut)
		if err := o.costs.CheckBudget(req.ID, req.Profile.BudgetLimit, projected); err != nil {
			return nil, attempts, err
		}

		if calls > 0 {
			o.metrics.Fallback(stage)
			backoff := computeBackoff(o.cfg.Fallback.BaseBackoffMs, o.cfg.Fallback.MaxBackoffMs, calls-1)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return nil, attempts, ErrCancelled
			}
		}
		calls++

		call := &adapter.Request{
			Model:       d.ID,
			System:      system,
			Prompt:      prompt,
			MaxTokens:   maxOut,
			Temperature: req.Profile.Temperature(stage),
		}
		resp, latency, err := o.stream(ctx, req.ID, stage, a, call)
		if ctx.Err() != nil {
			// Cancelled mid-call: nothing is recorded for a partial outcome.
			return nil, attempts, ErrCancelled
		}

		if err != nil {
			outcome := OutcomePermanent
			switch {
			case errors.Is(err, adapter.ErrTimeout):
				outcome = OutcomeTimeout
			case adapter.IsTransient(err):
				outcome = OutcomeTransient
			}
			if !errors.Is(err, adapter.ErrRateLimited) {
				o.selector.RecordOutcome(d.ID, false, latency)
			}
			o.metrics.ObserveCall(d.Provider, d.ID, outcome, latency)
			attempts = append(attempts, Attempt{Model: d.ID, Provider: d.Provider, Outcome: outcome, Error: err.Error(), Duration: latency})
			o.logger.Warn().
				Err(err).
				Str("conversation", req.ID).
				Str("stage", string(stage)).
				Str("model", d.ID).
				Str("outcome", outcome).
				Msg("model call failed")

			if outcome == OutcomePermanent {
				return nil, attempts, err
			}
			lastErr = err
			continue
		}

		o.selector.RecordOutcome(d.ID, true, latency)
		o.metrics.ObserveCall(d.Provider, d.ID, OutcomeSuccess, latency)
		attempts = append(attempts, Attempt{Model: d.ID, Provider: d.Provider, Outcome: OutcomeSuccess, Duration: latency})

		usage := resp.UsageOrZero()
		in, out := usage.PromptTokens, usage.CompletionTokens
		if in == 0 {
			in = cost.EstimateTokens(system + prompt)
		}
		if out == 0 {
			out = cost.EstimateTokens(resp.Content())
		}
		spent := cost.EstimateCost(d, in, out)
		o.costs.RecordUsage(ctx, cost.Usage{
			ConversationID: req.ID,
			Stage:          stage,
			Model:          d.ID,
			Provider:       d.Provider,
			InputTokens:    in,
			OutputTokens:   out,
			Cost:           spent,
		})
		o.metrics.AddCost(stage, d.ID, spent)

		return &callResult{
			resp:         resp,
			model:        d,
			fallbackUsed: calls > 1,
			inputTokens:  in,
			outputTokens: out,
			cost:         spent,
		}, attempts, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no call attempted")
	}
	return nil, attempts, fmt.Errorf("%w: fallback chain exhausted for %s stage: %v", router.ErrModelUnavailable, stage, lastErr)
}

// stream makes one call under the per-call timeout and forwards chunks as
// progress events. A deadline hit by the call itself becomes a transient
// timeout error.
func (o *Orchestrator) stream(ctx context.Context, conversationID string, stage schema.Stage, a adapter.Adapter, call *adapter.Request) (*adapter.Response, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	chunks := make(chan adapter.Chunk, o.cfg.Progress.ChunkBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		expected := call.MaxTokens * 4
		received := 0
		for chunk := range chunks {
			received += len(chunk.Text)
			o.publish(progress.Event{
				ConversationID: conversationID,
				Stage:          stage,
				Percent:        streamPercent(received, expected),
				Chunk:          chunk.Text,
				Model:          call.Model,
				Status:         schema.ProgressRunning,
			})
		}
	}()

	start := time.Now()
	resp, err := a.Stream(callCtx, call, chunks)
	latency := time.Since(start)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	close(chunks)
	<-forwarded

	if err == nil && resp.Content() == "" {
		err = &adapter.ProviderError{Provider: a.Name(), Temporary: true, Err: fmt.Errorf("empty response from %s", call.Model)}
	}
	if err != nil && timedOut {
		err = adapter.NewTimeoutError(a.Name(), err)
	}
	return resp, latency, err
}

// streamPercent estimates progress from bytes received against the output
// cap. It stays below 100 until the stage is accepted.
func streamPercent(received, expected int) int {
	if expected <= 0 {
		return 0
	}
	p := received * 100 / expected
	if p > 99 {
		return 99
	}
	return p
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= time.Duration(maxMs)*time.Millisecond {
			return time.Duration(maxMs) * time.Millisecond
		}
	}
	if backoff > time.Duration(maxMs)*time.Millisecond {
		return time.Duration(maxMs) * time.Millisecond
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
