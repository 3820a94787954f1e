package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/gate"
	"github.com/zen-systems/quorum/pkg/progress"
	"github.com/zen-systems/quorum/pkg/repair"
	"github.com/zen-systems/quorum/pkg/schema"
)

// runStage executes one stage: build the prompt, call a model through the
// fallback chain, check the output against ground truth and retry with a
// corrective prompt when it contradicts. Output that still contradicts
// after the retries is accepted as degraded unless the hard-fail threshold
// is reached.
func (o *Orchestrator) runStage(ctx context.Context, req *Request, stage schema.Stage, prior string) (*StageResult, error) {
	start := time.Now()
	prompt := o.prompts.Build(stage, req.Query, prior, req.GroundTruth)
	logger := o.logger.With().Str("conversation", req.ID).Str("stage", string(stage)).Logger()

	o.publish(progress.Event{ConversationID: req.ID, Stage: stage, Status: schema.ProgressRunning})

	call, attempts, err := o.callWithFallback(ctx, req, stage, prompt.System, prompt.User)
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}

	sr := &StageResult{
		Stage:        stage,
		Model:        call.model.ID,
		Provider:     call.model.Provider,
		InputTokens:  call.inputTokens,
		OutputTokens: call.outputTokens,
		Cost:         call.cost,
		FallbackUsed: call.fallbackUsed,
		Attempts:     attempts,
	}

	factGate := gate.NewFactGate(req.GroundTruth)
	art := call.resp.Artifact
	result, err := factGate.Evaluate(art)
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}

	repeated := false
	for i := 0; !result.Passed && i < o.cfg.FactCheck.Retries(); i++ {
		sr.Retried = true
		correction := repair.CorrectivePrompt(art, result)
		if repeated {
			correction = repair.EscalationPrompt(art, result)
		}
		logger.Info().
			Int("contradictions", len(result.Contradictions)).
			Int("retry", i+1).
			Msg("retrying stage with corrective context")

		retry, retryAttempts, err := o.callWithFallback(ctx, req, stage, prompt.System, prompt.User+"\n\n"+correction)
		sr.Attempts = append(sr.Attempts, retryAttempts...)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return nil, err
			}
			if errors.Is(err, cost.ErrBudgetExceeded) {
				return nil, fmt.Errorf("%s stage: %w", stage, err)
			}
			// Keep the earlier output; it is accepted below as degraded.
			logger.Warn().Err(err).Msg("corrective retry failed, keeping previous output")
			break
		}

		sr.InputTokens += retry.inputTokens
		sr.OutputTokens += retry.outputTokens
		sr.Cost += retry.cost
		sr.Model = retry.model.ID
		sr.Provider = retry.model.Provider
		sr.FallbackUsed = sr.FallbackUsed || retry.fallbackUsed

		repeated = repair.Repeated(art, retry.resp.Artifact)
		art = art.Supersede(retry.resp.Artifact)
		if result, err = factGate.Evaluate(art); err != nil {
			return nil, fmt.Errorf("%s stage: %w", stage, err)
		}
		o.metrics.FactRetry(stage, result.Passed)
	}

	sr.Output = art.Content
	sr.ArtifactID = art.ID
	sr.Version = art.Version
	sr.Contradictions = result.Contradictions
	sr.Confidence = result.Confidence
	if !result.Passed {
		sr.Degraded = true
		sr.Confidence *= 1 - o.cfg.FactCheck.Penalty
		threshold := o.cfg.FactCheck.HardFailThreshold
		if threshold > 0 && len(result.Contradictions) >= threshold {
			return nil, fmt.Errorf("%s stage: %w: %d contradictions remain", stage, ErrValidationFailed, len(result.Contradictions))
		}
		logger.Warn().
			Int("contradictions", len(result.Contradictions)).
			Float64("confidence", sr.Confidence).
			Msg("stage accepted with contradictions")
	}
	sr.Duration = time.Since(start)

	o.models.RecordQuality(sr.Model, sr.Confidence)
	o.metrics.ObserveStage(stage, sr.Duration)
	o.publish(progress.Event{
		ConversationID: req.ID,
		Stage:          stage,
		Percent:        100,
		Model:          sr.Model,
		Status:         schema.ProgressCompleted,
	})
	logger.Debug().
		Str("model", sr.Model).
		Float64("cost", sr.Cost).
		Bool("retried", sr.Retried).
		Dur("duration", sr.Duration).
		Msg("stage accepted")
	return sr, nil
}
