package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/quorum/pkg/adapter"
	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/enrich"
	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/progress"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/router"
	"github.com/zen-systems/quorum/pkg/schema"
)

var allStages = []schema.Stage{
	schema.StageGenerator,
	schema.StageRefiner,
	schema.StageValidator,
	schema.StageCurator,
}

func TestRunCompletesAllStages(t *testing.T) {
	a := newScripted(fixed("The answer is 4."), "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	req := NewRequest("What is 2+2?", balanced(t), nil)
	result := h.orch.Run(context.Background(), req)

	require.NoError(t, result.Err)
	assert.Equal(t, schema.StatusCompleted, result.Status)
	assert.Equal(t, schema.ModeConsensus, result.Mode)
	assert.Equal(t, allStages, result.StageKinds())
	assert.Equal(t, "The answer is 4.", result.FinalAnswer)
	assert.InDelta(t, sumCosts(result), result.TotalCost, 1e-12)
	assert.Greater(t, result.TotalCost, 0.0)
	assert.LessOrEqual(t, result.TotalCost, req.Profile.BudgetLimit)
	assert.Empty(t, result.Error)

	for _, s := range result.Stages {
		assert.Equal(t, "m-1", s.Model)
		assert.Equal(t, "scripted", s.Provider)
		assert.False(t, s.Retried)
		assert.False(t, s.Degraded)
		assert.Equal(t, 1, s.Version)
		assert.InDelta(t, factcheck.DefaultConfidence, s.Confidence, 1e-9)
		require.Len(t, s.Attempts, 1)
		assert.Equal(t, OutcomeSuccess, s.Attempts[0].Outcome)
	}

	summary := h.costs.Summary(req.ID)
	assert.Equal(t, 4, summary.Calls)
	assert.InDelta(t, result.TotalCost, summary.Total, 1e-12)
	assert.Empty(t, h.orch.Active())
}

func TestRunPassesPriorOutputForward(t *testing.T) {
	a := newScripted(func(_ context.Context, stage schema.Stage, _ *adapter.Request) (string, error) {
		return "output of " + string(stage), nil
	}, "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	result := h.orch.Run(context.Background(), NewRequest("Explain consensus.", balanced(t), nil))
	require.Equal(t, schema.StatusCompleted, result.Status)

	gen := h.adapter.callsFor(schema.StageGenerator)
	require.Len(t, gen, 1)
	assert.NotContains(t, gen[0].prompt, "PREVIOUS STAGE OUTPUT")

	for i, stage := range allStages[1:] {
		calls := h.adapter.callsFor(stage)
		require.Len(t, calls, 1)
		assert.Contains(t, calls[0].prompt, "output of "+string(allStages[i]))
	}
	assert.Equal(t, "output of curator", result.FinalAnswer)
}

func TestRunFallsBackAroundTimedOutModel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Breaker.Threshold = 3
	cfg.CallTimeout = 30 * time.Millisecond

	a := newScripted(func(ctx context.Context, _ schema.Stage, req *adapter.Request) (string, error) {
		if req.Model == "model-a" {
			return blockUntilDone(ctx)
		}
		return "fine", nil
	}, "model-a", "model-b")
	h := newHarness(t, a, cfg, []registry.ModelDescriptor{testModel("model-a"), testModel("model-b")})

	for i := 0; i < 3; i++ {
		p := pinAll(balanced(t), []string{"model-a", "model-b"}, "model-b")
		result := h.orch.Run(context.Background(), NewRequest("hello", p, nil))
		require.Equal(t, schema.StatusCompleted, result.Status, "run %d", i)

		gen := result.Stages[0]
		assert.Equal(t, "model-b", gen.Model)
		assert.True(t, gen.FallbackUsed)
		assert.False(t, gen.Retried)
		require.Len(t, gen.Attempts, 2)
		assert.Equal(t, OutcomeTimeout, gen.Attempts[0].Outcome)
		assert.Equal(t, "model-a", gen.Attempts[0].Model)
		assert.Equal(t, OutcomeSuccess, gen.Attempts[1].Outcome)
	}

	assert.Equal(t, breaker.Open, h.breakers.State("model-a"))

	p := pinAll(balanced(t), []string{"model-a", "model-b"}, "model-b")
	result := h.orch.Run(context.Background(), NewRequest("hello", p, nil))
	require.Equal(t, schema.StatusCompleted, result.Status)
	gen := result.Stages[0]
	assert.Equal(t, "model-b", gen.Model)
	assert.False(t, gen.FallbackUsed)
	require.Len(t, gen.Attempts, 1)

	assert.Len(t, h.adapter.callsFor(schema.StageGenerator), 7)
}

func TestRunRateLimitRefusalFallsBackWithoutPenalty(t *testing.T) {
	a := newScripted(func(_ context.Context, _ schema.Stage, req *adapter.Request) (string, error) {
		if req.Model == "model-a" {
			return "", &adapter.ProviderError{Provider: "scripted", Temporary: true, Err: adapter.ErrRateLimited}
		}
		return "fine", nil
	}, "model-a", "model-b")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("model-a"), testModel("model-b")})

	p := pinAll(balanced(t), []string{"model-a", "model-b"}, "model-b")
	result := h.orch.Run(context.Background(), NewRequest("hello", p, nil))
	require.Equal(t, schema.StatusCompleted, result.Status)

	gen := result.Stages[0]
	assert.Equal(t, "model-b", gen.Model)
	assert.True(t, gen.FallbackUsed)
	require.Len(t, gen.Attempts, 2)
	assert.Equal(t, OutcomeTransient, gen.Attempts[0].Outcome)

	assert.Zero(t, h.breakers.Snapshot("model-a").ConsecutiveFailures)
	assert.Zero(t, h.models.Performance("model-a").Samples)
}

func TestRunPermanentErrorDoesNotFallBack(t *testing.T) {
	a := newScripted(func(_ context.Context, _ schema.Stage, req *adapter.Request) (string, error) {
		if req.Model == "model-a" {
			return "", &adapter.ProviderError{Provider: "scripted", Status: 400, Err: errors.New("bad request")}
		}
		return "fine", nil
	}, "model-a", "model-b")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("model-a"), testModel("model-b")})

	p := pinAll(balanced(t), []string{"model-a", "model-b"}, "model-b")
	result := h.orch.Run(context.Background(), NewRequest("hello", p, nil))

	assert.Equal(t, schema.StatusFailed, result.Status)
	assert.Empty(t, result.Stages)
	assert.False(t, adapter.IsTransient(result.Err))
	assert.Contains(t, result.Error, "bad request")

	calls := h.adapter.callsFor(schema.StageGenerator)
	require.Len(t, calls, 1)
	assert.Equal(t, "model-a", calls[0].model)
}

func TestRunExhaustedFallbackFails(t *testing.T) {
	a := newScripted(func(context.Context, schema.Stage, *adapter.Request) (string, error) {
		return "", &adapter.ProviderError{Provider: "scripted", Status: 503, Err: errors.New("overloaded")}
	}, "m-1", "m-2", "m-3")
	models := []registry.ModelDescriptor{testModel("m-1"), testModel("m-2"), testModel("m-3")}
	h := newHarness(t, a, testEngineConfig(), models)

	result := h.orch.Run(context.Background(), NewRequest("hello", balanced(t), nil))

	assert.Equal(t, schema.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, router.ErrModelUnavailable)
	assert.Empty(t, result.Stages)
	assert.Zero(t, result.TotalCost)
	assert.Len(t, h.adapter.callsFor(schema.StageGenerator), 3)
}

func TestRunFallbackDepthBoundsCalls(t *testing.T) {
	cfg := testEngineConfig()
	depth := 1
	cfg.Fallback.MaxDepth = &depth
	a := newScripted(func(context.Context, schema.Stage, *adapter.Request) (string, error) {
		return "", &adapter.ProviderError{Provider: "scripted", Status: 503, Err: errors.New("overloaded")}
	}, "m-1", "m-2", "m-3")
	models := []registry.ModelDescriptor{testModel("m-1"), testModel("m-2"), testModel("m-3")}
	h := newHarness(t, a, cfg, models)

	result := h.orch.Run(context.Background(), NewRequest("hello", balanced(t), nil))

	assert.ErrorIs(t, result.Err, router.ErrModelUnavailable)
	assert.Len(t, h.adapter.callsFor(schema.StageGenerator), 2)
}

func TestRunFallbackDepthZeroMakesOneCall(t *testing.T) {
	cfg := testEngineConfig()
	zero := 0
	cfg.Fallback.MaxDepth = &zero
	a := newScripted(func(_ context.Context, _ schema.Stage, req *adapter.Request) (string, error) {
		if req.Model == "m-1" {
			return "", &adapter.ProviderError{Provider: "scripted", Status: 503, Err: errors.New("overloaded")}
		}
		return "fine", nil
	}, "m-1", "m-2")
	h := newHarness(t, a, cfg, []registry.ModelDescriptor{testModel("m-1"), testModel("m-2")})

	p := pinAll(balanced(t), []string{"m-1", "m-2"}, "m-2")
	result := h.orch.Run(context.Background(), NewRequest("hello", p, nil))

	assert.Equal(t, schema.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, router.ErrModelUnavailable)
	calls := h.adapter.callsFor(schema.StageGenerator)
	require.Len(t, calls, 1)
	assert.Equal(t, "m-1", calls[0].model)
}

func TestRunRejectsUnknownPinnedModel(t *testing.T) {
	a := newScripted(fixed("fine"), "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	p := pinAll(balanced(t), []string{"does-not-exist"}, "m-1")
	result := h.orch.Run(context.Background(), NewRequest("hello", p, nil))

	assert.Equal(t, schema.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, profile.ErrConfiguration)
	assert.Empty(t, result.Stages)
	assert.Empty(t, h.adapter.calls)
}

func TestRunRetriesContradictionAndAcceptsCorrection(t *testing.T) {
	a := newScripted(func(_ context.Context, stage schema.Stage, req *adapter.Request) (string, error) {
		if stage == schema.StageValidator && !strings.Contains(req.Prompt, "contradicted the verified facts") {
			return "The version is 0.1.0.", nil
		}
		return "The version is 2.0.2.", nil
	}, "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	facts := factcheck.Facts{factcheck.CategoryVersion: "2.0.2"}
	result := h.orch.Run(context.Background(), NewRequest("Which version is current?", balanced(t), facts))
	require.Equal(t, schema.StatusCompleted, result.Status)

	val := result.Stages[2]
	assert.Equal(t, schema.StageValidator, val.Stage)
	assert.True(t, val.Retried)
	assert.False(t, val.Degraded)
	assert.Empty(t, val.Contradictions)
	assert.Equal(t, 2, val.Version)
	assert.InDelta(t, 1.0, val.Confidence, 1e-9)
	assert.Equal(t, "The version is 2.0.2.", val.Output)

	calls := h.adapter.callsFor(schema.StageValidator)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].prompt, "Correct values:")
	assert.Contains(t, calls[1].prompt, "version is 0.1.0")

	preamble := enrich.Preamble(facts)
	for _, c := range h.adapter.calls {
		assert.True(t, strings.HasPrefix(c.prompt, preamble), "%s prompt lacks the facts preamble", c.stage)
	}

	require.NotNil(t, result.Health)
	assert.Equal(t, factcheck.Healthy, result.Health.Health)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
}

func TestRunDegradesPersistentContradiction(t *testing.T) {
	a := newScripted(func(_ context.Context, stage schema.Stage, _ *adapter.Request) (string, error) {
		if stage == schema.StageValidator {
			return "The version is 0.1.0.", nil
		}
		return "The version is 2.0.2.", nil
	}, "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	facts := factcheck.Facts{factcheck.CategoryVersion: "2.0.2"}
	result := h.orch.Run(context.Background(), NewRequest("Which version is current?", balanced(t), facts))
	require.Equal(t, schema.StatusCompleted, result.Status)
	assert.Equal(t, allStages, result.StageKinds())

	val := result.Stages[2]
	assert.True(t, val.Retried)
	assert.True(t, val.Degraded)
	require.Len(t, val.Contradictions, 1)
	assert.Equal(t, "2.0.2", val.Contradictions[0].Expected)
	assert.InDelta(t, 0.65*0.5, val.Confidence, 1e-9)
	assert.Len(t, h.adapter.callsFor(schema.StageValidator), 2)

	for _, i := range []int{0, 1, 3} {
		assert.False(t, result.Stages[i].Degraded)
	}

	require.NotNil(t, result.Health)
	assert.Equal(t, factcheck.Compromised, result.Health.Health)
	require.Len(t, result.Health.Discrepancies, 1)
	assert.Equal(t, factcheck.CategoryVersion, result.Health.Discrepancies[0].Category)
	assert.Equal(t, factcheck.ActionManualReview, result.Health.Action)

	var mean float64
	for _, s := range result.Stages {
		mean += s.Confidence
	}
	mean /= float64(len(result.Stages))
	assert.Less(t, result.Confidence, mean)
}

func TestRunWithoutRetriesDegradesImmediately(t *testing.T) {
	cfg := testEngineConfig()
	zero := 0
	cfg.FactCheck.MaxRetries = &zero
	a := newScripted(fixed("The version is 0.1.0."), "m-1")
	h := newHarness(t, a, cfg, []registry.ModelDescriptor{testModel("m-1")})

	facts := factcheck.Facts{factcheck.CategoryVersion: "2.0.2"}
	result := h.orch.Run(context.Background(), NewRequest("Which version?", balanced(t), facts))
	require.Equal(t, schema.StatusCompleted, result.Status)

	for _, s := range result.Stages {
		assert.False(t, s.Retried)
		assert.True(t, s.Degraded)
	}
	assert.Len(t, h.adapter.calls, 4)
}

func TestRunHardFailThreshold(t *testing.T) {
	cfg := testEngineConfig()
	cfg.FactCheck.HardFailThreshold = 1
	a := newScripted(func(_ context.Context, stage schema.Stage, _ *adapter.Request) (string, error) {
		if stage == schema.StageValidator {
			return "The version is 0.1.0.", nil
		}
		return "The version is 2.0.2.", nil
	}, "m-1")
	h := newHarness(t, a, cfg, []registry.ModelDescriptor{testModel("m-1")})

	facts := factcheck.Facts{factcheck.CategoryVersion: "2.0.2"}
	result := h.orch.Run(context.Background(), NewRequest("Which version?", balanced(t), facts))

	assert.Equal(t, schema.StatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, ErrValidationFailed)
	assert.Equal(t, []schema.Stage{schema.StageGenerator, schema.StageRefiner}, result.StageKinds())
	assert.Empty(t, h.adapter.callsFor(schema.StageCurator))
}

func TestRunStopsWhenBudgetWouldBeExceeded(t *testing.T) {
	m := testModel("m-1")
	m.PromptPer1K = 0
	m.CompletionPer1K = 1.0
	a := newScripted(fixed("short answer"), "m-1")
	a.usage = &adapter.Usage{PromptTokens: 100, CompletionTokens: 30}
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{m})

	p := balanced(t)
	p.BudgetLimit = 0.05
	p.MaxOutputTokens = 10
	req := NewRequest("hello", p, nil)
	result := h.orch.Run(context.Background(), req)

	assert.Equal(t, schema.StatusBudgetExceeded, result.Status)
	assert.ErrorIs(t, result.Err, cost.ErrBudgetExceeded)
	assert.Equal(t, []schema.Stage{schema.StageGenerator, schema.StageRefiner}, result.StageKinds())
	assert.InDelta(t, 0.06, result.TotalCost, 1e-9)
	assert.InDelta(t, 0.06, h.costs.Spent(req.ID), 1e-9)
	assert.Empty(t, h.adapter.callsFor(schema.StageValidator))

	var budgetErr *cost.BudgetError
	require.ErrorAs(t, result.Err, &budgetErr)
	assert.InDelta(t, 0.01, budgetErr.Projected, 1e-9)
}

func TestRunStopsWhenCorrectiveRetryExceedsBudget(t *testing.T) {
	m := testModel("m-1")
	m.PromptPer1K = 0
	m.CompletionPer1K = 1.0
	a := newScripted(func(_ context.Context, stage schema.Stage, _ *adapter.Request) (string, error) {
		if stage == schema.StageCurator {
			return "The version is 0.1.0.", nil
		}
		return "The version is 2.0.2.", nil
	}, "m-1")
	a.usage = &adapter.Usage{PromptTokens: 100, CompletionTokens: 30}
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{m})

	// Each call spends 0.03 against a projection of 0.01. The Curator's
	// first call fits under the limit; its correction does not.
	p := balanced(t)
	p.BudgetLimit = 0.11
	p.MaxOutputTokens = 10
	facts := factcheck.Facts{factcheck.CategoryVersion: "2.0.2"}
	req := NewRequest("Which version is current?", p, facts)
	result := h.orch.Run(context.Background(), req)

	assert.Equal(t, schema.StatusBudgetExceeded, result.Status)
	assert.ErrorIs(t, result.Err, cost.ErrBudgetExceeded)
	assert.Equal(t, []schema.Stage{schema.StageGenerator, schema.StageRefiner, schema.StageValidator}, result.StageKinds())
	assert.Equal(t, "The version is 2.0.2.", result.FinalAnswer)
	assert.Len(t, h.adapter.callsFor(schema.StageCurator), 1)
	assert.InDelta(t, 0.12, h.costs.Spent(req.ID), 1e-9)
}

func TestCancelMidStage(t *testing.T) {
	cfg := testEngineConfig()
	a := newScripted(func(_ context.Context, stage schema.Stage, _ *adapter.Request) (string, error) {
		if stage == schema.StageCurator {
			return "sixteen bytes ok", nil
		}
		return "fine", nil
	}, "m-1")
	a.stall = schema.StageCurator

	b := progress.NewBroadcaster(progress.WithSubscriberBuffer(1024))
	defer b.Close()
	h := newHarness(t, a, cfg, []registry.ModelDescriptor{testModel("m-1")}, WithProgress(b))

	p := balanced(t)
	p.MaxOutputTokens = 10
	req := NewRequest("hello", p, nil)
	sub := b.Subscribe(progress.SubscribeOptions{ConversationID: req.ID})
	defer sub.Close()

	done := make(chan *ConsensusResult, 1)
	go func() { done <- h.orch.Run(context.Background(), req) }()

	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case e := <-sub.Events():
			if e.Stage == schema.StageCurator && e.Chunk != "" && e.Percent == 40 {
				break wait
			}
		case <-timeout:
			t.Fatal("curator never streamed")
		}
	}

	assert.Equal(t, []string{req.ID}, h.orch.Active())
	assert.True(t, h.orch.Cancel(req.ID))

	var result *ConsensusResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	assert.Equal(t, schema.StatusCancelled, result.Status)
	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.Equal(t, []schema.Stage{schema.StageGenerator, schema.StageRefiner, schema.StageValidator}, result.StageKinds())
	assert.Equal(t, "fine", result.FinalAnswer)

	summary := h.costs.Summary(req.ID)
	assert.Equal(t, 3, summary.Calls)
	assert.NotContains(t, summary.ByStage, schema.StageCurator)
	assert.Zero(t, h.breakers.Snapshot("m-1").ConsecutiveFailures)
	assert.Equal(t, 3, h.models.Performance("m-1").Samples)
	assert.Empty(t, h.orch.Active())
	assert.False(t, h.orch.Cancel(req.ID))
}

func TestRunWithCancelledContext(t *testing.T) {
	a := newScripted(fixed("fine"), "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := h.orch.Run(ctx, NewRequest("hello", balanced(t), nil))

	assert.Equal(t, schema.StatusCancelled, result.Status)
	assert.Empty(t, result.Stages)
	assert.Empty(t, h.adapter.calls)
}

func TestCancelUnknownConversation(t *testing.T) {
	a := newScripted(fixed("fine"), "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})
	assert.False(t, h.orch.Cancel("missing"))
	assert.Empty(t, h.orch.Active())
}

func TestRunRejectsMissingRequest(t *testing.T) {
	a := newScripted(fixed("fine"), "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")})

	result := h.orch.Run(context.Background(), nil)
	assert.Equal(t, schema.StatusFailed, result.Status)
	assert.Error(t, result.Err)
}

func TestDirectPathRunsGeneratorOnly(t *testing.T) {
	cfg := testEngineConfig()
	cfg.DirectPath = true
	a := newScripted(fixed("4"), "m-1")
	h := newHarness(t, a, cfg, []registry.ModelDescriptor{testModel("m-1")})

	result := h.orch.Run(context.Background(), NewRequest("What is 2+2?", balanced(t), nil))

	require.Equal(t, schema.StatusCompleted, result.Status)
	assert.Equal(t, schema.ModeDirect, result.Mode)
	require.NotNil(t, result.ModeDecision)
	assert.Equal(t, []schema.Stage{schema.StageGenerator}, result.StageKinds())
	assert.Equal(t, "4", result.FinalAnswer)
}

func TestConcurrentRunsShareRegistries(t *testing.T) {
	a := newScripted(fixed("fine"), "m-1", "m-2")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1"), testModel("m-2")})

	const runs = 8
	results := make([]*ConsensusResult, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.orch.Run(context.Background(), NewRequest(fmt.Sprintf("question %d", i), balanced(t), nil))
		}(i)
	}
	wg.Wait()

	var total float64
	for i, r := range results {
		require.Equal(t, schema.StatusCompleted, r.Status, "run %d", i)
		assert.Equal(t, allStages, r.StageKinds())
		total += r.TotalCost
		assert.InDelta(t, r.TotalCost, h.costs.Spent(r.ConversationID), 1e-12)
	}
	global := h.costs.Global()
	assert.Equal(t, runs*4, global.Calls)
	assert.InDelta(t, total, global.Total, 1e-9)
}

func TestRunPublishesProgressInStageOrder(t *testing.T) {
	b := progress.NewBroadcaster()
	defer b.Close()
	a := newScripted(fixed("ok"), "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")}, WithProgress(b))

	req := NewRequest("hello", balanced(t), nil)
	result := h.orch.Run(context.Background(), req)
	require.Equal(t, schema.StatusCompleted, result.Status)

	var events []progress.Event
	for _, e := range b.Backlog() {
		if e.ConversationID == req.ID {
			events = append(events, e)
		}
	}
	require.GreaterOrEqual(t, len(events), 4)

	for i, stage := range allStages {
		assert.Equal(t, stage, events[i].Stage)
		assert.Equal(t, schema.ProgressWaiting, events[i].Status)
	}

	var completed []schema.Stage
	for i, e := range events {
		if i > 0 {
			assert.Greater(t, e.Seq, events[i-1].Seq)
		}
		switch e.Status {
		case schema.ProgressCompleted:
			assert.Equal(t, 100, e.Percent)
			completed = append(completed, e.Stage)
		case schema.ProgressRunning:
			assert.Less(t, e.Percent, 100)
		}
	}
	assert.Equal(t, allStages, completed)
}

func TestRunPublishesStageError(t *testing.T) {
	b := progress.NewBroadcaster()
	defer b.Close()
	a := newScripted(func(context.Context, schema.Stage, *adapter.Request) (string, error) {
		return "", &adapter.ProviderError{Provider: "scripted", Status: 401, Err: errors.New("unauthorized")}
	}, "m-1")
	h := newHarness(t, a, testEngineConfig(), []registry.ModelDescriptor{testModel("m-1")}, WithProgress(b))

	req := NewRequest("hello", balanced(t), nil)
	result := h.orch.Run(context.Background(), req)
	require.Equal(t, schema.StatusFailed, result.Status)

	backlog := b.Backlog()
	require.NotEmpty(t, backlog)
	last := backlog[len(backlog)-1]
	assert.Equal(t, schema.ProgressError, last.Status)
	assert.Equal(t, schema.StageGenerator, last.Stage)
	assert.Contains(t, last.Message, "unauthorized")
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, computeBackoff(100, 1000, 0))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(100, 1000, 1))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(100, 1000, 2))
	assert.Equal(t, 1000*time.Millisecond, computeBackoff(100, 1000, 10))
}

func TestStreamPercent(t *testing.T) {
	assert.Equal(t, 0, streamPercent(10, 0))
	assert.Equal(t, 25, streamPercent(10, 40))
	assert.Equal(t, 99, streamPercent(400, 40))
}
