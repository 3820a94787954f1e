package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zen-systems/quorum/pkg/adapter"
	"github.com/zen-systems/quorum/pkg/artifact"
	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/config"
	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/enrich"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/schema"
)

// respondFunc scripts one call. Returning an error fails the call.
type respondFunc func(ctx context.Context, stage schema.Stage, req *adapter.Request) (string, error)

// scriptedAdapter is a fake provider whose replies are chosen per stage and
// model by a test.
type scriptedAdapter struct {
	name    string
	models  []string
	respond respondFunc
	usage   *adapter.Usage
	// stall makes calls for this stage hang after streaming their text.
	stall schema.Stage

	mu    sync.Mutex
	calls []call
}

type call struct {
	stage  schema.Stage
	model  string
	prompt string
}

func newScripted(respond respondFunc, models ...string) *scriptedAdapter {
	return &scriptedAdapter{name: "scripted", models: models, respond: respond}
}

func (a *scriptedAdapter) Name() string     { return a.name }
func (a *scriptedAdapter) Models() []string { return a.models }

func (a *scriptedAdapter) Generate(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	return a.Stream(ctx, req, nil)
}

func (a *scriptedAdapter) Stream(ctx context.Context, req *adapter.Request, chunks chan<- adapter.Chunk) (*adapter.Response, error) {
	stage := stageOf(req)
	a.mu.Lock()
	a.calls = append(a.calls, call{stage: stage, model: req.Model, prompt: req.Prompt})
	a.mu.Unlock()

	text, err := a.respond(ctx, stage, req)
	if err != nil {
		return nil, err
	}
	for i, word := range strings.SplitAfter(text, " ") {
		if chunks == nil {
			break
		}
		select {
		case chunks <- adapter.Chunk{Index: i, Text: word}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if stage == a.stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	resp := &adapter.Response{Artifact: artifact.New(text, a.name, req.Model, req.Prompt)}
	if a.usage != nil {
		u := *a.usage
		resp.Usage = &u
	}
	return resp, nil
}

func (a *scriptedAdapter) callsFor(stage schema.Stage) []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []call
	for _, c := range a.calls {
		if c.stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// stageOf recovers the stage from the system prompt the builder attached.
func stageOf(req *adapter.Request) schema.Stage {
	for _, s := range schema.Stages() {
		if req.System == enrich.SystemPrompt(s) {
			return s
		}
	}
	return ""
}

// blockUntilDone simulates a model that never answers.
func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func fixed(text string) respondFunc {
	return func(context.Context, schema.Stage, *adapter.Request) (string, error) {
		return text, nil
	}
}

func testModel(id string) registry.ModelDescriptor {
	return registry.ModelDescriptor{
		ID:              id,
		Provider:        "scripted",
		PromptPer1K:     0.001,
		CompletionPer1K: 0.002,
		Quality:         0.8,
	}
}

func testEngineConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.Fallback.BaseBackoffMs = 1
	cfg.Fallback.MaxBackoffMs = 1
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	orch     *Orchestrator
	models   *registry.Registry
	breakers *breaker.Registry
	costs    *cost.Tracker
	adapter  *scriptedAdapter
}

func newHarness(t *testing.T, a *scriptedAdapter, cfg config.EngineConfig, models []registry.ModelDescriptor, opts ...Option) *harness {
	t.Helper()
	reg, err := registry.NewWithModels(models)
	require.NoError(t, err)
	br := breaker.New(
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithWindow(cfg.Breaker.Window),
		breaker.WithCooldown(cfg.Breaker.Cooldown),
	)
	costs := cost.NewTracker()
	opts = append([]Option{WithEngineConfig(cfg)}, opts...)
	orch, err := NewOrchestrator(adapter.Gateway{a.Name(): a}, reg, br, costs, opts...)
	require.NoError(t, err)
	return &harness{orch: orch, models: reg, breakers: br, costs: costs, adapter: a}
}

func balanced(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.NewRegistry().Get("balanced")
	require.NoError(t, err)
	return p
}

// pinAll pins the Generator to gen and the other stages to rest.
func pinAll(p *profile.Profile, gen []string, rest ...string) *profile.Profile {
	p.Stages = map[schema.Stage]profile.StagePolicy{
		schema.StageGenerator: {Models: gen},
		schema.StageRefiner:   {Models: rest},
		schema.StageValidator: {Models: rest},
		schema.StageCurator:   {Models: rest},
	}
	return p
}

func sumCosts(r *ConsensusResult) float64 {
	var total float64
	for _, s := range r.Stages {
		total += s.Cost
	}
	return total
}
