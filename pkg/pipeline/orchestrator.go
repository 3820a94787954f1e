package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/quorum/pkg/adapter"
	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/config"
	"github.com/zen-systems/quorum/pkg/cost"
	"github.com/zen-systems/quorum/pkg/enrich"
	"github.com/zen-systems/quorum/pkg/factcheck"
	"github.com/zen-systems/quorum/pkg/metrics"
	"github.com/zen-systems/quorum/pkg/progress"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/router"
	"github.com/zen-systems/quorum/pkg/schema"
)

// Orchestrator runs conversations. The registries it is built with are
// shared by every conversation it runs.
type Orchestrator struct {
	gateway  adapter.Gateway
	models   *registry.Registry
	selector *router.Selector
	costs    *cost.Tracker
	prompts  *enrich.Builder
	progress progress.Publisher
	metrics  *metrics.Metrics
	cfg      config.EngineConfig
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEngineConfig sets engine tuning. Unset fields keep their defaults.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg.WithDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithProgress publishes progress events to p.
func WithProgress(p progress.Publisher) Option {
	return func(o *Orchestrator) {
		o.progress = p
	}
}

// WithMetrics records engine metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPromptBuilder replaces the default prompt builder.
func WithPromptBuilder(b *enrich.Builder) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.prompts = b
		}
	}
}

// NewOrchestrator creates an orchestrator over the shared registries.
func NewOrchestrator(gateway adapter.Gateway, models *registry.Registry, breakers *breaker.Registry, costs *cost.Tracker, opts ...Option) (*Orchestrator, error) {
	if len(gateway) == 0 {
		return nil, fmt.Errorf("no adapters configured")
	}
	if models == nil || breakers == nil || costs == nil {
		return nil, fmt.Errorf("model, breaker and cost registries are required")
	}

	o := &Orchestrator{
		gateway: gateway,
		models:  models,
		costs:   costs,
		prompts: enrich.NewBuilder(),
		cfg:     config.DefaultEngineConfig(),
		logger:  zerolog.Nop(),
		active:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.selector = router.NewSelector(models, breakers, router.WithLogger(o.logger))
	return o, nil
}

// Selector returns the selector used for stage attempts.
func (o *Orchestrator) Selector() *router.Selector {
	return o.selector
}

// Run executes the request and always returns a result. Early termination
// is reported through Status and Err with the stages completed so far.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (result *ConsensusResult) {
	start := time.Now()
	result = &ConsensusResult{Mode: schema.ModeConsensus, Stages: []StageResult{}}
	if req != nil {
		result.ConversationID = req.ID
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("conversation", result.ConversationID).Msg("run panicked")
			result.Status = schema.StatusFailed
			result.Err = fmt.Errorf("internal error: %v", r)
		}
		o.finish(result, req, start)
	}()

	if req == nil || req.ID == "" {
		result.Status = schema.StatusFailed
		result.Err = fmt.Errorf("request with an id is required")
		return result
	}
	if err := o.selector.ValidateProfile(req.Profile); err != nil {
		result.Status = schema.StatusFailed
		result.Err = err
		return result
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !o.register(req.ID, cancel) {
		cancel()
		result.Status = schema.StatusFailed
		result.Err = fmt.Errorf("conversation %s is already running", req.ID)
		return result
	}
	defer o.unregister(req.ID)
	defer cancel()

	stages := schema.Stages()
	if o.cfg.DirectPath {
		decision := router.ClassifyMode(req.Query)
		result.ModeDecision = decision
		result.Mode = decision.Mode
		if decision.Mode == schema.ModeDirect {
			stages = stages[:1]
		}
	}

	o.metrics.RunStarted()
	defer func() { o.metrics.RunFinished(result.Mode, result.Status) }()

	logger := o.logger.With().Str("conversation", req.ID).Str("mode", string(result.Mode)).Logger()
	logger.Info().Str("profile", req.Profile.Name).Int("stages", len(stages)).Msg("run started")

	for _, stage := range stages {
		o.publish(progress.Event{ConversationID: req.ID, Stage: stage, Status: schema.ProgressWaiting})
	}

	prior := ""
	for _, stage := range stages {
		if runCtx.Err() != nil {
			result.Err = ErrCancelled
			break
		}
		sr, err := o.runStage(runCtx, req, stage, prior)
		if err != nil {
			result.Err = err
			o.publish(progress.Event{ConversationID: req.ID, Stage: stage, Status: schema.ProgressError, Message: err.Error()})
			logger.Warn().Err(err).Str("stage", string(stage)).Msg("stage failed")
			break
		}
		result.Stages = append(result.Stages, *sr)
		result.TotalCost += sr.Cost
		prior = sr.Output
	}

	if result.Err != nil {
		result.Status = statusFor(result.Err)
	} else {
		result.Status = schema.StatusCompleted
	}

	logger.Info().
		Str("status", string(result.Status)).
		Int("stages", len(result.Stages)).
		Float64("cost", result.TotalCost).
		Msg("run finished")
	return result
}

// finish fills the derived fields of a result.
func (o *Orchestrator) finish(result *ConsensusResult, req *Request, start time.Time) {
	result.Duration = time.Since(start)
	if result.Err != nil {
		result.Error = result.Err.Error()
	}
	if n := len(result.Stages); n > 0 {
		result.FinalAnswer = result.Stages[n-1].Output
	}

	if len(result.Stages) == 0 {
		return
	}
	outputs := make([]factcheck.StageOutput, 0, len(result.Stages))
	var sum float64
	for _, s := range result.Stages {
		outputs = append(outputs, factcheck.StageOutput{Stage: s.Stage, Text: s.Output})
		sum += s.Confidence
	}
	var categories []factcheck.Category
	if req != nil {
		categories = req.GroundTruth.Categories()
	}
	report := factcheck.CrossStageCheck(outputs, categories)
	result.Health = &report
	result.Confidence = sum / float64(len(result.Stages)) * report.AgreementScore

	if report.Health == factcheck.Compromised {
		o.logger.Warn().
			Str("conversation", result.ConversationID).
			Int("discrepancies", len(report.Discrepancies)).
			Float64("agreement", report.AgreementScore).
			Msg("stages disagree")
	}
}

// Cancel aborts a running conversation. It reports whether the
// conversation was running.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[conversationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the ids of running conversations.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[id]; exists {
		return false
	}
	o.active[id] = cancel
	return true
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(e progress.Event) {
	if o.progress != nil {
		o.progress.Publish(e)
	}
}

func statusFor(err error) schema.RunStatus {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return schema.StatusCancelled
	case errors.Is(err, cost.ErrBudgetExceeded):
		return schema.StatusBudgetExceeded
	default:
		return schema.StatusFailed
	}
}
