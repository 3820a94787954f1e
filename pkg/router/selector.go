// Package router picks the model for each stage attempt from the registry,
// honouring circuit breakers, profile constraints and ranking preference.
package router

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/registry"
	"github.com/zen-systems/quorum/pkg/schema"
)

// ErrModelUnavailable means no eligible model remains for a stage.
var ErrModelUnavailable = errors.New("model unavailable")

// Selector ranks and picks models. It holds no state of its own; all shared
// state lives in the injected registries.
type Selector struct {
	models   *registry.Registry
	breakers *breaker.Registry
	logger   zerolog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithLogger sets the selector logger.
func WithLogger(logger zerolog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector over the shared registries.
func NewSelector(models *registry.Registry, breakers *breaker.Registry, opts ...SelectorOption) *Selector {
	s := &Selector{
		models:   models,
		breakers: breakers,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rank returns eligible candidates for stage, best first. A profile that
// pins models for the stage keeps its list order; otherwise candidates are
// ordered by composite score. Open circuits and excluded ids are skipped.
func (s *Selector) Rank(stage schema.Stage, p *profile.Profile, exclude map[string]bool) []Candidate {
	if pinned := p.Policy(stage).Models; len(pinned) > 0 {
		return s.rankPinned(stage, p, pinned, exclude)
	}

	weights := WeightsFor(p.RankPreference())
	var out []Candidate
	for _, d := range s.models.Capable(stage) {
		if exclude[d.ID] || !p.AllowsProvider(d.Provider) {
			continue
		}
		state := s.breakers.State(d.ID)
		if state == breaker.Open {
			continue
		}
		out = append(out, Candidate{
			Model: d,
			Score: Score(d, s.models.Performance(d.ID), weights),
			State: state,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Model.ID < out[j].Model.ID
		}
		return out[i].Score > out[j].Score
	})
	return out
}

func (s *Selector) rankPinned(stage schema.Stage, p *profile.Profile, pinned []string, exclude map[string]bool) []Candidate {
	weights := WeightsFor(p.RankPreference())
	var out []Candidate
	seen := make(map[string]bool, len(pinned))
	for _, id := range pinned {
		if seen[id] || exclude[id] {
			continue
		}
		seen[id] = true
		d, ok := s.models.Get(id)
		if !ok || !d.Supports(stage) || !p.AllowsProvider(d.Provider) {
			continue
		}
		state := s.breakers.State(id)
		if state == breaker.Open {
			continue
		}
		out = append(out, Candidate{
			Model:  d,
			Score:  Score(d, s.models.Performance(id), weights),
			Pinned: true,
			State:  state,
		})
	}
	return out
}

// Select returns the top eligible model for stage.
func (s *Selector) Select(stage schema.Stage, p *profile.Profile, exclude map[string]bool) (registry.ModelDescriptor, error) {
	sel, err := s.SelectWithDecision(stage, p, exclude)
	if err != nil {
		return registry.ModelDescriptor{}, err
	}
	return sel.Model, nil
}

// SelectWithDecision is Select returning the full ranking.
func (s *Selector) SelectWithDecision(stage schema.Stage, p *profile.Profile, exclude map[string]bool) (*Selection, error) {
	candidates := s.Rank(stage, p, exclude)
	excluded := make([]string, 0, len(exclude))
	for id := range exclude {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)

	if len(candidates) == 0 {
		s.logger.Warn().
			Str("stage", string(stage)).
			Strs("excluded", excluded).
			Msg("no eligible model")
		return nil, fmt.Errorf("%w: no eligible model for %s stage", ErrModelUnavailable, stage)
	}

	top := candidates[0]
	sel := &Selection{
		Stage:      stage,
		Model:      top.Model,
		Score:      top.Score,
		Candidates: candidates,
		Excluded:   excluded,
	}
	if top.Pinned {
		sel.Reasons = append(sel.Reasons, "profile preference order")
	} else {
		sel.Reasons = append(sel.Reasons, fmt.Sprintf("composite score %.3f (%s)", top.Score, p.RankPreference()))
	}
	if top.State == breaker.HalfOpen {
		sel.Reasons = append(sel.Reasons, "half-open probe")
	}

	s.logger.Debug().
		Str("stage", string(stage)).
		Str("model", top.Model.ID).
		Float64("score", top.Score).
		Int("candidates", len(candidates)).
		Msg("model selected")
	return sel, nil
}

// RecordOutcome feeds one call outcome to the performance registry and the
// model's circuit breaker.
func (s *Selector) RecordOutcome(modelID string, success bool, latency time.Duration) {
	s.models.RecordCall(modelID, success, latency)
	s.breakers.Record(modelID, success)
}

// ValidateProfile checks that every pinned model is registered and capable,
// and that every stage has at least one model the profile allows.
func (s *Selector) ValidateProfile(p *profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, stage := range schema.Stages() {
		pinned := p.Policy(stage).Models
		for _, id := range pinned {
			d, ok := s.models.Get(id)
			if !ok {
				return fmt.Errorf("%w: %s stage references unknown model %q", profile.ErrConfiguration, stage, id)
			}
			if !d.Supports(stage) {
				return fmt.Errorf("%w: model %q is not capable of the %s stage", profile.ErrConfiguration, id, stage)
			}
			if !p.AllowsProvider(d.Provider) {
				return fmt.Errorf("%w: model %q uses provider %q which the profile disallows", profile.ErrConfiguration, id, d.Provider)
			}
		}
		if len(pinned) > 0 {
			continue
		}
		usable := false
		for _, d := range s.models.Capable(stage) {
			if p.AllowsProvider(d.Provider) {
				usable = true
				break
			}
		}
		if !usable {
			return fmt.Errorf("%w: no registered model can run the %s stage", profile.ErrConfiguration, stage)
		}
	}
	return nil
}
