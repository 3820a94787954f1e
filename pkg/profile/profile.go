// Package profile defines caller-supplied routing profiles: per-stage model
// preferences, budget, and ranking preference.
package profile

import (
	"errors"
	"fmt"

	"github.com/zen-systems/quorum/pkg/config"
	"github.com/zen-systems/quorum/pkg/schema"
)

// ErrConfiguration reports a profile that cannot be run.
var ErrConfiguration = errors.New("configuration error")

// Preference biases dynamic model ranking.
type Preference string

const (
	PreferBalanced Preference = "balanced"
	PreferFast     Preference = "fast"
	PreferCheap    Preference = "cheap"
	PreferQuality  Preference = "quality"
)

// Valid reports whether p is a known preference. Empty counts as balanced.
func (p Preference) Valid() bool {
	switch p {
	case "", PreferBalanced, PreferFast, PreferCheap, PreferQuality:
		return true
	}
	return false
}

// StagePolicy configures one stage.
type StagePolicy struct {
	// Models is an ordered preference list. Empty means dynamic ranking.
	Models      []string `yaml:"models,omitempty" json:"models,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Profile is read-only once handed to the engine.
type Profile struct {
	Name             string                       `yaml:"name" json:"name"`
	Description      string                       `yaml:"description,omitempty" json:"description,omitempty"`
	Stages           map[schema.Stage]StagePolicy `yaml:"stages,omitempty" json:"stages,omitempty"`
	BudgetLimit      float64                      `yaml:"budget_limit" json:"budget_limit"`
	Preference       Preference                   `yaml:"preference,omitempty" json:"preference,omitempty"`
	AllowedProviders []string                     `yaml:"allowed_providers,omitempty" json:"allowed_providers,omitempty"`
	MaxOutputTokens  int                          `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
}

// Policy returns the stage policy, or the zero policy.
func (p *Profile) Policy(stage schema.Stage) StagePolicy {
	if p == nil || p.Stages == nil {
		return StagePolicy{}
	}
	return p.Stages[stage]
}

// RankPreference returns the preference, defaulting to balanced.
func (p *Profile) RankPreference() Preference {
	if p == nil || p.Preference == "" {
		return PreferBalanced
	}
	return p.Preference
}

// AllowsProvider reports whether models from provider may be used.
func (p *Profile) AllowsProvider(provider string) bool {
	if p == nil || len(p.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range p.AllowedProviders {
		if allowed == provider {
			return true
		}
	}
	return false
}

// MaxTokens returns the output token cap for stage.
func (p *Profile) MaxTokens(stage schema.Stage) int {
	if n := p.Policy(stage).MaxTokens; n > 0 {
		return n
	}
	if p != nil && p.MaxOutputTokens > 0 {
		return p.MaxOutputTokens
	}
	return 0
}

// Temperature returns the stage temperature, or nil for the provider default.
func (p *Profile) Temperature(stage schema.Stage) *float64 {
	return p.Policy(stage).Temperature
}

// Unlimited reports whether the profile has no budget ceiling.
func (p *Profile) Unlimited() bool {
	return p == nil || p.BudgetLimit <= 0
}

// Validate checks the profile's own structure. Model references are checked
// against the registry by the selector.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", ErrConfiguration)
	}
	if p.BudgetLimit < 0 {
		return fmt.Errorf("%w: profile %q has negative budget", ErrConfiguration, p.Name)
	}
	if !p.Preference.Valid() {
		return fmt.Errorf("%w: profile %q has unknown preference %q", ErrConfiguration, p.Name, p.Preference)
	}
	for stage, policy := range p.Stages {
		if !stage.Valid() {
			return fmt.Errorf("%w: profile %q configures unknown stage %q", ErrConfiguration, p.Name, stage)
		}
		if policy.Temperature != nil && (*policy.Temperature < 0 || *policy.Temperature > 2) {
			return fmt.Errorf("%w: profile %q %s temperature out of range", ErrConfiguration, p.Name, stage)
		}
	}
	return nil
}

// ResolveAliases returns a copy with stage model aliases expanded.
func (p *Profile) ResolveAliases(aliases *config.ModelAliases) *Profile {
	out := p.Clone()
	for stage, policy := range out.Stages {
		for i, m := range policy.Models {
			policy.Models[i] = aliases.Resolve(m)
		}
		out.Stages[stage] = policy
	}
	return out
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.AllowedProviders = append([]string(nil), p.AllowedProviders...)
	if p.Stages != nil {
		out.Stages = make(map[schema.Stage]StagePolicy, len(p.Stages))
		for stage, policy := range p.Stages {
			policy.Models = append([]string(nil), policy.Models...)
			if policy.Temperature != nil {
				t := *policy.Temperature
				policy.Temperature = &t
			}
			out.Stages[stage] = policy
		}
	}
	return &out
}
