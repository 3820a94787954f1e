package profile

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/zen-systems/quorum/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Registry holds named profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates a registry holding the built-in presets.
func NewRegistry() *Registry {
	r := &Registry{
		profiles: make(map[string]*Profile),
	}
	for _, p := range Presets() {
		_ = r.Register(p)
	}
	return r
}

// Register adds or replaces a profile after validating it.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Name == "" {
		return fmt.Errorf("%w: profile has no name", ErrConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p.Clone()
	return nil
}

// Get returns a copy of the named profile.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: profile not found: %s", ErrConfiguration, name)
	}
	return p.Clone(), nil
}

// Names returns registered profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// LoadFile registers every profile in a YAML file. A missing file is not an
// error.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	for _, p := range file.Profiles {
		if err := r.Register(p); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func temps(gen, ref, val, cur float64) map[schema.Stage]StagePolicy {
	return map[schema.Stage]StagePolicy{
		schema.StageGenerator: {Temperature: &gen},
		schema.StageRefiner:   {Temperature: &ref},
		schema.StageValidator: {Temperature: &val},
		schema.StageCurator:   {Temperature: &cur},
	}
}

// Presets returns the built-in profiles.
func Presets() []*Profile {
	return []*Profile{
		{
			Name:        "balanced",
			Description: "Well-rounded consensus for general questions",
			Stages:      temps(0.6, 0.4, 0.2, 0.5),
			BudgetLimit: 1.00,
			Preference:  PreferBalanced,
		},
		{
			Name:            "speed",
			Description:     "Lowest latency models with short answers",
			Stages:          temps(0.3, 0.2, 0.1, 0.3),
			BudgetLimit:     0.25,
			Preference:      PreferFast,
			MaxOutputTokens: 1024,
		},
		{
			Name:        "quality",
			Description: "Highest quality models regardless of cost",
			Stages:      temps(0.5, 0.3, 0.1, 0.4),
			BudgetLimit: 5.00,
			Preference:  PreferQuality,
		},
		{
			Name:            "cost",
			Description:     "Cheapest capable models",
			Stages:          temps(0.4, 0.3, 0.1, 0.3),
			BudgetLimit:     0.05,
			Preference:      PreferCheap,
			MaxOutputTokens: 2048,
		},
	}
}
