// Package registry holds the model catalog and the rolling performance
// records shared by every running conversation.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/quorum/pkg/schema"
)

// CapabilityAll marks a model usable for every stage.
const CapabilityAll = "all"

// ModelDescriptor describes one upstream model. Descriptors are values; a
// running stage holds a copy and never mutates the registry's entry.
type ModelDescriptor struct {
	ID              string   `yaml:"id" json:"id"`
	Provider        string   `yaml:"provider" json:"provider"`
	Capabilities    []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	ContextWindow   int      `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	PromptPer1K     float64  `yaml:"prompt_per_1k,omitempty" json:"prompt_per_1k,omitempty"`
	CompletionPer1K float64  `yaml:"completion_per_1k,omitempty" json:"completion_per_1k,omitempty"`
	// Quality is the catalog prior in [0,1], used until observed quality exists.
	Quality float64 `yaml:"quality,omitempty" json:"quality,omitempty"`
}

// Supports reports whether the model may run the stage.
func (d ModelDescriptor) Supports(stage schema.Stage) bool {
	if len(d.Capabilities) == 0 {
		return true
	}
	for _, c := range d.Capabilities {
		if c == CapabilityAll || c == string(stage) {
			return true
		}
	}
	return false
}

func (d ModelDescriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("model descriptor missing id")
	}
	if d.Provider == "" {
		return fmt.Errorf("model %q missing provider", d.ID)
	}
	if d.PromptPer1K < 0 || d.CompletionPer1K < 0 {
		return fmt.Errorf("model %q has negative pricing", d.ID)
	}
	if d.Quality < 0 || d.Quality > 1 {
		return fmt.Errorf("model %q quality %.2f outside [0,1]", d.ID, d.Quality)
	}
	return nil
}

// Registry is the shared model catalog plus performance tracker. Reads take
// a read lock; each call outcome is one short write.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelDescriptor
	perf   map[string]*PerformanceRecord
	alpha  float64
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSmoothing sets the EWMA weight given to each new sample.
func WithSmoothing(alpha float64) Option {
	return func(r *Registry) {
		if alpha > 0 && alpha <= 1 {
			r.alpha = alpha
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		models: make(map[string]ModelDescriptor),
		perf:   make(map[string]*PerformanceRecord),
		alpha:  defaultAlpha,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewWithModels creates a registry pre-populated with descriptors.
func NewWithModels(models []ModelDescriptor, opts ...Option) (*Registry, error) {
	r := New(opts...)
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Registering an existing id is an error.
func (r *Registry) Register(d ModelDescriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[d.ID]; ok {
		return fmt.Errorf("model %q already registered", d.ID)
	}
	r.models[d.ID] = cloneDescriptor(d)
	return nil
}

// Replace swaps the catalog for models. Performance history survives for ids
// that remain in the catalog and is dropped for ids that do not.
func (r *Registry) Replace(models []ModelDescriptor) error {
	next := make(map[string]ModelDescriptor, len(models))
	for _, d := range models {
		if err := d.validate(); err != nil {
			return err
		}
		if _, ok := next[d.ID]; ok {
			return fmt.Errorf("model %q listed twice", d.ID)
		}
		next[d.ID] = cloneDescriptor(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.perf {
		if _, ok := next[id]; !ok {
			delete(r.perf, id)
		}
	}
	r.models = next
	r.logger.Info().Int("models", len(next)).Msg("model catalog replaced")
	return nil
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	if !ok {
		return ModelDescriptor{}, false
	}
	return cloneDescriptor(d), true
}

// List returns every descriptor sorted by id.
func (r *Registry) List() []ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelDescriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, cloneDescriptor(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capable returns descriptors supporting stage, sorted by id.
func (r *Registry) Capable(stage schema.Stage) []ModelDescriptor {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Supports(stage) {
			out = append(out, d)
		}
	}
	return out
}

func cloneDescriptor(d ModelDescriptor) ModelDescriptor {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	return d
}
