// Package breaker tracks per-model availability with a circuit breaker
// state machine shared across conversations.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultThreshold = 5
	DefaultWindow    = 60 * time.Second
	DefaultCooldown  = 30 * time.Second
)

// Snapshot is a copy of one model's breaker.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition"`
}

// TransitionFunc observes state changes. It runs after the registry lock is
// released.
type TransitionFunc func(model string, from, to State)

type circuit struct {
	state          State
	failures       []time.Time
	lastTransition time.Time
}

// Registry holds one breaker per model id.
type Registry struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	window       time.Duration
	cooldown     time.Duration
	now          func() time.Time
	onTransition TransitionFunc
	logger       zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithThreshold sets the consecutive failure count that opens a circuit.
func WithThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithWindow sets the sliding window in which the failures must fall.
func WithWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithCooldown sets how long a circuit stays open.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTransitionFunc registers a state change observer.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(r *Registry) {
		r.onTransition = fn
	}
}

// WithLogger sets the breaker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a breaker registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		circuits:  make(map[string]*circuit),
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the model's current state. An open circuit whose cooldown
// has elapsed reports HalfOpen.
func (r *Registry) State(model string) State {
	r.mu.Lock()
	c := r.circuit(model)
	from, to, changed := r.advance(model, c)
	state := c.state
	r.mu.Unlock()

	r.notify(model, from, to, changed)
	return state
}

// Allow reports whether the model may be called.
func (r *Registry) Allow(model string) bool {
	return r.State(model) != Open
}

// Record applies one call outcome to the model's state machine.
func (r *Registry) Record(model string, success bool) {
	r.mu.Lock()
	c := r.circuit(model)
	from, to, changed := r.advance(model, c)
	now := r.now()

	prev := c.state
	if success {
		c.failures = c.failures[:0]
		if c.state != Closed {
			r.transition(c, Closed, now)
		}
	} else {
		switch c.state {
		case HalfOpen:
			r.transition(c, Open, now)
			c.failures = c.failures[:0]
		case Closed:
			c.failures = append(pruneBefore(c.failures, now.Add(-r.window)), now)
			if len(c.failures) >= r.threshold {
				r.transition(c, Open, now)
				c.failures = c.failures[:0]
			}
		}
	}
	next := c.state
	r.mu.Unlock()

	r.notify(model, from, to, changed)
	r.notify(model, prev, next, prev != next)
}

// Snapshot returns a copy of the model's breaker.
func (r *Registry) Snapshot(model string) Snapshot {
	r.mu.Lock()
	c := r.circuit(model)
	from, to, changed := r.advance(model, c)
	c.failures = pruneBefore(c.failures, r.now().Add(-r.window))
	snap := Snapshot{
		State:               c.state,
		ConsecutiveFailures: len(c.failures),
		LastTransition:      c.lastTransition,
	}
	r.mu.Unlock()

	r.notify(model, from, to, changed)
	return snap
}

// Reset closes the model's circuit and clears its failures.
func (r *Registry) Reset(model string) {
	r.mu.Lock()
	c := r.circuit(model)
	prev := c.state
	c.failures = nil
	if c.state != Closed {
		r.transition(c, Closed, r.now())
	}
	r.mu.Unlock()

	r.notify(model, prev, Closed, prev != Closed)
}

// circuit must be called with r.mu held.
func (r *Registry) circuit(model string) *circuit {
	c, ok := r.circuits[model]
	if !ok {
		c = &circuit{state: Closed, lastTransition: r.now()}
		r.circuits[model] = c
	}
	return c
}

// advance moves an open circuit to HalfOpen once the cooldown has elapsed.
// It must be called with r.mu held.
func (r *Registry) advance(model string, c *circuit) (State, State, bool) {
	if c.state != Open {
		return c.state, c.state, false
	}
	now := r.now()
	if now.Sub(c.lastTransition) < r.cooldown {
		return Open, Open, false
	}
	r.transition(c, HalfOpen, now)
	return Open, HalfOpen, true
}

func (r *Registry) transition(c *circuit, to State, at time.Time) {
	c.state = to
	c.lastTransition = at
}

func (r *Registry) notify(model string, from, to State, changed bool) {
	if !changed {
		return
	}
	r.logger.Info().
		Str("model", model).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit transition")
	if r.onTransition != nil {
		r.onTransition(model, from, to)
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}
