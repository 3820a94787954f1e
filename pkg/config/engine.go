package config

import "time"

// EngineConfig tunes the consensus engine. Zero values are replaced by
// applyEngineDefaults.
type EngineConfig struct {
	Breaker     BreakerConfig        `yaml:"breaker"`
	Fallback    FallbackConfig       `yaml:"fallback"`
	FactCheck   FactCheckConfig      `yaml:"factcheck"`
	Progress    ProgressConfig       `yaml:"progress"`
	CallTimeout time.Duration        `yaml:"call_timeout,omitempty"`
	DirectPath  bool                 `yaml:"direct_path,omitempty"`
	RateLimits  map[string]RateLimit `yaml:"rate_limits,omitempty"`
}

// BreakerConfig controls the per-model circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold,omitempty"`
	Window    time.Duration `yaml:"window,omitempty"`
	Cooldown  time.Duration `yaml:"cooldown,omitempty"`
}

// FallbackConfig bounds the fallback chain walked for one stage attempt.
type FallbackConfig struct {
	// MaxDepth is the number of fallback calls allowed after the first.
	// Nil means 3; zero disables fallback.
	MaxDepth      *int `yaml:"depth,omitempty"`
	BaseBackoffMs int  `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int  `yaml:"max_backoff_ms,omitempty"`
}

// Depth returns the configured fallback depth.
func (f FallbackConfig) Depth() int {
	if f.MaxDepth == nil || *f.MaxDepth < 0 {
		return defaultFallbackDepth
	}
	return *f.MaxDepth
}

// FactCheckConfig selects the policy for outputs that contradict ground truth.
type FactCheckConfig struct {
	// MaxRetries is the number of corrective retries per stage. Nil means 1.
	MaxRetries *int `yaml:"max_retries,omitempty"`
	// Penalty scales confidence down for a stage accepted with contradictions.
	Penalty float64 `yaml:"penalty,omitempty"`
	// HardFailThreshold fails the run when at least this many contradictions
	// survive the retries. Zero keeps soft-degrade.
	HardFailThreshold int `yaml:"hard_fail_threshold,omitempty"`
}

// Retries returns the configured retry count.
func (f FactCheckConfig) Retries() int {
	if f.MaxRetries == nil || *f.MaxRetries < 0 {
		return 1
	}
	return *f.MaxRetries
}

// ProgressConfig sizes the progress broadcaster buffers.
type ProgressConfig struct {
	Backlog          int `yaml:"backlog,omitempty"`
	SubscriberBuffer int `yaml:"subscriber_buffer,omitempty"`
	ChunkBuffer      int `yaml:"chunk_buffer,omitempty"`
}

// RateLimit caps requests per second for one provider.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst,omitempty"`
}

const (
	defaultBreakerThreshold = 5
	defaultBreakerWindow    = 60 * time.Second
	defaultBreakerCooldown  = 30 * time.Second
	defaultFallbackDepth    = 3
	defaultBaseBackoffMs    = 250
	defaultMaxBackoffMs     = 2000
	defaultCallTimeout      = 90 * time.Second
	defaultPenalty          = 0.5
	defaultBacklog          = 256
	defaultSubscriberBuffer = 64
	defaultChunkBuffer      = 32
)

// DefaultEngineConfig returns an engine configuration with every default set.
func DefaultEngineConfig() EngineConfig {
	var cfg EngineConfig
	applyEngineDefaults(&cfg)
	return cfg
}

func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker.Threshold = defaultBreakerThreshold
	}
	if cfg.Breaker.Window <= 0 {
		cfg.Breaker.Window = defaultBreakerWindow
	}
	if cfg.Breaker.Cooldown <= 0 {
		cfg.Breaker.Cooldown = defaultBreakerCooldown
	}
	if cfg.Fallback.BaseBackoffMs <= 0 {
		cfg.Fallback.BaseBackoffMs = defaultBaseBackoffMs
	}
	if cfg.Fallback.MaxBackoffMs <= 0 {
		cfg.Fallback.MaxBackoffMs = defaultMaxBackoffMs
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.FactCheck.Penalty <= 0 || cfg.FactCheck.Penalty > 1 {
		cfg.FactCheck.Penalty = defaultPenalty
	}
	if cfg.Progress.Backlog <= 0 {
		cfg.Progress.Backlog = defaultBacklog
	}
	if cfg.Progress.SubscriberBuffer <= 0 {
		cfg.Progress.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.Progress.ChunkBuffer <= 0 {
		cfg.Progress.ChunkBuffer = defaultChunkBuffer
	}
}

// WithDefaults returns a copy of c with every unset field defaulted.
func (c EngineConfig) WithDefaults() EngineConfig {
	applyEngineDefaults(&c)
	return c
}
