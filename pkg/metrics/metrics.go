// Package metrics exposes engine counters to Prometheus. All methods are
// safe on a nil *Metrics so callers never need to guard.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zen-systems/quorum/pkg/breaker"
	"github.com/zen-systems/quorum/pkg/schema"
)

const namespace = "quorum"

// Metrics holds the engine collectors.
type Metrics struct {
	Calls         *prometheus.CounterVec
	CallLatency   *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec
	Cost          *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Fallbacks     *prometheus.CounterVec
	FactRetries   *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by model and outcome",
		}, []string{"provider", "model", "outcome"}),
		CallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of successful model calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
		}, []string{"model"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per model (0 closed, 1 half-open, 2 open)",
		}, []string{"model"}),
		Cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Recorded spend in USD",
		}, []string{"stage", "model"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of accepted stages",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
		}, []string{"stage"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback attempts per stage",
		}, []string{"stage"}),
		FactRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_retries_total",
			Help:      "Corrective retries after contradictions",
		}, []string{"stage", "outcome"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by mode and status",
		}, []string{"mode", "status"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently in flight",
		}),
	}
}

// ObserveCall records one model call outcome.
func (m *Metrics) ObserveCall(provider, model, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(provider, model, outcome).Inc()
	if outcome == "success" {
		m.CallLatency.WithLabelValues(model).Observe(latency.Seconds())
	}
}

// BreakerTransition updates the breaker gauge. Its signature matches
// breaker.TransitionFunc.
func (m *Metrics) BreakerTransition(model string, _, to breaker.State) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	m.BreakerState.WithLabelValues(model).Set(v)
}

// AddCost records spend for a stage call.
func (m *Metrics) AddCost(stage schema.Stage, model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.Cost.WithLabelValues(string(stage), model).Add(usd)
}

// ObserveStage records an accepted stage.
func (m *Metrics) ObserveStage(stage schema.Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// Fallback counts one fallback attempt.
func (m *Metrics) Fallback(stage schema.Stage) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(string(stage)).Inc()
}

// FactRetry counts a corrective retry and whether it resolved the
// contradictions.
func (m *Metrics) FactRetry(stage schema.Stage, resolved bool) {
	if m == nil {
		return
	}
	outcome := "degraded"
	if resolved {
		outcome = "resolved"
	}
	m.FactRetries.WithLabelValues(string(stage), outcome).Inc()
}

// RunStarted increments the in-flight gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished decrements the in-flight gauge and counts the run.
func (m *Metrics) RunFinished(mode schema.Mode, status schema.RunStatus) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.Runs.WithLabelValues(string(mode), string(status)).Inc()
}
