package router

import (
	"time"

	"github.com/zen-systems/quorum/pkg/profile"
	"github.com/zen-systems/quorum/pkg/registry"
)

// Weights balances the composite ranking score.
type Weights struct {
	Latency float64
	Success float64
	Quality float64
	Cost    float64
}

// WeightsFor returns the weights for a ranking preference.
func WeightsFor(p profile.Preference) Weights {
	switch p {
	case profile.PreferFast:
		return Weights{Latency: 0.5, Success: 0.25, Quality: 0.15, Cost: 0.1}
	case profile.PreferCheap:
		return Weights{Latency: 0.1, Success: 0.25, Quality: 0.15, Cost: 0.5}
	case profile.PreferQuality:
		return Weights{Latency: 0.1, Success: 0.25, Quality: 0.55, Cost: 0.1}
	default:
		return Weights{Latency: 0.25, Success: 0.3, Quality: 0.25, Cost: 0.2}
	}
}

const (
	// referenceLatency halves the latency score.
	referenceLatency = 5 * time.Second
	// referencePrice halves the cost score (USD per 1K tokens, blended).
	referencePrice = 0.01
)

// Score computes the composite ranking score in [0,1].
func Score(d registry.ModelDescriptor, rec registry.PerformanceRecord, w Weights) float64 {
	total := w.Latency + w.Success + w.Quality + w.Cost
	if total <= 0 {
		return 0
	}
	s := w.Latency*latencyScore(rec) +
		w.Success*rec.SuccessRate +
		w.Quality*qualityScore(d, rec) +
		w.Cost*costScore(d)
	return s / total
}

func latencyScore(rec registry.PerformanceRecord) float64 {
	if rec.AvgLatency <= 0 {
		return 0.5
	}
	return 1 / (1 + rec.AvgLatency.Seconds()/referenceLatency.Seconds())
}

func qualityScore(d registry.ModelDescriptor, rec registry.PerformanceRecord) float64 {
	if rec.QualitySamples > 0 {
		return rec.Quality
	}
	if d.Quality > 0 {
		return d.Quality
	}
	return 0.5
}

func costScore(d registry.ModelDescriptor) float64 {
	blended := (d.PromptPer1K + d.CompletionPer1K) / 2
	return 1 / (1 + blended/referencePrice)
}
