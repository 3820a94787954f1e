package registry

import "time"

const defaultAlpha = 0.2

// PerformanceRecord is a rolling view of how a model has behaved.
type PerformanceRecord struct {
	ModelID     string        `json:"model_id"`
	Samples     int           `json:"samples"`
	AvgLatency  time.Duration `json:"avg_latency"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	// Quality is the observed output quality in [0,1]; QualitySamples is
	// zero until a stage reports one.
	Quality        float64   `json:"quality"`
	QualitySamples int       `json:"quality_samples"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
}

// RecordCall folds one call outcome into the model's rolling averages.
// Latency is only averaged over successful calls.
func (r *Registry) RecordCall(modelID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(modelID)
	now := r.now()
	outcome := 0.0
	if success {
		outcome = 1.0
		rec.LastSuccess = now
	} else {
		rec.LastFailure = now
	}

	if rec.Samples == 0 {
		rec.SuccessRate = outcome
	} else {
		rec.SuccessRate = ewma(rec.SuccessRate, outcome, r.alpha)
	}
	rec.ErrorRate = 1 - rec.SuccessRate

	if success && latency > 0 {
		if rec.AvgLatency == 0 {
			rec.AvgLatency = latency
		} else {
			rec.AvgLatency = time.Duration(ewma(float64(rec.AvgLatency), float64(latency), r.alpha))
		}
	}
	rec.Samples++

	r.logger.Debug().
		Str("model", modelID).
		Bool("success", success).
		Dur("latency", latency).
		Float64("success_rate", rec.SuccessRate).
		Msg("call recorded")
}

// RecordQuality folds an observed quality score in [0,1] into the record.
func (r *Registry) RecordQuality(modelID string, quality float64) {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(modelID)
	if rec.QualitySamples == 0 {
		rec.Quality = quality
	} else {
		rec.Quality = ewma(rec.Quality, quality, r.alpha)
	}
	rec.QualitySamples++
}

// Performance returns a copy of the model's record. A model with no history
// reports zero samples and a success rate of 1.
func (r *Registry) Performance(modelID string) PerformanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.perf[modelID]; ok {
		return *rec
	}
	return PerformanceRecord{ModelID: modelID, SuccessRate: 1}
}

// record must be called with r.mu held for writing.
func (r *Registry) record(modelID string) *PerformanceRecord {
	rec, ok := r.perf[modelID]
	if !ok {
		rec = &PerformanceRecord{ModelID: modelID, SuccessRate: 1}
		r.perf[modelID] = rec
	}
	return rec
}

func ewma(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}
