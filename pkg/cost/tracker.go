// Package cost accumulates token usage and spend per conversation and
// enforces per-conversation budgets before each model call.
package cost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/quorum/pkg/schema"
)

// ErrBudgetExceeded is matched by every BudgetError.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetError reports a rejected budget check.
type BudgetError struct {
	ConversationID string
	Limit          float64
	Spent          float64
	Projected      float64
}

func (e *BudgetError) Error() string {
	if e.Spent >= e.Limit {
		return fmt.Sprintf("budget %.4f exceeded (current total %.4f)", e.Limit, e.Spent)
	}
	return fmt.Sprintf("budget %.4f exceeded (projected total %.4f)", e.Limit, e.Spent+e.Projected)
}

func (e *BudgetError) Unwrap() error {
	return ErrBudgetExceeded
}

// Usage is one completed model call.
type Usage struct {
	ConversationID string       `json:"conversation_id"`
	Stage          schema.Stage `json:"stage"`
	Model          string       `json:"model"`
	Provider       string       `json:"provider"`
	InputTokens    int          `json:"input_tokens"`
	OutputTokens   int          `json:"output_tokens"`
	Cost           float64      `json:"cost"`
	At             time.Time    `json:"at"`
}

// Summary aggregates usage.
type Summary struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Calls          int                      `json:"calls"`
	InputTokens    int                      `json:"input_tokens"`
	OutputTokens   int                      `json:"output_tokens"`
	Total          float64                  `json:"total"`
	ByStage        map[schema.Stage]float64 `json:"by_stage,omitempty"`
	ByModel        map[string]float64       `json:"by_model,omitempty"`
}

func (s *Summary) add(u Usage) {
	s.Calls++
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.Total += u.Cost
	if s.ByStage == nil {
		s.ByStage = make(map[schema.Stage]float64)
	}
	if s.ByModel == nil {
		s.ByModel = make(map[string]float64)
	}
	if u.Stage != "" {
		s.ByStage[u.Stage] += u.Cost
	}
	if u.Model != "" {
		s.ByModel[u.Model] += u.Cost
	}
}

func (s Summary) clone() Summary {
	out := s
	out.ByStage = make(map[schema.Stage]float64, len(s.ByStage))
	for k, v := range s.ByStage {
		out.ByStage[k] = v
	}
	out.ByModel = make(map[string]float64, len(s.ByModel))
	for k, v := range s.ByModel {
		out.ByModel[k] = v
	}
	return out
}

// Reader is the read-only view handed to analytics collaborators.
type Reader interface {
	Summary(conversationID string) Summary
	Global() Summary
}

// UsageSink receives every recorded usage row, for persistence.
type UsageSink interface {
	RecordUsage(ctx context.Context, u Usage) error
}

// Tracker holds per-conversation and global totals.
type Tracker struct {
	mu            sync.RWMutex
	conversations map[string]*Summary
	global        Summary
	sink          UsageSink
	now           func() time.Time
	logger        zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSink forwards recorded usage to sink.
func WithSink(sink UsageSink) Option {
	return func(t *Tracker) {
		t.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		conversations: make(map[string]*Summary),
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckBudget rejects a call when the conversation has already reached its
// limit or when the projected cost would take it past the limit. A
// non-positive limit means unlimited.
func (t *Tracker) CheckBudget(conversationID string, limit, projected float64) error {
	if limit <= 0 {
		return nil
	}
	t.mu.RLock()
	var spent float64
	if s, ok := t.conversations[conversationID]; ok {
		spent = s.Total
	}
	t.mu.RUnlock()

	if spent >= limit || spent+projected > limit {
		err := &BudgetError{
			ConversationID: conversationID,
			Limit:          limit,
			Spent:          spent,
			Projected:      projected,
		}
		t.logger.Warn().
			Str("conversation", conversationID).
			Float64("limit", limit).
			Float64("spent", spent).
			Float64("projected", projected).
			Msg("budget check rejected")
		return err
	}
	return nil
}

// RecordUsage adds a completed call to the conversation and global totals in
// one update, then forwards it to the sink if one is configured.
func (t *Tracker) RecordUsage(ctx context.Context, u Usage) {
	if u.At.IsZero() {
		u.At = t.now()
	}
	t.mu.Lock()
	s, ok := t.conversations[u.ConversationID]
	if !ok {
		s = &Summary{ConversationID: u.ConversationID}
		t.conversations[u.ConversationID] = s
	}
	s.add(u)
	t.global.add(u)
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.RecordUsage(ctx, u); err != nil {
			t.logger.Warn().Err(err).Str("conversation", u.ConversationID).Msg("usage sink write failed")
		}
	}
}

// Spent returns the conversation's recorded total.
func (t *Tracker) Spent(conversationID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.conversations[conversationID]; ok {
		return s.Total
	}
	return 0
}

// Summary returns a copy of the conversation's totals.
func (t *Tracker) Summary(conversationID string) Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.conversations[conversationID]; ok {
		return s.clone()
	}
	return Summary{ConversationID: conversationID}.clone()
}

// Global returns a copy of the process-wide totals.
func (t *Tracker) Global() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global.clone()
}
