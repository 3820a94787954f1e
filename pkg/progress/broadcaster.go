// Package progress fans out stage progress events to any number of
// subscribers without ever blocking the publisher.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/quorum/pkg/schema"
)

const (
	DefaultBacklog          = 256
	DefaultSubscriberBuffer = 64
)

// Event is one progress notification.
type Event struct {
	Seq            uint64                `json:"seq"`
	ConversationID string                `json:"conversation_id"`
	Stage          schema.Stage          `json:"stage,omitempty"`
	Percent        int                   `json:"percent"`
	Chunk          string                `json:"chunk,omitempty"`
	Model          string                `json:"model,omitempty"`
	Status         schema.ProgressStatus `json:"status"`
	Message        string                `json:"message,omitempty"`
	Time           time.Time             `json:"time"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// SubscribeOptions filters and sizes a subscription.
type SubscribeOptions struct {
	// ConversationID limits the subscription to one conversation when set.
	ConversationID string
	// Buffer overrides the broadcaster's per-subscriber queue size.
	Buffer int
	// SkipBacklog starts the subscription with live events only.
	SkipBacklog bool
}

// Subscription is a live event stream. Events are delivered on C until the
// subscription is closed.
type Subscription struct {
	ID string

	ch       chan Event
	filter   string
	dropped  atomic.Uint64
	b        *Broadcaster
	closeOne sync.Once
}

// Events returns the delivery channel. It is closed on unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s.ID)
}

func (s *Subscription) matches(e Event) bool {
	return s.filter == "" || s.filter == e.ConversationID
}

// offer delivers e without blocking.
func (s *Subscription) offer(e Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Broadcaster keeps a bounded backlog and a set of subscribers.
type Broadcaster struct {
	mu      sync.Mutex
	backlog []Event
	start   int
	size    int
	seq     uint64
	subs    map[string]*Subscription
	closed  bool

	buffer int
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBacklog sets how many recent events are replayed to new subscribers.
func WithBacklog(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.backlog = make([]Event, n)
		}
	}
}

// WithSubscriberBuffer sets the default per-subscriber queue size.
func WithSubscriberBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		backlog: make([]Event, DefaultBacklog),
		subs:    make(map[string]*Subscription),
		buffer:  DefaultSubscriberBuffer,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records e in the backlog and offers it to every matching
// subscriber. It never blocks; subscribers with a full queue miss the event.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.push(e)

	for _, sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		if !sub.offer(e) {
			b.logger.Debug().Str("subscription", sub.ID).Uint64("seq", e.Seq).Msg("progress event dropped")
		}
	}
}

func (b *Broadcaster) push(e Event) {
	n := len(b.backlog)
	if b.size < n {
		b.backlog[(b.start+b.size)%n] = e
		b.size++
		return
	}
	b.backlog[b.start] = e
	b.start = (b.start + 1) % n
}

// Backlog returns the retained events, oldest first.
func (b *Broadcaster) Backlog() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot("")
}

func (b *Broadcaster) snapshot(filter string) []Event {
	out := make([]Event, 0, b.size)
	n := len(b.backlog)
	for i := 0; i < b.size; i++ {
		e := b.backlog[(b.start+i)%n]
		if filter == "" || e.ConversationID == filter {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a subscriber. Unless SkipBacklog is set it first
// receives the most recent backlog events that fit its queue, then live
// events. Subscribing to a closed broadcaster returns a closed stream.
func (b *Broadcaster) Subscribe(opts SubscribeOptions) *Subscription {
	size := opts.Buffer
	if size <= 0 {
		size = b.buffer
	}
	sub := &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan Event, size),
		filter: opts.ConversationID,
		b:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeOne.Do(func() { close(sub.ch) })
		return sub
	}

	if !opts.SkipBacklog {
		replay := b.snapshot(sub.filter)
		if len(replay) > size {
			sub.dropped.Add(uint64(len(replay) - size))
			replay = replay[len(replay)-size:]
		}
		for _, e := range replay {
			sub.offer(e)
		}
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.closeOne.Do(func() { close(sub.ch) })
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOne.Do(func() { close(sub.ch) })
	}
}
