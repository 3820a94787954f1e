package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestOpensAfterThresholdAndRecovers(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		r.Record("a", false)
		require.Equal(t, Closed, r.State("a"), "failure %d", i+1)
	}
	r.Record("a", false)
	assert.Equal(t, Open, r.State("a"))
	assert.False(t, r.Allow("a"))

	clock.Advance(DefaultCooldown - time.Second)
	assert.Equal(t, Open, r.State("a"))

	clock.Advance(time.Second)
	assert.Equal(t, HalfOpen, r.State("a"))
	assert.True(t, r.Allow("a"))

	r.Record("a", true)
	assert.Equal(t, Closed, r.State("a"))
	assert.Equal(t, 0, r.Snapshot("a").ConsecutiveFailures)
}

func TestOpenLazilyRecoversOnSuccess(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	r := New(
		WithClock(clock.Now),
		WithThreshold(2),
		WithTransitionFunc(func(model string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	r.Record("a", false)
	r.Record("a", false)
	clock.Advance(DefaultCooldown)

	// No read in between: the success itself passes through HalfOpen.
	r.Record("a", true)
	assert.Equal(t, Closed, r.State("a"))
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now), WithThreshold(1), WithCooldown(time.Second))

	r.Record("a", false)
	require.Equal(t, Open, r.State("a"))
	clock.Advance(time.Second)
	require.Equal(t, HalfOpen, r.State("a"))

	r.Record("a", false)
	assert.Equal(t, Open, r.State("a"))
	assert.Equal(t, clock.Now(), r.Snapshot("a").LastTransition)
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now), WithThreshold(3), WithWindow(10*time.Second))

	r.Record("a", false)
	r.Record("a", false)
	clock.Advance(11 * time.Second)
	r.Record("a", false)
	assert.Equal(t, Closed, r.State("a"))
	assert.Equal(t, 1, r.Snapshot("a").ConsecutiveFailures)

	r.Record("a", false)
	r.Record("a", false)
	assert.Equal(t, Open, r.State("a"))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	r := New(WithThreshold(3))
	r.Record("a", false)
	r.Record("a", false)
	r.Record("a", true)
	r.Record("a", false)
	r.Record("a", false)
	assert.Equal(t, Closed, r.State("a"))
}

func TestModelsAreIndependent(t *testing.T) {
	r := New(WithThreshold(1))
	r.Record("a", false)
	assert.Equal(t, Open, r.State("a"))
	assert.Equal(t, Closed, r.State("b"))
}

func TestReset(t *testing.T) {
	r := New(WithThreshold(1))
	r.Record("a", false)
	require.Equal(t, Open, r.State("a"))
	r.Reset("a")
	assert.Equal(t, Closed, r.State("a"))
}

func TestConcurrentRecord(t *testing.T) {
	r := New(WithThreshold(1000))
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record("a", false)
			_ = r.Allow("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, r.Snapshot("a").ConsecutiveFailures)
}
