package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the breaker's time checks without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold:         5,
		FailureWindow:            10 * time.Minute,
		ResetTimeout:             5 * time.Minute,
		SuccessThresholdForClose: 3,
		// Lazy transitions only, so the fake clock is authoritative.
		AutoReset: false,
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure("transient error", nil)
		assert.Equal(t, StateClosed, b.State(), "failure %d must not trip", i+1)
	}

	b.RecordFailure("transient error", nil)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowsOperation())

	stats := b.Stats()
	assert.Equal(t, 1, stats.TripCount, "trip count increments exactly once")
	assert.Contains(t, stats.LastTripReason, "5 failures")
}

func TestBreaker_WindowPruning(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	for i := 0; i < 4; i++ {
		b.RecordFailure("early failure", nil)
	}
	// Failures outside the window no longer count toward the threshold.
	clock.Advance(11 * time.Minute)
	b.RecordFailure("late failure", nil)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().WindowedFailures)
}

func TestBreaker_OpenHalfOpenClosedWalk(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("backend down", nil)
	}
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.AllowsOperation())

	// Reset timeout elapses: next gate check admits the probe.
	clock.Advance(5 * time.Minute)
	assert.True(t, b.AllowsOperation())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.AllowsOperation(), "half_open admits operations")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowsOperation())
	assert.Equal(t, 1, b.Stats().TripCount)
}

func TestBreaker_FailureWhileHalfOpenReopens(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	for i := 0; i < 5; i++ {
		b.RecordFailure("backend down", nil)
	}
	clock.Advance(5 * time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordFailure("still down", nil)

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2, b.Stats().TripCount)
	assert.Zero(t, b.Stats().Successes, "success run resets on reopen")
}

func TestBreaker_TripIsIdempotentWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	var transitions int
	b.OnStateChange(func(prev, next State, reason string) { transitions++ })

	b.Trip("operator trip")
	b.Trip("operator trip again")
	b.Trip("and again")

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, b.Stats().TripCount)
	assert.Equal(t, 1, transitions)
	assert.Equal(t, "operator trip", b.Stats().LastTripReason)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	t.Run("clears failures and closes", func(t *testing.T) {
		b.Trip("operator trip")
		b.Reset(false)

		assert.Equal(t, StateClosed, b.State())
		assert.Zero(t, b.Stats().WindowedFailures)
		assert.True(t, b.AllowsOperation())
	})

	t.Run("plain reset on closed breaker emits nothing", func(t *testing.T) {
		var calls int
		b.OnStateChange(func(prev, next State, reason string) { calls++ })
		b.Reset(false)
		assert.Zero(t, calls)
	})

	t.Run("forced reset emits transition even when closed", func(t *testing.T) {
		var got []State
		b.OnStateChange(func(prev, next State, reason string) { got = append(got, next) })
		b.Reset(true)
		assert.Equal(t, []State{StateClosed}, got)
	})
}

func TestBreaker_CallbackPanicsAreContained(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	var after bool
	b.OnStateChange(func(prev, next State, reason string) { panic("callback bug") })
	b.OnStateChange(func(prev, next State, reason string) { after = true })

	require.NotPanics(t, func() { b.Trip("trip with broken callback") })
	assert.True(t, after, "later callbacks still run after a panic")
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CallbackReceivesTransition(t *testing.T) {
	b, clock := newTestBreaker(testConfig())

	type change struct {
		prev, next State
	}
	var changes []change
	b.OnStateChange(func(prev, next State, reason string) {
		changes = append(changes, change{prev, next})
	})

	for i := 0; i < 5; i++ {
		b.RecordFailure("boom", nil)
	}
	clock.Advance(5 * time.Minute)
	_ = b.AllowsOperation()
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()

	require.Len(t, changes, 3)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, change{StateHalfOpen, StateClosed}, changes[2])
}

func TestBreaker_AutoResetTimer(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReset = true
	cfg.ResetTimeout = 20 * time.Millisecond
	b := New(cfg)

	halfOpen := make(chan struct{})
	b.OnStateChange(func(prev, next State, reason string) {
		if next == StateHalfOpen {
			close(halfOpen)
		}
	})

	b.Trip("timer test")
	select {
	case <-halfOpen:
	case <-time.After(2 * time.Second):
		t.Fatal("auto reset timer did not fire")
	}
	assert.Equal(t, StateHalfOpen, b.State())
}
