// Package breaker implements a three-state circuit breaker over a rolling
// failure window. It gates the dispatch loop's launch phase: closed and
// half_open admit operations, open rejects them until the reset timeout has
// elapsed.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// State is the breaker's gate position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count within FailureWindow that trips
	// the breaker from closed to open.
	FailureThreshold int `yaml:"failure_threshold"`
	// FailureWindow bounds how far back failures count toward the threshold.
	FailureWindow time.Duration `yaml:"failure_window"`
	// ResetTimeout is how long an open breaker waits before probing half_open.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// SuccessThresholdForClose is the consecutive-success run that closes a
	// half_open breaker.
	SuccessThresholdForClose int `yaml:"success_threshold_for_close"`
	// AutoReset schedules the open → half_open transition on a timer; without
	// it the transition happens on demand inside AllowsOperation.
	AutoReset bool `yaml:"auto_reset"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		FailureWindow:            10 * time.Minute,
		ResetTimeout:             5 * time.Minute,
		SuccessThresholdForClose: 3,
		AutoReset:                true,
	}
}

// StateChangeFunc observes breaker transitions. Callbacks run outside the
// breaker's lock; panics are recovered and logged, never re-raised.
type StateChangeFunc func(previous, next State, reason string)

// Breaker is a circuit breaker. All methods are safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  []models.FailureRecord
	successes int // consecutive successes while half_open
	tripCount int
	openedAt  time.Time
	lastTrip  string
	timer     *time.Timer

	callbacks []StateChangeFunc
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:    cfg,
		logger: slog.Default().With("component", "breaker"),
		now:    time.Now,
		state:  StateClosed,
	}
}

// OnStateChange registers a transition callback. Not safe to call after the
// breaker is in use.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.callbacks = append(b.callbacks, fn)
}

// transition represents one state change decided under the lock and
// delivered to callbacks after it is released.
type transition struct {
	prev, next State
	reason     string
}

// State returns the current state, lazily moving open to half_open when the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	tr := b.evaluateLocked()
	state := b.state
	b.mu.Unlock()
	b.notify(tr)
	return state
}

// AllowsOperation is the admission gate: true when closed or half_open. An
// open breaker whose reset timeout has elapsed transitions to half_open and
// admits the probe operation.
func (b *Breaker) AllowsOperation() bool {
	b.mu.Lock()
	tr := b.evaluateLocked()
	allowed := b.state != StateOpen
	b.mu.Unlock()
	b.notify(tr)
	return allowed
}

// RecordFailure appends a failure record and trips the breaker when the
// windowed count reaches the threshold. A failure while half_open reopens
// immediately.
func (b *Breaker) RecordFailure(description string, context map[string]any) {
	b.mu.Lock()
	tr := b.evaluateLocked()

	b.failures = append(b.failures, models.FailureRecord{
		Timestamp:   b.now(),
		Description: description,
		Context:     context,
	})
	b.pruneLocked()

	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			reason := fmt.Sprintf("%d failures within %s: %s", len(b.failures), b.cfg.FailureWindow, description)
			tr = append(tr, b.openLocked(reason))
		}
	case StateHalfOpen:
		tr = append(tr, b.openLocked(fmt.Sprintf("failure while half_open: %s", description)))
	}
	b.mu.Unlock()
	b.notify(tr)
}

// RecordSuccess counts toward closing a half_open breaker. Successes in other
// states only clear state the window prune has not caught up with.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	tr := b.evaluateLocked()

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThresholdForClose {
			tr = append(tr, b.closeLocked(fmt.Sprintf("%d consecutive successes while half_open", b.successes)))
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// Trip forces the breaker open. Idempotent while already open.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	var tr []transition
	if b.state != StateOpen {
		tr = append(tr, b.openLocked(reason))
	}
	b.mu.Unlock()
	b.notify(tr)
}

// Reset forces the breaker closed, clearing failures, the success counter,
// and any pending reset timer. With force, a transition event is emitted even
// when the breaker is already closed.
func (b *Breaker) Reset(force bool) {
	b.mu.Lock()
	var tr []transition
	prev := b.state
	if prev != StateClosed {
		tr = append(tr, transition{prev: prev, next: StateClosed, reason: "manual reset"})
	} else if force {
		tr = append(tr, transition{prev: StateClosed, next: StateClosed, reason: "forced reset"})
	}
	b.state = StateClosed
	b.failures = nil
	b.successes = 0
	b.stopTimerLocked()
	b.mu.Unlock()
	b.notify(tr)
}

// Stats is a point-in-time view of the breaker for status surfaces.
type Stats struct {
	State           State     `json:"state"`
	WindowedFailures int      `json:"windowed_failures"`
	TripCount       int       `json:"trip_count"`
	Successes       int       `json:"successes"`
	LastTripReason  string    `json:"last_trip_reason,omitempty"`
	OpenedAt        time.Time `json:"opened_at,omitzero"`
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	tr := b.evaluateLocked()
	s := Stats{
		State:            b.state,
		WindowedFailures: len(b.failures),
		TripCount:        b.tripCount,
		Successes:        b.successes,
		LastTripReason:   b.lastTrip,
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
	}
	b.mu.Unlock()
	b.notify(tr)
	return s
}

// evaluateLocked prunes the failure window and performs the lazy
// open → half_open transition once the reset timeout has elapsed.
func (b *Breaker) evaluateLocked() []transition {
	b.pruneLocked()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return []transition{b.halfOpenLocked("reset timeout elapsed")}
	}
	return nil
}

func (b *Breaker) pruneLocked() {
	cutoff := b.now().Add(-b.cfg.FailureWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].Timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.failures = append([]models.FailureRecord(nil), b.failures[i:]...)
	}
}

func (b *Breaker) openLocked(reason string) transition {
	prev := b.state
	b.state = StateOpen
	b.openedAt = b.now()
	b.tripCount++
	b.lastTrip = reason
	b.successes = 0
	if b.cfg.AutoReset {
		b.stopTimerLocked()
		b.timer = time.AfterFunc(b.cfg.ResetTimeout, b.onResetTimer)
	}
	return transition{prev: prev, next: StateOpen, reason: reason}
}

func (b *Breaker) halfOpenLocked(reason string) transition {
	prev := b.state
	b.state = StateHalfOpen
	b.successes = 0
	b.stopTimerLocked()
	return transition{prev: prev, next: StateHalfOpen, reason: reason}
}

func (b *Breaker) closeLocked(reason string) transition {
	prev := b.state
	b.state = StateClosed
	b.failures = nil
	b.successes = 0
	b.stopTimerLocked()
	return transition{prev: prev, next: StateClosed, reason: reason}
}

func (b *Breaker) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// onResetTimer is the AutoReset timer body. The timer may race a manual
// Reset or Trip; the state check under the lock makes the race benign.
func (b *Breaker) onResetTimer() {
	b.mu.Lock()
	var tr []transition
	if b.state == StateOpen {
		tr = append(tr, b.halfOpenLocked("reset timeout elapsed"))
	}
	b.mu.Unlock()
	b.notify(tr)
}

// notify delivers transitions to callbacks outside the lock. Callback panics
// are recovered and logged so they never unwind into the caller.
func (b *Breaker) notify(transitions []transition) {
	for _, t := range transitions {
		b.logger.Info("circuit breaker state change",
			"previous", string(t.prev),
			"next", string(t.next),
			"reason", t.reason)
		for _, fn := range b.callbacks {
			b.safeInvoke(fn, t)
		}
	}
}

func (b *Breaker) safeInvoke(fn StateChangeFunc, t transition) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("state change callback panicked", "panic", r)
		}
	}()
	fn(t.prev, t.next, t.reason)
}
