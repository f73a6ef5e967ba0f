// Package dbhealth classifies database errors and tracks consecutive
// failures so the dispatcher can degrade instead of hammering a dead
// database.
package dbhealth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// dbErrorMarkers are matched case-insensitively against error strings.
var dbErrorMarkers = []string{
	"supabase",
	"database",
	"connection",
	"network",
	"timeout",
	"econnrefused",
	"enotfound",
}

// IsDBError reports whether err looks like a database or connectivity
// failure rather than an application error.
func IsDBError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range dbErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Config holds the health monitor thresholds.
type Config struct {
	// ConsecutiveFailureThreshold is how many DB failures in a row flip the
	// monitor to degraded.
	ConsecutiveFailureThreshold int `yaml:"consecutive_failure_threshold"`
	// ProbeInitialInterval seeds the exponential probe backoff.
	ProbeInitialInterval time.Duration `yaml:"probe_initial_interval"`
	// ProbeMaxInterval caps the probe backoff.
	ProbeMaxInterval time.Duration `yaml:"probe_max_interval"`
	// ProbeTimeout bounds a single ping attempt.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns the health monitor defaults.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureThreshold: 3,
		ProbeInitialInterval:        5 * time.Second,
		ProbeMaxInterval:            2 * time.Minute,
		ProbeTimeout:                5 * time.Second,
	}
}

// Pinger is the probe target, satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateChangeFunc receives degraded transitions. On recovery the downtime
// carries how long the monitor was degraded. Panics are recovered and
// logged.
type StateChangeFunc func(degraded bool, downtime time.Duration)

// Stats is a point-in-time health snapshot.
type Stats struct {
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int       `json:"total_failures"`
	LastError           string    `json:"last_error,omitempty"`
	DegradedSince       time.Time `json:"degraded_since,omitzero"`
}

// Monitor tracks consecutive database failures. All methods are safe for
// concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	consecutive   int
	totalFailures int
	degraded      bool
	degradedSince time.Time
	lastErr       string
	classifier    func(error) bool

	probeWake chan struct{}
	callbacks []StateChangeFunc
}

// NewMonitor creates a healthy monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:       cfg,
		logger:    slog.Default().With("component", "dbhealth"),
		now:       time.Now,
		probeWake: make(chan struct{}, 1),
	}
}

// SetClassifier installs an extra error classifier consulted before the
// built-in marker list. Not safe to call after the monitor is in use.
func (m *Monitor) SetClassifier(fn func(error) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifier = fn
}

// OnStateChange registers a transition callback. Not safe to call after the
// monitor is in use.
func (m *Monitor) OnStateChange(fn StateChangeFunc) {
	m.callbacks = append(m.callbacks, fn)
}

// Classify reports whether err counts as a database error for this monitor.
func (m *Monitor) Classify(err error) bool {
	if err == nil {
		return false
	}
	m.mu.Lock()
	classifier := m.classifier
	m.mu.Unlock()
	if classifier != nil && classifier(err) {
		return true
	}
	return IsDBError(err)
}

// Observe records err when it classifies as a database error and records a
// success otherwise. Nil errors record a success. It reports whether err was
// treated as a database error.
func (m *Monitor) Observe(err error) bool {
	if err == nil {
		m.RecordSuccess()
		return false
	}
	if !m.Classify(err) {
		return false
	}
	m.RecordFailure(err)
	return true
}

// RecordFailure counts one database failure and flips to degraded at the
// threshold.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	m.consecutive++
	m.totalFailures++
	if err != nil {
		m.lastErr = err.Error()
	}
	becameDegraded := false
	if !m.degraded && m.consecutive >= m.cfg.ConsecutiveFailureThreshold {
		m.degraded = true
		m.degradedSince = m.now()
		becameDegraded = true
	}
	consecutive := m.consecutive
	m.mu.Unlock()

	if becameDegraded {
		m.logger.Error("database degraded",
			"consecutive_failures", consecutive,
			"last_error", err)
		select {
		case m.probeWake <- struct{}{}:
		default:
		}
		m.notify(true, 0)
	}
}

// RecordSuccess resets the failure count and, when degraded, marks recovery
// with the total downtime.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.consecutive = 0
	var downtime time.Duration
	recovered := false
	if m.degraded {
		downtime = m.now().Sub(m.degradedSince)
		m.degraded = false
		m.degradedSince = time.Time{}
		recovered = true
	}
	m.mu.Unlock()

	if recovered {
		m.logger.Info("database recovered", "downtime", downtime)
		m.notify(false, downtime)
	}
}

// Degraded reports whether the monitor currently considers the database
// unhealthy.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Stats returns a snapshot of the monitor state.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Degraded:            m.degraded,
		ConsecutiveFailures: m.consecutive,
		TotalFailures:       m.totalFailures,
		LastError:           m.lastErr,
		DegradedSince:       m.degradedSince,
	}
}

// AttemptRecovery performs one out-of-band health probe. A successful ping
// takes the regular recovery path, including the downtime callback.
func (m *Monitor) AttemptRecovery(ctx context.Context, pinger Pinger) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := pinger.Ping(pingCtx); err != nil {
		m.logger.Debug("database probe failed", "error", err)
		return err
	}
	m.RecordSuccess()
	return nil
}

// RunProber retries AttemptRecovery with exponential backoff whenever the
// monitor is degraded. It blocks until ctx is cancelled.
func (m *Monitor) RunProber(ctx context.Context, pinger Pinger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.probeWake:
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.ProbeInitialInterval
		b.MaxInterval = m.cfg.ProbeMaxInterval
		b.MaxElapsedTime = 0

		operation := func() error {
			return m.AttemptRecovery(ctx, pinger)
		}
		if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (m *Monitor) notify(degraded bool, downtime time.Duration) {
	for _, fn := range m.callbacks {
		m.safeInvoke(fn, degraded, downtime)
	}
}

func (m *Monitor) safeInvoke(fn StateChangeFunc, degraded bool, downtime time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health state callback panicked", "panic", r)
		}
	}()
	fn(degraded, downtime)
}
