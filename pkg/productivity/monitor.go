// Package productivity watches session completions for failure streaks, low
// success rates, and slow completions, and raises deduplicated alerts.
package productivity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// AlertType identifies which productivity signal fired.
type AlertType string

const (
	AlertHighFailureStreak AlertType = "high_failure_streak"
	AlertLowSuccessRate    AlertType = "low_success_rate"
	AlertSlowCompletion    AlertType = "slow_completion"
)

// dedupHourFormat buckets alerts into clock hours.
const dedupHourFormat = "2006-01-02-15"

// Config holds the productivity thresholds.
type Config struct {
	// FailureStreakThreshold is the consecutive-failure count that triggers
	// a streak alert.
	FailureStreakThreshold int `yaml:"failure_streak_threshold"`
	// MinimumCompletions gates the rate and duration checks until enough
	// completions sit in the window.
	MinimumCompletions int `yaml:"minimum_completions"`
	// SuccessRateThreshold is the floor below which the success rate alerts.
	SuccessRateThreshold float64 `yaml:"success_rate_threshold"`
	// SlowDurationThreshold is the average completion duration above which
	// sessions count as slow.
	SlowDurationThreshold time.Duration `yaml:"slow_duration_threshold"`
	// HistoryWindow bounds how far back completions are retained.
	HistoryWindow time.Duration `yaml:"history_window"`
}

// DefaultConfig returns the productivity monitor defaults.
func DefaultConfig() Config {
	return Config{
		FailureStreakThreshold: 3,
		MinimumCompletions:     5,
		SuccessRateThreshold:   0.5,
		SlowDurationThreshold:  30 * time.Minute,
		HistoryWindow:          4 * time.Hour,
	}
}

// Alert is the payload delivered to alert callbacks.
type Alert struct {
	Type       AlertType `json:"type"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	SampleSize int       `json:"sample_size"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertFunc receives productivity alerts. Panics are recovered and logged.
type AlertFunc func(Alert)

// ModelStats aggregates windowed completions for one model.
type ModelStats struct {
	Model       models.Model  `json:"model"`
	Completions int           `json:"completions"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	AvgCostUSD  float64       `json:"avg_cost_usd"`
	TotalTokens int           `json:"total_tokens"`
}

// OverallStats aggregates the whole window.
type OverallStats struct {
	Completions   int     `json:"completions"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	SuccessRate   float64 `json:"success_rate"`
	AvgTokens     float64 `json:"avg_tokens_per_task"`
	AvgCostUSD    float64 `json:"avg_cost_per_task"`
	HourlyRate    float64 `json:"hourly_rate"`
	CurrentStreak int     `json:"current_failure_streak"`
}

// Monitor keeps a rolling completion history and evaluates the three
// productivity checks on every recorded completion. Alerts deduplicate per
// type per clock hour. All methods are safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records []models.CompletionRecord
	streak  int
	fired   map[string]struct{}

	callbacks []AlertFunc
}

// NewMonitor creates an empty monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: slog.Default().With("component", "productivity"),
		now:    time.Now,
		fired:  make(map[string]struct{}),
	}
}

// OnAlert registers an alert callback. Not safe to call after the monitor is
// in use.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.callbacks = append(m.callbacks, fn)
}

// RecordCompletion appends one completion and evaluates every check. A zero
// record timestamp is stamped with the current time.
func (m *Monitor) RecordCompletion(rec models.CompletionRecord) {
	m.mu.Lock()
	now := m.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	m.records = append(m.records, rec)
	m.pruneLocked(now)

	if rec.Success {
		m.streak = 0
	} else {
		m.streak++
	}

	alerts := m.evaluateLocked(now)
	m.mu.Unlock()

	for _, a := range alerts {
		m.fire(a)
	}
}

// Streak returns the current consecutive-failure count.
func (m *Monitor) Streak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak
}

// SuccessRate returns the success ratio over the retained window, or 1 when
// no completions are recorded.
func (m *Monitor) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return 1
	}
	var ok int
	for _, r := range m.records {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(m.records))
}

// Stats aggregates the retained window per model.
func (m *Monitor) Stats() map[models.Model]ModelStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		total, ok, tokens int
		duration          time.Duration
		cost              float64
	}
	byModel := make(map[models.Model]*acc)
	for _, r := range m.records {
		a := byModel[r.Model]
		if a == nil {
			a = &acc{}
			byModel[r.Model] = a
		}
		a.total++
		if r.Success {
			a.ok++
		}
		a.tokens += r.Tokens
		a.duration += r.Duration
		a.cost += r.CostUSD
	}

	stats := make(map[models.Model]ModelStats, len(byModel))
	for model, a := range byModel {
		stats[model] = ModelStats{
			Model:       model,
			Completions: a.total,
			Successes:   a.ok,
			Failures:    a.total - a.ok,
			SuccessRate: float64(a.ok) / float64(a.total),
			AvgDuration: a.duration / time.Duration(a.total),
			AvgCostUSD:  a.cost / float64(a.total),
			TotalTokens: a.tokens,
		}
	}
	return stats
}

// Overall aggregates the whole retained window, including the hourly
// completion rate over the history window.
func (m *Monitor) Overall() OverallStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := OverallStats{CurrentStreak: m.streak}
	n := len(m.records)
	if n == 0 {
		out.SuccessRate = 1
		return out
	}

	var tokens int
	var cost float64
	for _, r := range m.records {
		if r.Success {
			out.Successes++
		}
		tokens += r.Tokens
		cost += r.CostUSD
	}
	out.Completions = n
	out.Failures = n - out.Successes
	out.SuccessRate = float64(out.Successes) / float64(n)
	out.AvgTokens = float64(tokens) / float64(n)
	out.AvgCostUSD = cost / float64(n)
	if hours := m.cfg.HistoryWindow.Hours(); hours > 0 {
		out.HourlyRate = float64(n) / hours
	}
	return out
}

// Reset clears the history, the failure streak, and the dedup keys so the
// next qualifying event re-fires.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.streak = 0
	m.fired = make(map[string]struct{})
}

// evaluateLocked runs all three checks and returns the alerts that cleared
// the per-type per-hour dedup.
func (m *Monitor) evaluateLocked(now time.Time) []Alert {
	var alerts []Alert

	if m.cfg.FailureStreakThreshold > 0 && m.streak >= m.cfg.FailureStreakThreshold {
		alerts = m.appendLocked(alerts, Alert{
			Type:       AlertHighFailureStreak,
			Message:    fmt.Sprintf("%d consecutive session failures", m.streak),
			Value:      float64(m.streak),
			Threshold:  float64(m.cfg.FailureStreakThreshold),
			SampleSize: m.streak,
			Timestamp:  now,
		}, now)
	}

	n := len(m.records)
	if n >= m.cfg.MinimumCompletions {
		var ok int
		var total time.Duration
		for _, r := range m.records {
			if r.Success {
				ok++
			}
			total += r.Duration
		}
		rate := float64(ok) / float64(n)
		if rate < m.cfg.SuccessRateThreshold {
			alerts = m.appendLocked(alerts, Alert{
				Type:       AlertLowSuccessRate,
				Message:    fmt.Sprintf("success rate %.0f%% over last %d completions", rate*100, n),
				Value:      rate,
				Threshold:  m.cfg.SuccessRateThreshold,
				SampleSize: n,
				Timestamp:  now,
			}, now)
		}

		avg := total / time.Duration(n)
		if m.cfg.SlowDurationThreshold > 0 && avg > m.cfg.SlowDurationThreshold {
			alerts = m.appendLocked(alerts, Alert{
				Type:       AlertSlowCompletion,
				Message:    fmt.Sprintf("average completion time %s over last %d completions", avg.Round(time.Second), n),
				Value:      avg.Minutes(),
				Threshold:  m.cfg.SlowDurationThreshold.Minutes(),
				SampleSize: n,
				Timestamp:  now,
			}, now)
		}
	}

	return alerts
}

// appendLocked adds the alert unless its type already fired this clock hour.
// Keys from earlier hours are dropped so the dedup map stays bounded by the
// number of alert types.
func (m *Monitor) appendLocked(alerts []Alert, a Alert, now time.Time) []Alert {
	hour := now.Format(dedupHourFormat)
	key := string(a.Type) + "-" + hour
	if _, dup := m.fired[key]; dup {
		return alerts
	}
	for k := range m.fired {
		if !strings.HasSuffix(k, hour) {
			delete(m.fired, k)
		}
	}
	m.fired[key] = struct{}{}
	return append(alerts, a)
}

// pruneLocked drops completions older than the history window.
func (m *Monitor) pruneLocked(now time.Time) {
	if m.cfg.HistoryWindow <= 0 {
		return
	}
	cutoff := now.Add(-m.cfg.HistoryWindow)
	i := 0
	for ; i < len(m.records); i++ {
		if !m.records[i].Timestamp.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		m.records = append([]models.CompletionRecord(nil), m.records[i:]...)
	}
}

func (m *Monitor) fire(alert Alert) {
	m.logger.Warn("productivity alert",
		"type", alert.Type,
		"message", alert.Message,
		"sample_size", alert.SampleSize)
	for _, fn := range m.callbacks {
		m.safeInvoke(fn, alert)
	}
}

func (m *Monitor) safeInvoke(fn AlertFunc, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("productivity alert callback panicked", "panic", r)
		}
	}()
	fn(alert)
}
