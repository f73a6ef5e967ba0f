// Package spend tracks rolling agent spend and raises alert, pause, and
// hard-stop signals when the windowed total crosses configured thresholds.
package spend

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// Alert categories used for deduplication.
const (
	categorySoft = "soft"
	categoryHard = "hard"
)

// topTaskLimit bounds how many task aggregates an alert payload carries.
const topTaskLimit = 5

// Config holds the spend thresholds over one rolling window.
type Config struct {
	// AlertThresholdUSD is the soft threshold: crossing it alerts and pauses
	// new launches.
	AlertThresholdUSD float64 `yaml:"alert_threshold_usd"`
	// HardLimitUSD is the hard threshold: crossing it alerts, pauses, and
	// stops with cancellation of running sessions.
	HardLimitUSD float64 `yaml:"hard_limit_usd"`
	// WindowMinutes is the rolling window; it doubles as the alert cooldown.
	WindowMinutes int `yaml:"window_minutes"`
}

// DefaultConfig returns the spend monitor defaults.
func DefaultConfig() Config {
	return Config{
		AlertThresholdUSD: 25.0,
		HardLimitUSD:      100.0,
		WindowMinutes:     60,
	}
}

// ThresholdResult is the verdict of one threshold evaluation.
type ThresholdResult struct {
	Alert       bool `json:"alert"`
	Pause       bool `json:"pause"`
	Stop        bool `json:"stop"`
	IsHardLimit bool `json:"is_hard_limit"`
}

// TaskSpend aggregates window spend for one task.
type TaskSpend struct {
	TaskID    string  `json:"task_id"`
	AmountUSD float64 `json:"amount_usd"`
	// Percent is this task's share of the window total, 0-100.
	Percent float64 `json:"percent"`
}

// Alert is the payload delivered to alert callbacks.
type Alert struct {
	AmountUSD     float64     `json:"amount_usd"`
	ThresholdUSD  float64     `json:"threshold_usd"`
	WindowMinutes int         `json:"window_minutes"`
	IsHardLimit   bool        `json:"is_hard_limit"`
	TopTasks      []TaskSpend `json:"top_tasks"`
	Timestamp     time.Time   `json:"timestamp"`
}

// AlertFunc receives threshold alerts. Callbacks run synchronously inside
// CheckThresholds but panics are recovered and logged, never re-raised.
type AlertFunc func(Alert)

// Monitor holds the ordered spend records for one rolling window. All methods
// are safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	records     []models.SpendRecord
	lastAlerts  map[string]time.Time
	paused      bool
	hardStopped bool
	hardLatched bool

	callbacks []AlertFunc
}

// NewMonitor creates an empty monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:        cfg,
		logger:     slog.Default().With("component", "spend"),
		now:        time.Now,
		lastAlerts: make(map[string]time.Time),
	}
}

// OnAlert registers an alert callback. Not safe to call after the monitor is
// in use.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.callbacks = append(m.callbacks, fn)
}

// RecordSpend appends a cost event stamped with the current time.
func (m *Monitor) RecordSpend(amountUSD float64, taskID string, model models.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, models.SpendRecord{
		Timestamp: m.now(),
		TaskID:    taskID,
		Model:     model,
		AmountUSD: amountUSD,
	})
	m.pruneLocked()
}

// SpendInWindow sums all records within the last minutes. Records older than
// twice the configured window are pruned on every call so memory stays
// bounded.
func (m *Monitor) SpendInWindow(minutes int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return m.sumSinceLocked(m.now().Add(-time.Duration(minutes) * time.Minute))
}

// CurrentSpend sums the configured rolling window.
func (m *Monitor) CurrentSpend() float64 {
	return m.SpendInWindow(m.cfg.WindowMinutes)
}

// CheckThresholds evaluates the configured window against the thresholds,
// updates the pause/stop state, and fires deduplicated alert callbacks.
//
//	spend >= hard  => alert + pause + stop (hard)
//	alert <= spend < hard => alert + pause
//	otherwise      => all clear
func (m *Monitor) CheckThresholds() ThresholdResult {
	m.mu.Lock()
	m.pruneLocked()
	now := m.now()
	spend := m.sumSinceLocked(now.Add(-time.Duration(m.cfg.WindowMinutes) * time.Minute))

	var result ThresholdResult
	var alert *Alert
	switch {
	case spend >= m.cfg.HardLimitUSD:
		result = ThresholdResult{Alert: true, Pause: true, Stop: true, IsHardLimit: true}
		m.paused = true
		m.hardStopped = true
		if m.shouldFireLocked(categoryHard, now) && !m.hardLatched {
			m.hardLatched = true
			m.lastAlerts[categoryHard] = now
			alert = m.buildAlertLocked(spend, m.cfg.HardLimitUSD, true, now)
		}
	case spend >= m.cfg.AlertThresholdUSD:
		result = ThresholdResult{Alert: true, Pause: true}
		m.paused = true
		if m.shouldFireLocked(categorySoft, now) {
			m.lastAlerts[categorySoft] = now
			alert = m.buildAlertLocked(spend, m.cfg.AlertThresholdUSD, false, now)
		}
	default:
		result = ThresholdResult{}
		m.paused = false
	}
	m.mu.Unlock()

	if alert != nil {
		m.fire(*alert)
	}
	return result
}

// Paused reports whether the soft threshold currently suppresses launches.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Stopped reports whether the hard limit has latched a full stop. It stays
// latched until Resume or Reset regardless of the window draining.
func (m *Monitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardStopped
}

// Resume clears the pause and the hard-limit latch so a subsequent crossing
// re-fires.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.hardStopped = false
	m.hardLatched = false
	delete(m.lastAlerts, categoryHard)
}

// Reset clears records, alert timestamps, and pause state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.lastAlerts = make(map[string]time.Time)
	m.paused = false
	m.hardStopped = false
	m.hardLatched = false
}

// TopTasks aggregates the configured window by task id, sorted by amount
// descending, with each task's percentage of the window total.
func (m *Monitor) TopTasks(limit int) []TaskSpend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return m.topTasksLocked(m.now().Add(-time.Duration(m.cfg.WindowMinutes)*time.Minute), limit)
}

func (m *Monitor) shouldFireLocked(category string, now time.Time) bool {
	last, ok := m.lastAlerts[category]
	if !ok {
		return true
	}
	cooldown := time.Duration(m.cfg.WindowMinutes) * time.Minute
	return now.Sub(last) >= cooldown
}

func (m *Monitor) buildAlertLocked(spend, threshold float64, hard bool, now time.Time) *Alert {
	return &Alert{
		AmountUSD:     spend,
		ThresholdUSD:  threshold,
		WindowMinutes: m.cfg.WindowMinutes,
		IsHardLimit:   hard,
		TopTasks:      m.topTasksLocked(now.Add(-time.Duration(m.cfg.WindowMinutes)*time.Minute), topTaskLimit),
		Timestamp:     now,
	}
}

func (m *Monitor) topTasksLocked(cutoff time.Time, limit int) []TaskSpend {
	totals := make(map[string]float64)
	var windowTotal float64
	for _, r := range m.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		totals[r.TaskID] += r.AmountUSD
		windowTotal += r.AmountUSD
	}
	if len(totals) == 0 {
		return nil
	}

	tasks := make([]TaskSpend, 0, len(totals))
	for id, amount := range totals {
		var pct float64
		if windowTotal > 0 {
			pct = amount / windowTotal * 100
		}
		tasks = append(tasks, TaskSpend{TaskID: id, AmountUSD: amount, Percent: pct})
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].AmountUSD != tasks[j].AmountUSD {
			return tasks[i].AmountUSD > tasks[j].AmountUSD
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

// sumSinceLocked sums records at or after cutoff.
func (m *Monitor) sumSinceLocked(cutoff time.Time) float64 {
	var total float64
	for _, r := range m.records {
		if !r.Timestamp.Before(cutoff) {
			total += r.AmountUSD
		}
	}
	return total
}

// pruneLocked drops records older than twice the configured window.
func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-2 * time.Duration(m.cfg.WindowMinutes) * time.Minute)
	i := 0
	for ; i < len(m.records); i++ {
		if !m.records[i].Timestamp.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		m.records = append([]models.SpendRecord(nil), m.records[i:]...)
	}
}

// fire delivers an alert to every callback, containing panics.
func (m *Monitor) fire(alert Alert) {
	m.logger.Warn("spend threshold crossed",
		"amount_usd", alert.AmountUSD,
		"threshold_usd", alert.ThresholdUSD,
		"hard_limit", alert.IsHardLimit,
		"window_minutes", alert.WindowMinutes)
	for _, fn := range m.callbacks {
		m.safeInvoke(fn, alert)
	}
}

func (m *Monitor) safeInvoke(fn AlertFunc, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("spend alert callback panicked", "panic", r)
		}
	}()
	fn(alert)
}
