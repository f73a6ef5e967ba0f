package spend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
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

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := NewMonitor(cfg)
	m.now = clock.Now
	return m, clock
}

func TestMonitor_SpendInWindow(t *testing.T) {
	m, clock := newTestMonitor(t, Config{
		AlertThresholdUSD: 25,
		HardLimitUSD:      100,
		WindowMinutes:     60,
	})

	m.RecordSpend(10, "task-1", models.ModelOpus)
	clock.Advance(30 * time.Minute)
	m.RecordSpend(5, "task-2", models.ModelSonnet)

	assert.InDelta(t, 15.0, m.SpendInWindow(60), 0.001)
	assert.InDelta(t, 5.0, m.SpendInWindow(10), 0.001, "older record falls outside a narrow window")

	clock.Advance(45 * time.Minute)
	assert.InDelta(t, 5.0, m.SpendInWindow(60), 0.001, "first record aged out of the window")
}

func TestMonitor_PrunesBeyondTwiceWindow(t *testing.T) {
	m, clock := newTestMonitor(t, Config{
		AlertThresholdUSD: 25,
		HardLimitUSD:      100,
		WindowMinutes:     60,
	})

	m.RecordSpend(10, "task-1", models.ModelOpus)
	clock.Advance(121 * time.Minute)
	m.RecordSpend(1, "task-2", models.ModelHaiku)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1)
	assert.Equal(t, "task-2", m.records[0].TaskID)
}

func TestMonitor_SoftThreshold(t *testing.T) {
	m, clock := newTestMonitor(t, Config{
		AlertThresholdUSD: 25,
		HardLimitUSD:      100,
		WindowMinutes:     60,
	})

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.RecordSpend(30, "task-1", models.ModelOpus)
	result := m.CheckThresholds()

	assert.True(t, result.Alert)
	assert.True(t, result.Pause)
	assert.False(t, result.Stop)
	assert.False(t, result.IsHardLimit)
	assert.True(t, m.Paused())
	assert.False(t, m.Stopped())

	require.Len(t, alerts, 1)
	assert.InDelta(t, 30.0, alerts[0].AmountUSD, 0.001)
	assert.InDelta(t, 25.0, alerts[0].ThresholdUSD, 0.001)
	assert.False(t, alerts[0].IsHardLimit)

	t.Run("cooldown suppresses repeat alerts", func(t *testing.T) {
		clock.Advance(10 * time.Minute)
		m.RecordSpend(1, "task-1", models.ModelOpus)
		result := m.CheckThresholds()
		assert.True(t, result.Alert)
		assert.Len(t, alerts, 1, "second alert within cooldown is deduplicated")
	})

	t.Run("alert refires after cooldown", func(t *testing.T) {
		clock.Advance(55 * time.Minute)
		m.RecordSpend(40, "task-2", models.ModelSonnet)
		result := m.CheckThresholds()
		assert.True(t, result.Alert)
		assert.Len(t, alerts, 2)
	})
}

// Hard-limit crossing fires exactly one alert until resume or reset, with the
// full alert+pause+stop verdict: 55 USD against a 50 USD hard limit.
func TestMonitor_HardLimitFiresOnce(t *testing.T) {
	m, clock := newTestMonitor(t, Config{
		AlertThresholdUSD: 5,
		HardLimitUSD:      50,
		WindowMinutes:     5,
	})

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.RecordSpend(55, "task-1", models.ModelOpus)

	result := m.CheckThresholds()
	assert.True(t, result.Alert)
	assert.True(t, result.Pause)
	assert.True(t, result.Stop)
	assert.True(t, result.IsHardLimit)
	assert.True(t, m.Stopped())

	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].IsHardLimit)
	assert.InDelta(t, 55.0, alerts[0].AmountUSD, 0.001)
	assert.InDelta(t, 50.0, alerts[0].ThresholdUSD, 0.001)

	for i := 0; i < 3; i++ {
		clock.Advance(6 * time.Minute)
		m.RecordSpend(55, "task-1", models.ModelOpus)
		m.CheckThresholds()
	}
	assert.Len(t, alerts, 1, "hard alert stays latched past the cooldown")
	assert.True(t, m.Stopped(), "stop persists while latched")

	t.Run("resume clears the latch", func(t *testing.T) {
		m.Resume()
		assert.False(t, m.Stopped())

		result := m.CheckThresholds()
		assert.True(t, result.IsHardLimit, "window still over the hard limit")
		assert.Len(t, alerts, 2, "crossing after resume re-fires")
	})
}

func TestMonitor_StopLatchOutlivesWindow(t *testing.T) {
	m, clock := newTestMonitor(t, Config{
		AlertThresholdUSD: 5,
		HardLimitUSD:      50,
		WindowMinutes:     5,
	})

	m.RecordSpend(60, "task-1", models.ModelOpus)
	m.CheckThresholds()
	require.True(t, m.Stopped())

	clock.Advance(20 * time.Minute)
	result := m.CheckThresholds()
	assert.False(t, result.Alert, "window drained below both thresholds")
	assert.False(t, m.Paused(), "pause lifts once spend drops")
	assert.True(t, m.Stopped(), "hard stop persists until resume")

	m.Resume()
	assert.False(t, m.Stopped())
}

func TestMonitor_Reset(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		AlertThresholdUSD: 5,
		HardLimitUSD:      50,
		WindowMinutes:     5,
	})

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.RecordSpend(60, "task-1", models.ModelOpus)
	m.CheckThresholds()
	require.Len(t, alerts, 1)
	require.True(t, m.Stopped())

	m.Reset()

	assert.Zero(t, m.CurrentSpend())
	assert.False(t, m.Paused())
	assert.False(t, m.Stopped())

	m.RecordSpend(60, "task-1", models.ModelOpus)
	m.CheckThresholds()
	assert.Len(t, alerts, 2, "alert history cleared by reset")
}

func TestMonitor_ResetOnEmptyMonitor(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultConfig())
	m.Reset()
	assert.Zero(t, m.CurrentSpend())
	assert.False(t, m.Paused())
	assert.False(t, m.Stopped())
}

func TestMonitor_TopTasks(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		AlertThresholdUSD: 25,
		HardLimitUSD:      100,
		WindowMinutes:     60,
	})

	m.RecordSpend(10, "task-a", models.ModelOpus)
	m.RecordSpend(5, "task-b", models.ModelSonnet)
	m.RecordSpend(20, "task-a", models.ModelOpus)
	m.RecordSpend(15, "task-c", models.ModelHaiku)

	top := m.TopTasks(2)
	require.Len(t, top, 2)
	assert.Equal(t, "task-a", top[0].TaskID)
	assert.InDelta(t, 30.0, top[0].AmountUSD, 0.001)
	assert.InDelta(t, 60.0, top[0].Percent, 0.001)
	assert.Equal(t, "task-c", top[1].TaskID)
	assert.InDelta(t, 30.0, top[1].Percent, 0.001)
}

func TestMonitor_AlertCarriesTopTasks(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		AlertThresholdUSD: 25,
		HardLimitUSD:      100,
		WindowMinutes:     60,
	})

	var alerts []Alert
	m.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	m.RecordSpend(20, "task-a", models.ModelOpus)
	m.RecordSpend(10, "task-b", models.ModelSonnet)
	m.CheckThresholds()

	require.Len(t, alerts, 1)
	require.Len(t, alerts[0].TopTasks, 2)
	assert.Equal(t, "task-a", alerts[0].TopTasks[0].TaskID)
	assert.Equal(t, 60, m.cfg.WindowMinutes)
	assert.Equal(t, 60, alerts[0].WindowMinutes)
}

func TestMonitor_CallbackPanicContained(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		AlertThresholdUSD: 5,
		HardLimitUSD:      50,
		WindowMinutes:     5,
	})

	var called bool
	m.OnAlert(func(Alert) { panic("boom") })
	m.OnAlert(func(Alert) { called = true })

	m.RecordSpend(10, "task-1", models.ModelOpus)
	require.NotPanics(t, func() { m.CheckThresholds() })
	assert.True(t, called, "panic in one callback does not block the next")
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m, _ := newTestMonitor(t, Config{
		AlertThresholdUSD: 1000,
		HardLimitUSD:      5000,
		WindowMinutes:     60,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordSpend(1, "task-1", models.ModelSonnet)
			m.CheckThresholds()
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50.0, m.CurrentSpend(), 0.001)
}
