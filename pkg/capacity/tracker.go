// Package capacity counts live sessions per model and admits or rejects new
// sessions against a per-model cap.
package capacity

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// ErrLimitExceeded is returned by MustReserve when the caller asserts a
// reservation without checking availability first.
var ErrLimitExceeded = errors.New("capacity limit exceeded")

// Tracker tracks the number of live sessions per model against configured
// limits. All methods are safe for concurrent use.
//
// Every successful Reserve must be paired with exactly one Release, on every
// exit path of the session it admitted.
type Tracker struct {
	mu      sync.Mutex
	limits  map[models.Model]int
	current map[models.Model]int
	logger  *slog.Logger
}

// NewTracker creates a tracker with the given per-model limits. Models absent
// from the map have limit 0 and never admit sessions.
func NewTracker(limits map[models.Model]int) *Tracker {
	l := make(map[models.Model]int, len(limits))
	for m, n := range limits {
		l[m] = n
	}
	return &Tracker{
		limits:  l,
		current: make(map[models.Model]int, len(limits)),
		logger:  slog.Default().With("component", "capacity"),
	}
}

// Reserve atomically increments the live count for model if it is below the
// limit. Returns false when the model is at (or above) its limit.
func (t *Tracker) Reserve(model models.Model) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current[model] >= t.limits[model] {
		return false
	}
	t.current[model]++
	return true
}

// MustReserve reserves like Reserve but returns ErrLimitExceeded instead of
// false, for callers that assert the reservation.
func (t *Tracker) MustReserve(model models.Model) error {
	if !t.Reserve(model) {
		return ErrLimitExceeded
	}
	return nil
}

// Release decrements the live count for model. Releasing past zero is an
// accounting bug in the caller; it is logged and treated as a no-op so the
// tracker never goes negative.
func (t *Tracker) Release(model models.Model) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current[model] <= 0 {
		t.logger.Warn("release without matching reservation",
			"model", model.String(),
			"limit", t.limits[model])
		return
	}
	t.current[model]--
}

// Available returns how many more sessions the model admits right now.
func (t *Tracker) Available(model models.Model) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	avail := t.limits[model] - t.current[model]
	if avail < 0 {
		return 0
	}
	return avail
}

// Snapshot returns a point-in-time copy of every tracked model's counts.
func (t *Tracker) Snapshot() models.CapacitySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make(models.CapacitySnapshot, len(t.limits))
	for m, limit := range t.limits {
		cur := t.current[m]
		var util float64
		if limit > 0 {
			util = float64(cur) / float64(limit)
		}
		snap[m] = models.ModelCapacity{
			Current:     cur,
			Limit:       limit,
			Available:   max(limit-cur, 0),
			Utilization: util,
		}
	}
	return snap
}
