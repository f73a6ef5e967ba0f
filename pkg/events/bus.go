package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the channel depth used by Subscribe.
// Deep enough to absorb a dispatch-tick burst without dropping.
const DefaultSubscriberBuffer = 64

// Bus fans events out to subscribers in-process.
// Each Go process has one Bus instance shared by all producers.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscription
	closed      bool
}

// Subscription is one subscriber's view of the bus. Receive from C
// until it is closed; call Close when done to release the slot.
type Subscription struct {
	// C delivers events in publish order. Closed when the subscription
	// or the bus shuts down.
	C <-chan Event

	id      string
	ch      chan Event
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		logger:      slog.Default().With("component", "event_bus"),
		subscribers: make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber with the given buffer depth.
// A non-positive buffer falls back to DefaultSubscriberBuffer.
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		C:   ch,
		id:  uuid.New().String(),
		ch:  ch,
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Publish delivers the event to every subscriber without blocking.
// A subscriber whose buffer is full loses the event; the drop is
// counted and logged so a stalled dashboard client shows up in logs
// instead of stalling producers.
//
// The read lock is held across the whole fan-out. Sends are
// non-blocking, so this stays cheap, and it guarantees no send races
// with Close closing the channels (Close takes the write lock).
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				"subscriber_id", sub.id, "event_type", event.Type,
				"dropped_total", sub.dropped.Add(1))
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes every subscriber channel.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Close removes the subscription from the bus and closes its channel.
// Safe to call more than once and after the bus itself has closed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subscribers[s.id]; ok {
			delete(s.bus.subscribers, s.id)
			close(s.ch)
		}
	})
}

// Dropped returns how many events this subscriber has lost to a full
// buffer. Used by the SSE handler to surface delivery gaps.
func (s *Subscription) Dropped() int {
	return int(s.dropped.Load())
}
