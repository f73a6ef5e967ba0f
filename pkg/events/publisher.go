package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventPublisher publishes dashboard events onto the bus.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. The publisher stamps the type and timestamp fields,
// marshals once, and fans out via the bus. Publishing is best-effort:
// the only error a caller can see is a marshal failure.
type EventPublisher struct {
	bus *Bus
	now func() time.Time
}

// NewEventPublisher creates a publisher bound to the given bus.
func NewEventPublisher(bus *Bus) *EventPublisher {
	return &EventPublisher{
		bus: bus,
		now: time.Now,
	}
}

// PublishTaskUpdated broadcasts a taskUpdated event.
func (p *EventPublisher) PublishTaskUpdated(payload TaskUpdatedPayload) error {
	payload.Type = EventTypeTaskUpdated
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishProjectPaused broadcasts a projectPaused event.
func (p *EventPublisher) PublishProjectPaused(payload ProjectPausedPayload) error {
	payload.Type = EventTypeProjectPaused
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishProjectResumed broadcasts a projectResumed event.
func (p *EventPublisher) PublishProjectResumed(payload ProjectResumedPayload) error {
	payload.Type = EventTypeProjectResumed
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishSessionStarted broadcasts a sessionStarted event.
func (p *EventPublisher) PublishSessionStarted(payload SessionStartedPayload) error {
	payload.Type = EventTypeSessionStarted
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishSessionFinalized broadcasts a sessionFinalized event.
// Callers guarantee at most one finalization per session.
func (p *EventPublisher) PublishSessionFinalized(payload SessionFinalizedPayload) error {
	payload.Type = EventTypeSessionFinalized
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishQuestionRaised broadcasts a questionRaised event.
func (p *EventPublisher) PublishQuestionRaised(payload QuestionRaisedPayload) error {
	payload.Type = EventTypeQuestionRaised
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishSpendAlert broadcasts a spendAlert event.
func (p *EventPublisher) PublishSpendAlert(payload SpendAlertPayload) error {
	payload.Type = EventTypeSpendAlert
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishProductivityAlert broadcasts a productivityAlert event.
func (p *EventPublisher) PublishProductivityAlert(payload ProductivityAlertPayload) error {
	payload.Type = EventTypeProductivityAlert
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishDatabaseHealth broadcasts a databaseDegraded or
// databaseRecovered event depending on the payload's Degraded flag.
func (p *EventPublisher) PublishDatabaseHealth(payload DatabaseHealthPayload) error {
	if payload.Degraded {
		payload.Type = EventTypeDatabaseDegraded
	} else {
		payload.Type = EventTypeDatabaseRecovered
	}
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

// PublishAllocationProposed broadcasts an allocationProposed event.
func (p *EventPublisher) PublishAllocationProposed(payload AllocationProposedPayload) error {
	payload.Type = EventTypeAllocationProposed
	payload.Timestamp = p.timestamp()
	return p.publish(payload.Type, payload)
}

func (p *EventPublisher) publish(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	p.bus.Publish(Event{Type: eventType, Payload: data})
	return nil
}

func (p *EventPublisher) timestamp() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}
