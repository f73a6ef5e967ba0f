// Package events provides real-time event delivery for the dashboard
// via an in-process bus feeding Server-Sent Events.
//
// Producers publish typed payloads through the EventPublisher; each
// payload is marshaled once and fanned out to every subscriber. A
// subscriber is a bounded channel: when a consumer falls behind and
// its buffer fills, new events for that subscriber are dropped rather
// than blocking the publisher. SSE clients that miss events recover by
// re-reading the REST endpoints, so delivery is deliberately
// best-effort.
package events

// Dashboard event types. The value is the SSE "event:" field; the
// JSON payload repeats it in "type" so non-SSE consumers can route.
const (
	EventTypeTaskUpdated        = "taskUpdated"
	EventTypeProjectPaused      = "projectPaused"
	EventTypeProjectResumed     = "projectResumed"
	EventTypeSessionStarted     = "sessionStarted"
	EventTypeSessionFinalized   = "sessionFinalized"
	EventTypeQuestionRaised     = "questionRaised"
	EventTypeSpendAlert         = "spendAlert"
	EventTypeProductivityAlert  = "productivityAlert"
	EventTypeDatabaseDegraded   = "databaseDegraded"
	EventTypeDatabaseRecovered  = "databaseRecovered"
	EventTypeAllocationProposed = "allocationProposed"
)

// Event is the envelope carried by the bus: the event type plus its
// already-marshaled JSON payload.
type Event struct {
	Type    string
	Payload []byte
}
