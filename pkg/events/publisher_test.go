package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

func newTestPublisher(t *testing.T) (*EventPublisher, *Subscription) {
	t.Helper()
	bus := NewBus()
	t.Cleanup(bus.Close)
	pub := NewEventPublisher(bus)
	pub.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return pub, bus.Subscribe(8)
}

func decodePayload(t *testing.T, sub *Subscription, out any) Event {
	t.Helper()
	evt := recvEvent(t, sub)
	require.NoError(t, json.Unmarshal(evt.Payload, out))
	return evt
}

func TestEventPublisher_StampsTypeAndTimestamp(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishTaskUpdated(TaskUpdatedPayload{
		TaskID:    "task-1",
		ProjectID: "proj-1",
		Status:    models.TaskInProgress,
		Priority:  7,
		SessionID: "sess-1",
	}))

	var got TaskUpdatedPayload
	evt := decodePayload(t, sub, &got)
	assert.Equal(t, EventTypeTaskUpdated, evt.Type)
	assert.Equal(t, EventTypeTaskUpdated, got.Type)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, models.TaskInProgress, got.Status)
	assert.Equal(t, "2026-03-14T09:00:00Z", got.Timestamp)
}

func TestEventPublisher_ProjectLifecycle(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishProjectPaused(ProjectPausedPayload{ProjectID: "proj-1", Reason: "operator"}))
	require.NoError(t, pub.PublishProjectResumed(ProjectResumedPayload{ProjectID: "proj-1"}))

	var paused ProjectPausedPayload
	assert.Equal(t, EventTypeProjectPaused, decodePayload(t, sub, &paused).Type)
	assert.Equal(t, "operator", paused.Reason)

	var resumed ProjectResumedPayload
	assert.Equal(t, EventTypeProjectResumed, decodePayload(t, sub, &resumed).Type)
	assert.Equal(t, "proj-1", resumed.ProjectID)
}

func TestEventPublisher_SessionFinalized(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishSessionFinalized(SessionFinalizedPayload{
		SessionID:   "sess-1",
		TaskID:      "task-1",
		ProjectID:   "proj-1",
		Status:      models.SessionCompleted,
		CostUSD:     0.42,
		TotalTokens: 1500,
		NumTurns:    3,
		DurationMS:  90000,
	}))

	var got SessionFinalizedPayload
	decodePayload(t, sub, &got)
	assert.Equal(t, models.SessionCompleted, got.Status)
	assert.InDelta(t, 0.42, got.CostUSD, 1e-9)
	assert.Equal(t, int64(90000), got.DurationMS)
}

func TestEventPublisher_DatabaseHealthPicksTypeFromFlag(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishDatabaseHealth(DatabaseHealthPayload{Degraded: true, ConsecutiveFailures: 3}))
	require.NoError(t, pub.PublishDatabaseHealth(DatabaseHealthPayload{Degraded: false, DowntimeSeconds: 600}))

	var degraded DatabaseHealthPayload
	assert.Equal(t, EventTypeDatabaseDegraded, decodePayload(t, sub, &degraded).Type)
	assert.True(t, degraded.Degraded)

	var recovered DatabaseHealthPayload
	assert.Equal(t, EventTypeDatabaseRecovered, decodePayload(t, sub, &recovered).Type)
	assert.InDelta(t, 600, recovered.DowntimeSeconds, 1e-9)
}

func TestEventPublisher_SpendAlertCarriesTopTasks(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishSpendAlert(SpendAlertPayload{
		AmountUSD:     55,
		ThresholdUSD:  50,
		WindowMinutes: 5,
		IsHardLimit:   true,
		TopTasks: []TopTask{
			{TaskID: "task-9", AmountUSD: 33, Percent: 60},
			{TaskID: "task-2", AmountUSD: 22, Percent: 40},
		},
	}))

	var got SpendAlertPayload
	decodePayload(t, sub, &got)
	assert.True(t, got.IsHardLimit)
	require.Len(t, got.TopTasks, 2)
	assert.Equal(t, "task-9", got.TopTasks[0].TaskID)
	assert.InDelta(t, 60, got.TopTasks[0].Percent, 1e-9)
}

func TestEventPublisher_AllocationProposed(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishAllocationProposed(AllocationProposedPayload{
		ProposalID: "prop-1",
		Allocations: []models.ResourceAllocation{
			{ProjectID: "proj-1", RecommendedOpusPercent: 70, RecommendedSonnetPercent: 55, Reasoning: []string{"priority 8"}},
			{ProjectID: "proj-2", RecommendedOpusPercent: 30, RecommendedSonnetPercent: 45},
		},
	}))

	var got AllocationProposedPayload
	decodePayload(t, sub, &got)
	require.Len(t, got.Allocations, 2)
	assert.Equal(t, 70, got.Allocations[0].RecommendedOpusPercent)
}

func TestEventPublisher_QuestionRaised(t *testing.T) {
	pub, sub := newTestPublisher(t)

	require.NoError(t, pub.PublishQuestionRaised(QuestionRaisedPayload{
		SessionID: "sess-1",
		TaskID:    "task-1",
		Question:  "Should I delete the legacy migration?",
	}))

	var got QuestionRaisedPayload
	assert.Equal(t, EventTypeQuestionRaised, decodePayload(t, sub, &got).Type)
	assert.Equal(t, "Should I delete the legacy migration?", got.Question)
}
