package events

import (
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// TaskUpdatedPayload is the payload for taskUpdated events.
// Published whenever a task changes status, priority, or assignment.
type TaskUpdatedPayload struct {
	Type      string            `json:"type"` // always EventTypeTaskUpdated
	TaskID    string            `json:"task_id"`
	ProjectID string            `json:"project_id"`
	Status    models.TaskStatus `json:"status"`
	Priority  int               `json:"priority"`
	SessionID string            `json:"session_id,omitempty"` // set while a session works the task
	Timestamp string            `json:"timestamp"`            // RFC3339Nano
}

// ProjectPausedPayload is the payload for projectPaused events.
type ProjectPausedPayload struct {
	Type      string `json:"type"` // always EventTypeProjectPaused
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason,omitempty"` // "operator", "spend_limit", ...
	Timestamp string `json:"timestamp"`        // RFC3339Nano
}

// ProjectResumedPayload is the payload for projectResumed events.
type ProjectResumedPayload struct {
	Type      string `json:"type"` // always EventTypeProjectResumed
	ProjectID string `json:"project_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// SessionStartedPayload is the payload for sessionStarted events.
// Published once the agent subprocess is running.
type SessionStartedPayload struct {
	Type            string       `json:"type"` // always EventTypeSessionStarted
	SessionID       string       `json:"session_id"`
	TaskID          string       `json:"task_id"`
	ProjectID       string       `json:"project_id"`
	Model           models.Model `json:"model"`
	ParentSessionID string       `json:"parent_session_id,omitempty"` // set for subagents
	Timestamp       string       `json:"timestamp"`                   // RFC3339Nano
}

// SessionFinalizedPayload is the payload for sessionFinalized events.
// Published exactly once per session when it reaches a terminal state.
type SessionFinalizedPayload struct {
	Type        string               `json:"type"` // always EventTypeSessionFinalized
	SessionID   string               `json:"session_id"`
	TaskID      string               `json:"task_id"`
	ProjectID   string               `json:"project_id"`
	Status      models.SessionStatus `json:"status"` // completed, failed, cancelled
	CostUSD     float64              `json:"cost_usd"`
	TotalTokens int                  `json:"total_tokens"`
	NumTurns    int                  `json:"num_turns"`
	DurationMS  int64                `json:"duration_ms"`
	Timestamp   string               `json:"timestamp"` // RFC3339Nano
}

// QuestionRaisedPayload is the payload for questionRaised events.
// Published when an agent asks its operator a question mid-session.
type QuestionRaisedPayload struct {
	Type      string `json:"type"` // always EventTypeQuestionRaised
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Question  string `json:"question"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// TopTask is one entry in a spend alert's largest-spender breakdown.
type TopTask struct {
	TaskID    string  `json:"task_id"`
	AmountUSD float64 `json:"amount_usd"`
	Percent   float64 `json:"percent"` // share of total window spend
}

// SpendAlertPayload is the payload for spendAlert events.
type SpendAlertPayload struct {
	Type          string    `json:"type"` // always EventTypeSpendAlert
	AmountUSD     float64   `json:"amount_usd"`
	ThresholdUSD  float64   `json:"threshold_usd"`
	WindowMinutes int       `json:"window_minutes"`
	IsHardLimit   bool      `json:"is_hard_limit"`
	TopTasks      []TopTask `json:"top_tasks,omitempty"`
	Timestamp     string    `json:"timestamp"` // RFC3339Nano
}

// ProductivityAlertPayload is the payload for productivityAlert events.
type ProductivityAlertPayload struct {
	Type       string  `json:"type"`       // always EventTypeProductivityAlert
	AlertType  string  `json:"alert_type"` // high_failure_streak, low_success_rate, slow_completion
	Message    string  `json:"message"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	SampleSize int     `json:"sample_size"`
	Timestamp  string  `json:"timestamp"` // RFC3339Nano
}

// DatabaseHealthPayload is the payload for databaseDegraded and
// databaseRecovered events.
type DatabaseHealthPayload struct {
	Type                string  `json:"type"` // EventTypeDatabaseDegraded or EventTypeDatabaseRecovered
	Degraded            bool    `json:"degraded"`
	ConsecutiveFailures int     `json:"consecutive_failures,omitempty"`
	DowntimeSeconds     float64 `json:"downtime_seconds,omitempty"` // set on recovery
	Timestamp           string  `json:"timestamp"`                  // RFC3339Nano
}

// AllocationProposedPayload is the payload for allocationProposed events.
// Published when the allocator produces a new budget proposal.
type AllocationProposedPayload struct {
	Type        string                      `json:"type"` // always EventTypeAllocationProposed
	ProposalID  string                      `json:"proposal_id"`
	Allocations []models.ResourceAllocation `json:"allocations"`
	Timestamp   string                      `json:"timestamp"` // RFC3339Nano
}
