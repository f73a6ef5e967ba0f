package models

import "time"

// SpendRecord is one cost event observed by the rolling spend monitor.
// Appended on usage events, pruned once older than twice the rolling window.
type SpendRecord struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Model     Model     `json:"model"`
	AmountUSD float64   `json:"amount_usd"`
}

// FailureRecord is one failure observed by the circuit breaker. Pruned once
// older than the failure window.
type FailureRecord struct {
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// CompletionRecord is one finished session as seen by the productivity
// monitor. Pruned by the productivity window.
type CompletionRecord struct {
	SessionID   string        `json:"session_id"`
	TaskID      string        `json:"task_id"`
	Model       Model         `json:"model"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
	Tokens      int           `json:"tokens"`
	CostUSD     float64       `json:"cost_usd"`
	ErrorReason string        `json:"error_reason,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Confidence grades a calibration factor by its sample size.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// CalibrationFactor corrects session estimates for historical bias per
// (project, complexity). The multiplier is the median of actual/estimated
// ratios, clamped to [0.5, 3.0]; the median keeps single runaway tasks from
// dominating the factor. A nil ProjectID marks the global factor.
type CalibrationFactor struct {
	ProjectID          *string    `json:"project_id,omitempty"`
	Complexity         Complexity `json:"complexity"`
	SessionsMultiplier float64    `json:"sessions_multiplier"`
	SampleSize         int        `json:"sample_size"`
	Confidence         Confidence `json:"confidence"`
}

// EstimatePair is one completed task's estimated vs. actual session counts,
// summed across models. Input to the scorer's efficiency factor and to
// calibration.
type EstimatePair struct {
	Estimated int `json:"estimated"`
	Actual    int `json:"actual"`
}
