package models

import "time"

// FactorBreakdown explains one scoring factor's contribution to a priority
// score, for audit surfaces and the recommendations API.
type FactorBreakdown struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Raw         float64 `json:"raw"`
	Normalized  float64 `json:"normalized"`
	Explanation string  `json:"explanation"`
}

// PriorityScore is the scorer's verdict for one task. TotalScore and every
// sub-score lie in [0, 100].
type PriorityScore struct {
	TaskID          string            `json:"task_id"`
	TotalScore      float64           `json:"total_score"`
	ImpactScore     float64           `json:"impact_score"`
	UrgencyScore    float64           `json:"urgency_score"`
	EfficiencyScore float64           `json:"efficiency_score"`
	DependencyScore float64           `json:"dependency_score"`
	Factors         []FactorBreakdown `json:"factors"`
	CalculatedAt    time.Time         `json:"calculated_at"`
}

// ModelCapacity is the per-model slice of a capacity snapshot.
type ModelCapacity struct {
	Current   int `json:"current"`
	Limit     int `json:"limit"`
	Available int `json:"available"`
	// Utilization is current/limit; 0 when the limit is 0.
	Utilization float64 `json:"utilization"`
}

// CapacitySnapshot is a point-in-time view of every model's session counts.
type CapacitySnapshot map[Model]ModelCapacity

// Utilization returns the utilization for a model, 0 when untracked.
func (s CapacitySnapshot) Utilization(m Model) float64 {
	return s[m].Utilization
}

// ResourceAllocation is the allocator's per-project recommendation. Opus and
// sonnet percentages each sum to 100 across all projects in one allocation
// round. Reasoning strings are kept for audit.
type ResourceAllocation struct {
	ProjectID                string   `json:"project_id"`
	RecommendedOpusPercent   int      `json:"recommended_opus_percent"`
	RecommendedSonnetPercent int      `json:"recommended_sonnet_percent"`
	Reasoning                []string `json:"reasoning"`
}

// ProjectStats is the allocator's per-project input.
type ProjectStats struct {
	ProjectID       string        `json:"project_id"`
	Priority        int           `json:"priority"`
	QueuedCount     int           `json:"queued_count"`
	BlockedCount    int           `json:"blocked_count"`
	CurrentSessions map[Model]int `json:"current_sessions,omitempty"`
}
