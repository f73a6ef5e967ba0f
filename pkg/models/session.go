package models

import "time"

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// Live reports whether the session still counts against model capacity.
func (s SessionStatus) Live() bool {
	return s == SessionStarting || s == SessionActive
}

// Session is one execution of the agent binary bound to one task. Owned
// exclusively by the session manager; other components read snapshots.
type Session struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	ProjectID string        `json:"project_id"`
	Model     Model         `json:"model"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	// CompletedAt is set at finalization for any terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// AgentSessionID is the opaque id assigned by the agent binary, surfaced
	// in its result message. Its only use is the --resume flag.
	AgentSessionID string  `json:"agent_session_id,omitempty"`
	Usage          Usage   `json:"usage"`
	CostUSD        float64 `json:"cost_usd"`
	ErrorReason    string  `json:"error_reason,omitempty"`
	// ParentID is set for subagent sessions; Depth is 0 for roots.
	ParentID       *string   `json:"parent_id,omitempty"`
	Depth          int       `json:"depth"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Usage is the normalized token and cost accounting for one session.
// Absent fields default to zero.
type Usage struct {
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens"`
	TotalTokens              int     `json:"total_tokens"`
	CostUSD                  float64 `json:"cost_usd"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// ModelPricing is the per-model USD rate card, expressed per million tokens.
type ModelPricing struct {
	Model                   Model   `json:"model"`
	InputPerMTok            float64 `json:"input_per_mtok"`
	OutputPerMTok           float64 `json:"output_per_mtok"`
	CacheReadPerMTok        float64 `json:"cache_read_per_mtok"`
	CacheCreationPerMTok    float64 `json:"cache_creation_per_mtok"`
}

// Cost computes the USD cost of a usage sample under this rate card.
func (p ModelPricing) Cost(u Usage) float64 {
	const mtok = 1_000_000
	return float64(u.InputTokens)/mtok*p.InputPerMTok +
		float64(u.OutputTokens)/mtok*p.OutputPerMTok +
		float64(u.CacheReadInputTokens)/mtok*p.CacheReadPerMTok +
		float64(u.CacheCreationInputTokens)/mtok*p.CacheCreationPerMTok
}

// PricingTable maps each model tier to its rate card.
type PricingTable map[Model]ModelPricing

// CostFor computes the cost of a usage sample, preferring the cost the agent
// reported itself; the rate card is the fallback when the agent reported none.
func (t PricingTable) CostFor(model Model, u Usage) float64 {
	if u.CostUSD > 0 {
		return u.CostUSD
	}
	p, ok := t[model]
	if !ok {
		return 0
	}
	return p.Cost(u)
}
