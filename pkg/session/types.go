package session

import (
	"context"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// LaunchOptions carry the per-launch knobs beyond task and model.
type LaunchOptions struct {
	// Prompt overrides the default prompt derived from the task.
	Prompt string
	// WorkDir is the project checkout the agent runs in.
	WorkDir string
	// ParentSessionID marks the launch as a subagent of a live session.
	ParentSessionID string
	// ResumeSessionID resumes a prior agent session.
	ResumeSessionID string
	// AllowedTools restricts the agent tool surface when non-empty.
	AllowedTools []string
	// AppendSystemPrompt is appended to the agent system prompt.
	AppendSystemPrompt string
	// Timeout overrides the adapter query timeout when positive.
	Timeout time.Duration
}

// QueryHandle is the manager's view of one running agent query.
// *agent.Query satisfies it.
type QueryHandle interface {
	SessionID() string
	Done() <-chan struct{}
	Outcome() agent.Outcome
	Close()
}

// QueryStarter launches agent queries. Production wiring uses
// AdapterStarter around *agent.Adapter; tests substitute fakes.
type QueryStarter interface {
	StartQuery(ctx context.Context, opts agent.Options, handler func(agent.Event)) (QueryHandle, error)
}

// AdapterStarter adapts *agent.Adapter to the QueryStarter interface.
type AdapterStarter struct {
	Adapter *agent.Adapter
}

// StartQuery launches via the wrapped adapter.
func (s AdapterStarter) StartQuery(ctx context.Context, opts agent.Options, handler func(agent.Event)) (QueryHandle, error) {
	q, err := s.Adapter.StartQuery(ctx, opts, handler)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// QuestionFunc is invoked when an agent surfaces a question to its
// operator. Called outside the manager lock.
type QuestionFunc func(sess models.Session, question string)

// FinalizeFunc is invoked exactly once per session after finalization.
// Called outside the manager lock; the session copy carries the
// terminal status, usage, and cost.
type FinalizeFunc func(sess models.Session, outcome agent.Outcome)
