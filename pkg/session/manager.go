// Package session owns the set of live agent sessions. The manager
// mediates the CLI adapter, the capacity tracker, and the subagent
// tracker: launches reserve capacity and register in the tree before
// the subprocess starts, and finalization releases both exactly once
// after the subprocess has fully exited.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/capacity"
	"github.com/trafficcontrol/trafficcontrol/pkg/events"
	"github.com/trafficcontrol/trafficcontrol/pkg/metrics"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/subagent"
)

var (
	// ErrCapacityExhausted rejects a launch when the model is at its
	// session limit. Loop-local: the dispatch loop skips the task and
	// retries on a later tick.
	ErrCapacityExhausted = errors.New("capacity exhausted for model")

	// ErrSessionNotFound rejects operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// managed pairs the session record with its query handle. All fields
// are guarded by the manager mutex.
type managed struct {
	sess          models.Session
	query         QueryHandle
	finalized     bool
	pendingCancel bool
}

// Manager owns the sessionID → session mapping.
//
// Lock discipline: every capacity Reserve/Release and every insert or
// remove on the sessions map happens while holding mu. Readers that
// need the live counts and the capacity counters to agree (the
// accounting snapshot) read both under the same lock, so the sum of
// live sessions per model and the tracker's current count never
// diverge at an observable point.
type Manager struct {
	logger    *slog.Logger
	starter   QueryStarter
	capacity  *capacity.Tracker
	tree      *subagent.Tracker
	pricing   models.PricingTable
	publisher *events.EventPublisher

	onQuestion  QuestionFunc
	onFinalized FinalizeFunc

	mu       sync.Mutex
	sessions map[string]*managed
	orphaned int

	now func() time.Time
}

// NewManager creates a session manager. The publisher may be nil when
// no dashboard is wired; pricing may be nil when only agent-reported
// costs are wanted.
func NewManager(starter QueryStarter, cap *capacity.Tracker, tree *subagent.Tracker, pricing models.PricingTable, publisher *events.EventPublisher) *Manager {
	return &Manager{
		logger:    slog.Default().With("component", "session_manager"),
		starter:   starter,
		capacity:  cap,
		tree:      tree,
		pricing:   pricing,
		publisher: publisher,
		sessions:  make(map[string]*managed),
		now:       time.Now,
	}
}

// OnQuestion registers the callback for agent questions. Set during
// wiring, before any launch.
func (m *Manager) OnQuestion(fn QuestionFunc) {
	m.onQuestion = fn
}

// OnFinalized registers the callback invoked once per finalized
// session. Set during wiring, before any launch.
func (m *Manager) OnFinalized(fn FinalizeFunc) {
	m.onFinalized = fn
}

// Launch admits and starts one agent session for the task.
//
// Admission order: capacity availability, then subagent tree
// admission, then the actual reservation. The reservation and the
// sessions-map insert happen under one lock; the subprocess is spawned
// outside it. A failed spawn rolls the reservation and registration
// back.
func (m *Manager) Launch(ctx context.Context, task models.Task, model models.Model, opts LaunchOptions) (models.Session, error) {
	if !model.Valid() {
		return models.Session{}, fmt.Errorf("invalid model %q", model)
	}
	if m.capacity.Available(model) == 0 {
		return models.Session{}, fmt.Errorf("%w: %s", ErrCapacityExhausted, model)
	}
	if opts.ParentSessionID != "" {
		if _, ok := m.tree.Depth(opts.ParentSessionID); !ok {
			return models.Session{}, fmt.Errorf("parent session %q: %w", opts.ParentSessionID, subagent.ErrParentNotFound)
		}
		if !m.tree.CanSpawn(opts.ParentSessionID) {
			return models.Session{}, fmt.Errorf("parent session %q: %w", opts.ParentSessionID, subagent.ErrDepthExceeded)
		}
	}

	id := uuid.New().String()
	now := m.now()
	sess := models.Session{
		ID:             id,
		TaskID:         task.ID,
		ProjectID:      task.ProjectID,
		Model:          model,
		Status:         models.SessionStarting,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if opts.ParentSessionID != "" {
		parentID := opts.ParentSessionID
		sess.ParentID = &parentID
	}

	m.mu.Lock()
	if !m.capacity.Reserve(model) {
		m.mu.Unlock()
		return models.Session{}, fmt.Errorf("%w: %s", ErrCapacityExhausted, model)
	}
	var regErr error
	if opts.ParentSessionID == "" {
		regErr = m.tree.RegisterRoot(id)
	} else {
		regErr = m.tree.RegisterSubagent(opts.ParentSessionID, id)
		if regErr == nil {
			if depth, ok := m.tree.Depth(id); ok {
				sess.Depth = depth
			}
		}
	}
	if regErr != nil {
		m.capacity.Release(model)
		m.mu.Unlock()
		return models.Session{}, fmt.Errorf("register session: %w", regErr)
	}
	entry := &managed{sess: sess}
	m.sessions[id] = entry
	m.mu.Unlock()

	prompt := opts.Prompt
	if prompt == "" {
		prompt = defaultPrompt(task)
	}
	query, err := m.starter.StartQuery(ctx, agent.Options{
		Prompt:             prompt,
		WorkDir:            opts.WorkDir,
		Model:              model,
		ResumeSessionID:    opts.ResumeSessionID,
		AllowedTools:       opts.AllowedTools,
		AppendSystemPrompt: opts.AppendSystemPrompt,
		Timeout:            opts.Timeout,
	}, func(ev agent.Event) { m.onEvent(id, ev) })
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.tree.Remove(id)
		m.capacity.Release(model)
		m.mu.Unlock()
		return models.Session{}, fmt.Errorf("start agent query: %w", err)
	}

	m.mu.Lock()
	entry.query = query
	cancelNow := entry.pendingCancel
	m.mu.Unlock()
	if cancelNow {
		query.Close()
	}

	m.publishStarted(sess)
	m.logger.Info("Launched agent session",
		"session_id", id, "task_id", task.ID, "model", model.String(), "depth", sess.Depth)

	go m.reap(id, query)
	return sess, nil
}

// Cancel requests termination of a live session. Fire-and-forget: the
// exit is observed through finalization.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	query := entry.query
	if query == nil {
		// Launch has not attached the handle yet; flag it so the
		// launch path closes immediately after start.
		entry.pendingCancel = true
	}
	m.mu.Unlock()

	if query != nil {
		query.Close()
	}
	return nil
}

// CancelAll requests termination of every live session and returns how
// many were signalled. Used by the dispatch loop on a hard spend stop.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	queries := make([]QueryHandle, 0, len(m.sessions))
	for _, entry := range m.sessions {
		if entry.query != nil {
			queries = append(queries, entry.query)
		} else {
			entry.pendingCancel = true
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, q := range queries {
		q.Close()
	}
	if count > 0 {
		m.logger.Warn("Cancelling all live sessions", "count", count)
	}
	return count
}

// Session returns a snapshot of one live session.
func (m *Manager) Session(sessionID string) (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	return entry.sess, true
}

// Sessions returns snapshots of all live sessions ordered by start
// time, oldest first.
func (m *Manager) Sessions() []models.Session {
	m.mu.Lock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		out = append(out, entry.sess)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OrphanedTotal returns how many subagent sessions have been closed by
// an ancestor's finalization since startup.
func (m *Manager) OrphanedTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphaned
}

// AccountingSnapshot returns the live session count per model and the
// capacity tracker's counters, read under the same lock that guards
// reservations. The two always agree.
func (m *Manager) AccountingSnapshot() (map[models.Model]int, models.CapacitySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[models.Model]int)
	for _, entry := range m.sessions {
		if entry.sess.Status.Live() {
			live[entry.sess.Model]++
		}
	}
	return live, m.capacity.Snapshot()
}

// onEvent is the stream handler for one session. Runs on the query's
// stdout goroutine, in stdout order.
func (m *Manager) onEvent(sessionID string, ev agent.Event) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok || entry.finalized {
		m.mu.Unlock()
		return
	}
	entry.sess.LastActivityAt = m.now()
	if entry.sess.Status == models.SessionStarting {
		entry.sess.Status = models.SessionActive
	}
	if ev.SessionID != "" {
		entry.sess.AgentSessionID = ev.SessionID
	}
	sess := entry.sess
	m.mu.Unlock()

	if ev.Type == agent.EventQuestion {
		m.publishQuestion(sess, ev.Question)
		if fn := m.onQuestion; fn != nil {
			m.safeQuestion(fn, sess, ev.Question)
		}
	}
}

// reap waits for the subprocess to exit, then finalizes.
func (m *Manager) reap(sessionID string, query QueryHandle) {
	<-query.Done()
	m.finalize(sessionID, query.SessionID(), query.Outcome())
}

// finalize settles a session exactly once: terminal status, final
// cost, capacity release, subtree removal, event emission. Idempotent;
// later calls for the same id are no-ops.
func (m *Manager) finalize(sessionID, agentSessionID string, outcome agent.Outcome) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if !ok || entry.finalized {
		m.mu.Unlock()
		return
	}
	entry.finalized = true

	now := m.now()
	sess := &entry.sess
	switch {
	case outcome.Success:
		sess.Status = models.SessionCompleted
	case outcome.Cancelled:
		sess.Status = models.SessionCancelled
	default:
		sess.Status = models.SessionFailed
	}
	sess.CompletedAt = &now
	sess.Usage = outcome.Usage
	sess.CostUSD = m.pricing.CostFor(sess.Model, outcome.Usage)
	if agentSessionID != "" {
		sess.AgentSessionID = agentSessionID
	}
	if sess.Status == models.SessionFailed {
		sess.ErrorReason = failureReason(outcome)
	}

	m.capacity.Release(sess.Model)
	delete(m.sessions, sessionID)
	removed := m.tree.Remove(sessionID)

	// Any descendant still live lost its ancestor: close it now so the
	// subtree drains. Each closed child finalizes itself on exit.
	var orphans []QueryHandle
	for _, descendantID := range removed {
		if descendantID == sessionID {
			continue
		}
		if child, live := m.sessions[descendantID]; live && !child.finalized {
			if child.query != nil {
				orphans = append(orphans, child.query)
			} else {
				child.pendingCancel = true
			}
		}
	}
	m.orphaned += len(orphans)
	final := *sess
	m.mu.Unlock()

	for _, q := range orphans {
		q.Close()
	}
	if len(orphans) > 0 {
		metrics.OrphanedSubagents.Add(float64(len(orphans)))
		m.logger.Warn("Closed orphaned subagent sessions",
			"session_id", sessionID, "orphans", len(orphans))
	}

	m.publishFinalized(final, outcome)
	m.logger.Info("Session finalized",
		"session_id", sessionID,
		"task_id", final.TaskID,
		"status", string(final.Status),
		"cost_usd", final.CostUSD,
		"total_tokens", final.Usage.TotalTokens,
		"duration", outcome.Duration)

	if fn := m.onFinalized; fn != nil {
		m.safeFinalize(fn, final, outcome)
	}
}

func (m *Manager) publishStarted(sess models.Session) {
	if m.publisher == nil {
		return
	}
	payload := events.SessionStartedPayload{
		SessionID: sess.ID,
		TaskID:    sess.TaskID,
		ProjectID: sess.ProjectID,
		Model:     sess.Model,
	}
	if sess.ParentID != nil {
		payload.ParentSessionID = *sess.ParentID
	}
	if err := m.publisher.PublishSessionStarted(payload); err != nil {
		m.logger.Warn("Failed to publish session started", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) publishFinalized(sess models.Session, outcome agent.Outcome) {
	if m.publisher == nil {
		return
	}
	err := m.publisher.PublishSessionFinalized(events.SessionFinalizedPayload{
		SessionID:   sess.ID,
		TaskID:      sess.TaskID,
		ProjectID:   sess.ProjectID,
		Status:      sess.Status,
		CostUSD:     sess.CostUSD,
		TotalTokens: sess.Usage.TotalTokens,
		NumTurns:    outcome.NumTurns,
		DurationMS:  outcome.Duration.Milliseconds(),
	})
	if err != nil {
		m.logger.Warn("Failed to publish session finalized", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) publishQuestion(sess models.Session, question string) {
	if m.publisher == nil {
		return
	}
	err := m.publisher.PublishQuestionRaised(events.QuestionRaisedPayload{
		SessionID: sess.ID,
		TaskID:    sess.TaskID,
		Question:  question,
	})
	if err != nil {
		m.logger.Warn("Failed to publish question", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) safeQuestion(fn QuestionFunc, sess models.Session, question string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Question callback panicked", "session_id", sess.ID, "panic", r)
		}
	}()
	fn(sess, question)
}

func (m *Manager) safeFinalize(fn FinalizeFunc, sess models.Session, outcome agent.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Finalize callback panicked", "session_id", sess.ID, "panic", r)
		}
	}()
	fn(sess, outcome)
}

// failureReason picks the most specific description of a failed
// outcome: reported errors first, then the classified kind.
func failureReason(outcome agent.Outcome) string {
	if len(outcome.Errors) > 0 {
		return strings.Join(outcome.Errors, "; ")
	}
	if outcome.ErrorKind != agent.ErrorKindNone {
		return string(outcome.ErrorKind)
	}
	return "unknown failure"
}

// defaultPrompt derives the agent prompt from the task when the caller
// supplies none.
func defaultPrompt(task models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on task %s: %s", task.ID, task.Title)
	if task.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(task.Description)
	}
	return b.String()
}
