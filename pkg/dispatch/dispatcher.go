// Package dispatch runs the orchestration loop: every tick it pages
// queued tasks from the store, scores them, and launches agent sessions
// up to the per-model capacity limits, gated by database health, the
// circuit breaker, and the rolling spend monitor.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/allocation"
	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/capacity"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/events"
	"github.com/trafficcontrol/trafficcontrol/pkg/metrics"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/observability"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/session"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
)

// finalizeTimeout bounds the store writes done from a finalization
// callback, which runs outside any request context.
const finalizeTimeout = 10 * time.Second

// Deps are the collaborators the dispatcher wires together.
type Deps struct {
	Store        Store
	Manager      Launcher
	Scorer       *scoring.Scorer
	Allocator    *allocation.Allocator
	Capacity     *capacity.Tracker
	Breaker      *breaker.Breaker
	Spend        *spend.Monitor
	Productivity *productivity.Monitor
	Health       *dbhealth.Monitor
	// Publisher may be nil when no dashboard is wired.
	Publisher *events.EventPublisher
}

// Dispatcher drives the tick loop and owns the operator pause/stop
// state. One dispatcher per process.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	deps   Deps

	mu        sync.Mutex
	paused    bool
	stopped   bool
	lastTick  time.Time
	tickCount int64
	lastAlloc []models.ResourceAllocation

	now func() time.Time
}

// Stats is the dispatcher state surfaced on the status API.
type Stats struct {
	State       State                       `json:"state"`
	Ticks       int64                       `json:"ticks"`
	LastTick    time.Time                   `json:"last_tick,omitzero"`
	Allocations []models.ResourceAllocation `json:"allocations,omitempty"`
}

// New creates a dispatcher. Call Run to start the loop and register
// HandleFinalized on the session manager during wiring.
func New(cfg Config, deps Deps) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: slog.Default().With("component", "dispatch"),
		deps:   deps,
		now:    time.Now,
	}
}

// Run executes the tick loop until ctx is cancelled. The first tick
// fires immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatch loop starting",
		"tick_interval", d.cfg.TickInterval, "page_size", d.cfg.TaskPageSize)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatch loop stopping")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Pause suspends the launch phase. Running sessions continue to drain.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.logger.Info("Dispatch paused by operator")
}

// Resume clears operator pause and stop and lifts the spend monitor's
// soft pause and hard stop latch.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.stopped = false
	d.mu.Unlock()
	d.deps.Spend.Resume()
	d.logger.Info("Dispatch resumed by operator")
}

// Stop cancels every live session and latches the stopped state. Only
// Resume restarts work; the loop itself keeps ticking so drains and
// finalizations are still observed.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	already := d.stopped
	d.stopped = true
	d.mu.Unlock()
	if already {
		return
	}
	cancelled := d.deps.Manager.CancelAll()
	d.logger.Warn("Dispatch stopped by operator", "cancelled_sessions", cancelled)
}

// State reports the loop's effective operating state, folding in the
// spend monitor and database health.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	stopped := d.stopped
	paused := d.paused
	d.mu.Unlock()

	switch {
	case stopped || d.deps.Spend.Stopped():
		return StateStopped
	case d.deps.Health.Degraded():
		return StateDegraded
	case paused || d.deps.Spend.Paused():
		return StatePaused
	default:
		return StateRunning
	}
}

// Stats returns a snapshot for the status API.
func (d *Dispatcher) Stats() Stats {
	state := d.State()
	d.mu.Lock()
	defer d.mu.Unlock()
	alloc := make([]models.ResourceAllocation, len(d.lastAlloc))
	copy(alloc, d.lastAlloc)
	return Stats{
		State:       state,
		Ticks:       d.tickCount,
		LastTick:    d.lastTick,
		Allocations: alloc,
	}
}

// LatestAllocations returns the most recent allocator proposal.
func (d *Dispatcher) LatestAllocations() []models.ResourceAllocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.ResourceAllocation, len(d.lastAlloc))
	copy(out, d.lastAlloc)
	return out
}

// tick runs one dispatch round. Gates are evaluated fresh every round
// so a recovered database or a closed breaker resumes launching without
// operator action.
func (d *Dispatcher) tick(ctx context.Context) {
	started := d.now()
	ctx, span := observability.StartSpan(ctx, "dispatch.tick")
	defer span.End()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
		d.updateGauges()
	}()

	d.mu.Lock()
	d.tickCount++
	d.lastTick = started
	d.mu.Unlock()

	if res := d.deps.Spend.CheckThresholds(); res.Stop {
		d.hardStop()
	}

	switch state := d.State(); state {
	case StateStopped, StateDegraded, StatePaused:
		d.logger.Debug("Skipping launch phase", "state", string(state))
		return
	}
	if !d.deps.Breaker.AllowsOperation() {
		d.logger.Debug("Skipping launch phase", "reason", "circuit breaker open")
		return
	}

	tasks, err := d.fetchQueued(ctx)
	if err != nil {
		return
	}
	stats, err := d.fetchStats(ctx)
	if err != nil {
		return
	}

	allocations := d.deps.Allocator.Allocate(stats)
	d.persistProposal(ctx, allocations)

	scores := d.deps.Scorer.ScoreTasks(tasks, d.buildScoringContext(ctx, tasks, stats, allocations))
	d.launchRound(ctx, tasks, scores, buildModelHints(stats, allocations, d.deps.Capacity.Snapshot()))
}

func (d *Dispatcher) fetchQueued(ctx context.Context) ([]*models.Task, error) {
	page, err := d.deps.Store.QueuedPage(ctx, d.cfg.TaskPageSize)
	d.deps.Health.Observe(err)
	if err != nil {
		d.logger.Error("Failed to page queued tasks", "error", err)
		return nil, err
	}
	tasks := make([]*models.Task, len(page))
	for i := range page {
		tasks[i] = &page[i]
	}
	return tasks, nil
}

func (d *Dispatcher) fetchStats(ctx context.Context) ([]models.ProjectStats, error) {
	stats, err := d.deps.Store.ProjectStats(ctx)
	d.deps.Health.Observe(err)
	if err != nil {
		d.logger.Error("Failed to load project stats", "error", err)
	}
	return stats, err
}

// buildScoringContext assembles the cross-task inputs for one scoring
// pass. Estimate history is memoized per (project, complexity) within
// the tick, so a page of sibling tasks costs one query each.
func (d *Dispatcher) buildScoringContext(ctx context.Context, tasks []*models.Task, stats []models.ProjectStats, allocations []models.ResourceAllocation) scoring.Context {
	backlog := make(map[string]int, len(stats))
	for _, p := range stats {
		backlog[p.ProjectID] = p.QueuedCount
	}

	history := make(map[string][]models.EstimatePair, len(tasks))
	memo := make(map[string][]models.EstimatePair)
	for _, task := range tasks {
		key := task.ProjectID + "|" + string(task.Complexity)
		pairs, ok := memo[key]
		if !ok {
			var err error
			pairs, err = d.deps.Store.EstimateHistory(ctx, task.ProjectID, task.Complexity, d.cfg.HistoryLimit)
			d.deps.Health.Observe(err)
			if err != nil {
				d.logger.Error("Failed to load estimate history",
					"project_id", task.ProjectID, "error", err)
			}
			memo[key] = pairs
		}
		if len(pairs) > 0 {
			history[task.ID] = pairs
		}
	}

	return scoring.Context{
		History:        history,
		ProjectBacklog: backlog,
		Underutilized:  underutilized(stats, allocations),
		Capacity:       d.deps.Capacity.Snapshot(),
	}
}

// launchRound walks tasks in score order and launches each until the
// page is exhausted. Capacity exhaustion skips the task; it stays
// queued and retries on a later tick.
func (d *Dispatcher) launchRound(ctx context.Context, tasks []*models.Task, scores []models.PriorityScore, hints map[string]*modelHint) {
	byID := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	launched := 0
	for _, score := range scores {
		task := byID[score.TaskID]
		if task == nil {
			continue
		}
		model := d.chooseModel(task, hints)

		_, span := observability.StartSpan(ctx, "dispatch.launch",
			observability.TaskAttrs(task.ID, task.ProjectID, model.String())...)
		sess, err := d.deps.Manager.Launch(ctx, *task, model, session.LaunchOptions{
			WorkDir: filepath.Join(d.cfg.WorkDirRoot, task.ProjectID),
		})
		span.End()
		if errors.Is(err, session.ErrCapacityExhausted) {
			metrics.Launches.WithLabelValues(model.String(), "capacity_exhausted").Inc()
			d.logger.Debug("Capacity exhausted, task stays queued",
				"task_id", task.ID, "model", model.String())
			continue
		}
		if err != nil {
			metrics.Launches.WithLabelValues(model.String(), "error").Inc()
			d.logger.Error("Failed to launch session", "task_id", task.ID, "error", err)
			d.deps.Breaker.RecordFailure("session launch failed", map[string]any{
				"task_id": task.ID,
				"model":   model.String(),
				"error":   err.Error(),
			})
			continue
		}

		launched++
		if model == models.ModelOpus {
			if h := hints[task.ProjectID]; h != nil {
				h.opusLive++
			}
		}
		metrics.Launches.WithLabelValues(model.String(), "launched").Inc()
		if err := d.deps.Store.InsertSession(ctx, sess); err != nil {
			d.deps.Health.Observe(err)
			d.logger.Error("Failed to persist admitted session",
				"session_id", sess.ID, "task_id", task.ID, "error", err)
		}
		if err := d.deps.Store.UpdateTaskStatus(ctx, task.ID, models.TaskInProgress); err != nil {
			d.deps.Health.Observe(err)
			d.logger.Error("Failed to mark task in progress",
				"task_id", task.ID, "session_id", sess.ID, "error", err)
		}
		d.publishTask(*task, models.TaskInProgress, sess.ID)
	}

	if launched > 0 {
		d.logger.Info("Dispatch round complete", "launched", launched, "considered", len(scores))
	}
}

// modelHint is one project's opus budget within a launch round: the
// allocator's recommended opus share applied to the opus capacity
// limit, against sessions already running plus those launched in the
// current round.
type modelHint struct {
	opusTarget int
	opusLive   int
}

// buildModelHints turns the round's allocation proposal into per-project
// opus budgets. A zero opus limit disables the hints.
func buildModelHints(stats []models.ProjectStats, allocations []models.ResourceAllocation, snap models.CapacitySnapshot) map[string]*modelHint {
	opusLimit := snap[models.ModelOpus].Limit
	if opusLimit == 0 || len(allocations) == 0 {
		return nil
	}
	live := make(map[string]int, len(stats))
	for _, p := range stats {
		live[p.ProjectID] = p.CurrentSessions[models.ModelOpus]
	}
	hints := make(map[string]*modelHint, len(allocations))
	for _, a := range allocations {
		hints[a.ProjectID] = &modelHint{
			opusTarget: (a.RecommendedOpusPercent*opusLimit + 50) / 100,
			opusLive:   live[a.ProjectID],
		}
	}
	return hints
}

// chooseModel maps task complexity to a model tier, steered by the
// allocation hints: high complexity goes to opus, low to haiku, and the
// middle band takes opus while the project's opus share is under its
// recommended allocation.
func (d *Dispatcher) chooseModel(task *models.Task, hints map[string]*modelHint) models.Model {
	switch task.Complexity {
	case models.ComplexityHigh:
		return models.ModelOpus
	case models.ComplexityLow:
		return models.ModelHaiku
	}
	if h := hints[task.ProjectID]; h != nil && h.opusLive < h.opusTarget {
		return models.ModelOpus
	}
	return d.cfg.DefaultModel
}

// HandleFinalized settles the backlog side of a finished session:
// persistence, spend and productivity accounting, breaker signal, and
// the task's next status. Register it on the session manager during
// wiring. Runs on the session's reaper goroutine.
func (d *Dispatcher) HandleFinalized(sess models.Session, outcome agent.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	metrics.SessionsFinalized.WithLabelValues(string(sess.Status)).Inc()

	if err := d.deps.Store.FinalizeSession(ctx, sess, outcome.Duration); err != nil {
		d.deps.Health.Observe(err)
		d.logger.Error("Failed to persist finalized session",
			"session_id", sess.ID, "error", err)
	}
	if err := d.deps.Store.RecordActualSession(ctx, sess.TaskID, sess.Model); err != nil {
		d.deps.Health.Observe(err)
		d.logger.Error("Failed to record actual session",
			"task_id", sess.TaskID, "error", err)
	}

	d.deps.Spend.RecordSpend(sess.CostUSD, sess.TaskID, sess.Model)
	if res := d.deps.Spend.CheckThresholds(); res.Stop {
		d.hardStop()
	}

	d.deps.Productivity.RecordCompletion(models.CompletionRecord{
		SessionID:   sess.ID,
		TaskID:      sess.TaskID,
		Model:       sess.Model,
		Success:     outcome.Success,
		Duration:    outcome.Duration,
		Tokens:      sess.Usage.TotalTokens,
		CostUSD:     sess.CostUSD,
		ErrorReason: sess.ErrorReason,
	})

	switch sess.Status {
	case models.SessionCompleted:
		d.deps.Breaker.RecordSuccess()
		d.settleTask(ctx, sess, models.TaskComplete)
		d.unblockDependents(ctx, sess.TaskID)
	case models.SessionCancelled:
		// Cancellation is not failure: the task goes back in the queue
		// so work resumes after the stop or pause lifts.
		d.settleTask(ctx, sess, models.TaskQueued)
	default:
		d.deps.Breaker.RecordFailure(sess.ErrorReason, map[string]any{
			"session_id": sess.ID,
			"task_id":    sess.TaskID,
			"model":      sess.Model.String(),
			"error_kind": string(outcome.ErrorKind),
		})
		d.settleTask(ctx, sess, models.TaskCancelled)
	}
}

func (d *Dispatcher) settleTask(ctx context.Context, sess models.Session, status models.TaskStatus) {
	if err := d.deps.Store.UpdateTaskStatus(ctx, sess.TaskID, status); err != nil {
		d.deps.Health.Observe(err)
		d.logger.Error("Failed to settle task status",
			"task_id", sess.TaskID, "status", string(status), "error", err)
	}
	d.publishTask(models.Task{ID: sess.TaskID, ProjectID: sess.ProjectID}, status, "")
}

func (d *Dispatcher) unblockDependents(ctx context.Context, blockerID string) {
	unblocked, err := d.deps.Store.UnblockDependents(ctx, blockerID)
	d.deps.Health.Observe(err)
	if err != nil {
		d.logger.Error("Failed to unblock dependents", "blocker_id", blockerID, "error", err)
		return
	}
	if len(unblocked) > 0 {
		d.logger.Info("Unblocked dependent tasks",
			"blocker_id", blockerID, "count", len(unblocked))
	}
}

// updateGauges refreshes the point-in-time Prometheus gauges once per
// tick.
func (d *Dispatcher) updateGauges() {
	for model, mc := range d.deps.Capacity.Snapshot() {
		metrics.CapacityCurrent.WithLabelValues(model.String()).Set(float64(mc.Current))
		metrics.CapacityLimit.WithLabelValues(model.String()).Set(float64(mc.Limit))
	}
	metrics.RollingSpend.Set(d.deps.Spend.CurrentSpend())

	switch d.deps.Breaker.State() {
	case breaker.StateClosed:
		metrics.BreakerState.Set(0)
	case breaker.StateHalfOpen:
		metrics.BreakerState.Set(1)
	case breaker.StateOpen:
		metrics.BreakerState.Set(2)
	}

	if d.deps.Health.Degraded() {
		metrics.DatabaseDegraded.Set(1)
	} else {
		metrics.DatabaseDegraded.Set(0)
	}
}

// hardStop latches the stopped state and cancels every live session.
// Idempotent; repeated threshold checks during the stop do nothing.
func (d *Dispatcher) hardStop() {
	d.mu.Lock()
	already := d.stopped
	d.stopped = true
	d.mu.Unlock()
	if already {
		return
	}
	cancelled := d.deps.Manager.CancelAll()
	d.logger.Error("Hard spend limit reached, cancelling all sessions",
		"cancelled_sessions", cancelled)
}

// persistProposal stores the allocator output when it differs from the
// last persisted round, so the proposal table records decisions, not
// every identical tick.
func (d *Dispatcher) persistProposal(ctx context.Context, allocations []models.ResourceAllocation) {
	d.mu.Lock()
	changed := !allocationsEqual(d.lastAlloc, allocations)
	if changed {
		d.lastAlloc = allocations
	}
	d.mu.Unlock()
	if !changed || len(allocations) == 0 {
		return
	}

	id := uuid.New().String()
	if _, err := d.deps.Store.CreateProposal(ctx, id, allocations); err != nil {
		d.deps.Health.Observe(err)
		d.logger.Error("Failed to persist allocation proposal", "error", err)
		return
	}
	if d.deps.Publisher != nil {
		err := d.deps.Publisher.PublishAllocationProposed(events.AllocationProposedPayload{
			ProposalID:  id,
			Allocations: allocations,
		})
		if err != nil {
			d.logger.Warn("Failed to publish allocation proposal", "error", err)
		}
	}
	d.logger.Info("Persisted allocation proposal", "proposal_id", id, "projects", len(allocations))
}

func (d *Dispatcher) publishTask(task models.Task, status models.TaskStatus, sessionID string) {
	if d.deps.Publisher == nil {
		return
	}
	err := d.deps.Publisher.PublishTaskUpdated(events.TaskUpdatedPayload{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Status:    status,
		Priority:  task.Priority,
		SessionID: sessionID,
	})
	if err != nil {
		d.logger.Warn("Failed to publish task update", "task_id", task.ID, "error", err)
	}
}

// underutilized flags projects with queued demand whose share of the
// running sessions falls below the allocator's recommended sonnet
// share. With no sessions running at all, nothing is flagged.
func underutilized(stats []models.ProjectStats, allocations []models.ResourceAllocation) map[string]bool {
	total := 0
	running := make(map[string]int, len(stats))
	for _, p := range stats {
		n := 0
		for _, c := range p.CurrentSessions {
			n += c
		}
		running[p.ProjectID] = n
		total += n
	}
	if total == 0 {
		return nil
	}

	queued := make(map[string]int, len(stats))
	for _, p := range stats {
		queued[p.ProjectID] = p.QueuedCount
	}

	out := make(map[string]bool)
	for _, a := range allocations {
		if queued[a.ProjectID] == 0 {
			continue
		}
		sharePct := running[a.ProjectID] * 100 / total
		if sharePct < a.RecommendedSonnetPercent {
			out[a.ProjectID] = true
		}
	}
	return out
}

// allocationsEqual compares rounds by project and percentages,
// ignoring reasoning text.
func allocationsEqual(a, b []models.ResourceAllocation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProjectID != b[i].ProjectID ||
			a[i].RecommendedOpusPercent != b[i].RecommendedOpusPercent ||
			a[i].RecommendedSonnetPercent != b[i].RecommendedSonnetPercent {
			return false
		}
	}
	return true
}
