package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/pkg/agent"
	"github.com/trafficcontrol/trafficcontrol/pkg/allocation"
	"github.com/trafficcontrol/trafficcontrol/pkg/breaker"
	"github.com/trafficcontrol/trafficcontrol/pkg/capacity"
	"github.com/trafficcontrol/trafficcontrol/pkg/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/productivity"
	"github.com/trafficcontrol/trafficcontrol/pkg/scoring"
	"github.com/trafficcontrol/trafficcontrol/pkg/session"
	"github.com/trafficcontrol/trafficcontrol/pkg/spend"
	"github.com/trafficcontrol/trafficcontrol/pkg/store"
	"github.com/trafficcontrol/trafficcontrol/pkg/subagent"
)

// fakeQuery is a controllable agent query: tests finish it with an
// outcome, Close finishes it as cancelled.
type fakeQuery struct {
	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	outcome agent.Outcome
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{done: make(chan struct{})}
}

func (q *fakeQuery) finish(outcome agent.Outcome) {
	q.once.Do(func() {
		q.mu.Lock()
		q.outcome = outcome
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *fakeQuery) SessionID() string      { return "" }
func (q *fakeQuery) Done() <-chan struct{}  { return q.done }
func (q *fakeQuery) Close()                 { q.finish(agent.Outcome{Cancelled: true}) }
func (q *fakeQuery) Outcome() agent.Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outcome
}

// fakeStarter records every launch in order.
type fakeStarter struct {
	mu      sync.Mutex
	queries []*fakeQuery
	opts    []agent.Options
}

func (s *fakeStarter) StartQuery(_ context.Context, opts agent.Options, _ func(agent.Event)) (session.QueryHandle, error) {
	q := newFakeQuery()
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	return q, nil
}

func (s *fakeStarter) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *fakeStarter) query(i int) *fakeQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[i]
}

func (s *fakeStarter) launchedModels() []models.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Model, len(s.opts))
	for i, o := range s.opts {
		out[i] = o.Model
	}
	return out
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	stats       []models.ProjectStats
	history     map[string][]models.EstimatePair
	pageErr     error
	queuedCalls int
	finalized   []models.Session
	inserted    []models.Session
	actuals     []string
	unblocked   []string
	proposals   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:   make(map[string]*models.Task),
		history: make(map[string][]models.EstimatePair),
	}
}

func (s *fakeStore) addTask(task models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task
	s.tasks[t.ID] = &t
}

func (s *fakeStore) taskStatus(id string) models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func (s *fakeStore) setPageErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageErr = err
}

func (s *fakeStore) setStats(stats []models.ProjectStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

func (s *fakeStore) pageCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedCalls
}

func (s *fakeStore) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

func (s *fakeStore) proposalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposals
}

func (s *fakeStore) QueuedPage(_ context.Context, limit int) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedCalls++
	if s.pageErr != nil {
		return nil, s.pageErr
	}
	var out []models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskQueued {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ProjectStats(context.Context) ([]models.ProjectStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

func (s *fakeStore) EstimateHistory(_ context.Context, projectID string, complexity models.Complexity, _ int) ([]models.EstimatePair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[projectID+"|"+string(complexity)], nil
}

func (s *fakeStore) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	return nil
}

func (s *fakeStore) InsertSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, sess)
	return nil
}

func (s *fakeStore) RecordActualSession(_ context.Context, id string, _ models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuals = append(s.actuals, id)
	return nil
}

func (s *fakeStore) UnblockDependents(_ context.Context, blockerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unblocked = append(s.unblocked, blockerID)
	return nil, nil
}

func (s *fakeStore) FinalizeSession(_ context.Context, sess models.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, sess)
	return nil
}

func (s *fakeStore) CreateProposal(_ context.Context, id string, allocations []models.ResourceAllocation) (store.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals++
	return store.Proposal{ID: id, Status: store.ProposalPending, Allocations: allocations}, nil
}

// testEnv wires a dispatcher with a real session manager over fakes.
type testEnv struct {
	store   *fakeStore
	starter *fakeStarter
	manager *session.Manager
	spend   *spend.Monitor
	brk     *breaker.Breaker
	health  *dbhealth.Monitor
	d       *Dispatcher
}

type envOptions struct {
	limits    map[models.Model]int
	spendCfg  spend.Config
	brkCfg    breaker.Config
	healthCfg dbhealth.Config
}

func newTestEnv(t *testing.T, st *fakeStore, opts envOptions) *testEnv {
	t.Helper()

	if opts.limits == nil {
		opts.limits = map[models.Model]int{
			models.ModelOpus:   5,
			models.ModelSonnet: 10,
			models.ModelHaiku:  20,
		}
	}
	if opts.spendCfg == (spend.Config{}) {
		opts.spendCfg = spend.Config{AlertThresholdUSD: 1000, HardLimitUSD: 2000, WindowMinutes: 60}
	}
	if opts.brkCfg == (breaker.Config{}) {
		opts.brkCfg = breaker.Config{
			FailureThreshold:         5,
			FailureWindow:            10 * time.Minute,
			ResetTimeout:             time.Minute,
			SuccessThresholdForClose: 2,
		}
	}
	if opts.healthCfg == (dbhealth.Config{}) {
		opts.healthCfg = dbhealth.Config{
			ConsecutiveFailureThreshold: 1,
			ProbeInitialInterval:        time.Second,
			ProbeMaxInterval:            time.Second,
			ProbeTimeout:                time.Second,
		}
	}

	starter := &fakeStarter{}
	tracker := capacity.NewTracker(opts.limits)
	manager := session.NewManager(starter, tracker, subagent.NewTracker(2), nil, nil)

	env := &testEnv{
		store:   st,
		starter: starter,
		manager: manager,
		spend:   spend.NewMonitor(opts.spendCfg),
		brk:     breaker.New(opts.brkCfg),
		health:  dbhealth.NewMonitor(opts.healthCfg),
	}
	env.d = New(Config{
		TickInterval: time.Second,
		TaskPageSize: 50,
		DefaultModel: models.ModelSonnet,
		WorkDirRoot:  t.TempDir(),
		HistoryLimit: 10,
	}, Deps{
		Store:        st,
		Manager:      manager,
		Scorer:       scoring.NewScorer(scoring.DefaultConfig()),
		Allocator:    allocation.NewAllocator(),
		Capacity:     tracker,
		Breaker:      env.brk,
		Spend:        env.spend,
		Productivity: productivity.NewMonitor(productivity.DefaultConfig()),
		Health:       env.health,
	})
	manager.OnFinalized(env.d.HandleFinalized)
	return env
}

func queuedTask(id, projectID string, priority int, complexity models.Complexity, age time.Duration) models.Task {
	return models.Task{
		ID:         id,
		ProjectID:  projectID,
		Title:      id,
		Status:     models.TaskQueued,
		Priority:   priority,
		Complexity: complexity,
		CreatedAt:  time.Now().Add(-age),
	}
}

func successOutcome(cost float64) agent.Outcome {
	return agent.Outcome{
		Success:  true,
		Usage:    models.Usage{TotalTokens: 5000, CostUSD: cost},
		NumTurns: 3,
		Duration: 2 * time.Minute,
	}
}

func TestTickLaunchesByScore(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-big", "proj-a", 9, models.ComplexityHigh, time.Hour))
	st.addTask(queuedTask("t-small", "proj-a", 2, models.ComplexityLow, time.Hour))
	st.setStats([]models.ProjectStats{{ProjectID: "proj-a", Priority: 5, QueuedCount: 2}})
	env := newTestEnv(t, st, envOptions{})

	env.d.tick(context.Background())

	require.Equal(t, 2, env.starter.started())
	// High complexity routes to opus, low to haiku, and the bigger task
	// scores first.
	assert.Equal(t, []models.Model{models.ModelOpus, models.ModelHaiku}, env.starter.launchedModels())
	assert.Equal(t, models.TaskInProgress, st.taskStatus("t-big"))
	assert.Equal(t, models.TaskInProgress, st.taskStatus("t-small"))
	assert.Equal(t, StateRunning, env.d.State())
}

func TestAllocationHintSteersModelChoice(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 9, models.ComplexityMedium, 2*time.Hour))
	st.addTask(queuedTask("t-2", "proj-a", 8, models.ComplexityMedium, time.Hour))
	st.setStats([]models.ProjectStats{{ProjectID: "proj-a", Priority: 9, QueuedCount: 2}})
	env := newTestEnv(t, st, envOptions{
		limits: map[models.Model]int{models.ModelOpus: 1, models.ModelSonnet: 5, models.ModelHaiku: 5},
	})

	env.d.tick(context.Background())

	// The whole opus share belongs to proj-a, so the first medium task
	// upgrades to opus; the second finds the share consumed within the
	// round and takes the default model.
	require.Equal(t, 2, env.starter.started())
	assert.Equal(t, []models.Model{models.ModelOpus, models.ModelSonnet}, env.starter.launchedModels())
}

func TestAllocationHintCountsRunningSessions(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 9, models.ComplexityMedium, time.Hour))
	st.setStats([]models.ProjectStats{{
		ProjectID:       "proj-a",
		Priority:        9,
		QueuedCount:     1,
		CurrentSessions: map[models.Model]int{models.ModelOpus: 1},
	}})
	env := newTestEnv(t, st, envOptions{
		limits: map[models.Model]int{models.ModelOpus: 1, models.ModelSonnet: 5, models.ModelHaiku: 5},
	})

	env.d.tick(context.Background())

	// An opus session already running against a one-slot recommendation
	// leaves no opus budget for the medium task.
	require.Equal(t, 1, env.starter.started())
	assert.Equal(t, []models.Model{models.ModelSonnet}, env.starter.launchedModels())
}

func TestCapacityBackpressureAcrossTicks(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-first", "proj-a", 9, models.ComplexityHigh, 2*time.Hour))
	st.addTask(queuedTask("t-second", "proj-a", 8, models.ComplexityHigh, time.Hour))
	st.setStats([]models.ProjectStats{{ProjectID: "proj-a", Priority: 5, QueuedCount: 2}})
	env := newTestEnv(t, st, envOptions{
		limits: map[models.Model]int{models.ModelOpus: 1, models.ModelSonnet: 5, models.ModelHaiku: 5},
	})

	env.d.tick(context.Background())
	require.Equal(t, 1, env.starter.started())
	assert.Equal(t, models.TaskInProgress, st.taskStatus("t-first"))
	assert.Equal(t, models.TaskQueued, st.taskStatus("t-second"), "second task waits for opus capacity")

	// Next tick while the slot is still held changes nothing.
	env.d.tick(context.Background())
	require.Equal(t, 1, env.starter.started())

	env.starter.query(0).finish(successOutcome(1.25))
	require.Eventually(t, func() bool {
		return st.finalizedCount() == 1 && env.manager.Count() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.TaskComplete, st.taskStatus("t-first"))

	// Released capacity admits the waiting task.
	env.d.tick(context.Background())
	require.Equal(t, 2, env.starter.started())
	assert.Equal(t, models.TaskInProgress, st.taskStatus("t-second"))
}

func TestHardSpendStopCancelsAndLatches(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-live", "proj-a", 9, models.ComplexityMedium, time.Hour))
	st.addTask(queuedTask("t-next", "proj-a", 5, models.ComplexityMedium, time.Hour))
	st.setStats([]models.ProjectStats{{ProjectID: "proj-a", Priority: 5, QueuedCount: 2}})
	env := newTestEnv(t, st, envOptions{
		limits:   map[models.Model]int{models.ModelSonnet: 1},
		spendCfg: spend.Config{AlertThresholdUSD: 5, HardLimitUSD: 10, WindowMinutes: 60},
	})

	env.d.tick(context.Background())
	require.Equal(t, 1, env.starter.started())

	// Spend blows through the hard limit; the next tick cancels the live
	// session and latches stopped.
	env.spend.RecordSpend(50, "t-live", models.ModelSonnet)
	env.d.tick(context.Background())
	assert.Equal(t, StateStopped, env.d.State())

	require.Eventually(t, func() bool {
		return env.manager.Count() == 0
	}, time.Second, 5*time.Millisecond)
	// A cancelled session is not failure: its task goes back in the queue.
	require.Eventually(t, func() bool {
		return st.taskStatus("t-live") == models.TaskQueued
	}, time.Second, 5*time.Millisecond)

	// Still stopped: nothing new launches.
	env.d.tick(context.Background())
	assert.Equal(t, 1, env.starter.started())

	// Operator resets spend and resumes; work restarts.
	env.spend.Reset()
	env.d.Resume()
	env.d.tick(context.Background())
	assert.Equal(t, StateRunning, env.d.State())
	assert.Equal(t, 2, env.starter.started())
}

func TestDegradedDatabaseSkipsLaunchPhase(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 5, models.ComplexityMedium, time.Hour))
	st.setStats([]models.ProjectStats{{ProjectID: "proj-a", Priority: 5, QueuedCount: 1}})
	st.setPageErr(errors.New("dial tcp 127.0.0.1:5432: connection refused"))
	env := newTestEnv(t, st, envOptions{})

	env.d.tick(context.Background())
	require.Equal(t, 1, st.pageCalls())
	assert.Equal(t, 0, env.starter.started())
	assert.Equal(t, StateDegraded, env.d.State())

	// While degraded the loop does not even page the store.
	env.d.tick(context.Background())
	assert.Equal(t, 1, st.pageCalls())

	st.setPageErr(nil)
	env.health.RecordSuccess()
	env.d.tick(context.Background())
	assert.Equal(t, StateRunning, env.d.State())
	assert.Equal(t, 1, env.starter.started())
}

func TestOpenBreakerSkipsLaunchPhase(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 5, models.ComplexityMedium, time.Hour))
	env := newTestEnv(t, st, envOptions{})

	env.brk.Trip("manual trip")
	env.d.tick(context.Background())
	assert.Equal(t, 0, st.pageCalls())
	assert.Equal(t, 0, env.starter.started())
}

func TestOperatorPauseAndStop(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 5, models.ComplexityMedium, time.Hour))
	st.setStats([]models.ProjectStats{{ProjectID: "proj-a", Priority: 5, QueuedCount: 1}})
	env := newTestEnv(t, st, envOptions{})

	env.d.Pause()
	env.d.tick(context.Background())
	assert.Equal(t, 0, env.starter.started())
	assert.Equal(t, StatePaused, env.d.State())

	env.d.Resume()
	env.d.tick(context.Background())
	require.Equal(t, 1, env.starter.started())

	env.d.Stop()
	assert.Equal(t, StateStopped, env.d.State())
	require.Eventually(t, func() bool {
		return env.manager.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHandleFinalizedSuccess(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 5, models.ComplexityMedium, time.Hour))
	require.NoError(t, st.UpdateTaskStatus(context.Background(), "t-1", models.TaskInProgress))
	env := newTestEnv(t, st, envOptions{})

	sess := models.Session{
		ID:        "sess-1",
		TaskID:    "t-1",
		ProjectID: "proj-a",
		Model:     models.ModelSonnet,
		Status:    models.SessionCompleted,
		Usage:     models.Usage{TotalTokens: 8000},
		CostUSD:   1.75,
	}
	env.d.HandleFinalized(sess, successOutcome(1.75))

	assert.Equal(t, models.TaskComplete, st.taskStatus("t-1"))
	assert.Equal(t, 1, st.finalizedCount())
	assert.Equal(t, []string{"t-1"}, st.actuals)
	assert.Equal(t, []string{"t-1"}, st.unblocked)
	assert.InDelta(t, 1.75, env.spend.CurrentSpend(), 0.001)
	assert.Equal(t, breaker.StateClosed, env.brk.State())
}

func TestHandleFinalizedFailure(t *testing.T) {
	st := newFakeStore()
	st.addTask(queuedTask("t-1", "proj-a", 5, models.ComplexityMedium, time.Hour))
	require.NoError(t, st.UpdateTaskStatus(context.Background(), "t-1", models.TaskInProgress))
	env := newTestEnv(t, st, envOptions{
		brkCfg: breaker.Config{
			FailureThreshold:         1,
			FailureWindow:            10 * time.Minute,
			ResetTimeout:             time.Minute,
			SuccessThresholdForClose: 1,
		},
	})

	sess := models.Session{
		ID:          "sess-1",
		TaskID:      "t-1",
		ProjectID:   "proj-a",
		Model:       models.ModelSonnet,
		Status:      models.SessionFailed,
		ErrorReason: "agent exited with code 1",
	}
	env.d.HandleFinalized(sess, agent.Outcome{ExitCode: 1, Duration: time.Minute})

	assert.Equal(t, models.TaskCancelled, st.taskStatus("t-1"))
	assert.Empty(t, st.unblocked)
	assert.Equal(t, breaker.StateOpen, env.brk.State(), "one failure trips the threshold-1 breaker")
}

func TestProposalPersistedOnlyOnChange(t *testing.T) {
	st := newFakeStore()
	st.setStats([]models.ProjectStats{
		{ProjectID: "proj-a", Priority: 8, QueuedCount: 4},
		{ProjectID: "proj-b", Priority: 3, QueuedCount: 2},
	})
	env := newTestEnv(t, st, envOptions{})

	env.d.tick(context.Background())
	require.Equal(t, 1, st.proposalCount())
	assert.NotEmpty(t, env.d.LatestAllocations())

	// Identical stats produce an identical round: no new proposal.
	env.d.tick(context.Background())
	assert.Equal(t, 1, st.proposalCount())

	st.setStats([]models.ProjectStats{
		{ProjectID: "proj-a", Priority: 8, QueuedCount: 1},
		{ProjectID: "proj-b", Priority: 3, QueuedCount: 9},
	})
	env.d.tick(context.Background())
	assert.Equal(t, 2, st.proposalCount())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := newFakeStore()
	env := newTestEnv(t, st, envOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return st.pageCalls() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
