package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

var scoringNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s := NewScorer(DefaultConfig())
	s.now = func() time.Time { return scoringNow }
	return s
}

func mkTask(id string, priority int, complexity models.Complexity, age time.Duration) *models.Task {
	return &models.Task{
		ID:         id,
		ProjectID:  "proj-1",
		Title:      id,
		Status:     models.TaskQueued,
		Priority:   priority,
		Complexity: complexity,
		CreatedAt:  scoringNow.Add(-age),
	}
}

func TestImpactScore(t *testing.T) {
	tests := []struct {
		complexity models.Complexity
		want       float64
	}{
		{models.ComplexityHigh, 100},
		{models.ComplexityMedium, 60},
		{models.ComplexityLow, 30},
		{models.Complexity(""), 60},
		{models.Complexity("weird"), 60},
	}
	for _, tt := range tests {
		got, _ := impactScore(tt.complexity)
		assert.Equal(t, tt.want, got, "complexity %q", tt.complexity)
	}
}

func TestUrgencyScore_StrictlyIncreasing(t *testing.T) {
	base, _ := urgencyScore(3, 24*time.Hour)

	higherPriority, _ := urgencyScore(4, 24*time.Hour)
	assert.Greater(t, higherPriority, base)

	older, _ := urgencyScore(3, 72*time.Hour)
	assert.Greater(t, older, base)

	capped, _ := urgencyScore(10, 100*24*time.Hour)
	assert.Equal(t, 100.0, capped)

	fresh, _ := urgencyScore(1, 0)
	assert.Positive(t, fresh)
}

func TestEfficiencyScore(t *testing.T) {
	t.Run("empty history is neutral", func(t *testing.T) {
		got, expl := efficiencyScore(nil)
		assert.Equal(t, 50.0, got)
		assert.Contains(t, expl, "no estimate history")
	})

	t.Run("perfect estimates score 100", func(t *testing.T) {
		got, _ := efficiencyScore([]models.EstimatePair{{Estimated: 2, Actual: 2}, {Estimated: 5, Actual: 5}})
		assert.Equal(t, 100.0, got)
	})

	t.Run("inaccurate estimates score lower", func(t *testing.T) {
		accurate, _ := efficiencyScore([]models.EstimatePair{{Estimated: 4, Actual: 5}})
		sloppy, _ := efficiencyScore([]models.EstimatePair{{Estimated: 1, Actual: 5}})
		assert.Greater(t, accurate, sloppy)
	})

	t.Run("zero-valued pairs are skipped", func(t *testing.T) {
		got, _ := efficiencyScore([]models.EstimatePair{{Estimated: 0, Actual: 3}})
		assert.Equal(t, 50.0, got)
	})
}

func TestDependencyScore(t *testing.T) {
	got, expl := dependencyScore(0)
	assert.Zero(t, got)
	assert.Contains(t, expl, "no tasks")

	got, _ = dependencyScore(2)
	assert.Equal(t, 50.0, got)

	got, _ = dependencyScore(7)
	assert.Equal(t, 100.0, got, "capped at 100")
}

func TestScoreTask_WeightedSumAndFactors(t *testing.T) {
	s := newTestScorer(t)
	task := mkTask("task-1", 5, models.ComplexityHigh, 0)

	score := s.ScoreTask(task, Context{})

	assert.Equal(t, "task-1", score.TaskID)
	assert.Equal(t, 100.0, score.ImpactScore)
	assert.Equal(t, 30.0, score.UrgencyScore, "priority 5, zero age")
	assert.Equal(t, 50.0, score.EfficiencyScore)
	assert.Zero(t, score.DependencyScore)

	// 100*0.40 + 30*0.25 + 50*0.20 + 0*0.15
	assert.InDelta(t, 57.5, score.TotalScore, 0.001)
	assert.Equal(t, scoringNow, score.CalculatedAt)

	require.Len(t, score.Factors, 4)
	names := []string{score.Factors[0].Name, score.Factors[1].Name, score.Factors[2].Name, score.Factors[3].Name}
	assert.Equal(t, []string{"impact", "urgency", "efficiency", "dependency"}, names)
	for _, f := range score.Factors {
		assert.NotEmpty(t, f.Explanation)
		assert.InDelta(t, f.Raw*f.Weight, f.Normalized, 0.001)
	}
}

func TestScoreTask_Adjustments(t *testing.T) {
	s := newTestScorer(t)

	t.Run("low backlog boost", func(t *testing.T) {
		task := mkTask("task-1", 5, models.ComplexityMedium, 0)
		base := s.ScoreTask(task, Context{})
		boosted := s.ScoreTask(task, Context{ProjectBacklog: map[string]int{"proj-1": 2}})
		assert.InDelta(t, base.TotalScore+20, boosted.TotalScore, 0.001)
	})

	t.Run("no boost at the threshold", func(t *testing.T) {
		task := mkTask("task-1", 5, models.ComplexityMedium, 0)
		base := s.ScoreTask(task, Context{})
		same := s.ScoreTask(task, Context{ProjectBacklog: map[string]int{"proj-1": 3}})
		assert.InDelta(t, base.TotalScore, same.TotalScore, 0.001)
	})

	t.Run("underutilized boost", func(t *testing.T) {
		task := mkTask("task-1", 5, models.ComplexityMedium, 0)
		base := s.ScoreTask(task, Context{})
		boosted := s.ScoreTask(task, Context{Underutilized: map[string]bool{"proj-1": true}})
		assert.InDelta(t, base.TotalScore+10, boosted.TotalScore, 0.001)
	})

	t.Run("opus saturation penalty", func(t *testing.T) {
		saturated := Context{Capacity: models.CapacitySnapshot{
			models.ModelOpus: {Current: 5, Limit: 5, Utilization: 1.0},
		}}
		high := mkTask("task-1", 5, models.ComplexityHigh, 0)
		base := s.ScoreTask(high, Context{})
		penalized := s.ScoreTask(high, saturated)
		assert.InDelta(t, base.TotalScore-10, penalized.TotalScore, 0.001)

		medium := mkTask("task-2", 5, models.ComplexityMedium, 0)
		baseMed := s.ScoreTask(medium, Context{})
		sameMed := s.ScoreTask(medium, saturated)
		assert.InDelta(t, baseMed.TotalScore, sameMed.TotalScore, 0.001,
			"penalty applies only to high complexity")
	})

	t.Run("clamped to 100", func(t *testing.T) {
		task := mkTask("task-1", 10, models.ComplexityHigh, 30*24*time.Hour)
		score := s.ScoreTask(task, Context{
			History:        map[string][]models.EstimatePair{"task-1": {{Estimated: 3, Actual: 3}}},
			Dependents:     map[string]int{"task-1": 5},
			ProjectBacklog: map[string]int{"proj-1": 1},
			Underutilized:  map[string]bool{"proj-1": true},
		})
		assert.Equal(t, 100.0, score.TotalScore)
	})
}

func TestScoreTasks_SortedWithTieBreaks(t *testing.T) {
	s := newTestScorer(t)

	// Identical scores except for the tie-break dimensions.
	older := mkTask("task-b", 5, models.ComplexityMedium, 48*time.Hour)
	newer := mkTask("task-a", 5, models.ComplexityMedium, 48*time.Hour)
	higherPriority := mkTask("task-c", 7, models.ComplexityMedium, 48*time.Hour)
	winner := mkTask("task-d", 9, models.ComplexityHigh, 72*time.Hour)

	// task-a and task-b tie on everything except id; both tie with nothing
	// else. task-c beats them on score via priority-driven urgency.
	scores := s.ScoreTasks([]*models.Task{newer, older, higherPriority, winner}, Context{})

	require.Len(t, scores, 4)
	assert.Equal(t, "task-d", scores[0].TaskID)
	assert.Equal(t, "task-c", scores[1].TaskID)
	assert.Equal(t, "task-a", scores[2].TaskID, "equal score and priority and age fall back to id")
	assert.Equal(t, "task-b", scores[3].TaskID)

	for i := 1; i < len(scores); i++ {
		assert.GreaterOrEqual(t, scores[i-1].TotalScore, scores[i].TotalScore)
	}
}

func TestScoreTasks_TieBreakOnCreation(t *testing.T) {
	s := newTestScorer(t)

	// Both tasks saturate the urgency cap, so their totals are equal and
	// the older creation time decides.
	older := mkTask("task-z", 5, models.ComplexityMedium, 90*24*time.Hour)
	newer := mkTask("task-a", 5, models.ComplexityMedium, 60*24*time.Hour)

	scores := s.ScoreTasks([]*models.Task{newer, older}, Context{})
	require.Len(t, scores, 2)
	assert.InDelta(t, scores[0].TotalScore, scores[1].TotalScore, 0.001)
	assert.Equal(t, "task-z", scores[0].TaskID, "older task wins the tie despite the later id")
}

func TestScoreTasks_Deterministic(t *testing.T) {
	s := newTestScorer(t)
	tasks := []*models.Task{
		mkTask("task-1", 8, models.ComplexityHigh, 24*time.Hour),
		mkTask("task-2", 3, models.ComplexityLow, 96*time.Hour),
		mkTask("task-3", 5, models.ComplexityMedium, 0),
	}
	ctx := Context{Dependents: map[string]int{"task-2": 1}}

	first := s.ScoreTasks(tasks, ctx)
	second := s.ScoreTasks(tasks, ctx)
	assert.Equal(t, first, second)
}

func TestScoreTasks_DerivesDependentsFromInput(t *testing.T) {
	s := newTestScorer(t)

	blocker := mkTask("task-blocker", 2, models.ComplexityLow, 0)
	blockedID := "task-blocker"
	blocked := mkTask("task-blocked", 2, models.ComplexityLow, 0)
	blocked.Status = models.TaskBlocked
	blocked.BlockedBy = &blockedID

	scores := s.ScoreTasks([]*models.Task{blocker, blocked}, Context{})
	for _, sc := range scores {
		if sc.TaskID == "task-blocker" {
			assert.Equal(t, 25.0, sc.DependencyScore)
		}
	}
}

func TestTopPriorityTasks(t *testing.T) {
	s := newTestScorer(t)
	tasks := []*models.Task{
		mkTask("task-1", 9, models.ComplexityHigh, 0),
		mkTask("task-2", 1, models.ComplexityLow, 0),
		mkTask("task-3", 5, models.ComplexityMedium, 0),
	}

	top := s.TopPriorityTasks(tasks, Context{}, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "task-1", top[0].TaskID)

	all := s.TopPriorityTasks(tasks, Context{}, 10)
	assert.Len(t, all, 3, "n may exceed the input size")
}
