// Package scoring computes priority scores for queued tasks from task
// attributes, estimate history, dependency fan-in, and project context.
package scoring

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// Config holds the factor weights and adjustment thresholds.
type Config struct {
	ImpactWeight     float64 `yaml:"impact_weight"`
	UrgencyWeight    float64 `yaml:"urgency_weight"`
	EfficiencyWeight float64 `yaml:"efficiency_weight"`
	DependencyWeight float64 `yaml:"dependency_weight"`
	// LowBacklogThreshold is the project backlog size below which tasks get
	// the low-backlog boost.
	LowBacklogThreshold int `yaml:"low_backlog_threshold"`
}

// DefaultConfig returns the scorer defaults.
func DefaultConfig() Config {
	return Config{
		ImpactWeight:        0.40,
		UrgencyWeight:       0.25,
		EfficiencyWeight:    0.20,
		DependencyWeight:    0.15,
		LowBacklogThreshold: 3,
	}
}

// Context carries the cross-task inputs for one scoring pass.
type Context struct {
	// History maps task id to estimate/actual session pairs from completed
	// work on the same project and complexity.
	History map[string][]models.EstimatePair
	// Dependents maps task id to the count of queued or blocked tasks that
	// name it as their blocker. When nil, the count is derived from the
	// scored slice itself.
	Dependents map[string]int
	// ProjectBacklog maps project id to its queued task count.
	ProjectBacklog map[string]int
	// Underutilized flags projects running below their recommended share.
	Underutilized map[string]bool
	// Capacity is the current capacity snapshot.
	Capacity models.CapacitySnapshot
}

// Scorer computes priority scores. Scoring is pure and deterministic for a
// fixed input; only the calculation timestamp varies.
type Scorer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewScorer creates a scorer.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{
		cfg:    cfg,
		logger: slog.Default().With("component", "scoring"),
		now:    time.Now,
	}
}

// ScoreTasks scores every task and returns the scores sorted by total score
// descending. Ties order by integer priority descending, then creation time
// ascending, then task id.
func (s *Scorer) ScoreTasks(tasks []*models.Task, ctx Context) []models.PriorityScore {
	if ctx.Dependents == nil {
		ctx.Dependents = deriveDependents(tasks)
	}

	type scored struct {
		task  *models.Task
		score models.PriorityScore
	}
	out := make([]scored, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, scored{task: task, score: s.ScoreTask(task, ctx)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score.TotalScore != b.score.TotalScore {
			return a.score.TotalScore > b.score.TotalScore
		}
		if a.task.Priority != b.task.Priority {
			return a.task.Priority > b.task.Priority
		}
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		return a.task.ID < b.task.ID
	})

	scores := make([]models.PriorityScore, len(out))
	for i, sc := range out {
		scores[i] = sc.score
	}
	return scores
}

// TopPriorityTasks returns the n highest scores; n may exceed the input
// size.
func (s *Scorer) TopPriorityTasks(tasks []*models.Task, ctx Context, n int) []models.PriorityScore {
	scores := s.ScoreTasks(tasks, ctx)
	if n < len(scores) {
		scores = scores[:n]
	}
	return scores
}

// ScoreTask computes the four weighted sub-scores and context adjustments
// for one task.
func (s *Scorer) ScoreTask(task *models.Task, ctx Context) models.PriorityScore {
	now := s.now()

	impact, impactExpl := impactScore(task.Complexity)
	urgency, urgencyExpl := urgencyScore(task.Priority, now.Sub(task.CreatedAt))
	efficiency, efficiencyExpl := efficiencyScore(ctx.History[task.ID])
	dependency, dependencyExpl := dependencyScore(ctx.Dependents[task.ID])

	factors := []models.FactorBreakdown{
		{Name: "impact", Weight: s.cfg.ImpactWeight, Raw: impact,
			Normalized: impact * s.cfg.ImpactWeight, Explanation: impactExpl},
		{Name: "urgency", Weight: s.cfg.UrgencyWeight, Raw: urgency,
			Normalized: urgency * s.cfg.UrgencyWeight, Explanation: urgencyExpl},
		{Name: "efficiency", Weight: s.cfg.EfficiencyWeight, Raw: efficiency,
			Normalized: efficiency * s.cfg.EfficiencyWeight, Explanation: efficiencyExpl},
		{Name: "dependency", Weight: s.cfg.DependencyWeight, Raw: dependency,
			Normalized: dependency * s.cfg.DependencyWeight, Explanation: dependencyExpl},
	}

	total := impact*s.cfg.ImpactWeight +
		urgency*s.cfg.UrgencyWeight +
		efficiency*s.cfg.EfficiencyWeight +
		dependency*s.cfg.DependencyWeight

	if backlog, ok := ctx.ProjectBacklog[task.ProjectID]; ok && backlog < s.cfg.LowBacklogThreshold {
		total += 20
		factors = append(factors, models.FactorBreakdown{
			Name: "low_backlog_boost", Raw: 20, Normalized: 20,
			Explanation: fmt.Sprintf("project backlog %d below threshold %d", backlog, s.cfg.LowBacklogThreshold),
		})
	}
	if ctx.Underutilized[task.ProjectID] {
		total += 10
		factors = append(factors, models.FactorBreakdown{
			Name: "underutilized_boost", Raw: 10, Normalized: 10,
			Explanation: "project is running below its recommended share",
		})
	}
	if task.Complexity == models.ComplexityHigh && ctx.Capacity.Utilization(models.ModelOpus) >= 1.0 {
		total -= 10
		factors = append(factors, models.FactorBreakdown{
			Name: "opus_saturation_penalty", Raw: -10, Normalized: -10,
			Explanation: "high-complexity task while opus capacity is saturated",
		})
	}

	total = clamp(total, 0, 100)

	return models.PriorityScore{
		TaskID:          task.ID,
		TotalScore:      total,
		ImpactScore:     impact,
		UrgencyScore:    urgency,
		EfficiencyScore: efficiency,
		DependencyScore: dependency,
		Factors:         factors,
		CalculatedAt:    now,
	}
}

// impactScore maps complexity to impact. Unknown complexity scores like
// medium.
func impactScore(c models.Complexity) (float64, string) {
	var v float64
	switch c {
	case models.ComplexityHigh:
		v = 100
	case models.ComplexityMedium:
		v = 60
	case models.ComplexityLow:
		v = 30
	default:
		v = 60
	}
	return v, fmt.Sprintf("complexity %q maps to impact %.0f", string(c), v)
}

// urgencyScore grows strictly with both integer priority and task age, and
// caps at 100.
func urgencyScore(priority int, age time.Duration) (float64, string) {
	ageDays := age.Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	v := clamp(float64(priority)*6+ageDays*4, 0, 100)
	return v, fmt.Sprintf("priority %d, age %.1f days", priority, ageDays)
}

// efficiencyScore rewards historically accurate estimates. With no history
// the score is a neutral 50.
func efficiencyScore(pairs []models.EstimatePair) (float64, string) {
	var sum float64
	var n int
	for _, p := range pairs {
		if p.Estimated <= 0 || p.Actual <= 0 {
			continue
		}
		lo, hi := float64(p.Estimated), float64(p.Actual)
		if lo > hi {
			lo, hi = hi, lo
		}
		sum += lo / hi
		n++
	}
	if n == 0 {
		return 50, "no estimate history, neutral score"
	}
	accuracy := sum / float64(n)
	return accuracy * 100, fmt.Sprintf("estimate accuracy %.0f%% over %d completed tasks", accuracy*100, n)
}

// dependencyScore scales with the number of queued or blocked tasks waiting
// on this one, 25 points each, capped at 100.
func dependencyScore(dependents int) (float64, string) {
	if dependents <= 0 {
		return 0, "no tasks wait on this task"
	}
	v := clamp(float64(dependents)*25, 0, 100)
	return v, fmt.Sprintf("%d queued or blocked tasks wait on this task", dependents)
}

// deriveDependents counts blockers within the scored slice itself.
func deriveDependents(tasks []*models.Task) map[string]int {
	out := make(map[string]int)
	for _, task := range tasks {
		if task.BlockedBy == nil {
			continue
		}
		if task.Status == models.TaskQueued || task.Status == models.TaskBlocked {
			out[*task.BlockedBy]++
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
