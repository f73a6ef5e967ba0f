// Package allocation proposes per-project model budget splits.
//
// The allocator is pure computation: given a snapshot of per-project
// statistics it recommends what percentage of opus and sonnet capacity
// each project should receive. Both percentage dimensions sum to
// exactly 100 across all projects in a single round. Consumers (the
// dispatch loop, the recommendation surface) decide what to do with
// the proposal; nothing is launched from here.
package allocation

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// blockedDemandWeight discounts blocked tasks relative to queued ones
// when computing a project's demand. Blocked work still deserves some
// budget (it may unblock mid-round) but must not crowd out runnable
// tasks.
const blockedDemandWeight = 0.5

// Allocator computes resource allocation proposals.
type Allocator struct {
	logger *slog.Logger
}

// NewAllocator creates an allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		logger: slog.Default().With("component", "allocator"),
	}
}

// Allocate proposes a budget split for the given projects. The result
// is ordered by project ID and each percentage dimension sums to
// exactly 100. Returns nil when there are no projects.
func (a *Allocator) Allocate(stats []models.ProjectStats) []models.ResourceAllocation {
	if len(stats) == 0 {
		return nil
	}

	projects := make([]models.ProjectStats, len(stats))
	copy(projects, stats)
	sort.Slice(projects, func(i, j int) bool { return projects[i].ProjectID < projects[j].ProjectID })

	opusWeights := make([]float64, len(projects))
	sonnetWeights := make([]float64, len(projects))
	demands := make([]float64, len(projects))
	for i, p := range projects {
		demand := float64(p.QueuedCount) + blockedDemandWeight*float64(p.BlockedCount)
		priority := float64(p.Priority)
		if priority < 1 {
			priority = 1
		}
		demands[i] = demand
		// Opus is the scarce model, so its share skews harder toward
		// high-priority projects. Sonnet tracks demand more evenly.
		opusWeights[i] = priority * priority * demand
		sonnetWeights[i] = priority * demand
	}

	opusShares := splitPercentages(opusWeights)
	sonnetShares := splitPercentages(sonnetWeights)

	allocations := make([]models.ResourceAllocation, len(projects))
	for i, p := range projects {
		allocations[i] = models.ResourceAllocation{
			ProjectID:                p.ProjectID,
			RecommendedOpusPercent:   opusShares[i],
			RecommendedSonnetPercent: sonnetShares[i],
			Reasoning:                reasoningFor(p, demands[i], opusShares[i], sonnetShares[i]),
		}
	}

	a.logger.Debug("Computed allocation proposal", "projects", len(allocations))
	return allocations
}

// splitPercentages divides 100 points across the weights using the
// largest-remainder method so the integer shares always sum to exactly
// 100. Zero total weight falls back to an even split. Remainder ties
// resolve in input order, which is project-ID order by the time this
// runs.
func splitPercentages(weights []float64) []int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		weights = make([]float64, len(weights))
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	shares := make([]int, len(weights))
	type remainder struct {
		index int
		frac  float64
	}
	remainders := make([]remainder, len(weights))
	assigned := 0
	for i, w := range weights {
		exact := w / total * 100
		shares[i] = int(exact)
		assigned += shares[i]
		remainders[i] = remainder{index: i, frac: exact - float64(shares[i])}
	}

	sort.SliceStable(remainders, func(i, j int) bool { return remainders[i].frac > remainders[j].frac })
	for k := 0; k < 100-assigned; k++ {
		shares[remainders[k%len(remainders)].index]++
	}
	return shares
}

func reasoningFor(p models.ProjectStats, demand float64, opusPct, sonnetPct int) []string {
	reasons := []string{
		fmt.Sprintf("priority %d with %d queued and %d blocked tasks", p.Priority, p.QueuedCount, p.BlockedCount),
	}
	if demand <= 0 {
		reasons = append(reasons, "no pending demand, share comes from the even-split floor")
	} else {
		reasons = append(reasons, fmt.Sprintf("opus %d%% weights priority quadratically, sonnet %d%% weights it linearly", opusPct, sonnetPct))
	}
	if running := totalSessions(p.CurrentSessions); running > 0 {
		reasons = append(reasons, fmt.Sprintf("%d sessions already running", running))
	}
	return reasons
}

func totalSessions(sessions map[models.Model]int) int {
	total := 0
	for _, n := range sessions {
		total += n
	}
	return total
}
