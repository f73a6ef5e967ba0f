package dispatch

import (
	"context"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
	"github.com/trafficcontrol/trafficcontrol/pkg/session"
	"github.com/trafficcontrol/trafficcontrol/pkg/store"
)

// Config controls the dispatch loop.
type Config struct {
	// TickInterval is the loop cadence.
	TickInterval time.Duration
	// TaskPageSize bounds the queued-task page fetched per tick.
	TaskPageSize int
	// DefaultModel is launched when no allocation hint applies.
	DefaultModel models.Model
	// WorkDirRoot is where project checkouts live; a session runs in
	// <workdir_root>/<project_id>.
	WorkDirRoot string
	// HistoryLimit bounds how many completed tasks feed the scorer's
	// efficiency history per (project, complexity).
	HistoryLimit int
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 15 * time.Second,
		TaskPageSize: 50,
		DefaultModel: models.DefaultModel,
		WorkDirRoot:  ".",
		HistoryLimit: 20,
	}
}

// Store is the persistence surface the loop needs. *store.Store satisfies
// it; tests substitute fakes.
type Store interface {
	QueuedPage(ctx context.Context, limit int) ([]models.Task, error)
	ProjectStats(ctx context.Context) ([]models.ProjectStats, error)
	EstimateHistory(ctx context.Context, projectID string, complexity models.Complexity, limit int) ([]models.EstimatePair, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	RecordActualSession(ctx context.Context, id string, model models.Model) error
	UnblockDependents(ctx context.Context, blockerID string) ([]string, error)
	InsertSession(ctx context.Context, sess models.Session) error
	FinalizeSession(ctx context.Context, sess models.Session, duration time.Duration) error
	CreateProposal(ctx context.Context, id string, allocations []models.ResourceAllocation) (store.Proposal, error)
}

// Launcher is the session-manager surface the loop needs.
type Launcher interface {
	Launch(ctx context.Context, task models.Task, model models.Model, opts session.LaunchOptions) (models.Session, error)
	CancelAll() int
	Count() int
}

// State is the loop's operating state as surfaced to operators.
type State string

const (
	// StateRunning launches tasks on every tick.
	StateRunning State = "running"
	// StatePaused skips the launch phase (operator pause or soft spend
	// limit); drain and finalize continue.
	StatePaused State = "paused"
	// StateDegraded skips the launch phase while the database is down.
	StateDegraded State = "degraded"
	// StateStopped means a hard spend stop or operator stop: running
	// sessions were cancelled and only an explicit resume restarts work.
	StateStopped State = "stopped"
)
