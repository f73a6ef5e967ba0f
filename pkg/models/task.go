package models

import "time"

// TaskStatus is the lifecycle state of a task in the backlog.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskComplete   TaskStatus = "complete"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskCancelled
}

// Complexity is the coarse difficulty classification of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is one unit of backlog work. A task in in_progress has exactly one
// active session; a task in blocked has a non-null BlockedBy that resolves to
// a non-terminal task.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	// Priority is an integer in 1..10, 10 most urgent.
	Priority   int        `json:"priority"`
	Complexity Complexity `json:"complexity,omitempty"`
	// EstimatedSessions and ActualSessions count sessions per model tier,
	// feeding the scorer's efficiency factor and the calibration factors.
	EstimatedSessions map[Model]int `json:"estimated_sessions,omitempty"`
	ActualSessions    map[Model]int `json:"actual_sessions,omitempty"`
	BlockedBy         *string       `json:"blocked_by,omitempty"`
	Tags              []string      `json:"tags,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Age returns the time elapsed since the task was created.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive ProjectStatus = "active"
	ProjectPaused ProjectStatus = "paused"
)

// Project groups tasks. While paused, no new sessions may be started for its
// tasks; already-running sessions continue.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status"`
	Priority  int           `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
}
