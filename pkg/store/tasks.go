package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

const taskColumns = `id, project_id, title, description, status, priority,
	complexity, estimated_sessions, actual_sessions, blocked_by, tags, created_at`

// TaskFilter narrows ListTasks. Zero values mean no filtering on that
// dimension.
type TaskFilter struct {
	ProjectID string
	Status    models.TaskStatus
	Limit     int
}

// CreateTask inserts a new task in queued (or blocked) state.
func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	if t.ID == "" {
		return models.Task{}, NewValidationError("id", "must not be empty")
	}
	if t.ProjectID == "" {
		return models.Task{}, NewValidationError("project_id", "must not be empty")
	}
	if t.Title == "" {
		return models.Task{}, NewValidationError("title", "must not be empty")
	}
	if t.Priority < 1 || t.Priority > 10 {
		return models.Task{}, NewValidationError("priority", "must be in 1..10")
	}
	if t.Status == "" {
		t.Status = models.TaskQueued
	}
	if t.Status == models.TaskBlocked && t.BlockedBy == nil {
		return models.Task{}, NewValidationError("blocked_by", "required for blocked tasks")
	}
	if t.Complexity == "" {
		t.Complexity = models.ComplexityMedium
	}

	estimated, err := json.Marshal(orEmpty(t.EstimatedSessions))
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal estimated sessions: %w", err)
	}
	actual, err := json.Marshal(orEmpty(t.ActualSessions))
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal actual sessions: %w", err)
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority,
			complexity, estimated_sessions, actual_sessions, blocked_by, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+taskColumns,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority,
		t.Complexity, estimated, actual, t.BlockedBy, tags)
	return scanTask(row)
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	return scanTask(row)
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	args := []any{}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapError(rows.Err())
}

// QueuedPage returns up to limit queued tasks of active projects in dispatch
// order: priority descending, then creation time ascending, then id.
func (s *Store) QueuedPage(ctx context.Context, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'queued'
		  AND project_id IN (SELECT id FROM projects WHERE status = 'active')
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapError(rows.Err())
}

// UpdateTaskStatus transitions a task. Terminal tasks reject further
// transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	switch status {
	case models.TaskQueued, models.TaskInProgress, models.TaskBlocked,
		models.TaskComplete, models.TaskCancelled:
	default:
		return NewValidationError("status", fmt.Sprintf("unknown task status %q", status))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2
		WHERE id = $1 AND status NOT IN ('complete', 'cancelled')`,
		id, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already terminal; distinguish for the caller.
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is already terminal", ErrInvalidInput, id)
	}
	return nil
}

// SetTaskPriority updates a task's integer priority.
func (s *Store) SetTaskPriority(ctx context.Context, id string, priority int) error {
	if priority < 1 || priority > 10 {
		return NewValidationError("priority", "must be in 1..10")
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE tasks SET priority = $2 WHERE id = $1", id, priority)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordActualSession increments the task's actual session count for one
// model. Called on session finalization so estimate accuracy history stays
// current.
func (s *Store) RecordActualSession(ctx context.Context, id string, model models.Model) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET actual_sessions = jsonb_set(
			actual_sessions,
			ARRAY[$2::text],
			(COALESCE(actual_sessions->>$2, '0')::int + 1)::text::jsonb)
		WHERE id = $1`, id, string(model))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnblockDependents re-queues blocked tasks whose blocker just reached a
// terminal status. Returns the ids that were released.
func (s *Store) UnblockDependents(ctx context.Context, blockerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks SET status = 'queued', blocked_by = NULL
		WHERE status = 'blocked' AND blocked_by = $1
		RETURNING id`, blockerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

// EstimateHistory returns estimated/actual session pairs from completed
// tasks of the given project and complexity, newest first, bounded by limit.
// Counts are summed across models. Feeds the scorer's efficiency factor and
// the calibration factors.
func (s *Store) EstimateHistory(ctx context.Context, projectID string, complexity models.Complexity, limit int) ([]models.EstimatePair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT estimated_sessions, actual_sessions FROM tasks
		WHERE project_id = $1 AND complexity = $2 AND status = 'complete'
		ORDER BY created_at DESC
		LIMIT $3`, projectID, complexity, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.EstimatePair
	for rows.Next() {
		var estimated, actual []byte
		if err := rows.Scan(&estimated, &actual); err != nil {
			return nil, mapError(err)
		}
		pair := models.EstimatePair{
			Estimated: sumSessionCounts(estimated),
			Actual:    sumSessionCounts(actual),
		}
		if pair.Estimated > 0 && pair.Actual > 0 {
			out = append(out, pair)
		}
	}
	return out, mapError(rows.Err())
}

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var estimated, actual []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status,
		&t.Priority, &t.Complexity, &estimated, &actual, &t.BlockedBy, &t.Tags,
		&t.CreatedAt)
	if err != nil {
		return models.Task{}, mapError(err)
	}
	if err := json.Unmarshal(estimated, &t.EstimatedSessions); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal estimated sessions: %w", err)
	}
	if err := json.Unmarshal(actual, &t.ActualSessions); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal actual sessions: %w", err)
	}
	return t, nil
}

func orEmpty(m map[models.Model]int) map[models.Model]int {
	if m == nil {
		return map[models.Model]int{}
	}
	return m
}

func sumSessionCounts(raw []byte) int {
	var counts map[models.Model]int
	if err := json.Unmarshal(raw, &counts); err != nil {
		return 0
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
