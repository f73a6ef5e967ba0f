package store

import (
	"context"
	"fmt"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

const projectColumns = "id, name, status, priority, created_at"

// CreateProject inserts a new project. Fails with ErrAlreadyExists on a
// duplicate id.
func (s *Store) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	if p.ID == "" {
		return models.Project{}, NewValidationError("id", "must not be empty")
	}
	if p.Name == "" {
		return models.Project{}, NewValidationError("name", "must not be empty")
	}
	if p.Status == "" {
		p.Status = models.ProjectActive
	}
	if p.Priority == 0 {
		p.Priority = 5
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, status, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING `+projectColumns,
		p.ID, p.Name, p.Status, p.Priority)
	return scanProject(row)
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = $1", id)
	return scanProject(row)
}

// ListProjects returns all projects ordered by priority descending, then id.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+projectColumns+" FROM projects ORDER BY priority DESC, id ASC")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

// SetProjectStatus pauses or resumes a project.
func (s *Store) SetProjectStatus(ctx context.Context, id string, status models.ProjectStatus) error {
	if status != models.ProjectActive && status != models.ProjectPaused {
		return NewValidationError("status", fmt.Sprintf("unknown project status %q", status))
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE projects SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectPriority updates a project's priority.
func (s *Store) SetProjectPriority(ctx context.Context, id string, priority int) error {
	if priority < 1 || priority > 10 {
		return NewValidationError("priority", "must be in 1..10")
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE projects SET priority = $2 WHERE id = $1", id, priority)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectStats aggregates per-project backlog counts and live session counts
// for the allocator. Only active projects are included.
func (s *Store) ProjectStats(ctx context.Context) ([]models.ProjectStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.priority,
		       count(t.id) FILTER (WHERE t.status = 'queued')  AS queued,
		       count(t.id) FILTER (WHERE t.status = 'blocked') AS blocked
		FROM projects p
		LEFT JOIN tasks t ON t.project_id = p.id
		WHERE p.status = 'active'
		GROUP BY p.id, p.priority
		ORDER BY p.priority DESC, p.id ASC`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.ProjectStats
	for rows.Next() {
		var st models.ProjectStats
		if err := rows.Scan(&st.ProjectID, &st.Priority, &st.QueuedCount, &st.BlockedCount); err != nil {
			return nil, mapError(err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}

	sessRows, err := s.pool.Query(ctx, `
		SELECT project_id, model, count(*)
		FROM sessions
		WHERE status IN ('starting', 'active')
		GROUP BY project_id, model`)
	if err != nil {
		return nil, mapError(err)
	}
	defer sessRows.Close()

	live := make(map[string]map[models.Model]int)
	for sessRows.Next() {
		var projectID string
		var model models.Model
		var count int
		if err := sessRows.Scan(&projectID, &model, &count); err != nil {
			return nil, mapError(err)
		}
		if live[projectID] == nil {
			live[projectID] = make(map[models.Model]int)
		}
		live[projectID][model] = count
	}
	if err := sessRows.Err(); err != nil {
		return nil, mapError(err)
	}

	for i := range out {
		out[i].CurrentSessions = live[out[i].ProjectID]
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.Priority, &p.CreatedAt)
	if err != nil {
		return models.Project{}, mapError(err)
	}
	return p, nil
}
