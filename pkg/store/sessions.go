package store

import (
	"context"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

const sessionColumns = `id, task_id, project_id, model, status, started_at,
	completed_at, agent_session_id, input_tokens, output_tokens,
	cache_read_tokens, cache_creation_tokens, total_tokens, cost_usd,
	error_reason, parent_id, depth`

// InsertSession records a session at admission, before the subprocess runs.
func (s *Store) InsertSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" {
		return NewValidationError("id", "must not be empty")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, task_id, project_id, model, status,
			started_at, parent_id, depth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.TaskID, sess.ProjectID, sess.Model, sess.Status,
		sess.StartedAt, sess.ParentID, sess.Depth)
	return mapError(err)
}

// FinalizeSession persists the terminal state, usage, and cost of one
// session. Idempotent at the row level: re-finalizing overwrites with the
// same values.
func (s *Store) FinalizeSession(ctx context.Context, sess models.Session, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, completed_at = $3, agent_session_id = $4,
			input_tokens = $5, output_tokens = $6, cache_read_tokens = $7,
			cache_creation_tokens = $8, total_tokens = $9, cost_usd = $10,
			duration_ms = $11, error_reason = $12
		WHERE id = $1`,
		sess.ID, sess.Status, sess.CompletedAt, sess.AgentSessionID,
		sess.Usage.InputTokens, sess.Usage.OutputTokens,
		sess.Usage.CacheReadInputTokens, sess.Usage.CacheCreationInputTokens,
		sess.Usage.TotalTokens, sess.CostUSD,
		duration.Milliseconds(), sess.ErrorReason)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	return scanSession(row)
}

// ListActiveSessions returns persisted sessions still marked live, oldest
// first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('starting', 'active')
		ORDER BY started_at ASC, id ASC`)
}

// ListRecentSessions returns the most recently started sessions.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY started_at DESC, id ASC
		LIMIT $1`, limit)
}

// TaskSessions returns every session of one task, oldest first.
func (s *Store) TaskSessions(ctx context.Context, taskID string) ([]models.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE task_id = $1
		ORDER BY started_at ASC, id ASC`, taskID)
}

// MarkOrphanedSessions fails every persisted live session and re-queues
// the tasks those sessions were working. Called once at startup: live rows
// at boot mean a previous process died with sessions in flight. Returns
// how many sessions were settled.
func (s *Store) MarkOrphanedSessions(ctx context.Context, reason string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		WITH settled AS (
			UPDATE sessions
			SET status = 'failed', completed_at = now(), error_reason = $1
			WHERE status IN ('starting', 'active')
			RETURNING task_id
		), requeued AS (
			UPDATE tasks SET status = 'queued'
			WHERE status = 'in_progress'
			  AND id IN (SELECT task_id FROM settled)
		)
		SELECT count(*) FROM settled`, reason).Scan(&n)
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, mapError(rows.Err())
}

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.TaskID, &sess.ProjectID, &sess.Model,
		&sess.Status, &sess.StartedAt, &sess.CompletedAt, &sess.AgentSessionID,
		&sess.Usage.InputTokens, &sess.Usage.OutputTokens,
		&sess.Usage.CacheReadInputTokens, &sess.Usage.CacheCreationInputTokens,
		&sess.Usage.TotalTokens, &sess.CostUSD, &sess.ErrorReason,
		&sess.ParentID, &sess.Depth)
	if err != nil {
		return models.Session{}, mapError(err)
	}
	sess.Usage.CostUSD = sess.CostUSD
	return sess, nil
}
