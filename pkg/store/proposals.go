package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// ProposalStatus is the review state of an allocation proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is one persisted allocator recommendation awaiting operator
// review.
type Proposal struct {
	ID          string                      `json:"id"`
	Status      ProposalStatus              `json:"status"`
	Allocations []models.ResourceAllocation `json:"allocations"`
	CreatedAt   time.Time                   `json:"created_at"`
	DecidedAt   *time.Time                  `json:"decided_at,omitempty"`
}

// CreateProposal persists allocator output for later review.
func (s *Store) CreateProposal(ctx context.Context, id string, allocations []models.ResourceAllocation) (Proposal, error) {
	if id == "" {
		return Proposal{}, NewValidationError("id", "must not be empty")
	}
	raw, err := json.Marshal(allocations)
	if err != nil {
		return Proposal{}, fmt.Errorf("marshal allocations: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO allocation_proposals (id, allocations)
		VALUES ($1, $2)
		RETURNING id, status, allocations, created_at, decided_at`, id, raw)
	return scanProposal(row)
}

// ListProposals returns proposals newest first, optionally filtered by
// status.
func (s *Store) ListProposals(ctx context.Context, status ProposalStatus, limit int) ([]Proposal, error) {
	query := "SELECT id, status, allocations, created_at, decided_at FROM allocation_proposals"
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += " WHERE status = $1"
	}
	query += " ORDER BY created_at DESC, id ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

// DecideProposal approves or rejects a pending proposal. Deciding a proposal
// that is not pending fails with ErrInvalidInput.
func (s *Store) DecideProposal(ctx context.Context, id string, status ProposalStatus) error {
	if status != ProposalApproved && status != ProposalRejected {
		return NewValidationError("status", "decision must be approved or rejected")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE allocation_proposals
		SET status = $2, decided_at = now()
		WHERE id = $1 AND status = 'pending'`, id, status)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getProposal(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: proposal %s is already decided", ErrInvalidInput, id)
	}
	return nil
}

func (s *Store) getProposal(ctx context.Context, id string) (Proposal, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT id, status, allocations, created_at, decided_at FROM allocation_proposals WHERE id = $1", id)
	return scanProposal(row)
}

func scanProposal(row rowScanner) (Proposal, error) {
	var p Proposal
	var raw []byte
	if err := row.Scan(&p.ID, &p.Status, &raw, &p.CreatedAt, &p.DecidedAt); err != nil {
		return Proposal{}, mapError(err)
	}
	if err := json.Unmarshal(raw, &p.Allocations); err != nil {
		return Proposal{}, fmt.Errorf("unmarshal allocations: %w", err)
	}
	return p, nil
}
