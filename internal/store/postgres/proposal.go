package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/domain"
)

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := s.scanProposal(s.pool.QueryRow(ctx, proposalSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apierr.NotFound("proposal")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: loading proposal: %w", err)
	}
	return p, nil
}

// ListPendingProposals returns every pending proposal for a config.
func (s *Store) ListPendingProposals(ctx context.Context, configID string) ([]*domain.Proposal, error) {
	rows, err := s.pool.Query(ctx, proposalSelect+` WHERE config_id = $1 AND status = $2`, configID, domain.ProposalPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing pending proposals: %w", err)
	}
	defer rows.Close()

	var out []*domain.Proposal
	for rows.Next() {
		p, err := s.scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProposal inserts a new pending proposal and appends a
// config_proposal_created audit entry.
func (s *Store) CreateProposal(ctx context.Context, p *domain.Proposal) (*domain.Proposal, error) {
	p.ID = uuid.NewString()
	p.Status = domain.ProposalPending
	p.CreatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO proposals (
			id, config_id, proposer_user_id, base_config_version, description, members, deleted,
			base, environments, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.ConfigID, p.ProposerUserID, p.BaseConfigVersion, mustJSON(p.Description), mustJSON(p.Members), p.Deleted,
		mustJSON(p.Base), mustJSON(p.Environments), p.Status, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: inserting proposal: %w", err)
	}

	var projectID string
	if err := tx.QueryRow(ctx, `SELECT project_id FROM configs WHERE id = $1`, p.ConfigID).Scan(&projectID); err != nil {
		return nil, fmt.Errorf("postgres: loading config project for audit: %w", err)
	}
	if err := s.appendAudit(ctx, tx, projectID, p.ConfigID, domain.AuditProposalCreated, p.ProposerUserID, map[string]any{"proposalId": p.ID}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return p, nil
}

// MarkApproved transitions a proposal to approved. The caller
// (internal/proposal) is responsible for having already applied the
// proposal's changes via UpdateConfig within the same logical
// operation; this call records the terminal state and audit entry.
func (s *Store) MarkApproved(ctx context.Context, proposalID, reviewerUserID, projectID, configID string) error {
	return s.transitionProposal(ctx, proposalID, domain.ProposalApproved, reviewerUserID, "", "",
		projectID, configID, domain.AuditProposalApproved)
}

// MarkRejected transitions a proposal to rejected with the given
// reason, optionally recording the proposal it was rejected in favor
// of (set when this rejection is a cascade from a sibling's approval).
func (s *Store) MarkRejected(ctx context.Context, proposalID, reviewerUserID string, reason domain.RejectionReason, rejectedInFavorOf, projectID, configID string) error {
	return s.transitionProposal(ctx, proposalID, domain.ProposalRejected, reviewerUserID, reason, rejectedInFavorOf,
		projectID, configID, domain.AuditProposalRejected)
}

func (s *Store) transitionProposal(ctx context.Context, proposalID string, status domain.ProposalStatus, reviewerUserID string, reason domain.RejectionReason, rejectedInFavorOf, projectID, configID string, auditKind domain.AuditKind) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStatus domain.ProposalStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM proposals WHERE id = $1 FOR UPDATE`, proposalID).Scan(&currentStatus); err != nil {
		if err == pgx.ErrNoRows {
			return apierr.NotFound("proposal")
		}
		return fmt.Errorf("postgres: locking proposal: %w", err)
	}
	if currentStatus != domain.ProposalPending {
		return apierr.Invariant("proposal %s is already terminal (%s)", proposalID, currentStatus)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE proposals SET status = $2, reviewer_user_id = $3, rejection_reason = $4,
			rejected_in_favor_of_proposal = $5, approved_at = $6, rejected_at = $7
		WHERE id = $1
	`, proposalID, status, nullString(reviewerUserID), nullString(string(reason)), nullString(rejectedInFavorOf),
		approvedAt(status, now), rejectedAt(status, now))
	if err != nil {
		return fmt.Errorf("postgres: updating proposal status: %w", err)
	}

	payload := map[string]any{"proposalId": proposalID}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.appendAudit(ctx, tx, projectID, configID, auditKind, reviewerUserID, payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func approvedAt(status domain.ProposalStatus, now time.Time) any {
	if status == domain.ProposalApproved {
		return now
	}
	return nil
}

func rejectedAt(status domain.ProposalStatus, now time.Time) any {
	if status == domain.ProposalRejected {
		return now
	}
	return nil
}

const proposalSelect = `
SELECT id, config_id, proposer_user_id, base_config_version, description, members, deleted,
	base, environments, status, reviewer_user_id, rejection_reason, rejected_in_favor_of_proposal,
	created_at, approved_at, rejected_at
FROM proposals
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanProposal(row rowScanner) (*domain.Proposal, error) {
	var p domain.Proposal
	var reviewerUserID, rejectionReason, rejectedInFavorOf *string
	err := row.Scan(&p.ID, &p.ConfigID, &p.ProposerUserID, &p.BaseConfigVersion, jsonScan{&p.Description}, jsonScan{&p.Members}, &p.Deleted,
		jsonScan{&p.Base}, jsonScan{&p.Environments}, &p.Status, &reviewerUserID, &rejectionReason, &rejectedInFavorOf,
		&p.CreatedAt, &p.ApprovedAt, &p.RejectedAt)
	if err != nil {
		return nil, err
	}
	if reviewerUserID != nil {
		p.ReviewerUserID = *reviewerUserID
	}
	if rejectionReason != nil {
		p.RejectionReason = domain.RejectionReason(*rejectionReason)
	}
	if rejectedInFavorOf != nil {
		p.RejectedInFavorOfProposal = *rejectedInFavorOf
	}
	return &p, nil
}
