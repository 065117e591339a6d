package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/domain"
)

// GetProject loads a project's settings, used by internal/configsvc to
// decide whether direct writes require a proposal.
func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, require_proposals, allow_self_approvals, created_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.RequireProposals, &p.AllowSelfApprovals, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apierr.NotFound("project")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: loading project: %w", err)
	}
	return &p, nil
}

// GetEnvironment loads a single environment by id.
func (s *Store) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	var e domain.Environment
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, "order", require_proposals
		FROM environments WHERE id = $1
	`, id).Scan(&e.ID, &e.ProjectID, &e.Name, &e.Order, &e.RequireProposals)
	if err == pgx.ErrNoRows {
		return nil, apierr.NotFound("environment")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: loading environment: %w", err)
	}
	return &e, nil
}

// ListEnvironments returns every environment belonging to a project,
// ordered by their configured display order.
func (s *Store) ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, "order", require_proposals
		FROM environments WHERE project_id = $1 ORDER BY "order"
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing environments: %w", err)
	}
	defer rows.Close()

	var out []domain.Environment
	for rows.Next() {
		var e domain.Environment
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Order, &e.RequireProposals); err != nil {
			return nil, fmt.Errorf("postgres: scanning environment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
