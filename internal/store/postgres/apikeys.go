package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/domain"
)

// ResolveAPIKeyByHash looks up the API key whose stored hash matches
// keyHash, used by the Admin/SDK auth middleware on every request.
// Callers never see the raw key; only a hash of it ever reaches the
// database, the same way the teacher's auth layer never stores a
// credential in cleartext.
func (s *Store) ResolveAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var k domain.APIKey
	var environmentID, userID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, scopes, project_ids, environment_id, user_id, created_at
		FROM api_keys WHERE key_hash = $1
	`, keyHash).Scan(&k.ID, &k.Kind, &k.Scopes, &k.ProjectIDs, &environmentID, &userID, &k.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apierr.Unauthorized("unknown API key")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: resolving API key: %w", err)
	}
	if environmentID != nil {
		k.EnvironmentID = *environmentID
	}
	if userID != nil {
		k.UserID = *userID
	}
	return &k, nil
}
