package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConsumer registers a new replication consumer identity and
// returns its id, used once by a reader process when it has no
// persisted consumer id (internal/replica's kv table) to restore.
func (s *Store) CreateConsumer(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO eventbus_consumers (id) VALUES ($1)`, id)
	if err != nil {
		return "", fmt.Errorf("postgres: creating consumer: %w", err)
	}
	return id, nil
}

// ReportLastUsed records that consumerID is still active, preventing
// CleanupIdleConsumers from reclaiming it.
func (s *Store) ReportLastUsed(ctx context.Context, consumerID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eventbus_consumers (id, last_used_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_used_at = EXCLUDED.last_used_at
	`, consumerID, at)
	if err != nil {
		return fmt.Errorf("postgres: reporting consumer last_used_at: %w", err)
	}
	return nil
}

// CleanupIdleConsumers removes consumer records whose last_used_at is
// older than cutoff, reclaiming reader identities that stopped
// reporting (crashed or were decommissioned).
func (s *Store) CleanupIdleConsumers(ctx context.Context, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM eventbus_consumers WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("postgres: cleaning up idle consumers: %w", err)
	}
	return nil
}

// IsConsumerValid reports whether consumerID is still registered; a
// reader whose consumer was reclaimed by CleanupIdleConsumers must
// cold-start (replica.Clear + fresh snapshot pull) rather than resume.
func (s *Store) IsConsumerValid(ctx context.Context, consumerID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM eventbus_consumers WHERE id = $1)`, consumerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: checking consumer validity: %w", err)
	}
	return exists, nil
}
