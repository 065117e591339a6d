// Package postgres implements the primary store adapter (spec.md
// §4.H): transactional config/variant/version/member/proposal/audit
// mutation over Postgres, with optimistic version checks and a
// post-commit event-publish hook.
//
// Built on pgxpool.Pool exactly the way the teacher's
// internal/database/postgres.PostgresPool wraps it — same
// Connect/Health/Begin shape — generalized from alert storage to
// config storage. The write sequence (load at expected version →
// validate → persist in one transaction → append an audit row) is
// grounded on other_examples' cfguardian UpdateConfigUseCase.Execute.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/domain"
)

// EventPublisher is the post-commit hook: notify is scheduled after a
// mutation's transaction commits, never inside it. Implemented by
// internal/eventbus.Client in production; stubbed in tests.
type EventPublisher interface {
	Notify(ctx context.Context, configID string, version int64, kind string) error
}

// Store is the primary store adapter.
type Store struct {
	pool    *pgxpool.Pool
	publish EventPublisher
}

// New constructs a Store over an already-connected pool.
func New(pool *pgxpool.Pool, publish EventPublisher) *Store {
	return &Store{pool: pool, publish: publish}
}

// GetConfig loads a config by (projectID, name), including its
// variants and members, or apierr.NotFound if absent.
func (s *Store) GetConfig(ctx context.Context, projectID, name string) (*domain.Config, error) {
	var cfg domain.Config
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, description, value, schema, overrides, version
		FROM configs WHERE project_id = $1 AND name = $2
	`, projectID, name).Scan(&cfg.ID, &cfg.ProjectID, &cfg.Name, &cfg.Description,
		jsonScan{&cfg.Value}, jsonScan{&cfg.Schema}, jsonScan{&cfg.Overrides}, &cfg.Version)
	if err == pgx.ErrNoRows {
		return nil, apierr.NotFound("config")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: loading config: %w", err)
	}

	cfg.Variants, err = s.loadVariants(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	cfg.Members, err = s.loadMembers(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) loadVariants(ctx context.Context, configID string) (map[string]domain.Variant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT environment_id, value, schema, use_base_schema, overrides
		FROM config_variants WHERE config_id = $1 AND environment_id IS NOT NULL
	`, configID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading variants: %w", err)
	}
	defer rows.Close()

	out := map[string]domain.Variant{}
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.EnvironmentID, jsonScan{&v.Value}, jsonScan{&v.Schema}, &v.UseBaseSchema, jsonScan{&v.Overrides}); err != nil {
			return nil, fmt.Errorf("postgres: scanning variant: %w", err)
		}
		out[v.EnvironmentID] = v
	}
	return out, rows.Err()
}

func (s *Store) loadMembers(ctx context.Context, configID string) ([]domain.Member, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, email, role FROM config_members WHERE config_id = $1`, configID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading members: %w", err)
	}
	defer rows.Close()

	var out []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.UserID, &m.Email, &m.Role); err != nil {
			return nil, fmt.Errorf("postgres: scanning member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateConfig inserts a new config at version 1, with its base
// variant, any environment variants, and initial members, appending a
// config_created audit entry and scheduling a post-commit event.
func (s *Store) CreateConfig(ctx context.Context, cfg *domain.Config, actorID string) (*domain.Config, error) {
	cfg.ID = uuid.NewString()
	cfg.Version = 1

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.insertConfigRow(ctx, tx, cfg); err != nil {
		return nil, err
	}
	if err := s.replaceVariants(ctx, tx, cfg); err != nil {
		return nil, err
	}
	if err := s.replaceMembers(ctx, tx, cfg.ID, cfg.Members); err != nil {
		return nil, err
	}
	if err := s.appendVersion(ctx, tx, cfg, actorID, ""); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, tx, cfg.ProjectID, cfg.ID, domain.AuditConfigCreated, actorID, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}

	s.notifyBestEffort(cfg.ID, cfg.Version, "upsert")
	return cfg, nil
}

// UpdateConfig persists the full desired state of cfg, failing with
// apierr.StaleVersion if the stored version does not match
// expectedVersion. proposalID is non-empty when this write is the
// apply step of an approved proposal (used only for the audit trail
// and version row; cascade rejection of other proposals is the
// caller's — internal/configsvc's — responsibility).
func (s *Store) UpdateConfig(ctx context.Context, cfg *domain.Config, expectedVersion int64, actorID, proposalID string) (*domain.Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM configs WHERE id = $1 FOR UPDATE`, cfg.ID).Scan(&current)
	if err == pgx.ErrNoRows {
		return nil, apierr.NotFound("config")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: locking config: %w", err)
	}
	if current != expectedVersion {
		return nil, apierr.StaleVersion(expectedVersion, current)
	}

	cfg.Version = current + 1
	if err := s.updateConfigRow(ctx, tx, cfg); err != nil {
		return nil, err
	}
	if err := s.replaceVariants(ctx, tx, cfg); err != nil {
		return nil, err
	}
	if err := s.replaceMembers(ctx, tx, cfg.ID, cfg.Members); err != nil {
		return nil, err
	}
	if err := s.appendVersion(ctx, tx, cfg, actorID, proposalID); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, tx, cfg.ProjectID, cfg.ID, domain.AuditConfigUpdated, actorID, map[string]any{"proposalId": proposalID}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}

	s.notifyBestEffort(cfg.ID, cfg.Version, "upsert")
	return cfg, nil
}

// DeleteConfig removes a config (and, via ON DELETE CASCADE, its
// variants/members) after checking expectedVersion, appending a
// config_deleted audit entry.
func (s *Store) DeleteConfig(ctx context.Context, configID, projectID string, expectedVersion int64, actorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM configs WHERE id = $1 FOR UPDATE`, configID).Scan(&current)
	if err == pgx.ErrNoRows {
		return apierr.NotFound("config")
	}
	if err != nil {
		return fmt.Errorf("postgres: locking config: %w", err)
	}
	if current != expectedVersion {
		return apierr.StaleVersion(expectedVersion, current)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM configs WHERE id = $1`, configID); err != nil {
		return fmt.Errorf("postgres: deleting config: %w", err)
	}
	if err := s.appendAudit(ctx, tx, projectID, configID, domain.AuditConfigDeleted, actorID, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}

	s.notifyBestEffort(configID, current+1, "delete")
	return nil
}

func (s *Store) insertConfigRow(ctx context.Context, tx pgx.Tx, cfg *domain.Config) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO configs (id, project_id, name, description, value, schema, overrides, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cfg.ID, cfg.ProjectID, cfg.Name, cfg.Description,
		mustJSON(cfg.Value), mustJSON(cfg.Schema), mustJSON(cfg.Overrides), cfg.Version)
	if err != nil {
		return fmt.Errorf("postgres: inserting config: %w", err)
	}
	return nil
}

func (s *Store) updateConfigRow(ctx context.Context, tx pgx.Tx, cfg *domain.Config) error {
	_, err := tx.Exec(ctx, `
		UPDATE configs SET description = $2, value = $3, schema = $4, overrides = $5, version = $6
		WHERE id = $1
	`, cfg.ID, cfg.Description, mustJSON(cfg.Value), mustJSON(cfg.Schema), mustJSON(cfg.Overrides), cfg.Version)
	if err != nil {
		return fmt.Errorf("postgres: updating config: %w", err)
	}
	return nil
}

func (s *Store) replaceVariants(ctx context.Context, tx pgx.Tx, cfg *domain.Config) error {
	if _, err := tx.Exec(ctx, `DELETE FROM config_variants WHERE config_id = $1 AND environment_id IS NOT NULL`, cfg.ID); err != nil {
		return fmt.Errorf("postgres: clearing variants: %w", err)
	}
	for envID, v := range cfg.Variants {
		_, err := tx.Exec(ctx, `
			INSERT INTO config_variants (config_id, environment_id, value, schema, use_base_schema, overrides)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, cfg.ID, envID, mustJSON(v.Value), mustJSON(v.Schema), v.UseBaseSchema, mustJSON(v.Overrides))
		if err != nil {
			return fmt.Errorf("postgres: inserting variant %s: %w", envID, err)
		}
	}
	return nil
}

func (s *Store) replaceMembers(ctx context.Context, tx pgx.Tx, configID string, members []domain.Member) error {
	if _, err := tx.Exec(ctx, `DELETE FROM config_members WHERE config_id = $1`, configID); err != nil {
		return fmt.Errorf("postgres: clearing members: %w", err)
	}
	for _, m := range members {
		_, err := tx.Exec(ctx, `
			INSERT INTO config_members (config_id, user_id, email, role) VALUES ($1, $2, $3, $4)
		`, configID, m.UserID, m.Email, m.Role)
		if err != nil {
			return fmt.Errorf("postgres: inserting member %s: %w", m.UserID, err)
		}
	}
	return nil
}

func (s *Store) appendVersion(ctx context.Context, tx pgx.Tx, cfg *domain.Config, actorID, proposalID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO config_versions (config_id, version, description, base, environments, members, author_user_id, proposal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, cfg.ID, cfg.Version, cfg.Description, mustJSON(cfg.BaseVariant()), mustJSON(cfg.Variants), mustJSON(cfg.Members),
		nullString(actorID), nullString(proposalID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: appending version: %w", err)
	}
	return nil
}

func (s *Store) appendAudit(ctx context.Context, tx pgx.Tx, projectID, configID string, kind domain.AuditKind, actorID string, payload map[string]any) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (id, project_id, config_id, kind, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), projectID, configID, kind, actorID, mustJSON(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: appending audit entry: %w", err)
	}
	return nil
}

// notifyBestEffort publishes the event bus notification for a commit.
// Per spec.md §5, post-commit effects run after the transaction
// succeeds and never roll it back on failure; a failed notify is
// repaired by the replication pipeline's periodic snapshot.
func (s *Store) notifyBestEffort(configID string, version int64, kind string) {
	if s.publish == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.publish.Notify(ctx, configID, version, kind)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable for values this package itself constructs;
		// a marshal failure here means a programmer error upstream.
		panic(fmt.Sprintf("postgres: marshaling %T: %v", v, err))
	}
	return b
}

// jsonScan adapts a destination pointer to pgx's Scan, decoding a JSON
// (or JSONB) column into it.
type jsonScan struct {
	dest any
}

func (j jsonScan) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("jsonScan: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, j.dest)
}
