package postgres

import (
	"context"
	"fmt"

	"github.com/meridianhq/configurator/internal/domain"
)

// ConfigSnapshot is one row of a full snapshot pull: a config's base
// variant plus its environment variants, shaped for
// internal/replication to hand to internal/replica.UpsertConfigs
// without that package needing to know about pgx.
type ConfigSnapshot struct {
	ID        string
	ProjectID string
	Name      string
	Version   int64
	Value     any
	Overrides []domain.Override
	Variants  map[string]domain.Variant
}

// PullBatch returns up to limit configs ordered by id, keyset-paginated
// on afterID ("" for the first page), for the replication pipeline's
// periodic full snapshot pull (spec.md §4.K). more is true when another
// page remains.
func (s *Store) PullBatch(ctx context.Context, afterID string, limit int) (batch []ConfigSnapshot, lastID string, more bool, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, value, overrides, version
		FROM configs WHERE id > $1 ORDER BY id LIMIT $2
	`, afterID, limit+1)
	if err != nil {
		return nil, "", false, fmt.Errorf("postgres: pulling snapshot batch: %w", err)
	}
	defer rows.Close()

	var ids []string
	snapshots := map[string]*ConfigSnapshot{}
	for rows.Next() {
		var snap ConfigSnapshot
		if err := rows.Scan(&snap.ID, &snap.ProjectID, &snap.Name, jsonScan{&snap.Value}, jsonScan{&snap.Overrides}, &snap.Version); err != nil {
			return nil, "", false, fmt.Errorf("postgres: scanning snapshot row: %w", err)
		}
		ids = append(ids, snap.ID)
		snapshots[snap.ID] = &snap
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, err
	}

	if len(ids) > limit {
		more = true
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, afterID, false, nil
	}
	lastID = ids[len(ids)-1]

	for _, id := range ids {
		variants, err := s.loadVariants(ctx, id)
		if err != nil {
			return nil, "", false, err
		}
		snapshots[id].Variants = variants
		batch = append(batch, *snapshots[id])
	}
	return batch, lastID, more, nil
}

// GetConfigByID loads a config by primary key, used by the replication
// pipeline to re-materialize the full row behind an incremental event
// (whose NOTIFY payload carries only id/version/kind).
func (s *Store) GetConfigByID(ctx context.Context, id string) (*domain.Config, error) {
	var cfg domain.Config
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, description, value, schema, overrides, version
		FROM configs WHERE id = $1
	`, id).Scan(&cfg.ID, &cfg.ProjectID, &cfg.Name, &cfg.Description,
		jsonScan{&cfg.Value}, jsonScan{&cfg.Schema}, jsonScan{&cfg.Overrides}, &cfg.Version)
	if err != nil {
		return nil, err
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
