// Package replica implements the local embedded replica store: a
// single-process, single-writer SQLite database that the replication
// pipeline (internal/replication) keeps in sync with the primary, and
// that reads are served from on reader processes.
//
// Adapted directly from the teacher's internal/storage/sqlite.SQLiteStorage
// (WAL mode, directory-traversal guard, 0600 file permissions, pure-Go
// modernc.org/sqlite driver) — generalized from a single flat alerts
// table to configs/config_variants/kv, with upsert semantics keyed on a
// version guard instead of idempotent-by-fingerprint replace.
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianhq/configurator/internal/domain"
)

// ConfigReplica is one row of the replicated configs table: enough to
// reconstruct a Config's identity and version without its variants.
type ConfigReplica struct {
	ID        string
	ProjectID string
	Name      string
	Version   int64
}

// VariantReplica is one row of config_variants: EnvironmentID is empty
// for the base variant.
type VariantReplica struct {
	ConfigID      string
	EnvironmentID string
	Value         any
	Overrides     []domain.Override
}

// Store is the embedded replica database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex

	cache *lru.Cache[string, VariantReplica]
}

// Open creates or opens the replica database at path, initializing its
// schema if necessary. cacheSize of 0 disables the in-memory read
// cache.
func Open(ctx context.Context, path string, logger *slog.Logger, cacheSize int) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("replica: path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("replica: invalid path contains '..': %s", path)
	}
	for _, prefix := range []string{"/etc", "/sys", "/proc", "/dev"} {
		if strings.HasPrefix(path, prefix) {
			return nil, fmt.Errorf("replica: forbidden path prefix %s: %s", prefix, path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("replica: creating directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("replica: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: enabling foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cacheSize > 0 {
		c, err := lru.New[string, VariantReplica](cacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("replica: building read cache: %w", err)
		}
		s.cache = c
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("replica: failed to set file permissions to 0600", "path", path, "error", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS configs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    version INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_configs_project_name ON configs(project_id, name);

CREATE TABLE IF NOT EXISTS config_variants (
    config_id TEXT NOT NULL,
    environment_id TEXT,
    value TEXT NOT NULL,
    overrides TEXT NOT NULL,
    FOREIGN KEY (config_id) REFERENCES configs(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_variants_config_env
    ON config_variants(config_id, IFNULL(environment_id, ''));

CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("replica: initializing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// UpsertConfigs inserts or replaces configs and their variants by id,
// ignoring any record whose version is less than or equal to the
// currently stored version (stale-event protection). All rows are
// applied inside a single transaction.
func (s *Store) UpsertConfigs(ctx context.Context, configs []ConfigReplica, variants map[string][]VariantReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replica: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range configs {
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM configs WHERE id = ?`, c.ID).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("replica: reading stored version for %s: %w", c.ID, err)
		}
		if err == nil && c.Version <= stored {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO configs (id, project_id, name, version) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET project_id = excluded.project_id, name = excluded.name, version = excluded.version
		`, c.ID, c.ProjectID, c.Name, c.Version); err != nil {
			return fmt.Errorf("replica: upserting config %s: %w", c.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM config_variants WHERE config_id = ?`, c.ID); err != nil {
			return fmt.Errorf("replica: clearing variants for %s: %w", c.ID, err)
		}
		for _, v := range variants[c.ID] {
			if err := s.insertVariant(ctx, tx, v); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	// The cache keys on (projectID, configName, environmentID), so a
	// version bump invalidates one entry per environment the config has
	// ever been read under, not just the base-variant key. Purge the
	// whole cache rather than track every environment a config has been
	// served for.
	if s.cache != nil {
		s.cache.Purge()
	}
	return nil
}

func (s *Store) insertVariant(ctx context.Context, tx *sql.Tx, v VariantReplica) error {
	valueJSON, err := json.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("replica: marshaling variant value: %w", err)
	}
	overridesJSON, err := json.Marshal(v.Overrides)
	if err != nil {
		return fmt.Errorf("replica: marshaling variant overrides: %w", err)
	}

	var envID any
	if v.EnvironmentID != "" {
		envID = v.EnvironmentID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_variants (config_id, environment_id, value, overrides) VALUES (?, ?, ?, ?)
	`, v.ConfigID, envID, string(valueJSON), string(overridesJSON))
	if err != nil {
		return fmt.Errorf("replica: inserting variant: %w", err)
	}
	return nil
}

// DeleteConfig removes a config and its variants.
func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replica: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM config_variants WHERE config_id = ?`, id); err != nil {
		return fmt.Errorf("replica: deleting variants for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM configs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("replica: deleting config %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return nil
}

// ApplyTombstones deletes every replica config id not present in
// liveIDs, used after a full snapshot pull to remove configs deleted on
// the primary since the last pull.
func (s *Store) ApplyTombstones(ctx context.Context, liveIDs map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM configs`)
	if err != nil {
		return fmt.Errorf("replica: listing config ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("replica: scanning config id: %w", err)
		}
		if _, ok := liveIDs[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replica: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM config_variants WHERE config_id = ?`, id); err != nil {
			return fmt.Errorf("replica: tombstone variants %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM configs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("replica: tombstone config %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.cache != nil && len(stale) > 0 {
		s.cache.Purge()
	}
	return nil
}

// GetEnvironmentalConfig returns the variant for environmentID if
// present, else the base variant, else ok=false if neither exists.
func (s *Store) GetEnvironmentalConfig(ctx context.Context, projectID, configName, environmentID string) (VariantReplica, bool, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey(projectID, configName, environmentID)); ok {
			return v, true, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var configID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM configs WHERE project_id = ? AND name = ?`, projectID, configName).Scan(&configID)
	if err == sql.ErrNoRows {
		return VariantReplica{}, false, nil
	}
	if err != nil {
		return VariantReplica{}, false, fmt.Errorf("replica: looking up config: %w", err)
	}

	v, ok, err := s.queryVariant(ctx, configID, environmentID)
	if err != nil {
		return VariantReplica{}, false, err
	}
	if !ok && environmentID != "" {
		v, ok, err = s.queryVariant(ctx, configID, "")
		if err != nil {
			return VariantReplica{}, false, err
		}
	}
	if ok && s.cache != nil {
		s.cache.Add(cacheKey(projectID, configName, environmentID), v)
	}
	return v, ok, nil
}

func (s *Store) queryVariant(ctx context.Context, configID, environmentID string) (VariantReplica, bool, error) {
	var envArg any
	if environmentID != "" {
		envArg = environmentID
	}

	var valueJSON, overridesJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT value, overrides FROM config_variants WHERE config_id = ? AND IFNULL(environment_id, '') = IFNULL(?, '')
	`, configID, envArg).Scan(&valueJSON, &overridesJSON)
	if err == sql.ErrNoRows {
		return VariantReplica{}, false, nil
	}
	if err != nil {
		return VariantReplica{}, false, fmt.Errorf("replica: querying variant: %w", err)
	}

	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return VariantReplica{}, false, fmt.Errorf("replica: unmarshaling variant value: %w", err)
	}
	var overrides []domain.Override
	if err := json.Unmarshal([]byte(overridesJSON), &overrides); err != nil {
		return VariantReplica{}, false, fmt.Errorf("replica: unmarshaling variant overrides: %w", err)
	}

	return VariantReplica{ConfigID: configID, EnvironmentID: environmentID, Value: value, Overrides: overrides}, true, nil
}

// GetConfigValue is a thin wrapper over GetEnvironmentalConfig
// returning only the resolved value.
func (s *Store) GetConfigValue(ctx context.Context, projectID, configName, environmentID string) (any, bool, error) {
	v, ok, err := s.GetEnvironmentalConfig(ctx, projectID, configName, environmentID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return v.Value, true, nil
}

// GetConsumerID returns the persisted event-bus consumer id, if any.
func (s *Store) GetConsumerID(ctx context.Context) (string, bool, error) {
	return s.getKV(ctx, "consumer_id")
}

// SetConsumerID persists the event-bus consumer id.
func (s *Store) SetConsumerID(ctx context.Context, id string) error {
	return s.setKV(ctx, "consumer_id", id)
}

func (s *Store) getKV(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("replica: reading kv %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) setKV(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("replica: writing kv %s: %w", key, err)
	}
	return nil
}

// Clear truncates all tables transactionally, used by tests and by a
// full-resync operator command.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replica: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"config_variants", "configs", "kv"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("replica: clearing %s: %w", table, err)
		}
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return tx.Commit()
}

func cacheKey(projectID, configName, environmentID string) string {
	return projectID + "\x00" + configName + "\x00" + environmentID
}
