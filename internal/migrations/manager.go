// Package migrations wraps pressly/goose for applying and inspecting
// the schema migrations under /migrations.
//
// Adapted from the teacher's internal/infrastructure/migrations.MigrationManager
// (same goose.SetDialect/Up/UpTo/Down/DownTo/Status/Version surface),
// trimmed of its backup manager, health checker, and hand-rolled CLI
// flag parser — cmd/migrate now drives this manager through cobra
// instead (see DESIGN.md).
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config controls where migrations live and how they connect.
type Config struct {
	DSN     string
	Dir     string
	Dialect string
}

// Manager drives goose against a database/sql connection opened with
// the pgx stdlib driver.
type Manager struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
}

// New opens a database/sql connection and constructs a Manager. Close
// must be called when done.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "postgres"
	}
	if cfg.Dir == "" {
		cfg.Dir = "migrations"
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("migrations: opening database connection: %w", err)
	}
	if err := goose.SetDialect(cfg.Dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: setting goose dialect: %w", err)
	}
	return &Manager{cfg: cfg, db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Up applies every pending migration.
func (m *Manager) Up(ctx context.Context) error {
	start := time.Now()
	if err := goose.UpContext(ctx, m.db, m.cfg.Dir); err != nil {
		return fmt.Errorf("migrations: applying migrations: %w", err)
	}
	m.logger.Info("migrations: up completed", "duration", time.Since(start))
	return nil
}

// UpTo applies migrations up to and including version.
func (m *Manager) UpTo(ctx context.Context, version int64) error {
	if err := goose.UpToContext(ctx, m.db, m.cfg.Dir, version); err != nil {
		return fmt.Errorf("migrations: applying migrations up to version %d: %w", version, err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := goose.DownContext(ctx, m.db, m.cfg.Dir); err != nil {
		return fmt.Errorf("migrations: rolling back migration: %w", err)
	}
	return nil
}

// DownTo rolls migrations back to version.
func (m *Manager) DownTo(ctx context.Context, version int64) error {
	if err := goose.DownToContext(ctx, m.db, m.cfg.Dir, version); err != nil {
		return fmt.Errorf("migrations: rolling back to version %d: %w", version, err)
	}
	return nil
}

// Status prints the applied/pending status of every migration to the
// logger and returns the current schema version.
func (m *Manager) Status(ctx context.Context) (int64, error) {
	if err := goose.StatusContext(ctx, m.db, m.cfg.Dir); err != nil {
		return 0, fmt.Errorf("migrations: getting status: %w", err)
	}
	return m.Version(ctx)
}

// Version returns the current applied schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("migrations: getting version: %w", err)
	}
	return version, nil
}

// Create writes a new timestamped, empty up/down migration file under
// Dir and returns its path.
func (m *Manager) Create(name string) (string, error) {
	return CreateFile(m.cfg.Dir, name)
}

// CreateFile writes a new timestamped, empty up/down migration file
// under dir and returns its path. It needs no database connection, so
// callers that only want to scaffold a migration can use it directly
// instead of constructing a Manager.
func CreateFile(dir, name string) (string, error) {
	if dir == "" {
		dir = "migrations"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("migrations: creating migrations dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%05d_%s.sql", time.Now().Unix(), name))
	content := "-- +goose Up\n\n-- +goose Down\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("migrations: writing migration file: %w", err)
	}
	return path, nil
}
