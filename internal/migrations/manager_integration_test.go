//go:build integration

package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("configurator"),
		tcpostgres.WithUsername("configurator"),
		tcpostgres.WithPassword("configurator"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	mgr, err := New(Config{DSN: dsn, Dir: "../../migrations"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestManager_UpAppliesEveryMigration(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Up(ctx))

	version, err := mgr.Version(ctx)
	require.NoError(t, err)
	assert.Greater(t, version, int64(0))
}

func TestManager_DownRollsBackLastMigration(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Up(ctx))
	before, err := mgr.Version(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.Down(ctx))
	after, err := mgr.Version(ctx)
	require.NoError(t, err)

	assert.Less(t, after, before)
}

func TestManager_CreateWritesAGooseStub(t *testing.T) {
	mgr := &Manager{cfg: Config{Dir: t.TempDir()}}
	path, err := mgr.Create("add_widgets_table")
	require.NoError(t, err)
	assert.FileExists(t, path)
}
