package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTryAcquire_SucceedsWhenUnheld(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	lock := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquire_FailsWhenAlreadyHeld(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	first := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	second := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelease_AllowsReacquisition(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	lock := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx))

	other := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err = other.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_DoesNotDropAnotherHoldersLock(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	first := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stale := New(client, "cleanup_sweep", 30*time.Second, nil)
	require.NoError(t, stale.Release(ctx))

	second := New(client, "cleanup_sweep", 30*time.Second, nil)
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "first holder's lock must survive a release from a non-owner")
}
