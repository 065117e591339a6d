package replica

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/configurator/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "replica.db"), nil, 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// openCachedTestStore opens a store with the read cache enabled, the
// way cmd/server/main.go does in production (cacheSize 1024).
func openCachedTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "replica.db"), nil, 1024)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 1}}
	variants := map[string][]VariantReplica{
		"c1": {{ConfigID: "c1", Value: "base-value", Overrides: []domain.Override{{Name: "ov"}}}},
	}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	v, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base-value", v.Value)
}

func TestUpsertConfigs_IgnoresStaleVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 5}}
	variants := map[string][]VariantReplica{"c1": {{ConfigID: "c1", Value: "v5"}}}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	stale := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 3}}
	staleVariants := map[string][]VariantReplica{"c1": {{ConfigID: "c1", Value: "v3"}}}
	require.NoError(t, s.UpsertConfigs(ctx, stale, staleVariants))

	v, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v5", v.Value)
}

func TestGetEnvironmentalConfig_FallsBackToBase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 1}}
	variants := map[string][]VariantReplica{"c1": {{ConfigID: "c1", Value: "base-value"}}}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	v, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "base-value", v.Value)
}

func TestGetEnvironmentalConfig_MissingReturnsNotOK(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetEnvironmentalConfig(context.Background(), "p1", "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 1}}
	variants := map[string][]VariantReplica{"c1": {{ConfigID: "c1", Value: "v"}}}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	require.NoError(t, s.DeleteConfig(ctx, "c1"))
	_, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	configs := []ConfigReplica{
		{ID: "c1", ProjectID: "p1", Name: "a", Version: 1},
		{ID: "c2", ProjectID: "p1", Name: "b", Version: 1},
	}
	variants := map[string][]VariantReplica{"c1": {{ConfigID: "c1", Value: "va"}}, "c2": {{ConfigID: "c2", Value: "vb"}}}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	require.NoError(t, s.ApplyTombstones(ctx, map[string]struct{}{"c1": {}}))

	_, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "a", "")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.GetEnvironmentalConfig(ctx, "p1", "b", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetEnvironmentalConfig_CacheInvalidatedOnUpsert(t *testing.T) {
	s := openCachedTestStore(t)
	ctx := context.Background()

	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 1}}
	variants := map[string][]VariantReplica{
		"c1": {{ConfigID: "c1", EnvironmentID: "env-prod", Value: "v1"}},
	}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	v, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v.Value)

	configsV2 := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 2}}
	variantsV2 := map[string][]VariantReplica{
		"c1": {{ConfigID: "c1", EnvironmentID: "env-prod", Value: "v2"}},
	}
	require.NoError(t, s.UpsertConfigs(ctx, configsV2, variantsV2))

	v, ok, err = s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v.Value, "env-scoped cache entry must be invalidated by a version-bumping upsert")
}

func TestGetEnvironmentalConfig_CacheInvalidatedOnDelete(t *testing.T) {
	s := openCachedTestStore(t)
	ctx := context.Background()

	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 1}}
	variants := map[string][]VariantReplica{
		"c1": {{ConfigID: "c1", EnvironmentID: "env-prod", Value: "v1"}},
	}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	_, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.DeleteConfig(ctx, "c1"))

	_, ok, err = s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	assert.False(t, ok, "env-scoped cache entry must be invalidated by delete")
}

func TestGetEnvironmentalConfig_CacheInvalidatedOnTombstone(t *testing.T) {
	s := openCachedTestStore(t)
	ctx := context.Background()

	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "feature-x", Version: 1}}
	variants := map[string][]VariantReplica{
		"c1": {{ConfigID: "c1", EnvironmentID: "env-prod", Value: "v1"}},
	}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))

	_, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ApplyTombstones(ctx, map[string]struct{}{}))

	_, ok, err = s.GetEnvironmentalConfig(ctx, "p1", "feature-x", "env-prod")
	require.NoError(t, err)
	assert.False(t, ok, "env-scoped cache entry must be invalidated by tombstone cleanup")
}

func TestConsumerIDRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, ok, err := s.GetConsumerID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetConsumerID(ctx, "consumer-1"))
	id, ok, err := s.GetConsumerID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "consumer-1", id)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	configs := []ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "a", Version: 1}}
	variants := map[string][]VariantReplica{"c1": {{ConfigID: "c1", Value: "v"}}}
	require.NoError(t, s.UpsertConfigs(ctx, configs, variants))
	require.NoError(t, s.SetConsumerID(ctx, "consumer-1"))

	require.NoError(t, s.Clear(ctx))

	_, ok, err := s.GetEnvironmentalConfig(ctx, "p1", "a", "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetConsumerID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
