package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/configurator/internal/domain"
	"github.com/meridianhq/configurator/internal/eventbus"
	"github.com/meridianhq/configurator/internal/replica"
	"github.com/meridianhq/configurator/internal/store/postgres"
)

type fakeSnapshot struct {
	pages   [][]postgres.ConfigSnapshot
	byID    map[string]*domain.Config
	pullErr error
}

func (f *fakeSnapshot) PullBatch(_ context.Context, afterID string, limit int) ([]postgres.ConfigSnapshot, string, bool, error) {
	if f.pullErr != nil {
		return nil, "", false, f.pullErr
	}
	idx := 0
	for i, page := range f.pages {
		if page[0].ID > afterID || afterID == "" {
			idx = i
			break
		}
	}
	if idx >= len(f.pages) {
		return nil, afterID, false, nil
	}
	page := f.pages[idx]
	lastID := page[len(page)-1].ID
	more := idx < len(f.pages)-1
	return page, lastID, more, nil
}

func (f *fakeSnapshot) GetConfigByID(_ context.Context, id string) (*domain.Config, error) {
	cfg, ok := f.byID[id]
	if !ok {
		return nil, assert.AnError
	}
	return cfg, nil
}

type fakeRegistry struct {
	consumerID   string
	valid        bool
	cleanupCalls int
	reportCalls  int
}

func (r *fakeRegistry) CreateConsumer(context.Context) (string, error) { return "consumer-1", nil }
func (r *fakeRegistry) IsConsumerValid(_ context.Context, id string) (bool, error) {
	return r.valid && id == r.consumerID, nil
}
func (r *fakeRegistry) ReportLastUsed(context.Context, string, time.Time) error {
	r.reportCalls++
	return nil
}
func (r *fakeRegistry) CleanupIdleConsumers(context.Context, time.Time) error {
	r.cleanupCalls++
	return nil
}

func openTestReplica(t *testing.T) *replica.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := replica.Open(context.Background(), filepath.Join(dir, "replica.db"), nil, 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireConsumer_ColdStartWhenNoneStored(t *testing.T) {
	r := openTestReplica(t)
	reg := &fakeRegistry{}
	snap := &fakeSnapshot{pages: [][]postgres.ConfigSnapshot{{{ID: "c1", ProjectID: "p1", Name: "a", Version: 1}}}}
	c := New(DefaultConfig(false), snap, eventbus.New(eventbus.DefaultConfig(""), nil, nil, nil), reg, r, nil)

	require.NoError(t, c.acquireConsumer(context.Background()))
	assert.Equal(t, "consumer-1", c.consumerID)

	id, ok, err := r.GetConsumerID(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "consumer-1", id)
}

func TestAcquireConsumer_RestoresValidConsumer(t *testing.T) {
	r := openTestReplica(t)
	require.NoError(t, r.SetConsumerID(context.Background(), "existing"))
	reg := &fakeRegistry{consumerID: "existing", valid: true}
	snap := &fakeSnapshot{pages: [][]postgres.ConfigSnapshot{{{ID: "c1", ProjectID: "p1", Name: "a", Version: 1}}}}
	c := New(DefaultConfig(false), snap, eventbus.New(eventbus.DefaultConfig(""), nil, nil, nil), reg, r, nil)

	require.NoError(t, c.acquireConsumer(context.Background()))
	assert.Equal(t, "existing", c.consumerID)
}

func TestAcquireConsumer_ColdStartsWhenInvalidated(t *testing.T) {
	r := openTestReplica(t)
	require.NoError(t, r.SetConsumerID(context.Background(), "stale"))
	reg := &fakeRegistry{consumerID: "stale", valid: false}
	snap := &fakeSnapshot{pages: [][]postgres.ConfigSnapshot{{{ID: "c1", ProjectID: "p1", Name: "a", Version: 1}}}}
	c := New(DefaultConfig(false), snap, eventbus.New(eventbus.DefaultConfig(""), nil, nil, nil), reg, r, nil)

	require.NoError(t, c.acquireConsumer(context.Background()))
	assert.Equal(t, "consumer-1", c.consumerID)
}

func TestFullPull_UpsertsAcrossPagesAndAppliesTombstones(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertConfigs(ctx,
		[]replica.ConfigReplica{{ID: "stale", ProjectID: "p1", Name: "old", Version: 1}},
		map[string][]replica.VariantReplica{"stale": {{ConfigID: "stale", Value: "v"}}}))

	snap := &fakeSnapshot{pages: [][]postgres.ConfigSnapshot{
		{{ID: "c1", ProjectID: "p1", Name: "a", Version: 1, Value: "va"}},
		{{ID: "c2", ProjectID: "p1", Name: "b", Version: 1, Value: "vb"}},
	}}
	reg := &fakeRegistry{}
	c := New(DefaultConfig(false), snap, eventbus.New(eventbus.DefaultConfig(""), nil, nil, nil), reg, r, nil)

	require.NoError(t, c.fullPull(ctx))

	v, ok, err := r.GetEnvironmentalConfig(ctx, "p1", "a", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "va", v.Value)

	_, ok, err = r.GetEnvironmentalConfig(ctx, "p1", "old", "")
	require.NoError(t, err)
	assert.False(t, ok, "stale config absent from the snapshot must be tombstoned")
}

func TestApplyEvents_DeletedKindRemovesConfig(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertConfigs(ctx,
		[]replica.ConfigReplica{{ID: "c1", ProjectID: "p1", Name: "a", Version: 1}},
		map[string][]replica.VariantReplica{"c1": {{ConfigID: "c1", Value: "v"}}}))

	snap := &fakeSnapshot{byID: map[string]*domain.Config{}}
	c := New(DefaultConfig(false), snap, eventbus.New(eventbus.DefaultConfig(""), nil, nil, nil), &fakeRegistry{}, r, nil)

	require.NoError(t, c.applyEvents(ctx, []eventbus.Event{{ConfigID: "c1", Kind: "delete"}}))

	_, ok, err := r.GetEnvironmentalConfig(ctx, "p1", "a", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyEvents_DedupesMultipleEventsForSameConfig(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()
	snap := &fakeSnapshot{byID: map[string]*domain.Config{
		"c1": {ID: "c1", ProjectID: "p1", Name: "a", Version: 3, Value: "latest"},
	}}
	c := New(DefaultConfig(false), snap, eventbus.New(eventbus.DefaultConfig(""), nil, nil, nil), &fakeRegistry{}, r, nil)

	require.NoError(t, c.applyEvents(ctx, []eventbus.Event{
		{ConfigID: "c1", Version: 1, Kind: "upsert"},
		{ConfigID: "c1", Version: 3, Kind: "upsert"},
	}))

	v, ok, err := r.GetEnvironmentalConfig(ctx, "p1", "a", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "latest", v.Value)
}
