// Package replication implements the replica-side pipeline (spec.md
// §4.K): a single coordinator goroutine that keeps an
// internal/replica.Store in sync with the primary via an interleaved
// snapshot-pull / event-step / consumer-cleanup / last-used-report
// loop.
//
// Structured the way the teacher's internal/realtime.DefaultEventBus
// structures its broadcast worker: one goroutine owns the target
// (there, subscriber fan-out; here, the replica store), driven by a
// ticker-based select loop with a context-cancel and explicit Stop
// drain, generalized from fan-out broadcasting to pull-then-apply
// replication.
package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/configurator/internal/domain"
	"github.com/meridianhq/configurator/internal/eventbus"
	"github.com/meridianhq/configurator/internal/replica"
	"github.com/meridianhq/configurator/internal/store/postgres"
)

// Config carries the tunables spec.md §4.K names explicitly, all with
// its documented defaults.
type Config struct {
	PullInterval              time.Duration
	DumpBatchSize             int
	StepInterval              time.Duration
	StepEventsCount           int
	CleanupFrequency          int // in pulls
	LastUsedAtCutoff          time.Duration
	LastUsedAtReportFrequency int // in pulls
}

// DefaultConfig returns production defaults; development flips
// StepInterval to 500ms per spec.md §4.K.
func DefaultConfig(development bool) Config {
	step := 100 * time.Millisecond
	if development {
		step = 500 * time.Millisecond
	}
	return Config{
		PullInterval:              5 * time.Minute,
		DumpBatchSize:             1000,
		StepInterval:              step,
		StepEventsCount:           1000,
		CleanupFrequency:          128,
		LastUsedAtCutoff:          24 * time.Hour,
		LastUsedAtReportFrequency: 128,
	}
}

// SnapshotSource pulls the primary's full config set in pages and
// re-fetches individual rows behind incremental events. Satisfied by
// *internal/store/postgres.Store.
type SnapshotSource interface {
	PullBatch(ctx context.Context, afterID string, limit int) (batch []postgres.ConfigSnapshot, lastID string, more bool, err error)
	GetConfigByID(ctx context.Context, id string) (*domain.Config, error)
}

// ConsumerRegistry is the primary-side bookkeeping for replica reader
// identities: creation, idle cleanup, and last-used reporting.
// Satisfied by *internal/store/postgres.Store.
type ConsumerRegistry interface {
	CreateConsumer(ctx context.Context) (string, error)
	IsConsumerValid(ctx context.Context, consumerID string) (bool, error)
	ReportLastUsed(ctx context.Context, consumerID string, at time.Time) error
	CleanupIdleConsumers(ctx context.Context, cutoff time.Time) error
}

// CleanupLocker guards the idle-consumer cleanup sweep so that only one
// reader process runs it at a time when several readers share the same
// cleanup cadence against the same primary. Satisfied by
// *internal/distlock.Lock. Nil disables locking (cleanup always runs,
// as in a single-reader deployment).
type CleanupLocker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Coordinator runs the replication loop described above.
type Coordinator struct {
	cfg          Config
	snapshot     SnapshotSource
	events       *eventbus.Client
	registry     ConsumerRegistry
	replica      *replica.Store
	cleanupLock  CleanupLocker
	logger       *slog.Logger

	consumerID string
	pullCount  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, snapshot SnapshotSource, events *eventbus.Client, registry ConsumerRegistry, target *replica.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, snapshot: snapshot, events: events, registry: registry, replica: target, logger: logger}
}

// WithCleanupLock attaches a lock guarding the idle-consumer cleanup
// sweep. Intended for deployments that run more than one reader
// process against the same primary.
func (c *Coordinator) WithCleanupLock(lock CleanupLocker) *Coordinator {
	c.cleanupLock = lock
	return c
}

// Start acquires (or restores) a consumer id, performs an initial
// snapshot pull, and launches the background loop.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.acquireConsumer(ctx); err != nil {
		cancel()
		return err
	}
	if err := c.fullPull(ctx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
}

// acquireConsumer restores the persisted consumer id from the replica,
// validating it against the primary; a missing or invalidated consumer
// forces a cold start (spec.md §4.K "Cold start").
func (c *Coordinator) acquireConsumer(ctx context.Context) error {
	id, ok, err := c.replica.GetConsumerID(ctx)
	if err != nil {
		return err
	}
	if ok {
		valid, err := c.registry.IsConsumerValid(ctx, id)
		if err != nil {
			return err
		}
		if valid {
			c.consumerID = id
			return nil
		}
		c.logger.Warn("replication: consumer id invalidated by primary, cold-starting", "consumerId", id)
		if err := c.replica.Clear(ctx); err != nil {
			return err
		}
	}

	id, err = c.registry.CreateConsumer(ctx)
	if err != nil {
		return err
	}
	c.consumerID = id
	return c.replica.SetConsumerID(ctx, id)
}

// runCleanupSweep runs CleanupIdleConsumers, first acquiring
// cleanupLock if one is configured. A failed or lost acquisition just
// skips this sweep — another reader holds it, or will run its own on
// its next tick.
func (c *Coordinator) runCleanupSweep(ctx context.Context) {
	if c.cleanupLock != nil {
		acquired, err := c.cleanupLock.TryAcquire(ctx)
		if err != nil {
			c.logger.Error("replication: acquiring cleanup lock failed", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := c.cleanupLock.Release(ctx); err != nil {
				c.logger.Error("replication: releasing cleanup lock failed", "error", err)
			}
		}()
	}

	cutoff := time.Now().UTC().Add(-c.cfg.LastUsedAtCutoff)
	if err := c.registry.CleanupIdleConsumers(ctx, cutoff); err != nil {
		c.logger.Error("replication: consumer cleanup failed", "error", err)
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	pullTick := time.NewTicker(c.cfg.PullInterval)
	defer pullTick.Stop()
	stepTick := time.NewTicker(c.cfg.StepInterval)
	defer stepTick.Stop()

	events, unsubscribe := c.events.Subscribe(ctx, c.cfg.StepEventsCount*4)
	defer unsubscribe()

	var mu sync.Mutex
	var pending []eventbus.Event
	go func() {
		for evt := range events {
			mu.Lock()
			pending = append(pending, evt)
			mu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pullTick.C:
			c.pullCount++
			if err := c.fullPull(ctx); err != nil {
				c.logger.Error("replication: snapshot pull failed", "error", err)
			}
			if c.pullCount%c.cfg.CleanupFrequency == 0 {
				c.runCleanupSweep(ctx)
			}
			if c.pullCount%c.cfg.LastUsedAtReportFrequency == 0 {
				if err := c.registry.ReportLastUsed(ctx, c.consumerID, time.Now().UTC()); err != nil {
					c.logger.Error("replication: reporting last_used_at failed", "error", err)
				}
			}

		case <-stepTick.C:
			mu.Lock()
			n := len(pending)
			if n > c.cfg.StepEventsCount {
				n = c.cfg.StepEventsCount
			}
			batch := append([]eventbus.Event(nil), pending[:n]...)
			pending = pending[n:]
			mu.Unlock()

			if len(batch) == 0 {
				continue
			}
			if err := c.applyEvents(ctx, batch); err != nil {
				c.logger.Error("replication: applying incremental events failed", "error", err)
			}
		}
	}
}

// fullPull drains the primary in DumpBatchSize pages, upserting each
// page as it arrives and tracking every id seen so tombstones (configs
// deleted since the last pull) can be applied once the snapshot is
// complete.
func (c *Coordinator) fullPull(ctx context.Context) error {
	liveIDs := map[string]struct{}{}
	afterID := ""
	for {
		batch, lastID, more, err := c.snapshot.PullBatch(ctx, afterID, c.cfg.DumpBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		configs := make([]replica.ConfigReplica, 0, len(batch))
		variants := map[string][]replica.VariantReplica{}
		for _, snap := range batch {
			liveIDs[snap.ID] = struct{}{}
			configs = append(configs, replica.ConfigReplica{ID: snap.ID, ProjectID: snap.ProjectID, Name: snap.Name, Version: snap.Version})
			variants[snap.ID] = variantsOf(snap)
		}
		if err := c.replica.UpsertConfigs(ctx, configs, variants); err != nil {
			return err
		}

		afterID = lastID
		if !more {
			break
		}
	}
	return c.replica.ApplyTombstones(ctx, liveIDs)
}

// applyEvents re-fetches the current row for each distinct config
// touched by batch and upserts it; a "delete" event removes the config
// directly. A config whose re-fetch fails (for example one deleted
// between notification and fetch) is skipped and left for the next
// full pull to reconcile.
func (c *Coordinator) applyEvents(ctx context.Context, batch []eventbus.Event) error {
	seen := map[string]struct{}{}
	for _, evt := range batch {
		if _, ok := seen[evt.ConfigID]; ok {
			continue
		}
		seen[evt.ConfigID] = struct{}{}

		if evt.Kind == "delete" {
			if err := c.replica.DeleteConfig(ctx, evt.ConfigID); err != nil {
				return err
			}
			continue
		}

		cfg, err := c.snapshot.GetConfigByID(ctx, evt.ConfigID)
		if err != nil {
			continue // likely deleted after the notify fired; the next full pull reconciles it
		}
		err = c.replica.UpsertConfigs(ctx,
			[]replica.ConfigReplica{{ID: cfg.ID, ProjectID: cfg.ProjectID, Name: cfg.Name, Version: cfg.Version}},
			map[string][]replica.VariantReplica{cfg.ID: variantsOfConfig(cfg)})
		if err != nil {
			return err
		}
	}
	return nil
}

func variantsOf(snap postgres.ConfigSnapshot) []replica.VariantReplica {
	out := []replica.VariantReplica{{ConfigID: snap.ID, Value: snap.Value, Overrides: snap.Overrides}}
	for envID, v := range snap.Variants {
		out = append(out, replica.VariantReplica{ConfigID: snap.ID, EnvironmentID: envID, Value: v.Value, Overrides: v.Overrides})
	}
	return out
}

func variantsOfConfig(cfg *domain.Config) []replica.VariantReplica {
	out := []replica.VariantReplica{{ConfigID: cfg.ID, Value: cfg.Value, Overrides: cfg.Overrides}}
	for envID, v := range cfg.Variants {
		out = append(out, replica.VariantReplica{ConfigID: cfg.ID, EnvironmentID: envID, Value: v.Value, Overrides: v.Overrides})
	}
	return out
}
