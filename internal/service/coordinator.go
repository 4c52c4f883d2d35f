package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"booru_mirror/internal/config"
	"booru_mirror/internal/domain"
	"booru_mirror/internal/metrics"
)

// NoCredentialsMessage is the error event text of a run aborted for lack of
// API credentials.
const NoCredentialsMessage = "No API credentials"

// Coordinator runs synchronization across all tracked sources. At most one
// run (full or repair) is active per Coordinator.
type Coordinator struct {
	syncer      SourceSyncer
	sources     SourceStore
	credentials CredentialStore
	sink        EventSink
	logger      *slog.Logger
	config      config.SyncConfig

	running atomic.Bool
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(
	syncer SourceSyncer,
	sources SourceStore,
	credentials CredentialStore,
	sink EventSink,
	logger *slog.Logger,
	cfg config.SyncConfig,
) *Coordinator {
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = 1
	}
	return &Coordinator{
		syncer:      syncer,
		sources:     sources,
		credentials: credentials,
		sink:        sink,
		logger:      logger,
		config:      cfg,
		sleep:       sleepCtx,
	}
}

// Running reports whether a run is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// SyncAll synchronizes every tracked source in batches of
// config.ConcurrentLimit. It returns nil, nil without doing anything when a
// run is already active. Per-source failures are reported through the sink
// and counted in RunStats; only run-level failures are returned.
func (c *Coordinator) SyncAll(ctx context.Context) (*domain.RunStats, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("sync already in progress, skipping")
		metrics.SyncRuns.WithLabelValues("full", "skipped").Inc()
		return nil, nil
	}

	startTime := time.Now()
	stats := &domain.RunStats{}
	result := "aborted"

	metrics.SyncInProgress.Set(1)
	defer func() {
		stats.Duration = time.Since(startTime)
		c.running.Store(false)
		metrics.SyncInProgress.Set(0)
		metrics.SyncRuns.WithLabelValues("full", result).Inc()
		c.emit(ctx, domain.NewEvent(domain.EventEnd, ""))
	}()

	c.emit(ctx, domain.NewEvent(domain.EventStart, ""))

	creds, err := c.loadCredentials(ctx)
	if err != nil {
		return stats, err
	}

	sources, err := c.sources.ListTracked(ctx)
	if err != nil {
		c.emit(ctx, domain.NewEvent(domain.EventError, fmt.Sprintf("list sources: %v", err)))
		return stats, fmt.Errorf("list tracked sources: %w", err)
	}
	stats.Sources = len(sources)

	c.logger.Info("starting sync run",
		"sources", len(sources),
		"concurrent_limit", c.config.ConcurrentLimit,
	)

	limit := c.config.ConcurrentLimit
	for start := 0; start < len(sources); start += limit {
		if start > 0 {
			if err := c.sleep(ctx, c.config.BatchDelay); err != nil {
				return stats, fmt.Errorf("wait between batches: %w", err)
			}
		}

		end := min(start+limit, len(sources))
		stats.Batches++
		c.runBatch(ctx, sources[start:end], *creds, stats)

		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("sync run interrupted: %w", err)
		}
	}

	result = "completed"
	c.logger.Info("sync run completed",
		"sources", stats.Sources,
		"batches", stats.Batches,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"new_posts", stats.NewPosts,
		"duration", time.Since(startTime),
	)

	return stats, nil
}

func (c *Coordinator) runBatch(ctx context.Context, batch []domain.Source, creds domain.Credentials, stats *domain.RunStats) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, src := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()

			srcStats, err := c.syncOne(ctx, src, creds, c.config.MaxPages)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				return
			}
			stats.Succeeded++
			stats.NewPosts += srcStats.Inserted
		}()
	}

	wg.Wait()
}

// syncOne runs the worker for src and reports the outcome to the sink.
func (c *Coordinator) syncOne(ctx context.Context, src domain.Source, creds domain.Credentials, maxPages int) (*domain.SyncStats, error) {
	startTime := time.Now()
	srcStats, err := c.syncer.SyncSource(ctx, src, creds, maxPages)
	metrics.SourceSyncDuration.WithLabelValues(src.ProviderID).Observe(time.Since(startTime).Seconds())

	if err != nil {
		metrics.SourceSyncs.WithLabelValues(src.ProviderID, "failed").Inc()
		c.logger.Error("source sync failed",
			"source_id", src.ID,
			"source", src.DisplayName(),
			"error", err,
		)
		event := domain.NewEvent(domain.EventError, fmt.Sprintf("%s: %v", src.DisplayName(), err))
		event.SourceID = src.ID
		event.SourceName = src.DisplayName()
		c.emit(ctx, event)
		return nil, err
	}

	metrics.SourceSyncs.WithLabelValues(src.ProviderID, "succeeded").Inc()
	event := domain.NewEvent(domain.EventProgress,
		fmt.Sprintf("%s: %d new posts", src.DisplayName(), srcStats.Inserted))
	event.SourceID = src.ID
	event.SourceName = src.DisplayName()
	c.emit(ctx, event)

	return srcStats, nil
}

// RepairOne re-scans the first pages of one source as if it had never been
// synchronized. The stored high-water mark is not reset; it only moves up
// through the regular progress update. Returns nil, nil when another run is
// active.
func (c *Coordinator) RepairOne(ctx context.Context, sourceID int64) (*domain.SyncStats, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("sync already in progress, skipping repair", "source_id", sourceID)
		metrics.SyncRuns.WithLabelValues("repair", "skipped").Inc()
		return nil, nil
	}

	result := "aborted"
	metrics.SyncInProgress.Set(1)
	defer func() {
		c.running.Store(false)
		metrics.SyncInProgress.Set(0)
		metrics.SyncRuns.WithLabelValues("repair", result).Inc()
		event := domain.NewEvent(domain.EventRepairEnd, "")
		event.SourceID = sourceID
		c.emit(ctx, event)
	}()

	src, err := c.sources.Get(ctx, sourceID)
	if err != nil {
		c.emit(ctx, domain.NewEvent(domain.EventError, fmt.Sprintf("source %d: %v", sourceID, err)))
		return nil, fmt.Errorf("get source %d: %w", sourceID, err)
	}

	start := domain.NewEvent(domain.EventRepairStart, src.DisplayName())
	start.SourceID = src.ID
	start.SourceName = src.DisplayName()
	c.emit(ctx, start)

	creds, err := c.loadCredentials(ctx)
	if err != nil {
		return nil, err
	}

	repair := *src
	repair.HighWaterMark = 0

	c.logger.Info("repairing source",
		"source_id", src.ID,
		"source", src.DisplayName(),
		"stored_high_water_mark", src.HighWaterMark,
		"max_pages", c.config.RepairMaxPages,
	)

	stats, err := c.syncOne(ctx, repair, *creds, c.config.RepairMaxPages)
	if err != nil {
		return nil, err
	}

	result = "completed"
	return stats, nil
}

// loadCredentials fails the run with ErrNoCredentials when none are stored.
func (c *Coordinator) loadCredentials(ctx context.Context) (*domain.Credentials, error) {
	creds, err := c.credentials.Get(ctx)
	if err != nil {
		c.emit(ctx, domain.NewEvent(domain.EventError, fmt.Sprintf("load credentials: %v", err)))
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Valid() {
		c.logger.Warn("no API credentials configured, aborting run")
		c.emit(ctx, domain.NewEvent(domain.EventError, NoCredentialsMessage))
		return nil, domain.ErrNoCredentials
	}
	return creds, nil
}

func (c *Coordinator) emit(ctx context.Context, event domain.Event) {
	if c.sink == nil {
		return
	}
	// Events still go out after the run's context is cancelled.
	c.sink.Emit(context.WithoutCancel(ctx), event)
}
