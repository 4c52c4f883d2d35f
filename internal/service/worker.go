package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"booru_mirror/internal/domain"
	"booru_mirror/internal/metrics"
	"booru_mirror/internal/retry"
)

// Worker synchronizes one source at a time: it pages through the provider
// newest-first, keeps posts above the source's high-water mark and commits
// them together with the progress update.
type Worker struct {
	providers *Registry
	posts     PostStore
	sources   SourceStore
	txManager TransactionManager
	policy    *retry.Policy
	pageDelay time.Duration
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewWorker(
	providers *Registry,
	posts PostStore,
	sources SourceStore,
	txManager TransactionManager,
	policy *retry.Policy,
	pageDelay time.Duration,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		providers: providers,
		posts:     posts,
		sources:   sources,
		txManager: txManager,
		policy:    policy,
		pageDelay: pageDelay,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// SyncSource runs one incremental pass over src. maxPages == 0 means no
// page bound.
func (w *Worker) SyncSource(ctx context.Context, src domain.Source, creds domain.Credentials, maxPages int) (*domain.SyncStats, error) {
	startTime := time.Now()
	logger := w.logger.With("source_id", src.ID, "source", src.DisplayName())

	p, err := w.providers.Provider(src.ProviderID)
	if err != nil {
		return nil, err
	}

	query := p.FormatTag(src.QueryTag, src.Type)
	if src.HighWaterMark > 0 {
		query += " " + p.MinIDFilter(src.HighWaterMark)
	}

	logger.Info("starting source sync",
		"provider", p.ID(),
		"query", query,
		"high_water_mark", src.HighWaterMark,
		"max_pages", maxPages,
	)

	stats := &domain.SyncStats{
		SourceID:    src.ID,
		SourceName:  src.DisplayName(),
		HighestSeen: src.HighWaterMark,
	}

	var collected []domain.Post
	seen := make(map[int64]struct{})

	for page := 0; maxPages == 0 || page < maxPages; page++ {
		batch, err := retry.Execute(ctx, w.policy, func(ctx context.Context) ([]domain.Post, error) {
			return p.FetchPosts(ctx, query, page, creds)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch page %d of source %d: %w", page, src.ID, err)
		}

		stats.Pages++
		stats.Fetched += len(batch)

		fresh := 0
		for _, post := range batch {
			if post.RemoteID <= 0 {
				logger.Debug("skipping post without id", "page", page)
				continue
			}
			if post.RemoteID > stats.HighestSeen {
				stats.HighestSeen = post.RemoteID
			}
			// Upstream id filters are not guaranteed to be exact.
			if post.RemoteID <= src.HighWaterMark {
				continue
			}
			fresh++
			// Deleted posts keep their id but lose the file.
			if post.FileURL == "" {
				logger.Debug("skipping post without file url", "remote_id", post.RemoteID)
				continue
			}
			if _, dup := seen[post.RemoteID]; dup {
				continue
			}
			seen[post.RemoteID] = struct{}{}
			collected = append(collected, post)
		}

		logger.Debug("page processed", "page", page, "fetched", len(batch), "new", fresh)

		if fresh == 0 && src.HighWaterMark > 0 {
			break
		}
		// A short page ends the listing. Unusable posts still count here.
		if len(batch) < p.PageSize() {
			break
		}
		if maxPages != 0 && page+1 >= maxPages {
			break
		}

		if err := w.sleep(ctx, w.pageDelay); err != nil {
			return nil, fmt.Errorf("wait before page %d: %w", page+1, err)
		}
	}

	stats.New = len(collected)

	err = w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		inserted := 0
		if len(collected) > 0 {
			n, err := w.posts.Upsert(txCtx, src.ID, collected)
			if err != nil {
				return fmt.Errorf("upsert posts: %w", err)
			}
			inserted = n
		}
		stats.Inserted = inserted

		if err := w.sources.UpdateProgress(txCtx, src.ID, stats.HighestSeen, inserted); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist source %d: %w", src.ID, err)
	}

	stats.Duration = time.Since(startTime)
	metrics.PostsStored.WithLabelValues(p.ID()).Add(float64(stats.Inserted))

	logger.Info("source sync completed",
		"pages", stats.Pages,
		"fetched", stats.Fetched,
		"new", stats.New,
		"inserted", stats.Inserted,
		"highest_seen", stats.HighestSeen,
		"duration", stats.Duration,
	)

	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
