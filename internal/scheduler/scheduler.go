package scheduler

import (
	"context"
	"log/slog"
	"time"

	"booru_mirror/internal/domain"
)

// Syncer runs one full synchronization pass.
type Syncer interface {
	SyncAll(ctx context.Context) (*domain.RunStats, error)
}

type Scheduler struct {
	syncer     Syncer
	interval   time.Duration
	runTimeout time.Duration
	logger     *slog.Logger
}

func NewScheduler(syncer Syncer, interval, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:     syncer,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// Start runs a sync immediately and then on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "run_timeout", s.runTimeout)

	s.runSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	stats, err := s.syncer.SyncAll(syncCtx)
	if err != nil {
		s.logger.Error("sync run failed", "error", err)
		return
	}
	if stats == nil {
		return
	}
	s.logger.Info("sync run finished",
		"sources", stats.Sources,
		"failed", stats.Failed,
		"new_posts", stats.NewPosts,
		"duration", stats.Duration,
	)
}
