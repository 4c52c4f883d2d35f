package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"booru_mirror/internal/config"
	"booru_mirror/internal/domain"
	"booru_mirror/internal/provider/booru"
	"booru_mirror/internal/publisher"
	"booru_mirror/internal/retry"
	"booru_mirror/internal/service"
	"booru_mirror/internal/storage"
	"booru_mirror/internal/storage/postgres"
	"booru_mirror/internal/storage/sqlite"
)

// app holds everything a command needs, built from the config file.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sqlx.DB
	sources     *storage.SourceStore
	posts       *storage.PostStore
	credentials *storage.CredentialStore
	registry    *service.Registry
	coordinator *service.Coordinator

	closers []func() error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, logger: setupLogger(cfg.LogLevel)}

	db, dialect, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.logger.Info("connected to database", "driver", cfg.Database.Driver)

	a.sources = storage.NewSourceStore(db, dialect)
	a.posts = storage.NewPostStore(db, dialect)
	a.credentials = storage.NewCredentialStore(db, dialect)
	txManager := storage.NewTransactionManager(db)

	if err := a.seedCredentials(ctx); err != nil {
		a.Close()
		return nil, err
	}

	providers := make([]service.Provider, 0, len(cfg.Providers))
	for id, pcfg := range cfg.Providers {
		p, err := booru.New(id, pcfg, a.logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("configure provider: %w", err)
		}
		providers = append(providers, p)
	}
	a.registry = service.NewRegistry(providers...)

	sink, err := a.buildSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	worker := service.NewWorker(
		a.registry,
		a.posts,
		a.sources,
		txManager,
		retry.NewPolicy(cfg.Retry, a.logger),
		cfg.Sync.PageDelay,
		a.logger,
	)
	a.coordinator = service.NewCoordinator(worker, a.sources, a.credentials, sink, a.logger, cfg.Sync)

	return a, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, storage.Dialect, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg)
		return db, storage.Postgres, err
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Path)
		return db, storage.SQLite, err
	default:
		return nil, storage.Dialect{}, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// seedCredentials stores credentials from the config file, if any.
func (a *app) seedCredentials(ctx context.Context) error {
	seed := domain.Credentials{
		AccountID: a.cfg.Credentials.AccountID,
		APIKey:    a.cfg.Credentials.APIKey,
	}
	if !seed.Valid() {
		return nil
	}
	if err := a.credentials.Save(ctx, seed); err != nil {
		return fmt.Errorf("seed credentials: %w", err)
	}
	return nil
}

func (a *app) buildSink() (service.EventSink, error) {
	logSink := publisher.NewLogSink(a.logger)
	if !a.cfg.RabbitMQ.Enabled {
		return logSink, nil
	}

	rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
		URL:        a.cfg.RabbitMQ.URL,
		Exchange:   a.cfg.RabbitMQ.Exchange,
		RoutingKey: a.cfg.RabbitMQ.RoutingKey,
		QueueName:  a.cfg.RabbitMQ.QueueName,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect event publisher: %w", err)
	}
	a.closers = append(a.closers, rabbitMQ.Close)

	return publisher.Multi{logSink, rabbitMQ}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
