// Package postgres opens the server-backed store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"booru_mirror/internal/config"
	"booru_mirror/internal/storage"
	"booru_mirror/migrations"
)

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	return OpenDSN(ctx, cfg.DSN())
}

func OpenDSN(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := storage.Migrate(ctx, db, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return db, nil
}
