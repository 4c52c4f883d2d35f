package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"booru_mirror/internal/domain"
)

var sourceColumns = []string{
	"id", "name", "query_tag", "source_type", "provider_id",
	"high_water_mark", "new_results_count", "last_checked_at", "created_at",
}

type SourceStore struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
	d  Dialect
}

func NewSourceStore(db *sqlx.DB, d Dialect) *SourceStore {
	return &SourceStore{db: db, sb: d.builder(), d: d}
}

// Create inserts src and fills in its id and creation time.
func (s *SourceStore) Create(ctx context.Context, src *domain.Source) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.sb.Insert("sources").
		Columns("name", "query_tag", "source_type", "provider_id", "high_water_mark", "new_results_count", "created_at").
		Values(src.Name, src.QueryTag, src.Type, src.ProviderID, src.HighWaterMark, src.NewResultsCount, src.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert source: %w", err)
	}

	if err := sqlx.GetContext(ctx, Executor(ctx, s.db), &src.ID, query, args...); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

func (s *SourceStore) Get(ctx context.Context, id int64) (*domain.Source, error) {
	query, args, err := s.sb.Select(sourceColumns...).
		From("sources").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select source: %w", err)
	}

	var src domain.Source
	err = sqlx.GetContext(ctx, Executor(ctx, s.db), &src, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrSourceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select source: %w", err)
	}
	return &src, nil
}

// List returns every source ordered by id.
func (s *SourceStore) List(ctx context.Context) ([]domain.Source, error) {
	query, args, err := s.sb.Select(sourceColumns...).
		From("sources").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sources: %w", err)
	}

	var sources []domain.Source
	if err := sqlx.SelectContext(ctx, Executor(ctx, s.db), &sources, query, args...); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

// ListTracked returns the sources a full sync run visits.
func (s *SourceStore) ListTracked(ctx context.Context) ([]domain.Source, error) {
	return s.List(ctx)
}

// UpdateProgress raises the high-water mark to candidate if it is larger,
// adds newResults to the counter and stamps last_checked_at, all in one
// statement.
func (s *SourceStore) UpdateProgress(ctx context.Context, id int64, candidate int64, newResults int) error {
	query, args, err := s.sb.Update("sources").
		Set("high_water_mark", sq.Expr(s.d.Greatest+"(high_water_mark, ?)", candidate)).
		Set("new_results_count", sq.Expr("new_results_count + ?", newResults)).
		Set("last_checked_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update progress: %w", err)
	}

	res, err := Executor(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", domain.ErrSourceNotFound, id)
	}
	return nil
}
