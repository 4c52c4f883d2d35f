package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"booru_mirror/internal/domain"
)

// upsertChunk keeps each statement well under the bind parameter limits of
// both databases.
const upsertChunk = 500

const upsertConflict = `ON CONFLICT (source_id, remote_id) DO UPDATE SET
	file_url = excluded.file_url,
	preview_url = excluded.preview_url,
	sample_url = excluded.sample_url,
	tags = excluded.tags,
	rating = excluded.rating,
	published_at = excluded.published_at,
	updated_at = excluded.updated_at`

var postColumns = []string{
	"id", "source_id", "remote_id", "file_url", "preview_url", "sample_url", "tags",
	"rating", "published_at", "viewed", "favorited", "created_at", "updated_at",
}

type PostStore struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

func NewPostStore(db *sqlx.DB, d Dialect) *PostStore {
	return &PostStore{db: db, sb: d.builder()}
}

// Upsert inserts posts or refreshes the payload of existing ones. The viewed
// and favorited flags are never written. It returns how many posts were not
// stored before. Call it inside a transaction for an exact count.
func (s *PostStore) Upsert(ctx context.Context, sourceID int64, posts []domain.Post) (int, error) {
	posts = dedupeByRemoteID(posts)
	if len(posts) == 0 {
		return 0, nil
	}

	exec := Executor(ctx, s.db)
	now := time.Now().UTC()
	inserted := 0

	for chunk := range slices.Chunk(posts, upsertChunk) {
		ids := make([]int64, len(chunk))
		for i, p := range chunk {
			ids[i] = p.RemoteID
		}

		query, args, err := s.sb.Select("COUNT(*)").
			From("posts").
			Where(sq.Eq{"source_id": sourceID, "remote_id": ids}).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("build count existing: %w", err)
		}
		var existing int
		if err := sqlx.GetContext(ctx, exec, &existing, query, args...); err != nil {
			return 0, fmt.Errorf("count existing posts: %w", err)
		}

		insert := s.sb.Insert("posts").Columns(
			"source_id", "remote_id", "file_url", "preview_url", "sample_url",
			"tags", "rating", "published_at", "created_at", "updated_at",
		)
		for _, p := range chunk {
			insert = insert.Values(
				sourceID, p.RemoteID, p.FileURL, p.PreviewURL, p.SampleURL,
				p.Tags, p.Rating, p.PublishedAt.UTC(), now, now,
			)
		}

		query, args, err = insert.Suffix(upsertConflict).ToSql()
		if err != nil {
			return 0, fmt.Errorf("build upsert posts: %w", err)
		}
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("upsert posts: %w", err)
		}

		inserted += len(chunk) - existing
	}

	return inserted, nil
}

// SetFlags writes the local-only flags of one post.
func (s *PostStore) SetFlags(ctx context.Context, sourceID, remoteID int64, viewed, favorited bool) error {
	query, args, err := s.sb.Update("posts").
		Set("viewed", viewed).
		Set("favorited", favorited).
		Where(sq.Eq{"source_id": sourceID, "remote_id": remoteID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set flags: %w", err)
	}

	res, err := Executor(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set flags: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("post %d of source %d: %w", remoteID, sourceID, domain.ErrPostNotFound)
	}
	return nil
}

// ListBySource returns up to limit posts, newest remote id first. A limit
// of zero means no limit.
func (s *PostStore) ListBySource(ctx context.Context, sourceID int64, limit int) ([]domain.Post, error) {
	b := s.sb.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"source_id": sourceID}).
		OrderBy("remote_id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list posts: %w", err)
	}

	var posts []domain.Post
	if err := sqlx.SelectContext(ctx, Executor(ctx, s.db), &posts, query, args...); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

func (s *PostStore) CountBySource(ctx context.Context, sourceID int64) (int, error) {
	query, args, err := s.sb.Select("COUNT(*)").
		From("posts").
		Where(sq.Eq{"source_id": sourceID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count posts: %w", err)
	}

	var n int
	if err := sqlx.GetContext(ctx, Executor(ctx, s.db), &n, query, args...); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// dedupeByRemoteID keeps the last occurrence of each remote id. A single
// upsert statement may not touch the same row twice.
func dedupeByRemoteID(posts []domain.Post) []domain.Post {
	index := make(map[int64]int, len(posts))
	out := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if i, ok := index[p.RemoteID]; ok {
			out[i] = p
			continue
		}
		index[p.RemoteID] = len(out)
		out = append(out, p)
	}
	return out
}
