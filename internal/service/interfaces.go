package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"booru_mirror/internal/domain"
)

type SourceStore interface {
	ListTracked(ctx context.Context) ([]domain.Source, error)
	Get(ctx context.Context, id int64) (*domain.Source, error)
	UpdateProgress(ctx context.Context, id int64, candidateHWM int64, newResults int) error
}

type PostStore interface {
	// Upsert returns how many of posts did not exist before the call.
	Upsert(ctx context.Context, sourceID int64, posts []domain.Post) (int, error)
}

type CredentialStore interface {
	// Get returns nil, nil when no credentials are stored.
	Get(ctx context.Context) (*domain.Credentials, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Provider interface {
	ID() string
	PageSize() int
	DefaultAPIEndpoint() string
	FormatTag(raw string, sourceType domain.SourceType) string
	MinIDFilter(id int64) string
	FetchPosts(ctx context.Context, query string, page int, creds domain.Credentials) ([]domain.Post, error)
	CheckAuth(ctx context.Context, creds domain.Credentials) (bool, error)
}

type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}

type SourceSyncer interface {
	SyncSource(ctx context.Context, src domain.Source, creds domain.Credentials, maxPages int) (*domain.SyncStats, error)
}
