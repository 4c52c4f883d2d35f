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

// CredentialStore keeps the single set of upstream API credentials.
type CredentialStore struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

func NewCredentialStore(db *sqlx.DB, d Dialect) *CredentialStore {
	return &CredentialStore{db: db, sb: d.builder()}
}

// Get returns nil, nil when no credentials were saved.
func (s *CredentialStore) Get(ctx context.Context) (*domain.Credentials, error) {
	query, args, err := s.sb.Select("account_id", "api_key").
		From("credentials").
		Where(sq.Eq{"id": 1}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select credentials: %w", err)
	}

	var creds domain.Credentials
	err = sqlx.GetContext(ctx, Executor(ctx, s.db), &creds, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select credentials: %w", err)
	}
	return &creds, nil
}

func (s *CredentialStore) Save(ctx context.Context, creds domain.Credentials) error {
	query, args, err := s.sb.Insert("credentials").
		Columns("id", "account_id", "api_key", "updated_at").
		Values(1, creds.AccountID, creds.APIKey, time.Now().UTC()).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			account_id = excluded.account_id,
			api_key = excluded.api_key,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save credentials: %w", err)
	}

	if _, err := Executor(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}
