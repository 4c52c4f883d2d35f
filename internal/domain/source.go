package domain

import (
	"fmt"
	"time"
)

type SourceType string

const (
	SourceTypeTag      SourceType = "tag"
	SourceTypeUploader SourceType = "uploader"
	SourceTypeQuery    SourceType = "query"
)

func ParseSourceType(s string) (SourceType, error) {
	switch t := SourceType(s); t {
	case SourceTypeTag, SourceTypeUploader, SourceTypeQuery:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceType, s)
	}
}

// Source is a tracked upstream query mirrored locally. HighWaterMark is the
// largest remote post id ever ingested and only moves upward.
type Source struct {
	ID              int64      `db:"id"`
	Name            string     `db:"name"`
	QueryTag        string     `db:"query_tag"`
	Type            SourceType `db:"source_type"`
	ProviderID      string     `db:"provider_id"`
	HighWaterMark   int64      `db:"high_water_mark"`
	NewResultsCount int64      `db:"new_results_count"`
	LastCheckedAt   *time.Time `db:"last_checked_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

// DisplayName falls back to the query tag for sources created without a name.
func (s Source) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.QueryTag
}

type Credentials struct {
	AccountID string `db:"account_id"`
	APIKey    string `db:"api_key"`
}

func (c *Credentials) Valid() bool {
	return c != nil && c.AccountID != "" && c.APIKey != ""
}
