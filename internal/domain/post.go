package domain

import "time"

type Rating string

const (
	RatingSafe         Rating = "safe"
	RatingQuestionable Rating = "questionable"
	RatingExplicit     Rating = "explicit"
)

// Post is one synchronized item belonging to a Source. Viewed and Favorited
// are local-only and never written by sync.
type Post struct {
	ID          int64     `db:"id"`
	SourceID    int64     `db:"source_id"`
	RemoteID    int64     `db:"remote_id"`
	FileURL     string    `db:"file_url"`
	PreviewURL  string    `db:"preview_url"`
	SampleURL   string    `db:"sample_url"`
	Tags        string    `db:"tags"`
	Rating      Rating    `db:"rating"`
	PublishedAt time.Time `db:"published_at"`
	Viewed      bool      `db:"viewed"`
	Favorited   bool      `db:"favorited"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}
