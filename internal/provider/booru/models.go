package booru

import (
	"log/slog"
	"strings"
	"time"

	"booru_mirror/internal/domain"
)

// rule34Post is one element of the bare JSON array returned by rule34.
type rule34Post struct {
	ID         int64  `json:"id"`
	FileURL    string `json:"file_url"`
	PreviewURL string `json:"preview_url"`
	SampleURL  string `json:"sample_url"`
	Tags       string `json:"tags"`
	Rating     string `json:"rating"`
	Change     int64  `json:"change"`
	Owner      string `json:"owner"`
}

// gelbooruResponse wraps posts in an object; "post" is omitted when the
// query has no results.
type gelbooruResponse struct {
	Attributes struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
		Count  int `json:"count"`
	} `json:"@attributes"`
	Posts []gelbooruPost `json:"post"`
}

type gelbooruPost struct {
	ID         int64  `json:"id"`
	CreatedAt  string `json:"created_at"`
	FileURL    string `json:"file_url"`
	PreviewURL string `json:"preview_url"`
	SampleURL  string `json:"sample_url"`
	Tags       string `json:"tags"`
	Rating     string `json:"rating"`
	Owner      string `json:"owner"`
}

const gelbooruTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// normalizeRating maps the upstream rating vocabulary onto Rating. Unknown
// values fall back to questionable and report ok=false.
func normalizeRating(raw string) (domain.Rating, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s", "safe", "general", "g", "sensitive":
		return domain.RatingSafe, true
	case "q", "questionable":
		return domain.RatingQuestionable, true
	case "e", "explicit":
		return domain.RatingExplicit, true
	default:
		return domain.RatingQuestionable, false
	}
}

func rating(raw string, remoteID int64, logger *slog.Logger) domain.Rating {
	r, ok := normalizeRating(raw)
	if !ok {
		logger.Debug("unrecognized rating, using questionable", "remote_id", remoteID, "rating", raw)
	}
	return r
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}

func (p rule34Post) toDomain(logger *slog.Logger) domain.Post {
	var published time.Time
	if p.Change > 0 {
		published = time.Unix(p.Change, 0).UTC()
	}
	return domain.Post{
		RemoteID:    p.ID,
		FileURL:     normalizeURL(p.FileURL),
		PreviewURL:  normalizeURL(p.PreviewURL),
		SampleURL:   normalizeURL(p.SampleURL),
		Tags:        strings.TrimSpace(p.Tags),
		Rating:      rating(p.Rating, p.ID, logger),
		PublishedAt: published,
	}
}

func (p gelbooruPost) toDomain(logger *slog.Logger) domain.Post {
	published, err := time.Parse(gelbooruTimeLayout, p.CreatedAt)
	if err != nil {
		published = time.Time{}
	}
	return domain.Post{
		RemoteID:    p.ID,
		FileURL:     normalizeURL(p.FileURL),
		PreviewURL:  normalizeURL(p.PreviewURL),
		SampleURL:   normalizeURL(p.SampleURL),
		Tags:        strings.TrimSpace(p.Tags),
		Rating:      rating(p.Rating, p.ID, logger),
		PublishedAt: published.UTC(),
	}
}
