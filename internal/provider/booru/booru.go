// Package booru adapts the Gelbooru "dapi" family of APIs (rule34.xxx,
// gelbooru.com) to the sync engine's provider contract.
package booru

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"booru_mirror/internal/config"
	"booru_mirror/internal/domain"
	"booru_mirror/internal/provider"
	"booru_mirror/internal/retry"
)

const (
	Rule34ID   = "rule34"
	GelbooruID = "gelbooru"

	rule34Endpoint   = "https://api.rule34.xxx/index.php"
	gelbooruEndpoint = "https://gelbooru.com/index.php"

	defaultPageSize = 100
)

type dialect int

const (
	dialectRule34 dialect = iota
	dialectGelbooru
)

// Client implements the provider contract for one booru.
type Client struct {
	id       string
	dialect  dialect
	baseURL  string
	pageSize int
	http     *provider.HTTPClient
	logger   *slog.Logger
}

// New builds the client registered under id.
func New(id string, cfg config.ProviderConfig, logger *slog.Logger) (*Client, error) {
	var d dialect
	switch id {
	case Rule34ID:
		d = dialectRule34
	case GelbooruID:
		d = dialectGelbooru
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, id)
	}

	c := &Client{
		id:       id,
		dialect:  d,
		baseURL:  cfg.BaseURL,
		pageSize: cfg.PageSize,
		logger:   logger.With("provider", id),
	}
	if c.baseURL == "" {
		c.baseURL = c.DefaultAPIEndpoint()
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	c.http = provider.NewHTTPClient(provider.ClientConfig{
		Name:              id,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerTimeout:    cfg.BreakerTimeout,
	}, logger)

	return c, nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) PageSize() int {
	return c.pageSize
}

func (c *Client) DefaultAPIEndpoint() string {
	if c.dialect == dialectGelbooru {
		return gelbooruEndpoint
	}
	return rule34Endpoint
}

// FormatTag turns a stored source tag into a search expression.
func (c *Client) FormatTag(raw string, sourceType domain.SourceType) string {
	raw = strings.TrimSpace(raw)
	switch sourceType {
	case domain.SourceTypeUploader:
		if strings.HasPrefix(raw, "user:") {
			return raw
		}
		return "user:" + raw
	case domain.SourceTypeTag:
		return strings.Join(strings.Fields(raw), "_")
	default:
		return raw
	}
}

// MinIDFilter narrows a search to posts newer than id.
func (c *Client) MinIDFilter(id int64) string {
	return "id:>" + strconv.FormatInt(id, 10)
}

// FetchPosts returns one page of posts, newest first, exactly as many as the
// upstream listed. Posts without a file URL are kept so callers can tell a
// full page from a short one. An empty result set is not an error.
func (c *Client) FetchPosts(ctx context.Context, query string, page int, creds domain.Credentials) ([]domain.Post, error) {
	return c.fetch(ctx, query, page, c.pageSize, creds)
}

// CheckAuth issues a minimal request and reports whether the upstream
// accepted the credentials.
func (c *Client) CheckAuth(ctx context.Context, creds domain.Credentials) (bool, error) {
	_, err := c.fetch(ctx, "", 0, 1, creds)
	if err == nil {
		return true, nil
	}

	var se *provider.StatusError
	if errors.As(err, &se) && se.IsAuthFailure() {
		return false, nil
	}
	return false, err
}

func (c *Client) fetch(ctx context.Context, query string, page, limit int, creds domain.Credentials) ([]domain.Post, error) {
	body, err := c.http.Get(ctx, c.buildURL(query, page, limit, creds))
	if err != nil {
		return nil, err
	}

	posts, err := c.decode(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched page",
		"query", query,
		"page", page,
		"posts", len(posts),
	)

	return posts, nil
}

func (c *Client) buildURL(query string, page, limit int, creds domain.Credentials) string {
	params := url.Values{}
	params.Set("page", "dapi")
	params.Set("s", "post")
	params.Set("q", "index")
	params.Set("json", "1")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("pid", strconv.Itoa(page))
	if query != "" {
		params.Set("tags", query)
	}
	if creds.AccountID != "" {
		params.Set("user_id", creds.AccountID)
	}
	if creds.APIKey != "" {
		params.Set("api_key", creds.APIKey)
	}
	return c.baseURL + "?" + params.Encode()
}

func (c *Client) decode(body []byte) ([]domain.Post, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []domain.Post{}, nil
	}

	var posts []domain.Post
	switch c.dialect {
	case dialectRule34:
		if body[0] != '[' {
			return nil, c.unexpectedBody(body)
		}
		var raw []rule34Post
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		posts = make([]domain.Post, 0, len(raw))
		for _, p := range raw {
			posts = append(posts, p.toDomain(c.logger))
		}
	case dialectGelbooru:
		var raw gelbooruResponse
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		posts = make([]domain.Post, 0, len(raw.Posts))
		for _, p := range raw.Posts {
			posts = append(posts, p.toDomain(c.logger))
		}
	}

	return posts, nil
}

// unexpectedBody handles rule34 answering 200 with a plain message instead
// of a post array, which it does for missing or rejected credentials.
func (c *Client) unexpectedBody(body []byte) error {
	msg := string(body)
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		msg = s
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if strings.Contains(strings.ToLower(msg), "authentication") {
		return &provider.StatusError{Provider: c.id, StatusCode: http.StatusUnauthorized, Body: msg}
	}
	return retry.Permanent(fmt.Errorf("decode response: unexpected body %q", msg))
}
