// Package provider holds the HTTP plumbing shared by upstream API adapters:
// per-provider request pacing, a circuit breaker and typed errors the retry
// policy can classify. Calls rejected by an open breaker are retryable and
// carry the time left until the breaker probes again.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"booru_mirror/internal/metrics"
	"booru_mirror/internal/retry"
)

const maxBodyBytes = 20 << 20

type ClientConfig struct {
	Name              string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// BreakerThreshold is the number of consecutive transient failures that
	// opens the circuit.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// HTTPClient issues GET requests against one upstream API.
type HTTPClient struct {
	name       string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger

	// openUntil is when the breaker may next let a probe through, in unix nanos.
	openUntil atomic.Int64
}

func NewHTTPClient(cfg ClientConfig, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "BooruMirror/1.0"
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	c := &HTTPClient{
		name:      cfg.Name,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With("provider", cfg.Name),
	}
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !retry.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				c.openUntil.Store(time.Now().Add(cfg.BreakerTimeout).UnixNano())
			}
			c.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return c
}

// Get fetches url and returns the response body of a 2xx response.
func (c *HTTPClient) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(fmt.Errorf("wait for rate limiter: %w", err))
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, url)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		metrics.ProviderRequests.WithLabelValues(c.name, "rejected").Inc()
		return nil, &UnavailableError{
			Provider: c.name,
			Wait:     time.Until(time.Unix(0, c.openUntil.Load())),
			Err:      err,
		}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ProviderRequests.WithLabelValues(c.name, "rejected").Inc()
		return nil, &UnavailableError{Provider: c.name, Err: err}
	}
	return body, err
}

func (c *HTTPClient) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.name, "transport_error").Inc()
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ProviderRequests.WithLabelValues(c.name, "http_error").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			Provider:   c.name,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(c.name, "transport_error").Inc()
		return nil, fmt.Errorf("read response: %w", err)
	}

	metrics.ProviderRequests.WithLabelValues(c.name, "success").Inc()
	c.logger.Debug("request completed", "status", resp.StatusCode, "bytes", len(body))

	return body, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
