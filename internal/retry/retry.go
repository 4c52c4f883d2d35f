// Package retry runs fallible operations with exponential backoff.
//
// Retry is the generic combinator. Execute applies a Policy built from
// config: transient upstream failures (HTTP 429, any 5xx, transport errors
// without a response) are retried with BaseDelay*2^attempt, stretched to the
// server's Retry-After when that is longer. Everything else fails fast.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"booru_mirror/internal/config"
	"booru_mirror/internal/metrics"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterHinter is implemented by errors that carry a server-provided
// Retry-After delay.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of its type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies err. Errors without a status and not marked
// Permanent are treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return RetryableStatus(sc.HTTPStatus())
	}

	return true
}

func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// DelayFunc returns how long to wait before retry number attempt (0-based).
type DelayFunc func(attempt int, err error) time.Duration

// Retry calls op up to maxAttempts times while shouldRetry approves the
// error, sleeping delay(attempt, err) between calls. It stops early when ctx
// is done and returns the last error otherwise.
func Retry[T any](
	ctx context.Context,
	op func(ctx context.Context) (T, error),
	shouldRetry func(error) bool,
	delay DelayFunc,
	maxAttempts int,
) (T, error) {
	return run(ctx, op, shouldRetry, delay, maxAttempts, sleepCtx, nil)
}

func run[T any](
	ctx context.Context,
	op func(ctx context.Context) (T, error),
	shouldRetry func(error) bool,
	delay DelayFunc,
	maxAttempts int,
	sleep func(context.Context, time.Duration) error,
	onRetry func(attempt int, wait time.Duration, err error),
) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts-1 || !shouldRetry(err) || ctx.Err() != nil {
			break
		}

		wait := delay(attempt, err)
		if onRetry != nil {
			onRetry(attempt+1, wait, err)
		}

		if err := sleep(ctx, wait); err != nil {
			return zero, errors.Join(lastErr, err)
		}
	}

	return zero, lastErr
}

// Policy is the retry configuration shared by every upstream call.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

func NewPolicy(cfg config.RetryConfig, logger *slog.Logger) *Policy {
	return &Policy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Delay computes the wait before retry number attempt.
func (p *Policy) Delay(attempt int, err error) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	wait := p.baseDelay * time.Duration(1<<attempt)

	var hint RetryAfterHinter
	if errors.As(err, &hint) {
		if retryAfter, ok := hint.RetryAfterHint(); ok && retryAfter > wait {
			wait = retryAfter
		}
	}
	return wait
}

// Execute runs op under p. A nil policy runs op exactly once.
func Execute[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		return op(ctx)
	}
	return run(ctx, op, IsRetryable, p.Delay, p.maxRetries+1, p.sleep, p.logRetry)
}

func (p *Policy) logRetry(attempt int, wait time.Duration, err error) {
	status := statusLabel(err)
	metrics.RetryAttempts.WithLabelValues(status).Inc()

	if p.logger == nil {
		return
	}
	p.logger.Warn("request failed, retrying",
		"attempt", attempt,
		"max_retries", p.maxRetries,
		"wait", wait,
		"status", status,
		"error", err,
	)
}

func statusLabel(err error) string {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return strconv.Itoa(sc.HTTPStatus())
	}
	return "transport"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
