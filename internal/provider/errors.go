package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status: %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status: %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

func (e *StatusError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

// IsAuthFailure reports whether the upstream rejected the credentials.
func (e *StatusError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// UnavailableError is returned without contacting the upstream while its
// circuit breaker is open or already probing.
type UnavailableError struct {
	Provider string
	Wait     time.Duration
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s api unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) RetryAfterHint() (time.Duration, bool) {
	return e.Wait, e.Wait > 0
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
