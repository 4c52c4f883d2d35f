package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booru_mirror/internal/config"
	"booru_mirror/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(name string) *HTTPClient {
	return NewHTTPClient(ClientConfig{
		Name:              name,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
		BreakerThreshold:  3,
		BreakerTimeout:    time.Minute,
	}, testLogger())
}

func TestHTTPClient_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "BooruMirror/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer server.Close()

	body, err := newTestClient("ok").Get(context.Background(), server.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(body))
}

func TestHTTPClient_StatusErrorCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer server.Close()

	_, err := newTestClient("limited").Get(context.Background(), server.URL)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.Equal(t, "slow down", se.Body)
	assert.True(t, retry.IsRetryable(err))
}

func TestHTTPClient_ClientErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient("auth").Get(context.Background(), server.URL)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.IsAuthFailure())
	assert.False(t, retry.IsRetryable(err))
}

func TestHTTPClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient("flaky")
	for i := 0; i < 3; i++ {
		_, err := client.Get(context.Background(), server.URL)
		require.Error(t, err)
		assert.True(t, retry.IsRetryable(err))
	}

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky api unavailable")
	assert.Equal(t, int32(3), hits.Load())

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.True(t, retry.IsRetryable(err), "open circuit is retried once it can probe again")
	wait, ok := ue.RetryAfterHint()
	assert.True(t, ok)
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestHTTPClient_OpenBreakerRetriedAfterTimeout(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{
		Name:              "recovering",
		RequestsPerSecond: 1000,
		Burst:             100,
		BreakerThreshold:  2,
		BreakerTimeout:    30 * time.Millisecond,
	}, testLogger())

	for i := 0; i < 2; i++ {
		_, err := client.Get(context.Background(), server.URL)
		require.Error(t, err)
	}

	policy := retry.NewPolicy(config.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, testLogger())
	body, err := retry.Execute(context.Background(), policy, func(ctx context.Context) ([]byte, error) {
		return client.Get(ctx, server.URL)
	})

	require.NoError(t, err)
	assert.Equal(t, "[]", string(body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient("missing")
	for i := 0; i < 5; i++ {
		_, err := client.Get(context.Background(), server.URL)
		var se *StatusError
		require.ErrorAs(t, err, &se)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestHTTPClient_TransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient("down").Get(context.Background(), url)
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}
