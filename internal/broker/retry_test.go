package broker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

// TestIsAuthError tests 401 classification
func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(&HTTPError{StatusCode: http.StatusUnauthorized}))
	assert.False(t, IsAuthError(&HTTPError{StatusCode: http.StatusForbidden}))
	assert.False(t, IsAuthError(errors.New("plain error")))
	assert.False(t, IsAuthError(nil))

	// Wrapped errors are still recognized.
	wrapped := errors.Join(errors.New("request failed"), &HTTPError{StatusCode: 401})
	assert.True(t, IsAuthError(wrapped))
}

// TestIsRetryable tests the transient-error classification
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"503", &HTTPError{StatusCode: 503}, true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"401 not retryable here", &HTTPError{StatusCode: 401}, false},
		{"400", &HTTPError{StatusCode: 400}, false},
		{"plain error", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

// TestWithRetrySucceedsAfterTransientFailures tests the happy retry path
func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return &HTTPError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestWithRetryExhaustsAttempts tests the max-attempt bound
func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return &HTTPError{StatusCode: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
	assert.Contains(t, err.Error(), "after 4 attempts")
}

// TestWithRetryStopsOnPermanentError tests that non-retryable errors
// surface immediately
func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return &HTTPError{StatusCode: 400, Body: "bad order"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestWithRetryHonorsRetryAfter tests the 429 Retry-After override
func TestWithRetryHonorsRetryAfter(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 1

	start := time.Now()
	calls := 0
	err := WithRetry(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return &HTTPError{StatusCode: 429, RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// TestWithRetryRespectsCancellation tests prompt exit on context cancel
func TestWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, fastRetryConfig(), func() error {
		return &HTTPError{StatusCode: 500}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}
