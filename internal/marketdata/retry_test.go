package marketdata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectionGranularity(t *testing.T) {
	tests := []struct {
		hours float64
		want  Granularity
	}{
		{0.17, OneMinute},
		{1, OneMinute},
		{6, FiveMinute},
		{24, FifteenMinute},
		{168, OneHour},
		{720, SixHour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectionGranularity(tt.hours), "lookback %v", tt.hours)
	}
}

func TestResearchWindow(t *testing.T) {
	// Short windows take the +12h buffer, long windows the 1.25x buffer.
	assert.Equal(t, 36.0, ResearchWindow(24).Hours())
	assert.Equal(t, 210.0, ResearchWindow(168).Hours())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&APIError{Status: 429}))
	assert.True(t, IsRetryable(&APIError{Status: 500}))
	assert.True(t, IsRetryable(&APIError{Status: 503}))
	assert.False(t, IsRetryable(&APIError{Status: 400}))
	assert.False(t, IsRetryable(&APIError{Status: 404}))
	assert.False(t, IsRetryable(&APIError{Status: 401}))
	assert.False(t, IsRetryable(errors.New("order rejected")))
	assert.False(t, IsRetryable(nil))
}

func TestWithRetryEventuallySucceeds(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, Disabled: true}

	calls := 0
	attempts, err := WithRetry(context.Background(), cfg, nil, "get_candles", func() error {
		calls++
		if calls < 3 {
			return &APIError{Status: 429}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, Disabled: true}

	calls := 0
	attempts, err := WithRetry(context.Background(), cfg, nil, "place_order", func() error {
		calls++
		return &APIError{Status: 400}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, Disabled: true}

	calls := 0
	attempts, err := WithRetry(context.Background(), cfg, nil, "get_candles", func() error {
		calls++
		return &APIError{Status: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.Status)
}

func TestAPIErrorUnwrapsToSentinels(t *testing.T) {
	assert.ErrorIs(t, &APIError{Status: 429}, ErrRateLimited)
	assert.ErrorIs(t, &APIError{Status: 401}, ErrUnauthorized)
	assert.ErrorIs(t, &APIError{Status: 404}, ErrNotFound)
}
