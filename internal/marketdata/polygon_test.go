package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolygon(t *testing.T, handler http.Handler) *PolygonProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewPolygonProvider(PolygonConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Retry:   RetryConfig{MaxRetries: 3, Disabled: true},
	})
}

func TestGetDailyCandles(t *testing.T) {
	provider := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/v2/aggs/ticker/AAPL/range/1/day/")
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		fmt.Fprint(w, `{"status":"OK","results":[
			{"t":1700000000000,"o":190.1,"h":192.0,"l":189.5,"c":191.2,"v":1000000},
			{"t":1700086400000,"o":191.2,"h":193.5,"l":190.8,"c":192.9,"v":900000}
		]}`)
	}))

	candles, err := provider.GetDailyCandles(context.Background(), "AAPL", time.Now().AddDate(0, 0, -7), time.Now())
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 190.1, candles[0].Open)
	assert.Equal(t, 192.9, candles[1].Close)
	assert.True(t, candles[0].Start.Before(candles[1].Start))
}

func TestGetPrevClose(t *testing.T) {
	provider := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/aggs/ticker/MSFT/prev", r.URL.Path)
		fmt.Fprint(w, `{"status":"OK","results":[{"t":1700000000000,"o":370.0,"h":372.1,"l":369.0,"c":371.5,"v":500000}]}`)
	}))

	price, err := provider.GetPrevClose(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 371.5, price)
}

func TestPolygonDisabledWithoutKey(t *testing.T) {
	provider := NewPolygonProvider(PolygonConfig{})
	assert.False(t, provider.Enabled())

	_, err := provider.GetDailyCandles(context.Background(), "AAPL", time.Now().AddDate(0, 0, -7), time.Now())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestPolygonRateLimitRetries(t *testing.T) {
	hits := 0
	provider := newTestPolygon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[{"t":1700000000000,"o":1,"h":1,"l":1,"c":1,"v":1}]}`)
	}))

	_, err := provider.GetPrevClose(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}
