package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoinbase(t *testing.T, handler http.Handler) *CoinbaseProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider, err := NewCoinbaseProvider(CoinbaseConfig{
		BaseURL: srv.URL,
		Retry:   RetryConfig{MaxRetries: 3, Disabled: true},
	})
	require.NoError(t, err)
	return provider
}

func TestListProductsFiltersAndSorts(t *testing.T) {
	var hits atomic.Int64
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/v3/brokerage/market/products", r.URL.Path)
		fmt.Fprint(w, `{"products":[
			{"product_id":"ETH-USD","base_currency_id":"ETH","quote_currency_id":"USD","status":"online","price":"2500","volume_24h":"1000"},
			{"product_id":"BTC-USD","base_currency_id":"BTC","quote_currency_id":"USD","status":"online","price":"45000","volume_24h":"500"},
			{"product_id":"BTC-EUR","base_currency_id":"BTC","quote_currency_id":"EUR","status":"online","price":"42000","volume_24h":"900"}
		]}`)
	}))

	products, err := provider.ListProducts(context.Background(), "USD")
	require.NoError(t, err)
	require.Len(t, products, 2)

	// Sorted by 24h USD volume descending: BTC 22.5M beats ETH 2.5M.
	assert.Equal(t, "BTC-USD", products[0].ProductID)
	assert.Equal(t, "ETH-USD", products[1].ProductID)

	// Second call is served from the TTL cache.
	_, err = provider.ListProducts(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), provider.Stats().Snapshot().CacheHits)
}

func TestListProductsStaleFallback(t *testing.T) {
	var fail atomic.Bool
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"products":[{"product_id":"BTC-USD","base_currency_id":"BTC","quote_currency_id":"USD","status":"online","price":"45000","volume_24h":"500"}]}`)
	}))

	_, err := provider.ListProducts(context.Background(), "USD")
	require.NoError(t, err)

	// Expire the entry, then break the venue.
	provider.products.now = func() time.Time { return time.Now().Add(productCacheTTL + time.Minute) }
	fail.Store(true)

	products, err := provider.ListProducts(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", products[0].ProductID)
}

func TestGetCandlesOldestFirst(t *testing.T) {
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/brokerage/market/products/BTC-USD/candles", r.URL.Path)
		assert.Equal(t, "ONE_HOUR", r.URL.Query().Get("granularity"))
		// Venue reports newest first.
		fmt.Fprint(w, `{"candles":[
			{"start":"1700007200","open":"101","high":"103","low":"100","close":"102","volume":"9"},
			{"start":"1700003600","open":"100","high":"102","low":"99","close":"101","volume":"10"}
		]}`)
	}))

	candles, err := provider.GetCandles(context.Background(), "BTC-USD", OneHour, time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Start.Before(candles[1].Start))
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 102.0, candles[1].Close)
}

func TestGetPrice(t *testing.T) {
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"product_id":"ETH-USD","price":"2500.25","quote_currency_id":"USD","status":"online"}`)
	}))

	price, err := provider.GetPrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, 2500.25, price)
}

func TestAuthedEndpointsRequireCredentials(t *testing.T) {
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the venue without credentials")
	}))

	_, err := provider.ListBalances(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = provider.PlaceMarketOrder(context.Background(), OrderRequest{ProductID: "BTC-USD", Side: "BUY", NotionalUSD: 10})
	assert.ErrorIs(t, err, ErrNoCredentials)

	assert.False(t, provider.HasCredentials())
}

func TestGetProductNotFound(t *testing.T) {
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"NOT_FOUND"}`)
	}))

	_, err := provider.GetProduct(context.Background(), "FAKE-USD")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryOnServerError(t *testing.T) {
	var hits atomic.Int64
	provider := newTestCoinbase(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"product_id":"BTC-USD","price":"45000","quote_currency_id":"USD","status":"online"}`)
	}))

	product, err := provider.GetProduct(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", product.ProductID)
	assert.Equal(t, int64(3), hits.Load())
}
