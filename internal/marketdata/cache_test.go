package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductCacheTTL(t *testing.T) {
	stats := NewAPICallStats()
	cache := newProductCache(stats)

	now := time.Now()
	cache.now = func() time.Time { return now }

	products := []Product{{ProductID: "BTC-USD", Status: "online"}}
	cache.put("USD", products)

	got, ok := cache.get("USD")
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", got[0].ProductID)
	assert.Equal(t, int64(1), stats.Snapshot().CacheHits)

	// Expired entries miss but remain reachable for the stale fallback.
	now = now.Add(productCacheTTL + time.Second)
	_, ok = cache.get("USD")
	assert.False(t, ok)

	stale, ok := cache.getStale("USD")
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", stale[0].ProductID)
}

func TestProductCacheMissOnUnknownQuote(t *testing.T) {
	cache := newProductCache(NewAPICallStats())
	_, ok := cache.get("EUR")
	assert.False(t, ok)
}

func TestPriceCacheRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	cache := NewPriceCache(ctx, srv.Addr(), "", 0)
	require.NotNil(t, cache)
	defer cache.Close()

	_, ok := cache.Get(ctx, "BTC-USD")
	assert.False(t, ok)

	cache.Set(ctx, "BTC-USD", 45000.5)
	price, ok := cache.Get(ctx, "BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 45000.5, price)

	// TTL expiry through miniredis clock.
	srv.FastForward(time.Minute)
	_, ok = cache.Get(ctx, "BTC-USD")
	assert.False(t, ok)
}

func TestPriceCacheNilIsSafe(t *testing.T) {
	var cache *PriceCache
	ctx := context.Background()

	_, ok := cache.Get(ctx, "BTC-USD")
	assert.False(t, ok)
	assert.NotPanics(t, func() { cache.Set(ctx, "BTC-USD", 1) })
	assert.NotPanics(t, cache.Close)
}

func TestPriceCacheDisabledWhenUnreachable(t *testing.T) {
	cache := NewPriceCache(context.Background(), "127.0.0.1:1", "", 0)
	assert.Nil(t, cache)
}
