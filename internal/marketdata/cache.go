package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/metrics"
)

const productCacheTTL = 5 * time.Minute

type productCacheEntry struct {
	products  []Product
	expiresAt time.Time
}

// productCache holds product listings per quote currency with a TTL.
// Stale entries are kept after expiry so preflight can fall back to the last
// known minimums when the venue is unreachable.
type productCache struct {
	mu      sync.Mutex
	entries map[string]productCacheEntry
	stats   *APICallStats
	now     func() time.Time
}

func newProductCache(stats *APICallStats) *productCache {
	return &productCache{
		entries: make(map[string]productCacheEntry),
		stats:   stats,
		now:     time.Now,
	}
}

// get returns the cached listing if fresh.
func (c *productCache) get(quote string) ([]Product, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[quote]
	if !ok || c.now().After(entry.expiresAt) {
		metrics.RecordCacheOutcome("miss")
		return nil, false
	}
	c.stats.RecordCacheHit()
	metrics.RecordCacheOutcome("hit")
	return entry.products, true
}

// getStale returns the cached listing regardless of expiry.
func (c *productCache) getStale(quote string) ([]Product, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[quote]
	return entry.products, ok
}

func (c *productCache) put(quote string, products []Product) {
	c.mu.Lock()
	c.entries[quote] = productCacheEntry{
		products:  products,
		expiresAt: c.now().Add(productCacheTTL),
	}
	c.mu.Unlock()
}

// PriceCache is an optional Redis-backed spot-price cache. A nil cache is
// valid everywhere and always misses.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPriceCache connects to Redis. Returns nil (cache disabled) when addr is
// empty or the server is unreachable; price lookups then always hit the venue.
func NewPriceCache(ctx context.Context, addr, password string, db int) *PriceCache {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("Redis unavailable, price cache disabled")
		return nil
	}
	log.Info().Str("addr", addr).Msg("Price cache connected")
	return &PriceCache{client: client, ttl: 30 * time.Second}
}

func priceKey(productID string) string {
	return fmt.Sprintf("price:%s", productID)
}

// Get returns the cached price, or false on miss or error.
func (c *PriceCache) Get(ctx context.Context, productID string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, priceKey(productID)).Result()
	if err != nil {
		return 0, false
	}
	price, err := strconv.ParseFloat(val, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

// Set stores a price. Errors are logged, never returned.
func (c *PriceCache) Set(ctx context.Context, productID string, price float64) {
	if c == nil || price <= 0 {
		return
	}
	if err := c.client.Set(ctx, priceKey(productID), strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("Price cache write failed")
	}
}

// Close releases the Redis connection.
func (c *PriceCache) Close() {
	if c != nil && c.client != nil {
		_ = c.client.Close()
	}
}
