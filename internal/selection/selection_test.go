package selection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
)

// fakeVenue serves canned listings and candle series.
type fakeVenue struct {
	products []marketdata.Product
	candles  map[string][]store.Candle
	probeErr map[string]error
}

func (f *fakeVenue) ListProducts(ctx context.Context, quote string) ([]marketdata.Product, error) {
	return f.products, nil
}

func (f *fakeVenue) GetProduct(ctx context.Context, productID string) (*marketdata.Product, error) {
	if err, ok := f.probeErr[productID]; ok {
		return nil, err
	}
	for _, p := range f.products {
		if p.ProductID == productID {
			return &p, nil
		}
	}
	return nil, marketdata.ErrNotFound
}

func (f *fakeVenue) GetCandles(ctx context.Context, productID string, g marketdata.Granularity, start, end time.Time) ([]store.Candle, error) {
	candles, ok := f.candles[productID]
	if !ok {
		return nil, &marketdata.APIError{Status: 500, Body: "boom"}
	}
	return candles, nil
}

func (f *fakeVenue) GetPrice(ctx context.Context, productID string) (float64, error) {
	return 0, marketdata.ErrNotFound
}

func (f *fakeVenue) ListBalances(ctx context.Context) ([]marketdata.Balance, error) {
	return nil, marketdata.ErrNoCredentials
}

func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, req marketdata.OrderRequest) (*marketdata.OrderResult, error) {
	return nil, marketdata.ErrNoCredentials
}

func (f *fakeVenue) ListFills(ctx context.Context, venueOrderID string) ([]marketdata.FillRecord, error) {
	return nil, nil
}

func (f *fakeVenue) OrderHistory(ctx context.Context, since time.Time) ([]marketdata.HistoricalOrder, error) {
	return nil, nil
}

func series(open, close float64) []store.Candle {
	now := time.Now().UTC()
	return []store.Candle{
		{Start: now.Add(-2 * time.Hour), Open: open, High: open, Low: open, Close: open, Volume: 10},
		{Start: now.Add(-time.Hour), Open: open, High: close, Low: open, Close: close, Volume: 12},
	}
}

func product(base string, volume float64) marketdata.Product {
	return marketdata.Product{
		ProductID:    base + "-USD",
		BaseSymbol:   base,
		QuoteSymbol:  "USD",
		Status:       "online",
		Volume24hUSD: volume,
	}
}

func TestSelectHighestReturn(t *testing.T) {
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000), product("ETH", 900), product("SOL", 800)},
		candles: map[string][]store.Candle{
			"BTC-USD": series(100, 105), // +5%
			"ETH-USD": series(100, 112), // +12%
			"SOL-USD": series(100, 98),  // -2%
		},
	}
	engine := NewEngine(venue, nil, Config{})

	result, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	require.NoError(t, err)

	assert.Equal(t, "ETH", result.SelectedSymbol)
	assert.Equal(t, "ETH-USD", result.SelectedProductID)
	assert.InDelta(t, 0.12, result.SelectedReturnPct, 1e-9)
	assert.True(t, result.TradabilityVerified)
	assert.Len(t, result.TopCandidates, 3)
	assert.Equal(t, 100.0, result.DataCoveragePct)
	assert.Equal(t, "FIFTEEN_MINUTE", result.Granularity)
	assert.NotEmpty(t, result.WhyExplanation)
}

func TestSelectLowestReturn(t *testing.T) {
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000), product("ETH", 900)},
		candles: map[string][]store.Candle{
			"BTC-USD": series(100, 105),
			"ETH-USD": series(100, 90),
		},
	}
	engine := NewEngine(venue, nil, Config{})

	result, err := engine.Select(context.Background(), Criteria{Order: "asc", LookbackHours: 24, AssetClass: "CRYPTO"})
	require.NoError(t, err)
	assert.Equal(t, "ETH", result.SelectedSymbol)
}

func TestStablecoinsAndOfflineExcluded(t *testing.T) {
	offline := product("DOGE", 950)
	offline.Status = "offline"
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000), product("USDT", 990), offline},
		candles: map[string][]store.Candle{
			"BTC-USD": series(100, 101),
		},
	}
	engine := NewEngine(venue, nil, Config{})

	result, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	require.NoError(t, err)
	assert.Equal(t, "BTC", result.SelectedSymbol)
	assert.Equal(t, "top 1 USD pairs by 24h volume, stablecoins excluded", result.UniverseDescription)
}

func TestDropRules(t *testing.T) {
	zeroVol := []store.Candle{
		{Start: time.Now().Add(-2 * time.Hour), Open: 100, Close: 100, Volume: 0},
		{Start: time.Now().Add(-time.Hour), Open: 100, Close: 101, Volume: 0},
	}
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000), product("ETH", 900), product("XYZ", 800)},
		candles: map[string][]store.Candle{
			"BTC-USD": series(100, 103),
			"ETH-USD": {{Start: time.Now(), Open: 100, Close: 100, Volume: 5}}, // one candle
			"XYZ-USD": zeroVol,
		},
	}
	engine := NewEngine(venue, nil, Config{})

	result, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	require.NoError(t, err)
	assert.Equal(t, "BTC", result.SelectedSymbol)
	assert.Equal(t, 2, result.ExclusionsCount)
	assert.Equal(t, "insufficient_candles_1_need_2", result.ExclusionReasons["ETH"])
	assert.Equal(t, "zero_volume", result.ExclusionReasons["XYZ"])
	assert.InDelta(t, 33.3, result.DataCoveragePct, 0.5)
}

func TestNoMarketData(t *testing.T) {
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000)},
		candles:  map[string][]store.Candle{},
	}
	engine := NewEngine(venue, nil, Config{})

	_, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	assert.ErrorIs(t, err, ErrNoMarketData)
}

func TestTradabilityGateFallsThrough(t *testing.T) {
	// ETH ranks first but its probe reports the product offline; BTC wins.
	ethOffline := product("ETH", 900)
	ethOffline.TradingDisabled = true
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000), product("ETH", 900)},
		candles: map[string][]store.Candle{
			"BTC-USD": series(100, 101),
			"ETH-USD": series(100, 120),
		},
	}
	probeVenue := &probeOverrideVenue{fakeVenue: venue, override: map[string]marketdata.Product{
		"ETH-USD": ethOffline,
	}}
	engine := NewEngine(probeVenue, nil, Config{})

	result, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	require.NoError(t, err)
	assert.Equal(t, "BTC", result.SelectedSymbol)
}

// probeOverrideVenue lets the metadata probe disagree with the listing.
type probeOverrideVenue struct {
	*fakeVenue
	override map[string]marketdata.Product
}

func (v *probeOverrideVenue) GetProduct(ctx context.Context, productID string) (*marketdata.Product, error) {
	if p, ok := v.override[productID]; ok {
		return &p, nil
	}
	return v.fakeVenue.GetProduct(ctx, productID)
}

func TestTradabilityGate401IsBenign(t *testing.T) {
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000)},
		candles:  map[string][]store.Candle{"BTC-USD": series(100, 105)},
		probeErr: map[string]error{"BTC-USD": &marketdata.APIError{Status: 401, Body: "auth"}},
	}
	engine := NewEngine(venue, nil, Config{})

	result, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	require.NoError(t, err)
	assert.Equal(t, "BTC", result.SelectedSymbol)
	assert.True(t, result.TradabilityVerified)
}

func TestNoTradeableAsset(t *testing.T) {
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000)},
		candles:  map[string][]store.Candle{"BTC-USD": series(100, 105)},
		probeErr: map[string]error{"BTC-USD": &marketdata.APIError{Status: 500, Body: "down"}},
	}
	engine := NewEngine(venue, nil, Config{})

	_, err := engine.Select(context.Background(), Criteria{Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO"})
	assert.ErrorIs(t, err, ErrNoTradeableAsset)
}

func TestThresholdFiltersCandidates(t *testing.T) {
	venue := &fakeVenue{
		products: []marketdata.Product{product("BTC", 1000), product("ETH", 900)},
		candles: map[string][]store.Candle{
			"BTC-USD": series(100, 125), // +25%
			"ETH-USD": series(100, 105), // +5%
		},
	}
	engine := NewEngine(venue, nil, Config{})

	threshold := 20.0
	result, err := engine.Select(context.Background(), Criteria{
		Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO", ThresholdPct: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, "BTC", result.SelectedSymbol)
	assert.Len(t, result.Rankings, 1)

	// Nothing clears a 50% bar.
	threshold = 50
	_, err = engine.Select(context.Background(), Criteria{
		Order: "desc", LookbackHours: 24, AssetClass: "CRYPTO", ThresholdPct: &threshold,
	})
	assert.ErrorIs(t, err, ErrNoMarketData)
}

func TestRankingConfidence(t *testing.T) {
	// 12% vs 5% gap is 7 points of the 10-point cap.
	candidates := []Candidate{{ReturnPct: 0.12}, {ReturnPct: 0.05}}
	assert.InDelta(t, 0.7, rankingConfidence(candidates), 1e-9)

	// Gap above the cap saturates.
	candidates = []Candidate{{ReturnPct: 0.50}, {ReturnPct: 0.05}}
	assert.Equal(t, 1.0, rankingConfidence(candidates))

	assert.Equal(t, 1.0, rankingConfidence([]Candidate{{ReturnPct: 0.1}}))
}
