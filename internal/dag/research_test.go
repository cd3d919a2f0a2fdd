package dag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
)

func TestResolveUniversePrefersPlan(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeProvider{}, Config{})
	run := &store.Run{
		AssetClass:    "CRYPTO",
		ExecutionPlan: store.ExecutionPlan{Universe: []string{"BTC-USD", "ETH-USD"}},
	}
	universe, filters, err := runner.resolveUniverse(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, universe)
	assert.Equal(t, "execution_plan", filters["source"])
}

func TestResolveUniverseLockedProduct(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeProvider{}, Config{})
	run := &store.Run{
		AssetClass:    "CRYPTO",
		ExecutionPlan: store.ExecutionPlan{ProductID: "SOL-USD"},
	}
	universe, filters, err := runner.resolveUniverse(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOL-USD"}, universe)
	assert.Equal(t, "locked_product", filters["source"])
}

func TestResolveUniverseVenueListingMajorsFirst(t *testing.T) {
	provider := &fakeProvider{products: []marketdata.Product{
		{ProductID: "ZRX-USD", BaseSymbol: "ZRX", QuoteSymbol: "USD", Status: "online"},
		{ProductID: "BTC-USD", BaseSymbol: "BTC", QuoteSymbol: "USD", Status: "online"},
		{ProductID: "USDT-USD", BaseSymbol: "USDT", QuoteSymbol: "USD", Status: "online"},
		{ProductID: "DELISTED-USD", BaseSymbol: "DEL", QuoteSymbol: "USD", Status: "offline"},
		{ProductID: "ETH-EUR", BaseSymbol: "ETH", QuoteSymbol: "EUR", Status: "online"},
	}}
	runner, _ := newTestRunner(t, provider, Config{})

	universe, _, err := runner.resolveUniverse(context.Background(), &store.Run{AssetClass: "CRYPTO"})
	require.NoError(t, err)
	// Majors lead; stablecoins, offline listings and non-USD quotes are gone.
	assert.Equal(t, []string{"BTC-USD", "ZRX-USD"}, universe)
}

func TestClassifyDrop(t *testing.T) {
	assert.Equal(t, "rate_limited", classifyDrop(&marketdata.APIError{Status: 429}))
	assert.Equal(t, "timeout", classifyDrop(marketdata.ErrTimeout))
	assert.Equal(t, "timeout", classifyDrop(context.DeadlineExceeded))
	assert.Equal(t, "api_error_fetch", classifyDrop(assert.AnError))
}

func TestGuessRootCause(t *testing.T) {
	drops := map[string]string{
		"AAA": "rate_limited",
		"BBB": "rate_limited",
		"CCC": "timeout",
	}
	assert.Equal(t, "rate_limited", guessRootCause(drops))
	assert.Equal(t, "unknown", guessRootCause(nil))
}

func TestTopDropExamples(t *testing.T) {
	drops := map[string]string{
		"DDD": "timeout",
		"AAA": "rate_limited",
		"BBB": "rate_limited",
		"CCC": "timeout",
	}
	examples := topDropExamples(drops, 2)
	assert.Equal(t, []string{"AAA: rate_limited", "BBB: rate_limited"}, examples)
}
