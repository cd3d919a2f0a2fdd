package tradeparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleBuy(t *testing.T) {
	cmd := Parse("Buy $10 of BTC", ModePaper)
	assert.Equal(t, "buy", cmd.Side)
	assert.Equal(t, "BTC", cmd.Asset)
	assert.Equal(t, 10.0, cmd.AmountUSD)
	assert.Equal(t, ModePaper, cmd.Mode)
	assert.Equal(t, ClassCrypto, cmd.AssetClass)
	assert.Empty(t, cmd.Missing)
}

func TestParseDecimalAmount(t *testing.T) {
	cmd := Parse("buy $10.50 of ethereum", ModePaper)
	assert.Equal(t, 10.5, cmd.AmountUSD)
	assert.Equal(t, "ETH", cmd.Asset)
}

func TestParsePercentSell(t *testing.T) {
	cmd := Parse("sell 25% of my bitcoin", ModePaper)
	assert.Equal(t, "sell", cmd.Side)
	assert.Equal(t, 25.0, cmd.SellPct)
	assert.Equal(t, "BTC", cmd.Asset)
	assert.Empty(t, cmd.Missing)
}

func TestParseWindows(t *testing.T) {
	tests := []struct {
		text  string
		hours float64
	}{
		{"most profitable crypto in the last 10 minutes", 10.0 / 60},
		{"best return over the past 6 hours", 6},
		{"top performer last week", 168},
		{"best crypto in the last 7 weeks", 1176},
		{"most profitable coin in the past 3 days", 72},
	}
	for _, tt := range tests {
		cmd := Parse("buy $5 of the "+tt.text, ModePaper)
		assert.InDelta(t, tt.hours, cmd.LookbackHours, 0.001, tt.text)
		assert.True(t, cmd.IsMostProfitable, tt.text)
	}
}

func TestParseDefaultLookback(t *testing.T) {
	cmd := Parse("buy $5 of the most profitable crypto", ModePaper)
	assert.Equal(t, 24.0, cmd.LookbackHours)
	assert.Equal(t, "highest", cmd.SelectionCriteria)
}

func TestParseWorstPerformer(t *testing.T) {
	cmd := Parse("buy $5 of the worst performing crypto today", ModePaper)
	assert.True(t, cmd.IsMostProfitable)
	assert.Equal(t, "lowest", cmd.SelectionCriteria)
}

func TestParseThreshold(t *testing.T) {
	cmd := Parse("buy $5 of any crypto up 20% in the last day", ModePaper)
	assert.Equal(t, 20.0, cmd.ThresholdPct)
}

func TestParseSellLastPurchase(t *testing.T) {
	cmd := Parse("sell my last purchase", ModePaper)
	assert.True(t, cmd.IsSellLastPurchase)
	assert.Equal(t, "sell", cmd.Side)
	assert.Empty(t, cmd.Missing)
}

func TestParseMissingAmount(t *testing.T) {
	cmd := Parse("buy some BTC", ModePaper)
	require.Len(t, cmd.Missing, 1)
	assert.Equal(t, MissingAmount, cmd.Missing[0])
}

func TestParseMissingAsset(t *testing.T) {
	cmd := Parse("buy $10 worth", ModePaper)
	assert.Contains(t, cmd.Missing, MissingAsset)
}

func TestParseAmbiguousClass(t *testing.T) {
	cmd := Parse("buy $10 of the best crypto or stock", ModePaper)
	assert.Equal(t, ClassAmbiguous, cmd.AssetClass)
}

func TestParseStockTicker(t *testing.T) {
	cmd := Parse("buy $100 of AAPL stock", ModePaper)
	assert.Equal(t, ClassStock, cmd.AssetClass)
	assert.Equal(t, "AAPL", cmd.Asset)
}

func TestParseModeOverride(t *testing.T) {
	assert.Equal(t, ModeLive, Parse("buy $10 of BTC live", ModePaper).Mode)
	assert.Equal(t, ModePaper, Parse("paper trade $10 of BTC", ModeLive).Mode)
	assert.Equal(t, ModeAssistedLive, Parse("buy $10 of AAPL assisted", ModePaper).Mode)
}
