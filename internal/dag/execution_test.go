package dag

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/store"
)

func TestPaperOrderFillsAtCurrentPrice(t *testing.T) {
	provider := &fakeProvider{prices: map[string]float64{"BTC-USD": 50000}}
	runner, mock := newTestRunner(t, provider, Config{FeePct: 0.006})

	mock.ExpectExec("INSERT INTO orders").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE orders").
		WithArgs(pgxmock.AnyArg(), "FILLED", pgxmock.AnyArg(), 50000.0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO fills").
		WithArgs(anyArgs(7)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &store.Run{ID: "run_1", TenantID: "t1", ExecutionMode: store.ModePaper, AssetClass: "CRYPTO"}
	order, err := runner.placeOrder(context.Background(), run, "BTC-USD", "BTC", "BUY", 100, 0)
	require.NoError(t, err)

	assert.Equal(t, store.OrderFilled, order.Status)
	assert.Equal(t, "run_1-0", order.ClientOrderID)
	assert.InDelta(t, 0.6, order.Fees, 0.0001)
	// (100 - 0.60) / 50000
	assert.InDelta(t, 0.001988, order.FilledQty, 0.000001)
	assert.InDelta(t, 50000.0, order.AvgFillPrice, 0.01)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLiveOrderRequiresTradabilityVerification(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeProvider{}, Config{})

	run := &store.Run{
		ID: "run_1", TenantID: "t1",
		ExecutionMode: store.ModeLive, AssetClass: "CRYPTO",
		TradabilityVerified: false,
	}
	_, err := runner.placeOrder(context.Background(), run, "BTC-USD", "BTC", "BUY", 100, 0)
	var nf *nodeFailure
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "EXECUTION_UNVERIFIED_PRODUCT", nf.code)
}

func TestLiveOrderRecordsVenueOrderID(t *testing.T) {
	provider := &fakeProvider{}
	runner, mock := newTestRunner(t, provider, Config{})

	mock.ExpectExec("INSERT INTO orders").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &store.Run{
		ID: "run_1", TenantID: "t1",
		ExecutionMode: store.ModeLive, AssetClass: "CRYPTO",
		TradabilityVerified: true,
	}
	order, err := runner.placeOrder(context.Background(), run, "BTC-USD", "BTC", "BUY", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, store.OrderSubmitted, order.Status)
	assert.Equal(t, "venue_1", order.VenueOrderID)
	require.Len(t, provider.placed, 1)
	assert.Equal(t, "run_1-0", provider.placed[0].ClientOrderID)
}

func TestReplayPricesFromFrozenCandles(t *testing.T) {
	runner, mock := newTestRunner(t, &fakeProvider{}, Config{})

	candles, err := json.Marshal(hourlyCandles(3, 42000))
	require.NoError(t, err)
	mock.ExpectQuery("SELECT id, run_id, product_id, granularity").
		WithArgs("run_1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "product_id", "granularity", "candles", "query_params", "created_at",
		}).AddRow("batch_1", "run_1", "BTC-USD", "ONE_HOUR", candles, []byte(`{}`), time.Now().UTC()))

	run := &store.Run{ID: "run_1", ExecutionMode: store.ModeReplay}
	price, err := runner.fillPrice(context.Background(), run, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 42000.0, price)
}

func TestAutoSellFromMetadata(t *testing.T) {
	metadata := map[string]any{
		"auto_sell": map[string]any{
			"sell_base_symbol": "ETH",
			"sell_product_id":  "ETH-USD",
			"sell_amount_usd":  55.5,
		},
	}
	proposal := autoSellFromMetadata(metadata)
	require.NotNil(t, proposal)
	assert.Equal(t, "ETH", proposal.SellBaseSymbol)
	assert.InDelta(t, 55.5, proposal.SellAmountUSD, 0.001)

	assert.Nil(t, autoSellFromMetadata(nil))
	assert.Nil(t, autoSellFromMetadata(map[string]any{"auto_sell": map[string]any{}}))
}
