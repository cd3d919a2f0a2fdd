package dag

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
)

// fakeProvider serves canned market data for node tests.
type fakeProvider struct {
	products  []marketdata.Product
	candles   map[string][]store.Candle
	prices    map[string]float64
	balances  []marketdata.Balance
	orderErr  error
	placed    []marketdata.OrderRequest
	fills     map[string][]marketdata.FillRecord
	candleErr error
}

func (f *fakeProvider) ListProducts(ctx context.Context, quote string) ([]marketdata.Product, error) {
	return f.products, nil
}

func (f *fakeProvider) GetProduct(ctx context.Context, productID string) (*marketdata.Product, error) {
	for _, p := range f.products {
		if p.ProductID == productID {
			return &p, nil
		}
	}
	return nil, marketdata.ErrNotFound
}

func (f *fakeProvider) GetCandles(ctx context.Context, productID string, g marketdata.Granularity, start, end time.Time) ([]store.Candle, error) {
	if f.candleErr != nil {
		return nil, f.candleErr
	}
	return f.candles[productID], nil
}

func (f *fakeProvider) GetPrice(ctx context.Context, productID string) (float64, error) {
	price, ok := f.prices[productID]
	if !ok {
		return 0, marketdata.ErrNotFound
	}
	return price, nil
}

func (f *fakeProvider) ListBalances(ctx context.Context) ([]marketdata.Balance, error) {
	return f.balances, nil
}

func (f *fakeProvider) PlaceMarketOrder(ctx context.Context, req marketdata.OrderRequest) (*marketdata.OrderResult, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.placed = append(f.placed, req)
	return &marketdata.OrderResult{VenueOrderID: "venue_1", Status: "OPEN"}, nil
}

func (f *fakeProvider) ListFills(ctx context.Context, venueOrderID string) ([]marketdata.FillRecord, error) {
	return f.fills[venueOrderID], nil
}

func (f *fakeProvider) OrderHistory(ctx context.Context, since time.Time) ([]marketdata.HistoricalOrder, error) {
	return nil, nil
}

func newTestRunner(t *testing.T, provider marketdata.Provider, cfg Config) (*Runner, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRunner(store.NewWithInterface(mock), provider, nil, nil, nil, nil, cfg), mock
}

// anyArgs matches a statement's full placeholder list without pinning values.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// hourlyCandles builds a simple rising series ending at lastClose.
func hourlyCandles(n int, lastClose float64) []store.Candle {
	candles := make([]store.Candle, n)
	start := time.Now().UTC().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		price := lastClose - float64(n-1-i)
		candles[i] = store.Candle{
			Start:  start.Add(time.Duration(i) * time.Hour),
			Open:   price - 0.5,
			High:   price + 1,
			Low:    price - 1,
			Close:  price,
			Volume: 100,
		}
	}
	return candles
}
