package preflight

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
)

// fakeProvider serves canned products, prices and balances.
type fakeProvider struct {
	products []marketdata.Product
	prices   map[string]float64
	balances []marketdata.Balance
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
	return nil, nil
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
	return nil, marketdata.ErrNoCredentials
}

func (f *fakeProvider) ListFills(ctx context.Context, venueOrderID string) ([]marketdata.FillRecord, error) {
	return nil, nil
}

func (f *fakeProvider) OrderHistory(ctx context.Context, since time.Time) ([]marketdata.HistoricalOrder, error) {
	return nil, nil
}

var snapshotCols = []string{"id", "tenant_id", "run_id", "balances", "positions", "total_value_usd", "created_at"}

func newTestValidator(t *testing.T, provider marketdata.Provider, cfg Config) (*Validator, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewValidator(store.NewWithInterface(mock), provider, cfg), mock
}

func expectSnapshot(mock pgxmock.PgxPoolIface, balances string) {
	mock.ExpectQuery("SELECT id, tenant_id, run_id, balances").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(snapshotCols).
			AddRow("snap_1", "t1", nil, []byte(balances), []byte(`{}`), 0.0, time.Now()))
}

func TestMinNotionalRejection(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "BTC-USD", Status: "online", MinNotionalUSD: 1}},
	}
	validator, _ := newTestValidator(t, provider, Config{})

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "buy", Asset: "BTC", AssetClass: "CRYPTO",
		AmountUSD: 0.5, Mode: store.ModePaper,
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonMinNotionalTooLow, result.ReasonCode)
	assert.Equal(t, 1.0, result.MinNotionalUSD)
	assert.NotEmpty(t, result.Remediation)
}

func TestLiveDisabledRejection(t *testing.T) {
	validator, _ := newTestValidator(t, &fakeProvider{}, Config{LiveAllowed: false})

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "buy", Asset: "BTC", AssetClass: "CRYPTO",
		AmountUSD: 10, Mode: store.ModeLive,
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonLiveDisabled, result.ReasonCode)
}

func TestSellInsufficientBalance(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "BTC-USD", Status: "online", MinNotionalUSD: 1}},
		prices:   map[string]float64{"BTC-USD": 45000},
	}
	validator, mock := newTestValidator(t, provider, Config{})
	// 0.001 BTC at 45k is $45 of balance.
	expectSnapshot(mock, `{"USD":100,"BTC":0.001}`)

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "sell", Asset: "BTC", AssetClass: "CRYPTO",
		AmountUSD: 100, Mode: store.ModePaper,
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonInsufficientBalance, result.ReasonCode)
	assert.InDelta(t, 45.0, result.AvailableBalance, 0.01)
}

func TestSellWithSufficientBalance(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "ETH-USD", Status: "online", MinNotionalUSD: 1}},
		prices:   map[string]float64{"ETH-USD": 2500},
	}
	validator, mock := newTestValidator(t, provider, Config{})
	expectSnapshot(mock, `{"USD":100,"ETH":2}`)

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "sell", Asset: "ETH", AssetClass: "CRYPTO",
		AmountUSD: 1000, Mode: store.ModePaper,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestBuyWithAutoSellProposal(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "SOL-USD", Status: "online", MinNotionalUSD: 1}},
		prices:   map[string]float64{"BTC-USD": 45000, "ETH-USD": 2500, "SOL-USD": 100},
	}
	validator, mock := newTestValidator(t, provider, Config{})
	// $50 cash, wants $200 of SOL. ETH ($250) is the smallest holding that
	// covers the shortfall; BTC ($450) would over-disturb.
	expectSnapshot(mock, `{"USD":50,"BTC":0.01,"ETH":0.1}`)

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "buy", Asset: "SOL", AssetClass: "CRYPTO",
		AmountUSD: 200, Mode: store.ModePaper,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.RequiresAutoSell)
	require.NotNil(t, result.AutoSell)
	assert.Equal(t, "ETH", result.AutoSell.SellBaseSymbol)
	assert.Equal(t, "ETH-USD", result.AutoSell.SellProductID)
	assert.InDelta(t, 200*1.006-50, result.AutoSell.SellAmountUSD, 0.01)
}

func TestBuyInsufficientCashNoCoverage(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "BTC-USD", Status: "online", MinNotionalUSD: 1}},
		prices:   map[string]float64{"BTC-USD": 45000, "ETH-USD": 2500},
	}
	validator, mock := newTestValidator(t, provider, Config{})
	// $5 cash, $25 of ETH: nothing covers a $200 buy.
	expectSnapshot(mock, `{"USD":5,"ETH":0.01}`)

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "buy", Asset: "BTC", AssetClass: "CRYPTO",
		AmountUSD: 200, Mode: store.ModePaper,
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonInsufficientCash, result.ReasonCode)
	assert.Nil(t, result.AutoSell)
}

func TestPaperSeedWhenNoSnapshot(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "BTC-USD", Status: "online", MinNotionalUSD: 1}},
		prices:   map[string]float64{"BTC-USD": 45000, "ETH-USD": 2500},
	}
	validator, mock := newTestValidator(t, provider, Config{})
	mock.ExpectQuery("SELECT id, tenant_id, run_id, balances").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(snapshotCols))

	// Seed ledger has $10k cash, plenty for a $100 buy.
	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "buy", Asset: "BTC", AssetClass: "CRYPTO",
		AmountUSD: 100, Mode: store.ModePaper,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.RequiresAutoSell)
}

func TestLiveBalancesUsedWhenCredsPresent(t *testing.T) {
	provider := &fakeProvider{
		products: []marketdata.Product{{ProductID: "BTC-USD", Status: "online", MinNotionalUSD: 1}},
		prices:   map[string]float64{"BTC-USD": 45000},
		balances: []marketdata.Balance{
			{Symbol: "USD", Available: 20},
			{Symbol: "BTC", Available: 0.001},
		},
	}
	validator, _ := newTestValidator(t, provider, Config{LiveAllowed: true, HasLiveCreds: true})

	result, err := validator.Validate(context.Background(), Request{
		TenantID: "t1", Side: "sell", Asset: "BTC", AssetClass: "CRYPTO",
		AmountUSD: 40, Mode: store.ModeLive,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
