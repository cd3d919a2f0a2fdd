package dag

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/store"
)

func TestPortfolioBriefFromPaperSeed(t *testing.T) {
	provider := &fakeProvider{
		candles: map[string][]store.Candle{
			"BTC-USD": hourlyCandles(24, 50000),
			"ETH-USD": hourlyCandles(24, 2000),
		},
	}
	runner, mock := newTestRunner(t, provider, Config{FetchConcurrency: 4})

	// No snapshot yet: the deterministic paper seed applies.
	mock.ExpectQuery("SELECT id, tenant_id, run_id, balances").
		WithArgs("t1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, run_id, tenant_id, symbol").
		WithArgs("t1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "run_id", "tenant_id", "symbol", "side", "notional_usd", "status",
			"filled_qty", "avg_fill_price", "fees", "client_order_id", "venue_order_id",
			"created_at", "updated_at",
		}))
	mock.ExpectExec("INSERT INTO run_artifacts").
		WithArgs("run_1", store.NodePortfolio, store.ArtifactPortfolioBrief, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO portfolio_analysis_snapshots").
		WithArgs(pgxmock.AnyArg(), "run_1", "PAPER", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO portfolio_snapshots").
		WithArgs(pgxmock.AnyArg(), "t1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &store.Run{ID: "run_1", TenantID: "t1", ExecutionMode: store.ModePaper, Intent: "PORTFOLIO_ANALYSIS"}
	brief, err := runner.RunPortfolioNode(context.Background(), run)
	require.NoError(t, err)
	require.Nil(t, brief.Failure)

	// Seed: $10k cash, 0.5 BTC at 50k, 5 ETH at 2k.
	assert.InDelta(t, 10000.0, brief.CashUSD, 0.01)
	assert.InDelta(t, 45000.0, brief.TotalValueUSD, 0.01)
	require.Len(t, brief.Holdings, 3)
	assert.Equal(t, "BTC", brief.Holdings[0].Symbol)
	assert.Equal(t, "ETH", brief.Holdings[1].Symbol)
	assert.Equal(t, "USD", brief.Holdings[2].Symbol)

	var pctSum float64
	for _, h := range brief.Holdings {
		pctSum += h.AllocationPct
	}
	assert.InDelta(t, 100.0, pctSum, 1.0)

	require.NotNil(t, brief.Risk)
	// BTC is 25k of 35k non-cash value.
	assert.InDelta(t, 71.4, brief.Risk.ConcentrationPctTop1, 0.1)
	assert.Equal(t, "HIGH", brief.Risk.RiskLevel)
	assert.NotEmpty(t, brief.Recommendations)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPortfolioBriefLiveBalanceFailure(t *testing.T) {
	provider := &fakeProvider{}
	runner, mock := newTestRunner(t, provider, Config{HasLiveCreds: false})

	// LIVE mode without creds degrades to PAPER; a snapshot load error is the
	// only failure path left, and it must not invent holdings.
	mock.ExpectQuery("SELECT id, tenant_id, run_id, balances").
		WithArgs("t1").
		WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO run_artifacts").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO portfolio_analysis_snapshots").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &store.Run{ID: "run_2", TenantID: "t1", ExecutionMode: store.ModeLive, Intent: "PORTFOLIO_ANALYSIS"}
	brief, err := runner.RunPortfolioNode(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, brief.Failure)
	assert.Equal(t, "SNAPSHOT_LOAD_FAILED", brief.Failure.ErrorCode)
	assert.True(t, brief.Failure.Recoverable)
	assert.Empty(t, brief.Holdings)
	assert.Zero(t, brief.TotalValueUSD)
}

func TestRiskMetricsConcentration(t *testing.T) {
	holdings := []Holding{
		{Symbol: "BTC", USDValue: 8500, VolatilityProxy: 0.01},
		{Symbol: "ETH", USDValue: 1000, VolatilityProxy: 0.02},
		{Symbol: "SOL", USDValue: 500, VolatilityProxy: 0.03},
	}
	m := riskMetrics(holdings)
	assert.Equal(t, "VERY_HIGH", m.RiskLevel)
	assert.InDelta(t, 85.0, m.ConcentrationPctTop1, 0.01)
	assert.InDelta(t, 100.0, m.ConcentrationPctTop3, 0.01)
	assert.InDelta(t, 0.02, m.VolatilityProxy, 0.001)
	assert.Greater(t, m.DiversificationScore, 0.0)
	assert.Less(t, m.DiversificationScore, 1.0)
}

func TestRiskMetricsEmpty(t *testing.T) {
	m := riskMetrics(nil)
	assert.Equal(t, "LOW", m.RiskLevel)
	assert.Zero(t, m.ConcentrationPctTop1)
}

func TestRecommendationsThresholds(t *testing.T) {
	risk := &RiskMetrics{
		ConcentrationPctTop1: 75,
		DiversificationScore: 0.2,
		VolatilityProxy:      0.08,
	}
	trades := &TradeSummary{OrderCount: 60}
	recs := recommendations(risk, trades)
	assert.Len(t, recs, 4)
	assert.Contains(t, recs[0], "HIGH")

	balanced := recommendations(&RiskMetrics{ConcentrationPctTop1: 30, DiversificationScore: 0.7}, nil)
	require.Len(t, balanced, 1)
	assert.Contains(t, balanced[0], "balanced")
}

func TestAccountHintRedaction(t *testing.T) {
	assert.Equal(t, "a1b2...e5f6", accountHint("a1b2c3d4e5f6"))
	assert.Equal(t, "****", accountHint("short"))
}
