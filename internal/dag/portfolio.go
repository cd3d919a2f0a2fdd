package dag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Holding is one valued position in a portfolio brief.
type Holding struct {
	Symbol          string  `json:"symbol"`
	Qty             float64 `json:"qty"`
	PriceUSD        float64 `json:"price_usd"`
	USDValue        float64 `json:"usd_value"`
	AllocationPct   float64 `json:"allocation_pct"`
	VolatilityProxy float64 `json:"volatility_proxy"`
}

// RiskMetrics summarizes concentration and diversification.
type RiskMetrics struct {
	ConcentrationPctTop1 float64 `json:"concentration_pct_top1"`
	ConcentrationPctTop3 float64 `json:"concentration_pct_top3"`
	VolatilityProxy      float64 `json:"volatility_proxy"`
	DiversificationScore float64 `json:"diversification_score"`
	RiskLevel            string  `json:"risk_level"`
}

// TradeSummary aggregates the last 30 days of orders.
type TradeSummary struct {
	WindowDays       int      `json:"window_days"`
	OrderCount       int      `json:"order_count"`
	BuyCount         int      `json:"buy_count"`
	SellCount        int      `json:"sell_count"`
	TotalNotionalUSD float64  `json:"total_notional_usd"`
	TopTradedAssets  []string `json:"top_traded_assets"`
}

// BriefFailure reports why a brief could not be produced. A brief with a
// failure carries no holdings: unavailable data is never invented.
type BriefFailure struct {
	ErrorCode       string `json:"error_code"`
	ErrorMessage    string `json:"error_message"`
	Recoverable     bool   `json:"recoverable"`
	SuggestedAction string `json:"suggested_action"`
}

// PortfolioBrief is the portfolio node's primary output.
type PortfolioBrief struct {
	Mode            store.ExecutionMode `json:"mode"`
	TotalValueUSD   float64             `json:"total_value_usd"`
	CashUSD         float64             `json:"cash_usd"`
	Holdings        []Holding           `json:"holdings"`
	Risk            *RiskMetrics        `json:"risk,omitempty"`
	TradeSummary    *TradeSummary       `json:"trade_summary,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	Failure         *BriefFailure       `json:"failure,omitempty"`
	GeneratedAt     time.Time           `json:"generated_at"`
}

// RunPortfolioNode builds the portfolio brief for a run. Exported because
// PORTFOLIO_ANALYSIS commands execute it synchronously before responding.
func (r *Runner) RunPortfolioNode(ctx context.Context, run *store.Run) (*PortfolioBrief, error) {
	live := run.ExecutionMode == store.ModeLive && r.cfg.HasLiveCreds

	brief := &PortfolioBrief{
		Mode:        store.ModePaper,
		GeneratedAt: time.Now().UTC(),
	}
	if live {
		brief.Mode = store.ModeLive
	}

	balances, warning, failure := r.portfolioBalances(ctx, run, live)
	if failure != nil {
		brief.Failure = failure
		r.persistBrief(ctx, run, brief)
		return brief, nil
	}
	if warning != "" {
		brief.Warnings = append(brief.Warnings, warning)
	}

	holdings, cash := r.valueHoldings(ctx, balances, brief)

	// Minimal response is complete here; everything below only enhances it.
	brief.CashUSD = cash
	brief.TotalValueUSD = cash
	for _, h := range holdings {
		brief.TotalValueUSD += h.USDValue
	}

	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].USDValue != holdings[j].USDValue {
			return holdings[i].USDValue > holdings[j].USDValue
		}
		return holdings[i].Symbol < holdings[j].Symbol
	})
	if brief.TotalValueUSD > 0 {
		for i := range holdings {
			holdings[i].AllocationPct = holdings[i].USDValue / brief.TotalValueUSD * 100
		}
	}
	withCash := append([]Holding{}, holdings...)
	if cash > 0 {
		pct := 0.0
		if brief.TotalValueUSD > 0 {
			pct = cash / brief.TotalValueUSD * 100
		}
		withCash = append(withCash, Holding{Symbol: "USD", Qty: cash, PriceUSD: 1, USDValue: cash, AllocationPct: pct})
	}
	brief.Holdings = withCash

	brief.Risk = riskMetrics(holdings)

	summary, err := r.tradeSummary(ctx, run.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Trade summary unavailable")
		brief.Warnings = append(brief.Warnings, "trade history unavailable")
	} else {
		brief.TradeSummary = summary
	}

	brief.Recommendations = recommendations(brief.Risk, brief.TradeSummary)

	r.persistBrief(ctx, run, brief)
	return brief, nil
}

// portfolioBalances resolves the ledger. LIVE reads the venue and freezes a
// holdings_raw artifact with hashed account identifiers; PAPER reads the last
// snapshot or the deterministic seed.
func (r *Runner) portfolioBalances(ctx context.Context, run *store.Run, live bool) (map[string]float64, string, *BriefFailure) {
	if live {
		venueBalances, err := r.provider.ListBalances(ctx)
		if err != nil {
			return nil, "", &BriefFailure{
				ErrorCode:       "BALANCE_FETCH_FAILED",
				ErrorMessage:    err.Error(),
				Recoverable:     true,
				SuggestedAction: "Retry once the brokerage API recovers, or switch to PAPER mode.",
			}
		}
		r.writeArtifact(ctx, run.ID, store.NodePortfolio, store.ArtifactHoldingsRaw, holdingsRaw(venueBalances))

		balances := map[string]float64{}
		for _, b := range venueBalances {
			if qty := b.Available + b.Hold; qty > 0 {
				balances[b.Symbol] += qty
			}
		}
		return balances, "", nil
	}

	snap, err := r.store.LatestPortfolioSnapshot(ctx, run.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return store.DefaultPaperBalances(), "no prior snapshot, using paper seed", nil
		}
		return nil, "", &BriefFailure{
			ErrorCode:       "SNAPSHOT_LOAD_FAILED",
			ErrorMessage:    err.Error(),
			Recoverable:     true,
			SuggestedAction: "Check database connectivity and retry.",
		}
	}
	return snap.Balances, "", nil
}

// valueHoldings prices every non-cash balance from 24h hourly candles with
// bounded parallelism. The same series yields the per-asset volatility proxy.
func (r *Runner) valueHoldings(ctx context.Context, balances map[string]float64, brief *PortfolioBrief) ([]Holding, float64) {
	cash := 0.0
	var symbolList []string
	for sym, qty := range balances {
		if sym == "USD" || symbols.IsStablecoin(sym) {
			cash += qty
			continue
		}
		if qty > 0 {
			symbolList = append(symbolList, sym)
		}
	}
	sort.Strings(symbolList)

	sem := semaphore.NewWeighted(int64(r.cfg.FetchConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var holdings []Holding

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)

	for _, sym := range symbolList {
		sym := sym
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			productID := symbols.ToProductID(sym)
			var price, volatility float64
			candles, err := r.provider.GetCandles(ctx, productID, marketdata.OneHour, start, end)
			if err == nil && len(candles) > 0 {
				price = candles[len(candles)-1].Close
				volatility = stddev(candleReturns(candles))
			} else {
				price, err = r.provider.GetPrice(ctx, productID)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil || price <= 0 {
				log.Warn().Err(err).Str("symbol", sym).Msg("Holding could not be priced")
				brief.Warnings = append(brief.Warnings, fmt.Sprintf("%s could not be priced", sym))
				return
			}
			qty := balances[sym]
			holdings = append(holdings, Holding{
				Symbol:          sym,
				Qty:             qty,
				PriceUSD:        price,
				USDValue:        qty * price,
				VolatilityProxy: volatility,
			})
		}()
	}
	wg.Wait()
	return holdings, cash
}

// riskMetrics computes concentration and diversification over non-cash
// holdings, which arrive sorted by value desc.
func riskMetrics(holdings []Holding) *RiskMetrics {
	m := &RiskMetrics{RiskLevel: "LOW"}
	if len(holdings) == 0 {
		return m
	}

	var nonCashTotal float64
	for _, h := range holdings {
		nonCashTotal += h.USDValue
	}
	if nonCashTotal <= 0 {
		return m
	}

	var top3, volSum, sumSq float64
	for i, h := range holdings {
		pct := h.USDValue / nonCashTotal
		sumSq += pct * pct
		volSum += h.VolatilityProxy
		if i < 3 {
			top3 += pct * 100
		}
	}
	m.ConcentrationPctTop1 = holdings[0].USDValue / nonCashTotal * 100
	m.ConcentrationPctTop3 = top3
	m.VolatilityProxy = volSum / float64(len(holdings))
	m.DiversificationScore = 1 - sumSq

	switch {
	case m.ConcentrationPctTop1 >= 80:
		m.RiskLevel = "VERY_HIGH"
	case m.ConcentrationPctTop1 >= 60:
		m.RiskLevel = "HIGH"
	case m.ConcentrationPctTop1 >= 40:
		m.RiskLevel = "MEDIUM"
	}
	return m
}

// tradeSummary aggregates the last 30 days of orders for the tenant.
func (r *Runner) tradeSummary(ctx context.Context, tenantID string) (*TradeSummary, error) {
	since := time.Now().UTC().AddDate(0, 0, -30)
	orders, err := r.store.OrderHistory(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}

	summary := &TradeSummary{WindowDays: 30}
	counts := map[string]int{}
	for _, o := range orders {
		summary.OrderCount++
		summary.TotalNotionalUSD += o.NotionalUSD
		if o.Side == "BUY" {
			summary.BuyCount++
		} else {
			summary.SellCount++
		}
		counts[o.Symbol]++
	}

	type symCount struct {
		sym string
		n   int
	}
	ranked := make([]symCount, 0, len(counts))
	for sym, n := range counts {
		ranked = append(ranked, symCount{sym, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].sym < ranked[j].sym
	})
	for i, sc := range ranked {
		if i >= 3 {
			break
		}
		summary.TopTradedAssets = append(summary.TopTradedAssets, sc.sym)
	}
	return summary, nil
}

// recommendations derives one to four threshold-keyed suggestions.
func recommendations(risk *RiskMetrics, trades *TradeSummary) []string {
	var recs []string
	if risk != nil {
		switch {
		case risk.ConcentrationPctTop1 >= 70:
			recs = append(recs, fmt.Sprintf("HIGH: top holding is %.0f%% of the portfolio, consider rebalancing", risk.ConcentrationPctTop1))
		case risk.ConcentrationPctTop1 >= 50:
			recs = append(recs, fmt.Sprintf("MEDIUM: top holding is %.0f%% of the portfolio", risk.ConcentrationPctTop1))
		}
		if risk.DiversificationScore > 0 && risk.DiversificationScore < 0.3 {
			recs = append(recs, "MEDIUM: diversification score is low, spread across more assets")
		}
		if risk.VolatilityProxy > 0.05 {
			recs = append(recs, "MEDIUM: holdings show elevated hourly volatility")
		}
	}
	if trades != nil && trades.OrderCount > 50 {
		recs = append(recs, fmt.Sprintf("LOW: %d trades in 30 days, watch cumulative fees", trades.OrderCount))
	}
	if len(recs) == 0 {
		recs = append(recs, "Portfolio allocation looks balanced, no action needed")
	}
	if len(recs) > 4 {
		recs = recs[:4]
	}
	return recs
}

// holdingsRaw redacts venue account identifiers: a SHA-256 prefix over the
// sorted IDs plus per-account first/last 4 char hints.
func holdingsRaw(balances []marketdata.Balance) map[string]any {
	ids := make([]string, 0, len(balances))
	for _, b := range balances {
		ids = append(ids, b.AccountID)
	}
	sort.Strings(ids)
	digest := sha256.Sum256([]byte(fmt.Sprint(ids)))

	accounts := make([]map[string]any, 0, len(balances))
	for _, b := range balances {
		accounts = append(accounts, map[string]any{
			"account_hint": accountHint(b.AccountID),
			"symbol":       b.Symbol,
			"available":    b.Available,
			"hold":         b.Hold,
		})
	}
	return map[string]any{
		"accounts_digest": hex.EncodeToString(digest[:8]),
		"accounts":        accounts,
	}
}

func accountHint(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// persistBrief freezes the brief as both artifact and analysis snapshot.
func (r *Runner) persistBrief(ctx context.Context, run *store.Run, brief *PortfolioBrief) {
	payload := symbols.SafeJSON(brief)
	r.writeArtifact(ctx, run.ID, store.NodePortfolio, store.ArtifactPortfolioBrief, brief)
	if err := r.store.InsertAnalysisSnapshot(ctx, &store.AnalysisSnapshot{
		RunID: run.ID,
		Mode:  brief.Mode,
		Brief: payload,
	}); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Analysis snapshot persist failed")
	}
	if brief.Failure == nil {
		runID := run.ID
		if err := r.store.InsertPortfolioSnapshot(ctx, &store.PortfolioSnapshot{
			TenantID:      run.TenantID,
			RunID:         &runID,
			Balances:      briefBalances(brief),
			Positions:     briefPositions(brief),
			TotalValueUSD: brief.TotalValueUSD,
		}); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Portfolio snapshot persist failed")
		}
	}
}

func briefBalances(brief *PortfolioBrief) map[string]float64 {
	out := map[string]float64{}
	for _, h := range brief.Holdings {
		out[h.Symbol] = h.Qty
	}
	return out
}

func briefPositions(brief *PortfolioBrief) map[string]float64 {
	out := map[string]float64{}
	for _, h := range brief.Holdings {
		if h.Symbol == "USD" {
			continue
		}
		out[h.Symbol] = h.USDValue
	}
	return out
}
