package selection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Typed refusals. The endpoint maps these to structured rejections; a silent
// fallback to a default asset is never allowed.
var (
	ErrNoTradeableAsset = errors.New("no tradeable top performer")
	ErrNoMarketData     = errors.New("no market data for any candidate")
)

// Universe constraints accepted from the parser.
const (
	UniverseTop25Volume        = "top_25_volume"
	UniverseMajorsOnly         = "majors_only"
	UniverseExcludeStablecoins = "exclude_stablecoins"
)

// Criteria drives one selection.
type Criteria struct {
	// Order is "desc" for highest/best/momentum, "asc" for lowest/worst.
	Order              string
	LookbackHours      float64
	UniverseConstraint string
	ThresholdPct       *float64
	AssetClass         string // CRYPTO or STOCK
}

// Candidate is one scored universe member.
type Candidate struct {
	Symbol      string         `json:"symbol"`
	ProductID   string         `json:"product_id"`
	ReturnPct   float64        `json:"return_pct"`
	Volume      float64        `json:"volume"`
	CandleCount int            `json:"candle_count"`
	Candles     []store.Candle `json:"-"`
}

// Result is the full selection outcome, kept verbatim as evidence.
type Result struct {
	SelectedSymbol      string            `json:"selected_symbol"`
	SelectedProductID   string            `json:"selected_product_id"`
	SelectedReturnPct   float64           `json:"selected_return_pct"`
	TopCandidates       []Candidate       `json:"top_candidates"`
	Rankings            []Candidate       `json:"-"`
	Granularity         string            `json:"granularity"`
	DataCoveragePct     float64           `json:"data_coverage_pct"`
	RankingConfidence   float64           `json:"ranking_confidence"`
	ExclusionsCount     int               `json:"exclusions_count"`
	ExclusionReasons    map[string]string `json:"exclusion_reasons,omitempty"`
	UniverseDescription string            `json:"universe_description"`
	WindowDescription   string            `json:"window_description"`
	WhyExplanation      string            `json:"why_explanation"`
	TradabilityVerified bool              `json:"tradability_verified"`
}

// Engine ranks a candidate universe by realized return over a lookback
// window, then gates the winner on tradability.
type Engine struct {
	provider       marketdata.Provider
	stocks         *marketdata.PolygonProvider
	stockWatchlist []string
	concurrency    int64
}

// Config configures the engine.
type Config struct {
	StockWatchlist []string
	Concurrency    int
}

// NewEngine builds the selection engine.
func NewEngine(provider marketdata.Provider, stocks *marketdata.PolygonProvider, cfg Config) *Engine {
	concurrency := int64(cfg.Concurrency)
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Engine{
		provider:       provider,
		stocks:         stocks,
		stockWatchlist: cfg.StockWatchlist,
		concurrency:    concurrency,
	}
}

// Select runs the full pipeline: universe, candles, ranking, threshold,
// tradability gate. Returns ErrNoMarketData or ErrNoTradeableAsset on the
// documented refusal paths.
func (e *Engine) Select(ctx context.Context, criteria Criteria) (*Result, error) {
	if criteria.AssetClass == "STOCK" {
		return e.selectStock(ctx, criteria)
	}
	return e.selectCrypto(ctx, criteria)
}

func (e *Engine) selectCrypto(ctx context.Context, criteria Criteria) (*Result, error) {
	products, err := e.provider.ListProducts(ctx, "USD")
	if err != nil {
		return nil, fmt.Errorf("universe fetch failed: %w", err)
	}

	universe := buildUniverse(products, criteria.UniverseConstraint)
	if len(universe) == 0 {
		return nil, ErrNoMarketData
	}

	granularity := marketdata.SelectionGranularity(criteria.LookbackHours)
	end := time.Now().UTC()
	start := end.Add(-time.Duration(criteria.LookbackHours * float64(time.Hour)))

	candidates, exclusions := e.fetchAndScore(ctx, universe, granularity, start, end)

	result := &Result{
		Granularity:         string(granularity),
		ExclusionsCount:     len(exclusions),
		ExclusionReasons:    exclusions,
		UniverseDescription: describeUniverse(criteria.UniverseConstraint, len(universe)),
		WindowDescription:   describeWindow(criteria.LookbackHours),
	}
	if len(universe) > 0 {
		result.DataCoveragePct = float64(len(candidates)) / float64(len(universe)) * 100
	}

	if len(candidates) == 0 {
		return result, ErrNoMarketData
	}

	candidates = applyThreshold(candidates, criteria)
	if len(candidates) == 0 {
		return result, ErrNoMarketData
	}

	sortCandidates(candidates, criteria.Order)
	result.Rankings = candidates
	result.TopCandidates = topN(candidates, 3)
	result.RankingConfidence = rankingConfidence(candidates)

	winner, err := e.tradabilityGate(ctx, candidates, universe)
	if err != nil {
		return result, err
	}

	result.SelectedSymbol = winner.Symbol
	result.SelectedProductID = winner.ProductID
	result.SelectedReturnPct = winner.ReturnPct
	result.TradabilityVerified = true
	result.WhyExplanation = explain(winner, criteria, result)
	return result, nil
}

// buildUniverse filters listings to online USD products without stablecoin
// bases, already volume-sorted by the provider, capped at 25.
func buildUniverse(products []marketdata.Product, constraint string) []marketdata.Product {
	majorsOnly := constraint == UniverseMajorsOnly
	majors := make(map[string]bool)
	for _, m := range symbols.Majors {
		majors[m] = true
	}

	var universe []marketdata.Product
	for _, p := range products {
		if !p.Online() || p.QuoteSymbol != "USD" {
			continue
		}
		if symbols.IsStablecoin(p.BaseSymbol) {
			continue
		}
		if majorsOnly && !majors[p.BaseSymbol] {
			continue
		}
		universe = append(universe, p)
		if len(universe) == 25 {
			break
		}
	}
	return universe
}

// fetchAndScore pulls candles for every universe member with bounded
// concurrency and computes the window return for those with usable data.
func (e *Engine) fetchAndScore(ctx context.Context, universe []marketdata.Product, granularity marketdata.Granularity, start, end time.Time) ([]Candidate, map[string]string) {
	sem := semaphore.NewWeighted(e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	candidates := make([]Candidate, 0, len(universe))
	exclusions := make(map[string]string)

	for _, product := range universe {
		product := product
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			candles, err := e.provider.GetCandles(ctx, product.ProductID, granularity, start, end)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exclusions[product.BaseSymbol] = classifyFetchError(err)
				return
			}
			if len(candles) < 2 {
				exclusions[product.BaseSymbol] = fmt.Sprintf("insufficient_candles_%d_need_2", len(candles))
				return
			}
			var volume float64
			for _, c := range candles {
				volume += c.Volume
			}
			if volume == 0 {
				exclusions[product.BaseSymbol] = "zero_volume"
				return
			}
			firstOpen := candles[0].Open
			if firstOpen <= 0 {
				exclusions[product.BaseSymbol] = "invalid_price_zero_open"
				return
			}
			candidates = append(candidates, Candidate{
				Symbol:      product.BaseSymbol,
				ProductID:   product.ProductID,
				ReturnPct:   (candles[len(candles)-1].Close - firstOpen) / firstOpen,
				Volume:      volume,
				CandleCount: len(candles),
				Candles:     candles,
			})
		}()
	}
	wg.Wait()
	return candidates, exclusions
}

func classifyFetchError(err error) string {
	switch {
	case errors.Is(err, marketdata.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, marketdata.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "api_error_" + firstWord(err.Error())
	}
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " :"); i > 0 {
		return s[:i]
	}
	return s
}

func applyThreshold(candidates []Candidate, criteria Criteria) []Candidate {
	if criteria.ThresholdPct == nil {
		return candidates
	}
	threshold := *criteria.ThresholdPct / 100
	kept := candidates[:0]
	for _, c := range candidates {
		if criteria.Order == "asc" {
			if c.ReturnPct <= -threshold {
				kept = append(kept, c)
			}
		} else if c.ReturnPct >= threshold {
			kept = append(kept, c)
		}
	}
	return kept
}

func sortCandidates(candidates []Candidate, order string) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ReturnPct != candidates[j].ReturnPct {
			if order == "asc" {
				return candidates[i].ReturnPct < candidates[j].ReturnPct
			}
			return candidates[i].ReturnPct > candidates[j].ReturnPct
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
}

func topN(candidates []Candidate, n int) []Candidate {
	if len(candidates) < n {
		n = len(candidates)
	}
	top := make([]Candidate, n)
	copy(top, candidates[:n])
	return top
}

// rankingConfidence normalizes the gap between first and second place with a
// 10 percentage-point cap. A lone candidate is fully confident.
func rankingConfidence(candidates []Candidate) float64 {
	if len(candidates) < 2 {
		return 1
	}
	gap := (candidates[0].ReturnPct - candidates[1].ReturnPct) * 100
	if gap < 0 {
		gap = -gap
	}
	if gap > 10 {
		gap = 10
	}
	return gap / 10
}

// tradabilityGate walks the ranking top-down and returns the first candidate
// that is listed online and passes the broker metadata probe. A 401 from the
// probe is benign: the public listing is the source of truth.
func (e *Engine) tradabilityGate(ctx context.Context, candidates []Candidate, universe []marketdata.Product) (*Candidate, error) {
	listed := make(map[string]bool, len(universe))
	for _, p := range universe {
		listed[p.ProductID] = p.Online()
	}

	for i := range candidates {
		c := &candidates[i]
		if !listed[c.ProductID] {
			continue
		}
		probe, err := e.provider.GetProduct(ctx, c.ProductID)
		if err != nil {
			if errors.Is(err, marketdata.ErrUnauthorized) {
				return c, nil
			}
			log.Warn().Err(err).Str("product_id", c.ProductID).Msg("Tradability probe failed, skipping candidate")
			continue
		}
		if probe.Online() {
			return c, nil
		}
	}
	return nil, ErrNoTradeableAsset
}

func describeUniverse(constraint string, size int) string {
	switch constraint {
	case UniverseMajorsOnly:
		return fmt.Sprintf("major crypto assets (%d candidates)", size)
	default:
		return fmt.Sprintf("top %d USD pairs by 24h volume, stablecoins excluded", size)
	}
}

func describeWindow(hours float64) string {
	switch {
	case hours < 1:
		return fmt.Sprintf("last %.0f minutes", hours*60)
	case hours < 48:
		return fmt.Sprintf("last %.0f hours", hours)
	default:
		return fmt.Sprintf("last %.0f days", hours/24)
	}
}

func explain(winner *Candidate, criteria Criteria, result *Result) string {
	direction := "highest"
	if criteria.Order == "asc" {
		direction = "lowest"
	}
	return fmt.Sprintf("%s had the %s return (%.2f%%) over the %s across %s. Data coverage %.0f%%, ranking confidence %.0f%%.",
		winner.Symbol, direction, winner.ReturnPct*100, result.WindowDescription,
		result.UniverseDescription, result.DataCoveragePct, result.RankingConfidence*100)
}

// selectStock ranks the configured watchlist on daily closes. Stocks trade
// through tickets, so no venue tradability gate applies.
func (e *Engine) selectStock(ctx context.Context, criteria Criteria) (*Result, error) {
	if e.stocks == nil || !e.stocks.Enabled() {
		return nil, ErrNoMarketData
	}
	if len(e.stockWatchlist) == 0 {
		return nil, ErrNoMarketData
	}

	days := int(criteria.LookbackHours/24) + 1
	if days < 2 {
		days = 2
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	sem := semaphore.NewWeighted(e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var candidates []Candidate
	exclusions := make(map[string]string)

	for _, ticker := range e.stockWatchlist {
		ticker := ticker
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			candles, err := e.stocks.GetDailyCandles(ctx, ticker, start, end)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exclusions[ticker] = classifyFetchError(err)
				return
			}
			if len(candles) < 2 {
				exclusions[ticker] = fmt.Sprintf("insufficient_candles_%d_need_2", len(candles))
				return
			}
			firstOpen := candles[0].Open
			if firstOpen <= 0 {
				exclusions[ticker] = "invalid_price_zero_open"
				return
			}
			var volume float64
			for _, c := range candles {
				volume += c.Volume
			}
			candidates = append(candidates, Candidate{
				Symbol:      ticker,
				ProductID:   ticker,
				ReturnPct:   (candles[len(candles)-1].Close - firstOpen) / firstOpen,
				Volume:      volume,
				CandleCount: len(candles),
				Candles:     candles,
			})
		}()
	}
	wg.Wait()

	result := &Result{
		Granularity:         string(marketdata.OneDay),
		ExclusionsCount:     len(exclusions),
		ExclusionReasons:    exclusions,
		UniverseDescription: fmt.Sprintf("stock watchlist (%d tickers)", len(e.stockWatchlist)),
		WindowDescription:   describeWindow(criteria.LookbackHours),
		DataCoveragePct:     float64(len(candidates)) / float64(len(e.stockWatchlist)) * 100,
	}

	if len(candidates) == 0 {
		return result, ErrNoMarketData
	}

	candidates = applyThreshold(candidates, criteria)
	if len(candidates) == 0 {
		return result, ErrNoMarketData
	}

	sortCandidates(candidates, criteria.Order)
	result.Rankings = candidates
	result.TopCandidates = topN(candidates, 3)
	result.RankingConfidence = rankingConfidence(candidates)

	winner := &candidates[0]
	result.SelectedSymbol = winner.Symbol
	result.SelectedProductID = winner.ProductID
	result.SelectedReturnPct = winner.ReturnPct
	result.WhyExplanation = explain(winner, criteria, result)
	return result, nil
}
