package dag

import (
	"context"
	"encoding/json"
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

// rankedAsset is one scored entry in the financial brief.
type rankedAsset struct {
	Symbol      string  `json:"symbol"`
	ProductID   string  `json:"product_id"`
	ReturnPct   float64 `json:"return_pct"`
	Volume      float64 `json:"volume"`
	CandleCount int     `json:"candle_count"`
	BatchID     string  `json:"batch_id"`
}

// financialBrief is the research node's primary artifact.
type financialBrief struct {
	RankedAssets  []rankedAsset `json:"ranked_assets"`
	LookbackHours float64       `json:"lookback_hours"`
	Granularity   string        `json:"granularity"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

const failureCodeEmptyRankings = "RESEARCH_EMPTY_RANKINGS"

// runResearch resolves the universe, fetches candles, ranks by return and
// freezes the evidence. An empty result set fails the run.
func (r *Runner) runResearch(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run

	if run.ExecutionMode == store.ModeReplay {
		return r.replayResearch(ctx, run)
	}

	universe, filters, err := r.resolveUniverse(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("universe resolution failed: %w", err)
	}

	r.writeArtifact(ctx, run.ID, store.NodeResearch, store.ArtifactUniverseSnapshot, map[string]any{
		"products": universe,
		"filters":  filters,
		"count":    len(universe),
	})

	lookback := run.ExecutionPlan.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}
	granularity := marketdata.ResearchGranularity(lookback)
	end := time.Now().UTC()
	start := end.Add(-marketdata.ResearchWindow(lookback))
	minCandles := int(0.75 * lookback)
	if minCandles < 2 {
		minCandles = 2
	}
	if granularity == marketdata.OneDay {
		minCandles = 2
	}

	ranked, drops := r.fetchResearchCandles(ctx, run, universe, granularity, start, end, minCandles)

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].ReturnPct != ranked[j].ReturnPct {
			return ranked[i].ReturnPct > ranked[j].ReturnPct
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})

	var statsSnapshot any
	if cb, ok := r.provider.(*marketdata.CoinbaseProvider); ok {
		statsSnapshot = cb.Stats().Snapshot()
	}
	r.writeArtifact(ctx, run.ID, store.NodeResearch, store.ArtifactResearchSummary, map[string]any{
		"universe_size":  len(universe),
		"ranked_count":   len(ranked),
		"dropped_count":  len(drops),
		"drop_reasons":   drops,
		"api_call_stats": statsSnapshot,
	})

	if len(ranked) == 0 {
		r.writeArtifact(ctx, run.ID, store.NodeResearch, store.ArtifactResearchFailure, map[string]any{
			"reason_code":      failureCodeEmptyRankings,
			"root_cause_guess": guessRootCause(drops),
			"recommended_fix":  "Widen the lookback window or retry once provider limits reset.",
			"top_examples":     topDropExamples(drops, 3),
		})
		return nil, &nodeFailure{code: failureCodeEmptyRankings, reason: "no candidate produced usable market data"}
	}

	brief := financialBrief{
		RankedAssets:  ranked,
		LookbackHours: lookback,
		Granularity:   string(granularity),
		GeneratedAt:   time.Now().UTC(),
	}
	r.writeArtifact(ctx, run.ID, store.NodeResearch, store.ArtifactFinancialBrief, brief)

	return symbols.SafeJSON(map[string]any{
		"summary":      fmt.Sprintf("ranked %d of %d candidates, top %s %+.2f%%", len(ranked), len(universe), ranked[0].Symbol, ranked[0].ReturnPct*100),
		"ranked_count": len(ranked),
		"top_symbol":   ranked[0].Symbol,
	}), nil
}

// resolveUniverse prefers the plan's universe; otherwise it builds one from
// the venue listing, majors first, capped at 50.
func (r *Runner) resolveUniverse(ctx context.Context, run *store.Run) ([]string, map[string]any, error) {
	filters := map[string]any{
		"status":      "online",
		"quote":       "USD",
		"stablecoins": "excluded",
	}

	if len(run.ExecutionPlan.Universe) > 0 {
		filters["source"] = "execution_plan"
		return run.ExecutionPlan.Universe, filters, nil
	}
	if run.AssetClass == "STOCK" {
		// Stock runs get their watchlist sealed into the plan at staging time.
		filters["source"] = "stock_watchlist"
		filters["status"] = "listed"
		return nil, filters, nil
	}
	if run.ExecutionPlan.ProductID != "" {
		filters["source"] = "locked_product"
		return []string{run.ExecutionPlan.ProductID}, filters, nil
	}

	products, err := r.provider.ListProducts(ctx, "USD")
	if err != nil {
		return nil, nil, err
	}
	filters["source"] = "venue_listing"

	majors := make(map[string]bool)
	for _, m := range symbols.Majors {
		majors[m] = true
	}

	var majorIDs, otherIDs []string
	for _, p := range products {
		if !p.Online() || p.QuoteSymbol != "USD" || symbols.IsStablecoin(p.BaseSymbol) {
			continue
		}
		if majors[p.BaseSymbol] {
			majorIDs = append(majorIDs, p.ProductID)
		} else {
			otherIDs = append(otherIDs, p.ProductID)
		}
	}
	universe := append(majorIDs, otherIDs...)
	if len(universe) > 50 {
		universe = universe[:50]
	}
	return universe, filters, nil
}

// fetchResearchCandles pulls candles per product with bounded concurrency,
// freezes each kept series as a candle batch and scores the window return.
func (r *Runner) fetchResearchCandles(ctx context.Context, run *store.Run, universe []string, granularity marketdata.Granularity, start, end time.Time, minCandles int) ([]rankedAsset, map[string]string) {
	sem := semaphore.NewWeighted(int64(r.cfg.FetchConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ranked []rankedAsset
	drops := make(map[string]string)

	for _, productID := range universe {
		productID := productID
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			var candles []store.Candle
			var err error
			if run.AssetClass == "STOCK" {
				candles, err = r.stocks.GetDailyCandles(ctx, productID, start, end)
			} else {
				candles, err = r.provider.GetCandles(ctx, productID, granularity, start, end)
			}

			base := symbols.ToBase(productID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				drops[base] = classifyDrop(err)
				return
			}
			if len(candles) < minCandles {
				drops[base] = fmt.Sprintf("insufficient_candles_%d_need_%d", len(candles), minCandles)
				return
			}
			firstOpen := candles[0].Open
			if firstOpen <= 0 {
				drops[base] = "invalid_price_zero_open"
				return
			}

			batch := &store.CandleBatch{
				RunID:       run.ID,
				ProductID:   productID,
				Granularity: string(granularity),
				Candles:     candles,
				QueryParams: symbols.SafeJSON(map[string]any{
					"start": start, "end": end, "granularity": granularity,
				}),
			}
			if err := r.store.InsertCandleBatch(ctx, batch); err != nil {
				drops[base] = "api_error_batch_persist"
				return
			}

			var volume float64
			for _, c := range candles {
				volume += c.Volume
			}
			ranked = append(ranked, rankedAsset{
				Symbol:      base,
				ProductID:   productID,
				ReturnPct:   (candles[len(candles)-1].Close - firstOpen) / firstOpen,
				Volume:      volume,
				CandleCount: len(candles),
				BatchID:     batch.ID,
			})
		}()
	}
	wg.Wait()
	return ranked, drops
}

// replayResearch copies the source run's research artifacts. No external
// calls happen on the replay path.
func (r *Runner) replayResearch(ctx context.Context, run *store.Run) (json.RawMessage, error) {
	if run.SourceRunID == nil || *run.SourceRunID == "" {
		return nil, &nodeFailure{code: "REPLAY_NO_SOURCE", reason: "replay run has no source_run_id"}
	}
	copied, err := r.store.CopyArtifacts(ctx, *run.SourceRunID, run.ID, store.NodeResearch)
	if err != nil {
		return nil, fmt.Errorf("replay artifact copy failed: %w", err)
	}
	if copied == 0 {
		return nil, &nodeFailure{code: "REPLAY_EMPTY_SOURCE", reason: "source run has no research artifacts"}
	}
	return symbols.SafeJSON(map[string]any{
		"summary": fmt.Sprintf("replayed %d research artifacts from %s", copied, *run.SourceRunID),
		"copied":  copied,
	}), nil
}

func classifyDrop(err error) string {
	switch {
	case errors.Is(err, marketdata.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, marketdata.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "api_error_fetch"
	}
}

func guessRootCause(drops map[string]string) string {
	counts := map[string]int{}
	for _, reason := range drops {
		counts[reason]++
	}
	best, bestCount := "unknown", 0
	for reason, count := range counts {
		if count > bestCount {
			best, bestCount = reason, count
		}
	}
	return best
}

func topDropExamples(drops map[string]string, n int) []string {
	keys := make([]string, 0, len(drops))
	for k := range drops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > n {
		keys = keys[:n]
	}
	examples := make([]string, 0, len(keys))
	for _, k := range keys {
		examples = append(examples, fmt.Sprintf("%s: %s", k, drops[k]))
	}
	return examples
}

// writeArtifact persists one artifact, logging rather than failing on error:
// artifact loss degrades evals but must not kill the node mid-flight.
func (r *Runner) writeArtifact(ctx context.Context, runID, step, artifactType string, payload any) {
	if err := r.store.WriteArtifact(ctx, runID, step, artifactType, symbols.SafeJSON(payload)); err != nil {
		log.Error().Err(err).Str("run_id", runID).Str("artifact_type", artifactType).Msg("Artifact write failed")
	}
}
