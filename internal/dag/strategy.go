package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/cinar/indicator/v2/trend"

	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Strategy metrics.
const (
	MetricReturn      = "return"
	MetricSharpeProxy = "sharpe_proxy"
	MetricMomentum    = "momentum"
)

type scoredAsset struct {
	rankedAsset
	Score float64 `json:"score"`
}

// runStrategy scores the research ranking under the plan's metric and seals
// the winner into the execution plan. It consumes the financial brief rather
// than re-fetching market data.
func (r *Runner) runStrategy(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run

	brief, err := r.loadBrief(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(brief.RankedAssets) == 0 {
		return nil, &nodeFailure{code: "STRATEGY_EMPTY_BRIEF", reason: "financial brief has no ranked assets"}
	}

	metric := run.ExecutionPlan.Metric
	if metric == "" {
		metric = MetricReturn
	}

	candlesByProduct := map[string][]store.Candle{}
	if metric != MetricReturn {
		batches, err := r.store.ListCandleBatches(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("candle batch load failed: %w", err)
		}
		for _, b := range batches {
			candlesByProduct[b.ProductID] = b.Candles
		}
	}

	scored := make([]scoredAsset, 0, len(brief.RankedAssets))
	for _, asset := range brief.RankedAssets {
		score := asset.ReturnPct
		switch metric {
		case MetricSharpeProxy:
			score = sharpeProxy(candlesByProduct[asset.ProductID])
		case MetricMomentum:
			score = momentumScore(candlesByProduct[asset.ProductID])
		}
		scored = append(scored, scoredAsset{rankedAsset: asset, Score: score})
	}

	order := run.ExecutionPlan.SelectedOrder
	if order == "" {
		order = "desc"
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			if order == "asc" {
				return scored[i].Score < scored[j].Score
			}
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Volume != scored[j].Volume {
			return scored[i].Volume > scored[j].Volume
		}
		return scored[i].Symbol < scored[j].Symbol
	})

	winner := scored[0]

	rows := make([]store.RankingRow, 0, len(scored))
	for _, s := range scored {
		rows = append(rows, store.RankingRow{
			Symbol:      s.Symbol,
			Score:       s.Score,
			ReturnPct:   s.ReturnPct,
			Volume:      s.Volume,
			CandleCount: s.CandleCount,
		})
	}
	ranking := &store.Ranking{
		RunID:          run.ID,
		WindowHours:    brief.LookbackHours,
		Metric:         metric,
		Table:          rows,
		SelectedSymbol: winner.Symbol,
		SelectedScore:  winner.Score,
		Rationale:      fmt.Sprintf("%s leads on %s over %.0fh", winner.Symbol, metric, brief.LookbackHours),
	}
	if err := r.store.InsertRanking(ctx, ranking); err != nil {
		return nil, fmt.Errorf("ranking persist failed: %w", err)
	}

	r.writeArtifact(ctx, run.ID, store.NodeStrategy, store.ArtifactRankings, map[string]any{
		"metric":          metric,
		"window_hours":    brief.LookbackHours,
		"table":           rows,
		"selected_symbol": winner.Symbol,
	})
	r.writeArtifact(ctx, run.ID, store.NodeStrategy, store.ArtifactStrategyDecision, map[string]any{
		"selected_symbol": winner.Symbol,
		"product_id":      winner.ProductID,
		"score":           winner.Score,
		"metric":          metric,
		"order":           order,
		"rationale":       ranking.Rationale,
	})
	r.writeArtifact(ctx, run.ID, store.NodeStrategy, store.ArtifactSelectionBasis, map[string]any{
		"basis":        metric,
		"candidates":   len(scored),
		"top_symbol":   winner.Symbol,
		"second_score": secondScore(scored),
	})

	// The plan may already carry a locked product from staging-time selection;
	// never override it after confirmation.
	plan := run.ExecutionPlan
	if plan.ProductID == "" {
		plan.SelectedAsset = winner.Symbol
		plan.ProductID = winner.ProductID
	} else if plan.SelectedAsset == "" {
		plan.SelectedAsset = symbols.ToBase(plan.ProductID)
	}
	plan.SelectedOrder = order
	plan.Metric = metric
	if err := r.store.UpdateExecutionPlan(ctx, run.ID, plan); err != nil {
		return nil, fmt.Errorf("plan update failed: %w", err)
	}
	run.ExecutionPlan = plan

	return symbols.SafeJSON(map[string]any{
		"summary":         fmt.Sprintf("%s selected by %s (score %+.4f)", plan.SelectedAsset, metric, winner.Score),
		"selected_symbol": plan.SelectedAsset,
		"top_symbol":      winner.Symbol,
		"metric":          metric,
	}), nil
}

func (r *Runner) loadBrief(ctx context.Context, runID string) (*financialBrief, error) {
	artifact, err := r.store.GetArtifact(ctx, runID, store.ArtifactFinancialBrief)
	if err != nil {
		return nil, fmt.Errorf("financial brief load failed: %w", err)
	}
	var brief financialBrief
	if err := json.Unmarshal(artifact.Payload, &brief); err != nil {
		return nil, fmt.Errorf("financial brief is malformed: %w", err)
	}
	return &brief, nil
}

func secondScore(scored []scoredAsset) float64 {
	if len(scored) < 2 {
		return 0
	}
	return scored[1].Score
}

// sharpeProxy is mean per-candle return over its standard deviation. Zero
// when the series is too short or flat.
func sharpeProxy(candles []store.Candle) float64 {
	returns := candleReturns(candles)
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)-1))
	if stddev == 0 {
		return 0
	}
	return mean / stddev
}

// momentumScore compares the last close against its EMA: positive when price
// runs ahead of trend.
func momentumScore(candles []store.Candle) float64 {
	if len(candles) < 3 {
		return 0
	}
	period := 10
	if len(candles) < period {
		period = len(candles)
	}

	closes := make(chan float64, len(candles))
	for _, c := range candles {
		closes <- c.Close
	}
	close(closes)

	ema := trend.NewEmaWithPeriod[float64](period)
	var last float64
	for v := range ema.Compute(closes) {
		last = v
	}
	if last == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - last) / last
}

func candleReturns(candles []store.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev)
	}
	return returns
}
