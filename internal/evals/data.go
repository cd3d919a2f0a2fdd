package evals

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/quantpilot/quantpilot/internal/store"
)

func dataEvals() []Definition {
	return []Definition{
		{
			Name:          "schema_validity",
			Category:      "data",
			EvaluatorType: "rule",
			Description:   "Run rows and completed node outputs parse and carry required fields.",
			Fn:            evalSchemaValidity,
		},
		{
			Name:          "market_evidence_integrity",
			Category:      "data",
			EvaluatorType: "rule",
			Description:   "Every ranked symbol is backed by a frozen candle batch.",
			Fn:            evalMarketEvidenceIntegrity,
		},
		{
			Name:          "data_freshness",
			Category:      "data",
			EvaluatorType: "rule",
			Description:   "Newest candle is at most 48h old, with weekend tolerance for stocks.",
			Fn:            evalDataFreshness,
		},
		{
			Name:          "coinbase_data_integrity",
			Category:      "data",
			EvaluatorType: "rule",
			Description:   "Candle series are ordered, gap-free within 2x median, and cover the query window.",
			Fn:            evalCandleIntegrity,
		},
		{
			Name:          "candle_batch_provenance",
			Category:      "data",
			EvaluatorType: "rule",
			Description:   "Every frozen batch records the exact query window that produced it.",
			Fn:            evalBatchProvenance,
		},
		{
			Name:          "ranking_table_integrity",
			Category:      "data",
			EvaluatorType: "rule",
			Description:   "Ranking scores are finite and sorted in the declared order.",
			Fn:            evalRankingTableIntegrity,
		},
	}
}

func evalSchemaValidity(rc *RunContext) Result {
	var reasons []string

	switch rc.Run.ExecutionMode {
	case store.ModePaper, store.ModeLive, store.ModeAssistedLive, store.ModeReplay:
	default:
		reasons = append(reasons, fmt.Sprintf("unknown execution mode %q", rc.Run.ExecutionMode))
	}
	if rc.Run.Intent == "" {
		reasons = append(reasons, "run has no intent")
	}
	for _, n := range rc.Nodes {
		if n.Status == store.NodeCompleted && len(n.Outputs) == 0 {
			reasons = append(reasons, fmt.Sprintf("completed node %s has no outputs", n.Name))
		}
	}
	for _, a := range rc.Artifacts {
		if !json.Valid(a.Payload) {
			reasons = append(reasons, fmt.Sprintf("artifact %s/%s is not valid JSON", a.StepName, a.ArtifactType))
		}
	}

	if len(reasons) > 0 {
		return Result{Score: 0, Reasons: reasons}
	}
	return pass("all rows parse with required fields")
}

func evalMarketEvidenceIntegrity(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no ranking")
	}
	if rc.Ranking == nil {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before ranking")
		}
		return fail("completed trade run has no ranking")
	}

	batchSymbols := map[string]bool{}
	for _, b := range rc.Batches {
		batchSymbols[baseOf(b.ProductID)] = true
	}

	var missing []string
	for _, row := range rc.Ranking.Table {
		if !batchSymbols[row.Symbol] {
			missing = append(missing, row.Symbol)
		}
	}
	if len(missing) > 0 {
		return Result{
			Score:   0,
			Reasons: []string{fmt.Sprintf("%d ranked symbols lack candle evidence", len(missing))},
			Details: map[string]any{"missing": missing},
		}
	}
	return pass("every ranked symbol has frozen candle evidence")
}

func evalDataFreshness(rc *RunContext) Result {
	if len(rc.Batches) == 0 {
		return skipped("no candle batches on this run")
	}

	limit := 48 * time.Hour
	if rc.Run.AssetClass == "STOCK" {
		// EOD data stalls over weekends.
		limit = 96 * time.Hour
	}

	ref := time.Now().UTC()
	if rc.Run.FinishedAt != nil {
		ref = *rc.Run.FinishedAt
	}

	var newest time.Time
	for _, b := range rc.Batches {
		for _, c := range b.Candles {
			if c.Start.After(newest) {
				newest = c.Start
			}
		}
	}
	age := ref.Sub(newest)
	result := Result{
		Thresholds: map[string]float64{"max_age_hours": limit.Hours()},
		Details:    map[string]any{"age_hours": age.Hours()},
	}
	if age > limit {
		result.Score = 0
		result.Reasons = []string{fmt.Sprintf("newest candle is %.1fh old, limit %.0fh", age.Hours(), limit.Hours())}
		return result
	}
	result.Score = 1
	result.Reasons = []string{fmt.Sprintf("newest candle is %.1fh old", age.Hours())}
	return result
}

func evalCandleIntegrity(rc *RunContext) Result {
	if len(rc.Batches) == 0 {
		return skipped("no candle batches on this run")
	}

	var reasons []string
	for _, b := range rc.Batches {
		if len(b.Candles) < 2 {
			continue
		}
		gaps := make([]float64, 0, len(b.Candles)-1)
		ordered := true
		for i := 1; i < len(b.Candles); i++ {
			gap := b.Candles[i].Start.Sub(b.Candles[i-1].Start)
			if gap <= 0 {
				ordered = false
				break
			}
			gaps = append(gaps, gap.Seconds())
		}
		if !ordered {
			reasons = append(reasons, fmt.Sprintf("%s series is not strictly increasing", b.ProductID))
			continue
		}

		median := medianOf(gaps)
		for _, g := range gaps {
			if g > 2*median {
				reasons = append(reasons, fmt.Sprintf("%s has a gap %.0fs above 2x median %.0fs", b.ProductID, g, median))
				break
			}
		}

		if coverage := windowCoverage(b); coverage >= 0 && coverage < 0.8 {
			reasons = append(reasons, fmt.Sprintf("%s covers %.0f%% of its query window", b.ProductID, coverage*100))
		}
	}

	result := Result{Thresholds: map[string]float64{"min_coverage": 0.8, "max_gap_multiple": 2}}
	if len(reasons) > 0 {
		result.Score = 0
		result.Reasons = reasons
		return result
	}
	result.Score = 1
	result.Reasons = []string{"all candle series ordered and covering"}
	return result
}

func evalBatchProvenance(rc *RunContext) Result {
	if len(rc.Batches) == 0 {
		return skipped("no candle batches on this run")
	}
	for _, b := range rc.Batches {
		var params struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		}
		if len(b.QueryParams) == 0 || json.Unmarshal(b.QueryParams, &params) != nil ||
			params.Start.IsZero() || params.End.IsZero() {
			return fail(fmt.Sprintf("batch for %s lacks its query window", b.ProductID))
		}
	}
	return pass("every batch records its query window")
}

func evalRankingTableIntegrity(rc *RunContext) Result {
	if rc.Ranking == nil {
		return skipped("no ranking on this run")
	}

	table := rc.Ranking.Table
	selectedFound := false
	for _, row := range table {
		if math.IsNaN(row.Score) || math.IsInf(row.Score, 0) {
			return fail(fmt.Sprintf("%s has a non-finite score", row.Symbol))
		}
		if row.Symbol == rc.Ranking.SelectedSymbol {
			selectedFound = true
		}
	}
	if !selectedFound {
		return fail("selected symbol is absent from the ranking table")
	}
	for i := 1; i < len(table); i++ {
		if table[i].Score > table[i-1].Score+1e-9 {
			// asc-ordered strategies store the table in selection order too.
			if !sort.SliceIsSorted(table, func(a, b int) bool { return table[a].Score < table[b].Score }) {
				return fail("ranking table is not sorted")
			}
			break
		}
	}
	return pass("ranking table is finite, sorted and names its winner")
}

func baseOf(productID string) string {
	for i := 0; i < len(productID); i++ {
		if productID[i] == '-' {
			return productID[:i]
		}
	}
	return productID
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// windowCoverage compares the candle span against the recorded query window.
// Returns -1 when the window is unknown.
func windowCoverage(b store.CandleBatch) float64 {
	var params struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if len(b.QueryParams) == 0 || json.Unmarshal(b.QueryParams, &params) != nil ||
		params.Start.IsZero() || params.End.IsZero() || len(b.Candles) == 0 {
		return -1
	}
	window := params.End.Sub(params.Start)
	if window <= 0 {
		return -1
	}
	span := b.Candles[len(b.Candles)-1].Start.Sub(b.Candles[0].Start)
	// One trailing bucket is always open.
	span += window / time.Duration(len(b.Candles)+1)
	coverage := float64(span) / float64(window)
	if coverage > 1 {
		coverage = 1
	}
	return coverage
}
