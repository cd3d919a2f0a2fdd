package evals

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/quantpilot/internal/store"
)

func tradeRun() *store.Run {
	return &store.Run{
		ID:            "run_1",
		TenantID:      "t1",
		ExecutionMode: store.ModePaper,
		AssetClass:    "CRYPTO",
		Intent:        "TRADE_EXECUTION",
		Status:        store.RunCompleted,
		ExecutionPlan: store.ExecutionPlan{
			Side: "BUY", SelectedAsset: "BTC", ProductID: "BTC-USD",
			NotionalUSD: 100, LookbackHours: 24,
		},
	}
}

func batch(productID string, closes ...float64) store.CandleBatch {
	start := time.Now().UTC().Add(-time.Duration(len(closes)) * time.Hour)
	candles := make([]store.Candle, len(closes))
	for i, c := range closes {
		candles[i] = store.Candle{
			Start: start.Add(time.Duration(i) * time.Hour),
			Open:  c, High: c, Low: c, Close: c, Volume: 10,
		}
	}
	params, _ := json.Marshal(map[string]any{
		"start": start, "end": start.Add(time.Duration(len(closes)) * time.Hour),
	})
	return store.CandleBatch{
		ID: "batch_" + productID, RunID: "run_1", ProductID: productID,
		Granularity: "ONE_HOUR", Candles: candles, QueryParams: params,
	}
}

func artifact(artifactType string, payload any) store.Artifact {
	data, _ := json.Marshal(payload)
	return store.Artifact{RunID: "run_1", ArtifactType: artifactType, Payload: data}
}

func TestDefinitionsAreUniqueAndCategorized(t *testing.T) {
	defs := buildDefinitions()
	assert.Len(t, defs, 40)

	seen := map[string]bool{}
	valid := map[string]bool{
		"rag": true, "safety": true, "quality": true,
		"compliance": true, "performance": true, "data": true,
	}
	for _, def := range defs {
		assert.False(t, seen[def.Name], "duplicate eval %s", def.Name)
		seen[def.Name] = true
		assert.True(t, valid[def.Category], "eval %s has unknown category %s", def.Name, def.Category)
		assert.NotNil(t, def.Fn, "eval %s has no function", def.Name)
		assert.NotEmpty(t, def.Description)
	}
}

func TestEvaluatePanicBecomesZeroScore(t *testing.T) {
	registry := &Registry{}
	def := Definition{
		Name: "exploder",
		Fn:   func(rc *RunContext) Result { panic("boom") },
	}
	result := registry.evaluate(def, &RunContext{Run: tradeRun()})
	assert.Zero(t, result.Score)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], "boom")
}

func TestPolicyInvariantsBlockedWithOrders(t *testing.T) {
	rc := &RunContext{
		Run:          tradeRun(),
		PolicyEvents: []store.PolicyEvent{{Decision: "BLOCKED"}},
		Orders:       []store.Order{{ID: "ord_1"}},
	}
	result := evalPolicyInvariants(rc)
	assert.Zero(t, result.Score)

	rc.Orders = nil
	assert.Equal(t, 1.0, evalPolicyInvariants(rc).Score)
}

func TestLiveTradeTruthfulness(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Orders: []store.Order{
			{ID: "ord_1", Status: store.OrderFilled, FilledQty: 0, AvgFillPrice: 50000},
		},
	}
	assert.Zero(t, evalLiveTradeTruthfulness(rc).Score)

	rc.Orders[0].FilledQty = 0.002
	assert.Equal(t, 1.0, evalLiveTradeTruthfulness(rc).Score)
}

func TestTradeIdempotencyDuplicateClientID(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Orders: []store.Order{
			{ClientOrderID: "run_1-0", Symbol: "BTC", Side: "BUY"},
			{ClientOrderID: "run_1-0", Symbol: "ETH", Side: "SELL"},
		},
	}
	result := evalTradeIdempotency(rc)
	assert.Zero(t, result.Score)
	assert.Contains(t, result.Reasons[0], "client_order_id")
}

func TestRankingCorrectness(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Ranking: &store.Ranking{
			SelectedSymbol: "BTC",
			Table: []store.RankingRow{
				{Symbol: "BTC", Score: 0.05},
				{Symbol: "ETH", Score: 0.02},
			},
		},
	}
	assert.Equal(t, 1.0, evalRankingCorrectness(rc).Score)

	rc.Ranking.SelectedSymbol = "ETH"
	assert.Zero(t, evalRankingCorrectness(rc).Score)
}

func TestProfitRankingOracle(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Ranking: &store.Ranking{
			SelectedSymbol: "BTC",
			Table:          []store.RankingRow{{Symbol: "BTC"}},
		},
		// BTC +10%, ETH +2%: the oracle agrees with BTC.
		Batches: []store.CandleBatch{
			batch("BTC-USD", 100, 105, 110),
			batch("ETH-USD", 100, 101, 102),
		},
	}
	assert.Equal(t, 1.0, evalProfitRankingCorrectness(rc).Score)

	rc.Ranking.SelectedSymbol = "ETH"
	assert.Equal(t, 0.5, evalProfitRankingCorrectness(rc).Score)

	rc.Batches = nil
	result := evalProfitRankingCorrectness(rc)
	assert.Equal(t, 0.5, result.Score)
	assert.Contains(t, result.Reasons[0], "no oracle comparison")
}

func TestMarketEvidenceIntegrity(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Ranking: &store.Ranking{
			SelectedSymbol: "BTC",
			Table:          []store.RankingRow{{Symbol: "BTC"}, {Symbol: "ETH"}},
		},
		Batches: []store.CandleBatch{batch("BTC-USD", 100, 101)},
	}
	result := evalMarketEvidenceIntegrity(rc)
	assert.Zero(t, result.Score)

	rc.Batches = append(rc.Batches, batch("ETH-USD", 100, 101))
	assert.Equal(t, 1.0, evalMarketEvidenceIntegrity(rc).Score)
}

func TestUXCompleteness(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Nodes: []store.DagNode{
			{Name: "research", Status: store.NodeCompleted},
		},
		RunEvents: []store.RunEvent{
			{StepName: "research", EventType: "STARTED", Summary: "research started"},
			{StepName: "research", EventType: "FINISHED", Summary: "ranked 5 candidates"},
		},
	}
	assert.Equal(t, 1.0, evalUXCompleteness(rc).Score)

	rc.RunEvents = rc.RunEvents[:1]
	assert.Zero(t, evalUXCompleteness(rc).Score)
}

func TestSecretRedaction(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		ToolCalls: []store.ToolCall{{
			ID:      "tc_1",
			Request: json.RawMessage(`{"api_key":"***REDACTED***","path":"/candles"}`),
		}},
	}
	assert.Equal(t, 1.0, evalSecretRedaction(rc).Score)

	rc.ToolCalls[0].Request = json.RawMessage(`{"Authorization":"Bearer sk-live-123"}`)
	assert.Zero(t, evalSecretRedaction(rc).Score)
}

func TestNewsGating(t *testing.T) {
	run := tradeRun()
	run.NewsEnabled = false
	rc := &RunContext{Run: run}
	for _, def := range newsEvals() {
		result := def.Fn(rc)
		assert.Equal(t, 1.0, result.Score)
		assert.Contains(t, result.Reasons[0], "news disabled")
	}

	run.NewsEnabled = true
	result := newsGated("news_freshness")(rc)
	assert.Equal(t, 0.5, result.Score)
}

func TestFaithfulnessTokenOverlap(t *testing.T) {
	rc := &RunContext{
		Run: tradeRun(),
		Ranking: &store.Ranking{
			Metric: "return", WindowHours: 24, SelectedSymbol: "BTC",
			Rationale: "BTC leads on return over 24h",
			Table:     []store.RankingRow{{Symbol: "BTC", ReturnPct: 0.05}},
		},
		Artifacts: []store.Artifact{artifact(store.ArtifactTradeProposal, map[string]any{
			"symbol": "BTC",
			"claims": []string{"BTC returned +5.00% over the last 24 hours"},
			"evidence": []map[string]string{
				{"kind": "candle_batch", "id": "batch_BTC-USD", "note": "BTC-USD"},
			},
		})},
	}
	assert.Equal(t, 1.0, evalFaithfulness(rc).Score)

	rc.Artifacts = []store.Artifact{artifact(store.ArtifactTradeProposal, map[string]any{
		"symbol": "BTC",
		"claims": []string{"elliptic paraboloids guarantee quintupled yields tomorrow"},
	})}
	assert.Zero(t, evalFaithfulness(rc).Score)
}

func TestCitationIntegrity(t *testing.T) {
	rc := &RunContext{
		Run:     tradeRun(),
		Batches: []store.CandleBatch{batch("BTC-USD", 100, 101)},
		Artifacts: []store.Artifact{artifact(store.ArtifactTradeProposal, map[string]any{
			"symbol": "BTC",
			"evidence": []map[string]string{
				{"kind": "candle_batch", "id": "batch_BTC-USD", "note": "BTC-USD"},
			},
		})},
	}
	assert.Equal(t, 1.0, evalCitationIntegrity(rc).Score)

	rc.Batches = nil
	assert.Zero(t, evalCitationIntegrity(rc).Score)
}

func TestFailureDisclosure(t *testing.T) {
	run := tradeRun()
	run.Status = store.RunFailed
	code := "RESEARCH_EMPTY_RANKINGS"
	reason := "no candidate produced usable market data"
	run.FailureCode = &code
	run.FailureReason = &reason
	assert.Equal(t, 1.0, evalFailureDisclosure(&RunContext{Run: run}).Score)

	run.FailureCode = nil
	assert.Zero(t, evalFailureDisclosure(&RunContext{Run: run}).Score)
}

func TestGradeBands(t *testing.T) {
	assert.Equal(t, "A", Grade(0.95))
	assert.Equal(t, "B", Grade(0.85))
	assert.Equal(t, "C", Grade(0.75))
	assert.Equal(t, "D", Grade(0.65))
	assert.Equal(t, "F", Grade(0.55))
}

func TestCategorize(t *testing.T) {
	rows := []store.EvalResult{
		{Category: "data", Score: 1},
		{Category: "data", Score: 0.5},
		{Category: "safety", Score: 1},
	}
	categories, overall := categorize(rows)
	require.Len(t, categories, 2)
	assert.Equal(t, "data", categories[0].Category)
	assert.InDelta(t, 0.75, categories[0].Average, 0.001)
	assert.InDelta(t, 0.8333, overall, 0.001)
}

func TestFailuresSortedWorstFirst(t *testing.T) {
	rows := []store.EvalResult{
		{EvalName: "b", Score: 0.5},
		{EvalName: "a", Score: 0},
		{EvalName: "c", Score: 1},
	}
	failures := failuresOf(rows, 10)
	require.Len(t, failures, 2)
	assert.Equal(t, "a", failures[0].EvalName)
	assert.Equal(t, "b", failures[1].EvalName)
}
