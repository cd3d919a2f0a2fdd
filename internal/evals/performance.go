package evals

import (
	"fmt"
	"sort"
	"time"

	"github.com/quantpilot/quantpilot/internal/store"
)

func performanceEvals() []Definition {
	return []Definition{
		{
			Name:          "latency_slo",
			Category:      "performance",
			EvaluatorType: "rule",
			Description:   "Run finishes within 90s and step p95 stays under 25s.",
			Fn:            evalLatencySLO,
		},
		{
			Name:          "time_window_correctness",
			Category:      "performance",
			EvaluatorType: "oracle",
			Description:   "The fetched candle window covers at least 90% of the requested lookback.",
			Fn:            evalTimeWindowCorrectness,
		},
		{
			Name:          "tool_error_rate",
			Category:      "performance",
			EvaluatorType: "rule",
			Description:   "External call failures stay under 20% of attempts.",
			Fn:            evalToolErrorRate,
		},
		{
			Name:          "retry_discipline",
			Category:      "performance",
			EvaluatorType: "rule",
			Description:   "No tool call exceeds the retry budget.",
			Fn:            evalRetryDiscipline,
		},
		{
			Name:          "api_call_accounting",
			Category:      "performance",
			EvaluatorType: "rule",
			Description:   "The research summary reports provider call statistics.",
			Fn:            evalAPICallAccounting,
		},
		{
			Name:          "node_duration_accounting",
			Category:      "performance",
			EvaluatorType: "rule",
			Description:   "Every completed node carries consistent start and finish timestamps.",
			Fn:            evalNodeDurationAccounting,
		},
	}
}

func evalNodeDurationAccounting(rc *RunContext) Result {
	if len(rc.Nodes) == 0 {
		return skipped("no nodes recorded")
	}
	for _, node := range rc.Nodes {
		if node.Status != store.NodeCompleted && node.Status != store.NodeFailed {
			continue
		}
		if node.StartedAt == nil || node.FinishedAt == nil {
			return fail(fmt.Sprintf("node %s finished without both timestamps", node.Name))
		}
		if node.FinishedAt.Before(*node.StartedAt) {
			return fail(fmt.Sprintf("node %s finished before it started", node.Name))
		}
	}
	return pass("every settled node has a consistent duration")
}

func evalLatencySLO(rc *RunContext) Result {
	result := Result{Thresholds: map[string]float64{"total_seconds": 90, "step_p95_seconds": 25}}

	if rc.Run.StartedAt == nil || rc.Run.FinishedAt == nil {
		result.Score = 1
		result.Reasons = []string{"Skipped: run timestamps incomplete"}
		return result
	}
	total := rc.Run.FinishedAt.Sub(*rc.Run.StartedAt)

	var stepSeconds []float64
	for _, n := range rc.Nodes {
		if n.StartedAt != nil && n.FinishedAt != nil {
			stepSeconds = append(stepSeconds, n.FinishedAt.Sub(*n.StartedAt).Seconds())
		}
	}
	p95 := percentile(stepSeconds, 0.95)

	result.Details = map[string]any{"total_seconds": total.Seconds(), "step_p95_seconds": p95}
	var reasons []string
	if total > 90*time.Second {
		reasons = append(reasons, fmt.Sprintf("run took %.1fs, SLO 90s", total.Seconds()))
	}
	if p95 > 25 {
		reasons = append(reasons, fmt.Sprintf("step p95 is %.1fs, SLO 25s", p95))
	}
	if len(reasons) > 0 {
		result.Score = 0
		result.Reasons = reasons
		return result
	}
	result.Score = 1
	result.Reasons = []string{fmt.Sprintf("run took %.1fs, step p95 %.1fs", total.Seconds(), p95)}
	return result
}

func evalTimeWindowCorrectness(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs fetch a fixed 24h window")
	}
	if len(rc.Batches) == 0 {
		return noOracle()
	}
	lookback := rc.Run.ExecutionPlan.LookbackHours
	if lookback <= 0 {
		return skipped("plan carries no lookback")
	}

	expected := time.Duration(lookback * float64(time.Hour))
	result := Result{Thresholds: map[string]float64{"min_coverage": 0.9}}
	for _, b := range rc.Batches {
		if len(b.Candles) < 2 {
			continue
		}
		span := b.Candles[len(b.Candles)-1].Start.Sub(b.Candles[0].Start)
		coverage := float64(span) / float64(expected)
		if coverage < 0.9 {
			result.Score = 0
			result.Reasons = []string{fmt.Sprintf("%s spans %.0f%% of the %.0fh lookback", b.ProductID, coverage*100, lookback)}
			return result
		}
	}
	result.Score = 1
	result.Reasons = []string{fmt.Sprintf("all candle windows cover the %.0fh lookback", lookback)}
	return result
}

func evalToolErrorRate(rc *RunContext) Result {
	if len(rc.ToolCalls) == 0 {
		return skipped("no tool calls attributed to this run")
	}
	failures := 0
	for _, tc := range rc.ToolCalls {
		if tc.Status != "SUCCESS" {
			failures++
		}
	}
	rate := float64(failures) / float64(len(rc.ToolCalls))
	result := Result{
		Thresholds: map[string]float64{"max_error_rate": 0.2},
		Details:    map[string]any{"failures": failures, "total": len(rc.ToolCalls)},
	}
	if rate > 0.2 {
		result.Score = 0
		result.Reasons = []string{fmt.Sprintf("%.0f%% of tool calls failed", rate*100)}
		return result
	}
	result.Score = 1
	result.Reasons = []string{fmt.Sprintf("%d of %d tool calls failed", failures, len(rc.ToolCalls))}
	return result
}

func evalRetryDiscipline(rc *RunContext) Result {
	if len(rc.ToolCalls) == 0 {
		return skipped("no tool calls attributed to this run")
	}
	for _, tc := range rc.ToolCalls {
		if tc.Attempt > 4 {
			return fail(fmt.Sprintf("tool %s recorded attempt %d, budget is 4", tc.ToolName, tc.Attempt))
		}
	}
	return pass("all tool calls stayed within the retry budget")
}

func evalAPICallAccounting(rc *RunContext) Result {
	if !isTradeRun(rc) || rc.Run.ExecutionMode == store.ModeReplay {
		return skipped("no research fetches on this run")
	}
	var summary struct {
		APICallStats map[string]any `json:"api_call_stats"`
	}
	if !rc.DecodeArtifact(store.ArtifactResearchSummary, &summary) {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before the research summary")
		}
		return fail("no research summary artifact")
	}
	if len(summary.APICallStats) == 0 {
		return Result{Score: 0.5, Reasons: []string{"research summary has no api_call_stats"}}
	}
	return pass("provider call statistics recorded")
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
