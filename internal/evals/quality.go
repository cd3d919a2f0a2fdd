package evals

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantpilot/quantpilot/internal/store"
)

func qualityEvals() []Definition {
	return []Definition{
		{
			Name:          "ranking_correctness",
			Category:      "quality",
			EvaluatorType: "rule",
			Description:   "The executed asset is the ranking's declared winner.",
			Fn:            evalRankingCorrectness,
		},
		{
			Name:          "profit_ranking_correctness",
			Category:      "quality",
			EvaluatorType: "oracle",
			Description:   "The agent's choice matches a ranking recomputed from frozen candles.",
			Fn:            evalProfitRankingCorrectness,
		},
		{
			Name:          "plan_completeness",
			Category:      "quality",
			EvaluatorType: "rule",
			Description:   "The execution plan names a side, asset, product and notional.",
			Fn:            evalPlanCompleteness,
		},
		{
			Name:          "ux_completeness",
			Category:      "quality",
			EvaluatorType: "rule",
			Description:   "Every executed step emitted STARTED and FINISHED events with summaries.",
			Fn:            evalUXCompleteness,
		},
		{
			Name:          "artifact_completeness",
			Category:      "quality",
			EvaluatorType: "rule",
			Description:   "A completed trade run carries the full artifact chain.",
			Fn:            evalArtifactCompleteness,
		},
		{
			Name:          "proposal_evidence_density",
			Category:      "quality",
			EvaluatorType: "rule",
			Description:   "The trade proposal cites at least two evidence items and three claims.",
			Fn:            evalProposalEvidence,
		},
		{
			Name:          "risk_analysis_present",
			Category:      "quality",
			EvaluatorType: "rule",
			Description:   "A trade run records a risk analysis with a level.",
			Fn:            evalRiskAnalysisPresent,
		},
	}
}

func evalRankingCorrectness(rc *RunContext) Result {
	if rc.Ranking == nil {
		return skipped("no ranking on this run")
	}
	if len(rc.Ranking.Table) == 0 {
		return fail("ranking table is empty")
	}
	if rc.Ranking.Table[0].Symbol != rc.Ranking.SelectedSymbol {
		return fail(fmt.Sprintf("selected %s but %s leads the table", rc.Ranking.SelectedSymbol, rc.Ranking.Table[0].Symbol))
	}
	selected := rc.Run.ExecutionPlan.SelectedAsset
	if selected != "" && selected != rc.Ranking.SelectedSymbol && rc.Run.LockedProductID == "" {
		return fail(fmt.Sprintf("plan executes %s but ranking chose %s", selected, rc.Ranking.SelectedSymbol))
	}
	return pass("executed asset is the ranking winner")
}

func evalProfitRankingCorrectness(rc *RunContext) Result {
	if rc.Ranking == nil {
		return skipped("no ranking on this run")
	}
	if len(rc.Batches) == 0 {
		return noOracle()
	}

	type oracleRow struct {
		symbol string
		ret    float64
	}
	var oracle []oracleRow
	for _, b := range rc.Batches {
		if len(b.Candles) < 2 || b.Candles[0].Open <= 0 {
			continue
		}
		ret := (b.Candles[len(b.Candles)-1].Close - b.Candles[0].Open) / b.Candles[0].Open
		oracle = append(oracle, oracleRow{symbol: baseOf(b.ProductID), ret: ret})
	}
	if len(oracle) == 0 {
		return noOracle()
	}
	asc := rc.Run.ExecutionPlan.SelectedOrder == "asc"
	sort.Slice(oracle, func(i, j int) bool {
		if oracle[i].ret != oracle[j].ret {
			if asc {
				return oracle[i].ret < oracle[j].ret
			}
			return oracle[i].ret > oracle[j].ret
		}
		return oracle[i].symbol < oracle[j].symbol
	})

	chosen := rc.Ranking.SelectedSymbol
	if oracle[0].symbol == chosen {
		return Result{Score: 1, Reasons: []string{"choice matches the oracle winner"}}
	}
	for i := 1; i < len(oracle) && i < 3; i++ {
		if oracle[i].symbol == chosen {
			return Result{
				Score:   0.5,
				Reasons: []string{fmt.Sprintf("choice %s is oracle rank %d", chosen, i+1)},
				Details: map[string]any{"oracle_winner": oracle[0].symbol},
			}
		}
	}
	return Result{
		Score:   0,
		Reasons: []string{fmt.Sprintf("choice %s is outside the oracle top 3", chosen)},
		Details: map[string]any{"oracle_winner": oracle[0].symbol},
	}
}

func evalPlanCompleteness(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no trade plan")
	}
	if rc.Run.Status == store.RunFailed {
		return skipped("run failed before the plan was sealed")
	}
	plan := rc.Run.ExecutionPlan
	var missing []string
	if plan.Side == "" {
		missing = append(missing, "side")
	}
	if plan.SelectedAsset == "" {
		missing = append(missing, "selected_asset")
	}
	if plan.ProductID == "" {
		missing = append(missing, "product_id")
	}
	if plan.NotionalUSD <= 0 {
		missing = append(missing, "notional_usd")
	}
	if plan.LookbackHours <= 0 {
		missing = append(missing, "lookback_hours")
	}
	if len(missing) > 0 {
		return fail("plan is missing " + strings.Join(missing, ", "))
	}
	return pass("execution plan is complete")
}

func evalUXCompleteness(rc *RunContext) Result {
	started := map[string]bool{}
	finished := map[string]bool{}
	emptySummaries := 0
	for _, e := range rc.RunEvents {
		switch e.EventType {
		case "STARTED":
			started[e.StepName] = true
		case "FINISHED", "FAILED":
			finished[e.StepName] = true
		}
		if strings.TrimSpace(e.Summary) == "" {
			emptySummaries++
		}
	}

	var reasons []string
	for _, n := range rc.Nodes {
		if n.Status == store.NodeSkipped || n.Name == store.NodeEval {
			continue
		}
		if !started[n.Name] {
			reasons = append(reasons, fmt.Sprintf("step %s has no STARTED event", n.Name))
		}
		if !finished[n.Name] {
			reasons = append(reasons, fmt.Sprintf("step %s has no FINISHED event", n.Name))
		}
	}
	if emptySummaries > 0 {
		reasons = append(reasons, fmt.Sprintf("%d events have empty summaries", emptySummaries))
	}
	if len(reasons) > 0 {
		return Result{Score: 0, Reasons: reasons}
	}
	return pass("every step announced itself with summaries")
}

func evalArtifactCompleteness(rc *RunContext) Result {
	if !isTradeRun(rc) {
		if rc.Artifact(store.ArtifactPortfolioBrief) == nil {
			return fail("portfolio run has no portfolio brief")
		}
		return pass("portfolio brief present")
	}
	if rc.Run.Status != store.RunCompleted {
		return skipped("run did not complete")
	}

	required := []string{
		store.ArtifactUniverseSnapshot,
		store.ArtifactResearchSummary,
		store.ArtifactFinancialBrief,
		store.ArtifactRankings,
		store.ArtifactStrategyDecision,
		store.ArtifactPolicyDecision,
	}
	var missing []string
	for _, name := range required {
		if rc.Artifact(name) == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Result{
			Score:   0,
			Reasons: []string{"missing artifacts: " + strings.Join(missing, ", ")},
		}
	}
	return pass("full artifact chain present")
}

func evalProposalEvidence(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no proposal")
	}
	var proposal struct {
		Claims   []string         `json:"claims"`
		Evidence []map[string]any `json:"evidence"`
	}
	if !rc.DecodeArtifact(store.ArtifactTradeProposal, &proposal) {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before the proposal")
		}
		return fail("no trade proposal artifact")
	}

	result := Result{Thresholds: map[string]float64{"min_evidence": 2, "min_claims": 3}}
	if len(proposal.Evidence) < 2 {
		result.Score = 0
		result.Reasons = []string{fmt.Sprintf("proposal cites only %d evidence items", len(proposal.Evidence))}
		return result
	}
	if len(proposal.Claims) < 3 {
		result.Score = 0
		result.Reasons = []string{fmt.Sprintf("proposal makes only %d claims", len(proposal.Claims))}
		return result
	}
	result.Score = 1
	result.Reasons = []string{fmt.Sprintf("%d evidence items back %d claims", len(proposal.Evidence), len(proposal.Claims))}
	return result
}

func evalRiskAnalysisPresent(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs grade risk in the brief")
	}
	var analysis struct {
		RiskLevel string `json:"risk_level"`
	}
	if !rc.DecodeArtifact(store.ArtifactRiskAnalysis, &analysis) {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before risk analysis")
		}
		return fail("no risk analysis artifact")
	}
	if analysis.RiskLevel == "" {
		return fail("risk analysis carries no level")
	}
	return pass("risk analysis present with level " + analysis.RiskLevel)
}
