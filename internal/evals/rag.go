package evals

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

func ragEvals() []Definition {
	return []Definition{
		{
			Name:          "faithfulness",
			Category:      "rag",
			EvaluatorType: "rule",
			Description:   "Proposal claims overlap the stored evidence by at least 30% of tokens.",
			Fn:            evalFaithfulness,
		},
		{
			Name:          "answer_relevance",
			Category:      "rag",
			EvaluatorType: "rule",
			Description:   "The proposal addresses the planned trade with specific, complete claims.",
			Fn:            evalAnswerRelevance,
		},
		{
			Name:          "retrieval_relevance",
			Category:      "rag",
			EvaluatorType: "rule",
			Description:   "Cited evidence mentions the traded symbol.",
			Fn:            evalRetrievalRelevance,
		},
		{
			Name:          "citation_integrity",
			Category:      "rag",
			EvaluatorType: "rule",
			Description:   "Every evidence reference resolves to a stored row.",
			Fn:            evalCitationIntegrity,
		},
		{
			Name:          "rationale_grounded",
			Category:      "rag",
			EvaluatorType: "rule",
			Description:   "The ranking rationale names the winner and the metric.",
			Fn:            evalRationaleGrounded,
		},
	}
}

type proposalArtifact struct {
	Symbol    string   `json:"symbol"`
	ProductID string   `json:"product_id"`
	Claims    []string `json:"claims"`
	Evidence  []struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
		Note string `json:"note"`
	} `json:"evidence"`
	Rationale string `json:"rationale"`
}

func (rc *RunContext) proposal() (*proposalArtifact, bool) {
	var p proposalArtifact
	if !rc.DecodeArtifact(store.ArtifactTradeProposal, &p) {
		return nil, false
	}
	return &p, true
}

var tokenPattern = regexp.MustCompile(`[a-z0-9.]+`)

func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(tok) > 1 {
			tokens[tok] = true
		}
	}
	return tokens
}

// evidenceTokens builds the grounding corpus from the run's stored evidence.
func evidenceTokens(rc *RunContext) map[string]bool {
	var sb strings.Builder
	if rc.Ranking != nil {
		sb.WriteString(rc.Ranking.Rationale)
		sb.WriteString(" " + rc.Ranking.Metric)
		fmt.Fprintf(&sb, " %.0f", rc.Ranking.WindowHours)
		for _, row := range rc.Ranking.Table {
			fmt.Fprintf(&sb, " %s %+.2f", row.Symbol, row.ReturnPct*100)
		}
	}
	for _, b := range rc.Batches {
		sb.WriteString(" " + b.ProductID)
	}
	for _, tc := range rc.ToolCalls {
		sb.WriteString(" " + tc.ToolName)
	}
	plan := rc.Run.ExecutionPlan
	fmt.Fprintf(&sb, " %s %s %.2f %.0f hours", plan.SelectedAsset, plan.Side, plan.NotionalUSD, plan.LookbackHours)
	return tokenize(sb.String())
}

func evalFaithfulness(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no proposal")
	}
	proposal, ok := rc.proposal()
	if !ok {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before the proposal")
		}
		return fail("no trade proposal to grade")
	}

	evidence := evidenceTokens(rc)
	result := Result{Thresholds: map[string]float64{"min_overlap": 0.3}}

	var worst float64 = 1
	for _, claim := range proposal.Claims {
		claimTokens := tokenize(claim)
		if len(claimTokens) == 0 {
			continue
		}
		matched := 0
		for tok := range claimTokens {
			if evidence[tok] {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(claimTokens))
		if overlap < worst {
			worst = overlap
		}
	}
	result.Details = map[string]any{"worst_overlap": worst}
	if worst < 0.3 {
		result.Score = 0
		result.Reasons = []string{fmt.Sprintf("a claim overlaps evidence by only %.0f%% of tokens", worst*100)}
		return result
	}
	result.Score = 1
	result.Reasons = []string{fmt.Sprintf("claims overlap evidence by at least %.0f%% of tokens", worst*100)}
	return result
}

var numberPattern = regexp.MustCompile(`\d`)

func evalAnswerRelevance(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no proposal")
	}
	proposal, ok := rc.proposal()
	if !ok {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before the proposal")
		}
		return fail("no trade proposal to grade")
	}

	// intent 0.4, specificity 0.3, completeness 0.3
	score := 0.0
	var reasons []string

	if proposal.Symbol != "" && proposal.Symbol == rc.Run.ExecutionPlan.SelectedAsset {
		score += 0.4
	} else {
		reasons = append(reasons, "proposal symbol does not match the plan")
	}

	specific := 0
	for _, claim := range proposal.Claims {
		if numberPattern.MatchString(claim) {
			specific++
		}
	}
	if len(proposal.Claims) > 0 && specific == len(proposal.Claims) {
		score += 0.3
	} else {
		reasons = append(reasons, "not every claim carries a number")
	}

	if proposal.Rationale != "" && len(proposal.Claims) >= 3 && len(proposal.Evidence) >= 2 {
		score += 0.3
	} else {
		reasons = append(reasons, "proposal is incomplete")
	}

	if len(reasons) == 0 {
		reasons = []string{"proposal is on-intent, specific and complete"}
	}
	return Result{
		Score:      score,
		Reasons:    reasons,
		Thresholds: map[string]float64{"intent": 0.4, "specificity": 0.3, "completeness": 0.3},
	}
}

func evalRetrievalRelevance(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no proposal")
	}
	proposal, ok := rc.proposal()
	if !ok || len(proposal.Evidence) == 0 {
		if rc.Run.Status == store.RunFailed {
			return skipped("run failed before the proposal")
		}
		return fail("no cited evidence to grade")
	}

	target := strings.ToLower(proposal.Symbol)
	relevant := 0
	for _, ev := range proposal.Evidence {
		note := strings.ToLower(ev.Note)
		// Tool-call evidence is venue-wide; batch evidence must name the symbol.
		if ev.Kind == "tool_call" || strings.Contains(note, target) {
			relevant++
		}
	}
	score := float64(relevant) / float64(len(proposal.Evidence))
	return Result{
		Score:   score,
		Reasons: []string{fmt.Sprintf("%d of %d evidence items are on-target", relevant, len(proposal.Evidence))},
	}
}

func evalCitationIntegrity(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs carry no proposal")
	}
	proposal, ok := rc.proposal()
	if !ok || len(proposal.Evidence) == 0 {
		return skipped("no cited evidence on this run")
	}

	known := map[string]bool{}
	for _, b := range rc.Batches {
		known[b.ID] = true
	}
	for _, tc := range rc.ToolCalls {
		known[tc.ID] = true
	}

	for _, ev := range proposal.Evidence {
		if !known[ev.ID] {
			return fail(fmt.Sprintf("evidence %s (%s) resolves to no stored row", ev.ID, ev.Kind))
		}
	}
	return pass("every citation resolves to a stored row")
}

func evalRationaleGrounded(rc *RunContext) Result {
	if rc.Ranking == nil {
		return skipped("no ranking on this run")
	}
	rationale := strings.ToLower(rc.Ranking.Rationale)
	if rationale == "" {
		return fail("ranking carries no rationale")
	}
	winner := strings.ToLower(rc.Ranking.SelectedSymbol)
	if winner != "" && !strings.Contains(rationale, winner) && !strings.Contains(rationale, strings.ToLower(symbols.ToProductID(rc.Ranking.SelectedSymbol))) {
		return fail("rationale never names the winner")
	}
	if rc.Ranking.Metric != "" && !strings.Contains(rationale, strings.ToLower(rc.Ranking.Metric)) {
		return fail("rationale never names the metric")
	}
	return pass("rationale names the winner and the metric")
}
