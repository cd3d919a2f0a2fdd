package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Policy decisions.
const (
	PolicyAllowed          = "ALLOWED"
	PolicyBlocked          = "BLOCKED"
	PolicyRequiresApproval = "REQUIRES_APPROVAL"
)

// evidenceRef points a derived artifact back to the tool calls and frozen
// batches that produced its inputs.
type evidenceRef struct {
	Kind string `json:"kind"` // tool_call or candle_batch
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

// tradeProposal is the structured trade case presented to policy.
type tradeProposal struct {
	Action      string        `json:"action"`
	Symbol      string        `json:"symbol"`
	ProductID   string        `json:"product_id"`
	NotionalUSD float64       `json:"notional_usd"`
	Mode        string        `json:"mode"`
	Claims      []string      `json:"claims"`
	Evidence    []evidenceRef `json:"evidence"`
	Rationale   string        `json:"rationale"`
}

// runRisk derives a risk analysis from the frozen ranking evidence.
func (r *Runner) runRisk(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run
	plan := run.ExecutionPlan

	ranking, err := r.store.GetRanking(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("ranking load failed: %w", err)
	}

	batches, err := r.store.ListCandleBatches(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("candle batch load failed: %w", err)
	}
	var volatility float64
	for _, b := range batches {
		if b.ProductID == plan.ProductID {
			volatility = stddev(candleReturns(b.Candles))
			break
		}
	}

	notionalShare := 0.0
	if r.cfg.MaxNotionalUSD > 0 {
		notionalShare = plan.NotionalUSD / r.cfg.MaxNotionalUSD
	}

	level := "LOW"
	switch {
	case volatility > 0.05 || notionalShare > 0.8:
		level = "HIGH"
	case volatility > 0.02 || notionalShare > 0.5:
		level = "MEDIUM"
	}

	analysis := map[string]any{
		"symbol":              plan.SelectedAsset,
		"notional_usd":        plan.NotionalUSD,
		"max_notional_usd":    r.cfg.MaxNotionalUSD,
		"notional_share":      notionalShare,
		"volatility_proxy":    volatility,
		"ranking_confidence":  rankingGap(ranking),
		"risk_level":          level,
		"fee_estimate_usd":    plan.NotionalUSD * r.cfg.FeePct,
	}
	r.writeArtifact(ctx, run.ID, store.NodeRisk, store.ArtifactRiskAnalysis, analysis)

	return symbols.SafeJSON(map[string]any{
		"summary":    fmt.Sprintf("risk %s for $%.2f of %s", level, plan.NotionalUSD, plan.SelectedAsset),
		"risk_level": level,
	}), nil
}

// runProposal assembles the trade proposal with at least two evidence refs
// and numeric claims tied to that evidence.
func (r *Runner) runProposal(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run
	plan := run.ExecutionPlan

	ranking, err := r.store.GetRanking(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("ranking load failed: %w", err)
	}

	var evidence []evidenceRef
	batches, err := r.store.ListCandleBatches(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("candle batch load failed: %w", err)
	}
	for _, b := range batches {
		if b.ProductID == plan.ProductID {
			evidence = append(evidence, evidenceRef{Kind: "candle_batch", ID: b.ID, Note: b.ProductID})
		}
	}
	toolCalls, err := r.store.ListToolCalls(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("tool call load failed: %w", err)
	}
	for _, tc := range toolCalls {
		if tc.Status == "SUCCESS" {
			evidence = append(evidence, evidenceRef{Kind: "tool_call", ID: tc.ID, Note: tc.ToolName})
		}
		if len(evidence) >= 6 {
			break
		}
	}
	if len(evidence) < 2 {
		return nil, &nodeFailure{code: "PROPOSAL_THIN_EVIDENCE", reason: fmt.Sprintf("only %d evidence items available", len(evidence))}
	}

	var selectedReturn float64
	for _, row := range ranking.Table {
		if row.Symbol == ranking.SelectedSymbol {
			selectedReturn = row.ReturnPct
			break
		}
	}

	claims := []string{
		fmt.Sprintf("%s returned %+.2f%% over the last %.0f hours", ranking.SelectedSymbol, selectedReturn*100, ranking.WindowHours),
		fmt.Sprintf("order notional is $%.2f within the $%.2f limit", plan.NotionalUSD, r.cfg.MaxNotionalUSD),
		fmt.Sprintf("ranking covers %d candidates on metric %s", len(ranking.Table), ranking.Metric),
	}

	proposal := tradeProposal{
		Action:      plan.Side,
		Symbol:      plan.SelectedAsset,
		ProductID:   plan.ProductID,
		NotionalUSD: plan.NotionalUSD,
		Mode:        string(run.ExecutionMode),
		Claims:      claims,
		Evidence:    evidence,
		Rationale:   ranking.Rationale,
	}

	payload := symbols.SafeJSON(proposal)
	if err := r.store.SetTradeProposal(ctx, run.ID, payload); err != nil {
		return nil, fmt.Errorf("proposal persist failed: %w", err)
	}
	r.writeArtifact(ctx, run.ID, store.NodeProposal, store.ArtifactTradeProposal, proposal)

	return symbols.SafeJSON(map[string]any{
		"summary":        fmt.Sprintf("proposed %s $%.2f of %s with %d evidence refs", proposal.Action, proposal.NotionalUSD, proposal.Symbol, len(evidence)),
		"evidence_count": len(evidence),
	}), nil
}

// runPolicyCheck gates the proposal. BLOCKED is a hard stop: the execution
// node is skipped and no order is ever placed.
func (r *Runner) runPolicyCheck(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run
	plan := run.ExecutionPlan

	decision := PolicyAllowed
	var reasons []string

	tenant, err := r.store.GetTenant(ctx, run.TenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant load failed: %w", err)
	}
	if tenant.KillSwitchEnabled {
		decision = PolicyBlocked
		reasons = append(reasons, "tenant kill switch enabled")
	}
	if r.cfg.MaxNotionalUSD > 0 && plan.NotionalUSD > r.cfg.MaxNotionalUSD {
		decision = PolicyBlocked
		reasons = append(reasons, fmt.Sprintf("notional $%.2f exceeds limit $%.2f", plan.NotionalUSD, r.cfg.MaxNotionalUSD))
	}
	if run.ExecutionMode == store.ModeLive {
		if !r.cfg.LiveAllowed {
			decision = PolicyBlocked
			reasons = append(reasons, "live trading disabled globally")
		}
		if run.AssetClass == "CRYPTO" && !run.TradabilityVerified {
			decision = PolicyBlocked
			reasons = append(reasons, "tradability not verified for live crypto")
		}
	}
	if decision == PolicyAllowed && run.ExecutionMode == store.ModeAssistedLive {
		decision = PolicyRequiresApproval
		reasons = append(reasons, "assisted-live orders execute through manual tickets")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "all policy checks passed")
	}

	event := &store.PolicyEvent{RunID: run.ID, Decision: decision, Reasons: reasons}
	if err := r.store.InsertPolicyEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("policy event persist failed: %w", err)
	}
	r.writeArtifact(ctx, run.ID, store.NodePolicyCheck, store.ArtifactPolicyDecision, map[string]any{
		"decision": decision,
		"reasons":  reasons,
	})

	state.policyBlocked = decision == PolicyBlocked

	return symbols.SafeJSON(map[string]any{
		"summary":  fmt.Sprintf("policy %s: %s", decision, reasons[0]),
		"decision": decision,
	}), nil
}

// runApproval records the approval grant for LIVE runs. The user's explicit
// CONFIRM on the staged proposal is the grant; this node makes it auditable.
func (r *Runner) runApproval(ctx context.Context, state *runState) (json.RawMessage, error) {
	run := state.run

	confirmationID := ""
	if v, ok := run.Metadata["confirmation_id"].(string); ok {
		confirmationID = v
	}
	if !state.policyBlocked && confirmationID == "" {
		return nil, &nodeFailure{code: "APPROVAL_MISSING_CONFIRMATION", reason: "live run has no confirmation reference"}
	}

	r.writeArtifact(ctx, run.ID, store.NodeApproval, "approval_grant", map[string]any{
		"granted_by":      "user_confirmation",
		"confirmation_id": confirmationID,
		"blocked":         state.policyBlocked,
	})
	return symbols.SafeJSON(map[string]any{
		"summary": "approval granted by user confirmation " + confirmationID,
	}), nil
}

func rankingGap(ranking *store.Ranking) float64 {
	if len(ranking.Table) < 2 {
		return 1
	}
	gap := (ranking.Table[0].Score - ranking.Table[1].Score) * 100
	if gap < 0 {
		gap = -gap
	}
	if gap > 10 {
		gap = 10
	}
	return gap / 10
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}
