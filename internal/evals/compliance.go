package evals

import (
	"fmt"
	"math"

	"github.com/quantpilot/quantpilot/internal/store"
)

func complianceEvals() []Definition {
	return []Definition{
		{
			Name:          "policy_compliance",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "Orders exist only under an ALLOWED or approved policy decision.",
			Fn:            evalPolicyCompliance,
		},
		{
			Name:          "live_trade_truthfulness",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "A FILLED order always carries a positive quantity and price.",
			Fn:            evalLiveTradeTruthfulness,
		},
		{
			Name:          "confirm_trade_idempotency",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "No duplicate client order IDs or symbol+side pairs within a run.",
			Fn:            evalTradeIdempotency,
		},
		{
			Name:          "insufficient_balance_truthfulness",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "Executed notional never silently shrinks more than 5% below the plan.",
			Fn:            evalBalanceTruthfulness,
		},
		{
			Name:          "execution_mode_consistency",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "Order records match the run's execution mode.",
			Fn:            evalModeConsistency,
		},
		{
			Name:          "tradability_verification",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "Live runs that placed orders verified tradability first.",
			Fn:            evalTradabilityVerification,
		},
		{
			Name:          "notional_cap_adherence",
			Category:      "compliance",
			EvaluatorType: "rule",
			Description:   "No order exceeds the planned notional, auto-sell legs aside.",
			Fn:            evalNotionalCapAdherence,
		},
	}
}

func evalNotionalCapAdherence(rc *RunContext) Result {
	if !isTradeRun(rc) || len(rc.Orders) == 0 {
		return skipped("no orders on this run")
	}
	planned := rc.Run.ExecutionPlan.NotionalUSD
	if planned <= 0 {
		return skipped("plan carries no notional")
	}

	autoSellUSD := 0.0
	if raw, ok := rc.Run.Metadata["auto_sell"].(map[string]any); ok {
		if amount, ok := raw["sell_amount_usd"].(float64); ok {
			autoSellUSD = amount
		}
	}

	for _, o := range rc.Orders {
		limit := planned
		if autoSellUSD > 0 && math.Abs(o.NotionalUSD-autoSellUSD) < 0.01 {
			limit = autoSellUSD
		}
		if o.NotionalUSD > limit*1.001 {
			return fail(fmt.Sprintf("order %s notional $%.2f exceeds the $%.2f plan", o.ID, o.NotionalUSD, limit))
		}
	}
	return pass("every order stays within the planned notional")
}

func evalPolicyCompliance(rc *RunContext) Result {
	if !isTradeRun(rc) {
		return skipped("portfolio runs place no orders")
	}
	decision := rc.PolicyDecision()

	if len(rc.Orders) == 0 {
		if decision == "" && rc.Run.Status == store.RunCompleted {
			return fail("completed trade run has no policy decision")
		}
		return pass("no orders placed")
	}

	switch decision {
	case "ALLOWED":
		return pass("orders placed under ALLOWED decision")
	case "REQUIRES_APPROVAL":
		if rc.Artifact("approval_grant") != nil || rc.Run.ExecutionMode == store.ModeAssistedLive {
			return pass("orders placed with recorded approval")
		}
		return fail("orders placed under REQUIRES_APPROVAL without an approval grant")
	}
	return fail(fmt.Sprintf("orders placed under policy decision %q", decision))
}

func evalLiveTradeTruthfulness(rc *RunContext) Result {
	for _, o := range rc.Orders {
		if o.Status == store.OrderFilled && (o.FilledQty <= 0 || o.AvgFillPrice <= 0) {
			return fail(fmt.Sprintf("order %s is FILLED with qty=%f price=%f", o.ID, o.FilledQty, o.AvgFillPrice))
		}
	}
	if len(rc.Orders) == 0 {
		return skipped("no orders on this run")
	}
	return pass("every fill carries a positive quantity and price")
}

func evalTradeIdempotency(rc *RunContext) Result {
	if len(rc.Orders) == 0 {
		return skipped("no orders on this run")
	}
	clientIDs := map[string]bool{}
	pairs := map[string]bool{}
	for _, o := range rc.Orders {
		if clientIDs[o.ClientOrderID] {
			return fail(fmt.Sprintf("duplicate client_order_id %s", o.ClientOrderID))
		}
		clientIDs[o.ClientOrderID] = true

		pair := o.Symbol + "/" + o.Side
		if pairs[pair] {
			return fail(fmt.Sprintf("duplicate order for %s", pair))
		}
		pairs[pair] = true
	}
	return pass("no duplicate orders")
}

func evalBalanceTruthfulness(rc *RunContext) Result {
	if !isTradeRun(rc) || len(rc.Orders) == 0 {
		return skipped("no orders on this run")
	}
	planned := rc.Run.ExecutionPlan.NotionalUSD
	if planned <= 0 {
		return skipped("plan carries no notional")
	}

	result := Result{Thresholds: map[string]float64{"max_reduction_pct": 5}}
	for _, o := range rc.Orders {
		if o.Side != rc.Run.ExecutionPlan.Side || o.Symbol != rc.Run.ExecutionPlan.SelectedAsset {
			continue
		}
		reduction := (planned - o.NotionalUSD) / planned * 100
		result.Details = map[string]any{"planned_usd": planned, "executed_usd": o.NotionalUSD}
		if reduction > 5 {
			result.Score = 0
			result.Reasons = []string{fmt.Sprintf("notional silently reduced %.1f%% below plan", reduction)}
			return result
		}
		result.Score = 1
		result.Reasons = []string{fmt.Sprintf("executed notional within %.1f%% of plan", math.Abs(reduction))}
		return result
	}
	result.Score = 1
	result.Reasons = []string{"no primary order to compare"}
	return result
}

func evalModeConsistency(rc *RunContext) Result {
	mode := rc.Run.ExecutionMode
	for _, o := range rc.Orders {
		switch mode {
		case store.ModeAssistedLive:
			return fail("assisted-live run placed a direct order instead of a ticket")
		case store.ModeLive:
			if o.Status != store.OrderPending && o.VenueOrderID == "" {
				return fail(fmt.Sprintf("live order %s has no venue order ID", o.ID))
			}
		case store.ModePaper, store.ModeReplay:
			if o.VenueOrderID != "" {
				return fail(fmt.Sprintf("simulated order %s carries a venue order ID", o.ID))
			}
		}
	}
	return pass("order records match the execution mode")
}

func evalTradabilityVerification(rc *RunContext) Result {
	if rc.Run.ExecutionMode != store.ModeLive || rc.Run.AssetClass != "CRYPTO" {
		return skipped("only live crypto runs verify tradability")
	}
	if len(rc.Orders) == 0 {
		return skipped("no orders on this run")
	}
	if !rc.Run.TradabilityVerified {
		return fail("live crypto orders placed without tradability verification")
	}
	return pass("tradability verified before live orders")
}
