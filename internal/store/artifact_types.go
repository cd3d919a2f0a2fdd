package store

// Artifact types written by pipeline nodes. Artifacts are the sole evidence
// source for evals, so these names are part of the storage contract.
const (
	ArtifactUniverseSnapshot = "universe_snapshot"
	ArtifactFinancialBrief   = "financial_brief"
	ArtifactResearchSummary  = "research_summary"
	ArtifactResearchFailure  = "research_failure"
	ArtifactRankings         = "rankings"
	ArtifactStrategyDecision = "strategy_decision"
	ArtifactSelectionBasis   = "selection_basis"
	ArtifactTradeProposal    = "trade_proposal"
	ArtifactRiskAnalysis     = "risk_analysis"
	ArtifactPolicyDecision   = "policy_decision"
	ArtifactExecutionReport  = "execution_report"
	ArtifactExecutionError   = "execution_error"
	ArtifactPostTradeReport  = "post_trade_report"
	ArtifactPortfolioBrief   = "portfolio_brief"
	ArtifactHoldingsRaw      = "holdings_raw"
	ArtifactSelectionResult  = "selection_result"
	ArtifactEvalSummary      = "eval_summary"
)

// Node names in pipeline order.
const (
	NodeResearch    = "research"
	NodeStrategy    = "strategy"
	NodeRisk        = "risk"
	NodeProposal    = "proposal"
	NodePolicyCheck = "policy_check"
	NodeApproval    = "approval"
	NodeExecution   = "execution"
	NodePostTrade   = "post_trade"
	NodePortfolio   = "portfolio"
	NodeEval        = "eval"
)
