package store

import (
	"encoding/json"
	"time"
)

// ExecutionMode is the run execution mode.
type ExecutionMode string

const (
	ModePaper        ExecutionMode = "PAPER"
	ModeLive         ExecutionMode = "LIVE"
	ModeAssistedLive ExecutionMode = "ASSISTED_LIVE"
	ModeReplay       ExecutionMode = "REPLAY"
)

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunCreated   RunStatus = "CREATED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunPaused    RunStatus = "PAUSED"
)

// ConfirmationStatus is the pending-trade confirmation state.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationCancelled ConfirmationStatus = "CANCELLED"
	ConfirmationExpired   ConfirmationStatus = "EXPIRED"
)

// NodeStatus is the DAG-node lifecycle state.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// TicketStatus is the assisted-live trade-ticket state.
type TicketStatus string

const (
	TicketPending   TicketStatus = "PENDING"
	TicketExecuted  TicketStatus = "EXECUTED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketExpired   TicketStatus = "EXPIRED"
)

// AutoSellProposal funds a BUY by selling a non-target holding first.
type AutoSellProposal struct {
	SellBaseSymbol string  `json:"sell_base_symbol"`
	SellProductID  string  `json:"sell_product_id"`
	SellAmountUSD  float64 `json:"sell_amount_usd"`
}

// Proposal is the staged trade a user must confirm.
type Proposal struct {
	Side            string            `json:"side"`
	Asset           string            `json:"asset"`
	AmountUSD       float64           `json:"amount_usd"`
	Mode            ExecutionMode     `json:"mode"`
	AssetClass      string            `json:"asset_class"`
	LockedProductID string            `json:"locked_product_id,omitempty"`
	AutoSell        *AutoSellProposal `json:"auto_sell,omitempty"`
	SelectionResult json.RawMessage   `json:"selection_result,omitempty"`
	LookbackHours   float64           `json:"lookback_hours,omitempty"`
	SellPct         float64           `json:"sell_pct,omitempty"`
}

// Confirmation is a durable pending-trade record.
type Confirmation struct {
	ID             string
	TenantID       string
	ConversationID string
	Proposal       Proposal
	Mode           ExecutionMode
	Status         ConfirmationStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ConfirmedAt    *time.Time
	RunID          *string
	Insight        *string
}

// ExecutionPlan is the expanded plan a run executes.
type ExecutionPlan struct {
	Side          string   `json:"side"`
	SelectedAsset string   `json:"selected_asset,omitempty"`
	ProductID     string   `json:"product_id,omitempty"`
	NotionalUSD   float64  `json:"notional_usd"`
	Universe      []string `json:"universe,omitempty"`
	LookbackHours float64  `json:"lookback_hours"`
	Metric        string   `json:"metric,omitempty"`
	SelectedOrder string   `json:"selected_order,omitempty"` // "desc" or "asc"
}

// Run is one end-to-end pipeline execution.
type Run struct {
	ID                  string
	TenantID            string
	ExecutionMode       ExecutionMode
	SourceRunID         *string
	AssetClass          string
	NewsEnabled         bool
	LockedProductID     string
	TradabilityVerified bool
	CommandText         string
	Intent              string
	ExecutionPlan       ExecutionPlan
	TradeProposal       json.RawMessage
	Status              RunStatus
	FailureCode         *string
	FailureReason       *string
	Metadata            map[string]any
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
}

// DagNode is one executed pipeline step.
type DagNode struct {
	ID         string
	RunID      string
	Name       string
	Status     NodeStatus
	Inputs     json.RawMessage
	Outputs    json.RawMessage
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Artifact is an append-only evidence record for a run step.
type Artifact struct {
	RunID        string
	StepName     string
	ArtifactType string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// ToolCall is one audited external call.
type ToolCall struct {
	ID         string
	RunID      string
	NodeID     *string
	ToolName   string
	Server     string
	Request    json.RawMessage
	Response   json.RawMessage
	Status     string // SUCCESS, FAILED, TIMEOUT
	LatencyMS  int64
	Attempt    int
	HTTPStatus *int
	ErrorText  *string
	CreatedAt  time.Time
}

// Candle is one OHLCV bar.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// CandleBatch freezes the candles behind a ranking for replay and oracle evals.
type CandleBatch struct {
	ID          string
	RunID       string
	ProductID   string
	Granularity string
	Candles     []Candle
	QueryParams json.RawMessage
	CreatedAt   time.Time
}

// RankingRow is one scored universe member.
type RankingRow struct {
	Symbol      string  `json:"symbol"`
	Score       float64 `json:"score"`
	ReturnPct   float64 `json:"return_pct"`
	Volume      float64 `json:"volume"`
	CandleCount int     `json:"candle_count"`
}

// Ranking is the persisted ranking table for a run.
type Ranking struct {
	ID             string
	RunID          string
	WindowHours    float64
	Metric         string
	Table          []RankingRow
	SelectedSymbol string
	SelectedScore  float64
	Rationale      string
	CreatedAt      time.Time
}

// Order is a placed (or simulated) order.
type Order struct {
	ID            string
	RunID         string
	TenantID      string
	Symbol        string
	Side          string
	NotionalUSD   float64
	Status        OrderStatus
	FilledQty     float64
	AvgFillPrice  float64
	Fees          float64
	ClientOrderID string
	VenueOrderID  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fill is one execution against an order.
type Fill struct {
	ID        string
	OrderID   string
	RunID     string
	Qty       float64
	Price     float64
	Fee       float64
	TradeTime time.Time
}

// PortfolioSnapshot captures balances and positions after a run.
type PortfolioSnapshot struct {
	ID            string
	TenantID      string
	RunID         *string
	Balances      map[string]float64 `json:"balances"`  // base symbol -> quantity
	Positions     map[string]float64 `json:"positions"` // base symbol -> usd value
	TotalValueUSD float64
	CreatedAt     time.Time
}

// AnalysisSnapshot freezes a full portfolio brief for replay determinism.
type AnalysisSnapshot struct {
	ID        string
	RunID     string
	Mode      ExecutionMode
	Brief     json.RawMessage
	CreatedAt time.Time
}

// EvalResult is one evaluator's grade for a run.
type EvalResult struct {
	ID                string
	RunID             string
	EvalName          string
	Score             float64
	Reasons           []string
	EvaluatorType     string
	Category          string // rag, safety, quality, compliance, performance, data
	Thresholds        map[string]float64
	Details           json.RawMessage
	Explanation       *string
	ExplanationSource *string
	CreatedAt         time.Time
}

// TradeTicket is a manually-executed order in ASSISTED_LIVE mode.
type TradeTicket struct {
	ID          string
	RunID       string
	Symbol      string
	Side        string
	NotionalUSD float64
	TIF         string
	ExpiresAt   time.Time
	Status      TicketStatus
	Receipt     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PolicyEvent records a policy-check decision for a run.
type PolicyEvent struct {
	ID        string
	RunID     string
	Decision  string // ALLOWED, BLOCKED, REQUIRES_APPROVAL
	Reasons   []string
	CreatedAt time.Time
}

// RunEvent is a step lifecycle event (STARTED/FINISHED) with a summary.
type RunEvent struct {
	ID        string
	RunID     string
	StepName  string
	EventType string // STARTED, FINISHED, FAILED
	Summary   string
	CreatedAt time.Time
}

// NotificationEvent records an outbound push decision for audit.
type NotificationEvent struct {
	ID        string
	Channel   string
	Status    string // sent, failed, skipped
	Action    string
	RunID     *string
	ErrorText *string
	CreatedAt time.Time
}

// Tenant holds per-tenant safety switches.
type Tenant struct {
	ID                string
	KillSwitchEnabled bool
}
