// Package command turns free-text chat into staged trades, runs and canned
// replies. It owns the two-phase confirm flow: a TRADE_EXECUTION command
// stages a durable pending confirmation, and only a later CONFIRM creates
// and dispatches a run.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/dag"
	"github.com/quantpilot/quantpilot/internal/intent"
	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/metrics"
	"github.com/quantpilot/quantpilot/internal/preflight"
	"github.com/quantpilot/quantpilot/internal/selection"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
	"github.com/quantpilot/quantpilot/internal/tradeparse"
)

// Response statuses.
const (
	StatusCompleted         = "COMPLETED"
	StatusAwaitingConfirm   = "AWAITING_CONFIRMATION"
	StatusAwaitingAssetType = "AWAITING_ASSET_CLASS"
	StatusExecuting         = "EXECUTING"
	StatusRejected          = "REJECTED"
	StatusError             = "ERROR"
)

// IntentCancelled marks a successful cancel; it is not a router intent.
const IntentCancelled = "TRADE_CANCELLED"

// Rejection codes surfaced to the caller.
const (
	CodeNoPendingTrade     = "NO_PENDING_TRADE"
	CodeLiveDisabled       = "LIVE_DISABLED"
	CodeConfirmExpired     = "CONFIRMATION_EXPIRED"
	CodeRunAlreadyActive   = "RUN_ALREADY_ACTIVE"
	CodeMissingFields      = "MISSING_FIELDS"
	CodeNoTradeableWinner  = "NO_TRADEABLE_TOP_PERFORMER"
	CodeNoMarketData       = "NO_MARKET_DATA"
	CodeProductNotTradable = "PRODUCT_NOT_TRADEABLE"
	CodeNoLastPurchase     = "NO_LAST_PURCHASE"
)

// Request is one chat command.
type Request struct {
	TenantID       string
	ConversationID string
	Text           string
	ConfirmationID string // explicit target for CONFIRM/CANCEL, optional
	NewsEnabled    *bool  // per-request override of the news default
	RequestID      string
}

// Response is the dispatcher's answer, rendered by the API layer.
type Response struct {
	Intent           string                  `json:"intent"`
	Status           string                  `json:"status"`
	Code             string                  `json:"code,omitempty"`
	Content          string                  `json:"content"`
	RunID            string                  `json:"run_id,omitempty"`
	ConfirmationID   string                  `json:"confirmation_id,omitempty"`
	PendingTrade     *store.Proposal         `json:"pending_trade,omitempty"`
	Preflight        *preflight.Result       `json:"preflight,omitempty"`
	SelectionResult  json.RawMessage         `json:"selection_result,omitempty"`
	AutoSellProposal *store.AutoSellProposal `json:"auto_sell_proposal,omitempty"`
	PortfolioBrief   *dag.PortfolioBrief     `json:"portfolio_brief,omitempty"`
	MissingFields    []string                `json:"missing_fields,omitempty"`

	// HTTPStatus is the transport hint; 0 means 200.
	HTTPStatus int `json:"-"`
}

// Config carries the dispatcher's trading policy.
type Config struct {
	DefaultMode  store.ExecutionMode
	LiveAllowed  bool
	HasLiveCreds bool
	NewsEnabled  bool
	ConfirmTTL   time.Duration
	Version      string
}

// Dispatcher routes classified commands to their handlers.
type Dispatcher struct {
	store     *store.Store
	provider  marketdata.Provider
	selector  *selection.Engine
	validator *preflight.Validator
	cfg       Config

	// execute dispatches a created run; swapped in tests.
	execute func(ctx context.Context, runID string)

	startedAt time.Time
}

// New builds the dispatcher. The runner may be nil in tests.
func New(s *store.Store, provider marketdata.Provider, runner *dag.Runner, selector *selection.Engine, validator *preflight.Validator, cfg Config) *Dispatcher {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = store.ModePaper
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 5 * time.Minute
	}
	d := &Dispatcher{
		store:     s,
		provider:  provider,
		selector:  selector,
		validator: validator,
		cfg:       cfg,
		startedAt: time.Now().UTC(),
	}
	if runner != nil {
		d.execute = runner.Execute
	}
	return d
}

var (
	confirmRe = regexp.MustCompile(`^(yes[\s,.!]*)?confirm\b`)
	cancelRe  = regexp.MustCompile(`^(no[\s,.!]*)?cancel\b`)
)

// Handle classifies and dispatches one command. Errors are folded into the
// response; the API layer never sees a bare error.
func (d *Dispatcher) Handle(ctx context.Context, req Request) *Response {
	normalized := symbols.NormalizeText(req.Text)

	var resp *Response
	switch {
	case confirmRe.MatchString(normalized):
		resp = d.handleConfirm(ctx, req)
	case cancelRe.MatchString(normalized):
		resp = d.handleCancel(ctx, req)
	default:
		switch intent.Classify(req.Text) {
		case intent.TradeExecution:
			resp = d.handleTrade(ctx, req)
		case intent.PortfolioAnalysis:
			resp = d.handlePortfolioAnalysis(ctx, req)
		case intent.Portfolio:
			resp = d.handlePortfolio(ctx, req)
		case intent.FinanceAnalysis:
			resp = d.handleFinance(ctx, req)
		case intent.Greeting:
			resp = canned(intent.Greeting, greetingText)
		case intent.CapabilitiesHelp:
			resp = canned(intent.CapabilitiesHelp, capabilitiesText)
		case intent.AppDiagnostics:
			resp = d.handleDiagnostics()
		default:
			resp = canned(intent.OutOfScope, outOfScopeText)
		}
	}

	metrics.RecordCommand(resp.Intent, resp.Status)
	return resp
}

// handleConfirm resolves the target confirmation and, exactly once, turns it
// into a run. Double confirms replay the original run_id.
func (d *Dispatcher) handleConfirm(ctx context.Context, req Request) *Response {
	resp := &Response{Intent: string(intent.TradeExecution)}

	conf, found, err := d.resolveConfirmation(ctx, req)
	if err != nil {
		return internalError(resp, err, "confirmation lookup failed")
	}
	if !found {
		resp.Status = StatusRejected
		resp.Code = CodeNoPendingTrade
		resp.Content = "No pending trade found. Stage one first, for example: buy $50 of BTC."
		return resp
	}
	resp.ConfirmationID = conf.ID

	if conf.Status != store.ConfirmationPending {
		return d.replayTerminal(resp, conf)
	}
	if conf.Mode == store.ModeLive && !d.cfg.LiveAllowed {
		resp.Status = StatusRejected
		resp.Code = CodeLiveDisabled
		resp.Content = "LIVE trading is disabled. Cancel this trade and restage it in PAPER mode."
		resp.HTTPStatus = http.StatusForbidden
		return resp
	}
	if time.Now().UTC().After(conf.ExpiresAt) {
		if _, err := d.store.MarkExpired(ctx, conf.ID); err != nil {
			log.Warn().Err(err).Str("confirmation_id", conf.ID).Msg("Failed to expire confirmation")
		}
		resp.Status = StatusRejected
		resp.Code = CodeConfirmExpired
		resp.Content = "That confirmation has expired. Stage the trade again if you still want it."
		return resp
	}

	// Guard before consuming the confirmation so a busy tenant keeps the
	// pending trade intact and can retry.
	activeID, err := d.store.ActiveRunForTenant(ctx, req.TenantID)
	if err != nil {
		return internalError(resp, err, "active-run check failed")
	}
	if activeID != "" {
		resp.Status = StatusRejected
		resp.Code = CodeRunAlreadyActive
		resp.RunID = activeID
		resp.Content = fmt.Sprintf("Run %s is still in progress. Wait for it to finish, then confirm again.", activeID)
		resp.HTTPStatus = http.StatusConflict
		return resp
	}

	won, err := d.store.MarkConfirmed(ctx, conf.ID)
	if err != nil {
		return internalError(resp, err, "confirmation transition failed")
	}
	if !won {
		// Lost the compare-and-set: another caller owns this confirmation.
		// Read the terminal state and replay its outcome.
		latest, err := d.store.GetConfirmation(ctx, conf.ID)
		if err != nil {
			return internalError(resp, err, "confirmation re-read failed")
		}
		return d.replayTerminal(resp, latest)
	}

	return d.startRun(ctx, req, conf, resp)
}

// replayTerminal renders an already-settled confirmation idempotently.
func (d *Dispatcher) replayTerminal(resp *Response, conf *store.Confirmation) *Response {
	switch conf.Status {
	case store.ConfirmationConfirmed:
		if conf.RunID != nil && *conf.RunID != "" {
			resp.Status = StatusExecuting
			resp.RunID = *conf.RunID
			resp.Content = fmt.Sprintf("Already confirmed. Run %s is executing.", *conf.RunID)
			return resp
		}
		resp.Status = StatusExecuting
		resp.Content = "Already confirmed. The run is being created."
		return resp
	case store.ConfirmationCancelled:
		resp.Status = StatusRejected
		resp.Code = CodeNoPendingTrade
		resp.Content = "That trade was cancelled. Stage it again if you still want it."
		return resp
	default:
		resp.Status = StatusRejected
		resp.Code = CodeConfirmExpired
		resp.Content = "That confirmation has expired. Stage the trade again if you still want it."
		return resp
	}
}

// startRun expands the confirmed proposal into a run and dispatches it in the
// background. The response is built before dispatch so the caller always
// learns the run_id.
func (d *Dispatcher) startRun(ctx context.Context, req Request, conf *store.Confirmation, resp *Response) *Response {
	proposal := conf.Proposal
	run := &store.Run{
		ID:                  symbols.NewID("run"),
		TenantID:            req.TenantID,
		ExecutionMode:       conf.Mode,
		AssetClass:          assetClassOf(proposal),
		NewsEnabled:         d.newsEnabled(req),
		LockedProductID:     proposal.LockedProductID,
		TradabilityVerified: tradabilityVerified(proposal),
		CommandText:         req.Text,
		Intent:              string(intent.TradeExecution),
		ExecutionPlan:       planFromProposal(proposal),
		TradeProposal:       symbols.SafeJSON(proposal),
		Metadata:            runMetadata(conf),
	}

	if err := d.store.CreateRun(ctx, run); err != nil {
		return internalError(resp, err, "run creation failed")
	}
	if err := d.store.SetConfirmationRunID(ctx, conf.ID, run.ID); err != nil {
		log.Error().Err(err).Str("confirmation_id", conf.ID).Str("run_id", run.ID).
			Msg("Failed to link run to confirmation")
	}

	resp.Status = StatusExecuting
	resp.RunID = run.ID
	resp.Content = fmt.Sprintf("Confirmed. Executing %s %s of %s as run %s.",
		strings.ToUpper(proposal.Side), formatUSD(proposal.AmountUSD), proposal.Asset, run.ID)

	if d.execute != nil {
		go d.execute(context.WithoutCancel(ctx), run.ID)
	}
	return resp
}

func (d *Dispatcher) handleCancel(ctx context.Context, req Request) *Response {
	resp := &Response{Intent: string(intent.TradeExecution)}

	conf, found, err := d.resolveConfirmation(ctx, req)
	if err != nil {
		return internalError(resp, err, "confirmation lookup failed")
	}
	if !found {
		resp.Status = StatusRejected
		resp.Code = CodeNoPendingTrade
		resp.Content = "There is no pending trade to cancel."
		return resp
	}
	resp.ConfirmationID = conf.ID

	cancelled, err := d.store.MarkCancelled(ctx, conf.ID)
	if err != nil {
		return internalError(resp, err, "cancel transition failed")
	}
	if !cancelled {
		return d.replayTerminal(resp, conf)
	}
	resp.Intent = IntentCancelled
	resp.Status = StatusCompleted
	resp.Content = fmt.Sprintf("Cancelled the staged %s of %s %s.",
		strings.ToUpper(conf.Proposal.Side), formatUSD(conf.Proposal.AmountUSD), conf.Proposal.Asset)
	return resp
}

// resolveConfirmation prefers an explicit ID, then the conversation's newest
// pending record.
func (d *Dispatcher) resolveConfirmation(ctx context.Context, req Request) (*store.Confirmation, bool, error) {
	if req.ConfirmationID != "" {
		conf, err := d.store.GetConfirmation(ctx, req.ConfirmationID)
		if errors.Is(err, store.ErrConfirmationNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return conf, true, nil
	}
	conf, err := d.store.GetLatestPendingForConversation(ctx, req.TenantID, req.ConversationID)
	if errors.Is(err, store.ErrConfirmationNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return conf, true, nil
}

// handleTrade parses, selects, preflights and stages one trade. Nothing
// executes here; execution waits for CONFIRM.
func (d *Dispatcher) handleTrade(ctx context.Context, req Request) *Response {
	resp := &Response{Intent: string(intent.TradeExecution)}

	cmd := tradeparse.Parse(req.Text, tradeparse.Mode(d.cfg.DefaultMode))
	if len(cmd.Missing) > 0 {
		resp.Status = StatusRejected
		resp.Code = CodeMissingFields
		for _, m := range cmd.Missing {
			resp.MissingFields = append(resp.MissingFields, string(m))
		}
		resp.Content = missingFieldsText(cmd.Missing)
		return resp
	}

	if cmd.AssetClass == tradeparse.ClassAmbiguous {
		resp.Status = StatusAwaitingAssetType
		resp.Code = StatusAwaitingAssetType
		resp.Content = "I can't tell if you mean crypto or stocks. Rephrase with one market, for example: buy $50 of BTC crypto, or buy $50 of AAPL stock."
		return resp
	}

	mode := store.ExecutionMode(cmd.Mode)
	proposal := store.Proposal{
		Side:          cmd.Side,
		Asset:         cmd.Asset,
		AmountUSD:     cmd.AmountUSD,
		Mode:          mode,
		AssetClass:    string(cmd.AssetClass),
		LookbackHours: cmd.LookbackHours,
		SellPct:       cmd.SellPct,
	}

	if cmd.IsSellLastPurchase {
		if done := d.applyLastPurchase(ctx, req.TenantID, &proposal, resp); done != nil {
			return done
		}
	}
	if cmd.IsMostProfitable {
		if done := d.applySelection(ctx, cmd, &proposal, resp); done != nil {
			return done
		}
	}

	verdict, err := d.validator.Validate(ctx, preflight.Request{
		TenantID:   req.TenantID,
		Side:       proposal.Side,
		Asset:      proposal.Asset,
		AssetClass: proposal.AssetClass,
		AmountUSD:  proposal.AmountUSD,
		Mode:       mode,
	})
	if err != nil {
		return internalError(resp, err, "preflight failed")
	}
	resp.Preflight = verdict
	if !verdict.Valid {
		resp.Status = StatusRejected
		resp.Code = verdict.ReasonCode
		resp.Content = verdict.Message
		if verdict.Remediation != "" {
			resp.Content += " " + verdict.Remediation
		}
		if verdict.ReasonCode == preflight.ReasonLiveDisabled {
			resp.HTTPStatus = http.StatusForbidden
		}
		return resp
	}
	if verdict.RequiresAutoSell && verdict.AutoSell != nil {
		proposal.AutoSell = verdict.AutoSell
		resp.AutoSellProposal = verdict.AutoSell
	}

	// LIVE crypto with a directly-named asset still needs the venue listing
	// probed; selection-picked winners arrive already verified.
	if mode == store.ModeLive && proposal.AssetClass == string(tradeparse.ClassCrypto) && !tradabilityVerified(proposal) {
		productID := symbols.ToProductID(proposal.Asset)
		product, err := d.provider.GetProduct(ctx, productID)
		if err != nil || !product.Online() {
			resp.Status = StatusRejected
			resp.Code = CodeProductNotTradable
			resp.Content = fmt.Sprintf("%s is not currently tradeable on the venue. Pick another asset or use PAPER mode.", productID)
			return resp
		}
		proposal.LockedProductID = productID
	}

	confID, err := d.store.CreatePending(ctx, req.TenantID, req.ConversationID, proposal, mode, d.cfg.ConfirmTTL)
	if err != nil {
		return internalError(resp, err, "confirmation staging failed")
	}

	insight := stagedInsight(proposal)
	if err := d.store.UpdateInsight(ctx, confID, insight); err != nil {
		log.Warn().Err(err).Str("confirmation_id", confID).Msg("Failed to store insight")
	}

	resp.Status = StatusAwaitingConfirm
	resp.ConfirmationID = confID
	resp.PendingTrade = &proposal
	resp.Content = confirmationPrompt(proposal, d.cfg.ConfirmTTL)
	return resp
}

// applyLastPurchase rewrites the proposal to unwind the tenant's most recent
// buy. Returns a terminal response on rejection, nil to continue.
func (d *Dispatcher) applyLastPurchase(ctx context.Context, tenantID string, proposal *store.Proposal, resp *Response) *Response {
	last, err := d.store.LastPurchase(ctx, tenantID)
	if errors.Is(err, store.ErrNoLastPurchase) {
		resp.Status = StatusRejected
		resp.Code = CodeNoLastPurchase
		resp.Content = "You have no recorded purchase to sell."
		return resp
	}
	if err != nil {
		return internalError(resp, err, "last-purchase lookup failed")
	}
	proposal.Side = "sell"
	proposal.Asset = last.Symbol
	proposal.AmountUSD = last.NotionalUSD
	if proposal.SellPct > 0 {
		proposal.AmountUSD = last.NotionalUSD * proposal.SellPct / 100
	}
	return nil
}

// applySelection runs the selection engine and seals the winner onto the
// proposal. The locked product is never re-derived after confirmation.
func (d *Dispatcher) applySelection(ctx context.Context, cmd tradeparse.Command, proposal *store.Proposal, resp *Response) *Response {
	criteria := selection.Criteria{
		Order:              "desc",
		LookbackHours:      cmd.LookbackHours,
		UniverseConstraint: cmd.UniverseConstraint,
		AssetClass:         proposal.AssetClass,
	}
	if cmd.SelectionCriteria == "lowest" {
		criteria.Order = "asc"
	}
	if cmd.ThresholdPct > 0 {
		threshold := cmd.ThresholdPct
		criteria.ThresholdPct = &threshold
	}

	result, err := d.selector.Select(ctx, criteria)
	switch {
	case errors.Is(err, selection.ErrNoTradeableAsset):
		resp.Status = StatusRejected
		resp.Code = CodeNoTradeableWinner
		resp.Content = "None of the top performers is currently tradeable on the venue. Try a wider universe or name an asset directly."
		if result != nil {
			resp.SelectionResult = symbols.SafeJSON(result)
		}
		return resp
	case errors.Is(err, selection.ErrNoMarketData):
		resp.Status = StatusRejected
		resp.Code = CodeNoMarketData
		resp.Content = "I could not fetch market data for any candidate, so there is no ranking to act on. Try again shortly."
		return resp
	case err != nil:
		return internalError(resp, err, "selection failed")
	}

	proposal.Asset = result.SelectedSymbol
	proposal.LockedProductID = result.SelectedProductID
	proposal.SelectionResult = symbols.SafeJSON(result)
	resp.SelectionResult = proposal.SelectionResult
	return nil
}

// handlePortfolioAnalysis creates a run and executes it synchronously; the
// portfolio node is fast and the caller wants the brief in-line.
func (d *Dispatcher) handlePortfolioAnalysis(ctx context.Context, req Request) *Response {
	resp := &Response{Intent: string(intent.PortfolioAnalysis)}

	activeID, err := d.store.ActiveRunForTenant(ctx, req.TenantID)
	if err != nil {
		return internalError(resp, err, "active-run check failed")
	}
	if activeID != "" {
		resp.Status = StatusRejected
		resp.Code = CodeRunAlreadyActive
		resp.RunID = activeID
		resp.Content = fmt.Sprintf("Run %s is still in progress. Wait for it to finish before asking for an analysis.", activeID)
		resp.HTTPStatus = http.StatusConflict
		return resp
	}

	mode := d.cfg.DefaultMode
	if d.cfg.LiveAllowed && d.cfg.HasLiveCreds {
		mode = store.ModeLive
	}
	run := &store.Run{
		ID:            symbols.NewID("run"),
		TenantID:      req.TenantID,
		ExecutionMode: mode,
		AssetClass:    "CRYPTO",
		CommandText:   req.Text,
		Intent:        string(intent.PortfolioAnalysis),
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return internalError(resp, err, "run creation failed")
	}

	if d.execute != nil {
		d.execute(ctx, run.ID)
	}

	resp.RunID = run.ID
	snap, err := d.store.GetAnalysisSnapshot(ctx, run.ID)
	if err != nil {
		return internalError(resp, err, "analysis snapshot load failed")
	}
	var brief dag.PortfolioBrief
	if err := json.Unmarshal(snap.Brief, &brief); err != nil {
		return internalError(resp, err, "analysis snapshot decode failed")
	}

	resp.Status = StatusCompleted
	resp.PortfolioBrief = &brief
	resp.Content = formatBrief(&brief)

	// Holdings questions about an unheld asset still get a concrete zero, not
	// a brief that never mentions it.
	if asked := askedSymbol(req.Text); asked != "" && brief.Failure == nil && !briefHolds(&brief, asked) {
		resp.Content += fmt.Sprintf(" You hold 0.00000000 %s ($0.00).", asked)
	}
	return resp
}

var tickerTokenRe = regexp.MustCompile(`\b([A-Z]{2,5})\b`)

// askedSymbol extracts the crypto symbol a holdings question is about, if any.
func askedSymbol(text string) string {
	norm := symbols.NormalizeText(text)
	for alias, base := range symbols.Aliases {
		if strings.Contains(norm, alias) {
			return base
		}
	}
	known := make(map[string]bool, len(symbols.Majors))
	for _, m := range symbols.Majors {
		known[m] = true
	}
	for _, m := range tickerTokenRe.FindAllStringSubmatch(text, -1) {
		if known[m[1]] {
			return m[1]
		}
	}
	return ""
}

func briefHolds(b *dag.PortfolioBrief, symbol string) bool {
	for _, h := range b.Holdings {
		if h.Symbol == symbol && h.Qty > 0 {
			return true
		}
	}
	return false
}

// handlePortfolio answers holdings questions from the latest snapshot. No
// run, no artifacts.
func (d *Dispatcher) handlePortfolio(ctx context.Context, req Request) *Response {
	resp := &Response{Intent: string(intent.Portfolio), Status: StatusCompleted}
	snap, err := d.store.LatestPortfolioSnapshot(ctx, req.TenantID)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		resp.Content = "I don't have a portfolio snapshot for you yet. Ask me to analyze your portfolio, or place a paper trade first."
		return resp
	}
	if err != nil {
		return internalError(resp, err, "snapshot load failed")
	}
	resp.Content = formatSnapshot(snap)
	return resp
}

func (d *Dispatcher) handleFinance(ctx context.Context, req Request) *Response {
	resp := &Response{Intent: string(intent.FinanceAnalysis), Status: StatusCompleted}
	snap, err := d.store.LatestPortfolioSnapshot(ctx, req.TenantID)
	if err == nil {
		resp.Content = formatSnapshot(snap) +
			" For a deeper look, ask me to analyze your portfolio, or stage a trade like: buy $50 of the most profitable crypto."
		return resp
	}
	if !errors.Is(err, store.ErrSnapshotNotFound) {
		return internalError(resp, err, "snapshot load failed")
	}
	resp.Content = "I can rank assets by realized return and stage trades on the winner. Try: buy $50 of the most profitable crypto of the last 24 hours."
	return resp
}

func (d *Dispatcher) handleDiagnostics() *Response {
	mode := string(d.cfg.DefaultMode)
	live := "disabled"
	if d.cfg.LiveAllowed {
		live = "enabled"
	}
	return &Response{
		Intent: string(intent.AppDiagnostics),
		Status: StatusCompleted,
		Content: fmt.Sprintf("All systems operational. Version %s, up %s, default mode %s, live trading %s.",
			d.cfg.Version, time.Since(d.startedAt).Round(time.Second), mode, live),
	}
}

func (d *Dispatcher) newsEnabled(req Request) bool {
	if req.NewsEnabled != nil {
		return *req.NewsEnabled
	}
	return d.cfg.NewsEnabled
}

func canned(it intent.Type, content string) *Response {
	return &Response{Intent: string(it), Status: StatusCompleted, Content: content}
}

func internalError(resp *Response, err error, context string) *Response {
	log.Error().Err(err).Msg(strings.ToUpper(context[:1]) + context[1:])
	resp.Status = StatusError
	resp.Content = "Something went wrong on my side. Please try again."
	resp.HTTPStatus = http.StatusInternalServerError
	return resp
}

func planFromProposal(p store.Proposal) store.ExecutionPlan {
	plan := store.ExecutionPlan{
		Side:          strings.ToUpper(p.Side),
		SelectedAsset: p.Asset,
		ProductID:     p.LockedProductID,
		NotionalUSD:   p.AmountUSD,
		LookbackHours: p.LookbackHours,
	}
	if plan.ProductID == "" && p.Asset != "" && p.AssetClass != string(tradeparse.ClassStock) {
		plan.ProductID = symbols.ToProductID(p.Asset)
	}
	if plan.LookbackHours <= 0 {
		plan.LookbackHours = 24
	}
	if len(p.SelectionResult) > 0 {
		plan.Metric = "return"
		plan.SelectedOrder = "desc"
	}
	return plan
}

func runMetadata(conf *store.Confirmation) map[string]any {
	metadata := map[string]any{"confirmation_id": conf.ID}
	if conf.Proposal.AutoSell != nil {
		metadata["auto_sell"] = conf.Proposal.AutoSell
	}
	return metadata
}

func assetClassOf(p store.Proposal) string {
	if p.AssetClass == "" {
		return string(tradeparse.ClassCrypto)
	}
	return p.AssetClass
}

// tradabilityVerified reads the verification flag sealed into the selection
// evidence, if any.
func tradabilityVerified(p store.Proposal) bool {
	if len(p.SelectionResult) == 0 {
		return false
	}
	var probe struct {
		TradabilityVerified bool `json:"tradability_verified"`
	}
	if err := json.Unmarshal(p.SelectionResult, &probe); err != nil {
		return false
	}
	return probe.TradabilityVerified
}
