package preflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/marketdata"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// Rejection reason codes. The endpoint surfaces these verbatim.
const (
	ReasonMinNotionalTooLow    = "MIN_NOTIONAL_TOO_LOW"
	ReasonInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ReasonInsufficientCash     = "INSUFFICIENT_CASH"
	ReasonProductNotTradeable  = "PRODUCT_NOT_TRADEABLE"
	ReasonNoLastPurchase       = "NO_LAST_PURCHASE"
	ReasonLiveDisabled         = "LIVE_DISABLED"
)

// Request is one staged trade to validate.
type Request struct {
	TenantID   string
	Side       string // buy or sell
	Asset      string // base symbol, or AUTO when selection picks it
	AssetClass string
	AmountUSD  float64
	Mode       store.ExecutionMode
}

// Result is the preflight verdict. Rejections carry enough detail for the UI
// to render a corrective form.
type Result struct {
	Valid            bool                    `json:"valid"`
	ReasonCode       string                  `json:"reason_code,omitempty"`
	Message          string                  `json:"message,omitempty"`
	Remediation      string                  `json:"remediation,omitempty"`
	RequestedUSD     float64                 `json:"requested_usd"`
	AvailableBalance float64                 `json:"available_balance,omitempty"`
	MinNotionalUSD   float64                 `json:"min_notional_usd,omitempty"`
	RequiresAutoSell bool                    `json:"requires_auto_sell,omitempty"`
	AutoSell         *store.AutoSellProposal `json:"auto_sell_proposal,omitempty"`
}

// Validator is the single gate between parser output and confirmation
// issuance.
type Validator struct {
	store    *store.Store
	provider marketdata.Provider

	feePct            float64
	defaultMinUSD     float64
	liveAllowed       bool
	hasLiveCreds      bool
}

// Config configures the validator.
type Config struct {
	FeePct                float64
	DefaultMinNotionalUSD float64
	LiveAllowed           bool
	HasLiveCreds          bool
}

// NewValidator builds the preflight gate.
func NewValidator(s *store.Store, provider marketdata.Provider, cfg Config) *Validator {
	if cfg.FeePct <= 0 {
		cfg.FeePct = 0.006
	}
	if cfg.DefaultMinNotionalUSD <= 0 {
		cfg.DefaultMinNotionalUSD = 1
	}
	return &Validator{
		store:         s,
		provider:      provider,
		feePct:        cfg.FeePct,
		defaultMinUSD: cfg.DefaultMinNotionalUSD,
		liveAllowed:   cfg.LiveAllowed,
		hasLiveCreds:  cfg.HasLiveCreds,
	}
}

// Validate runs the ordered checks. It returns an error only for
// infrastructure failures; business rejections come back in the Result.
func (v *Validator) Validate(ctx context.Context, req Request) (*Result, error) {
	result := &Result{RequestedUSD: req.AmountUSD}
	side := strings.ToUpper(req.Side)

	if req.Mode == store.ModeLive && !v.liveAllowed {
		return reject(result, ReasonLiveDisabled,
			"LIVE trading is disabled",
			"Enable live trading or run the trade in PAPER mode."), nil
	}

	minNotional := v.minNotional(ctx, req)
	result.MinNotionalUSD = minNotional
	withFee := req.AmountUSD * (1 + v.feePct)
	if withFee < minNotional {
		return reject(result, ReasonMinNotionalTooLow,
			fmt.Sprintf("$%.2f plus ~%.1f%% fees is below the $%.2f minimum", req.AmountUSD, v.feePct*100, minNotional),
			fmt.Sprintf("Increase the amount to at least $%.2f.", minNotional/(1+v.feePct)+0.01)), nil
	}

	holdings, err := v.holdings(ctx, req.TenantID, req.Mode)
	if err != nil {
		return nil, fmt.Errorf("preflight balance lookup failed: %w", err)
	}

	if side == "SELL" && req.Asset != "AUTO" {
		base := symbols.ToBase(req.Asset)
		held := holdings.usdValue(base)
		if held < req.AmountUSD {
			result.AvailableBalance = held
			return reject(result, ReasonInsufficientBalance,
				fmt.Sprintf("You hold $%.2f of %s, less than the requested $%.2f", held, base, req.AmountUSD),
				fmt.Sprintf("Reduce the amount to $%.2f or less.", held)), nil
		}
		return result.ok(), nil
	}

	if side == "BUY" {
		cash := holdings.cash()
		needed := withFee
		if cash >= needed {
			return result.ok(), nil
		}

		shortfall := needed - cash
		target := symbols.ToBase(req.Asset)
		proposal := holdings.autoSellCovering(target, shortfall)
		if proposal == nil {
			result.AvailableBalance = cash
			return reject(result, ReasonInsufficientCash,
				fmt.Sprintf("You have $%.2f in cash but need $%.2f including fees", cash, needed),
				"Deposit funds or reduce the trade amount."), nil
		}

		result.Valid = true
		result.RequiresAutoSell = true
		result.AutoSell = proposal
		result.AvailableBalance = cash
		result.Message = fmt.Sprintf("Requires selling $%.2f of %s first to cover the shortfall",
			proposal.SellAmountUSD, proposal.SellBaseSymbol)
		return result, nil
	}

	return result.ok(), nil
}

func reject(r *Result, code, message, remediation string) *Result {
	r.Valid = false
	r.ReasonCode = code
	r.Message = message
	r.Remediation = remediation
	return r
}

func (r *Result) ok() *Result {
	r.Valid = true
	return r
}

// minNotional resolves the product minimum with a stale-cache fallback. Any
// lookup failure degrades to the configured default rather than blocking.
func (v *Validator) minNotional(ctx context.Context, req Request) float64 {
	if req.AssetClass != "CRYPTO" || req.Asset == "" || req.Asset == "AUTO" {
		return v.defaultMinUSD
	}
	products, err := v.provider.ListProducts(ctx, "USD")
	if err != nil {
		log.Warn().Err(err).Str("asset", req.Asset).Msg("Product minimum lookup failed, using default")
		return v.defaultMinUSD
	}
	productID := symbols.ToProductID(req.Asset)
	for _, p := range products {
		if p.ProductID == productID && p.MinNotionalUSD > 0 {
			return p.MinNotionalUSD
		}
	}
	return v.defaultMinUSD
}

// holdingsView is a priced snapshot of what the tenant owns.
type holdingsView struct {
	values map[string]float64 // base symbol -> usd value, including USD cash
}

func (h holdingsView) cash() float64 {
	return h.values["USD"]
}

func (h holdingsView) usdValue(base string) float64 {
	return h.values[base]
}

// autoSellCovering picks the smallest non-target holding that covers the
// shortfall, to disturb the portfolio as little as possible. Returns nil when
// nothing covers it.
func (h holdingsView) autoSellCovering(target string, shortfall float64) *store.AutoSellProposal {
	type candidate struct {
		symbol string
		value  float64
	}
	var candidates []candidate
	for sym, value := range h.values {
		if sym == "USD" || sym == target || symbols.IsStablecoin(sym) {
			continue
		}
		if value >= shortfall {
			candidates = append(candidates, candidate{symbol: sym, value: value})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].value != candidates[j].value {
			return candidates[i].value < candidates[j].value
		}
		return candidates[i].symbol < candidates[j].symbol
	})
	pick := candidates[0]
	return &store.AutoSellProposal{
		SellBaseSymbol: pick.symbol,
		SellProductID:  symbols.ToProductID(pick.symbol),
		SellAmountUSD:  shortfall,
	}
}

// holdings prices the tenant's balances. LIVE reads the venue when
// credentials exist; PAPER reads the latest snapshot, seeding a deterministic
// ledger when none exists yet.
func (v *Validator) holdings(ctx context.Context, tenantID string, mode store.ExecutionMode) (holdingsView, error) {
	view := holdingsView{values: make(map[string]float64)}

	if mode == store.ModeLive && v.hasLiveCreds {
		balances, err := v.provider.ListBalances(ctx)
		if err != nil {
			return view, err
		}
		for _, b := range balances {
			qty := b.Available + b.Hold
			if b.Symbol == "USD" || symbols.IsStablecoin(b.Symbol) {
				view.values["USD"] += qty
				continue
			}
			price, err := v.provider.GetPrice(ctx, symbols.ToProductID(b.Symbol))
			if err != nil {
				log.Warn().Err(err).Str("symbol", b.Symbol).Msg("Price lookup failed during preflight, holding ignored")
				continue
			}
			view.values[b.Symbol] += qty * price
		}
		return view, nil
	}

	snap, err := v.store.LatestPortfolioSnapshot(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrSnapshotNotFound) {
		return view, err
	}

	balances := store.DefaultPaperBalances()
	if snap != nil {
		balances = snap.Balances
	}
	for sym, qty := range balances {
		if sym == "USD" || symbols.IsStablecoin(sym) {
			view.values["USD"] += qty
			continue
		}
		price, err := v.provider.GetPrice(ctx, symbols.ToProductID(sym))
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Price lookup failed during preflight, holding ignored")
			continue
		}
		view.values[sym] += qty * price
	}
	return view, nil
}
