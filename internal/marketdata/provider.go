package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantpilot/quantpilot/internal/store"
)

// Granularity names the candle bucket size on the wire.
type Granularity string

const (
	OneMinute     Granularity = "ONE_MINUTE"
	FiveMinute    Granularity = "FIVE_MINUTE"
	FifteenMinute Granularity = "FIFTEEN_MINUTE"
	OneHour       Granularity = "ONE_HOUR"
	SixHour       Granularity = "SIX_HOUR"
	OneDay        Granularity = "ONE_DAY"
)

// Duration returns the bucket width of the granularity.
func (g Granularity) Duration() time.Duration {
	switch g {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return 5 * time.Minute
	case FifteenMinute:
		return 15 * time.Minute
	case OneHour:
		return time.Hour
	case SixHour:
		return 6 * time.Hour
	case OneDay:
		return 24 * time.Hour
	}
	return time.Hour
}

// SelectionGranularity maps a lookback window to the candle size used by the
// asset-selection engine.
func SelectionGranularity(lookbackHours float64) Granularity {
	switch {
	case lookbackHours <= 1:
		return OneMinute
	case lookbackHours <= 6:
		return FiveMinute
	case lookbackHours <= 24:
		return FifteenMinute
	case lookbackHours <= 168:
		return OneHour
	default:
		return SixHour
	}
}

// ResearchGranularity maps a lookback window to the candle size used by the
// research node.
func ResearchGranularity(lookbackHours float64) Granularity {
	if lookbackHours <= 168 {
		return OneHour
	}
	return OneDay
}

// ResearchWindow buffers the lookback so partial buckets at the edges do not
// starve the candle count.
func ResearchWindow(lookbackHours float64) time.Duration {
	buffered := lookbackHours * 1.25
	if alt := lookbackHours + 12; alt > buffered {
		buffered = alt
	}
	return time.Duration(buffered * float64(time.Hour))
}

// Product is one tradeable listing on the venue.
type Product struct {
	ProductID      string  `json:"product_id"`
	BaseSymbol     string  `json:"base_symbol"`
	QuoteSymbol    string  `json:"quote_symbol"`
	Status         string  `json:"status"`
	Volume24hUSD   float64 `json:"volume_24h_usd"`
	MinNotionalUSD float64 `json:"min_notional_usd"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// Online reports whether the listing accepts orders.
func (p Product) Online() bool {
	return p.Status == "online" && !p.TradingDisabled
}

// Balance is one account balance on the venue.
type Balance struct {
	AccountID string  `json:"account_id"`
	Symbol    string  `json:"symbol"`
	Available float64 `json:"available"`
	Hold      float64 `json:"hold"`
}

// OrderRequest is a market order by notional.
type OrderRequest struct {
	ProductID     string
	Side          string // BUY or SELL
	NotionalUSD   float64
	BaseQty       float64 // SELL by quantity when > 0
	ClientOrderID string
}

// OrderResult is the venue's acknowledgement of an order.
type OrderResult struct {
	VenueOrderID string  `json:"venue_order_id"`
	Status       string  `json:"status"`
	FilledQty    float64 `json:"filled_qty"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Fees         float64 `json:"fees"`
}

// FillRecord is one execution reported by the venue.
type FillRecord struct {
	FillID    string    `json:"fill_id"`
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	TradeTime time.Time `json:"trade_time"`
}

// HistoricalOrder is one past order from the venue's order history.
type HistoricalOrder struct {
	OrderID     string    `json:"order_id"`
	ProductID   string    `json:"product_id"`
	Side        string    `json:"side"`
	NotionalUSD float64   `json:"notional_usd"`
	FilledQty   float64   `json:"filled_qty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Typed provider failures. Callers branch on these with errors.Is.
var (
	ErrRateLimited  = errors.New("provider rate limited")
	ErrTimeout      = errors.New("provider timeout")
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("provider unauthorized")
	ErrNoCredentials = errors.New("live credentials not configured")
)

// APIError carries the HTTP status of a failed provider call.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Unwrap maps status classes onto the typed sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == 429:
		return ErrRateLimited
	case e.Status == 401 || e.Status == 403:
		return ErrUnauthorized
	case e.Status == 404:
		return ErrNotFound
	}
	return nil
}

// Provider serves market data and order operations for one venue.
type Provider interface {
	// ListProducts returns listings with the given quote currency, cached.
	ListProducts(ctx context.Context, quote string) ([]Product, error)
	// GetProduct probes one listing's metadata. Used by the tradability gate.
	GetProduct(ctx context.Context, productID string) (*Product, error)
	// GetCandles returns OHLCV bars oldest-first for [start, end).
	GetCandles(ctx context.Context, productID string, granularity Granularity, start, end time.Time) ([]store.Candle, error)
	// GetPrice returns the latest trade price in USD.
	GetPrice(ctx context.Context, productID string) (float64, error)
	// ListBalances returns non-zero account balances.
	ListBalances(ctx context.Context) ([]Balance, error)
	// PlaceMarketOrder submits a market order.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// ListFills returns fills for one venue order.
	ListFills(ctx context.Context, venueOrderID string) ([]FillRecord, error)
	// OrderHistory returns orders created since the given time.
	OrderHistory(ctx context.Context, since time.Time) ([]HistoricalOrder, error)
}
