package marketdata

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantpilot/quantpilot/internal/audit"
	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/store"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

const brokeragePath = "/api/v3/brokerage"

// CoinbaseProvider serves crypto market data and orders from the Coinbase
// Advanced Trade REST API. Public data endpoints work without credentials;
// account and order endpoints require them.
type CoinbaseProvider struct {
	baseURL    string
	keyName    string
	privateKey *ecdsa.PrivateKey

	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retry      RetryConfig

	products   *productCache
	priceCache *PriceCache
	stats      *APICallStats
	recorder   *audit.Recorder
	bus        *events.Bus
}

// CoinbaseConfig configures the provider.
type CoinbaseConfig struct {
	BaseURL       string
	APIKeyName    string
	APIPrivateKey string
	Retry         RetryConfig
	PriceCache    *PriceCache
	Recorder      *audit.Recorder
	Bus           *events.Bus
}

// NewCoinbaseProvider builds the provider. Credentials are optional; when
// absent, authenticated endpoints return ErrNoCredentials.
func NewCoinbaseProvider(cfg CoinbaseConfig) (*CoinbaseProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coinbase.com"
	}

	var key *ecdsa.PrivateKey
	if cfg.APIKeyName != "" && cfg.APIPrivateKey != "" {
		parsed, err := parseECPrivateKey(cfg.APIPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid coinbase private key: %w", err)
		}
		key = parsed
	}

	stats := NewAPICallStats()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "coinbase",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	return &CoinbaseProvider{
		baseURL:    cfg.BaseURL,
		keyName:    cfg.APIKeyName,
		privateKey: key,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		breaker:    breaker,
		retry:      cfg.Retry,
		products:   newProductCache(stats),
		priceCache: cfg.PriceCache,
		stats:      stats,
		recorder:   cfg.Recorder,
		bus:        cfg.Bus,
	}, nil
}

// HasCredentials reports whether authenticated endpoints are usable.
func (p *CoinbaseProvider) HasCredentials() bool {
	return p.privateKey != nil
}

// Stats returns the shared call counter.
func (p *CoinbaseProvider) Stats() *APICallStats {
	return p.stats
}

// doJSON performs one audited, rate-limited, retried request and decodes the
// response into out.
func (p *CoinbaseProvider) doJSON(ctx context.Context, tool, method, path string, query url.Values, body any, authed bool, out any) error {
	if authed && p.privateKey == nil {
		return ErrNoCredentials
	}

	reqURL := p.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody []byte
	if body != nil {
		reqBody = symbols.SafeJSON(body)
	}

	started := time.Now()
	var respBody []byte
	var httpStatus int

	attempts, err := WithRetry(ctx, p.retry, p.bus, tool, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		result, err := p.breaker.Execute(func() (any, error) {
			var reader io.Reader
			if reqBody != nil {
				reader = bytes.NewReader(reqBody)
			}
			req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			if authed {
				token, err := signRequestJWT(p.keyName, p.privateKey, method, reqURL)
				if err != nil {
					return nil, err
				}
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := p.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return nil, err
			}
			httpStatus = resp.StatusCode
			if resp.StatusCode >= 400 {
				return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(data), 200)}
			}
			return data, nil
		})
		if err != nil {
			return err
		}
		respBody = result.([]byte)
		return nil
	})

	p.stats.RecordCall(tool, err == nil)
	p.record(ctx, tool, method, path, query, reqBody, respBody, httpStatus, attempts, started, err)

	if err != nil {
		return fmt.Errorf("%s failed: %w", tool, err)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s returned malformed JSON: %w", tool, err)
		}
	}
	return nil
}

func (p *CoinbaseProvider) record(ctx context.Context, tool, method, path string, query url.Values, reqBody, respBody []byte, httpStatus, attempts int, started time.Time, err error) {
	if p.recorder == nil {
		return
	}
	runID, nodeID := audit.RunFromContext(ctx)

	status := "SUCCESS"
	if err != nil {
		status = "FAILED"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			status = "TIMEOUT"
		}
	}

	request := map[string]any{"method": method, "path": path}
	if len(query) > 0 {
		request["query"] = query.Encode()
	}
	if reqBody != nil {
		request["body"] = json.RawMessage(reqBody)
	}
	var response any
	if respBody != nil {
		response = json.RawMessage(respBody)
	}

	call := audit.Call{
		RunID:    runID,
		NodeID:   nodeID,
		ToolName: tool,
		Server:   "coinbase",
		Request:  request,
		Response: response,
		Status:   status,
		Latency:  time.Since(started),
		Attempt:  attempts,
		Err:      err,
	}
	if httpStatus != 0 {
		call.HTTPStatus = &httpStatus
	}
	p.recorder.Record(ctx, call)
}

type coinbaseProduct struct {
	ProductID       string `json:"product_id"`
	BaseCurrencyID  string `json:"base_currency_id"`
	QuoteCurrencyID string `json:"quote_currency_id"`
	Status          string `json:"status"`
	Price           string `json:"price"`
	Volume24h       string `json:"volume_24h"`
	QuoteMinSize    string `json:"quote_min_size"`
	TradingDisabled bool   `json:"trading_disabled"`
}

func (cp coinbaseProduct) toProduct() Product {
	price := parseFloat(cp.Price)
	return Product{
		ProductID:       cp.ProductID,
		BaseSymbol:      cp.BaseCurrencyID,
		QuoteSymbol:     cp.QuoteCurrencyID,
		Status:          cp.Status,
		Volume24hUSD:    parseFloat(cp.Volume24h) * price,
		MinNotionalUSD:  parseFloat(cp.QuoteMinSize),
		TradingDisabled: cp.TradingDisabled,
	}
}

// ListProducts returns SPOT listings for the quote currency, sorted by 24h
// USD volume descending. Serves from the TTL cache when fresh.
func (p *CoinbaseProvider) ListProducts(ctx context.Context, quote string) ([]Product, error) {
	if cached, ok := p.products.get(quote); ok {
		return cached, nil
	}

	var resp struct {
		Products []coinbaseProduct `json:"products"`
	}
	query := url.Values{"product_type": {"SPOT"}}
	if err := p.doJSON(ctx, "list_products", http.MethodGet, brokeragePath+"/market/products", query, nil, false, &resp); err != nil {
		// Stale listings beat a hard failure for minimum-notional lookups.
		if stale, ok := p.products.getStale(quote); ok {
			log.Warn().Err(err).Str("quote", quote).Msg("Product fetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}

	products := make([]Product, 0, len(resp.Products))
	for _, cp := range resp.Products {
		if cp.QuoteCurrencyID != quote {
			continue
		}
		products = append(products, cp.toProduct())
	}
	sort.Slice(products, func(i, j int) bool {
		return products[i].Volume24hUSD > products[j].Volume24hUSD
	})

	p.products.put(quote, products)
	return products, nil
}

// GetProduct probes one listing. The tradability gate treats 401 here as
// benign because the public listing is authoritative.
func (p *CoinbaseProvider) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var cp coinbaseProduct
	if err := p.doJSON(ctx, "get_product", http.MethodGet, brokeragePath+"/market/products/"+productID, nil, nil, false, &cp); err != nil {
		return nil, err
	}
	product := cp.toProduct()
	return &product, nil
}

type coinbaseCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GetCandles returns OHLCV bars oldest-first. The venue reports newest-first;
// the result is reversed before return.
func (p *CoinbaseProvider) GetCandles(ctx context.Context, productID string, granularity Granularity, start, end time.Time) ([]store.Candle, error) {
	query := url.Values{
		"start":       {strconv.FormatInt(start.Unix(), 10)},
		"end":         {strconv.FormatInt(end.Unix(), 10)},
		"granularity": {string(granularity)},
	}
	var resp struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := p.doJSON(ctx, "get_candles", http.MethodGet, brokeragePath+"/market/products/"+productID+"/candles", query, nil, false, &resp); err != nil {
		return nil, err
	}

	candles := make([]store.Candle, 0, len(resp.Candles))
	for _, cc := range resp.Candles {
		sec, err := strconv.ParseInt(cc.Start, 10, 64)
		if err != nil {
			continue
		}
		candles = append(candles, store.Candle{
			Start:  time.Unix(sec, 0).UTC(),
			Open:   parseFloat(cc.Open),
			High:   parseFloat(cc.High),
			Low:    parseFloat(cc.Low),
			Close:  parseFloat(cc.Close),
			Volume: parseFloat(cc.Volume),
		})
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Start.Before(candles[j].Start)
	})
	return candles, nil
}

// GetPrice returns the latest trade price, served from the Redis cache when
// warm.
func (p *CoinbaseProvider) GetPrice(ctx context.Context, productID string) (float64, error) {
	if price, ok := p.priceCache.Get(ctx, productID); ok {
		p.stats.RecordCacheHit()
		return price, nil
	}

	var cp coinbaseProduct
	if err := p.doJSON(ctx, "get_price", http.MethodGet, brokeragePath+"/market/products/"+productID, nil, nil, false, &cp); err != nil {
		return 0, err
	}
	price := parseFloat(cp.Price)
	if price <= 0 {
		return 0, fmt.Errorf("no price available for %s", productID)
	}
	p.priceCache.Set(ctx, productID, price)
	return price, nil
}

type coinbaseAccount struct {
	UUID             string `json:"uuid"`
	Currency         string `json:"currency"`
	AvailableBalance struct {
		Value string `json:"value"`
	} `json:"available_balance"`
	Hold struct {
		Value string `json:"value"`
	} `json:"hold"`
}

// ListBalances returns non-zero account balances. Requires credentials.
func (p *CoinbaseProvider) ListBalances(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Accounts []coinbaseAccount `json:"accounts"`
	}
	query := url.Values{"limit": {"250"}}
	if err := p.doJSON(ctx, "list_balances", http.MethodGet, brokeragePath+"/accounts", query, nil, true, &resp); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(resp.Accounts))
	for _, acct := range resp.Accounts {
		available := parseFloat(acct.AvailableBalance.Value)
		hold := parseFloat(acct.Hold.Value)
		if available == 0 && hold == 0 {
			continue
		}
		balances = append(balances, Balance{
			AccountID: acct.UUID,
			Symbol:    acct.Currency,
			Available: available,
			Hold:      hold,
		})
	}
	return balances, nil
}

// PlaceMarketOrder submits a market IOC order by notional (BUY) or base
// quantity (SELL). Requires credentials.
func (p *CoinbaseProvider) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	marketIOC := map[string]string{}
	if req.Side == "BUY" || req.BaseQty <= 0 {
		marketIOC["quote_size"] = strconv.FormatFloat(req.NotionalUSD, 'f', 2, 64)
	} else {
		marketIOC["base_size"] = strconv.FormatFloat(req.BaseQty, 'f', -1, 64)
	}
	body := map[string]any{
		"client_order_id": req.ClientOrderID,
		"product_id":      req.ProductID,
		"side":            req.Side,
		"order_configuration": map[string]any{
			"market_market_ioc": marketIOC,
		},
	}

	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error        string `json:"error"`
			ErrorDetails string `json:"error_details"`
		} `json:"error_response"`
	}
	if err := p.doJSON(ctx, "place_order", http.MethodPost, brokeragePath+"/orders", nil, body, true, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("order rejected: %s (%s)", resp.ErrorResponse.Error, resp.ErrorResponse.ErrorDetails)
	}
	return &OrderResult{VenueOrderID: resp.SuccessResponse.OrderID, Status: "SUBMITTED"}, nil
}

type coinbaseFill struct {
	EntryID   string `json:"entry_id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Commission string `json:"commission"`
	TradeTime time.Time `json:"trade_time"`
}

// ListFills returns fills for one venue order. Requires credentials.
func (p *CoinbaseProvider) ListFills(ctx context.Context, venueOrderID string) ([]FillRecord, error) {
	var resp struct {
		Fills []coinbaseFill `json:"fills"`
	}
	query := url.Values{"order_id": {venueOrderID}}
	if err := p.doJSON(ctx, "list_fills", http.MethodGet, brokeragePath+"/orders/historical/fills", query, nil, true, &resp); err != nil {
		return nil, err
	}

	fills := make([]FillRecord, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		fills = append(fills, FillRecord{
			FillID:    f.EntryID,
			OrderID:   f.OrderID,
			ProductID: f.ProductID,
			Qty:       parseFloat(f.Size),
			Price:     parseFloat(f.Price),
			Fee:       parseFloat(f.Commission),
			TradeTime: f.TradeTime,
		})
	}
	return fills, nil
}

type coinbaseHistoricalOrder struct {
	OrderID        string    `json:"order_id"`
	ProductID      string    `json:"product_id"`
	Side           string    `json:"side"`
	Status         string    `json:"status"`
	FilledSize     string    `json:"filled_size"`
	FilledValue    string    `json:"filled_value"`
	CreatedTime    time.Time `json:"created_time"`
}

// OrderHistory returns orders created since the given time. Requires
// credentials.
func (p *CoinbaseProvider) OrderHistory(ctx context.Context, since time.Time) ([]HistoricalOrder, error) {
	var resp struct {
		Orders []coinbaseHistoricalOrder `json:"orders"`
	}
	query := url.Values{"start_date": {since.UTC().Format(time.RFC3339)}, "limit": {"250"}}
	if err := p.doJSON(ctx, "order_history", http.MethodGet, brokeragePath+"/orders/historical/batch", query, nil, true, &resp); err != nil {
		return nil, err
	}

	orders := make([]HistoricalOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, HistoricalOrder{
			OrderID:     o.OrderID,
			ProductID:   o.ProductID,
			Side:        o.Side,
			NotionalUSD: parseFloat(o.FilledValue),
			FilledQty:   parseFloat(o.FilledSize),
			Status:      o.Status,
			CreatedAt:   o.CreatedTime,
		})
	}
	return orders, nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
