package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quantpilot/quantpilot/internal/audit"
	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/store"
)

// PolygonProvider serves end-of-day stock candles from the Polygon REST API.
// Stocks are analysis-only: no order or balance endpoints exist here.
type PolygonProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      RetryConfig
	stats      *APICallStats
	recorder   *audit.Recorder
	bus        *events.Bus
}

// PolygonConfig configures the provider.
type PolygonConfig struct {
	BaseURL  string
	APIKey   string
	Retry    RetryConfig
	Recorder *audit.Recorder
	Bus      *events.Bus
}

// NewPolygonProvider builds the provider. An empty API key disables it; calls
// then return ErrNoCredentials.
func NewPolygonProvider(cfg PolygonConfig) *PolygonProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polygon.io"
	}
	return &PolygonProvider{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry:      cfg.Retry,
		stats:      NewAPICallStats(),
		recorder:   cfg.Recorder,
		bus:        cfg.Bus,
	}
}

// Enabled reports whether an API key is configured.
func (p *PolygonProvider) Enabled() bool {
	return p.apiKey != ""
}

// Stats returns the call counter.
func (p *PolygonProvider) Stats() *APICallStats {
	return p.stats
}

type polygonAgg struct {
	Timestamp int64   `json:"t"` // ms since epoch
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// GetDailyCandles returns daily bars for a ticker, oldest-first.
func (p *PolygonProvider) GetDailyCandles(ctx context.Context, ticker string, start, end time.Time) ([]store.Candle, error) {
	if p.apiKey == "" {
		return nil, ErrNoCredentials
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		ticker, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))
	query := url.Values{"adjusted": {"true"}, "sort": {"asc"}, "limit": {"120"}}

	var resp struct {
		Status  string       `json:"status"`
		Results []polygonAgg `json:"results"`
	}
	if err := p.doJSON(ctx, "stock_daily_candles", path, query, &resp); err != nil {
		return nil, err
	}

	candles := make([]store.Candle, 0, len(resp.Results))
	for _, agg := range resp.Results {
		candles = append(candles, store.Candle{
			Start:  time.UnixMilli(agg.Timestamp).UTC(),
			Open:   agg.Open,
			High:   agg.High,
			Low:    agg.Low,
			Close:  agg.Close,
			Volume: agg.Volume,
		})
	}
	return candles, nil
}

// GetPrevClose returns the previous trading day's close.
func (p *PolygonProvider) GetPrevClose(ctx context.Context, ticker string) (float64, error) {
	if p.apiKey == "" {
		return 0, ErrNoCredentials
	}

	var resp struct {
		Results []polygonAgg `json:"results"`
	}
	if err := p.doJSON(ctx, "stock_prev_close", "/v2/aggs/ticker/"+ticker+"/prev", url.Values{"adjusted": {"true"}}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("no previous close for %s", ticker)
	}
	return resp.Results[0].Close, nil
}

func (p *PolygonProvider) doJSON(ctx context.Context, tool, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", p.apiKey)
	reqURL := p.baseURL + path + "?" + query.Encode()

	started := time.Now()
	var respBody []byte
	var httpStatus int

	attempts, err := WithRetry(ctx, p.retry, p.bus, tool, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		httpStatus = resp.StatusCode
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Body: truncate(string(data), 200)}
		}
		respBody = data
		return nil
	})

	p.stats.RecordCall(tool, err == nil)
	if p.recorder != nil {
		runID, nodeID := audit.RunFromContext(ctx)
		status := "SUCCESS"
		if err != nil {
			status = "FAILED"
			if errors.Is(err, context.DeadlineExceeded) {
				status = "TIMEOUT"
			}
		}
		var response any
		if respBody != nil {
			response = json.RawMessage(respBody)
		}
		// The key travels as a query parameter; it must never reach the audit row.
		logged := url.Values{}
		for k, vs := range query {
			if k != "apiKey" {
				logged[k] = vs
			}
		}
		call := audit.Call{
			RunID:    runID,
			NodeID:   nodeID,
			ToolName: tool,
			Server:   "polygon",
			Request:  map[string]any{"path": path, "query": logged.Encode()},
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
