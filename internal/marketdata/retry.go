package marketdata

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/events"
	"github.com/quantpilot/quantpilot/internal/symbols"
)

// RetryConfig configures provider-call retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Disabled skips backoff sleeps entirely. Tests set this.
	Disabled bool
}

// DefaultRetryConfig returns the production retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// IsRetryable reports whether a provider error warrants another attempt.
// Only rate limits, server errors, timeouts and connection failures qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// WithRetry runs op with exponential backoff and jitter. The final error is
// returned unwrapped so callers can still classify it.
func WithRetry(ctx context.Context, cfg RetryConfig, bus *events.Bus, tool string, op func() error) (attempts int, err error) {
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		attempts = attempt
		if err = op(); err == nil {
			return attempts, nil
		}
		if !IsRetryable(err) || attempt == cfg.MaxRetries+1 {
			return attempts, err
		}

		log.Warn().
			Err(err).
			Str("tool", tool).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Provider call failed, retrying")
		bus.Publish(events.Event{
			Type: events.TypeRetry,
			Payload: symbols.SafeJSON(map[string]any{
				"tool":    tool,
				"attempt": attempt,
				"error":   err.Error(),
			}),
		})

		if !cfg.Disabled {
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
			select {
			case <-ctx.Done():
				return attempts, ctx.Err()
			case <-time.After(jittered):
			}
		}
		if delay *= 2; delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return attempts, err
}
