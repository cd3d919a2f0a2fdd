package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantpilot/quantpilot/internal/store"
)

func TestCandleReturns(t *testing.T) {
	candles := []store.Candle{
		{Close: 100}, {Close: 110}, {Close: 99},
	}
	returns := candleReturns(candles)
	assert.InDelta(t, 0.1, returns[0], 0.0001)
	assert.InDelta(t, -0.1, returns[1], 0.0001)

	assert.Nil(t, candleReturns([]store.Candle{{Close: 100}}))
}

func TestCandleReturnsSkipsZeroPrices(t *testing.T) {
	candles := []store.Candle{{Close: 0}, {Close: 100}, {Close: 101}}
	returns := candleReturns(candles)
	assert.Len(t, returns, 1)
	assert.InDelta(t, 0.01, returns[0], 0.0001)
}

func TestSharpeProxy(t *testing.T) {
	// Flat series: zero stddev, zero proxy.
	flat := []store.Candle{{Close: 100}, {Close: 100}, {Close: 100}}
	assert.Zero(t, sharpeProxy(flat))

	// Monotonic rise with varying steps has positive mean return.
	rising := []store.Candle{{Close: 100}, {Close: 102}, {Close: 103}, {Close: 106}}
	assert.Greater(t, sharpeProxy(rising), 0.0)

	assert.Zero(t, sharpeProxy(nil))
}

func TestMomentumScore(t *testing.T) {
	rising := hourlyCandles(24, 124)
	assert.Greater(t, momentumScore(rising), 0.0)

	falling := make([]store.Candle, 24)
	for i := range falling {
		falling[i] = store.Candle{Close: float64(200 - i*3)}
	}
	assert.Less(t, momentumScore(falling), 0.0)

	assert.Zero(t, momentumScore(rising[:2]))
}

func TestSecondScore(t *testing.T) {
	scored := []scoredAsset{
		{Score: 0.5},
		{Score: 0.3},
	}
	assert.Equal(t, 0.3, secondScore(scored))
	assert.Zero(t, secondScore(scored[:1]))
}
