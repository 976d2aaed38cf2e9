package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

func risingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func trendingCandles(n int, step float64) []trading.Candle {
	out := make([]trading.Candle, n)
	price := 100.0
	for i := range out {
		out[i] = trading.Candle{
			Open:  price,
			High:  price + 1.5,
			Low:   price - 1.5,
			Close: price + step,
		}
		price += step
	}
	return out
}

func TestRSI(t *testing.T) {
	t.Run("insufficient data", func(t *testing.T) {
		_, err := RSI([]float64{1, 2, 3}, 14)
		assert.Error(t, err)
	})

	t.Run("monotonic rise is overbought", func(t *testing.T) {
		rsi, err := RSI(risingCloses(50), 14)
		require.NoError(t, err)
		assert.Greater(t, rsi, 70.0)
	})
}

func TestMACD(t *testing.T) {
	t.Run("fast must be below slow", func(t *testing.T) {
		_, _, _, err := MACD(risingCloses(50), 26, 12, 9)
		assert.Error(t, err)
	})

	t.Run("uptrend has positive line", func(t *testing.T) {
		line, sig, hist, err := MACD(risingCloses(60), 12, 26, 9)
		require.NoError(t, err)
		assert.Greater(t, line, 0.0)
		assert.InDelta(t, line-sig, hist, 1e-9)
	})
}

func TestBollingerPctB(t *testing.T) {
	t.Run("flat series sits mid-band", func(t *testing.T) {
		flat := make([]float64, 30)
		for i := range flat {
			flat[i] = 100
		}
		pctB, err := BollingerPctB(flat, 20)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, pctB, 1e-9)
	})

	t.Run("rising close rides the upper band", func(t *testing.T) {
		pctB, err := BollingerPctB(risingCloses(40), 20)
		require.NoError(t, err)
		assert.Greater(t, pctB, 0.7)
	})
}

func TestADXAndATR(t *testing.T) {
	candles := trendingCandles(60, 1)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}

	adx, err := ADX(highs, lows, closes, 14)
	require.NoError(t, err)
	assert.Greater(t, adx, 20.0, "a steady trend is directional")
	assert.LessOrEqual(t, adx, 100.0)

	atr, err := ATR(highs, lows, closes, 14)
	require.NoError(t, err)
	assert.Greater(t, atr, 0.0)

	_, err = ADX(highs[:10], lows, closes, 14)
	assert.Error(t, err)
}

func TestComputeFullSet(t *testing.T) {
	_, err := Compute(trendingCandles(10, 1))
	assert.Error(t, err, "too few candles")

	set, err := Compute(trendingCandles(60, 1))
	require.NoError(t, err)

	assert.Greater(t, set.RSI, 50.0)
	assert.Greater(t, set.MACDLine, 0.0)
	assert.Greater(t, set.ADX, 0.0)
	assert.Greater(t, set.ATR, 0.0)
	assert.GreaterOrEqual(t, set.SignalStrength, 0.0)
	assert.LessOrEqual(t, set.SignalStrength, 100.0)
	assert.False(t, math.IsNaN(set.BollingerPctB))
}
