package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDrawdown(t *testing.T) {
	t.Run("empty curve", func(t *testing.T) {
		current, max, peak := CalculateDrawdown(nil)
		assert.Zero(t, current)
		assert.Zero(t, max)
		assert.Zero(t, peak)
	})

	t.Run("monotonic rise has no drawdown", func(t *testing.T) {
		current, max, peak := CalculateDrawdown([]float64{100, 110, 120})
		assert.Zero(t, current)
		assert.Zero(t, max)
		assert.Equal(t, 120.0, peak)
	})

	t.Run("drop and partial recovery", func(t *testing.T) {
		current, max, peak := CalculateDrawdown([]float64{100, 120, 90, 108})
		assert.InDelta(t, 0.10, current, 1e-9) // (120-108)/120
		assert.InDelta(t, 0.25, max, 1e-9)     // (120-90)/120
		assert.Equal(t, 120.0, peak)
	})
}

func TestCalculateVaR(t *testing.T) {
	t.Run("empty returns", func(t *testing.T) {
		_, _, err := CalculateVaR(nil, 0.95)
		assert.Error(t, err)
	})

	t.Run("invalid confidence", func(t *testing.T) {
		_, _, err := CalculateVaR([]float64{0.01}, 1.5)
		assert.Error(t, err)
	})

	t.Run("worst tail drives VaR", func(t *testing.T) {
		returns := []float64{0.01, -0.05, 0.02, 0.005, -0.01, 0.015, 0.0, -0.02, 0.01, 0.005,
			0.01, -0.005, 0.02, 0.01, -0.015, 0.005, 0.01, 0.0, -0.01, 0.02}
		varValue, cvarValue, err := CalculateVaR(returns, 0.95)
		require.NoError(t, err)
		// Historical simulation indexes the sorted returns at n*0.05, so 20
		// returns put the 95% VaR at the second-worst loss.
		assert.InDelta(t, 0.02, varValue, 1e-9)
		// CVaR averages the tail at and beyond VaR: (0.05 + 0.02) / 2.
		assert.InDelta(t, 0.035, cvarValue, 1e-9)
		assert.GreaterOrEqual(t, cvarValue, varValue)
	})
}

func TestCalculateSharpeRatio(t *testing.T) {
	_, err := CalculateSharpeRatio(nil, 0)
	assert.Error(t, err)

	_, err = CalculateSharpeRatio([]float64{0.01, 0.01, 0.01}, 0)
	assert.Error(t, err, "zero variance has no Sharpe ratio")

	sharpe, err := CalculateSharpeRatio([]float64{0.01, -0.005, 0.02, 0.0, 0.01}, 0)
	require.NoError(t, err)
	assert.Greater(t, sharpe, 0.0)
}

func TestCorrelation(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5}
	down := []float64{5, 4, 3, 2, 1}
	flat := []float64{2, 2, 2, 2, 2}

	assert.InDelta(t, 1.0, Correlation(up, up), 1e-9)
	assert.InDelta(t, -1.0, Correlation(up, down), 1e-9)
	assert.Zero(t, Correlation(up, flat))
	assert.Zero(t, Correlation(up, []float64{1}), "too short")

	// Unequal lengths align on the shorter tail.
	assert.InDelta(t, 1.0, Correlation([]float64{9, 9, 1, 2, 3}, []float64{4, 5, 6}), 1e-9)
}

func TestReturns(t *testing.T) {
	assert.Nil(t, Returns([]float64{100}))
	rets := Returns([]float64{100, 110, 99})
	require.Len(t, rets, 2)
	assert.InDelta(t, 0.10, rets[0], 1e-9)
	assert.InDelta(t, -0.10, rets[1], 1e-9)
}

func TestDetectMarketRegime(t *testing.T) {
	t.Run("insufficient data", func(t *testing.T) {
		_, err := DetectMarketRegime([]float64{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("bullish trend", func(t *testing.T) {
		prices := make([]float64, 30)
		for i := range prices {
			prices[i] = 100 + float64(i)*2
		}
		regime, err := DetectMarketRegime(prices)
		require.NoError(t, err)
		assert.Equal(t, "bullish", regime.Regime)
		assert.Greater(t, regime.TrendStrength, 0.0)
	})

	t.Run("bearish trend", func(t *testing.T) {
		prices := make([]float64, 30)
		for i := range prices {
			prices[i] = 200 - float64(i)*2
		}
		regime, err := DetectMarketRegime(prices)
		require.NoError(t, err)
		assert.Equal(t, "bearish", regime.Regime)
	})

	t.Run("sideways", func(t *testing.T) {
		prices := make([]float64, 30)
		for i := range prices {
			prices[i] = 100 + float64(i%2)
		}
		regime, err := DetectMarketRegime(prices)
		require.NoError(t, err)
		assert.Equal(t, "sideways", regime.Regime)
	})
}
