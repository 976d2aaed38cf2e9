// Package risk validates proposed trades against portfolio risk policy and
// provides the portfolio math shared with the learning memory.
package risk

import (
	"fmt"
	"math"
	"slices"
)

// Returns converts a price or equity series into fractional returns.
func Returns(series []float64) []float64 {
	if len(series) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1] > 0 {
			returns = append(returns, (series[i]-series[i-1])/series[i-1])
		}
	}
	return returns
}

// CalculateDrawdown computes the current and maximum drawdown over an equity
// curve, along with the running peak.
func CalculateDrawdown(equityCurve []float64) (currentDD, maxDD, peakEquity float64) {
	if len(equityCurve) == 0 {
		return 0, 0, 0
	}

	peak := equityCurve[0]
	currentEquity := equityCurve[len(equityCurve)-1]

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	if currentEquity < peak && peak > 0 {
		currentDD = (peak - currentEquity) / peak
	}

	return currentDD, maxDD, peak
}

// CalculateVaR estimates Value at Risk from historical returns using the
// historical simulation method. The returned VaR and CVaR are positive
// fractions representing losses.
func CalculateVaR(returns []float64, confidenceLevel float64) (varValue, cvarValue float64, err error) {
	if len(returns) == 0 {
		return 0, 0, fmt.Errorf("returns array is empty")
	}
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		return 0, 0, fmt.Errorf("confidence level must be between 0 and 1")
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	slices.Sort(sorted)

	// For 95% confidence the 5th percentile of returns is the loss boundary.
	percentile := 1 - confidenceLevel
	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	varValue = -sorted[index]

	// CVaR (expected shortfall) averages all losses worse than VaR.
	var cvarSum float64
	for i := 0; i <= index; i++ {
		cvarSum += sorted[i]
	}
	cvarValue = -cvarSum / float64(index+1)

	return varValue, cvarValue, nil
}

// CalculateSharpeRatio computes the annualized Sharpe ratio from daily
// returns, using sample variance (Bessel's correction).
func CalculateSharpeRatio(returns []float64, riskFreeRate float64) (float64, error) {
	if len(returns) == 0 {
		return 0, fmt.Errorf("returns array is empty")
	}

	mean := Mean(returns)
	stdDev := StdDev(returns)
	if stdDev == 0 {
		return 0, fmt.Errorf("standard deviation is zero")
	}

	// 252 trading days per year.
	annualizedReturn := mean * 252.0
	annualizedStdDev := stdDev * math.Sqrt(252.0)

	return (annualizedReturn - riskFreeRate) / annualizedStdDev, nil
}

// Correlation computes the Pearson correlation of two equal-length series.
// Series of unequal length are truncated to the shorter tail.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	meanA := Mean(a)
	meanB := Mean(b)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// RegimeData describes the detected market regime for an instrument.
type RegimeData struct {
	Regime        string  `json:"regime"` // bullish, bearish, sideways, volatile_sideways
	Volatility    float64 `json:"volatility"`
	ShortMA       float64 `json:"short_ma"`
	LongMA        float64 `json:"long_ma"`
	TrendStrength float64 `json:"trend_strength"`
}

// DetectMarketRegime classifies the market regime from a daily price series
// using short/long moving-average trend and return volatility. It needs at
// least 20 points.
func DetectMarketRegime(prices []float64) (*RegimeData, error) {
	if len(prices) < 20 {
		return nil, fmt.Errorf("insufficient data for regime detection (need 20+ points, got %d)", len(prices))
	}

	returns := Returns(prices)
	volatility := StdDev(returns)

	shortMA := MovingAverage(prices, 10)
	longMA := MovingAverage(prices, 20)

	currentPrice := prices[len(prices)-1]
	startPrice := prices[0]

	priceTrend := 0.0
	if startPrice > 0 {
		priceTrend = (currentPrice - startPrice) / startPrice
	}
	maTrend := 0.0
	if longMA > 0 {
		maTrend = (shortMA - longMA) / longMA
	}
	trendStrength := (priceTrend + maTrend) / 2.0

	var regime string
	switch {
	case maTrend > 0.02 && priceTrend > 0:
		regime = "bullish"
	case maTrend < -0.02 && priceTrend < 0:
		regime = "bearish"
	default:
		regime = "sideways"
	}

	// 5% daily volatility is very high; it overrides a flat trend signal.
	if volatility > 0.05 && regime == "sideways" {
		regime = "volatile_sideways"
	}

	return &RegimeData{
		Regime:        regime,
		Volatility:    volatility,
		ShortMA:       shortMA,
		LongMA:        longMA,
		TrendStrength: trendStrength,
	}, nil
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	if len(values) > 1 {
		variance /= float64(len(values) - 1)
	} else {
		variance /= float64(len(values))
	}
	return math.Sqrt(variance)
}

// MovingAverage returns the simple moving average of the most recent period
// values, or 0 when the series is shorter than period.
func MovingAverage(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}
