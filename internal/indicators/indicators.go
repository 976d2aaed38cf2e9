// Package indicators computes the technical indicator set attached to market
// frames. RSI, MACD and Bollinger Bands come from cinar/indicator; ADX and
// ATR use Wilder's smoothing directly since the library does not expose them.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// Default periods.
const (
	RSIPeriod        = 14
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
	BollingerPeriod  = 20
	ADXPeriod        = 14
	ATRPeriod        = 14
)

// MinCandles is the minimum series length Compute accepts: the MACD signal
// line needs the longest warm-up.
const MinCandles = MACDSlowPeriod + MACDSignalPeriod

func toChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func drain(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// RSI returns the most recent Relative Strength Index value.
func RSI(closes []float64, period int) (float64, error) {
	if period < 1 || len(closes) < period+1 {
		return 0, fmt.Errorf("rsi needs %d closes, got %d", period+1, len(closes))
	}
	values := drain(momentum.NewRsiWithPeriod[float64](period).Compute(toChan(closes)))
	if len(values) == 0 {
		return 0, fmt.Errorf("rsi produced no values")
	}
	return values[len(values)-1], nil
}

// MACD returns the most recent MACD line, signal line and histogram.
func MACD(closes []float64, fast, slow, signal int) (line, sig, hist float64, err error) {
	if fast >= slow {
		return 0, 0, 0, fmt.Errorf("macd fast period %d must be below slow period %d", fast, slow)
	}
	if len(closes) < slow+signal {
		return 0, 0, 0, fmt.Errorf("macd needs %d closes, got %d", slow+signal, len(closes))
	}

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](fast, slow, signal).Compute(toChan(closes))
	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return 0, 0, 0, fmt.Errorf("macd produced no values")
	}

	line = macdValues[len(macdValues)-1]
	sig = signalValues[len(signalValues)-1]
	return line, sig, line - sig, nil
}

// BollingerPctB returns %B: where the last close sits inside the bands, 0 at
// the lower band and 1 at the upper.
func BollingerPctB(closes []float64, period int) (float64, error) {
	if period < 2 || len(closes) < period {
		return 0, fmt.Errorf("bollinger needs %d closes, got %d", period, len(closes))
	}

	// Compute yields the bands upper first.
	upperChan, middleChan, lowerChan := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(toChan(closes))
	var lower, upper float64
	seen := false
	for {
		u, uok := <-upperChan
		_, mok := <-middleChan
		l, lok := <-lowerChan
		if !lok || !mok || !uok {
			break
		}
		lower, upper = l, u
		seen = true
	}
	if !seen {
		return 0, fmt.Errorf("bollinger produced no values")
	}

	width := upper - lower
	if width == 0 {
		return 0.5, nil
	}
	return (closes[len(closes)-1] - lower) / width, nil
}

// ADX returns the most recent Average Directional Index using Wilder's
// smoothing.
func ADX(high, low, closes []float64, period int) (float64, error) {
	n := len(closes)
	if len(high) != n || len(low) != n {
		return 0, fmt.Errorf("adx needs equal-length high/low/close series")
	}
	if period < 1 || n < period*2 {
		return 0, fmt.Errorf("adx needs %d candles, got %d", period*2, n)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = trueRange(high[i], low[i], closes[i-1])

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adx := smoothWilder(dx, period)
	return adx[n-1], nil
}

// ATR returns the most recent Average True Range using Wilder's smoothing.
func ATR(high, low, closes []float64, period int) (float64, error) {
	n := len(closes)
	if len(high) != n || len(low) != n {
		return 0, fmt.Errorf("atr needs equal-length high/low/close series")
	}
	if period < 1 || n < period+1 {
		return 0, fmt.Errorf("atr needs %d candles, got %d", period+1, n)
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = trueRange(high[i], low[i], closes[i-1])
	}
	smoothed := smoothWilder(tr, period)
	return smoothed[n-1], nil
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low,
		math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// smoothWilder seeds with a simple average over the first period, then
// applies Wilder's recursive smoothing.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}

// Compute derives the full indicator set for one candle series using the
// default periods.
func Compute(candles []trading.Candle) (trading.IndicatorSet, error) {
	var set trading.IndicatorSet
	if len(candles) < MinCandles {
		return set, fmt.Errorf("indicators need %d candles, got %d", MinCandles, len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	var err error
	if set.RSI, err = RSI(closes, RSIPeriod); err != nil {
		return set, err
	}
	if set.MACDLine, set.MACDSignal, set.MACDHistogram, err = MACD(closes, MACDFastPeriod, MACDSlowPeriod, MACDSignalPeriod); err != nil {
		return set, err
	}
	if set.BollingerPctB, err = BollingerPctB(closes, BollingerPeriod); err != nil {
		return set, err
	}
	if set.ADX, err = ADX(highs, lows, closes, ADXPeriod); err != nil {
		return set, err
	}
	if set.ATR, err = ATR(highs, lows, closes, ATRPeriod); err != nil {
		return set, err
	}

	set.SignalStrength = signalStrength(set)
	return set, nil
}

// signalStrength folds the individual indicators into a 0-100 conviction
// score: how many indicators agree on a direction, amplified by trend
// strength.
func signalStrength(set trading.IndicatorSet) float64 {
	votes := 0.0
	switch {
	case set.RSI < 30:
		votes++
	case set.RSI > 70:
		votes--
	}
	switch {
	case set.MACDHistogram > 0:
		votes++
	case set.MACDHistogram < 0:
		votes--
	}
	switch {
	case set.BollingerPctB < 0.2:
		votes++
	case set.BollingerPctB > 0.8:
		votes--
	}

	raw := math.Abs(votes) / 3 * 100
	conviction := set.ADX / 25
	if conviction > 1.5 {
		conviction = 1.5
	}

	strength := raw * conviction
	if strength > 100 {
		strength = 100
	}
	return strength
}
