package ensemble

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// BuildPrompt renders a market frame and the learning-memory context into the
// prompt sent to every provider in one aggregation. Every provider sees the
// same prompt.
func BuildPrompt(frame *trading.MarketFrame, memoryContext string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analyze the following market data for %s (%s) and provide a trading signal.\n\n",
		frame.Instrument, frame.AssetClass)
	fmt.Fprintf(&b, "Timestamp: %s\n", frame.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	if price := frame.LastPrice(); price > 0 {
		fmt.Fprintf(&b, "Last Price: %.4f\n", price)
	}

	b.WriteString("\nTechnical Indicators:\n")
	for _, tf := range trading.AllTimeframes {
		ind, ok := frame.Indicators[tf]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  [%s] RSI=%.1f MACD=%.4f/%.4f BB%%B=%.2f ADX=%.1f ATR=%.4f strength=%.0f\n",
			tf, ind.RSI, ind.MACDLine, ind.MACDSignal, ind.BollingerPctB, ind.ADX, ind.ATR, ind.SignalStrength)
	}

	if frame.Sentiment != nil {
		fmt.Fprintf(&b, "\nSentiment Score: %.2f\n", *frame.Sentiment)
	}
	if frame.MonitoringContext != "" {
		fmt.Fprintf(&b, "\nOpen Position Context:\n%s\n", frame.MonitoringContext)
	}
	if memoryContext != "" {
		fmt.Fprintf(&b, "\nRecent Trading Performance:\n%s\n", memoryContext)
	}

	b.WriteString(`
Respond in the following JSON format:
{
  "action": "BUY" | "SELL" | "HOLD",
  "confidence": 0-100,
  "reasoning": "brief explanation",
  "suggested_amount": optional position size
}`)
	return b.String()
}
