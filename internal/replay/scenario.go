// Package replay runs the agent's core loop against historical data. It
// provides in-process implementations of the perception, execution and clock
// ports so no live adapter is needed for a backtest.
package replay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/quorumtrade/internal/instrument"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// CandleSpec is one bar in a scenario file.
type CandleSpec struct {
	Time   time.Time `yaml:"time"`
	Open   float64   `yaml:"open"`
	High   float64   `yaml:"high"`
	Low    float64   `yaml:"low"`
	Close  float64   `yaml:"close"`
	Volume float64   `yaml:"volume"`
}

// Scenario is a historical dataset for one replay run.
type Scenario struct {
	Name           string                  `yaml:"name"`
	InitialBalance float64                 `yaml:"initial_balance"`
	Timeframe      trading.Timeframe       `yaml:"timeframe"`
	Warmup         int                     `yaml:"warmup"` // candles consumed before the first frame
	Series         map[string][]CandleSpec `yaml:"series"` // instrument -> bars, oldest first
}

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the scenario is runnable.
func (s *Scenario) Validate() error {
	if len(s.Series) == 0 {
		return fmt.Errorf("scenario has no candle series")
	}
	if s.InitialBalance < 0 {
		return fmt.Errorf("initial_balance must not be negative")
	}
	if s.Timeframe == "" {
		s.Timeframe = trading.Timeframe1h
	}
	if s.Warmup < 0 {
		return fmt.Errorf("warmup must not be negative")
	}

	normalized := make(map[string][]CandleSpec, len(s.Series))
	for symbol, candles := range s.Series {
		if len(candles) == 0 {
			return fmt.Errorf("series %s is empty", symbol)
		}
		for i := 1; i < len(candles); i++ {
			if candles[i].Time.Before(candles[i-1].Time) {
				return fmt.Errorf("series %s is not in time order at index %d", symbol, i)
			}
		}
		normalized[instrument.Canonical(symbol)] = candles
	}
	s.Series = normalized
	return nil
}

// Candles converts one series to domain candles.
func (s *Scenario) Candles(symbol string) []trading.Candle {
	specs := s.Series[instrument.Canonical(symbol)]
	out := make([]trading.Candle, len(specs))
	for i, c := range specs {
		out[i] = trading.Candle{
			OpenTime: c.Time,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		}
	}
	return out
}
