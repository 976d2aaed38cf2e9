// The backtest binary replays the trading loop over a historical scenario.
// It drives the agent step by step on a manual clock, closes paper positions
// against protective levels after each step, and prints a performance summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/quorumtrade/internal/agent"
	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/config"
	"github.com/ajitpratap0/quorumtrade/internal/ensemble"
	"github.com/ajitpratap0/quorumtrade/internal/memory"
	"github.com/ajitpratap0/quorumtrade/internal/providers"
	"github.com/ajitpratap0/quorumtrade/internal/replay"
	"github.com/ajitpratap0/quorumtrade/internal/risk"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	scenarioPath := flag.String("scenario", "", "Path to the scenario file (YAML)")
	dataDir := flag.String("data", "./data/backtest", "Outcome storage directory for this run")
	readOnly := flag.Bool("readonly", false, "Evaluate without recording outcomes (out-of-sample)")
	flag.Parse()

	if err := run(*configPath, *scenarioPath, *dataDir, *readOnly); err != nil {
		log.Error().Err(err).Msg("Backtest failed")
		os.Exit(1)
	}
}

func run(configPath, scenarioPath, dataDir string, readOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("backtest")

	if scenarioPath == "" {
		return errors.New("-scenario is required")
	}
	scenario, err := replay.LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	clock := replay.NewManualClock(scenarioStart(scenario))
	book := replay.NewPriceBook()
	perception := replay.NewPerception(scenario, book)
	sim := replay.NewSimExecution(book, clock, scenario.InitialBalance, config.NewLogger("execution"))

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout(),
	})

	roster := make([]trading.ReasoningPort, 0, len(cfg.Ensemble.Providers))
	weights := make(map[string]float64, len(cfg.Ensemble.Providers))
	for _, pc := range cfg.Ensemble.Providers {
		p := providers.NewHTTP(providers.HTTPConfig{
			ID:       pc.ID,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey,
			Model:    pc.Model,
			Local:    pc.Local,
			Timeout:  cfg.Ensemble.ProviderTimeout(),
		}, nil, config.NewLogger("provider"))
		roster = append(roster, providers.WithBreaker(p, breakers.Get("provider:"+pc.ID)))
		weights[pc.ID] = pc.Weight
	}
	aggregator := ensemble.New(roster, weights, ensemble.OptionsFromConfig(&cfg.Ensemble), config.NewLogger("ensemble"))

	sink, err := memory.NewFileSink(dataDir, config.NewLogger("storage"))
	if err != nil {
		return err
	}
	mem := memory.New(sink, cfg.Learning.MaxMemorySize, cfg.Learning.ContextWindowTrades, clock, config.NewLogger("memory"))
	if err := mem.Load(); err != nil {
		return err
	}
	mem.SetReadOnly(readOnly)

	a, err := agent.New(agent.Deps{
		Config:     cfg,
		Perception: perception,
		Aggregator: aggregator,
		Gatekeeper: risk.NewGatekeeper(risk.Limits{
			MaxDrawdown:              cfg.Risk.MaxDrawdown,
			MaxDailyVaR:              cfg.Risk.MaxDailyVaR,
			MaxPositionConcentration: cfg.Risk.MaxPositionConcentration,
			MaxCorrelatedPositions:   cfg.Risk.MaxCorrelatedPositions,
			CorrelationCap:           cfg.Risk.CorrelationCap,
			ConfidenceThreshold:      cfg.Risk.ConfidenceThreshold,
		}),
		Execution: sim,
		Memory:    mem,
		Decisions: sink,
		Clock:     clock,
		Breakers:  breakers,
		Mode:      risk.ModeReplay,
		Logger:    config.NewLogger("agent"),
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	step := timeframeDuration(scenario.Timeframe)
	steps, trades := 0, 0
	for {
		status := a.Step(ctx)
		steps++

		sim.Tick(ctx)
		for _, outcome := range sim.DrainOutcomes() {
			trades++
			if err := a.Learn(outcome); err != nil && !errors.Is(err, memory.ErrMemoryReadOnly) {
				logger.Error().Err(err).Str("decision_id", outcome.DecisionID).Msg("Recording outcome failed")
			}
		}

		if status.Phase == agent.PhaseHalt {
			logger.Warn().Str("reason", a.HaltReason()).Msg("Replay halted by kill switch")
			break
		}
		if status.FramesFetched == 0 {
			logger.Info().Msg("Scenario exhausted")
			break
		}
		clock.Advance(clock.Now().Add(step))
	}

	info, err := sim.AccountInfo(ctx)
	if err != nil {
		return err
	}
	stats := mem.LongTermPerformance(365*10, "")
	logger.Info().
		Str("scenario", scenario.Name).
		Int("steps", steps).
		Int("trades_closed", trades).
		Float64("initial_balance", scenario.InitialBalance).
		Float64("final_balance", info.Balance).
		Float64("net_pnl", info.Balance-scenario.InitialBalance).
		Float64("win_rate", stats.WinRate).
		Float64("profit_factor", stats.ProfitFactor).
		Str("momentum", stats.Momentum).
		Msg("Backtest complete")
	return nil
}

// scenarioStart returns the earliest candle timestamp across all series.
func scenarioStart(s *replay.Scenario) time.Time {
	var start time.Time
	for _, candles := range s.Series {
		if len(candles) == 0 {
			continue
		}
		if start.IsZero() || candles[0].Time.Before(start) {
			start = candles[0].Time
		}
	}
	if start.IsZero() {
		return time.Now().UTC()
	}
	return start
}

func timeframeDuration(tf trading.Timeframe) time.Duration {
	switch tf {
	case trading.Timeframe1m:
		return time.Minute
	case trading.Timeframe5m:
		return 5 * time.Minute
	case trading.Timeframe15m:
		return 15 * time.Minute
	case trading.Timeframe4h:
		return 4 * time.Hour
	case trading.Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
