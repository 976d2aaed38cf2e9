// The agent binary wires the trading loop for a paper run: scenario-backed
// market data, the simulated broker, HTTP reasoning providers, and the full
// monitor/memory/risk pipeline. Live exchange adapters plug in through the
// same ports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quorumtrade/internal/agent"
	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/config"
	"github.com/ajitpratap0/quorumtrade/internal/ensemble"
	"github.com/ajitpratap0/quorumtrade/internal/market"
	"github.com/ajitpratap0/quorumtrade/internal/memory"
	"github.com/ajitpratap0/quorumtrade/internal/metrics"
	"github.com/ajitpratap0/quorumtrade/internal/monitor"
	"github.com/ajitpratap0/quorumtrade/internal/providers"
	"github.com/ajitpratap0/quorumtrade/internal/replay"
	"github.com/ajitpratap0/quorumtrade/internal/risk"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	scenarioPath := flag.String("scenario", "", "Path to the market-data scenario (YAML)")
	flag.Parse()

	if err := run(*configPath, *scenarioPath); err != nil {
		log.Error().Err(err).Msg("Agent exited with error")
		os.Exit(1)
	}
}

func run(configPath, scenarioPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")

	if scenarioPath == "" {
		return errors.New("-scenario is required")
	}
	scenario, err := replay.LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := trading.RealClock{}
	book := replay.NewPriceBook()

	var perception trading.PerceptionPort = replay.NewPerception(scenario, book)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		perception = market.NewCachedPerception(perception, client, cfg.Redis.TTL(), config.NewLogger("market"))
	}

	execution := replay.NewSimExecution(book, clock, scenario.InitialBalance, config.NewLogger("execution"))

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

	gatekeeper := risk.NewGatekeeper(risk.Limits{
		MaxDrawdown:              cfg.Risk.MaxDrawdown,
		MaxDailyVaR:              cfg.Risk.MaxDailyVaR,
		MaxPositionConcentration: cfg.Risk.MaxPositionConcentration,
		MaxCorrelatedPositions:   cfg.Risk.MaxCorrelatedPositions,
		CorrelationCap:           cfg.Risk.CorrelationCap,
		ConfidenceThreshold:      cfg.Risk.ConfidenceThreshold,
	})

	sink, err := memory.NewFileSink(cfg.Storage.Dir, config.NewLogger("storage"))
	if err != nil {
		return err
	}
	mem := memory.New(sink, cfg.Learning.MaxMemorySize, cfg.Learning.ContextWindowTrades, clock, config.NewLogger("memory"))
	if err := mem.Load(); err != nil {
		return err
	}

	mon := monitor.New(execution, book, clock, monitor.Config{
		MaxConcurrentTrackers: cfg.Monitor.MaxConcurrentTrackers,
		DetectionInterval:     cfg.Monitor.DetectionInterval(),
		PollInterval:          cfg.Monitor.PollInterval(),
		ScanTimeout:           cfg.Monitor.ScanTimeout(),
		ShutdownGrace:         cfg.Agent.ShutdownGrace(),
		PendingHighWater:      cfg.Monitor.PendingHighWaterMark,
	}, config.NewLogger("monitor"))

	a, err := agent.New(agent.Deps{
		Config:     cfg,
		Perception: perception,
		Aggregator: aggregator,
		Gatekeeper: gatekeeper,
		Execution:  execution,
		Monitor:    mon,
		Memory:     mem,
		Decisions:  sink,
		Clock:      clock,
		Breakers:   breakers,
		Mode:       risk.ModeLive,
		Logger:     config.NewLogger("agent"),
	})
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	if cfg.Monitoring.EnableMetrics {
		mux := http.NewServeMux()
		metrics.RegisterHandlers(mux)
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: mux,
		}
		group.Go(func() error {
			logger.Info().Int("port", cfg.Monitoring.PrometheusPort).Msg("Metrics server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error { return mon.Run(gctx) })
	group.Go(func() error { return a.Run(gctx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("Shutdown complete")
		return nil
	}
	return err
}
