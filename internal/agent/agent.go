// Package agent runs the OODA control loop: observe the market, reason
// through the ensemble, gate through risk, act through the broker, and learn
// from closed trades. One Agent owns one loop.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/config"
	"github.com/ajitpratap0/quorumtrade/internal/ensemble"
	"github.com/ajitpratap0/quorumtrade/internal/instrument"
	"github.com/ajitpratap0/quorumtrade/internal/memory"
	"github.com/ajitpratap0/quorumtrade/internal/monitor"
	"github.com/ajitpratap0/quorumtrade/internal/risk"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// Phase names for status reporting.
const (
	PhaseStartup    = "STARTUP"
	PhaseRecovery   = "POSITION_RECOVERY"
	PhaseIdle       = "IDLE"
	PhaseLearning   = "LEARNING"
	PhasePerception = "PERCEPTION"
	PhaseReasoning  = "REASONING"
	PhaseRiskCheck  = "RISK_CHECK"
	PhaseExecution  = "EXECUTION"
	PhaseHalt       = "HALT"
)

// Position sizing defaults. The risk fraction is scaled by recent win rate
// when the memory has enough history. With a 5% stop the notional stays
// within the default 25% concentration cap.
const (
	baseStopLossFraction = 0.05
	baseRiskFraction     = 0.01
	minRiskFraction      = 0.005
	maxRiskFraction      = 0.01
	sizingWindowDays     = 30
	sizingMinTrades      = 10
)

// instrumentFailureThreshold skips an instrument for the cycle once its
// decayed failure counter reaches it.
const instrumentFailureThreshold = 3.0

// recoveryBackoff is the initial backoff between position-recovery attempts;
// it doubles per attempt.
const recoveryBackoff = time.Second

// Deps bundles everything an Agent needs. All fields are required except
// Breakers, which defaults from the config.
type Deps struct {
	Config     *config.Config
	Perception trading.PerceptionPort
	Aggregator *ensemble.Aggregator
	Gatekeeper *risk.Gatekeeper
	Execution  trading.ExecutionPort
	Monitor    *monitor.Monitor
	Memory     *memory.Memory
	Decisions  trading.StorageSink
	Clock      trading.Clock
	Breakers   *breaker.Registry
	Mode       risk.Mode
	Logger     zerolog.Logger
}

// Agent is the OODA state machine.
type Agent struct {
	cfg        *config.Config
	perception trading.PerceptionPort
	aggregator *ensemble.Aggregator
	gatekeeper *risk.Gatekeeper
	execution  trading.ExecutionPort
	monitor    *monitor.Monitor
	memory     *memory.Memory
	decisions  trading.StorageSink
	clock      trading.Clock
	breakers   *breaker.Registry
	mode       risk.Mode
	logger     zerolog.Logger
	throttle   *rate.Limiter

	// Loop-owned state; only the loop goroutine touches it.
	cycleSeq     uint64
	dailyTrades  int
	dailyDate    string // local date of the current daily counter
	failures     map[string]float64
	lastDecay    time.Time
	equityCurve  []float64
	priceHistory map[string][]float64
	skipIdle     bool
	haltReason   string
}

// New wires an agent from its dependencies.
func New(d Deps) (*Agent, error) {
	if d.Config == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	if d.Mode != risk.ModeLive && d.Mode != risk.ModeReplay {
		return nil, fmt.Errorf("agent mode must be live or replay")
	}
	if d.Clock == nil {
		return nil, fmt.Errorf("agent clock is required")
	}
	breakers := d.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Settings{
			FailureThreshold: d.Config.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  d.Config.CircuitBreaker.RecoveryTimeout(),
		})
	}

	throttleEvery := d.Config.Agent.DecisionThrottle()
	if throttleEvery <= 0 {
		throttleEvery = time.Second
	}

	now := d.Clock.Now()
	return &Agent{
		cfg:          d.Config,
		perception:   d.Perception,
		aggregator:   d.Aggregator,
		gatekeeper:   d.Gatekeeper,
		execution:    d.Execution,
		monitor:      d.Monitor,
		memory:       d.Memory,
		decisions:    d.Decisions,
		clock:        d.Clock,
		breakers:     breakers,
		mode:         d.Mode,
		logger:       d.Logger,
		throttle:     rate.NewLimiter(rate.Every(throttleEvery), 1),
		failures:     make(map[string]float64),
		priceHistory: make(map[string][]float64),
		lastDecay:    now,
		dailyDate:    now.Format("2006-01-02"),
	}, nil
}

// Run drives the loop until ctx is cancelled or a kill switch halts it. The
// trade monitor must be started separately; Run only consumes its channel.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Strs("instruments", a.cfg.Agent.WatchedInstruments).
		Str("strategy", a.cfg.Ensemble.Strategy).
		Msg("Agent starting")

	a.recoverPositions(ctx)

	for {
		if !a.skipIdle {
			if err := a.idle(ctx); err != nil {
				return err
			}
		}
		a.skipIdle = false

		status := a.cycle(ctx)
		a.logStatus(status)

		if status.Phase == PhaseHalt {
			a.logger.Error().Str("reason", a.haltReason).Msg("Agent halted, trading stopped")
			<-ctx.Done()
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Step runs exactly one cycle outside the paced loop. Replay harnesses drive
// the agent with it instead of Run.
func (a *Agent) Step(ctx context.Context) *CycleStatus {
	status := a.cycle(ctx)
	a.logStatus(status)
	return status
}

// idle sleeps to the next cycle boundary.
func (a *Agent) idle(ctx context.Context) error {
	boundary := a.clock.NextBoundary(a.cfg.Agent.AnalysisFrequency())
	wait := boundary.Sub(a.clock.Now())
	a.logger.Debug().Dur("wait", wait).Msg("Idle until next cycle boundary")
	return a.clock.Sleep(ctx, wait)
}

// recoverPositions queries the broker for positions that were open before
// this process started and re-registers them with the monitor. Irrecoverable
// failure degrades open: the loop proceeds with an empty tracked set.
func (a *Agent) recoverPositions(ctx context.Context) {
	attempts := a.cfg.Agent.RecoveryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var positions []trading.Position
	var err error
	backoff := recoveryBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		positions, err = a.listPositions(ctx)
		if err == nil {
			break
		}
		a.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Position recovery attempt failed")
		if attempt < attempts {
			if serr := a.clock.Sleep(ctx, backoff); serr != nil {
				return
			}
			backoff *= 2
		}
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Position recovery failed, proceeding with empty tracked set")
		return
	}

	for _, pos := range positions {
		decision := a.synthesizeDecision(pos)
		a.persistDecision(decision)
		if a.monitor != nil {
			a.monitor.Associate(pos.ID, monitor.Lineage{DecisionID: decision.ID.String()})
			a.monitor.Track(ctx, pos)
		}
		a.logger.Info().
			Str("position_id", pos.ID).
			Str("instrument", pos.Instrument).
			Str("decision_id", decision.ID.String()).
			Msg("Recovered open position")
	}
	if len(positions) > 0 {
		a.skipIdle = true
	}
}

// synthesizeDecision builds the recovery decision for a pre-existing
// position: observed entry price, no provider lineage.
func (a *Agent) synthesizeDecision(pos trading.Position) *trading.TradeDecision {
	action := trading.ActionBuy
	if pos.Side == trading.SideShort {
		action = trading.ActionSell
	}
	side := pos.Side
	return &trading.TradeDecision{
		ID:         uuid.New(),
		Instrument: pos.Instrument,
		AssetClass: instrument.NormalizeClass(string(pos.AssetClass)),
		Ensemble: trading.EnsembleDecision{
			Action:    action,
			Reasoning: "synthesized from position recovery",
			Metadata: trading.EnsembleMetadata{
				Timestamp: a.clock.Now().UTC(),
			},
		},
		EntryPriceReference: pos.EntryPrice,
		PositionType:        &side,
		SignalOnly:          true,
		CreatedAt:           a.clock.Now().UTC(),
	}
}

// persistDecision stores a trade decision document. Persistence failures are
// logged, never fatal to the cycle.
func (a *Agent) persistDecision(d *trading.TradeDecision) {
	if err := a.decisions.SaveDocument("decision_"+d.ID.String(), d); err != nil {
		a.logger.Warn().Err(err).Str("decision_id", d.ID.String()).Msg("Persisting decision failed")
	}
}

// listPositions fetches the broker's open set through the execution breaker.
func (a *Agent) listPositions(ctx context.Context) ([]trading.Position, error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.Agent.ExecutionTimeout())
	defer cancel()

	result, err := a.breakers.Get("execution").Call(func() (any, error) {
		return a.execution.ListPositions(sctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]trading.Position), nil
}

// accountInfo fetches the account through the execution breaker.
func (a *Agent) accountInfo(ctx context.Context) (*trading.AccountInfo, error) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.Agent.ExecutionTimeout())
	defer cancel()

	result, err := a.breakers.Get("execution").Call(func() (any, error) {
		return a.execution.AccountInfo(sctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*trading.AccountInfo), nil
}

// HaltReason reports why the agent halted, or "" while it is running.
func (a *Agent) HaltReason() string {
	return a.haltReason
}
