package agent

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/ensemble"
	"github.com/ajitpratap0/quorumtrade/internal/instrument"
	"github.com/ajitpratap0/quorumtrade/internal/metrics"
	"github.com/ajitpratap0/quorumtrade/internal/monitor"
	"github.com/ajitpratap0/quorumtrade/internal/risk"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// perceptionRetries is the number of extra attempts on a transient frame
// fetch failure within one cycle.
const perceptionRetries = 2

// priceHistoryCap bounds the per-instrument close history kept for
// correlation and regime detection.
const priceHistoryCap = 100

// equityCurveCap bounds the retained balance series.
const equityCurveCap = 500

// CycleStatus is the structured result of one loop iteration, logged at the
// end of every cycle.
type CycleStatus struct {
	Seq             uint64
	Phase           string // phase the cycle ended in
	OutcomesLearned int
	FramesFetched   int
	Decisions       int
	Holds           int
	SignalOnly      int
	Rejections      int
	Submitted       int
	Skipped         int
	Duration        time.Duration
	Err             error
}

// cycle runs one full pass: learn, perceive, reason, gate, execute. A cycle
// always completes; per-instrument failures degrade that instrument, never
// the loop. The only terminal outcome is PhaseHalt from a kill switch.
func (a *Agent) cycle(ctx context.Context) *CycleStatus {
	a.cycleSeq++
	started := a.clock.Now()
	status := &CycleStatus{Seq: a.cycleSeq, Phase: PhaseLearning}

	status.OutcomesLearned = a.learn()

	if reason := a.killSwitchTripped(); reason != "" {
		a.haltReason = reason
		status.Phase = PhaseHalt
		status.Duration = a.clock.Now().Sub(started)
		return status
	}

	a.rolloverDailyCounter()
	a.decayFailures()

	positions := a.openPositions(ctx)
	balance := a.refreshEquity(ctx)

	for _, symbol := range a.cfg.Agent.WatchedInstruments {
		if ctx.Err() != nil {
			break
		}
		symbol = instrument.Canonical(symbol)

		if a.failures[symbol] >= instrumentFailureThreshold {
			status.Skipped++
			a.logger.Warn().
				Str("instrument", symbol).
				Float64("failure_score", a.failures[symbol]).
				Msg("Instrument skipped until failures decay")
			continue
		}

		status.Phase = PhasePerception
		frame, err := a.fetchFrame(ctx, symbol)
		if err != nil {
			a.failures[symbol]++
			status.Skipped++
			continue
		}
		status.FramesFetched++
		a.recordPrice(symbol, frame.LastPrice())

		status.Phase = PhaseReasoning
		decision := a.reason(ctx, frame)
		status.Decisions++
		metrics.DecisionsTotal.WithLabelValues(string(decision.Ensemble.Action)).Inc()
		if decision.Ensemble.Metadata.AllProvidersFailed {
			a.failures[symbol]++
		}
		a.persistDecision(decision)

		if decision.Ensemble.Action == trading.ActionHold {
			status.Holds++
			continue
		}
		if decision.SignalOnly {
			status.SignalOnly++
			a.logger.Info().
				Str("instrument", symbol).
				Str("action", string(decision.Ensemble.Action)).
				Str("decision_id", decision.ID.String()).
				Msg("Signal-only decision, portfolio balance unavailable")
			continue
		}

		status.Phase = PhaseRiskCheck
		verdict, err := a.gatekeeper.Validate(decision, a.riskContext(frame, positions, balance))
		if err != nil {
			status.Err = err
			a.logger.Error().Err(err).Str("instrument", symbol).Msg("Risk validation failed hard")
			if errors.Is(err, risk.ErrReplayTimestamp) {
				// Replay data with a broken timestamp is not recoverable by
				// moving on to the next instrument; the whole cycle stops.
				break
			}
			continue
		}
		if !verdict.Approved {
			status.Rejections++
			metrics.RiskRejectionsTotal.WithLabelValues(verdict.Reason).Inc()
			a.logger.Info().
				Str("instrument", symbol).
				Str("reason", verdict.Reason).
				Str("detail", verdict.Detail).
				Msg("Trade rejected by risk gatekeeper")
			continue
		}

		status.Phase = PhaseExecution
		if a.execute(ctx, decision) {
			status.Submitted++
		}
	}

	if status.Phase == PhaseLearning && len(a.cfg.Agent.WatchedInstruments) > 0 {
		status.Phase = PhasePerception
	}
	status.Duration = a.clock.Now().Sub(started)
	return status
}

// learn drains every outcome the monitor has finished since the last cycle.
// Never blocks: an empty channel means nothing to learn. Without a monitor
// (replay harness) outcomes arrive through Learn instead.
func (a *Agent) learn() int {
	if a.monitor == nil {
		return 0
	}
	learned := 0
	for {
		select {
		case outcome := <-a.monitor.Outcomes():
			if err := a.memory.Record(outcome); err != nil {
				a.logger.Error().
					Err(err).
					Str("decision_id", outcome.DecisionID).
					Msg("Recording trade outcome failed")
				continue
			}
			learned++
			metrics.OutcomesRecorded.Inc()
			a.logger.Info().
				Str("decision_id", outcome.DecisionID).
				Str("instrument", outcome.Instrument).
				Float64("realized_pnl", outcome.RealizedPnL).
				Str("exit_reason", string(outcome.ExitReason)).
				Msg("Trade outcome learned")
		default:
			if learned > 0 {
				metrics.RealizedPnL.Set(a.memory.TotalRealizedPnL())
			}
			return learned
		}
	}
}

// Learn records an outcome detected outside the monitor (the replay broker),
// keeping the learning metrics in sync.
func (a *Agent) Learn(outcome *trading.TradeOutcome) error {
	if err := a.memory.Record(outcome); err != nil {
		return err
	}
	metrics.OutcomesRecorded.Inc()
	metrics.RealizedPnL.Set(a.memory.TotalRealizedPnL())
	return nil
}

// killSwitchTripped checks cumulative realized PnL against the configured
// thresholds. A zero threshold disables its switch.
func (a *Agent) killSwitchTripped() string {
	total := a.memory.TotalRealizedPnL()
	if loss := math.Abs(a.cfg.KillSwitch.Loss); loss != 0 && total <= -loss {
		a.logger.Error().Float64("realized_pnl", total).Float64("threshold", -loss).Msg("Loss kill switch tripped")
		return "cumulative loss threshold breached"
	}
	if gain := a.cfg.KillSwitch.Gain; gain != 0 && total >= gain {
		a.logger.Warn().Float64("realized_pnl", total).Float64("threshold", gain).Msg("Gain kill switch tripped")
		return "cumulative gain target reached"
	}
	return ""
}

// rolloverDailyCounter resets the daily trade counter when the local date
// changes.
func (a *Agent) rolloverDailyCounter() {
	today := a.clock.Now().Format("2006-01-02")
	if today == a.dailyDate {
		return
	}
	a.logger.Info().Int("trades", a.dailyTrades).Str("date", a.dailyDate).Msg("Daily trade counter rolled over")
	a.dailyDate = today
	a.dailyTrades = 0
	metrics.DailyTrades.Set(0)
}

// decayFailures reduces each instrument's failure score by one per elapsed
// hour, so a flaky feed recovers without a restart.
func (a *Agent) decayFailures() {
	now := a.clock.Now()
	hours := now.Sub(a.lastDecay).Hours()
	if hours <= 0 {
		return
	}
	a.lastDecay = now
	for symbol, score := range a.failures {
		score -= hours
		if score <= 0 {
			delete(a.failures, symbol)
		} else {
			a.failures[symbol] = score
		}
	}
}

// fetchFrame retrieves a market frame, retrying transient failures. A fatal
// frame error skips the instrument for this cycle without retrying.
func (a *Agent) fetchFrame(ctx context.Context, symbol string) (*trading.MarketFrame, error) {
	var lastErr error
	for attempt := 0; attempt <= perceptionRetries; attempt++ {
		frame, err := a.perception.FetchFrame(ctx, symbol, trading.AllTimeframes)
		if err == nil {
			return frame, nil
		}
		lastErr = err
		if errors.Is(err, trading.ErrFatalFrame) {
			a.logger.Warn().Err(err).Str("instrument", symbol).Msg("Fatal frame failure, instrument skipped this cycle")
			return nil, err
		}
		a.logger.Warn().Err(err).Str("instrument", symbol).Int("attempt", attempt+1).Msg("Frame fetch failed")
		if attempt < perceptionRetries {
			if serr := a.clock.Sleep(ctx, time.Duration(attempt+1)*time.Second); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

// recordPrice appends a close to the rolling per-instrument history.
func (a *Agent) recordPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	history := append(a.priceHistory[symbol], price)
	if len(history) > priceHistoryCap {
		history = history[len(history)-priceHistoryCap:]
	}
	a.priceHistory[symbol] = history
}

// reason builds the prompt, queries the ensemble, and binds the result to a
// sized (or signal-only) trade decision. An all-failed ensemble is retried up
// to max_decision_retries before the conservative HOLD is accepted.
func (a *Agent) reason(ctx context.Context, frame *trading.MarketFrame) *trading.TradeDecision {
	prompt := ensemble.BuildPrompt(frame, a.memory.ContextFor(frame.Instrument, a.cfg.Learning.ContextWindowTrades))

	retries := a.cfg.Agent.MaxDecisionRetries
	if retries < 0 {
		retries = 0
	}

	var ed *trading.EnsembleDecision
	for attempt := 0; ; attempt++ {
		ed = a.aggregator.Aggregate(ctx, prompt)
		a.countProviderFailures(ed)
		if !ed.Metadata.AllProvidersFailed || attempt >= retries || ctx.Err() != nil {
			break
		}
		a.logger.Warn().
			Str("instrument", frame.Instrument).
			Int("attempt", attempt+1).
			Msg("All providers failed, retrying ensemble")
		if err := a.clock.Sleep(ctx, time.Duration(attempt+1)*time.Second); err != nil {
			break
		}
	}

	decision := &trading.TradeDecision{
		ID:                  uuid.New(),
		Instrument:          frame.Instrument,
		AssetClass:          frame.AssetClass,
		Ensemble:            *ed,
		EntryPriceReference: frame.LastPrice(),
		CreatedAt:           a.clock.Now().UTC(),
	}

	// A HOLD is never sized, so it carries the signal-only marker like every
	// other decision without risk parameters.
	if ed.Action == trading.ActionHold {
		decision.SignalOnly = true
		return decision
	}

	side := trading.SideLong
	if ed.Action == trading.ActionSell {
		side = trading.SideShort
	}
	decision.PositionType = &side

	account, err := a.accountInfo(ctx)
	if err != nil || account.Balance <= 0 {
		if err != nil {
			a.logger.Warn().Err(err).Str("instrument", frame.Instrument).Msg("Account info unavailable, decision degraded to signal-only")
		}
		decision.SignalOnly = true
		return decision
	}

	decision.Risk = a.sizePosition(account.Balance, decision.EntryPriceReference)
	if decision.Risk == nil {
		a.logger.Warn().Str("instrument", frame.Instrument).Msg("No sizable entry price, decision degraded to signal-only")
		decision.SignalOnly = true
	}
	return decision
}

// countProviderFailures mirrors ensemble metadata into the failure counters.
func (a *Agent) countProviderFailures(ed *trading.EnsembleDecision) {
	for provider, reason := range ed.Metadata.ProvidersFailed {
		metrics.ProviderFailuresTotal.WithLabelValues(provider, reason).Inc()
	}
}

// sizePosition derives risk parameters from the portfolio balance. The base
// risk fraction is scaled by the trailing 30-day win rate once the memory has
// enough trades, clamped to [0.5%, 1%] of equity at risk.
func (a *Agent) sizePosition(balance, price float64) *trading.RiskParameters {
	if price <= 0 {
		return nil
	}

	riskFraction := baseRiskFraction
	if stats := a.memory.LongTermPerformance(sizingWindowDays, ""); stats.TradeCount >= sizingMinTrades {
		riskFraction = baseRiskFraction * (0.5 + stats.WinRate)
		riskFraction = math.Min(maxRiskFraction, math.Max(minRiskFraction, riskFraction))
	}

	return &trading.RiskParameters{
		StopLossFraction: baseStopLossFraction,
		RiskFraction:     riskFraction,
		RecommendedSize:  balance * riskFraction / (price * baseStopLossFraction),
	}
}

// openPositions fetches the broker's open set for risk context; failure
// degrades to an empty set.
func (a *Agent) openPositions(ctx context.Context) []trading.Position {
	positions, err := a.listPositions(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Listing positions for risk context failed")
		return nil
	}
	return positions
}

// refreshEquity samples the account balance into the equity curve. A fetch
// failure leaves the curve untouched and returns zero.
func (a *Agent) refreshEquity(ctx context.Context) float64 {
	account, err := a.accountInfo(ctx)
	if err != nil {
		return 0
	}
	a.equityCurve = append(a.equityCurve, account.Balance)
	if len(a.equityCurve) > equityCurveCap {
		a.equityCurve = a.equityCurve[len(a.equityCurve)-equityCurveCap:]
	}
	return account.Balance
}

// riskContext assembles the portfolio snapshot the gatekeeper validates
// against.
func (a *Agent) riskContext(frame *trading.MarketFrame, positions []trading.Position, balance float64) *risk.Context {
	holdings := make(map[string]float64, len(positions))
	for _, pos := range positions {
		price := pos.EntryPrice
		if history := a.priceHistory[pos.Instrument]; len(history) > 0 {
			price = history[len(history)-1]
		}
		holdings[pos.Instrument] += pos.Size * price
	}

	initial := balance
	if len(a.equityCurve) > 0 {
		initial = a.equityCurve[0]
	}

	// A zero frame timestamp stays empty instead of formatting as year one;
	// the gatekeeper decides per mode whether that is fatal.
	ts := ""
	if !frame.Timestamp.IsZero() {
		ts = frame.Timestamp.Format(time.RFC3339)
	}

	return &risk.Context{
		Mode:            a.mode,
		Timestamp:       ts,
		AssetClass:      frame.AssetClass,
		EquityCurve:     a.equityCurve,
		InitialBalance:  initial,
		CurrentHoldings: holdings,
		OpenPositions:   positions,
		PriceHistory:    a.priceHistory,
	}
}

// execute submits an approved decision through the throttle and the execution
// breaker, then hands the resulting position to the monitor. Returns true
// when an order was accepted.
func (a *Agent) execute(ctx context.Context, decision *trading.TradeDecision) bool {
	if !a.throttle.AllowN(a.clock.Now(), 1) {
		metrics.ExecutionsTotal.WithLabelValues(metrics.ExecThrottled).Inc()
		a.logger.Info().
			Str("instrument", decision.Instrument).
			Str("decision_id", decision.ID.String()).
			Msg("Order throttled, decision recorded without execution")
		return false
	}

	order := a.buildOrder(decision)
	sctx, cancel := context.WithTimeout(ctx, a.cfg.Agent.ExecutionTimeout())
	defer cancel()

	result, err := a.breakers.Get("execution").Call(func() (any, error) {
		return a.execution.Submit(sctx, order)
	})
	if err != nil {
		label := metrics.ExecFailed
		if errors.Is(err, breaker.ErrCircuitOpen) {
			label = metrics.ExecCircuitOpen
		}
		metrics.ExecutionsTotal.WithLabelValues(label).Inc()
		a.failures[decision.Instrument]++
		a.logger.Error().
			Err(err).
			Str("instrument", decision.Instrument).
			Str("decision_id", decision.ID.String()).
			Msg("Order submission failed")
		return false
	}
	ack := result.(*trading.Ack)

	metrics.ExecutionsTotal.WithLabelValues(metrics.ExecSubmitted).Inc()
	a.dailyTrades++
	metrics.DailyTrades.Set(float64(a.dailyTrades))

	if a.monitor != nil {
		a.monitor.Associate(ack.PositionID, monitor.Lineage{
			DecisionID:        decision.ID.String(),
			Provider:          firstProvider(decision.Ensemble.Metadata.ProvidersUsed),
			EnsembleProviders: decision.Ensemble.Metadata.ProvidersUsed,
			Confidence:        decision.Ensemble.Confidence,
			MarketRegime:      a.regimeFor(decision.Instrument),
		})
		a.monitor.Track(ctx, trading.Position{
			ID:              ack.PositionID,
			Instrument:      decision.Instrument,
			AssetClass:      decision.AssetClass,
			Side:            *decision.PositionType,
			Size:            ack.FilledSize,
			EntryPrice:      ack.FilledPrice,
			EntryTime:       ack.Timestamp,
			StopLossPrice:   order.StopLoss,
			TakeProfitPrice: order.TakeProfit,
		})
	}

	a.logger.Info().
		Str("instrument", decision.Instrument).
		Str("decision_id", decision.ID.String()).
		Str("position_id", ack.PositionID).
		Float64("filled_price", ack.FilledPrice).
		Float64("size", ack.FilledSize).
		Msg("Order submitted and position tracked")
	return true
}

// buildOrder derives protective levels from the decision's stop-loss
// fraction; take-profit sits at twice the stop distance.
func (a *Agent) buildOrder(decision *trading.TradeDecision) trading.Order {
	price := decision.EntryPriceReference
	stopFraction := baseStopLossFraction
	size := 0.0
	if decision.Risk != nil {
		stopFraction = decision.Risk.StopLossFraction
		size = decision.Risk.RecommendedSize
	}

	var stop, take float64
	if *decision.PositionType == trading.SideShort {
		stop = price * (1 + stopFraction)
		take = price * (1 - 2*stopFraction)
	} else {
		stop = price * (1 - stopFraction)
		take = price * (1 + 2*stopFraction)
	}

	return trading.Order{
		DecisionID: decision.ID,
		Instrument: decision.Instrument,
		AssetClass: decision.AssetClass,
		Side:       *decision.PositionType,
		Size:       size,
		Price:      price,
		StopLoss:   &stop,
		TakeProfit: &take,
	}
}

// regimeFor classifies the current regime from the instrument's rolling
// close history, or "" when there is not enough data.
func (a *Agent) regimeFor(symbol string) string {
	regime, err := risk.DetectMarketRegime(a.priceHistory[symbol])
	if err != nil {
		return ""
	}
	return regime.Regime
}

func firstProvider(used []string) string {
	if len(used) == 0 {
		return ""
	}
	return used[0]
}

// logStatus emits the per-cycle structured status line and counts the cycle.
func (a *Agent) logStatus(s *CycleStatus) {
	metrics.CyclesTotal.WithLabelValues(s.Phase).Inc()

	event := a.logger.Info()
	if s.Err != nil {
		event = a.logger.Error().Err(s.Err)
	}
	event.
		Uint64("cycle", s.Seq).
		Str("phase", s.Phase).
		Int("outcomes_learned", s.OutcomesLearned).
		Int("frames", s.FramesFetched).
		Int("decisions", s.Decisions).
		Int("holds", s.Holds).
		Int("signal_only", s.SignalOnly).
		Int("risk_rejections", s.Rejections).
		Int("orders_submitted", s.Submitted).
		Int("instruments_skipped", s.Skipped).
		Dur("duration", s.Duration).
		Msg("Cycle complete")
}
