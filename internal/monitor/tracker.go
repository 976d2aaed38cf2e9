package monitor

import (
	"context"
	"time"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// tracker follows one position to close. It shares no state with other
// trackers; the only cross-goroutine data is the monitor's guarded set.
type tracker struct {
	monitor  *Monitor
	position trading.Position
	lineage  Lineage
	promoted bool
	startGen uint64

	entryPrice  float64
	entryTime   time.Time
	lastPrice   float64
	peakPnL     float64
	maxDrawdown float64
}

func (t *tracker) run(ctx context.Context) {
	m := t.monitor
	defer func() {
		m.release(ctx, t.position.ID)
	}()

	t.start(ctx)

	log := m.logger.With().
		Str("position_id", t.position.ID).
		Str("instrument", t.position.Instrument).
		Str("side", string(t.position.Side)).
		Logger()
	log.Info().Float64("entry_price", t.entryPrice).Msg("Tracking position")

	for {
		if err := m.clock.Sleep(ctx, m.cfg.PollInterval); err != nil {
			t.finalize(ctx, trading.ExitShutdown)
			return
		}

		t.poll(ctx)

		latest, open, scanned := m.snapshot(t.position.ID, t.startGen)
		if scanned && !open {
			t.finalize(ctx, t.classifyExit())
			return
		}
		if open {
			// Broker-side stop/take-profit updates flow into classification.
			t.position.StopLossPrice = latest.StopLossPrice
			t.position.TakeProfitPrice = latest.TakeProfitPrice
			t.position.LiquidationPrice = latest.LiquidationPrice
		}
	}
}

// start snapshots the entry baseline. A position promoted from the pending
// queue baselines at the price observed now, not the price when it was first
// detected.
func (t *tracker) start(ctx context.Context) {
	t.entryPrice = t.position.EntryPrice
	t.entryTime = t.position.EntryTime
	if t.entryTime.IsZero() {
		t.entryTime = t.monitor.clock.Now()
	}

	if t.promoted {
		if price, err := t.currentPrice(ctx); err == nil && price > 0 {
			t.entryPrice = price
			t.entryTime = t.monitor.clock.Now()
		}
	}
	if t.entryPrice <= 0 {
		if price, err := t.currentPrice(ctx); err == nil {
			t.entryPrice = price
		}
	}
	t.lastPrice = t.entryPrice
}

// poll refreshes the price and the running peak/drawdown.
func (t *tracker) poll(ctx context.Context) {
	price, err := t.currentPrice(ctx)
	if err != nil || price <= 0 {
		return
	}
	t.lastPrice = price

	pnl := t.unrealized(price)
	if pnl > t.peakPnL {
		t.peakPnL = pnl
	}
	if dd := t.peakPnL - pnl; dd > t.maxDrawdown {
		t.maxDrawdown = dd
	}

	t.monitor.logger.Debug().
		Str("position_id", t.position.ID).
		Float64("price", price).
		Float64("unrealized_pnl", pnl).
		Float64("peak_pnl", t.peakPnL).
		Msg("Position progress")
}

func (t *tracker) currentPrice(ctx context.Context) (float64, error) {
	pctx, cancel := context.WithTimeout(ctx, t.monitor.cfg.ScanTimeout)
	defer cancel()
	return t.monitor.prices.CurrentPrice(pctx, t.position.Instrument)
}

// unrealized computes side-aware PnL against the tracker's own baseline.
func (t *tracker) unrealized(price float64) float64 {
	if t.position.Side == trading.SideShort {
		return (t.entryPrice - price) * t.position.Size
	}
	return (price - t.entryPrice) * t.position.Size
}

// classifyExit infers why the position left the broker's open set from the
// last observed price and the position's protective levels.
func (t *tracker) classifyExit() trading.ExitReason {
	p := t.position
	price := t.lastPrice

	crossedBelow := func(level *float64) bool { return level != nil && price <= *level }
	crossedAbove := func(level *float64) bool { return level != nil && price >= *level }

	if p.Side == trading.SideShort {
		switch {
		case crossedAbove(p.LiquidationPrice):
			return trading.ExitLiquidation
		case crossedAbove(p.StopLossPrice):
			return trading.ExitStopLoss
		case crossedBelow(p.TakeProfitPrice):
			return trading.ExitTakeProfit
		}
		return trading.ExitManual
	}

	switch {
	case crossedBelow(p.LiquidationPrice):
		return trading.ExitLiquidation
	case crossedBelow(p.StopLossPrice):
		return trading.ExitStopLoss
	case crossedAbove(p.TakeProfitPrice):
		return trading.ExitTakeProfit
	}
	return trading.ExitManual
}

// finalize builds the trade outcome from the last observed price and hands it
// to the learning side.
func (t *tracker) finalize(ctx context.Context, reason trading.ExitReason) {
	exitTime := t.monitor.clock.Now()
	pnl := t.unrealized(t.lastPrice)
	if pnl > t.peakPnL {
		t.peakPnL = pnl
	}

	pnlPct := 0.0
	if notional := t.entryPrice * t.position.Size; notional > 0 {
		pnlPct = pnl / notional * 100
	}

	outcome := &trading.TradeOutcome{
		DecisionID:         t.lineage.DecisionID,
		Instrument:         t.position.Instrument,
		Side:               t.position.Side,
		EntryPrice:         t.entryPrice,
		EntryTime:          t.entryTime,
		ExitPrice:          t.lastPrice,
		ExitTime:           exitTime,
		HoldingHours:       exitTime.Sub(t.entryTime).Hours(),
		RealizedPnL:        pnl,
		RealizedPnLPct:     pnlPct,
		Provider:           t.lineage.Provider,
		EnsembleProviders:  t.lineage.EnsembleProviders,
		DecisionConfidence: t.lineage.Confidence,
		HitStopLoss:        reason == trading.ExitStopLoss,
		HitTakeProfit:      reason == trading.ExitTakeProfit,
		PeakPnL:            t.peakPnL,
		MaxDrawdown:        t.maxDrawdown,
		MarketRegime:       t.lineage.MarketRegime,
		ExitReason:         reason,
	}
	if outcome.DecisionID == "" {
		outcome.DecisionID = t.position.ID
	}

	t.monitor.logger.Info().
		Str("position_id", t.position.ID).
		Str("exit_reason", string(reason)).
		Float64("realized_pnl", pnl).
		Msg("Position closed")

	t.monitor.emit(ctx, outcome)
}
