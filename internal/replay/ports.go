package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quorumtrade/internal/indicators"
	"github.com/ajitpratap0/quorumtrade/internal/instrument"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// ErrExhausted signals the scenario has no more candles for an instrument.
// It wraps the fatal-frame sentinel so the agent skips the instrument instead
// of retrying.
var ErrExhausted = fmt.Errorf("%w: scenario exhausted", trading.ErrFatalFrame)

// PriceBook is the shared last-price view between the replay perception and
// the simulated broker.
type PriceBook struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewPriceBook returns an empty price book.
func NewPriceBook() *PriceBook {
	return &PriceBook{prices: make(map[string]float64)}
}

// Set records the latest price for an instrument.
func (b *PriceBook) Set(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrument.Canonical(symbol)] = price
}

// CurrentPrice satisfies the monitor's price source.
func (b *PriceBook) CurrentPrice(_ context.Context, symbol string) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	price, ok := b.prices[instrument.Canonical(symbol)]
	if !ok {
		return 0, fmt.Errorf("no replay price for %s", symbol)
	}
	return price, nil
}

// Perception serves frames lazily from a scenario: each fetch advances the
// instrument's cursor by one candle and returns a frame built from the
// history up to that point.
type Perception struct {
	scenario *Scenario
	book     *PriceBook

	mu      sync.Mutex
	cursors map[string]int
}

// NewPerception builds the replay perception port. The warmup offset gives
// the indicator pipeline enough history before the first frame.
func NewPerception(scenario *Scenario, book *PriceBook) *Perception {
	p := &Perception{
		scenario: scenario,
		book:     book,
		cursors:  make(map[string]int),
	}
	warmup := scenario.Warmup
	if warmup == 0 {
		warmup = indicators.MinCandles
	}
	for symbol := range scenario.Series {
		p.cursors[symbol] = warmup
	}
	return p
}

// FetchFrame returns the next frame for symbol, or ErrExhausted at the end of
// the series.
func (p *Perception) FetchFrame(ctx context.Context, symbol string, timeframes []trading.Timeframe) (*trading.MarketFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	symbol = instrument.Canonical(symbol)

	p.mu.Lock()
	cursor, ok := p.cursors[symbol]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: instrument %s not in scenario", trading.ErrFatalFrame, symbol)
	}
	candles := p.scenario.Candles(symbol)
	if cursor >= len(candles) {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	p.cursors[symbol] = cursor + 1
	p.mu.Unlock()

	window := candles[:cursor+1]
	last := window[len(window)-1]
	p.book.Set(symbol, last.Close)

	timeframe := p.scenario.Timeframe
	frame := &trading.MarketFrame{
		Instrument: symbol,
		AssetClass: instrument.ClassCrypto,
		Timestamp:  last.OpenTime,
		Candles:    map[trading.Timeframe][]trading.Candle{timeframe: window},
		Indicators: map[trading.Timeframe]trading.IndicatorSet{},
	}
	if set, err := indicators.Compute(window); err == nil {
		frame.Indicators[timeframe] = set
	}
	return frame, nil
}

// Remaining reports how many candles are left for symbol.
func (p *Perception) Remaining(symbol string) int {
	symbol = instrument.Canonical(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scenario.Series[symbol]) - p.cursors[symbol]
}

// SimExecution is a paper broker: orders fill instantly at the book price and
// positions close when a protective level is crossed or on explicit close.
type SimExecution struct {
	book   *PriceBook
	clock  trading.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	balance   float64
	positions map[string]trading.Position
	decisions map[string]string // position id -> decision id
	closed    []*trading.TradeOutcome
}

// NewSimExecution creates the simulated broker with a starting balance.
func NewSimExecution(book *PriceBook, clock trading.Clock, balance float64, logger zerolog.Logger) *SimExecution {
	return &SimExecution{
		book:      book,
		clock:     clock,
		logger:    logger,
		balance:   balance,
		positions: make(map[string]trading.Position),
		decisions: make(map[string]string),
	}
}

// Submit fills the order at the current book price.
func (s *SimExecution) Submit(ctx context.Context, order trading.Order) (*trading.Ack, error) {
	price, err := s.book.CurrentPrice(ctx, order.Instrument)
	if err != nil {
		return nil, fmt.Errorf("filling order: %w", err)
	}
	if order.Size <= 0 {
		return nil, errors.New("order size must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	pos := trading.Position{
		ID:              uuid.NewString(),
		Instrument:      order.Instrument,
		AssetClass:      order.AssetClass,
		Side:            order.Side,
		Size:            order.Size,
		EntryPrice:      price,
		EntryTime:       now,
		StopLossPrice:   order.StopLoss,
		TakeProfitPrice: order.TakeProfit,
	}
	s.positions[pos.ID] = pos
	if order.DecisionID != uuid.Nil {
		s.decisions[pos.ID] = order.DecisionID.String()
	}

	s.logger.Info().
		Str("position_id", pos.ID).
		Str("instrument", pos.Instrument).
		Str("side", string(pos.Side)).
		Float64("filled_price", price).
		Msg("Paper order filled")

	return &trading.Ack{
		OrderID:     uuid.NewString(),
		PositionID:  pos.ID,
		FilledPrice: price,
		FilledSize:  order.Size,
		Timestamp:   now,
	}, nil
}

// ListPositions returns the open set.
func (s *SimExecution) ListPositions(context.Context) ([]trading.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trading.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// AccountInfo reports the paper balance.
func (s *SimExecution) AccountInfo(context.Context) (*trading.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &trading.AccountInfo{Balance: s.balance, MaxLeverage: 1}, nil
}

// Seed injects an already-open position, for startup-recovery runs.
func (s *SimExecution) Seed(pos trading.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	s.positions[pos.ID] = pos
}

// Close removes a position and realizes its PnL into the balance.
func (s *SimExecution) Close(ctx context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("position %s not open", positionID)
	}
	price, err := s.book.CurrentPrice(ctx, pos.Instrument)
	if err != nil {
		return err
	}
	s.closeLocked(pos, price, trading.ExitManual)
	return nil
}

// Tick closes any position whose stop or take-profit level the current price
// has crossed. The backtest harness calls it after each perception step.
func (s *SimExecution) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range s.positions {
		price, err := s.book.CurrentPrice(ctx, pos.Instrument)
		if err != nil {
			continue
		}
		if reason, crossed := crossedProtection(pos, price); crossed {
			s.closeLocked(pos, price, reason)
			s.logger.Info().
				Str("position_id", pos.ID).
				Float64("price", price).
				Str("reason", string(reason)).
				Msg("Paper position closed on protective level")
		}
	}
}

// DrainOutcomes returns the outcomes of trades closed since the last drain.
func (s *SimExecution) DrainOutcomes() []*trading.TradeOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.closed
	s.closed = nil
	return out
}

// closeLocked realizes a position into the balance and records its outcome.
func (s *SimExecution) closeLocked(pos trading.Position, price float64, reason trading.ExitReason) {
	pnl := pos.UnrealizedPnL(price)
	s.balance += pnl
	delete(s.positions, pos.ID)

	decisionID := s.decisions[pos.ID]
	delete(s.decisions, pos.ID)
	if decisionID == "" {
		decisionID = pos.ID
	}

	now := s.clock.Now()
	pnlPct := 0.0
	if notional := pos.EntryPrice * pos.Size; notional > 0 {
		pnlPct = pnl / notional * 100
	}
	s.closed = append(s.closed, &trading.TradeOutcome{
		DecisionID:     decisionID,
		Instrument:     pos.Instrument,
		Side:           pos.Side,
		EntryPrice:     pos.EntryPrice,
		EntryTime:      pos.EntryTime,
		ExitPrice:      price,
		ExitTime:       now,
		HoldingHours:   now.Sub(pos.EntryTime).Hours(),
		RealizedPnL:    pnl,
		RealizedPnLPct: pnlPct,
		HitStopLoss:    reason == trading.ExitStopLoss,
		HitTakeProfit:  reason == trading.ExitTakeProfit,
		ExitReason:     reason,
	})
}

func crossedProtection(pos trading.Position, price float64) (trading.ExitReason, bool) {
	if pos.Side == trading.SideShort {
		if pos.StopLossPrice != nil && price >= *pos.StopLossPrice {
			return trading.ExitStopLoss, true
		}
		if pos.TakeProfitPrice != nil && price <= *pos.TakeProfitPrice {
			return trading.ExitTakeProfit, true
		}
		return "", false
	}
	if pos.StopLossPrice != nil && price <= *pos.StopLossPrice {
		return trading.ExitStopLoss, true
	}
	if pos.TakeProfitPrice != nil && price >= *pos.TakeProfitPrice {
		return trading.ExitTakeProfit, true
	}
	return "", false
}

// ManualClock is a deterministic clock: Sleep advances time instead of
// blocking, so a replay runs as fast as the data allows.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts the clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the simulated time by d without blocking.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

// Advance moves the clock to t if t is later than the current time.
func (c *ManualClock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// NextBoundary returns the next multiple of period after the simulated now.
func (c *ManualClock) NextBoundary(period time.Duration) time.Time {
	if period <= 0 {
		return c.Now()
	}
	return c.Now().Truncate(period).Add(period)
}
