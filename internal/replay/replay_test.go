package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

func testScenario(n int) *Scenario {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]CandleSpec, n)
	price := 100.0
	for i := range candles {
		candles[i] = CandleSpec{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Open:   price,
			High:   price + 2,
			Low:    price - 2,
			Close:  price + 1,
			Volume: 10,
		}
		price++
	}
	s := &Scenario{
		Name:           "test",
		InitialBalance: 10000,
		Timeframe:      trading.Timeframe1h,
		Warmup:         3,
		Series:         map[string][]CandleSpec{"BTC/USD": candles},
	}
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	doc := `
name: smoke
initial_balance: 5000
timeframe: 1h
warmup: 2
series:
  BTC/USD:
    - {time: 2024-03-01T00:00:00Z, open: 100, high: 102, low: 99, close: 101, volume: 5}
    - {time: 2024-03-01T01:00:00Z, open: 101, high: 103, low: 100, close: 102, volume: 6}
    - {time: 2024-03-01T02:00:00Z, open: 102, high: 104, low: 101, close: 103, volume: 7}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", s.Name)
	assert.Equal(t, 5000.0, s.InitialBalance)
	// Instrument keys are canonicalized.
	assert.Contains(t, s.Series, "BTCUSD")
	assert.Len(t, s.Candles("BTCUSD"), 3)
}

func TestLoadScenarioRejectsOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	doc := `
series:
  BTCUSD:
    - {time: 2024-03-01T01:00:00Z, close: 101}
    - {time: 2024-03-01T00:00:00Z, close: 100}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := LoadScenario(path)
	assert.Error(t, err)
}

func TestPerceptionAdvancesAndExhausts(t *testing.T) {
	s := testScenario(6) // warmup 3, so 3 frames remain
	book := NewPriceBook()
	p := NewPerception(s, book)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		frame, err := p.FetchFrame(ctx, "BTC/USD", nil)
		require.NoError(t, err)
		assert.Equal(t, "BTCUSD", frame.Instrument)
		assert.NotZero(t, frame.LastPrice())
	}

	_, err := p.FetchFrame(ctx, "BTCUSD", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, trading.ErrFatalFrame)

	// The book tracks the last served close.
	price, err := book.CurrentPrice(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, 106.0, price)
}

func TestPerceptionUnknownInstrumentIsFatal(t *testing.T) {
	p := NewPerception(testScenario(6), NewPriceBook())
	_, err := p.FetchFrame(context.Background(), "ETHUSD", nil)
	assert.ErrorIs(t, err, trading.ErrFatalFrame)
}

func TestSimExecutionFillAndProtectiveClose(t *testing.T) {
	book := NewPriceBook()
	book.Set("BTCUSD", 100)
	clock := NewManualClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	sim := NewSimExecution(book, clock, 10000, zerolog.Nop())

	ctx := context.Background()
	stop := 95.0
	ack, err := sim.Submit(ctx, trading.Order{
		Instrument: "BTCUSD",
		Side:       trading.SideLong,
		Size:       2,
		StopLoss:   &stop,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, ack.FilledPrice)

	open, err := sim.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Price holds above the stop: nothing closes.
	book.Set("BTCUSD", 98)
	sim.Tick(ctx)
	open, _ = sim.ListPositions(ctx)
	assert.Len(t, open, 1)

	// Stop crossed: position closes and the loss lands in the balance.
	book.Set("BTCUSD", 94)
	sim.Tick(ctx)
	open, _ = sim.ListPositions(ctx)
	assert.Empty(t, open)

	info, err := sim.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000+(94-100)*2, info.Balance, 1e-9)

	outcomes := sim.DrainOutcomes()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].HitStopLoss)
	assert.Equal(t, trading.ExitStopLoss, outcomes[0].ExitReason)
	assert.InDelta(t, -12.0, outcomes[0].RealizedPnL, 1e-9)
	assert.Empty(t, sim.DrainOutcomes(), "drain clears the buffer")
}

func TestSimExecutionExplicitClose(t *testing.T) {
	book := NewPriceBook()
	book.Set("ETHUSD", 200)
	sim := NewSimExecution(book, NewManualClock(time.Now()), 1000, zerolog.Nop())

	ctx := context.Background()
	ack, err := sim.Submit(ctx, trading.Order{Instrument: "ETHUSD", Side: trading.SideShort, Size: 1})
	require.NoError(t, err)

	book.Set("ETHUSD", 190)
	require.NoError(t, sim.Close(ctx, ack.PositionID))

	info, _ := sim.AccountInfo(ctx)
	assert.InDelta(t, 1010.0, info.Balance, 1e-9)
	assert.Error(t, sim.Close(ctx, ack.PositionID), "closing twice fails")

	outcomes := sim.DrainOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, trading.ExitManual, outcomes[0].ExitReason)
	assert.InDelta(t, 10.0, outcomes[0].RealizedPnL, 1e-9)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	clock := NewManualClock(start)

	require.NoError(t, clock.Sleep(context.Background(), 45*time.Minute))
	assert.Equal(t, start.Add(45*time.Minute), clock.Now())

	// Advance never moves backwards.
	clock.Advance(start)
	assert.Equal(t, start.Add(45*time.Minute), clock.Now())

	boundary := clock.NextBoundary(time.Hour)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), boundary)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, clock.Sleep(cancelled, time.Minute))
}
