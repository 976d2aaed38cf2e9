package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

func newTestMemory(t *testing.T, maxSize int) (*Memory, *FileSink) {
	t.Helper()
	sink, err := NewFileSink(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	m := New(sink, maxSize, 20, trading.RealClock{}, zerolog.Nop())
	require.NoError(t, m.Load())
	return m, sink
}

func outcome(id, provider string, pnl float64, exit time.Time) *trading.TradeOutcome {
	pct := pnl // 1:1 notional keeps the math readable
	return &trading.TradeOutcome{
		DecisionID:     id,
		Instrument:     "BTCUSD",
		Side:           trading.SideLong,
		EntryPrice:     100,
		EntryTime:      exit.Add(-2 * time.Hour),
		ExitPrice:      100 + pnl,
		ExitTime:       exit,
		HoldingHours:   2,
		RealizedPnL:    pnl,
		RealizedPnLPct: pct,
		Provider:       provider,
		ExitReason:     trading.ExitManual,
	}
}

func TestRecordAndRebuildRollups(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, zerolog.Nop())
	require.NoError(t, err)

	m := New(sink, 100, 20, trading.RealClock{}, zerolog.Nop())
	require.NoError(t, m.Load())

	now := time.Now()
	require.NoError(t, m.Record(outcome("d1", "p1", 5, now.Add(-3*time.Hour))))
	require.NoError(t, m.Record(outcome("d2", "p1", -2, now.Add(-2*time.Hour))))
	require.NoError(t, m.Record(outcome("d3", "p2", 3, now.Add(-time.Hour))))

	inMem := m.ProviderPerformance()
	require.Contains(t, inMem, "p1")
	assert.Equal(t, 2, inMem["p1"].TradeCount)
	assert.InDelta(t, 0.5, inMem["p1"].WinRate, 1e-9)
	assert.InDelta(t, 1.5, inMem["p1"].AvgPnL, 1e-9)

	// A fresh memory over the same directory reconstructs identical rollups.
	rebuilt := New(sink, 100, 20, trading.RealClock{}, zerolog.Nop())
	require.NoError(t, rebuilt.Load())
	assert.Equal(t, 3, rebuilt.Count())

	fromDisk := rebuilt.ProviderPerformance()
	require.Len(t, fromDisk, len(inMem))
	for provider, want := range inMem {
		got := fromDisk[provider]
		require.NotNil(t, got)
		assert.Equal(t, want.TradeCount, got.TradeCount)
		assert.InDelta(t, want.WinRate, got.WinRate, 1e-9)
		assert.InDelta(t, want.TotalPnL, got.TotalPnL, 1e-9)
	}
}

func TestRecordDuplicateIsNoop(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	now := time.Now()

	require.NoError(t, m.Record(outcome("d1", "p1", 5, now)))
	require.NoError(t, m.Record(outcome("d1", "p1", 99, now)))

	assert.Equal(t, 1, m.Count())
	assert.InDelta(t, 5.0, m.TotalRealizedPnL(), 1e-9)
}

func TestOutcomeOrderTiesBreakByDecisionID(t *testing.T) {
	m, sink := newTestMemory(t, 100)
	exit := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Same exit timestamp, recorded out of id order.
	require.NoError(t, m.Record(outcome("d-b", "p1", 1, exit)))
	require.NoError(t, m.Record(outcome("d-a", "p1", 2, exit)))
	require.NoError(t, m.Record(outcome("d-c", "p1", 3, exit)))

	ordered := func(mem *Memory) []string {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		ids := make([]string, len(mem.outcomes))
		for i, o := range mem.outcomes {
			ids[i] = o.DecisionID
		}
		return ids
	}

	want := []string{"d-a", "d-b", "d-c"}
	assert.Equal(t, want, ordered(m))

	// A reload from disk reproduces the same sequence.
	rebuilt := New(sink, 100, 20, trading.RealClock{}, zerolog.Nop())
	require.NoError(t, rebuilt.Load())
	assert.Equal(t, want, ordered(rebuilt))
}

func TestEvictionOldestFirst(t *testing.T) {
	m, sink := newTestMemory(t, 3)
	now := time.Now()

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("d%d", i)
		require.NoError(t, m.Record(outcome(id, "p1", 1, now.Add(time.Duration(i)*time.Minute))))
	}

	assert.Equal(t, 3, m.Count())

	// The two oldest were evicted from disk too.
	remaining, err := sink.List()
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, o := range remaining {
		ids[o.DecisionID] = true
	}
	assert.False(t, ids["d1"])
	assert.False(t, ids["d2"])
	assert.True(t, ids["d3"] && ids["d4"] && ids["d5"])
}

func TestSnapshotRestore(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	now := time.Now()

	require.NoError(t, m.Record(outcome("d1", "p1", 5, now.Add(-2*time.Hour))))
	require.NoError(t, m.Record(outcome("d2", "p1", -1, now.Add(-time.Hour))))

	snap := m.TakeSnapshot()
	before := m.TotalRealizedPnL()

	require.NoError(t, m.Record(outcome("d3", "p2", 7, now)))
	require.NoError(t, m.Record(outcome("d4", "p2", 2, now)))
	assert.Equal(t, 4, m.Count())

	require.NoError(t, m.Restore(snap))
	assert.Equal(t, 2, m.Count())
	assert.InDelta(t, before, m.TotalRealizedPnL(), 1e-9)

	// Post-snapshot outcomes are gone from memory; re-recording works again.
	require.NoError(t, m.Record(outcome("d3", "p2", 7, now)))
	assert.Equal(t, 3, m.Count())
}

func TestReadOnlyBlocksRecord(t *testing.T) {
	m, _ := newTestMemory(t, 100)

	m.SetReadOnly(true)
	err := m.Record(outcome("d1", "p1", 5, time.Now()))
	assert.ErrorIs(t, err, ErrMemoryReadOnly)
	assert.Zero(t, m.Count())

	m.SetReadOnly(false)
	require.NoError(t, m.Record(outcome("d1", "p1", 5, time.Now())))
	assert.Equal(t, 1, m.Count())
}

func TestLongTermPerformanceMomentum(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	now := time.Now()

	// First half losing, second half winning: improving.
	pnls := []float64{-3, -2, -1, 2, 3, 4}
	for i, pnl := range pnls {
		id := fmt.Sprintf("d%d", i)
		exit := now.Add(time.Duration(i-len(pnls)) * time.Hour)
		require.NoError(t, m.Record(outcome(id, "p1", pnl, exit)))
	}

	stats := m.LongTermPerformance(30, "")
	assert.Equal(t, 6, stats.TradeCount)
	assert.InDelta(t, 3.0, stats.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, 9.0/6.0, stats.ProfitFactor, 1e-9)
	assert.Equal(t, 4.0, stats.BestTrade)
	assert.Equal(t, -3.0, stats.WorstTrade)
	assert.Equal(t, MomentumImproving, stats.Momentum)
}

func TestLongTermPerformanceWindowFilter(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	now := time.Now()

	require.NoError(t, m.Record(outcome("old", "p1", 100, now.AddDate(0, 0, -60))))
	require.NoError(t, m.Record(outcome("new", "p1", 1, now.Add(-time.Hour))))

	stats := m.LongTermPerformance(30, "")
	assert.Equal(t, 1, stats.TradeCount)
	assert.InDelta(t, 1.0, stats.RealizedPnL, 1e-9)
}

func TestContextForFormatsRecentTrades(t *testing.T) {
	m, _ := newTestMemory(t, 100)
	now := time.Now()

	require.NoError(t, m.Record(outcome("d1", "p1", 5, now.Add(-2*time.Hour))))
	require.NoError(t, m.Record(outcome("d2", "p1", -2, now.Add(-time.Hour))))

	text := m.ContextFor("BTCUSD", 10)
	assert.Contains(t, text, "Last 2 trades on BTCUSD")
	assert.Contains(t, text, "1 wins (50%)")
	assert.Contains(t, text, "net PnL 3.00")

	assert.Empty(t, m.ContextFor("ETHUSD", 10))
}

func TestFileSinkQuarantinesCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sink.Append(outcome("good", "p1", 5, time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outcome_bad.json"), []byte("{not json"), 0o644))

	outcomes, err := sink.List()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "good", outcomes[0].DecisionID)

	_, err = os.Stat(filepath.Join(dir, "quarantine", "outcome_bad.json"))
	assert.NoError(t, err, "corrupt file should move to quarantine")
}

func TestFileSinkAtomicAppendLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sink.Append(outcome("d1", "p1", 5, time.Now())))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestVectorIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.bin")

	idx, err := OpenVectorIndex(path, 3)
	require.NoError(t, err)
	require.NoError(t, idx.Add("d1", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("d2", []float32{0, 1, 0}))
	require.NoError(t, idx.Add("d3", []float32{0.9, 0.1, 0}))

	matches := idx.Nearest([]float32{1, 0, 0}, 2)
	require.Len(t, matches, 2)
	assert.Equal(t, "d1", matches[0].DecisionID)
	assert.Equal(t, "d3", matches[1].DecisionID)

	// Reload from disk.
	reloaded, err := OpenVectorIndex(path, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Len())

	// Dimension mismatch discards the stale index instead of failing.
	fresh, err := OpenVectorIndex(path, 5)
	require.NoError(t, err)
	assert.Zero(t, fresh.Len())
}
