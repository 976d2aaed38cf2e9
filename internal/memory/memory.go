package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quorumtrade/internal/risk"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// ErrMemoryReadOnly is returned by Record while a replay harness has frozen
// the memory for an out-of-sample window.
var ErrMemoryReadOnly = errors.New("learning memory is read-only")

// Rollup document names.
const (
	DocProviderPerformance = "provider_performance"
	DocRegimeSummary       = "regime_summary"
)

// Momentum classifications for long-term performance.
const (
	MomentumImproving = "improving"
	MomentumDeclining = "declining"
	MomentumStable    = "stable"
)

// ProviderStats is the rolled-up performance of one reasoning provider.
type ProviderStats struct {
	TradeCount int     `json:"trade_count"`
	Wins       int     `json:"wins"`
	WinRate    float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
	TotalPnL   float64 `json:"total_pnl"`
	Sharpe     float64 `json:"sharpe,omitempty"`
}

// RegimeStats summarizes realized results per market regime at entry.
type RegimeStats struct {
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
}

// LongTermStats summarizes a trailing window of realized trades.
type LongTermStats struct {
	TradeCount   int     `json:"trade_count"`
	RealizedPnL  float64 `json:"realized_pnl"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	Sharpe       float64 `json:"sharpe"`
	BestTrade    float64 `json:"best_trade"`
	WorstTrade   float64 `json:"worst_trade"`
	Momentum     string  `json:"momentum"`
}

// Snapshot is an opaque copy of memory state, used by replay harnesses to
// rewind after an out-of-sample window.
type Snapshot struct {
	outcomes []*trading.TradeOutcome
}

// Memory is the file-backed learning store. All reads come from the in-memory
// aggregate; the sink is the durable append-only substrate.
type Memory struct {
	sink          trading.StorageSink
	maxSize       int
	contextWindow int
	clock         trading.Clock
	logger        zerolog.Logger

	mu       sync.RWMutex
	outcomes []*trading.TradeOutcome // sorted by exit timestamp, oldest first
	byID     map[string]struct{}
	readOnly bool
}

// New creates a memory over sink. Call Load before first use to rebuild
// aggregates from disk.
func New(sink trading.StorageSink, maxSize, contextWindow int, clock trading.Clock, logger zerolog.Logger) *Memory {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if contextWindow <= 0 {
		contextWindow = 20
	}
	return &Memory{
		sink:          sink,
		maxSize:       maxSize,
		contextWindow: contextWindow,
		clock:         clock,
		logger:        logger,
		byID:          make(map[string]struct{}),
	}
}

// Load scans the sink and rebuilds all in-memory aggregates in one pass.
// Duplicate decision ids keep the earliest exit and quarantine the rest.
func (m *Memory) Load() error {
	outcomes, err := m.sink.List()
	if err != nil {
		return fmt.Errorf("bootstrapping memory: %w", err)
	}

	// Oldest first; equal exit timestamps order by decision id so a reload
	// reproduces the exact same sequence.
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].ExitTime.Equal(outcomes[j].ExitTime) {
			return outcomes[i].DecisionID < outcomes[j].DecisionID
		}
		return outcomes[i].ExitTime.Before(outcomes[j].ExitTime)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes = m.outcomes[:0]
	m.byID = make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		if _, dup := m.byID[o.DecisionID]; dup {
			m.logger.Warn().Str("decision_id", o.DecisionID).Msg("Duplicate outcome on disk, quarantining")
			if err := m.sink.Quarantine(o.DecisionID); err != nil {
				m.logger.Warn().Err(err).Str("decision_id", o.DecisionID).Msg("Quarantine failed")
			}
			continue
		}
		m.byID[o.DecisionID] = struct{}{}
		m.outcomes = append(m.outcomes, o)
	}

	m.evictLocked()
	m.logger.Info().Int("outcomes", len(m.outcomes)).Msg("Learning memory loaded")
	return nil
}

// Record appends one outcome. Recording an already-known decision id is a
// no-op, so the learning phase can safely re-drain after a partial failure.
func (m *Memory) Record(o *trading.TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readOnly {
		return ErrMemoryReadOnly
	}
	if _, dup := m.byID[o.DecisionID]; dup {
		m.logger.Debug().Str("decision_id", o.DecisionID).Msg("Outcome already recorded, skipping")
		return nil
	}

	if err := m.sink.Append(o); err != nil {
		return fmt.Errorf("persisting outcome %s: %w", o.DecisionID, err)
	}

	// Insert preserving exit-timestamp order, decision id breaking ties.
	idx := sort.Search(len(m.outcomes), func(i int) bool {
		if m.outcomes[i].ExitTime.Equal(o.ExitTime) {
			return m.outcomes[i].DecisionID > o.DecisionID
		}
		return m.outcomes[i].ExitTime.After(o.ExitTime)
	})
	m.outcomes = append(m.outcomes, nil)
	copy(m.outcomes[idx+1:], m.outcomes[idx:])
	m.outcomes[idx] = o
	m.byID[o.DecisionID] = struct{}{}

	m.evictLocked()
	m.saveRollupsLocked()
	return nil
}

// evictLocked drops the oldest outcomes until the count fits maxSize.
func (m *Memory) evictLocked() {
	for len(m.outcomes) > m.maxSize {
		oldest := m.outcomes[0]
		m.outcomes = m.outcomes[1:]
		delete(m.byID, oldest.DecisionID)
		if err := m.sink.Remove(oldest.DecisionID); err != nil {
			m.logger.Warn().Err(err).Str("decision_id", oldest.DecisionID).Msg("Evicting outcome file failed")
		}
	}
}

// saveRollupsLocked refreshes the derived summary documents. Rollup failures
// are logged, never fatal: the documents are regenerable from the outcomes.
func (m *Memory) saveRollupsLocked() {
	if err := m.sink.SaveDocument(DocProviderPerformance, m.providerPerformanceLocked()); err != nil {
		m.logger.Warn().Err(err).Msg("Saving provider performance rollup failed")
	}
	if err := m.sink.SaveDocument(DocRegimeSummary, m.regimeSummaryLocked()); err != nil {
		m.logger.Warn().Err(err).Msg("Saving regime summary rollup failed")
	}
}

// ProviderPerformance returns the per-provider rollup.
func (m *Memory) ProviderPerformance() map[string]*ProviderStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providerPerformanceLocked()
}

func (m *Memory) providerPerformanceLocked() map[string]*ProviderStats {
	stats := make(map[string]*ProviderStats)
	pnls := make(map[string][]float64)

	for _, o := range m.outcomes {
		provider := o.Provider
		if provider == "" {
			continue
		}
		s, ok := stats[provider]
		if !ok {
			s = &ProviderStats{}
			stats[provider] = s
		}
		s.TradeCount++
		s.TotalPnL += o.RealizedPnL
		if o.RealizedPnL > 0 {
			s.Wins++
		}
		pnls[provider] = append(pnls[provider], o.RealizedPnLPct/100)
	}

	for provider, s := range stats {
		s.WinRate = float64(s.Wins) / float64(s.TradeCount)
		s.AvgPnL = s.TotalPnL / float64(s.TradeCount)
		if sharpe, err := risk.CalculateSharpeRatio(pnls[provider], 0); err == nil {
			s.Sharpe = sharpe
		}
	}
	return stats
}

func (m *Memory) regimeSummaryLocked() map[string]*RegimeStats {
	type acc struct {
		count int
		wins  int
		pnl   float64
	}
	accs := make(map[string]*acc)
	for _, o := range m.outcomes {
		regime := o.MarketRegime
		if regime == "" {
			regime = "unknown"
		}
		a, ok := accs[regime]
		if !ok {
			a = &acc{}
			accs[regime] = a
		}
		a.count++
		a.pnl += o.RealizedPnL
		if o.RealizedPnL > 0 {
			a.wins++
		}
	}

	out := make(map[string]*RegimeStats, len(accs))
	for regime, a := range accs {
		out[regime] = &RegimeStats{
			TradeCount: a.count,
			WinRate:    float64(a.wins) / float64(a.count),
			AvgPnL:     a.pnl / float64(a.count),
		}
	}
	return out
}

// LongTermPerformance summarizes the trailing window. An empty instrument
// means all instruments.
func (m *Memory) LongTermPerformance(windowDays int, instrument string) *LongTermStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.clock.Now().AddDate(0, 0, -windowDays)
	var window []*trading.TradeOutcome
	for _, o := range m.outcomes {
		if o.ExitTime.Before(cutoff) {
			continue
		}
		if instrument != "" && o.Instrument != instrument {
			continue
		}
		window = append(window, o)
	}

	stats := &LongTermStats{Momentum: MomentumStable}
	if len(window) == 0 {
		return stats
	}

	var grossProfit, grossLoss float64
	var returns []float64
	stats.BestTrade = window[0].RealizedPnL
	stats.WorstTrade = window[0].RealizedPnL
	wins := 0

	for _, o := range window {
		stats.TradeCount++
		stats.RealizedPnL += o.RealizedPnL
		if o.RealizedPnL > 0 {
			wins++
			grossProfit += o.RealizedPnL
		} else {
			grossLoss += -o.RealizedPnL
		}
		if o.RealizedPnL > stats.BestTrade {
			stats.BestTrade = o.RealizedPnL
		}
		if o.RealizedPnL < stats.WorstTrade {
			stats.WorstTrade = o.RealizedPnL
		}
		returns = append(returns, o.RealizedPnLPct/100)
	}

	stats.WinRate = float64(wins) / float64(stats.TradeCount)
	if grossLoss > 0 {
		stats.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		stats.ProfitFactor = grossProfit
	}
	if sharpe, err := risk.CalculateSharpeRatio(returns, 0); err == nil {
		stats.Sharpe = sharpe
	}
	stats.Momentum = momentum(window)
	return stats
}

// momentum compares the first and second half of the window by average PnL.
func momentum(window []*trading.TradeOutcome) string {
	if len(window) < 4 {
		return MomentumStable
	}
	half := len(window) / 2
	avg := func(outcomes []*trading.TradeOutcome) float64 {
		sum := 0.0
		for _, o := range outcomes {
			sum += o.RealizedPnL
		}
		return sum / float64(len(outcomes))
	}

	first := avg(window[:half])
	second := avg(window[half:])

	// A meaningful shift is 10% of the window's PnL scale.
	scale := (absFloat(first) + absFloat(second)) / 2
	threshold := scale * 0.1
	switch {
	case second-first > threshold:
		return MomentumImproving
	case first-second > threshold:
		return MomentumDeclining
	default:
		return MomentumStable
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ContextFor formats the recent-performance summary injected into reasoning
// prompts. window caps the number of trades; 0 uses the configured default.
func (m *Memory) ContextFor(instrument string, window int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if window <= 0 {
		window = m.contextWindow
	}

	var recent []*trading.TradeOutcome
	for i := len(m.outcomes) - 1; i >= 0 && len(recent) < window; i-- {
		o := m.outcomes[i]
		if instrument != "" && o.Instrument != instrument {
			continue
		}
		recent = append(recent, o)
	}
	if len(recent) == 0 {
		return ""
	}

	wins := 0
	total := 0.0
	for _, o := range recent {
		if o.RealizedPnL > 0 {
			wins++
		}
		total += o.RealizedPnL
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d trades", len(recent))
	if instrument != "" {
		fmt.Fprintf(&b, " on %s", instrument)
	}
	fmt.Fprintf(&b, ": %d wins (%.0f%%), net PnL %.2f.\n", wins, float64(wins)/float64(len(recent))*100, total)

	shown := len(recent)
	if shown > 5 {
		shown = 5
	}
	for i := 0; i < shown; i++ {
		o := recent[i]
		fmt.Fprintf(&b, "- %s %s: %.2f (%.2f%%), exit %s, held %.1fh\n",
			o.Instrument, o.Side, o.RealizedPnL, o.RealizedPnLPct, o.ExitReason, o.HoldingHours)
	}
	return b.String()
}

// Count returns the number of outcomes held.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outcomes)
}

// TotalRealizedPnL sums realized PnL across everything in memory. The kill
// switches read this.
func (m *Memory) TotalRealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, o := range m.outcomes {
		total += o.RealizedPnL
	}
	return total
}

// TakeSnapshot captures the current state for a later Restore.
func (m *Memory) TakeSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	copied := make([]*trading.TradeOutcome, len(m.outcomes))
	for i, o := range m.outcomes {
		dup := *o
		copied[i] = &dup
	}
	return &Snapshot{outcomes: copied}
}

// Restore rewinds memory to a snapshot. Outcomes recorded after the snapshot
// are removed from the sink as well, so disk and memory agree.
func (m *Memory) Restore(s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]struct{}, len(s.outcomes))
	for _, o := range s.outcomes {
		keep[o.DecisionID] = struct{}{}
	}
	for _, o := range m.outcomes {
		if _, ok := keep[o.DecisionID]; !ok {
			if err := m.sink.Remove(o.DecisionID); err != nil {
				m.logger.Warn().Err(err).Str("decision_id", o.DecisionID).Msg("Removing post-snapshot outcome failed")
			}
		}
	}

	m.outcomes = make([]*trading.TradeOutcome, len(s.outcomes))
	m.byID = make(map[string]struct{}, len(s.outcomes))
	for i, o := range s.outcomes {
		dup := *o
		m.outcomes[i] = &dup
		m.byID[o.DecisionID] = struct{}{}
	}

	m.saveRollupsLocked()
	return nil
}

// SetReadOnly freezes or unfreezes writes.
func (m *Memory) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}
