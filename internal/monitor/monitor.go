// Package monitor watches broker-side positions until they close and turns
// each close into a trade outcome. A single detector discovers positions; a
// bounded tracker pool follows them; overflow waits in a FIFO pending queue.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

var (
	registerGauges sync.Once
	openTrackers   prometheus.Gauge
	pendingDepth   prometheus.Gauge
)

func initGauges() {
	registerGauges.Do(func() {
		openTrackers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_open_trackers",
			Help: "Number of positions currently owned by a tracker.",
		})
		pendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_pending_positions",
			Help: "Number of positions waiting for a tracker slot.",
		})
	})
}

// PriceSource supplies the current price for an instrument. The replay
// harness and live adapters both satisfy it.
type PriceSource interface {
	CurrentPrice(ctx context.Context, instrument string) (float64, error)
}

// Config holds monitor timings and capacities.
type Config struct {
	MaxConcurrentTrackers int
	DetectionInterval     time.Duration
	PollInterval          time.Duration
	ScanTimeout           time.Duration
	ShutdownGrace         time.Duration
	PendingHighWater      int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTrackers: 2,
		DetectionInterval:     30 * time.Second,
		PollInterval:          30 * time.Second,
		ScanTimeout:           5 * time.Second,
		ShutdownGrace:         10 * time.Second,
		PendingHighWater:      10,
	}
}

// Lineage links a broker position back to the decision that opened it.
// Synthesized recovery decisions carry an empty Provider and no ensemble
// roster.
type Lineage struct {
	DecisionID        string
	Provider          string
	EnsembleProviders []string
	Confidence        float64
	MarketRegime      string
}

type pendingEntry struct {
	position trading.Position
	lineage  Lineage
}

// Monitor owns the tracked-position set. All mutations of the set go through
// its mutex so detector insertions and tracker removals observe a consistent
// view.
type Monitor struct {
	execution trading.ExecutionPort
	prices    PriceSource
	clock     trading.Clock
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	tracked  map[string]struct{}           // position id -> active tracker exists
	pending  []pendingEntry                // FIFO
	lineage  map[string]Lineage            // position id -> decision lineage
	lastSeen map[string]trading.Position   // latest broker snapshot
	scanGen  uint64                        // bumps on every successful scan
	slots    int

	outcomes chan *trading.TradeOutcome
	wg       sync.WaitGroup
}

// New creates a monitor. Outcomes of closed trades are delivered on the
// channel returned by Outcomes; the channel is buffered and never closed by
// the monitor.
func New(execution trading.ExecutionPort, prices PriceSource, clock trading.Clock, cfg Config, logger zerolog.Logger) *Monitor {
	initGauges()
	if cfg.MaxConcurrentTrackers <= 0 {
		cfg.MaxConcurrentTrackers = 1
	}
	if cfg.PendingHighWater <= 0 {
		cfg.PendingHighWater = 10
	}
	return &Monitor{
		execution: execution,
		prices:    prices,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		tracked:   make(map[string]struct{}),
		lineage:   make(map[string]Lineage),
		lastSeen:  make(map[string]trading.Position),
		outcomes:  make(chan *trading.TradeOutcome, 64),
	}
}

// Outcomes is the closed-trade channel drained by the learning phase.
func (m *Monitor) Outcomes() <-chan *trading.TradeOutcome {
	return m.outcomes
}

// Associate records decision lineage for a position id before (or as) it is
// tracked.
func (m *Monitor) Associate(positionID string, l Lineage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineage[positionID] = l
}

// Track admits a position immediately, outside the detector cadence. Used for
// startup recovery and for positions opened by the execution phase. Admitting
// an already-tracked or already-pending position is a no-op.
func (m *Monitor) Track(ctx context.Context, pos trading.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admitLocked(ctx, pendingEntry{position: pos, lineage: m.lineage[pos.ID]}, false)
}

// TrackedCount returns the number of positions owned by an active tracker.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// PendingCount returns the depth of the pending queue.
func (m *Monitor) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run drives the detector until ctx is cancelled, then shuts the trackers
// down within the configured grace period.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("detection_interval", m.cfg.DetectionInterval).
		Int("max_trackers", m.cfg.MaxConcurrentTrackers).
		Msg("Trade monitor started")

	for {
		m.scan(ctx)
		if err := m.clock.Sleep(ctx, m.cfg.DetectionInterval); err != nil {
			break
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("Trade monitor stopped cleanly")
	case <-time.After(m.cfg.ShutdownGrace):
		m.logger.Warn().
			Dur("grace", m.cfg.ShutdownGrace).
			Msg("Trade monitor shutdown grace expired, abandoning trackers")
	}
	return ctx.Err()
}

// scan fetches the broker's open set, updates the shared snapshot, and admits
// newly appeared positions.
func (m *Monitor) scan(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	positions, err := m.execution.ListPositions(sctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Position scan failed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSeen = make(map[string]trading.Position, len(positions))
	for _, pos := range positions {
		m.lastSeen[pos.ID] = pos
	}
	m.scanGen++

	for _, pos := range positions {
		m.admitLocked(ctx, pendingEntry{position: pos, lineage: m.lineage[pos.ID]}, false)
	}
}

// admitLocked starts a tracker for the entry or queues it. The entry carries
// the lineage as of admission time; a promoted entry keeps the lineage it was
// queued with. Caller holds m.mu.
func (m *Monitor) admitLocked(ctx context.Context, entry pendingEntry, promoted bool) {
	pos := entry.position
	if _, ok := m.tracked[pos.ID]; ok {
		return
	}
	if !promoted {
		for _, p := range m.pending {
			if p.position.ID == pos.ID {
				return
			}
		}
	}

	if m.slots >= m.cfg.MaxConcurrentTrackers {
		m.pending = append(m.pending, entry)
		pendingDepth.Set(float64(len(m.pending)))
		m.logger.Warn().
			Str("position_id", pos.ID).
			Str("instrument", pos.Instrument).
			Int("pending", len(m.pending)).
			Msg("Tracker pool at capacity, position queued")

		if len(m.pending) > m.cfg.PendingHighWater {
			dropped := m.pending[0]
			m.pending = m.pending[1:]
			pendingDepth.Set(float64(len(m.pending)))
			m.logger.Error().
				Str("position_id", dropped.position.ID).
				Msg("Pending queue over high-water mark, dropping oldest entry")
		}
		return
	}

	if ctx.Err() != nil {
		// Shutting down; nothing new gets a tracker.
		return
	}

	m.slots++
	m.tracked[pos.ID] = struct{}{}
	openTrackers.Set(float64(m.slots))

	t := &tracker{
		monitor:  m,
		position: pos,
		lineage:  entry.lineage,
		promoted: promoted,
		startGen: m.scanGen,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.run(ctx)
	}()
}

// release frees a tracker slot and promotes the oldest pending position.
func (m *Monitor) release(ctx context.Context, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tracked, positionID)
	delete(m.lineage, positionID)
	m.slots--
	openTrackers.Set(float64(m.slots))

	if len(m.pending) == 0 {
		return
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	pendingDepth.Set(float64(len(m.pending)))
	m.logger.Info().
		Str("position_id", next.position.ID).
		Msg("Promoting pending position to tracker")
	m.admitLocked(ctx, next, true)
}

// emit hands a finished outcome to the learning side without ever blocking a
// tracker forever.
func (m *Monitor) emit(ctx context.Context, outcome *trading.TradeOutcome) {
	select {
	case m.outcomes <- outcome:
	case <-ctx.Done():
		// Last resort on shutdown: a full channel loses the outcome rather
		// than wedging the grace period.
		select {
		case m.outcomes <- outcome:
		default:
			m.logger.Error().
				Str("decision_id", outcome.DecisionID).
				Msg("Outcome channel full during shutdown, outcome lost")
		}
	}
}

// snapshot returns the broker's latest view of a position and whether any
// scan newer than gen has completed.
func (m *Monitor) snapshot(id string, gen uint64) (trading.Position, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, open := m.lastSeen[id]
	return pos, open, m.scanGen > gen
}
