package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/quorumtrade/internal/instrument"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// Mode selects how the gatekeeper treats timestamps. It is carried on every
// call as a discriminated value, not a constructor flag, so a replay harness
// cannot accidentally validate against the wall clock.
type Mode int

const (
	// ModeLive degrades an unparseable timestamp to "assume open" with a
	// logged warning.
	ModeLive Mode = iota + 1

	// ModeReplay makes an unparseable timestamp a hard error. There is no
	// silent wall-clock fallback during historical replay.
	ModeReplay
)

// ErrReplayTimestamp is returned when a replay-mode validation cannot parse
// the supplied timestamp.
var ErrReplayTimestamp = errors.New("unparseable timestamp in replay mode")

// Rejection reason codes.
const (
	ReasonApproved        = "approved"
	ReasonMarketClosed    = "market_closed"
	ReasonMaxDrawdown     = "max_drawdown"
	ReasonDailyVaR        = "daily_var"
	ReasonConcentration   = "concentration"
	ReasonCorrelation     = "correlation"
	ReasonLowConfidence   = "low_confidence"
	ReasonInvalidAssetCls = "invalid_asset_class"
)

// Limits holds the configured risk policy.
type Limits struct {
	MaxDrawdown              float64
	MaxDailyVaR              float64
	MaxPositionConcentration float64
	MaxCorrelatedPositions   int
	CorrelationCap           float64
	ConfidenceThreshold      float64
}

// DefaultLimits returns the default risk policy.
func DefaultLimits() Limits {
	return Limits{
		MaxDrawdown:              0.05,
		MaxDailyVaR:              0.02,
		MaxPositionConcentration: 0.25,
		MaxCorrelatedPositions:   2,
		CorrelationCap:           0.7,
		ConfidenceThreshold:      60,
	}
}

// Context is the portfolio snapshot a decision is validated against.
type Context struct {
	Mode           Mode
	Timestamp      string // raw frame timestamp, RFC3339
	AssetClass     instrument.AssetClass
	EquityCurve    []float64
	InitialBalance float64

	// CurrentHoldings maps instrument to its current market value.
	CurrentHoldings map[string]float64

	OpenPositions []trading.Position

	// PriceHistory holds recent closes per instrument for correlation
	// checks; it should cover the candidate and every open instrument.
	PriceHistory map[string][]float64

	// RecentPerformance is the recent realized PnL series, most recent
	// last. Informational; not used by any hard check.
	RecentPerformance []float64
}

// Verdict is the gatekeeper's answer.
type Verdict struct {
	Approved bool
	Reason   string
	Detail   string
}

// Gatekeeper validates proposed trades. It is stateless: Validate is a pure
// function of the decision, the context, and the configured limits. It never
// sizes positions.
type Gatekeeper struct {
	limits Limits
}

// NewGatekeeper creates a gatekeeper with the given policy.
func NewGatekeeper(limits Limits) *Gatekeeper {
	return &Gatekeeper{limits: limits}
}

// Validate runs every check in order; the first failure short-circuits with
// its reason code. The only error return is ErrReplayTimestamp (wrapped) in
// replay mode, which is fatal to the caller's cycle.
func (g *Gatekeeper) Validate(d *trading.TradeDecision, rc *Context) (*Verdict, error) {
	if rc.Mode != ModeLive && rc.Mode != ModeReplay {
		return nil, fmt.Errorf("risk context mode must be live or replay")
	}

	// Check 1: market session for the instrument's asset class.
	open, err := g.checkMarketHours(d, rc)
	if err != nil {
		return nil, err
	}
	if !open {
		return reject(ReasonMarketClosed, fmt.Sprintf("%s session closed at %s", d.AssetClass, rc.Timestamp)), nil
	}

	// Check 2: running drawdown against the cap.
	currentDD, _, peak := CalculateDrawdown(rc.EquityCurve)
	if currentDD >= g.limits.MaxDrawdown {
		return reject(ReasonMaxDrawdown,
			fmt.Sprintf("drawdown %.2f%% >= cap %.2f%% (peak %.2f)", currentDD*100, g.limits.MaxDrawdown*100, peak)), nil
	}

	// Check 3: estimated one-day 95% VaR.
	if returns := Returns(rc.EquityCurve); len(returns) >= 2 {
		varValue, _, verr := CalculateVaR(returns, 0.95)
		if verr == nil && varValue > g.limits.MaxDailyVaR {
			return reject(ReasonDailyVaR,
				fmt.Sprintf("daily VaR %.2f%% > cap %.2f%%", varValue*100, g.limits.MaxDailyVaR*100)), nil
		}
	}

	// Check 4: single-instrument concentration.
	if v := g.checkConcentration(d, rc); v != nil {
		return v, nil
	}

	// Check 5: pairwise correlation with already-open instruments.
	if v := g.checkCorrelation(d, rc); v != nil {
		return v, nil
	}

	// Check 6: confidence floor.
	if d.Ensemble.Confidence < g.limits.ConfidenceThreshold {
		return reject(ReasonLowConfidence,
			fmt.Sprintf("confidence %.1f < threshold %.1f", d.Ensemble.Confidence, g.limits.ConfidenceThreshold)), nil
	}

	// Check 7: the asset class must not have escaped canonicalization.
	if !instrument.ValidClass(d.AssetClass) {
		return reject(ReasonInvalidAssetCls, fmt.Sprintf("asset class %q not canonical", d.AssetClass)), nil
	}

	return &Verdict{Approved: true, Reason: ReasonApproved}, nil
}

func (g *Gatekeeper) checkMarketHours(d *trading.TradeDecision, rc *Context) (bool, error) {
	if d.AssetClass != instrument.ClassEquity && d.AssetClass != instrument.ClassForex {
		return true, nil
	}

	ts, err := time.Parse(time.RFC3339, rc.Timestamp)
	if err != nil {
		if rc.Mode == ModeReplay {
			return false, fmt.Errorf("%w: %q", ErrReplayTimestamp, rc.Timestamp)
		}
		log.Warn().
			Str("timestamp", rc.Timestamp).
			Str("instrument", d.Instrument).
			Msg("Unparseable timestamp in live mode, assuming market open")
		return true, nil
	}

	return sessionOpen(d.AssetClass, ts), nil
}

func (g *Gatekeeper) checkConcentration(d *trading.TradeDecision, rc *Context) *Verdict {
	equity := rc.InitialBalance
	if len(rc.EquityCurve) > 0 {
		equity = rc.EquityCurve[len(rc.EquityCurve)-1]
	}
	if equity <= 0 {
		return nil
	}

	proposed := 0.0
	if d.Risk != nil {
		proposed = d.Risk.RecommendedSize * d.EntryPriceReference
	}
	existing := rc.CurrentHoldings[d.Instrument]

	share := (existing + proposed) / equity
	if share > g.limits.MaxPositionConcentration {
		return reject(ReasonConcentration,
			fmt.Sprintf("%s would hold %.1f%% of equity, cap %.1f%%",
				d.Instrument, share*100, g.limits.MaxPositionConcentration*100))
	}
	return nil
}

func (g *Gatekeeper) checkCorrelation(d *trading.TradeDecision, rc *Context) *Verdict {
	candidate := Returns(rc.PriceHistory[d.Instrument])
	if len(candidate) < 2 {
		return nil
	}

	seen := make(map[string]struct{})
	correlated := 0
	for _, pos := range rc.OpenPositions {
		if pos.Instrument == d.Instrument {
			continue
		}
		if _, dup := seen[pos.Instrument]; dup {
			continue
		}
		seen[pos.Instrument] = struct{}{}

		other := Returns(rc.PriceHistory[pos.Instrument])
		if len(other) < 2 {
			continue
		}
		corr := Correlation(candidate, other)
		if corr > g.limits.CorrelationCap || corr < -g.limits.CorrelationCap {
			correlated++
		}
	}

	if correlated > g.limits.MaxCorrelatedPositions {
		return reject(ReasonCorrelation,
			fmt.Sprintf("%d open instruments correlate with %s above %.2f, limit %d",
				correlated, d.Instrument, g.limits.CorrelationCap, g.limits.MaxCorrelatedPositions))
	}
	return nil
}

func reject(reason, detail string) *Verdict {
	return &Verdict{Approved: false, Reason: reason, Detail: detail}
}
