// Package trading defines the core domain types and the ports through which
// the agent observes and acts on the outside world. Concrete adapters
// (brokerages, reasoning providers, data feeds) live outside this module's
// core and are injected at construction.
package trading

import (
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/quorumtrade/internal/instrument"
)

// Timeframe identifies a candle aggregation window.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// AllTimeframes lists every supported timeframe, smallest first.
var AllTimeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d,
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// IndicatorSet holds the computed indicators for one timeframe.
type IndicatorSet struct {
	RSI            float64 `json:"rsi"`
	MACDLine       float64 `json:"macd_line"`
	MACDSignal     float64 `json:"macd_signal"`
	MACDHistogram  float64 `json:"macd_histogram"`
	BollingerPctB  float64 `json:"bollinger_pct_b"`
	ADX            float64 `json:"adx"`
	ATR            float64 `json:"atr"`
	SignalStrength float64 `json:"signal_strength"` // composite, 0-100
}

// MarketFrame is the immutable snapshot consumed by one decision. Frames are
// ephemeral; nothing holds one past the cycle that fetched it.
type MarketFrame struct {
	Instrument        string                     `json:"instrument"`
	AssetClass        instrument.AssetClass      `json:"asset_class"`
	Timestamp         time.Time                  `json:"timestamp"`
	Candles           map[Timeframe][]Candle     `json:"candles"`
	Indicators        map[Timeframe]IndicatorSet `json:"indicators"`
	Sentiment         *float64                   `json:"sentiment,omitempty"`
	MonitoringContext string                     `json:"monitoring_context,omitempty"`
}

// LastPrice returns the most recent close on the smallest timeframe present.
func (f *MarketFrame) LastPrice() float64 {
	for _, tf := range AllTimeframes {
		if candles := f.Candles[tf]; len(candles) > 0 {
			return candles[len(candles)-1].Close
		}
	}
	return 0
}

// Action is a trading signal direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ValidAction reports whether a is a member of the action enum.
func ValidAction(a Action) bool {
	return a == ActionBuy || a == ActionSell || a == ActionHold
}

// ProviderDecision is one reasoning provider's answer to a prompt.
type ProviderDecision struct {
	Action          Action   `json:"action"`
	Confidence      float64  `json:"confidence"` // 0-100
	Reasoning       string   `json:"reasoning"`
	SuggestedAmount *float64 `json:"suggested_amount,omitempty"`
	ProviderID      string   `json:"provider_id"`
	LatencyMS       int64    `json:"latency_ms"`
}

// Failure reason codes recorded in ensemble metadata for providers that did
// not contribute a valid decision.
const (
	FailReasonTimeout           = "timeout"
	FailReasonError             = "error"
	FailReasonInvalidAction     = "invalid_action"
	FailReasonInvalidConfidence = "invalid_confidence"
	FailReasonFallbackSentinel  = "fallback_sentinel"
	FailReasonCircuitOpen       = "circuit_open"
)

// EnsembleMetadata records how an ensemble decision was assembled. Every
// provider in the configured roster appears in exactly one of ProvidersUsed
// or ProvidersFailed.
type EnsembleMetadata struct {
	ProvidersQueried    []string           `json:"providers_queried"`
	ProvidersUsed       []string           `json:"providers_used"`
	ProvidersFailed     map[string]string  `json:"providers_failed"` // provider id -> reason code
	OriginalWeights     map[string]float64 `json:"original_weights"`
	RenormalizedWeights map[string]float64 `json:"renormalized_weights"`
	FallbackTier        int                `json:"fallback_tier"`
	AgreementScore      float64            `json:"agreement_score"`
	ConfidenceVariance  float64            `json:"confidence_variance"`
	QuorumSatisfied     bool               `json:"quorum_satisfied"`
	AllProvidersFailed  bool               `json:"all_providers_failed"`
	Timestamp           time.Time          `json:"timestamp"`
}

// EnsembleDecision is the aggregate of all provider decisions for one prompt.
type EnsembleDecision struct {
	Action          Action           `json:"action"`
	Confidence      float64          `json:"confidence"`
	Reasoning       string           `json:"reasoning"`
	SuggestedAmount *float64         `json:"suggested_amount,omitempty"`
	Metadata        EnsembleMetadata `json:"metadata"`
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// RiskParameters sizes a trade decision. All three fields are populated
// together or the decision is signal-only with a nil RiskParameters.
type RiskParameters struct {
	StopLossFraction float64 `json:"stop_loss_fraction"`
	RiskFraction     float64 `json:"risk_fraction"`
	RecommendedSize  float64 `json:"recommended_size"`
}

// TradeDecision is an ensemble decision bound to an instrument and, unless
// signal-only, a position size. SignalOnly is true exactly when Risk is nil:
// a HOLD, an unavailable portfolio balance, or an unsizable entry price all
// leave the decision unsized.
type TradeDecision struct {
	ID                  uuid.UUID             `json:"id"`
	Instrument          string                `json:"instrument"`
	AssetClass          instrument.AssetClass `json:"asset_class"`
	Ensemble            EnsembleDecision      `json:"ensemble"`
	EntryPriceReference float64               `json:"entry_price_reference"`
	PositionType        *PositionSide         `json:"position_type,omitempty"`
	SignalOnly          bool                  `json:"signal_only"`
	Risk                *RiskParameters       `json:"risk_parameters,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
}

// Position is an open broker-side position. SHORT positions carry positive
// Size with Side set to SideShort.
type Position struct {
	ID               string                `json:"position_id"`
	Instrument       string                `json:"instrument"`
	AssetClass       instrument.AssetClass `json:"asset_class"`
	Side             PositionSide          `json:"side"`
	Size             float64               `json:"size"`
	EntryPrice       float64               `json:"entry_price"`
	EntryTime        time.Time             `json:"entry_timestamp"`
	StopLossPrice    *float64              `json:"stop_loss_price,omitempty"`
	TakeProfitPrice  *float64              `json:"take_profit_price,omitempty"`
	LiquidationPrice *float64              `json:"liquidation_price,omitempty"`
}

// UnrealizedPnL computes side-aware PnL against the current price.
func (p *Position) UnrealizedPnL(currentPrice float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - currentPrice) * p.Size
	}
	return (currentPrice - p.EntryPrice) * p.Size
}

// ExitReason classifies why a position closed.
type ExitReason string

const (
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitManual      ExitReason = "manual"
	ExitLiquidation ExitReason = "liquidation"
	ExitShutdown    ExitReason = "shutdown"
)

// TradeOutcome is the realized result of one closed trade. Outcomes are
// append-only, keyed by DecisionID, and are the sole substrate for cross-run
// learning.
type TradeOutcome struct {
	DecisionID         string       `json:"decision_id"`
	Instrument         string       `json:"instrument"`
	Side               PositionSide `json:"side"`
	EntryPrice         float64      `json:"entry_price"`
	EntryTime          time.Time    `json:"entry_ts"`
	ExitPrice          float64      `json:"exit_price"`
	ExitTime           time.Time    `json:"exit_ts"`
	HoldingHours       float64      `json:"holding_hours"`
	RealizedPnL        float64      `json:"realized_pnl"`
	RealizedPnLPct     float64      `json:"realized_pnl_pct"`
	Provider           string       `json:"ai_provider"`
	EnsembleProviders  []string     `json:"ensemble_providers"`
	DecisionConfidence float64      `json:"decision_confidence"`
	HitStopLoss        bool         `json:"hit_stop_loss"`
	HitTakeProfit      bool         `json:"hit_take_profit"`
	PeakPnL            float64      `json:"peak_pnl"`
	MaxDrawdown        float64      `json:"max_drawdown"`
	MarketRegime       string       `json:"market_regime_at_entry"`
	ExitReason         ExitReason   `json:"exit_reason"`
}

// Order is a request submitted to an execution back-end.
type Order struct {
	DecisionID uuid.UUID             `json:"decision_id"`
	Instrument string                `json:"instrument"`
	AssetClass instrument.AssetClass `json:"asset_class"`
	Side       PositionSide          `json:"side"`
	Size       float64               `json:"size"`
	Price      float64               `json:"price"` // reference price at submission
	StopLoss   *float64              `json:"stop_loss,omitempty"`
	TakeProfit *float64              `json:"take_profit,omitempty"`
}

// Ack confirms an accepted order.
type Ack struct {
	OrderID     string    `json:"order_id"`
	PositionID  string    `json:"position_id"`
	FilledPrice float64   `json:"filled_price"`
	FilledSize  float64   `json:"filled_size"`
	Timestamp   time.Time `json:"timestamp"`
}

// AccountInfo is the broker's view of the account. A zero or negative
// Balance puts the engine into signal-only mode.
type AccountInfo struct {
	Balance           float64 `json:"balance"`
	MaxLeverage       float64 `json:"max_leverage"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
}
