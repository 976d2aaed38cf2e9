package trading

import (
	"context"
	"errors"
	"time"
)

// ErrFatalFrame marks a PerceptionPort failure that should not be retried;
// the instrument is skipped for the cycle. Any other error is transient.
var ErrFatalFrame = errors.New("fatal perception failure")

// PerceptionPort fetches market frames. Implementations must return frames
// with canonical instrument identifiers and asset classes.
type PerceptionPort interface {
	FetchFrame(ctx context.Context, symbol string, timeframes []Timeframe) (*MarketFrame, error)
}

// ReasoningPort is one reasoning provider. Query errors, timeouts, and
// invalid responses are all equivalent failures from the aggregator's view.
type ReasoningPort interface {
	Query(ctx context.Context, prompt string) (*ProviderDecision, error)
	ID() string
	IsLocal() bool
}

// ExecutionPort is a brokerage back-end. All calls are wrapped in a circuit
// breaker by the caller. ListPositions always returns a flat sequence; the
// adapter normalizes whatever shape the broker uses.
type ExecutionPort interface {
	Submit(ctx context.Context, order Order) (*Ack, error)
	ListPositions(ctx context.Context) ([]Position, error)
	AccountInfo(ctx context.Context) (*AccountInfo, error)
}

// StorageSink persists trade outcomes and regenerable rollup documents.
// Append must be atomic (write-temp-then-rename); partial writes must be
// invisible to List.
type StorageSink interface {
	Append(outcome *TradeOutcome) error
	List() ([]*TradeOutcome, error)
	Remove(decisionID string) error
	Quarantine(decisionID string) error
	SaveDocument(name string, v any) error
	LoadDocument(name string, v any) error
}

// Clock abstracts time so replay harnesses can drive the loop from
// historical data. Sleep returns early with the context's error on cancel.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
	NextBoundary(period time.Duration) time.Time
}
