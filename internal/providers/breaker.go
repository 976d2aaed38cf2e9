package providers

import (
	"context"

	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// gated runs a provider's queries through a circuit breaker. Once the breaker
// opens, queries fail fast with breaker.ErrCircuitOpen, which the aggregator
// records as a circuit_open provider failure.
type gated struct {
	next trading.ReasoningPort
	b    *breaker.Breaker
}

// WithBreaker wraps a reasoning provider in a circuit breaker.
func WithBreaker(next trading.ReasoningPort, b *breaker.Breaker) trading.ReasoningPort {
	return &gated{next: next, b: b}
}

func (g *gated) Query(ctx context.Context, prompt string) (*trading.ProviderDecision, error) {
	result, err := g.b.Call(func() (any, error) {
		return g.next.Query(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	return result.(*trading.ProviderDecision), nil
}

func (g *gated) ID() string    { return g.next.ID() }
func (g *gated) IsLocal() bool { return g.next.IsLocal() }
