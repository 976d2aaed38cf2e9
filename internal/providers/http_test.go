package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quorumtrade/internal/breaker"
	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

func TestHTTPQueryParsesDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "quant-7b", req.Model)
		assert.Contains(t, req.Prompt, "BTCUSD")

		json.NewEncoder(w).Encode(queryResponse{
			Action:     "BUY",
			Confidence: 82,
			Reasoning:  "breakout above resistance",
		})
	}))
	defer server.Close()

	p := NewHTTP(HTTPConfig{
		ID:       "gateway-a",
		Endpoint: server.URL,
		APIKey:   "sekrit",
		Model:    "quant-7b",
		Timeout:  time.Second,
	}, nil, zerolog.Nop())

	d, err := p.Query(context.Background(), "analyze BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, trading.ActionBuy, d.Action)
	assert.Equal(t, 82.0, d.Confidence)
	assert.Equal(t, "gateway-a", d.ProviderID)
	assert.GreaterOrEqual(t, d.LatencyMS, int64(0))
}

func TestHTTPQueryNonOKStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewHTTP(HTTPConfig{ID: "gateway-b", Endpoint: server.URL}, nil, zerolog.Nop())
	_, err := p.Query(context.Background(), "prompt")
	assert.ErrorContains(t, err, "status 503")
}

func TestWithBreakerOpensAfterFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	raw := NewHTTP(HTTPConfig{ID: "flaky", Endpoint: server.URL}, nil, zerolog.Nop())
	b := breaker.New("provider:flaky", breaker.Settings{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})
	p := WithBreaker(raw, b)

	assert.Equal(t, "flaky", p.ID())

	ctx := context.Background()
	_, err := p.Query(ctx, "prompt")
	require.Error(t, err)
	_, err = p.Query(ctx, "prompt")
	require.Error(t, err)

	// Threshold reached: the next call short-circuits.
	_, err = p.Query(ctx, "prompt")
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
}
