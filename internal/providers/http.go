// Package providers contains reasoning-provider adapters. The HTTP adapter
// talks to any gateway exposing the prompt/decision JSON contract; WithBreaker
// gates a provider behind a circuit breaker.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

// HTTPConfig configures one HTTP reasoning provider.
type HTTPConfig struct {
	ID       string
	Endpoint string
	APIKey   string
	Model    string
	Local    bool
	Timeout  time.Duration
}

// HTTP queries a reasoning gateway over JSON. The gateway receives the prompt
// and model name and must answer with an action, a confidence and reasoning.
type HTTP struct {
	cfg        HTTPConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTP creates an HTTP provider. A nil client gets a default with the
// configured timeout.
func NewHTTP(cfg HTTPConfig, client *http.Client, logger zerolog.Logger) *HTTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{cfg: cfg, httpClient: client, logger: logger}
}

// ID returns the provider identifier.
func (p *HTTP) ID() string { return p.cfg.ID }

// IsLocal reports whether the provider runs without leaving the host.
func (p *HTTP) IsLocal() bool { return p.cfg.Local }

type queryRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type queryResponse struct {
	Action          string   `json:"action"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	SuggestedAmount *float64 `json:"suggested_amount,omitempty"`
}

// Query posts the prompt and parses the gateway's decision. Validation of the
// action and confidence range is the aggregator's job; Query only fails on
// transport and decode errors.
func (p *HTTP) Query(ctx context.Context, prompt string) (*trading.ProviderDecision, error) {
	body, err := json.Marshal(queryRequest{Model: p.cfg.Model, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying provider %s: %w", p.cfg.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading provider %s response: %w", p.cfg.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s returned status %d: %s", p.cfg.ID, resp.StatusCode, string(raw))
	}

	var parsed queryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding provider %s response: %w", p.cfg.ID, err)
	}

	latency := time.Since(start)
	p.logger.Debug().
		Str("provider", p.cfg.ID).
		Str("action", parsed.Action).
		Float64("confidence", parsed.Confidence).
		Dur("latency", latency).
		Msg("Provider answered")

	return &trading.ProviderDecision{
		Action:          trading.Action(parsed.Action),
		Confidence:      parsed.Confidence,
		Reasoning:       parsed.Reasoning,
		SuggestedAmount: parsed.SuggestedAmount,
		ProviderID:      p.cfg.ID,
		LatencyMS:       latency.Milliseconds(),
	}, nil
}
