package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  watched_instruments: ["BTC/USD"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Agent.AnalysisFrequencySeconds)
	assert.Equal(t, 60, cfg.Agent.DecisionThrottleSeconds)
	assert.Equal(t, "weighted", cfg.Ensemble.Strategy)
	assert.Equal(t, 0, cfg.Ensemble.MinLocalProviders)
	assert.Equal(t, []string{"[FALLBACK]"}, cfg.Ensemble.FallbackSentinels)
	assert.InDelta(t, 0.05, cfg.Risk.MaxDrawdown, 1e-12)
	assert.InDelta(t, 0.25, cfg.Risk.MaxPositionConcentration, 1e-12)
	assert.Equal(t, 2, cfg.Risk.MaxCorrelatedPositions)
	assert.InDelta(t, 0.7, cfg.Risk.CorrelationCap, 1e-12)
	assert.InDelta(t, 60.0, cfg.Risk.ConfidenceThreshold, 1e-12)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60, cfg.CircuitBreaker.RecoveryTimeoutSeconds)
	assert.Equal(t, 1000, cfg.Learning.MaxMemorySize)
	assert.Equal(t, 20, cfg.Learning.ContextWindowTrades)
	assert.Equal(t, 2, cfg.Monitor.MaxConcurrentTrackers)
	assert.Equal(t, 30, cfg.Monitor.DetectionIntervalSeconds)
	assert.Equal(t, 30, cfg.Monitor.PollIntervalSeconds)
}

func TestLoadMissingRequiredKey(t *testing.T) {
	path := writeConfig(t, `
app:
  log_level: debug
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watched_instruments")
}

func TestLoadProviders(t *testing.T) {
	path := writeConfig(t, `
agent:
  watched_instruments: ["BTC/USD", "ETH/USD"]
ensemble:
  strategy: majority
  min_local_providers: 1
  providers:
    - id: deepseek
      weight: 0.5
      local: false
    - id: ollama-llama3
      weight: 0.5
      local: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Ensemble.Providers, 2)
	assert.Equal(t, "deepseek", cfg.Ensemble.Providers[0].ID)
	assert.True(t, cfg.Ensemble.Providers[1].Local)
	assert.Equal(t, "majority", cfg.Ensemble.Strategy)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad strategy", "agent:\n  watched_instruments: [\"BTCUSD\"]\nensemble:\n  strategy: dictator\n"},
		{"drawdown out of range", "agent:\n  watched_instruments: [\"BTCUSD\"]\nrisk:\n  max_drawdown: 1.5\n"},
		{"confidence out of range", "agent:\n  watched_instruments: [\"BTCUSD\"]\nrisk:\n  confidence_threshold: 250\n"},
		{"provider without id", "agent:\n  watched_instruments: [\"BTCUSD\"]\nensemble:\n  providers:\n    - weight: 1.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
agent:
  watched_instruments: ["BTCUSD"]
experimental:
  turbo_mode: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSD"}, cfg.Agent.WatchedInstruments)
}
