// Package config loads and validates the agent configuration.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration. It is passed as an immutable
// value at construction; hot reloads replace the instance.
type Config struct {
	App            AppConfig      `mapstructure:"app"`
	Agent          AgentConfig    `mapstructure:"agent"`
	Ensemble       EnsembleConfig `mapstructure:"ensemble"`
	Risk           RiskConfig     `mapstructure:"risk"`
	CircuitBreaker BreakerConfig  `mapstructure:"circuit_breaker"`
	Learning       LearningConfig `mapstructure:"learning"`
	Monitor        MonitorConfig  `mapstructure:"monitor"`
	KillSwitch     KillSwitch     `mapstructure:"kill_switch"`
	Storage        StorageConfig  `mapstructure:"storage"`
	Redis          RedisConfig    `mapstructure:"redis"`
	Monitoring     Monitoring     `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// AgentConfig drives the OODA loop cadence and retry behavior.
type AgentConfig struct {
	AnalysisFrequencySeconds int      `mapstructure:"analysis_frequency_seconds"`
	WatchedInstruments       []string `mapstructure:"watched_instruments"`
	DecisionThrottleSeconds  int      `mapstructure:"decision_throttle_seconds"`
	MaxDecisionRetries       int      `mapstructure:"max_decision_retries"`
	RecoveryAttempts         int      `mapstructure:"recovery_attempts"`
	ExecutionTimeoutSeconds  int      `mapstructure:"execution_timeout_seconds"`
	ShutdownGraceSeconds     int      `mapstructure:"shutdown_grace_seconds"`
}

// ProviderConfig describes one reasoning provider in the roster.
type ProviderConfig struct {
	ID       string  `mapstructure:"id"`
	Weight   float64 `mapstructure:"weight"`
	Local    bool    `mapstructure:"local"`
	Endpoint string  `mapstructure:"endpoint"`
	APIKey   string  `mapstructure:"api_key"`
	Model    string  `mapstructure:"model"`
}

// EnsembleConfig configures the decision aggregator.
type EnsembleConfig struct {
	Providers              []ProviderConfig `mapstructure:"providers"`
	Strategy               string           `mapstructure:"strategy"` // weighted | majority | stacking
	MinLocalProviders      int              `mapstructure:"min_local_providers"`
	ProviderTimeoutSeconds int              `mapstructure:"provider_timeout_seconds"`
	ConservativeFloor      float64          `mapstructure:"conservative_floor"`
	FallbackSentinels      []string         `mapstructure:"fallback_sentinels"`
}

// RiskConfig contains risk gatekeeper limits.
type RiskConfig struct {
	MaxDrawdown              float64 `mapstructure:"max_drawdown"`
	MaxDailyVaR              float64 `mapstructure:"max_daily_var"`
	MaxPositionConcentration float64 `mapstructure:"max_position_concentration"`
	MaxCorrelatedPositions   int     `mapstructure:"max_correlated_positions"`
	CorrelationCap           float64 `mapstructure:"correlation_cap"`
	ConfidenceThreshold      float64 `mapstructure:"confidence_threshold"`
}

// BreakerConfig configures per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout"`
}

// LearningConfig configures the learning memory.
type LearningConfig struct {
	MaxMemorySize       int `mapstructure:"max_memory_size"`
	ContextWindowTrades int `mapstructure:"context_window_trades"`
}

// MonitorConfig configures the live trade monitor.
type MonitorConfig struct {
	MaxConcurrentTrackers    int `mapstructure:"max_concurrent_trackers"`
	DetectionIntervalSeconds int `mapstructure:"detection_interval"`
	PollIntervalSeconds      int `mapstructure:"poll_interval"`
	ScanTimeoutSeconds       int `mapstructure:"scan_timeout_seconds"`
	PendingHighWaterMark     int `mapstructure:"pending_high_water_mark"`
}

// KillSwitch holds cumulative-PnL thresholds that force HALT. Zero disables
// the corresponding switch.
type KillSwitch struct {
	Loss float64 `mapstructure:"loss"`
	Gain float64 `mapstructure:"gain"`
}

// StorageConfig locates the outcome store on disk.
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// RedisConfig contains optional frame-cache settings. Disabled when Addr is
// empty.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// Monitoring contains metrics settings.
type Monitoring struct {
	EnableMetrics  bool `mapstructure:"enable_metrics"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// Load loads configuration from file and environment variables. Unknown keys
// are logged and ignored; missing required keys are hard errors.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUORUMTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	warnUnknownKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// knownKeyPrefixes covers list-valued sections whose sub-keys vary.
var knownKeyPrefixes = []string{
	"ensemble.providers",
	"agent.watched_instruments",
}

// warnUnknownKeys logs every key in the loaded config that the application
// does not recognize. Unknown keys are ignored, not fatal.
func warnUnknownKeys(v *viper.Viper) {
	known := make(map[string]struct{})
	defaults := viper.New()
	setDefaults(defaults)
	for _, k := range defaults.AllKeys() {
		known[k] = struct{}{}
	}
	known["agent.watched_instruments"] = struct{}{}
	known["redis.password"] = struct{}{}

	var unknown []string
	for _, k := range v.AllKeys() {
		if _, ok := known[k]; ok {
			continue
		}
		prefixed := false
		for _, p := range knownKeyPrefixes {
			if strings.HasPrefix(k, p) {
				prefixed = true
				break
			}
		}
		if !prefixed {
			unknown = append(unknown, k)
		}
	}

	sort.Strings(unknown)
	for _, k := range unknown {
		log.Warn().Str("key", k).Msg("Unknown configuration key ignored")
	}
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quorumtrade")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("agent.analysis_frequency_seconds", 300)
	v.SetDefault("agent.decision_throttle_seconds", 60)
	v.SetDefault("agent.max_decision_retries", 3)
	v.SetDefault("agent.recovery_attempts", 3)
	v.SetDefault("agent.execution_timeout_seconds", 15)
	v.SetDefault("agent.shutdown_grace_seconds", 10)

	v.SetDefault("ensemble.strategy", "weighted")
	v.SetDefault("ensemble.min_local_providers", 0)
	v.SetDefault("ensemble.provider_timeout_seconds", 30)
	v.SetDefault("ensemble.conservative_floor", 50.0)
	v.SetDefault("ensemble.fallback_sentinels", []string{"[FALLBACK]"})

	v.SetDefault("risk.max_drawdown", 0.05)
	v.SetDefault("risk.max_daily_var", 0.02)
	v.SetDefault("risk.max_position_concentration", 0.25)
	v.SetDefault("risk.max_correlated_positions", 2)
	v.SetDefault("risk.correlation_cap", 0.7)
	v.SetDefault("risk.confidence_threshold", 60.0)

	v.SetDefault("circuit_breaker.failure_threshold", 3)
	v.SetDefault("circuit_breaker.recovery_timeout", 60)

	v.SetDefault("learning.max_memory_size", 1000)
	v.SetDefault("learning.context_window_trades", 20)

	v.SetDefault("monitor.max_concurrent_trackers", 2)
	v.SetDefault("monitor.detection_interval", 30)
	v.SetDefault("monitor.poll_interval", 30)
	v.SetDefault("monitor.scan_timeout_seconds", 5)
	v.SetDefault("monitor.pending_high_water_mark", 10)

	v.SetDefault("kill_switch.loss", 0.0)
	v.SetDefault("kill_switch.gain", 0.0)

	v.SetDefault("storage.dir", "./data")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_seconds", 60)

	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.prometheus_port", 9100)
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if len(c.Agent.WatchedInstruments) == 0 {
		return fmt.Errorf("agent.watched_instruments is required")
	}
	if c.Agent.AnalysisFrequencySeconds <= 0 {
		return fmt.Errorf("agent.analysis_frequency_seconds must be positive")
	}
	switch c.Ensemble.Strategy {
	case "weighted", "majority", "stacking":
	default:
		return fmt.Errorf("ensemble.strategy must be weighted, majority or stacking, got %q", c.Ensemble.Strategy)
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1)")
	}
	if c.Risk.ConfidenceThreshold < 0 || c.Risk.ConfidenceThreshold > 100 {
		return fmt.Errorf("risk.confidence_threshold must be in [0, 100]")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if c.Learning.MaxMemorySize <= 0 {
		return fmt.Errorf("learning.max_memory_size must be positive")
	}
	if c.Monitor.MaxConcurrentTrackers <= 0 {
		return fmt.Errorf("monitor.max_concurrent_trackers must be positive")
	}
	for i, p := range c.Ensemble.Providers {
		if p.ID == "" {
			return fmt.Errorf("ensemble.providers[%d].id is required", i)
		}
		if p.Weight < 0 {
			return fmt.Errorf("ensemble.providers[%d].weight must be non-negative", i)
		}
	}
	return nil
}

// AnalysisFrequency returns the cycle cadence as a Duration.
func (c *AgentConfig) AnalysisFrequency() time.Duration {
	return time.Duration(c.AnalysisFrequencySeconds) * time.Second
}

// DecisionThrottle returns the minimum inter-order spacing.
func (c *AgentConfig) DecisionThrottle() time.Duration {
	return time.Duration(c.DecisionThrottleSeconds) * time.Second
}

// ExecutionTimeout returns the per-order timeout.
func (c *AgentConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the bounded shutdown grace period.
func (c *AgentConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// ProviderTimeout returns the per-provider query timeout.
func (c *EnsembleConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// RecoveryTimeout returns the breaker's OPEN duration.
func (c *BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// DetectionInterval returns the monitor detector period.
func (c *MonitorConfig) DetectionInterval() time.Duration {
	return time.Duration(c.DetectionIntervalSeconds) * time.Second
}

// PollInterval returns the tracker poll period.
func (c *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ScanTimeout returns the timeout on detector scans and tracker polls.
func (c *MonitorConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// TTL returns the frame-cache TTL.
func (c *RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Enabled reports whether the Redis frame cache is configured.
func (c *RedisConfig) Enabled() bool { return c.Addr != "" }
