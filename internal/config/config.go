// Package config loads application configuration from file and
// environment and owns global logger initialization.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dredd-labs/modelmarket/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Market     MarketConfig     `yaml:"market" mapstructure:"market"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Arbiter    ArbiterConfig    `yaml:"arbiter" mapstructure:"arbiter"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MarketConfig configures the round loop and the resilience layer shared
// by all provider clients.
type MarketConfig struct {
	MaxRounds                int     `yaml:"max_rounds" mapstructure:"max_rounds"`
	MaxRetries               int     `yaml:"max_retries" mapstructure:"max_retries"`
	MaxConcurrency           int     `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	ConfidenceThreshold      float64 `yaml:"convergence_confidence_threshold" mapstructure:"convergence_confidence_threshold"`
	OverlapThreshold         float64 `yaml:"convergence_overlap_threshold" mapstructure:"convergence_overlap_threshold"`
	CircuitFailureThreshold  int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitRecoveryTimeoutMS int     `yaml:"circuit_recovery_timeout_ms" mapstructure:"circuit_recovery_timeout_ms"`
	RetryInitialBackoffMS    int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	Temperature              float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens                int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Debug                    bool    `yaml:"debug" mapstructure:"debug"`
}

// ProviderConfig configures one model provider. Immutable after load.
type ProviderConfig struct {
	Enabled             bool     `yaml:"enabled" mapstructure:"enabled"`
	Key                 string   `yaml:"key" mapstructure:"key"`
	BaseURL             string   `yaml:"base_url" mapstructure:"base_url"`
	Models              []string `yaml:"models" mapstructure:"models"`
	DefaultModel        string   `yaml:"default_model" mapstructure:"default_model"`
	TimeoutMS           int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RateLimitCount      int      `yaml:"rate_limit_count" mapstructure:"rate_limit_count"`
	RateLimitIntervalMS int      `yaml:"rate_limit_interval_ms" mapstructure:"rate_limit_interval_ms"`
}

// Timeout returns the per-call deadline.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// RateInterval returns the token bucket refill interval.
func (p ProviderConfig) RateInterval() time.Duration {
	return time.Duration(p.RateLimitIntervalMS) * time.Millisecond
}

// ProvidersConfig holds the per-provider blocks.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai" mapstructure:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini" mapstructure:"gemini"`
}

// ArbiterConfig names the process-default arbiter and the fallback used
// for the chain's third attempt.
type ArbiterConfig struct {
	Provider         string `yaml:"provider" mapstructure:"provider"`
	Model            string `yaml:"model" mapstructure:"model"`
	FallbackProvider string `yaml:"fallback_provider" mapstructure:"fallback_provider"`
	FallbackModel    string `yaml:"fallback_model" mapstructure:"fallback_model"`
}

// PricingConfig overrides the built-in per-model rate table.
type PricingConfig struct {
	Models cost.Rates `yaml:"models" mapstructure:"models"`
}

// ServerConfig configures the HTTP replay/health server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background health checker and its
// webhook alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "modelmarket.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("market.max_rounds", 2)
	v.SetDefault("market.max_retries", 2)
	v.SetDefault("market.max_concurrency", 4)
	v.SetDefault("market.convergence_confidence_threshold", 0.1)
	v.SetDefault("market.convergence_overlap_threshold", 0.7)
	v.SetDefault("market.circuit_failure_threshold", 3)
	v.SetDefault("market.circuit_recovery_timeout_ms", 30000)
	v.SetDefault("market.retry_initial_backoff_ms", 1000)
	v.SetDefault("market.temperature", 0.7)
	v.SetDefault("market.max_tokens", 4096)
	v.SetDefault("market.debug", false)

	v.SetDefault("providers.openai.enabled", true)
	v.SetDefault("providers.openai.key", "")
	v.SetDefault("providers.openai.base_url", "https://api.openai.com")
	v.SetDefault("providers.openai.models", []string{"gpt-4o", "gpt-4o-mini"})
	v.SetDefault("providers.openai.default_model", "gpt-4o")
	v.SetDefault("providers.openai.timeout_ms", 25000)
	v.SetDefault("providers.openai.rate_limit_count", 10)
	v.SetDefault("providers.openai.rate_limit_interval_ms", 1000)

	v.SetDefault("providers.anthropic.enabled", true)
	v.SetDefault("providers.anthropic.key", "")
	v.SetDefault("providers.anthropic.models", []string{"claude-sonnet-4-5-20250929", "claude-3-5-haiku-20241022"})
	v.SetDefault("providers.anthropic.default_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("providers.anthropic.timeout_ms", 30000)
	v.SetDefault("providers.anthropic.rate_limit_count", 5)
	v.SetDefault("providers.anthropic.rate_limit_interval_ms", 1000)

	v.SetDefault("providers.gemini.enabled", true)
	v.SetDefault("providers.gemini.key", "")
	v.SetDefault("providers.gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("providers.gemini.models", []string{"gemini-2.0-flash", "gemini-1.5-pro"})
	v.SetDefault("providers.gemini.default_model", "gemini-2.0-flash")
	v.SetDefault("providers.gemini.timeout_ms", 25000)
	v.SetDefault("providers.gemini.rate_limit_count", 10)
	v.SetDefault("providers.gemini.rate_limit_interval_ms", 1000)

	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	v.SetDefault("arbiter.provider", "openai")
	v.SetDefault("arbiter.model", "gpt-4o")
	v.SetDefault("arbiter.fallback_provider", "openai")
	v.SetDefault("arbiter.fallback_model", "gpt-4o")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Provider returns the block for a provider tag, or false when the tag
// is unknown.
func (c *Config) Provider(tag string) (ProviderConfig, bool) {
	switch tag {
	case "openai":
		return c.Providers.OpenAI, true
	case "anthropic":
		return c.Providers.Anthropic, true
	case "gemini":
		return c.Providers.Gemini, true
	default:
		return ProviderConfig{}, false
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
