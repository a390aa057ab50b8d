package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "modelmarket.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 2, cfg.Market.MaxRounds)
	assert.Equal(t, 2, cfg.Market.MaxRetries)
	assert.Equal(t, 4, cfg.Market.MaxConcurrency)
	assert.InDelta(t, 0.1, cfg.Market.ConfidenceThreshold, 0.001)
	assert.InDelta(t, 0.7, cfg.Market.OverlapThreshold, 0.001)
	assert.Equal(t, 3, cfg.Market.CircuitFailureThreshold)
	assert.Equal(t, 30000, cfg.Market.CircuitRecoveryTimeoutMS)
	assert.Equal(t, 1000, cfg.Market.RetryInitialBackoffMS)
	assert.InDelta(t, 0.7, cfg.Market.Temperature, 0.001)
	assert.Equal(t, 4096, cfg.Market.MaxTokens)
	assert.False(t, cfg.Market.Debug)

	assert.True(t, cfg.Providers.OpenAI.Enabled)
	assert.Equal(t, "gpt-4o", cfg.Providers.OpenAI.DefaultModel)
	assert.Equal(t, "https://api.openai.com", cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, 25000, cfg.Providers.OpenAI.TimeoutMS)
	assert.Equal(t, 10, cfg.Providers.OpenAI.RateLimitCount)
	assert.True(t, cfg.Providers.Anthropic.Enabled)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Providers.Anthropic.DefaultModel)
	assert.True(t, cfg.Providers.Gemini.Enabled)
	assert.Equal(t, "gemini-2.0-flash", cfg.Providers.Gemini.DefaultModel)

	assert.Equal(t, "openai", cfg.Arbiter.Provider)
	assert.Equal(t, "gpt-4o", cfg.Arbiter.Model)
	assert.Equal(t, "openai", cfg.Arbiter.FallbackProvider)

	assert.InDelta(t, 0.5, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
}

func TestLoadFromYAML(t *testing.T) {
	chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/market
log:
  level: debug
  format: console
server:
  port: 9090
market:
  max_rounds: 3
  debug: true
providers:
  anthropic:
    enabled: false
pricing:
  models:
    gpt-4o:
      input_per_1k: 0.0025
      output_per_1k: 0.01
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/market", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Market.MaxRounds)
	assert.True(t, cfg.Market.Debug)
	assert.False(t, cfg.Providers.Anthropic.Enabled)

	rate, ok := cfg.Pricing.Models["gpt-4o"]
	require.True(t, ok)
	assert.InDelta(t, 0.0025, rate.InputPer1K, 0.0001)

	// Defaults still apply for unset values.
	assert.Equal(t, 4, cfg.Market.MaxConcurrency)
	assert.True(t, cfg.Providers.OpenAI.Enabled)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MARKET_STORE_DRIVER", "postgres")
	t.Setenv("MARKET_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MARKET_SERVER_PORT", "3000")
	t.Setenv("MARKET_PROVIDERS_OPENAI_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.Key)
}

func TestProviderLookup(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	for _, tag := range []string{"openai", "anthropic", "gemini"} {
		_, ok := cfg.Provider(tag)
		assert.True(t, ok, tag)
	}
	_, ok := cfg.Provider("mistral")
	assert.False(t, ok)
}

func TestProviderConfigDurations(t *testing.T) {
	p := ProviderConfig{TimeoutMS: 25000, RateLimitIntervalMS: 1000}
	assert.Equal(t, 25*time.Second, p.Timeout())
	assert.Equal(t, time.Second, p.RateInterval())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
