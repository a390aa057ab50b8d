package market

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dredd-labs/modelmarket/internal/config"
	"github.com/dredd-labs/modelmarket/internal/cost"
	"github.com/dredd-labs/modelmarket/internal/llm"
	"github.com/dredd-labs/modelmarket/internal/resilience"
	"github.com/dredd-labs/modelmarket/internal/store"
	"github.com/dredd-labs/modelmarket/pkg/anthropic"
	"github.com/dredd-labs/modelmarket/pkg/gemini"
	"github.com/dredd-labs/modelmarket/pkg/openai"
)

// FromConfig wires a Market from loaded configuration: one client per
// enabled provider with a credential, the convergence detector, and the
// arbiter chain.
func FromConfig(cfg *config.Config, st store.Store, tel Telemetry) (*Market, error) {
	calc := cost.NewCalculator(cfg.Pricing.Models)
	norm := llm.NewNormalizer(calc, cfg.Market.Debug)

	clients := make(map[string]Caller)
	var order []string
	for _, p := range llm.Providers {
		tag := p.String()
		pcfg, ok := cfg.Provider(tag)
		if !ok || !pcfg.Enabled {
			continue
		}
		if pcfg.Key == "" {
			zap.L().Warn("provider enabled without credential, skipping", zap.String("provider", tag))
			continue
		}

		adapter, err := buildAdapter(p, pcfg)
		if err != nil {
			return nil, err
		}

		clients[tag] = NewProviderClient(ClientConfig{
			Adapter:      adapter,
			Normalizer:   norm,
			DefaultModel: pcfg.DefaultModel,
			Temperature:  cfg.Market.Temperature,
			MaxTokens:    cfg.Market.MaxTokens,
			Timeout:      pcfg.Timeout(),
			Retry:        resilience.FromRetryConfig(cfg.Market.MaxRetries, cfg.Market.RetryInitialBackoffMS, 2.0),
			Circuit:      resilience.FromCircuitConfig(cfg.Market.CircuitFailureThreshold, cfg.Market.CircuitRecoveryTimeoutMS),
			RateLimit:    pcfg.RateLimitCount,
			RateInterval: pcfg.RateInterval(),
			Telemetry:    tel,
		})
		order = append(order, tag)
	}

	detector := NewDetector(cfg.Market.ConfidenceThreshold, cfg.Market.OverlapThreshold)
	arbiter := NewArbiter(clients,
		ArbiterSpec{Provider: cfg.Arbiter.Provider, Model: cfg.Arbiter.Model},
		ArbiterSpec{Provider: cfg.Arbiter.FallbackProvider, Model: cfg.Arbiter.FallbackModel},
	)

	return NewMarket(st, clients, order, detector, arbiter, Options{
		MaxRounds:      cfg.Market.MaxRounds,
		MaxConcurrency: cfg.Market.MaxConcurrency,
	}), nil
}

func buildAdapter(p llm.Provider, pcfg config.ProviderConfig) (llm.Adapter, error) {
	switch p {
	case llm.OpenAI:
		var opts []openai.Option
		if pcfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pcfg.BaseURL))
		}
		return llm.NewOpenAIAdapter(openai.NewClient(pcfg.Key, opts...)), nil
	case llm.Anthropic:
		var opts []anthropic.Option
		if pcfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pcfg.BaseURL))
		}
		return llm.NewAnthropicAdapter(anthropic.NewClient(pcfg.Key, opts...)), nil
	case llm.Gemini:
		var opts []gemini.Option
		if pcfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(pcfg.BaseURL))
		}
		return llm.NewGeminiAdapter(gemini.NewClient(pcfg.Key, opts...)), nil
	default:
		return nil, eris.Errorf("market: no adapter for provider %q", p.String())
	}
}
