// Package market implements the consensus engine: per-provider clients
// with rate limiting and circuit breaking, the convergence detector,
// the arbiter fallback chain, and the round coordinator.
package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dredd-labs/modelmarket/internal/llm"
	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/ratelimit"
	"github.com/dredd-labs/modelmarket/internal/resilience"
)

// CallOptions carries the per-call overrides accepted by a client.
type CallOptions struct {
	// Model overrides the provider's default model.
	Model string
	// Timeout overrides the provider's configured per-call deadline.
	Timeout time.Duration
}

// ProviderHealth is the point-in-time view a client exposes for health
// reporting.
type ProviderHealth struct {
	Provider            string  `json:"provider"`
	CircuitState        string  `json:"circuit_state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	TokensAvailable     float64 `json:"tokens_available"`
	TokensMax           int     `json:"tokens_max"`
}

// Caller is the surface the coordinator and arbiter need from a
// provider client.
type Caller interface {
	Call(ctx context.Context, prompt string, opts CallOptions) *model.ProviderAnswer
	Timeout() time.Duration
	Inspect() ProviderHealth
}

// Telemetry receives client lifecycle events. The monitoring recorder
// implements it; a no-op is substituted when none is configured.
type Telemetry interface {
	CircuitTransition(provider string, from, to string)
	CallOutcome(provider string, status model.AnswerStatus)
}

type nopTelemetry struct{}

func (nopTelemetry) CircuitTransition(string, string, string) {}
func (nopTelemetry) CallOutcome(string, model.AnswerStatus)   {}

// ClientConfig assembles the pieces of one provider client.
type ClientConfig struct {
	Adapter      llm.Adapter
	Normalizer   *llm.Normalizer
	DefaultModel string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	Retry        resilience.RetryConfig
	Circuit      resilience.CircuitBreakerConfig
	RateLimit    int
	RateInterval time.Duration
	Telemetry    Telemetry
}

// ProviderClient serializes all traffic to one provider so the token
// bucket and circuit breaker are consulted and updated without races.
type ProviderClient struct {
	provider llm.Provider
	adapter  llm.Adapter
	norm     *llm.Normalizer
	bucket   *ratelimit.Bucket
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	tel      Telemetry

	defaultModel string
	temperature  float64
	maxTokens    int
	timeout      time.Duration

	mu sync.Mutex

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewProviderClient builds the client for cfg.Adapter's provider.
func NewProviderClient(cfg ClientConfig) *ProviderClient {
	tel := cfg.Telemetry
	if tel == nil {
		tel = nopTelemetry{}
	}
	provider := cfg.Adapter.Provider()

	circuit := cfg.Circuit
	inner := circuit.OnStateChange
	circuit.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Info("circuit state change",
			zap.String("provider", provider.String()),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		tel.CircuitTransition(provider.String(), from.String(), to.String())
		if inner != nil {
			inner(from, to)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}

	return &ProviderClient{
		provider:     provider,
		adapter:      cfg.Adapter,
		norm:         cfg.Normalizer,
		bucket:       ratelimit.NewBucket(cfg.RateLimit, cfg.RateInterval),
		breaker:      resilience.NewCircuitBreaker(circuit),
		retry:        cfg.Retry,
		tel:          tel,
		defaultModel: cfg.DefaultModel,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		timeout:      timeout,
		nowFunc:      time.Now,
	}
}

// Provider returns the provider this client fronts.
func (c *ProviderClient) Provider() llm.Provider { return c.provider }

// Timeout returns the configured per-call deadline.
func (c *ProviderClient) Timeout() time.Duration { return c.timeout }

// Call performs one market call. The breaker is consulted first, then
// the bucket; a bucket rejection never counts against the breaker.
// Retryable remote failures are retried with exponential backoff, and
// each attempt passes through the breaker again so a circuit that
// opened mid-sequence stops the remaining attempts. Failures come back
// as answers with an error status so the coordinator can persist them
// uniformly.
func (c *ProviderClient) Call(ctx context.Context, prompt string, opts CallOptions) *model.ProviderAnswer {
	c.mu.Lock()
	defer c.mu.Unlock()

	modelName := opts.Model
	if modelName == "" {
		modelName = c.defaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := c.nowFunc()

	if c.breaker.State() == resilience.CircuitOpen {
		return c.failure(modelName, start, &model.CallError{
			Kind:    model.ErrCircuitOpen,
			Message: c.provider.String() + ": circuit open",
		})
	}

	if !c.bucket.Acquire() {
		return c.failure(modelName, start, &model.CallError{
			Kind:    model.ErrRateLimited,
			Message: c.provider.String() + ": local rate limit exhausted",
		})
	}

	req := llm.CompletionRequest{
		Model:       modelName,
		Prompt:      prompt,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	retry := c.retry
	retry.ShouldRetry = shouldRetryCall
	retry.OnRetry = resilience.RetryLogger(c.provider.String(), "complete")

	comp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*llm.Completion, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*llm.Completion, error) {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			comp, err := c.adapter.Complete(cctx, req)
			if err != nil {
				return nil, llm.ClassifyError(c.provider, err)
			}
			return comp, nil
		})
	})
	if err != nil {
		ce := llm.ClassifyError(c.provider, err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			ce = &model.CallError{
				Kind:    model.ErrCircuitOpen,
				Message: c.provider.String() + ": circuit open",
			}
		}
		return c.failure(modelName, start, ce)
	}

	ans := c.norm.Normalize(c.provider, modelName, comp)
	ans.LatencyMS = c.nowFunc().Sub(start).Milliseconds()
	c.tel.CallOutcome(c.provider.String(), ans.Status)
	return ans
}

// Inspect reports breaker and bucket state without queuing behind an
// in-flight call.
func (c *ProviderClient) Inspect() ProviderHealth {
	failures, state := c.breaker.Counters()
	return ProviderHealth{
		Provider:            c.provider.String(),
		CircuitState:        state.String(),
		ConsecutiveFailures: failures,
		TokensAvailable:     c.bucket.Available(),
		TokensMax:           c.bucket.Max(),
	}
}

func (c *ProviderClient) failure(modelName string, start time.Time, ce *model.CallError) *model.ProviderAnswer {
	status := model.AnswerStatusError
	if ce.Kind == model.ErrTimeout {
		status = model.AnswerStatusTimeout
	}
	ans := &model.ProviderAnswer{
		ID:        uuid.NewString(),
		Provider:  c.provider.String(),
		Model:     modelName,
		Status:    status,
		Error:     ce,
		LatencyMS: c.nowFunc().Sub(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	c.tel.CallOutcome(c.provider.String(), status)
	zap.L().Warn("provider call failed",
		zap.String("provider", c.provider.String()),
		zap.String("kind", string(ce.Kind)),
		zap.Int("http_status", ce.HTTPStatus),
		zap.Int64("latency_ms", ans.LatencyMS),
	)
	return ans
}

// shouldRetryCall retries HTTP 429/5xx and transport timeouts. Circuit
// rejections stop the sequence immediately; unclassified transport
// errors fall back to the generic transient check.
func shouldRetryCall(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var ce *model.CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return resilience.IsTransient(err)
}
