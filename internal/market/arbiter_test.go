package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// fakeCaller scripts Call results for arbiter and coordinator tests.
type fakeCaller struct {
	provider   string
	calls      int
	gotOpts    []CallOptions
	gotPrompts []string
	fn         func(call int) *model.ProviderAnswer
}

func (f *fakeCaller) Call(_ context.Context, prompt string, opts CallOptions) *model.ProviderAnswer {
	f.calls++
	f.gotPrompts = append(f.gotPrompts, prompt)
	f.gotOpts = append(f.gotOpts, opts)
	ans := f.fn(f.calls)
	ans.Provider = f.provider
	return ans
}

func (f *fakeCaller) Timeout() time.Duration { return time.Second }

func (f *fakeCaller) Inspect() ProviderHealth {
	return ProviderHealth{Provider: f.provider, CircuitState: "closed"}
}

func usableArbiterAnswer(text string, costUSD float64, latencyMS int64) *model.ProviderAnswer {
	return &model.ProviderAnswer{
		Status:    model.AnswerStatusParseError,
		Answer:    text,
		Model:     "arb-model",
		Usage:     model.Usage{CostUSD: &costUSD},
		LatencyMS: latencyMS,
	}
}

func failedAnswer(kind model.ErrorKind) *model.ProviderAnswer {
	return &model.ProviderAnswer{
		Status: model.AnswerStatusError,
		Error:  &model.CallError{Kind: kind},
	}
}

const arbiterJSON = `{
	"final_answer": "The synthesized answer.",
	"agreements": ["both agree on x"],
	"conflicts": [],
	"fact_table": [],
	"next_questions": ["what about y?"],
	"overall_confidence": 0.85
}`

func TestSynthesize_FirstAttemptSucceeds(t *testing.T) {
	primary := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, 0.01, 900)
	}}
	fallback := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		t.Error("fallback should not be called")
		return nil
	}}
	a := NewArbiter(
		map[string]Caller{"openai": primary, "anthropic": fallback},
		ArbiterSpec{Provider: "openai", Model: "gpt-4o"},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	out := a.Synthesize(context.Background(), "q", nil, 2, nil)

	assert.False(t, out.ArbiterFailed)
	require.NotNil(t, out.FinalAnswer)
	assert.Equal(t, "The synthesized answer.", *out.FinalAnswer)
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, "arb-model", out.Model)
	assert.Equal(t, []string{"both agree on x"}, out.Agreements)
	require.NotNil(t, out.OverallConfidence)
	assert.InDelta(t, 0.85, *out.OverallConfidence, 1e-9)
	assert.Equal(t, int64(900), out.LatencyMS)
	require.NotNil(t, out.CostUSD)
	assert.InDelta(t, 0.01, *out.CostUSD, 1e-9)

	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, "gpt-4o", primary.gotOpts[0].Model)
}

func TestSynthesize_FallsBackAfterPrimaryFailures(t *testing.T) {
	primary := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		a := failedAnswer(model.ErrServer)
		a.LatencyMS = 100
		return a
	}}
	fallback := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, 0.02, 700)
	}}
	a := NewArbiter(
		map[string]Caller{"openai": primary, "anthropic": fallback},
		ArbiterSpec{Provider: "openai", Model: "gpt-4o"},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	out := a.Synthesize(context.Background(), "q", nil, 1, nil)

	assert.Equal(t, 2, primary.calls)
	assert.Equal(t, 1, fallback.calls)
	assert.False(t, out.ArbiterFailed)
	assert.Equal(t, "anthropic", out.Provider)

	// Latency accumulates across the whole chain.
	assert.Equal(t, int64(100+100+700), out.LatencyMS)
	require.NotNil(t, out.CostUSD)
	assert.InDelta(t, 0.02, *out.CostUSD, 1e-9)
}

func TestSynthesize_OverrideReplacesPrimary(t *testing.T) {
	openai := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		t.Error("process default should not be called when overridden")
		return nil
	}}
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, 0, 10)
	}}
	a := NewArbiter(
		map[string]Caller{"openai": openai, "gemini": gemini},
		ArbiterSpec{Provider: "openai", Model: "gpt-4o"},
		ArbiterSpec{Provider: "gemini", Model: "gemini-2.0-flash"},
	)

	out := a.Synthesize(context.Background(), "q", nil, 1, &ArbiterSpec{Provider: "gemini", Model: "gemini-2.5-pro"})

	assert.False(t, out.ArbiterFailed)
	assert.Equal(t, "gemini", out.Provider)
	assert.Equal(t, "gemini-2.5-pro", gemini.gotOpts[0].Model)
}

func TestSynthesize_MissingFinalAnswerIsFailure(t *testing.T) {
	primary := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(`{"agreements":["x"],"overall_confidence":0.9}`, 0, 50)
	}}
	a := NewArbiter(
		map[string]Caller{"openai": primary},
		ArbiterSpec{Provider: "openai", Model: "gpt-4o"},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	out := a.Synthesize(context.Background(), "q", nil, 1, nil)

	assert.True(t, out.ArbiterFailed)
	assert.Nil(t, out.FinalAnswer)
	assert.Equal(t, 2, primary.calls)
}

func TestSynthesize_AllAttemptsFail(t *testing.T) {
	primary := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return failedAnswer(model.ErrTimeout)
	}}
	fallback := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		return failedAnswer(model.ErrServer)
	}}
	a := NewArbiter(
		map[string]Caller{"openai": primary, "anthropic": fallback},
		ArbiterSpec{Provider: "openai", Model: "gpt-4o"},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	out := a.Synthesize(context.Background(), "q", nil, 2, nil)

	assert.True(t, out.ArbiterFailed)
	assert.Nil(t, out.FinalAnswer)
	// A failed output keeps the primary spec's identity.
	assert.Equal(t, "openai", out.Provider)
	assert.Equal(t, "gpt-4o", out.Model)
	assert.Nil(t, out.CostUSD)
}

func TestSynthesize_UnknownProviderSkipped(t *testing.T) {
	fallback := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, 0, 10)
	}}
	a := NewArbiter(
		map[string]Caller{"anthropic": fallback},
		ArbiterSpec{Provider: "openai", Model: "gpt-4o"},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	)

	out := a.Synthesize(context.Background(), "q", nil, 1, nil)

	assert.False(t, out.ArbiterFailed)
	assert.Equal(t, "anthropic", out.Provider)
	assert.Equal(t, 1, fallback.calls)
}

func TestParseArbiterPayload_FencedAndRepaired(t *testing.T) {
	t.Parallel()

	t.Run("fenced block", func(t *testing.T) {
		t.Parallel()
		text := "Here is my synthesis:\n```json\n{\"final_answer\":\"ok\"}\n```"
		p, ok := parseArbiterPayload(text)
		require.True(t, ok)
		require.NotNil(t, p.FinalAnswer)
		assert.Equal(t, "ok", *p.FinalAnswer)
	})

	t.Run("trailing comma repaired", func(t *testing.T) {
		t.Parallel()
		p, ok := parseArbiterPayload(`{"final_answer":"ok","agreements":["a",],}`)
		require.True(t, ok)
		require.NotNil(t, p.FinalAnswer)
		assert.Equal(t, "ok", *p.FinalAnswer)
	})

	t.Run("prose fails", func(t *testing.T) {
		t.Parallel()
		_, ok := parseArbiterPayload("I could not synthesize an answer.")
		assert.False(t, ok)
	})
}

func TestBestAnswer(t *testing.T) {
	t.Parallel()

	t.Run("highest confidence wins", func(t *testing.T) {
		t.Parallel()
		answers := []model.ProviderAnswer{
			{Provider: "openai", Confidence: conf(0.7)},
			{Provider: "gemini", Confidence: conf(0.9)},
			{Provider: "anthropic", Confidence: conf(0.8)},
		}
		best := BestAnswer(answers)
		require.NotNil(t, best)
		assert.Equal(t, "gemini", best.Provider)
	})

	t.Run("ties keep the first", func(t *testing.T) {
		t.Parallel()
		answers := []model.ProviderAnswer{
			{Provider: "openai", Confidence: conf(0.8)},
			{Provider: "gemini", Confidence: conf(0.8)},
		}
		best := BestAnswer(answers)
		require.NotNil(t, best)
		assert.Equal(t, "openai", best.Provider)
	})

	t.Run("no confidences falls back to first", func(t *testing.T) {
		t.Parallel()
		answers := []model.ProviderAnswer{
			{Provider: "openai"},
			{Provider: "gemini"},
		}
		best := BestAnswer(answers)
		require.NotNil(t, best)
		assert.Equal(t, "openai", best.Provider)
	})

	t.Run("empty returns nil", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, BestAnswer(nil))
	})

	t.Run("nil confidences are skipped", func(t *testing.T) {
		t.Parallel()
		answers := []model.ProviderAnswer{
			{Provider: "openai"},
			{Provider: "gemini", Confidence: conf(0.2)},
		}
		best := BestAnswer(answers)
		require.NotNil(t, best)
		assert.Equal(t, "gemini", best.Provider)
	})
}
