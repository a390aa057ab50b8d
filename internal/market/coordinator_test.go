package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/store"
)

// fakeStore is an in-memory Store for coordinator tests.
type fakeStore struct {
	thread *model.Thread

	createRunErr     error
	insertAnswerErr  error
	insertArbiterErr error

	runs      map[string]*model.Run
	answers   []model.ProviderAnswer
	outputs   map[string]*model.ArbiterOutput
	finalized map[string]store.RunTotals
	statuses  map[string]model.RunStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		thread:    &model.Thread{ID: "thread-1", ChatID: 42},
		runs:      map[string]*model.Run{},
		outputs:   map[string]*model.ArbiterOutput{},
		finalized: map[string]store.RunTotals{},
		statuses:  map[string]model.RunStatus{},
	}
}

func (s *fakeStore) GetOrCreateThread(_ context.Context, chatID int64) (*model.Thread, error) {
	s.thread.ChatID = chatID
	return s.thread, nil
}

func (s *fakeStore) SetThreadArbiter(context.Context, string, *string, *string) error { return nil }

func (s *fakeStore) CreateRun(_ context.Context, threadID, question string) (*model.Run, error) {
	if s.createRunErr != nil {
		return nil, s.createRunErr
	}
	r := &model.Run{ID: "run-1", ThreadID: threadID, Question: question, Status: model.RunStatusInProgress}
	s.runs[r.ID] = r
	return r, nil
}

func (s *fakeStore) FinalizeRun(_ context.Context, runID string, status model.RunStatus, totals store.RunTotals) error {
	if _, done := s.finalized[runID]; done {
		return store.ErrRunFinalized
	}
	s.finalized[runID] = totals
	s.statuses[runID] = status
	r := s.runs[runID]
	r.Status = status
	r.RoundsCompleted = totals.RoundsCompleted
	r.ConvergenceAchieved = totals.ConvergenceAchieved
	r.TotalLatencyMS = totals.TotalLatencyMS
	r.TotalCostUSD = totals.TotalCostUSD
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.Answers = append([]model.ProviderAnswer(nil), s.answers...)
	cp.Arbiter = s.outputs[runID]
	return &cp, nil
}

func (s *fakeStore) ListRuns(context.Context, store.RunFilter) ([]model.Run, error) { return nil, nil }

func (s *fakeStore) InsertAnswer(_ context.Context, ans *model.ProviderAnswer) error {
	if s.insertAnswerErr != nil {
		return s.insertAnswerErr
	}
	s.answers = append(s.answers, *ans)
	return nil
}

func (s *fakeStore) ListAnswers(context.Context, string) ([]model.ProviderAnswer, error) {
	return append([]model.ProviderAnswer(nil), s.answers...), nil
}

func (s *fakeStore) InsertArbiterOutput(_ context.Context, out *model.ArbiterOutput) error {
	if s.insertArbiterErr != nil {
		return s.insertArbiterErr
	}
	s.outputs[out.RunID] = out
	return nil
}

func (s *fakeStore) GetArbiterOutput(_ context.Context, runID string) (*model.ArbiterOutput, error) {
	out, ok := s.outputs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (s *fakeStore) Migrate(context.Context) error { return nil }
func (s *fakeStore) Close() error                  { return nil }

func marketAnswer(confidence, costUSD float64, claims ...string) *model.ProviderAnswer {
	return &model.ProviderAnswer{
		Status:     model.AnswerStatusOK,
		Answer:     "an answer",
		Confidence: conf(confidence),
		KeyClaims:  claims,
		Usage:      model.Usage{CostUSD: &costUSD},
	}
}

func okArbiterCaller(provider string, costUSD float64) *fakeCaller {
	return &fakeCaller{provider: provider, fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, costUSD, 50)
	}}
}

func newTestMarket(st store.Store, callers map[string]*fakeCaller, order []string, arb *Arbiter, opts Options) *Market {
	clients := make(map[string]Caller, len(callers))
	for tag, c := range callers {
		clients[tag] = c
	}
	return NewMarket(st, clients, order, NewDetector(0.1, 0.7), arb, opts)
}

func defaultArbiter(arbCaller *fakeCaller) *Arbiter {
	return NewArbiter(
		map[string]Caller{arbCaller.provider: arbCaller},
		ArbiterSpec{Provider: arbCaller.provider, Model: "arb-model"},
		ArbiterSpec{Provider: arbCaller.provider, Model: "arb-fallback"},
	)
}

func TestMarketRun_TwoRoundsThenSynthesis(t *testing.T) {
	st := newFakeStore()
	openai := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.8, 0.01, "x is true")
	}}
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0.01, "y is true")
	}}
	arbCaller := okArbiterCaller("anthropic", 0.005)
	m := newTestMarket(st,
		map[string]*fakeCaller{"openai": openai, "gemini": gemini},
		[]string{"openai", "gemini"},
		defaultArbiter(arbCaller),
		Options{MaxRounds: 2},
	)

	base := time.Unix(1700000000, 0)
	var step int
	m.nowFunc = func() time.Time {
		step++
		return base.Add(time.Duration(step) * 250 * time.Millisecond)
	}

	run, err := m.Run(context.Background(), 42, "What causes tides?", RunOptions{})
	require.NoError(t, err)

	// Disjoint claims never converge, so the loop runs to the cap.
	assert.Equal(t, 2, openai.calls)
	assert.Equal(t, 2, gemini.calls)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.RoundsCompleted)
	assert.False(t, run.ConvergenceAchieved)
	assert.Equal(t, int64(250), run.TotalLatencyMS)
	assert.InDelta(t, 4*0.01+0.005, run.TotalCostUSD, 1e-9)

	require.Len(t, run.Answers, 4)
	for _, a := range run.Answers {
		assert.Equal(t, "run-1", a.RunID)
	}
	assert.Equal(t, 1, run.Answers[0].Round)
	assert.Equal(t, 1, run.Answers[1].Round)
	assert.Equal(t, 2, run.Answers[2].Round)
	assert.Equal(t, 2, run.Answers[3].Round)

	require.NotNil(t, run.Arbiter)
	assert.False(t, run.Arbiter.ArbiterFailed)
	assert.Equal(t, "run-1", run.Arbiter.RunID)

	// Round one asks the question cold; round two revises against peers.
	require.Len(t, openai.gotPrompts, 2)
	assert.Contains(t, openai.gotPrompts[0], "Question: What causes tides?")
	assert.Contains(t, openai.gotPrompts[1], "round 2")
	assert.Contains(t, openai.gotPrompts[1], "--- gemini")
	assert.NotContains(t, openai.gotPrompts[1], "--- openai")
}

func TestMarketRun_ConvergenceStopsEarly(t *testing.T) {
	st := newFakeStore()
	openai := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.85, 0.01, "x is true")
	}}
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0.01, "x is true")
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"openai": openai, "gemini": gemini},
		[]string{"openai", "gemini"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{MaxRounds: 3},
	)

	run, err := m.Run(context.Background(), 42, "q", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, openai.calls)
	assert.Equal(t, 1, gemini.calls)
	assert.Equal(t, 1, run.RoundsCompleted)
	assert.True(t, run.ConvergenceAchieved)
	assert.Len(t, run.Answers, 2)
}

func TestMarketRun_NoProvidersEnabled(t *testing.T) {
	st := newFakeStore()
	m := newTestMarket(st, nil, nil, defaultArbiter(okArbiterCaller("anthropic", 0)), Options{})

	_, err := m.Run(context.Background(), 42, "q", RunOptions{})

	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, model.RunStatusFailed, st.statuses["run-1"])
	assert.Equal(t, 0, st.finalized["run-1"].RoundsCompleted)
}

func TestMarketRun_RoundWithNoUsableAnswers(t *testing.T) {
	st := newFakeStore()
	openai := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return failedAnswer(model.ErrServer)
	}}
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return failedAnswer(model.ErrTimeout)
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"openai": openai, "gemini": gemini},
		[]string{"openai", "gemini"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{MaxRounds: 2},
	)

	_, err := m.Run(context.Background(), 42, "q", RunOptions{})

	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, model.RunStatusFailed, st.statuses["run-1"])

	// The failed answers are still recorded for the audit trail.
	assert.Len(t, st.answers, 2)
	assert.Equal(t, 1, st.finalized["run-1"].RoundsCompleted)
}

func TestMarketRun_PartialFailureTolerated(t *testing.T) {
	st := newFakeStore()
	openai := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return failedAnswer(model.ErrServer)
	}}
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0.01, "x is true")
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"openai": openai, "gemini": gemini},
		[]string{"openai", "gemini"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{MaxRounds: 1},
	)

	run, err := m.Run(context.Background(), 42, "q", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Len(t, run.Answers, 2)
}

func TestMarketRun_ArbiterFailureIsData(t *testing.T) {
	st := newFakeStore()
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0.01, "x is true")
	}}
	arbCaller := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		return failedAnswer(model.ErrServer)
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"gemini": gemini},
		[]string{"gemini"},
		defaultArbiter(arbCaller),
		Options{MaxRounds: 1},
	)

	run, err := m.Run(context.Background(), 42, "q", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Arbiter)
	assert.True(t, run.Arbiter.ArbiterFailed)
	assert.Nil(t, run.Arbiter.FinalAnswer)
}

func TestMarketRun_AnswerPersistFailureIsFatal(t *testing.T) {
	st := newFakeStore()
	st.insertAnswerErr = assert.AnError
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0.01, "x is true")
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"gemini": gemini},
		[]string{"gemini"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{MaxRounds: 1},
	)

	_, err := m.Run(context.Background(), 42, "q", RunOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist answer")
	assert.Equal(t, model.RunStatusFailed, st.statuses["run-1"])
}

func TestMarketRun_ArbiterPersistFailureIsFatal(t *testing.T) {
	st := newFakeStore()
	st.insertArbiterErr = assert.AnError
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0.01, "x is true")
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"gemini": gemini},
		[]string{"gemini"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{MaxRounds: 1},
	)

	_, err := m.Run(context.Background(), 42, "q", RunOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist arbiter output")
	assert.Equal(t, model.RunStatusFailed, st.statuses["run-1"])
}

func TestMarketRun_ThreadOverrideSelectsArbiter(t *testing.T) {
	st := newFakeStore()
	prov, mdl := "gemini", "gemini-2.5-pro"
	st.thread.ArbiterProvider = &prov
	st.thread.ArbiterModel = &mdl

	caller := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0, "x")
	}}
	arbDefault := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		t.Error("process default arbiter should not be called")
		return nil
	}}
	arbOverride := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, 0, 10)
	}}
	arb := NewArbiter(
		map[string]Caller{"anthropic": arbDefault, "gemini": arbOverride},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
		ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-haiku"},
	)
	m := newTestMarket(st, map[string]*fakeCaller{"openai": caller}, []string{"openai"}, arb, Options{MaxRounds: 1})

	run, err := m.Run(context.Background(), 42, "q", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, arbOverride.calls)
	assert.Equal(t, "gemini-2.5-pro", arbOverride.gotOpts[0].Model)
	require.NotNil(t, run.Arbiter)
	assert.Equal(t, "gemini", run.Arbiter.Provider)
}

func TestMarketRun_RunOptionsArbiterBeatsThread(t *testing.T) {
	st := newFakeStore()
	prov := "gemini"
	st.thread.ArbiterProvider = &prov

	caller := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0, "x")
	}}
	threadArb := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		t.Error("thread override should lose to the per-run override")
		return nil
	}}
	runArb := &fakeCaller{provider: "anthropic", fn: func(int) *model.ProviderAnswer {
		return usableArbiterAnswer(arbiterJSON, 0, 10)
	}}
	arb := NewArbiter(
		map[string]Caller{"gemini": threadArb, "anthropic": runArb},
		ArbiterSpec{Provider: "gemini", Model: "gemini-2.0-flash"},
		ArbiterSpec{Provider: "gemini", Model: "gemini-1.5-pro"},
	)
	m := newTestMarket(st, map[string]*fakeCaller{"openai": caller}, []string{"openai"}, arb, Options{MaxRounds: 1})

	run, err := m.Run(context.Background(), 42, "q", RunOptions{
		Arbiter: &ArbiterSpec{Provider: "anthropic", Model: "claude-3-5-sonnet"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, runArb.calls)
	assert.Equal(t, "claude-3-5-sonnet", runArb.gotOpts[0].Model)
	assert.Equal(t, "anthropic", run.Arbiter.Provider)
}

func TestMarketRun_MaxRoundsOverride(t *testing.T) {
	st := newFakeStore()
	openai := &fakeCaller{provider: "openai", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.5, 0, "a")
	}}
	gemini := &fakeCaller{provider: "gemini", fn: func(int) *model.ProviderAnswer {
		return marketAnswer(0.9, 0, "b")
	}}
	m := newTestMarket(st,
		map[string]*fakeCaller{"openai": openai, "gemini": gemini},
		[]string{"openai", "gemini"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{MaxRounds: 3},
	)

	run, err := m.Run(context.Background(), 42, "q", RunOptions{MaxRounds: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, run.RoundsCompleted)
	assert.Equal(t, 1, openai.calls)
}

func TestMarket_Inspect(t *testing.T) {
	openai := &fakeCaller{provider: "openai"}
	gemini := &fakeCaller{provider: "gemini"}
	m := newTestMarket(newFakeStore(),
		map[string]*fakeCaller{"openai": openai, "gemini": gemini},
		[]string{"gemini", "openai"},
		defaultArbiter(okArbiterCaller("anthropic", 0)),
		Options{},
	)

	health := m.Inspect()
	require.Len(t, health, 2)
	assert.Equal(t, "gemini", health[0].Provider)
	assert.Equal(t, "openai", health[1].Provider)
}
