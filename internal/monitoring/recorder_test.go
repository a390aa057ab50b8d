package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dredd-labs/modelmarket/internal/model"
)

func TestRecorder_CallOutcome(t *testing.T) {
	t.Parallel()
	r := NewRecorder()

	r.CallOutcome("openai", model.AnswerStatusOK)
	r.CallOutcome("openai", model.AnswerStatusOK)
	r.CallOutcome("openai", model.AnswerStatusError)
	r.CallOutcome("gemini", model.AnswerStatusParseError)

	snap := r.Snapshot()
	require.Contains(t, snap, "openai")
	require.Contains(t, snap, "gemini")
	assert.Equal(t, 2, snap["openai"].Calls[string(model.AnswerStatusOK)])
	assert.Equal(t, 1, snap["openai"].Calls[string(model.AnswerStatusError)])
	assert.Equal(t, 1, snap["gemini"].Calls[string(model.AnswerStatusParseError)])
}

func TestRecorder_CircuitTransitions(t *testing.T) {
	t.Parallel()
	r := NewRecorder()

	r.CircuitTransition("anthropic", "closed", "open")
	r.CircuitTransition("anthropic", "open", "half_open")
	r.CircuitTransition("anthropic", "half_open", "open")
	r.CircuitTransition("anthropic", "open", "closed")

	snap := r.Snapshot()
	assert.Equal(t, 4, snap["anthropic"].CircuitTransitions)
	assert.Equal(t, 2, snap["anthropic"].CircuitOpens)
}

func TestRecorder_SnapshotIsACopy(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	r.CallOutcome("openai", model.AnswerStatusOK)

	snap := r.Snapshot()
	snap["openai"].Calls[string(model.AnswerStatusOK)] = 99

	again := r.Snapshot()
	assert.Equal(t, 1, again["openai"].Calls[string(model.AnswerStatusOK)])
}

func TestRecorder_EmptySnapshot(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	assert.Empty(t, r.Snapshot())
}

func TestRecorder_ConcurrentUse(t *testing.T) {
	t.Parallel()
	r := NewRecorder()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.CallOutcome("openai", model.AnswerStatusOK)
				r.CircuitTransition("openai", "closed", "open")
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, 800, snap["openai"].Calls[string(model.AnswerStatusOK)])
	assert.Equal(t, 800, snap["openai"].CircuitOpens)
}
