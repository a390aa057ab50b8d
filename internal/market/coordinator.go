package market

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/store"
)

// ErrAllProvidersFailed is returned when no provider produced a usable
// answer, either because none are enabled or because an entire round
// failed.
var ErrAllProvidersFailed = eris.New("market: all providers failed")

// taskGrace is added to the provider timeout to bound each fan-out
// task, covering queueing behind an in-flight call on the same client.
const taskGrace = 5 * time.Second

// Options tunes the round loop.
type Options struct {
	MaxRounds      int
	MaxConcurrency int
}

// RunOptions carries per-run overrides.
type RunOptions struct {
	// MaxRounds overrides the configured round cap when positive.
	MaxRounds int
	// Arbiter overrides the arbiter spec, taking precedence over the
	// thread's stored override.
	Arbiter *ArbiterSpec
}

// Market coordinates one run: thread upsert, round loop with bounded
// fan-out, convergence checks, synthesis, and finalization.
type Market struct {
	store    store.Store
	clients  map[string]Caller
	order    []string
	detector *Detector
	arbiter  *Arbiter
	opts     Options

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewMarket assembles the coordinator. order fixes provider iteration
// so prompts, persistence, and evaluation are deterministic.
func NewMarket(st store.Store, clients map[string]Caller, order []string, detector *Detector, arbiter *Arbiter, opts Options) *Market {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 2
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	return &Market{
		store:    st,
		clients:  clients,
		order:    order,
		detector: detector,
		arbiter:  arbiter,
		opts:     opts,
		nowFunc:  time.Now,
	}
}

// Run executes the market for one question. Provider failures inside a
// round are recorded and tolerated; a round with zero usable answers
// fails the run, and persistence errors are fatal.
func (m *Market) Run(ctx context.Context, chatID int64, question string, opts RunOptions) (*model.Run, error) {
	start := m.nowFunc()

	thread, err := m.store.GetOrCreateThread(ctx, chatID)
	if err != nil {
		return nil, eris.Wrap(err, "market: upsert thread")
	}

	override := opts.Arbiter
	if override == nil && thread.ArbiterProvider != nil {
		spec := ArbiterSpec{Provider: *thread.ArbiterProvider}
		if thread.ArbiterModel != nil {
			spec.Model = *thread.ArbiterModel
		}
		override = &spec
	}

	run, err := m.store.CreateRun(ctx, thread.ID, question)
	if err != nil {
		return nil, eris.Wrap(err, "market: create run")
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.Int64("chat_id", chatID))

	if len(m.order) == 0 {
		log.Error("no providers enabled")
		if ferr := m.finalize(ctx, run.ID, model.RunStatusFailed, 0, false, start, nil, nil); ferr != nil {
			return nil, ferr
		}
		return nil, ErrAllProvidersFailed
	}

	maxRounds := m.opts.MaxRounds
	if opts.MaxRounds > 0 {
		maxRounds = opts.MaxRounds
	}

	var all []model.ProviderAnswer
	var successful []model.ProviderAnswer
	var eval Evaluation
	prev := make(map[string]*model.ProviderAnswer)
	round := 1

	for {
		answers := m.fanOut(ctx, question, round, prev, eval.Disagreements)

		for i := range answers {
			answers[i].RunID = run.ID
			answers[i].Round = round
			if err := m.store.InsertAnswer(ctx, &answers[i]); err != nil {
				m.finalizeBestEffort(ctx, run.ID, round-1, false, start, all, nil)
				return nil, eris.Wrap(err, "market: persist answer")
			}
		}
		all = append(all, answers...)

		successful = make([]model.ProviderAnswer, 0, len(answers))
		for _, a := range answers {
			if a.Status.Usable() {
				successful = append(successful, a)
			}
		}
		if len(successful) == 0 {
			log.Error("round produced no usable answers", zap.Int("round", round))
			if ferr := m.finalize(ctx, run.ID, model.RunStatusFailed, round, false, start, all, nil); ferr != nil {
				return nil, ferr
			}
			return nil, ErrAllProvidersFailed
		}

		eval = m.detector.Evaluate(successful)
		log.Info("round evaluated",
			zap.Int("round", round),
			zap.Int("answers", len(successful)),
			zap.Bool("converged", eval.Converged),
			zap.Float64("confidence_delta", eval.ConfidenceDelta),
			zap.Float64("claim_overlap", eval.ClaimOverlap),
		)

		if round >= maxRounds || eval.Converged {
			break
		}

		for k := range prev {
			delete(prev, k)
		}
		for i := range successful {
			prev[successful[i].Provider] = &successful[i]
		}
		round++
	}

	out := m.arbiter.Synthesize(ctx, question, successful, round, override)
	out.RunID = run.ID
	if err := m.store.InsertArbiterOutput(ctx, out); err != nil {
		m.finalizeBestEffort(ctx, run.ID, round, eval.Converged, start, all, out)
		return nil, eris.Wrap(err, "market: persist arbiter output")
	}

	if err := m.finalize(ctx, run.ID, model.RunStatusCompleted, round, eval.Converged, start, all, out); err != nil {
		return nil, err
	}

	final, err := m.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "market: reload run")
	}
	return final, nil
}

// Inspect reports health for every client, in stable provider order.
func (m *Market) Inspect() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(m.order))
	for _, tag := range m.order {
		out = append(out, m.clients[tag].Inspect())
	}
	return out
}

// fanOut calls every provider concurrently, bounded by the concurrency
// cap, each task with its own deadline. Results come back in provider
// order.
func (m *Market) fanOut(ctx context.Context, question string, round int, prev map[string]*model.ProviderAnswer, disagreements []Disagreement) []model.ProviderAnswer {
	results := make([]*model.ProviderAnswer, len(m.order))

	var g errgroup.Group
	g.SetLimit(m.opts.MaxConcurrency)
	for i, tag := range m.order {
		client := m.clients[tag]

		prompt := RoundOnePrompt(question)
		if own := prev[tag]; round > 1 && own != nil {
			prompt = RevisionPrompt(question, round, own, m.peersOf(tag, prev), disagreements)
		}

		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, client.Timeout()+taskGrace)
			defer cancel()
			results[i] = client.Call(cctx, prompt, CallOptions{})
			return nil
		})
	}
	g.Wait()

	answers := make([]model.ProviderAnswer, 0, len(results))
	for _, r := range results {
		if r != nil {
			answers = append(answers, *r)
		}
	}
	return answers
}

// peersOf returns the previous-round answers of every provider except
// tag, in stable provider order.
func (m *Market) peersOf(tag string, prev map[string]*model.ProviderAnswer) []model.ProviderAnswer {
	var peers []model.ProviderAnswer
	for _, other := range m.order {
		if other == tag {
			continue
		}
		if a := prev[other]; a != nil {
			peers = append(peers, *a)
		}
	}
	return peers
}

func (m *Market) finalize(ctx context.Context, runID string, status model.RunStatus, rounds int, converged bool, start time.Time, answers []model.ProviderAnswer, out *model.ArbiterOutput) error {
	var cost float64
	for i := range answers {
		cost += answers[i].CostOrZero()
	}
	cost += out.CostOrZero()

	totals := store.RunTotals{
		RoundsCompleted:     rounds,
		ConvergenceAchieved: converged,
		TotalLatencyMS:      m.nowFunc().Sub(start).Milliseconds(),
		TotalCostUSD:        cost,
	}
	if err := m.store.FinalizeRun(ctx, runID, status, totals); err != nil {
		return eris.Wrap(err, "market: finalize run")
	}
	return nil
}

// finalizeBestEffort marks the run failed after a fatal persistence
// error. The original error is what surfaces, so this one is only
// logged.
func (m *Market) finalizeBestEffort(ctx context.Context, runID string, rounds int, converged bool, start time.Time, answers []model.ProviderAnswer, out *model.ArbiterOutput) {
	if err := m.finalize(ctx, runID, model.RunStatusFailed, rounds, converged, start, answers, out); err != nil {
		zap.L().Error("failed to finalize run after persistence error",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}
