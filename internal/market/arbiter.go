package market

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// ArbiterSpec names the provider and model used for synthesis.
type ArbiterSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Arbiter runs the synthesis chain: primary spec, primary again, then
// the fallback spec.
type Arbiter struct {
	clients  map[string]Caller
	primary  ArbiterSpec
	fallback ArbiterSpec
}

// NewArbiter creates an arbiter over the given clients. primary is the
// process default, overridable per call; fallback serves the chain's
// third attempt.
func NewArbiter(clients map[string]Caller, primary, fallback ArbiterSpec) *Arbiter {
	return &Arbiter{clients: clients, primary: primary, fallback: fallback}
}

// arbiterPayload is the JSON contract the arbiter model returns.
type arbiterPayload struct {
	FinalAnswer       *string            `json:"final_answer"`
	Agreements        []string           `json:"agreements"`
	Conflicts         model.ConflictList `json:"conflicts"`
	FactTable         model.FactTable    `json:"fact_table"`
	NextQuestions     []string           `json:"next_questions"`
	OverallConfidence *float64           `json:"overall_confidence"`
}

// Synthesize runs the fallback chain over the final-round answers and
// always returns an output. When every attempt fails the output has
// ArbiterFailed set and a null FinalAnswer; callers fall back to
// BestAnswer for presentation. Attempt latency and cost accumulate
// across the chain so run totals account for failed attempts too.
func (a *Arbiter) Synthesize(ctx context.Context, question string, answers []model.ProviderAnswer, rounds int, override *ArbiterSpec) *model.ArbiterOutput {
	primary := a.primary
	if override != nil && override.Provider != "" {
		primary = *override
	}
	attempts := []ArbiterSpec{primary, primary, a.fallback}

	prompt := ArbiterPrompt(question, answers, rounds)

	var totalLatency int64
	var totalCost float64
	var anyCost bool

	for i, spec := range attempts {
		client, ok := a.clients[spec.Provider]
		if !ok {
			zap.L().Warn("arbiter provider not available",
				zap.String("provider", spec.Provider),
				zap.Int("attempt", i+1),
			)
			continue
		}

		ans := client.Call(ctx, prompt, CallOptions{Model: spec.Model})
		totalLatency += ans.LatencyMS
		if ans.Usage.CostUSD != nil {
			totalCost += *ans.Usage.CostUSD
			anyCost = true
		}

		if !ans.Status.Usable() {
			zap.L().Warn("arbiter call failed",
				zap.String("provider", spec.Provider),
				zap.String("model", spec.Model),
				zap.Int("attempt", i+1),
				zap.String("status", string(ans.Status)),
			)
			continue
		}

		payload, ok := parseArbiterPayload(ans.Answer)
		if !ok || payload.FinalAnswer == nil || *payload.FinalAnswer == "" {
			zap.L().Warn("arbiter response missing final answer",
				zap.String("provider", spec.Provider),
				zap.String("model", spec.Model),
				zap.Int("attempt", i+1),
			)
			continue
		}

		out := &model.ArbiterOutput{
			ID:                uuid.NewString(),
			Provider:          spec.Provider,
			Model:             ans.Model,
			FinalAnswer:       payload.FinalAnswer,
			Agreements:        payload.Agreements,
			Conflicts:         payload.Conflicts,
			FactTable:         payload.FactTable,
			NextQuestions:     payload.NextQuestions,
			OverallConfidence: model.ClampConfidence(payload.OverallConfidence),
			LatencyMS:         totalLatency,
			CreatedAt:         time.Now().UTC(),
		}
		if anyCost {
			out.CostUSD = &totalCost
		}
		return out
	}

	zap.L().Error("arbiter chain exhausted",
		zap.String("primary", primary.Provider+"/"+primary.Model),
		zap.String("fallback", a.fallback.Provider+"/"+a.fallback.Model),
	)
	out := &model.ArbiterOutput{
		ID:            uuid.NewString(),
		Provider:      primary.Provider,
		Model:         primary.Model,
		ArbiterFailed: true,
		LatencyMS:     totalLatency,
		CreatedAt:     time.Now().UTC(),
	}
	if anyCost {
		out.CostUSD = &totalCost
	}
	return out
}

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// parseArbiterPayload decodes the arbiter JSON with the same recovery
// chain used for round answers: direct parse, fenced block, then
// repair.
func parseArbiterPayload(text string) (*arbiterPayload, bool) {
	candidates := []string{text}
	if m := fencedJSONBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, c := range candidates {
		var p arbiterPayload
		if err := json.Unmarshal([]byte(c), &p); err == nil {
			return &p, true
		}
	}
	for _, c := range candidates {
		repaired, err := jsonrepair.JSONRepair(c)
		if err != nil {
			continue
		}
		var p arbiterPayload
		if err := json.Unmarshal([]byte(repaired), &p); err == nil {
			return &p, true
		}
	}
	return nil, false
}

// BestAnswer picks the answer with the highest non-nil confidence,
// keeping the first on ties. With no confidences it returns the first
// answer, or nil when the slice is empty.
func BestAnswer(answers []model.ProviderAnswer) *model.ProviderAnswer {
	var best *model.ProviderAnswer
	for i := range answers {
		a := &answers[i]
		if a.Confidence == nil {
			continue
		}
		if best == nil || *a.Confidence > *best.Confidence {
			best = a
		}
	}
	if best == nil && len(answers) > 0 {
		best = &answers[0]
	}
	return best
}
