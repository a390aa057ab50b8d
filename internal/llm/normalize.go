package llm

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/dredd-labs/modelmarket/internal/cost"
	"github.com/dredd-labs/modelmarket/internal/model"
)

// AnswerPayload is the JSON contract each provider is prompted to
// return for a market round.
type AnswerPayload struct {
	Answer      string           `json:"answer"`
	Confidence  *float64         `json:"confidence"`
	KeyClaims   []string         `json:"key_claims"`
	Assumptions []string         `json:"assumptions"`
	Citations   []model.Citation `json:"citations"`
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// ParseAnswerPayload decodes the model's answer JSON. Recovery order on
// a failed direct parse: first fenced json code block, then repair of
// common model JSON defects (trailing commas, comments, single quotes).
// The boolean reports whether any stage produced a valid payload.
func ParseAnswerPayload(text string) (*AnswerPayload, bool) {
	candidates := []string{text}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, c := range candidates {
		var p AnswerPayload
		if err := json.Unmarshal([]byte(c), &p); err == nil && p.Answer != "" {
			return &p, true
		}
	}
	for _, c := range candidates {
		repaired, err := jsonrepair.JSONRepair(c)
		if err != nil {
			continue
		}
		var p AnswerPayload
		if err := json.Unmarshal([]byte(repaired), &p); err == nil && p.Answer != "" {
			return &p, true
		}
	}
	return nil, false
}

// Normalizer converts raw completions into persistable provider
// answers: payload parse, confidence clamp, cost stamping, and debug
// raw retention.
type Normalizer struct {
	calc  *cost.Calculator
	debug bool
}

// NewNormalizer creates a Normalizer. In debug mode the raw provider
// response body is kept on the answer.
func NewNormalizer(calc *cost.Calculator, debug bool) *Normalizer {
	return &Normalizer{calc: calc, debug: debug}
}

// Normalize builds a ProviderAnswer from a completed call. Latency is
// stamped later by the provider client, which owns the call clock.
func (n *Normalizer) Normalize(p Provider, requestedModel string, comp *Completion) *model.ProviderAnswer {
	ans := &model.ProviderAnswer{
		ID:        uuid.NewString(),
		Provider:  p.String(),
		Model:     comp.Model,
		CreatedAt: time.Now().UTC(),
	}
	if ans.Model == "" {
		ans.Model = requestedModel
	}

	ans.Usage = model.Usage{
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		TotalTokens:  comp.TotalTokens,
	}
	ans.Usage.CostUSD = n.calc.Completion(ans.Model, comp.InputTokens, comp.OutputTokens)

	if n.debug {
		ans.RawResponse = comp.Raw
	}

	payload, ok := ParseAnswerPayload(comp.Text)
	if !ok {
		ans.Status = model.AnswerStatusParseError
		ans.Answer = comp.Text
		ans.Error = &model.CallError{
			Kind:    model.ErrParse,
			Message: p.String() + ": response is not valid answer JSON",
		}
		return ans
	}

	ans.Status = model.AnswerStatusOK
	ans.Answer = payload.Answer
	ans.Confidence = model.ClampConfidence(payload.Confidence)
	ans.KeyClaims = payload.KeyClaims
	ans.Assumptions = payload.Assumptions
	ans.Citations = payload.Citations
	return ans
}
