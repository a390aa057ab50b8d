package market

import (
	"regexp"
	"strings"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// Disagreement is one contested topic surfaced for the next round.
type Disagreement struct {
	Topic  string                `json:"topic"`
	Claims []model.ConflictClaim `json:"claims"`
}

// Evaluation is the convergence verdict for one round of answers.
type Evaluation struct {
	Converged       bool           `json:"converged"`
	ConfidenceDelta float64        `json:"confidence_delta"`
	ClaimOverlap    float64        `json:"claim_overlap"`
	Disagreements   []Disagreement `json:"disagreements,omitempty"`
}

// Detector decides whether a round of answers has converged. Stateless.
type Detector struct {
	confidenceThreshold float64
	overlapThreshold    float64
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(confidenceThreshold, overlapThreshold float64) *Detector {
	return &Detector{
		confidenceThreshold: confidenceThreshold,
		overlapThreshold:    overlapThreshold,
	}
}

// Evaluate scores one round. Converged means the confidence spread is
// within the delta threshold and the average pairwise claim overlap
// meets the overlap threshold.
func (d *Detector) Evaluate(answers []model.ProviderAnswer) Evaluation {
	delta := ConfidenceDelta(answers)
	overlap := ClaimOverlap(answers)
	return Evaluation{
		Converged:       delta <= d.confidenceThreshold && overlap >= d.overlapThreshold,
		ConfidenceDelta: delta,
		ClaimOverlap:    overlap,
		Disagreements:   Disagreements(answers),
	}
}

// ConfidenceDelta is max minus min over the non-nil confidences. No
// values yields 1.0 (maximum uncertainty); a single value yields 0.0.
func ConfidenceDelta(answers []model.ProviderAnswer) float64 {
	var vals []float64
	for _, a := range answers {
		if a.Confidence != nil {
			vals = append(vals, *a.Confidence)
		}
	}
	switch len(vals) {
	case 0:
		return 1.0
	case 1:
		return 0.0
	}
	minV, maxV := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return maxV - minV
}

// ClaimOverlap averages the Jaccard similarity of normalized claim sets
// over every ordered pair of answers that carry claims. No claim sets
// yields 0.0; a single set yields 1.0.
func ClaimOverlap(answers []model.ProviderAnswer) float64 {
	var sets []map[string]struct{}
	for _, a := range answers {
		if len(a.KeyClaims) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(a.KeyClaims))
		for _, c := range a.KeyClaims {
			set[normalizeClaim(c)] = struct{}{}
		}
		sets = append(sets, set)
	}
	switch len(sets) {
	case 0:
		return 0.0
	case 1:
		return 1.0
	}

	var sum float64
	var pairs int
	for i := range sets {
		for j := range sets {
			if i == j {
				continue
			}
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func jaccard(a, b map[string]struct{}) float64 {
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

const maxDisagreements = 5

// Disagreements buckets every claim by its normalized form and keeps
// buckets where two or more providers hold claims whose normalized
// forms differ within the bucket, capped at five topics. Grouping and
// comparison both use the normalized claim, so in practice the filter
// passes only degenerate inputs; the permissive behavior is kept so
// revision prompts match the recorded history.
func Disagreements(answers []model.ProviderAnswer) []Disagreement {
	type entry struct {
		provider   string
		claim      string
		normalized string
	}
	buckets := make(map[string][]entry)
	var order []string
	for _, a := range answers {
		for _, c := range a.KeyClaims {
			norm := normalizeClaim(c)
			if _, seen := buckets[norm]; !seen {
				order = append(order, norm)
			}
			buckets[norm] = append(buckets[norm], entry{
				provider:   a.Provider,
				claim:      c,
				normalized: norm,
			})
		}
	}

	var out []Disagreement
	for _, topic := range order {
		entries := buckets[topic]
		providers := make(map[string]struct{})
		forms := make(map[string]struct{})
		for _, e := range entries {
			providers[e.provider] = struct{}{}
			forms[e.normalized] = struct{}{}
		}
		if len(providers) < 2 || len(forms) < 2 {
			continue
		}
		d := Disagreement{Topic: topic}
		for _, e := range entries {
			d.Claims = append(d.Claims, model.ConflictClaim{
				Provider: e.provider,
				Claim:    e.claim,
			})
		}
		out = append(out, d)
		if len(out) == maxDisagreements {
			break
		}
	}
	return out
}

var nonClaimChars = regexp.MustCompile(`[^\w\s]+`)

// normalizeClaim lowercases, strips everything outside word characters
// and whitespace, and trims.
func normalizeClaim(s string) string {
	return strings.TrimSpace(nonClaimChars.ReplaceAllString(strings.ToLower(s), ""))
}
