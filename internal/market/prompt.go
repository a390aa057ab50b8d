package market

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// maxPeerAnswerBytes bounds the peer answer excerpt in revision prompts
// so prompts stay within provider input budgets.
const maxPeerAnswerBytes = 1500

const answerContract = `Respond with a single JSON object and nothing else:
{
  "answer": "<your full answer>",
  "confidence": <number between 0 and 1>,
  "key_claims": ["<short factual assertion>", ...],
  "assumptions": ["<assumption you made>", ...],
  "citations": [{"title": "<source title or null>", "url": "<source url or null>"}, ...]
}`

const arbiterContract = `Respond with a single JSON object and nothing else:
{
  "final_answer": "<the synthesized answer>",
  "agreements": ["<point every model agrees on>", ...],
  "conflicts": [{"topic": "<contested topic>", "claims": [{"provider": "<name>", "claim": "<their claim>"}], "resolution": "<your ruling>", "status": "RESOLVED" or "UNRESOLVED", "confidence": <number>}, ...],
  "fact_table": [{"claim": "<fact>", "support": ["<provider>", ...], "confidence": <number>}, ...],
  "next_questions": ["<follow-up worth asking>", ...],
  "overall_confidence": <number between 0 and 1>
}`

// RoundOnePrompt builds the opening prompt sent identically to every
// provider.
func RoundOnePrompt(question string) string {
	var b strings.Builder
	b.WriteString("You are one of several independent models answering the same question. Answer it as accurately and completely as you can.\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(answerContract)
	return b.String()
}

// RevisionPrompt builds a later-round prompt for one provider: its own
// previous answer, truncated excerpts of every peer's previous answer
// with their key claims, and the contested topics from the last round.
func RevisionPrompt(question string, round int, own *model.ProviderAnswer, peers []model.ProviderAnswer, disagreements []Disagreement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is round %d of a multi-model consensus process for the question below. Review the other models' positions, then revise or defend your answer.\n\n", round)
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nYour previous answer:\n")
	b.WriteString(own.Answer)
	if own.Confidence != nil {
		fmt.Fprintf(&b, "\n(confidence %.2f)", *own.Confidence)
	}
	b.WriteString("\n")

	for _, p := range peers {
		fmt.Fprintf(&b, "\n--- %s (%s", p.Provider, p.Model)
		if p.Confidence != nil {
			fmt.Fprintf(&b, ", confidence %.2f", *p.Confidence)
		}
		b.WriteString(") ---\n")
		b.WriteString(truncateBytes(p.Answer, maxPeerAnswerBytes))
		if len(p.KeyClaims) > 0 {
			b.WriteString("\nKey claims: ")
			b.WriteString(strings.Join(p.KeyClaims, "; "))
		}
		b.WriteString("\n")
	}

	if len(disagreements) > 0 {
		b.WriteString("\nContested points from the last round:\n")
		for _, d := range disagreements {
			fmt.Fprintf(&b, "- %s:", d.Topic)
			for _, c := range d.Claims {
				fmt.Fprintf(&b, " [%s] %s;", c.Provider, c.Claim)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(answerContract)
	return b.String()
}

// ArbiterPrompt builds the synthesis prompt from every final-round
// answer.
func ArbiterPrompt(question string, answers []model.ProviderAnswer, rounds int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the arbiter of a multi-model consensus process. %d model(s) answered the question below over %d round(s). Synthesize their positions into one final answer, list their agreements and conflicts, and rule on each conflict.\n\n", len(answers), rounds)
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n")

	for _, a := range answers {
		fmt.Fprintf(&b, "\n--- %s (%s", a.Provider, a.Model)
		if a.Confidence != nil {
			fmt.Fprintf(&b, ", confidence %.2f", *a.Confidence)
		}
		b.WriteString(") ---\n")
		b.WriteString(a.Answer)
		if len(a.KeyClaims) > 0 {
			b.WriteString("\nKey claims: ")
			b.WriteString(strings.Join(a.KeyClaims, "; "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(arbiterContract)
	return b.String()
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
