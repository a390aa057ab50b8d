package llm

import (
	"context"
	"strings"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/pkg/gemini"
)

// blockingFinishReasons are candidate terminations that yield no usable
// answer text. BLOCKLIST and PROHIBITED_CONTENT are newer API values
// that block the same way.
var blockingFinishReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"OTHER":              true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
}

// GeminiAdapter maps completion requests onto the generateContent API.
type GeminiAdapter struct {
	client gemini.Client
}

// NewGeminiAdapter wraps a Gemini client.
func NewGeminiAdapter(client gemini.Client) *GeminiAdapter {
	return &GeminiAdapter{client: client}
}

func (a *GeminiAdapter) Provider() Provider { return Gemini }

func (a *GeminiAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	temp := req.Temperature
	maxTokens := req.MaxTokens
	resp, err := a.client.GenerateContent(ctx, gemini.GenerateContentRequest{
		Model: req.Model,
		Contents: []gemini.Content{
			{Role: "user", Parts: []gemini.Part{{Text: req.Prompt}}},
		},
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:      &temp,
			MaxOutputTokens:  &maxTokens,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return nil, ClassifyError(Gemini, err)
	}

	if len(resp.Candidates) == 0 {
		return nil, &model.CallError{Kind: model.ErrSafetyBlock, Message: "gemini: response has no candidates"}
	}
	cand := resp.Candidates[0]
	if blockingFinishReasons[cand.FinishReason] {
		return nil, &model.CallError{Kind: model.ErrSafetyBlock, Message: "gemini: candidate blocked: " + cand.FinishReason}
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}
	text := sb.String()
	if text == "" {
		return nil, &model.CallError{Kind: model.ErrParse, Message: "gemini: candidate has no text parts"}
	}

	mdl := resp.ModelVersion
	if mdl == "" {
		mdl = req.Model
	}
	var in, out, total int
	if resp.UsageMetadata != nil {
		in = resp.UsageMetadata.PromptTokenCount
		out = resp.UsageMetadata.CandidatesTokenCount
		total = resp.UsageMetadata.TotalTokenCount
	}
	return &Completion{
		Text:         text,
		Model:        mdl,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  total,
		StopReason:   cand.FinishReason,
		Raw:          string(resp.Raw),
	}, nil
}
