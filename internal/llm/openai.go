package llm

import (
	"context"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/pkg/openai"
)

// OpenAIAdapter maps completion requests onto the chat completions API.
type OpenAIAdapter struct {
	client openai.Client
}

// NewOpenAIAdapter wraps an OpenAI client.
func NewOpenAIAdapter(client openai.Client) *OpenAIAdapter {
	return &OpenAIAdapter{client: client}
}

func (a *OpenAIAdapter) Provider() Provider { return OpenAI }

func (a *OpenAIAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	temp := req.Temperature
	maxTokens := req.MaxTokens
	resp, err := a.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          req.Model,
		Messages:       []openai.Message{{Role: "user", Content: req.Prompt}},
		ResponseFormat: openai.JSONObjectFormat(),
		Temperature:    &temp,
		MaxTokens:      &maxTokens,
	})
	if err != nil {
		return nil, ClassifyError(OpenAI, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &model.CallError{Kind: model.ErrParse, Message: "openai: response has no choices"}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, &model.CallError{Kind: model.ErrSafetyBlock, Message: "openai: completion blocked by content filter"}
	}

	mdl := resp.Model
	if mdl == "" {
		mdl = req.Model
	}
	return &Completion{
		Text:         choice.Message.Content,
		Model:        mdl,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		StopReason:   choice.FinishReason,
		Raw:          string(resp.Raw),
	}, nil
}
