package llm

import (
	"context"
	"strings"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/pkg/anthropic"
)

// AnthropicAdapter maps completion requests onto the messages API.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter wraps an Anthropic client.
func NewAnthropicAdapter(client anthropic.Client) *AnthropicAdapter {
	return &AnthropicAdapter{client: client}
}

func (a *AnthropicAdapter) Provider() Provider { return Anthropic }

func (a *AnthropicAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	temp := req.Temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, ClassifyError(Anthropic, err)
	}

	switch resp.StopReason {
	case "content_filter", "safety", "refusal":
		return nil, &model.CallError{Kind: model.ErrSafetyBlock, Message: "anthropic: completion blocked: " + resp.StopReason}
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return nil, &model.CallError{Kind: model.ErrParse, Message: "anthropic: response has no text content"}
	}

	mdl := resp.Model
	if mdl == "" {
		mdl = req.Model
	}
	in := int(resp.Usage.InputTokens)
	out := int(resp.Usage.OutputTokens)
	return &Completion{
		Text:         text,
		Model:        mdl,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		StopReason:   resp.StopReason,
	}, nil
}
