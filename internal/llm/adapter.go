package llm

import "context"

// CompletionRequest is the provider-independent completion input. The
// prompt already carries any system framing; adapters map it to each
// provider's wire shape.
type CompletionRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completion is the provider-independent completion result.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	StopReason   string
	Raw          string
}

// Adapter performs a single completion against one provider. Failures
// are reported as *model.CallError so callers can apply uniform retry
// and billing policy.
type Adapter interface {
	Provider() Provider
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}
