package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/pkg/anthropic"
	"github.com/dredd-labs/modelmarket/pkg/gemini"
	"github.com/dredd-labs/modelmarket/pkg/openai"
)

// ClassifyError maps a provider call failure to the market's error
// taxonomy. The taxonomy drives retry policy, so classification is
// conservative: anything unrecognized becomes a non-retryable network
// error rather than a retryable server error.
func ClassifyError(p Provider, err error) *model.CallError {
	var ce *model.CallError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &model.CallError{Kind: model.ErrTimeout, Message: p.String() + ": deadline exceeded"}
	}
	if errors.Is(err, context.Canceled) {
		return &model.CallError{Kind: model.ErrTimeout, Message: p.String() + ": request cancelled"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &model.CallError{Kind: model.ErrTimeout, Message: p.String() + ": " + err.Error()}
	}

	if status, body, ok := statusOf(err); ok {
		return classifyStatus(p, status, body)
	}

	var oaDecode *openai.DecodeError
	var gmDecode *gemini.DecodeError
	if errors.As(err, &oaDecode) || errors.As(err, &gmDecode) {
		return &model.CallError{Kind: model.ErrParse, Message: err.Error()}
	}

	return &model.CallError{Kind: model.ErrNetwork, Message: p.String() + ": " + err.Error()}
}

// statusOf extracts an HTTP status from any of the provider clients'
// error shapes.
func statusOf(err error) (status int, body string, ok bool) {
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode, oaErr.Body, true
	}
	var gmErr *gemini.APIError
	if errors.As(err, &gmErr) {
		return gmErr.StatusCode, gmErr.Body, true
	}
	if code := anthropic.StatusCode(err); code != 0 {
		return code, err.Error(), true
	}
	return 0, "", false
}

func classifyStatus(p Provider, status int, body string) *model.CallError {
	kind := model.ErrServer
	switch {
	case status == http.StatusUnauthorized:
		kind = model.ErrAuth
	case status == http.StatusForbidden:
		kind = model.ErrForbidden
	case status == http.StatusTooManyRequests:
		kind = model.ErrRateLimit
	case status >= 500:
		kind = model.ErrServer
	default:
		kind = model.ErrNetwork
	}
	msg := p.String() + ": unexpected status"
	if body != "" {
		msg = body
	}
	return &model.CallError{Kind: kind, Message: msg, HTTPStatus: status}
}
