package model

import "time"

// AnswerStatus classifies a single provider response.
type AnswerStatus string

const (
	AnswerStatusOK         AnswerStatus = "ok"
	AnswerStatusError      AnswerStatus = "error"
	AnswerStatusTimeout    AnswerStatus = "timeout"
	AnswerStatusParseError AnswerStatus = "parse_error"
)

// Usable reports whether the answer carries content the market can work
// with. Parse errors keep the raw text, so they still count.
func (s AnswerStatus) Usable() bool {
	return s == AnswerStatusOK || s == AnswerStatusParseError
}

// ErrorKind is the error taxonomy shared by adapters, clients, and the
// coordinator.
type ErrorKind string

const (
	ErrConfig             ErrorKind = "config_error"
	ErrAuth               ErrorKind = "auth_error"
	ErrForbidden          ErrorKind = "forbidden"
	ErrRateLimited        ErrorKind = "rate_limited" // local bucket exhausted
	ErrRateLimit          ErrorKind = "rate_limit"   // remote HTTP 429
	ErrServer             ErrorKind = "server_error"
	ErrTimeout            ErrorKind = "timeout"
	ErrNetwork            ErrorKind = "network_error"
	ErrParse              ErrorKind = "parse_error"
	ErrSafetyBlock        ErrorKind = "safety_block"
	ErrCircuitOpen        ErrorKind = "circuit_open"
	ErrProviderNotStarted ErrorKind = "provider_not_started"
	ErrAllProvidersFailed ErrorKind = "all_providers_failed"
	ErrArbiterFailed      ErrorKind = "arbiter_failed"
)

// CallError is the structured error recorded on a failed provider call.
type CallError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// Retryable reports whether the error is worth another attempt against the
// same remote: HTTP 429/5xx or a transport timeout.
func (e *CallError) Retryable() bool {
	switch e.HTTPStatus {
	case 429, 500, 502, 503, 504:
		return true
	}
	return e.Kind == ErrTimeout
}

// Usage records token consumption and cost for one provider call.
type Usage struct {
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	TotalTokens  int      `json:"total_tokens"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

// Citation is a source reference extracted from a model answer.
type Citation struct {
	Title *string `json:"title"`
	URL   *string `json:"url"`
}

// ProviderAnswer is one normalized response from one provider in one round.
type ProviderAnswer struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	Round       int          `json:"round"`
	Provider    string       `json:"provider"`
	Model       string       `json:"model"`
	Status      AnswerStatus `json:"status"`
	Answer      string       `json:"answer"`
	Confidence  *float64     `json:"confidence,omitempty"`
	KeyClaims   []string     `json:"key_claims,omitempty"`
	Assumptions []string     `json:"assumptions,omitempty"`
	Citations   []Citation   `json:"citations,omitempty"`
	Usage       Usage        `json:"usage"`
	LatencyMS   int64        `json:"latency_ms"`
	Error       *CallError   `json:"error,omitempty"`
	// RawResponse is retained only when debug mode is on.
	RawResponse string    `json:"raw_response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CostOrZero returns the answer's cost, treating nil as 0.
func (a *ProviderAnswer) CostOrZero() float64 {
	if a.Usage.CostUSD == nil {
		return 0
	}
	return *a.Usage.CostUSD
}
