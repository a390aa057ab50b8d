// Package model defines the core entities of the consensus market:
// threads, runs, provider answers, and arbiter outputs.
package model

import "time"

// RunStatus is the lifecycle state of a market run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status is one of the terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Thread associates an external chat channel with its market history and an
// optional chat-scoped arbiter override.
type Thread struct {
	ID              string    `json:"id"`
	ChatID          int64     `json:"chat_id"`
	ArbiterProvider *string   `json:"arbiter_provider,omitempty"`
	ArbiterModel    *string   `json:"arbiter_model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Run is one execution of the market for one question.
type Run struct {
	ID                  string    `json:"id"`
	ThreadID            string    `json:"thread_id"`
	Question            string    `json:"question"`
	Status              RunStatus `json:"status"`
	RoundsCompleted     int       `json:"rounds_completed"`
	ConvergenceAchieved bool      `json:"convergence_achieved"`
	TotalLatencyMS      int64     `json:"total_latency_ms"`
	TotalCostUSD        float64   `json:"total_cost_usd"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	// Preloaded children, populated on replay and on Market.Run return.
	Answers []ProviderAnswer `json:"answers,omitempty"`
	Arbiter *ArbiterOutput   `json:"arbiter,omitempty"`
}

// ClampConfidence bounds a confidence value to [0,1]. Nil passes through.
func ClampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}
