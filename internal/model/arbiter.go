package model

import (
	"encoding/json"
	"time"
)

// ConflictStatus marks whether the arbiter considers a conflict settled.
type ConflictStatus string

const (
	ConflictResolved   ConflictStatus = "RESOLVED"
	ConflictUnresolved ConflictStatus = "UNRESOLVED"
)

// ConflictClaim attributes one claim inside a conflict to its provider.
type ConflictClaim struct {
	Provider string `json:"provider"`
	Claim    string `json:"claim"`
}

// Conflict is one point of disagreement surfaced by the arbiter.
type Conflict struct {
	Topic      string          `json:"topic"`
	Claims     []ConflictClaim `json:"claims"`
	Resolution string          `json:"resolution"`
	Status     ConflictStatus  `json:"status"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// FactRow is one row of the arbiter's fact table.
type FactRow struct {
	Claim      string   `json:"claim"`
	Support    []string `json:"support"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ConflictList accepts both the bare-array wire shape and the object
// wrapper {"items": [...]} some arbiter models produce.
type ConflictList []Conflict

func (l *ConflictList) UnmarshalJSON(data []byte) error {
	var arr []Conflict
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var wrapped struct {
		Items []Conflict `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	*l = wrapped.Items
	return nil
}

// FactTable accepts both the bare-array wire shape and {"items": [...]}.
type FactTable []FactRow

func (t *FactTable) UnmarshalJSON(data []byte) error {
	var arr []FactRow
	if err := json.Unmarshal(data, &arr); err == nil {
		*t = arr
		return nil
	}
	var wrapped struct {
		Items []FactRow `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	*t = wrapped.Items
	return nil
}

// ArbiterOutput is the single synthesis produced for a run.
type ArbiterOutput struct {
	ID                string       `json:"id"`
	RunID             string       `json:"run_id"`
	Provider          string       `json:"provider"`
	Model             string       `json:"model"`
	FinalAnswer       *string      `json:"final_answer"`
	Agreements        []string     `json:"agreements,omitempty"`
	Conflicts         ConflictList `json:"conflicts,omitempty"`
	FactTable         FactTable    `json:"fact_table,omitempty"`
	NextQuestions     []string     `json:"next_questions,omitempty"`
	OverallConfidence *float64     `json:"overall_confidence,omitempty"`
	ArbiterFailed     bool         `json:"arbiter_failed"`
	LatencyMS         int64        `json:"latency_ms"`
	CostUSD           *float64     `json:"cost_usd,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// CostOrZero returns the synthesis cost, treating nil as 0.
func (o *ArbiterOutput) CostOrZero() float64 {
	if o == nil || o.CostUSD == nil {
		return 0
	}
	return *o.CostUSD
}
