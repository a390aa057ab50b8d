// Package store persists threads, runs, provider answers, and arbiter
// outputs behind a driver-agnostic interface with SQLite and Postgres
// implementations.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// ErrNotFound marks lookups for records that do not exist.
var ErrNotFound = eris.New("store: not found")

// ErrRunFinalized marks an attempt to finalize a run that already
// reached a terminal status. Terminal transitions happen exactly once.
var ErrRunFinalized = eris.New("store: run already finalized")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ThreadID string          `json:"thread_id,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// RunTotals carries the aggregates stamped on a run at finalization.
type RunTotals struct {
	RoundsCompleted     int
	ConvergenceAchieved bool
	TotalLatencyMS      int64
	TotalCostUSD        float64
}

// Store defines the persistence interface for the market engine.
type Store interface {
	// Threads
	GetOrCreateThread(ctx context.Context, chatID int64) (*model.Thread, error)
	SetThreadArbiter(ctx context.Context, threadID string, provider, modelName *string) error

	// Runs
	CreateRun(ctx context.Context, threadID, question string) (*model.Run, error)
	FinalizeRun(ctx context.Context, runID string, status model.RunStatus, totals RunTotals) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Provider answers
	InsertAnswer(ctx context.Context, ans *model.ProviderAnswer) error
	ListAnswers(ctx context.Context, runID string) ([]model.ProviderAnswer, error)

	// Arbiter outputs
	InsertArbiterOutput(ctx context.Context, out *model.ArbiterOutput) error
	GetArbiterOutput(ctx context.Context, runID string) (*model.ArbiterOutput, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
