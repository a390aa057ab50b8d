package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/dredd-labs/modelmarket/internal/market"
	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal       int     `json:"runs_total"`
	RunsCompleted   int     `json:"runs_completed"`
	RunsFailed      int     `json:"runs_failed"`
	RunsInProgress  int     `json:"runs_in_progress"`
	RunFailRate     float64 `json:"run_fail_rate"`
	RunCostUSD      float64 `json:"run_cost_usd"`
	AvgLatencyMS    int64   `json:"avg_latency_ms"`
	ConvergenceRate float64 `json:"convergence_rate"`

	// Live provider health and accumulated call counters.
	Providers []market.ProviderHealth     `json:"providers"`
	Calls     map[string]ProviderCounters `json:"calls"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthSource reports live per-provider client state.
type HealthSource interface {
	Inspect() []market.ProviderHealth
}

// Collector gathers metrics from the store, the recorder, and the
// provider clients.
type Collector struct {
	store    store.Store
	recorder *Recorder
	health   HealthSource
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store, recorder *Recorder, health HealthSource) *Collector {
	return &Collector{store: st, recorder: recorder, health: health}
}

// runScanLimit bounds how many recent runs one snapshot scans.
const runScanLimit = 10000

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: runScanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var totalLatency int64
	var converged int
	var finishedWithLatency int
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusInProgress, model.RunStatusPending:
			snap.RunsInProgress++
		}
		snap.RunCostUSD += r.TotalCostUSD
		if r.Status.Terminal() {
			totalLatency += r.TotalLatencyMS
			finishedWithLatency++
		}
		if r.ConvergenceAchieved {
			converged++
		}
	}

	finished := snap.RunsCompleted + snap.RunsFailed
	if finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if finishedWithLatency > 0 {
		snap.AvgLatencyMS = totalLatency / int64(finishedWithLatency)
	}
	if snap.RunsCompleted > 0 {
		snap.ConvergenceRate = float64(converged) / float64(snap.RunsCompleted)
	}

	if c.health != nil {
		snap.Providers = c.health.Inspect()
	}
	if c.recorder != nil {
		snap.Calls = c.recorder.Snapshot()
	}

	return snap, nil
}
