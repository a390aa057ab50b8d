// Package monitoring tracks provider call outcomes and circuit
// transitions in memory, aggregates run metrics from the store, and
// raises webhook alerts when thresholds are breached.
package monitoring

import (
	"sync"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// ProviderCounters holds the per-provider tallies the recorder keeps.
type ProviderCounters struct {
	Calls              map[string]int `json:"calls"`
	CircuitTransitions int            `json:"circuit_transitions"`
	CircuitOpens       int            `json:"circuit_opens"`
}

// Recorder is the in-memory telemetry sink the provider clients report
// into. Snapshots feed the health endpoint and the alert checker.
type Recorder struct {
	mu        sync.Mutex
	providers map[string]*ProviderCounters
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{providers: make(map[string]*ProviderCounters)}
}

// CircuitTransition records one breaker state change.
func (r *Recorder) CircuitTransition(provider, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(provider)
	c.CircuitTransitions++
	if to == "open" {
		c.CircuitOpens++
	}
}

// CallOutcome records one finished provider call by answer status.
func (r *Recorder) CallOutcome(provider string, status model.AnswerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters(provider).Calls[string(status)]++
}

// Snapshot returns a copy of every provider's counters.
func (r *Recorder) Snapshot() map[string]ProviderCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProviderCounters, len(r.providers))
	for name, c := range r.providers {
		calls := make(map[string]int, len(c.Calls))
		for k, v := range c.Calls {
			calls[k] = v
		}
		out[name] = ProviderCounters{
			Calls:              calls,
			CircuitTransitions: c.CircuitTransitions,
			CircuitOpens:       c.CircuitOpens,
		}
	}
	return out
}

func (r *Recorder) counters(provider string) *ProviderCounters {
	c, ok := r.providers[provider]
	if !ok {
		c = &ProviderCounters{Calls: make(map[string]int)}
		r.providers[provider] = c
	}
	return c
}
