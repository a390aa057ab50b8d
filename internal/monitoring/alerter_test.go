package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dredd-labs/modelmarket/internal/config"
	"github.com/dredd-labs/modelmarket/internal/market"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.5,
		CostThresholdUSD:     10.0,
	})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsCompleted: 8,
		RunsFailed:    2,
		RunFailRate:   0.2,
		RunCostUSD:    1.25,
		Providers: []market.ProviderHealth{
			{Provider: "openai", CircuitState: "closed"},
		},
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.5, LookbackWindowHours: 24})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsCompleted: 2,
		RunsFailed:    4,
		RunFailRate:   4.0 / 6.0,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "exceeds threshold")
	assert.Equal(t, 4, alerts[0].Details["failed"])
	assert.Equal(t, 6, alerts[0].Details["finished"])
}

func TestAlerter_Evaluate_FailureRateNeedsEnoughRuns(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.5})

	// Four finished runs at a 75% failure rate stays quiet.
	alerts := a.Evaluate(&MetricsSnapshot{
		RunsCompleted: 1,
		RunsFailed:    3,
		RunFailRate:   0.75,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_CircuitOpen(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.5})

	alerts := a.Evaluate(&MetricsSnapshot{
		Providers: []market.ProviderHealth{
			{Provider: "openai", CircuitState: "closed"},
			{Provider: "anthropic", CircuitState: "open", ConsecutiveFailures: 3},
			{Provider: "gemini", CircuitState: "open", ConsecutiveFailures: 5},
		},
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, "anthropic", alerts[0].Details["provider"])
	assert.Equal(t, 3, alerts[0].Details["consecutive_failures"])
	assert.Equal(t, "gemini", alerts[1].Details["provider"])
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{CostThresholdUSD: 5.0})

	alerts := a.Evaluate(&MetricsSnapshot{RunsTotal: 12, RunCostUSD: 7.31})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Equal(t, 7.31, alerts[0].Details["cost_usd"])
	assert.Equal(t, 5.0, alerts[0].Details["threshold_usd"])
}

func TestAlerter_Evaluate_CostThresholdDisabled(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{CostThresholdUSD: 0})

	alerts := a.Evaluate(&MetricsSnapshot{RunCostUSD: 9999})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int64
	var lastType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		lastType.Store(alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunFailureRate, Severity: "high", Message: "m1"},
		{Type: AlertCostOverrun, Severity: "high", Message: "m2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int64(2), received.Load())
	assert.Equal(t, AlertCostOverrun, lastType.Load())
}

func TestAlerter_SendAlerts_NoWebhookURL(t *testing.T) {
	t.Parallel()
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen}})
	assert.Zero(t, sent)
}
