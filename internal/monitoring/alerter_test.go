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

	"github.com/sells-group/extract-router/internal/config"
	"github.com/sells-group/extract-router/internal/model"
)

func alertTypes(alerts []Alert) map[AlertType]model.ProviderID {
	types := make(map[AlertType]model.ProviderID)
	for _, a := range alerts {
		types[a.Type] = a.Provider
	}
	return types
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	f := newFixture(t)
	f.record(t, "anthropic", 0.95, 10)

	snap, err := f.collector().Collect(context.Background())
	require.NoError(t, err)

	a := NewAlerter(config.MonitoringConfig{CostThresholdUSD: 500, LatencyThresholdMs: 10000})
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CircuitOpen(t *testing.T) {
	f := newFixture(t)
	f.fail(t, "mistral", 5)

	snap, err := f.collector().Collect(context.Background())
	require.NoError(t, err)

	alerts := NewAlerter(config.MonitoringConfig{}).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, model.ProviderID("mistral"), alerts[0].Provider)
	assert.Contains(t, alerts[0].Message, "5 consecutive failures: upstream 503")
}

func TestAlerter_Evaluate_DegradingAndFailedThreshold(t *testing.T) {
	f := newFixture(t)
	f.record(t, "anthropic", 0.95, 5)
	f.record(t, "anthropic", 0.5, 5)

	snap, err := f.collector().Collect(context.Background())
	require.NoError(t, err)

	alerts := NewAlerter(config.MonitoringConfig{}).Evaluate(snap)
	types := alertTypes(alerts)
	assert.Len(t, alerts, 2)
	assert.Equal(t, model.ProviderID("anthropic"), types[AlertQualityDegrading])
	assert.Equal(t, model.ProviderID("anthropic"), types[AlertThresholdFailed])

	for _, a := range alerts {
		if a.Type == AlertThresholdFailed {
			assert.Contains(t, a.Message, "average confidence 0.725 below minimum 0.850")
		}
	}
}

func TestAlerter_Evaluate_ProvisionalThresholdIgnored(t *testing.T) {
	snap := &MetricsSnapshot{Providers: []ProviderStatus{{
		Provider: "openai",
		Threshold: &model.ThresholdResult{
			Provider:    "openai",
			Failures:    []string{"average confidence 0.500 below minimum 0.850"},
			Provisional: true,
		},
	}}}

	assert.Empty(t, NewAlerter(config.MonitoringConfig{}).Evaluate(snap))
}

func TestAlerter_Evaluate_HighLatency(t *testing.T) {
	snap := &MetricsSnapshot{Providers: []ProviderStatus{{
		Provider: "openai",
		Health: model.ProviderHealthMetrics{
			SuccessCount:          3,
			AverageResponseTimeMs: 12000,
			CircuitState:          model.CircuitClosed,
		},
	}}}

	alerts := NewAlerter(config.MonitoringConfig{LatencyThresholdMs: 10000}).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHighLatency, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "12000ms, above 10000ms")

	// Disabled threshold.
	assert.Empty(t, NewAlerter(config.MonitoringConfig{}).Evaluate(snap))
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{CostThresholdUSD: 100.0})

	alerts := a.Evaluate(&MetricsSnapshot{TotalSpendUSD: 250})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_ZeroCostThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		CostThresholdUSD: 0, // disabled
	})

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{TotalSpendUSD: 999}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertCircuitOpen, Severity: "high", Provider: "mistral", Message: "test alert 1"},
		{Type: AlertCostOverrun, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCircuitOpen, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen, Message: "test"}})
	assert.Equal(t, 0, sent)
}
