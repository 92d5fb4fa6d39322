package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/config"
	"github.com/sells-group/extract-router/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCircuitOpen      AlertType = "circuit_open"
	AlertQualityDegrading AlertType = "quality_degrading"
	AlertThresholdFailed  AlertType = "quality_threshold_failed"
	AlertHighLatency      AlertType = "high_latency"
	AlertCostOverrun      AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType        `json:"type"`
	Severity  string           `json:"severity"`
	Provider  model.ProviderID `json:"provider,omitempty"`
	Message   string           `json:"message"`
	Details   map[string]any   `json:"details,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Provisional threshold verdicts do not alert.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, p := range snap.Providers {
		h := p.Health
		if h.CircuitState == model.CircuitOpen {
			alerts = append(alerts, Alert{
				Type:     AlertCircuitOpen,
				Severity: "high",
				Provider: p.Provider,
				Message: fmt.Sprintf(
					"Circuit open for %s after %d consecutive failures: %s",
					p.Provider, h.ConsecutiveFailures, h.LastErrorMessage,
				),
				Details: map[string]any{
					"consecutive_failures": h.ConsecutiveFailures,
					"failure_count":        h.FailureCount,
				},
				Timestamp: now,
			})
		}

		if a.cfg.LatencyThresholdMs > 0 && h.SuccessCount > 0 && h.AverageResponseTimeMs > a.cfg.LatencyThresholdMs {
			alerts = append(alerts, Alert{
				Type:     AlertHighLatency,
				Severity: "medium",
				Provider: p.Provider,
				Message: fmt.Sprintf(
					"Average response time of %s is %.0fms, above %.0fms",
					p.Provider, h.AverageResponseTimeMs, a.cfg.LatencyThresholdMs,
				),
				Details: map[string]any{
					"average_response_time_ms": h.AverageResponseTimeMs,
					"threshold_ms":             a.cfg.LatencyThresholdMs,
				},
				Timestamp: now,
			})
		}

		if p.Quality != nil && p.Quality.QualityTrend == model.TrendDegrading {
			alerts = append(alerts, Alert{
				Type:     AlertQualityDegrading,
				Severity: "medium",
				Provider: p.Provider,
				Message: fmt.Sprintf(
					"Extraction quality of %s is degrading (average confidence %.3f)",
					p.Provider, p.Quality.AverageOverallConfidence,
				),
				Details: map[string]any{
					"average_confidence": p.Quality.AverageOverallConfidence,
					"total_extractions":  p.Quality.TotalExtractions,
				},
				Timestamp: now,
			})
		}

		if p.Threshold != nil && !p.Threshold.Passes && !p.Threshold.Provisional {
			alerts = append(alerts, Alert{
				Type:     AlertThresholdFailed,
				Severity: "high",
				Provider: p.Provider,
				Message: fmt.Sprintf(
					"%s fails quality thresholds: %s",
					p.Provider, strings.Join(p.Threshold.Failures, "; "),
				),
				Details: map[string]any{
					"failures": p.Threshold.Failures,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.CostThresholdUSD > 0 && snap.TotalSpendUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider spend $%.2f exceeds threshold $%.2f",
				snap.TotalSpendUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"spend_usd":     snap.TotalSpendUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("provider", string(alert.Provider)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
