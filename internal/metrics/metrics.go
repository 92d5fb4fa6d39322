// Package metrics exports provider routing, health and quality as Prometheus
// metrics.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/monitoring"
	"github.com/sells-group/extract-router/internal/orchestrate"
)

const attemptsMetric = "extract_router_attempts_total"

// Metrics holds the collectors registered for one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	// AttemptsTotal counts provider attempts by status and failure class.
	AttemptsTotal *prometheus.CounterVec
	// AttemptLatency tracks the latency of answered provider calls.
	AttemptLatency *prometheus.HistogramVec

	CircuitState        *prometheus.GaugeVec
	ConsecutiveFailures *prometheus.GaugeVec
	AvgResponseTimeMs   *prometheus.GaugeVec
	QualityScore        *prometheus.GaugeVec
	AverageConfidence   *prometheus.GaugeVec
	SpendUSD            *prometheus.GaugeVec
}

// New registers the extract-router collectors with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: attemptsMetric,
				Help: "Total number of provider attempts",
			},
			[]string{"provider", "status", "class"},
		),
		AttemptLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extract_router_attempt_latency_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		CircuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extract_router_circuit_state",
				Help: "Circuit breaker state (0 closed, 1 half_open, 2 open)",
			},
			[]string{"provider"},
		),
		ConsecutiveFailures: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extract_router_consecutive_failures",
				Help: "Consecutive failed calls per provider",
			},
			[]string{"provider"},
		),
		AvgResponseTimeMs: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extract_router_average_response_time_ms",
				Help: "Average response time of successful calls in milliseconds",
			},
			[]string{"provider"},
		),
		QualityScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extract_router_quality_score",
				Help: "Weighted extraction quality score (0-100)",
			},
			[]string{"provider"},
		),
		AverageConfidence: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extract_router_average_confidence",
				Help: "Average overall extraction confidence",
			},
			[]string{"provider"},
		),
		SpendUSD: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extract_router_spend_usd",
				Help: "Accounted provider spend in USD",
			},
			[]string{"provider"},
		),
	}
}

// ObserveAttempt implements orchestrate.Observer.
func (m *Metrics) ObserveAttempt(a orchestrate.Attempt) {
	p := string(a.Provider)
	m.AttemptsTotal.WithLabelValues(p, string(a.Status), failureClass(a)).Inc()
	if a.Status == orchestrate.StatusSuccess || a.Status == orchestrate.StatusFailure {
		m.AttemptLatency.WithLabelValues(p).Observe(a.Latency.Seconds())
	}
}

// ObserveSnapshot updates the provider gauges from a monitoring snapshot.
func (m *Metrics) ObserveSnapshot(snap *monitoring.MetricsSnapshot) {
	for _, ps := range snap.Providers {
		p := string(ps.Provider)
		m.CircuitState.WithLabelValues(p).Set(circuitValue(ps.Health.CircuitState))
		m.ConsecutiveFailures.WithLabelValues(p).Set(float64(ps.Health.ConsecutiveFailures))
		m.AvgResponseTimeMs.WithLabelValues(p).Set(ps.Health.AverageResponseTimeMs)
		m.SpendUSD.WithLabelValues(p).Set(ps.SpendUSD)
		if ps.Quality != nil {
			m.QualityScore.WithLabelValues(p).Set(ps.Quality.QualityScore())
			m.AverageConfidence.WithLabelValues(p).Set(ps.Quality.AverageOverallConfidence)
		} else {
			m.QualityScore.DeleteLabelValues(p)
			m.AverageConfidence.DeleteLabelValues(p)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// AttemptCount is the number of attempts one provider ended with one status.
type AttemptCount struct {
	Provider model.ProviderID
	Status   orchestrate.Status
	Count    int
}

// AttemptCounts reads the attempt counter back from the registry, summed over
// failure classes and ordered by provider, then status.
func (m *Metrics) AttemptCounts() ([]AttemptCount, error) {
	families, err := m.gatherer.Gather()
	if err != nil {
		return nil, eris.Wrap(err, "metrics: gather")
	}

	type key struct {
		provider model.ProviderID
		status   orchestrate.Status
	}
	sums := make(map[key]float64)
	for _, mf := range families {
		if mf.GetName() != attemptsMetric {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var k key
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "provider":
					k.provider = model.ProviderID(lp.GetValue())
				case "status":
					k.status = orchestrate.Status(lp.GetValue())
				}
			}
			sums[k] += metric.GetCounter().GetValue()
		}
	}

	out := make([]AttemptCount, 0, len(sums))
	for k, v := range sums {
		out = append(out, AttemptCount{Provider: k.provider, Status: k.status, Count: int(v)})
	}
	slices.SortFunc(out, func(a, b AttemptCount) int {
		if c := cmp.Compare(a.Provider, b.Provider); c != 0 {
			return c
		}
		return cmp.Compare(a.Status, b.Status)
	})
	return out, nil
}

// Push sends every collector of the registry to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.gatherer).PushContext(ctx); err != nil {
		return eris.Wrapf(err, "metrics: push to %s", url)
	}
	return nil
}

// failureClass is the classification prefix of a failed attempt's reason.
func failureClass(a orchestrate.Attempt) string {
	if a.Status != orchestrate.StatusFailure {
		return ""
	}
	class, _, _ := strings.Cut(a.Reason, ":")
	return class
}

func circuitValue(s model.CircuitState) float64 {
	switch s {
	case model.CircuitHalfOpen:
		return 1
	case model.CircuitOpen:
		return 2
	default:
		return 0
	}
}
