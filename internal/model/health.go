package model

import "time"

// HealthStatus is the coarse availability verdict for a provider.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CircuitState is the state of a provider's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// MaxErrorMessageLen caps the stored last error message, in characters.
const MaxErrorMessageLen = 500

// ProviderHealthMetrics is the health record kept per provider. It is also the
// persisted shape of one entry in the health store.
type ProviderHealthMetrics struct {
	ProviderName          ProviderID   `json:"provider_name"`
	HealthStatus          HealthStatus `json:"health_status"`
	SuccessCount          int64        `json:"success_count"`
	FailureCount          int64        `json:"failure_count"`
	ConsecutiveFailures   int          `json:"consecutive_failures"`
	AverageResponseTimeMs float64      `json:"average_response_time_ms"`
	LastSuccessAt         *time.Time   `json:"last_success_timestamp"`
	LastFailureAt         *time.Time   `json:"last_failure_timestamp"`
	LastErrorMessage      string       `json:"last_error_message"`
	CircuitState          CircuitState `json:"circuit_breaker_state"`
	UpdatedAt             time.Time    `json:"updated_at"`

	// Breaker bookkeeping, needed to resume a half-open cycle after restart.
	CircuitOpenedAt   *time.Time `json:"circuit_opened_at,omitempty"`
	HalfOpenSuccesses int        `json:"half_open_successes,omitempty"`
	HalfOpenCalls     int        `json:"half_open_calls,omitempty"`
	HalfOpenSince     *time.Time `json:"half_open_since,omitempty"`
}

// NewProviderHealthMetrics returns the default-initialized record for id.
func NewProviderHealthMetrics(id ProviderID, now time.Time) ProviderHealthMetrics {
	return ProviderHealthMetrics{
		ProviderName: id,
		HealthStatus: HealthHealthy,
		CircuitState: CircuitClosed,
		UpdatedAt:    now,
	}
}

// Check reports a reason when the record is internally inconsistent.
func (m ProviderHealthMetrics) Check() string {
	switch {
	case m.SuccessCount < 0 || m.FailureCount < 0 || m.ConsecutiveFailures < 0:
		return "negative counter"
	case m.AverageResponseTimeMs < 0:
		return "negative average response time"
	case int64(m.ConsecutiveFailures) > m.FailureCount:
		return "consecutive failures exceed failure count"
	case m.CircuitState != CircuitClosed && m.CircuitState != CircuitOpen && m.CircuitState != CircuitHalfOpen:
		return "unknown circuit state " + string(m.CircuitState)
	case m.HealthStatus != HealthHealthy && m.HealthStatus != HealthUnhealthy:
		return "unknown health status " + string(m.HealthStatus)
	case m.CircuitState == CircuitOpen && m.HealthStatus != HealthUnhealthy:
		return "open circuit marked healthy"
	}
	return ""
}
