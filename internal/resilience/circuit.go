// Package resilience tracks provider health with a per-provider circuit
// breaker and classifies provider call failures.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sells-group/extract-router/internal/model"
)

// breaker holds one provider's health record. mu guards m, seq and done;
// snap is the last published copy of m and can be read without locking.
type breaker struct {
	mu   sync.Mutex
	m    model.ProviderHealthMetrics
	seq  uint64
	done uint64 // seq of the last finished persist
	snap atomic.Pointer[model.ProviderHealthMetrics]
}

func newBreaker(m model.ProviderHealthMetrics) *breaker {
	b := &breaker{m: m}
	b.publish()
	return b
}

// publish stores a copy of the current record. Callers hold mu, or own b
// exclusively.
func (b *breaker) publish() model.ProviderHealthMetrics {
	cp := b.m
	b.snap.Store(&cp)
	return cp
}

func (b *breaker) load() model.ProviderHealthMetrics {
	return *b.snap.Load()
}

// transitionFunc is called for every state change.
type transitionFunc func(from, to model.CircuitState)

// admit decides whether a call may be issued now. It reports the decision and
// whether the record changed.
func (b *breaker) admit(cfg HealthConfig, now time.Time, onChange transitionFunc) (allowed, changed bool) {
	m := &b.m
	switch m.CircuitState {
	case model.CircuitOpen:
		if !b.cooledDown(cfg, now) {
			return false, false
		}
		b.halfOpen(now, onChange)
		m.HalfOpenCalls = 1
		return true, true
	case model.CircuitHalfOpen:
		if m.HalfOpenCalls < cfg.HalfOpenMaxCalls {
			m.HalfOpenCalls++
			return true, true
		}
		// Cap reached: wait for the admitted calls to report. Calls that
		// never report release the cycle after another open timeout.
		if m.HalfOpenSince != nil && now.Sub(*m.HalfOpenSince) > cfg.OpenTimeout {
			b.open(now, onChange)
			return false, true
		}
		return false, false
	default:
		return m.ConsecutiveFailures < cfg.UnhealthyThreshold, false
	}
}

func (b *breaker) success(cfg HealthConfig, latency time.Duration, now time.Time, onChange transitionFunc) {
	m := &b.m
	m.SuccessCount++
	m.ConsecutiveFailures = 0
	ms := latencyMs(latency)
	m.AverageResponseTimeMs += (ms - m.AverageResponseTimeMs) / float64(m.SuccessCount)
	m.LastSuccessAt = &now

	// A call answered after the open timeout counts as the first trial call,
	// whether or not it was admitted through IsHealthy.
	if m.CircuitState == model.CircuitOpen && b.cooledDown(cfg, now) {
		b.halfOpen(now, onChange)
		m.HalfOpenCalls = 1
	}

	switch m.CircuitState {
	case model.CircuitHalfOpen:
		m.HalfOpenSuccesses++
		m.HealthStatus = model.HealthHealthy
		if m.HalfOpenSuccesses >= cfg.HalfOpenSuccesses {
			b.setState(model.CircuitClosed, onChange)
			m.HalfOpenSuccesses = 0
			m.HalfOpenCalls = 0
			m.HalfOpenSince = nil
			m.CircuitOpenedAt = nil
		}
	case model.CircuitClosed:
		m.HealthStatus = model.HealthHealthy
	}
	// An open circuit only closes through a half-open cycle.
	m.UpdatedAt = now
}

func (b *breaker) failure(cfg HealthConfig, message string, now time.Time, onChange transitionFunc) {
	m := &b.m
	m.FailureCount++
	m.ConsecutiveFailures++
	m.LastFailureAt = &now
	m.LastErrorMessage = truncate(message, model.MaxErrorMessageLen)

	switch m.CircuitState {
	case model.CircuitHalfOpen:
		b.open(now, onChange)
	case model.CircuitOpen:
		// Timeout counts from the latest failure.
		m.CircuitOpenedAt = &now
	default:
		if m.ConsecutiveFailures >= cfg.UnhealthyThreshold {
			b.open(now, onChange)
		}
	}
	m.UpdatedAt = now
}

func (b *breaker) open(now time.Time, onChange transitionFunc) {
	m := &b.m
	b.setState(model.CircuitOpen, onChange)
	m.HealthStatus = model.HealthUnhealthy
	m.CircuitOpenedAt = &now
	m.HalfOpenSuccesses = 0
	m.HalfOpenCalls = 0
	m.HalfOpenSince = nil
	m.UpdatedAt = now
}

func (b *breaker) halfOpen(now time.Time, onChange transitionFunc) {
	m := &b.m
	b.setState(model.CircuitHalfOpen, onChange)
	m.HalfOpenSuccesses = 0
	m.HalfOpenCalls = 0
	m.HalfOpenSince = &now
}

// cooledDown reports whether an open circuit has waited out its timeout.
func (b *breaker) cooledDown(cfg HealthConfig, now time.Time) bool {
	return now.Sub(openedAt(&b.m)) > cfg.OpenTimeout
}

func (b *breaker) setState(to model.CircuitState, onChange transitionFunc) {
	from := b.m.CircuitState
	b.m.CircuitState = to
	if from != to && onChange != nil {
		onChange(from, to)
	}
}

// openedAt returns when the open timeout started.
func openedAt(m *model.ProviderHealthMetrics) time.Time {
	switch {
	case m.CircuitOpenedAt != nil:
		return *m.CircuitOpenedAt
	case m.LastFailureAt != nil:
		return *m.LastFailureAt
	default:
		return m.UpdatedAt
	}
}

// truncate cuts s to at most n characters without splitting a rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
