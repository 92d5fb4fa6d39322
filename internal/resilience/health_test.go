package resilience

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/store"
)

var testProviders = model.NewProviderSet("anthropic", "mistral", "openai")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, cfg HealthConfig, st store.Store[model.ProviderHealthMetrics]) (*HealthTracker, *testClock) {
	t.Helper()
	clock := newTestClock()
	tr := NewHealthTracker(context.Background(), cfg, testProviders, st)
	tr.nowFunc = clock.Now
	return tr, clock
}

func failN(t *testing.T, tr *HealthTracker, id model.ProviderID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, tr.RecordFailure(context.Background(), id, "upstream 503"))
	}
}

func metrics(t *testing.T, tr *HealthTracker, id model.ProviderID) model.ProviderHealthMetrics {
	t.Helper()
	m, err := tr.GetMetrics(id)
	require.NoError(t, err)
	return m
}

func TestHealthTracker_InitialState(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultHealthConfig(), nil)

	m := metrics(t, tr, "anthropic")
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)
	assert.Zero(t, m.SuccessCount)
	assert.Nil(t, m.LastFailureAt)

	ok, err := tr.IsHealthy(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthTracker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 3, OpenTimeout: time.Minute}, nil)

	failN(t, tr, "openai", 2)
	ok, err := tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok, "below threshold")

	failN(t, tr, "openai", 1)
	m := metrics(t, tr, "openai")
	assert.Equal(t, model.CircuitOpen, m.CircuitState)
	assert.Equal(t, model.HealthUnhealthy, m.HealthStatus)
	assert.Equal(t, 3, m.ConsecutiveFailures)

	ok, err = tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthTracker_SuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 10}, nil)

	failN(t, tr, "mistral", 7)
	require.NoError(t, tr.RecordSuccess(ctx, "mistral", 250*time.Millisecond))

	m := metrics(t, tr, "mistral")
	assert.Zero(t, m.ConsecutiveFailures)
	assert.EqualValues(t, 7, m.FailureCount)
	assert.EqualValues(t, 1, m.SuccessCount)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)
	require.NotNil(t, m.LastSuccessAt)
}

func TestHealthTracker_AverageResponseTime(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, DefaultHealthConfig(), nil)

	for _, ms := range []int{1000, 2000, 3000} {
		require.NoError(t, tr.RecordSuccess(ctx, "anthropic", time.Duration(ms)*time.Millisecond))
	}
	assert.Equal(t, 2000.0, metrics(t, tr, "anthropic").AverageResponseTimeMs)
}

func TestHealthTracker_HalfOpenCycle(t *testing.T) {
	ctx := context.Background()
	cfg := HealthConfig{UnhealthyThreshold: 2, OpenTimeout: 60 * time.Second}
	tr, clock := newTestTracker(t, cfg, nil)

	failN(t, tr, "openai", 2)
	require.Equal(t, model.CircuitOpen, metrics(t, tr, "openai").CircuitState)

	// Still inside the timeout.
	clock.Advance(30 * time.Second)
	ok, err := tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)

	// Timeout elapsed: trial call admitted.
	clock.Advance(31 * time.Second)
	ok, err = tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.CircuitHalfOpen, metrics(t, tr, "openai").CircuitState)

	// First success keeps the circuit half-open.
	require.NoError(t, tr.RecordSuccess(ctx, "openai", 100*time.Millisecond))
	m := metrics(t, tr, "openai")
	assert.Equal(t, model.CircuitHalfOpen, m.CircuitState)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)

	ok, err = tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second consecutive success closes it.
	require.NoError(t, tr.RecordSuccess(ctx, "openai", 100*time.Millisecond))
	m = metrics(t, tr, "openai")
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Zero(t, m.HalfOpenCalls)
	assert.Nil(t, m.CircuitOpenedAt)
}

func TestHealthTracker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cfg := HealthConfig{UnhealthyThreshold: 2, OpenTimeout: 10 * time.Second}
	tr, clock := newTestTracker(t, cfg, nil)

	failN(t, tr, "mistral", 2)
	clock.Advance(11 * time.Second)

	ok, err := tr.IsHealthy(ctx, "mistral")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tr.RecordSuccess(ctx, "mistral", time.Millisecond))
	require.NoError(t, tr.RecordFailure(ctx, "mistral", "still failing"))

	m := metrics(t, tr, "mistral")
	assert.Equal(t, model.CircuitOpen, m.CircuitState)
	assert.Equal(t, model.HealthUnhealthy, m.HealthStatus)
	assert.Zero(t, m.HalfOpenSuccesses)

	// The new timeout starts at the failure.
	ok, err = tr.IsHealthy(ctx, "mistral")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(11 * time.Second)
	ok, err = tr.IsHealthy(ctx, "mistral")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthTracker_HalfOpenCallCap(t *testing.T) {
	ctx := context.Background()
	cfg := HealthConfig{UnhealthyThreshold: 1, OpenTimeout: time.Second, HalfOpenSuccesses: 2, HalfOpenMaxCalls: 3}
	tr, clock := newTestTracker(t, cfg, nil)

	failN(t, tr, "anthropic", 1)
	clock.Advance(2 * time.Second)

	// Three trial calls in flight, none reported yet.
	for i := 0; i < 3; i++ {
		ok, err := tr.IsHealthy(ctx, "anthropic")
		require.NoError(t, err)
		require.True(t, ok, "call %d", i+1)
	}

	// The cap refuses a fourth call but leaves the cycle running.
	ok, err := tr.IsHealthy(ctx, "anthropic")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.CircuitHalfOpen, metrics(t, tr, "anthropic").CircuitState)

	// The in-flight calls report back and close the circuit.
	require.NoError(t, tr.RecordSuccess(ctx, "anthropic", 80*time.Millisecond))
	require.NoError(t, tr.RecordSuccess(ctx, "anthropic", 90*time.Millisecond))
	m := metrics(t, tr, "anthropic")
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)
}

func TestHealthTracker_ConcurrentHalfOpenCalls(t *testing.T) {
	ctx := context.Background()
	cfg := HealthConfig{UnhealthyThreshold: 1, OpenTimeout: time.Second, HalfOpenSuccesses: 2, HalfOpenMaxCalls: 3}
	tr, clock := newTestTracker(t, cfg, nil)

	failN(t, tr, "mistral", 1)
	clock.Advance(2 * time.Second)

	// All callers ask for admission before any call reports back.
	var wg sync.WaitGroup
	admitted := make([]bool, 6)
	for i := range admitted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.IsHealthy(ctx, "mistral")
			assert.NoError(t, err)
			admitted[i] = ok
		}()
	}
	wg.Wait()

	n := 0
	for _, ok := range admitted {
		if !ok {
			continue
		}
		n++
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.RecordSuccess(ctx, "mistral", 50*time.Millisecond))
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, n)
	m := metrics(t, tr, "mistral")
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)
}

func TestHealthTracker_HalfOpenCapReleasedAfterTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := HealthConfig{UnhealthyThreshold: 1, OpenTimeout: time.Second, HalfOpenSuccesses: 2, HalfOpenMaxCalls: 2}
	tr, clock := newTestTracker(t, cfg, nil)

	failN(t, tr, "openai", 1)
	clock.Advance(2 * time.Second)
	for i := 0; i < 2; i++ {
		ok, err := tr.IsHealthy(ctx, "openai")
		require.NoError(t, err)
		require.True(t, ok)
	}

	// The admitted calls never report; once another timeout passes the cycle ends
	// and the circuit re-opens with a fresh timeout.
	clock.Advance(2 * time.Second)
	ok, err := tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.CircuitOpen, metrics(t, tr, "openai").CircuitState)

	clock.Advance(500 * time.Millisecond)
	ok, err = tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok, "still inside the fresh timeout")

	clock.Advance(time.Second)
	ok, err = tr.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.CircuitHalfOpen, metrics(t, tr, "openai").CircuitState)
}

func TestHealthTracker_AnsweredCallsAfterTimeoutCloseCircuit(t *testing.T) {
	ctx := context.Background()
	cfg := HealthConfig{UnhealthyThreshold: 1, OpenTimeout: time.Second, HalfOpenSuccesses: 2, HalfOpenMaxCalls: 3}
	tr, clock := newTestTracker(t, cfg, nil)

	failN(t, tr, "anthropic", 1)
	clock.Advance(2 * time.Second)

	// Calls issued without asking IsHealthy still move the breaker along.
	require.NoError(t, tr.RecordSuccess(ctx, "anthropic", 40*time.Millisecond))
	assert.Equal(t, model.CircuitHalfOpen, metrics(t, tr, "anthropic").CircuitState)
	require.NoError(t, tr.RecordSuccess(ctx, "anthropic", 40*time.Millisecond))

	m := metrics(t, tr, "anthropic")
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)
}

func TestHealthTracker_SuccessWhileOpenKeepsCircuitOpen(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 2}, nil)

	failN(t, tr, "openai", 2)
	require.NoError(t, tr.RecordSuccess(ctx, "openai", 40*time.Millisecond))

	m := metrics(t, tr, "openai")
	assert.Equal(t, model.CircuitOpen, m.CircuitState)
	assert.Equal(t, model.HealthUnhealthy, m.HealthStatus)
	assert.Zero(t, m.ConsecutiveFailures)
	assert.EqualValues(t, 1, m.SuccessCount)
}

func TestHealthTracker_Validation(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, DefaultHealthConfig(), nil)

	err := tr.RecordSuccess(ctx, "anthropic", -time.Millisecond)
	assert.True(t, errors.Is(err, model.ErrInvalidLatency))

	for _, err := range []error{
		tr.RecordSuccess(ctx, "cohere", time.Millisecond),
		tr.RecordFailure(ctx, "cohere", "x"),
		tr.ResetMetrics(ctx, "cohere"),
	} {
		assert.True(t, errors.Is(err, model.ErrUnknownProvider), "got %v", err)
	}
	_, err = tr.IsHealthy(ctx, "cohere")
	assert.True(t, errors.Is(err, model.ErrUnknownProvider))
	_, err = tr.GetMetrics("cohere")
	assert.True(t, errors.Is(err, model.ErrUnknownProvider))

	assert.Empty(t, tr.GetAllMetrics(), "rejected calls leave no state behind")
}

func TestHealthTracker_ErrorMessageTruncated(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultHealthConfig(), nil)

	long := strings.Repeat("é", 600)
	require.NoError(t, tr.RecordFailure(context.Background(), "mistral", long))
	got := metrics(t, tr, "mistral").LastErrorMessage
	assert.Equal(t, strings.Repeat("é", model.MaxErrorMessageLen), got)
}

func TestHealthTracker_Reset(t *testing.T) {
	ctx := context.Background()
	var transitions []model.CircuitState
	cfg := HealthConfig{
		UnhealthyThreshold: 1,
		OnStateChange: func(_ model.ProviderID, _, to model.CircuitState) {
			transitions = append(transitions, to)
		},
	}
	tr, _ := newTestTracker(t, cfg, nil)

	failN(t, tr, "openai", 1)
	require.NoError(t, tr.ResetMetrics(ctx, "openai"))

	m := metrics(t, tr, "openai")
	assert.Equal(t, model.CircuitClosed, m.CircuitState)
	assert.Equal(t, model.HealthHealthy, m.HealthStatus)
	assert.Zero(t, m.FailureCount)
	assert.Nil(t, m.LastFailureAt)
	assert.Empty(t, m.LastErrorMessage)
	assert.Equal(t, []model.CircuitState{model.CircuitOpen, model.CircuitClosed}, transitions)
}

func TestHealthTracker_PersistAndRestore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "health_metrics.json")

	tr, clock := newTestTracker(t, HealthConfig{UnhealthyThreshold: 2}, store.NewJSONFile[model.ProviderHealthMetrics](path))
	require.NoError(t, tr.RecordSuccess(ctx, "anthropic", 1200*time.Millisecond))
	clock.Advance(time.Second)
	require.NoError(t, tr.RecordSuccess(ctx, "anthropic", 800*time.Millisecond))
	failN(t, tr, "openai", 2)
	require.NoError(t, tr.RecordFailure(ctx, "mistral", "rate limited"))

	restarted, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 2}, store.NewJSONFile[model.ProviderHealthMetrics](path))
	assert.Equal(t, tr.GetAllMetrics(), restarted.GetAllMetrics())

	m := metrics(t, restarted, "openai")
	assert.Equal(t, model.CircuitOpen, m.CircuitState)
	ok, err := restarted.IsHealthy(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthTracker_ReloadPicksUpOtherWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "health_metrics.json")

	server, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 2}, store.NewJSONFile[model.ProviderHealthMetrics](path))
	require.NoError(t, server.RecordSuccess(ctx, "anthropic", 100*time.Millisecond))

	command, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 2}, store.NewJSONFile[model.ProviderHealthMetrics](path))
	failN(t, command, "openai", 2)

	assert.Zero(t, metrics(t, server, "openai").FailureCount)
	require.NoError(t, server.Reload(ctx))
	m := metrics(t, server, "openai")
	assert.EqualValues(t, 2, m.FailureCount)
	assert.Equal(t, model.CircuitOpen, m.CircuitState)
	assert.EqualValues(t, 1, metrics(t, server, "anthropic").SuccessCount)

	// Mutations after a reload build on the reloaded record.
	require.NoError(t, server.RecordFailure(ctx, "openai", "upstream 503"))
	assert.EqualValues(t, 3, metrics(t, server, "openai").FailureCount)
}

func TestHealthTracker_ReloadWithoutStore(t *testing.T) {
	tr, _ := newTestTracker(t, DefaultHealthConfig(), nil)
	assert.NoError(t, tr.Reload(context.Background()))
}

func TestHealthTracker_PersistFailureSurfaces(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	st := store.NewJSONFile[model.ProviderHealthMetrics](filepath.Join(blocker, "health.json"))
	tr, _ := newTestTracker(t, DefaultHealthConfig(), st)

	err := tr.RecordFailure(context.Background(), "anthropic", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health: persist anthropic")
}

func TestHealthTracker_CorruptStoreStartsFromDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health_metrics.json")
	doc := `{
  "anthropic": {"provider_name": "anthropic", "health_status": "healthy", "success_count": 4, "failure_count": 0,
                "consecutive_failures": 0, "average_response_time_ms": 10, "circuit_breaker_state": "closed"},
  "openai": {"provider_name": "openai", "health_status": "healthy", "circuit_breaker_state": "open"},
  "mistral": "garbage"
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tr, _ := newTestTracker(t, DefaultHealthConfig(), store.NewJSONFile[model.ProviderHealthMetrics](path))
	all := tr.GetAllMetrics()
	require.Len(t, all, 1)
	assert.Equal(t, model.ProviderID("anthropic"), all[0].ProviderName)
	assert.EqualValues(t, 4, all[0].SuccessCount)

	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))
	tr, _ = newTestTracker(t, DefaultHealthConfig(), store.NewJSONFile[model.ProviderHealthMetrics](path))
	assert.Empty(t, tr.GetAllMetrics())
}

func TestHealthTracker_ConcurrentProvidersDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.json")
	tr, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 1000}, store.NewJSONFile[model.ProviderHealthMetrics](path))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.RecordSuccess(ctx, "anthropic", 10*time.Millisecond))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.RecordFailure(ctx, "openai", "timeout"))
		}()
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, tr.RecordSuccess(ctx, "mistral", 30*time.Millisecond))
			} else {
				assert.NoError(t, tr.RecordFailure(ctx, "mistral", "bad gateway"))
			}
		}(i)
	}
	wg.Wait()

	a := metrics(t, tr, "anthropic")
	assert.EqualValues(t, n, a.SuccessCount)
	assert.Zero(t, a.FailureCount)
	assert.InDelta(t, 10.0, a.AverageResponseTimeMs, 1e-9)

	o := metrics(t, tr, "openai")
	assert.EqualValues(t, n, o.FailureCount)
	assert.Equal(t, n, o.ConsecutiveFailures)
	assert.Zero(t, o.SuccessCount)

	m := metrics(t, tr, "mistral")
	assert.EqualValues(t, n/2, m.SuccessCount)
	assert.EqualValues(t, n/2, m.FailureCount)

	// The persisted document holds the final state of every provider.
	restarted, _ := newTestTracker(t, HealthConfig{UnhealthyThreshold: 1000}, store.NewJSONFile[model.ProviderHealthMetrics](path))
	assert.Equal(t, tr.GetAllMetrics(), restarted.GetAllMetrics())
}

func TestFromHealthConfig(t *testing.T) {
	cfg := FromHealthConfig(3, 120, 0, -1)
	assert.Equal(t, 3, cfg.UnhealthyThreshold)
	assert.Equal(t, 2*time.Minute, cfg.OpenTimeout)
	assert.Equal(t, 2, cfg.HalfOpenSuccesses)
	assert.Equal(t, 3, cfg.HalfOpenMaxCalls)

	eff := applyHealthDefaults(HealthConfig{HalfOpenSuccesses: 4, HalfOpenMaxCalls: 2})
	assert.Equal(t, 4, eff.HalfOpenMaxCalls, "cap never below successes needed")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "日本", truncate("日本語", 2))
}
