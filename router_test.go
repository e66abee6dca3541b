package llmrouter_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/internal/fakeclock"
	"github.com/ineyio/llmrouter/provider/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() llmrouter.Config {
	return llmrouter.Config{
		Providers: map[string]llmrouter.ProviderConfig{
			"mock": {
				Limits:  llmrouter.LimiterConfig{MaxConcurrent: 2, RequestsPerMinute: 1000},
				Breaker: llmrouter.BreakerConfig{FailureThreshold: 5, CooldownSeconds: 30},
			},
		},
		Retry: llmrouter.RetryPolicy{
			MaxRetries:    3,
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      time.Second,
			JitterPercent: percent(10),
		},
	}
}

func newTestRouter(t *testing.T, cfg llmrouter.Config, p llmrouter.Provider, opts ...llmrouter.Option) (*llmrouter.Router, *fakeclock.Clock) {
	t.Helper()
	clk := fakeclock.New(t0)
	reg := llmrouter.NewRegistry(cfg)
	reg.Register(p)

	opts = append([]llmrouter.Option{
		llmrouter.WithClock(clk),
		llmrouter.WithLogger(discardLogger()),
		llmrouter.WithRandom(func() float64 { return 0.5 }),
	}, opts...)
	r, err := llmrouter.NewRouter(cfg, reg, opts...)
	require.NoError(t, err)
	return r, clk
}

type recordingMeter struct {
	mu      sync.Mutex
	routes  []llmrouter.RouteEvent
	retries []llmrouter.RetryEvent
	results []llmrouter.ResultEvent
}

func (m *recordingMeter) OnRoute(e llmrouter.RouteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, e)
}

func (m *recordingMeter) OnRetry(e llmrouter.RetryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, e)
}

func (m *recordingMeter) OnResult(e llmrouter.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, e)
}

// Test 1: Successful route on the first attempt
func TestRoute_Success(t *testing.T) {
	p := mock.New(mock.WithText("pong"), mock.WithUsage(12, 3))
	r, clk := newTestRouter(t, testConfig(), p)

	temp := 0.2
	res, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{Temperature: &temp}, llmrouter.PriorityNormal)
	require.NoError(t, err)

	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, int64(12), res.TokensIn)
	assert.Equal(t, int64(3), res.TokensOut)
	assert.Equal(t, "mock", res.Provider)
	assert.Equal(t, "m1", res.Model)
	assert.Equal(t, "mock:m1", res.RouteKey)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.EstimatedTokens)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Empty(t, clk.Sleeps())

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "m1", calls[0].Model)
	assert.Equal(t, res.CorrelationID, calls[0].CorrelationID)
	assert.Equal(t, &temp, calls[0].Temperature)
	assert.Equal(t, res.CorrelationID, res.Metadata["x-request-id"])
}

// Test 2: Caller-supplied correlation id is forwarded unchanged
func TestRoute_KeepsCorrelationID(t *testing.T) {
	p := mock.New()
	r, _ := newTestRouter(t, testConfig(), p)

	res, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{CorrelationID: "req-42"}, llmrouter.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "req-42", res.CorrelationID)
	assert.Equal(t, "req-42", p.Calls()[0].CorrelationID)
}

// Test 3: Transient failures are retried with exponential backoff
func TestRoute_RetriesTransientWithBackoff(t *testing.T) {
	p := mock.New(mock.WithErrors(
		&llmrouter.TransientError{Status: 503},
		&llmrouter.TransientError{Status: 502},
	))
	r, clk := newTestRouter(t, testConfig(), p)

	res, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(3), p.CallCount())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clk.Sleeps())

	// Every attempt reused the same correlation id.
	calls := p.Calls()
	assert.Equal(t, calls[0].CorrelationID, calls[2].CorrelationID)
}

// Test 4: A provider retry-after above the computed backoff is honored
func TestRoute_HonorsRetryAfter(t *testing.T) {
	p := mock.New(mock.WithErrors(&llmrouter.RateLimitedError{RetryAfter: 700 * time.Millisecond}))
	r, clk := newTestRouter(t, testConfig(), p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{700 * time.Millisecond}, clk.Sleeps())
}

// Test 5: Permanent errors propagate on first occurrence
func TestRoute_PermanentNotRetried(t *testing.T) {
	upstream := &llmrouter.PermanentError{Status: 400}
	p := mock.New(mock.WithError(upstream))
	r, clk := newTestRouter(t, testConfig(), p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.Same(t, upstream, err)
	assert.Equal(t, int64(1), p.CallCount())
	assert.Empty(t, clk.Sleeps())
}

// Test 6: Errors outside the taxonomy are returned unchanged, not retried
func TestRoute_UnknownErrorNotRetried(t *testing.T) {
	upstream := errors.New("weird")
	p := mock.New(mock.WithError(upstream))
	r, _ := newTestRouter(t, testConfig(), p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.Equal(t, upstream, err)
	assert.Equal(t, int64(1), p.CallCount())
}

// Test 7: After exhaustion the last error is returned unchanged
func TestRoute_ExhaustionReturnsLastError(t *testing.T) {
	first := &llmrouter.TransientError{Status: 500}
	last := &llmrouter.RateLimitedError{}
	p := mock.New(mock.WithErrors(first, first, last))
	r, clk := newTestRouter(t, testConfig(), p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.Same(t, last, err)
	assert.ErrorIs(t, err, llmrouter.ErrRateLimited)
	assert.Equal(t, int64(3), p.CallCount())
	assert.Len(t, clk.Sleeps(), 2)
}

// Test 8: The breaker opening mid-retry surfaces CircuitOpenError
func TestRoute_CircuitOpenStopsRetries(t *testing.T) {
	cfg := testConfig()
	pc := cfg.Providers["mock"]
	pc.Breaker = llmrouter.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 30}
	cfg.Providers["mock"] = pc

	p := mock.New(mock.WithErrors(&llmrouter.TransientError{Status: 503}))
	r, _ := newTestRouter(t, cfg, p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.ErrorIs(t, err, llmrouter.ErrCircuitOpen)
	assert.Equal(t, int64(1), p.CallCount())

	st, err := r.RouteStats(context.Background(), "mock", "m1")
	require.NoError(t, err)
	assert.True(t, st.Breaker.Open)

	require.NoError(t, r.ResetBreaker("mock", "m1"))
	_, err = r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.CallCount())
}

// Test 9: Routes are isolated; one model's breaker does not affect another
func TestRoute_RoutesAreIndependent(t *testing.T) {
	cfg := testConfig()
	pc := cfg.Providers["mock"]
	pc.Breaker = llmrouter.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 30}
	cfg.Providers["mock"] = pc

	p := mock.New(mock.WithErrors(&llmrouter.PermanentError{Status: 500}))
	r, _ := newTestRouter(t, cfg, p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.ErrorIs(t, err, llmrouter.ErrPermanent)

	_, err = r.Route(context.Background(), "mock", "m2", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)

	_, err = r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.ErrorIs(t, err, llmrouter.ErrCircuitOpen)
}

// Test 10: A cancelled context ends the request without calling the provider
func TestRoute_ContextCancelled(t *testing.T) {
	p := mock.New()
	r, _ := newTestRouter(t, testConfig(), p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.CallCount())
}

// Test 11: A per-attempt timeout is retried as transient and not counted by the breaker
func TestRoute_AttemptTimeoutIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 2
	p := mock.New(mock.WithLatency(time.Hour))
	r, clk := newTestRouter(t, cfg, p)

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{Timeout: 10 * time.Millisecond}, llmrouter.PriorityNormal)
	require.ErrorIs(t, err, llmrouter.ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(2), p.CallCount())
	assert.Len(t, clk.Sleeps(), 1)

	st, err := r.RouteStats(context.Background(), "mock", "m1")
	require.NoError(t, err)
	assert.Zero(t, st.Breaker.Failures)
}

// Test 12: Slots are released on success and failure paths
func TestRoute_ReleasesSlots(t *testing.T) {
	cfg := testConfig()
	pc := cfg.Providers["mock"]
	pc.Limits.MaxConcurrent = 1
	cfg.Providers["mock"] = pc

	p := mock.New(mock.WithErrors(&llmrouter.PermanentError{Status: 400}))
	r, _ := newTestRouter(t, cfg, p)
	ctx := context.Background()

	_, err := r.Route(ctx, "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.Error(t, err)
	_, err = r.Route(ctx, "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)

	st, err := r.RouteStats(ctx, "mock", "m1")
	require.NoError(t, err)
	assert.Zero(t, st.Limiter.InFlight)
	assert.Equal(t, 2, st.Limiter.WindowRequests)
}

// Test 13: Concurrency on a route never exceeds max_concurrent
func TestRoute_ConcurrencyCap(t *testing.T) {
	p := mock.New(mock.WithLatency(5 * time.Millisecond))
	r, _ := newTestRouter(t, testConfig(), p)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), p.CallCount())
	assert.LessOrEqual(t, p.PeakInFlight(), int64(2))
}

// Test 14: Meter receives route, retry and result events
func TestRoute_MeterEvents(t *testing.T) {
	m := &recordingMeter{}
	p := mock.New(mock.WithErrors(&llmrouter.TransientError{Status: 503}), mock.WithUsage(7, 9))
	r, _ := newTestRouter(t, testConfig(), p, llmrouter.WithMeter(m))

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityLow)
	require.NoError(t, err)

	require.Len(t, m.routes, 2)
	assert.Equal(t, 1, m.routes[0].AttemptNum)
	assert.Equal(t, 2, m.routes[1].AttemptNum)
	assert.Equal(t, llmrouter.PriorityLow, m.routes[0].Priority)

	require.Len(t, m.retries, 1)
	assert.Equal(t, 100*time.Millisecond, m.retries[0].Delay)
	assert.ErrorIs(t, m.retries[0].Error, llmrouter.ErrTransient)

	require.Len(t, m.results, 1)
	assert.True(t, m.results[0].Success)
	assert.Equal(t, 2, m.results[0].Attempts)
	assert.Equal(t, int64(7), m.results[0].TokensIn)
	assert.Equal(t, int64(9), m.results[0].TokensOut)
	assert.Equal(t, "stop", m.results[0].FinishReason)
}

func TestRoute_MeterFailureEvent(t *testing.T) {
	m := &recordingMeter{}
	p := mock.New(mock.WithError(&llmrouter.PermanentError{Status: 401}))
	r, _ := newTestRouter(t, testConfig(), p, llmrouter.WithMeter(m))

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.Error(t, err)

	require.Len(t, m.results, 1)
	assert.False(t, m.results[0].Success)
	assert.ErrorIs(t, m.results[0].Error, llmrouter.ErrPermanent)
	assert.Empty(t, m.retries)
}

// Test 15: Cost is priced from the matching ladder tier
func TestRoute_CostFromLadder(t *testing.T) {
	cfg := testConfig()
	cfg.Ladder = []llmrouter.ModelTier{
		{Provider: "mock", Model: "m1", CostPer1KInput: 1.0, CostPer1KOutput: 2.0, QualityScore: 10},
	}
	p := mock.New(mock.WithUsage(1000, 500))
	r, _ := newTestRouter(t, cfg, p)

	res, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.CostUSD, 1e-9)

	res, err = r.Route(context.Background(), "mock", "off-ladder", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)
	assert.Zero(t, res.CostUSD)
}

// Test 16: Auto-tune hints reach the configured hook
func TestRoute_AutoTuneHook(t *testing.T) {
	cfg := testConfig()
	pc := cfg.Providers["mock"]
	pc.Breaker.AutoTune = true
	cfg.Providers["mock"] = pc

	var (
		mu    sync.Mutex
		hints []llmrouter.RateLimitHints
	)
	hook := func(route string, h llmrouter.RateLimitHints) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "mock:m1", route)
		hints = append(hints, h)
	}
	p := mock.New(mock.WithMetadata(map[string]string{"x-ratelimit-remaining-requests": "5"}))
	r, _ := newTestRouter(t, cfg, p, llmrouter.WithRouteAutoTuneHook(hook))

	_, err := r.Route(context.Background(), "mock", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, 5, hints[0].RemainingRequests)
}

// Test 17: Invalid requests and unknown providers fail fast
func TestRoute_Validation(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), mock.New())
	ctx := context.Background()

	_, err := r.Route(ctx, "mock", "", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.ErrorIs(t, err, llmrouter.ErrInvalidRequest)

	_, err = r.Route(ctx, "", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.ErrorIs(t, err, llmrouter.ErrInvalidRequest)

	_, err = r.Route(ctx, "nope", "m1", "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
	assert.ErrorIs(t, err, llmrouter.ErrUnknownProvider)
}

func TestRouter_Stats(t *testing.T) {
	r, _ := newTestRouter(t, testConfig(), mock.New())
	ctx := context.Background()

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)

	for _, model := range []string{"zeta", "alpha"} {
		_, err := r.Route(ctx, "mock", model, "ping", llmrouter.Options{}, llmrouter.PriorityNormal)
		require.NoError(t, err)
	}

	stats, err = r.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "mock:alpha", stats[0].RouteKey)
	assert.Equal(t, "mock:zeta", stats[1].RouteKey)
	assert.Equal(t, 2, stats[0].Limiter.MaxConcurrent)
	assert.Equal(t, 5, stats[0].Breaker.Threshold)

	_, err = r.RouteStats(ctx, "mock", "never")
	assert.ErrorIs(t, err, llmrouter.ErrUnknownRoute)
	assert.ErrorIs(t, r.ResetBreaker("mock", "never"), llmrouter.ErrUnknownRoute)
}

func TestPriority_Ordering(t *testing.T) {
	var zero llmrouter.Priority
	assert.Equal(t, llmrouter.PriorityNormal, zero)
	assert.Less(t, llmrouter.PriorityLow, llmrouter.PriorityNormal)
	assert.Less(t, llmrouter.PriorityNormal, llmrouter.PriorityHigh)
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := llmrouter.NewRouter(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Retry.JitterPercent = percent(-1)
	_, err = llmrouter.NewRouter(cfg, llmrouter.NewRegistry(cfg))
	assert.Error(t, err)

	r, err := llmrouter.NewRouter(llmrouter.Config{}, llmrouter.NewRegistry(llmrouter.Config{}))
	require.NoError(t, err)
	assert.Equal(t, llmrouter.DefaultMaxRetries, r.RetryPolicy().MaxRetries)
}
