package llmrouter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/internal/fakeclock"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestBreaker(clk *fakeclock.Clock, cfg llmrouter.BreakerConfig, opts ...llmrouter.BreakerOption) *llmrouter.CircuitBreaker {
	opts = append([]llmrouter.BreakerOption{
		llmrouter.WithBreakerClock(clk),
		llmrouter.WithBreakerLogger(discardLogger()),
	}, opts...)
	return llmrouter.NewCircuitBreaker("p:m", cfg, opts...)
}

func failing(err error) (func(context.Context) (llmrouter.Completion, error), *int) {
	calls := 0
	return func(context.Context) (llmrouter.Completion, error) {
		calls++
		return llmrouter.Completion{}, err
	}, &calls
}

func succeeding(md map[string]string) func(context.Context) (llmrouter.Completion, error) {
	return func(context.Context) (llmrouter.Completion, error) {
		return llmrouter.Completion{Text: "ok", Metadata: md}, nil
	}
}

// Threshold 3, cooldown 5s: open at t+1s, closed again at t+6s.
func TestBreaker_OpensAtThresholdAndClosesAfterCooldown(t *testing.T) {
	clk := fakeclock.New(t0)
	b := newTestBreaker(clk, llmrouter.BreakerConfig{FailureThreshold: 3, CooldownSeconds: 5})
	ctx := context.Background()

	upstream := &llmrouter.TransientError{Status: 503}
	call, calls := failing(upstream)
	for i := 0; i < 3; i++ {
		_, err := b.Guard(ctx, call)
		assert.Same(t, upstream, err)
	}
	assert.Equal(t, 3, *calls)

	clk.Advance(time.Second)
	_, err := b.Guard(ctx, call)
	require.ErrorIs(t, err, llmrouter.ErrCircuitOpen)
	var open *llmrouter.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, "p:m", open.Route)
	assert.Equal(t, t0.Add(5*time.Second), open.OpenUntil)
	assert.Equal(t, 3, *calls, "open circuit must not invoke the call")

	st := b.Snapshot()
	assert.True(t, st.Open)
	assert.Equal(t, 3, st.Failures)

	clk.Advance(5 * time.Second)
	resp, err := b.Guard(ctx, succeeding(nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	st = b.Snapshot()
	assert.False(t, st.Open)
	assert.Zero(t, st.Failures)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	clk := fakeclock.New(t0)
	b := newTestBreaker(clk, llmrouter.BreakerConfig{FailureThreshold: 3, CooldownSeconds: 5})
	ctx := context.Background()
	call, _ := failing(&llmrouter.TransientError{})

	b.Guard(ctx, call)
	b.Guard(ctx, call)
	_, err := b.Guard(ctx, succeeding(nil))
	require.NoError(t, err)
	b.Guard(ctx, call)
	b.Guard(ctx, call)

	assert.False(t, b.Snapshot().Open)
	assert.Equal(t, 2, b.Snapshot().Failures)
}

// There is no half-open probe: the failure count survives the cooldown,
// so one more failure reopens the circuit.
func TestBreaker_FailureAfterCooldownReopens(t *testing.T) {
	clk := fakeclock.New(t0)
	b := newTestBreaker(clk, llmrouter.BreakerConfig{FailureThreshold: 2, CooldownSeconds: 5})
	ctx := context.Background()
	call, calls := failing(&llmrouter.PermanentError{Status: 500})

	b.Guard(ctx, call)
	b.Guard(ctx, call)
	clk.Advance(6 * time.Second)

	_, err := b.Guard(ctx, call)
	assert.ErrorIs(t, err, llmrouter.ErrPermanent)
	assert.Equal(t, 3, *calls)

	_, err = b.Guard(ctx, call)
	assert.ErrorIs(t, err, llmrouter.ErrCircuitOpen)
	assert.Equal(t, t0.Add(11*time.Second), b.Snapshot().OpenUntil)
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	clk := fakeclock.New(t0)
	b := newTestBreaker(clk, llmrouter.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Guard(ctx, func(ctx context.Context) (llmrouter.Completion, error) {
		return llmrouter.Completion{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	st := b.Snapshot()
	assert.False(t, st.Open)
	assert.Zero(t, st.Failures)
}

func TestBreaker_DeadlineNotCounted(t *testing.T) {
	clk := fakeclock.New(t0)
	b := newTestBreaker(clk, llmrouter.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 5})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := b.Guard(ctx, func(ctx context.Context) (llmrouter.Completion, error) {
		<-ctx.Done()
		return llmrouter.Completion{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_Reset(t *testing.T) {
	clk := fakeclock.New(t0)
	b := newTestBreaker(clk, llmrouter.BreakerConfig{FailureThreshold: 1, CooldownSeconds: 60})
	ctx := context.Background()
	call, _ := failing(&llmrouter.TransientError{})

	b.Guard(ctx, call)
	require.True(t, b.Snapshot().Open)

	b.Reset()
	assert.False(t, b.Snapshot().Open)
	_, err := b.Guard(ctx, succeeding(nil))
	assert.NoError(t, err)
}

func TestBreaker_AutoTuneHook(t *testing.T) {
	clk := fakeclock.New(t0)
	var got []llmrouter.RateLimitHints
	hook := func(route string, h llmrouter.RateLimitHints) {
		assert.Equal(t, "p:m", route)
		got = append(got, h)
	}
	md := map[string]string{
		"x-ratelimit-limit-requests":     "500",
		"x-ratelimit-remaining-requests": "499",
		"x-ratelimit-remaining-tokens":   "29000",
		"retry-after":                    "2",
	}

	on := newTestBreaker(clk, llmrouter.BreakerConfig{AutoTune: true}, llmrouter.WithAutoTuneHook(hook))
	_, err := on.Guard(context.Background(), succeeding(md))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 500, got[0].LimitRequests)
	assert.Equal(t, 499, got[0].RemainingRequests)
	assert.Equal(t, int64(29000), got[0].RemainingTokens)
	assert.Equal(t, 2*time.Second, got[0].RetryAfter)

	off := newTestBreaker(clk, llmrouter.BreakerConfig{}, llmrouter.WithAutoTuneHook(hook))
	_, err = off.Guard(context.Background(), succeeding(md))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBreaker_Defaults(t *testing.T) {
	b := newTestBreaker(fakeclock.New(t0), llmrouter.BreakerConfig{})
	assert.Equal(t, llmrouter.DefaultFailureThreshold, b.Snapshot().Threshold)
}

func TestParseRateLimitHints(t *testing.T) {
	_, ok := llmrouter.ParseRateLimitHints(nil)
	assert.False(t, ok)

	_, ok = llmrouter.ParseRateLimitHints(map[string]string{"x-request-id": "abc"})
	assert.False(t, ok)

	_, ok = llmrouter.ParseRateLimitHints(map[string]string{"x-ratelimit-limit-tokens": "lots"})
	assert.False(t, ok)

	h, ok := llmrouter.ParseRateLimitHints(map[string]string{"x-ratelimit-limit-tokens": " 30000 "})
	assert.True(t, ok)
	assert.Equal(t, int64(30000), h.LimitTokens)
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := llmrouter.ParseRetryAfter("3", time.Time{})
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = llmrouter.ParseRetryAfter("1.5", time.Time{})
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, ok = llmrouter.ParseRetryAfter("-1", time.Time{})
	assert.False(t, ok)
	_, ok = llmrouter.ParseRetryAfter("", t0)
	assert.False(t, ok)

	date := t0.Add(10 * time.Second).Format(time.RFC1123)
	d, ok = llmrouter.ParseRetryAfter(date, t0)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	_, ok = llmrouter.ParseRetryAfter(date, time.Time{})
	assert.False(t, ok)
}
