package llmrouter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/internal/fakeclock"
)

func newTestLimiter(clk llmrouter.Clock, cfg llmrouter.LimiterConfig) *llmrouter.RouteLimiter {
	return llmrouter.NewRouteLimiter("p:m", cfg,
		llmrouter.WithLimiterClock(clk),
		llmrouter.WithLimiterLogger(discardLogger()),
	)
}

// RPM=2: requests at t=0 and t=0.5s pass, the one at t=1s waits 59s.
func TestLimiter_RequestsPerMinute(t *testing.T) {
	clk := fakeclock.New(t0)
	l := newTestLimiter(clk, llmrouter.LimiterConfig{MaxConcurrent: 10, RequestsPerMinute: 2})
	ctx := context.Background()

	s1, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	s1.Release()

	clk.Advance(500 * time.Millisecond)
	s2, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	s2.Release()

	clk.Advance(500 * time.Millisecond)
	s3, err := l.Acquire(ctx, 0)
	require.NoError(t, err)
	s3.Release()

	assert.Equal(t, []time.Duration{59 * time.Second}, clk.Sleeps())
	assert.Equal(t, t0.Add(time.Minute), clk.Now())
}

func TestLimiter_ZeroRequestsPerMinuteIsUnlimited(t *testing.T) {
	clk := fakeclock.New(t0)
	l := newTestLimiter(clk, llmrouter.LimiterConfig{MaxConcurrent: 1})
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		s, err := l.Acquire(ctx, 0)
		require.NoError(t, err)
		s.Release()
	}
	assert.Empty(t, clk.Sleeps())
}

func TestLimiter_TokensPerMinute(t *testing.T) {
	clk := fakeclock.New(t0)
	l := newTestLimiter(clk, llmrouter.LimiterConfig{TokensPerMinute: 1000})
	ctx := context.Background()

	s, err := l.Acquire(ctx, 800)
	require.NoError(t, err)
	s.Release()

	s, err = l.Acquire(ctx, 300)
	require.NoError(t, err)
	s.Release()

	assert.Equal(t, []time.Duration{time.Minute}, clk.Sleeps())
}

func TestLimiter_OversizedEstimateAdmittedOnEmptyWindow(t *testing.T) {
	clk := fakeclock.New(t0)
	l := newTestLimiter(clk, llmrouter.LimiterConfig{TokensPerMinute: 1000})

	s, err := l.Acquire(context.Background(), 5000)
	require.NoError(t, err)
	s.Release()
	assert.Empty(t, clk.Sleeps())
}

func TestLimiter_ConcurrencyCap(t *testing.T) {
	clk := fakeclock.New(t0)
	l := newTestLimiter(clk, llmrouter.LimiterConfig{MaxConcurrent: 2})

	a, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	b, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a.Release()
	a.Release() // second release is a no-op

	st, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.InFlight)

	c, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	c.Release()
	b.Release()
}

// cancelingClock cancels the request while it waits on the window.
type cancelingClock struct {
	*fakeclock.Clock
	cancel context.CancelFunc
}

func (c cancelingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestLimiter_CancelWhileWaitingReleasesSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := cancelingClock{Clock: fakeclock.New(t0), cancel: cancel}
	l := newTestLimiter(clk, llmrouter.LimiterConfig{MaxConcurrent: 1, RequestsPerMinute: 1})

	s, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	s.Release()

	_, err = l.Acquire(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)

	st, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.InFlight)
	assert.Equal(t, 1, st.WindowRequests, "a cancelled wait records nothing")

	// The only slot is free again.
	l.SetLimits(llmrouter.WindowLimits{})
	s, err = l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	s.Release()
}

func TestLimiter_Snapshot(t *testing.T) {
	clk := fakeclock.New(t0)
	l := newTestLimiter(clk, llmrouter.LimiterConfig{MaxConcurrent: 3, RequestsPerMinute: 10, TokensPerMinute: 500})

	s, err := l.Acquire(context.Background(), 120)
	require.NoError(t, err)

	st, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, llmrouter.LimiterStats{
		InFlight:          1,
		MaxConcurrent:     3,
		RequestsPerMinute: 10,
		TokensPerMinute:   500,
		WindowRequests:    1,
		WindowTokens:      120,
	}, st)

	s.Release()
	clk.Advance(time.Minute)

	st, err = l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.InFlight)
	assert.Zero(t, st.WindowRequests)
	assert.Zero(t, st.WindowTokens)
}

func TestLimiter_DefaultConcurrency(t *testing.T) {
	l := newTestLimiter(fakeclock.New(t0), llmrouter.LimiterConfig{})
	st, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, llmrouter.DefaultMaxConcurrent, st.MaxConcurrent)
}
