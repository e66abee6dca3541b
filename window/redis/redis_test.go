//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/llmrouter"
	windowredis "github.com/ineyio/llmrouter/window/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *windowredis.Store {
	t.Helper()
	prefix := "test:" + t.Name() + ":"
	s := windowredis.New(client, windowredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestAdmit_RequestsPerMinute(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	limits := llmrouter.WindowLimits{RequestsPerMinute: 2}
	t0 := time.Now()

	wait, err := store.Admit(ctx, "p:m", t0, 0, limits)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = store.Admit(ctx, "p:m", t0.Add(500*time.Millisecond), 0, limits)
	require.NoError(t, err)
	assert.Zero(t, wait)

	now := t0.Add(time.Second)
	wait, err = store.Admit(ctx, "p:m", now, 0, limits)
	require.NoError(t, err)
	assert.InDelta(t, float64(59*time.Second), float64(wait), float64(time.Millisecond))

	wait, err = store.Admit(ctx, "p:m", t0.Add(llmrouter.Window), 0, limits)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestAdmit_TokensPerMinute(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	limits := llmrouter.WindowLimits{TokensPerMinute: 1000}
	t0 := time.Now()

	wait, err := store.Admit(ctx, "p:m", t0, 800, limits)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = store.Admit(ctx, "p:m", t0.Add(time.Second), 300, limits)
	require.NoError(t, err)
	assert.Positive(t, wait)

	usage, err := store.Usage(ctx, "p:m", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Requests)
	assert.Equal(t, int64(800), usage.Tokens)
}

func TestAdmit_OversizedEstimateAdmittedWhenEmpty(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	wait, err := store.Admit(context.Background(), "p:m", time.Now(), 5000, llmrouter.WindowLimits{TokensPerMinute: 1000})
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestAdmit_ConcurrentNeverExceedsRPM(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	limits := llmrouter.WindowLimits{RequestsPerMinute: 10}
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait, err := store.Admit(ctx, "p:m", now, 1, limits)
			assert.NoError(t, err)
			if wait == 0 {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
}
