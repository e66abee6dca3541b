// Package redis provides a Redis-backed WindowStore for llmrouter.
//
// Each route keeps two sorted sets scored by admission time: one member per
// admitted request and one per token entry. Admission runs as a Lua script
// so it is atomic across router instances sharing the same Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/llmrouter"
)

// Store is a Redis-backed WindowStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ llmrouter.WindowStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "llmrouter:window:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed WindowStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "llmrouter:window:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys share a hash tag so both sets of a route land on one cluster slot.
func (s *Store) requestsKey(route string) string { return s.keyPrefix + "{" + route + "}:req" }
func (s *Store) tokensKey(route string) string   { return s.keyPrefix + "{" + route + "}:tok" }

// admitScript evicts, checks and records atomically. Times are unix
// microseconds.
// KEYS[1] = requests zset
// KEYS[2] = tokens zset (member "<id>:<tokens>")
// ARGV[1] = now
// ARGV[2] = window
// ARGV[3] = requests per minute (0 = off)
// ARGV[4] = tokens per minute (0 = off)
// ARGV[5] = tokens of this request
// ARGV[6] = member id
//
// Returns 0 when admitted, otherwise the wait in microseconds.
var admitScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local rpm = tonumber(ARGV[3])
local tpm = tonumber(ARGV[4])
local tokens = tonumber(ARGV[5])
local cutoff = now - window

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", cutoff)
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", cutoff)

if rpm > 0 and redis.call("ZCARD", KEYS[1]) >= rpm then
    local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
    return math.max(1, tonumber(oldest[2]) + window - now)
end

if tpm > 0 then
    local entries = redis.call("ZRANGE", KEYS[2], 0, -1, "WITHSCORES")
    if #entries > 0 then
        local sum = 0
        for i = 1, #entries, 2 do
            sum = sum + tonumber(string.match(entries[i], ":(%d+)$"))
        end
        if sum + tokens > tpm then
            return math.max(1, tonumber(entries[2]) + window - now)
        end
    end
end

redis.call("ZADD", KEYS[1], now, ARGV[6])
if tokens > 0 then
    redis.call("ZADD", KEYS[2], now, ARGV[6] .. ":" .. tokens)
end
local ttl = math.ceil(window / 1000)
redis.call("PEXPIRE", KEYS[1], ttl)
redis.call("PEXPIRE", KEYS[2], ttl)
return 0
`)

// usageScript counts entries newer than the cutoff without evicting.
// KEYS as admitScript, ARGV[1] = cutoff.
var usageScript = goredis.NewScript(`
local cutoff = "(" .. ARGV[1]
local requests = redis.call("ZCOUNT", KEYS[1], cutoff, "+inf")
local entries = redis.call("ZRANGEBYSCORE", KEYS[2], cutoff, "+inf")
local sum = 0
for i = 1, #entries do
    sum = sum + tonumber(string.match(entries[i], ":(%d+)$"))
end
return {requests, sum}
`)

// Admit implements llmrouter.WindowStore.
func (s *Store) Admit(ctx context.Context, route string, now time.Time, tokens int64, limits llmrouter.WindowLimits) (time.Duration, error) {
	wait, err := admitScript.Run(ctx, s.client,
		[]string{s.requestsKey(route), s.tokensKey(route)},
		now.UnixMicro(),
		llmrouter.Window.Microseconds(),
		limits.RequestsPerMinute,
		limits.TokensPerMinute,
		tokens,
		uuid.New().String(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("llmrouter/redis: admit: %w", err)
	}
	return time.Duration(wait) * time.Microsecond, nil
}

// Usage implements llmrouter.WindowStore.
func (s *Store) Usage(ctx context.Context, route string, now time.Time) (llmrouter.WindowUsage, error) {
	vals, err := usageScript.Run(ctx, s.client,
		[]string{s.requestsKey(route), s.tokensKey(route)},
		strconv.FormatInt(now.Add(-llmrouter.Window).UnixMicro(), 10),
	).Int64Slice()
	if err != nil {
		return llmrouter.WindowUsage{}, fmt.Errorf("llmrouter/redis: usage: %w", err)
	}
	if len(vals) != 2 {
		return llmrouter.WindowUsage{}, fmt.Errorf("llmrouter/redis: usage: unexpected reply %v", vals)
	}
	return llmrouter.WindowUsage{Requests: int(vals[0]), Tokens: vals[1]}, nil
}
