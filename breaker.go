package llmrouter

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerConfig configures a route's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int     `yaml:"failure_threshold" toml:"failure_threshold"`
	CooldownSeconds  float64 `yaml:"cooldown_seconds" toml:"cooldown_seconds"`
	AutoTune         bool    `yaml:"auto_tune" toml:"auto_tune"`
}

// Cooldown returns CooldownSeconds as a duration.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds * float64(time.Second))
}

// RateLimitHints are the rate limit headers an upstream reported.
// Zero values mean the header was absent.
type RateLimitHints struct {
	LimitRequests     int
	RemainingRequests int
	LimitTokens       int64
	RemainingTokens   int64
	RetryAfter        time.Duration
}

// AutoTuneHook receives rate limit hints from successful responses.
type AutoTuneHook func(route string, hints RateLimitHints)

// CircuitBreaker fails fast on a route after consecutive failures.
//
// There is no half-open state: once the cooldown has elapsed the next call
// goes straight through. Because failures are only reset by a success, a
// failing first call after cooldown reopens the circuit immediately.
type CircuitBreaker struct {
	route  string
	cfg    BreakerConfig
	clock  Clock
	hook   AutoTuneHook
	logger *slog.Logger

	openUntil atomic.Pointer[time.Time]

	mu       sync.Mutex
	failures int
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock sets the clock.
func WithBreakerClock(c Clock) BreakerOption {
	return func(b *CircuitBreaker) { b.clock = c }
}

// WithBreakerLogger sets the logger.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) { b.logger = l }
}

// WithAutoTuneHook sets the hook receiving rate limit hints when AutoTune
// is enabled. The default hook only logs them.
func WithAutoTuneHook(h AutoTuneHook) BreakerOption {
	return func(b *CircuitBreaker) { b.hook = h }
}

// NewCircuitBreaker creates a closed breaker for route.
func NewCircuitBreaker(route string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = DefaultCooldownSeconds
	}
	b := &CircuitBreaker{route: route, cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = SystemClock()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.hook == nil {
		b.hook = b.logHints
	}
	return b
}

// Guard runs call unless the circuit is open.
//
// Failures caused by cancellation or deadline of ctx are not counted: a
// timeout without a response says nothing about upstream health.
func (b *CircuitBreaker) Guard(ctx context.Context, call func(context.Context) (Completion, error)) (Completion, error) {
	if until := b.openUntil.Load(); until != nil && b.clock.Now().Before(*until) {
		return Completion{}, &CircuitOpenError{Route: b.route, OpenUntil: *until}
	}

	resp, err := call(ctx)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return resp, err
		}
		b.recordFailure(err)
		return resp, err
	}

	b.recordSuccess()
	if b.cfg.AutoTune {
		if hints, ok := ParseRateLimitHints(resp.Metadata); ok {
			b.hook(b.route, hints)
		}
	}
	return resp, nil
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *CircuitBreaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.cfg.FailureThreshold {
		return
	}

	now := b.clock.Now()
	if until := b.openUntil.Load(); until != nil && now.Before(*until) {
		return
	}
	until := now.Add(b.cfg.Cooldown())
	b.openUntil.Store(&until)
	b.logger.Warn("circuit opened",
		"route", b.route,
		"failures", b.failures,
		"cooldown_ms", b.cfg.Cooldown().Milliseconds(),
		"error", err,
	)
}

// Reset closes the circuit and clears the failure count.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil.Store(nil)
	b.logger.Info("circuit reset", "route", b.route)
}

// BreakerStats is a read-only snapshot of a CircuitBreaker.
type BreakerStats struct {
	Failures  int
	Threshold int
	Open      bool
	OpenUntil time.Time
}

// Snapshot reports the breaker state.
func (b *CircuitBreaker) Snapshot() BreakerStats {
	b.mu.Lock()
	failures := b.failures
	b.mu.Unlock()

	st := BreakerStats{Failures: failures, Threshold: b.cfg.FailureThreshold}
	if until := b.openUntil.Load(); until != nil && b.clock.Now().Before(*until) {
		st.Open = true
		st.OpenUntil = *until
	}
	return st
}

func (b *CircuitBreaker) logHints(route string, h RateLimitHints) {
	b.logger.Debug("rate limit hints",
		"route", route,
		"limit_requests", h.LimitRequests,
		"remaining_requests", h.RemainingRequests,
		"limit_tokens", h.LimitTokens,
		"remaining_tokens", h.RemainingTokens,
		"retry_after_ms", h.RetryAfter.Milliseconds(),
	)
}

// ParseRateLimitHints reads the x-ratelimit-* and retry-after entries of
// response metadata. ok is false when none are present.
func ParseRateLimitHints(md map[string]string) (hints RateLimitHints, ok bool) {
	if len(md) == 0 {
		return RateLimitHints{}, false
	}
	intField := func(key string) (int64, bool) {
		v, found := md[key]
		if !found {
			return 0, false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	if n, found := intField("x-ratelimit-limit-requests"); found {
		hints.LimitRequests, ok = int(n), true
	}
	if n, found := intField("x-ratelimit-remaining-requests"); found {
		hints.RemainingRequests, ok = int(n), true
	}
	if n, found := intField("x-ratelimit-limit-tokens"); found {
		hints.LimitTokens, ok = n, true
	}
	if n, found := intField("x-ratelimit-remaining-tokens"); found {
		hints.RemainingTokens, ok = n, true
	}
	if v, found := md["retry-after"]; found {
		if d, parsed := ParseRetryAfter(v, time.Time{}); parsed {
			hints.RetryAfter, ok = d, true
		}
	}
	return hints, ok
}

// ParseRetryAfter parses a Retry-After value given in seconds or as an
// HTTP date. HTTP dates are measured from now and ignored if now is zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if now.IsZero() {
		return 0, false
	}
	t, err := time.Parse(time.RFC1123, v)
	if err != nil {
		return 0, false
	}
	if d := t.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
