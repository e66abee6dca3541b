package llmrouter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// LimiterConfig configures admission control for one route.
//
// A zero RequestsPerMinute disables the requests window only for limiters
// built directly with NewRouteLimiter. Routes built from a Config get
// DefaultRequestsPerMinute instead (see Config.ProviderSettings); the
// requests window of a configured route cannot be turned off. A zero
// TokensPerMinute disables the tokens window in both cases.
type LimiterConfig struct {
	MaxConcurrent     int   `yaml:"max_concurrent" toml:"max_concurrent"`
	RequestsPerMinute int   `yaml:"requests_per_minute" toml:"requests_per_minute"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute" toml:"tokens_per_minute"`
}

// RouteLimiter gates a route by concurrency and by sliding-window
// requests/minute and tokens/minute.
type RouteLimiter struct {
	key           string
	sem           *semaphore.Weighted
	maxConcurrent int
	inFlight      atomic.Int64

	mu     sync.Mutex
	limits WindowLimits

	store  WindowStore
	clock  Clock
	logger *slog.Logger
}

// LimiterOption configures a RouteLimiter.
type LimiterOption func(*RouteLimiter)

// WithLimiterStore sets the window store. Stores may be shared between
// limiters since entries are keyed by route.
func WithLimiterStore(s WindowStore) LimiterOption {
	return func(l *RouteLimiter) { l.store = s }
}

// WithLimiterClock sets the clock.
func WithLimiterClock(c Clock) LimiterOption {
	return func(l *RouteLimiter) { l.clock = c }
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(lg *slog.Logger) LimiterOption {
	return func(l *RouteLimiter) { l.logger = lg }
}

// NewRouteLimiter creates a limiter for the route key.
func NewRouteLimiter(key string, cfg LimiterConfig, opts ...LimiterOption) *RouteLimiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	l := &RouteLimiter{
		key:           key,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxConcurrent: cfg.MaxConcurrent,
		limits: WindowLimits{
			RequestsPerMinute: cfg.RequestsPerMinute,
			TokensPerMinute:   cfg.TokensPerMinute,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryWindowStore()
	}
	if l.clock == nil {
		l.clock = SystemClock()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Slot is one admitted concurrency slot. Release must be called when the
// request completes; it is safe to call more than once.
type Slot struct {
	l    *RouteLimiter
	once sync.Once
}

// Release returns the slot to the limiter.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.l.inFlight.Add(-1)
		s.l.sem.Release(1)
	})
}

// Acquire blocks until a concurrency slot is free and the request fits the
// sliding windows, or until ctx is done. On error no slot is held.
func (l *RouteLimiter) Acquire(ctx context.Context, estimatedTokens int) (*Slot, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.inFlight.Add(1)
	slot := &Slot{l: l}

	limits := l.Limits()
	if limits.TokensPerMinute > 0 && int64(estimatedTokens) > limits.TokensPerMinute {
		l.logger.Warn("request estimate exceeds tokens per minute",
			"route", l.key,
			"estimated_tokens", estimatedTokens,
			"tpm", limits.TokensPerMinute,
		)
	}

	for {
		wait, err := l.store.Admit(ctx, l.key, l.clock.Now(), int64(estimatedTokens), l.Limits())
		if err != nil {
			slot.Release()
			return nil, err
		}
		if wait <= 0 {
			return slot, nil
		}

		l.logger.Debug("route window full, waiting",
			"route", l.key,
			"wait_ms", wait.Milliseconds(),
			"estimated_tokens", estimatedTokens,
		)
		if err := l.clock.Sleep(ctx, wait); err != nil {
			slot.Release()
			return nil, err
		}
	}
}

// Limits returns the current window ceilings.
func (l *RouteLimiter) Limits() WindowLimits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// SetLimits replaces the window ceilings for subsequent admissions.
func (l *RouteLimiter) SetLimits(limits WindowLimits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// LimiterStats is a read-only snapshot of a RouteLimiter.
type LimiterStats struct {
	InFlight          int
	MaxConcurrent     int
	RequestsPerMinute int
	TokensPerMinute   int64
	WindowRequests    int
	WindowTokens      int64
}

// Snapshot reports current usage without changing limiter state.
func (l *RouteLimiter) Snapshot(ctx context.Context) (LimiterStats, error) {
	limits := l.Limits()
	usage, err := l.store.Usage(ctx, l.key, l.clock.Now())
	if err != nil {
		return LimiterStats{}, err
	}
	return LimiterStats{
		InFlight:          int(l.inFlight.Load()),
		MaxConcurrent:     l.maxConcurrent,
		RequestsPerMinute: limits.RequestsPerMinute,
		TokensPerMinute:   limits.TokensPerMinute,
		WindowRequests:    usage.Requests,
		WindowTokens:      usage.Tokens,
	}, nil
}
