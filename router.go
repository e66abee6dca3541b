package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RouteKey returns the identity of a provider/model pair.
func RouteKey(provider, model string) string { return provider + ":" + model }

// Priority is accepted by Route for callers that classify their requests.
// It does not affect admission order: each route admits in a single FIFO
// queue regardless of priority.
type Priority int

// Priorities order Low < Normal < High. Normal is the zero value.
const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
)

// CompletionResult is a successful routed completion.
type CompletionResult struct {
	Completion

	Provider      string
	Model         string
	RouteKey      string
	CorrelationID string

	// Attempts is the number of provider calls made, including the
	// successful one.
	Attempts int

	EstimatedTokens int

	// CostUSD is priced from the ladder tier matching the route, zero when
	// the route is not on the ladder.
	CostUSD float64
}

// Router sends completions to provider routes through per-route admission
// control, circuit breaking and bounded retries. It is safe for concurrent
// use.
type Router struct {
	cfg       Config
	retry     RetryPolicy
	registry  *Registry
	ladder    *ModelLadder
	meter     Meter
	clock     Clock
	logger    *slog.Logger
	estimator *TokenEstimator
	store     WindowStore
	hook      AutoTuneHook
	rnd       func() float64

	mu     sync.Mutex
	routes map[string]*route
}

type route struct {
	key      string
	provider string
	model    string
	client   Provider
	limiter  *RouteLimiter
	breaker  *CircuitBreaker
}

// Option configures a Router.
type Option func(*Router)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithClock sets the clock used by the router and its limiters/breakers.
func WithClock(c Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithEstimator sets the token estimator.
func WithEstimator(e *TokenEstimator) Option {
	return func(r *Router) { r.estimator = e }
}

// WithWindowStore sets the sliding window store shared by all routes.
func WithWindowStore(s WindowStore) Option {
	return func(r *Router) { r.store = s }
}

// WithRouteAutoTuneHook sets the hook that breakers with auto_tune enabled
// feed rate limit hints to.
func WithRouteAutoTuneHook(h AutoTuneHook) Option {
	return func(r *Router) { r.hook = h }
}

// WithRandom sets the source of backoff jitter. f must return values in
// [0,1) and be safe for concurrent use.
func WithRandom(f func() float64) Option {
	return func(r *Router) { r.rnd = f }
}

// NewRouter creates a Router. Clients are resolved through reg on first use
// of each route.
func NewRouter(cfg Config, reg *Registry, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, fmt.Errorf("llmrouter: provider registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		cfg:      cfg,
		retry:    cfg.RetrySettings(),
		registry: reg,
		routes:   make(map[string]*route),
	}

	if len(cfg.Ladder) > 0 {
		ladder, err := cfg.ModelLadder()
		if err != nil {
			return nil, err
		}
		r.ladder = ladder
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.clock == nil {
		r.clock = SystemClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.estimator == nil {
		r.estimator = NewTokenEstimator(WithEstimatorLogger(r.logger))
	}
	if r.store == nil {
		r.store = NewMemoryWindowStore()
	}
	if r.rnd == nil {
		r.rnd = rand.Float64
	}

	return r, nil
}

// Route sends prompt to model on provider.
//
// Rate limited and transient failures are retried with exponential backoff
// up to the configured number of attempts. Any other failure is returned
// on first occurrence. After the last attempt the last error is returned
// unchanged. priority is accepted but does not change admission order.
func (r *Router) Route(ctx context.Context, provider, model, prompt string, opts Options, priority Priority) (CompletionResult, error) {
	if provider == "" || model == "" {
		return CompletionResult{}, fmt.Errorf("%w: provider and model are required", ErrInvalidRequest)
	}

	rt, err := r.resolve(provider, model)
	if err != nil {
		return CompletionResult{}, err
	}

	opts.Model = model
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.New().String()
	}

	estimated := r.estimator.Estimate(prompt, model, provider)
	start := r.clock.Now()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < r.retry.MaxRetries; attempt++ {
		attempts = attempt + 1

		r.meter.OnRoute(RouteEvent{
			Provider:        provider,
			Model:           model,
			CorrelationID:   opts.CorrelationID,
			AttemptNum:      attempts,
			EstimatedTokens: estimated,
			Priority:        priority,
		})

		resp, err := r.attempt(ctx, rt, estimated, prompt, opts)
		if err == nil {
			res := CompletionResult{
				Completion:      resp,
				Provider:        provider,
				Model:           model,
				RouteKey:        rt.key,
				CorrelationID:   opts.CorrelationID,
				Attempts:        attempts,
				EstimatedTokens: estimated,
				CostUSD:         r.cost(provider, model, resp),
			}
			r.meter.OnResult(ResultEvent{
				Provider:        provider,
				Model:           model,
				CorrelationID:   opts.CorrelationID,
				Success:         true,
				Attempts:        attempts,
				Duration:        r.clock.Now().Sub(start),
				EstimatedTokens: estimated,
				TokensIn:        resp.TokensIn,
				TokensOut:       resp.TokensOut,
				CostUSD:         res.CostUSD,
				FinishReason:    resp.FinishReason,
			})
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) || attempts >= r.retry.MaxRetries {
			break
		}

		retryAfter, _ := RetryAfterOf(err)
		delay := r.retry.Backoff(attempt, retryAfter, r.rnd)

		r.meter.OnRetry(RetryEvent{
			Provider:      provider,
			Model:         model,
			CorrelationID: opts.CorrelationID,
			AttemptNum:    attempts,
			Delay:         delay,
			Error:         err,
		})

		if err := r.clock.Sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrRetriesExhausted
	}

	r.meter.OnResult(ResultEvent{
		Provider:        provider,
		Model:           model,
		CorrelationID:   opts.CorrelationID,
		Success:         false,
		Attempts:        attempts,
		Duration:        r.clock.Now().Sub(start),
		EstimatedTokens: estimated,
		Error:           lastErr,
	})
	return CompletionResult{}, lastErr
}

// attempt makes one admitted, breaker-guarded provider call. The slot is
// released on every path.
func (r *Router) attempt(ctx context.Context, rt *route, estimated int, prompt string, opts Options) (Completion, error) {
	slot, err := rt.limiter.Acquire(ctx, estimated)
	if err != nil {
		return Completion{}, err
	}
	defer slot.Release()

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	resp, err := rt.breaker.Guard(callCtx, func(ctx context.Context) (Completion, error) {
		start := r.clock.Now()
		resp, err := rt.client.Complete(ctx, prompt, opts)
		if err == nil && resp.Latency == 0 {
			resp.Latency = r.clock.Now().Sub(start)
		}
		return resp, err
	})

	// A per-attempt timeout without a response is retried as transient.
	// The breaker did not count it.
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return Completion{}, &TransientError{Cause: err}
	}
	return resp, err
}

func (r *Router) cost(provider, model string, resp Completion) float64 {
	if r.ladder == nil {
		return 0
	}
	tier, ok := r.ladder.Lookup(provider, model)
	if !ok {
		return 0
	}
	return tier.EstimateCost(resp.TokensIn, resp.TokensOut)
}

// resolve returns the route for provider/model, creating its client,
// limiter and breaker on first use.
func (r *Router) resolve(provider, model string) (*route, error) {
	key := RouteKey(provider, model)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.routes[key]; ok {
		return rt, nil
	}

	client, err := r.registry.Client(provider)
	if err != nil {
		return nil, err
	}

	settings := r.cfg.ProviderSettings(provider)
	breakerOpts := []BreakerOption{WithBreakerClock(r.clock), WithBreakerLogger(r.logger)}
	if r.hook != nil {
		breakerOpts = append(breakerOpts, WithAutoTuneHook(r.hook))
	}

	rt := &route{
		key:      key,
		provider: provider,
		model:    model,
		client:   client,
		limiter: NewRouteLimiter(key, settings.Limits,
			WithLimiterStore(r.store),
			WithLimiterClock(r.clock),
			WithLimiterLogger(r.logger),
		),
		breaker: NewCircuitBreaker(key, settings.Breaker, breakerOpts...),
	}
	r.routes[key] = rt

	r.logger.Debug("route created",
		"route", key,
		"max_concurrent", settings.Limits.MaxConcurrent,
		"rpm", settings.Limits.RequestsPerMinute,
		"tpm", settings.Limits.TokensPerMinute,
		"failure_threshold", settings.Breaker.FailureThreshold,
	)
	return rt, nil
}

func (r *Router) lookup(provider, model string) (*route, error) {
	key := RouteKey(provider, model)
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, key)
	}
	return rt, nil
}

// RouteStats is a read-only snapshot of one route.
type RouteStats struct {
	RouteKey string
	Provider string
	Model    string
	Limiter  LimiterStats
	Breaker  BreakerStats
}

// RouteStats reports the state of a route that has served at least one
// request.
func (r *Router) RouteStats(ctx context.Context, provider, model string) (RouteStats, error) {
	rt, err := r.lookup(provider, model)
	if err != nil {
		return RouteStats{}, err
	}
	return rt.stats(ctx)
}

// Stats reports every known route, ordered by route key. It does not
// change any route state.
func (r *Router) Stats(ctx context.Context) ([]RouteStats, error) {
	r.mu.Lock()
	routes := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	r.mu.Unlock()

	sort.Slice(routes, func(i, j int) bool { return routes[i].key < routes[j].key })

	out := make([]RouteStats, 0, len(routes))
	for _, rt := range routes {
		st, err := rt.stats(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ResetBreaker closes the circuit of a route.
func (r *Router) ResetBreaker(provider, model string) error {
	rt, err := r.lookup(provider, model)
	if err != nil {
		return err
	}
	rt.breaker.Reset()
	return nil
}

// RetryPolicy returns the effective retry policy.
func (r *Router) RetryPolicy() RetryPolicy { return r.retry }

func (rt *route) stats(ctx context.Context) (RouteStats, error) {
	ls, err := rt.limiter.Snapshot(ctx)
	if err != nil {
		return RouteStats{}, fmt.Errorf("llmrouter: stats %s: %w", rt.key, err)
	}
	return RouteStats{
		RouteKey: rt.key,
		Provider: rt.provider,
		Model:    rt.model,
		Limiter:  ls,
		Breaker:  rt.breaker.Snapshot(),
	}, nil
}
