package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/llmrouter"
)

// Provider is a scripted LLM provider for tests and dry runs.
type Provider struct {
	name      string
	models    []string
	latency   time.Duration
	failAfter int
	staticErr error
	text      string
	tokensIn  int64
	tokensOut int64
	metadata  map[string]string

	responseFunc func(prompt string, opts llmrouter.Options) (llmrouter.Completion, error)

	mu     sync.Mutex
	errs   []error
	calls  []llmrouter.Options
	prompt []string

	callCount atomic.Int64
	inFlight  atomic.Int64
	peak      atomic.Int64
}

var _ llmrouter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:      "mock",
		text:      "Hello from mock provider",
		tokensIn:  10,
		tokensOut: 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels restricts supported models. Calls for other models fail with
// a permanent error.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithLatency adds simulated latency to each call. The wait honors ctx.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail with a transient error after N
// successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrors scripts the outcome of the first calls: call i returns errs[i]
// (nil means success). Later calls succeed.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.errs = append(p.errs, errs...) }
}

// WithText sets the completion text.
func WithText(text string) Option {
	return func(p *Provider) { p.text = text }
}

// WithUsage sets the token usage returned by the mock.
func WithUsage(in, out int64) Option {
	return func(p *Provider) { p.tokensIn, p.tokensOut = in, out }
}

// WithMetadata sets the response metadata, e.g. rate limit headers.
func WithMetadata(md map[string]string) Option {
	return func(p *Provider) { p.metadata = md }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(prompt string, opts llmrouter.Options) (llmrouter.Completion, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) supportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts llmrouter.Options) (llmrouter.Completion, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	count := p.callCount.Add(1)

	p.mu.Lock()
	p.calls = append(p.calls, opts)
	p.prompt = append(p.prompt, prompt)
	var scripted error
	hasScript := int(count) <= len(p.errs)
	if hasScript {
		scripted = p.errs[count-1]
	}
	p.mu.Unlock()

	if p.latency > 0 {
		t := time.NewTimer(p.latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return llmrouter.Completion{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return llmrouter.Completion{}, p.staticErr
	}
	if scripted != nil {
		return llmrouter.Completion{}, scripted
	}
	if p.failAfter > 0 && int(count) > p.failAfter {
		return llmrouter.Completion{}, &llmrouter.TransientError{Status: 503}
	}
	if !p.supportsModel(opts.Model) {
		return llmrouter.Completion{}, &llmrouter.PermanentError{Status: 404}
	}

	if p.responseFunc != nil {
		return p.responseFunc(prompt, opts)
	}

	md := make(map[string]string, len(p.metadata)+1)
	for k, v := range p.metadata {
		md[k] = v
	}
	if opts.CorrelationID != "" {
		md["x-request-id"] = opts.CorrelationID
	}

	return llmrouter.Completion{
		Text:         p.text,
		TokensIn:     p.tokensIn,
		TokensOut:    p.tokensOut,
		Latency:      p.latency,
		FinishReason: "stop",
		Metadata:     md,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// PeakInFlight returns the highest number of concurrent calls observed.
func (p *Provider) PeakInFlight() int64 { return p.peak.Load() }

// Calls returns the options of every call so far.
func (p *Provider) Calls() []llmrouter.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llmrouter.Options, len(p.calls))
	copy(out, p.calls)
	return out
}

// Prompts returns the prompt of every call so far.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompt))
	copy(out, p.prompt)
	return out
}
