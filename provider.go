package llmrouter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Provider is the interface that LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai", "ollama").
	Name() string

	// Complete performs a single blocking completion. Adapters map upstream
	// failures onto *RateLimitedError, *TransientError or *PermanentError.
	Complete(ctx context.Context, prompt string, opts Options) (Completion, error)
}

// Options are the per-request settings passed to a provider.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   *int

	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// CorrelationID is forwarded to the provider for tracing. The router
	// generates one when empty.
	CorrelationID string
}

// Completion is the result of a provider call.
type Completion struct {
	Text         string
	TokensIn     int64
	TokensOut    int64
	Latency      time.Duration
	FinishReason string

	// Metadata carries provider response details such as rate limit
	// headers, keyed by lower-case header name.
	Metadata map[string]string
}

// LatencyMS returns the latency in milliseconds.
func (c Completion) LatencyMS() int64 { return c.Latency.Milliseconds() }

// Factory constructs a provider client named name from its configuration.
type Factory func(name string, cfg ProviderConfig) (Provider, error)

// Registry resolves provider names to clients. Clients are constructed on
// first use through the factory registered for the provider's kind and
// cached for the lifetime of the registry.
type Registry struct {
	mu        sync.Mutex
	configs   map[string]ProviderConfig
	factories map[string]Factory
	clients   map[string]Provider
}

// NewRegistry creates a registry for the providers declared in cfg.
func NewRegistry(cfg Config) *Registry {
	configs := make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		configs[name] = pc
	}
	return &Registry{
		configs:   configs,
		factories: make(map[string]Factory),
		clients:   make(map[string]Provider),
	}
}

// RegisterFactory sets the factory used for providers of the given kind.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Register adds an already constructed client under its Name.
func (r *Registry) Register(providers ...Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range providers {
		r.clients[p.Name()] = p
	}
}

// Client returns the client for name, constructing it if needed.
func (r *Registry) Client(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.clients[name]; ok {
		return p, nil
	}

	pc, ok := r.configs[name]
	kind := name
	if ok && pc.Kind != "" {
		kind = pc.Kind
	}

	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	p, err := f(name, pc)
	if err != nil {
		return nil, fmt.Errorf("llmrouter: construct provider %q: %w", name, err)
	}
	r.clients[name] = p
	return p, nil
}

// Names returns the configured and registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.configs)+len(r.clients))
	for name := range r.configs {
		seen[name] = true
	}
	for name := range r.clients {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
