package gonka

import (
	"context"
	"net/http"
	"time"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/provider/openaicompat"
)

// Endpoint is a Gonka inference node.
type Endpoint struct {
	URL     string // HTTP endpoint (e.g. "https://node1.gonka.ai/v1")
	Address string // bech32 address of the node, signed into every request
}

// Provider is the Gonka decentralized compute network adapter. It is an
// OpenAI-compatible client whose transport signs every request body with
// the account's secp256k1 key.
type Provider struct {
	inner  *openaicompat.Provider
	signer *Signer
}

var _ llmrouter.Provider = (*Provider)(nil)

// Option configures the Gonka provider.
type Option func(*config)

type config struct {
	name      string
	models    []string
	timeout   time.Duration
	transport http.RoundTripper
	now       func() time.Time
}

// WithName sets the provider name (default: "gonka").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithModels restricts the models the provider accepts.
func WithModels(models ...string) Option {
	return func(c *config) { c.models = models }
}

// WithTimeout sets the HTTP client timeout. Default is 120s, generous for
// a P2P network.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBaseTransport sets the underlying HTTP transport (before signing).
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

func withNow(fn func() time.Time) Option {
	return func(c *config) { c.now = fn }
}

// New creates a Gonka provider that signs with the hex-encoded private key.
func New(privateKeyHex string, endpoint Endpoint, opts ...Option) (*Provider, error) {
	cfg := &config{
		name:    "gonka",
		timeout: 120 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	signer, err := NewSigner(privateKeyHex, endpoint.Address)
	if err != nil {
		return nil, err
	}

	base := cfg.transport
	if base == nil {
		base = http.DefaultTransport
	}

	httpClient := &http.Client{
		Transport: &signingTransport{base: base, signer: signer, now: cfg.now},
		Timeout:   cfg.timeout,
	}

	innerOpts := []openaicompat.Option{openaicompat.WithHTTPClient(httpClient)}
	if len(cfg.models) > 0 {
		innerOpts = append(innerOpts, openaicompat.WithModels(cfg.models...))
	}

	return &Provider{
		inner:  openaicompat.New(cfg.name, endpoint.URL, innerOpts...),
		signer: signer,
	}, nil
}

func (p *Provider) Name() string { return p.inner.Name() }

// Address returns the requester address of the signing account.
func (p *Provider) Address() string { return p.signer.Address() }

func (p *Provider) Complete(ctx context.Context, prompt string, opts llmrouter.Options) (llmrouter.Completion, error) {
	return p.inner.Complete(ctx, prompt, opts)
}
