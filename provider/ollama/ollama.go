package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/ineyio/llmrouter"
)

// Provider routes completions to an Ollama server through its Go client.
type Provider struct {
	name   string
	client *ollama.Client
	models []string
	now    func() time.Time
}

var _ llmrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*config)

type config struct {
	name       string
	baseURL    string
	httpClient *http.Client
	models     []string
}

// WithName sets the provider name (default: "ollama").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL sets the server address. Empty uses OLLAMA_HOST.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *config) { c.httpClient = h }
}

// WithModels restricts the models the provider accepts.
func WithModels(models ...string) Option {
	return func(c *config) { c.models = models }
}

// New creates an Ollama provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &config{name: "ollama", httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(cfg)
	}

	var client *ollama.Client
	if cfg.baseURL == "" {
		c, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama: client from environment: %w", err)
		}
		client = c
	} else {
		base, err := url.Parse(strings.TrimRight(cfg.baseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("ollama: invalid base url: %w", err)
		}
		client = ollama.NewClient(base, cfg.httpClient)
	}

	return &Provider{
		name:   cfg.name,
		client: client,
		models: cfg.models,
		now:    time.Now,
	}, nil
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

// Complete runs a non-streaming chat with prompt as the user message.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llmrouter.Options) (llmrouter.Completion, error) {
	if !p.supportsModel(opts.Model) {
		return llmrouter.Completion{}, &llmrouter.PermanentError{
			Cause: fmt.Errorf("%s: model %q not supported", p.name, opts.Model),
		}
	}

	stream := false
	req := &ollama.ChatRequest{
		Model:    opts.Model,
		Messages: []ollama.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if opts.Temperature != nil {
		req.Options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		req.Options["num_predict"] = *opts.MaxTokens
	}

	var (
		text strings.Builder
		last ollama.ChatResponse
	)
	start := p.now()
	err := p.client.Chat(ctx, req, func(res ollama.ChatResponse) error {
		text.WriteString(res.Message.Content)
		last = res
		return nil
	})
	if err != nil {
		return llmrouter.Completion{}, p.mapError(ctx, err)
	}

	reason := last.DoneReason
	if reason == "" {
		reason = "stop"
	}

	md := map[string]string{"model": last.Model}
	if opts.CorrelationID != "" {
		md["x-request-id"] = opts.CorrelationID
	}

	return llmrouter.Completion{
		Text:         text.String(),
		TokensIn:     int64(last.PromptEvalCount),
		TokensOut:    int64(last.EvalCount),
		Latency:      p.now().Sub(start),
		FinishReason: reason,
		Metadata:     md,
	}, nil
}

func (p *Provider) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var se ollama.StatusError
	if errors.As(err, &se) {
		return llmrouter.FromStatus(se.StatusCode, 0, fmt.Errorf("%s: %s", p.name, se.ErrorMessage))
	}
	return &llmrouter.TransientError{Cause: fmt.Errorf("%s: %w", p.name, err)}
}
