package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/llmrouter"
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with OpenAI, Grok/xAI, Cerebras, Together, vLLM and others.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     []string
	now        func() time.Time
}

var _ llmrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithModels restricts the models the provider accepts. Empty accepts all.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewGrok creates a provider for Grok/xAI.
func NewGrok(opts ...Option) *Provider {
	return New("grok", "https://api.x.ai/v1", opts...)
}

// NewCerebras creates a provider for Cerebras.
func NewCerebras(opts ...Option) *Provider {
	return New("cerebras", "https://api.cerebras.ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

// SupportsModel reports whether model is served by this provider.
func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true // no filter → accept all
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// rateLimitHeaders are copied into Completion.Metadata.
var rateLimitHeaders = []string{
	"x-ratelimit-limit-requests",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-limit-tokens",
	"x-ratelimit-remaining-tokens",
	"retry-after",
}

// Complete sends prompt as a single user message.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llmrouter.Options) (llmrouter.Completion, error) {
	if !p.SupportsModel(opts.Model) {
		return llmrouter.Completion{}, &llmrouter.PermanentError{
			Cause: fmt.Errorf("%s: model %q not supported", p.name, opts.Model),
		}
	}

	body := apiRequest{
		Model:       opts.Model,
		Messages:    []apiMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	start := p.now()
	httpResp, err := p.doRequest(ctx, body, opts.CorrelationID)
	if err != nil {
		return llmrouter.Completion{}, err
	}
	defer httpResp.Body.Close()

	if err := p.mapHTTPError(httpResp); err != nil {
		return llmrouter.Completion{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return llmrouter.Completion{}, &llmrouter.TransientError{
			Status: httpResp.StatusCode,
			Cause:  fmt.Errorf("decode response: %w", err),
		}
	}

	if len(resp.Choices) == 0 {
		return llmrouter.Completion{}, &llmrouter.TransientError{
			Status: httpResp.StatusCode,
			Cause:  errors.New("empty choices in response"),
		}
	}

	md := HeaderMetadata(httpResp.Header, rateLimitHeaders...)
	if resp.ID != "" {
		md["id"] = resp.ID
	}
	if resp.Model != "" {
		md["model"] = resp.Model
	}

	return llmrouter.Completion{
		Text:         resp.Choices[0].Message.Content,
		TokensIn:     resp.Usage.PromptTokens,
		TokensOut:    resp.Usage.CompletionTokens,
		Latency:      p.now().Sub(start),
		FinishReason: resp.Choices[0].FinishReason,
		Metadata:     md,
	}, nil
}

func (p *Provider) doRequest(ctx context.Context, body apiRequest, correlationID string) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &llmrouter.PermanentError{Cause: fmt.Errorf("marshal request: %w", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &llmrouter.PermanentError{Cause: fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if correlationID != "" {
		httpReq.Header.Set("X-Request-ID", correlationID)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, TransportError(ctx, err)
	}

	return resp, nil
}

func (p *Provider) mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return StatusError(p.name, resp, p.now())
}

// StatusError reads up to 1KB of an unsuccessful response body and maps
// the status onto the router's error taxonomy, honoring Retry-After.
// It closes the body.
func StatusError(provider string, resp *http.Response, now time.Time) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	retryAfter, _ := llmrouter.ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	cause := fmt.Errorf("%s: %s", provider, strings.TrimSpace(string(body)))
	return llmrouter.FromStatus(resp.StatusCode, retryAfter, cause)
}

// TransportError maps a failed round trip. Context errors pass through so
// the router can tell cancellation from a broken connection.
func TransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &llmrouter.TransientError{Cause: err}
}

// HeaderMetadata copies the named headers, lower-cased, into a map.
func HeaderMetadata(h http.Header, names ...string) map[string]string {
	md := make(map[string]string, len(names))
	for _, name := range names {
		if v := h.Get(name); v != "" {
			md[strings.ToLower(name)] = v
		}
	}
	return md
}
