package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/provider/openaicompat"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini API adapter.
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

// WithName sets the provider name (default: "gemini").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels restricts the models the provider accepts.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "gemini",
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
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

// Gemini API types.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (p *Provider) Complete(ctx context.Context, prompt string, opts llmrouter.Options) (llmrouter.Completion, error) {
	if !p.SupportsModel(opts.Model) {
		return llmrouter.Completion{}, &llmrouter.PermanentError{
			Cause: fmt.Errorf("%s: model %q not supported", p.name, opts.Model),
		}
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	if opts.Temperature != nil || opts.MaxTokens != nil {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, url.PathEscape(opts.Model), url.QueryEscape(p.apiKey))

	start := p.now()
	httpResp, err := p.doRequest(ctx, endpoint, body, opts.CorrelationID)
	if err != nil {
		return llmrouter.Completion{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return llmrouter.Completion{}, openaicompat.StatusError(p.name, httpResp, p.now())
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return llmrouter.Completion{}, &llmrouter.TransientError{
			Status: httpResp.StatusCode,
			Cause:  fmt.Errorf("decode gemini response: %w", err),
		}
	}

	if len(resp.Candidates) == 0 {
		return llmrouter.Completion{}, &llmrouter.TransientError{
			Status: httpResp.StatusCode,
			Cause:  errors.New("empty candidates in gemini response"),
		}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	md := openaicompat.HeaderMetadata(httpResp.Header, "retry-after")
	if resp.ModelVersion != "" {
		md["model"] = resp.ModelVersion
	}

	return llmrouter.Completion{
		Text:         text.String(),
		TokensIn:     resp.UsageMetadata.PromptTokenCount,
		TokensOut:    resp.UsageMetadata.CandidatesTokenCount,
		Latency:      p.now().Sub(start),
		FinishReason: strings.ToLower(resp.Candidates[0].FinishReason),
		Metadata:     md,
	}, nil
}

func (p *Provider) doRequest(ctx context.Context, endpoint string, body geminiRequest, correlationID string) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &llmrouter.PermanentError{Cause: fmt.Errorf("marshal gemini request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &llmrouter.PermanentError{Cause: fmt.Errorf("create gemini request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		httpReq.Header.Set("X-Request-ID", correlationID)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, openaicompat.TransportError(ctx, err)
	}

	return resp, nil
}
