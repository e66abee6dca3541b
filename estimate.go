package llmrouter

import (
	"log/slog"
	"sync"
	"unicode/utf8"
)

const (
	// CharsPerToken is the heuristic ratio used when no tokenizer is known.
	CharsPerToken = 4

	// SafetyMarginPercent inflates every estimate by 10%.
	SafetyMarginPercent = 110
)

// Tokenizer counts tokens exactly for a provider's models.
type Tokenizer interface {
	CountTokens(text, model string) (int, error)
}

// TokenizerFunc adapts a function to Tokenizer.
type TokenizerFunc func(text, model string) (int, error)

func (f TokenizerFunc) CountTokens(text, model string) (int, error) { return f(text, model) }

// TokenEstimator estimates prompt tokens before a request is sent.
type TokenEstimator struct {
	tokenizers map[string]Tokenizer
	logger     *slog.Logger
	warned     sync.Map // provider -> struct{}
}

// EstimatorOption configures a TokenEstimator.
type EstimatorOption func(*TokenEstimator)

// WithTokenizer registers an exact tokenizer for provider.
func WithTokenizer(provider string, t Tokenizer) EstimatorOption {
	return func(e *TokenEstimator) { e.tokenizers[provider] = t }
}

// WithEstimatorLogger sets the logger used for fallback warnings.
func WithEstimatorLogger(l *slog.Logger) EstimatorOption {
	return func(e *TokenEstimator) { e.logger = l }
}

// NewTokenEstimator creates an estimator. Providers without a registered
// tokenizer use the character heuristic.
func NewTokenEstimator(opts ...EstimatorOption) *TokenEstimator {
	e := &TokenEstimator{
		tokenizers: make(map[string]Tokenizer),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate returns the token count of text for the given route, including
// the safety margin. It never fails.
func (e *TokenEstimator) Estimate(text, model, provider string) int {
	return applyMargin(e.raw(text, model, provider))
}

func (e *TokenEstimator) raw(text, model, provider string) int {
	t, ok := e.tokenizers[provider]
	if !ok {
		e.warnOnce(provider, model, "no tokenizer for provider, using character heuristic", nil)
		return HeuristicTokens(text)
	}
	n, err := t.CountTokens(text, model)
	if err != nil {
		e.warnOnce(provider, model, "tokenizer failed, using character heuristic", err)
		return HeuristicTokens(text)
	}
	return n
}

func (e *TokenEstimator) warnOnce(provider, model, msg string, err error) {
	if _, loaded := e.warned.LoadOrStore(provider, struct{}{}); loaded {
		return
	}
	attrs := []any{"provider", provider, "model", model}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	e.logger.Warn(msg, attrs...)
}

// HeuristicTokens estimates tokens as ceil(runes / CharsPerToken).
func HeuristicTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

func applyMargin(raw int) int {
	return raw * SafetyMarginPercent / 100
}

// Message is one chat message, for estimating multi-message prompts.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EstimateMessages estimates a chat request: content tokens plus 4 tokens
// of overhead per message (role, formatting) and 3 per request, with the
// safety margin applied to the total.
func (e *TokenEstimator) EstimateMessages(messages []Message, model, provider string) int {
	total := 3
	for _, m := range messages {
		total += e.raw(m.Content, model, provider) + 4
	}
	return applyMargin(total)
}
