// Package provider wires the bundled adapters into a llmrouter.Registry.
package provider

import (
	"fmt"

	"github.com/ineyio/llmrouter"
	"github.com/ineyio/llmrouter/provider/gemini"
	"github.com/ineyio/llmrouter/provider/gonka"
	"github.com/ineyio/llmrouter/provider/mock"
	"github.com/ineyio/llmrouter/provider/ollama"
	"github.com/ineyio/llmrouter/provider/openaicompat"
)

// Provider kinds understood by NewRegistry.
const (
	KindOpenAICompat = "openaicompat"
	KindOpenAI       = "openai"
	KindGrok         = "grok"
	KindCerebras     = "cerebras"
	KindGemini       = "gemini"
	KindOllama       = "ollama"
	KindGonka        = "gonka"
	KindMock         = "mock"
)

// NewRegistry returns a registry for cfg with a factory registered for
// every bundled provider kind.
func NewRegistry(cfg llmrouter.Config) *llmrouter.Registry {
	reg := llmrouter.NewRegistry(cfg)
	for kind, f := range Factories() {
		reg.RegisterFactory(kind, f)
	}
	return reg
}

// Factories returns the factory of each bundled provider kind.
func Factories() map[string]llmrouter.Factory {
	return map[string]llmrouter.Factory{
		KindOpenAICompat: newOpenAICompat(""),
		KindOpenAI:       newOpenAICompat("https://api.openai.com/v1"),
		KindGrok:         newOpenAICompat("https://api.x.ai/v1"),
		KindCerebras:     newOpenAICompat("https://api.cerebras.ai/v1"),
		KindGemini:       newGemini,
		KindOllama:       newOllama,
		KindGonka:        newGonka,
		KindMock:         newMock,
	}
}

func newOpenAICompat(defaultURL string) llmrouter.Factory {
	return func(name string, pc llmrouter.ProviderConfig) (llmrouter.Provider, error) {
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = defaultURL
		}
		if baseURL == "" {
			return nil, fmt.Errorf("provider %q: base_url is required", name)
		}
		return openaicompat.New(name, baseURL,
			openaicompat.WithAPIKey(pc.APIKey),
			openaicompat.WithModels(pc.Models...),
		), nil
	}
}

func newGemini(name string, pc llmrouter.ProviderConfig) (llmrouter.Provider, error) {
	opts := []gemini.Option{
		gemini.WithName(name),
		gemini.WithAPIKey(pc.APIKey),
		gemini.WithModels(pc.Models...),
	}
	if pc.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
	}
	return gemini.New(opts...), nil
}

func newOllama(name string, pc llmrouter.ProviderConfig) (llmrouter.Provider, error) {
	return ollama.New(
		ollama.WithName(name),
		ollama.WithBaseURL(pc.BaseURL),
		ollama.WithModels(pc.Models...),
	)
}

func newGonka(name string, pc llmrouter.ProviderConfig) (llmrouter.Provider, error) {
	if pc.BaseURL == "" {
		return nil, fmt.Errorf("provider %q: base_url is required", name)
	}
	return gonka.New(pc.APIKey, gonka.Endpoint{URL: pc.BaseURL, Address: pc.Address},
		gonka.WithName(name),
		gonka.WithModels(pc.Models...),
	)
}

func newMock(name string, pc llmrouter.ProviderConfig) (llmrouter.Provider, error) {
	return mock.New(mock.WithName(name), mock.WithModels(pc.Models...)), nil
}
