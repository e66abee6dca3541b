package llmrouter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to unset configuration fields.
const (
	DefaultMaxConcurrent     = 4
	DefaultRequestsPerMinute = 60
	DefaultFailureThreshold  = 5
	DefaultCooldownSeconds   = 30
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 10 * time.Second
	DefaultJitterPercent     = 10
)

// Config is the top-level router configuration.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers" toml:"providers"`
	Retry     RetryPolicy               `yaml:"retry" toml:"retry"`
	Ladder    []ModelTier               `yaml:"ladder" toml:"ladder"`
	Budget    BudgetConfig              `yaml:"budget" toml:"budget"`
}

// ProviderConfig configures one provider: how to build its client and
// how to protect the routes that use it.
type ProviderConfig struct {
	// Kind selects the client factory. Defaults to the provider name.
	Kind    string   `yaml:"kind" toml:"kind"`
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	APIKey  string   `yaml:"api_key" toml:"api_key"`
	Models  []string `yaml:"models" toml:"models"`

	// Address is the node address for signed transports (gonka).
	Address string `yaml:"address" toml:"address"`

	Limits  LimiterConfig `yaml:"limits" toml:"limits"`
	Breaker BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// RetryPolicy configures the router's retry loop.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts per request.
	MaxRetries    int           `yaml:"max_retries" toml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" toml:"max_delay"`

	// JitterPercent spreads each delay by up to ±JitterPercent. Nil means
	// DefaultJitterPercent; zero disables jitter.
	JitterPercent *float64 `yaml:"jitter_percent" toml:"jitter_percent"`
}

// LoadConfig reads and parses a YAML or TOML (by .toml extension) config
// file. Environment variables in the format ${VAR} are expanded before
// parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("llmrouter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("llmrouter: parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("llmrouter: parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := c.Providers[name]
		if name == "" {
			return fmt.Errorf("llmrouter: config: provider name is required")
		}
		if strings.Contains(name, ":") {
			return fmt.Errorf("llmrouter: config: provider %q: name must not contain ':'", name)
		}
		if p.Limits.MaxConcurrent < 0 || p.Limits.RequestsPerMinute < 0 || p.Limits.TokensPerMinute < 0 {
			return fmt.Errorf("llmrouter: config: provider %q: limits must be non-negative", name)
		}
		if p.Breaker.FailureThreshold < 0 || p.Breaker.CooldownSeconds < 0 {
			return fmt.Errorf("llmrouter: config: provider %q: breaker settings must be non-negative", name)
		}
	}

	r := c.Retry
	if r.MaxRetries < 0 || r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("llmrouter: config: retry: values must be non-negative")
	}
	if j := r.JitterPercent; j != nil && (*j < 0 || *j > 100) {
		return fmt.Errorf("llmrouter: config: retry: jitter_percent must be within [0,100]")
	}
	if r.BaseDelay > 0 && r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("llmrouter: config: retry: base_delay exceeds max_delay")
	}

	if len(c.Ladder) > 0 {
		if _, err := NewModelLadder(c.Ladder...); err != nil {
			return fmt.Errorf("llmrouter: config: %w", err)
		}
	}

	if c.Budget.Strategy != "" && !c.Budget.Strategy.Valid() {
		return fmt.Errorf("llmrouter: config: budget: invalid strategy %q", c.Budget.Strategy)
	}
	if c.Budget.MaxTokens < 0 {
		return fmt.Errorf("llmrouter: config: budget: max_tokens must be non-negative")
	}

	return nil
}

// ProviderSettings returns the settings for a provider with defaults
// applied. Unknown providers get the defaults. Zero values mean "use the
// default", so requests_per_minute: 0 yields DefaultRequestsPerMinute
// rather than an unlimited route; tokens_per_minute has no default and
// zero leaves it off.
func (c Config) ProviderSettings(name string) ProviderConfig {
	p := c.Providers[name]
	if p.Kind == "" {
		p.Kind = name
	}
	if p.Limits.MaxConcurrent == 0 {
		p.Limits.MaxConcurrent = DefaultMaxConcurrent
	}
	if p.Limits.RequestsPerMinute == 0 {
		p.Limits.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if p.Breaker.FailureThreshold == 0 {
		p.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if p.Breaker.CooldownSeconds == 0 {
		p.Breaker.CooldownSeconds = DefaultCooldownSeconds
	}
	return p
}

// RetrySettings returns the retry policy with defaults applied.
func (c Config) RetrySettings() RetryPolicy {
	r := c.Retry
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = DefaultBaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultMaxDelay
	}
	if r.JitterPercent == nil {
		j := float64(DefaultJitterPercent)
		r.JitterPercent = &j
	}
	return r
}

// ModelLadder builds the configured ladder.
func (c Config) ModelLadder() (*ModelLadder, error) {
	return NewModelLadder(c.Ladder...)
}

// Backoff returns the delay before retry number attempt (0-based):
// min(base*2^attempt, max), raised to retryAfter if larger, then moved by
// up to ±JitterPercent. rnd must return values in [0,1).
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration, rnd func() float64) time.Duration {
	delay := p.MaxDelay
	if attempt < 32 {
		if d := p.BaseDelay << uint(attempt); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}
	if retryAfter > delay {
		delay = retryAfter
	}

	if p.JitterPercent != nil && *p.JitterPercent > 0 && rnd != nil {
		spread := float64(delay) * *p.JitterPercent / 100
		delay += time.Duration(spread * (2*rnd() - 1))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
