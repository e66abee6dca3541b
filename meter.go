package llmrouter

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called before each attempt.
	OnRoute(event RouteEvent)

	// OnRetry is called when a failed attempt will be retried.
	OnRetry(event RetryEvent)

	// OnResult is called once per Route call with the final outcome.
	OnResult(event ResultEvent)
}

// RouteEvent describes an attempt about to be admitted.
type RouteEvent struct {
	Provider        string
	Model           string
	CorrelationID   string
	AttemptNum      int
	EstimatedTokens int
	Priority        Priority
}

// RetryEvent describes a retry decision.
type RetryEvent struct {
	Provider      string
	Model         string
	CorrelationID string
	AttemptNum    int
	Delay         time.Duration
	Error         error
}

// ResultEvent describes the outcome of a Route call.
type ResultEvent struct {
	Provider        string
	Model           string
	CorrelationID   string
	Success         bool
	Attempts        int
	Duration        time.Duration
	EstimatedTokens int
	TokensIn        int64
	TokensOut       int64
	CostUSD         float64
	FinishReason    string
	Error           error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnRetry(RetryEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
