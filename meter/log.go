package meter

import (
	"log/slog"

	"github.com/ineyio/llmrouter"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ llmrouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e llmrouter.RouteEvent) {
	m.Logger.Debug("route",
		"provider", e.Provider,
		"model", e.Model,
		"correlation_id", e.CorrelationID,
		"attempt", e.AttemptNum,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnRetry(e llmrouter.RetryEvent) {
	m.Logger.Warn("retry",
		"provider", e.Provider,
		"model", e.Model,
		"correlation_id", e.CorrelationID,
		"attempt", e.AttemptNum,
		"delay_ms", e.Delay.Milliseconds(),
		"class", llmrouter.Classify(e.Error).String(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnResult(e llmrouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"provider", e.Provider,
			"model", e.Model,
			"correlation_id", e.CorrelationID,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"estimated_tokens", e.EstimatedTokens,
			"prompt_tokens", e.TokensIn,
			"completion_tokens", e.TokensOut,
			"cost_usd", e.CostUSD,
		)
	} else {
		m.Logger.Warn("result_error",
			"provider", e.Provider,
			"model", e.Model,
			"correlation_id", e.CorrelationID,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"class", llmrouter.Classify(e.Error).String(),
			"error", e.Error,
		)
	}
}
