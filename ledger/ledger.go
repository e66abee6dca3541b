// Package ledger persists the outcome of every routed request.
//
// A Meter adapts a Store to llmrouter.Meter so a Router records results as
// they complete. Stores live in sub-packages (sqlite, postgres).
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/ineyio/llmrouter"
)

// Record is one routed request.
type Record struct {
	CorrelationID string
	Provider      string
	Model         string
	Success       bool
	ErrorClass    string
	Attempts      int
	TokensIn      int64
	TokensOut     int64
	CostUSD       float64
	Duration      time.Duration
	CreatedAt     time.Time
}

// Summary aggregates records of one route.
type Summary struct {
	Provider  string
	Model     string
	Requests  int64
	Failures  int64
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// Store records and aggregates ledger entries.
type Store interface {
	// Record stores one entry.
	Record(ctx context.Context, rec Record) error
	// Summary aggregates entries created at or after since, per route,
	// ordered by provider then model.
	Summary(ctx context.Context, since time.Time) ([]Summary, error)
	// Close releases resources.
	Close() error
}

// FromResult builds a Record from a router result event.
func FromResult(e llmrouter.ResultEvent, at time.Time) Record {
	rec := Record{
		CorrelationID: e.CorrelationID,
		Provider:      e.Provider,
		Model:         e.Model,
		Success:       e.Success,
		Attempts:      e.Attempts,
		TokensIn:      e.TokensIn,
		TokensOut:     e.TokensOut,
		CostUSD:       e.CostUSD,
		Duration:      e.Duration,
		CreatedAt:     at.UTC(),
	}
	if !e.Success {
		rec.ErrorClass = llmrouter.Classify(e.Error).String()
	}
	return rec
}

// Meter writes every result event to a Store.
type Meter struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

var _ llmrouter.Meter = (*Meter)(nil)

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) MeterOption {
	return func(m *Meter) { m.logger = l }
}

// WithWriteTimeout bounds each write (default 5s).
func WithWriteTimeout(d time.Duration) MeterOption {
	return func(m *Meter) { m.timeout = d }
}

// NewMeter creates a Meter writing to store.
func NewMeter(store Store, opts ...MeterOption) *Meter {
	m := &Meter{
		store:   store,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Meter) OnRoute(llmrouter.RouteEvent) {}
func (m *Meter) OnRetry(llmrouter.RetryEvent) {}

// OnResult records the event. Write failures are logged, never returned
// to the routed request.
func (m *Meter) OnResult(e llmrouter.ResultEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.store.Record(ctx, FromResult(e, m.now())); err != nil {
		m.logger.Error("ledger write failed",
			"provider", e.Provider,
			"model", e.Model,
			"correlation_id", e.CorrelationID,
			"error", err,
		)
	}
}
