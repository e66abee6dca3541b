// Package postgres provides a PostgreSQL-backed ledger.Store.
//
// Entries are keyed by correlation id, so replaying the same result is a
// no-op. This makes it safe to share one ledger between router instances.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/llmrouter/ledger"
)

// Store is a PostgreSQL-backed ledger.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "llmrouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed ledger. The pool is owned by the
// caller; Close does not close it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "llmrouter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) resultsTable() string { return s.tablePrefix + "route_results" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			correlation_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			error_class TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			tokens_in BIGINT NOT NULL,
			tokens_out BIGINT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_created_at ON %[1]s (created_at);
	`, s.resultsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("llmrouter/postgres: ensure schema: %w", err)
	}
	return nil
}

// Record stores a ledger entry. A repeated correlation id is ignored.
func (s *Store) Record(ctx context.Context, rec ledger.Record) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (correlation_id, provider, model, success, error_class, attempts,
				tokens_in, tokens_out, cost_usd, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (correlation_id) DO NOTHING`, s.resultsTable()),
		rec.CorrelationID, rec.Provider, rec.Model, rec.Success, rec.ErrorClass, rec.Attempts,
		rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.Duration.Milliseconds(), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("llmrouter/postgres: record: %w", err)
	}
	return nil
}

// Summary aggregates entries per route since the given time.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]ledger.Summary, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT provider, model, COUNT(*),
				COUNT(*) FILTER (WHERE NOT success),
				COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
			FROM %s WHERE created_at >= $1
			GROUP BY provider, model ORDER BY provider, model`, s.resultsTable()),
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("llmrouter/postgres: summary: %w", err)
	}
	defer rows.Close()

	var out []ledger.Summary
	for rows.Next() {
		var sum ledger.Summary
		if err := rows.Scan(&sum.Provider, &sum.Model, &sum.Requests, &sum.Failures,
			&sum.TokensIn, &sum.TokensOut, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("llmrouter/postgres: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than the given age.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.resultsTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("llmrouter/postgres: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }
