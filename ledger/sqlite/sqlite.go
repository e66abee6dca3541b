// Package sqlite provides a SQLite-backed ledger.Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/llmrouter/ledger"
)

// Store implements ledger.Store with a SQLite database.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

const createTable = `
CREATE TABLE IF NOT EXISTS route_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	success INTEGER NOT NULL,
	error_class TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL,
	tokens_in INTEGER NOT NULL,
	tokens_out INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_route_results_time ON route_results(created_at);
CREATE INDEX IF NOT EXISTS idx_route_results_route ON route_results(provider, model);
`

// New opens the database at dbPath (":memory:" works) and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &Store{db: db}, nil
}

// Record stores a ledger entry.
func (s *Store) Record(ctx context.Context, rec ledger.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO route_results (correlation_id, provider, model, success, error_class, attempts,
			tokens_in, tokens_out, cost_usd, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.Provider, rec.Model, rec.Success, rec.ErrorClass, rec.Attempts,
		rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.Duration.Milliseconds(), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

// Summary returns usage aggregated per route since the given time.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]ledger.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, model, COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		 FROM route_results WHERE created_at >= ?
		 GROUP BY provider, model ORDER BY provider, model`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []ledger.Summary
	for rows.Next() {
		var sum ledger.Summary
		if err := rows.Scan(&sum.Provider, &sum.Model, &sum.Requests, &sum.Failures,
			&sum.TokensIn, &sum.TokensOut, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
