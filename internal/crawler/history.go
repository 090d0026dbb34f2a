package crawler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/meshsip/internal/store"
)

// Run is one recorded crawl cycle.
type Run struct {
	ID          string    `json:"id"`
	Root        string    `json:"root"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	Visited     int       `json:"visited"`
	Unreachable int       `json:"unreachable"`
	Nodes       int       `json:"nodes"`
	Connections int       `json:"connections"`
	Deleted     int       `json:"deleted"`
	Inactive    int       `json:"inactive"`
	Error       string    `json:"error,omitempty"`
}

// HistoryStore persists crawl runs.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore migrates the crawl tables and returns a store over them.
func NewHistoryStore(ctx context.Context, s *store.SQLiteStore) (*HistoryStore, error) {
	if err := s.Migrate(ctx, "crawler", migrations()); err != nil {
		return nil, fmt.Errorf("migrate crawler: %w", err)
	}
	return &HistoryStore{db: s.DB()}, nil
}

// RecordRun inserts a crawl run.
func (h *HistoryStore) RecordRun(ctx context.Context, r *Run) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (
			id, root, started_at, duration_ms, visited, unreachable,
			nodes, connections, deleted, inactive, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Root, r.StartedAt.UTC(), r.DurationMs, r.Visited, r.Unreachable,
		r.Nodes, r.Connections, r.Deleted, r.Inactive, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (h *HistoryStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, root, started_at, duration_ms, visited, unreachable,
		       nodes, connections, deleted, inactive, error
		FROM crawl_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Root, &r.StartedAt, &r.DurationMs, &r.Visited, &r.Unreachable,
			&r.Nodes, &r.Connections, &r.Deleted, &r.Inactive, &r.Error); err != nil {
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune deletes runs started before cutoff and returns how many went.
func (h *HistoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, "DELETE FROM crawl_runs WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune crawl runs: %w", err)
	}
	return res.RowsAffected()
}

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create crawl_runs table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS crawl_runs (
						id TEXT PRIMARY KEY,
						root TEXT NOT NULL,
						started_at DATETIME NOT NULL,
						duration_ms INTEGER NOT NULL DEFAULT 0,
						visited INTEGER NOT NULL DEFAULT 0,
						unreachable INTEGER NOT NULL DEFAULT 0,
						nodes INTEGER NOT NULL DEFAULT 0,
						connections INTEGER NOT NULL DEFAULT 0,
						deleted INTEGER NOT NULL DEFAULT 0,
						inactive INTEGER NOT NULL DEFAULT 0,
						error TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX IF NOT EXISTS idx_crawl_runs_started ON crawl_runs(started_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
