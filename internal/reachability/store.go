package reachability

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/HerbHall/meshsip/internal/store"
)

// ResultStore keeps the latest result per user in SQLite.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore migrates the reachability tables and returns a store over them.
func NewResultStore(ctx context.Context, s *store.SQLiteStore) (*ResultStore, error) {
	if err := s.Migrate(ctx, "reachability", migrations()); err != nil {
		return nil, fmt.Errorf("migrate reachability: %w", err)
	}
	return &ResultStore{db: s.DB()}, nil
}

// Save upserts results in one transaction.
func (s *ResultStore) Save(ctx context.Context, results []Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reachability_results (
			user_id, display_name, host, ip, resolved, reachable, rtt_ms, error, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			host = excluded.host,
			ip = excluded.ip,
			resolved = excluded.resolved,
			reachable = excluded.reachable,
			rtt_ms = excluded.rtt_ms,
			error = excluded.error,
			checked_at = excluded.checked_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx,
			r.UserID, r.DisplayName, r.Host, r.IP, boolInt(r.Resolved), boolInt(r.Reachable),
			r.RTTMs, r.Error, r.CheckedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert result %s: %w", r.UserID, err)
		}
	}
	return tx.Commit()
}

// List returns every stored result ordered by user ID.
func (s *ResultStore) List(ctx context.Context) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, host, ip, resolved, reachable, rtt_ms, error, checked_at
		FROM reachability_results
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var resolved, reachable int
		if err := rows.Scan(&r.UserID, &r.DisplayName, &r.Host, &r.IP, &resolved, &reachable,
			&r.RTTMs, &r.Error, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Resolved = resolved == 1
		r.Reachable = reachable == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create reachability_results table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS reachability_results (
					user_id TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					host TEXT NOT NULL,
					ip TEXT NOT NULL DEFAULT '',
					resolved INTEGER NOT NULL DEFAULT 0,
					reachable INTEGER NOT NULL DEFAULT 0,
					rtt_ms REAL NOT NULL DEFAULT 0,
					error TEXT NOT NULL DEFAULT '',
					checked_at DATETIME NOT NULL
				)`)
				return err
			},
		},
	}
}
