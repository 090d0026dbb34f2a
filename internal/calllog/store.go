// Package calllog keeps a history of proxied calls in SQLite, fed by the
// SIP engine's call events.
package calllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/meshsip/internal/store"
)

// Call is one row of the call history.
type Call struct {
	CallID     string     `json:"call_id"`
	Callee     string     `json:"callee"`
	CallerAddr string     `json:"caller_addr"`
	CalleeAddr string     `json:"callee_addr"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	StatusCode int        `json:"status_code,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// Store persists calls.
type Store struct {
	db *sql.DB
}

// NewStore migrates the call log tables and returns a store over them.
func NewStore(ctx context.Context, s *store.SQLiteStore) (*Store, error) {
	if err := s.Migrate(ctx, "calllog", migrations()); err != nil {
		return nil, fmt.Errorf("migrate calllog: %w", err)
	}
	return &Store{db: s.DB()}, nil
}

// Start inserts a new call row.
func (s *Store) Start(ctx context.Context, c Call) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_log (call_id, callee, caller_addr, callee_addr, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.CallID, c.Callee, c.CallerAddr, c.CalleeAddr, c.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.CallID, err)
	}
	return nil
}

// Answer marks the open call with callID as answered.
func (s *Store) Answer(ctx context.Context, callID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_log SET answered_at = ?
		WHERE id = (SELECT MAX(id) FROM call_log WHERE call_id = ? AND ended_at IS NULL)
		  AND answered_at IS NULL`,
		at.UTC(), callID)
	if err != nil {
		return fmt.Errorf("answer call %s: %w", callID, err)
	}
	return expectRow(res, callID)
}

// End closes the open call with callID.
func (s *Store) End(ctx context.Context, callID string, at time.Time, reason string, status int, duration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_log SET ended_at = ?, end_reason = ?, status_code = ?, duration_ms = ?
		WHERE id = (SELECT MAX(id) FROM call_log WHERE call_id = ? AND ended_at IS NULL)`,
		at.UTC(), reason, status, duration.Milliseconds(), callID)
	if err != nil {
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	return expectRow(res, callID)
}

// ErrNoOpenCall is returned when an update matches no open call.
var ErrNoOpenCall = errors.New("no open call")

func expectRow(res sql.Result, callID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("call %s: %w", callID, ErrNoOpenCall)
	}
	return nil
}

// RecentCalls returns up to limit calls, newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, callee, caller_addr, callee_addr, started_at,
		       answered_at, ended_at, end_reason, status_code, duration_ms
		FROM call_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	calls := make([]Call, 0, limit)
	for rows.Next() {
		var (
			c        Call
			answered sql.NullTime
			ended    sql.NullTime
		)
		if err := rows.Scan(&c.CallID, &c.Callee, &c.CallerAddr, &c.CalleeAddr, &c.StartedAt,
			&answered, &ended, &c.EndReason, &c.StatusCode, &c.DurationMs); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if answered.Valid {
			c.AnsweredAt = &answered.Time
		}
		if ended.Valid {
			c.EndedAt = &ended.Time
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create call_log table",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS call_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					call_id TEXT NOT NULL,
					callee TEXT NOT NULL DEFAULT '',
					caller_addr TEXT NOT NULL DEFAULT '',
					callee_addr TEXT NOT NULL DEFAULT '',
					started_at DATETIME NOT NULL,
					answered_at DATETIME,
					ended_at DATETIME,
					end_reason TEXT NOT NULL DEFAULT '',
					status_code INTEGER NOT NULL DEFAULT 0,
					duration_ms INTEGER NOT NULL DEFAULT 0
				)`); err != nil {
					return err
				}
				_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_call_log_call_id ON call_log(call_id)`)
				return err
			},
		},
	}
}
