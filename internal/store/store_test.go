package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshsip.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func countMigrations(t *testing.T, s *SQLiteStore, component string) int {
	t.Helper()
	var n int
	err := s.DB().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM _migrations WHERE component = ?", component).Scan(&n)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	return n
}

func TestNew_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	if _, err := New("/nonexistent/dir/meshsip.db"); err == nil {
		t.Error("New() error = nil, want error for missing directory")
	}
}

func TestTx_RollbackOnError(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE calls (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	errBoom := errors.New("boom")
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO calls (id) VALUES ('a')"); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Tx() error = %v, want %v", err, errBoom)
	}

	var n int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestMigrate_AppliesOnce(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	runs := 0
	migrations := []Migration{
		{Version: 1, Description: "create crawl table", Up: func(tx *sql.Tx) error {
			runs++
			_, err := tx.Exec("CREATE TABLE crawl_test (id TEXT PRIMARY KEY)")
			return err
		}},
		{Version: 2, Description: "add node count", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("ALTER TABLE crawl_test ADD COLUMN nodes INTEGER")
			return err
		}},
	}

	for i := 0; i < 2; i++ {
		if err := s.Migrate(ctx, "crawler", migrations); err != nil {
			t.Fatalf("Migrate pass %d: %v", i, err)
		}
	}
	if runs != 1 {
		t.Errorf("migration 1 ran %d times, want 1", runs)
	}
	if got := countMigrations(t, s, "crawler"); got != 2 {
		t.Errorf("recorded migrations = %d, want 2", got)
	}
	if _, err := s.DB().ExecContext(ctx, "INSERT INTO crawl_test (id, nodes) VALUES ('r1', 3)"); err != nil {
		t.Errorf("insert after migrations: %v", err)
	}
}

func TestMigrate_ComponentsIsolated(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	for _, comp := range []string{"crawler", "reachability"} {
		table := comp + "_data"
		err := s.Migrate(ctx, comp, []Migration{{Version: 1, Description: table, Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE " + table + " (id INTEGER)")
			return err
		}}})
		if err != nil {
			t.Fatalf("Migrate(%s): %v", comp, err)
		}
		if got := countMigrations(t, s, comp); got != 1 {
			t.Errorf("%s migrations = %d, want 1", comp, got)
		}
	}
}

func TestMigrate_PartialFailure(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	migrations := []Migration{
		{Version: 1, Description: "ok", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE partial_test (id INTEGER)")
			return err
		}},
		{Version: 2, Description: "bad", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("NOT SQL")
			return err
		}},
	}

	if err := s.Migrate(ctx, "partial", migrations); err == nil {
		t.Fatal("Migrate() error = nil, want error")
	}
	if got := countMigrations(t, s, "partial"); got != 1 {
		t.Errorf("committed migrations = %d, want 1", got)
	}
}

func TestPragmas(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	var mode string
	if err := s.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want %q", mode, "wal")
	}

	var fk int
	if err := s.DB().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		first   string
		second  string
		wantErr error
		stored  string
	}{
		{"same version", "0.4.0", "0.4.0", nil, "0.4.0"},
		{"upgrade", "0.4.0", "0.5.0", nil, "0.5.0"},
		{"downgrade rejected", "0.5.0", "0.4.0", ErrNewerSchema, "0.5.0"},
		{"dev binary", "0.5.0", "dev", nil, "dev"},
		{"from dev", "dev", "0.1.0", nil, "0.1.0"},
		{"v prefix", "v0.4.0", "0.4.1", nil, "0.4.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			ctx := context.Background()

			if err := s.CheckVersion(ctx, tt.first); err != nil {
				t.Fatalf("CheckVersion(%q): %v", tt.first, err)
			}
			err := s.CheckVersion(ctx, tt.second)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVersion(%q) = %v, want %v", tt.second, err, tt.wantErr)
			}

			var stored string
			if err := s.DB().QueryRowContext(ctx, "SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored); err != nil {
				t.Fatalf("stored version: %v", err)
			}
			if stored != tt.stored {
				t.Errorf("stored version = %q, want %q", stored, tt.stored)
			}
		})
	}
}
