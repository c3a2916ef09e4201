package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/HerbHall/medwatch/pkg/plugin"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medwatch.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
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
	if _, err := New("/nonexistent/dir/medwatch.db"); err == nil {
		t.Error("New() error = nil for invalid path")
	}
}

func TestNew_InMemory(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New(:memory:): %v", err)
	}
	defer s.Close()
	if err := s.DB().PingContext(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestTx(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	if err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)")
		return err
	}); err != nil {
		t.Fatalf("commit Tx: %v", err)
	}

	boom := errors.New("boom")
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (2)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("rollback Tx error = %v, want boom", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1 (second insert rolled back)", count)
	}
}

func TestMigrate(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	calls := 0
	migrations := []plugin.Migration{
		{Version: 1, Description: "create table", Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec("CREATE TABLE things (id TEXT PRIMARY KEY)")
			return err
		}},
		{Version: 2, Description: "add column", Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec("ALTER TABLE things ADD COLUMN name TEXT")
			return err
		}},
	}

	for range 2 {
		if err := s.Migrate(ctx, "things", migrations); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("migration calls = %d, want 2 (second run is a no-op)", calls)
	}
	if _, err := s.DB().ExecContext(ctx, "INSERT INTO things (id, name) VALUES ('a', 'b')"); err != nil {
		t.Errorf("insert after migration: %v", err)
	}
}

func TestMigrate_ComponentsIsolated(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	for _, name := range []string{"source", "sink"} {
		table := name + "_data"
		err := s.Migrate(ctx, name, []plugin.Migration{{Version: 1, Description: "init", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE " + table + " (id INTEGER)")
			return err
		}}})
		if err != nil {
			t.Fatalf("Migrate(%s): %v", name, err)
		}
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("recorded migrations = %d, want 2", count)
	}
}

func TestMigrate_FailureStopsAndKeepsEarlier(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	err := s.Migrate(ctx, "partial", []plugin.Migration{
		{Version: 1, Description: "ok", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE partial_ok (id INTEGER)")
			return err
		}},
		{Version: 2, Description: "bad", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("NOT VALID SQL")
			return err
		}},
	})
	if err == nil {
		t.Fatal("Migrate() error = nil, want error")
	}

	var count int
	if err := s.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM _migrations WHERE component = 'partial'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("recorded migrations = %d, want 1", count)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		steps   []string
		wantErr bool
		stored  string
	}{
		{"first run", []string{"0.1.0"}, false, "0.1.0"},
		{"same version", []string{"0.1.0", "0.1.0"}, false, "0.1.0"},
		{"upgrade", []string{"0.1.0", "v0.2.0"}, false, "v0.2.0"},
		{"downgrade rejected", []string{"0.2.0", "0.1.0"}, true, "0.2.0"},
		{"dev always passes", []string{"0.2.0", "dev", "0.1.0"}, false, "0.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			ctx := context.Background()

			var err error
			for _, v := range tt.steps {
				err = s.CheckVersion(ctx, v)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrNewerSchema) {
					t.Errorf("CheckVersion() error = %v, want ErrNewerSchema", err)
				}
			} else if err != nil {
				t.Fatalf("CheckVersion: %v", err)
			}

			var stored string
			if err := s.DB().QueryRowContext(ctx,
				"SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored); err != nil {
				t.Fatal(err)
			}
			if stored != tt.stored {
				t.Errorf("stored version = %q, want %q", stored, tt.stored)
			}
		})
	}
}

func TestWALMode(t *testing.T) {
	s := tempDB(t)
	var mode string
	if err := s.DB().QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
