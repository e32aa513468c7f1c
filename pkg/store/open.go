package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to Postgres when databaseURL is set. Otherwise it falls back
// to a SQLite file under dataDir (lite mode). The schema is created in both
// cases.
func Open(ctx context.Context, databaseURL, dataDir string) (*SQLStore, error) {
	if databaseURL == "" {
		return OpenSQLite(ctx, filepath.Join(dataDir, "countersign.db"))
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		//nolint:gosec // G301: 0755 is intentional for the data directory
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	slog.Default().Info("lite mode: using sqlite", "path", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite has a single writer. Serializing connections also keeps every
	// caller on the same in-memory database.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init sqlite store: %w", err)
	}
	return s, nil
}
