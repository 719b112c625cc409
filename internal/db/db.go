// Package db owns the SQLite ledger file: connection settings and the
// embedded goose schema.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options tunes the ledger connection.
type Options struct {
	// BusyTimeout is how long a statement waits for another process
	// holding the write lock (a batch run next to the daemon).
	BusyTimeout time.Duration
	// CacheKiB sizes the page cache.
	CacheKiB int
}

// DefaultOptions returns the settings used by the CLI.
func DefaultOptions() Options {
	return Options{BusyTimeout: 5 * time.Second, CacheKiB: 64000}
}

func (o Options) pragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", o.CacheKiB),
	}
}

// Open opens (or creates) the ledger at path with DefaultOptions.
func Open(path string) (*sql.DB, error) {
	return OpenWith(path, DefaultOptions())
}

// OpenWith opens (or creates) the ledger at path, creating its directory.
//
// The pool is limited to one connection. Every ledger statement is thereby
// serialised within the process, which is what makes the conditional
// UPDATE used for claims an atomic read-modify-write; other processes
// sharing the file wait on busy_timeout.
func OpenWith(path string, opts Options) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range opts.pragmas() {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger %q: %s: %w", path, p, err)
		}
	}
	return db, nil
}

func provider(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return p, nil
}

// Migrate applies every pending migration and returns the resulting schema
// version.
func Migrate(ctx context.Context, db *sql.DB) (int64, error) {
	p, err := provider(db)
	if err != nil {
		return 0, err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate ledger: %w", err)
	}
	for _, r := range results {
		slog.Info("ledger migration applied", "version", r.Source.Version,
			"file", filepath.Base(r.Source.Path), "took", r.Duration)
	}
	return p.GetDBVersion(ctx)
}

// SchemaVersion returns the version of the last migration applied to db.
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	p, err := provider(db)
	if err != nil {
		return 0, err
	}
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// OpenAndMigrate is the startup path: open the ledger and bring its schema
// up to date.
func OpenAndMigrate(path string) (*sql.DB, error) {
	database, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(context.Background(), database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
