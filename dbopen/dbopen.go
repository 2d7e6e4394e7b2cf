// Package dbopen opens the tagflow stores and hides the two SQL dialects
// behind database/sql.
//
// SQLite (modernc.org/sqlite) is the default. Its pragmas travel on the DSN
// so every pooled connection gets them:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//	_txlock      = immediate
//
// Postgres is reached through the pgx stdlib driver when the DSN starts with
// postgres:// or postgresql://.
//
// Usage:
//
//	db, dialect, err := dbopen.OpenDSN(cfg.Database, dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type config struct {
	busyTimeout int
	cacheSize   int
	synchronous string
	txLock      string
	foreignKeys bool
	mkdirAll    bool
	schemas     []string
	ping        bool
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		txLock:      "immediate",
		foreignKeys: true,
		ping:        true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithCacheSize sets PRAGMA cache_size. 0 (default) keeps the SQLite default.
func WithCacheSize(pages int) Option { return func(c *config) { c.cacheSize = pages } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithTxLock sets how SQLite begins transactions: "deferred", "immediate"
// (default) or "exclusive". Immediate takes the write lock at BEGIN, so two
// writers queue on busy_timeout instead of failing on lock upgrade.
func WithTxLock(mode string) Option { return func(c *config) { c.txLock = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues DDL to run after opening. Statements are expanded for the
// dialect and split on ';'.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// WithoutForeignKeys disables PRAGMA foreign_keys.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// OpenDSN opens a Postgres database when dsn is a postgres URL and an SQLite
// file otherwise.
func OpenDSN(dsn string, opts ...Option) (*sql.DB, Dialect, error) {
	if IsPostgresDSN(dsn) {
		db, err := OpenPostgres(dsn, opts...)
		return db, Postgres, err
	}
	db, err := Open(dsn, opts...)
	return db, SQLite, err
}

// IsPostgresDSN reports whether dsn names a Postgres server.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open opens an SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	return finish(db, SQLite, &cfg)
}

// OpenPostgres opens a Postgres database through the pgx stdlib driver.
func OpenPostgres(dsn string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open postgres: %w", err)
	}
	return finish(db, Postgres, &cfg)
}

// OpenMemory opens an in-memory SQLite database for testing.
// It sets MaxOpenConns(1) because each connection to ":memory:" is a
// separate database, and registers t.Cleanup to close it.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func finish(db *sql.DB, d Dialect, cfg *config) (*sql.DB, error) {
	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}
	for _, s := range cfg.schemas {
		if err := ExecScript(context.Background(), db, d, s); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func sqliteDSN(path string, cfg *config) string {
	fk := 1
	if !cfg.foreignKeys {
		fk = 0
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("foreign_keys(%d)", fk))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", cfg.synchronous))
	if cfg.cacheSize != 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", cfg.cacheSize))
	}
	if cfg.txLock != "" {
		q.Set("_txlock", cfg.txLock)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// ExecScript runs a multi-statement DDL script one statement at a time, after
// expanding dialect placeholders. Postgres rejects multi-statement Exec with
// bind parameters, and SQLite drivers disagree on it, so the split is explicit.
func ExecScript(ctx context.Context, db *sql.DB, d Dialect, script string) error {
	for _, stmt := range strings.Split(d.Expand(script), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}
	return nil
}
