// Package store is the persistent side of tagflow: batches, their rows, the
// claim scheduler, enrichment writeback with expiry archival, the robot error
// log and the overview aggregates. It runs on SQLite or Postgres through
// database/sql; every multi-statement change goes through dbopen.RunTx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/tagflow/dbopen"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id             {{pk}},
    file_name      TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'unprocessed',
    row_count      INTEGER NOT NULL DEFAULT 0,
    uploaded_by    TEXT NOT NULL DEFAULT '',
    user_id        BIGINT,
    admin_id       BIGINT,
    project_id     BIGINT,
    checksum       TEXT NOT NULL DEFAULT '',
    format         TEXT NOT NULL DEFAULT 'xlsx',
    content        {{blob}} NOT NULL,
    download_link  TEXT NOT NULL DEFAULT '',
    created_at     BIGINT NOT NULL,
    uploaded_on    BIGINT NOT NULL,
    CHECK ((user_id IS NULL) <> (admin_id IS NULL))
);

CREATE TABLE IF NOT EXISTS batch_patient_types (
    batch_id        BIGINT NOT NULL REFERENCES batches(id),
    patient_type_id BIGINT NOT NULL,
    PRIMARY KEY (batch_id, patient_type_id)
);

CREATE TABLE IF NOT EXISTS batch_rows (
    id                    {{pk}},
    batch_id              BIGINT NOT NULL REFERENCES batches(id),
    identifier            TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'unprocessed',
    claimed_at            BIGINT,
    insurance_company     TEXT NOT NULL DEFAULT '',
    medical_network       TEXT NOT NULL DEFAULT '',
    identity_number       TEXT NOT NULL DEFAULT '',
    policy_number         TEXT NOT NULL DEFAULT '',
    coverage_class        TEXT NOT NULL DEFAULT '',
    deductible_rate       TEXT NOT NULL DEFAULT '',
    max_limit             TEXT NOT NULL DEFAULT '',
    upload_date           TEXT NOT NULL DEFAULT '',
    insurance_expiry_date TEXT NOT NULL DEFAULT '',
    beneficiary_type      TEXT NOT NULL DEFAULT '',
    beneficiary_number    TEXT NOT NULL DEFAULT '',
    gender                TEXT NOT NULL DEFAULT '',
    updated_at            BIGINT
);

CREATE TABLE IF NOT EXISTS expired_identifiers (
    id          {{pk}},
    row_id      BIGINT NOT NULL,
    batch_id    BIGINT NOT NULL,
    identifier  TEXT NOT NULL,
    expiry_date TEXT NOT NULL,
    archived_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS robot_errors (
    id          {{pk}},
    module      TEXT NOT NULL,
    message     TEXT NOT NULL,
    batch_id    BIGINT,
    file_name   TEXT NOT NULL DEFAULT '',
    patient_id  TEXT NOT NULL DEFAULT '',
    occurred_at BIGINT NOT NULL,
    created_at  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rows_identifier     ON batch_rows(identifier);
CREATE INDEX IF NOT EXISTS idx_rows_status_claimed ON batch_rows(status, claimed_at);
CREATE INDEX IF NOT EXISTS idx_rows_batch_status   ON batch_rows(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_batches_checksum    ON batches(checksum);
CREATE INDEX IF NOT EXISTS idx_expired_batch       ON expired_identifiers(batch_id);
CREATE INDEX IF NOT EXISTS idx_robot_errors_time   ON robot_errors(occurred_at);
`

// inChunk bounds IN (...) lists so large uploads stay under driver
// parameter limits.
const inChunk = 500

// Store is the row store.
type Store struct {
	db      *sql.DB
	dialect dbopen.Dialect
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests that need a fixed "today".
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New wraps an open database. Call Init before first use.
func New(db *sql.DB, dialect dbopen.Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens dsn (SQLite path or postgres URL) and creates the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, dialect, err := dbopen.OpenDSN(dsn, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s := New(db, dialect, opts...)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates tables and indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if err := dbopen.ExecScript(ctx, s.db, s.dialect, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// DB returns the underlying database for components sharing it.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() dbopen.Dialect { return s.dialect }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Now is the store clock, in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
