package observability

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/tagflow/dbopen"
)

// Schema is the DDL of the audit database. It lives in its own SQLite file so
// that audit writes never contend with row claims.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    operation TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    transport TEXT NOT NULL DEFAULT '',
    request_id TEXT NOT NULL DEFAULT '',
    batch_id INTEGER,
    parameters TEXT NOT NULL DEFAULT '{}',
    result TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_batch ON audit_log(batch_id);
`

// Init applies the audit schema.
func Init(ctx context.Context, db *sql.DB) error {
	return dbopen.ExecScript(ctx, db, dbopen.SQLite, Schema)
}
