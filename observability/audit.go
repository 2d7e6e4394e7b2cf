// Package observability records an operation-level audit trail of the
// backoffice: uploads, claims, writebacks, downloads, deletions and reclaims.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/tagflow/idgen"
	"github.com/hazyhaar/tagflow/kit"
)

// Operations recorded by the pipeline.
const (
	OpUpload    = "upload"
	OpClaim     = "claim"
	OpWriteback = "writeback"
	OpDownload  = "download"
	OpDelete    = "delete"
	OpReclaim   = "reclaim"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuditEntry is a single operation record in the audit trail.
type AuditEntry struct {
	EntryID   string
	Timestamp time.Time
	Operation string

	Actor     string
	Transport string
	RequestID string
	BatchID   *int64

	Parameters   string // JSON
	Result       string // JSON
	ErrorMessage string
	DurationMs   int64
	Status       string
}

// AuditFilter controls query results from the audit log.
type AuditFilter struct {
	Since     time.Time
	Operation string
	BatchID   *int64
	Limit     int // default 100
}

// Auditor is what the pipeline needs from an audit trail. A nil Auditor is
// never passed around; use Discard instead.
type Auditor interface {
	Record(ctx context.Context, op string, batchID *int64, params, result any, err error, took time.Duration)
}

// Discard drops every entry.
var Discard Auditor = discard{}

type discard struct{}

func (discard) Record(context.Context, string, *int64, any, any, error, time.Duration) {}

// AuditLogger persists audit entries asynchronously.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	flush  time.Duration
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets a custom ID generator for audit entry IDs.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithFlushInterval sets how often buffered entries are written. Default 5s.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) { a.flush = d }
}

// WithAuditLogger sets the slog logger used for persistence failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger creates an async audit logger. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.Default),
		logger: slog.Default(),
		flush:  5 * time.Second,
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Record builds an entry from the operation outcome and the request
// context (actor, transport, request id) and queues it.
func (a *AuditLogger) Record(ctx context.Context, op string, batchID *int64, params, result any, err error, took time.Duration) {
	a.LogAsync(a.NewAuditEntry(ctx, op, batchID, params, result, err, took))
}

// NewAuditEntry builds an AuditEntry. Params and result are marshalled to JSON;
// the result is dropped when err is set.
func (a *AuditLogger) NewAuditEntry(ctx context.Context, op string, batchID *int64, params, result any, err error, took time.Duration) *AuditEntry {
	e := &AuditEntry{
		EntryID:    a.newID(),
		Timestamp:  time.Now(),
		Operation:  op,
		Actor:      kit.GetActor(ctx),
		Transport:  kit.GetTransport(ctx),
		RequestID:  kit.GetRequestID(ctx),
		BatchID:    batchID,
		DurationMs: took.Milliseconds(),
	}
	if params != nil {
		if b, jerr := json.Marshal(params); jerr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.ErrorMessage = err.Error()
		return e
	}
	e.Status = StatusSuccess
	if result != nil {
		if b, jerr := json.Marshal(result); jerr == nil {
			e.Result = string(b)
		}
	}
	return e
}

// Log inserts an audit entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, a.db, e)
}

// LogAsync queues an entry. Falls back to a synchronous insert when the
// buffer is full.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("audit buffer full, sync fallback", "operation", e.Operation)
		if err := a.insert(context.Background(), a.db, e); err != nil {
			a.logger.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// Query retrieves audit entries, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, operation, actor, transport, request_id,
		batch_id, parameters, result, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.BatchID != nil {
		q += " AND batch_id = ?"
		args = append(args, *f.BatchID)
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var batch sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &e.Actor, &e.Transport, &e.RequestID,
			&batch, &e.Parameters, &e.Result, &e.ErrorMessage, &e.DurationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		if batch.Valid {
			id := batch.Int64
			e.BatchID = &id
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes audit entries older than retentionDays. Zero or negative
// keeps everything.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flush)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.insertBatch(ctx, batch); err != nil {
			a.logger.Error("audit: flush", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditLogger) insertBatch(ctx context.Context, batch []*AuditEntry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, e := range batch {
		if err := a.insert(ctx, tx, e); err != nil {
			a.logger.Error("audit: insert", "error", err, "entry_id", e.EntryID)
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *AuditLogger) insert(ctx context.Context, db execer, e *AuditEntry) error {
	var batch any
	if e.BatchID != nil {
		batch = *e.BatchID
	}
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, operation, actor, transport, request_id,
		 batch_id, parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Operation, e.Actor, e.Transport, e.RequestID,
		batch, e.Parameters, e.Result, e.ErrorMessage, e.DurationMs, e.Status)
	return err
}
