// Package notify delivers batch status events to webhook subscribers.
//
// Events go into an outbox table first and are delivered by a polling loop.
// The table is a visibility-timeout queue: a claimed job stays invisible for
// the visibility window, and a job whose delivery failed or whose deliverer
// died becomes visible again. Delivery is best effort; after MaxAttempts a
// job is dropped with a warning.
//
//	CREATE TABLE notify_outbox (
//	    id          TEXT PRIMARY KEY,
//	    target      TEXT NOT NULL,
//	    payload     TEXT NOT NULL,
//	    visible_at  BIGINT NOT NULL,  -- ms since epoch
//	    created_at  BIGINT NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/tagflow/dbopen"
	"github.com/hazyhaar/tagflow/idgen"
)

// Event is the status triple pushed after every writeback.
type Event struct {
	Event        string `json:"event"`
	BatchID      int64  `json:"fileId"`
	DownloadLink string `json:"downloadLink"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
}

// Webhook is one subscriber.
type Webhook struct {
	Name   string
	URL    string
	Secret string
}

// Job is a queued delivery.
type Job struct {
	ID        string
	Target    string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures the outbox.
type Options struct {
	// Visibility is how long a claimed job stays hidden. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between delivery passes. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts drops a job after that many deliveries. Default: 5.
	MaxAttempts int
	// BatchSize is the number of jobs claimed per pass. Default: 16.
	BatchSize int
	Dialect   dbopen.Dialect
	Client    *http.Client
	IDs       idgen.Generator
	Logger    *slog.Logger
	Now       func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Dialect == "" {
		o.Dialect = dbopen.SQLite
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("job_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Outbox queues and delivers events.
type Outbox struct {
	db    *sql.DB
	hooks map[string]Webhook
	order []string
	opts  Options
}

// New creates an outbox over db. Call EnsureTable once at startup.
func New(db *sql.DB, hooks []Webhook, opts Options) *Outbox {
	opts.defaults()
	o := &Outbox{db: db, hooks: make(map[string]Webhook, len(hooks)), opts: opts}
	for _, h := range hooks {
		if _, dup := o.hooks[h.Name]; !dup {
			o.order = append(o.order, h.Name)
		}
		o.hooks[h.Name] = h
	}
	return o
}

// EnsureTable creates the outbox table and index.
func (o *Outbox) EnsureTable(ctx context.Context) error {
	return dbopen.ExecScript(ctx, o.db, o.opts.Dialect, `
		CREATE TABLE IF NOT EXISTS notify_outbox (
			id          TEXT PRIMARY KEY,
			target      TEXT NOT NULL,
			payload     TEXT NOT NULL,
			visible_at  BIGINT NOT NULL,
			created_at  BIGINT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_notify_visible ON notify_outbox (visible_at)`)
}

func (o *Outbox) q(query string) string { return o.opts.Dialect.Rebind(query) }

// Publish queues ev for every webhook. With no webhooks it does nothing.
func (o *Outbox) Publish(ctx context.Context, ev Event) error {
	if len(o.order) == 0 {
		return nil
	}
	if ev.Timestamp == "" {
		ev.Timestamp = o.opts.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	now := o.opts.Now().UnixMilli()
	return dbopen.RunTx(ctx, o.db, func(tx *sql.Tx) error {
		for _, name := range o.order {
			if _, err := tx.ExecContext(ctx, o.q(
				`INSERT INTO notify_outbox (id, target, payload, visible_at, created_at) VALUES (?, ?, ?, ?, ?)`),
				o.opts.IDs(), name, string(payload), now, now); err != nil {
				return fmt.Errorf("notify: publish to %s: %w", name, err)
			}
		}
		return nil
	})
}

// BatchClaim hides up to n visible jobs for the visibility window and returns
// them, oldest first.
func (o *Outbox) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := o.opts.Now()
	hideUntil := now.Add(o.opts.Visibility).UnixMilli()

	var jobs []*Job
	err := dbopen.RunTx(ctx, o.db, func(tx *sql.Tx) error {
		jobs = jobs[:0]
		rows, err := tx.QueryContext(ctx, o.q(`
			UPDATE notify_outbox
			SET visible_at = ?, attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM notify_outbox
				WHERE visible_at <= ?
				ORDER BY visible_at, created_at
				LIMIT ?`+o.opts.Dialect.SkipLocked()+`
			)
			RETURNING id, target, payload, visible_at, created_at, attempts`),
			hideUntil, now.UnixMilli(), n)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var j Job
			var payload string
			var visAt, creAt int64
			if err := rows.Scan(&j.ID, &j.Target, &payload, &visAt, &creAt, &j.Attempts); err != nil {
				return err
			}
			j.Payload = []byte(payload)
			j.VisibleAt = time.UnixMilli(visAt)
			j.CreatedAt = time.UnixMilli(creAt)
			jobs = append(jobs, &j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("notify: claim: %w", err)
	}
	return jobs, nil
}

// Ack deletes a delivered (or abandoned) job.
func (o *Outbox) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, o.db, o.q(`DELETE FROM notify_outbox WHERE id = ?`), id)
	return err
}

// Nack makes a job visible again after delay.
func (o *Outbox) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := dbopen.Exec(ctx, o.db, o.q(`UPDATE notify_outbox SET visible_at = ? WHERE id = ?`),
		o.opts.Now().Add(delay).UnixMilli(), id)
	return err
}

// Len counts queued jobs, visible or not.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notify_outbox`).Scan(&n)
	return n, err
}

// Run delivers jobs until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	log := o.opts.Logger
	log.Info("notify: deliverer started", "webhooks", len(o.order), "poll", o.opts.PollInterval)

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("notify: deliverer stopped")
			return
		case <-ticker.C:
			o.Drain(ctx)
		}
	}
}

// Drain delivers visible jobs until none are left and returns how many were
// delivered.
func (o *Outbox) Drain(ctx context.Context) int {
	log := o.opts.Logger
	delivered := 0
	for ctx.Err() == nil {
		jobs, err := o.BatchClaim(ctx, o.opts.BatchSize)
		if err != nil {
			log.Warn("notify: claim failed", "error", err)
			return delivered
		}
		if len(jobs) == 0 {
			return delivered
		}
		for _, job := range jobs {
			if job.Attempts > o.opts.MaxAttempts {
				log.Warn("notify: dropping job after max attempts",
					"id", job.ID, "target", job.Target, "attempts", job.Attempts)
				if err := o.Ack(ctx, job.ID); err != nil {
					log.Warn("notify: drop failed", "id", job.ID, "error", err)
				}
				continue
			}
			if err := o.Deliver(ctx, job); err != nil {
				backoff := o.opts.PollInterval * time.Duration(1<<min(job.Attempts, 6))
				log.Warn("notify: delivery failed", "id", job.ID, "target", job.Target,
					"attempts", job.Attempts, "retry_in", backoff, "error", err)
				if err := o.Nack(ctx, job.ID, backoff); err != nil {
					log.Warn("notify: nack failed", "id", job.ID, "error", err)
				}
				continue
			}
			delivered++
			if err := o.Ack(ctx, job.ID); err != nil {
				log.Warn("notify: ack failed, job will be redelivered",
					"id", job.ID, "target", job.Target, "error", err)
			}
		}
	}
	return delivered
}
