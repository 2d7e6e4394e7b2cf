package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/tagflow/dbopen"
)

// AddRobotError records a worker failure. A zero OccurredAt means now.
func (s *Store) AddRobotError(ctx context.Context, e *RobotError) error {
	now := s.Now()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = fromMillis(toMillis(e.OccurredAt))
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`INSERT INTO robot_errors (module, message, batch_id, file_name, patient_id, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			e.Module, e.Message, nullInt64(e.BatchID), e.FileName, e.PatientID,
			toMillis(e.OccurredAt), toMillis(now)).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("store: add robot error: %w", err)
		}
		return nil
	})
}

// ListRobotErrors returns the most recent robot errors first. A limit of 0
// or less means 100.
func (s *Store) ListRobotErrors(ctx context.Context, limit int) ([]RobotError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, module, message, batch_id, file_name, patient_id, occurred_at
		FROM robot_errors ORDER BY occurred_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list robot errors: %w", err)
	}
	defer rows.Close()

	var out []RobotError
	for rows.Next() {
		var e RobotError
		var bid sql.NullInt64
		var at int64
		if err := rows.Scan(&e.ID, &e.Module, &e.Message, &bid, &e.FileName, &e.PatientID, &at); err != nil {
			return nil, err
		}
		e.BatchID = int64Ptr(bid)
		e.OccurredAt = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// OverviewFilter bounds an Overview. Zero times are open ends; To is
// exclusive.
type OverviewFilter struct {
	From      time.Time
	To        time.Time
	ProjectID *int64
}

func (f OverviewFilter) batchWhere(alias string) (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if !f.From.IsZero() {
		clause += " AND " + alias + "created_at >= ?"
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		clause += " AND " + alias + "created_at < ?"
		args = append(args, toMillis(f.To))
	}
	if f.ProjectID != nil {
		clause += " AND " + alias + "project_id = ?"
		args = append(args, *f.ProjectID)
	}
	return clause, args
}
