package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/tagflow/dbopen"
)

// ApplyResults writes worker results for one batch in a single transaction.
// Results whose insurance expiry date lies before today (UTC) are archived
// and their row deleted; the others get the enrichment fields, with dates
// normalized, and their declared terminal status. Results naming rows outside
// the batch are skipped. When none of the results match a row of the batch
// the call fails with ErrNoMatchingRows and nothing changes.
//
// The returned outcome carries the number of rows still pending after the
// commit, which decides whether the batch can be merged.
func (s *Store) ApplyResults(ctx context.Context, batchID int64, results []Result) (*WritebackOutcome, error) {
	statuses := make([]RowStatus, len(results))
	for i, r := range results {
		st, err := ParseResultStatus(r.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d status %q", err, r.RowID, r.Status)
		}
		statuses[i] = st
	}

	now := s.Now()
	out := &WritebackOutcome{}
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		*out = WritebackOutcome{}

		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM batches WHERE id = ?`), batchID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: batch %d", ErrNotFound, batchID)
		}
		if err != nil {
			return fmt.Errorf("store: writeback: %w", err)
		}

		live, err := s.rowIdentifiers(ctx, tx, batchID, results)
		if err != nil {
			return err
		}
		if len(live) == 0 {
			return fmt.Errorf("%w: batch %d", ErrNoMatchingRows, batchID)
		}

		for i, r := range results {
			ident, ok := live[r.RowID]
			if !ok {
				out.Skipped++
				continue
			}
			if r.Identifier != "" && r.Identifier != ident {
				s.logger.Warn("store: writeback identifier mismatch",
					"batch_id", batchID, "row_id", r.RowID, "row", ident, "result", r.Identifier)
			}

			e := r.Enrichment
			e.UploadDate = NormalizeDate(e.UploadDate)
			e.InsuranceExpiryDate = NormalizeDate(e.InsuranceExpiryDate)

			if Expired(e.InsuranceExpiryDate, now) {
				if err := s.archive(ctx, tx, r.RowID, batchID, ident, e.InsuranceExpiryDate, now); err != nil {
					return err
				}
				delete(live, r.RowID)
				out.Archived++
				continue
			}

			args := append([]any{statuses[i], toMillis(now)}, stringsToArgs(e.Values())...)
			args = append(args, r.RowID, batchID)
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE batch_rows SET status = ?, updated_at = ?,
				insurance_company = ?, medical_network = ?, identity_number = ?, policy_number = ?,
				coverage_class = ?, deductible_rate = ?, max_limit = ?, upload_date = ?,
				insurance_expiry_date = ?, beneficiary_type = ?, beneficiary_number = ?, gender = ?
				WHERE id = ? AND batch_id = ?`), args...); err != nil {
				return fmt.Errorf("store: writeback row %d: %w", r.RowID, err)
			}
			out.Updated++
		}

		out.Pending, err = s.countPending(ctx, tx, batchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) rowIdentifiers(ctx context.Context, tx *sql.Tx, batchID int64, results []Result) (map[int64]string, error) {
	ids := make([]int64, 0, len(results))
	seen := make(map[int64]bool, len(results))
	for _, r := range results {
		if !seen[r.RowID] {
			seen[r.RowID] = true
			ids = append(ids, r.RowID)
		}
	}

	live := make(map[int64]string, len(ids))
	for _, part := range chunks(ids, inChunk) {
		args := []any{batchID}
		for _, id := range part {
			args = append(args, id)
		}
		rows, err := tx.QueryContext(ctx, s.q(`SELECT id, identifier FROM batch_rows
			WHERE batch_id = ? AND id IN (`+placeholders(len(part))+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("store: load rows: %w", err)
		}
		for rows.Next() {
			var id int64
			var ident string
			if err := rows.Scan(&id, &ident); err != nil {
				rows.Close()
				return nil, err
			}
			live[id] = ident
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return live, nil
}

func (s *Store) archive(ctx context.Context, tx *sql.Tx, rowID, batchID int64, ident, expiry string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO expired_identifiers (row_id, batch_id, identifier, expiry_date, archived_at)
		VALUES (?, ?, ?, ?, ?)`), rowID, batchID, ident, expiry, toMillis(now)); err != nil {
		return fmt.Errorf("store: archive row %d: %w", rowID, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM batch_rows WHERE id = ?`), rowID); err != nil {
		return fmt.Errorf("store: delete archived row %d: %w", rowID, err)
	}
	return nil
}

// Archived returns archive records for a batch, or all of them when
// batchID is 0, in archival order.
func (s *Store) Archived(ctx context.Context, batchID int64) ([]ArchivedRow, error) {
	query := `SELECT id, row_id, batch_id, identifier, expiry_date, archived_at FROM expired_identifiers`
	var args []any
	if batchID != 0 {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: archived: %w", err)
	}
	defer rows.Close()
	var out []ArchivedRow
	for rows.Next() {
		var a ArchivedRow
		var at int64
		if err := rows.Scan(&a.ID, &a.RowID, &a.BatchID, &a.Identifier, &a.ExpiryDate, &at); err != nil {
			return nil, err
		}
		a.ArchivedAt = fromMillis(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
