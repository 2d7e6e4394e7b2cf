package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
)

const rowColumns = `id, batch_id, identifier, status, claimed_at, ` + enrichmentColumns

func scanRow(sc scanner) (*Row, error) {
	r := &Row{}
	var claimed sql.NullInt64
	dest := append([]any{&r.ID, &r.BatchID, &r.Identifier, &r.Status, &claimed}, r.Enrichment.pointers()...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	if claimed.Valid {
		t := fromMillis(claimed.Int64)
		r.ClaimedAt = &t
	}
	return r, nil
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// FindDuplicates returns every row, across all batches, whose identifier is
// in identifiers. Rows come back in id order.
func (s *Store) FindDuplicates(ctx context.Context, identifiers []string) ([]Row, error) {
	var out []Row
	for _, part := range chunks(uniqueStrings(identifiers), inChunk) {
		args := make([]any, len(part))
		for i, v := range part {
			args[i] = v
		}
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+rowColumns+` FROM batch_rows
			WHERE identifier IN (`+placeholders(len(part))+`) ORDER BY id`), args...)
		if err != nil {
			return nil, fmt.Errorf("store: find duplicates: %w", err)
		}
		got, err := collectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: find duplicates: %w", err)
		}
		out = append(out, got...)
	}
	sortRowsByID(out)
	return out, nil
}

// CarryForward builds the carry-forward map from FindDuplicates output. Only
// identifiers with a processed duplicate are carried; among several, the
// first one in id order wins.
func CarryForward(dups []Row) map[string]Enrichment {
	out := make(map[string]Enrichment)
	for _, r := range dups {
		if r.Status != RowProcessed {
			continue
		}
		if _, ok := out[r.Identifier]; !ok {
			out[r.Identifier] = r.Enrichment
		}
	}
	return out
}

// insertRows adds one row per identifier inside the batch-creation
// transaction. Identifiers with carried enrichment start processed.
func (s *Store) insertRows(ctx context.Context, tx *sql.Tx, batchID int64, identifiers []string, carry map[string]Enrichment) error {
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO batch_rows (batch_id, identifier, status, updated_at, `+
		enrichmentColumns+`) VALUES (`+placeholders(16)+`)`))
	if err != nil {
		return fmt.Errorf("store: prepare row insert: %w", err)
	}
	defer stmt.Close()

	now := toMillis(s.Now())
	for _, id := range identifiers {
		status := RowUnprocessed
		var e Enrichment
		if prior, ok := carry[id]; ok {
			status = RowProcessed
			e = prior
		}
		args := append([]any{batchID, id, status, now}, stringsToArgs(e.Values())...)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("store: insert row %q: %w", id, err)
		}
	}
	return nil
}

// TerminalRows returns the batch's processed or processed_with_error rows
// whose identifier is in identifiers, in id order.
func (s *Store) TerminalRows(ctx context.Context, batchID int64, identifiers []string) ([]Row, error) {
	var out []Row
	for _, part := range chunks(uniqueStrings(identifiers), inChunk) {
		args := []any{batchID, RowProcessed, RowProcessedWithError}
		for _, v := range part {
			args = append(args, v)
		}
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+rowColumns+` FROM batch_rows
			WHERE batch_id = ? AND status IN (?, ?) AND identifier IN (`+placeholders(len(part))+`)
			ORDER BY id`), args...)
		if err != nil {
			return nil, fmt.Errorf("store: terminal rows: %w", err)
		}
		got, err := collectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: terminal rows: %w", err)
		}
		out = append(out, got...)
	}
	sortRowsByID(out)
	return out, nil
}

// RowsByBatch returns every live row of a batch in id order.
func (s *Store) RowsByBatch(ctx context.Context, batchID int64) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+rowColumns+` FROM batch_rows WHERE batch_id = ? ORDER BY id`), batchID)
	if err != nil {
		return nil, fmt.Errorf("store: rows by batch: %w", err)
	}
	out, err := collectRows(rows)
	if err != nil {
		return nil, fmt.Errorf("store: rows by batch: %w", err)
	}
	return out, nil
}

// CountPending counts rows of the batch that are not yet terminal.
func (s *Store) CountPending(ctx context.Context, batchID int64) (int, error) {
	return s.countPending(ctx, s.db, batchID)
}

func (s *Store) countPending(ctx context.Context, q queryer, batchID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM batch_rows WHERE batch_id = ? AND status IN (?, ?)`),
		batchID, RowUnprocessed, RowProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// RowCounts returns the number of live rows per status for one batch.
func (s *Store) RowCounts(ctx context.Context, batchID int64) (map[RowStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT status, COUNT(*) FROM batch_rows WHERE batch_id = ? GROUP BY status`), batchID)
	if err != nil {
		return nil, fmt.Errorf("store: row counts: %w", err)
	}
	defer rows.Close()
	out := make(map[RowStatus]int)
	for rows.Next() {
		var st RowStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// Totals counts all rows by status, across batches.
func (s *Store) Totals(ctx context.Context) (map[RowStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM batch_rows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: totals: %w", err)
	}
	defer rows.Close()
	out := make(map[RowStatus]int)
	for rows.Next() {
		var st RowStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func stringsToArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func sortRowsByID(rows []Row) {
	slices.SortFunc(rows, func(a, b Row) int { return cmp.Compare(a.ID, b.ID) })
}
