package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/hazyhaar/tagflow/dbopen"
)

// Claim moves up to n unprocessed rows to processing, lowest ids first, and
// returns them in ascending id order. Selection and update are one
// UPDATE ... RETURNING statement inside a transaction, so concurrent callers
// never receive the same row: SQLite serialises the writers and Postgres
// skips rows another claimer has locked. An empty result means no work.
func (s *Store) Claim(ctx context.Context, n int) ([]ClaimedRow, error) {
	if n <= 0 {
		return nil, nil
	}
	now := toMillis(s.Now())
	query := s.q(`UPDATE batch_rows SET status = ?, claimed_at = ?, updated_at = ?
		WHERE status = ? AND id IN (
			SELECT id FROM batch_rows WHERE status = ? ORDER BY id LIMIT ?` + s.dialect.SkipLocked() + `
		)
		RETURNING id, identifier, batch_id`)

	var claimed []ClaimedRow
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, query, RowProcessing, now, now, RowUnprocessed, RowUnprocessed, n)
		if err != nil {
			return fmt.Errorf("store: claim: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c ClaimedRow
			if err := rows.Scan(&c.RowID, &c.Identifier, &c.BatchID); err != nil {
				return fmt.Errorf("store: claim scan: %w", err)
			}
			claimed = append(claimed, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(claimed, func(a, b ClaimedRow) int { return cmp.Compare(a.RowID, b.RowID) })
	return claimed, nil
}

// ReclaimStale returns rows that have been processing for longer than
// olderThan to unprocessed and clears their claim timestamp. It reports how
// many rows were released.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := toMillis(s.Now().Add(-olderThan))
	res, err := dbopen.Exec(ctx, s.db, s.q(`UPDATE batch_rows SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at < ?`),
		RowUnprocessed, toMillis(s.Now()), RowProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim: %w", err)
	}
	return res.RowsAffected()
}
