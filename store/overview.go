package store

import (
	"context"
	"fmt"
)

// Overview aggregates the batches uploaded inside the filter window. Insured
// rows are processed rows with an insurance company; non-insured rows are
// terminal rows without one. Identifiers starting with 1 belong to citizens,
// the rest to residents.
func (s *Store) Overview(ctx context.Context, f OverviewFilter) (*Overview, error) {
	ov := &Overview{
		BatchesByStatus: make(map[BatchStatus]int),
		RowsByStatus:    make(map[RowStatus]int),
		Projects:        []ProjectOverview{},
	}

	where, args := f.batchWhere("")
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT status, COUNT(*) FROM batches`+where+` GROUP BY status`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: overview batches: %w", err)
	}
	for rows.Next() {
		var st BatchStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		ov.BatchesByStatus[st] = n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: overview: %w", err)
	}

	where, args = f.batchWhere("b.")
	const insured = `CASE WHEN r.status = 'processed' AND r.insurance_company <> '' THEN 1 ELSE 0 END`
	const nonInsured = `CASE WHEN r.status IN ('processed', 'processed_with_error') AND r.insurance_company = '' THEN 1 ELSE 0 END`
	rows, err = s.db.QueryContext(ctx, s.q(`SELECT r.status, COUNT(*),
			COALESCE(SUM(`+insured+`), 0),
			COALESCE(SUM(`+nonInsured+`), 0),
			COALESCE(SUM(CASE WHEN r.identifier LIKE '1%' THEN 1 ELSE 0 END), 0)
		FROM batch_rows r JOIN batches b ON b.id = r.batch_id`+where+`
		GROUP BY r.status`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: overview rows: %w", err)
	}
	total := 0
	for rows.Next() {
		var st RowStatus
		var n, ins, non, cit int
		if err := rows.Scan(&st, &n, &ins, &non, &cit); err != nil {
			rows.Close()
			return nil, err
		}
		ov.RowsByStatus[st] = n
		ov.Insured += ins
		ov.NonInsured += non
		ov.Citizens += cit
		total += n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: overview: %w", err)
	}
	ov.Residents = total - ov.Citizens

	rows, err = s.db.QueryContext(ctx, s.q(`SELECT b.project_id, COUNT(*),
			COALESCE(SUM(`+insured+`), 0),
			COALESCE(SUM(`+nonInsured+`), 0)
		FROM batch_rows r JOIN batches b ON b.id = r.batch_id`+where+` AND b.project_id IS NOT NULL
		GROUP BY b.project_id ORDER BY b.project_id`), args...)
	if err != nil {
		return nil, fmt.Errorf("store: overview projects: %w", err)
	}
	for rows.Next() {
		var p ProjectOverview
		if err := rows.Scan(&p.ProjectID, &p.Total, &p.Insured, &p.NonInsured); err != nil {
			rows.Close()
			return nil, err
		}
		if total > 0 {
			p.Percentage = float64(p.Total) * 100 / float64(total)
		}
		ov.Projects = append(ov.Projects, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: overview: %w", err)
	}

	archQuery := `SELECT COUNT(*) FROM expired_identifiers WHERE 1=1`
	var archArgs []any
	if !f.From.IsZero() {
		archQuery += ` AND archived_at >= ?`
		archArgs = append(archArgs, toMillis(f.From))
	}
	if !f.To.IsZero() {
		archQuery += ` AND archived_at < ?`
		archArgs = append(archArgs, toMillis(f.To))
	}
	if f.ProjectID != nil {
		archQuery += ` AND batch_id IN (SELECT id FROM batches WHERE project_id = ?)`
		archArgs = append(archArgs, *f.ProjectID)
	}
	if err := s.db.QueryRowContext(ctx, s.q(archQuery), archArgs...).Scan(&ov.Archived); err != nil {
		return nil, fmt.Errorf("store: overview archived: %w", err)
	}
	return ov, nil
}
