package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/tagflow/dbopen"
)

// CreateBatch stores the batch, its patient types and one row per identifier
// in a single transaction. carry comes from CarryForward; identifiers found
// there start out processed with the carried enrichment.
func (s *Store) CreateBatch(ctx context.Context, nb NewBatch, identifiers []string, carry map[string]Enrichment) (*Batch, error) {
	if nb.Owner.ID <= 0 {
		return nil, ErrInvalidOwner
	}
	now := s.Now()
	uploadedOn := nb.UploadedOn
	if uploadedOn.IsZero() {
		uploadedOn = now
	}
	format := nb.Format
	if format == "" {
		format = "xlsx"
	}

	var userID, adminID *int64
	owner := nb.Owner.ID
	if nb.Owner.Admin {
		adminID = &owner
	} else {
		userID = &owner
	}

	b := &Batch{
		FileName:       nb.FileName,
		Status:         BatchUnprocessed,
		RowCount:       len(identifiers),
		UploadedBy:     nb.UploadedBy,
		UserID:         userID,
		AdminID:        adminID,
		ProjectID:      nb.ProjectID,
		PatientTypeIDs: dedupeIDs(nb.PatientTypeIDs),
		Checksum:       nb.Checksum,
		Format:         format,
		CreatedAt:      fromMillis(toMillis(now)),
		UploadedOn:     fromMillis(toMillis(uploadedOn)),
	}

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`
			INSERT INTO batches (file_name, status, row_count, uploaded_by, user_id, admin_id,
				project_id, checksum, format, content, created_at, uploaded_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			b.FileName, b.Status, b.RowCount, b.UploadedBy, nullInt64(userID), nullInt64(adminID),
			nullInt64(b.ProjectID), b.Checksum, b.Format, nb.Content,
			toMillis(b.CreatedAt), toMillis(b.UploadedOn),
		).Scan(&b.ID)
		if err != nil {
			return fmt.Errorf("store: insert batch: %w", err)
		}
		for _, pt := range b.PatientTypeIDs {
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO batch_patient_types (batch_id, patient_type_id) VALUES (?, ?)`), b.ID, pt); err != nil {
				return fmt.Errorf("store: insert patient type: %w", err)
			}
		}
		return s.insertRows(ctx, tx, b.ID, identifiers, carry)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBatch returns a batch without its content.
func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, s.q(`SELECT `+batchColumns+` FROM batches WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch: %w", err)
	}
	pts, err := s.patientTypes(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	b.PatientTypeIDs = pts[id]
	return b, nil
}

// BatchContent returns the original uploaded bytes and their format.
func (s *Store) BatchContent(ctx context.Context, id int64) ([]byte, string, error) {
	var content []byte
	var format string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT content, format FROM batches WHERE id = ?`), id).Scan(&content, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: batch content: %w", err)
	}
	return content, format, nil
}

// ListBatches returns every batch, newest first, without content.
func (s *Store) ListBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list batches: %w", err)
	}
	defer rows.Close()

	var out []*Batch
	var ids []int64
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan batch: %w", err)
		}
		out = append(out, b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pts, err := s.patientTypes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, b := range out {
		b.PatientTypeIDs = pts[b.ID]
	}
	return out, nil
}

// FindByChecksum returns the ids of batches whose upload had this checksum.
func (s *Store) FindByChecksum(ctx context.Context, checksum string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM batches WHERE checksum = ? ORDER BY id`), checksum)
	if err != nil {
		return nil, fmt.Errorf("store: find by checksum: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBatch removes the batch with its rows and patient types. Archive
// records survive; they never reference live rows.
func (s *Store) DeleteBatch(ctx context.Context, id int64) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM batches WHERE id = ?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: batch %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("store: delete batch: %w", err)
		}
		for _, stmt := range []string{
			`DELETE FROM batch_rows WHERE batch_id = ?`,
			`DELETE FROM batch_patient_types WHERE batch_id = ?`,
			`DELETE FROM batches WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return fmt.Errorf("store: delete batch: %w", err)
			}
		}
		return nil
	})
}

// SetBatchState records the aggregate status and download link.
func (s *Store) SetBatchState(ctx context.Context, id int64, status BatchStatus, link string) error {
	res, err := dbopen.Exec(ctx, s.db, s.q(`UPDATE batches SET status = ?, download_link = ? WHERE id = ?`), status, link, id)
	if err != nil {
		return fmt.Errorf("store: set batch state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	return nil
}

// SetBatchStatus records the aggregate status and leaves the link untouched.
func (s *Store) SetBatchStatus(ctx context.Context, id int64, status BatchStatus) error {
	res, err := dbopen.Exec(ctx, s.db, s.q(`UPDATE batches SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("store: set batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	return nil
}

const batchColumns = `id, file_name, status, row_count, uploaded_by, user_id, admin_id, project_id,
	checksum, format, download_link, created_at, uploaded_on`

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(sc scanner) (*Batch, error) {
	b := &Batch{}
	var userID, adminID, projectID sql.NullInt64
	var created, uploaded int64
	if err := sc.Scan(&b.ID, &b.FileName, &b.Status, &b.RowCount, &b.UploadedBy, &userID, &adminID,
		&projectID, &b.Checksum, &b.Format, &b.DownloadLink, &created, &uploaded); err != nil {
		return nil, err
	}
	b.UserID = int64Ptr(userID)
	b.AdminID = int64Ptr(adminID)
	b.ProjectID = int64Ptr(projectID)
	b.CreatedAt = fromMillis(created)
	b.UploadedOn = fromMillis(uploaded)
	return b, nil
}

func (s *Store) patientTypes(ctx context.Context, batchIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(batchIDs))
	for _, part := range chunks(batchIDs, inChunk) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT batch_id, patient_type_id FROM batch_patient_types
			WHERE batch_id IN (`+placeholders(len(part))+`) ORDER BY batch_id, patient_type_id`), args...)
		if err != nil {
			return nil, fmt.Errorf("store: patient types: %w", err)
		}
		for rows.Next() {
			var bid, pt int64
			if err := rows.Scan(&bid, &pt); err != nil {
				rows.Close()
				return nil, err
			}
			out[bid] = append(out[bid], pt)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	var out []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
