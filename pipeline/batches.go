package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/hazyhaar/tagflow/horosafe"
	"github.com/hazyhaar/tagflow/merge"
	"github.com/hazyhaar/tagflow/observability"
	"github.com/hazyhaar/tagflow/store"
)

// Download is a resolved artifact on disk.
type Download struct {
	Path     string
	FileName string
	ModTime  time.Time
}

// ResolveDownload finds the artifact of a batch. The candidate names are,
// in order: the explicit fileName (base name only), the name carried by the
// batch's stored link, and the default artifact name. The first that exists
// in the merged directory wins.
func (s *Service) ResolveDownload(ctx context.Context, batchID int64, fileName string) (dl *Download, err error) {
	start := time.Now()
	defer func() {
		s.audit.Record(ctx, observability.OpDownload, &batchID,
			map[string]string{"fileName": fileName}, dl, err, time.Since(start))
	}()

	if batchID <= 0 {
		return nil, invalidf("fileId is required")
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, classify(err)
	}

	var names []string
	if fileName != "" {
		name, err := horosafe.SafeFileName(fileName)
		if err != nil {
			return nil, invalidf("fileName %q: %v", fileName, err)
		}
		names = append(names, name)
	} else if name := linkFileName(b.DownloadLink); name != "" {
		names = append(names, name)
	}
	names = append(names, merge.ArtifactName(batchID))

	for _, name := range names {
		path, err := horosafe.SafePath(s.merger.Dir(), name)
		if err != nil {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		return &Download{Path: path, FileName: name, ModTime: fi.ModTime()}, nil
	}
	return nil, fmt.Errorf("%w: no merged file for batch %d", ErrNotFound, batchID)
}

func linkFileName(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	name, err := horosafe.SafeFileName(u.Query().Get("fileName"))
	if err != nil {
		return ""
	}
	return name
}

// ListBatches returns every batch, newest first. Contents are never loaded.
func (s *Service) ListBatches(ctx context.Context) ([]*store.Batch, error) {
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if batches == nil {
		batches = []*store.Batch{}
	}
	return batches, nil
}

// DeleteBatch removes a batch with its rows, then its artifact file.
// Archive records are kept.
func (s *Service) DeleteBatch(ctx context.Context, batchID int64) (err error) {
	start := time.Now()
	defer func() {
		s.audit.Record(ctx, observability.OpDelete, &batchID, nil, nil, err, time.Since(start))
	}()

	if err := s.store.DeleteBatch(ctx, batchID); err != nil {
		return classify(err)
	}
	if err := os.Remove(s.merger.Path(batchID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("delete: artifact not removed", "file_id", batchID, "error", err)
	}
	s.logger.Info("delete: batch removed", "file_id", batchID)
	return nil
}

// BatchStatusView is a batch with its row counts.
type BatchStatusView struct {
	*store.Batch
	Rows     map[store.RowStatus]int `json:"rows"`
	Archived int                     `json:"archived"`
}

// BatchStatus returns the aggregate status, link and row counts of a batch.
func (s *Service) BatchStatus(ctx context.Context, batchID int64) (*BatchStatusView, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, classify(err)
	}
	counts, err := s.store.RowCounts(ctx, batchID)
	if err != nil {
		return nil, classify(err)
	}
	archived, err := s.store.Archived(ctx, batchID)
	if err != nil {
		return nil, classify(err)
	}
	return &BatchStatusView{Batch: b, Rows: counts, Archived: len(archived)}, nil
}

// RobotErrorRequest is a failure report from a worker.
type RobotErrorRequest struct {
	Module    string     `json:"module" validate:"required,max=255"`
	Message   string     `json:"errorMessage" validate:"required"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	BatchID   *int64     `json:"fileId,omitempty" validate:"omitempty,gt=0"`
	FileName  string     `json:"fileName,omitempty" validate:"max=255"`
	PatientID string     `json:"patientId,omitempty" validate:"max=64"`
}

// RecordRobotError stores a worker failure. The timestamp defaults to now.
func (s *Service) RecordRobotError(ctx context.Context, req RobotErrorRequest) (*store.RobotError, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidf("%v", err)
	}
	e := &store.RobotError{
		Module:    req.Module,
		Message:   req.Message,
		BatchID:   req.BatchID,
		FileName:  req.FileName,
		PatientID: req.PatientID,
	}
	if req.Timestamp != nil {
		e.OccurredAt = req.Timestamp.UTC()
	}
	if err := s.store.AddRobotError(ctx, e); err != nil {
		return nil, classify(err)
	}
	s.logger.Warn("robot error reported", "module", e.Module, "file_id", e.BatchID, "patient_id", e.PatientID, "message", e.Message)
	return e, nil
}

// RobotErrors lists the latest worker failures.
func (s *Service) RobotErrors(ctx context.Context, limit int) ([]store.RobotError, error) {
	errs, err := s.store.ListRobotErrors(ctx, limit)
	if err != nil {
		return nil, classify(err)
	}
	if errs == nil {
		errs = []store.RobotError{}
	}
	return errs, nil
}

// Overview aggregates counts over the batches uploaded in the filter window.
func (s *Service) Overview(ctx context.Context, f store.OverviewFilter) (*store.Overview, error) {
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, invalidf("fromDate must be before toDate")
	}
	ov, err := s.store.Overview(ctx, f)
	if err != nil {
		return nil, classify(err)
	}
	return ov, nil
}

// Health returns row counts by status over all batches.
func (s *Service) Health(ctx context.Context) (map[store.RowStatus]int, error) {
	totals, err := s.store.Totals(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return totals, nil
}

// ReclaimStale returns rows claimed longer than olderThan to the unclaimed
// pool. Zero or negative olderThan uses the configured threshold; when that
// is zero too nothing happens.
func (s *Service) ReclaimStale(ctx context.Context, olderThan time.Duration) (n int64, err error) {
	if olderThan <= 0 {
		olderThan = s.cfg.Claim.ReclaimAfter
	}
	if olderThan <= 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() {
		if n > 0 || err != nil {
			s.audit.Record(ctx, observability.OpReclaim, nil,
				map[string]string{"olderThan": olderThan.String()}, map[string]int64{"reclaimed": n}, err, time.Since(start))
		}
	}()

	n, err = s.store.ReclaimStale(ctx, olderThan)
	if err != nil {
		return 0, classify(err)
	}
	if n > 0 {
		s.logger.Warn("reclaim: stale claims returned to the pool", "rows", n, "older_than", olderThan)
	}
	return n, nil
}

// RunReclaimer calls ReclaimStale every reclaim interval until ctx is done.
// It returns at once when reclaim is disabled.
func (s *Service) RunReclaimer(ctx context.Context) {
	if s.cfg.Claim.ReclaimAfter <= 0 {
		return
	}
	tick := time.NewTicker(s.cfg.Claim.ReclaimInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := s.ReclaimStale(ctx, 0); err != nil {
				s.logger.Error("reclaim failed", "error", err)
			}
		}
	}
}
