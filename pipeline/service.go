// Package pipeline wires the row store, the merge generator and the
// notification outbox into the backoffice operations, and exposes them over
// HTTP and MCP.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"

	"github.com/hazyhaar/tagflow/merge"
	"github.com/hazyhaar/tagflow/notify"
	"github.com/hazyhaar/tagflow/observability"
	"github.com/hazyhaar/tagflow/sheet"
	"github.com/hazyhaar/tagflow/store"
)

// StatusEvent is the event name of every status notification.
const StatusEvent = "file.status"

// Notifier receives a status event after every writeback. Delivery is best
// effort.
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, notify.Event) error { return nil }

// Service runs the backoffice operations.
type Service struct {
	cfg      *Config
	store    *store.Store
	merger   *merge.Generator
	notifier Notifier
	audit    observability.Auditor
	logger   *slog.Logger
	pattern  *regexp.Regexp
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the status notifier. Default: none.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithAuditor sets the audit trail. Default: observability.Discard.
func WithAuditor(a observability.Auditor) Option { return func(s *Service) { s.audit = a } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// New builds a Service over st. cfg must have passed Validate.
func New(cfg *Config, st *store.Store, opts ...Option) (*Service, error) {
	pattern, err := regexp.Compile(cfg.IdentifierPattern)
	if err != nil {
		return nil, fmt.Errorf("pipeline: identifier pattern: %w", err)
	}
	s := &Service{
		cfg:      cfg,
		store:    st,
		notifier: nopNotifier{},
		audit:    observability.Discard,
		logger:   slog.Default(),
		pattern:  pattern,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(s)
	}
	s.merger = merge.New(st, cfg.MergedDir,
		merge.WithColumn(cfg.IdentifierColumn),
		merge.WithLogger(s.logger))
	return s, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *Config { return s.cfg }

// UploadRequest is one spreadsheet upload.
type UploadRequest struct {
	FileName       string    `validate:"required,max=255"`
	RowCountHint   int       `validate:"gte=0"`
	UploadedBy     string    `validate:"max=255"`
	UserID         int64     `validate:"gt=0"`
	IsAdmin        bool
	ProjectID      *int64    `validate:"omitempty,gt=0"`
	PatientTypeIDs []int64   `validate:"dive,gt=0"`
	UploadedOn     time.Time
	Data           []byte    `validate:"required"`
}

// UploadResult describes the created batch.
type UploadResult struct {
	Batch          *store.Batch `json:"file"`
	Rows           int          `json:"rows"`
	CarriedForward int          `json:"carriedForward"`
	DuplicateOf    []int64      `json:"duplicateOf,omitempty"`
}

// Upload validates a spreadsheet, extracts its identifiers and creates a
// batch with one row per identifier. Identifiers already processed in an
// earlier batch are carried forward with their enrichment. A batch with
// nothing left to process is merged right away.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	start := time.Now()
	defer func() {
		var id *int64
		if res != nil {
			id = &res.Batch.ID
		}
		s.audit.Record(ctx, observability.OpUpload, id,
			map[string]any{"fileName": req.FileName, "bytes": len(req.Data), "userId": req.UserID, "isAdmin": req.IsAdmin},
			res, err, time.Since(start))
	}()

	if err := s.validate.Struct(req); err != nil {
		return nil, invalidf("%v", err)
	}
	format, err := sheet.DetectFormat(req.FileName, req.Data)
	if err != nil {
		return nil, classify(err)
	}
	ids, err := sheet.ExtractIdentifiers(bytes.NewReader(req.Data), format, s.cfg.IdentifierColumn)
	if err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return nil, invalidf("no values in column %q", s.cfg.IdentifierColumn)
	}
	for _, id := range ids {
		if !s.pattern.MatchString(id) {
			return nil, invalidf("identifier %q does not match %s", id, s.cfg.IdentifierPattern)
		}
	}
	if req.RowCountHint > 0 && req.RowCountHint != len(ids) {
		s.logger.Warn("upload: row count hint differs", "file", req.FileName, "hint", req.RowCountHint, "rows", len(ids))
	}

	checksum := strconv.FormatUint(xxhash.Sum64(req.Data), 16)
	same, err := s.store.FindByChecksum(ctx, checksum)
	if err != nil {
		return nil, classify(err)
	}
	if len(same) > 0 {
		s.logger.Warn("upload: identical file already uploaded", "file", req.FileName, "checksum", checksum, "batches", same)
	}

	dups, err := s.store.FindDuplicates(ctx, ids)
	if err != nil {
		return nil, classify(err)
	}
	carry := store.CarryForward(dups)

	uploadedOn := req.UploadedOn
	if uploadedOn.IsZero() {
		uploadedOn = s.store.Now()
	}
	batch, err := s.store.CreateBatch(ctx, store.NewBatch{
		FileName:       req.FileName,
		UploadedBy:     req.UploadedBy,
		Owner:          store.Owner{ID: req.UserID, Admin: req.IsAdmin},
		ProjectID:      req.ProjectID,
		PatientTypeIDs: req.PatientTypeIDs,
		Checksum:       checksum,
		Format:         string(format),
		Content:        req.Data,
		UploadedOn:     uploadedOn,
	}, ids, carry)
	if err != nil {
		return nil, classify(err)
	}

	carried := 0
	for _, id := range ids {
		if _, ok := carry[id]; ok {
			carried++
		}
	}
	s.logger.Info("upload: batch created", "file_id", batch.ID, "rows", len(ids), "carried_forward", carried)

	res = &UploadResult{Batch: batch, Rows: len(ids), CarriedForward: carried, DuplicateOf: same}
	if carried == len(ids) {
		state, ferr := s.finalize(ctx, batch.ID, 0)
		if ferr != nil {
			return res, ferr
		}
		batch.Status, batch.DownloadLink = state.Status, state.DownloadLink
	}
	return res, nil
}

// Claim hands out up to size unclaimed rows, lowest ids first. A size of
// zero or less means the configured default; sizes above the maximum are
// capped.
func (s *Service) Claim(ctx context.Context, size int) (rows []store.ClaimedRow, err error) {
	start := time.Now()
	if size <= 0 {
		size = s.cfg.Claim.DefaultSize
	}
	if size > s.cfg.Claim.MaxSize {
		size = s.cfg.Claim.MaxSize
	}
	defer func() {
		s.audit.Record(ctx, observability.OpClaim, nil,
			map[string]int{"batchSize": size}, map[string]int{"claimed": len(rows)}, err, time.Since(start))
	}()

	rows, err = s.store.Claim(ctx, size)
	if err != nil {
		return nil, classify(err)
	}
	if rows == nil {
		rows = []store.ClaimedRow{}
	}
	return rows, nil
}

// BatchState is the aggregate state of a batch after a writeback.
type BatchState struct {
	BatchID      int64             `json:"fileId"`
	Status       store.BatchStatus `json:"status"`
	DownloadLink string            `json:"downloadLink"`
}

// WritebackResult is what a worker gets back from ApplyResults.
type WritebackResult struct {
	store.WritebackOutcome
	BatchState
}

type writebackRequest struct {
	Results []store.Result `validate:"required,min=1,dive"`
}

// ApplyResults stores worker results for one batch, then recomputes the
// batch state: with no pending row left the artifact is regenerated and the
// batch becomes processed, otherwise it stays unprocessed. Subscribers are
// notified either way. A failed merge is reported as ErrArtifact after the
// rows were committed; retrying the call regenerates the artifact.
func (s *Service) ApplyResults(ctx context.Context, batchID int64, results []store.Result) (res *WritebackResult, err error) {
	start := time.Now()
	defer func() {
		s.audit.Record(ctx, observability.OpWriteback, &batchID,
			map[string]int{"results": len(results)}, res, err, time.Since(start))
	}()

	if batchID <= 0 {
		return nil, invalidf("fileId is required")
	}
	if err := s.validate.Struct(writebackRequest{Results: results}); err != nil {
		return nil, invalidf("%v", err)
	}

	out, err := s.store.ApplyResults(ctx, batchID, results)
	if errors.Is(err, store.ErrNoMatchingRows) {
		out, err = s.retryStalled(ctx, batchID, len(results), err)
	}
	if err != nil {
		return nil, classify(err)
	}
	s.logger.Info("writeback: applied", "file_id", batchID,
		"updated", out.Updated, "archived", out.Archived, "skipped", out.Skipped, "pending", out.Pending)

	state, err := s.finalize(ctx, batchID, out.Pending)
	if err != nil {
		return nil, err
	}
	return &WritebackResult{WritebackOutcome: *out, BatchState: *state}, nil
}

// retryStalled handles a writeback that matched no live row. A batch left
// unprocessed with nothing pending lost its merge after the rows committed,
// typically because every remaining row was archived; finalizing it again
// is the retry. Any other batch keeps the original error.
func (s *Service) retryStalled(ctx context.Context, batchID int64, results int, cause error) (*store.WritebackOutcome, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == store.BatchProcessed {
		return nil, cause
	}
	pending, err := s.store.CountPending(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, cause
	}
	s.logger.Warn("writeback: batch has no pending rows, regenerating artifact", "file_id", batchID)
	return &store.WritebackOutcome{Skipped: results}, nil
}

// finalize recomputes the aggregate state of a batch and notifies
// subscribers. It runs after the row transaction committed.
func (s *Service) finalize(ctx context.Context, batchID int64, pending int) (*BatchState, error) {
	state := &BatchState{BatchID: batchID, Status: store.BatchUnprocessed}

	if pending > 0 {
		if err := s.store.SetBatchStatus(ctx, batchID, store.BatchUnprocessed); err != nil {
			return nil, classify(err)
		}
		b, err := s.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, classify(err)
		}
		state.DownloadLink = b.DownloadLink
		s.publish(ctx, state)
		return state, nil
	}

	content, format, err := s.store.BatchContent(ctx, batchID)
	if err != nil {
		return nil, classify(err)
	}
	prior := s.merger.Path(batchID)
	if _, err := os.Stat(prior); err != nil {
		prior = ""
	}
	if _, err := s.merger.Generate(ctx, batchID, content, sheet.Format(format), prior); err != nil {
		s.logger.Error("writeback: merge failed", "file_id", batchID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrArtifact, err)
	}

	state.Status = store.BatchProcessed
	state.DownloadLink = merge.DownloadLink(s.cfg.BaseURL, batchID, merge.ArtifactName(batchID))
	if err := s.store.SetBatchState(ctx, batchID, state.Status, state.DownloadLink); err != nil {
		return nil, classify(err)
	}
	s.logger.Info("writeback: batch processed", "file_id", batchID, "link", state.DownloadLink)
	s.publish(ctx, state)
	return state, nil
}

func (s *Service) publish(ctx context.Context, st *BatchState) {
	err := s.notifier.Publish(ctx, notify.Event{
		Event:        StatusEvent,
		BatchID:      st.BatchID,
		DownloadLink: st.DownloadLink,
		Status:       string(st.Status),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("notify: publish failed", "file_id", st.BatchID, "error", err)
	}
}
