package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/tagflow/dbopen"
	"github.com/hazyhaar/tagflow/merge"
	"github.com/hazyhaar/tagflow/notify"
	"github.com/hazyhaar/tagflow/sheet"
	"github.com/hazyhaar/tagflow/store"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return notify.Event{}
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc   *Service
	store *store.Store
	sent  *recorder
	cfg   *Config
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = "https://backoffice.example.org"
	cfg.MergedDir = filepath.Join(t.TempDir(), "merged")
	for _, m := range mutate {
		m(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	st := store.New(dbopen.OpenMemory(t), dbopen.SQLite, store.WithClock(func() time.Time { return testNow }))
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	sent := &recorder{}
	svc, err := New(cfg, st, WithNotifier(sent))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, store: st, sent: sent, cfg: cfg}
}

func xlsxUpload(t *testing.T, headers []string, rows ...[]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := sheet.WriteRows(&buf, "Sheet1", headers, rows); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (f *fixture) upload(t *testing.T, ssns ...string) *UploadResult {
	t.Helper()
	rows := make([][]string, len(ssns))
	for i, s := range ssns {
		rows[i] = []string{"Patient " + s[:3], s}
	}
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		FileName:     "patients.xlsx",
		RowCountHint: len(ssns),
		UploadedBy:   "alice",
		UserID:       7,
		Data:         xlsxUpload(t, []string{"Name", "SSN"}, rows...),
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func enriched(row store.ClaimedRow, company string) store.Result {
	return store.Result{
		RowID:      row.RowID,
		Status:     "processed",
		Identifier: row.Identifier,
		Enrichment: store.Enrichment{
			InsuranceCompany:    company,
			PolicyNumber:        "POL-" + row.Identifier[:4],
			InsuranceExpiryDate: "31/01/2027",
		},
	}
}

func readArtifact(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(merge.SheetName)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func TestScenario_UploadClaimWritebackMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up := f.upload(t, "1111111111", "2222222222")
	if up.Rows != 2 || up.Batch.Status != store.BatchUnprocessed {
		t.Fatalf("upload: %+v", up)
	}

	claimed, err := f.svc.Claim(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 || claimed[0].Identifier != "1111111111" || claimed[1].Identifier != "2222222222" {
		t.Fatalf("claimed: %+v", claimed)
	}
	counts, _ := f.store.RowCounts(ctx, up.Batch.ID)
	if counts[store.RowProcessing] != 2 {
		t.Fatalf("rows not marked claimed: %v", counts)
	}

	res, err := f.svc.ApplyResults(ctx, up.Batch.ID, []store.Result{
		enriched(claimed[0], "Acme Health"),
		enriched(claimed[1], "Bupa"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.BatchProcessed || res.DownloadLink == "" || res.Updated != 2 {
		t.Fatalf("writeback: %+v", res)
	}
	wantLink := "https://backoffice.example.org/api/file/download?fileId=1&fileName=File_1_Merged.xlsx"
	if res.DownloadLink != wantLink {
		t.Fatalf("link = %q", res.DownloadLink)
	}

	b, err := f.store.GetBatch(ctx, up.Batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != store.BatchProcessed || b.DownloadLink != wantLink {
		t.Fatalf("batch not persisted: %+v", b)
	}

	rows := readArtifact(t, filepath.Join(f.cfg.MergedDir, "File_1_Merged.xlsx"))
	if len(rows) != 3 {
		t.Fatalf("artifact rows = %d, want header + 2", len(rows))
	}
	if cell(rows[1], 2) != "Acme Health" || cell(rows[2], 2) != "Bupa" {
		t.Fatalf("enrichment not merged: %v", rows)
	}
	if cell(rows[1], 2+8) != "2027-01-31" {
		t.Fatalf("expiry not normalized: %q", cell(rows[1], 10))
	}
	if cell(rows[1], 2+12) != "processed" {
		t.Fatalf("status column: %q", cell(rows[1], 14))
	}

	ev := f.sent.last()
	if ev.Event != StatusEvent || ev.BatchID != up.Batch.ID || ev.Status != "processed" || ev.DownloadLink != wantLink {
		t.Fatalf("notification: %+v", ev)
	}
}

func TestApplyResults_TerminalCompletionTriggersMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.upload(t, "1000000001", "1000000002", "1000000003")
	claimed, err := f.svc.Claim(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.ApplyResults(ctx, up.Batch.ID, []store.Result{enriched(claimed[0], "A"), enriched(claimed[1], "B")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.BatchUnprocessed || res.DownloadLink != "" || res.Pending != 1 {
		t.Fatalf("partial writeback: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.MergedDir, merge.ArtifactName(up.Batch.ID))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact written too early: %v", err)
	}
	if f.sent.last().Status != "unprocessed" {
		t.Fatalf("partial writeback not notified: %+v", f.sent.last())
	}

	rest, err := f.svc.Claim(ctx, 10)
	if err != nil || len(rest) != 1 {
		t.Fatalf("claim rest: %v %v", rest, err)
	}
	failed := enriched(rest[0], "")
	failed.Status = "processed_with_error"
	res, err = f.svc.ApplyResults(ctx, up.Batch.ID, []store.Result{failed})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != store.BatchProcessed || res.DownloadLink == "" {
		t.Fatalf("final writeback: %+v", res)
	}
	rows := readArtifact(t, filepath.Join(f.cfg.MergedDir, merge.ArtifactName(up.Batch.ID)))
	if len(rows) != 4 || cell(rows[3], 14) != "processed_with_error" {
		t.Fatalf("artifact: %v", rows)
	}
}

func TestApplyResults_ExpiredRowsAreArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.upload(t, "1000000001", "1000000002")
	claimed, _ := f.svc.Claim(ctx, 2)

	gone := enriched(claimed[1], "Old Insurer")
	gone.InsuranceExpiryDate = "2026-10-15"
	res, err := f.svc.ApplyResults(ctx, up.Batch.ID, []store.Result{enriched(claimed[0], "A"), gone})
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 1 || res.Updated != 1 || res.Status != store.BatchProcessed {
		t.Fatalf("outcome: %+v", res)
	}

	view, err := f.svc.BatchStatus(ctx, up.Batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Archived != 1 || view.Rows[store.RowProcessed] != 1 {
		t.Fatalf("status view: %+v", view)
	}
}

func TestApplyResults_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, "1000000001")
	b := f.upload(t, "1000000002")
	claimed, _ := f.svc.Claim(ctx, 2)

	if _, err := f.svc.ApplyResults(ctx, 99, []store.Result{enriched(claimed[0], "A")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown batch: %v", err)
	}
	// Row of batch a submitted under batch b.
	if _, err := f.svc.ApplyResults(ctx, b.Batch.ID, []store.Result{enriched(claimed[0], "A")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign rows: %v", err)
	}
	bad := enriched(claimed[0], "A")
	bad.Status = "enriched"
	if _, err := f.svc.ApplyResults(ctx, a.Batch.ID, []store.Result{bad}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := f.svc.ApplyResults(ctx, a.Batch.ID, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty results: %v", err)
	}

	counts, _ := f.store.RowCounts(ctx, a.Batch.ID)
	if counts[store.RowProcessing] != 1 {
		t.Fatalf("rejected writebacks changed rows: %v", counts)
	}
}

// blockedMergedDir returns a merged_dir path occupied by a regular file, so
// artifact generation fails until unblock is called.
func blockedMergedDir(t *testing.T) (dir string, unblock func()) {
	t.Helper()
	dir = filepath.Join(t.TempDir(), "merged")
	if err := os.WriteFile(dir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, func() {
		if err := os.Remove(dir); err != nil {
			t.Fatal(err)
		}
	}
}

func TestApplyResults_MergeFailureKeepsRows(t *testing.T) {
	dir, unblock := blockedMergedDir(t)
	f := newFixture(t, func(c *Config) { c.MergedDir = dir })
	ctx := context.Background()
	up := f.upload(t, "1000000001")
	claimed, _ := f.svc.Claim(ctx, 1)
	results := []store.Result{enriched(claimed[0], "A")}

	_, err := f.svc.ApplyResults(ctx, up.Batch.ID, results)
	if !errors.Is(err, ErrArtifact) {
		t.Fatalf("want ErrArtifact, got %v", err)
	}
	counts, _ := f.store.RowCounts(ctx, up.Batch.ID)
	if counts[store.RowProcessed] != 1 {
		t.Fatalf("committed rows lost: %v", counts)
	}
	b, _ := f.store.GetBatch(ctx, up.Batch.ID)
	if b.Status != store.BatchUnprocessed || b.DownloadLink != "" {
		t.Fatalf("batch reported downloadable: %+v", b)
	}

	unblock()
	res, err := f.svc.ApplyResults(ctx, up.Batch.ID, results)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != store.BatchProcessed || res.DownloadLink == "" {
		t.Fatalf("retry state = %+v", res.BatchState)
	}
	if _, err := os.Stat(filepath.Join(dir, merge.ArtifactName(up.Batch.ID))); err != nil {
		t.Fatalf("artifact missing after retry: %v", err)
	}
}

func TestApplyResults_RetryAfterArchivingLastRows(t *testing.T) {
	dir, unblock := blockedMergedDir(t)
	f := newFixture(t, func(c *Config) { c.MergedDir = dir })
	ctx := context.Background()
	up := f.upload(t, "1000000001")
	claimed, _ := f.svc.Claim(ctx, 1)
	expired := enriched(claimed[0], "A")
	expired.InsuranceExpiryDate = "2020-01-01"
	results := []store.Result{expired}

	if _, err := f.svc.ApplyResults(ctx, up.Batch.ID, results); !errors.Is(err, ErrArtifact) {
		t.Fatalf("want ErrArtifact, got %v", err)
	}
	if n, _ := f.store.CountPending(ctx, up.Batch.ID); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}

	unblock()
	res, err := f.svc.ApplyResults(ctx, up.Batch.ID, results)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != store.BatchProcessed || res.DownloadLink == "" {
		t.Fatalf("retry state = %+v", res.BatchState)
	}
	b, _ := f.store.GetBatch(ctx, up.Batch.ID)
	if b.Status != store.BatchProcessed || b.DownloadLink != res.DownloadLink {
		t.Fatalf("stored batch = %+v", b)
	}
	if f.sent.last().Status != string(store.BatchProcessed) {
		t.Fatalf("last event = %+v", f.sent.last())
	}

	// Once processed, a further stray writeback is rejected again.
	if _, err := f.svc.ApplyResults(ctx, up.Batch.ID, results); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after recovery: %v", err)
	}
}

func TestUpload_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := xlsxUpload(t, []string{"Name", "SSN"}, []string{"x", "1000000001"})

	cases := map[string]UploadRequest{
		"not a spreadsheet": {FileName: "notes.pdf", UserID: 1, Data: []byte("%PDF-1.7")},
		"missing column":    {FileName: "a.xlsx", UserID: 1, Data: xlsxUpload(t, []string{"Name", "Phone"}, []string{"x", "1"})},
		"bad identifier":    {FileName: "a.xlsx", UserID: 1, Data: xlsxUpload(t, []string{"SSN"}, []string{"1000000001"}, []string{"99"})},
		"no identifiers":    {FileName: "a.xlsx", UserID: 1, Data: xlsxUpload(t, []string{"SSN"}, []string{""})},
		"no owner":          {FileName: "a.xlsx", Data: good},
		"no file name":      {UserID: 1, Data: good},
	}
	for name, req := range cases {
		if _, err := f.svc.Upload(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: want ErrInvalidInput, got %v", name, err)
		}
	}
	batches, _ := f.svc.ListBatches(ctx)
	if len(batches) != 0 {
		t.Fatalf("rejected uploads persisted %d batches", len(batches))
	}
}

func TestUpload_CSV(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		FileName: "patients.csv",
		UserID:   3,
		IsAdmin:  true,
		Data:     []byte("name,ssn\nA,1000000001\nB,3000000002\n"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 2 || !res.Batch.IsUploadedByAdmin() || res.Batch.Format != "csv" {
		t.Fatalf("csv upload: %+v", res.Batch)
	}
}

func TestUpload_FullyCarriedBatchIsMergedAtOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.upload(t, "1000000001", "1000000002")
	claimed, _ := f.svc.Claim(ctx, 10)
	if _, err := f.svc.ApplyResults(ctx, first.Batch.ID, []store.Result{enriched(claimed[0], "A"), enriched(claimed[1], "B")}); err != nil {
		t.Fatal(err)
	}

	again := f.upload(t, "1000000002", "1000000001")
	if again.CarriedForward != 2 {
		t.Fatalf("carried = %d", again.CarriedForward)
	}
	if again.Batch.Status != store.BatchProcessed || again.Batch.DownloadLink == "" {
		t.Fatalf("carried batch not finalized: %+v", again.Batch)
	}
	if len(again.DuplicateOf) != 0 {
		t.Fatalf("different bytes flagged as duplicate: %v", again.DuplicateOf)
	}
	rows := readArtifact(t, filepath.Join(f.cfg.MergedDir, merge.ArtifactName(again.Batch.ID)))
	if cell(rows[1], 2) != "B" || cell(rows[2], 2) != "A" {
		t.Fatalf("carried enrichment missing: %v", rows)
	}

	if rows, _ := f.svc.Claim(ctx, 10); len(rows) != 0 {
		t.Fatalf("carried rows were claimable: %v", rows)
	}
}

func TestUpload_DuplicateChecksumIsAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := UploadRequest{FileName: "p.csv", UserID: 1, Data: []byte("ssn\n1000000001\n")}
	first, err := f.svc.Upload(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Upload(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.DuplicateOf) != 1 || second.DuplicateOf[0] != first.Batch.ID {
		t.Fatalf("duplicate not detected: %v", second.DuplicateOf)
	}
	if second.Batch.Checksum != first.Batch.Checksum || second.Batch.Checksum == "" {
		t.Fatalf("checksums: %q %q", first.Batch.Checksum, second.Batch.Checksum)
	}
}

func TestClaim_SizeDefaultsAndCap(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Claim.DefaultSize = 2; c.Claim.MaxSize = 3 })
	ctx := context.Background()
	f.upload(t, "1000000001", "1000000002", "1000000003", "1000000004", "1000000005", "1000000006")

	rows, _ := f.svc.Claim(ctx, 0)
	if len(rows) != 2 {
		t.Fatalf("default size: %d", len(rows))
	}
	rows, _ = f.svc.Claim(ctx, 100)
	if len(rows) != 3 {
		t.Fatalf("capped size: %d", len(rows))
	}
	rows, _ = f.svc.Claim(ctx, 100)
	if len(rows) != 1 {
		t.Fatalf("remaining: %d", len(rows))
	}
	rows, err := f.svc.Claim(ctx, 5)
	if err != nil || rows == nil || len(rows) != 0 {
		t.Fatalf("empty claim: %v %v", rows, err)
	}
}

func TestResolveDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.upload(t, "1000000001")

	if _, err := f.svc.ResolveDownload(ctx, up.Batch.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("before merge: %v", err)
	}
	if _, err := f.svc.ResolveDownload(ctx, 42, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown batch: %v", err)
	}
	if _, err := f.svc.ResolveDownload(ctx, up.Batch.ID, "../../etc/passwd"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("traversal: %v", err)
	}

	claimed, _ := f.svc.Claim(ctx, 1)
	if _, err := f.svc.ApplyResults(ctx, up.Batch.ID, []store.Result{enriched(claimed[0], "A")}); err != nil {
		t.Fatal(err)
	}
	dl, err := f.svc.ResolveDownload(ctx, up.Batch.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if dl.FileName != "File_1_Merged.xlsx" {
		t.Fatalf("resolved %q", dl.FileName)
	}
	// Unknown explicit name falls back to the default artifact.
	dl, err = f.svc.ResolveDownload(ctx, up.Batch.ID, "renamed.xlsx")
	if err != nil || dl.FileName != "File_1_Merged.xlsx" {
		t.Fatalf("fallback: %+v %v", dl, err)
	}
}

func TestDeleteBatch_RemovesArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.upload(t, "1000000001")
	claimed, _ := f.svc.Claim(ctx, 1)
	if _, err := f.svc.ApplyResults(ctx, up.Batch.ID, []store.Result{enriched(claimed[0], "A")}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(f.cfg.MergedDir, merge.ArtifactName(up.Batch.ID))

	if err := f.svc.DeleteBatch(ctx, up.Batch.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact kept: %v", err)
	}
	if _, err := f.svc.BatchStatus(ctx, up.Batch.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status after delete: %v", err)
	}
	if err := f.svc.DeleteBatch(ctx, up.Batch.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestRecordRobotError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.RecordRobotError(ctx, RobotErrorRequest{Module: "portal"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing message: %v", err)
	}
	e, err := f.svc.RecordRobotError(ctx, RobotErrorRequest{Module: "portal", Message: "login timeout", PatientID: "1000000001"})
	if err != nil {
		t.Fatal(err)
	}
	if !e.OccurredAt.Equal(testNow) {
		t.Fatalf("timestamp default: %v", e.OccurredAt)
	}
	list, _ := f.svc.RobotErrors(ctx, 0)
	if len(list) != 1 || list[0].Message != "login timeout" {
		t.Fatalf("list: %+v", list)
	}
}

func TestReclaimStale_DisabledByDefault(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "1000000001")
	f.svc.Claim(context.Background(), 1)
	if n, err := f.svc.ReclaimStale(context.Background(), 0); err != nil || n != 0 {
		t.Fatalf("reclaim with no threshold: %d %v", n, err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
		code int
	}{
		{store.ErrNotFound, ErrNotFound, 404},
		{store.ErrNoMatchingRows, ErrNotFound, 404},
		{sheet.ErrMissingColumn, ErrInvalidInput, 400},
		{dbopen.ErrConflict, ErrConflict, 409},
		{errors.New("disk on fire"), ErrPersistence, 500},
		{invalidf("x"), ErrInvalidInput, 400},
	}
	for _, c := range cases {
		got := classify(c.err)
		if !errors.Is(got, c.want) || !errors.Is(got, c.err) {
			t.Errorf("classify(%v) = %v", c.err, got)
		}
		if HTTPStatus(got) != c.code {
			t.Errorf("HTTPStatus(%v) = %d, want %d", got, HTTPStatus(got), c.code)
		}
	}
	if PublicMessage(classify(errors.New("secret dsn"))) != "internal error" {
		t.Error("persistence details leaked")
	}
}
