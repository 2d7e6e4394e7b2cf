package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/tagflow/dbopen"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(dbopen.OpenMemory(t), dbopen.SQLite, opts...)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

// fileStore uses a real file so several connections can race.
func fileStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "tagflow.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(8)
	t.Cleanup(func() { db.Close() })
	s := New(db, dbopen.SQLite)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func seedBatch(t *testing.T, s *Store, identifiers ...string) *Batch {
	t.Helper()
	ctx := context.Background()
	dups, err := s.FindDuplicates(ctx, identifiers)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateBatch(ctx, NewBatch{
		FileName:   "upload.xlsx",
		UploadedBy: "alice",
		Owner:      Owner{ID: 7},
		Content:    []byte("raw"),
	}, identifiers, CarryForward(dups))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func identifiers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("1%09d", i)
	}
	return out
}

func TestCreateBatch_RowsStartUnprocessed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111", "2222222222")

	if b.ID == 0 || b.RowCount != 2 || b.Status != BatchUnprocessed {
		t.Fatalf("batch = %+v", b)
	}
	rows, err := s.RowsByBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Status != RowUnprocessed || r.ClaimedAt != nil {
			t.Errorf("row %d: status=%s claimed=%v", r.ID, r.Status, r.ClaimedAt)
		}
	}
	content, format, err := s.BatchContent(ctx, b.ID)
	if err != nil || string(content) != "raw" || format != "xlsx" {
		t.Fatalf("content = %q %q %v", content, format, err)
	}
}

func TestCreateBatch_OwnerRequired(t *testing.T) {
	s := testStore(t)
	_, err := s.CreateBatch(context.Background(), NewBatch{FileName: "x", Content: []byte("x")}, []string{"1111111111"}, nil)
	if !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("err = %v, want ErrInvalidOwner", err)
	}
}

func TestCreateBatch_AdminOwnerAndPatientTypes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	project := int64(3)
	b, err := s.CreateBatch(ctx, NewBatch{
		FileName:       "admin.xlsx",
		Owner:          Owner{ID: 1, Admin: true},
		ProjectID:      &project,
		PatientTypeIDs: []int64{4, 2, 4},
		Content:        []byte("x"),
	}, []string{"1111111111"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsUploadedByAdmin() || got.UserID != nil {
		t.Fatalf("owner: user=%v admin=%v", got.UserID, got.AdminID)
	}
	if got.ProjectID == nil || *got.ProjectID != 3 {
		t.Fatalf("project = %v", got.ProjectID)
	}
	if len(got.PatientTypeIDs) != 2 || got.PatientTypeIDs[0] != 2 || got.PatientTypeIDs[1] != 4 {
		t.Fatalf("patient types = %v", got.PatientTypeIDs)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetBatch(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaim_LowestIDsInOrder(t *testing.T) {
	s := testStore(t, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	seedBatch(t, s, identifiers(5)...)

	got, err := s.Claim(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("claimed %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].RowID <= got[i-1].RowID {
			t.Fatalf("not ascending: %v", got)
		}
	}

	rows, _ := s.RowsByBatch(ctx, got[0].BatchID)
	for i, r := range rows {
		wantStatus := RowUnprocessed
		if i < 3 {
			wantStatus = RowProcessing
		}
		if r.Status != wantStatus {
			t.Errorf("row %d: status = %s, want %s", r.ID, r.Status, wantStatus)
		}
		if i < 3 {
			if r.ID != got[i].RowID {
				t.Errorf("claimed row %d = %d, want lowest id %d", i, got[i].RowID, r.ID)
			}
			if r.ClaimedAt == nil || !r.ClaimedAt.Equal(testNow) {
				t.Errorf("row %d: claimed_at = %v", r.ID, r.ClaimedAt)
			}
		}
	}

	rest, err := s.Claim(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("second claim = %d rows, want 2", len(rest))
	}
}

func TestClaim_EmptyIsNotAnError(t *testing.T) {
	s := testStore(t)
	got, err := s.Claim(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d rows from empty store", len(got))
	}
}

func TestClaim_ConcurrentCallersNeverOverlap(t *testing.T) {
	s := fileStore(t)
	ctx := context.Background()
	const total = 200
	seedBatch(t, s, identifiers(total)...)

	const workers = 12
	const size = 25
	results := make([][]ClaimedRow, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w], errs[w] = s.Claim(ctx, size)
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]int)
	sum := 0
	for w := range results {
		if errs[w] != nil {
			t.Fatalf("worker %d: %v", w, errs[w])
		}
		for _, c := range results[w] {
			if prev, dup := seen[c.RowID]; dup {
				t.Fatalf("row %d claimed by workers %d and %d", c.RowID, prev, w)
			}
			seen[c.RowID] = w
		}
		sum += len(results[w])
	}
	if want := min(total, workers*size); sum != want {
		t.Fatalf("claimed %d rows, want %d", sum, want)
	}
}

func TestClaim_Postgres(t *testing.T) {
	dsn := os.Getenv("TAGFLOW_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("TAGFLOW_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for _, tbl := range []string{"batch_rows", "batch_patient_types", "expired_identifiers", "robot_errors", "batches"} {
		if _, err := s.DB().Exec(`DELETE FROM ` + tbl); err != nil {
			t.Fatal(err)
		}
	}
	seedBatch(t, s, identifiers(60)...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Claim(ctx, 15)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range got {
				if seen[c.RowID] {
					t.Errorf("row %d claimed twice", c.RowID)
				}
				seen[c.RowID] = true
			}
		}()
	}
	wg.Wait()
	if len(seen) != 60 {
		t.Fatalf("claimed %d rows, want 60", len(seen))
	}
}

func TestReclaimStale(t *testing.T) {
	clock := &fakeClock{t: testNow}
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()
	seedBatch(t, s, identifiers(3)...)

	if _, err := s.Claim(ctx, 2); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Minute)
	n, err := s.ReclaimStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d fresh claims", n)
	}

	clock.Advance(10 * time.Minute)
	n, err = s.ReclaimStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("reclaimed %d, want 2", n)
	}
	again, err := s.Claim(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 3 {
		t.Fatalf("claim after reclaim = %d rows, want 3", len(again))
	}
}

func TestCarryForward_PrefersProcessed(t *testing.T) {
	dups := []Row{
		{ID: 1, Identifier: "A", Status: RowUnprocessed},
		{ID: 2, Identifier: "A", Status: RowProcessed, Enrichment: Enrichment{InsuranceCompany: "first"}},
		{ID: 3, Identifier: "A", Status: RowProcessed, Enrichment: Enrichment{InsuranceCompany: "second"}},
		{ID: 4, Identifier: "B", Status: RowProcessedWithError},
		{ID: 5, Identifier: "C", Status: RowProcessing},
	}
	got := CarryForward(dups)
	if len(got) != 1 {
		t.Fatalf("carry = %v, want only A", got)
	}
	if got["A"].InsuranceCompany != "first" {
		t.Fatalf("A carried %q, want first match", got["A"].InsuranceCompany)
	}
}

func TestCreateBatch_CarriesKnownEnrichment(t *testing.T) {
	s := testStore(t, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	first := seedBatch(t, s, "1111111111", "2222222222")
	claimed, _ := s.Claim(ctx, 2)
	_, err := s.ApplyResults(ctx, first.ID, []Result{{
		RowID:      claimed[0].RowID,
		Status:     "processed",
		Enrichment: Enrichment{InsuranceCompany: "Acme", InsuranceExpiryDate: "2030-01-01"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	second := seedBatch(t, s, "1111111111", "3333333333")
	rows, err := s.RowsByBatch(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Status != RowProcessed || rows[0].InsuranceCompany != "Acme" {
		t.Fatalf("carried row = %+v", rows[0])
	}
	if rows[1].Status != RowUnprocessed || rows[1].InsuranceCompany != "" {
		t.Fatalf("new row = %+v", rows[1])
	}
	if n, _ := s.CountPending(ctx, second.ID); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestApplyResults_ExpiredRowsAreArchived(t *testing.T) {
	s := testStore(t, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111", "2222222222", "3333333333")
	claimed, _ := s.Claim(ctx, 3)

	out, err := s.ApplyResults(ctx, b.ID, []Result{
		{RowID: claimed[0].RowID, Status: "processed", Enrichment: Enrichment{InsuranceExpiryDate: "01/10/2026"}},
		{RowID: claimed[1].RowID, Status: "processed_with_error", Enrichment: Enrichment{InsuranceExpiryDate: "16-10-2026", UploadDate: "2026/09/30"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Archived != 1 || out.Updated != 1 || out.Pending != 1 {
		t.Fatalf("outcome = %+v", out)
	}

	rows, _ := s.RowsByBatch(ctx, b.ID)
	if len(rows) != 2 {
		t.Fatalf("live rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.ID == claimed[0].RowID {
			t.Fatal("expired row still live")
		}
	}
	if rows[0].Status != RowProcessedWithError {
		t.Fatalf("status = %s", rows[0].Status)
	}
	if rows[0].InsuranceExpiryDate != "2026-10-16" || rows[0].UploadDate != "2026-09-30" {
		t.Fatalf("dates not normalized: %q %q", rows[0].InsuranceExpiryDate, rows[0].UploadDate)
	}

	arch, err := s.Archived(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arch) != 1 {
		t.Fatalf("archive = %d records", len(arch))
	}
	a := arch[0]
	if a.Identifier != "1111111111" || a.BatchID != b.ID || a.ExpiryDate != "2026-10-01" || !a.ArchivedAt.Equal(testNow) {
		t.Fatalf("archive record = %+v", a)
	}
}

func TestApplyResults_Errors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111")
	other := seedBatch(t, s, "2222222222")
	otherRows, _ := s.RowsByBatch(ctx, other.ID)

	if _, err := s.ApplyResults(ctx, 999, []Result{{RowID: 1}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown batch: %v", err)
	}
	if _, err := s.ApplyResults(ctx, b.ID, []Result{{RowID: otherRows[0].ID}}); !errors.Is(err, ErrNoMatchingRows) {
		t.Errorf("foreign row: %v", err)
	}
	if _, err := s.ApplyResults(ctx, b.ID, []Result{{RowID: 1, Status: "done"}}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("bad status: %v", err)
	}
	rows, _ := s.RowsByBatch(ctx, other.ID)
	if rows[0].Status != RowUnprocessed {
		t.Fatalf("foreign row changed to %s", rows[0].Status)
	}
}

func TestApplyResults_SkipsRowsOutsideBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111")
	other := seedBatch(t, s, "2222222222")
	mine, _ := s.RowsByBatch(ctx, b.ID)
	theirs, _ := s.RowsByBatch(ctx, other.ID)

	out, err := s.ApplyResults(ctx, b.ID, []Result{
		{RowID: mine[0].ID, Enrichment: Enrichment{InsuranceCompany: "Acme"}},
		{RowID: theirs[0].ID, Enrichment: Enrichment{InsuranceCompany: "Evil"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Updated != 1 || out.Skipped != 1 || out.Pending != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	got, _ := s.RowsByBatch(ctx, other.ID)
	if got[0].InsuranceCompany != "" {
		t.Fatal("row of another batch was written")
	}
}

func TestApplyResults_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111")
	rows, _ := s.RowsByBatch(ctx, b.ID)
	res := []Result{{RowID: rows[0].ID, Enrichment: Enrichment{PolicyNumber: "P-1"}}}

	for i := 0; i < 2; i++ {
		out, err := s.ApplyResults(ctx, b.ID, res)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if out.Updated != 1 || out.Pending != 0 {
			t.Fatalf("attempt %d: outcome = %+v", i, out)
		}
	}
}

func TestDeleteBatch_KeepsArchive(t *testing.T) {
	s := testStore(t, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111", "2222222222")
	rows, _ := s.RowsByBatch(ctx, b.ID)
	if _, err := s.ApplyResults(ctx, b.ID, []Result{{RowID: rows[0].ID, Enrichment: Enrichment{InsuranceExpiryDate: "2020-01-01"}}}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteBatch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBatch(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("batch still present: %v", err)
	}
	left, _ := s.RowsByBatch(ctx, b.ID)
	if len(left) != 0 {
		t.Fatalf("rows left = %d", len(left))
	}
	arch, _ := s.Archived(ctx, b.ID)
	if len(arch) != 1 {
		t.Fatalf("archive = %d records, want 1", len(arch))
	}
	if err := s.DeleteBatch(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSetBatchState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := seedBatch(t, s, "1111111111")

	if err := s.SetBatchState(ctx, b.ID, BatchProcessed, "http://x/api/file/download?fileId=1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetBatch(ctx, b.ID)
	if got.Status != BatchProcessed || got.DownloadLink == "" {
		t.Fatalf("batch = %+v", got)
	}
	if err := s.SetBatchStatus(ctx, b.ID, BatchUnprocessed); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetBatch(ctx, b.ID)
	if got.Status != BatchUnprocessed || got.DownloadLink == "" {
		t.Fatalf("status-only update = %+v", got)
	}
	if err := s.SetBatchState(ctx, 999, BatchProcessed, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing batch: %v", err)
	}
}

func TestListBatches_NewestFirst(t *testing.T) {
	clock := &fakeClock{t: testNow}
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()
	a := seedBatch(t, s, "1111111111")
	clock.Advance(time.Minute)
	b := seedBatch(t, s, "2222222222")

	list, err := s.ListBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("list order = %v", list)
	}
}

func TestRobotErrors(t *testing.T) {
	s := testStore(t, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	bid := int64(5)

	if err := s.AddRobotError(ctx, &RobotError{Module: "portal", Message: "timeout", BatchID: &bid}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRobotError(ctx, &RobotError{Module: "login", Message: "captcha", OccurredAt: testNow.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListRobotErrors(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Module != "login" {
		t.Fatalf("list = %+v", list)
	}
	if list[1].BatchID == nil || *list[1].BatchID != 5 || !list[1].OccurredAt.Equal(testNow) {
		t.Fatalf("defaulted entry = %+v", list[1])
	}
}

func TestOverview(t *testing.T) {
	s := testStore(t, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	project := int64(9)
	b, err := s.CreateBatch(ctx, NewBatch{FileName: "p.xlsx", Owner: Owner{ID: 1}, ProjectID: &project, Content: []byte("x")},
		[]string{"1111111111", "2222222222", "1333333333", "3444444444"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := s.RowsByBatch(ctx, b.ID)
	_, err = s.ApplyResults(ctx, b.ID, []Result{
		{RowID: rows[0].ID, Enrichment: Enrichment{InsuranceCompany: "Acme"}},
		{RowID: rows[1].ID, Enrichment: Enrichment{}},
		{RowID: rows[2].ID, Enrichment: Enrichment{InsuranceExpiryDate: "2001-01-01"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ov, err := s.Overview(ctx, OverviewFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if ov.BatchesByStatus[BatchUnprocessed] != 1 {
		t.Errorf("batches = %v", ov.BatchesByStatus)
	}
	if ov.RowsByStatus[RowProcessed] != 2 || ov.RowsByStatus[RowUnprocessed] != 1 {
		t.Errorf("rows = %v", ov.RowsByStatus)
	}
	if ov.Insured != 1 || ov.NonInsured != 1 || ov.Archived != 1 {
		t.Errorf("insured=%d non=%d archived=%d", ov.Insured, ov.NonInsured, ov.Archived)
	}
	if ov.Citizens != 1 || ov.Residents != 2 {
		t.Errorf("citizens=%d residents=%d", ov.Citizens, ov.Residents)
	}
	if len(ov.Projects) != 1 || ov.Projects[0].ProjectID != 9 || ov.Projects[0].Total != 3 || ov.Projects[0].Percentage != 100 {
		t.Errorf("projects = %+v", ov.Projects)
	}

	empty, err := s.Overview(ctx, OverviewFilter{From: testNow.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.BatchesByStatus) != 0 || len(empty.RowsByStatus) != 0 {
		t.Errorf("future window not empty: %+v", empty)
	}
}

func TestDates(t *testing.T) {
	tests := []struct {
		in, norm string
		expired  bool
	}{
		{"2026-10-15", "2026-10-15", true},
		{"2026-10-16", "2026-10-16", false},
		{"15/10/2026", "2026-10-15", true},
		{"2026/10/17", "2026-10-17", false},
		{"01-02-2026", "2026-02-01", true},
		{"2026-10-16T23:59:59", "2026-10-16", false},
		{"2025-12-31T10:00:00Z", "2025-12-31", true},
		{"not a date", "not a date", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := NormalizeDate(tt.in); got != tt.norm {
			t.Errorf("NormalizeDate(%q) = %q, want %q", tt.in, got, tt.norm)
		}
		if got := Expired(tt.in, testNow); got != tt.expired {
			t.Errorf("Expired(%q) = %v, want %v", tt.in, got, tt.expired)
		}
	}
}
