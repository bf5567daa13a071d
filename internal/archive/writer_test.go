package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/storage"
	"github.com/linktally/linktally/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 2)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCollection(t *testing.T, st *store.Store) (orgID, collID int64) {
	t.Helper()
	ctx := context.Background()
	orgID, err := st.Orgs().CreateOrganisation(ctx, "Test Partner")
	if err != nil {
		t.Fatalf("failed to create organisation: %v", err)
	}
	collID, err = st.Orgs().CreateCollection(ctx, orgID, "journals")
	if err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}
	return orgID, collID
}

func insertAggregate(t *testing.T, st *store.Store, family model.Family, scope model.ScopeDims, date model.Day, day int, onUserList bool, added, removed int64) {
	t.Helper()
	err := st.Aggregates(family).Insert(context.Background(), &model.AggregateRow{
		Scope:        scope,
		FullDate:     date,
		Day:          day,
		OnUserList:   onUserList,
		TotalAdded:   added,
		TotalRemoved: removed,
	})
	if err != nil {
		t.Fatalf("failed to insert aggregate: %v", err)
	}
}

// flakyStorage fails uploads whose object name contains failSubstr; all
// other operations pass through to local storage.
type flakyStorage struct {
	*storage.LocalStorage
	failSubstr string
}

func (f *flakyStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if f.failSubstr != "" && strings.Contains(objectPath, f.failSubstr) {
		return storage.ErrUploadFailed
	}
	return f.LocalStorage.Upload(ctx, localPath, objectPath)
}

func testWriterConfig() WriterConfig {
	return WriterConfig{
		AggregatePrefix:   "aggregates",
		EventPrefix:       "eventarchive",
		UploadConcurrency: 4,
		MaxEventsPerBlob:  50000,
	}
}

func TestWriter_DumpAggregates_WritesAndDeletes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	scope := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
	march := model.YearMonth{Year: 2024, Month: time.March}

	insertAggregate(t, st, model.FamilyLink, scope, model.NewDay(2024, time.March, 31), 0, false, 20, 5)
	insertAggregate(t, st, model.FamilyLink, scope, model.NewDay(2024, time.March, 31), 0, true, 8, 1)

	outputDir := t.TempDir()
	w := NewWriter(st, nil, testWriterConfig())
	report, err := w.DumpAggregates(ctx, model.FamilyLink, march, march, outputDir, false)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	// One full blob plus one user-list-only blob for the partition.
	if len(report.Blobs) != 2 {
		t.Fatalf("expected 2 blobs, got %v", report.Blobs)
	}
	if report.RowsDeleted != 2 {
		t.Errorf("expected 2 rows deleted, got %d", report.RowsDeleted)
	}

	var full, userList string
	for _, name := range report.Blobs {
		meta, ok := ParseAggregateBlobName(name)
		if !ok {
			t.Fatalf("unparseable blob name %q", name)
		}
		if meta.UserListOnly {
			userList = name
		} else {
			full = name
		}
	}

	data, err := os.ReadFile(filepath.Join(outputDir, full))
	if err != nil {
		t.Fatalf("failed to read blob: %v", err)
	}
	rows, err := DecodeAggregates(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("full blob should carry both rows, got %d", len(rows))
	}

	data, err = os.ReadFile(filepath.Join(outputDir, userList))
	if err != nil {
		t.Fatalf("failed to read user-list blob: %v", err)
	}
	rows, err = DecodeAggregates(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rows) != 1 || !rows[0].Row.OnUserList {
		t.Errorf("user-list blob should carry the flagged row only, got %d", len(rows))
	}

	count, err := st.Aggregates(model.FamilyLink).CountRows(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected all rows archived away, %d remain", count)
	}
}

func TestWriter_DumpAggregates_PartialUploadKeepsSourceRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	otherColl, err := st.Orgs().CreateCollection(ctx, orgID, "books")
	if err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}
	march := model.YearMonth{Year: 2024, Month: time.March}

	insertAggregate(t, st, model.FamilyLink,
		model.ScopeDims{OrganisationID: orgID, CollectionID: collID},
		model.NewDay(2024, time.March, 31), 0, false, 20, 5)
	insertAggregate(t, st, model.FamilyLink,
		model.ScopeDims{OrganisationID: orgID, CollectionID: otherColl},
		model.NewDay(2024, time.March, 31), 0, false, 7, 2)

	local, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	failing := AggregateBlobName(
		AggregatePrefix("aggregates", model.FamilyLink), orgID, otherColl, march.Last(), false)
	objStorage := &flakyStorage{LocalStorage: local, failSubstr: failing}

	outputDir := t.TempDir()
	w := NewWriter(st, objStorage, testWriterConfig())
	report, err := w.DumpAggregates(ctx, model.FamilyLink, march, march, outputDir, true)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	if len(report.Failed) != 1 {
		t.Fatalf("expected 1 failed upload, got %d", len(report.Failed))
	}
	if _, ok := report.Failed[failing]; !ok {
		t.Errorf("wrong blob reported failed: %v", report.Failed)
	}
	if report.RowsDeleted != 1 {
		t.Errorf("expected only the uploaded partition's row deleted, got %d", report.RowsDeleted)
	}

	// The failed partition keeps its row and its local file.
	remaining, err := st.Aggregates(model.FamilyLink).CountRows(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("expected 1 surviving row, got %d", remaining)
	}
	if _, err := os.Stat(filepath.Join(outputDir, failing)); err != nil {
		t.Errorf("failed blob's local file missing: %v", err)
	}
}

func TestWriter_DumpEvents_SkipsWithoutFullCoverage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	scope := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
	day := model.NewDay(2024, time.March, 15)

	if err := st.Events().Insert(ctx, []*model.Event{{
		Timestamp:      day.Time().Add(time.Hour),
		Change:         model.ChangeAdded,
		Link:           "https://example.org/a",
		OrganisationID: orgID,
		CollectionID:   collID,
		RevisionID:     1,
	}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	// Only the link family has aggregated anything.
	insertAggregate(t, st, model.FamilyLink, scope, day, day.DayOfMonth(), false, 1, 0)

	w := NewWriter(st, nil, testWriterConfig())
	report, err := w.DumpEvents(ctx, t.TempDir(), false)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if !report.Skipped {
		t.Error("expected skip when a family has no aggregates")
	}

	count, err := st.Events().Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("events must survive a skipped dump, got %d", count)
	}
}

func TestWriter_DumpEvents_KeepsRecountWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	otherColl, err := st.Orgs().CreateCollection(ctx, orgID, "books")
	if err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}

	day14 := model.NewDay(2024, time.March, 14)
	day15 := model.NewDay(2024, time.March, 15)
	if err := st.Events().Insert(ctx, []*model.Event{
		{Timestamp: day14.Time().Add(time.Hour), Change: model.ChangeAdded,
			Link: "https://example.org/a", OrganisationID: orgID, CollectionID: collID, RevisionID: 1},
		{Timestamp: day15.Time().Add(time.Hour), Change: model.ChangeAdded,
			Link: "https://example.org/b", OrganisationID: orgID, CollectionID: collID, RevisionID: 2},
		{Timestamp: day15.Time().Add(2 * time.Hour), Change: model.ChangeAdded,
			Link: "https://example.org/c", OrganisationID: orgID, CollectionID: otherColl, RevisionID: 3},
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// One collection's watermark is a day ahead of the other's: the lagging
	// collection bounds the archivable window.
	for _, family := range model.Families() {
		ahead := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
		lagging := model.ScopeDims{OrganisationID: orgID, CollectionID: otherColl}
		if family == model.FamilyUser {
			ahead.Username, lagging.Username = "Alice", "Alice"
		}
		if family == model.FamilyPage {
			ahead.Project, ahead.Page = "en.wikipedia.org", "Some_Page"
			lagging.Project, lagging.Page = "en.wikipedia.org", "Some_Page"
		}
		insertAggregate(t, st, family, ahead, day15.AddDays(1), day15.AddDays(1).DayOfMonth(), false, 2, 0)
		insertAggregate(t, st, family, lagging, day15, day15.DayOfMonth(), false, 1, 0)
	}

	outputDir := t.TempDir()
	w := NewWriter(st, nil, testWriterConfig())
	report, err := w.DumpEvents(ctx, outputDir, false)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	// Only the day before the minimum watermark is archivable; both
	// collections' day-15 events stay for the next recount.
	if report.EventsDeleted != 1 {
		t.Fatalf("expected 1 event archived, got %d", report.EventsDeleted)
	}
	if len(report.Blobs) != 1 {
		t.Fatalf("expected 1 blob, got %v", report.Blobs)
	}
	meta, ok := ParseEventBlobName(report.Blobs[0])
	if !ok || !meta.Day.Equal(day14) {
		t.Errorf("unexpected blob %q", report.Blobs[0])
	}

	count, err := st.Events().Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 surviving events inside the recount window, got %d", count)
	}
}

func TestWriter_DumpEvents_SplitsBlobsAndDeletes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	scope := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
	day := model.NewDay(2024, time.March, 15)

	var events []*model.Event
	for i := 0; i < 5; i++ {
		events = append(events, &model.Event{
			Timestamp:      day.Time().Add(time.Duration(i) * time.Minute),
			Change:         model.ChangeAdded,
			Link:           "https://example.org/a",
			OrganisationID: orgID,
			CollectionID:   collID,
			RevisionID:     int64(i),
		})
	}
	if err := st.Events().Insert(ctx, events); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	// Every family's watermark sits one day past the event day, putting
	// the events outside the recount window.
	covered := day.AddDays(1)
	for _, family := range model.Families() {
		s := scope
		if family == model.FamilyUser {
			s.Username = "Alice"
		}
		if family == model.FamilyPage {
			s.Project, s.Page = "en.wikipedia.org", "Some_Page"
		}
		insertAggregate(t, st, family, s, covered, covered.DayOfMonth(), false, 5, 0)
	}

	cfg := testWriterConfig()
	cfg.MaxEventsPerBlob = 2
	outputDir := t.TempDir()
	w := NewWriter(st, nil, cfg)
	report, err := w.DumpEvents(ctx, outputDir, false)
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	if len(report.Blobs) != 3 {
		t.Fatalf("expected 3 blobs for 5 events at 2 per blob, got %v", report.Blobs)
	}
	if report.EventsDeleted != 5 {
		t.Errorf("expected 5 events deleted, got %d", report.EventsDeleted)
	}

	var total int
	for _, name := range report.Blobs {
		data, err := os.ReadFile(filepath.Join(outputDir, name))
		if err != nil {
			t.Fatalf("failed to read blob %s: %v", name, err)
		}
		decoded, err := DecodeEvents(data)
		if err != nil {
			t.Fatalf("decode %s failed: %v", name, err)
		}
		total += len(decoded)
	}
	if total != 5 {
		t.Errorf("blobs carry %d events, want 5", total)
	}

	count, err := st.Events().Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty event log, %d remain", count)
	}
}
