package rollup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linktally/linktally/internal/archive"
	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/storage"
	"github.com/linktally/linktally/internal/store"
)

const testEventPrefix = "eventarchive"

// archivedEvent builds a blob event with no scope: the reaggregator must
// attribute it by pattern matching alone.
func archivedEvent(ts time.Time, change model.Change, link, username string, revision int64) *model.Event {
	e := &model.Event{
		Timestamp:  ts,
		Change:     change,
		Link:       link,
		Username:   username,
		Project:    "en.wikipedia.org",
		Page:       "Some_Page",
		RevisionID: revision,
	}
	e.ContentHash = e.Hash()
	return e
}

func writeEventBlob(t *testing.T, dir string, day model.Day, index int, events []*model.Event) {
	t.Helper()
	data, err := archive.EncodeEvents(events)
	if err != nil {
		t.Fatalf("failed to encode events: %v", err)
	}
	name := archive.EventBlobName(testEventPrefix, day, index)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
}

func seedPattern(t *testing.T, st *store.Store, collID int64, pattern string) {
	t.Helper()
	if _, err := st.Orgs().AddURLPattern(context.Background(), collID, pattern); err != nil {
		t.Fatalf("failed to add pattern: %v", err)
	}
}

func TestReaggregator_DayPeriod(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	seedPattern(t, st, collID, "example.org/journal")

	day := model.NewDay(2024, time.March, 15)
	sourceDir := t.TempDir()
	writeEventBlob(t, sourceDir, day, 0, []*model.Event{
		archivedEvent(day.Time().Add(1*time.Hour), model.ChangeAdded, "https://example.org/journal/a", "Alice", 1),
		archivedEvent(day.Time().Add(2*time.Hour), model.ChangeAdded, "https://example.org/journal/b", "Alice", 2),
		archivedEvent(day.Time().Add(3*time.Hour), model.ChangeRemoved, "https://example.org/journal/a", "Bob", 3),
		// Not the organisation's link: dropped.
		archivedEvent(day.Time().Add(4*time.Hour), model.ChangeAdded, "https://other.net/x", "Alice", 4),
	})

	r := NewReaggregator(st, nil, "aggregates", testEventPrefix)
	if err := r.Run(ctx, orgID, model.DayPeriod(day), sourceDir, ReaggregateOptions{}); err != nil {
		t.Fatalf("reaggregation failed: %v", err)
	}

	scope := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
	row := findDaily(t, st, model.FamilyLink, scope, day)
	if row == nil || row.TotalAdded != 2 || row.TotalRemoved != 1 {
		t.Fatalf("unexpected link row: %+v", row)
	}

	aliceScope := scope
	aliceScope.Username = "Alice"
	alice := findDaily(t, st, model.FamilyUser, aliceScope, day)
	if alice == nil || alice.TotalAdded != 2 || alice.TotalRemoved != 0 {
		t.Errorf("unexpected user row: %+v", alice)
	}
}

func TestReaggregator_MonthPeriodWritesMonthlyRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	seedPattern(t, st, collID, "example.org/journal")

	march := model.YearMonth{Year: 2024, Month: time.March}
	day1 := model.NewDay(2024, time.March, 5)
	day2 := model.NewDay(2024, time.March, 20)
	sourceDir := t.TempDir()
	writeEventBlob(t, sourceDir, day1, 0, []*model.Event{
		archivedEvent(day1.Time().Add(time.Hour), model.ChangeAdded, "https://example.org/journal/a", "Alice", 1),
	})
	writeEventBlob(t, sourceDir, day2, 0, []*model.Event{
		archivedEvent(day2.Time().Add(time.Hour), model.ChangeRemoved, "https://example.org/journal/a", "Bob", 2),
	})

	r := NewReaggregator(st, nil, "aggregates", testEventPrefix)
	if err := r.Run(ctx, orgID, model.MonthPeriod(march), sourceDir, ReaggregateOptions{}); err != nil {
		t.Fatalf("reaggregation failed: %v", err)
	}

	scope := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
	repo := st.Aggregates(model.FamilyLink)
	monthly, err := repo.FindOne(ctx, scope, march.Last(), 0, false)
	if err != nil {
		t.Fatalf("find monthly failed: %v", err)
	}
	if monthly == nil || monthly.TotalAdded != 1 || monthly.TotalRemoved != 1 {
		t.Fatalf("unexpected monthly row: %+v", monthly)
	}

	if daily := findDaily(t, st, model.FamilyLink, scope, day1); daily != nil {
		t.Errorf("month run must not create daily rows, got %+v", daily)
	}
}

func TestReaggregator_SkipMonthlyWritesDailyRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	seedPattern(t, st, collID, "example.org/journal")

	march := model.YearMonth{Year: 2024, Month: time.March}
	day := model.NewDay(2024, time.March, 5)
	sourceDir := t.TempDir()
	writeEventBlob(t, sourceDir, day, 0, []*model.Event{
		archivedEvent(day.Time().Add(time.Hour), model.ChangeAdded, "https://example.org/journal/a", "Alice", 1),
	})

	r := NewReaggregator(st, nil, "aggregates", testEventPrefix)
	if err := r.Run(ctx, orgID, model.MonthPeriod(march), sourceDir, ReaggregateOptions{SkipMonthly: true}); err != nil {
		t.Fatalf("reaggregation failed: %v", err)
	}

	scope := model.ScopeDims{OrganisationID: orgID, CollectionID: collID}
	if daily := findDaily(t, st, model.FamilyLink, scope, day); daily == nil {
		t.Error("expected daily row with SkipMonthly")
	}
	monthly, err := st.Aggregates(model.FamilyLink).FindOne(ctx, scope, march.Last(), 0, false)
	if err != nil {
		t.Fatalf("find monthly failed: %v", err)
	}
	if monthly != nil {
		t.Errorf("SkipMonthly must not create a monthly row, got %+v", monthly)
	}
}

func TestReaggregator_LiveEventGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	seedPattern(t, st, collID, "example.org/journal")

	day := model.NewDay(2024, time.March, 15)
	insertEvents(t, st, []*model.Event{
		makeEvent(orgID, collID, day.Time().Add(time.Hour), model.ChangeAdded, "Alice", 1),
	})

	sourceDir := t.TempDir()
	writeEventBlob(t, sourceDir, day, 0, []*model.Event{
		archivedEvent(day.Time().Add(2*time.Hour), model.ChangeAdded, "https://example.org/journal/a", "Alice", 2),
	})

	r := NewReaggregator(st, nil, "aggregates", testEventPrefix)
	err := r.Run(ctx, orgID, model.DayPeriod(day), sourceDir, ReaggregateOptions{})
	if !lterrors.IsSkip(err) {
		t.Fatalf("expected skip with live overlapping events, got %v", err)
	}
}

func TestReaggregator_ArchivedAggregateGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	seedPattern(t, st, collID, "example.org/journal")

	march := model.YearMonth{Year: 2024, Month: time.March}

	// Cold storage already holds an aggregate blob covering the month.
	objStorage, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	blobName := archive.AggregateBlobName(
		archive.AggregatePrefix("aggregates", model.FamilyLink), orgID, collID, march.Last(), false)
	staged := filepath.Join(t.TempDir(), blobName)
	if err := os.WriteFile(staged, []byte("placeholder"), 0644); err != nil {
		t.Fatalf("failed to stage blob: %v", err)
	}
	if err := objStorage.Upload(ctx, staged, blobName); err != nil {
		t.Fatalf("failed to upload blob: %v", err)
	}
	reader := archive.NewReader(objStorage, t.TempDir(), time.Minute)

	day := model.NewDay(2024, time.March, 15)
	sourceDir := t.TempDir()
	writeEventBlob(t, sourceDir, day, 0, []*model.Event{
		archivedEvent(day.Time().Add(time.Hour), model.ChangeAdded, "https://example.org/journal/a", "Alice", 1),
	})

	r := NewReaggregator(st, reader, "aggregates", testEventPrefix)
	err = r.Run(ctx, orgID, model.MonthPeriod(march), sourceDir, ReaggregateOptions{})
	if !lterrors.IsSkip(err) {
		t.Fatalf("expected skip with archived aggregates present, got %v", err)
	}
}

func TestReaggregator_MissingOrganisation(t *testing.T) {
	st := newTestStore(t)
	r := NewReaggregator(st, nil, "aggregates", testEventPrefix)

	err := r.Run(context.Background(), 424242,
		model.DayPeriod(model.NewDay(2024, time.March, 15)), t.TempDir(), ReaggregateOptions{})
	if err == nil {
		t.Fatal("expected error for missing organisation")
	}
	if lterrors.GetCategory(err) != lterrors.CategoryNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
