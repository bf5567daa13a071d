package rollup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/linktally/linktally/internal/model"
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

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func makeEvent(orgID, collID int64, ts time.Time, change model.Change, username string, revision int64) *model.Event {
	return &model.Event{
		Timestamp:      ts,
		Change:         change,
		Link:           "https://example.org/journal/article",
		OrganisationID: orgID,
		CollectionID:   collID,
		Username:       username,
		Project:        "en.wikipedia.org",
		Page:           "Some_Page",
		RevisionID:     revision,
	}
}

func insertEvents(t *testing.T, st *store.Store, events []*model.Event) {
	t.Helper()
	if err := st.Events().Insert(context.Background(), events); err != nil {
		t.Fatalf("failed to insert events: %v", err)
	}
}

func findDaily(t *testing.T, st *store.Store, family model.Family, scope model.ScopeDims, date model.Day) *model.AggregateRow {
	t.Helper()
	row, err := st.Aggregates(family).FindOne(context.Background(), scope, date, date.DayOfMonth(), false)
	if err != nil {
		t.Fatalf("find %s row failed: %v", family, err)
	}
	return row
}
