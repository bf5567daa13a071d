package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/linktally/linktally/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), 2)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCollection(t *testing.T, st *Store) (orgID, collID int64) {
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

func testEvent(orgID, collID int64, ts time.Time, change model.Change, link string) *model.Event {
	return &model.Event{
		Timestamp:      ts,
		Change:         change,
		Link:           link,
		OrganisationID: orgID,
		CollectionID:   collID,
		Username:       "Editor1",
		Project:        "en.wikipedia.org",
		Page:           "Some_Page",
		RevisionID:     ts.Unix(),
	}
}

func dailyRow(orgID, collID int64, date model.Day, added, removed int64) *model.AggregateRow {
	return &model.AggregateRow{
		Scope:        model.ScopeDims{OrganisationID: orgID, CollectionID: collID},
		FullDate:     date,
		Day:          date.DayOfMonth(),
		TotalAdded:   added,
		TotalRemoved: removed,
	}
}
