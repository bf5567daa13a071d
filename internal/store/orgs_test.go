package store

import (
	"context"
	"testing"

	"github.com/linktally/linktally/internal/lterrors"
)

func TestOrgRepo_ListCollections(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)
	otherColl, err := st.Orgs().CreateCollection(ctx, orgID, "books")
	if err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}

	all, err := st.Orgs().ListCollections(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 collections, got %d", len(all))
	}

	subset, err := st.Orgs().ListCollections(ctx, otherColl)
	if err != nil {
		t.Fatalf("subset list failed: %v", err)
	}
	if len(subset) != 1 || subset[0].ID != otherColl {
		t.Errorf("unexpected subset: %+v", subset)
	}

	_, err = st.Orgs().ListCollections(ctx, collID, 9999)
	if err == nil {
		t.Fatal("expected error for missing explicit id")
	}
	if lterrors.GetCategory(err) != lterrors.CategoryNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestOrgRepo_PatternsByOrganisation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)

	if _, err := st.Orgs().AddURLPattern(ctx, collID, "example.org/journal"); err != nil {
		t.Fatalf("failed to add pattern: %v", err)
	}
	if _, err := st.Orgs().AddURLPattern(ctx, collID, "example.org/archive"); err != nil {
		t.Fatalf("failed to add pattern: %v", err)
	}

	patterns, err := st.Orgs().PatternsByOrganisation(ctx, orgID)
	if err != nil {
		t.Fatalf("patterns failed: %v", err)
	}
	if len(patterns) != 2 {
		t.Errorf("expected 2 patterns, got %d", len(patterns))
	}

	_, err = st.Orgs().PatternsByOrganisation(ctx, orgID+100)
	if err == nil {
		t.Fatal("expected error for missing organisation")
	}
	if lterrors.GetCategory(err) != lterrors.CategoryNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestOrgRepo_DeleteOrganisationLeavesOrphans(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	orgID, collID := seedCollection(t, st)

	if err := st.Orgs().DeleteOrganisation(ctx, orgID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	exists, err := st.Orgs().OrganisationExists(ctx, orgID)
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists {
		t.Error("organisation still present after delete")
	}

	// The collection survives as an orphan.
	subset, err := st.Orgs().ListCollections(ctx, collID)
	if err != nil {
		t.Fatalf("orphan list failed: %v", err)
	}
	if len(subset) != 1 {
		t.Errorf("expected orphaned collection to remain, got %d", len(subset))
	}
}
