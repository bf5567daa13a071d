package model

import (
	"testing"
	"time"
)

func TestEvent_HashStable(t *testing.T) {
	e := &Event{
		Link:       "https://example.org/article/42",
		Timestamp:  time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		Username:   "Editor1",
		Page:       "Some_Page",
		RevisionID: 991,
	}
	first := e.Hash()
	if first == "" || len(first) != 32 {
		t.Fatalf("unexpected hash %q", first)
	}
	if e.Hash() != first {
		t.Error("hash is not deterministic")
	}

	// Fields outside the identity must not change the hash.
	e.Change = ChangeAdded
	e.OnUserList = true
	if e.Hash() != first {
		t.Error("non-identity fields changed the hash")
	}

	other := *e
	other.RevisionID = 992
	if other.Hash() == first {
		t.Error("distinct revisions produced the same hash")
	}
}

func TestAggregateRow_IsMonthly(t *testing.T) {
	row := &AggregateRow{Day: 0}
	if !row.IsMonthly() {
		t.Error("day 0 should be monthly")
	}
	row.Day = 15
	if row.IsMonthly() {
		t.Error("day 15 should be daily")
	}
}
