package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/linktally/linktally/internal/model"
)

func TestCodec_AggregatesRoundTrip(t *testing.T) {
	rows := []*model.AggregateRow{
		{
			ID:           11,
			Scope:        model.ScopeDims{OrganisationID: 7, CollectionID: 42, Username: "Alice"},
			FullDate:     model.NewDay(2024, time.March, 15),
			Day:          15,
			OnUserList:   true,
			TotalAdded:   9,
			TotalRemoved: 4,
		},
		{
			ID:         12,
			Scope:      model.ScopeDims{OrganisationID: 7, CollectionID: 42, Username: "Bob"},
			FullDate:   model.NewDay(2024, time.March, 31),
			Day:        0, // monthly
			TotalAdded: 100,
		},
	}

	data, err := EncodeAggregates(model.FamilyUser, rows)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeAggregates(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(decoded))
	}

	first := decoded[0]
	if first.Family != model.FamilyUser {
		t.Errorf("unexpected family %v", first.Family)
	}
	if first.Row.ID != 11 || first.Row.Scope.Username != "Alice" || !first.Row.OnUserList {
		t.Errorf("unexpected row: %+v", first.Row)
	}
	if first.Row.TotalAdded != 9 || first.Row.TotalRemoved != 4 {
		t.Errorf("unexpected totals: %+v", first.Row)
	}
	if first.Row.Year != 2024 || first.Row.Month != 3 {
		t.Errorf("derived year/month wrong: %+v", first.Row)
	}
	if !decoded[1].Row.IsMonthly() {
		t.Error("monthly row lost its day=0 marker")
	}
}

func TestCodec_PayloadIsGzipJSONRecords(t *testing.T) {
	rows := []*model.AggregateRow{{
		Scope:      model.ScopeDims{OrganisationID: 1, CollectionID: 2},
		FullDate:   model.NewDay(2024, time.March, 15),
		Day:        15,
		TotalAdded: 3,
	}}
	data, err := EncodeAggregates(model.FamilyLink, rows)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("payload is not gzip: %v", err)
	}
	payload, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}

	var records []Record
	if err := json.Unmarshal(payload, &records); err != nil {
		t.Fatalf("payload is not a JSON record array: %v", err)
	}
	if len(records) != 1 || records[0].Model != "linkaggregate" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestCodec_EventsRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	events := []*model.Event{{
		ID:             5,
		ContentHash:    "abc123",
		Timestamp:      ts,
		Change:         model.ChangeAdded,
		Link:           "https://example.org/journal/a",
		OrganisationID: 7,
		CollectionID:   42,
		Username:       "Alice",
		Project:        "en.wikipedia.org",
		Page:           "Some_Page",
		RevisionID:     991,
		OnUserList:     true,
	}}

	data, err := EncodeEvents(events)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeEvents(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 event, got %d", len(decoded))
	}

	e := decoded[0]
	if e.ID != 5 || e.ContentHash != "abc123" || !e.Timestamp.Equal(ts) {
		t.Errorf("unexpected event identity: %+v", e)
	}
	if e.Change != model.ChangeAdded || e.Link != "https://example.org/journal/a" || !e.OnUserList {
		t.Errorf("unexpected event fields: %+v", e)
	}
}

func TestCodec_RejectsCorruptPayloads(t *testing.T) {
	if _, err := DecodeAggregates([]byte("not gzip at all")); err == nil {
		t.Error("expected error for non-gzip payload")
	}

	// Valid gzip, wrong record model for the decoder.
	data, err := EncodeEvents([]*model.Event{{Timestamp: time.Now(), Link: "x"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := DecodeAggregates(data); err == nil {
		t.Error("expected error decoding event blob as aggregates")
	}
}
