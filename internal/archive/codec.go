package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
)

// Record is one serialized row inside a blob payload. Payloads are UTF-8
// JSON arrays of records, gzip-compressed.
type Record struct {
	Model  string          `json:"model"`
	PK     int64           `json:"pk"`
	Fields json.RawMessage `json:"fields"`
}

const eventModelName = "linkevent"

type aggregateFields struct {
	OrganisationID int64  `json:"organisation_id"`
	CollectionID   int64  `json:"collection_id"`
	Username       string `json:"username,omitempty"`
	Project        string `json:"project,omitempty"`
	Page           string `json:"page,omitempty"`
	FullDate       string `json:"full_date"`
	Day            int    `json:"day"`
	OnUserList     bool   `json:"on_user_list"`
	TotalAdded     int64  `json:"total_links_added"`
	TotalRemoved   int64  `json:"total_links_removed"`
}

type eventFields struct {
	ContentHash    string `json:"content_hash"`
	Timestamp      string `json:"timestamp"`
	Change         int    `json:"change"`
	Link           string `json:"link"`
	OrganisationID int64  `json:"organisation_id"`
	CollectionID   int64  `json:"collection_id"`
	Username       string `json:"username,omitempty"`
	Project        string `json:"project,omitempty"`
	Page           string `json:"page,omitempty"`
	RevisionID     int64  `json:"revision_id,omitempty"`
	OnUserList     bool   `json:"on_user_list"`
}

// FamilyRow pairs a decoded aggregate row with its family.
type FamilyRow struct {
	Family model.Family
	Row    *model.AggregateRow
}

// EncodeAggregates serializes rows of one family into a compressed payload.
func EncodeAggregates(family model.Family, rows []*model.AggregateRow) ([]byte, error) {
	records := make([]Record, 0, len(rows))
	modelName := store.ModelName(family)
	for _, row := range rows {
		fields, err := json.Marshal(aggregateFields{
			OrganisationID: row.Scope.OrganisationID,
			CollectionID:   row.Scope.CollectionID,
			Username:       row.Scope.Username,
			Project:        row.Scope.Project,
			Page:           row.Scope.Page,
			FullDate:       row.FullDate.String(),
			Day:            row.Day,
			OnUserList:     row.OnUserList,
			TotalAdded:     row.TotalAdded,
			TotalRemoved:   row.TotalRemoved,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: failed to marshal aggregate fields: %w", err)
		}
		records = append(records, Record{Model: modelName, PK: row.ID, Fields: fields})
	}
	return compressRecords(records)
}

// DecodeAggregates parses a compressed aggregate payload. Blobs are
// homogeneous in practice, but the decoder tolerates mixed families.
func DecodeAggregates(data []byte) ([]*FamilyRow, error) {
	records, err := decompressRecords(data)
	if err != nil {
		return nil, err
	}

	modelFamilies := make(map[string]model.Family)
	for _, f := range model.Families() {
		modelFamilies[store.ModelName(f)] = f
	}

	rows := make([]*FamilyRow, 0, len(records))
	for _, rec := range records {
		family, ok := modelFamilies[rec.Model]
		if !ok {
			return nil, fmt.Errorf("archive: unknown record model %q", rec.Model)
		}
		var f aggregateFields
		if err := json.Unmarshal(rec.Fields, &f); err != nil {
			return nil, fmt.Errorf("archive: failed to unmarshal aggregate fields: %w", err)
		}
		fullDate, err := time.ParseInLocation("2006-01-02", f.FullDate, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("archive: corrupt full_date %q: %w", f.FullDate, err)
		}
		rows = append(rows, &FamilyRow{
			Family: family,
			Row: &model.AggregateRow{
				Scope: model.ScopeDims{
					OrganisationID: f.OrganisationID,
					CollectionID:   f.CollectionID,
					Username:       f.Username,
					Project:        f.Project,
					Page:           f.Page,
				},
				FullDate:     model.DayOf(fullDate),
				Year:         fullDate.Year(),
				Month:        int(fullDate.Month()),
				Day:          f.Day,
				OnUserList:   f.OnUserList,
				TotalAdded:   f.TotalAdded,
				TotalRemoved: f.TotalRemoved,
			},
		})
	}
	return rows, nil
}

// EncodeEvents serializes raw events into a compressed payload.
func EncodeEvents(events []*model.Event) ([]byte, error) {
	records := make([]Record, 0, len(events))
	for _, e := range events {
		fields, err := json.Marshal(eventFields{
			ContentHash:    e.ContentHash,
			Timestamp:      e.Timestamp.UTC().Format(time.RFC3339),
			Change:         int(e.Change),
			Link:           e.Link,
			OrganisationID: e.OrganisationID,
			CollectionID:   e.CollectionID,
			Username:       e.Username,
			Project:        e.Project,
			Page:           e.Page,
			RevisionID:     e.RevisionID,
			OnUserList:     e.OnUserList,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: failed to marshal event fields: %w", err)
		}
		records = append(records, Record{Model: eventModelName, PK: e.ID, Fields: fields})
	}
	return compressRecords(records)
}

// DecodeEvents parses a compressed raw-event payload.
func DecodeEvents(data []byte) ([]*model.Event, error) {
	records, err := decompressRecords(data)
	if err != nil {
		return nil, err
	}

	events := make([]*model.Event, 0, len(records))
	for _, rec := range records {
		if rec.Model != eventModelName {
			return nil, fmt.Errorf("archive: unexpected record model %q in event blob", rec.Model)
		}
		var f eventFields
		if err := json.Unmarshal(rec.Fields, &f); err != nil {
			return nil, fmt.Errorf("archive: failed to unmarshal event fields: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, f.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("archive: corrupt event timestamp %q: %w", f.Timestamp, err)
		}
		events = append(events, &model.Event{
			ID:             rec.PK,
			ContentHash:    f.ContentHash,
			Timestamp:      ts.UTC(),
			Change:         model.Change(f.Change),
			Link:           f.Link,
			OrganisationID: f.OrganisationID,
			CollectionID:   f.CollectionID,
			Username:       f.Username,
			Project:        f.Project,
			Page:           f.Page,
			RevisionID:     f.RevisionID,
			OnUserList:     f.OnUserList,
		})
	}
	return events, nil
}

func compressRecords(records []Record) ([]byte, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to marshal records: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, fmt.Errorf("archive: failed to compress records: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to finalize compression: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressRecords(data []byte) ([]Record, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: failed to open compressed payload: %w", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to decompress payload: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("archive: failed to unmarshal records: %w", err)
	}
	return records, nil
}
