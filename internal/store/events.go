package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/linktally/linktally/internal/model"
)

// EventRepo manages the append-only link event log. Events are written by
// ingestion, folded by the daily aggregator, and deleted only once the
// archive writer has made them durable in cold storage.
type EventRepo struct {
	s *Store
}

const eventCols = "id, content_hash, timestamp, change, link, organisation_id, collection_id, username, project, page, revision_id, on_user_list"

// Insert appends events to the log. The content hash dedups replays from
// the edit stream: an event whose hash already exists is silently dropped.
func (r *EventRepo) Insert(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO link_events
			(content_hash, timestamp, change, link, organisation_id, collection_id, username, project, page, revision_id, on_user_list)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: failed to prepare event insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			hash := e.ContentHash
			if hash == "" {
				hash = e.Hash()
			}
			if _, err := stmt.ExecContext(ctx,
				hash, e.Timestamp.UTC().Unix(), int(e.Change), e.Link,
				e.OrganisationID, e.CollectionID, e.Username, e.Project, e.Page,
				e.RevisionID, boolToInt(e.OnUserList)); err != nil {
				return fmt.Errorf("store: failed to insert event: %w", err)
			}
		}
		return nil
	})
}

// SelectRange returns a collection's events with timestamp in [from, to],
// ordered by timestamp.
func (r *EventRepo) SelectRange(ctx context.Context, collectionID int64, from, to time.Time) ([]*model.Event, error) {
	rows, err := r.s.readDB.QueryContext(ctx,
		"SELECT "+eventCols+" FROM link_events WHERE collection_id = ? AND timestamp >= ? AND timestamp <= ? ORDER BY timestamp",
		collectionID, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("store: failed to select events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SelectDay returns every event whose timestamp falls on the given UTC day.
func (r *EventRepo) SelectDay(ctx context.Context, day model.Day) ([]*model.Event, error) {
	from := day.Time()
	to := day.AddDays(1).Time()
	rows, err := r.s.readDB.QueryContext(ctx,
		"SELECT "+eventCols+" FROM link_events WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp, id",
		from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: failed to select day events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountOverlapping counts an organisation's events with a timestamp inside
// [from, to]. The reaggregator uses this as its double-counting guard.
func (r *EventRepo) CountOverlapping(ctx context.Context, organisationID int64, from, to model.Day) (int64, error) {
	var count int64
	err := r.s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM link_events WHERE organisation_id = ? AND timestamp >= ? AND timestamp < ?",
		organisationID, from.Time().Unix(), to.AddDays(1).Time().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count events: %w", err)
	}
	return count, nil
}

// OldestDay returns the day of the oldest event, if any.
func (r *EventRepo) OldestDay(ctx context.Context) (model.Day, bool, error) {
	var ts sql.NullInt64
	err := r.s.readDB.QueryRowContext(ctx, "SELECT MIN(timestamp) FROM link_events").Scan(&ts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Day{}, false, fmt.Errorf("store: failed to find oldest event: %w", err)
	}
	if !ts.Valid {
		return model.Day{}, false, nil
	}
	return model.DayOf(time.Unix(ts.Int64, 0)), true, nil
}

// OldestDayFor returns the day of a collection's oldest event, if any. The
// daily aggregator starts its first scan here.
func (r *EventRepo) OldestDayFor(ctx context.Context, collectionID int64) (model.Day, bool, error) {
	var ts sql.NullInt64
	err := r.s.readDB.QueryRowContext(ctx,
		"SELECT MIN(timestamp) FROM link_events WHERE collection_id = ?", collectionID).Scan(&ts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Day{}, false, fmt.Errorf("store: failed to find oldest collection event: %w", err)
	}
	if !ts.Valid {
		return model.Day{}, false, nil
	}
	return model.DayOf(time.Unix(ts.Int64, 0)), true, nil
}

// CollectionIDs returns the distinct collection ids present in the log.
func (r *EventRepo) CollectionIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.s.readDB.QueryContext(ctx,
		"SELECT DISTINCT collection_id FROM link_events ORDER BY collection_id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list event collections: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan collection id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate collection ids: %w", err)
	}
	return ids, nil
}

// DeleteDay removes all events on a day and returns the deleted count.
// Callers must only invoke this after the day's archive blobs are durable.
func (r *EventRepo) DeleteDay(ctx context.Context, day model.Day) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		"DELETE FROM link_events WHERE timestamp >= ? AND timestamp < ?",
		day.Time().Unix(), day.AddDays(1).Time().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: failed to delete day events: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the total number of events in the log.
func (r *EventRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM link_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("store: failed to count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		var ts int64
		var change, onUserList int
		if err := rows.Scan(&e.ID, &e.ContentHash, &ts, &change, &e.Link,
			&e.OrganisationID, &e.CollectionID, &e.Username, &e.Project, &e.Page,
			&e.RevisionID, &onUserList); err != nil {
			return nil, fmt.Errorf("store: failed to scan event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Change = model.Change(change)
		e.OnUserList = onUserList != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate events: %w", err)
	}
	return events, nil
}
