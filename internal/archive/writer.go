package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
	"github.com/linktally/linktally/internal/storage"
)

// WriterConfig holds archive writer settings.
type WriterConfig struct {
	// AggregatePrefix is the base prefix for aggregate blob names.
	AggregatePrefix string
	// EventPrefix is the prefix for raw-event blob names.
	EventPrefix string
	// UploadConcurrency bounds the parallel upload worker pool.
	UploadConcurrency int
	// MaxEventsPerBlob splits a day's events into numbered blobs.
	MaxEventsPerBlob int
}

// Writer serializes aggregate rows and raw events into compressed blobs,
// writes them to a local staging directory, optionally uploads them, and
// deletes the source rows only once their blobs are durable.
type Writer struct {
	store   *store.Store
	storage storage.ObjectStorage
	cfg     WriterConfig
}

// NewWriter creates an archive writer. objStorage may be nil for
// local-only dumps.
func NewWriter(st *store.Store, objStorage storage.ObjectStorage, cfg WriterConfig) *Writer {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 10
	}
	if cfg.MaxEventsPerBlob <= 0 {
		cfg.MaxEventsPerBlob = 50000
	}
	return &Writer{store: st, storage: objStorage, cfg: cfg}
}

// Report summarizes one dump run.
type Report struct {
	// Blobs lists every blob written to the output directory.
	Blobs []string
	// Uploaded lists blobs confirmed durable in cold storage.
	Uploaded []string
	// Failed maps blob names to their upload errors. Failed blobs keep
	// their local file and their source rows.
	Failed map[string]error
	// RowsDeleted counts aggregate rows removed from the hot store.
	RowsDeleted int64
	// EventsDeleted counts raw events removed from the hot store.
	EventsDeleted int64
	// Skipped is set when a guard turned the run into a no-op.
	Skipped bool
}

// dumpUnit is the deletion-gating unit: a set of blobs that must all be
// durable before the unit's source rows may be deleted.
type dumpUnit struct {
	blobs  []string
	rowIDs []int64   // aggregate dumps
	day    model.Day // event dumps
}

// DumpAggregates archives one family's rows for each month in
// [startMonth, endMonth]. All blobs for the whole range are written (and
// uploaded, when upload is requested) before any source row is deleted.
func (w *Writer) DumpAggregates(ctx context.Context, family model.Family, startMonth, endMonth model.YearMonth, outputDir string, upload bool) (*Report, error) {
	if endMonth.Before(startMonth) {
		return nil, fmt.Errorf("archive: end month %s precedes start month %s", endMonth, startMonth)
	}
	if upload && w.storage == nil {
		return nil, fmt.Errorf("archive: upload requested but no object storage configured")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: failed to create output directory: %w", err)
	}

	repo := w.store.Aggregates(family)
	prefix := AggregatePrefix(w.cfg.AggregatePrefix, family)
	report := &Report{Failed: make(map[string]error)}
	var units []*dumpUnit

	// Write phase: every partition blob of every month in the range.
	for _, month := range model.MonthsBetween(startMonth, endMonth) {
		rows, err := repo.RowsInMonth(ctx, month)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}

		for _, part := range partitionByScope(rows) {
			unit := &dumpUnit{}
			for _, row := range part.rows {
				unit.rowIDs = append(unit.rowIDs, row.ID)
			}

			name := AggregateBlobName(prefix, part.organisationID, part.collectionID, month.Last(), false)
			if err := w.writeAggregateBlob(outputDir, name, family, part.rows); err != nil {
				return nil, err
			}
			unit.blobs = append(unit.blobs, name)
			report.Blobs = append(report.Blobs, name)

			userRows := userListRows(part.rows)
			if len(userRows) > 0 {
				name := AggregateBlobName(prefix, part.organisationID, part.collectionID, month.Last(), true)
				if err := w.writeAggregateBlob(outputDir, name, family, userRows); err != nil {
					return nil, err
				}
				unit.blobs = append(unit.blobs, name)
				report.Blobs = append(report.Blobs, name)
			}

			units = append(units, unit)
		}
	}

	if len(units) == 0 {
		log.Printf("archive: no %s rows in %s..%s, nothing to dump", family, startMonth, endMonth)
		return report, nil
	}

	// Upload phase: the whole range before any deletion.
	uploaded := make(map[string]bool)
	if upload {
		var err error
		uploaded, err = w.uploadAll(ctx, outputDir, report)
		if err != nil {
			return report, err
		}
	}

	// Deletion phase: a unit's rows go only when every blob of the unit
	// is durable.
	for _, unit := range units {
		if upload && !allUploaded(unit.blobs, uploaded) {
			continue
		}
		deleted, err := repo.DeleteByIDs(ctx, unit.rowIDs)
		if err != nil {
			return report, err
		}
		report.RowsDeleted += deleted
	}

	log.Printf("archive: dumped %s %s..%s: %d blobs, %d uploaded, %d failed, %d rows deleted",
		family, startMonth, endMonth, len(report.Blobs), len(report.Uploaded), len(report.Failed), report.RowsDeleted)
	return report, nil
}

// DumpEvents archives raw events for every day strictly before the
// minimum daily watermark across all families and collections, so no
// event is purged before it is reflected in an aggregate. The watermark
// day itself stays: the daily aggregator recounts it on the next run and
// would lose the archived events' totals. A collection whose events have
// not been aggregated by every family makes the run a no-op.
func (w *Writer) DumpEvents(ctx context.Context, outputDir string, upload bool) (*Report, error) {
	if upload && w.storage == nil {
		return nil, fmt.Errorf("archive: upload requested but no object storage configured")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: failed to create output directory: %w", err)
	}

	report := &Report{Failed: make(map[string]error)}

	oldest, ok, err := w.store.Events().OldestDay(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("archive: event log is empty, nothing to dump")
		return report, nil
	}

	coverage, ok, err := w.aggregateCoverage(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("archive: not every family has aggregated every collection's events yet, skipping event dump")
		report.Skipped = true
		return report, nil
	}
	if oldest.After(coverage) {
		log.Printf("archive: no events outside the recount window (archivable through %s), nothing to dump", coverage)
		return report, nil
	}

	var units []*dumpUnit

	// Write phase.
	for day := oldest; !day.After(coverage); day = day.AddDays(1) {
		events, err := w.store.Events().SelectDay(ctx, day)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}

		unit := &dumpUnit{day: day}
		for index := 0; index*w.cfg.MaxEventsPerBlob < len(events); index++ {
			lo := index * w.cfg.MaxEventsPerBlob
			hi := lo + w.cfg.MaxEventsPerBlob
			if hi > len(events) {
				hi = len(events)
			}

			name := EventBlobName(w.cfg.EventPrefix, day, index)
			data, err := EncodeEvents(events[lo:hi])
			if err != nil {
				return nil, err
			}
			if err := writeBlobFile(outputDir, name, data); err != nil {
				return nil, err
			}
			unit.blobs = append(unit.blobs, name)
			report.Blobs = append(report.Blobs, name)
		}
		units = append(units, unit)
	}

	if len(units) == 0 {
		return report, nil
	}

	// Upload phase before any deletion.
	uploaded := make(map[string]bool)
	if upload {
		var err error
		uploaded, err = w.uploadAll(ctx, outputDir, report)
		if err != nil {
			return report, err
		}
	}

	// Deletion phase, gated per day.
	for _, unit := range units {
		if upload && !allUploaded(unit.blobs, uploaded) {
			continue
		}
		deleted, err := w.store.Events().DeleteDay(ctx, unit.day)
		if err != nil {
			return report, err
		}
		report.EventsDeleted += deleted
	}

	log.Printf("archive: dumped events through %s: %d blobs, %d uploaded, %d failed, %d events deleted",
		coverage, len(report.Blobs), len(report.Uploaded), len(report.Failed), report.EventsDeleted)
	return report, nil
}

// aggregateCoverage returns the last archivable event day: one day before
// the minimum daily watermark across every family and every collection
// holding events. Watermark days and later are still inside the daily
// aggregator's recount window. ok is false when any such collection lacks
// a watermark for any family.
func (w *Writer) aggregateCoverage(ctx context.Context) (model.Day, bool, error) {
	collIDs, err := w.store.Events().CollectionIDs(ctx)
	if err != nil {
		return model.Day{}, false, err
	}

	var coverage model.Day
	first := true
	for _, collID := range collIDs {
		for _, family := range model.Families() {
			watermark, ok, err := w.store.Aggregates(family).Watermark(ctx, collID)
			if err != nil {
				return model.Day{}, false, err
			}
			if !ok {
				return model.Day{}, false, nil
			}
			if first || watermark.Before(coverage) {
				coverage = watermark
				first = false
			}
		}
	}
	if first {
		return model.Day{}, false, nil
	}
	return coverage.AddDays(-1), true, nil
}

// uploadAll pushes every written blob to cold storage on a bounded worker
// pool. Per-blob failures are isolated: they are recorded in the report
// and never abort sibling uploads.
func (w *Writer) uploadAll(ctx context.Context, outputDir string, report *Report) (map[string]bool, error) {
	if err := w.storage.EnsureContainer(ctx); err != nil {
		return nil, lterrors.NewTransient(lterrors.CodeUploadFailed, "failed to ensure archive container", err)
	}

	sem := semaphore.NewWeighted(int64(w.cfg.UploadConcurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	uploaded := make(map[string]bool)

	for _, name := range report.Blobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)

			err := w.storage.Upload(ctx, filepath.Join(outputDir, name), name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				log.Printf("archive: upload failed for %s (file kept locally): %v", name, err)
				return
			}
			uploaded[name] = true
			report.Uploaded = append(report.Uploaded, name)
		}(name)
	}
	wg.Wait()

	sort.Strings(report.Uploaded)
	return uploaded, nil
}

func (w *Writer) writeAggregateBlob(outputDir, name string, family model.Family, rows []*model.AggregateRow) error {
	data, err := EncodeAggregates(family, rows)
	if err != nil {
		return err
	}
	return writeBlobFile(outputDir, name, data)
}

func writeBlobFile(outputDir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(outputDir, name), data, 0644); err != nil {
		return fmt.Errorf("archive: failed to write blob %s: %w", name, err)
	}
	return nil
}

func allUploaded(blobs []string, uploaded map[string]bool) bool {
	for _, name := range blobs {
		if !uploaded[name] {
			return false
		}
	}
	return true
}

// scopePartition is one (organisation, collection) partition of a month.
type scopePartition struct {
	organisationID int64
	collectionID   int64
	rows           []*model.AggregateRow
}

// partitionByScope splits rows by the full scope key, excluding the
// user-list flag: partitions are duplicated into an "all" and a
// "user-list-only" blob instead.
func partitionByScope(rows []*model.AggregateRow) []*scopePartition {
	index := make(map[[2]int64]*scopePartition)
	var order [][2]int64
	for _, row := range rows {
		key := [2]int64{row.Scope.OrganisationID, row.Scope.CollectionID}
		part, ok := index[key]
		if !ok {
			part = &scopePartition{organisationID: key[0], collectionID: key[1]}
			index[key] = part
			order = append(order, key)
		}
		part.rows = append(part.rows, row)
	}

	parts := make([]*scopePartition, 0, len(order))
	for _, key := range order {
		parts = append(parts, index[key])
	}
	return parts
}

func userListRows(rows []*model.AggregateRow) []*model.AggregateRow {
	var out []*model.AggregateRow
	for _, row := range rows {
		if row.OnUserList {
			out = append(out, row)
		}
	}
	return out
}
