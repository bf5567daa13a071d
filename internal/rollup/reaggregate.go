package rollup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/linktally/linktally/internal/archive"
	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
)

// Reaggregator rebuilds aggregate rows for one organisation and period
// straight from archived event blobs. It works purely from the decoded
// event fields, matching links against the organisation's URL patterns;
// the hot event store is only consulted as an overlap guard.
type Reaggregator struct {
	store         *store.Store
	reader        *archive.Reader // nil disables the cold-storage guard
	aggregateBase string
	eventPrefix   string
}

// ReaggregateOptions tunes a reaggregation run.
type ReaggregateOptions struct {
	// SkipMonthly writes daily rows for a month period instead of one
	// monthly row, for patching a partially compacted month.
	SkipMonthly bool
}

// NewReaggregator creates a reaggregator reading event blobs named with
// eventPrefix and guarding against archives named under aggregateBase.
func NewReaggregator(st *store.Store, reader *archive.Reader, aggregateBase, eventPrefix string) *Reaggregator {
	return &Reaggregator{
		store:         st,
		reader:        reader,
		aggregateBase: aggregateBase,
		eventPrefix:   eventPrefix,
	}
}

// Run rebuilds the organisation's aggregates for the period from event
// blob files under sourceDir. Two guards turn the run into a skip: an
// archived aggregate blob already covering the period's month for this
// organisation, and live events overlapping the period (the daily
// aggregator owns those).
func (r *Reaggregator) Run(ctx context.Context, organisationID int64, period model.Period, sourceDir string, opts ReaggregateOptions) error {
	patterns, err := r.store.Orgs().PatternsByOrganisation(ctx, organisationID)
	if err != nil {
		return err
	}

	if err := r.checkArchivedAggregates(ctx, organisationID, period); err != nil {
		return err
	}
	if err := r.checkLiveEvents(ctx, organisationID, period); err != nil {
		return err
	}

	events, err := r.readEvents(sourceDir, period)
	if err != nil {
		return err
	}

	matched := matchEvents(events, organisationID, patterns)
	if len(matched) == 0 {
		log.Printf("rollup: no archived events for organisation %d in %s matched a pattern", organisationID, period)
		return nil
	}

	for _, family := range model.Families() {
		if err := r.writeFamily(ctx, family, matched, period, opts); err != nil {
			return err
		}
	}
	log.Printf("rollup: reaggregated %d events for organisation %d in %s", len(matched), organisationID, period)
	return nil
}

// checkArchivedAggregates skips the run when cold storage already holds
// an aggregate blob for this organisation covering the period's month.
// Loading that blob back is the correct fix; recomputing on top of it
// would double count.
func (r *Reaggregator) checkArchivedAggregates(ctx context.Context, organisationID int64, period model.Period) error {
	if r.reader == nil {
		return nil
	}
	for _, family := range model.Families() {
		prefix := archive.AggregatePrefix(r.aggregateBase, family)
		names, err := r.reader.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, name := range names {
			meta, ok := archive.ParseAggregateBlobName(name)
			if !ok || meta.OrganisationID != organisationID {
				continue
			}
			if meta.Date.YearMonth() == period.Month() {
				return lterrors.NewSkip(lterrors.CodeGuardTriggered,
					"archived aggregates %s already cover %s for organisation %d", name, period, organisationID)
			}
		}
	}
	return nil
}

// checkLiveEvents skips the run when the hot store still holds events in
// the period, which the daily aggregator would fold a second time.
func (r *Reaggregator) checkLiveEvents(ctx context.Context, organisationID int64, period model.Period) error {
	from, to := period.Bounds()
	count, err := r.store.Events().CountOverlapping(ctx, organisationID, from, to)
	if err != nil {
		return err
	}
	if count > 0 {
		return lterrors.NewSkip(lterrors.CodeGuardTriggered,
			"%d live events overlap %s for organisation %d, run the daily aggregator instead", count, period, organisationID)
	}
	return nil
}

// readEvents decodes the sourceDir blob files covering the period.
func (r *Reaggregator) readEvents(sourceDir string, period model.Period) ([]*model.Event, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("rollup: failed to read event blob directory: %w", err)
	}

	var events []*model.Event
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		meta, ok := archive.ParseEventBlobName(entry.Name())
		if !ok || meta.Prefix != r.eventPrefix || !period.Contains(meta.Day) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(sourceDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("rollup: failed to read event blob %s: %w", entry.Name(), err)
		}
		decoded, err := archive.DecodeEvents(data)
		if err != nil {
			return nil, err
		}
		for _, e := range decoded {
			if period.Contains(model.DayOf(e.Timestamp)) {
				events = append(events, e)
			}
		}
	}
	return events, nil
}

// matchEvents attributes events to collections by substring-matching each
// link against the organisation's URL patterns. Unmatched events are
// dropped; matched ones are rescoped to the pattern's collection, since
// archived events may predate a collection reshuffle.
func matchEvents(events []*model.Event, organisationID int64, patterns []*model.URLPattern) []*model.Event {
	var matched []*model.Event
	for _, e := range events {
		for _, p := range patterns {
			if strings.Contains(e.Link, p.Pattern) {
				rescoped := *e
				rescoped.OrganisationID = organisationID
				rescoped.CollectionID = p.CollectionID
				matched = append(matched, &rescoped)
				break
			}
		}
	}
	return matched
}

// writeFamily tallies the matched events and accumulates them into the
// family's rows: daily rows for a day period (or SkipMonthly), one
// monthly row per group for a month period.
func (r *Reaggregator) writeFamily(ctx context.Context, family model.Family, events []*model.Event, period model.Period, opts ReaggregateOptions) error {
	repo := r.store.Aggregates(family)
	_, to := period.Bounds()
	groups := groupEvents(events, family, to.AddDays(1))

	if period.IsMonth() && !opts.SkipMonthly {
		groups = foldToMonth(groups, period.Month())
	}

	for _, g := range groups {
		row := &model.AggregateRow{
			Scope:        g.scope,
			FullDate:     g.date,
			Day:          g.date.DayOfMonth(),
			OnUserList:   g.onUserList,
			TotalAdded:   g.added,
			TotalRemoved: g.removed,
		}
		if period.IsMonth() && !opts.SkipMonthly {
			row.Day = 0
		}
		if err := repo.CreateOrAccumulate(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// foldToMonth collapses per-day groups into one group per (scope,
// on_user_list), dated to the month's last day like compacted rows.
func foldToMonth(groups []*eventGroup, month model.YearMonth) []*eventGroup {
	type key struct {
		scope      model.ScopeDims
		onUserList bool
	}

	index := make(map[key]*eventGroup)
	var order []key
	for _, g := range groups {
		k := key{scope: g.scope, onUserList: g.onUserList}
		folded, ok := index[k]
		if !ok {
			folded = &eventGroup{scope: g.scope, date: month.Last(), onUserList: g.onUserList}
			index[k] = folded
			order = append(order, k)
		}
		folded.added += g.added
		folded.removed += g.removed
	}

	out := make([]*eventGroup, 0, len(order))
	for _, k := range order {
		out = append(out, index[k])
	}
	return out
}
