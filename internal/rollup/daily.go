// Package rollup implements the incremental compaction pipeline: the
// daily aggregator folding raw events into daily rows, the monthly
// compactor folding daily rows into monthly rows, and the reaggregator
// rebuilding rows straight from archived events.
package rollup

import (
	"context"
	"log"
	"time"

	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
)

// Daily incrementally folds new events into daily aggregate rows for
// every family. Runs are idempotent by construction: the watermark always
// starts at the latest already-aggregated date and equal-value updates
// are skipped.
type Daily struct {
	store *store.Store
	now   func() time.Time
}

// NewDaily creates a daily aggregator.
func NewDaily(st *store.Store) *Daily {
	return &Daily{store: st, now: time.Now}
}

// Run aggregates new events for all families and all collections, or for
// the explicit subset when collectionIDs is non-empty. An explicit id
// that does not exist is an error; a collection whose organisation has
// been deleted is skipped entirely.
func (d *Daily) Run(ctx context.Context, collectionIDs ...int64) error {
	return d.RunFamilies(ctx, model.Families(), collectionIDs...)
}

// RunFamilies restricts a run to the given aggregate families.
func (d *Daily) RunFamilies(ctx context.Context, families []model.Family, collectionIDs ...int64) error {
	collections, err := d.store.Orgs().ListCollections(ctx, collectionIDs...)
	if err != nil {
		return err
	}

	now := d.now().UTC()
	for _, coll := range collections {
		exists, err := d.store.Orgs().OrganisationExists(ctx, coll.OrganisationID)
		if err != nil {
			return err
		}
		if !exists {
			log.Printf("rollup: collection %d has no organisation, skipping", coll.ID)
			continue
		}

		for _, family := range families {
			if err := d.runFamily(ctx, family, coll, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Daily) runFamily(ctx context.Context, family model.Family, coll *model.Collection, now time.Time) error {
	repo := d.store.Aggregates(family)

	watermark, ok, err := repo.Watermark(ctx, coll.ID)
	if err != nil {
		return err
	}
	if !ok {
		// No rows yet: start at the collection's oldest event so a
		// backfill covers all of history. Today is excluded below
		// because it is not yet closed.
		oldest, hasEvents, err := d.store.Events().OldestDayFor(ctx, coll.ID)
		if err != nil {
			return err
		}
		if !hasEvents {
			return nil
		}
		watermark = oldest
	}

	events, err := d.store.Events().SelectRange(ctx, coll.ID, watermark.Time(), now)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	today := model.DayOf(now)
	groups := groupEvents(events, family, today)

	for _, g := range groups {
		existing, err := repo.FindOne(ctx, g.scope, g.date, g.date.DayOfMonth(), g.onUserList)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			err = repo.Insert(ctx, &model.AggregateRow{
				Scope:        g.scope,
				FullDate:     g.date,
				Day:          g.date.DayOfMonth(),
				OnUserList:   g.onUserList,
				TotalAdded:   g.added,
				TotalRemoved: g.removed,
			})
		case existing.TotalAdded != g.added || existing.TotalRemoved != g.removed:
			err = repo.UpdateTotals(ctx, existing.ID, g.added, g.removed)
		default:
			// Totals already match: re-run over a covered date is a no-op.
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// eventGroup is one (scope, date, on_user_list) tally of a collection's
// events.
type eventGroup struct {
	scope      model.ScopeDims
	date       model.Day
	onUserList bool
	added      int64
	removed    int64
}

// groupEvents tallies events per family key and calendar date. Events on
// the open day (today) are excluded; each event is counted exactly once
// per family, its identity having been dedup'd by the ingestion hash.
func groupEvents(events []*model.Event, family model.Family, today model.Day) []*eventGroup {
	type key struct {
		date       model.Day
		onUserList bool
		username   string
		project    string
		page       string
	}

	index := make(map[key]*eventGroup)
	var order []key
	for _, e := range events {
		date := model.DayOf(e.Timestamp)
		if !date.Before(today) {
			continue
		}

		k := key{date: date, onUserList: e.OnUserList}
		scope := model.ScopeDims{OrganisationID: e.OrganisationID, CollectionID: e.CollectionID}
		switch family {
		case model.FamilyUser:
			k.username = e.Username
			scope.Username = e.Username
		case model.FamilyPage:
			k.project, k.page = e.Project, e.Page
			scope.Project, scope.Page = e.Project, e.Page
		}

		g, ok := index[k]
		if !ok {
			g = &eventGroup{scope: scope, date: date, onUserList: e.OnUserList}
			index[k] = g
			order = append(order, k)
		}
		if e.Change == model.ChangeAdded {
			g.added++
		} else {
			g.removed++
		}
	}

	groups := make([]*eventGroup, 0, len(order))
	for _, k := range order {
		groups = append(groups, index[k])
	}
	return groups
}
