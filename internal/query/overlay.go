// Package query answers totals and top-N questions across both storage
// tiers: hot aggregate rows in SQLite and archived aggregate blobs in
// cold storage, merged behind one overlay.
package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/linktally/linktally/internal/archive"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
)

// Overlay merges hot-store aggregates with archived blobs. The two tiers
// are kept disjoint by a cutoff: cold blobs only contribute months
// strictly before the earliest hot row in scope, so a blob whose rows
// failed hot deletion is never counted twice.
type Overlay struct {
	store         *store.Store
	reader        *archive.Reader // nil restricts queries to the hot tier
	aggregateBase string
}

// NewOverlay creates a query overlay. reader may be nil for hot-only
// deployments.
func NewOverlay(st *store.Store, reader *archive.Reader, aggregateBase string) *Overlay {
	return &Overlay{store: st, reader: reader, aggregateBase: aggregateBase}
}

// Entry is one ranked result of a top-N query.
type Entry struct {
	Key     string
	Added   int64
	Removed int64
	Diff    int64
}

// dimensionFamilies maps groupable dimensions to the family that carries
// them.
var dimensionFamilies = map[string]model.Family{
	"collection_id": model.FamilyLink,
	"username":      model.FamilyUser,
	"project":       model.FamilyPage,
	"page":          model.FamilyPage,
}

// Totals sums added/removed for one family across both tiers.
func (o *Overlay) Totals(ctx context.Context, family model.Family, filter store.Filter) (store.Totals, error) {
	totals, err := o.store.Aggregates(family).Totals(ctx, filter)
	if err != nil {
		return store.Totals{}, err
	}

	cold, err := o.coldRows(ctx, family, filter)
	if err != nil {
		return store.Totals{}, err
	}
	for _, row := range cold {
		totals.Added += row.TotalAdded
		totals.Removed += row.TotalRemoved
	}
	return totals, nil
}

// TopN ranks dimension values by net links (added minus removed) across
// both tiers, descending, ties broken by key. n <= 0 means unlimited.
func (o *Overlay) TopN(ctx context.Context, filter store.Filter, dimension string, n int) ([]Entry, error) {
	family, ok := dimensionFamilies[dimension]
	if !ok {
		return nil, fmt.Errorf("query: unknown ranking dimension %q", dimension)
	}

	merged, err := o.store.Aggregates(family).GroupTotals(ctx, filter, dimension)
	if err != nil {
		return nil, err
	}

	cold, err := o.coldRows(ctx, family, filter)
	if err != nil {
		return nil, err
	}
	for _, row := range cold {
		key := dimensionKey(row, dimension)
		t := merged[key]
		t.Added += row.TotalAdded
		t.Removed += row.TotalRemoved
		merged[key] = t
	}

	entries := make([]Entry, 0, len(merged))
	for key, t := range merged {
		entries = append(entries, Entry{Key: key, Added: t.Added, Removed: t.Removed, Diff: t.Added - t.Removed})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Diff != entries[j].Diff {
			return entries[i].Diff > entries[j].Diff
		}
		return entries[i].Key < entries[j].Key
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// coldRows fetches and decodes the archived rows contributing to a query.
// Only months ending before the earliest hot row in scope are read; when
// the hot tier holds nothing in scope the whole requested range is cold.
func (o *Overlay) coldRows(ctx context.Context, family model.Family, filter store.Filter) ([]*model.AggregateRow, error) {
	if o.reader == nil {
		return nil, nil
	}

	coldFilter := filter
	scopeFilter := filter
	scopeFilter.DateFrom, scopeFilter.DateTo = model.Day{}, model.Day{}

	earliest, ok, err := o.store.Aggregates(family).EarliestDate(ctx, scopeFilter)
	if err != nil {
		return nil, err
	}
	if ok {
		cutoff := earliest.YearMonth().Prev().Last()
		if !filter.DateFrom.IsZero() && cutoff.Before(filter.DateFrom) {
			return nil, nil
		}
		if coldFilter.DateTo.IsZero() || cutoff.Before(coldFilter.DateTo) {
			coldFilter.DateTo = cutoff
		}
	}

	prefix := archive.AggregatePrefix(o.aggregateBase, family)
	names, err := o.reader.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var wanted []string
	for _, name := range names {
		meta, blobOK := archive.ParseAggregateBlobName(name)
		if !blobOK || meta.UserListOnly {
			continue
		}
		if !blobInScope(meta, coldFilter) {
			continue
		}
		wanted = append(wanted, name)
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	payloads, err := o.reader.Fetch(ctx, wanted)
	if err != nil {
		return nil, err
	}

	var rows []*model.AggregateRow
	for name, data := range payloads {
		decoded, err := archive.DecodeAggregates(data)
		if err != nil {
			return nil, fmt.Errorf("query: failed to decode archived blob %s: %w", name, err)
		}
		for _, fr := range decoded {
			if fr.Family == family && coldFilter.Matches(fr.Row) {
				rows = append(rows, fr.Row)
			}
		}
	}
	return rows, nil
}

// blobInScope prunes blobs by the metadata encoded in their names before
// any download happens.
func blobInScope(meta *archive.AggregateBlobMeta, filter store.Filter) bool {
	if filter.OrganisationID != 0 && meta.OrganisationID != filter.OrganisationID {
		return false
	}
	if len(filter.CollectionIDs) > 0 {
		found := false
		for _, id := range filter.CollectionIDs {
			if meta.CollectionID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	month := meta.Date.YearMonth()
	if !filter.DateFrom.IsZero() && month.Last().Before(filter.DateFrom) {
		return false
	}
	if !filter.DateTo.IsZero() && month.First().After(filter.DateTo) {
		return false
	}
	return true
}

func dimensionKey(row *model.AggregateRow, dimension string) string {
	switch dimension {
	case "collection_id":
		return strconv.FormatInt(row.Scope.CollectionID, 10)
	case "username":
		return row.Scope.Username
	case "project":
		return row.Scope.Project
	case "page":
		return row.Scope.Page
	}
	return ""
}
