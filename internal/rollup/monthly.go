package rollup

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
)

// Monthly folds a closed month's daily aggregate rows into monthly rows.
// Each batch runs in one transaction: the daily rows of a group are
// deleted and their sums folded into the monthly row atomically, with a
// delete-count assertion so a concurrent writer rolls the batch back
// instead of losing counts.
type Monthly struct {
	store     *store.Store
	guardDays int
	batchSize int64
	now       func() time.Time
}

// NewMonthly creates a monthly compactor. guardDays is how long after a
// month ends before it is auto-compacted; batchSize caps the daily rows
// folded per transaction.
func NewMonthly(st *store.Store, guardDays int, batchSize int64) *Monthly {
	if guardDays <= 0 {
		guardDays = 10
	}
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &Monthly{store: st, guardDays: guardDays, batchSize: batchSize, now: time.Now}
}

// Run compacts one month for all families. A nil month selects the oldest
// month holding daily rows, guarded so an unfinished month is never
// compacted; an explicit month bypasses the guard. collectionIDs
// restricts compaction to a subset when non-empty.
func (m *Monthly) Run(ctx context.Context, month *model.YearMonth, collectionIDs ...int64) error {
	target, err := m.resolveMonth(ctx, month)
	if err != nil {
		return err
	}
	if target == nil {
		log.Printf("rollup: no daily rows to compact")
		return nil
	}

	for _, family := range model.Families() {
		if err := m.compactFamily(ctx, family, *target, collectionIDs); err != nil {
			return err
		}
	}
	return nil
}

// resolveMonth picks the compaction target. The guard applies only to the
// automatic pick: the oldest daily month must have ended at least
// guardDays ago, otherwise late events could still land in it.
func (m *Monthly) resolveMonth(ctx context.Context, month *model.YearMonth) (*model.YearMonth, error) {
	if month != nil {
		return month, nil
	}

	var oldest *model.YearMonth
	for _, family := range model.Families() {
		candidate, ok, err := m.store.Aggregates(family).OldestDailyMonth(ctx)
		if err != nil {
			return nil, err
		}
		if ok && (oldest == nil || candidate.Before(*oldest)) {
			c := candidate
			oldest = &c
		}
	}
	if oldest == nil {
		return nil, nil
	}

	today := model.DayOf(m.now().UTC())
	if today.Before(oldest.Last().AddDays(m.guardDays)) {
		return nil, lterrors.NewSkip(lterrors.CodeGuardTriggered,
			"month %s ended less than %d days ago, refusing automatic compaction", oldest, m.guardDays)
	}
	return oldest, nil
}

func (m *Monthly) compactFamily(ctx context.Context, family model.Family, month model.YearMonth, collectionIDs []int64) error {
	repo := m.store.Aggregates(family)

	groups, err := repo.GroupsForMonth(ctx, month, collectionIDs)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	var folded int64
	for _, batch := range batchGroups(groups, m.batchSize) {
		err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
			for _, g := range batch {
				deleted, err := repo.DeleteDailyGroupTx(ctx, tx, g.Scope, month, g.OnUserList)
				if err != nil {
					return err
				}
				if deleted != g.RowCount {
					return lterrors.NewConsistency(lterrors.CodeDeleteCountMismatch,
						"expected to delete %d daily %s rows for %s, deleted %d",
						g.RowCount, family, month, deleted)
				}
				if err := repo.CreateOrAccumulateMonthlyTx(ctx, tx, g.Scope, month, g.OnUserList, g.SumAdded, g.SumRemoved); err != nil {
					return err
				}
				folded += deleted
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	log.Printf("rollup: compacted %d daily %s rows into %d monthly groups for %s",
		folded, family, len(groups), month)
	return nil
}

// batchGroups packs whole groups into batches of at most batchSize daily
// rows. A single group larger than the batch size still gets its own
// batch, since groups cannot be split across transactions.
func batchGroups(groups []*store.CompactionGroup, batchSize int64) [][]*store.CompactionGroup {
	var batches [][]*store.CompactionGroup
	var current []*store.CompactionGroup
	var rows int64

	for _, g := range groups {
		if len(current) > 0 && rows+g.RowCount > batchSize {
			batches = append(batches, current)
			current, rows = nil, 0
		}
		current = append(current, g)
		rows += g.RowCount
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
