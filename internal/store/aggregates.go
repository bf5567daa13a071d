package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
)

// AggregateRepo is the repository for one aggregate family. Uniqueness of
// (scope-dims, full_date, day, on_user_list) is checked as an explicit
// precondition on insert and backed by a unique index.
type AggregateRepo struct {
	s      *Store
	family model.Family
	spec   familySpec
}

// Family returns the family this repository serves.
func (r *AggregateRepo) Family() model.Family {
	return r.family
}

// CompactionGroup is one (scope-dims, on_user_list) bucket of daily rows
// inside a month, with the sums and source-row count recorded during
// grouping. The row count is re-checked against the delete count when the
// group is compacted.
type CompactionGroup struct {
	Scope      model.ScopeDims
	OnUserList bool
	SumAdded   int64
	SumRemoved int64
	RowCount   int64
}

// Totals is an added/removed pair.
type Totals struct {
	Added   int64
	Removed int64
}

// FindOne returns the row for an exact key, or nil when absent.
func (r *AggregateRepo) FindOne(ctx context.Context, scope model.ScopeDims, fullDate model.Day, day int, onUserList bool) (*model.AggregateRow, error) {
	return r.findOne(ctx, r.s.readDB, scope, fullDate, day, onUserList)
}

func (r *AggregateRepo) findOne(ctx context.Context, q querier, scope model.ScopeDims, fullDate model.Day, day int, onUserList bool) (*model.AggregateRow, error) {
	where, args := r.keyClause(scope, fullDate, day, onUserList)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(r.spec.allCols(), ", "), r.spec.table, where)

	row, err := r.scanRow(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to find %s row: %w", r.family, err)
	}
	return row, nil
}

// Insert creates a new row. A row already holding the same key is a
// consistency error, never silently merged.
func (r *AggregateRepo) Insert(ctx context.Context, row *model.AggregateRow) error {
	return r.insert(ctx, r.s.db, row)
}

// InsertTx is Insert inside a caller-owned transaction.
func (r *AggregateRepo) InsertTx(ctx context.Context, tx *sql.Tx, row *model.AggregateRow) error {
	return r.insert(ctx, tx, row)
}

func (r *AggregateRepo) insert(ctx context.Context, q querier, row *model.AggregateRow) error {
	if row.TotalAdded < 0 || row.TotalRemoved < 0 {
		return lterrors.Newf(lterrors.CategoryConsistency, lterrors.CodeNegativeTotal,
			"%s totals must be non-negative (added=%d removed=%d)", r.family, row.TotalAdded, row.TotalRemoved)
	}

	existing, err := r.findOne(ctx, q, row.Scope, row.FullDate, row.Day, row.OnUserList)
	if err != nil {
		return err
	}
	if existing != nil {
		return lterrors.Newf(lterrors.CategoryConsistency, lterrors.CodeDuplicateRow,
			"%s row already exists for %s day=%d on_user_list=%t", r.family, row.FullDate, row.Day, row.OnUserList)
	}

	scopeCols := r.spec.scopeCols()
	cols := append(append([]string{}, scopeCols...),
		"full_date", "year", "month", "day", "on_user_list",
		"total_added", "total_removed", "created_at", "updated_at")
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")

	now := time.Now().UTC().Format(time.RFC3339)
	args := r.spec.scopeValues(row.Scope)
	args = append(args,
		row.FullDate.String(), row.FullDate.Year(), int(row.FullDate.Month()), row.Day,
		boolToInt(row.OnUserList), row.TotalAdded, row.TotalRemoved, now, now)

	res, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", r.spec.table, strings.Join(cols, ", "), placeholders),
		args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return lterrors.Wrap(lterrors.CategoryConsistency, lterrors.CodeDuplicateRow,
				fmt.Sprintf("%s unique-row violation for %s", r.family, row.FullDate), err)
		}
		return fmt.Errorf("store: failed to insert %s row: %w", r.family, err)
	}
	row.ID, _ = res.LastInsertId()
	return nil
}

// UpdateTotals overwrites a row's totals in place.
func (r *AggregateRepo) UpdateTotals(ctx context.Context, id int64, added, removed int64) error {
	if added < 0 || removed < 0 {
		return lterrors.Newf(lterrors.CategoryConsistency, lterrors.CodeNegativeTotal,
			"%s totals must be non-negative (added=%d removed=%d)", r.family, added, removed)
	}
	_, err := r.s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET total_added = ?, total_removed = ?, updated_at = ? WHERE id = ?", r.spec.table),
		added, removed, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: failed to update %s row: %w", r.family, err)
	}
	return nil
}

// Watermark returns the latest full_date among a collection's daily rows.
// ok is false when the collection has no daily rows yet.
func (r *AggregateRepo) Watermark(ctx context.Context, collectionID int64) (model.Day, bool, error) {
	var date sql.NullString
	err := r.s.readDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(full_date) FROM %s WHERE collection_id = ? AND day != 0", r.spec.table),
		collectionID).Scan(&date)
	if err != nil {
		return model.Day{}, false, fmt.Errorf("store: failed to read %s watermark: %w", r.family, err)
	}
	return parseNullDay(date)
}

// OldestDailyMonth returns the oldest month containing any daily row.
func (r *AggregateRepo) OldestDailyMonth(ctx context.Context) (model.YearMonth, bool, error) {
	var date sql.NullString
	err := r.s.readDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MIN(full_date) FROM %s WHERE day != 0", r.spec.table)).Scan(&date)
	if err != nil {
		return model.YearMonth{}, false, fmt.Errorf("store: failed to find oldest daily month: %w", err)
	}
	day, ok, err := parseNullDay(date)
	if err != nil || !ok {
		return model.YearMonth{}, ok, err
	}
	return day.YearMonth(), true, nil
}

// GroupsForMonth groups the month's daily rows by (scope-dims,
// on_user_list), recording per-group sums and source-row counts.
func (r *AggregateRepo) GroupsForMonth(ctx context.Context, month model.YearMonth, collectionIDs []int64) ([]*CompactionGroup, error) {
	scopeCols := strings.Join(r.spec.scopeCols(), ", ")
	query := fmt.Sprintf(`
		SELECT %s, on_user_list, SUM(total_added), SUM(total_removed), COUNT(*)
		FROM %s
		WHERE year = ? AND month = ? AND day != 0`, scopeCols, r.spec.table)
	args := []interface{}{month.Year, int(month.Month)}
	if len(collectionIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(collectionIDs)), ",")
		query += fmt.Sprintf(" AND collection_id IN (%s)", placeholders)
		for _, id := range collectionIDs {
			args = append(args, id)
		}
	}
	query += fmt.Sprintf(" GROUP BY %s, on_user_list ORDER BY %s", scopeCols, scopeCols)

	rows, err := r.s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to group %s month: %w", r.family, err)
	}
	defer rows.Close()

	var groups []*CompactionGroup
	for rows.Next() {
		g := &CompactionGroup{}
		var onUserList int
		dest := r.scopeDest(&g.Scope)
		dest = append(dest, &onUserList, &g.SumAdded, &g.SumRemoved, &g.RowCount)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: failed to scan compaction group: %w", err)
		}
		g.OnUserList = onUserList != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// DeleteDailyGroupTx deletes one group's daily rows inside a transaction
// and returns the deleted count for the consistency check.
func (r *AggregateRepo) DeleteDailyGroupTx(ctx context.Context, tx *sql.Tx, scope model.ScopeDims, month model.YearMonth, onUserList bool) (int64, error) {
	where, args := r.scopeClause(scope)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s AND year = ? AND month = ? AND day != 0 AND on_user_list = ?",
		r.spec.table, where)
	args = append(args, month.Year, int(month.Month), boolToInt(onUserList))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: failed to delete %s daily group: %w", r.family, err)
	}
	return res.RowsAffected()
}

// CreateOrAccumulateMonthlyTx upserts the monthly row (day=0) for a group:
// an existing row has the sums added to its totals, a missing one is
// created with full_date set to the last day of the month.
func (r *AggregateRepo) CreateOrAccumulateMonthlyTx(ctx context.Context, tx *sql.Tx, scope model.ScopeDims, month model.YearMonth, onUserList bool, added, removed int64) error {
	lastDay := month.Last()
	existing, err := r.findOne(ctx, tx, scope, lastDay, 0, onUserList)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET total_added = total_added + ?, total_removed = total_removed + ?, updated_at = ? WHERE id = ?", r.spec.table),
			added, removed, time.Now().UTC().Format(time.RFC3339), existing.ID)
		if err != nil {
			return fmt.Errorf("store: failed to accumulate %s monthly row: %w", r.family, err)
		}
		return nil
	}
	return r.insert(ctx, tx, &model.AggregateRow{
		Scope:        scope,
		FullDate:     lastDay,
		Day:          0,
		OnUserList:   onUserList,
		TotalAdded:   added,
		TotalRemoved: removed,
	})
}

// CreateOrAccumulate applies the monthly upsert rule outside a compaction
// transaction. The reaggregator and loader use it for both daily and
// monthly rows.
func (r *AggregateRepo) CreateOrAccumulate(ctx context.Context, row *model.AggregateRow) error {
	return r.s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.findOne(ctx, tx, row.Scope, row.FullDate, row.Day, row.OnUserList)
		if err != nil {
			return err
		}
		if existing != nil {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET total_added = total_added + ?, total_removed = total_removed + ?, updated_at = ? WHERE id = ?", r.spec.table),
				row.TotalAdded, row.TotalRemoved, time.Now().UTC().Format(time.RFC3339), existing.ID)
			if err != nil {
				return fmt.Errorf("store: failed to accumulate %s row: %w", r.family, err)
			}
			return nil
		}
		return r.insert(ctx, tx, row)
	})
}

// RowsInMonth returns every row (daily and monthly) whose full_date falls
// inside the month, ordered by scope then date.
func (r *AggregateRepo) RowsInMonth(ctx context.Context, month model.YearMonth) ([]*model.AggregateRow, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE year = ? AND month = ? ORDER BY %s, full_date, day",
		strings.Join(r.spec.allCols(), ", "), r.spec.table, strings.Join(r.spec.scopeCols(), ", "))
	rows, err := r.s.readDB.QueryContext(ctx, query, month.Year, int(month.Month))
	if err != nil {
		return nil, fmt.Errorf("store: failed to select %s month rows: %w", r.family, err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// Rows returns all rows matching the filter.
func (r *AggregateRepo) Rows(ctx context.Context, filter Filter) ([]*model.AggregateRow, error) {
	where, args := filter.clause()
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY full_date, day",
		strings.Join(r.spec.allCols(), ", "), r.spec.table, where)
	rows, err := r.s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to select %s rows: %w", r.family, err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// DeleteByIDs removes rows by id and returns the deleted count.
func (r *AggregateRepo) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := r.s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", r.spec.table, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("store: failed to delete %s rows: %w", r.family, err)
	}
	return res.RowsAffected()
}

// Totals sums added/removed over all rows matching the filter.
func (r *AggregateRepo) Totals(ctx context.Context, filter Filter) (Totals, error) {
	where, args := filter.clause()
	var added, removed sql.NullInt64
	err := r.s.readDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT SUM(total_added), SUM(total_removed) FROM %s%s", r.spec.table, where),
		args...).Scan(&added, &removed)
	if err != nil {
		return Totals{}, fmt.Errorf("store: failed to sum %s totals: %w", r.family, err)
	}
	return Totals{Added: added.Int64, Removed: removed.Int64}, nil
}

// GroupTotals sums added/removed per value of one dimension column.
func (r *AggregateRepo) GroupTotals(ctx context.Context, filter Filter, dimension string) (map[string]Totals, error) {
	if !r.validDimension(dimension) {
		return nil, fmt.Errorf("store: dimension %q not available on %s aggregates", dimension, r.family)
	}
	where, args := filter.clause()
	query := fmt.Sprintf("SELECT %s, SUM(total_added), SUM(total_removed) FROM %s%s GROUP BY %s",
		dimension, r.spec.table, where, dimension)

	rows, err := r.s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to group %s totals: %w", r.family, err)
	}
	defer rows.Close()

	totals := make(map[string]Totals)
	for rows.Next() {
		var key string
		var t Totals
		if err := rows.Scan(&key, &t.Added, &t.Removed); err != nil {
			return nil, fmt.Errorf("store: failed to scan group totals: %w", err)
		}
		totals[key] = t
	}
	return totals, rows.Err()
}

// EarliestDate returns the earliest full_date among rows matching the
// filter. The query overlay derives the cold-tier cutoff from it.
func (r *AggregateRepo) EarliestDate(ctx context.Context, filter Filter) (model.Day, bool, error) {
	where, args := filter.clause()
	var date sql.NullString
	err := r.s.readDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MIN(full_date) FROM %s%s", r.spec.table, where), args...).Scan(&date)
	if err != nil {
		return model.Day{}, false, fmt.Errorf("store: failed to find earliest %s date: %w", r.family, err)
	}
	return parseNullDay(date)
}

// CountRows returns the total row count for the family.
func (r *AggregateRepo) CountRows(ctx context.Context) (int64, error) {
	var count int64
	if err := r.s.readDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", r.spec.table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: failed to count %s rows: %w", r.family, err)
	}
	return count, nil
}

func (r *AggregateRepo) validDimension(dimension string) bool {
	if dimension == "collection_id" {
		return true
	}
	for _, col := range r.spec.extraCols {
		if col == dimension {
			return true
		}
	}
	return false
}

func (r *AggregateRepo) keyClause(scope model.ScopeDims, fullDate model.Day, day int, onUserList bool) (string, []interface{}) {
	where, args := r.scopeClause(scope)
	where += " AND full_date = ? AND day = ? AND on_user_list = ?"
	args = append(args, fullDate.String(), day, boolToInt(onUserList))
	return where, args
}

func (r *AggregateRepo) scopeClause(scope model.ScopeDims) (string, []interface{}) {
	cols := r.spec.scopeCols()
	conds := make([]string, len(cols))
	for i, col := range cols {
		conds[i] = col + " = ?"
	}
	return strings.Join(conds, " AND "), r.spec.scopeValues(scope)
}

// scopeDest returns scan destinations for the scope columns, in order.
func (r *AggregateRepo) scopeDest(scope *model.ScopeDims) []interface{} {
	dest := []interface{}{&scope.OrganisationID, &scope.CollectionID}
	for _, col := range r.spec.extraCols {
		switch col {
		case "username":
			dest = append(dest, &scope.Username)
		case "project":
			dest = append(dest, &scope.Project)
		case "page":
			dest = append(dest, &scope.Page)
		}
	}
	return dest
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AggregateRepo) scanRow(s rowScanner) (*model.AggregateRow, error) {
	row := &model.AggregateRow{}
	var fullDate, createdAt, updatedAt string
	var onUserList int
	dest := append([]interface{}{&row.ID}, r.scopeDest(&row.Scope)...)
	dest = append(dest, &fullDate, &row.Year, &row.Month, &row.Day, &onUserList,
		&row.TotalAdded, &row.TotalRemoved, &createdAt, &updatedAt)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	parsed, err := time.ParseInLocation("2006-01-02", fullDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt full_date %q: %w", fullDate, err)
	}
	row.FullDate = model.DayOf(parsed)
	row.OnUserList = onUserList != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		row.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		row.UpdatedAt = t
	}
	return row, nil
}

func (r *AggregateRepo) scanRows(rows *sql.Rows) ([]*model.AggregateRow, error) {
	var out []*model.AggregateRow
	for rows.Next() {
		row, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan %s row: %w", r.family, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate %s rows: %w", r.family, err)
	}
	return out, nil
}

func parseNullDay(date sql.NullString) (model.Day, bool, error) {
	if !date.Valid || date.String == "" {
		return model.Day{}, false, nil
	}
	parsed, err := time.ParseInLocation("2006-01-02", date.String, time.UTC)
	if err != nil {
		return model.Day{}, false, fmt.Errorf("store: corrupt full_date %q: %w", date.String, err)
	}
	return model.DayOf(parsed), true, nil
}
