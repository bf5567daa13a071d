package store

import (
	"fmt"
	"strings"

	"github.com/linktally/linktally/internal/model"
)

// Filter accumulates the named predicate clauses a query may apply to an
// aggregate table. Zero values mean "no constraint".
type Filter struct {
	OrganisationID int64
	CollectionIDs  []int64
	Username       string
	Project        string
	DateFrom       model.Day
	DateTo         model.Day
	UserListOnly   bool
}

// Matches reports whether an aggregate row satisfies the filter. Used when
// the rows come from decoded archive blobs rather than SQL.
func (f Filter) Matches(row *model.AggregateRow) bool {
	if f.OrganisationID != 0 && row.Scope.OrganisationID != f.OrganisationID {
		return false
	}
	if len(f.CollectionIDs) > 0 {
		found := false
		for _, id := range f.CollectionIDs {
			if row.Scope.CollectionID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Username != "" && row.Scope.Username != f.Username {
		return false
	}
	if f.Project != "" && row.Scope.Project != f.Project {
		return false
	}
	if !f.DateFrom.IsZero() && row.FullDate.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && row.FullDate.After(f.DateTo) {
		return false
	}
	if f.UserListOnly && !row.OnUserList {
		return false
	}
	return true
}

// clause renders the filter as a WHERE fragment plus its arguments.
// Date bounds compare on full_date, which sorts lexicographically.
func (f Filter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.OrganisationID != 0 {
		conds = append(conds, "organisation_id = ?")
		args = append(args, f.OrganisationID)
	}
	if len(f.CollectionIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.CollectionIDs)), ",")
		conds = append(conds, fmt.Sprintf("collection_id IN (%s)", placeholders))
		for _, id := range f.CollectionIDs {
			args = append(args, id)
		}
	}
	if f.Username != "" {
		conds = append(conds, "username = ?")
		args = append(args, f.Username)
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	if !f.DateFrom.IsZero() {
		conds = append(conds, "full_date >= ?")
		args = append(args, f.DateFrom.String())
	}
	if !f.DateTo.IsZero() {
		conds = append(conds, "full_date <= ?")
		args = append(args, f.DateTo.String())
	}
	if f.UserListOnly {
		conds = append(conds, "on_user_list = 1")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
