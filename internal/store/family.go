package store

import (
	"fmt"

	"github.com/linktally/linktally/internal/model"
)

// familySpec describes how one aggregate family maps onto its table: the
// table name, the archive model name, and the scope columns beyond
// organisation and collection. The three families share every query in
// this package through their spec.
type familySpec struct {
	table     string
	modelName string
	extraCols []string
}

var familySpecs = map[model.Family]familySpec{
	model.FamilyLink: {
		table:     "link_aggregates",
		modelName: "linkaggregate",
	},
	model.FamilyUser: {
		table:     "user_aggregates",
		modelName: "useraggregate",
		extraCols: []string{"username"},
	},
	model.FamilyPage: {
		table:     "page_aggregates",
		modelName: "pageaggregate",
		extraCols: []string{"project", "page"},
	},
}

func specFor(family model.Family) familySpec {
	spec, ok := familySpecs[family]
	if !ok {
		panic(fmt.Sprintf("store: unknown aggregate family %d", int(family)))
	}
	return spec
}

// ModelName returns the archive record model name for a family.
func ModelName(family model.Family) string {
	return specFor(family).modelName
}

// scopeCols returns the full ordered list of scope columns for the family.
func (f familySpec) scopeCols() []string {
	cols := []string{"organisation_id", "collection_id"}
	return append(cols, f.extraCols...)
}

// scopeValues extracts the scope column values from dims, in scopeCols order.
func (f familySpec) scopeValues(dims model.ScopeDims) []interface{} {
	vals := []interface{}{dims.OrganisationID, dims.CollectionID}
	for _, col := range f.extraCols {
		switch col {
		case "username":
			vals = append(vals, dims.Username)
		case "project":
			vals = append(vals, dims.Project)
		case "page":
			vals = append(vals, dims.Page)
		}
	}
	return vals
}

// allCols returns the full ordered column list for SELECTs.
func (f familySpec) allCols() []string {
	cols := append([]string{"id"}, f.scopeCols()...)
	return append(cols,
		"full_date", "year", "month", "day", "on_user_list",
		"total_added", "total_removed", "created_at", "updated_at")
}
