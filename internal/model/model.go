// Package model defines the domain types shared across the rollup engine:
// link edit events, the three aggregate-row families, and the calendar
// helpers the rollup and archival jobs operate on.
package model

import (
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"
)

// Change is the direction of a link edit.
type Change int

const (
	ChangeRemoved Change = 0
	ChangeAdded   Change = 1
)

// Event is one immutable external-link edit observed on a wiki page.
// Events are created by ingestion, folded into aggregates, and deleted
// from the hot store only once archived.
type Event struct {
	ID             int64
	ContentHash    string
	Timestamp      time.Time
	Change         Change
	Link           string
	OrganisationID int64
	CollectionID   int64
	Username       string
	Project        string
	Page           string
	RevisionID     int64
	OnUserList     bool
}

// Hash computes the dedup content hash of an event from its identifying
// fields. Ingestion uses it to reject replays from the edit stream.
func (e *Event) Hash() string {
	h := murmur3.New128()
	fmt.Fprintf(h, "%s|%d|%s|%s|%d", e.Link, e.Timestamp.UTC().Unix(), e.Username, e.Page, e.RevisionID)
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Family selects one of the three aggregate-row families. Each family
// shares the rollup semantics and differs only in its scope dimensions.
type Family int

const (
	FamilyLink Family = iota // {organisation, collection}
	FamilyUser               // + {username}
	FamilyPage               // + {project, page}
)

var familyNames = map[Family]string{
	FamilyLink: "link",
	FamilyUser: "user",
	FamilyPage: "page",
}

func (f Family) String() string {
	if n, ok := familyNames[f]; ok {
		return n
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Families lists all aggregate families in rollup order.
func Families() []Family {
	return []Family{FamilyLink, FamilyUser, FamilyPage}
}

// ScopeDims is the dimension tuple identifying one aggregation bucket.
// Username, Project and Page are only populated for the families that
// carry them.
type ScopeDims struct {
	OrganisationID int64
	CollectionID   int64
	Username       string
	Project        string
	Page           string
}

// AggregateRow is one mutable rollup row. Day 0 denotes a monthly row;
// day 1..31 a daily row. At most one row may exist per
// (scope-dims, full_date, on_user_list, day).
type AggregateRow struct {
	ID           int64
	Scope        ScopeDims
	FullDate     Day
	Year         int
	Month        int
	Day          int
	OnUserList   bool
	TotalAdded   int64
	TotalRemoved int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsMonthly reports whether the row is a monthly rollup.
func (r *AggregateRow) IsMonthly() bool { return r.Day == 0 }

// Organisation is a partner organisation whose external links are tracked.
type Organisation struct {
	ID   int64
	Name string
}

// Collection groups the URL patterns of one organisation programme.
type Collection struct {
	ID             int64
	OrganisationID int64
	Name           string
}

// URLPattern is a substring pattern matched against event links to
// attribute them to a collection.
type URLPattern struct {
	ID           int64
	CollectionID int64
	Pattern      string
}
