// Package archive moves aggregate rows and raw events between the hot
// store and compressed blobs in cold storage: deterministic blob naming,
// the gzip'd JSON record codec, the write-before-delete archive writer,
// and the cached reader/loader.
package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linktally/linktally/internal/model"
	"github.com/linktally/linktally/internal/store"
)

const blobSuffix = ".json.gz"

// AggregateBlobMeta is the partition key decoded from an aggregate blob name.
type AggregateBlobMeta struct {
	Prefix         string
	OrganisationID int64
	CollectionID   int64
	Date           model.Day
	UserListOnly   bool
}

// AggregatePrefix returns the blob name prefix for one family, e.g.
// "aggregates_linkaggregate".
func AggregatePrefix(base string, family model.Family) string {
	return base + "_" + store.ModelName(family)
}

// AggregateBlobName builds the deterministic name of one aggregate
// partition blob: {prefix}_{org}_{coll}_{YYYY-MM-DD}_{0|1}.json.gz.
func AggregateBlobName(prefix string, organisationID, collectionID int64, date model.Day, userListOnly bool) string {
	flag := 0
	if userListOnly {
		flag = 1
	}
	return fmt.Sprintf("%s_%d_%d_%s_%d%s", prefix, organisationID, collectionID, date, flag, blobSuffix)
}

// ParseAggregateBlobName decodes an aggregate blob name. The prefix may
// itself contain underscores, so fields are taken from the right.
func ParseAggregateBlobName(name string) (*AggregateBlobMeta, bool) {
	base, ok := strings.CutSuffix(name, blobSuffix)
	if !ok {
		return nil, false
	}
	parts := strings.Split(base, "_")
	if len(parts) < 5 {
		return nil, false
	}

	n := len(parts)
	flag, err := strconv.Atoi(parts[n-1])
	if err != nil || (flag != 0 && flag != 1) {
		return nil, false
	}
	date, err := time.ParseInLocation("2006-01-02", parts[n-2], time.UTC)
	if err != nil {
		return nil, false
	}
	collectionID, err := strconv.ParseInt(parts[n-3], 10, 64)
	if err != nil {
		return nil, false
	}
	organisationID, err := strconv.ParseInt(parts[n-4], 10, 64)
	if err != nil {
		return nil, false
	}

	return &AggregateBlobMeta{
		Prefix:         strings.Join(parts[:n-4], "_"),
		OrganisationID: organisationID,
		CollectionID:   collectionID,
		Date:           model.DayOf(date),
		UserListOnly:   flag == 1,
	}, true
}

// EventBlobMeta is the partition key decoded from a raw-event blob name.
type EventBlobMeta struct {
	Prefix string
	Day    model.Day
	Index  int
}

// EventBlobName builds the deterministic name of one raw-event blob:
// {prefix}_{YYYYMMDD}_{partitionIndex}.json.gz.
func EventBlobName(prefix string, day model.Day, index int) string {
	return fmt.Sprintf("%s_%s_%d%s", prefix, day.Compact(), index, blobSuffix)
}

// ParseEventBlobName decodes a raw-event blob name.
func ParseEventBlobName(name string) (*EventBlobMeta, bool) {
	base, ok := strings.CutSuffix(name, blobSuffix)
	if !ok {
		return nil, false
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return nil, false
	}

	n := len(parts)
	index, err := strconv.Atoi(parts[n-1])
	if err != nil || index < 0 {
		return nil, false
	}
	day, err := model.ParseDay(parts[n-2])
	if err != nil {
		return nil, false
	}

	return &EventBlobMeta{
		Prefix: strings.Join(parts[:n-2], "_"),
		Day:    day,
		Index:  index,
	}, true
}
