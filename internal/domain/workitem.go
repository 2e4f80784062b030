package domain

import (
	"hash/fnv"
	"strconv"
	"time"
)

type WorkItemStatus string

const (
	WorkItemStatusPending  WorkItemStatus = "pending"
	WorkItemStatusAssigned WorkItemStatus = "assigned"
	WorkItemStatusDone     WorkItemStatus = "done"
	WorkItemStatusFailed   WorkItemStatus = "failed"
)

// WorkItem is one unit of work: one entity, one campaign, one day.
// Rows are keyed UNIQUE(target_date, campaign_id, entity_id); a rebuild for
// the same day inserts nothing.
type WorkItem struct {
	ID int64

	TargetDate time.Time // midnight UTC
	CampaignID int64
	EntityID   int64

	Priority int
	Shard    int
	Status   WorkItemStatus

	LeaseHolder string // empty when unleased
	LeasedAt    time.Time

	Attempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanComplete reports whether holderID may close a work item in the given
// state: the item must be non-terminal and either unleased or leased by the
// same holder. Both the SQL store and test doubles gate completions on this
// predicate so they cannot drift apart.
func CanComplete(status WorkItemStatus, leaseHolder, holderID string) bool {
	nonTerminal := status == WorkItemStatusPending || status == WorkItemStatusAssigned
	owned := leaseHolder == "" || leaseHolder == holderID
	return nonTerminal && owned
}

// ShardFor maps an entity to a shard bucket. Sharding is a contention
// reducer for worker affinity, not a correctness mechanism.
func ShardFor(entityID int64, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(entityID, 10)))
	return int(h.Sum32() % uint32(shardCount))
}

// Day truncates t to midnight UTC, the canonical form of a target date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
