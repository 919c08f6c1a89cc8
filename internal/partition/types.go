// Package partition models the per-partition data the streaming engine
// tracks: identity, ownership state, cursors and the runtime view the
// session loop diffs against the coordination store.
package partition

import "time"

// EventTypeCategory mirrors the category a schema registry assigns an
// event-type (spec.md §4.6 step 2). UNDEFINED disables the misplaced-event
// check for that partition.
type EventTypeCategory string

const (
	CategoryUndefined EventTypeCategory = "UNDEFINED"
	CategoryData       EventTypeCategory = "DATA"
	CategoryBusiness   EventTypeCategory = "BUSINESS"
)

// Key identifies a partition: an event-type plus a partition id within it.
type Key struct {
	EventType   string
	PartitionID string
}

// State is the coordination-store-visible ownership state of a partition.
type State string

const (
	Unassigned  State = "UNASSIGNED"
	Assigned    State = "ASSIGNED"
	Reassigning State = "REASSIGNING"
)

// Partition is the coordination store's view of one partition's ownership.
type Partition struct {
	Key             Key
	OwningSessionID string
	State           State
	CommittedOffset int64
}

// Cursor is a position within a partition. Two cursors on the same
// partition are totally ordered via an externally supplied Comparator;
// across partitions they are incomparable.
type Cursor struct {
	Key         Key
	Offset      int64
	TimelineID  string
	CursorToken string
}

// Comparator totally orders cursors within one partition. Implementations
// must compare timeline first, then offset within a timeline (spec.md §4.4).
type Comparator interface {
	// Compare returns <0, 0, >0 as a < b, a == b, a > b. a and b must share
	// the same Key; callers are responsible for that invariant.
	Compare(a, b Cursor) int
}

// DefaultComparator orders cursors lexicographically by timeline then by
// offset, the ordering spec.md §4.4 calls "timeline ordering then offset
// ordering within a timeline".
type DefaultComparator struct{}

func (DefaultComparator) Compare(a, b Cursor) int {
	if a.TimelineID != b.TimelineID {
		if a.TimelineID < b.TimelineID {
			return -1
		}
		return 1
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	default:
		return 0
	}
}

// ConsumedEvent is one event pulled from storage, prior to filtering.
type ConsumedEvent struct {
	Key           Key
	OffsetAfter   Cursor
	PayloadBytes  []byte
	ConsumerTags  []string
	ProducedAt    time.Time
	EventTypeName string
	Category      EventTypeCategory
}

// RuntimeState is the loop-owned runtime view of one assigned partition:
// last sent cursor, last committed cursor, outstanding uncommitted count,
// and the deadline by which a pending commit must land.
type RuntimeState struct {
	SentCursor            Cursor
	CommittedCursor       Cursor
	Uncommitted           int
	PendingCommitDeadline *time.Time
	Paused                bool
	// LastPollAt is when a poll result (batch or stall check) was last
	// observed for this partition; used to surface poll-stall diagnostics
	// on keep-alive batches (SPEC_FULL §C.1).
	LastPollAt time.Time
}

// AssignmentView is the loop-owned mapping partitionKey -> RuntimeState
// (spec.md §3 "AssignmentView"). It is never touched outside the session
// loop, so it carries no internal locking.
type AssignmentView struct {
	partitions map[Key]*RuntimeState
}

func NewAssignmentView() *AssignmentView {
	return &AssignmentView{partitions: make(map[Key]*RuntimeState)}
}

func (v *AssignmentView) Get(key Key) (*RuntimeState, bool) {
	rs, ok := v.partitions[key]
	return rs, ok
}

func (v *AssignmentView) Put(key Key, rs *RuntimeState) {
	v.partitions[key] = rs
}

func (v *AssignmentView) Delete(key Key) {
	delete(v.partitions, key)
}

func (v *AssignmentView) Keys() []Key {
	keys := make([]Key, 0, len(v.partitions))
	for k := range v.partitions {
		keys = append(keys, k)
	}
	return keys
}

func (v *AssignmentView) Len() int {
	return len(v.partitions)
}

// TotalUncommitted sums the uncommitted count across all owned partitions,
// the quantity spec.md §3's invariant bounds by maxUncommittedEvents.
func (v *AssignmentView) TotalUncommitted() int {
	total := 0
	for _, rs := range v.partitions {
		total += rs.Uncommitted
	}
	return total
}
