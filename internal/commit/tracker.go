// Package commit implements CommitTracker / Autocommit (spec.md §4.7):
// bookkeeping of sent-but-uncommitted cursors, automatic commit of aged
// batches, and fatal commit-timeout enforcement.
package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowbroker/substream/internal/coordination"
	"github.com/flowbroker/substream/internal/partition"
)

// entry is one flushed batch awaiting a commit.
type entry struct {
	cursor     partition.Cursor
	eventCount int
	sentAt     time.Time
}

// OnCommitTimeout is invoked when a pending batch has aged past
// commitTimeoutSeconds; the loop must switchStateImmediately into Closing.
type OnCommitTimeout func(key partition.Key, pendingSince time.Time)

// OnCapacityFreed is invoked for the committed partition after a
// successful commit whenever the session-wide uncommitted count is below
// maxUncommittedEvents, so the poller can resume (spec.md §4.5
// backpressure).
type OnCapacityFreed func(key partition.Key)

// Tracker is loop-owned; every method must run on the session loop.
type Tracker struct {
	client     coordination.Client
	cmp        partition.Comparator
	assignment *partition.AssignmentView

	commitTimeout     time.Duration
	autocommitTimeout time.Duration
	autocommitEnabled bool
	autocommitCron    cron.Schedule
	maxUncommitted    int

	pending map[partition.Key][]entry

	onTimeout  OnCommitTimeout
	onCapacity OnCapacityFreed
}

// Config bundles the tunables and collaborators a Tracker needs.
type Config struct {
	Client            coordination.Client
	Comparator        partition.Comparator
	Assignment        *partition.AssignmentView
	CommitTimeout     time.Duration
	AutocommitTimeout time.Duration
	AutocommitEnabled bool
	// AutocommitSchedule is an optional cron cadence (SPEC_FULL §B
	// "autocommitSchedule annotation") that, when set, overrides the fixed
	// AutocommitTimeout: a pending batch is autocommitted once the
	// schedule's next fire time after it was sent has passed, rather than
	// after a fixed duration elapses.
	AutocommitSchedule string
	MaxUncommitted     int
	OnCommitTimeout    OnCommitTimeout
	OnCapacityFreed    OnCapacityFreed
}

func New(cfg Config) (*Tracker, error) {
	t := &Tracker{
		client:            cfg.Client,
		cmp:               cfg.Comparator,
		assignment:        cfg.Assignment,
		commitTimeout:     cfg.CommitTimeout,
		autocommitTimeout: cfg.AutocommitTimeout,
		autocommitEnabled: cfg.AutocommitEnabled,
		maxUncommitted:    cfg.MaxUncommitted,
		pending:           make(map[partition.Key][]entry),
		onTimeout:         cfg.OnCommitTimeout,
		onCapacity:        cfg.OnCapacityFreed,
	}
	if cfg.AutocommitSchedule != "" {
		schedule, err := cron.ParseStandard(cfg.AutocommitSchedule)
		if err != nil {
			return nil, fmt.Errorf("commit: invalid autocommit schedule %q: %w", cfg.AutocommitSchedule, err)
		}
		t.autocommitCron = schedule
	}
	return t, nil
}

// RecordSent implements pipeline.CommitRecorder: one entry per flushed
// batch, and bumps the partition's uncommitted count.
func (t *Tracker) RecordSent(key partition.Key, cursor partition.Cursor, eventCount int, sentAt time.Time) {
	if eventCount == 0 {
		return
	}
	t.pending[key] = append(t.pending[key], entry{cursor: cursor, eventCount: eventCount, sentAt: sentAt})
	if rs, ok := t.assignment.Get(key); ok {
		rs.Uncommitted += eventCount
		if rs.PendingCommitDeadline == nil {
			deadline := sentAt.Add(t.commitTimeout)
			rs.PendingCommitDeadline = &deadline
		}
	}
}

// Acknowledge handles a client commit acknowledgement (spec.md §4.7,
// Streaming state item (f)): clears pending entries at or below cursor on
// its partition and calls CommitOffsets. The returned bool is the
// client-facing success flag: already-committed is reported as true by
// policy (spec.md §4.3), stale as false.
func (t *Tracker) Acknowledge(ctx context.Context, cursor partition.Cursor) (bool, error) {
	results, err := t.client.CommitOffsets(ctx, []partition.Cursor{cursor}, t.cmp)
	if err != nil {
		return false, fmt.Errorf("commit: acknowledge: %w", err)
	}
	accepted := len(results) > 0 && results[0]

	key := cursor.Key
	rs, hasRS := t.assignment.Get(key)

	if accepted {
		t.clearUpTo(key, cursor, rs)
		return true, nil
	}

	// Distinguish "already committed" (report true to the client) from
	// "stale" (report false) the way spec.md §4.3 requires, even though
	// CommitOffsets collapses both to false: a cursor equal to what's
	// already recorded as committed for this partition is "already
	// committed"; anything else (behind it, or ahead of it but rejected by
	// the store) is stale.
	if hasRS && t.cmp.Compare(cursor, rs.CommittedCursor) == 0 {
		t.clearUpTo(key, cursor, rs)
		return true, nil
	}
	return false, nil
}

func (t *Tracker) clearUpTo(key partition.Key, cursor partition.Cursor, rs *partition.RuntimeState) {
	entries := t.pending[key]
	kept := entries[:0]
	cleared := 0
	for _, e := range entries {
		if t.cmp.Compare(e.cursor, cursor) <= 0 {
			cleared += e.eventCount
			continue
		}
		kept = append(kept, e)
	}
	t.pending[key] = kept

	if rs == nil {
		return
	}
	rs.CommittedCursor = cursor
	rs.Uncommitted -= cleared
	if rs.Uncommitted < 0 {
		rs.Uncommitted = 0
	}
	if len(kept) == 0 {
		rs.PendingCommitDeadline = nil
	} else {
		deadline := kept[0].sentAt.Add(t.commitTimeout)
		rs.PendingCommitDeadline = &deadline
	}

	if t.onCapacity != nil && t.assignment.TotalUncommitted() < t.maxUncommitted {
		t.onCapacity(key)
	}
}

// TotalPending counts entries awaiting a client (or auto-) commit across
// every partition. Used by Closing's drain-timeout wait (SPEC_FULL §C.4).
func (t *Tracker) TotalPending() int {
	total := 0
	for _, entries := range t.pending {
		total += len(entries)
	}
	return total
}

// Tick runs autocommit and commit-timeout enforcement, called once per
// commit-tracker timer tick.
func (t *Tracker) Tick(ctx context.Context) error {
	now := timeNow()

	for key, entries := range t.pending {
		if len(entries) == 0 {
			continue
		}
		oldest := entries[0]

		if now.Sub(oldest.sentAt) >= t.commitTimeout {
			if t.onTimeout != nil {
				t.onTimeout(key, oldest.sentAt)
			}
			return nil
		}

		if t.autocommitEnabled && t.autocommitDue(oldest.sentAt, now) {
			if err := t.autocommit(ctx, key, entries); err != nil {
				return err
			}
		}
	}
	return nil
}

// autocommitDue reports whether a batch sent at sentAt should be
// autocommitted by now, per the cron cadence if one is configured,
// falling back to the fixed AutocommitTimeout otherwise.
func (t *Tracker) autocommitDue(sentAt, now time.Time) bool {
	if t.autocommitCron != nil {
		return !t.autocommitCron.Next(sentAt).After(now)
	}
	return now.Sub(sentAt) >= t.autocommitTimeout
}

func (t *Tracker) autocommit(ctx context.Context, key partition.Key, entries []entry) error {
	cutoff := timeNow()
	var last *entry
	for i := range entries {
		if t.autocommitDue(entries[i].sentAt, cutoff) {
			last = &entries[i]
		}
	}
	if last == nil {
		return nil
	}
	if _, err := t.Acknowledge(ctx, last.cursor); err != nil {
		return fmt.Errorf("commit: autocommit: %w", err)
	}
	return nil
}

var timeNow = time.Now
