// Package coordination defines the external coordination-store collaborator
// (spec.md §4.3) and an etcd-backed implementation of it. The session core
// depends only on the Client interface; it does not know which store backs
// a given deployment.
package coordination

import (
	"context"
	"errors"

	"github.com/flowbroker/substream/internal/partition"
)

// ErrUnavailable is a transient coordination failure (spec.md §4.3,
// "CoordinationUnavailable"). Callers should surface it through onException
// and retry per policy; exhausting the retry budget promotes it to fatal.
var ErrUnavailable = errors.New("coordination: store unavailable")

// ErrSessionNotFound is a fatal coordination failure (spec.md §4.3,
// "SessionNotFound"): the session row has vanished from the coordination
// store, e.g. because its lease expired.
var ErrSessionNotFound = errors.New("coordination: session not found")

// Session identifies a streaming session row in the coordination store.
type Session struct {
	SessionID      string
	SubscriptionID string
	ClientID       string
}

// Watcher is a scoped resource returned by a subscribe call. It must be
// released on state exit (Design Note 9, "watcher handle is a scoped
// resource released on state exit").
type Watcher interface {
	Close() error
}

// WatchCallback is invoked on a background thread. Per Design Note 9 it
// must only enqueue work onto the session loop, never mutate session state
// directly.
type WatchCallback func()

// Client is the full coordination-store surface the session core consumes
// (spec.md §4.3). A Client instance is scoped to a single subscription —
// the session that owns it is constructed once per (subscription, client)
// pair, so no method below takes a subscriptionID.
type Client interface {
	// RegisterSession is idempotent by SessionID.
	RegisterSession(ctx context.Context, s Session) error
	// UnregisterSession is idempotent.
	UnregisterSession(ctx context.Context, s Session) error
	// IsActiveSession reports whether sessionID still has a live row.
	IsActiveSession(ctx context.Context, sessionID string) (bool, error)
	// ListPartitions returns a snapshot of the current assignment.
	ListPartitions(ctx context.Context) ([]partition.Partition, error)
	// ListSessions returns the session set, used only for operational
	// visibility (SPEC_FULL §C.3), never for control flow.
	ListSessions(ctx context.Context) ([]string, error)
	// SubscribeForSessionListChanges fires callback on any membership
	// change. callback runs on a background goroutine.
	SubscribeForSessionListChanges(ctx context.Context, callback WatchCallback) (Watcher, error)
	// RebalanceSessions requests a server-side reassignment computation
	// using the current session set. Side effect only: the partition table
	// changes, producing further watcher events.
	RebalanceSessions(ctx context.Context) error
	// GetOffset returns the committed cursor for key, without a cursor
	// token (tokens are minted per streamed batch, opaque to the core).
	GetOffset(ctx context.Context, key partition.Key) (partition.Cursor, error)
	// CommitOffsets attempts to advance the committed cursor for each
	// entry. A commit succeeds iff the cursor is strictly greater than the
	// currently committed cursor per cmp; equal returns false (already
	// committed), lesser returns false (stale).
	CommitOffsets(ctx context.Context, cursors []partition.Cursor, cmp partition.Comparator) ([]bool, error)
	// ResetCursors atomically resets cursors under lock. In-flight events
	// have up to timeoutMillis to drain.
	ResetCursors(ctx context.Context, cursors []partition.Cursor, timeoutMillis int64) error
	// RunLocked executes action inside a distributed critical section for
	// this subscription.
	RunLocked(ctx context.Context, action func(ctx context.Context) error) error
}
