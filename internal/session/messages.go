package session

import (
	"time"

	"github.com/flowbroker/substream/internal/partition"
	"github.com/flowbroker/substream/internal/poller"
)

// Messages dispatched through Context.Post / State.Handle, one per
// Streaming-state input named in spec.md §4.2.

// MsgRebalanceTick requests a PartitionAssignment diff against
// listPartitions(); fired by the session-list watcher. Streaming's
// OnEnter runs the first diff directly; there is no periodic rebalance
// timer.
type MsgRebalanceTick struct{}

// MsgPollResult carries one completed poll from the EventPoller.
type MsgPollResult struct {
	Result poller.Result
}

// MsgAutocommitTick and MsgCommitTimeoutTick drive CommitTracker.
type MsgAutocommitTick struct{}
type MsgCommitTimeoutTick struct{}

// MsgKeepAliveFlushTick drives StreamPipeline's batch-age and keep-alive
// checks.
type MsgKeepAliveFlushTick struct{}

// MsgClientCommit is a synchronous commit acknowledgement from outside
// the loop; Reply carries the per-cursor success flag back to the caller.
type MsgClientCommit struct {
	Cursor partition.Cursor
	Reply  chan<- bool
}

// MsgAuthorizationRecheck is fired when the authorization policy for
// eventType changes.
type MsgAuthorizationRecheck struct {
	EventType string
}

// MsgUnprocessableEvent is reported out-of-band by a downstream consumer
// (or derived from annotation-driven retry counting) and routed to the
// DLQHandler.
type MsgUnprocessableEvent struct {
	Event  partition.ConsumedEvent
	Reason string
}

// MsgTerminate is enqueued by Session.Terminate. A zero DrainTimeout is
// the spec's cooperative terminate(); a positive one makes Closing wait up
// to that long while commits are still pending before it unregisters the
// session (SPEC_FULL §C.4, "graceful vs. forced terminate"; see
// closingState for what that wait does and does not do).
type MsgTerminate struct {
	DrainTimeout time.Duration
}

// MsgStreamTimeout fires once, streamTimeout after Streaming is entered.
type MsgStreamTimeout struct{}
