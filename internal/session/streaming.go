package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowbroker/substream/internal/dlq"
	"github.com/flowbroker/substream/internal/partition"
	"github.com/flowbroker/substream/internal/pipeline"
)

// tickInterval drives the three periodic Streaming inputs: autocommit,
// commit-timeout enforcement and keep-alive/batch-age flush. A single
// shared cadence keeps the timer set small; each still posts its own
// message so Handle mirrors spec.md §4.2 items (c)-(e) one for one.
const tickInterval = time.Second

// streamingState implements spec.md §4.2 Streaming: the steady state that
// dispatches every external input to the partition assignment, pipeline
// and commit tracker.
type streamingState struct{}

func (streamingState) Name() string { return "Streaming" }

func (s streamingState) OnEnter(c *Context) {
	if c.Params.StreamTimeout > 0 {
		cancel := c.Timer.After(c.Params.StreamTimeout, func() { c.Post(MsgStreamTimeout{}) })
		c.trackTimer(cancel)
	}
	c.trackTimer(c.Timer.Every(tickInterval, func() { c.Post(MsgCommitTimeoutTick{}) }))
	c.trackTimer(c.Timer.Every(tickInterval, func() { c.Post(MsgAutocommitTick{}) }))
	c.trackTimer(c.Timer.Every(tickInterval, func() { c.Post(MsgKeepAliveFlushTick{}) }))

	// Starting's RebalanceSessions call only nudges the coordination store
	// to recompute assignment; it writes to a key nobody watches, so the
	// first partition fetch for this session has to be kicked off here
	// rather than waited for (spec.md §4.2/§4.4).
	s.handleRebalanceTick(c)
}

func (streamingState) OnExit(c *Context) {
	c.stopAllTimers()
}

func (s streamingState) Handle(c *Context, msg interface{}) {
	switch m := msg.(type) {
	case MsgRebalanceTick:
		s.handleRebalanceTick(c)
	case rebalanceResult:
		s.applyRebalance(c, m.partitions)
	case MsgPollResult:
		s.handlePollResult(c, m)
	case MsgAutocommitTick, MsgCommitTimeoutTick:
		s.handleTrackerTick(c)
	case MsgKeepAliveFlushTick:
		if err := c.Pipeline.Tick(context.Background()); err != nil {
			if errors.Is(err, pipeline.ErrKeepAliveLimitExceeded) {
				c.SwitchStateImmediately(newClosingState(fatal("keep_alive_limit_exceeded", err)))
				return
			}
			c.SwitchStateImmediately(newClosingState(err))
		}
	case MsgClientCommit:
		s.handleClientCommit(c, m)
	case MsgAuthorizationRecheck:
		c.Log.V(1).Info("authorization policy changed", "eventType", m.EventType)
	case MsgUnprocessableEvent:
		s.handleUnprocessableEvent(c, m)
	case MsgStreamTimeout:
		c.SwitchState(newClosingState(nil))
	case MsgTerminate:
		c.SwitchState(newClosingStateWithDrain(nil, m.DrainTimeout))
	}
}

// rebalanceResult carries the listPartitions() snapshot back onto the
// loop once the (potentially blocking) coordination call returns.
type rebalanceResult struct {
	partitions []partition.Partition
}

func (streamingState) handleRebalanceTick(c *Context) {
	go func() {
		partitions, err := c.Coordination.ListPartitions(context.Background())
		if err != nil {
			c.Out.OnException(fmt.Errorf("streaming: list partitions: %w", err))
			return
		}
		c.Post(rebalanceResult{partitions: partitions})
	}()
}

// applyRebalance implements PartitionAssignment (C4, spec.md §4.4): diff
// the fetched snapshot against the runtime view, adding and removing
// partitions, then checks the "lost everything and subscription is empty"
// exit condition (spec.md §4.2).
func (streamingState) applyRebalance(c *Context, partitions []partition.Partition) {
	ctx := context.Background()
	owned := make(map[partition.Key]partition.Partition, len(partitions))
	for _, p := range partitions {
		if p.OwningSessionID == c.SessionID && p.State == partition.Assigned {
			owned[p.Key] = p
		}
	}

	for key := range owned {
		if _, exists := c.Assignment.Get(key); exists {
			continue
		}
		p := owned[key]
		cursor := partition.Cursor{Key: key, Offset: p.CommittedOffset}
		c.Assignment.Put(key, &partition.RuntimeState{SentCursor: cursor, CommittedCursor: cursor, LastPollAt: time.Now()})
		if err := c.Poller.AddPartition(key, p.CommittedOffset); err != nil {
			c.Out.OnException(fmt.Errorf("streaming: add partition %s/%s: %w", key.EventType, key.PartitionID, err))
		}
	}

	for _, key := range c.Assignment.Keys() {
		if _, stillOwned := owned[key]; stillOwned {
			continue
		}
		c.Poller.RemovePartition(key)
		if err := c.Pipeline.ReleasePartition(ctx, key, "rebalance"); err != nil {
			c.SwitchStateImmediately(newClosingState(err))
			return
		}
		c.Assignment.Delete(key)
	}

	if len(partitions) == 0 && c.Assignment.Len() == 0 {
		c.SwitchState(newClosingState(nil))
	}
}

func (streamingState) handlePollResult(c *Context, m MsgPollResult) {
	if m.Result.Err != nil {
		c.Out.OnException(fmt.Errorf("streaming: poll %s/%s: %w", m.Result.Key.EventType, m.Result.Key.PartitionID, m.Result.Err))
		return
	}
	if err := c.Pipeline.HandleEvents(context.Background(), m.Result.Key, m.Result.Events); err != nil {
		c.SwitchStateImmediately(newClosingState(err))
		return
	}
	if rs, ok := c.Assignment.Get(m.Result.Key); ok {
		rs.LastPollAt = time.Now()
	}
	c.EventsStreamed += int64(len(m.Result.Events))
	if c.Params.StreamLimitEvents > 0 && c.EventsStreamed >= int64(c.Params.StreamLimitEvents) {
		c.SwitchState(newClosingState(nil))
	}
}

func (streamingState) handleTrackerTick(c *Context) {
	if err := c.Tracker.Tick(context.Background()); err != nil {
		c.Out.OnException(fmt.Errorf("streaming: commit tick: %w", err))
	}
}

func (streamingState) handleClientCommit(c *Context, m MsgClientCommit) {
	ok, err := c.Tracker.Acknowledge(context.Background(), m.Cursor)
	if err != nil {
		c.Log.Error(err, "commit acknowledge failed")
		ok = false
	}
	select {
	case m.Reply <- ok:
	default:
	}
}

func (streamingState) handleUnprocessableEvent(c *Context, m MsgUnprocessableEvent) {
	if c.DLQ == nil {
		return
	}
	action, _, err := c.DLQ.Handle(context.Background(), m.Event, m.Reason)
	if err != nil {
		c.Out.OnException(fmt.Errorf("streaming: dlq handle: %w", err))
		return
	}
	if action == dlq.ActionAbort {
		c.SwitchStateImmediately(newClosingState(fatal("unprocessable_event", fmt.Errorf("%s", m.Reason))))
	}
}
