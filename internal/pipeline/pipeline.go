// Package pipeline implements StreamPipeline (spec.md §4.6): the filter
// chain and batching/flush logic that turns raw ConsumedEvents into
// framed writes through SubscriptionOutput.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowbroker/substream/internal/authz"
	"github.com/flowbroker/substream/internal/config"
	"github.com/flowbroker/substream/internal/output"
	"github.com/flowbroker/substream/internal/partition"
)

// ErrKeepAliveLimitExceeded is returned by Tick once StreamKeepAliveLimit
// consecutive ticks have produced nothing but keep-alives (spec.md §4.2
// Streaming->Closing: "keep-alive limit exceeded with no events").
var ErrKeepAliveLimitExceeded = errors.New("pipeline: keep-alive limit exceeded with no events")

// Blocklist reports whether consumption is currently blocked for a
// (subscription, client) pair (spec.md §4.6 step 1). Not named as one of
// the ten core components; it is a thin operational hook, so a nil
// Blocklist is treated as "nothing blocked".
type Blocklist interface {
	IsBlocked(subscriptionID, clientID string) bool
}

// CommitRecorder receives one record per flushed batch, the handoff point
// into CommitTracker (C7). Kept as its own interface so pipeline does not
// import the commit package.
type CommitRecorder interface {
	RecordSent(key partition.Key, cursor partition.Cursor, eventCount int, sentAt time.Time)
}

// Config bundles everything one StreamPipeline needs; it is built once
// per session from the builder's collaborators and StreamParameters.
type Config struct {
	SubscriptionID      string
	ClientID            string
	Params              config.StreamParameters
	SkipMisplacedEvents bool

	Authz      authz.Checker
	Blocklist  Blocklist
	Out        output.SubscriptionOutput
	Recorder   CommitRecorder
	Assignment *partition.AssignmentView
}

type pendingBatch struct {
	events       []json.RawMessage
	bytes        int
	firstEventAt time.Time
	lastCursor   partition.Cursor
}

// Pipeline is loop-owned: every method must be called from the session
// loop goroutine only, matching the single-threaded contract in spec.md §5.
type Pipeline struct {
	cfg        Config
	batches    map[partition.Key]*pendingBatch
	totalBytes int64

	// consecutiveIdleTicks counts Tick calls in a row that flushed no real
	// data anywhere in the stream; reset the moment any partition flushes
	// real events (spec.md §4.2 Streaming->Closing keep-alive condition).
	consecutiveIdleTicks int
	// sawRealDataSinceTick is set by flush whenever it ships a batch with
	// real events, and consumed (then cleared) by the next Tick.
	sawRealDataSinceTick bool
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		batches: make(map[partition.Key]*pendingBatch),
	}
}

// HandleEvents runs the five-step filter chain of spec.md §4.6 over events
// arriving for key, advancing AssignmentView's sentCursor regardless of
// whether an individual event is kept or dropped.
func (p *Pipeline) HandleEvents(ctx context.Context, key partition.Key, events []partition.ConsumedEvent) error {
	rs, ok := p.cfg.Assignment.Get(key)
	if !ok {
		// Partition was removed from the assignment between poll and
		// delivery; the poller's RemovePartition racing this call is
		// expected, so silently discard rather than treat as an error.
		return nil
	}

	for _, ev := range events {
		keep, err := p.admit(ctx, key, ev)
		if err != nil {
			return err
		}
		rs.SentCursor = ev.OffsetAfter
		if !keep {
			continue
		}
		if err := p.append(ctx, key, ev); err != nil {
			return err
		}
	}
	return nil
}

// admit runs steps 1-4 of spec.md §4.6 and reports whether the event
// should be accumulated into the pending batch.
func (p *Pipeline) admit(ctx context.Context, key partition.Key, ev partition.ConsumedEvent) (bool, error) {
	if p.cfg.Blocklist != nil && p.cfg.Blocklist.IsBlocked(p.cfg.SubscriptionID, p.cfg.ClientID) {
		return false, nil
	}

	if p.cfg.SkipMisplacedEvents &&
		ev.Category != partition.CategoryUndefined &&
		ev.EventTypeName != "" &&
		ev.EventTypeName != key.EventType {
		return false, nil
	}

	if tag := consumerTag(ev); tag != "" && tag != p.cfg.SubscriptionID {
		return false, nil
	}

	if p.cfg.Authz != nil {
		ok, err := p.cfg.Authz.Authorize(ctx, p.cfg.SubscriptionID, ev)
		if err != nil {
			return false, fmt.Errorf("pipeline: authorize: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func consumerTag(ev partition.ConsumedEvent) string {
	if len(ev.ConsumerTags) == 0 {
		return ""
	}
	return ev.ConsumerTags[0]
}

// append accumulates ev into key's pending batch (step 5) and flushes if
// any trigger condition now holds.
func (p *Pipeline) append(ctx context.Context, key partition.Key, ev partition.ConsumedEvent) error {
	b, ok := p.batches[key]
	if !ok {
		b = &pendingBatch{firstEventAt: ev.ProducedAt}
		if b.firstEventAt.IsZero() {
			b.firstEventAt = timeNow()
		}
		p.batches[key] = b
	}

	b.events = append(b.events, json.RawMessage(ev.PayloadBytes))
	b.bytes += len(ev.PayloadBytes)
	b.lastCursor = ev.OffsetAfter
	p.totalBytes += int64(len(ev.PayloadBytes))

	if err := p.enforceMemoryBudget(ctx); err != nil {
		return err
	}

	if p.cfg.Params.BatchLimitEvents > 0 && len(b.events) >= p.cfg.Params.BatchLimitEvents {
		return p.flush(ctx, key)
	}
	return nil
}

// enforceMemoryBudget flushes the largest pending batch repeatedly until
// total buffered bytes are back under streamMemoryLimitBytes (spec.md §3,
// §4.6 "flush largest batch first").
func (p *Pipeline) enforceMemoryBudget(ctx context.Context) error {
	limit := p.cfg.Params.StreamMemoryLimitBytes
	if limit <= 0 {
		return nil
	}
	for p.totalBytes > limit {
		var largestKey partition.Key
		var largestBytes = -1
		for k, b := range p.batches {
			if b.bytes > largestBytes {
				largestBytes = b.bytes
				largestKey = k
			}
		}
		if largestBytes < 0 {
			break
		}
		if err := p.flush(ctx, largestKey); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs once per pipeline timer tick: age-based flush and keep-alive
// bookkeeping for every owned partition (spec.md §4.6 flush trigger #2 and
// the keep-alive rule), then evaluates the keep-alive closing condition
// (spec.md §4.2 Streaming->Closing: "keep-alive limit exceeded with no
// events") across the whole session, not per partition.
func (p *Pipeline) Tick(ctx context.Context) error {
	now := timeNow()
	for _, key := range p.cfg.Assignment.Keys() {
		b, hasBatch := p.batches[key]
		hasEvents := hasBatch && len(b.events) > 0
		if hasEvents && p.cfg.Params.BatchFlushTimeout > 0 && now.Sub(b.firstEventAt) >= p.cfg.Params.BatchFlushTimeout {
			if err := p.flush(ctx, key); err != nil {
				return err
			}
			continue
		}
		if !hasEvents {
			if err := p.tickKeepAlive(ctx, key); err != nil {
				return err
			}
		}
	}

	if p.sawRealDataSinceTick {
		p.consecutiveIdleTicks = 0
		p.sawRealDataSinceTick = false
	} else {
		p.consecutiveIdleTicks++
	}
	if limit := p.cfg.Params.StreamKeepAliveLimit; limit > 0 && p.consecutiveIdleTicks >= limit {
		return ErrKeepAliveLimitExceeded
	}
	return nil
}

// tickKeepAlive emits a bare keep-alive (cursor, no events) for an idle
// partition every tick; StreamKeepAliveLimit governs only how many such
// idle ticks in a row the session tolerates before Tick reports
// ErrKeepAliveLimitExceeded, not how often a keep-alive is sent.
func (p *Pipeline) tickKeepAlive(ctx context.Context, key partition.Key) error {
	rs, ok := p.cfg.Assignment.Get(key)
	if !ok {
		return nil
	}
	return p.writeBatch(key, rs.SentCursor, nil, p.stallInfo(rs))
}

// stallInfo populates info.debug with poll-stall diagnostics (SPEC_FULL
// §C.1) when a partition's poller has not produced a batch for longer
// than a quarter of streamTimeout; nil otherwise, so routine keep-alives
// stay unadorned.
func (p *Pipeline) stallInfo(rs *partition.RuntimeState) map[string]interface{} {
	if p.cfg.Params.StreamTimeout <= 0 || rs.LastPollAt.IsZero() {
		return nil
	}
	threshold := p.cfg.Params.StreamTimeout / 4
	if timeNow().Sub(rs.LastPollAt) < threshold {
		return nil
	}
	return map[string]interface{}{
		"debug": fmt.Sprintf("no batch received for %s", timeNow().Sub(rs.LastPollAt).Round(time.Second)),
	}
}

// flush emits key's pending batch (if any) and clears it.
func (p *Pipeline) flush(ctx context.Context, key partition.Key) error {
	b, ok := p.batches[key]
	if !ok {
		return nil
	}
	delete(p.batches, key)
	p.totalBytes -= int64(b.bytes)
	p.sawRealDataSinceTick = true
	return p.writeBatch(key, b.lastCursor, b.events, nil)
}

func (p *Pipeline) writeBatch(key partition.Key, cursor partition.Cursor, events []json.RawMessage, info map[string]interface{}) error {
	bytes, err := output.Encode(cursor, events, info)
	if err != nil {
		return err
	}
	if err := p.cfg.Out.StreamData(bytes); err != nil {
		return fmt.Errorf("pipeline: stream write: %w", err)
	}
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.RecordSent(key, cursor, len(events), timeNow())
	}
	return nil
}

// FlushAll force-flushes every pending batch; Closing calls it for the
// final flush (spec.md §4.6 flush trigger #4). A partition released by
// rebalance goes through ReleasePartition instead.
func (p *Pipeline) FlushAll(ctx context.Context) error {
	for _, key := range p.keysWithPending() {
		if err := p.flush(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ReleasePartition force-flushes key's pending batch (if any), or a bare
// keep-alive if none, carrying the unassignment reason in info.debug
// (spec.md §4.4: "flush any in-memory events for that partition to the
// client with a 'partition released' marker"; SPEC_FULL §C.1).
func (p *Pipeline) ReleasePartition(ctx context.Context, key partition.Key, reason string) error {
	info := map[string]interface{}{"debug": "partition released: " + reason}

	b, hasBatch := p.batches[key]
	if hasBatch {
		delete(p.batches, key)
		p.totalBytes -= int64(b.bytes)
		return p.writeBatch(key, b.lastCursor, b.events, info)
	}

	rs, ok := p.cfg.Assignment.Get(key)
	if !ok {
		return nil
	}
	return p.writeBatch(key, rs.SentCursor, nil, info)
}

func (p *Pipeline) keysWithPending() []partition.Key {
	keys := make([]partition.Key, 0, len(p.batches))
	for k := range p.batches {
		keys = append(keys, k)
	}
	return keys
}

var timeNow = time.Now
