package pipeline_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbroker/substream/internal/config"
	"github.com/flowbroker/substream/internal/output"
	"github.com/flowbroker/substream/internal/partition"
	"github.com/flowbroker/substream/internal/pipeline"
)

type recordingOutput struct {
	batches []output.WireBatch
}

func (o *recordingOutput) OnInitialized(sessionID string) error { return nil }

func (o *recordingOutput) StreamData(b []byte) error {
	var batch output.WireBatch
	if err := json.Unmarshal(b, &batch); err != nil {
		return err
	}
	o.batches = append(o.batches, batch)
	return nil
}

func (o *recordingOutput) OnException(err error) {}

type recordingRecorder struct {
	sent []recordedSend
}

type recordedSend struct {
	key        partition.Key
	cursor     partition.Cursor
	eventCount int
}

func (r *recordingRecorder) RecordSent(key partition.Key, cursor partition.Cursor, eventCount int, sentAt time.Time) {
	r.sent = append(r.sent, recordedSend{key: key, cursor: cursor, eventCount: eventCount})
}

type blockAll struct{}

func (blockAll) IsBlocked(subscriptionID, clientID string) bool { return true }

type denyAuthz struct{}

func (denyAuthz) Authorize(ctx context.Context, subscriptionID string, ev partition.ConsumedEvent) (bool, error) {
	return false, nil
}
func (denyAuthz) SubscribeForAuthorizationUpdates(ctx context.Context, eventType string, cb func()) (io.Closer, error) {
	return closerNoop{}, nil
}

type closerNoop struct{}

func (closerNoop) Close() error { return nil }

func newPipeline(t *testing.T, params config.StreamParameters, assignment *partition.AssignmentView, out output.SubscriptionOutput, rec *recordingRecorder) *pipeline.Pipeline {
	t.Helper()
	cfg := pipeline.Config{
		SubscriptionID: "sub-1",
		ClientID:       "client-1",
		Params:         params,
		Out:            out,
		Assignment:     assignment,
	}
	// A nil *recordingRecorder stored in the interface field would not
	// compare equal to nil, so only set it when one was supplied.
	if rec != nil {
		cfg.Recorder = rec
	}
	return pipeline.New(cfg)
}

func testEvent(key partition.Key, offset int64, payload string) partition.ConsumedEvent {
	return partition.ConsumedEvent{
		Key:          key,
		OffsetAfter:  partition.Cursor{Key: key, Offset: offset},
		PayloadBytes: []byte(payload),
	}
}

func TestHandleEvents_FlushesOnBatchLimit(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{})

	out := &recordingOutput{}
	rec := &recordingRecorder{}
	p := newPipeline(t, config.StreamParameters{BatchLimitEvents: 2, CommitTimeout: time.Minute}, assignment, out, rec)

	events := []partition.ConsumedEvent{
		testEvent(key, 1, `{"id":1}`),
		testEvent(key, 2, `{"id":2}`),
	}
	require.NoError(t, p.HandleEvents(context.Background(), key, events))

	require.Len(t, out.batches, 1)
	assert.Len(t, out.batches[0].Events, 2)
	require.Len(t, rec.sent, 1)
	assert.Equal(t, 2, rec.sent[0].eventCount)

	rs, _ := assignment.Get(key)
	assert.EqualValues(t, 2, rs.SentCursor.Offset, "SentCursor advances even though the batch already flushed")
}

func TestHandleEvents_AdvancesSentCursorWhenBlocked(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := pipeline.New(pipeline.Config{
		SubscriptionID: "sub-1",
		Params:         config.StreamParameters{BatchLimitEvents: 1, CommitTimeout: time.Minute},
		Out:            out,
		Blocklist:      blockAll{},
		Assignment:     assignment,
	})

	require.NoError(t, p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{testEvent(key, 5, `{}`)}))

	assert.Empty(t, out.batches, "blocked events must never reach output")
	rs, _ := assignment.Get(key)
	assert.EqualValues(t, 5, rs.SentCursor.Offset)
}

func TestHandleEvents_SkipsMisplacedEvents(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := pipeline.New(pipeline.Config{
		SubscriptionID:      "sub-1",
		SkipMisplacedEvents: true,
		Params:              config.StreamParameters{BatchLimitEvents: 1, CommitTimeout: time.Minute},
		Out:                 out,
		Assignment:          assignment,
	})

	ev := testEvent(key, 1, `{}`)
	ev.Category = partition.CategoryData
	ev.EventTypeName = "some-other-type"

	require.NoError(t, p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{ev}))
	assert.Empty(t, out.batches)
}

func TestHandleEvents_DeniedByAuthz(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := pipeline.New(pipeline.Config{
		SubscriptionID: "sub-1",
		Params:         config.StreamParameters{BatchLimitEvents: 1, CommitTimeout: time.Minute},
		Out:            out,
		Authz:          denyAuthz{},
		Assignment:     assignment,
	})

	require.NoError(t, p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{testEvent(key, 1, `{}`)}))
	assert.Empty(t, out.batches)
}

func TestHandleEvents_UnknownPartitionIsSilentlyDropped(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{BatchLimitEvents: 1}, assignment, out, nil)

	err := p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{testEvent(key, 1, `{}`)})
	require.NoError(t, err)
	assert.Empty(t, out.batches)
}

func TestTick_FlushesAgedBatch(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{
		BatchLimitEvents:  1000,
		BatchFlushTimeout: time.Nanosecond,
	}, assignment, out, nil)

	require.NoError(t, p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{testEvent(key, 1, `{}`)}))
	assert.Empty(t, out.batches, "batch limit not reached yet")

	time.Sleep(time.Millisecond)
	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, out.batches, 1)
}

func TestTick_KeepAliveFiresEveryIdleTickAndClosesAfterLimit(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{SentCursor: partition.Cursor{Key: key, Offset: 9}})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{
		BatchLimitEvents:     1000,
		BatchFlushTimeout:    time.Hour,
		StreamKeepAliveLimit: 3,
	}, assignment, out, nil)

	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, out.batches, 1, "keep-alive fires on the very first idle tick")
	assert.Empty(t, out.batches[0].Events)
	assert.EqualValues(t, 9, out.batches[0].Cursor.Offset)

	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, out.batches, 2, "keep-alive fires on every idle tick")

	err := p.Tick(context.Background())
	require.ErrorIs(t, err, pipeline.ErrKeepAliveLimitExceeded, "third consecutive idle tick exceeds the limit")
	require.Len(t, out.batches, 3, "the keep-alive itself still ships before closing")
}

func TestTick_KeepAliveCounterResetsOnRealData(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{SentCursor: partition.Cursor{Key: key, Offset: 0}})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{
		BatchLimitEvents:     1000,
		BatchFlushTimeout:    time.Nanosecond,
		StreamKeepAliveLimit: 3,
	}, assignment, out, nil)

	require.NoError(t, p.Tick(context.Background()))
	require.NoError(t, p.Tick(context.Background()))
	require.Len(t, out.batches, 2, "two idle ticks, still under the limit of 3")

	require.NoError(t, p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{testEvent(key, 1, `{}`)}))
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Tick(context.Background()), "a tick that flushes real events resets the idle counter")

	require.NoError(t, p.Tick(context.Background()))
	require.NoError(t, p.Tick(context.Background()), "counter restarted after the reset, so the limit isn't hit yet")
}

func TestReleasePartition_FlushesPendingWithReasonInInfo(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{BatchLimitEvents: 1000}, assignment, out, nil)

	require.NoError(t, p.HandleEvents(context.Background(), key, []partition.ConsumedEvent{testEvent(key, 1, `{"id":1}`)}))
	assert.Empty(t, out.batches)

	require.NoError(t, p.ReleasePartition(context.Background(), key, "rebalance"))
	require.Len(t, out.batches, 1)
	assert.Len(t, out.batches[0].Events, 1)
	assert.Equal(t, "partition released: rebalance", out.batches[0].Info["debug"])
}

func TestReleasePartition_BareKeepAliveWhenNothingPending(t *testing.T) {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	assignment := partition.NewAssignmentView()
	assignment.Put(key, &partition.RuntimeState{SentCursor: partition.Cursor{Key: key, Offset: 42}})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{BatchLimitEvents: 1000}, assignment, out, nil)

	require.NoError(t, p.ReleasePartition(context.Background(), key, "unassigned"))
	require.Len(t, out.batches, 1)
	assert.Empty(t, out.batches[0].Events)
	assert.EqualValues(t, 42, out.batches[0].Cursor.Offset)
	assert.Equal(t, "partition released: unassigned", out.batches[0].Info["debug"])
}

func TestEnforceMemoryBudget_FlushesLargestBatchFirst(t *testing.T) {
	keyA := partition.Key{EventType: "orders", PartitionID: "0"}
	keyB := partition.Key{EventType: "orders", PartitionID: "1"}
	assignment := partition.NewAssignmentView()
	assignment.Put(keyA, &partition.RuntimeState{})
	assignment.Put(keyB, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{
		BatchLimitEvents:       1000,
		StreamMemoryLimitBytes: 10,
	}, assignment, out, nil)

	require.NoError(t, p.HandleEvents(context.Background(), keyA, []partition.ConsumedEvent{testEvent(keyA, 1, `{"x":1}`)}))
	require.NoError(t, p.HandleEvents(context.Background(), keyB, []partition.ConsumedEvent{testEvent(keyB, 1, `{"much":"longer-payload-bytes"}`)}))

	require.Len(t, out.batches, 1, "flushing B alone should bring total bytes back under the limit")
	assert.Equal(t, "1", out.batches[0].Cursor.Partition)
}

func TestFlushAll_FlushesEveryPendingPartition(t *testing.T) {
	keyA := partition.Key{EventType: "orders", PartitionID: "0"}
	keyB := partition.Key{EventType: "orders", PartitionID: "1"}
	assignment := partition.NewAssignmentView()
	assignment.Put(keyA, &partition.RuntimeState{})
	assignment.Put(keyB, &partition.RuntimeState{})

	out := &recordingOutput{}
	p := newPipeline(t, config.StreamParameters{BatchLimitEvents: 1000}, assignment, out, nil)

	require.NoError(t, p.HandleEvents(context.Background(), keyA, []partition.ConsumedEvent{testEvent(keyA, 1, `{}`)}))
	require.NoError(t, p.HandleEvents(context.Background(), keyB, []partition.ConsumedEvent{testEvent(keyB, 1, `{}`)}))
	assert.Empty(t, out.batches)

	require.NoError(t, p.FlushAll(context.Background()))
	assert.Len(t, out.batches, 2)
}
