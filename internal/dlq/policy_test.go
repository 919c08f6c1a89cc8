package dlq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbroker/substream/internal/config"
	"github.com/flowbroker/substream/internal/dlq"
	"github.com/flowbroker/substream/internal/partition"
)

func sendCount(n int) *int { return &n }

func sampleEvent(offset int64) partition.ConsumedEvent {
	key := partition.Key{EventType: "orders", PartitionID: "0"}
	return partition.ConsumedEvent{
		Key:          key,
		OffsetAfter:  partition.Cursor{Key: key, Offset: offset},
		PayloadBytes: []byte(`{"id":1}`),
	}
}

func TestHandler_UnlimitedRetriesWhenSendCountAbsent(t *testing.T) {
	h := dlq.NewHandler(config.SubscriptionAnnotations{Policy: config.PolicyAbort}, "orders.dlq", nil, dlq.RoutingHints{})
	ev := sampleEvent(13)

	for i := 0; i < 50; i++ {
		action, _, err := h.Handle(context.Background(), ev, "boom")
		require.NoError(t, err)
		assert.Equal(t, dlq.ActionAdvance, action, "policy not applied when maxEventSendCount is nil (DESIGN.md Open Question 1)")
	}
}

func TestHandler_SkipEventAfterNAttempts(t *testing.T) {
	h := dlq.NewHandler(config.SubscriptionAnnotations{
		MaxEventSendCount: sendCount(3),
		Policy:            config.PolicySkipEvent,
	}, "orders.dlq", nil, dlq.RoutingHints{})
	ev := sampleEvent(13)

	var lastAction dlq.Action
	for i := 0; i < 3; i++ {
		var err error
		lastAction, _, err = h.Handle(context.Background(), ev, "boom")
		require.NoError(t, err)
	}
	assert.Equal(t, dlq.ActionAdvance, lastAction)
}

func TestHandler_AbortIsFatalAfterN(t *testing.T) {
	h := dlq.NewHandler(config.SubscriptionAnnotations{
		MaxEventSendCount: sendCount(1),
		Policy:            config.PolicyAbort,
	}, "orders.dlq", nil, dlq.RoutingHints{})

	action, handled, err := h.Handle(context.Background(), sampleEvent(13), "boom")
	require.NoError(t, err)
	assert.Equal(t, dlq.ActionAbort, action)
	assert.True(t, handled)
}

type recordingPublisher struct {
	dlqEventType string
	payload      []byte
	metadata     map[string]interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, dlqEventType string, payload []byte, metadata map[string]interface{}) error {
	p.dlqEventType = dlqEventType
	p.payload = payload
	p.metadata = metadata
	return nil
}

func TestHandler_DeadLetterQueuePublishesWithMetadata(t *testing.T) {
	pub := &recordingPublisher{}
	h := dlq.NewHandler(config.SubscriptionAnnotations{
		MaxEventSendCount: sendCount(2),
		Policy:            config.PolicyDeadLetterQueue,
	}, "orders.dlq", pub, dlq.RoutingHints{})
	ev := sampleEvent(13)

	action, _, err := h.Handle(context.Background(), ev, "boom")
	require.NoError(t, err)
	assert.Equal(t, dlq.ActionAdvance, action, "not yet at threshold")
	assert.Nil(t, pub.payload)

	action, handled, err := h.Handle(context.Background(), ev, "still failing")
	require.NoError(t, err)
	assert.Equal(t, dlq.ActionAdvance, action)
	assert.True(t, handled)

	require.NotNil(t, pub.payload)
	assert.Equal(t, "orders.dlq", pub.dlqEventType)
	assert.Equal(t, ev.PayloadBytes, pub.payload)
	assert.Equal(t, "still failing", pub.metadata["reason"])
	assert.Equal(t, 2, pub.metadata["attempt_count"])
	original, ok := pub.metadata["original_cursor"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "orders", original["event_type"])
}

func TestHandler_RoutingHintsOverrideRetriesAndAddExchange(t *testing.T) {
	pub := &recordingPublisher{}
	// No MaxEventSendCount annotation set; RoutingHints.Retries supplies the
	// threshold instead (decoded from the subscription's info block).
	h := dlq.NewHandler(config.SubscriptionAnnotations{
		Policy: config.PolicyDeadLetterQueue,
	}, "orders.dlq", pub, dlq.RoutingHints{Exchange: "dlq-exchange", Retries: 1})
	ev := sampleEvent(13)

	action, handled, err := h.Handle(context.Background(), ev, "boom")
	require.NoError(t, err)
	assert.Equal(t, dlq.ActionAdvance, action)
	assert.True(t, handled, "hints.Retries should apply even with no MaxEventSendCount annotation")
	require.NotNil(t, pub.payload)
	assert.Equal(t, "dlq-exchange", pub.metadata["exchange"])
}

func TestHandler_DeadLetterQueueWithoutPublisherErrors(t *testing.T) {
	h := dlq.NewHandler(config.SubscriptionAnnotations{
		MaxEventSendCount: sendCount(1),
		Policy:            config.PolicyDeadLetterQueue,
	}, "orders.dlq", nil, dlq.RoutingHints{})

	_, _, err := h.Handle(context.Background(), sampleEvent(13), "boom")
	require.Error(t, err)
}
