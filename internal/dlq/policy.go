// Package dlq implements DLQHandler (spec.md §4.8): the unprocessable-
// event policy applied when a downstream consumer reports a failed event.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/flowbroker/substream/internal/config"
	"github.com/flowbroker/substream/internal/partition"
)

// Action tells the caller what to do with the session after Handle
// returns. Most failures just advance the cursor; ABORT is fatal.
type Action int

const (
	ActionAdvance Action = iota
	ActionAbort
)

// Publisher delivers a failing event to its subscription's configured DLQ
// event-type. Grounded on the rabbitmq/amqp091-go publisher shape: publish
// takes a routing key and a byte payload plus headers.
type Publisher interface {
	Publish(ctx context.Context, dlqEventType string, payload []byte, metadata map[string]interface{}) error
}

// RoutingHints are optional per-subscription DLQ overrides decoded from the
// subscription's free-form "info" block via config.DecodeInfo (SPEC_FULL
// §B). Exchange is carried into published metadata for operators routing
// the DLQ event-type across more than one broker exchange; Retries, when
// positive, overrides MaxEventSendCount for this handler only.
type RoutingHints struct {
	Exchange string `mapstructure:"exchange"`
	Retries  int    `mapstructure:"retries"`
}

// Handler tracks per-event send-attempt counts and applies the configured
// policy once attempts exhaust (or immediately for ABORT).
type Handler struct {
	annotations  config.SubscriptionAnnotations
	dlqEventType string
	publisher    Publisher
	hints        RoutingHints
	attempts     map[partition.Cursor]int
}

func NewHandler(annotations config.SubscriptionAnnotations, dlqEventType string, publisher Publisher, hints RoutingHints) *Handler {
	return &Handler{
		annotations:  annotations,
		dlqEventType: dlqEventType,
		publisher:    publisher,
		hints:        hints,
		attempts:     make(map[partition.Cursor]int),
	}
}

// maxSendCount reports the effective retry ceiling: the hints' Retries
// override when positive, otherwise the subscription's annotation (nil
// meaning unlimited).
func (h *Handler) maxSendCount() *int {
	if h.hints.Retries > 0 {
		r := h.hints.Retries
		return &r
	}
	return h.annotations.MaxEventSendCount
}

// Handle records one failed delivery attempt for ev and reports the
// resulting action and whether the cursor should now be advanced. reason
// is a human-readable failure description carried into DLQ metadata.
func (h *Handler) Handle(ctx context.Context, ev partition.ConsumedEvent, reason string) (Action, bool, error) {
	cursor := ev.OffsetAfter
	h.attempts[cursor]++
	attempt := h.attempts[cursor]

	// Open Question (spec.md §9): maxEventSendCount == nil means unlimited
	// retries, so the policy never fires — the caller keeps redelivering.
	maxSendCount := h.maxSendCount()
	if maxSendCount == nil {
		return ActionAdvance, false, nil
	}
	if attempt < *maxSendCount {
		return ActionAdvance, false, nil
	}

	delete(h.attempts, cursor)

	switch h.annotations.Policy {
	case config.PolicyAbort:
		return ActionAbort, true, nil

	case config.PolicyDeadLetterQueue:
		metadata := map[string]interface{}{
			"original_cursor": map[string]interface{}{
				"event_type": cursor.Key.EventType,
				"partition":  cursor.Key.PartitionID,
				"offset":     cursor.Offset,
			},
			"attempt_count": attempt,
			"reason":        reason,
			"failed_at":     timeNow().UTC().Format(time.RFC3339),
		}
		if h.hints.Exchange != "" {
			metadata["exchange"] = h.hints.Exchange
		}
		if h.publisher == nil {
			return ActionAdvance, false, fmt.Errorf("dlq: policy DEAD_LETTER_QUEUE configured without a publisher")
		}
		if err := h.publisher.Publish(ctx, h.dlqEventType, ev.PayloadBytes, metadata); err != nil {
			return ActionAdvance, false, fmt.Errorf("dlq: publish: %w", err)
		}
		return ActionAdvance, true, nil

	default: // SKIP_EVENT
		return ActionAdvance, true, nil
	}
}

var timeNow = time.Now
