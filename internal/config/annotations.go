package config

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Annotation keys named in spec.md §6, plus the autocommit cadence
// override supplemented in SPEC_FULL §B/§C.
const (
	AnnotationMaxEventSendCount        = "subscription.max.event.send.count"
	AnnotationUnprocessableEventPolicy = "subscription.unprocessable.event.policy"
	AnnotationAutocommitSchedule       = "subscription.autocommit.schedule"
)

// UnprocessableEventPolicy is one of the three DLQHandler policies
// (spec.md §4.8).
type UnprocessableEventPolicy string

const (
	PolicySkipEvent       UnprocessableEventPolicy = "SKIP_EVENT"
	PolicyDeadLetterQueue UnprocessableEventPolicy = "DEAD_LETTER_QUEUE"
	PolicyAbort           UnprocessableEventPolicy = "ABORT"
)

// SubscriptionAnnotations holds the subset of subscription annotations the
// DLQHandler needs.
type SubscriptionAnnotations struct {
	// MaxEventSendCount is nil when SUBSCRIPTION_MAX_EVENT_SEND_COUNT is
	// absent, meaning unlimited retries (DESIGN.md Open Question 1).
	MaxEventSendCount *int
	Policy            UnprocessableEventPolicy
	// AutocommitSchedule is an optional cron cadence overriding the fixed
	// autocommit timeout (empty means "not set", use the fixed timeout).
	AutocommitSchedule string
}

// ParseSubscriptionAnnotations reads the DLQ-relevant annotations out of a
// subscription's free-form annotation map.
func ParseSubscriptionAnnotations(raw map[string]string) (SubscriptionAnnotations, error) {
	var out SubscriptionAnnotations

	if v, ok := raw[AnnotationMaxEventSendCount]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return out, fmt.Errorf("config: %s must be an integer >= 1", AnnotationMaxEventSendCount)
		}
		out.MaxEventSendCount = &n
	}

	policy := UnprocessableEventPolicy(raw[AnnotationUnprocessableEventPolicy])
	switch policy {
	case "", PolicySkipEvent:
		out.Policy = PolicySkipEvent
	case PolicyDeadLetterQueue, PolicyAbort:
		out.Policy = policy
	default:
		return out, fmt.Errorf("config: unknown %s value %q", AnnotationUnprocessableEventPolicy, policy)
	}

	out.AutocommitSchedule = raw[AnnotationAutocommitSchedule]

	return out, nil
}

// DecodeInfo decodes the subscription's free-form "info" block (arbitrary
// nested map, e.g. operator-supplied DLQ routing hints) into dst, the way
// the teacher's codebase would reach for mapstructure to turn a
// map[string]interface{} into a typed struct rather than hand-rolling
// reflection.
func DecodeInfo(info map[string]interface{}, dst interface{}) error {
	if info == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("config: building info decoder: %w", err)
	}
	if err := decoder.Decode(info); err != nil {
		return fmt.Errorf("config: decoding info block: %w", err)
	}
	return nil
}
