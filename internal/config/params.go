// Package config parses stream parameters and subscription annotations
// from the string-keyed maps the HTTP request layer hands the session
// builder (spec.md §6), the way the teacher's pkg/scalers/scalersconfig
// declaratively fills a typed struct from TriggerMetadata/AuthParams maps
// using struct tags, validated afterwards with go-playground/validator.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// StreamParameters are the immutable-for-the-session-lifetime parameters
// named in spec.md §3 and §6. StreamKeepAliveLimit is a count of
// consecutive keep-alive ticks tolerated with no events, not a duration
// (each tick fires every tickInterval, see internal/session/streaming.go).
type StreamParameters struct {
	BatchLimitEvents       int           `validate:"gte=1"`
	BatchFlushTimeout      time.Duration `validate:"gt=0"`
	StreamTimeout          time.Duration `validate:"gte=0"`
	StreamLimitEvents      int           `validate:"gte=0"`
	StreamKeepAliveLimit   int           `validate:"gte=0"`
	CommitTimeout          time.Duration `validate:"gt=0"`
	MaxUncommittedEvents   int           `validate:"gte=1"`
	StreamMemoryLimitBytes int64         `validate:"gte=0"`

	// AutocommitTimeout is not named directly in spec.md §6 (it is an Open
	// Question, see DESIGN.md) and defaults to half the commit timeout.
	AutocommitTimeout time.Duration `validate:"gt=0"`
}

var defaultParams = StreamParameters{
	BatchLimitEvents:       1,
	BatchFlushTimeout:      30 * time.Second,
	StreamTimeout:          0,
	StreamLimitEvents:      0,
	StreamKeepAliveLimit:   0,
	CommitTimeout:          60 * time.Second,
	MaxUncommittedEvents:   10,
	StreamMemoryLimitBytes: 0,
}

var validate = validator.New()

// ParseStreamParameters builds a StreamParameters from a raw query/header
// map, applying defaults for absent keys and validating the populated
// struct, returning a descriptive error on the first violation — mirroring
// how the teacher's TypedConfig rejects malformed trigger metadata before a
// scaler is ever constructed.
func ParseStreamParameters(raw map[string]string) (StreamParameters, error) {
	p := defaultParams

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"batch_limit", &p.BatchLimitEvents},
		{"stream_limit", &p.StreamLimitEvents},
		{"stream_keep_alive_limit", &p.StreamKeepAliveLimit},
		{"max_uncommitted_events", &p.MaxUncommittedEvents},
	} {
		if err := parseIntField(raw, f.key, f.dst); err != nil {
			return p, err
		}
	}

	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"batch_flush_timeout", &p.BatchFlushTimeout},
		{"stream_timeout", &p.StreamTimeout},
		{"commit_timeout", &p.CommitTimeout},
	} {
		if err := parseDurationSecondsField(raw, f.key, f.dst); err != nil {
			return p, err
		}
	}

	if err := parseInt64Field(raw, "stream_memory_limit_bytes", &p.StreamMemoryLimitBytes); err != nil {
		return p, err
	}

	if err := parseDurationSecondsField(raw, "autocommit_timeout", &p.AutocommitTimeout); err != nil {
		return p, err
	}
	if p.AutocommitTimeout == 0 {
		p.AutocommitTimeout = p.CommitTimeout / 2
	}

	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("config: invalid stream parameters: %w", err)
	}
	return p, nil
}

func parseIntField(raw map[string]string, key string, dst *int) error {
	v, ok := raw[key]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func parseInt64Field(raw map[string]string, key string, dst *int64) error {
	v, ok := raw[key]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func parseDurationSecondsField(raw map[string]string, key string, dst *time.Duration) error {
	v, ok := raw[key]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer number of seconds: %w", key, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
