// Package output defines SubscriptionOutput (spec.md §6) and the
// on-the-wire batch encoding the session loop writes through it.
package output

import (
	"encoding/json"
	"fmt"

	"github.com/flowbroker/substream/internal/partition"
)

// SubscriptionOutput is the blocking write sink owned solely by the loop.
// Thread-safety is not required: the loop is the only caller.
type SubscriptionOutput interface {
	OnInitialized(sessionID string) error
	StreamData(batchBytes []byte) error
	OnException(err error)
}

// WireCursor is the JSON-lines cursor object named in spec.md §6.
type WireCursor struct {
	EventType   string `json:"event_type"`
	Partition   string `json:"partition"`
	Offset      int64  `json:"offset"`
	CursorToken string `json:"cursor_token"`
}

// WireBatch is one line of the on-the-wire batch format. An empty Events
// slice together with a cursor is a keep-alive.
type WireBatch struct {
	Cursor WireCursor             `json:"cursor"`
	Events []json.RawMessage      `json:"events"`
	Info   map[string]interface{} `json:"info,omitempty"`
}

// Encode renders a batch as one JSON line, newline-terminated, the way a
// streaming HTTP writer flushes one framed record at a time.
func Encode(cursor partition.Cursor, events []json.RawMessage, info map[string]interface{}) ([]byte, error) {
	if events == nil {
		events = []json.RawMessage{}
	}
	batch := WireBatch{
		Cursor: WireCursor{
			EventType:   cursor.Key.EventType,
			Partition:   cursor.Key.PartitionID,
			Offset:      cursor.Offset,
			CursorToken: cursor.CursorToken,
		},
		Events: events,
		Info:   info,
	}
	b, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("output: encoding batch: %w", err)
	}
	return append(b, '\n'), nil
}
