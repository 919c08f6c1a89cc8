package poller

import (
	"fmt"
	"strconv"

	"github.com/flowbroker/substream/internal/partition"
)

// IdentityTopicMapper is the default TopicMapper: the event-type name is
// the Kafka topic name verbatim, and the partition id is its decimal
// string form, the same convention the teacher's kafka_scaler uses for
// partitionLimitation entries (strconv.ParseInt over a string partition
// list) rather than anything more structured.
type IdentityTopicMapper struct {
	// Categories maps an event-type name to the category a schema
	// registry would assign it (spec.md §4.6 step 2). An event type
	// absent from it is treated as CategoryUndefined, which disables the
	// misplaced-event check for that partition.
	Categories map[string]partition.EventTypeCategory
}

func (IdentityTopicMapper) Topic(eventType string) string { return eventType }

func (IdentityTopicMapper) PartitionNumber(partitionID string) (int32, error) {
	n, err := strconv.ParseInt(partitionID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("poller: partition id %q is not numeric: %w", partitionID, err)
	}
	return int32(n), nil
}

func (m IdentityTopicMapper) Category(eventType string) partition.EventTypeCategory {
	if cat, ok := m.Categories[eventType]; ok {
		return cat
	}
	return partition.CategoryUndefined
}
