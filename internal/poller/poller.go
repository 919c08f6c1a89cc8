// Package poller implements the EventPoller collaborator (spec.md §4.5):
// for each assigned partition, pull batches from storage bounded by time
// and bytes, and hand raw batches back to the session loop. The poller
// never decides whether to emit an event; that's StreamPipeline's job.
package poller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"

	"github.com/flowbroker/substream/internal/partition"
)

// Result is what one completed poll produces. A non-nil Err means the
// underlying partition consumer failed and the partition should be treated
// as unavailable until re-added.
type Result struct {
	Key    partition.Key
	Events []partition.ConsumedEvent
	Err    error
}

// OnBatch is called from a poller-owned goroutine whenever a batch (or
// poll error) is ready. Per Design Note 9 it must only enqueue work onto
// the session loop.
type OnBatch func(Result)

// EventPoller is the surface the session loop depends on (spec.md §4.5);
// *Poller is the Kafka-backed implementation, kept as its own interface so
// the session core can be driven against a fake in tests, the same
// dependency-inversion shape as every other session collaborator
// (coordination.Client, output.SubscriptionOutput, authz.Checker).
type EventPoller interface {
	AddPartition(key partition.Key, fromOffset int64) error
	RemovePartition(key partition.Key)
	Pause(key partition.Key)
	Resume(key partition.Key)
	Close() error
}

// TopicMapper maps a partition's event-type to the Kafka topic backing it,
// its PartitionID string to sarama's int32 partition number, and the
// event-type's schema-registry category (spec.md §4.6 step 2).
type TopicMapper interface {
	Topic(eventType string) string
	PartitionNumber(partitionID string) (int32, error)
	Category(eventType string) partition.EventTypeCategory
}

// envelope is the subset of Nakadi's event envelope the poller needs to
// recover the payload's embedded event-type name (spec.md §4.6 step 2:
// "the payload's embedded event-type name"); every other field is left for
// StreamPipeline/output to deal with from the raw bytes.
type envelope struct {
	Metadata struct {
		EventType string `json:"event_type"`
	} `json:"metadata"`
}

// embeddedEventType best-effort parses payload's metadata.event_type,
// returning "" if the payload isn't a Nakadi-shaped JSON envelope (the
// misplaced-event check is then simply skipped for that event, same as an
// UNDEFINED category).
func embeddedEventType(payload []byte) string {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Metadata.EventType
}

// Poller owns one sarama.Consumer and a goroutine per assigned partition,
// mirroring the one-goroutine-per-partitionConsumer shape of the vendored
// sarama consumer (Stars1233-sarama/consumer.go) — but it is a poller, not
// a streaming consumer, so it forwards whatever sarama delivers instead of
// reimplementing sarama's own broker dispatch.
type Poller struct {
	consumer sarama.Consumer
	mapper   TopicMapper
	onBatch  OnBatch
	log      logr.Logger

	pollTimeout time.Duration
	maxBytes    int

	mu         sync.Mutex
	partitions map[partition.Key]*partitionWorker
}

type partitionWorker struct {
	cancel context.CancelFunc
	paused chan struct{}
	pause  bool
}

// Config bounds one poll cycle: pollTimeout is the non-blocking poll
// timeout named kafkaPollTimeout in spec.md §4.5/§5; a pending batch is
// delivered as soon as its payload bytes reach MaxBatchBytes, so one
// Result.Events slice can exceed it by at most one message.
type Config struct {
	PollTimeout   time.Duration
	MaxBatchBytes int
}

// New wires a Poller against an already-connected sarama.Client.
func New(client sarama.Client, mapper TopicMapper, cfg Config, onBatch OnBatch, log logr.Logger) (*Poller, error) {
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return nil, err
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 1 << 20
	}
	return &Poller{
		consumer:    consumer,
		mapper:      mapper,
		onBatch:     onBatch,
		log:         log,
		pollTimeout: cfg.PollTimeout,
		maxBytes:    cfg.MaxBatchBytes,
		partitions:  make(map[partition.Key]*partitionWorker),
	}, nil
}

// AddPartition starts polling key from fromOffset (exclusive semantics
// match sarama: fromOffset is the next offset to read). Safe to call from
// the session loop only.
func (p *Poller) AddPartition(key partition.Key, fromOffset int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.partitions[key]; exists {
		return nil
	}

	partitionNum, err := p.mapper.PartitionNumber(key.PartitionID)
	if err != nil {
		return err
	}
	topic := p.mapper.Topic(key.EventType)

	startOffset := fromOffset
	if startOffset < 0 {
		startOffset = sarama.OffsetOldest
	}

	pc, err := p.consumer.ConsumePartition(topic, partitionNum, startOffset)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &partitionWorker{cancel: cancel, paused: make(chan struct{}, 1)}
	p.partitions[key] = w

	go p.run(ctx, key, pc, w)
	return nil
}

// RemovePartition stops polling key; already-delivered Results for it are
// not retracted (the caller flushes what's buffered per spec.md §4.4).
func (p *Poller) RemovePartition(key partition.Key) {
	p.mu.Lock()
	w, ok := p.partitions[key]
	if ok {
		delete(p.partitions, key)
	}
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Pause suspends polling key (spec.md §4.5 backpressure when
// maxUncommittedEvents is reached).
func (p *Poller) Pause(key partition.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.partitions[key]; ok {
		w.pause = true
	}
}

// Resume reverses Pause, e.g. after a successful commit frees capacity.
func (p *Poller) Resume(key partition.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.partitions[key]; ok {
		w.pause = false
		select {
		case w.paused <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) isPaused(key partition.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.partitions[key]
	return ok && w.pause
}

func (p *Poller) run(ctx context.Context, key partition.Key, pc sarama.PartitionConsumer, w *partitionWorker) {
	defer pc.AsyncClose()

	var pending []partition.ConsumedEvent
	pendingBytes := 0
	flush := time.NewTicker(p.pollTimeout)
	defer flush.Stop()

	for {
		if p.isPaused(key) {
			select {
			case <-ctx.Done():
				return
			case <-w.paused:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			ev := partition.ConsumedEvent{
				Key: key,
				OffsetAfter: partition.Cursor{
					Key:    key,
					Offset: msg.Offset + 1,
				},
				PayloadBytes:  msg.Value,
				ProducedAt:    msg.Timestamp,
				EventTypeName: embeddedEventType(msg.Value),
				Category:      p.mapper.Category(key.EventType),
			}
			for _, h := range msg.Headers {
				if string(h.Key) == "consumer_subscription_id" {
					ev.ConsumerTags = append(ev.ConsumerTags, string(h.Value))
				}
			}
			pending = append(pending, ev)
			pendingBytes += len(msg.Value)
			if pendingBytes >= p.maxBytes {
				p.deliver(key, &pending, &pendingBytes)
			}
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			p.onBatch(Result{Key: key, Err: err.Err})
		case <-flush.C:
			p.deliver(key, &pending, &pendingBytes)
		}
	}
}

func (p *Poller) deliver(key partition.Key, pending *[]partition.ConsumedEvent, pendingBytes *int) {
	if len(*pending) == 0 {
		return
	}
	batch := *pending
	*pending = nil
	*pendingBytes = 0
	p.onBatch(Result{Key: key, Events: batch})
}

// Close tears down every partition worker and the underlying consumer.
func (p *Poller) Close() error {
	p.mu.Lock()
	keys := make([]partition.Key, 0, len(p.partitions))
	for k := range p.partitions {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		p.RemovePartition(k)
	}
	return p.consumer.Close()
}
