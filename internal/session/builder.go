package session

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/IBM/sarama"

	"github.com/flowbroker/substream/internal/authz"
	"github.com/flowbroker/substream/internal/commit"
	"github.com/flowbroker/substream/internal/config"
	"github.com/flowbroker/substream/internal/coordination"
	"github.com/flowbroker/substream/internal/dlq"
	"github.com/flowbroker/substream/internal/metricssink"
	"github.com/flowbroker/substream/internal/output"
	"github.com/flowbroker/substream/internal/partition"
	"github.com/flowbroker/substream/internal/pipeline"
	"github.com/flowbroker/substream/internal/poller"
)

// Builder assembles a Session from its collaborators and settings
// (spec.md §4.9, Design Note 9: "configuration record constructed
// up-front; absence validated at build time; mandatory fields enforced").
// Every setter returns the builder so calls chain.
type Builder struct {
	sessionID      string
	subscriptionID string
	clientID       string

	coord       coordination.Client
	kafkaClient sarama.Client
	topicMapper poller.TopicMapper
	authzCheck  authz.Checker
	blocklist   pipeline.Blocklist
	out         output.SubscriptionOutput
	metrics     metricssink.Sink
	dlqPublish  dlq.Publisher

	log logr.Logger

	eventTypes      []string
	startingOffsets map[partition.Key]int64
	dlqEventType    string

	rawParams      map[string]string
	rawAnnotations map[string]string
	rawInfo        map[string]interface{}
	skipMisplaced  bool

	pollCfg            poller.Config
	autocommitSchedule string
}

func NewBuilder() *Builder {
	return &Builder{
		startingOffsets: make(map[partition.Key]int64),
		log:             logr.Discard(),
	}
}

func (b *Builder) WithSessionID(id string) *Builder             { b.sessionID = id; return b }
func (b *Builder) WithSubscriptionID(id string) *Builder        { b.subscriptionID = id; return b }
func (b *Builder) WithClientID(id string) *Builder              { b.clientID = id; return b }
func (b *Builder) WithCoordinationClient(c coordination.Client) *Builder {
	b.coord = c
	return b
}
func (b *Builder) WithKafkaClient(c sarama.Client) *Builder { b.kafkaClient = c; return b }
func (b *Builder) WithTopicMapper(m poller.TopicMapper) *Builder {
	b.topicMapper = m
	return b
}
func (b *Builder) WithAuthzChecker(a authz.Checker) *Builder  { b.authzCheck = a; return b }
func (b *Builder) WithBlocklist(bl pipeline.Blocklist) *Builder { b.blocklist = bl; return b }
func (b *Builder) WithOutput(o output.SubscriptionOutput) *Builder { b.out = o; return b }
func (b *Builder) WithMetrics(m metricssink.Sink) *Builder    { b.metrics = m; return b }
func (b *Builder) WithDLQPublisher(p dlq.Publisher) *Builder  { b.dlqPublish = p; return b }
func (b *Builder) WithLogger(l logr.Logger) *Builder          { b.log = l; return b }
func (b *Builder) WithEventTypes(types []string) *Builder     { b.eventTypes = types; return b }
func (b *Builder) WithStartingOffset(key partition.Key, offset int64) *Builder {
	b.startingOffsets[key] = offset
	return b
}
func (b *Builder) WithDLQEventType(eventType string) *Builder { b.dlqEventType = eventType; return b }
func (b *Builder) WithStreamParameters(raw map[string]string) *Builder {
	b.rawParams = raw
	return b
}
func (b *Builder) WithSubscriptionAnnotations(raw map[string]string) *Builder {
	b.rawAnnotations = raw
	return b
}

// WithSubscriptionInfo sets the subscription's free-form "info" block
// (SPEC_FULL §B), decoded via config.DecodeInfo into dlq.RoutingHints at
// Build time.
func (b *Builder) WithSubscriptionInfo(info map[string]interface{}) *Builder {
	b.rawInfo = info
	return b
}
func (b *Builder) WithSkipMisplacedEvents(on bool) *Builder { b.skipMisplaced = on; return b }
func (b *Builder) WithPollConfig(cfg poller.Config) *Builder { b.pollCfg = cfg; return b }

// WithAutocommitSchedule sets an optional cron cadence overriding the
// fixed AutocommitTimeout (SPEC_FULL §B, §C).
func (b *Builder) WithAutocommitSchedule(spec string) *Builder {
	b.autocommitSchedule = spec
	return b
}

// Build validates every mandatory field and wires the collaborators into
// a runnable Session. Nothing here blocks: coordination registration and
// the first rebalance happen once Stream() is called and Starting runs.
func (b *Builder) Build() (*Session, error) {
	if b.subscriptionID == "" {
		return nil, fmt.Errorf("session: subscriptionID is required")
	}
	if b.clientID == "" {
		return nil, fmt.Errorf("session: clientID is required")
	}
	if b.coord == nil {
		return nil, fmt.Errorf("session: coordination client is required")
	}
	if b.out == nil {
		return nil, fmt.Errorf("session: output is required")
	}
	if b.kafkaClient == nil {
		return nil, fmt.Errorf("session: kafka client is required")
	}
	if b.topicMapper == nil {
		return nil, fmt.Errorf("session: topic mapper is required")
	}
	if len(b.eventTypes) == 0 {
		return nil, fmt.Errorf("session: at least one event type is required")
	}

	params, err := config.ParseStreamParameters(b.rawParams)
	if err != nil {
		return nil, err
	}
	annotations, err := config.ParseSubscriptionAnnotations(b.rawAnnotations)
	if err != nil {
		return nil, err
	}
	var dlqHints dlq.RoutingHints
	if err := config.DecodeInfo(b.rawInfo, &dlqHints); err != nil {
		return nil, fmt.Errorf("session: decoding subscription info: %w", err)
	}
	autocommitSchedule := b.autocommitSchedule
	if autocommitSchedule == "" {
		autocommitSchedule = annotations.AutocommitSchedule
	}

	sessionID := b.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	metrics := b.metrics
	if metrics == nil {
		metrics = metricssink.NoOp()
	}

	assignment := partition.NewAssignmentView()
	cmp := partition.DefaultComparator{}

	ctx := &Context{
		SessionID:           sessionID,
		SubscriptionID:      b.subscriptionID,
		ClientID:            b.clientID,
		StartedAt:           time.Now(),
		Log:                 b.log,
		Metrics:             metrics,
		Coordination:        b.coord,
		Authz:               b.authzCheck,
		Out:                 b.out,
		Params:              params,
		Annotations:         annotations,
		SkipMisplacedEvents: b.skipMisplaced,
		EventTypes:          b.eventTypes,
		StartingOffsets:     b.startingOffsets,
		DLQEventType:        b.dlqEventType,
		Assignment:          assignment,
		Comparator:          cmp,
	}

	loop := NewLoop(ctx)
	ctx.Timer = NewTimer(loop)

	onBatch := func(res poller.Result) { loop.Post(MsgPollResult{Result: res}) }
	kafkaPoller, err := poller.New(b.kafkaClient, b.topicMapper, b.pollCfg, onBatch, b.log)
	if err != nil {
		return nil, fmt.Errorf("session: building poller: %w", err)
	}
	ctx.Poller = kafkaPoller

	tracker, err := commit.New(commit.Config{
		Client:             b.coord,
		Comparator:         cmp,
		Assignment:         assignment,
		CommitTimeout:      params.CommitTimeout,
		AutocommitTimeout:  params.AutocommitTimeout,
		AutocommitEnabled:  true,
		AutocommitSchedule: autocommitSchedule,
		MaxUncommitted:     params.MaxUncommittedEvents,
		OnCommitTimeout: func(key partition.Key, pendingSince time.Time) {
			loop.SwitchStateImmediately(newClosingState(fatal("commit_timeout", fmt.Errorf(
				"commit timeout exceeded for %s/%s (pending since %s)",
				key.EventType, key.PartitionID, pendingSince.Format(time.RFC3339)))))
		},
		OnCapacityFreed: func(key partition.Key) {
			kafkaPoller.Resume(key)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: building commit tracker: %w", err)
	}
	ctx.Tracker = tracker

	ctx.Pipeline = pipeline.New(pipeline.Config{
		SubscriptionID:      b.subscriptionID,
		ClientID:            b.clientID,
		Params:              params,
		SkipMisplacedEvents: b.skipMisplaced,
		Authz:               b.authzCheck,
		Blocklist:           b.blocklist,
		Out:                 b.out,
		Recorder:            ctx.Tracker,
		Assignment:          assignment,
	})

	if b.dlqEventType != "" {
		ctx.DLQ = dlq.NewHandler(annotations, b.dlqEventType, b.dlqPublish, dlqHints)
	}

	return &Session{loop: loop, ctx: ctx}, nil
}
