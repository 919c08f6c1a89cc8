package session

import (
	"io"
	"time"

	"github.com/go-logr/logr"

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

// Context is the borrowed handle every State receives through OnEnter; it
// carries the collaborators and the runtime view, never a reciprocal
// reference back to a specific State (spec.md §9, "Cyclic reference
// State<->Context").
type Context struct {
	loop *Loop

	SessionID      string
	SubscriptionID string
	ClientID       string
	StartedAt      time.Time

	Log     logr.Logger
	Metrics metricssink.Sink

	Coordination coordination.Client
	Poller       poller.EventPoller
	Pipeline     *pipeline.Pipeline
	Tracker      *commit.Tracker
	Authz        authz.Checker
	DLQ          *dlq.Handler
	Out          output.SubscriptionOutput
	Timer        *Timer

	Params              config.StreamParameters
	Annotations         config.SubscriptionAnnotations
	SkipMisplacedEvents bool
	EventTypes          []string
	StartingOffsets     map[partition.Key]int64
	DLQEventType        string

	Assignment *partition.AssignmentView
	Comparator partition.Comparator

	SessionWatcher coordination.Watcher
	AuthzWatchers  []io.Closer
	cancelTimers   []func()

	EventsStreamed int64
	CloseReason    error
}

// Enqueue exposes the loop's thread-safe entry point to collaborators
// that only hold a *Context (e.g. watcher callbacks constructed in
// Starting.OnEnter).
func (c *Context) Enqueue(task Task) { c.loop.Enqueue(task) }

// Post delivers msg through the current state's Handle.
func (c *Context) Post(msg interface{}) { c.loop.Post(msg) }

// SwitchState requests a (queued) transition.
func (c *Context) SwitchState(next State) { c.loop.SwitchState(next) }

// SwitchStateImmediately requests a transition after discarding pending
// work, for fatal errors.
func (c *Context) SwitchStateImmediately(next State) { c.loop.SwitchStateImmediately(next) }

// trackTimer remembers a cancel func so Closing can stop every
// outstanding timer on the way to Dead.
func (c *Context) trackTimer(cancel func()) { c.cancelTimers = append(c.cancelTimers, cancel) }

func (c *Context) stopAllTimers() {
	for _, cancel := range c.cancelTimers {
		cancel()
	}
	c.cancelTimers = nil
}
