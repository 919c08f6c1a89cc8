package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/flowbroker/substream/internal/coordination"
	"github.com/flowbroker/substream/internal/partition"
)

// registrationBackoff bounds retries of the initial RegisterSession call
// against a transiently unavailable coordination store, the same
// exponential-backoff shape the teacher's etcd scaler hand-rolls in
// retryBackoff — here taken from k8s.io/apimachinery/pkg/util/wait instead
// of reimplementing the timer loop.
var registrationBackoff = wait.Backoff{
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Steps:    5,
	Cap:      5 * time.Second,
}

// startingState implements spec.md §4.2 Starting: register the session,
// initialise cursors under lock, subscribe to session-set and
// authorization changes, trigger the first rebalance, then move to
// Streaming. Any failure here is fatal.
type startingState struct{}

func (startingState) Name() string { return "Starting" }

func (s startingState) OnEnter(c *Context) {
	// Coordination and authz calls block, so they run off the loop
	// goroutine; only the outcome is enqueued back (spec.md §5).
	go func() {
		if err := s.initialize(c); err != nil {
			c.SwitchStateImmediately(newClosingState(err))
			return
		}
		c.SwitchState(streamingState{})
	}()
}

func (startingState) OnExit(c *Context) {}

func (startingState) Handle(c *Context, msg interface{}) {
	// Starting has no external inputs besides its own goroutine's
	// outcome, which switches state directly; anything else arriving
	// early (e.g. a watcher firing before subscription is set up) is
	// simply ignored until Streaming is entered.
}

func (s startingState) initialize(c *Context) error {
	ctx := context.Background()

	if err := s.registerWithRetry(ctx, c); err != nil {
		return fmt.Errorf("starting: register session: %w", err)
	}

	if err := c.Coordination.RunLocked(ctx, func(ctx context.Context) error {
		return s.initializeCursors(ctx, c)
	}); err != nil {
		return fmt.Errorf("starting: initialize cursors: %w", err)
	}

	watcher, err := c.Coordination.SubscribeForSessionListChanges(ctx, func() {
		c.Post(MsgRebalanceTick{})
	})
	if err != nil {
		return fmt.Errorf("starting: subscribe session list: %w", err)
	}
	c.SessionWatcher = watcher

	if c.Authz != nil {
		for _, eventType := range c.EventTypes {
			eventType := eventType
			closer, err := c.Authz.SubscribeForAuthorizationUpdates(ctx, eventType, func() {
				c.Post(MsgAuthorizationRecheck{EventType: eventType})
			})
			if err != nil {
				return fmt.Errorf("starting: subscribe authz updates: %w", err)
			}
			c.AuthzWatchers = append(c.AuthzWatchers, closer)
		}
	}

	if err := c.Coordination.RebalanceSessions(ctx); err != nil {
		return fmt.Errorf("starting: initial rebalance: %w", err)
	}

	return nil
}

// registerWithRetry retries RegisterSession on a transient
// CoordinationUnavailable error; any other error (including
// SessionNotFound, which should never occur here) fails immediately.
func (startingState) registerWithRetry(ctx context.Context, c *Context) error {
	var lastErr error
	err := wait.ExponentialBackoff(registrationBackoff, func() (bool, error) {
		lastErr = c.Coordination.RegisterSession(ctx, coordinationSession(c))
		if lastErr == nil {
			return true, nil
		}
		if errors.Is(lastErr, coordination.ErrUnavailable) {
			return false, nil
		}
		return false, lastErr
	})
	if err != nil {
		if errors.Is(err, wait.ErrWaitTimeout) {
			return lastErr
		}
		return err
	}
	return nil
}

// initializeCursors sets each configured starting offset for any
// partition that has no committed cursor yet (spec.md §4.2: "initialises
// subscription cursors from configured starting offsets if absent").
func (startingState) initializeCursors(ctx context.Context, c *Context) error {
	for key, startOffset := range c.StartingOffsets {
		cursor, err := c.Coordination.GetOffset(ctx, key)
		if err != nil {
			return err
		}
		if cursor.Offset >= 0 {
			continue
		}
		reset := partition.Cursor{Key: key, Offset: startOffset, TimelineID: cursor.TimelineID}
		if err := c.Coordination.ResetCursors(ctx, []partition.Cursor{reset}, 0); err != nil {
			return err
		}
	}
	return nil
}
