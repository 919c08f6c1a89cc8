package session

import (
	"context"
	"time"
)

// drainPollInterval is how often Closing rechecks the commit tracker
// while honoring a drain timeout (SPEC_FULL §C.4).
const drainPollInterval = 50 * time.Millisecond

// closingState implements spec.md §4.2 Closing: stop timers, close every
// watcher and the poller, flush final messages, unregister the session,
// then move to Dead. The output is not closed here: SubscriptionOutput has
// no close operation, and the stream ends when Stream returns to its
// caller. reason is nil for a cooperative terminate(). drainTimeout, when
// positive, makes Closing wait up to that long while the commit tracker
// still holds pending entries before unregistering (SPEC_FULL §C.4).
// Closing does not process client commits and its autocommit timer is
// stopped, so entries pending on entry stay pending and the wait runs to
// the full drainTimeout.
type closingState struct {
	reason       error
	drainTimeout time.Duration
}

func newClosingState(reason error) closingState {
	return closingState{reason: reason}
}

func newClosingStateWithDrain(reason error, drainTimeout time.Duration) closingState {
	return closingState{reason: reason, drainTimeout: drainTimeout}
}

func (closingState) Name() string { return "Closing" }

func (s closingState) OnEnter(c *Context) {
	c.CloseReason = s.reason
	if s.reason != nil {
		c.Log.Info("session closing", "reason", s.reason.Error())
	} else {
		c.Log.Info("session closing")
	}

	c.stopAllTimers()

	if c.SessionWatcher != nil {
		_ = c.SessionWatcher.Close()
	}
	for _, w := range c.AuthzWatchers {
		_ = w.Close()
	}

	if c.Poller != nil {
		_ = c.Poller.Close()
	}

	if c.Pipeline != nil {
		if err := c.Pipeline.FlushAll(context.Background()); err != nil {
			c.Log.Error(err, "final flush failed")
		}
	}

	if c.Metrics != nil {
		reasonLabel := "terminated"
		if s.reason != nil {
			reasonLabel = s.reason.Error()
		}
		c.Metrics.SessionClosed(c.SubscriptionID, reasonLabel)
	}

	go func() {
		s.drain(c)
		ctx := context.Background()
		if err := c.Coordination.UnregisterSession(ctx, coordinationSession(c)); err != nil {
			c.Log.Error(err, "unregister session failed")
		}
		c.SwitchState(deadState{})
	}()
}

// drain waits up to drainTimeout while the tracker reports pending
// entries, polling it rather than blocking indefinitely (SPEC_FULL §C.4);
// a zero drainTimeout (the spec's plain terminate()) returns immediately.
func (s closingState) drain(c *Context) {
	if s.drainTimeout <= 0 || c.Tracker == nil {
		return
	}
	deadline := time.Now().Add(s.drainTimeout)
	for c.Tracker.TotalPending() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}
}

func (closingState) OnExit(c *Context) {}

func (closingState) Handle(c *Context, msg interface{}) {
	// Closing ignores every further input except its own goroutine's
	// completion, which switches state directly; stray watcher/timer
	// fires racing the shutdown are expected and harmless to drop.
	_ = msg
}
