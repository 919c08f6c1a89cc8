package session

import (
	"time"

	"github.com/flowbroker/substream/internal/coordination"
	"github.com/flowbroker/substream/internal/partition"
)

// Session is the facade (C9): a builder-configured entry point exposing
// Stream (blocking run) and Terminate (spec.md §4.9).
type Session struct {
	loop *Loop
	ctx  *Context
}

// Stream runs the session loop until it reaches Dead. It blocks the
// calling goroutine — callers run it on its own goroutine per connection.
func (s *Session) Stream() error {
	s.loop.Run()
	return s.ctx.CloseReason
}

// Terminate requests a cooperative shutdown; it enqueues a transition to
// Closing(nil) and returns immediately (spec.md §4.9, §5: "expected to
// complete within the next keep-alive tick").
func (s *Session) Terminate() {
	s.ctx.Post(MsgTerminate{})
}

// TerminateWithDrain requests a shutdown in which Closing waits up to
// drainTimeout while commits are still pending before it unregisters the
// session (SPEC_FULL §C.4; see closingState for the wait's limits).
func (s *Session) TerminateWithDrain(drainTimeout time.Duration) {
	s.ctx.Post(MsgTerminate{DrainTimeout: drainTimeout})
}

// Commit delivers a client commit acknowledgement synchronously: it
// enqueues the request onto the loop and blocks for the per-cursor result
// (spec.md §4.7 item (f), §7 "client error ... surfaced synchronously").
func (s *Session) Commit(cursor partition.Cursor) bool {
	reply := make(chan bool, 1)
	s.ctx.Post(MsgClientCommit{Cursor: cursor, Reply: reply})
	return <-reply
}

// ReportUnprocessable routes a downstream consumer's failure report into
// the DLQHandler (spec.md §4.8).
func (s *Session) ReportUnprocessable(ev partition.ConsumedEvent, reason string) {
	s.ctx.Post(MsgUnprocessableEvent{Event: ev, Reason: reason})
}

// SessionID returns the identity assigned at construction.
func (s *Session) SessionID() string { return s.ctx.SessionID }

func coordinationSession(c *Context) coordination.Session {
	return coordination.Session{
		SessionID:      c.SessionID,
		SubscriptionID: c.SubscriptionID,
		ClientID:       c.ClientID,
	}
}
