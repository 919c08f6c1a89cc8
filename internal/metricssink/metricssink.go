// Package metricssink declares the metrics-sink collaborator
// (spec.md §1, "Out of scope ... metrics sinks"; SPEC_FULL §C.2). The core
// holds a reference to a Sink, never a global registry (Design Note 9,
// "Global feature toggle / metric registry passed by reference through the
// context, not statically reached").
package metricssink

// Sink receives point-in-time observations from the session loop. A nil
// Sink is never passed around; callers that don't want metrics use NoOp().
type Sink interface {
	CommitAccepted(subscriptionID string, partitionEventType string, lag int64)
	SessionClosed(subscriptionID, reason string)
}

type noop struct{}

func (noop) CommitAccepted(string, string, int64) {}
func (noop) SessionClosed(string, string)         {}

// NoOp returns a Sink that discards every observation.
func NoOp() Sink { return noop{} }
