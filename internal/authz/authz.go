// Package authz declares the authorization policy engine collaborator
// (spec.md §1, "Out of scope ... authorization policy engine"). The
// session core depends only on this interface.
package authz

import (
	"context"
	"io"

	"github.com/flowbroker/substream/internal/partition"
)

// Checker decides whether a single event may be delivered to a given
// client/subscription (spec.md §4.6 step 4), and whether authorization
// updates for an event-type should trigger a recheck (spec.md §4.2,
// Streaming state item (g)).
type Checker interface {
	// Authorize reports whether ev may be delivered for subscriptionID.
	Authorize(ctx context.Context, subscriptionID string, ev partition.ConsumedEvent) (bool, error)
	// SubscribeForAuthorizationUpdates registers a callback fired when the
	// authorization policy for eventType changes; the callback must only
	// enqueue work onto the session loop, matching the watcher contract in
	// internal/coordination.
	SubscribeForAuthorizationUpdates(ctx context.Context, eventType string, callback func()) (io.Closer, error)
}
