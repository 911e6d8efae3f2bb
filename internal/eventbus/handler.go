package eventbus

import (
	"context"

	"github.com/j3soon/orthanc/internal/types"
)

// Listener observes change records delivered after a write transaction
// commits. Listeners are called in priority order (lower value first) for
// the change kinds they declare.
type Listener interface {
	// ID returns a unique identifier for this listener.
	ID() string

	// Handles returns the change kinds this listener observes. A nil or
	// empty slice means "every kind".
	Handles() []types.ChangeKind

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle observes a single change. Returning an error is logged and
	// skipped — it never blocks commit nor other listeners.
	Handle(ctx context.Context, change types.Change, result *Result) error
}
