// Package claude adapts the pull-based Claude backend: the session hands
// back a lazy chunk sequence for each query, and the adapter iterates it to
// completion, translating every chunk into normalized bus events. The
// package also provides the nested sub-agent adapter used when a turn spawns
// Task-style sub-agents with their own streams.
package claude

import (
	"context"

	"github.com/flora131/agenthub/stream"
)

// Session is the backend session consumed by the adapter. Implementations
// wrap the vendor SDK; tests supply doubles.
type Session interface {
	// Query sends one user message and returns the lazy chunk sequence for
	// the resulting turn. The sequence ends with io.EOF.
	Query(ctx context.Context, message string) (stream.Stream, error)
}
