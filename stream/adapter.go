// Package stream defines the contract shared by all backend adapters and the
// pieces they compose: the translation engine that turns native backend
// signals into normalized bus events, and the bounded backpressure buffer
// used by push-based backends.
//
// Each adapter owns its backend session, its translator, and any buffer for
// the duration of one StartStreaming call. Adapter-local state is reset at
// call start and cleared on Dispose; no two adapters share mutable state, so
// no cross-adapter synchronization exists.
package stream

import (
	"context"
	"sync"

	"github.com/flora131/agenthub/bus"
)

// Adapter consumes a backend's native stream for exactly one turn and
// publishes normalized events to the bus. Implementations bind their backend
// session at construction time.
type Adapter interface {
	// StartStreaming consumes the backend's events for one turn and returns
	// when the turn is logically complete (success, error, or abort). It must
	// not be invoked concurrently on the same instance; re-entry requires the
	// instance to have cleared its prior subscriptions first.
	StartStreaming(ctx context.Context, message string, opts StartOptions) error

	// Dispose cancels in-flight consumption, unregisters all backend
	// subscriptions, and clears adapter-local state. Idempotent, never
	// panics, and safe to call from any point: no bus publishes occur after
	// it returns.
	Dispose()
}

// AgentInfo identifies a sub-agent when an adapter streams on its behalf.
type AgentInfo struct {
	ID   string
	Type string
	Task string
}

// StartOptions scope one StartStreaming call.
type StartOptions struct {
	// Agent is set when streaming for a nested sub-agent; events are then
	// published under the parent session with this agent's ID in the payload.
	Agent *AgentInfo
	// MessageID identifies the outbound message on backends that need one.
	MessageID string
	// RunID is the monotonic identifier of the logical turn. Consumers use it
	// to discard events from superseded turns.
	RunID int64
}

// Gate sits between an adapter and its outbound publisher, enforcing the
// Dispose guarantee: once closed, no event passes, and Close does not return
// while a publish is still in flight. Each adapter owns one gate for its
// lifetime.
type Gate struct {
	target bus.Publisher
	mu     sync.RWMutex
	closed bool
}

// NewGate wraps target.
func NewGate(target bus.Publisher) *Gate {
	return &Gate{target: target}
}

// Publish forwards the event unless the gate is closed.
func (g *Gate) Publish(ev bus.Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	g.target.Publish(ev)
}

// Close seals the gate. Blocks until in-flight publishes have drained, so
// after Close returns no further events reach the target. Idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
