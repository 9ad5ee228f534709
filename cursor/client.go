// Package cursor adapts the push-based Cursor backend. The client delivers
// events by callback with no terminal "done" signal, so the adapter drives a
// send call and synthesizes completion from the side-channel idle/error
// events. Push delivery can outpace consumption; every outbound translation
// goes through the backpressure buffer rather than straight to the bus.
package cursor

import "context"

// Native event names delivered by the client.
const (
	EventTextDelta        = "message.delta"
	EventThinkingDelta    = "thinking.delta"
	EventThinkingComplete = "thinking.complete"
	EventToolStarted      = "tool.started"
	EventToolCompleted    = "tool.completed"
	EventUsageUpdated     = "usage.updated"
	EventAgentStarted     = "agent.started"
	EventAgentCompleted   = "agent.completed"
	EventAgentTool        = "agent.tool"
	EventIdle             = "session.idle"
	EventError            = "session.error"
)

// Event is a native client event. Data is the raw payload; field names vary
// by event and are parsed defensively.
type Event struct {
	Data      map[string]any
	Type      string
	SessionID string
	Timestamp int64
}

// Client is the backend event source consumed by the adapter. On registers a
// handler for one event name and returns its unsubscribe function; Send
// fires a user message without returning a stream.
type Client interface {
	On(eventName string, handler func(Event)) (unsubscribe func())
	Send(ctx context.Context, message string) error
}
