// Package codex adapts the hybrid "fire-and-await" Codex backend: the
// prompt is fired without a per-token stream, and all content (including
// text and thinking deltas) arrives exclusively through side-channel events.
// For backends lacking the async fire capability, a fallback mode consumes a
// pull-based chunk stream with transparent retry of transient transport
// errors.
package codex

import "context"

// Native side-channel notification names.
const (
	NotifyTextDelta      = "codex/event/agent_message_delta"
	NotifyThinkingDelta  = "codex/event/agent_reasoning_delta"
	NotifyThinkingDone   = "codex/event/agent_reasoning_complete"
	NotifyToolBegin      = "codex/event/tool_begin"
	NotifyToolEnd        = "codex/event/tool_end"
	NotifyTokenCount     = "codex/event/token_count"
	NotifyAgentSpawned   = "codex/event/collab_agent_spawned"
	NotifyAgentFinished  = "codex/event/collab_agent_finished"
	NotifyAgentToolBegin = "codex/event/collab_tool_begin"
	NotifyAgentToolEnd   = "codex/event/collab_tool_end"
	NotifyIdle           = "codex/event/task_complete"
	NotifyError          = "codex/event/error"
)

// Event is a native side-channel event.
type Event struct {
	Data      map[string]any
	Type      string
	SessionID string
	Timestamp int64
}

// EventSource is the side-channel the adapter subscribes to.
type EventSource interface {
	On(eventName string, handler func(Event)) (unsubscribe func())
}

// Session is the async-fire backend session. Fire submits the prompt and
// returns once the backend has accepted it; completion is signaled only
// through the side channel.
type Session interface {
	Fire(ctx context.Context, message string) error
}
