package bus

import "time"

// EventType discriminates between normalized event kinds. The set is closed:
// adapters never publish types outside this list.
type EventType string

const (
	// EventTextDelta fires for each non-empty streamed text fragment.
	EventTextDelta EventType = "text.delta"
	// EventTextComplete fires once per turn with the full accumulated text.
	EventTextComplete EventType = "text.complete"
	// EventThinkingDelta fires for each streamed reasoning fragment.
	EventThinkingDelta EventType = "thinking.delta"
	// EventThinkingComplete fires when a thinking block closes.
	EventThinkingComplete EventType = "thinking.complete"
	// EventToolStart fires when a tool invocation begins.
	EventToolStart EventType = "tool.start"
	// EventToolComplete fires when a tool invocation finishes.
	EventToolComplete EventType = "tool.complete"
	// EventUsage fires on cumulative token usage updates.
	EventUsage EventType = "usage"
	// EventAgentStart fires when a first-level sub-agent spawns.
	EventAgentStart EventType = "agent.start"
	// EventAgentUpdate fires on sub-agent tool progress snapshots.
	EventAgentUpdate EventType = "agent.update"
	// EventAgentComplete fires when a sub-agent finishes.
	EventAgentComplete EventType = "agent.complete"
	// EventSessionIdle fires when a backend reports the session went idle.
	EventSessionIdle EventType = "session.idle"
	// EventSessionError fires on terminal stream errors.
	EventSessionError EventType = "session.error"
	// EventSessionRetry is an advisory fired before a transient-error retry sleep.
	EventSessionRetry EventType = "session.retry"
)

// Event is the immutable envelope published to the bus. Consumers compare
// RunID against their current turn to discard stale events from superseded
// turns.
type Event struct {
	Data      any
	Type      EventType
	SessionID string
	RunID     int64
	Timestamp int64
}

// NewEvent builds an envelope stamped with the current wall clock (epoch ms).
func NewEvent(t EventType, sessionID string, runID int64, data any) Event {
	return Event{
		Type:      t,
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// TextDeltaData carries one streamed text fragment.
type TextDeltaData struct {
	Delta string
	// AgentID attributes the fragment to a sub-agent, empty for the top level.
	AgentID string
}

// TextCompleteData carries the full concatenation of all prior deltas in
// emission order.
type TextCompleteData struct {
	FullText string
	AgentID  string
}

// ThinkingDeltaData carries one streamed reasoning fragment.
type ThinkingDeltaData struct {
	Delta string
	// SourceKey identifies the originating thinking block ("default" when the
	// backend does not key its blocks).
	SourceKey string
	AgentID   string
}

// ThinkingCompleteData closes a thinking block.
type ThinkingCompleteData struct {
	SourceKey  string
	AgentID    string
	DurationMs int64
}

// ToolStartData announces a tool invocation. ToolID is the canonical identity
// reused by the matching ToolCompleteData.
type ToolStartData struct {
	Input   map[string]any
	ToolID  string
	Name    string
	AgentID string
}

// ToolCompleteData finishes a tool invocation. Success is the absence of an
// error marker on the native result.
type ToolCompleteData struct {
	Result  any
	ToolID  string
	Name    string
	Error   string
	AgentID string
	Success bool
}

// UsageData carries cumulative token counts for the adapter lifetime.
type UsageData struct {
	InputTokens  int
	OutputTokens int
	AgentID      string
}

// AgentStartData announces a first-level sub-agent.
type AgentStartData struct {
	AgentID string
	// ToolID links the sub-agent back to the tool call that spawned it.
	ToolID    string
	AgentType string
	Task      string
}

// AgentUpdateData is a sub-agent tool progress snapshot.
type AgentUpdateData struct {
	AgentID     string
	CurrentTool string
	ToolCount   int
}

// AgentCompleteData finishes a sub-agent.
type AgentCompleteData struct {
	AgentID   string
	ToolCount int
	Success   bool
}

// SessionIdleData reports a backend idle signal.
type SessionIdleData struct {
	Reason string
}

// SessionErrorData reports a terminal stream error.
type SessionErrorData struct {
	Message string
	Context string
}

// RetryData is broadcast before a backoff sleep so observers can show
// "retrying in Ns" feedback. Not persisted.
type RetryData struct {
	Message     string
	Attempt     int
	DelayMs     int64
	NextRetryAt int64
}
