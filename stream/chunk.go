package stream

import "context"

// ChunkType is the closed tag set for pull-based backend chunks. Unknown
// tags fall into the explicit ignored arm of Apply rather than being
// field-accessed blindly.
type ChunkType int

const (
	// ChunkUnknown is the zero value; such chunks are ignored.
	ChunkUnknown ChunkType = iota
	// ChunkText is a streamed text delta.
	ChunkText
	// ChunkThinking is a streamed reasoning delta, or — when Content is empty
	// and DurationMs set — the terminal marker closing a thinking block.
	ChunkThinking
	// ChunkToolUse starts a tool invocation.
	ChunkToolUse
	// ChunkToolResult finishes a tool invocation.
	ChunkToolResult
	// ChunkUsage reports cumulative token usage.
	ChunkUsage
	// ChunkAgentStart reports a sub-agent spawn.
	ChunkAgentStart
	// ChunkAgentStop reports a sub-agent finishing.
	ChunkAgentStop
	// ChunkAgentTool reports sub-agent tool progress.
	ChunkAgentTool
)

// Chunk is one item of a backend's lazy chunk sequence, already decoded into
// the shared tagged-union shape. Meta carries the raw native fields so ID
// resolution can run its prioritized lookup over whatever the backend sent.
type Chunk struct {
	Input        any
	Result       any
	Meta         map[string]any
	Content      string
	SourceKey    string
	ToolName     string
	AgentID      string
	AgentType    string
	Task         string
	Type         ChunkType
	DurationMs   int64
	InputTokens  int
	OutputTokens int
	IsError      bool
	AgentDone    bool
	AgentOK      bool
}

// Stream is a backend-provided lazy chunk sequence. Next blocks until a
// chunk is available and returns io.EOF when the turn's sequence ends.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
}

// Apply dispatches one chunk to the matching translation rule. Unknown tags
// are ignored.
func Apply(t *Translator, c Chunk) {
	switch c.Type {
	case ChunkText:
		t.Text(c.Content)
	case ChunkThinking:
		if c.Content == "" && c.DurationMs > 0 {
			t.ThinkingComplete(c.SourceKey, c.DurationMs)
			return
		}
		t.Thinking(c.SourceKey, c.Content)
	case ChunkToolUse:
		t.ToolStart(c.ToolName, c.Input, c.Meta)
	case ChunkToolResult:
		t.ToolComplete(c.ToolName, c.Result, c.IsError, c.Meta)
	case ChunkUsage:
		t.Usage(c.InputTokens, c.OutputTokens)
	case ChunkAgentStart:
		t.AgentStart(c.AgentID, c.AgentType, c.Task, c.Meta)
	case ChunkAgentStop:
		t.AgentComplete(c.AgentID, c.AgentOK)
	case ChunkAgentTool:
		if c.AgentDone {
			t.AgentToolComplete(c.AgentID)
			return
		}
		t.AgentToolStart(c.AgentID, c.ToolName)
	case ChunkUnknown:
		// ignored
	}
}
