package stream

import (
	"testing"

	"github.com/flora131/agenthub/bus"
)

func TestApply_Dispatch(t *testing.T) {
	sink := &capture{}
	tr := NewTranslator(sink, "s1", 1)

	Apply(tr, Chunk{Type: ChunkText, Content: "hi"})
	Apply(tr, Chunk{Type: ChunkThinking, SourceKey: "blk", Content: "hmm"})
	Apply(tr, Chunk{Type: ChunkThinking, SourceKey: "blk", DurationMs: 40})
	Apply(tr, Chunk{Type: ChunkToolUse, ToolName: "bash", Meta: map[string]any{"toolUseId": "u1"}})
	Apply(tr, Chunk{Type: ChunkToolResult, ToolName: "bash", Result: "ok", Meta: map[string]any{"toolUseId": "u1"}})
	Apply(tr, Chunk{Type: ChunkUsage, InputTokens: 9, OutputTokens: 4})
	Apply(tr, Chunk{Type: ChunkUnknown, Content: "ignored"})

	want := []bus.EventType{
		bus.EventTextDelta,
		bus.EventThinkingDelta,
		bus.EventThinkingComplete,
		bus.EventToolStart,
		bus.EventToolComplete,
		bus.EventUsage,
	}
	if len(sink.events) != len(want) {
		t.Fatalf("published %d events, want %d", len(sink.events), len(want))
	}
	for i, w := range want {
		if sink.events[i].Type != w {
			t.Fatalf("event %d = %q, want %q", i, sink.events[i].Type, w)
		}
	}
}

// An empty-content thinking chunk with a duration is the terminal marker, not
// a delta.
func TestApply_ThinkingTerminalMarker(t *testing.T) {
	sink := &capture{}
	tr := NewTranslator(sink, "s1", 1)

	Apply(tr, Chunk{Type: ChunkThinking, SourceKey: "blk", DurationMs: 120})

	if len(sink.events) != 1 || sink.events[0].Type != bus.EventThinkingComplete {
		t.Fatalf("events = %v, want one thinking.complete", sink.events)
	}
	data := sink.events[0].Data.(bus.ThinkingCompleteData)
	if data.DurationMs != 120 {
		t.Fatalf("DurationMs = %d, want 120", data.DurationMs)
	}
}
