package subagent

import (
	"testing"

	"github.com/flora131/agenthub/bus"
)

type capture struct {
	events []bus.Event
}

func (c *capture) Publish(ev bus.Event) { c.events = append(c.events, ev) }

func TestTracker_ToolProgress(t *testing.T) {
	sink := &capture{}
	tr := NewTracker(sink, "s1", 1)
	tr.Register("agent-1")

	tr.OnToolStart("agent-1", "bash")
	tr.OnToolStart("agent-1", "grep")
	tr.OnToolComplete("agent-1")

	if len(sink.events) != 3 {
		t.Fatalf("published %d events, want 3", len(sink.events))
	}
	for _, ev := range sink.events {
		if ev.Type != bus.EventAgentUpdate {
			t.Fatalf("event type = %q, want agent.update", ev.Type)
		}
	}

	first := sink.events[0].Data.(bus.AgentUpdateData)
	if first.ToolCount != 1 || first.CurrentTool != "bash" {
		t.Fatalf("first snapshot = %+v, want count 1 tool bash", first)
	}
	second := sink.events[1].Data.(bus.AgentUpdateData)
	if second.ToolCount != 2 || second.CurrentTool != "grep" {
		t.Fatalf("second snapshot = %+v, want count 2 tool grep", second)
	}
	third := sink.events[2].Data.(bus.AgentUpdateData)
	if third.ToolCount != 2 || third.CurrentTool != "" {
		t.Fatalf("third snapshot = %+v, want count 2 current cleared", third)
	}
}

func TestTracker_UnregisteredIgnored(t *testing.T) {
	sink := &capture{}
	tr := NewTracker(sink, "s1", 1)

	tr.OnToolStart("ghost", "bash")
	tr.OnToolComplete("ghost")

	if len(sink.events) != 0 {
		t.Fatalf("published %d events for unregistered agent, want 0", len(sink.events))
	}
}

func TestTracker_RegisterResetsCounters(t *testing.T) {
	sink := &capture{}
	tr := NewTracker(sink, "s1", 1)
	tr.Register("a")
	tr.OnToolStart("a", "bash")

	tr.Register("a")
	st, ok := tr.Get("a")
	if !ok {
		t.Fatal("Get = not found")
	}
	if st.ToolCount != 0 || st.CurrentTool != "" {
		t.Fatalf("state after re-register = %+v, want zeroed", st)
	}
}

func TestTracker_Remove(t *testing.T) {
	sink := &capture{}
	tr := NewTracker(sink, "s1", 1)
	tr.Register("a")
	tr.OnToolStart("a", "bash")

	st, ok := tr.Remove("a")
	if !ok || st.ToolCount != 1 {
		t.Fatalf("Remove = (%+v, %v), want count 1", st, ok)
	}
	if _, ok := tr.Remove("a"); ok {
		t.Fatal("second Remove should report not found")
	}
	tr.OnToolStart("a", "bash")
	if len(sink.events) != 1 {
		t.Fatalf("published %d events, want 1 (removed agent ignored)", len(sink.events))
	}
}
