package cursor

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type capture struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *capture) Publish(ev bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) all() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Event(nil), c.events...)
}

func (c *capture) types() []bus.EventType {
	var out []bus.EventType
	for _, ev := range c.all() {
		out = append(out, ev.Type)
	}
	return out
}

// fakeClient replays a scripted event sequence synchronously inside Send.
type fakeClient struct {
	script   []Event
	handlers map[string][]func(Event)
	sendErr  error
	mu       sync.Mutex
}

func newFakeClient(script ...Event) *fakeClient {
	return &fakeClient{script: script, handlers: make(map[string][]func(Event))}
}

func (c *fakeClient) On(name string, handler func(Event)) func() {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], handler)
	idx := len(c.handlers[name]) - 1
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		hs := c.handlers[name]
		if idx < len(hs) {
			hs[idx] = func(Event) {}
		}
	}
}

func (c *fakeClient) Send(ctx context.Context, message string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	for _, ev := range c.script {
		c.emit(ev)
	}
	return nil
}

func (c *fakeClient) emit(ev Event) {
	c.mu.Lock()
	hs := append(([]func(Event))(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func TestStartStreaming_PushFlow(t *testing.T) {
	sink := &capture{}
	client := newFakeClient(
		Event{Type: EventThinkingDelta, Data: map[string]any{"sourceKey": "blk", "thinking": "hmm"}},
		Event{Type: EventThinkingComplete, Data: map[string]any{"sourceKey": "blk", "durationMs": float64(25)}},
		Event{Type: EventTextDelta, Data: map[string]any{"text": "Hi"}},
		Event{Type: EventToolStarted, Data: map[string]any{"toolName": "bash", "toolCallId": "c1", "input": map[string]any{"command": "ls"}}},
		Event{Type: EventToolCompleted, Data: map[string]any{"toolName": "bash", "toolCallId": "c1", "result": "ok"}},
		Event{Type: EventUsageUpdated, Data: map[string]any{"inputTokens": float64(8), "outputTokens": float64(3)}},
		Event{Type: EventIdle, Data: map[string]any{"reason": "turn complete"}},
	)
	a := NewAdapter(sink, client, "sess-1")

	if err := a.StartStreaming(context.Background(), "go", stream.StartOptions{RunID: 1}); err != nil {
		t.Fatalf("StartStreaming = %v, want nil", err)
	}

	want := []bus.EventType{
		bus.EventThinkingDelta,
		bus.EventThinkingComplete,
		bus.EventTextDelta,
		bus.EventToolStart,
		bus.EventToolComplete,
		bus.EventUsage,
		bus.EventSessionIdle,
		bus.EventTextComplete,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}

	for _, ev := range sink.all() {
		if d, ok := ev.Data.(bus.ToolStartData); ok {
			if d.ToolID != "c1" {
				t.Fatalf("tool.start ToolID = %q, want c1", d.ToolID)
			}
		}
		if d, ok := ev.Data.(bus.ToolCompleteData); ok {
			if d.ToolID != "c1" || !d.Success {
				t.Fatalf("tool.complete = %+v", d)
			}
		}
	}
}

func TestStartStreaming_ErrorEvent(t *testing.T) {
	sink := &capture{}
	client := newFakeClient(
		Event{Type: EventTextDelta, Data: map[string]any{"text": "partial"}},
		Event{Type: EventError, Data: map[string]any{"message": "backend exploded"}},
	)
	a := NewAdapter(sink, client, "sess-1")

	err := a.StartStreaming(context.Background(), "go", stream.StartOptions{RunID: 1})
	if err == nil {
		t.Fatal("StartStreaming = nil, want error from error event")
	}

	var sawError bool
	for _, ev := range sink.all() {
		if ev.Type == bus.EventSessionError {
			sawError = true
			data := ev.Data.(bus.SessionErrorData)
			if data.Message != "backend exploded" {
				t.Fatalf("session.error message = %q", data.Message)
			}
		}
	}
	if !sawError {
		t.Fatal("no session.error published")
	}
}

func TestStartStreaming_SendError(t *testing.T) {
	sink := &capture{}
	client := newFakeClient()
	client.sendErr = context.DeadlineExceeded
	a := NewAdapter(sink, client, "sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.StartStreaming(ctx, "go", stream.StartOptions{RunID: 1}); err == nil {
		t.Fatal("StartStreaming = nil, want send error")
	}
	// aborted send publishes nothing
	if got := sink.types(); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}
}

func TestStartStreaming_BufferBoundsBurst(t *testing.T) {
	sink := &capture{}
	script := make([]Event, 0, 6)
	for i := 0; i < 5; i++ {
		script = append(script, Event{Type: EventTextDelta, Data: map[string]any{"text": "x"}})
	}
	script = append(script, Event{Type: EventIdle, Data: map[string]any{}})
	a := NewAdapter(sink, newFakeClient(script...), "sess-1", WithBufferCapacity(2))

	if err := a.StartStreaming(context.Background(), "go", stream.StartOptions{RunID: 1}); err != nil {
		t.Fatalf("StartStreaming = %v, want nil", err)
	}

	// each publish drains immediately here, so nothing is dropped even with a
	// tiny capacity
	deltas := 0
	for _, typ := range sink.types() {
		if typ == bus.EventTextDelta {
			deltas++
		}
	}
	if deltas != 5 {
		t.Fatalf("text deltas = %d, want 5", deltas)
	}
}

func TestDispose_StopsTranslationAndPublishes(t *testing.T) {
	sink := &capture{}
	client := newFakeClient()
	a := NewAdapter(sink, client, "sess-1")

	a.Dispose()
	if err := a.StartStreaming(context.Background(), "go", stream.StartOptions{RunID: 1}); err != ErrDisposed {
		t.Fatalf("StartStreaming after dispose = %v, want ErrDisposed", err)
	}
	a.Dispose()
	if got := sink.types(); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}
}

func TestCoercionHelpers(t *testing.T) {
	m := map[string]any{
		"s":  "text",
		"b":  true,
		"f":  float64(7),
		"i":  42,
		"i6": int64(9),
	}
	if got := str(m, "s"); got != "text" {
		t.Fatalf("str = %q", got)
	}
	if got := str(m, "missing"); got != "" {
		t.Fatalf("str(missing) = %q", got)
	}
	if !boolean(m, "b") || boolean(m, "missing") {
		t.Fatal("boolean coercion failed")
	}
	if integer(m, "f") != 7 || integer(m, "i") != 42 || integer(m, "i6") != 9 || integer(m, "missing") != 0 {
		t.Fatal("integer coercion failed")
	}
	if str(nil, "k") != "" || boolean(nil, "k") || integer(nil, "k") != 0 {
		t.Fatal("nil map coercion failed")
	}
}
