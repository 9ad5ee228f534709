package stream

import (
	"sync"
	"testing"

	"github.com/flora131/agenthub/bus"
)

func TestGate_PassesWhileOpen(t *testing.T) {
	sink := &capture{}
	g := NewGate(sink)

	g.Publish(delta("a"))
	if len(sink.events) != 1 {
		t.Fatalf("delivered %d, want 1", len(sink.events))
	}
}

func TestGate_DropsAfterClose(t *testing.T) {
	sink := &capture{}
	g := NewGate(sink)

	g.Publish(delta("a"))
	g.Close()
	g.Publish(delta("b"))
	// close twice is fine
	g.Close()
	g.Publish(delta("c"))

	if len(sink.events) != 1 {
		t.Fatalf("delivered %d after close, want 1", len(sink.events))
	}
}

func TestGate_ConcurrentPublishAndClose(t *testing.T) {
	sink := &syncCapture{}
	g := NewGate(sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g.Publish(delta("x"))
			}
		}()
	}
	g.Close()
	after := sink.len()
	wg.Wait()

	// Close blocked on in-flight publishes, so nothing arrived after it
	// returned.
	if sink.len() != after {
		t.Fatalf("events grew from %d to %d after Close returned", after, sink.len())
	}
}

type syncCapture struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *syncCapture) Publish(ev bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *syncCapture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
