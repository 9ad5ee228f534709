package bus

import "sync"

// Recorder captures an ordered transcript of published events. It is a plain
// wildcard subscriber, useful for inspection and tests; nothing is persisted.
type Recorder struct {
	unsubscribe func()
	events      []Event
	mu          sync.Mutex
}

// NewRecorder attaches a recorder to the bus. Call Close to detach.
func NewRecorder(b *Bus) *Recorder {
	r := &Recorder{}
	r.unsubscribe = b.SubscribeAll(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

// Events returns a copy of the transcript in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByType returns the recorded events of one type, in publish order.
func (r *Recorder) ByType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Close detaches the recorder from the bus. Idempotent.
func (r *Recorder) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}
