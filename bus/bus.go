// Package bus implements the typed publish/subscribe hub through which all
// normalized agent events reach consumers. The bus owns no domain state: it
// is a pure synchronous fan-out with no buffering, ordering repair, or retry.
package bus

import (
	"log/slog"
	"sync"

	"github.com/flora131/agenthub/internal/noplog"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; a slow handler stalls the publisher.
type Handler func(Event)

// Publisher is anything events can be published to: the bus itself, or an
// intermediary such as a backpressure buffer or a disposal gate.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	handler Handler
	id      int
}

// Bus delivers each published event to all subscribers registered for its
// type plus all wildcard subscribers, in registration order. A panic in one
// handler is isolated and logged; delivery continues with the next handler.
type Bus struct {
	logger   *slog.Logger
	byType   map[EventType][]subscriber
	wildcard []subscriber
	nextID   int
	mu       sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler panic reports.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		byType: make(map[EventType][]subscriber),
		logger: noplog.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.byType[t] = append(b.byType[t], subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[t] = removeSubscriber(b.byType[t], id)
	}
}

// SubscribeAll registers a wildcard handler receiving every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.wildcard = append(b.wildcard, subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeSubscriber(b.wildcard, id)
	}
}

// Publish delivers the event synchronously to typed subscribers first, then
// wildcard subscribers, each group in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	typed := append([]subscriber(nil), b.byType[ev.Type]...)
	wild := append([]subscriber(nil), b.wildcard...)
	b.mu.Unlock()

	for _, s := range typed {
		b.dispatch(s, ev)
	}
	for _, s := range wild {
		b.dispatch(s, ev)
	}
}

// dispatch runs one handler with panic isolation.
func (b *Bus) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				"type", ev.Type,
				"panic", r,
			)
		}
	}()
	s.handler(ev)
}

func removeSubscriber(subs []subscriber, id int) []subscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
