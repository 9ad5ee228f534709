package stream

import (
	"log/slog"
	"sync"

	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/internal/noplog"
)

// DefaultBufferCapacity bounds the backpressure buffer when the caller does
// not configure one.
const DefaultBufferCapacity = 1000

// Buffer is a bounded FIFO of pending outbound events, protecting the bus
// from burst delivery in push-based backends. When full, the oldest event is
// dropped (never the newest) and a warning logged. Draining publishes in
// strict FIFO order; a failure publishing one event does not halt the drain
// of subsequent events.
type Buffer struct {
	target   bus.Publisher
	logger   *slog.Logger
	queue    []bus.Event
	capacity int
	mu       sync.Mutex
	draining bool
}

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithBufferCapacity overrides the default capacity.
func WithBufferCapacity(n int) BufferOption {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithBufferLogger sets the logger used for drop warnings.
func WithBufferLogger(l *slog.Logger) BufferOption {
	return func(b *Buffer) { b.logger = l }
}

// NewBuffer creates a buffer flushing into target.
func NewBuffer(target bus.Publisher, opts ...BufferOption) *Buffer {
	b := &Buffer{
		target:   target,
		capacity: DefaultBufferCapacity,
		logger:   noplog.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends the event and drains. Implements Publisher so a translator
// can write through the buffer transparently.
func (b *Buffer) Publish(ev bus.Event) {
	b.Push(ev)
	b.Drain()
}

// Push appends an event without draining. Over capacity, the oldest queued
// event is dropped.
func (b *Buffer) Push(ev bus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(b.queue, ev)
	if len(b.queue) > b.capacity {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		b.logger.Warn("backpressure buffer full, dropping oldest event",
			"dropped_type", dropped.Type,
			"capacity", b.capacity,
		)
	}
}

// Drain flushes queued events to the target in FIFO order. Reentrant calls
// while a drain is running return immediately; the running drain picks up
// events pushed in the meantime.
func (b *Buffer) Drain() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(ev)
	}
}

// Len reports the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// deliver publishes one event, isolating failures so they cannot halt the
// drain loop.
func (b *Buffer) deliver(ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("publish failed during drain",
				"type", ev.Type,
				"panic", r,
			)
		}
	}()
	b.target.Publish(ev)
}
