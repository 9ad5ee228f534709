package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/internal/noplog"
	"github.com/flora131/agenthub/stream"
	"github.com/flora131/agenthub/subagent"
)

// Sentinel errors for adapter misuse.
var (
	ErrAlreadyStreaming = errors.New("adapter is already streaming")
	ErrDisposed         = errors.New("adapter is disposed")
)

// turnSignal resolves the synthesized completion: an idle event, an error
// event, or cancellation.
type turnSignal struct {
	err error
}

// Adapter streams one turn of a push-based Cursor client onto the bus.
// Outbound events flow translator -> buffer -> gate -> bus, so bursts are
// absorbed before the bus and a Dispose cuts everything off at the gate.
type Adapter struct {
	client    Client
	gate      *stream.Gate
	buffer    *stream.Buffer
	logger    *slog.Logger
	tr        *stream.Translator
	cancel    context.CancelFunc
	unsubs    []func()
	sessionID string
	bufCap    int
	mu        sync.Mutex
	streaming bool
	disposed  bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithBufferCapacity overrides the backpressure buffer capacity.
func WithBufferCapacity(n int) Option {
	return func(a *Adapter) { a.bufCap = n }
}

// NewAdapter binds a backend client to the bus.
func NewAdapter(pub bus.Publisher, client Client, sessionID string, opts ...Option) *Adapter {
	a := &Adapter{
		client:    client,
		sessionID: sessionID,
		logger:    noplog.Logger,
		bufCap:    stream.DefaultBufferCapacity,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.gate = stream.NewGate(pub)
	a.buffer = stream.NewBuffer(a.gate,
		stream.WithBufferCapacity(a.bufCap),
		stream.WithBufferLogger(a.logger),
	)
	return a
}

// StartStreaming registers one handler per native event name, drives the
// send call, and waits for the side-channel idle or error signal (or
// cancellation). Cancellation stops translation of further events, but
// events already buffered still drain.
func (a *Adapter) StartStreaming(ctx context.Context, message string, opts stream.StartOptions) error {
	tr, runCtx, err := a.begin(ctx, opts)
	if err != nil {
		return err
	}
	defer a.end()

	done := make(chan turnSignal, 1)
	a.subscribe(runCtx, tr, done)
	defer a.unsubscribeAll()

	if err := a.client.Send(runCtx, message); err != nil {
		if !isAbort(runCtx, err) {
			tr.Error(err.Error(), "send")
		}
		tr.Finish()
		a.buffer.Drain()
		return err
	}

	var turnErr error
	select {
	case sig := <-done:
		turnErr = sig.err
	case <-runCtx.Done():
		// aborted: not an error condition
	}

	tr.Finish()
	a.buffer.Drain()
	return turnErr
}

// Dispose cancels in-flight consumption, unregisters all client handlers,
// and seals the publish gate. Idempotent, never panics.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	cancel := a.cancel
	a.cancel = nil
	tr := a.tr
	a.tr = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.unsubscribeAll()
	a.gate.Close()
	if tr != nil {
		tr.Reset()
	}
}

func (a *Adapter) begin(ctx context.Context, opts stream.StartOptions) (*stream.Translator, context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return nil, nil, ErrDisposed
	}
	if a.streaming {
		return nil, nil, ErrAlreadyStreaming
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.streaming = true

	tracker := subagent.NewTracker(a.buffer, a.sessionID, opts.RunID)
	trOpts := []stream.TranslatorOption{
		stream.WithTracker(tracker),
		stream.WithTranslatorLogger(a.logger),
	}
	if opts.Agent != nil {
		trOpts = append(trOpts, stream.WithAgentID(opts.Agent.ID))
	}
	a.tr = stream.NewTranslator(a.buffer, a.sessionID, opts.RunID, trOpts...)
	return a.tr, runCtx, nil
}

func (a *Adapter) end() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.streaming = false
	a.mu.Unlock()
}

// subscribe registers one handler per native event name. Each handler checks
// cancellation before translating so no chunk is translated after abort.
func (a *Adapter) subscribe(ctx context.Context, tr *stream.Translator, done chan<- turnSignal) {
	on := func(name string, fn func(Event)) {
		unsub := a.client.On(name, func(ev Event) {
			if ctx.Err() != nil {
				return
			}
			fn(ev)
		})
		a.mu.Lock()
		a.unsubs = append(a.unsubs, unsub)
		a.mu.Unlock()
	}

	on(EventTextDelta, func(ev Event) {
		tr.Text(str(ev.Data, "text"))
	})
	on(EventThinkingDelta, func(ev Event) {
		tr.Thinking(str(ev.Data, "sourceKey"), str(ev.Data, "thinking"))
	})
	on(EventThinkingComplete, func(ev Event) {
		tr.ThinkingComplete(str(ev.Data, "sourceKey"), integer(ev.Data, "durationMs"))
	})
	on(EventToolStarted, func(ev Event) {
		tr.ToolStart(str(ev.Data, "toolName"), ev.Data["input"], ev.Data)
	})
	on(EventToolCompleted, func(ev Event) {
		tr.ToolComplete(str(ev.Data, "toolName"), ev.Data["result"], boolean(ev.Data, "isError"), ev.Data)
	})
	on(EventUsageUpdated, func(ev Event) {
		tr.Usage(int(integer(ev.Data, "inputTokens")), int(integer(ev.Data, "outputTokens")))
	})
	on(EventAgentStarted, func(ev Event) {
		tr.AgentStart(str(ev.Data, "agentId"), str(ev.Data, "agentType"), str(ev.Data, "task"), ev.Data)
	})
	on(EventAgentCompleted, func(ev Event) {
		tr.AgentComplete(str(ev.Data, "agentId"), !boolean(ev.Data, "isError"))
	})
	on(EventAgentTool, func(ev Event) {
		if boolean(ev.Data, "done") {
			tr.AgentToolComplete(str(ev.Data, "agentId"))
			return
		}
		tr.AgentToolStart(str(ev.Data, "agentId"), str(ev.Data, "toolName"))
	})
	on(EventIdle, func(ev Event) {
		tr.Idle(str(ev.Data, "reason"))
		select {
		case done <- turnSignal{}:
		default:
		}
	})
	on(EventError, func(ev Event) {
		msg := str(ev.Data, "message")
		if msg == "" {
			msg = "session error"
		}
		tr.Error(msg, "session")
		select {
		case done <- turnSignal{err: fmt.Errorf("session error: %s", msg)}:
		default:
		}
	})
}

func (a *Adapter) unsubscribeAll() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// str reads a string field, tolerating absence and wrong types.
func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// boolean reads a bool field, tolerating absence and wrong types.
func boolean(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// integer reads a numeric field; JSON decoding yields float64, native
// producers may use int variants.
func integer(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
