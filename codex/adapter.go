package codex

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

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

type turnSignal struct {
	err error
}

// streamFailure marks an error already reported as session.error by the
// side-channel handler, so the finalizer does not report it twice.
type streamFailure struct {
	msg string
}

func (e *streamFailure) Error() string { return e.msg }

// Adapter streams one turn of the hybrid Codex backend onto the bus. It
// races the completion signal (side-channel idle or error, or cancellation)
// against the fire call, finalizing only once the race settles.
type Adapter struct {
	session   Session
	source    EventSource
	gate      *stream.Gate
	logger    *slog.Logger
	tr        *stream.Translator
	cancel    context.CancelFunc
	unsubs    []func()
	sessionID string
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

// NewAdapter binds an async-fire session and its side channel to the bus.
func NewAdapter(pub bus.Publisher, session Session, source EventSource, sessionID string, opts ...Option) *Adapter {
	a := &Adapter{
		session:   session,
		source:    source,
		sessionID: sessionID,
		logger:    noplog.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.gate = stream.NewGate(pub)
	return a
}

// StartStreaming fires the prompt and awaits the side-channel completion.
func (a *Adapter) StartStreaming(ctx context.Context, message string, opts stream.StartOptions) error {
	tr, runCtx, err := a.begin(ctx, opts)
	if err != nil {
		return err
	}
	defer a.end()

	done := make(chan turnSignal, 1)
	a.subscribe(runCtx, tr, done)
	defer a.unsubscribeAll()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.session.Fire(gctx, message)
	})
	g.Go(func() error {
		select {
		case sig := <-done:
			return sig.err
		case <-gctx.Done():
			return nil
		}
	})

	turnErr := g.Wait()
	var reported *streamFailure
	switch {
	case isAbort(runCtx, turnErr):
		turnErr = nil
	case errors.As(turnErr, &reported):
		// already published as session.error by the handler
	case turnErr != nil:
		tr.Error(turnErr.Error(), "fire")
	}

	tr.Finish()
	return turnErr
}

// Dispose cancels in-flight consumption, removes the side-channel
// subscriptions, and seals the publish gate. Idempotent, never panics.
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

	tracker := subagent.NewTracker(a.gate, a.sessionID, opts.RunID)
	trOpts := []stream.TranslatorOption{
		stream.WithTracker(tracker),
		stream.WithTranslatorLogger(a.logger),
	}
	if opts.Agent != nil {
		trOpts = append(trOpts, stream.WithAgentID(opts.Agent.ID))
	}
	a.tr = stream.NewTranslator(a.gate, a.sessionID, opts.RunID, trOpts...)
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

func (a *Adapter) subscribe(ctx context.Context, tr *stream.Translator, done chan<- turnSignal) {
	on := func(name string, fn func(Event)) {
		unsub := a.source.On(name, func(ev Event) {
			if ctx.Err() != nil {
				return
			}
			fn(ev)
		})
		a.mu.Lock()
		a.unsubs = append(a.unsubs, unsub)
		a.mu.Unlock()
	}

	on(NotifyTextDelta, func(ev Event) {
		tr.Text(str(ev.Data, "delta"))
	})
	on(NotifyThinkingDelta, func(ev Event) {
		tr.Thinking(str(ev.Data, "sourceKey"), str(ev.Data, "delta"))
	})
	on(NotifyThinkingDone, func(ev Event) {
		tr.ThinkingComplete(str(ev.Data, "sourceKey"), integer(ev.Data, "thinkingMs"))
	})
	on(NotifyToolBegin, func(ev Event) {
		tr.ToolStart(str(ev.Data, "toolName"), ev.Data["input"], ev.Data)
	})
	on(NotifyToolEnd, func(ev Event) {
		tr.ToolComplete(str(ev.Data, "toolName"), ev.Data["output"], boolean(ev.Data, "isError"), ev.Data)
	})
	on(NotifyTokenCount, func(ev Event) {
		tr.Usage(int(integer(ev.Data, "inputTokens")), int(integer(ev.Data, "outputTokens")))
	})
	on(NotifyAgentSpawned, func(ev Event) {
		tr.AgentStart(str(ev.Data, "agentId"), str(ev.Data, "agentType"), str(ev.Data, "task"), ev.Data)
	})
	on(NotifyAgentFinished, func(ev Event) {
		tr.AgentComplete(str(ev.Data, "agentId"), !boolean(ev.Data, "isError"))
	})
	on(NotifyAgentToolBegin, func(ev Event) {
		tr.AgentToolStart(str(ev.Data, "agentId"), str(ev.Data, "toolName"))
	})
	on(NotifyAgentToolEnd, func(ev Event) {
		tr.AgentToolComplete(str(ev.Data, "agentId"))
	})
	on(NotifyIdle, func(ev Event) {
		tr.Idle(str(ev.Data, "reason"))
		select {
		case done <- turnSignal{}:
		default:
		}
	})
	on(NotifyError, func(ev Event) {
		msg := str(ev.Data, "message")
		if msg == "" {
			msg = "stream error"
		}
		tr.Error(msg, "side_channel")
		select {
		case done <- turnSignal{err: &streamFailure{msg: msg}}:
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
	if ctx.Err() != nil {
		return true
	}
	return err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func boolean(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

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
