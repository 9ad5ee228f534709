package claude

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/internal/noplog"
	"github.com/flora131/agenthub/stream"
	"github.com/flora131/agenthub/subagent"
)

// Adapter streams one turn of a pull-based Claude session onto the bus.
type Adapter struct {
	session   Session
	pub       bus.Publisher
	gate      *stream.Gate
	logger    *slog.Logger
	tr        *stream.Translator
	cancel    context.CancelFunc
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

// NewAdapter binds a backend session to the bus. The adapter owns its
// correlation maps, thinking blocks, and text accumulator for the duration
// of each StartStreaming call.
func NewAdapter(pub bus.Publisher, session Session, sessionID string, opts ...Option) *Adapter {
	a := &Adapter{
		session:   session,
		pub:       pub,
		sessionID: sessionID,
		logger:    noplog.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.gate = stream.NewGate(pub)
	return a
}

// StartStreaming iterates the session's chunk sequence for one turn. On
// cancellation the loop exits at the next chunk boundary; chunks already
// translated stay published. After a clean loop exit the accumulated text is
// emitted as a single text.complete and any orphaned tool state is
// force-closed.
func (a *Adapter) StartStreaming(ctx context.Context, message string, opts stream.StartOptions) error {
	tr, runCtx, err := a.begin(ctx, opts)
	if err != nil {
		return err
	}
	defer a.end()

	st, err := a.session.Query(runCtx, message)
	if err != nil {
		if !isAbort(runCtx, err) {
			tr.Error(err.Error(), "query")
		}
		tr.Finish()
		return err
	}

	streamErr := consume(runCtx, st, tr)
	tr.Finish()
	return streamErr
}

// Dispose cancels in-flight consumption and seals the publish gate. After it
// returns no further bus publishes occur, even if the backend keeps
// producing chunks. Idempotent.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	cancel := a.cancel
	tr := a.tr
	a.cancel = nil
	a.tr = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.gate.Close()
	if tr != nil {
		tr.Reset()
	}
}

// begin reserves the adapter for one turn and builds its fresh translator.
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

// consume runs the shared Variant A loop: one cancellation check per
// iteration, one translation per chunk. An abort is not an error condition;
// any other stream failure is surfaced as session.error by the caller's
// translator and returned.
func consume(ctx context.Context, st stream.Stream, tr *stream.Translator) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		chunk, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if isAbort(ctx, err) {
				return nil
			}
			tr.Error(err.Error(), "stream")
			return err
		}
		stream.Apply(tr, chunk)
	}
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
