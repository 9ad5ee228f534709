package codex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flora131/agenthub/backoff"
	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/internal/noplog"
	"github.com/flora131/agenthub/stream"
	"github.com/flora131/agenthub/subagent"
)

// FallbackSession is the pull-based session used when the backend lacks the
// async fire capability. Query sends the message under the given message ID
// and returns the turn's lazy chunk sequence.
type FallbackSession interface {
	Query(ctx context.Context, message, messageID string) (stream.Stream, error)
}

// FallbackAdapter consumes a pull-based chunk stream with transparent retry
// of transient transport errors. Each retryable failure resets the partial
// text accumulator — so a replayed attempt cannot duplicate an
// already-published prefix in the final text — and publishes a session.retry
// advisory before sleeping.
type FallbackAdapter struct {
	session   FallbackSession
	gate      *stream.Gate
	logger    *slog.Logger
	tr        *stream.Translator
	cancel    context.CancelFunc
	policy    backoff.Policy
	sessionID string
	mu        sync.Mutex
	streaming bool
	disposed  bool
}

// FallbackOption configures a FallbackAdapter.
type FallbackOption func(*FallbackAdapter)

// WithFallbackLogger sets the adapter logger.
func WithFallbackLogger(l *slog.Logger) FallbackOption {
	return func(a *FallbackAdapter) { a.logger = l }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p backoff.Policy) FallbackOption {
	return func(a *FallbackAdapter) { a.policy = p }
}

// NewFallbackAdapter binds a pull-based session to the bus.
func NewFallbackAdapter(pub bus.Publisher, session FallbackSession, sessionID string, opts ...FallbackOption) *FallbackAdapter {
	a := &FallbackAdapter{
		session:   session,
		sessionID: sessionID,
		logger:    noplog.Logger,
		policy:    backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.gate = stream.NewGate(pub)
	return a
}

// StartStreaming runs the pull loop under the retry wrapper. Retries reuse
// the same message ID so the backend treats each attempt as the same logical
// send.
func (a *FallbackAdapter) StartStreaming(ctx context.Context, message string, opts stream.StartOptions) error {
	tr, runCtx, err := a.begin(ctx, opts)
	if err != nil {
		return err
	}
	defer a.end()

	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	turnErr := a.streamWithRetry(runCtx, tr, message, messageID)
	tr.Finish()
	return turnErr
}

// Dispose cancels in-flight consumption and seals the publish gate.
// Idempotent, never panics.
func (a *FallbackAdapter) Dispose() {
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
	a.gate.Close()
	if tr != nil {
		tr.Reset()
	}
}

func (a *FallbackAdapter) begin(ctx context.Context, opts stream.StartOptions) (*stream.Translator, context.Context, error) {
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

func (a *FallbackAdapter) end() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.streaming = false
	a.mu.Unlock()
}

// streamWithRetry attempts the pull loop until success, abort, a
// non-retryable error, or an exhausted retry budget.
func (a *FallbackAdapter) streamWithRetry(ctx context.Context, tr *stream.Translator, message, messageID string) error {
	attempt := 0
	for {
		attemptErr := a.attempt(ctx, tr, message, messageID)
		if attemptErr == nil {
			return nil
		}
		if isAbort(ctx, attemptErr) {
			return nil
		}

		classified := backoff.Classify(attemptErr)
		attempt++
		if !classified.Retryable || attempt >= a.policy.MaxAttempts {
			tr.Error(attemptErr.Error(), "stream")
			return attemptErr
		}

		// Drop the partial accumulation from the failed attempt so the
		// replay does not duplicate it in the final text.
		tr.ResetText()

		rs := backoff.NextRetry(attempt, classified, a.policy)
		a.logger.Info("retrying after transient stream error",
			"attempt", rs.Attempt,
			"delay_ms", rs.Delay.Milliseconds(),
			"reason", rs.Message,
		)
		tr.Retry(rs)

		if err := backoff.Sleep(ctx, rs.Delay); err != nil {
			return nil
		}
	}
}

// attempt runs one pass of the Variant A loop.
func (a *FallbackAdapter) attempt(ctx context.Context, tr *stream.Translator, message, messageID string) error {
	st, err := a.session.Query(ctx, message, messageID)
	if err != nil {
		return err
	}
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
			return err
		}
		stream.Apply(tr, chunk)
	}
}
