package claude

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/internal/noplog"
	"github.com/flora131/agenthub/stream"
	"github.com/flora131/agenthub/subagent"
)

// TaskAdapter streams a nested sub-agent's turn. Translation rules are the
// same as the top-level adapter, with three differences: events are
// published under the parent session's ID with the sub-agent's ID carried in
// each payload, an agent.start is emitted eagerly at construction when the
// agent's type or task is already known (so it always precedes that agent's
// tool.start events regardless of source ordering), and the caller receives
// a structured Summary on completion in addition to the bus events.
type TaskAdapter struct {
	session   Session
	gate      *stream.Gate
	logger    *slog.Logger
	tr        *stream.Translator
	tracker   *subagent.Tracker
	cancel    context.CancelFunc
	agent     stream.AgentInfo
	sessionID string
	runID     int64
	mu        sync.Mutex
	streaming bool
	disposed  bool
	announced bool
}

// TaskOption configures a TaskAdapter.
type TaskOption func(*TaskAdapter)

// WithTaskLogger sets the adapter logger.
func WithTaskLogger(l *slog.Logger) TaskOption {
	return func(t *TaskAdapter) { t.logger = l }
}

// NewTaskAdapter binds a sub-agent session under its parent's session ID and
// run. When the agent's type or task metadata is already known, the
// agent.start is published immediately.
func NewTaskAdapter(pub bus.Publisher, session Session, parentSessionID string, runID int64, agent stream.AgentInfo, opts ...TaskOption) *TaskAdapter {
	t := &TaskAdapter{
		session:   session,
		sessionID: parentSessionID,
		runID:     runID,
		agent:     agent,
		logger:    noplog.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.gate = stream.NewGate(pub)
	t.tracker = subagent.NewTracker(t.gate, parentSessionID, runID)
	t.tracker.Register(agent.ID)
	t.tr = stream.NewTranslator(t.gate, parentSessionID, runID,
		stream.WithAgentID(agent.ID),
		stream.WithTracker(t.tracker),
		stream.WithTranslatorLogger(t.logger),
	)

	if agent.Type != "" || agent.Task != "" {
		t.announced = true
		t.gate.Publish(bus.NewEvent(bus.EventAgentStart, parentSessionID, runID, bus.AgentStartData{
			AgentID:   agent.ID,
			AgentType: agent.Type,
			Task:      agent.Task,
		}))
	}
	return t
}

// StartStreaming consumes the sub-agent's chunk sequence for one turn.
func (t *TaskAdapter) StartStreaming(ctx context.Context, message string, opts stream.StartOptions) error {
	_, err := t.Run(ctx, message, opts)
	return err
}

// Run is StartStreaming plus the structured summary: output text, tool
// count, token usage, thinking duration, and per-tool timing/outcome.
func (t *TaskAdapter) Run(ctx context.Context, message string, opts stream.StartOptions) (stream.Summary, error) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return stream.Summary{}, ErrDisposed
	}
	if t.streaming {
		t.mu.Unlock()
		return stream.Summary{}, ErrAlreadyStreaming
	}
	t.streaming = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	tr := t.tr
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
		t.streaming = false
		t.mu.Unlock()
	}()

	if !t.announced {
		t.announced = true
		t.gate.Publish(bus.NewEvent(bus.EventAgentStart, t.sessionID, t.runID, bus.AgentStartData{
			AgentID:   t.agent.ID,
			AgentType: t.agent.Type,
			Task:      t.agent.Task,
		}))
	}

	var streamErr error
	st, err := t.session.Query(runCtx, message)
	if err != nil {
		if !isAbort(runCtx, err) {
			tr.Error(err.Error(), "subagent_query")
			streamErr = err
		}
	} else {
		streamErr = consume(runCtx, st, tr)
	}

	tr.Finish()
	summary := tr.Summary()

	t.tracker.Remove(t.agent.ID)
	t.gate.Publish(bus.NewEvent(bus.EventAgentComplete, t.sessionID, t.runID, bus.AgentCompleteData{
		AgentID:   t.agent.ID,
		ToolCount: summary.ToolCount,
		Success:   streamErr == nil,
	}))

	return summary, streamErr
}

// Summary returns the turn summary accumulated so far.
func (t *TaskAdapter) Summary() stream.Summary {
	t.mu.Lock()
	tr := t.tr
	t.mu.Unlock()
	if tr == nil {
		return stream.Summary{}
	}
	return tr.Summary()
}

// Dispose cancels in-flight consumption and seals the publish gate.
// Idempotent, never panics.
func (t *TaskAdapter) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.gate.Close()
	t.tracker.Reset()
}
