package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flora131/agenthub/backoff"
	"github.com/flora131/agenthub/bus"
	"github.com/flora131/agenthub/correlate"
	"github.com/flora131/agenthub/internal/noplog"
	"github.com/flora131/agenthub/subagent"
)

// DefaultThinkingKey is used when a backend does not key its thinking blocks.
const DefaultThinkingKey = "default"

// ToolRecord is the per-tool timing/outcome entry reported in a Summary.
type ToolRecord struct {
	ToolID     string
	Name       string
	DurationMs int64
	Success    bool
}

// Summary is the structured result a nested sub-agent adapter returns to its
// caller in addition to the bus events it published.
type Summary struct {
	FullText     string
	Tools        []ToolRecord
	ToolCount    int
	InputTokens  int
	OutputTokens int
	ThinkingMs   int64
}

type openTool struct {
	name  string
	start time.Time
}

// Translator applies the shared translation rules: it turns normalized
// native signals into bus events, accumulating cross-cutting state (text,
// thinking blocks, tool identity, token usage) that no single backend
// provides consistently. Every adapter variant owns exactly one translator
// per turn.
type Translator struct {
	pub       bus.Publisher
	logger    *slog.Logger
	now       func() time.Time
	resolver  *correlate.Resolver
	tracker   *subagent.Tracker
	thinking  map[string]time.Time
	openTools map[string]openTool
	supprAg   map[string]bool

	sessionID string
	agentID   string
	runID     int64

	text         strings.Builder
	thinkingKeys []string
	toolOrder    []string
	records      []ToolRecord

	toolCount    int
	lastInput    int
	lastOutput   int
	accumOutput  int
	thinkingMs   int64
	textComplete bool

	mu sync.Mutex
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithAgentID attributes all published events to a sub-agent. A translator
// with an agent ID is below the top level: sub-agents it would itself report
// are suppressed from the externally visible tree.
func WithAgentID(id string) TranslatorOption {
	return func(t *Translator) { t.agentID = id }
}

// WithTracker wires the sub-agent tool tracker used for agent.update
// snapshots.
func WithTracker(tr *subagent.Tracker) TranslatorOption {
	return func(t *Translator) { t.tracker = tr }
}

// WithTranslatorLogger sets the logger for orphan-tool reports.
func WithTranslatorLogger(l *slog.Logger) TranslatorOption {
	return func(t *Translator) { t.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) TranslatorOption {
	return func(t *Translator) { t.now = now }
}

// NewTranslator creates a translator publishing under the given session and
// run.
func NewTranslator(pub bus.Publisher, sessionID string, runID int64, opts ...TranslatorOption) *Translator {
	t := &Translator{
		pub:       pub,
		logger:    noplog.Logger,
		now:       time.Now,
		sessionID: sessionID,
		runID:     runID,
		resolver:  correlate.NewResolver(runID),
		thinking:  make(map[string]time.Time),
		openTools: make(map[string]openTool),
		supprAg:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Text handles a streamed text fragment. Empty deltas are suppressed.
func (t *Translator) Text(delta string) {
	if delta == "" {
		return
	}
	t.mu.Lock()
	t.text.WriteString(delta)
	t.mu.Unlock()

	t.publish(bus.EventTextDelta, bus.TextDeltaData{Delta: delta, AgentID: t.agentID})
}

// FullText returns the accumulated text so far.
func (t *Translator) FullText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// ResetText clears the text accumulator. The retry wrapper calls this so a
// replayed attempt cannot duplicate an already-published prefix.
func (t *Translator) ResetText() {
	t.mu.Lock()
	t.text.Reset()
	t.textComplete = false
	t.mu.Unlock()
}

// Thinking handles a streamed reasoning fragment, opening a thinking block
// for the source key if none is open.
func (t *Translator) Thinking(key, delta string) {
	if delta == "" {
		return
	}
	if key == "" {
		key = DefaultThinkingKey
	}
	t.mu.Lock()
	if _, open := t.thinking[key]; !open {
		t.thinking[key] = t.now()
		t.thinkingKeys = append(t.thinkingKeys, key)
	}
	t.mu.Unlock()

	t.publish(bus.EventThinkingDelta, bus.ThinkingDeltaData{
		Delta:     delta,
		SourceKey: key,
		AgentID:   t.agentID,
	})
}

// ThinkingComplete closes the thinking block for key. The backend-reported
// duration wins when present; otherwise wall-clock since the block opened.
func (t *Translator) ThinkingComplete(key string, durationMs int64) {
	if key == "" {
		key = DefaultThinkingKey
	}
	t.mu.Lock()
	start, open := t.thinking[key]
	if open {
		delete(t.thinking, key)
		t.removeThinkingKey(key)
	}
	if durationMs <= 0 {
		if open {
			durationMs = t.now().Sub(start).Milliseconds()
		} else {
			durationMs = 0
		}
	}
	t.thinkingMs += durationMs
	t.mu.Unlock()

	t.publish(bus.EventThinkingComplete, bus.ThinkingCompleteData{
		SourceKey:  key,
		DurationMs: durationMs,
		AgentID:    t.agentID,
	})
}

// ToolStart handles a tool invocation start. The canonical tool ID is
// resolved from meta when the backend supplies one, synthesized otherwise;
// either way it is returned so callers can correlate follow-up signals.
func (t *Translator) ToolStart(name string, input any, meta map[string]any) string {
	if name == "" {
		name = "unknown"
	}
	explicit, _ := correlate.ExtractID(meta)

	t.mu.Lock()
	id := t.resolver.StartID(name, explicit)
	t.openTools[id] = openTool{name: name, start: t.now()}
	t.toolOrder = append(t.toolOrder, id)
	t.toolCount++
	t.mu.Unlock()

	t.publish(bus.EventToolStart, bus.ToolStartData{
		ToolID:  id,
		Name:    name,
		Input:   NormalizeInput(input),
		AgentID: t.agentID,
	})

	if t.tracker != nil && t.agentID != "" {
		t.tracker.OnToolStart(t.agentID, name)
	}
	return id
}

// ToolComplete handles a tool invocation result. Success is the absence of
// an error marker; a non-string error payload is stringified.
func (t *Translator) ToolComplete(name string, result any, isError bool, meta map[string]any) string {
	explicit, _ := correlate.ExtractID(meta)

	t.mu.Lock()
	id := t.resolver.CompleteID(name, explicit)
	open, known := t.openTools[id]
	if known {
		delete(t.openTools, id)
		t.removeToolOrder(id)
	}
	if name == "" {
		if known {
			name = open.name
		} else {
			name = "unknown"
		}
	}
	var durationMs int64
	if known {
		durationMs = t.now().Sub(open.start).Milliseconds()
	}
	t.records = append(t.records, ToolRecord{
		ToolID:     id,
		Name:       name,
		DurationMs: durationMs,
		Success:    !isError,
	})
	t.mu.Unlock()

	errStr := ""
	if isError {
		errStr = stringifyResult(result)
	}
	t.publish(bus.EventToolComplete, bus.ToolCompleteData{
		ToolID:  id,
		Name:    name,
		Result:  result,
		Success: !isError,
		Error:   errStr,
		AgentID: t.agentID,
	})

	if t.tracker != nil && t.agentID != "" {
		t.tracker.OnToolComplete(t.agentID)
	}
	return id
}

// AliasTool records that a backend-native ID refers to the canonical tool ID
// used in tool.start, so later signals carrying only the native ID resolve
// to the same identity.
func (t *Translator) AliasTool(native, canonical string) {
	t.mu.Lock()
	t.resolver.Alias(native, canonical)
	t.mu.Unlock()
}

// Usage handles a cumulative token usage update. Zero/zero payloads are
// heartbeats and dropped. Output tokens accumulate across backend messages
// within one translator lifetime: a drop in the per-message counter is taken
// as a new message and the previous count is banked. Best-effort — an
// out-of-order usage report from a backend can misattribute a message
// boundary.
func (t *Translator) Usage(inputTokens, outputTokens int) {
	if inputTokens == 0 && outputTokens == 0 {
		return
	}
	t.mu.Lock()
	if outputTokens < t.lastOutput {
		t.accumOutput += t.lastOutput
	}
	t.lastOutput = outputTokens
	t.lastInput = inputTokens
	total := t.accumOutput + outputTokens
	t.mu.Unlock()

	t.publish(bus.EventUsage, bus.UsageData{
		InputTokens:  inputTokens,
		OutputTokens: total,
		AgentID:      t.agentID,
	})
}

// AgentStart handles a sub-agent spawn. Agents spawned below the first level
// are suppressed from the externally visible tree; their later signals are
// swallowed too.
func (t *Translator) AgentStart(agentID, agentType, task string, meta map[string]any) {
	if agentID == "" {
		return
	}
	if t.agentID != "" {
		t.mu.Lock()
		t.supprAg[agentID] = true
		t.mu.Unlock()
		return
	}

	toolID := ""
	if explicit, ok := correlate.ExtractID(meta); ok {
		t.mu.Lock()
		toolID = t.resolver.Resolve(explicit)
		t.mu.Unlock()
	}

	if t.tracker != nil {
		t.tracker.Register(agentID)
	}
	t.publish(bus.EventAgentStart, bus.AgentStartData{
		AgentID:   agentID,
		ToolID:    toolID,
		AgentType: agentType,
		Task:      task,
	})
}

// AgentComplete handles a sub-agent stop.
func (t *Translator) AgentComplete(agentID string, success bool) {
	if t.suppressed(agentID) {
		t.mu.Lock()
		delete(t.supprAg, agentID)
		t.mu.Unlock()
		return
	}
	toolCount := 0
	if t.tracker != nil {
		if st, ok := t.tracker.Remove(agentID); ok {
			toolCount = st.ToolCount
		}
	}
	t.publish(bus.EventAgentComplete, bus.AgentCompleteData{
		AgentID:   agentID,
		ToolCount: toolCount,
		Success:   success,
	})
}

// AgentToolStart delegates sub-agent tool progress to the tracker.
func (t *Translator) AgentToolStart(agentID, toolName string) {
	if t.tracker == nil || t.suppressed(agentID) {
		return
	}
	t.tracker.OnToolStart(agentID, toolName)
}

// AgentToolComplete delegates sub-agent tool completion to the tracker.
func (t *Translator) AgentToolComplete(agentID string) {
	if t.tracker == nil || t.suppressed(agentID) {
		return
	}
	t.tracker.OnToolComplete(agentID)
}

// Idle handles a stream-level idle signal.
func (t *Translator) Idle(reason string) {
	t.publish(bus.EventSessionIdle, bus.SessionIdleData{Reason: reason})
}

// Error handles a stream-level terminal error.
func (t *Translator) Error(message, context string) {
	t.publish(bus.EventSessionError, bus.SessionErrorData{
		Message: message,
		Context: context,
	})
}

// Retry publishes a retry advisory before a backoff sleep.
func (t *Translator) Retry(rs backoff.RetryState) {
	t.publish(bus.EventSessionRetry, bus.RetryData{
		Attempt:     rs.Attempt,
		DelayMs:     rs.Delay.Milliseconds(),
		Message:     rs.Message,
		NextRetryAt: rs.NextRetryAt.UnixMilli(),
	})
}

// Finish closes out the turn: open thinking blocks are force-closed with
// their elapsed time, tools that never completed are force-completed as
// failed so no stuck tool state leaks downstream, and the accumulated text
// is emitted as a single text.complete. Safe to call after an abort; emits
// whatever partial completions apply.
func (t *Translator) Finish() {
	t.mu.Lock()
	keys := append([]string(nil), t.thinkingKeys...)
	orphans := append([]string(nil), t.toolOrder...)
	t.mu.Unlock()

	for _, key := range keys {
		t.ThinkingComplete(key, 0)
	}

	for _, id := range orphans {
		t.mu.Lock()
		open, ok := t.openTools[id]
		if !ok {
			t.mu.Unlock()
			continue
		}
		delete(t.openTools, id)
		t.removeToolOrder(id)
		durationMs := t.now().Sub(open.start).Milliseconds()
		t.records = append(t.records, ToolRecord{
			ToolID:     id,
			Name:       open.name,
			DurationMs: durationMs,
			Success:    false,
		})
		t.mu.Unlock()

		t.logger.Warn("force-completing orphaned tool", "tool", open.name, "id", id)
		t.publish(bus.EventToolComplete, bus.ToolCompleteData{
			ToolID:  id,
			Name:    open.name,
			Success: false,
			Error:   "aborted",
			AgentID: t.agentID,
		})
	}

	t.mu.Lock()
	full := t.text.String()
	emit := full != "" && !t.textComplete
	if emit {
		t.textComplete = true
	}
	t.mu.Unlock()

	if emit {
		t.publish(bus.EventTextComplete, bus.TextCompleteData{
			FullText: full,
			AgentID:  t.agentID,
		})
	}
}

// Summary reports the structured turn result for nested sub-agent callers.
func (t *Translator) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		FullText:     t.text.String(),
		Tools:        append([]ToolRecord(nil), t.records...),
		ToolCount:    t.toolCount,
		InputTokens:  t.lastInput,
		OutputTokens: t.accumOutput + t.lastOutput,
		ThinkingMs:   t.thinkingMs,
	}
}

// Reset returns the translator to its initial state. Called at the start of
// each StartStreaming and on dispose.
func (t *Translator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.Reset()
	t.textComplete = false
	t.thinking = make(map[string]time.Time)
	t.thinkingKeys = nil
	t.openTools = make(map[string]openTool)
	t.toolOrder = nil
	t.records = nil
	t.supprAg = make(map[string]bool)
	t.resolver.Reset()
	t.toolCount = 0
	t.lastInput = 0
	t.lastOutput = 0
	t.accumOutput = 0
	t.thinkingMs = 0
}

func (t *Translator) publish(typ bus.EventType, data any) {
	t.pub.Publish(bus.NewEvent(typ, t.sessionID, t.runID, data))
}

func (t *Translator) suppressed(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supprAg[agentID]
}

func (t *Translator) removeThinkingKey(key string) {
	for i, k := range t.thinkingKeys {
		if k == key {
			t.thinkingKeys = append(t.thinkingKeys[:i], t.thinkingKeys[i+1:]...)
			return
		}
	}
}

func (t *Translator) removeToolOrder(id string) {
	for i, v := range t.toolOrder {
		if v == id {
			t.toolOrder = append(t.toolOrder[:i], t.toolOrder[i+1:]...)
			return
		}
	}
}

// NormalizeInput coerces a native tool input into a structured map. Raw
// strings are parsed as JSON objects when possible; anything else is wrapped
// under a "value" key rather than rejected.
func NormalizeInput(v any) map[string]any {
	switch in := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return in
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(in), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"value": in}
	default:
		return map[string]any{"value": v}
	}
}

// stringifyResult renders an error payload as a string.
func stringifyResult(v any) string {
	switch r := v.(type) {
	case nil:
		return "tool error"
	case string:
		return r
	case error:
		return r.Error()
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}
