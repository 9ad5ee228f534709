// Package correlate assigns a stable canonical identity to each tool
// invocation, regardless of whether the backend supplies one. Backends
// disagree on which field carries a tool call's identity (toolUseId,
// toolCallId, id, sometimes nested under content or metadata); some omit it
// entirely on the completion side. The resolver bridges start and completion
// events through explicit IDs when present, a per-tool-name FIFO queue when
// not, and an alias map for backends that emit several different id fields
// for the same call.
package correlate

import (
	"fmt"
	"strings"
)

// idFields is the priority order for explicit tool-call IDs. Earlier names
// win when a payload carries several.
var idFields = []string{
	"toolUseId",
	"toolUseID",
	"toolCallId",
	"tool_use_id",
	"tool_call_id",
	"id",
}

// nestedFields are containers searched when no top-level id field matches.
var nestedFields = []string{"content", "metadata"}

// ExtractID returns the first explicit tool-call ID found in fields,
// checking the priority list at the top level and then one level deep under
// known containers. The boolean reports whether anything was found.
func ExtractID(fields map[string]any) (string, bool) {
	if len(fields) == 0 {
		return "", false
	}
	for _, name := range idFields {
		if id, ok := stringField(fields, name); ok {
			return id, true
		}
	}
	for _, container := range nestedFields {
		nested, ok := fields[container].(map[string]any)
		if !ok {
			continue
		}
		for _, name := range idFields {
			if id, ok := stringField(nested, name); ok {
				return id, true
			}
		}
	}
	return "", false
}

func stringField(m map[string]any, name string) (string, bool) {
	v, ok := m[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Resolver tracks tool identity for one adapter turn. It is not safe for
// concurrent use; each adapter owns exactly one resolver and drives it from
// its own stream goroutine.
type Resolver struct {
	pending map[string][]string
	aliases map[string]string
	started map[string]bool
	runID   int64
	counter int
}

// NewResolver creates a resolver scoped to one run.
func NewResolver(runID int64) *Resolver {
	return &Resolver{
		runID:   runID,
		pending: make(map[string][]string),
		aliases: make(map[string]string),
		started: make(map[string]bool),
	}
}

// StartID resolves the canonical ID for a tool start event. An explicit ID
// is used as-is; otherwise a synthetic ID is generated. Either way the
// canonical ID joins the pending queue for its tool name so a later
// completion lacking a recognizable ID can find it.
func (r *Resolver) StartID(toolName, explicit string) string {
	id := explicit
	if id == "" {
		id = r.synthesize(toolName)
	}
	r.pending[toolName] = append(r.pending[toolName], id)
	r.started[id] = true
	return id
}

// CompleteID resolves the canonical ID for a tool completion event. An
// explicit ID that matches a known start (directly or through an alias) wins
// and leaves the pending queue. An explicit ID that matches nothing falls
// back to the oldest pending ID for the tool name and is recorded as an
// alias of it — backends sometimes carry a different id field on each side
// of the same call. Without any explicit ID the oldest pending ID is popped,
// or a fresh synthetic one returned if the queue is empty, so a completion
// is never lost.
func (r *Resolver) CompleteID(toolName, explicit string) string {
	if explicit != "" {
		canonical := explicit
		if mapped, ok := r.aliases[explicit]; ok {
			canonical = mapped
		}
		if r.started[canonical] {
			r.removePending(toolName, canonical)
			delete(r.started, canonical)
			return canonical
		}
		if queue := r.pending[toolName]; len(queue) > 0 {
			id := queue[0]
			r.pending[toolName] = queue[1:]
			delete(r.started, id)
			r.aliases[explicit] = id
			return id
		}
		return canonical
	}
	if queue := r.pending[toolName]; len(queue) > 0 {
		id := queue[0]
		r.pending[toolName] = queue[1:]
		delete(r.started, id)
		return id
	}
	return r.synthesize(toolName)
}

// Alias records that a backend-native ID also refers to canonical. Later
// events carrying only the native ID resolve to the same canonical ID.
func (r *Resolver) Alias(native, canonical string) {
	if native == "" || native == canonical {
		return
	}
	r.aliases[native] = canonical
}

// Resolve maps a backend-native ID to its canonical ID, returning the input
// unchanged when no alias is known.
func (r *Resolver) Resolve(native string) string {
	if canonical, ok := r.aliases[native]; ok {
		return canonical
	}
	return native
}

// Pending returns the not-yet-completed IDs for a tool name, oldest first.
func (r *Resolver) Pending(toolName string) []string {
	return append([]string(nil), r.pending[toolName]...)
}

// AllPending returns every queued (name, id) pair, used to force-complete
// orphaned tools at turn end.
func (r *Resolver) AllPending() map[string][]string {
	out := make(map[string][]string, len(r.pending))
	for name, ids := range r.pending {
		if len(ids) > 0 {
			out[name] = append([]string(nil), ids...)
		}
	}
	return out
}

// Reset clears all queues and aliases. Called at turn start and on dispose.
func (r *Resolver) Reset() {
	r.pending = make(map[string][]string)
	r.aliases = make(map[string]string)
	r.started = make(map[string]bool)
	r.counter = 0
}

func (r *Resolver) removePending(toolName, id string) {
	queue := r.pending[toolName]
	for i, qid := range queue {
		if qid == id {
			r.pending[toolName] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

func (r *Resolver) synthesize(toolName string) string {
	r.counter++
	return fmt.Sprintf("tool_%d_%s_%d", r.runID, sanitizeToolName(toolName), r.counter)
}

// sanitizeToolName keeps synthetic IDs readable: lowercase alphanumerics and
// underscores only.
func sanitizeToolName(name string) string {
	if name == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, c := range strings.ToLower(name) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
