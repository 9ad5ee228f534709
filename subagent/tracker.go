// Package subagent tracks per-agent tool progress and publishes incremental
// agent.update snapshots. The tracker is owned by whichever adapter created
// it and is reset with it; it holds no backend state of its own.
package subagent

import (
	"sync"

	"github.com/flora131/agenthub/bus"
)

// State is the tracked progress of one sub-agent.
type State struct {
	AgentID     string
	CurrentTool string
	ToolCount   int
}

// Tracker maintains tool counters for registered sub-agents. Tool events may
// race ahead of registration, so OnToolStart for an unknown agent is a no-op
// rather than an error.
type Tracker struct {
	b         bus.Publisher
	agents    map[string]*State
	sessionID string
	runID     int64
	mu        sync.Mutex
}

// NewTracker creates a tracker publishing snapshots under the given session
// and run.
func NewTracker(b bus.Publisher, sessionID string, runID int64) *Tracker {
	return &Tracker{
		b:         b,
		sessionID: sessionID,
		runID:     runID,
		agents:    make(map[string]*State),
	}
}

// Register starts tracking an agent. Registering an already-tracked agent
// resets its counters.
func (t *Tracker) Register(agentID string) {
	t.mu.Lock()
	t.agents[agentID] = &State{AgentID: agentID}
	t.mu.Unlock()
}

// OnToolStart increments the agent's tool counter and records the tool as
// current. Unregistered agents are ignored.
func (t *Tracker) OnToolStart(agentID, toolName string) {
	t.mu.Lock()
	st, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.ToolCount++
	st.CurrentTool = toolName
	snapshot := *st
	t.mu.Unlock()

	t.publish(snapshot)
}

// OnToolComplete clears the current tool without changing the counter.
// Unregistered agents are ignored.
func (t *Tracker) OnToolComplete(agentID string) {
	t.mu.Lock()
	st, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.CurrentTool = ""
	snapshot := *st
	t.mu.Unlock()

	t.publish(snapshot)
}

// Remove stops tracking an agent and returns its final state, if any.
func (t *Tracker) Remove(agentID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[agentID]
	if !ok {
		return State{}, false
	}
	delete(t.agents, agentID)
	return *st, true
}

// Get returns a snapshot of one agent's state.
func (t *Tracker) Get(agentID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[agentID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Reset drops all tracked agents. Used at adapter disposal.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.agents = make(map[string]*State)
	t.mu.Unlock()
}

func (t *Tracker) publish(st State) {
	t.b.Publish(bus.NewEvent(bus.EventAgentUpdate, t.sessionID, t.runID, bus.AgentUpdateData{
		AgentID:     st.AgentID,
		CurrentTool: st.CurrentTool,
		ToolCount:   st.ToolCount,
	}))
}
