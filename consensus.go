package vega

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

// ActionType names an action a turn can commit.
type ActionType string

const (
	ActionSpawnChild   ActionType = "spawn_child"
	ActionDismissChild ActionType = "dismiss_child"
	ActionSendMessage  ActionType = "send_message"
	ActionUpdateTodos  ActionType = "update_todos"
	ActionRecordLesson ActionType = "record_lesson"
	ActionWait         ActionType = "wait"
	ActionComplete     ActionType = "complete"
)

// Action is the committed outcome of a turn.
type Action struct {
	Type ActionType `json:"type"`

	// spawn_child
	Prompt  string           `json:"prompt,omitempty"`
	Profile string           `json:"profile,omitempty"`
	Budget  *decimal.Decimal `json:"budget,omitempty"`

	// dismiss_child, send_message
	Target  string `json:"target,omitempty"`
	Content string `json:"content,omitempty"`

	// update_todos
	Todos []Todo `json:"todos,omitempty"`

	// record_lesson
	Lessons []Lesson `json:"lessons,omitempty"`

	// complete
	Result string `json:"result,omitempty"`
}

// Requires returns the capability an action needs, if any.
func (a Action) Requires() (Capability, bool) {
	switch a.Type {
	case ActionSpawnChild, ActionDismissChild:
		return CapHierarchy, true
	}
	return "", false
}

// ModelCost is one billable item of a decision.
type ModelCost struct {
	Model    string          `json:"model"`
	Type     CostType        `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Decision is what the consensus engine returns on success.
type Decision struct {
	Action Action `json:"action"`

	// Costs incurred to reach the decision.
	Costs []ModelCost `json:"costs,omitempty"`

	// Responses is the assistant reply per model, appended to its history.
	Responses map[string]string `json:"responses,omitempty"`

	// ModelStates replaces the rolling summary of the listed models.
	ModelStates map[string]string `json:"model_states,omitempty"`

	// Lessons learned per model.
	Lessons map[string][]Lesson `json:"lessons,omitempty"`
}

// TotalCost sums the decision's costs.
func (d *Decision) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, c := range d.Costs {
		total = total.Add(c.Amount)
	}
	return total
}

// ConsensusRequest is the context handed to the engine for one turn.
// It is a copy; the engine may keep or modify it freely.
type ConsensusRequest struct {
	AgentID   string
	TaskID    string
	ParentID  string
	Profile   Profile
	ModelPool []string
	Prompt    PromptFields
	Memory    AgentMemory
	Inbox     []ModelMessage
}

// ConsensusEngine decides an agent's next action. Every call is fallible:
// timeouts, missing models and unanimous declines are reported as errors
// (ErrConsensusTimeout, ErrNoModelsConfigured, ErrAllModelsDeclined).
type ConsensusEngine interface {
	Decide(ctx context.Context, req *ConsensusRequest) (*Decision, error)
}

// ConsensusFunc adapts a function to ConsensusEngine.
type ConsensusFunc func(ctx context.Context, req *ConsensusRequest) (*Decision, error)

// Decide calls f.
func (f ConsensusFunc) Decide(ctx context.Context, req *ConsensusRequest) (*Decision, error) {
	return f(ctx, req)
}

// WaitEngine always decides to wait. It keeps agents idle until an
// operator sends a message; useful when no engine is configured.
type WaitEngine struct{}

// Decide returns a wait decision.
func (WaitEngine) Decide(_ context.Context, req *ConsensusRequest) (*Decision, error) {
	if len(req.ModelPool) == 0 {
		return nil, ErrNoModelsConfigured
	}
	return &Decision{Action: Action{Type: ActionWait}}, nil
}

// ScriptedEngine replays queued decisions per agent. An agent with an
// empty queue waits. Queued errors are returned as turn failures.
type ScriptedEngine struct {
	mu      sync.Mutex
	queues  map[string][]scripted
	byTask  map[string][]scripted
	calls   map[string]int
	request map[string]*ConsensusRequest
}

type scripted struct {
	decision *Decision
	err      error
}

// NewScriptedEngine creates an empty engine.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{
		queues:  make(map[string][]scripted),
		byTask:  make(map[string][]scripted),
		calls:   make(map[string]int),
		request: make(map[string]*ConsensusRequest),
	}
}

// Push queues a decision for agentID.
func (e *ScriptedEngine) Push(agentID string, d *Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[agentID] = append(e.queues[agentID], scripted{decision: d})
}

// PushError queues a failure for agentID.
func (e *ScriptedEngine) PushError(agentID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[agentID] = append(e.queues[agentID], scripted{err: err})
}

// PushTask queues a decision for the first agent of taskID that has no
// queue of its own.
func (e *ScriptedEngine) PushTask(taskID string, d *Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTask[taskID] = append(e.byTask[taskID], scripted{decision: d})
}

// Calls returns how often agentID asked for a decision.
func (e *ScriptedEngine) Calls(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[agentID]
}

// LastRequest returns the most recent request of agentID.
func (e *ScriptedEngine) LastRequest(agentID string) *ConsensusRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request[agentID]
}

// Decide pops the next queued outcome.
func (e *ScriptedEngine) Decide(ctx context.Context, req *ConsensusRequest) (*Decision, error) {
	e.mu.Lock()
	e.calls[req.AgentID]++
	e.request[req.AgentID] = req
	var next scripted
	var ok bool
	if q := e.queues[req.AgentID]; len(q) > 0 {
		next, ok = q[0], true
		e.queues[req.AgentID] = q[1:]
	} else if q := e.byTask[req.TaskID]; len(q) > 0 {
		next, ok = q[0], true
		e.byTask[req.TaskID] = q[1:]
	}
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, ErrConsensusTimeout
	}
	if !ok {
		return &Decision{Action: Action{Type: ActionWait}}, nil
	}
	if next.err != nil {
		return nil, next.err
	}
	return cloneDecision(next.decision), nil
}

func cloneDecision(d *Decision) *Decision {
	if d == nil {
		return &Decision{Action: Action{Type: ActionWait}}
	}
	out := *d
	out.Costs = slices.Clone(d.Costs)
	out.Responses = maps.Clone(d.Responses)
	out.ModelStates = maps.Clone(d.ModelStates)
	if d.Lessons != nil {
		out.Lessons = make(map[string][]Lesson, len(d.Lessons))
		for k, v := range d.Lessons {
			out.Lessons[k] = slices.Clone(v)
		}
	}
	out.Action.Todos = slices.Clone(d.Action.Todos)
	out.Action.Lessons = slices.Clone(d.Action.Lessons)
	return &out
}
