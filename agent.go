package vega

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskPausing   TaskStatus = "pausing"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a user-submitted unit of work owned by one agent tree.
type Task struct {
	ID            string           `json:"id"`
	Prompt        string           `json:"prompt"`
	Status        TaskStatus       `json:"status"`
	BudgetLimit   *decimal.Decimal `json:"budget_limit,omitempty"`
	RootAgentID   string           `json:"root_agent_id"`
	GlobalContext string           `json:"global_context,omitempty"`
	Constraints   []string         `json:"constraints,omitempty"`
	Profile       string           `json:"profile"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AgentStatus is the persisted status of an agent record.
type AgentStatus string

const (
	AgentRunning    AgentStatus = "running"
	AgentTerminated AgentStatus = "terminated"
)

// Phase is the in-memory state machine of an agent process.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseRunning      Phase = "running"
	PhaseTerminating  Phase = "terminating"
	PhaseTerminated   Phase = "terminated"
)

// ExitReason describes why an agent process exited.
type ExitReason string

const (
	ExitNormal    ExitReason = "normal"
	ExitPause     ExitReason = "pause"
	ExitShutdown  ExitReason = "shutdown"
	ExitCompleted ExitReason = "completed"
	ExitDismissed ExitReason = "dismissed"
	ExitDeleted   ExitReason = "deleted"
	ExitCrash     ExitReason = "crash"
	ExitKilled    ExitReason = "killed"
	ExitOrphaned  ExitReason = "orphaned"
)

// Graceful reports whether the reason belongs to the state-persisting path
// where a persistence failure must be reported.
func (r ExitReason) Graceful() bool {
	return r == ExitNormal || r == ExitPause || r == ExitShutdown
}

// Restorable reports whether an agent that exited for this reason comes
// back when its task is resumed. A parent keeps the escrow of a child
// that exited restorably and releases it otherwise.
func (r ExitReason) Restorable() bool {
	switch r {
	case ExitCompleted, ExitDismissed, ExitDeleted, ExitOrphaned, ExitCrash:
		return false
	}
	return true
}

// Capability is a permission group granted by a profile.
type Capability string

const (
	CapHierarchy      Capability = "hierarchy"
	CapLocalExecution Capability = "local_execution"
	CapFileRead       Capability = "file_read"
	CapFileWrite      Capability = "file_write"
	CapExternalAPI    Capability = "external_api"
)

// Profile is a named set of capabilities.
type Profile struct {
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
	ModelPool    []string     `json:"model_pool,omitempty" yaml:"model_pool"`
}

// Has reports whether the profile grants c.
func (p Profile) Has(c Capability) bool {
	return slices.Contains(p.Capabilities, c)
}

// PromptFields are the prompt inputs of an agent.
type PromptFields struct {
	Provided    string `json:"provided,omitempty"`
	Injected    string `json:"injected,omitempty"`
	Transformed string `json:"transformed,omitempty"`
}

// Role of a message in a model transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ModelMessage is one entry of a per-model conversation transcript.
type ModelMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LessonType distinguishes learned facts from learned behaviors.
type LessonType string

const (
	LessonFact     LessonType = "fact"
	LessonBehavior LessonType = "behavior"
)

// Lesson is something an agent learned, scored by confidence.
type Lesson struct {
	Type       LessonType `json:"type"`
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"`
}

// TodoState is the state of a todo item.
type TodoState string

const (
	TodoOpen    TodoState = "todo"
	TodoPending TodoState = "pending"
	TodoDone    TodoState = "done"
)

// Todo is one item in an agent's ordered todo list.
type Todo struct {
	Content string    `json:"content"`
	State   TodoState `json:"state"`
}

// Valid reports whether the todo has a known state and content.
func (t Todo) Valid() bool {
	if t.Content == "" {
		return false
	}
	switch t.State {
	case TodoOpen, TodoPending, TodoDone:
		return true
	}
	return false
}

// AgentMemory is the mutable state an agent owns and persists.
// It is the state blob of an agent record.
type AgentMemory struct {
	Budget           BudgetData                 `json:"budget"`
	ModelHistories   map[string][]ModelMessage  `json:"model_histories,omitempty"`
	ContextLessons   map[string][]Lesson        `json:"context_lessons,omitempty"`
	ModelStates      map[string]string          `json:"model_states,omitempty"`
	Todos            []Todo                     `json:"todos,omitempty"`
	ChildAllocations map[string]decimal.Decimal `json:"child_allocations,omitempty"`
	Turns            int                        `json:"turns"`
}

// Children returns the sorted child ids.
func (m AgentMemory) Children() []string {
	ids := make([]string, 0, len(m.ChildAllocations))
	for id := range m.ChildAllocations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns a deep copy.
func (m AgentMemory) Clone() AgentMemory {
	out := AgentMemory{Budget: m.Budget, Turns: m.Turns, Todos: slices.Clone(m.Todos)}
	if m.ModelHistories != nil {
		out.ModelHistories = make(map[string][]ModelMessage, len(m.ModelHistories))
		for k, v := range m.ModelHistories {
			out.ModelHistories[k] = slices.Clone(v)
		}
	}
	if m.ContextLessons != nil {
		out.ContextLessons = make(map[string][]Lesson, len(m.ContextLessons))
		for k, v := range m.ContextLessons {
			out.ContextLessons[k] = slices.Clone(v)
		}
	}
	if m.ModelStates != nil {
		out.ModelStates = make(map[string]string, len(m.ModelStates))
		for k, v := range m.ModelStates {
			out.ModelStates[k] = v
		}
	}
	if m.ChildAllocations != nil {
		out.ChildAllocations = make(map[string]decimal.Decimal, len(m.ChildAllocations))
		for k, v := range m.ChildAllocations {
			out.ChildAllocations[k] = v
		}
	}
	return out
}

// AgentConfig is everything needed to spawn an agent process.
type AgentConfig struct {
	AgentID   string       `json:"agent_id"`
	TaskID    string       `json:"task_id"`
	ParentID  string       `json:"parent_id,omitempty"`
	Profile   Profile      `json:"profile"`
	ModelPool []string     `json:"model_pool"`
	Prompt    PromptFields `json:"prompt"`

	// Budget is the initial ledger. Ignored when Memory is set.
	Budget BudgetData `json:"-"`

	// Memory seeds a restored agent with its persisted state.
	Memory *AgentMemory `json:"-"`

	// SkipAutoTurn suppresses the automatic first turn.
	SkipAutoTurn bool `json:"-"`

	// Restored marks the spawn as part of a resume.
	Restored bool `json:"-"`
}

// AgentState is a point-in-time snapshot of an agent.
type AgentState struct {
	AgentID   string       `json:"agent_id"`
	TaskID    string       `json:"task_id"`
	ParentID  string       `json:"parent_id,omitempty"`
	Phase     Phase        `json:"phase"`
	Profile   Profile      `json:"profile"`
	ModelPool []string     `json:"model_pool"`
	Prompt    PromptFields `json:"prompt"`
	Memory    AgentMemory  `json:"memory"`
	Busy      bool         `json:"busy"`
	StartedAt time.Time    `json:"started_at"`
}

// Children returns the sorted child ids.
func (s AgentState) Children() []string {
	return s.Memory.Children()
}
