package serve

import (
	"time"

	"github.com/shopspring/decimal"

	vega "github.com/everydev1618/vegatree"
)

// --- API Request Types ---

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest = vega.CreateTaskRequest

// SendMessageRequest is the body of POST /api/agents/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// UpdateTodosRequest is the body of PUT /api/agents/{id}/todos.
type UpdateTodosRequest struct {
	Todos []vega.Todo `json:"todos"`
}

// AdjustBudgetRequest is the body of POST /api/agents/{id}/children/{child}/budget.
type AdjustBudgetRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// --- API Response Types ---

// TaskResponse is returned when a task is created or resumed.
type TaskResponse struct {
	Task        *vega.Task `json:"task,omitempty"`
	RootAgentID string     `json:"root_agent_id"`
}

// SpendResponse is the total recorded cost of a task.
type SpendResponse struct {
	TaskID      string           `json:"task_id"`
	Spent       decimal.Decimal  `json:"spent"`
	BudgetLimit *decimal.Decimal `json:"budget_limit,omitempty"`
}

// TreeResponse is the spawn tree of a task.
type TreeResponse struct {
	TaskID string                `json:"task_id"`
	Tree   []*vega.SpawnTreeNode `json:"tree"`
}

// StatusResponse acknowledges a command.
type StatusResponse struct {
	Status string `json:"status"`
}

// StatsResponse contains aggregate counters.
type StatsResponse struct {
	Tasks       map[vega.TaskStatus]int `json:"tasks"`
	LiveAgents  int                     `json:"live_agents"`
	OpenStreams int                     `json:"open_streams"`
	Uptime      string                  `json:"uptime"`
	StartedAt   time.Time               `json:"started_at"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
