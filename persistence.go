package vega

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CostType enumerates what a cost record paid for.
type CostType string

const (
	CostLLMConsensus CostType = "llm_consensus"
	CostLLMEmbedding CostType = "llm_embedding"
	CostLLMAnswer    CostType = "llm_answer"
	CostExternalAPI  CostType = "external_api"
)

// AgentRecord is the durable form of an agent.
type AgentRecord struct {
	AgentID    string          `json:"agent_id"`
	TaskID     string          `json:"task_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Status     AgentStatus     `json:"status"`
	ExitReason ExitReason      `json:"exit_reason,omitempty"`
	Config     json.RawMessage `json:"config"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewAgentRecord encodes config and memory into a record.
func NewAgentRecord(cfg AgentConfig, mem AgentMemory, status AgentStatus, reason ExitReason) (*AgentRecord, error) {
	cfgData, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode agent config: %w", err)
	}
	stateData, err := json.Marshal(mem)
	if err != nil {
		return nil, fmt.Errorf("encode agent state: %w", err)
	}
	return &AgentRecord{
		AgentID:    cfg.AgentID,
		TaskID:     cfg.TaskID,
		ParentID:   cfg.ParentID,
		Status:     status,
		ExitReason: reason,
		Config:     cfgData,
		State:      stateData,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Decode returns the config and memory stored in the record.
func (r *AgentRecord) Decode() (AgentConfig, AgentMemory, error) {
	var cfg AgentConfig
	var mem AgentMemory
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return cfg, mem, fmt.Errorf("decode agent config %s: %w", r.AgentID, err)
	}
	if err := json.Unmarshal(r.State, &mem); err != nil {
		return cfg, mem, fmt.Errorf("decode agent state %s: %w", r.AgentID, err)
	}
	cfg.AgentID = r.AgentID
	cfg.TaskID = r.TaskID
	cfg.ParentID = r.ParentID
	return cfg, mem, nil
}

// CostRecord is an append-only cost entry.
type CostRecord struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	TaskID    string          `json:"task_id"`
	CostType  CostType        `json:"cost_type"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageRecord is a persisted agent message.
type MessageRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	From      string    `json:"from"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// LogRecord is a persisted log_entry.
type LogRecord struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the durable store the core reads and writes.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context) ([]*Task, error)
	// DeleteTask removes the task and every agent, cost, message and log it owns.
	DeleteTask(ctx context.Context, id string) error

	// SaveAgent inserts or replaces an agent record.
	SaveAgent(ctx context.Context, r *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context, taskID string) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error

	AppendCost(ctx context.Context, c *CostRecord) error
	ListCosts(ctx context.Context, taskID string) ([]*CostRecord, error)

	AppendMessage(ctx context.Context, m *MessageRecord) error
	ListMessages(ctx context.Context, taskID string) ([]*MessageRecord, error)

	AppendLog(ctx context.Context, l *LogRecord) error
	ListLogs(ctx context.Context, agentID string) ([]*LogRecord, error)

	Close() error
}

// SumCosts totals cost records.
func SumCosts(costs []*CostRecord) decimal.Decimal {
	total := decimal.Zero
	for _, c := range costs {
		total = total.Add(c.CostUSD)
	}
	return total
}

// MemoryStore is an in-process Store. Values are copied through JSON on
// the way in and out, so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string][]byte
	agents   map[string][]byte
	costs    []*CostRecord
	messages []*MessageRecord
	logs     []*LogRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string][]byte),
		agents: make(map[string][]byte),
	}
}

// CreateTask stores a new task. A taken id is ErrInvalidInput.
func (s *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s exists", ErrInvalidInput, t.ID)
	}
	s.tasks[t.ID] = data
	return nil
}

// GetTask returns the task with id or ErrTaskNotFound.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	data, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask replaces a stored task.
func (s *MemoryStore) UpdateTask(_ context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[t.ID] = data
	return nil
}

// ListTasks returns every task, oldest first.
func (s *MemoryStore) ListTasks(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, data := range s.tasks {
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteTask removes a task with its agents, costs, messages and logs.
func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	for agentID, data := range s.agents {
		var r AgentRecord
		if err := json.Unmarshal(data, &r); err == nil && r.TaskID == id {
			delete(s.agents, agentID)
		}
	}
	s.costs = slices.DeleteFunc(s.costs, func(c *CostRecord) bool { return c.TaskID == id })
	s.messages = slices.DeleteFunc(s.messages, func(m *MessageRecord) bool { return m.TaskID == id })
	s.logs = slices.DeleteFunc(s.logs, func(l *LogRecord) bool { return l.TaskID == id })
	return nil
}

// SaveAgent inserts or replaces an agent record.
func (s *MemoryStore) SaveAgent(_ context.Context, r *AgentRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[r.AgentID] = data
	return nil
}

// GetAgent returns the agent record with id or ErrAgentNotFound.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*AgentRecord, error) {
	s.mu.RLock()
	data, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotFound
	}
	var r AgentRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAgents returns the agent records of a task ordered by agent id.
func (s *MemoryStore) ListAgents(_ context.Context, taskID string) ([]*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentRecord
	for _, data := range s.agents {
		var r AgentRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if r.TaskID == taskID {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// DeleteAgent removes an agent record and its logs.
func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(s.agents, id)
	s.logs = slices.DeleteFunc(s.logs, func(l *LogRecord) bool { return l.AgentID == id })
	return nil
}

// AppendCost adds a cost record.
func (s *MemoryStore) AppendCost(_ context.Context, c *CostRecord) error {
	cp := *c
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, &cp)
	return nil
}

// ListCosts returns the cost records of a task in insertion order.
func (s *MemoryStore) ListCosts(_ context.Context, taskID string) ([]*CostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CostRecord
	for _, c := range s.costs {
		if c.TaskID == taskID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendMessage adds a message record.
func (s *MemoryStore) AppendMessage(_ context.Context, m *MessageRecord) error {
	cp := *m
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, &cp)
	return nil
}

// ListMessages returns the messages of a task in insertion order.
func (s *MemoryStore) ListMessages(_ context.Context, taskID string) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MessageRecord
	for _, m := range s.messages {
		if m.TaskID == taskID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendLog adds a log record.
func (s *MemoryStore) AppendLog(_ context.Context, l *LogRecord) error {
	cp := *l
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, &cp)
	return nil
}

// ListLogs returns the log records of an agent in insertion order.
func (s *MemoryStore) ListLogs(_ context.Context, agentID string) ([]*LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LogRecord
	for _, l := range s.logs {
		if l.AgentID == agentID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
