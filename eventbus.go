package vega

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventAgentSpawned    EventType = "agent_spawned"
	EventAgentTerminated EventType = "agent_terminated"
	EventAgentDeleted    EventType = "agent_deleted"
	EventLogEntry        EventType = "log_entry"
	EventAgentMessage    EventType = "agent_message"
	EventCostRecorded    EventType = "cost_recorded"
	EventTodosUpdated    EventType = "todos_updated"
	EventTaskStatus      EventType = "task_status"
)

// LogLevel of a log_entry event.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Event is a tagged payload carried by the bus. ID is stable and is what
// observers deduplicate on.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// agent_terminated
	Reason ExitReason `json:"reason,omitempty"`

	// log_entry
	Level    LogLevel       `json:"level,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// agent_message
	From     string `json:"from,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Status   string `json:"status,omitempty"`

	// cost_recorded
	CostUSD  *decimal.Decimal `json:"cost_usd,omitempty"`
	CostType CostType         `json:"cost_type,omitempty"`

	// todos_updated
	Todos []Todo `json:"todos,omitempty"`

	// task_status
	TaskStatus TaskStatus `json:"task_status,omitempty"`
}

// NewEvent stamps an event with a fresh id and timestamp.
func NewEvent(t EventType) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC()}
}

// Topic names. Every topic is scoped; there is no wildcard.
const (
	// LifecycleTopic carries spawn, termination and deletion notices for all tasks.
	LifecycleTopic = "agents:lifecycle"
)

// TaskLifecycleTopic carries spawn/termination notices for one task.
func TaskLifecycleTopic(taskID string) string { return "tasks:" + taskID + ":agents" }

// TaskMessagesTopic carries agent_message events for one task.
func TaskMessagesTopic(taskID string) string { return "tasks:" + taskID + ":messages" }

// TaskCostsTopic carries cost_recorded events for one task.
func TaskCostsTopic(taskID string) string { return "tasks:" + taskID + ":costs" }

// TaskStatusTopic carries task status changes.
func TaskStatusTopic(taskID string) string { return "tasks:" + taskID + ":status" }

// AgentLogsTopic carries log_entry events of one agent.
func AgentLogsTopic(agentID string) string { return "agents:" + agentID + ":logs" }

// AgentTodosTopic carries todos_updated events of one agent.
func AgentTodosTopic(agentID string) string { return "agents:" + agentID + ":todos" }

// AgentTopics returns every topic scoped to one agent.
func AgentTopics(agentID string) []string {
	return []string{AgentLogsTopic(agentID), AgentTodosTopic(agentID)}
}

// TaskTopics returns every topic scoped to one task.
func TaskTopics(taskID string) []string {
	return []string{
		TaskLifecycleTopic(taskID),
		TaskMessagesTopic(taskID),
		TaskCostsTopic(taskID),
		TaskStatusTopic(taskID),
	}
}

// ValidTopic rejects empty and wildcard topics.
func ValidTopic(topic string) bool {
	if strings.TrimSpace(topic) == "" {
		return false
	}
	return !strings.ContainsAny(topic, "*#>")
}

// Recorder receives every published event after fan-out. Implementations
// must not block.
type Recorder interface {
	Record(topic string, e Event)
}

// Subscription is a live subscription to one topic.
type Subscription struct {
	Topic string
	C     <-chan Event

	ch    chan Event
	bus   *EventBus
	once  sync.Once
	ident uint64
}

// Unsubscribe removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

type topicSubs struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
}

// EventBus fans out events to topic subscribers.
//
// Publishing takes only read locks, so many agents publish concurrently.
// A subscriber whose buffer is full misses the event; the history buffer
// lets it catch up.
type EventBus struct {
	mu       sync.RWMutex
	topics   map[string]*topicSubs
	nextID   uint64
	buffer   int
	recorder Recorder
	metrics  *Metrics
	closed   bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithSubscriberBuffer sets the per-subscription channel size.
func WithSubscriberBuffer(n int) EventBusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithRecorder attaches a recorder, usually a HistoryBuffer.
func WithRecorder(r Recorder) EventBusOption {
	return func(b *EventBus) {
		b.recorder = r
	}
}

// WithBusMetrics attaches metrics.
func WithBusMetrics(m *Metrics) EventBusOption {
	return func(b *EventBus) {
		b.metrics = m
	}
}

// NewEventBus creates a bus.
func NewEventBus(opts ...EventBusOption) *EventBus {
	b := &EventBus{
		topics: make(map[string]*topicSubs),
		buffer: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe opens a subscription to topic.
func (b *EventBus) Subscribe(topic string) (*Subscription, error) {
	if !ValidTopic(topic) {
		return nil, ErrInvalidTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrProcessNotRunning
	}

	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicSubs{subs: make(map[uint64]*Subscription)}
		b.topics[topic] = ts
	}
	b.nextID++
	ch := make(chan Event, b.buffer)
	sub := &Subscription{Topic: topic, C: ch, ch: ch, bus: b, ident: b.nextID}

	ts.mu.Lock()
	ts.subs[sub.ident] = sub
	ts.mu.Unlock()
	return sub, nil
}

func (b *EventBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[s.Topic]
	if !ok {
		return
	}
	ts.mu.Lock()
	if _, ok := ts.subs[s.ident]; ok {
		delete(ts.subs, s.ident)
		close(s.ch)
	}
	empty := len(ts.subs) == 0
	ts.mu.Unlock()
	if empty {
		delete(b.topics, s.Topic)
	}
}

// Publish delivers e to the subscribers of topic and records it.
func (b *EventBus) Publish(topic string, e Event) {
	if !ValidTopic(topic) {
		return
	}

	b.mu.RLock()
	ts := b.topics[topic]
	if ts != nil {
		ts.mu.RLock()
		for _, sub := range ts.subs {
			select {
			case sub.ch <- e:
			default:
				b.metrics.EventDropped(e.Type)
			}
		}
		ts.mu.RUnlock()
	}
	b.mu.RUnlock()

	b.metrics.EventPublished(e.Type)
	if b.recorder != nil {
		b.recorder.Record(topic, e)
	}
}

// Subscribers returns the number of subscriptions on topic.
func (b *EventBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ts, ok := b.topics[topic]
	if !ok {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.subs)
}

// Close closes every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for topic, ts := range b.topics {
		ts.mu.Lock()
		for id, sub := range ts.subs {
			close(sub.ch)
			delete(ts.subs, id)
		}
		ts.mu.Unlock()
		delete(b.topics, topic)
	}
}
