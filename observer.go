package vega

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDedupSize = 4096

// Subscriber opens a subscription together with the topic's backlog.
// *Orchestrator satisfies it.
type Subscriber interface {
	Subscribe(topic string) (*Subscription, []Event, error)
}

// AgentDeleter deletes an agent. *Orchestrator satisfies it.
type AgentDeleter interface {
	DeleteAgent(ctx context.Context, agentID string) error
}

// AgentView is what an observer knows about one agent.
type AgentView struct {
	AgentID    string     `json:"agent_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Logs       []Event    `json:"logs,omitempty"`
	Todos      []Todo     `json:"todos,omitempty"`
	Terminated bool       `json:"terminated"`
	Reason     ExitReason `json:"reason,omitempty"`
}

// Observer follows one task. It subscribes to an agent's topics when it
// learns the agent exists, replays their backlog, and keeps following
// them after the agent terminates. Subscriptions end only when the agent
// is deleted. Every event is applied at most once.
type Observer struct {
	taskID  string
	src     Subscriber
	deleter AgentDeleter
	logger  *slog.Logger

	mu       sync.Mutex
	seen     *lru.Cache[string, struct{}]
	tree     *SpawnTree
	agents   map[string]*AgentView
	subs     map[string][]*Subscription
	taskSubs []*Subscription
	messages []Event
	costs    []Event
	statuses []TaskStatus
	closed   bool

	wg sync.WaitGroup
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithDeleter lets DeleteAgent remove the agent at the source too.
func WithDeleter(d AgentDeleter) ObserverOption {
	return func(o *Observer) {
		o.deleter = d
	}
}

// WithObserverLogger sets the logger.
func WithObserverLogger(l *slog.Logger) ObserverOption {
	return func(o *Observer) {
		o.logger = l
	}
}

// WithDedupWindow sets how many event ids are remembered.
func WithDedupWindow(n int) ObserverOption {
	return func(o *Observer) {
		if n > 0 {
			o.seen, _ = lru.New[string, struct{}](n)
		}
	}
}

// NewObserver creates an observer for taskID. Call Start to attach it.
func NewObserver(taskID string, src Subscriber, opts ...ObserverOption) *Observer {
	seen, _ := lru.New[string, struct{}](defaultDedupSize)
	o := &Observer{
		taskID: taskID,
		src:    src,
		logger: slog.Default(),
		seen:   seen,
		tree:   NewSpawnTree(),
		agents: make(map[string]*AgentView),
		subs:   make(map[string][]*Subscription),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start subscribes to the task topics and replays their backlog.
func (o *Observer) Start() error {
	for _, topic := range TaskTopics(o.taskID) {
		sub, backlog, err := o.src.Subscribe(topic)
		if err != nil {
			o.Close()
			return err
		}
		o.mu.Lock()
		o.taskSubs = append(o.taskSubs, sub)
		for _, e := range backlog {
			o.applyLocked(e)
		}
		o.mu.Unlock()
		o.pump(sub)
	}
	return nil
}

func (o *Observer) pump(sub *Subscription) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for e := range sub.C {
			o.Apply(e)
		}
	}()
}

// Apply processes one event. It reports false for an event id that was
// already applied.
func (o *Observer) Apply(e Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applyLocked(e)
}

func (o *Observer) applyLocked(e Event) bool {
	if o.closed {
		return false
	}
	if e.ID != "" {
		if o.seen.Contains(e.ID) {
			return false
		}
		o.seen.Add(e.ID, struct{}{})
	}

	switch e.Type {
	case EventAgentSpawned:
		o.onSpawned(e)
	case EventAgentTerminated:
		o.tree.MarkTerminated(e.AgentID)
		if v, ok := o.agents[e.AgentID]; ok {
			v.Terminated, v.Reason = true, e.Reason
		}
	case EventAgentDeleted:
		o.dropLocked(e.AgentID)
	case EventLogEntry:
		if v, ok := o.agents[e.AgentID]; ok {
			v.Logs = append(v.Logs, e)
		}
	case EventTodosUpdated:
		if v, ok := o.agents[e.AgentID]; ok {
			v.Todos = slices.Clone(e.Todos)
		}
	case EventAgentMessage:
		o.messages = append(o.messages, e)
	case EventCostRecorded:
		o.costs = append(o.costs, e)
	case EventTaskStatus:
		o.statuses = append(o.statuses, e.TaskStatus)
	}
	return true
}

func (o *Observer) onSpawned(e Event) {
	if e.TaskID != "" && e.TaskID != o.taskID {
		return
	}
	if v, ok := o.agents[e.AgentID]; ok {
		// Restored agent: a fresh process for a known id.
		v.Terminated, v.Reason = false, ""
	} else {
		o.agents[e.AgentID] = &AgentView{AgentID: e.AgentID, ParentID: e.ParentID}
	}
	o.tree.AddAt(e.AgentID, e.ParentID, e.Timestamp)
	if _, subscribed := o.subs[e.AgentID]; subscribed {
		return
	}

	var subs []*Subscription
	for _, topic := range AgentTopics(e.AgentID) {
		sub, backlog, err := o.src.Subscribe(topic)
		if err != nil {
			o.logger.Warn("observer subscribe failed", "topic", topic, "error", err)
			continue
		}
		subs = append(subs, sub)
		for _, be := range backlog {
			o.applyLocked(be)
		}
		o.pump(sub)
	}
	o.subs[e.AgentID] = subs
}

func (o *Observer) dropLocked(agentID string) {
	for _, sub := range o.subs[agentID] {
		sub.Unsubscribe()
	}
	delete(o.subs, agentID)
	delete(o.agents, agentID)
	o.tree.Remove(agentID)
}

// DeleteAgent deletes the agent at the source, if a deleter is set, and
// stops following it.
func (o *Observer) DeleteAgent(ctx context.Context, agentID string) error {
	if o.deleter != nil {
		if err := o.deleter.DeleteAgent(ctx, agentID); err != nil && !IsNotice(err) {
			return err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropLocked(agentID)
	return nil
}

// Agent returns a copy of what is known about agentID.
func (o *Observer) Agent(agentID string) (AgentView, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.agents[agentID]
	if !ok {
		return AgentView{}, false
	}
	out := *v
	out.Logs = slices.Clone(v.Logs)
	out.Todos = slices.Clone(v.Todos)
	return out, true
}

// Agents returns the known agent ids, sorted.
func (o *Observer) Agents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribed reports whether the observer follows agentID's topics.
func (o *Observer) Subscribed(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.subs[agentID]
	return ok
}

// Structure returns agent id -> children as reconstructed so far.
func (o *Observer) Structure() map[string][]string {
	return o.tree.Structure()
}

// Tree returns the reconstructed hierarchy.
func (o *Observer) Tree() []*SpawnTreeNode {
	return o.tree.Tree()
}

// Messages returns the observed agent messages.
func (o *Observer) Messages() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.messages)
}

// Costs returns the observed cost events.
func (o *Observer) Costs() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.costs)
}

// Statuses returns the observed task status changes in order.
func (o *Observer) Statuses() []TaskStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.statuses)
}

// Close drops every subscription and waits for delivery to stop.
func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	for _, sub := range o.taskSubs {
		sub.Unsubscribe()
	}
	for id, subs := range o.subs {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		delete(o.subs, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}
