package vega

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Orchestrator is the command surface for tasks and their agent trees.
// Commands on the same task are serialized; different tasks proceed
// concurrently.
type Orchestrator struct {
	rt       *runtime
	history  *HistoryBuffer
	restorer *TaskRestorer

	mu          sync.RWMutex
	supervisors map[string]*TaskSupervisor

	locks keyedMutex
	bg    sync.WaitGroup

	// Configuration
	historySize      int
	subscriberBuffer int
	shutdownGrace    time.Duration
	defaultModels    []string
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		rt: &runtime{
			registry:      NewRegistry(),
			store:         NewMemoryStore(),
			engine:        WaitEngine{},
			logger:        slog.Default(),
			profiles:      BuiltinProfiles(),
			turnTimeout:   2 * time.Minute,
			adjustTimeout: 5 * time.Second,
			storeTimeout:  10 * time.Second,
		},
		supervisors:   make(map[string]*TaskSupervisor),
		historySize:   DefaultHistorySize,
		shutdownGrace: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.history = NewHistoryBuffer(o.historySize, o.rt.metrics)
	busOpts := []EventBusOption{WithRecorder(o.history), WithBusMetrics(o.rt.metrics)}
	if o.subscriberBuffer > 0 {
		busOpts = append(busOpts, WithSubscriberBuffer(o.subscriberBuffer))
	}
	o.rt.bus = NewEventBus(busOpts...)
	o.restorer = NewTaskRestorer(o.rt.store, o.rt.logger)
	o.restorer.skipAutoTurn = o.rt.skipAutoTurn
	return o
}

// WithStore sets the durable store.
func WithStore(s Store) OrchestratorOption {
	return func(o *Orchestrator) {
		if s != nil {
			o.rt.store = s
		}
	}
}

// WithConsensus sets the consensus engine.
func WithConsensus(e ConsensusEngine) OrchestratorOption {
	return func(o *Orchestrator) {
		if e != nil {
			o.rt.engine = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.rt.logger = l
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.rt.metrics = m
	}
}

// WithProfiles replaces the capability profiles.
func WithProfiles(p map[string]Profile) OrchestratorOption {
	return func(o *Orchestrator) {
		if len(p) > 0 {
			o.rt.profiles = p
		}
	}
}

// WithDefaultModels sets the model pool used when neither the request
// nor the profile names one.
func WithDefaultModels(models ...string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.defaultModels = models
	}
}

// WithHistorySize sets how many events are kept per topic.
func WithHistorySize(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.historySize = n
	}
}

// WithBusBuffer sets the channel size of bus subscriptions.
func WithBusBuffer(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.subscriberBuffer = n
	}
}

// WithTurnTimeout bounds each consensus call.
func WithTurnTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rt.turnTimeout = d
		}
	}
}

// WithAdjustTimeout bounds how long a parent waits for a child to
// accept a budget adjustment.
func WithAdjustTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rt.adjustTimeout = d
		}
	}
}

// WithShutdownGrace sets how long pause waits before killing agents.
func WithShutdownGrace(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.shutdownGrace = d
		}
	}
}

// WithMaxTurns caps the turns an agent takes. Zero means no cap.
func WithMaxTurns(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.rt.maxTurns = n
	}
}

// WithSkipAutoTurn stops agents from taking a turn on their own when
// spawned. They still act on messages.
func WithSkipAutoTurn(skip bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.rt.skipAutoTurn = skip
	}
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *EventBus { return o.rt.bus }

// History returns the history buffer.
func (o *Orchestrator) History() *HistoryBuffer { return o.history }

// Registry returns the live agent registry.
func (o *Orchestrator) Registry() *Registry { return o.rt.registry }

// Store returns the durable store.
func (o *Orchestrator) Store() Store { return o.rt.store }

// Profiles returns the known capability profiles.
func (o *Orchestrator) Profiles() map[string]Profile { return o.rt.profiles }

// Subscribe opens a subscription and returns the topic's backlog. Events
// published between the two may appear in both; dedup by event id.
func (o *Orchestrator) Subscribe(topic string) (*Subscription, []Event, error) {
	sub, err := o.rt.bus.Subscribe(topic)
	if err != nil {
		return nil, nil, err
	}
	o.history.Sync()
	return sub, o.history.Replay(topic), nil
}

// CreateTaskRequest holds the fields of a new task.
type CreateTaskRequest struct {
	Prompt        string           `json:"prompt"`
	Profile       string           `json:"profile,omitempty"`
	BudgetLimit   *decimal.Decimal `json:"budget_limit,omitempty"`
	GlobalContext string           `json:"global_context,omitempty"`
	Constraints   []string         `json:"constraints,omitempty"`
	ModelPool     []string         `json:"model_pool,omitempty"`
	SkipAutoTurn  bool             `json:"skip_auto_turn,omitempty"`
}

// CreateTask persists a task and spawns its root agent.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, *AgentProcess, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nil, ErrMissingPrompt
	}
	if req.BudgetLimit != nil && req.BudgetLimit.IsNegative() {
		return nil, nil, &BudgetError{Op: "create", Requested: req.BudgetLimit.String(), Err: ErrInvalidAmount}
	}
	if req.Profile == "" {
		req.Profile = DefaultProfile
	}
	profile, ok := o.rt.profiles[req.Profile]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProfile, req.Profile)
	}
	pool := req.ModelPool
	if len(pool) == 0 {
		pool = profile.ModelPool
	}
	if len(pool) == 0 {
		pool = o.defaultModels
	}

	now := time.Now().UTC()
	task := &Task{
		ID:            uuid.NewString(),
		Prompt:        req.Prompt,
		Status:        TaskRunning,
		BudgetLimit:   req.BudgetLimit,
		RootAgentID:   uuid.NewString(),
		GlobalContext: req.GlobalContext,
		Constraints:   req.Constraints,
		Profile:       profile.Name,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.rt.store.CreateTask(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}

	unlock := o.locks.Lock(task.ID)
	defer unlock()

	sup := o.newSupervisor(task.ID)
	root, err := sup.Spawn(AgentConfig{
		AgentID:      task.RootAgentID,
		TaskID:       task.ID,
		Profile:      profile,
		ModelPool:    pool,
		Prompt:       PromptFields{Provided: req.Prompt, Injected: req.GlobalContext},
		Budget:       NewRootBudget(req.BudgetLimit),
		SkipAutoTurn: req.SkipAutoTurn || o.rt.skipAutoTurn,
	})
	if err != nil {
		o.dropSupervisor(task.ID, sup)
		_ = o.setStatus(ctx, task, TaskFailed)
		return nil, nil, fmt.Errorf("spawn root: %w", err)
	}
	o.publishStatus(task)
	o.rt.logger.Info("task created", "task", task.ID, "root", root.ID, "profile", profile.Name)
	return task, root, nil
}

func (o *Orchestrator) newSupervisor(taskID string) *TaskSupervisor {
	sup := newTaskSupervisor(taskID, o.rt, o.agentExited)
	o.mu.Lock()
	o.supervisors[taskID] = sup
	o.mu.Unlock()
	return sup
}

func (o *Orchestrator) supervisor(taskID string) *TaskSupervisor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.supervisors[taskID]
}

func (o *Orchestrator) dropSupervisor(taskID string, sup *TaskSupervisor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.supervisors[taskID] == sup {
		delete(o.supervisors, taskID)
	}
}

func (o *Orchestrator) liveAgents(taskID string) int {
	if sup := o.supervisor(taskID); sup != nil {
		return sup.Len()
	}
	return 0
}

// agentExited runs on the exiting agent's goroutine and must not block.
func (o *Orchestrator) agentExited(p *AgentProcess, reason ExitReason) {
	if p.ParentID != "" {
		return
	}
	var status TaskStatus
	switch reason {
	case ExitCompleted:
		status = TaskCompleted
	case ExitCrash:
		status = TaskFailed
	default:
		return
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.finishTask(p.TaskID, status)
	}()
}

func (o *Orchestrator) finishTask(taskID string, status TaskStatus) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownGrace)
	defer cancel()
	task, err := o.rt.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	switch task.Status {
	case TaskCompleted, TaskFailed:
		return
	case TaskPaused:
		if status == TaskFailed {
			return
		}
	}

	if sup := o.supervisor(taskID); sup != nil {
		reason := ExitDismissed
		if status == TaskFailed {
			reason = ExitOrphaned
		}
		if err := sup.Shutdown(ctx, reason); err != nil {
			o.rt.logger.Warn("task teardown incomplete", "task", taskID, "error", err)
		}
		o.dropSupervisor(taskID, sup)
	}
	if err := o.setStatus(ctx, task, status); err != nil {
		o.rt.logger.Error("update task status failed", "task", taskID, "error", err)
		return
	}
	o.rt.logger.Info("task finished", "task", taskID, "status", status)
}

// PauseTask terminates every live agent of the task on the persisting
// path. The task is marked paused only after all of them have exited.
func (o *Orchestrator) PauseTask(ctx context.Context, taskID string) error {
	unlock := o.locks.Lock(taskID)
	defer unlock()
	return o.pauseLocked(ctx, taskID, ExitPause)
}

func (o *Orchestrator) pauseLocked(ctx context.Context, taskID string, reason ExitReason) error {
	task, err := o.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case TaskPaused:
		return nil
	case TaskRunning, TaskPausing:
	default:
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotRunning, taskID, task.Status)
	}

	if err := o.setStatus(ctx, task, TaskPausing); err != nil {
		return fmt.Errorf("mark pausing: %w", err)
	}

	var shutdownErr error
	if sup := o.supervisor(taskID); sup != nil {
		graceCtx, cancel := context.WithTimeout(ctx, o.shutdownGrace)
		shutdownErr = sup.Shutdown(graceCtx, reason)
		cancel()
		o.dropSupervisor(taskID, sup)
	}

	// Shutdown has waited for every agent, killed ones included.
	if err := o.setStatus(context.WithoutCancel(ctx), task, TaskPaused); err != nil {
		return fmt.Errorf("mark paused: %w", err)
	}
	o.rt.logger.Info("task paused", "task", taskID, "reason", reason)
	if shutdownErr != nil {
		return fmt.Errorf("pause task %s: %w", taskID, shutdownErr)
	}
	return nil
}

// ResumeTask restores a paused task's agents and returns the root.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID string) (*AgentProcess, error) {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	task, err := o.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskPaused {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotPaused, taskID, task.Status)
	}
	if err := o.setStatus(ctx, task, TaskRunning); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	sup := o.newSupervisor(taskID)
	res, err := o.restorer.Restore(ctx, task, sup)
	if err != nil {
		_ = sup.Shutdown(ctx, ExitPause)
		o.dropSupervisor(taskID, sup)
		if serr := o.setStatus(context.WithoutCancel(ctx), task, TaskPaused); serr != nil {
			o.rt.logger.Error("revert to paused failed", "task", taskID, "error", serr)
		}
		return nil, err
	}
	return res.Root, nil
}

// DeleteTask tears down and removes a task with everything it owns.
// Deleting an unknown task returns ErrTaskNotFound.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	unlock := o.locks.Lock(taskID)
	defer unlock()

	if _, err := o.getTask(ctx, taskID); err != nil {
		return err
	}
	if sup := o.supervisor(taskID); sup != nil {
		graceCtx, cancel := context.WithTimeout(ctx, o.shutdownGrace)
		if err := sup.Shutdown(graceCtx, ExitDeleted); err != nil {
			o.rt.logger.Warn("teardown on delete incomplete", "task", taskID, "error", err)
		}
		cancel()
		o.dropSupervisor(taskID, sup)
	}

	records, err := o.rt.store.ListAgents(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if err := o.rt.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	o.history.Sync()
	o.history.PurgeTask(taskID)
	for _, rec := range records {
		o.history.PurgeAgent(rec.AgentID)
		e := NewEvent(EventAgentDeleted)
		e.AgentID, e.TaskID, e.ParentID = rec.AgentID, taskID, rec.ParentID
		o.rt.bus.Publish(LifecycleTopic, e)
	}
	o.rt.logger.Info("task deleted", "task", taskID, "agents", len(records))
	return nil
}

// DeleteAgent terminates an agent if it is live, then removes its record
// and the buffered history of its topics. Other agents are untouched.
func (o *Orchestrator) DeleteAgent(ctx context.Context, agentID string) error {
	rec, err := o.rt.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
		}
		return err
	}

	unlock := o.locks.Lock(rec.TaskID)
	defer unlock()

	if p := o.rt.registry.Process(agentID); p != nil {
		if err := p.Stop(ctx, ExitDeleted); err != nil && !IsNotice(err) {
			return fmt.Errorf("stop agent %s: %w", agentID, err)
		}
	} else if rec.ParentID != "" {
		// A stopped agent never tells its parent; release its escrow here.
		if err := o.releaseFromParent(ctx, rec); err != nil {
			return err
		}
	}
	o.history.Sync()
	o.history.PurgeAgent(agentID)
	if err := o.rt.store.DeleteAgent(ctx, agentID); err != nil && !errors.Is(err, ErrAgentNotFound) {
		return fmt.Errorf("delete agent: %w", err)
	}

	e := NewEvent(EventAgentDeleted)
	e.AgentID, e.TaskID, e.ParentID = agentID, rec.TaskID, rec.ParentID
	o.rt.bus.Publish(LifecycleTopic, e)
	o.rt.bus.Publish(TaskLifecycleTopic(rec.TaskID), e)
	return nil
}

// releaseFromParent returns the escrow of a deleted agent that is not
// running. A live parent is notified; otherwise the parent's record is
// rewritten so a later resume starts without the child.
func (o *Orchestrator) releaseFromParent(ctx context.Context, rec *AgentRecord) error {
	notice := ChildNotice{ChildID: rec.AgentID}
	if _, mem, err := rec.Decode(); err == nil {
		notice.Allocated, notice.Spent = mem.Budget.Allocated, mem.Budget.Spent
	}
	if parent := o.rt.registry.Process(rec.ParentID); parent != nil {
		parent.ChildTerminated(notice, ExitDeleted)
		return nil
	}

	prec, err := o.rt.store.GetAgent(ctx, rec.ParentID)
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load parent %s: %w", rec.ParentID, err)
	}
	cfg, mem, err := prec.Decode()
	if err != nil {
		return err
	}
	alloc, ok := mem.ChildAllocations[rec.AgentID]
	if !ok {
		return nil
	}
	mem.Budget = mem.Budget.Release(alloc, notice.Spent)
	delete(mem.ChildAllocations, rec.AgentID)
	updated, err := NewAgentRecord(cfg, mem, prec.Status, prec.ExitReason)
	if err != nil {
		return err
	}
	if err := o.rt.store.SaveAgent(ctx, updated); err != nil {
		return fmt.Errorf("release escrow of %s: %w", rec.AgentID, err)
	}
	o.rt.logger.Info("escrow released from stored parent",
		"parent", rec.ParentID, "child", rec.AgentID, "released", alloc.String())
	return nil
}

// AdjustChildBudget sets a child's allocation through its parent.
func (o *Orchestrator) AdjustChildBudget(ctx context.Context, parentID, childID string, amount decimal.Decimal) error {
	p := o.rt.registry.Process(parentID)
	if p == nil {
		return &AgentError{AgentID: parentID, Err: ErrAgentNotFound}
	}
	err := p.AdjustChildBudget(ctx, childID, amount)
	if err != nil {
		o.rt.logger.Info("budget adjustment rejected", "parent", parentID, "child", childID, "amount", amount, "error", err)
	}
	return err
}

// SendMessage delivers an operator message to a live agent.
func (o *Orchestrator) SendMessage(_ context.Context, agentID, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	entry, ok := o.rt.registry.Lookup(agentID)
	if !ok {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	if err := entry.Process.Deliver(content); err != nil {
		return err
	}
	o.rt.recordMessage(entry.TaskID, "user", "user", content, "delivered")
	return nil
}

// UpdateTodos replaces a live agent's todo list.
func (o *Orchestrator) UpdateTodos(agentID string, todos []Todo) error {
	p := o.rt.registry.Process(agentID)
	if p == nil {
		return &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
	}
	return p.UpdateTodos(todos)
}

// AgentState returns a live snapshot, or the persisted state of an
// agent that is not running.
func (o *Orchestrator) AgentState(ctx context.Context, agentID string) (AgentState, error) {
	if p := o.rt.registry.Process(agentID); p != nil {
		return p.GetState(), nil
	}
	rec, err := o.rt.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return AgentState{}, &AgentError{AgentID: agentID, Err: ErrAgentNotFound}
		}
		return AgentState{}, err
	}
	return stateFromRecord(rec)
}

func stateFromRecord(rec *AgentRecord) (AgentState, error) {
	cfg, mem, err := rec.Decode()
	if err != nil {
		return AgentState{}, err
	}
	phase := PhaseTerminated
	if rec.Status == AgentRunning {
		phase = PhaseInitializing
	}
	return AgentState{
		AgentID:   cfg.AgentID,
		TaskID:    cfg.TaskID,
		ParentID:  cfg.ParentID,
		Phase:     phase,
		Profile:   cfg.Profile,
		ModelPool: cfg.ModelPool,
		Prompt:    cfg.Prompt,
		Memory:    mem,
	}, nil
}

// TaskSpend sums the cost records of a task.
func (o *Orchestrator) TaskSpend(ctx context.Context, taskID string) (decimal.Decimal, error) {
	costs, err := o.rt.store.ListCosts(ctx, taskID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumCosts(costs), nil
}

// TaskView is an inspection of one task.
type TaskView struct {
	Task   *Task            `json:"task"`
	Agents []AgentState     `json:"agents"`
	Live   int              `json:"live"`
	Spend  decimal.Decimal  `json:"spend"`
	Tree   []*SpawnTreeNode `json:"tree"`
}

// InspectTask returns a task with its agents. A task found pausing with
// no live agents is healed to paused.
func (o *Orchestrator) InspectTask(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := o.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o.heal(ctx, task)

	records, err := o.rt.store.ListAgents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view := &TaskView{Task: task, Live: o.liveAgents(taskID)}
	tree := NewSpawnTree()
	for _, rec := range records {
		state, err := o.AgentState(ctx, rec.AgentID)
		if err != nil {
			o.rt.logger.Warn("agent state unreadable", "agent", rec.AgentID, "error", err)
			continue
		}
		view.Agents = append(view.Agents, state)
		tree.AddAt(rec.AgentID, rec.ParentID, state.StartedAt)
		if state.Phase == PhaseTerminated {
			tree.MarkTerminated(rec.AgentID)
		}
	}
	view.Tree = tree.Tree()
	if view.Spend, err = o.TaskSpend(ctx, taskID); err != nil {
		return nil, err
	}
	return view, nil
}

// ListTasks returns every task, healing stuck pauses along the way.
func (o *Orchestrator) ListTasks(ctx context.Context) ([]*Task, error) {
	tasks, err := o.rt.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		o.heal(ctx, t)
	}
	return tasks, nil
}

// heal moves a task stuck in pausing with no live agents to paused. A
// task with a command in flight is left alone.
func (o *Orchestrator) heal(ctx context.Context, task *Task) {
	if task.Status != TaskPausing || o.liveAgents(task.ID) > 0 {
		return
	}
	unlock, ok := o.locks.TryLock(task.ID)
	if !ok {
		return
	}
	defer unlock()

	current, err := o.rt.store.GetTask(ctx, task.ID)
	if err != nil || current.Status != TaskPausing || o.liveAgents(task.ID) > 0 {
		return
	}
	if err := o.setStatus(ctx, current, TaskPaused); err != nil {
		o.rt.logger.Error("self-heal failed", "task", task.ID, "error", err)
		return
	}
	*task = *current
	o.rt.logger.Info("task healed", "task", task.ID, "status", TaskPaused)
}

// Recover reconciles stored task status with the live process set after
// a restart. Running tasks without agents become paused so they can be
// resumed from their records.
func (o *Orchestrator) Recover(ctx context.Context) error {
	tasks, err := o.rt.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != TaskRunning && t.Status != TaskPausing {
			continue
		}
		if o.liveAgents(t.ID) > 0 {
			continue
		}
		unlock := o.locks.Lock(t.ID)
		if err := o.setStatus(ctx, t, TaskPaused); err != nil {
			o.rt.logger.Error("recover task failed", "task", t.ID, "error", err)
		} else {
			o.rt.logger.Info("task recovered", "task", t.ID, "status", TaskPaused)
		}
		unlock()
	}
	return nil
}

// Shutdown pauses every running task and stops the event plumbing.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.supervisors))
	for id := range o.supervisors {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		unlock := o.locks.Lock(id)
		if err := o.pauseLocked(ctx, id, ExitShutdown); err != nil && !IsNotice(err) && !errors.Is(err, ErrTaskNotRunning) {
			errs = append(errs, err)
		}
		unlock()
	}
	o.bg.Wait()
	o.rt.bus.Close()
	o.history.Close()
	return errors.Join(errs...)
}

func (o *Orchestrator) getTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := o.rt.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
		}
		return nil, err
	}
	return task, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, task *Task, status TaskStatus) error {
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if err := o.rt.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	o.publishStatus(task)
	return nil
}

func (o *Orchestrator) publishStatus(task *Task) {
	e := NewEvent(EventTaskStatus)
	e.TaskID, e.AgentID, e.TaskStatus = task.ID, task.RootAgentID, task.Status
	o.rt.bus.Publish(TaskStatusTopic(task.ID), e)
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until key is free and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// TryLock locks key if it is free.
func (k *keyedMutex) TryLock(key string) (func(), bool) {
	e := k.acquire(key)
	if !e.mu.TryLock() {
		k.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}, true
}
