package vega

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// runtime is the set of shared services every agent process uses.
type runtime struct {
	registry *Registry
	bus      *EventBus
	store    Store
	engine   ConsensusEngine
	metrics  *Metrics
	logger   *slog.Logger
	profiles map[string]Profile

	turnTimeout   time.Duration
	adjustTimeout time.Duration
	storeTimeout  time.Duration
	maxTurns      int
	skipAutoTurn  bool
}

func (rt *runtime) recordMessage(taskID, from, senderID, content, status string) {
	rec := &MessageRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		From:      from,
		SenderID:  senderID,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), rt.storeTimeout)
	defer cancel()
	if err := rt.store.AppendMessage(ctx, rec); err != nil {
		rt.logger.Error("append message failed", "task", taskID, "error", err)
	}

	e := NewEvent(EventAgentMessage)
	e.ID, e.Timestamp = rec.ID, rec.CreatedAt
	e.TaskID, e.AgentID = taskID, senderID
	e.From, e.SenderID, e.Content, e.Status = from, senderID, content, status
	rt.bus.Publish(TaskMessagesTopic(taskID), e)
}

// SpawnRequest asks a parent to spawn a child.
type SpawnRequest struct {
	Prompt  string
	Profile string

	// Budget escrowed for the child. Required when the parent is constrained.
	Budget *decimal.Decimal

	SkipAutoTurn bool
}

// ChildNotice tells a parent about a child it should track.
type ChildNotice struct {
	ChildID   string
	Allocated decimal.Decimal
	Spent     decimal.Decimal
}

type (
	cmdTurnResult struct {
		seq      uint64
		decision *Decision
		err      error
		panicked any
		elapsed  time.Duration
	}
	cmdMessage struct {
		msg ModelMessage
	}
	cmdUpdateTodos struct {
		todos []Todo
	}
	cmdRecordLesson struct {
		model  string
		lesson Lesson
	}
	cmdChildSpawned struct {
		notice ChildNotice
	}
	cmdChildTerminated struct {
		notice ChildNotice
		reason ExitReason
	}
	cmdAdjustChild struct {
		childID string
		amount  decimal.Decimal
		reply   chan error
	}
	cmdReallocate struct {
		r *reallocation
	}
	cmdSpawnChild struct {
		req   SpawnRequest
		reply chan spawnReply
	}
	cmdWake      struct{}
	cmdTerminate struct {
		reason ExitReason
	}
)

type spawnReply struct {
	child *AgentProcess
	err   error
}

// mailbox is an unbounded FIFO. Senders never block, so two agents
// messaging each other cannot deadlock.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(c any) {
	m.mu.Lock()
	m.items = append(m.items, c)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// AgentProcess is a running agent. All of its mutable state is owned by
// a single goroutine; other goroutines talk to it through its mailbox and
// read it through lock-free snapshots.
type AgentProcess struct {
	// ID is the agent identifier
	ID string

	// TaskID is the owning task
	TaskID string

	// ParentID is empty for a task root
	ParentID string

	cfg    AgentConfig
	sup    *TaskSupervisor
	rt     *runtime
	logger *slog.Logger

	mailbox *mailbox
	ctx     context.Context
	cancel  context.CancelFunc

	killCh    chan struct{}
	killOnce  sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	finishing atomic.Bool

	// owned by the loop goroutine
	mem        AgentMemory
	phase      Phase
	inbox      []ModelMessage
	wantTurn   bool
	turnSeq    uint64
	turnCancel context.CancelFunc
	startedAt  time.Time

	// stateMu serializes snapshot publication. Cross-agent ledger changes
	// hold both agents' locks so readers never see half of one.
	stateMu  sync.RWMutex
	snapshot atomic.Pointer[AgentState]

	exitReason ExitReason
	exitErr    error
}

func newAgentProcess(cfg AgentConfig, sup *TaskSupervisor) *AgentProcess {
	ctx, cancel := context.WithCancel(context.Background())
	p := &AgentProcess{
		ID:        cfg.AgentID,
		TaskID:    cfg.TaskID,
		ParentID:  cfg.ParentID,
		cfg:       cfg,
		sup:       sup,
		rt:        sup.rt,
		logger:    sup.rt.logger.With("agent", cfg.AgentID, "task", cfg.TaskID),
		mailbox:   newMailbox(),
		ctx:       ctx,
		cancel:    cancel,
		killCh:    make(chan struct{}),
		done:      make(chan struct{}),
		phase:     PhaseInitializing,
		startedAt: time.Now().UTC(),
	}
	if cfg.Memory != nil {
		p.mem = cfg.Memory.Clone()
	} else {
		p.mem = AgentMemory{Budget: cfg.Budget}
	}
	if p.mem.ChildAllocations == nil {
		p.mem.ChildAllocations = make(map[string]decimal.Decimal)
	}
	p.snapshot.Store(p.stateFor(p.mem))
	return p
}

// Config returns the spawn configuration.
func (p *AgentProcess) Config() AgentConfig {
	return p.cfg
}

// GetState returns the latest snapshot. It never blocks on the agent.
func (p *AgentProcess) GetState() AgentState {
	s := *p.snapshot.Load()
	s.Memory = s.Memory.Clone()
	return s
}

// Done is closed once the process has exited.
func (p *AgentProcess) Done() <-chan struct{} {
	return p.done
}

// ExitReason returns why the process exited. Valid after Done is closed.
func (p *AgentProcess) ExitReason() ExitReason {
	<-p.done
	return p.exitReason
}

// Alive reports whether the process has not exited yet.
func (p *AgentProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate asks the process to exit with reason at its next safe point.
func (p *AgentProcess) Terminate(reason ExitReason) {
	p.mailbox.push(cmdTerminate{reason: reason})
}

// Stop terminates the process and waits for it to exit. It returns the
// persistence error of a graceful exit, if any.
func (p *AgentProcess) Stop(ctx context.Context, reason ExitReason) error {
	p.Terminate(reason)
	select {
	case <-p.done:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill forces the process to exit without waiting for a safe point.
func (p *AgentProcess) Kill() {
	p.killOnce.Do(func() {
		close(p.killCh)
		p.cancel()
	})
}

// UpdateTodos replaces the todo list.
func (p *AgentProcess) UpdateTodos(todos []Todo) error {
	for _, t := range todos {
		if !t.Valid() {
			return fmt.Errorf("%w: todo %q with state %q", ErrInvalidInput, t.Content, t.State)
		}
	}
	if !p.Alive() {
		return p.notRunning()
	}
	p.mailbox.push(cmdUpdateTodos{todos: slices.Clone(todos)})
	return nil
}

// Deliver queues a message for the next turn and wakes the agent.
func (p *AgentProcess) Deliver(content string) error {
	if !p.Alive() {
		return p.notRunning()
	}
	p.mailbox.push(cmdMessage{msg: ModelMessage{Role: RoleUser, Content: content}})
	return nil
}

// RecordLesson adds a lesson for model, or for every model in the pool
// when model is empty.
func (p *AgentProcess) RecordLesson(model string, l Lesson) {
	p.mailbox.push(cmdRecordLesson{model: model, lesson: l})
}

// ChildSpawned tells the process it has a child. Unknown children are
// added to the children set and their allocation to committed; known
// children are ignored.
func (p *AgentProcess) ChildSpawned(n ChildNotice) {
	p.mailbox.push(cmdChildSpawned{notice: n})
}

// ChildTerminated tells the process a child exited.
func (p *AgentProcess) ChildTerminated(n ChildNotice, reason ExitReason) {
	p.mailbox.push(cmdChildTerminated{notice: n, reason: reason})
}

// Wake schedules a turn.
func (p *AgentProcess) Wake() {
	p.mailbox.push(cmdWake{})
}

// AdjustChildBudget sets the allocation of a child. Either both ledgers
// change or neither does.
func (p *AgentProcess) AdjustChildBudget(ctx context.Context, childID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &BudgetError{Op: "adjust", Requested: amount.String(), Err: ErrInvalidAmount}
	}
	reply := make(chan error, 1)
	return p.request(ctx, cmdAdjustChild{childID: childID, amount: amount, reply: reply}, reply)
}

// SpawnChild spawns a child with an escrowed budget.
func (p *AgentProcess) SpawnChild(ctx context.Context, req SpawnRequest) (*AgentProcess, error) {
	if !p.Alive() {
		return nil, p.notRunning()
	}
	reply := make(chan spawnReply, 1)
	p.mailbox.push(cmdSpawnChild{req: req, reply: reply})
	select {
	case r := <-reply:
		return r.child, r.err
	case <-p.done:
		select {
		case r := <-reply:
			return r.child, r.err
		default:
			return nil, p.notRunning()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *AgentProcess) request(ctx context.Context, c any, reply <-chan error) error {
	if !p.Alive() {
		return p.notRunning()
	}
	p.mailbox.push(c)
	select {
	case err := <-reply:
		return err
	case <-p.done:
		select {
		case err := <-reply:
			return err
		default:
			return p.notRunning()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AgentProcess) notRunning() error {
	return &AgentError{AgentID: p.ID, TaskID: p.TaskID, Err: ErrProcessNotRunning}
}

// run is the process loop. The supervisor runs it in its own goroutine.
func (p *AgentProcess) run() {
	p.start()
	for {
		p.maybeStartTurn()
		select {
		case <-p.killCh:
			p.finish(ExitKilled)
			return
		case <-p.mailbox.signal:
		}
		for _, c := range p.mailbox.drain() {
			select {
			case <-p.killCh:
				p.finish(ExitKilled)
				return
			default:
			}
			if reason, stop := p.handle(c); stop {
				p.finish(reason)
				return
			}
		}
	}
}

func (p *AgentProcess) start() {
	if err := p.persist(AgentRunning, ""); err != nil {
		p.logger.Warn("persist on spawn failed", "error", err)
	}
	p.phase = PhaseRunning
	p.publishSnapshot()

	e := NewEvent(EventAgentSpawned)
	e.AgentID, e.TaskID, e.ParentID = p.ID, p.TaskID, p.ParentID
	p.rt.bus.Publish(LifecycleTopic, e)
	p.rt.bus.Publish(TaskLifecycleTopic(p.TaskID), e)

	p.emit(LevelInfo, "agent started", map[string]any{"restored": p.cfg.Restored, "profile": p.cfg.Profile.Name})
	if !p.cfg.SkipAutoTurn {
		p.wantTurn = true
	}
}

func (p *AgentProcess) handle(c any) (ExitReason, bool) {
	switch c := c.(type) {
	case cmdTerminate:
		return c.reason, true
	case cmdTurnResult:
		return p.onTurnResult(c)
	case cmdMessage:
		p.inbox = append(p.inbox, c.msg)
		p.wantTurn = true
	case cmdWake:
		p.wantTurn = true
	case cmdUpdateTodos:
		mem := p.mem.Clone()
		mem.Todos = c.todos
		p.commit(mem)
		p.publishTodos()
	case cmdRecordLesson:
		mem := p.mem.Clone()
		p.addLesson(&mem, c.model, c.lesson)
		p.commit(mem)
	case cmdChildSpawned:
		p.onChildSpawned(c.notice)
	case cmdChildTerminated:
		p.onChildTerminated(c.notice, c.reason)
	case cmdAdjustChild:
		c.reply <- p.adjustChild(c.childID, c.amount)
	case cmdReallocate:
		p.reallocate(c.r)
	case cmdSpawnChild:
		mem := p.mem.Clone()
		child, err := p.spawnChild(&mem, c.req)
		c.reply <- spawnReply{child: child, err: err}
	default:
		p.logger.Warn("unknown command", "type", fmt.Sprintf("%T", c))
	}
	return "", false
}

func (p *AgentProcess) maybeStartTurn() {
	if !p.wantTurn || p.turnCancel != nil || p.phase != PhaseRunning {
		return
	}
	p.wantTurn = false
	if p.rt.maxTurns > 0 && p.mem.Turns >= p.rt.maxTurns {
		p.emit(LevelWarn, "turn limit reached", map[string]any{"turns": p.mem.Turns})
		return
	}

	p.turnSeq++
	seq := p.turnSeq
	req := &ConsensusRequest{
		AgentID:   p.ID,
		TaskID:    p.TaskID,
		ParentID:  p.ParentID,
		Profile:   p.cfg.Profile,
		ModelPool: slices.Clone(p.cfg.ModelPool),
		Prompt:    p.cfg.Prompt,
		Memory:    p.mem.Clone(),
		Inbox:     slices.Clone(p.inbox),
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.rt.turnTimeout)
	p.turnCancel = cancel
	p.publishSnapshot()

	go func() {
		defer cancel()
		start := time.Now()
		res := cmdTurnResult{seq: seq}
		func() {
			defer func() {
				if r := recover(); r != nil {
					res.panicked = r
				}
			}()
			res.decision, res.err = p.rt.engine.Decide(ctx, req)
		}()
		if res.err == nil && res.panicked == nil && res.decision == nil {
			res.err = ErrAllModelsDeclined
		}
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: %w", ErrConsensusTimeout, res.err)
		}
		res.elapsed = time.Since(start)
		p.mailbox.push(res)
	}()
}

func (p *AgentProcess) onTurnResult(r cmdTurnResult) (ExitReason, bool) {
	if r.seq != p.turnSeq {
		return "", false
	}
	p.turnCancel = nil
	if r.panicked != nil {
		panic(r.panicked)
	}
	if r.err != nil {
		p.rt.metrics.ConsensusFailure(r.err)
		p.rt.metrics.Turn("failed", r.elapsed)
		p.emit(LevelWarn, "turn abandoned", map[string]any{"error": r.err.Error()})
		p.publishSnapshot()
		return "", false
	}

	reason, stop, err := p.apply(r.decision)
	if err != nil {
		p.rt.metrics.Turn("rejected", r.elapsed)
		p.recordCosts(r.decision.Costs, true)
		p.emit(LevelWarn, "turn abandoned", map[string]any{
			"action": string(r.decision.Action.Type),
			"error":  err.Error(),
		})
		p.publishSnapshot()
		return "", false
	}
	p.rt.metrics.Turn("applied", r.elapsed)
	return reason, stop
}

// apply commits a decision. The memory copy is only adopted when every
// step succeeds, so a rejected turn leaves no trace in the ledger or
// the transcripts.
func (p *AgentProcess) apply(d *Decision) (ExitReason, bool, error) {
	act := d.Action
	if c, ok := act.Requires(); ok && !p.cfg.Profile.Has(c) {
		return "", false, fmt.Errorf("%w: %s needs %s", ErrCapabilityDenied, act.Type, c)
	}

	mem := p.mem.Clone()
	for _, c := range d.Costs {
		b, err := mem.Budget.Spend(c.Amount)
		if err != nil {
			p.rt.metrics.BudgetRejected("spend")
			return "", false, err
		}
		mem.Budget = b
	}

	if mem.ModelHistories == nil {
		mem.ModelHistories = make(map[string][]ModelMessage)
	}
	for _, model := range p.cfg.ModelPool {
		mem.ModelHistories[model] = append(mem.ModelHistories[model], p.inbox...)
		if resp, ok := d.Responses[model]; ok {
			mem.ModelHistories[model] = append(mem.ModelHistories[model], ModelMessage{Role: RoleAssistant, Content: resp})
		}
	}
	if len(d.ModelStates) > 0 {
		if mem.ModelStates == nil {
			mem.ModelStates = make(map[string]string)
		}
		maps.Copy(mem.ModelStates, d.ModelStates)
	}
	for model, lessons := range d.Lessons {
		for _, l := range lessons {
			p.addLesson(&mem, model, l)
		}
	}
	mem.Turns++

	var (
		reason  ExitReason
		stop    bool
		follow  = true
		publish func()
	)
	switch act.Type {
	case ActionWait:
		follow = false
	case ActionComplete:
		reason, stop, follow = ExitCompleted, true, false
		publish = func() { p.reportCompletion(act.Result) }
	case ActionUpdateTodos:
		for _, t := range act.Todos {
			if !t.Valid() {
				return "", false, fmt.Errorf("%w: todo %q", ErrInvalidInput, t.Content)
			}
		}
		mem.Todos = slices.Clone(act.Todos)
		publish = p.publishTodos
	case ActionRecordLesson:
		for _, l := range act.Lessons {
			p.addLesson(&mem, "", l)
		}
	case ActionSendMessage:
		target, err := p.resolveTarget(act.Target)
		if err != nil {
			return "", false, err
		}
		publish = func() { p.sendMessage(target, act.Content) }
	case ActionDismissChild:
		if _, ok := mem.ChildAllocations[act.Target]; !ok {
			return "", false, &AgentError{AgentID: act.Target, TaskID: p.TaskID, Err: ErrChildNotFound}
		}
		target := act.Target
		publish = func() {
			if child := p.rt.registry.Process(target); child != nil {
				child.Terminate(ExitDismissed)
			}
		}
	case ActionSpawnChild:
		// spawnChild commits mem itself, together with the child.
		if _, err := p.spawnChild(&mem, SpawnRequest{Prompt: act.Prompt, Profile: act.Profile, Budget: act.Budget}); err != nil {
			return "", false, err
		}
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnknownAction, act.Type)
	}

	p.inbox = nil
	p.mem = mem
	p.recordCosts(d.Costs, false)
	if publish != nil {
		publish()
	}
	p.emit(LevelDebug, "turn applied", map[string]any{
		"action": string(act.Type),
		"cost":   d.TotalCost().String(),
	})
	p.publishSnapshot()
	if follow && !stop {
		p.wantTurn = true
	}
	return reason, stop, nil
}

func (p *AgentProcess) addLesson(mem *AgentMemory, model string, l Lesson) {
	if mem.ContextLessons == nil {
		mem.ContextLessons = make(map[string][]Lesson)
	}
	if model != "" {
		mem.ContextLessons[model] = append(mem.ContextLessons[model], l)
		return
	}
	for _, m := range p.cfg.ModelPool {
		mem.ContextLessons[m] = append(mem.ContextLessons[m], l)
	}
}

func (p *AgentProcess) resolveTarget(target string) (string, error) {
	if target == "" || target == "parent" {
		if p.ParentID == "" {
			return "", fmt.Errorf("%w: root agent has no parent", ErrInvalidInput)
		}
		return p.ParentID, nil
	}
	return target, nil
}

func (p *AgentProcess) sendMessage(targetID, content string) {
	status := "delivered"
	entry, ok := p.rt.registry.Lookup(targetID)
	if !ok || entry.TaskID != p.TaskID || entry.Process.Deliver(fmt.Sprintf("[%s] %s", p.ID, content)) != nil {
		status = "undelivered"
		p.emit(LevelWarn, "message target not running", map[string]any{"target": targetID})
	}
	p.rt.recordMessage(p.TaskID, "agent", p.ID, content, status)
}

func (p *AgentProcess) reportCompletion(result string) {
	p.emit(LevelInfo, "agent completed", map[string]any{"result": result})
	if p.ParentID == "" || result == "" {
		return
	}
	p.sendMessage(p.ParentID, result)
}

// recordCosts appends a cost record per item. Costs of a rejected turn
// carry the rejected flag and never reach the ledger.
func (p *AgentProcess) recordCosts(costs []ModelCost, rejected bool) {
	for _, c := range costs {
		rec := &CostRecord{
			ID:        uuid.NewString(),
			AgentID:   p.ID,
			TaskID:    p.TaskID,
			CostType:  c.Type,
			CostUSD:   c.Amount,
			Metadata:  maps.Clone(c.Metadata),
			CreatedAt: time.Now().UTC(),
		}
		if rec.CostType == "" {
			rec.CostType = CostLLMConsensus
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any)
		}
		if c.Model != "" {
			rec.Metadata["model"] = c.Model
		}
		if rejected {
			rec.Metadata["rejected"] = true
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.rt.storeTimeout)
		if err := p.rt.store.AppendCost(ctx, rec); err != nil {
			p.logger.Error("append cost failed", "error", err)
		}
		cancel()

		e := NewEvent(EventCostRecorded)
		e.AgentID, e.TaskID = p.ID, p.TaskID
		amount := rec.CostUSD
		e.CostUSD = &amount
		e.CostType = rec.CostType
		e.Metadata = rec.Metadata
		p.rt.bus.Publish(TaskCostsTopic(p.TaskID), e)
	}
}

func (p *AgentProcess) publishTodos() {
	e := NewEvent(EventTodosUpdated)
	e.AgentID, e.TaskID = p.ID, p.TaskID
	e.Todos = slices.Clone(p.mem.Todos)
	p.rt.bus.Publish(AgentTodosTopic(p.ID), e)
}

func (p *AgentProcess) onChildSpawned(n ChildNotice) {
	if _, ok := p.mem.ChildAllocations[n.ChildID]; ok {
		return
	}
	mem := p.mem.Clone()
	mem.ChildAllocations[n.ChildID] = n.Allocated
	mem.Budget.Committed = mem.Budget.Committed.Add(n.Allocated)
	if err := mem.Budget.Validate(); err != nil {
		p.logger.Warn("child linked beyond allocation", "child", n.ChildID, "error", err)
	}
	p.commit(mem)
}

func (p *AgentProcess) onChildTerminated(n ChildNotice, reason ExitReason) {
	alloc, ok := p.mem.ChildAllocations[n.ChildID]
	if !ok {
		return
	}
	if reason.Restorable() {
		// The child comes back on resume and keeps its escrow.
		return
	}
	mem := p.mem.Clone()
	mem.Budget = mem.Budget.Release(alloc, n.Spent)
	delete(mem.ChildAllocations, n.ChildID)
	p.commit(mem)
	p.emit(LevelInfo, "child exited", map[string]any{
		"child":    n.ChildID,
		"reason":   string(reason),
		"released": alloc.String(),
	})
	if reason != ExitDismissed && reason != ExitDeleted {
		p.wantTurn = true
	}
}

func (p *AgentProcess) spawnChild(mem *AgentMemory, req SpawnRequest) (*AgentProcess, error) {
	if !p.cfg.Profile.Has(CapHierarchy) {
		return nil, fmt.Errorf("%w: spawn needs %s", ErrCapabilityDenied, CapHierarchy)
	}
	profile := p.cfg.Profile
	if req.Profile != "" {
		pr, ok := p.rt.profiles[req.Profile]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, req.Profile)
		}
		profile = pr
	}

	amount := decimal.Zero
	childBudget := BudgetData{Mode: BudgetUnconstrained}
	switch {
	case req.Budget != nil:
		amount = *req.Budget
		childBudget = NewChildBudget(amount)
	case mem.Budget.Constrained():
		return nil, &BudgetError{Op: "allocate", Err: ErrInvalidAmount}
	}
	budget, err := mem.Budget.Reserve(amount)
	if err != nil {
		p.rt.metrics.BudgetRejected("allocate")
		return nil, err
	}

	cfg := AgentConfig{
		AgentID:      uuid.NewString(),
		TaskID:       p.TaskID,
		ParentID:     p.ID,
		Profile:      profile,
		ModelPool:    slices.Clone(p.cfg.ModelPool),
		Prompt:       PromptFields{Provided: req.Prompt},
		Budget:       childBudget,
		SkipAutoTurn: req.SkipAutoTurn || p.rt.skipAutoTurn,
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	child, err := p.sup.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	mem.Budget = budget
	mem.ChildAllocations[child.ID] = amount
	p.mem = *mem
	p.snapshot.Store(p.stateFor(p.mem))
	p.emit(LevelInfo, "child spawned", map[string]any{"child": child.ID, "allocated": amount.String()})
	return child, nil
}

// reallocation carries one adjust from parent to child. Exactly one of
// claim (child applies) and abort (parent gives up) succeeds.
type reallocation struct {
	parent      *AgentProcess
	amount      decimal.Decimal
	parentState *AgentState
	reply       chan error
	state       atomic.Int32
}

func (r *reallocation) claim() bool { return r.state.CompareAndSwap(0, 1) }
func (r *reallocation) abort() bool { return r.state.CompareAndSwap(0, 2) }

func (p *AgentProcess) adjustChild(childID string, amount decimal.Decimal) error {
	old, ok := p.mem.ChildAllocations[childID]
	if !ok {
		return &AgentError{AgentID: childID, TaskID: p.TaskID, Err: ErrChildNotFound}
	}
	budget, err := p.mem.Budget.AdjustCommitted(old, amount)
	if err != nil {
		p.rt.metrics.BudgetRejected("adjust")
		return err
	}
	child := p.rt.registry.Process(childID)
	if child == nil {
		return &AgentError{AgentID: childID, TaskID: p.TaskID, Err: ErrProcessNotRunning}
	}

	next := p.mem.Clone()
	next.Budget = budget
	next.ChildAllocations[childID] = amount
	r := &reallocation{
		parent:      p,
		amount:      amount,
		parentState: p.stateFor(next),
		reply:       make(chan error, 1),
	}
	child.mailbox.push(cmdReallocate{r: r})

	timer := time.NewTimer(p.rt.adjustTimeout)
	defer timer.Stop()
	var gaveUp error
	select {
	case err := <-r.reply:
		if err != nil {
			return err
		}
	case <-timer.C:
		gaveUp = fmt.Errorf("%w: adjust of %s", ErrTimeout, childID)
	case <-child.done:
		gaveUp = &AgentError{AgentID: childID, TaskID: p.TaskID, Err: ErrProcessNotRunning}
	case <-p.ctx.Done():
		gaveUp = p.notRunning()
	}
	if gaveUp != nil {
		if r.abort() {
			return gaveUp
		}
		// The child already applied both sides.
		if err := <-r.reply; err != nil {
			return err
		}
	}

	p.mem = next
	p.emit(LevelInfo, "child budget adjusted", map[string]any{
		"child": childID,
		"from":  old.String(),
		"to":    amount.String(),
	})
	return nil
}

func (p *AgentProcess) reallocate(r *reallocation) {
	budget, err := p.mem.Budget.Reallocate(r.amount)
	if err != nil {
		p.rt.metrics.BudgetRejected("reallocate")
		r.reply <- err
		return
	}
	if !r.claim() {
		r.reply <- ErrTimeout
		return
	}
	next := p.mem.Clone()
	next.Budget = budget
	state := p.stateFor(next)

	unlock := lockPair(r.parent, p)
	r.parent.snapshot.Store(r.parentState)
	p.snapshot.Store(state)
	unlock()

	p.mem = next
	r.reply <- nil
}

func lockPair(a, b *AgentProcess) func() {
	if b.ID < a.ID {
		a, b = b, a
	}
	a.stateMu.Lock()
	b.stateMu.Lock()
	return func() {
		b.stateMu.Unlock()
		a.stateMu.Unlock()
	}
}

// ReadLedgers returns the ledgers of two agents as one consistent view.
func ReadLedgers(a, b *AgentProcess) (BudgetData, BudgetData) {
	first, second := a, b
	if second.ID < first.ID {
		first, second = second, first
	}
	first.stateMu.RLock()
	second.stateMu.RLock()
	la := a.snapshot.Load().Memory.Budget
	lb := b.snapshot.Load().Memory.Budget
	second.stateMu.RUnlock()
	first.stateMu.RUnlock()
	return la, lb
}

func (p *AgentProcess) commit(mem AgentMemory) {
	p.mem = mem
	p.publishSnapshot()
}

func (p *AgentProcess) publishSnapshot() {
	s := p.stateFor(p.mem)
	p.stateMu.Lock()
	p.snapshot.Store(s)
	p.stateMu.Unlock()
}

func (p *AgentProcess) stateFor(mem AgentMemory) *AgentState {
	return &AgentState{
		AgentID:   p.ID,
		TaskID:    p.TaskID,
		ParentID:  p.ParentID,
		Phase:     p.phase,
		Profile:   p.cfg.Profile,
		ModelPool: p.cfg.ModelPool,
		Prompt:    p.cfg.Prompt,
		Memory:    mem.Clone(),
		Busy:      p.turnCancel != nil,
		StartedAt: p.startedAt,
	}
}

// emit logs locally and publishes a log_entry for observers.
func (p *AgentProcess) emit(level LogLevel, msg string, meta map[string]any) {
	args := make([]any, 0, len(meta)*2)
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		args = append(args, k, meta[k])
	}
	switch level {
	case LevelDebug:
		p.logger.Debug(msg, args...)
	case LevelWarn:
		p.logger.Warn(msg, args...)
	case LevelError:
		p.logger.Error(msg, args...)
	default:
		p.logger.Info(msg, args...)
	}

	e := NewEvent(EventLogEntry)
	e.AgentID, e.TaskID = p.ID, p.TaskID
	e.Level, e.Message, e.Metadata = level, msg, meta
	p.rt.bus.Publish(AgentLogsTopic(p.ID), e)

	ctx, cancel := context.WithTimeout(context.Background(), p.rt.storeTimeout)
	defer cancel()
	rec := &LogRecord{ID: e.ID, TaskID: p.TaskID, AgentID: p.ID, Level: level, Message: msg, Metadata: meta, CreatedAt: e.Timestamp}
	if err := p.rt.store.AppendLog(ctx, rec); err != nil {
		p.logger.Debug("append log failed", "error", err)
	}
}

func (p *AgentProcess) persist(status AgentStatus, reason ExitReason) error {
	rec, err := NewAgentRecord(p.cfg, p.mem, status, reason)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.rt.storeTimeout)
	defer cancel()
	return p.rt.store.SaveAgent(ctx, rec)
}

// finish runs the exit path exactly once: persist, announce, unregister
// and notify the parent.
func (p *AgentProcess) finish(reason ExitReason) {
	if !p.finishing.CompareAndSwap(false, true) {
		return
	}
	defer p.closeDone()

	p.phase = PhaseTerminating
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	p.publishSnapshot()

	if err := p.persist(AgentTerminated, reason); err != nil {
		if reason.Graceful() {
			p.logger.Error("persist on exit failed", "reason", reason, "error", err)
			p.exitErr = &AgentError{AgentID: p.ID, TaskID: p.TaskID, Err: err}
		} else {
			p.logger.Warn("best-effort persist failed", "reason", reason, "error", err)
		}
	}
	p.cancel()
	p.rt.registry.Unregister(p.ID, p)
	if reason == ExitCompleted {
		for _, id := range p.mem.Children() {
			if child := p.rt.registry.Process(id); child != nil {
				child.Terminate(ExitDismissed)
			}
		}
	}

	e := NewEvent(EventAgentTerminated)
	e.AgentID, e.TaskID, e.ParentID, e.Reason = p.ID, p.TaskID, p.ParentID, reason
	p.rt.bus.Publish(LifecycleTopic, e)
	p.rt.bus.Publish(TaskLifecycleTopic(p.TaskID), e)
	p.logger.Info("agent terminated", "reason", reason)

	if p.ParentID != "" {
		if parent := p.rt.registry.Process(p.ParentID); parent != nil {
			parent.ChildTerminated(ChildNotice{
				ChildID:   p.ID,
				Allocated: p.mem.Budget.Allocated,
				Spent:     p.mem.Budget.Spent,
			}, reason)
		}
	}

	p.phase = PhaseTerminated
	p.publishSnapshot()
	p.exitReason = reason
	p.rt.metrics.AgentTerminated(reason)
	p.sup.exited(p, reason)
}

func (p *AgentProcess) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}
