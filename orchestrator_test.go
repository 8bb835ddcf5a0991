package vega

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// blockingEngine holds every turn open until it is cancelled.
type blockingEngine struct{}

func (blockingEngine) Decide(ctx context.Context, _ *ConsensusRequest) (*Decision, error) {
	<-ctx.Done()
	return nil, ErrConsensusTimeout
}

func TestNewOrchestratorDefaults(t *testing.T) {
	o := NewOrchestrator()
	defer o.Shutdown(context.Background())

	if o.rt.turnTimeout != 2*time.Minute {
		t.Errorf("turnTimeout = %v, want 2m", o.rt.turnTimeout)
	}
	if o.shutdownGrace != 30*time.Second {
		t.Errorf("shutdownGrace = %v, want 30s", o.shutdownGrace)
	}
	if _, ok := o.Store().(*MemoryStore); !ok {
		t.Errorf("default store = %T, want *MemoryStore", o.Store())
	}
	if _, ok := o.Profiles()[DefaultProfile]; !ok {
		t.Error("default profile missing")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateTaskRequest
		want error
	}{
		{"missing prompt", CreateTaskRequest{Prompt: "  "}, ErrMissingPrompt},
		{"negative budget", CreateTaskRequest{Prompt: "p", BudgetLimit: decPtr("-1")}, ErrInvalidAmount},
		{"unknown profile", CreateTaskRequest{Prompt: "p", Profile: "wizard"}, ErrUnknownProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := o.CreateTask(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("CreateTask() error = %v, want %v", err, tt.want)
			}
		})
	}

	tasks, _ := o.ListTasks(ctx)
	if len(tasks) != 0 {
		t.Errorf("rejected requests created %d tasks", len(tasks))
	}
}

func TestCreateTask(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	task, root, err := o.CreateTask(ctx, CreateTaskRequest{
		Prompt:        "summarize the repo",
		GlobalContext: "be terse",
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.Status != TaskRunning || task.RootAgentID != root.ID {
		t.Errorf("task = %+v", task)
	}
	if task.Profile != DefaultProfile {
		t.Errorf("Profile = %q, want %q", task.Profile, DefaultProfile)
	}

	state := root.GetState()
	if state.Memory.Budget.Constrained() {
		t.Error("task without limit has a constrained root")
	}
	if !reflect.DeepEqual(state.ModelPool, []string{"model-a", "model-b"}) {
		t.Errorf("ModelPool = %v", state.ModelPool)
	}
	if state.Prompt.Injected != "be terse" {
		t.Errorf("Prompt = %+v", state.Prompt)
	}

	// Unconstrained parents may fund children without a budget.
	child, err := root.SpawnChild(ctx, SpawnRequest{Prompt: "free"})
	if err != nil {
		t.Fatalf("SpawnChild() error = %v", err)
	}
	if ledger(child).Constrained() {
		t.Error("child of unconstrained root is constrained")
	}

	waitFor(t, "root record", func() bool {
		stored, err := o.Store().GetAgent(ctx, root.ID)
		return err == nil && stored.Status == AgentRunning
	})
}

func memoriesMatch(t *testing.T, id string, got, want AgentMemory) {
	t.Helper()
	if !got.Budget.Equal(want.Budget) {
		t.Errorf("%s budget = %s, want %s", id, got.Budget, want.Budget)
	}
	if !reflect.DeepEqual(got.ModelHistories, want.ModelHistories) {
		t.Errorf("%s histories = %+v, want %+v", id, got.ModelHistories, want.ModelHistories)
	}
	if !reflect.DeepEqual(got.ContextLessons, want.ContextLessons) {
		t.Errorf("%s lessons = %+v, want %+v", id, got.ContextLessons, want.ContextLessons)
	}
	if !reflect.DeepEqual(got.ModelStates, want.ModelStates) {
		t.Errorf("%s model states = %v, want %v", id, got.ModelStates, want.ModelStates)
	}
	if !reflect.DeepEqual(got.Todos, want.Todos) {
		t.Errorf("%s todos = %v, want %v", id, got.Todos, want.Todos)
	}
	if got.Turns != want.Turns {
		t.Errorf("%s turns = %d, want %d", id, got.Turns, want.Turns)
	}
	if len(got.ChildAllocations) != len(want.ChildAllocations) {
		t.Errorf("%s children = %v, want %v", id, got.ChildAllocations, want.ChildAllocations)
	}
	for child, amount := range want.ChildAllocations {
		if !got.ChildAllocations[child].Equal(amount) {
			t.Errorf("%s allocation of %s = %s, want %s", id, child, got.ChildAllocations[child], amount)
		}
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	o, engine := newTestOrchestrator(t)
	task, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")
	ctx := context.Background()

	runTurn(t, o, engine, root, &Decision{
		Action:      Action{Type: ActionWait},
		Costs:       []ModelCost{{Model: "model-a", Amount: dec("1.10")}},
		Responses:   map[string]string{"model-a": "plan: delegate", "model-b": "agreed"},
		ModelStates: map[string]string{"model-b": "delegating research"},
		Lessons:     map[string][]Lesson{"model-a": {{Type: LessonBehavior, Content: "ask early", Confidence: 0.3333333333333333}}},
	})
	if err := o.UpdateTodos(root.ID, []Todo{{Content: "collect", State: TodoPending}, {Content: "write", State: TodoOpen}}); err != nil {
		t.Fatalf("UpdateTodos() error = %v", err)
	}
	waitFor(t, "todos", func() bool { return len(root.GetState().Memory.Todos) == 2 })
	runTurn(t, o, engine, child, &Decision{
		Action:    Action{Type: ActionWait},
		Costs:     []ModelCost{{Model: "model-b", Amount: dec("3.05")}},
		Responses: map[string]string{"model-b": "searching"},
	})

	before := map[string]AgentMemory{
		root.ID:  root.GetState().Memory,
		child.ID: child.GetState().Memory,
	}

	if err := o.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask() error = %v", err)
	}
	if root.Alive() || child.Alive() {
		t.Fatal("agents alive after PauseTask")
	}
	got, _ := o.Store().GetTask(ctx, task.ID)
	if got.Status != TaskPaused {
		t.Fatalf("status = %q, want %q", got.Status, TaskPaused)
	}

	// Pausing twice is a no-op.
	if err := o.PauseTask(ctx, task.ID); err != nil {
		t.Errorf("second PauseTask() error = %v", err)
	}

	newRoot, err := o.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ResumeTask() error = %v", err)
	}
	if newRoot.ID != root.ID || newRoot == root {
		t.Errorf("resumed root = %s (%p), want a fresh %s", newRoot.ID, newRoot, root.ID)
	}
	newChild := o.Registry().Process(child.ID)
	if newChild == nil {
		t.Fatal("child not restored")
	}

	memoriesMatch(t, root.ID, newRoot.GetState().Memory, before[root.ID])
	memoriesMatch(t, child.ID, newChild.GetState().Memory, before[child.ID])

	parent, kid := ReadLedgers(newRoot, newChild)
	if !parent.Committed.Equal(kid.Allocated) {
		t.Errorf("restored escrow parent=%s child=%s", parent, kid)
	}

	got, _ = o.Store().GetTask(ctx, task.ID)
	if got.Status != TaskRunning {
		t.Errorf("status after resume = %q, want %q", got.Status, TaskRunning)
	}
}

func TestPauseWaitsForEveryAgent(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithConsensus(blockingEngine{}))
	task, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")
	ctx := context.Background()

	statuses, _, _ := o.Subscribe(TaskStatusTopic(task.ID))
	defer statuses.Unsubscribe()

	for _, p := range []*AgentProcess{root, child} {
		if err := o.SendMessage(ctx, p.ID, "think hard"); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}
	}
	waitFor(t, "both agents busy", func() bool {
		return root.GetState().Busy && child.GetState().Busy
	})

	if err := o.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask() error = %v", err)
	}
	for _, p := range []*AgentProcess{root, child} {
		if p.Alive() {
			t.Errorf("%s alive after PauseTask returned", p.ID)
		}
		rec, err := o.Store().GetAgent(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetAgent(%s) error = %v", p.ID, err)
		}
		if rec.Status != AgentTerminated || rec.ExitReason != ExitPause {
			t.Errorf("%s record = %s/%s, want terminated/pause", p.ID, rec.Status, rec.ExitReason)
		}
	}
	if n := len(o.Registry().ByTask(task.ID)); n != 0 {
		t.Errorf("%d agents still registered", n)
	}

	var seen []TaskStatus
	for len(seen) < 2 {
		select {
		case e := <-statuses.C:
			seen = append(seen, e.TaskStatus)
		case <-time.After(time.Second):
			t.Fatalf("statuses = %v", seen)
		}
	}
	if seen[0] != TaskPausing || seen[1] != TaskPaused {
		t.Errorf("statuses = %v, want [pausing paused]", seen)
	}
}

func TestPausingTaskSelfHeals(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	stuck := &Task{ID: "stuck", Prompt: "p", Status: TaskPausing, RootAgentID: "r", CreatedAt: time.Now()}
	if err := o.Store().CreateTask(ctx, stuck); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	other := &Task{ID: "other", Prompt: "p", Status: TaskPausing, RootAgentID: "r2", CreatedAt: time.Now()}
	_ = o.Store().CreateTask(ctx, other)

	tasks, err := o.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	for _, task := range tasks {
		if task.Status != TaskPaused {
			t.Errorf("ListTasks() %s status = %q, want %q", task.ID, task.Status, TaskPaused)
		}
	}
	stored, _ := o.Store().GetTask(ctx, "stuck")
	if stored.Status != TaskPaused {
		t.Errorf("stored status = %q, want %q", stored.Status, TaskPaused)
	}

	_ = o.Store().UpdateTask(ctx, &Task{ID: "other", Prompt: "p", Status: TaskPausing, RootAgentID: "r2"})
	view, err := o.InspectTask(ctx, "other")
	if err != nil {
		t.Fatalf("InspectTask() error = %v", err)
	}
	if view.Task.Status != TaskPaused {
		t.Errorf("InspectTask() status = %q, want %q", view.Task.Status, TaskPaused)
	}
}

func TestPausingTaskWithLiveAgentsIsNotHealed(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	task, _ := newBudgetedTask(t, o, "10")

	task.Status = TaskPausing
	_ = o.Store().UpdateTask(ctx, task)

	tasks, _ := o.ListTasks(ctx)
	if len(tasks) != 1 || tasks[0].Status != TaskPausing {
		t.Errorf("ListTasks() = %+v, want the task still pausing", tasks)
	}
}

func TestResumeTaskErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	task, _ := newBudgetedTask(t, o, "10")

	if _, err := o.ResumeTask(ctx, task.ID); !errors.Is(err, ErrTaskNotPaused) {
		t.Errorf("ResumeTask(running) error = %v, want ErrTaskNotPaused", err)
	}
	if _, err := o.ResumeTask(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("ResumeTask(unknown) error = %v, want ErrTaskNotFound", err)
	}

	empty := &Task{ID: "empty", Prompt: "p", Status: TaskPaused, RootAgentID: "ghost", CreatedAt: time.Now()}
	_ = o.Store().CreateTask(ctx, empty)
	if _, err := o.ResumeTask(ctx, "empty"); !errors.Is(err, ErrNoPersistedAgents) {
		t.Errorf("ResumeTask(no agents) error = %v, want ErrNoPersistedAgents", err)
	}
	stored, _ := o.Store().GetTask(ctx, "empty")
	if stored.Status != TaskPaused {
		t.Errorf("status after failed resume = %q, want %q", stored.Status, TaskPaused)
	}
}

func TestRootCompletionCompletesTask(t *testing.T) {
	o, engine := newTestOrchestrator(t)
	task, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")

	engine.Push(root.ID, &Decision{Action: Action{Type: ActionComplete, Result: "shipped"}})
	if err := o.SendMessage(context.Background(), root.ID, "finish up"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, "task completion", func() bool {
		got, err := o.Store().GetTask(context.Background(), task.ID)
		return err == nil && got.Status == TaskCompleted
	})
	if got := child.ExitReason(); got != ExitDismissed {
		t.Errorf("child ExitReason() = %q, want %q", got, ExitDismissed)
	}
}

func TestDeleteTask(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	task, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")

	sub, _ := o.Bus().Subscribe(LifecycleTopic)
	defer sub.Unsubscribe()

	if err := o.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if root.Alive() || child.Alive() {
		t.Error("agents alive after DeleteTask")
	}
	if _, err := o.Store().GetTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask() error = %v, want ErrTaskNotFound", err)
	}
	if recs, _ := o.Store().ListAgents(ctx, task.ID); len(recs) != 0 {
		t.Errorf("ListAgents() = %d records, want 0", len(recs))
	}
	if got := o.History().Replay(TaskLifecycleTopic(task.ID)); got != nil {
		t.Errorf("task history not purged: %d events", len(got))
	}

	deleted := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(deleted) < 2 {
		select {
		case e := <-sub.C:
			if e.Type == EventAgentDeleted {
				deleted[e.AgentID] = true
			}
		case <-deadline:
			t.Fatalf("agent_deleted seen for %v", deleted)
		}
	}
	if !deleted[root.ID] || !deleted[child.ID] {
		t.Errorf("agent_deleted for %v", deleted)
	}

	if err := o.DeleteTask(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second DeleteTask() error = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteAgent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")

	if err := o.DeleteAgent(ctx, child.ID); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}
	if got := child.ExitReason(); got != ExitDeleted {
		t.Errorf("ExitReason() = %q, want %q", got, ExitDeleted)
	}
	if !root.Alive() {
		t.Error("DeleteAgent stopped the parent")
	}
	if _, err := o.Store().GetAgent(ctx, child.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("GetAgent() error = %v, want ErrAgentNotFound", err)
	}
	if got := o.History().Replay(AgentLogsTopic(child.ID)); got != nil {
		t.Errorf("agent history not purged: %d events", len(got))
	}
	waitFor(t, "escrow release", func() bool { return ledger(root).Committed.IsZero() })

	if err := o.DeleteAgent(ctx, child.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("second DeleteAgent() error = %v, want ErrAgentNotFound", err)
	}
}

func TestDeleteAgentOfPausedTask(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	task, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")

	if err := o.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask() error = %v", err)
	}
	if err := o.DeleteAgent(ctx, child.ID); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}
	stored, err := o.Store().GetAgent(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetAgent(root) error = %v", err)
	}
	_, mem, err := stored.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !mem.Budget.Committed.IsZero() || len(mem.ChildAllocations) != 0 {
		t.Errorf("stored root committed=%s children=%v, want none", mem.Budget.Committed, mem.ChildAllocations)
	}

	newRoot, err := o.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ResumeTask() error = %v", err)
	}
	b := ledger(newRoot)
	if !b.Committed.IsZero() || !b.Available().Equal(dec("100")) {
		t.Errorf("resumed root ledger = %s, want nothing committed", b)
	}
	if got := newRoot.GetState().Children(); len(got) != 0 {
		t.Errorf("Children() = %v, want none", got)
	}
}

func TestAgentStateOfStoppedAgent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	task, root := newBudgetedTask(t, o, "100")

	if err := o.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask() error = %v", err)
	}
	state, err := o.AgentState(ctx, root.ID)
	if err != nil {
		t.Fatalf("AgentState() error = %v", err)
	}
	if state.Phase != PhaseTerminated || !state.Memory.Budget.Allocated.Equal(dec("100")) {
		t.Errorf("state = %+v", state)
	}
	if _, err := o.AgentState(ctx, "nobody"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("AgentState(unknown) error = %v, want ErrAgentNotFound", err)
	}
}

func TestInspectTask(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	task, root := newBudgetedTask(t, o, "100")
	child := spawnChild(t, root, "40")
	waitFor(t, "agent records", func() bool {
		recs, _ := o.Store().ListAgents(ctx, task.ID)
		return len(recs) == 2
	})

	view, err := o.InspectTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("InspectTask() error = %v", err)
	}
	if view.Live != 2 || len(view.Agents) != 2 {
		t.Errorf("Live = %d, Agents = %d, want 2/2", view.Live, len(view.Agents))
	}
	if len(view.Tree) != 1 || view.Tree[0].AgentID != root.ID {
		t.Fatalf("Tree = %+v", view.Tree)
	}
	if kids := view.Tree[0].Children; len(kids) != 1 || kids[0].AgentID != child.ID {
		t.Errorf("root children = %+v", kids)
	}
	if !view.Spend.IsZero() {
		t.Errorf("Spend = %s, want 0", view.Spend)
	}

	if _, err := o.InspectTask(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("InspectTask(unknown) error = %v, want ErrTaskNotFound", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, root := newBudgetedTask(t, o, "10")

	if err := o.SendMessage(context.Background(), root.ID, " "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("SendMessage(empty) error = %v, want ErrInvalidInput", err)
	}
	if err := o.SendMessage(context.Background(), "nobody", "hi"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("SendMessage(unknown) error = %v, want ErrAgentNotFound", err)
	}
}

func TestRecover(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	orphaned := &Task{ID: "left-running", Prompt: "p", Status: TaskRunning, RootAgentID: "r", CreatedAt: time.Now()}
	done := &Task{ID: "done", Prompt: "p", Status: TaskCompleted, RootAgentID: "r2", CreatedAt: time.Now()}
	_ = o.Store().CreateTask(ctx, orphaned)
	_ = o.Store().CreateTask(ctx, done)
	live, _ := newBudgetedTask(t, o, "10")

	if err := o.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	want := map[string]TaskStatus{
		"left-running": TaskPaused,
		"done":         TaskCompleted,
		live.ID:        TaskRunning,
	}
	for id, status := range want {
		got, _ := o.Store().GetTask(ctx, id)
		if got.Status != status {
			t.Errorf("%s status = %q, want %q", id, got.Status, status)
		}
	}
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex

	unlock := k.Lock("a")
	if _, ok := k.TryLock("a"); ok {
		t.Error("TryLock(a) succeeded while held")
	}
	other, ok := k.TryLock("b")
	if !ok {
		t.Fatal("TryLock(b) failed")
	}
	other()
	unlock()

	again, ok := k.TryLock("a")
	if !ok {
		t.Fatal("TryLock(a) failed after unlock")
	}
	again()
	if len(k.locks) != 0 {
		t.Errorf("locks = %d entries, want 0", len(k.locks))
	}
}
