package vega

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAgentRecordRoundTrip(t *testing.T) {
	cfg := AgentConfig{
		AgentID:   "a1",
		TaskID:    "t1",
		ParentID:  "root",
		Profile:   BuiltinProfiles()["worker"],
		ModelPool: []string{"m1", "m2"},
		Prompt:    PromptFields{Provided: "do it", Injected: "context"},
	}
	mem := AgentMemory{
		Budget:           BudgetData{Mode: BudgetChild, Allocated: dec("40"), Committed: dec("5"), Spent: dec("12.345")},
		ModelHistories:   map[string][]ModelMessage{"m1": {{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}},
		ContextLessons:   map[string][]Lesson{"m2": {{Type: LessonFact, Content: "x", Confidence: 0.1}}},
		ModelStates:      map[string]string{"m1": "state"},
		Todos:            []Todo{{Content: "a", State: TodoDone}},
		ChildAllocations: map[string]decimal.Decimal{"k": dec("5")},
		Turns:            7,
	}

	rec, err := NewAgentRecord(cfg, mem, AgentTerminated, ExitPause)
	if err != nil {
		t.Fatalf("NewAgentRecord() error = %v", err)
	}
	if rec.ParentID != "root" || rec.ExitReason != ExitPause {
		t.Errorf("record = %+v", rec)
	}

	gotCfg, gotMem, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(gotCfg.Profile, cfg.Profile) || gotCfg.Prompt != cfg.Prompt || gotCfg.ParentID != "root" {
		t.Errorf("config = %+v", gotCfg)
	}
	memoriesMatch(t, "a1", gotMem, mem)
}

func TestMemoryStoreTasks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{ID: "t1", Prompt: "p", Status: TaskRunning, BudgetLimit: decPtr("10"), CreatedAt: time.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := s.CreateTask(ctx, task); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("duplicate CreateTask() error = %v, want ErrInvalidInput", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	got.Status = TaskPaused
	if fresh, _ := s.GetTask(ctx, "t1"); fresh.Status != TaskRunning {
		t.Error("store shares memory with callers")
	}
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if fresh, _ := s.GetTask(ctx, "t1"); fresh.Status != TaskPaused || !fresh.BudgetLimit.Equal(dec("10")) {
		t.Errorf("updated task = %+v", fresh)
	}

	if _, err := s.GetTask(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask(unknown) error = %v, want ErrTaskNotFound", err)
	}
	if err := s.UpdateTask(ctx, &Task{ID: "nope"}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateTask(unknown) error = %v, want ErrTaskNotFound", err)
	}
}

func TestMemoryStoreDeleteTaskCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_ = s.CreateTask(ctx, &Task{ID: id, CreatedAt: time.Now()})
		rec, _ := NewAgentRecord(AgentConfig{AgentID: id + "-root", TaskID: id}, AgentMemory{}, AgentRunning, "")
		_ = s.SaveAgent(ctx, rec)
		_ = s.AppendCost(ctx, &CostRecord{ID: id + "-c", TaskID: id, AgentID: id + "-root", CostUSD: dec("1.5")})
		_ = s.AppendMessage(ctx, &MessageRecord{ID: id + "-m", TaskID: id, Content: "x"})
		_ = s.AppendLog(ctx, &LogRecord{ID: id + "-l", TaskID: id, AgentID: id + "-root"})
	}

	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if agents, _ := s.ListAgents(ctx, "t1"); len(agents) != 0 {
		t.Errorf("t1 agents left: %d", len(agents))
	}
	if costs, _ := s.ListCosts(ctx, "t1"); len(costs) != 0 {
		t.Errorf("t1 costs left: %d", len(costs))
	}
	if msgs, _ := s.ListMessages(ctx, "t1"); len(msgs) != 0 {
		t.Errorf("t1 messages left: %d", len(msgs))
	}
	if logs, _ := s.ListLogs(ctx, "t1-root"); len(logs) != 0 {
		t.Errorf("t1 logs left: %d", len(logs))
	}

	costs, _ := s.ListCosts(ctx, "t2")
	if got := SumCosts(costs); !got.Equal(dec("1.5")) {
		t.Errorf("t2 spend = %s, want 1.5", got)
	}
	if err := s.DeleteTask(ctx, "t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second DeleteTask() error = %v, want ErrTaskNotFound", err)
	}
}

func TestMemoryStoreAgents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		rec, _ := NewAgentRecord(AgentConfig{AgentID: id, TaskID: "t1"}, AgentMemory{}, AgentRunning, "")
		_ = s.SaveAgent(ctx, rec)
	}
	rec, _ := NewAgentRecord(AgentConfig{AgentID: "a", TaskID: "t1"}, AgentMemory{Turns: 3}, AgentTerminated, ExitPause)
	if err := s.SaveAgent(ctx, rec); err != nil {
		t.Fatalf("SaveAgent(upsert) error = %v", err)
	}

	agents, _ := s.ListAgents(ctx, "t1")
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.AgentID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("ListAgents() ids = %v, want [a b c]", ids)
	}
	if agents[0].Status != AgentTerminated {
		t.Errorf("upserted status = %q, want %q", agents[0].Status, AgentTerminated)
	}

	_ = s.AppendLog(ctx, &LogRecord{ID: "l1", TaskID: "t1", AgentID: "b"})
	if err := s.DeleteAgent(ctx, "b"); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}
	if logs, _ := s.ListLogs(ctx, "b"); len(logs) != 0 {
		t.Errorf("logs of deleted agent left: %d", len(logs))
	}
	if _, err := s.GetAgent(ctx, "b"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("GetAgent(deleted) error = %v, want ErrAgentNotFound", err)
	}
	if err := s.DeleteAgent(ctx, "b"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("second DeleteAgent() error = %v, want ErrAgentNotFound", err)
	}
}
