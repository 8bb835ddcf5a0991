// Package storetest holds the behavior every vega.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vega "github.com/everydev1618/vegatree"
)

// Run exercises s against the Store contract. newStore must return an
// empty store; Run does not close it.
func Run(t *testing.T, newStore func(t *testing.T) vega.Store) {
	t.Run("Tasks", func(t *testing.T) { testTasks(t, newStore(t)) })
	t.Run("DeleteTaskCascades", func(t *testing.T) { testDeleteTaskCascades(t, newStore(t)) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, newStore(t)) })
	t.Run("AppendOnlyRecords", func(t *testing.T) { testAppendOnly(t, newStore(t)) })
}

func newTask(id string, created time.Time) *vega.Task {
	limit := decimal.RequireFromString("12.50")
	return &vega.Task{
		ID:          id,
		Prompt:      "plan " + id,
		Status:      vega.TaskRunning,
		BudgetLimit: &limit,
		RootAgentID: id + "-root",
		Constraints: []string{"no spending on weekends"},
		Profile:     vega.DefaultProfile,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func newAgent(t *testing.T, id, taskID, parentID string) *vega.AgentRecord {
	t.Helper()
	mem := vega.AgentMemory{
		Budget: vega.BudgetData{Mode: vega.BudgetChild, Allocated: decimal.NewFromInt(5)},
		Todos:  []vega.Todo{{Content: "look around", State: vega.TodoOpen}},
	}
	rec, err := vega.NewAgentRecord(vega.AgentConfig{AgentID: id, TaskID: taskID, ParentID: parentID}, mem, vega.AgentRunning, "")
	require.NoError(t, err)
	return rec
}

func testTasks(t *testing.T, s vega.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateTask(ctx, newTask("t2", base.Add(time.Second))))
	require.NoError(t, s.CreateTask(ctx, newTask("t1", base)))
	assert.ErrorIs(t, s.CreateTask(ctx, newTask("t1", base)), vega.ErrInvalidInput)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "plan t1", got.Prompt)
	assert.Equal(t, vega.TaskRunning, got.Status)
	require.NotNil(t, got.BudgetLimit)
	assert.True(t, got.BudgetLimit.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, []string{"no spending on weekends"}, got.Constraints)
	assert.True(t, got.CreatedAt.Equal(base))

	got.Status = vega.TaskPaused
	got.BudgetLimit = nil
	require.NoError(t, s.UpdateTask(ctx, got))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, vega.TaskPaused, got.Status)
	assert.Nil(t, got.BudgetLimit)

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, "t2", tasks[1].ID)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, vega.ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateTask(ctx, newTask("missing", base)), vega.ErrTaskNotFound)
}

func testDeleteTaskCascades(t *testing.T, s vega.Store) {
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, s.CreateTask(ctx, newTask(id, now)))
		require.NoError(t, s.SaveAgent(ctx, newAgent(t, id+"-root", id, "")))
		require.NoError(t, s.AppendCost(ctx, &vega.CostRecord{
			ID: id + "-cost", TaskID: id, AgentID: id + "-root",
			CostType: vega.CostLLMConsensus, CostUSD: decimal.RequireFromString("0.25"), CreatedAt: now,
		}))
		require.NoError(t, s.AppendMessage(ctx, &vega.MessageRecord{
			ID: id + "-msg", TaskID: id, From: "user", Content: "hi", CreatedAt: now,
		}))
		require.NoError(t, s.AppendLog(ctx, &vega.LogRecord{
			ID: id + "-log", TaskID: id, AgentID: id + "-root", Level: vega.LevelInfo, Message: "agent started", CreatedAt: now,
		}))
	}

	require.NoError(t, s.DeleteTask(ctx, "t1"))
	assert.ErrorIs(t, s.DeleteTask(ctx, "t1"), vega.ErrTaskNotFound)

	agents, err := s.ListAgents(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, agents)
	costs, err := s.ListCosts(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, costs)
	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	logs, err := s.ListLogs(ctx, "t1-root")
	require.NoError(t, err)
	assert.Empty(t, logs)

	agents, err = s.ListAgents(ctx, "t2")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	costs, err = s.ListCosts(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, vega.SumCosts(costs).Equal(decimal.RequireFromString("0.25")))
}

func testAgents(t *testing.T, s vega.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", time.Now())))

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SaveAgent(ctx, newAgent(t, id, "t1", "root")))
	}

	rec := newAgent(t, "a", "t1", "root")
	rec.Status = vega.AgentTerminated
	rec.ExitReason = vega.ExitPause
	require.NoError(t, s.SaveAgent(ctx, rec))

	got, err := s.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, vega.AgentTerminated, got.Status)
	assert.Equal(t, vega.ExitPause, got.ExitReason)
	assert.Equal(t, "root", got.ParentID)

	cfg, mem, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.AgentID)
	assert.True(t, mem.Budget.Allocated.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, []vega.Todo{{Content: "look around", State: vega.TodoOpen}}, mem.Todos)

	agents, err := s.ListAgents(ctx, "t1")
	require.NoError(t, err)
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.AgentID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, s.AppendLog(ctx, &vega.LogRecord{ID: "l1", TaskID: "t1", AgentID: "b", Level: vega.LevelWarn, Message: "x", CreatedAt: time.Now()}))
	require.NoError(t, s.DeleteAgent(ctx, "b"))
	_, err = s.GetAgent(ctx, "b")
	assert.ErrorIs(t, err, vega.ErrAgentNotFound)
	assert.ErrorIs(t, s.DeleteAgent(ctx, "b"), vega.ErrAgentNotFound)

	logs, err := s.ListLogs(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func testAppendOnly(t *testing.T, s vega.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateTask(ctx, newTask("t1", base)))

	for i, amount := range []string{"0.1", "0.2", "0.3"} {
		require.NoError(t, s.AppendCost(ctx, &vega.CostRecord{
			ID: "c" + amount, TaskID: "t1", AgentID: "root", CostType: vega.CostLLMAnswer,
			CostUSD:   decimal.RequireFromString(amount),
			Metadata:  map[string]any{"model": "m1"},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	costs, err := s.ListCosts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, costs, 3)
	assert.True(t, vega.SumCosts(costs).Equal(decimal.RequireFromString("0.6")))
	assert.Equal(t, "c0.1", costs[0].ID)
	assert.Equal(t, "m1", costs[0].Metadata["model"])

	for i, content := range []string{"first", "second"} {
		require.NoError(t, s.AppendMessage(ctx, &vega.MessageRecord{
			ID: content, TaskID: "t1", From: "agent", SenderID: "root", Content: content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	msgs, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "root", msgs[0].SenderID)

	require.NoError(t, s.AppendLog(ctx, &vega.LogRecord{
		ID: "l1", TaskID: "t1", AgentID: "root", Level: vega.LevelError, Message: "boom",
		Metadata: map[string]any{"turn": float64(3)}, CreatedAt: base,
	}))
	logs, err := s.ListLogs(ctx, "root")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, vega.LevelError, logs[0].Level)
	assert.Equal(t, float64(3), logs[0].Metadata["turn"])
}
