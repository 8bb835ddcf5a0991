package serve

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vega "github.com/everydev1618/vegatree"
)

type testServer struct {
	*httptest.Server
	orch *vega.Orchestrator
	srv  *Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	orch := vega.NewOrchestrator(
		vega.WithConsensus(vega.NewScriptedEngine()),
		vega.WithLogger(logger),
		vega.WithMetrics(vega.MustNewMetrics(reg)),
		vega.WithDefaultModels("model-a"),
		vega.WithSkipAutoTurn(true),
		vega.WithShutdownGrace(2*time.Second),
	)
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 50 * time.Millisecond
	}
	srv := New(orch, cfg, WithLogger(logger), WithGatherer(reg))
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.streams.Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &testServer{Server: ts, orch: orch, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) createTask(t *testing.T, limit string) TaskResponse {
	t.Helper()
	l := decimal.RequireFromString(limit)
	resp, body := ts.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{Prompt: "plan the launch", BudgetLimit: &l})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out TaskResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.RootAgentID)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateAndInspectTask(t *testing.T) {
	ts := newTestServer(t, Config{})
	created := ts.createTask(t, "25")

	resp, body := ts.do(t, http.MethodGet, "/api/tasks/"+created.Task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view vega.TaskView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, vega.TaskRunning, view.Task.Status)
	assert.Equal(t, 1, view.Live)

	resp, body = ts.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []*vega.Task
	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/tasks/"+created.Task.ID+"/spend", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var spend SpendResponse
	require.NoError(t, json.Unmarshal(body, &spend))
	assert.True(t, spend.Spent.IsZero())
	require.NotNil(t, spend.BudgetLimit)
	assert.True(t, spend.BudgetLimit.Equal(decimal.NewFromInt(25)))
}

func TestCreateTaskValidation(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, _ := ts.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{Prompt: "x", Profile: "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/tasks", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := ts.Client().Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestUnknownTargets(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/tasks/missing", nil},
		{http.MethodPost, "/api/tasks/missing/pause", nil},
		{http.MethodPost, "/api/tasks/missing/resume", nil},
		{http.MethodDelete, "/api/tasks/missing", nil},
		{http.MethodGet, "/api/tasks/missing/spend", nil},
		{http.MethodGet, "/api/agents/missing", nil},
		{http.MethodDelete, "/api/agents/missing", nil},
		{http.MethodPost, "/api/agents/missing/messages", SendMessageRequest{Content: "hi"}},
		{http.MethodPut, "/api/agents/missing/todos", UpdateTodosRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, _ := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestPauseResumeDelete(t *testing.T) {
	ts := newTestServer(t, Config{})
	created := ts.createTask(t, "10")
	id := created.Task.ID

	resp, body := ts.do(t, http.MethodPost, "/api/tasks/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	task, err := ts.orch.Store().GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, vega.TaskPaused, task.Status)

	// Pausing twice is a no-op.
	resp, _ = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var resumed TaskResponse
	require.NoError(t, json.Unmarshal(body, &resumed))
	assert.Equal(t, created.RootAgentID, resumed.RootAgentID)

	resp, _ = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})
	created := ts.createTask(t, "100")
	rootID := created.RootAgentID

	root := ts.orch.Registry().Process(rootID)
	require.NotNil(t, root)
	forty := decimal.NewFromInt(40)
	child, err := root.SpawnChild(context.Background(), vega.SpawnRequest{Prompt: "research", Budget: &forty, SkipAutoTurn: true})
	require.NoError(t, err)

	resp, body := ts.do(t, http.MethodGet, "/api/agents/"+rootID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state vega.AgentState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, []string{child.ID}, state.Children())
	assert.True(t, state.Memory.Budget.Committed.Equal(forty))

	resp, _ = ts.do(t, http.MethodPost, "/api/agents/"+rootID+"/messages", SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/api/agents/"+child.ID+"/messages", SendMessageRequest{Content: "dig deeper"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	todos := []vega.Todo{{Content: "search", State: vega.TodoPending}}
	resp, _ = ts.do(t, http.MethodPut, "/api/agents/"+child.ID+"/todos", UpdateTodosRequest{Todos: todos})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	waitFor(t, "todos applied", func() bool {
		s := child.GetState()
		return len(s.Memory.Todos) == 1 && s.Memory.Todos[0] == todos[0]
	})

	resp, _ = ts.do(t, http.MethodPut, "/api/agents/"+child.ID+"/todos", UpdateTodosRequest{Todos: []vega.Todo{{Content: "x", State: "bogus"}}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	budgetPath := fmt.Sprintf("/api/agents/%s/children/%s/budget", rootID, child.ID)
	tooMuch := decimal.NewFromInt(150)
	resp, _ = ts.do(t, http.MethodPost, budgetPath, AdjustBudgetRequest{Amount: &tooMuch})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, budgetPath, AdjustBudgetRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sixty := decimal.NewFromInt(60)
	resp, body = ts.do(t, http.MethodPost, budgetPath, AdjustBudgetRequest{Amount: &sixty})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, child.GetState().Memory.Budget.Allocated.Equal(sixty))

	resp, _ = ts.do(t, http.MethodDelete, "/api/agents/"+child.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/agents/"+child.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/tasks/"+created.Task.ID+"/tree", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tree TreeResponse
	require.NoError(t, json.Unmarshal(body, &tree))
	require.Len(t, tree.Tree, 1)
	assert.Equal(t, rootID, tree.Tree[0].AgentID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{vega.ErrMissingPrompt, http.StatusBadRequest},
		{&vega.AgentError{AgentID: "a", Err: vega.ErrAgentNotFound}, http.StatusNotFound},
		{&vega.BudgetError{Op: "adjust", Err: vega.ErrInsufficientBudget}, http.StatusConflict},
		{vega.ErrTaskNotPaused, http.StatusConflict},
		{vega.ErrCapabilityDenied, http.StatusForbidden},
		{vega.ErrTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.createTask(t, "5")

	resp, body := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "vega_agents_spawned_total 1")
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.createTask(t, "5")

	resp, body := ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Tasks[vega.TaskRunning])
	assert.Equal(t, 1, stats.LiveAgents)
}

// sseEvents reads events from an open SSE response until want events of
// type typ arrive.
func sseEvents(t *testing.T, body io.Reader, typ vega.EventType, want int) []vega.Event {
	t.Helper()
	var out []vega.Event
	sc := bufio.NewScanner(body)
	var current string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && current == string(typ):
			var e vega.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			out = append(out, e)
			if len(out) == want {
				return out
			}
		}
	}
	t.Fatalf("stream ended after %d %s events: %v", len(out), typ, sc.Err())
	return nil
}

func openStream(t *testing.T, ts *testServer, query string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?"+query, nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSSEReplaysThenStreams(t *testing.T) {
	ts := newTestServer(t, Config{})
	created := ts.createTask(t, "10")
	rootID := created.RootAgentID

	resp := openStream(t, ts, "topic="+vega.AgentTodosTopic(rootID)+"&topic="+vega.AgentLogsTopic(rootID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	logs := sseEvents(t, resp.Body, vega.EventLogEntry, 1)
	assert.Equal(t, "agent started", logs[0].Message)

	require.NoError(t, ts.orch.UpdateTodos(rootID, []vega.Todo{{Content: "outline", State: vega.TodoOpen}}))
	todos := sseEvents(t, resp.Body, vega.EventTodosUpdated, 1)
	assert.Equal(t, rootID, todos[0].AgentID)
	assert.Equal(t, "outline", todos[0].Todos[0].Content)
}

func TestSSERejectsBadTopics(t *testing.T) {
	ts := newTestServer(t, Config{})

	for _, q := range []string{"", "topic=*", "topic=agents:%3E"} {
		resp, _ := ts.do(t, http.MethodGet, "/api/events?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestSSEStreamLimit(t *testing.T) {
	ts := newTestServer(t, Config{MaxStreams: 1})

	first := openStream(t, ts, "topic="+vega.LifecycleTopic)
	require.Equal(t, http.StatusOK, first.StatusCode)
	waitFor(t, "stream registered", func() bool { return ts.srv.streams.Len() == 1 })

	resp, _ := ts.do(t, http.MethodGet, "/api/events?topic="+vega.LifecycleTopic, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSkipThrough(t *testing.T) {
	events := []vega.Event{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	assert.Len(t, skipThrough(events, ""), 3)
	assert.Len(t, skipThrough(events, "zzz"), 3)
	got := skipThrough(events, "b")
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
}
