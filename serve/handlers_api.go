package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	vega "github.com/everydev1618/vegatree"
)

// --- Task Handlers ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}

	task, root, err := s.orch.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TaskResponse{Task: task, RootAgentID: root.ID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*vega.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleInspectTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.InspectTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.PauseTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(vega.TaskPaused)})
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	root, err := s.orch.ResumeTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{RootAgentID: root.ID})
}

func (s *Server) handleTaskTree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.orch.InspectTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TreeResponse{TaskID: id, Tree: view.Tree})
}

func (s *Server) handleTaskSpend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.orch.Store().GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	spent, err := s.orch.TaskSpend(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SpendResponse{TaskID: id, Spent: spent, BudgetLimit: task.BudgetLimit})
}

// --- Agent Handlers ---

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.AgentState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "content is required"})
		return
	}
	if err := s.orch.SendMessage(r.Context(), r.PathValue("id"), req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "delivered"})
}

func (s *Server) handleUpdateTodos(w http.ResponseWriter, r *http.Request) {
	var req UpdateTodosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	if err := s.orch.UpdateTodos(r.PathValue("id"), req.Todos); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "updated"})
}

func (s *Server) handleAdjustBudget(w http.ResponseWriter, r *http.Request) {
	var req AdjustBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "amount is required"})
		return
	}
	err := s.orch.AdjustChildBudget(r.Context(), r.PathValue("id"), r.PathValue("child"), *req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "adjusted"})
}

// --- Stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StatsResponse{
		Tasks:       make(map[vega.TaskStatus]int),
		LiveAgents:  s.orch.Registry().Len(),
		OpenStreams: s.streams.Len(),
		StartedAt:   s.startedAt,
	}
	for _, t := range tasks {
		resp.Tasks[t.Status]++
	}
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

// statusFor maps an orchestrator error to an HTTP status.
func statusFor(err error) int {
	switch {
	case vega.IsValidation(err):
		return http.StatusBadRequest
	case vega.IsNotice(err):
		return http.StatusNotFound
	case vega.IsBudget(err):
		return http.StatusConflict
	case errors.Is(err, vega.ErrTaskNotPaused),
		errors.Is(err, vega.ErrTaskNotRunning),
		errors.Is(err, vega.ErrNoPersistedAgents):
		return http.StatusConflict
	case errors.Is(err, vega.ErrCapabilityDenied):
		return http.StatusForbidden
	case errors.Is(err, vega.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
