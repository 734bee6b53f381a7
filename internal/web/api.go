package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/comms"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/hivemind"
)

const maxBodyBytes = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)
	mux.HandleFunc("GET /api/agents/{id}/messages", s.agentMessages)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.submitTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", s.failTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)

	mux.HandleFunc("POST /api/workflows", s.runWorkflow)
	mux.HandleFunc("POST /api/messages", s.sendMessage)
	mux.HandleFunc("GET /api/recurring", s.listRecurring)

	// System
	mux.HandleFunc("GET /api/stats", s.getStats)
	mux.HandleFunc("GET /api/health", s.health)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.hive.ListAgents())
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var cfg agent.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	a, err := s.hive.RegisterAgent(cfg)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/agents/"+a.ID)
	jsonStatus(w, http.StatusCreated, a)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.hive.GetAgent(r.PathValue("id"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.hive.UnregisterAgent(r.PathValue("id")) {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.hive.MessagesFor(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, msgs)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.hive.ListTasks()
	status := hivemind.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		jsonResponse(w, tasks)
		return
	}
	out := make([]hivemind.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	jsonResponse(w, out)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var spec hivemind.TaskSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	sub, err := s.hive.ExecuteTask(r.Context(), spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+sub.TaskID)
	jsonStatus(w, http.StatusAccepted, sub)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.hive.GetTask(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Output string `json:"output"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	s.taskTransition(w, r, func(id string) error { return s.hive.CompleteTask(id, body.Output) })
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	s.taskTransition(w, r, func(id string) error { return s.hive.FailTask(id, body.Reason) })
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.hive.CancelTask)
}

func (s *Server) taskTransition(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := r.PathValue("id")
	if err := op(id); err != nil {
		writeErr(w, err)
		return
	}
	t, err := s.hive.GetTask(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf hivemind.Workflow
	if !decodeBody(w, r, &wf) {
		return
	}
	res, err := s.hive.ExecuteCoordinatedWorkflow(r.Context(), wf)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var msg comms.Message
	if !decodeBody(w, r, &msg) {
		return
	}
	delivered, err := s.hive.SendMessage(r.Context(), msg)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, map[string]bool{"delivered": delivered})
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.recurring.Jobs())
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.hive.GetSystemStats())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  formatUptime(time.Since(s.startedAt)),
	}
	if s.events != nil {
		resp["dropped_events"] = s.events.Dropped()
	}
	jsonResponse(w, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeBody(w, r, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotInitialized), errors.Is(err, errs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	jsonError(w, err.Error(), statusFor(err))
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
