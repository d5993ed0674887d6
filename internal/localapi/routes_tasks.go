package localapi

import (
	"net/http"
)

type submitTaskRequest struct {
	Prompt string `json:"prompt"`
}

type testTaskRequest struct {
	Manual bool `json:"manual"`
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) registerTaskRoutes() {
	s.mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/v1/tasks/", s.handleTaskActions)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.deps.Coordinator.ListTasks(r.Context())
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"tasks": tasks})
	case http.MethodPost:
		var req submitTaskRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		task, err := s.deps.Coordinator.Submit(r.Context(), req.Prompt)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, task)
	case http.MethodDelete:
		removed, err := s.deps.Coordinator.ClearAll(r.Context())
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"removed": removed})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/tasks/")
	if len(parts) == 0 || parts[0] == "" {
		routeNotFound(w)
		return
	}
	taskID := parts[0]
	if len(parts) == 1 {
		s.handleTask(w, r, taskID)
		return
	}
	if len(parts) != 2 {
		routeNotFound(w)
		return
	}
	action := parts[1]
	if action == "history" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		history, err := s.deps.Coordinator.History(r.Context(), taskID)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"task_id": taskID, "history": history})
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch action {
	case "test":
		var req testTaskRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		if err := s.deps.Coordinator.Test(r.Context(), taskID, req.Manual); err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"task_id": taskID, "started": true, "manual": req.Manual})
	case "approve":
		task, err := s.deps.Coordinator.Approve(r.Context(), taskID)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, task)
	case "deny-intent":
		intent, err := s.deps.Coordinator.OpenDenyIntent(r.Context(), taskID)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, intent)
	case "priority":
		var req priorityRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		if req.Priority == nil {
			respondError(w, http.StatusBadRequest, "INVALID_PRIORITY", "priority is required")
			return
		}
		task, err := s.deps.Coordinator.SetPriority(r.Context(), taskID, *req.Priority)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, task)
	default:
		routeNotFound(w)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		detail, err := s.deps.Coordinator.TaskDetail(r.Context(), taskID)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, detail)
	case http.MethodDelete:
		task, err := s.deps.Coordinator.DeleteTask(r.Context(), taskID)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, task)
	default:
		methodNotAllowed(w)
	}
}
