package localapi

import (
	"net/http"

	"changedesk/internal/approval"
	"changedesk/internal/taskstate"
)

type proposalsRequest struct {
	Proposals []taskstate.ProposalInput `json:"proposals"`
}

type maintenanceRequest struct {
	Report map[string]any `json:"report"`
}

type fileContentRequest struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// Bridge routes are where an external generation backend or test runner
// reports back.
func (s *Server) registerBridgeRoutes() {
	s.mux.HandleFunc("/api/v1/bridge/tasks/", s.handleBridgeTask)
	s.mux.HandleFunc("/api/v1/bridge/selftest", s.handleBridgeSelfTest)
	s.mux.HandleFunc("/api/v1/bridge/upload", s.handleBridgeUpload)
	s.mux.HandleFunc("/api/v1/bridge/log", s.handleBridgeLog)
}

func (s *Server) handleBridgeTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := splitPath(r.URL.Path, "/api/v1/bridge/tasks/")
	if len(parts) != 2 {
		routeNotFound(w)
		return
	}
	taskID, kind := parts[0], parts[1]
	ctx := r.Context()
	switch kind {
	case "status":
		var req approval.StatusReport
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		req.TaskID = taskID
		task, err := s.deps.Coordinator.ReportStatus(ctx, req)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, task)
	case "proposals":
		var req proposalsRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		props, err := s.deps.Coordinator.ReportProposals(ctx, taskID, req.Proposals)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"proposals": props})
	case "test-result":
		var req approval.TestResult
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		req.TaskID = taskID
		if err := s.deps.Coordinator.ReportTestResult(ctx, req); err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"task_id": taskID})
	case "maintenance":
		var req maintenanceRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		if err := s.deps.Coordinator.ReportMaintenance(ctx, taskID, req.Report); err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"task_id": taskID})
	case "file":
		var req fileContentRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		if err := s.deps.Coordinator.ReportFileContent(ctx, taskID, req.File, req.Content); err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, map[string]any{"task_id": taskID, "file": req.File})
	default:
		routeNotFound(w)
	}
}

func (s *Server) handleBridgeSelfTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req approval.SelfTestResult
	if err := decodeBody(r, &req); err != nil {
		respondTaskError(w, err)
		return
	}
	s.deps.Coordinator.ReportSelfTest(r.Context(), req)
	respondOK(w, req)
}

func (s *Server) handleBridgeUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req approval.UploadResult
	if err := decodeBody(r, &req); err != nil {
		respondTaskError(w, err)
		return
	}
	s.deps.Coordinator.ReportUpload(r.Context(), req)
	respondOK(w, req)
}

func (s *Server) handleBridgeLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req approval.LogEntry
	if err := decodeBody(r, &req); err != nil {
		respondTaskError(w, err)
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "INVALID_LOG", "message is required")
		return
	}
	s.deps.Coordinator.PublishLog(r.Context(), req)
	respondOK(w, req)
}
