package localapi

import "net/http"

func (s *Server) registerDenyRoutes() {
	s.mux.HandleFunc("/api/v1/deny-intents/", s.handleDenyIntent)
}

// POST /api/v1/deny-intents/{id}/confirm denies; DELETE /api/v1/deny-intents/{id} drops the intent.
func (s *Server) handleDenyIntent(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/deny-intents/")
	switch {
	case len(parts) == 2 && parts[1] == "confirm":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		task, err := s.deps.Coordinator.ConfirmDeny(r.Context(), parts[0])
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, task)
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		s.deps.Coordinator.CancelDenyIntent(parts[0])
		respondOK(w, map[string]any{"intent_id": parts[0], "cancelled": true})
	default:
		routeNotFound(w)
	}
}
