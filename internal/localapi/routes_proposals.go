package localapi

import (
	"net/http"
)

type bulkRequest struct {
	ProposalIDs []string `json:"proposal_ids"`
}

func (s *Server) registerProposalRoutes() {
	s.mux.HandleFunc("/api/v1/proposals", s.handlePendingProposals)
	s.mux.HandleFunc("/api/v1/proposals/", s.handleProposalActions)
}

func (s *Server) handlePendingProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	props, err := s.deps.Coordinator.PendingProposals(r.Context())
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondOK(w, map[string]any{"proposals": props})
}

func (s *Server) handleProposalActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := splitPath(r.URL.Path, "/api/v1/proposals/")
	switch {
	case len(parts) == 1 && (parts[0] == "bulk-approve" || parts[0] == "bulk-deny"):
		var req bulkRequest
		if err := decodeBody(r, &req); err != nil {
			respondTaskError(w, err)
			return
		}
		bulk := s.deps.Coordinator.BulkDeny
		if parts[0] == "bulk-approve" {
			bulk = s.deps.Coordinator.BulkApprove
		}
		result, err := bulk(r.Context(), req.ProposalIDs)
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, result)
	case len(parts) == 2 && parts[1] == "approve":
		p, err := s.deps.Coordinator.ApproveProposal(r.Context(), parts[0])
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, p)
	case len(parts) == 2 && parts[1] == "deny":
		p, err := s.deps.Coordinator.DenyProposal(r.Context(), parts[0])
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondOK(w, p)
	default:
		routeNotFound(w)
	}
}
