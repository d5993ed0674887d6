package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"changedesk/internal/approval"
	"changedesk/internal/authgate"
	"changedesk/internal/global"
	"changedesk/internal/logging"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
)

const maxBodyBytes = 4 << 20

type ConfigStore interface {
	LoadOrInit() (global.GlobalConfig, error)
	Save(cfg global.GlobalConfig) error
}

// Coordinator is the set of task operations exposed over HTTP.
type Coordinator interface {
	approval.Ingest

	Submit(ctx context.Context, prompt string) (taskstate.Task, error)
	ListTasks(ctx context.Context) ([]taskstate.Task, error)
	TaskDetail(ctx context.Context, taskID string) (approval.TaskDetail, error)
	History(ctx context.Context, taskID string) ([]taskstate.StatusChange, error)
	PendingProposals(ctx context.Context) ([]taskstate.Proposal, error)
	Test(ctx context.Context, taskID string, manual bool) error
	Approve(ctx context.Context, taskID string) (taskstate.Task, error)
	OpenDenyIntent(ctx context.Context, taskID string) (approval.DenyIntent, error)
	ConfirmDeny(ctx context.Context, intentID string) (taskstate.Task, error)
	CancelDenyIntent(intentID string)
	SetPriority(ctx context.Context, taskID string, priority int) (taskstate.Task, error)
	DeleteTask(ctx context.Context, taskID string) (taskstate.Task, error)
	ClearAll(ctx context.Context) (int64, error)
	BulkApprove(ctx context.Context, ids []string) (approval.BulkResult, error)
	BulkDeny(ctx context.Context, ids []string) (approval.BulkResult, error)
	ApproveProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error)
	DenyProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error)

	ReportMaintenance(ctx context.Context, taskID string, report map[string]any) error
	ReportFileContent(ctx context.Context, taskID, file, content string) error
	ReportSelfTest(ctx context.Context, result approval.SelfTestResult)
	ReportUpload(ctx context.Context, result approval.UploadResult)
}

var _ Coordinator = (*approval.Coordinator)(nil)

type EventStream interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

type Deps struct {
	Coordinator Coordinator
	Events      EventStream
	Gate        authgate.Gate
	ConfigStore ConfigStore
	Logger      *slog.Logger
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: logging.OrDiscard(deps.Logger).With("module", "localapi"),
	}
	s.registerTaskRoutes()
	s.registerProposalRoutes()
	s.registerDenyRoutes()
	s.registerBridgeRoutes()
	s.registerConfigRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if deps.Events != nil {
		s.mux.HandleFunc("/ws", s.deps.Events.HandleWS)
	}
	return s
}

// Handler applies the authentication gate to everything but /healthz.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && s.deps.Gate != nil {
			if err := s.deps.Gate.Authenticate(r); err != nil {
				s.logger.Warn("request rejected by auth gate", "path", r.URL.Path, "err", err)
				respondTaskError(w, err)
				return
			}
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	observers := 0
	if s.deps.Events != nil {
		observers = s.deps.Events.ClientCount()
	}
	respondOK(w, map[string]any{"status": "ok", "observers": observers})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

// respondTaskError maps the error taxonomy onto HTTP. The kind travels next to
// the code so clients can rebuild the typed error.
func respondTaskError(w http.ResponseWriter, err error) {
	kind := taskerr.KindOf(err)
	if kind == "" {
		kind = taskerr.KindPersistence
	}
	code := taskerr.CodeOf(err)
	if code == "" {
		code = string(kind)
	}
	writeJSON(w, statusForKind(kind), map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    code,
			"kind":    kind,
			"message": err.Error(),
		},
	})
}

func statusForKind(kind taskerr.Kind) int {
	switch kind {
	case taskerr.KindValidation:
		return http.StatusBadRequest
	case taskerr.KindAuthFailed:
		return http.StatusUnauthorized
	case taskerr.KindNotFound:
		return http.StatusNotFound
	case taskerr.KindAdmissionConflict, taskerr.KindOrderingViolation, taskerr.KindInvalidTransition, taskerr.KindConflict:
		return http.StatusConflict
	case taskerr.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody reads an optional JSON body. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return taskerr.New(taskerr.KindValidation, "decode body", "invalid json body: "+err.Error())
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func routeNotFound(w http.ResponseWriter) {
	respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
