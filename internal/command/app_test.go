package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"changedesk/internal/config"
	"changedesk/internal/console"
	"changedesk/internal/feed"
	"changedesk/internal/taskerr"
)

const taskID = "3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f"

func TestBuildApp_DefaultCommandIsServe(t *testing.T) {
	serveCalled := 0
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunServe: func(context.Context, config.Config) error {
			serveCalled++
			return nil
		},
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"changedesk"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 || migrateCalled != 0 {
		t.Fatalf("unexpected call count serve=%d migrate=%d", serveCalled, migrateCalled)
	}
}

func TestBuildApp_MigrateUpCommand(t *testing.T) {
	migrateCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunServe:   func(context.Context, config.Config) error { return nil },
		RunMigrateUp: func(context.Context, config.Config) error {
			migrateCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"changedesk", "migrate", "up"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if migrateCalled != 1 {
		t.Fatalf("expected migrate command called once, got %d", migrateCalled)
	}
}

func TestBuildApp_ServeWithoutRunnerFails(t *testing.T) {
	app := BuildApp(Deps{LoadConfig: func() config.Config { return config.Config{} }})
	if err := app.RunContext(context.Background(), []string{"changedesk", "serve"}); err == nil {
		t.Fatal("expected error when serve runner is missing")
	}
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []string
	tasks []map[string]any
}

func (f *fakeAPI) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		ok := func(data any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks":
			ok(map[string]any{"tasks": f.tasks})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			var body struct {
				Prompt string `json:"prompt"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			ok(map[string]any{"task_id": taskID, "prompt": body.Prompt, "status": "pending", "version": 1})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/"+taskID+"/deny-intent":
			ok(map[string]any{"intent_id": "intent-1", "task_id": taskID, "version": 3})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/deny-intents/intent-1/confirm":
			ok(map[string]any{"task_id": taskID, "prompt": "p", "status": "denied", "version": 4})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/deny-intents/intent-1":
			ok(map[string]any{"cancelled": true})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/"+taskID+"/approve":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]any{
				"code": "INVALID_TRANSITION", "kind": "INVALID_TRANSITION", "message": "approve task: task is pending",
			}})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func newTestApp(t *testing.T, api *fakeAPI, in string) (*bytes.Buffer, func(args ...string) error) {
	t.Helper()
	ts := httptest.NewServer(api.handler(t))
	t.Cleanup(ts.Close)
	out := &bytes.Buffer{}
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{ServerURL: ts.URL} },
		NewSession: func(cfg config.Config) *console.Session {
			return console.NewSession(console.Options{Client: console.NewClient(cfg.ServerURL, "", nil), Feed: feed.New(10)})
		},
		Out: out,
		In:  strings.NewReader(in),
	})
	return out, func(args ...string) error {
		return app.RunContext(context.Background(), append([]string{"changedesk"}, args...))
	}
}

func TestSubmitCommand_PrintsTask(t *testing.T) {
	api := &fakeAPI{}
	out, run := newTestApp(t, api, "")
	if err := run("submit", "Add", "payroll", "field"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out.String(), taskID) || !strings.Contains(out.String(), "Add payroll field") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestSubmitCommand_RefusedWhileAwaitingApproval(t *testing.T) {
	api := &fakeAPI{tasks: []map[string]any{{"task_id": taskID, "prompt": "p", "status": "pending_approval", "version": 3}}}
	_, run := newTestApp(t, api, "")
	err := run("submit", "another")
	if !errors.Is(err, taskerr.ErrAdmissionConflict) {
		t.Fatalf("expected admission conflict, got %v", err)
	}
	for _, c := range api.seen() {
		if c == "POST /api/v1/tasks" {
			t.Fatal("submit should be refused before reaching the server")
		}
	}
}

func TestDenyCommand_AsksForConfirmation(t *testing.T) {
	api := &fakeAPI{}
	out, run := newTestApp(t, api, "n\n")
	if err := run("deny", taskID); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !strings.Contains(out.String(), "deny cancelled") {
		t.Fatalf("expected cancellation, got %q", out.String())
	}

	out, run = newTestApp(t, api, "")
	if err := run("deny", "--yes", taskID); err != nil {
		t.Fatalf("deny --yes: %v", err)
	}
	if !strings.Contains(out.String(), "denied") {
		t.Fatalf("expected denied task, got %q", out.String())
	}
}

func TestApproveCommand_ReturnsTypedError(t *testing.T) {
	_, run := newTestApp(t, &fakeAPI{}, "")
	err := run("approve", taskID)
	if !errors.Is(err, taskerr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestTasksCommand_EmptyList(t *testing.T) {
	out, run := newTestApp(t, &fakeAPI{}, "")
	if err := run("tasks"); err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if strings.TrimSpace(out.String()) != "no tasks" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestProposalsApprove_EmptySelectionNeverCallsServer(t *testing.T) {
	api := &fakeAPI{}
	_, run := newTestApp(t, api, "")
	err := run("proposals", "approve")
	if !errors.Is(err, taskerr.ErrEmptySelection) {
		t.Fatalf("expected empty selection, got %v", err)
	}
	if calls := api.seen(); len(calls) != 0 {
		t.Fatalf("unexpected calls: %v", calls)
	}
}
