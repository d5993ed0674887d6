package taskstate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"changedesk/internal/db"
	"changedesk/internal/taskerr"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenSQLiteWithMigrations(filepath.Join(t.TempDir(), "changedesk.db"))
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewStore(gdb).WithClock(clock.Now)
}

func statusPtr(s Status) *Status { return &s }
func strPtr(s string) *string    { return &s }

func moveTo(t *testing.T, st *Store, taskID string, path ...Status) Task {
	t.Helper()
	var out Task
	for _, s := range path {
		task, _, err := st.UpdateTask(context.Background(), TaskUpdate{TaskID: taskID, Status: statusPtr(s)})
		if err != nil {
			t.Fatalf("move %s to %s failed: %v", taskID, s, err)
		}
		out = task
	}
	return out
}

func TestStore_CreateTask_AssignsUUIDAndPending(t *testing.T) {
	st := newTestStore(t)
	task, err := st.CreateTask(context.Background(), "  Add payroll field ")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if len(task.TaskID) != 36 {
		t.Fatalf("expected uuid task id, got %q", task.TaskID)
	}
	if task.Status != StatusPending || task.Prompt != "Add payroll field" || task.Version != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
	got, err := st.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Prompt != task.Prompt || !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("stored task differs: %+v vs %+v", got, task)
	}
}

func TestStore_CreateTask_RejectsEmptyPrompt(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateTask(context.Background(), "   "); !errors.Is(err, taskerr.ErrEmptyPrompt) {
		t.Fatalf("expected EmptyPrompt, got %v", err)
	}
	tasks, err := st.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no task, got %d", len(tasks))
	}
}

func TestStore_CreateTask_AdmissionConflictCreatesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	first, err := st.CreateTask(ctx, "first")
	if err != nil {
		t.Fatal(err)
	}
	moveTo(t, st, first.TaskID, StatusProcessing, StatusPendingApproval)

	if _, err := st.CreateTask(ctx, "second"); !errors.Is(err, taskerr.ErrAdmissionConflict) {
		t.Fatalf("expected AdmissionConflict, got %v", err)
	}
	tasks, err := st.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("conflicting submission must not create a record, got %d tasks", len(tasks))
	}

	moveTo(t, st, first.TaskID, StatusApplied)
	if _, err := st.CreateTask(ctx, "second"); err != nil {
		t.Fatalf("submission after approval should pass: %v", err)
	}
}

func TestStore_UpdateTask_SecondPendingApprovalIsRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a, _ := st.CreateTask(ctx, "a")
	b, _ := st.CreateTask(ctx, "b")
	moveTo(t, st, a.TaskID, StatusProcessing, StatusPendingApproval)
	moveTo(t, st, b.TaskID, StatusProcessing)

	_, _, err := st.UpdateTask(ctx, TaskUpdate{TaskID: b.TaskID, Status: statusPtr(StatusPendingApproval)})
	if !errors.Is(err, taskerr.ErrAdmissionConflict) {
		t.Fatalf("expected AdmissionConflict, got %v", err)
	}
}

func TestStore_UpdateTask_MergesFieldsAndKeepsPrompt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "P")

	files := []string{"a.go", "b.go"}
	changes := []ChangeDescriptor{{File: "a.go", Kind: "modify"}}
	updated, change, err := st.UpdateTask(ctx, TaskUpdate{
		TaskID:          task.TaskID,
		Status:          statusPtr(StatusProcessing),
		Prompt:          strPtr(""),
		GeneratedFiles:  &files,
		ProposedChanges: &changes,
	})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if updated.Prompt != "P" {
		t.Fatalf("empty prompt must not overwrite, got %q", updated.Prompt)
	}
	if change == nil || change.From != StatusPending || change.To != StatusProcessing {
		t.Fatalf("unexpected status change: %+v", change)
	}
	if len(updated.GeneratedFiles) != 2 || updated.ProposedChanges[0].Kind != "modify" {
		t.Fatalf("fields not merged: %+v", updated)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	priority := 7
	again, change, err := st.UpdateTask(ctx, TaskUpdate{TaskID: task.TaskID, Priority: &priority})
	if err != nil {
		t.Fatal(err)
	}
	if change != nil {
		t.Fatalf("priority-only update must not record a status change")
	}
	if again.Status != StatusProcessing || len(again.GeneratedFiles) != 2 || again.Priority != 7 {
		t.Fatalf("absent fields must be retained: %+v", again)
	}
}

func TestStore_UpdateTask_RejectsStaleVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "p")
	moveTo(t, st, task.TaskID, StatusProcessing)

	stale := task.Version
	_, _, err := st.UpdateTask(ctx, TaskUpdate{TaskID: task.TaskID, Status: statusPtr(StatusFailed), ExpectedVersion: &stale})
	if !errors.Is(err, taskerr.ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestStore_UpdateTask_InvalidTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "p")

	_, _, err := st.UpdateTask(ctx, TaskUpdate{TaskID: task.TaskID, Status: statusPtr(StatusApplied)})
	if !errors.Is(err, taskerr.ErrInvalidTransition) {
		t.Fatalf("pending -> applied should be invalid, got %v", err)
	}
	_, _, err = st.UpdateTask(ctx, TaskUpdate{TaskID: task.TaskID, Status: statusPtr(Status("bogus"))})
	if !errors.Is(err, taskerr.ErrValidation) {
		t.Fatalf("unknown status should be a validation error, got %v", err)
	}
	moveTo(t, st, task.TaskID, StatusRetrying, StatusProcessing, StatusPendingApproval, StatusDenied)
	_, _, err = st.UpdateTask(ctx, TaskUpdate{TaskID: task.TaskID, Status: statusPtr(StatusProcessing)})
	if !errors.Is(err, taskerr.ErrInvalidTransition) {
		t.Fatalf("denied is terminal, got %v", err)
	}
	_, _, err = st.UpdateTask(ctx, TaskUpdate{TaskID: "missing", Status: statusPtr(StatusProcessing)})
	if !errors.Is(err, taskerr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStore_History_RecordsTransitionsInOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "p")
	moveTo(t, st, task.TaskID, StatusProcessing, StatusPendingApproval, StatusApplied)

	history, err := st.History(ctx, task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	want := []Status{StatusPending, StatusProcessing, StatusPendingApproval, StatusApplied}
	if len(history) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(history))
	}
	for i, h := range history {
		if h.To != want[i] {
			t.Fatalf("history[%d]=%s want %s", i, h.To, want[i])
		}
	}
}

func TestStore_DeleteTask_CascadesAndSecondCallIsNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	task, _ := st.CreateTask(ctx, "p")
	if _, err := st.CreateProposals(ctx, task.TaskID, []ProposalInput{{File: "a.go"}, {File: "b.go"}}); err != nil {
		t.Fatal(err)
	}

	removed, err := st.DeleteTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if removed.Status != StatusDeleted {
		t.Fatalf("expected deleted status, got %s", removed.Status)
	}
	props, err := st.ListProposalsByTask(ctx, task.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(props) != 0 {
		t.Fatalf("proposals must cascade, got %d", len(props))
	}
	if _, err := st.DeleteTask(ctx, task.TaskID); !errors.Is(err, taskerr.ErrNotFound) {
		t.Fatalf("second delete should be NotFound, got %v", err)
	}
}

func TestStore_ClearAll_EmptiesEverything(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		task, err := st.CreateTask(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := st.CreateProposals(ctx, task.TaskID, []ProposalInput{{File: p + ".go"}}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := st.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 removed, got %d", n)
	}
	tasks, _ := st.ListTasks(ctx)
	pending, _ := st.ListPendingProposals(ctx)
	if len(tasks) != 0 || len(pending) != 0 {
		t.Fatalf("store not empty: %d tasks, %d proposals", len(tasks), len(pending))
	}
}
