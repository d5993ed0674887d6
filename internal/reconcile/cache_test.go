package reconcile

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"changedesk/internal/feed"
	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
)

var eventSeq atomic.Int64

func event(topic string, payload map[string]any) protocol.Message {
	id := fmt.Sprintf("evt_%d", eventSeq.Add(1))
	return protocol.Message{ID: id, Type: protocol.TypeEvent, Op: topic, Payload: protocol.MustRaw(payload)}
}

func newCache() *Cache {
	return NewCache(feed.New(feed.DefaultSize), nil)
}

func seed(t *testing.T, c *Cache, status taskstate.Status) taskstate.Task {
	t.Helper()
	task := taskstate.Task{
		TaskID:    uuid.NewString(),
		Prompt:    "Add payroll field",
		Status:    status,
		Version:   1,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, ok := c.MergeTask(task); !ok {
		t.Fatalf("seed merge rejected")
	}
	return task
}

func TestCache_StatusEventKeepsPrompt(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPending)

	err := c.Apply(event(protocol.TopicTaskStatus, map[string]any{
		"task_id": task.TaskID,
		"status":  "processing",
		"version": 2,
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := c.Task(task.TaskID)
	if got.Prompt != "Add payroll field" {
		t.Fatalf("prompt lost: %q", got.Prompt)
	}
	if got.Status != taskstate.StatusProcessing || got.Version != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestCache_EmptyPromptDoesNotOverwrite(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPending)
	_ = c.Apply(event(protocol.TopicTaskStatus, map[string]any{"task_id": task.TaskID, "prompt": "", "status": "processing", "version": 2}))
	if got, _ := c.Task(task.TaskID); got.Prompt != task.Prompt {
		t.Fatalf("prompt overwritten: %q", got.Prompt)
	}
}

func TestCache_StaleAndDuplicateEventsIgnored(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPending)
	for _, status := range []string{"processing", "pending_approval"} {
		v := 2
		if status == "pending_approval" {
			v = 3
		}
		_ = c.Apply(event(protocol.TopicTaskStatus, map[string]any{"task_id": task.TaskID, "status": status, "version": v}))
	}
	before := c.Feed().Len()
	// Late processing event, a republish of the latest and a redelivery of
	// the very same message.
	latest := event(protocol.TopicTaskStatus, map[string]any{"task_id": task.TaskID, "status": "pending_approval", "version": 3})
	_ = c.Apply(event(protocol.TopicTaskStatus, map[string]any{"task_id": task.TaskID, "status": "processing", "version": 2}))
	_ = c.Apply(event(protocol.TopicTaskStatus, map[string]any{"task_id": task.TaskID, "status": "pending_approval", "version": 3}))
	_ = c.Apply(latest)
	_ = c.Apply(latest)

	got, _ := c.Task(task.TaskID)
	if got.Status != taskstate.StatusPendingApproval || got.Version != 3 {
		t.Fatalf("stale event applied: %+v", got)
	}
	if c.Feed().Len() != before {
		t.Fatalf("duplicates added feed entries: %+v", c.Feed().Entries()[before:])
	}
}

func TestCache_RedeliveredEventAppliedOnce(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPendingApproval)
	msg := event(protocol.TopicTaskTestResult, map[string]any{"task_id": task.TaskID, "passed": true})
	_ = c.Apply(msg)
	_ = c.Apply(msg)
	if c.Feed().Len() != 1 {
		t.Fatalf("expected one entry, got %+v", c.Feed().Entries())
	}

	// A new subscription numbers events from the start again.
	_ = c.Apply(protocol.Message{ID: "evt_0", Type: protocol.TypeEvent, Op: protocol.TopicConnectionReady, Payload: protocol.MustRaw(map[string]any{})})
	_ = c.Apply(msg)
	if c.Feed().Len() != 3 {
		t.Fatalf("event after resubscribe was dropped: %+v", c.Feed().Entries())
	}
}

func TestCache_MalformedTaskIDOnProposalStatus(t *testing.T) {
	c := newCache()
	before := c.Feed().Len()
	err := c.Apply(event(protocol.TopicProposalStatus, map[string]any{
		"task_id":     "not-a-uuid",
		"proposal_id": uuid.NewString(),
		"status":      "approved",
	}))
	if !errors.Is(err, taskerr.ErrInvalidTaskID) {
		t.Fatalf("expected invalid task id, got %v", err)
	}
	entries := c.Feed().Entries()
	if len(entries) != before+1 || entries[len(entries)-1].Severity != protocol.SeverityError {
		t.Fatalf("expected one error entry, got %+v", entries[before:])
	}
	if props := c.Proposals("not-a-uuid"); len(props) != 0 {
		t.Fatalf("proposal cached under malformed task id: %+v", props)
	}
}

func TestCache_MalformedTaskIDOnLogUpdate(t *testing.T) {
	c := newCache()
	err := c.Apply(event(protocol.TopicLogUpdate, map[string]any{"task_id": "not-a-uuid", "severity": "success", "message": "done"}))
	if !errors.Is(err, taskerr.ErrInvalidTaskID) {
		t.Fatalf("expected invalid task id, got %v", err)
	}
	entries := c.Feed().Entries()
	if len(entries) != 1 || entries[0].Severity != protocol.SeverityError || entries[0].TaskID != "" {
		t.Fatalf("expected a single error entry, got %+v", entries)
	}
}

func TestCache_PriorityForUnknownTaskIgnored(t *testing.T) {
	c := newCache()
	_ = c.Apply(event(protocol.TopicTaskPriority, map[string]any{"task_id": uuid.NewString(), "priority": 3, "version": 2}))
	if len(c.Tasks()) != 0 || c.Feed().Len() != 0 {
		t.Fatalf("unknown task projected: %+v", c.Tasks())
	}

	task := seed(t, c, taskstate.StatusPending)
	_ = c.Apply(event(protocol.TopicTaskPriority, map[string]any{"task_id": task.TaskID, "priority": 3, "version": 2}))
	got, _ := c.Task(task.TaskID)
	if got.Priority != 3 || got.Prompt != task.Prompt || got.Status != taskstate.StatusPending {
		t.Fatalf("priority merge: %+v", got)
	}
}

func TestCache_MalformedTaskIDLeavesOneErrorEntry(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPending)
	before := c.Feed().Len()

	err := c.Apply(event(protocol.TopicTaskStatus, map[string]any{"task_id": "not-a-uuid", "status": "failed"}))
	if !errors.Is(err, taskerr.ErrInvalidTaskID) {
		t.Fatalf("expected invalid task id, got %v", err)
	}
	entries := c.Feed().Entries()
	if len(entries) != before+1 {
		t.Fatalf("expected exactly one new feed entry, got %d", len(entries)-before)
	}
	if entries[len(entries)-1].Severity != protocol.SeverityError {
		t.Fatalf("expected error entry, got %+v", entries[len(entries)-1])
	}
	if got, _ := c.Task(task.TaskID); got.Status != taskstate.StatusPending {
		t.Fatalf("state changed: %+v", got)
	}
	if len(c.Tasks()) != 1 {
		t.Fatalf("malformed event created a task")
	}
}

func TestCache_CanSubmitMirrorsAdmission(t *testing.T) {
	c := newCache()
	if err := c.CanSubmit(); err != nil {
		t.Fatalf("empty cache should allow submit: %v", err)
	}
	seed(t, c, taskstate.StatusPendingApproval)
	if err := c.CanSubmit(); !errors.Is(err, taskerr.ErrAdmissionConflict) {
		t.Fatalf("expected admission conflict, got %v", err)
	}
}

func TestCache_ProposalsAndProposalStatus(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPendingApproval)
	first, second := uuid.NewString(), uuid.NewString()
	_ = c.Apply(event(protocol.TopicTaskProposals, map[string]any{
		"task_id": task.TaskID,
		"proposals": []map[string]any{
			{"proposal_id": second, "file": "b.go", "status": "pending", "created_at": "2026-01-01T00:00:02Z"},
			{"proposal_id": first, "file": "a.go", "status": "pending", "content": "package a", "created_at": "2026-01-01T00:00:01Z"},
		},
	}))
	props := c.Proposals(task.TaskID)
	if len(props) != 2 || props[0].ProposalID != first {
		t.Fatalf("expected proposals oldest first, got %+v", props)
	}

	_ = c.Apply(event(protocol.TopicProposalStatus, map[string]any{"task_id": task.TaskID, "proposal_id": first, "status": "approved"}))
	props = c.Proposals(task.TaskID)
	if props[0].Status != taskstate.ProposalApproved || props[0].Content != "package a" || props[0].File != "a.go" {
		t.Fatalf("proposal merge lost fields: %+v", props[0])
	}
}

func TestCache_ListReplacesAndClearEmpties(t *testing.T) {
	c := newCache()
	gone := seed(t, c, taskstate.StatusFailed)
	kept := seed(t, c, taskstate.StatusPending)
	c.ReplaceProposals(gone.TaskID, []taskstate.Proposal{{ProposalID: uuid.NewString(), TaskID: gone.TaskID}})

	_ = c.Apply(event(protocol.TopicTaskList, map[string]any{
		"tasks": []map[string]any{{"task_id": kept.TaskID, "status": "processing", "version": 2}},
	}))
	if _, ok := c.Task(gone.TaskID); ok {
		t.Fatal("task missing from snapshot should be dropped")
	}
	if len(c.Proposals(gone.TaskID)) != 0 {
		t.Fatal("proposals of dropped task should go too")
	}
	got, _ := c.Task(kept.TaskID)
	if got.Prompt != kept.Prompt || got.Status != taskstate.StatusProcessing {
		t.Fatalf("snapshot merge wrong: %+v", got)
	}

	_ = c.Apply(event(protocol.TopicTaskCleared, map[string]any{"removed": 1}))
	if len(c.Tasks()) != 0 {
		t.Fatalf("expected empty projection after clear")
	}
}

func TestCache_DeletedStatusRemovesTask(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPendingApproval)
	_ = c.Apply(event(protocol.TopicTaskStatus, map[string]any{"task_id": task.TaskID, "status": "deleted", "version": 5}))
	if _, ok := c.Task(task.TaskID); ok {
		t.Fatal("deleted task still cached")
	}
}

func TestCache_LogUpdateBecomesFeedEntry(t *testing.T) {
	c := newCache()
	_ = c.Apply(event(protocol.TopicLogUpdate, map[string]any{"severity": "success", "message": "Task 1234abcd applied"}))
	entries := c.Feed().Entries()
	if len(entries) != 1 || entries[0].Color != "green" {
		t.Fatalf("unexpected feed: %+v", entries)
	}
}

func TestCache_TestResultAndFileContent(t *testing.T) {
	c := newCache()
	task := seed(t, c, taskstate.StatusPendingApproval)
	_ = c.Apply(event(protocol.TopicTaskTestResult, map[string]any{"task_id": task.TaskID, "passed": false, "details": "2 failing"}))
	v, ok := c.Verdict(task.TaskID)
	if !ok || v.Passed || v.Details != "2 failing" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
	last := c.Feed().Entries()[c.Feed().Len()-1]
	if last.Severity != protocol.SeverityError {
		t.Fatalf("failing test should be red: %+v", last)
	}

	_ = c.Apply(event(protocol.TopicFileContent, map[string]any{"task_id": task.TaskID, "file": "a.go", "content": "x"}))
	if content, ok := c.FileContent(task.TaskID, "a.go"); !ok || content != "x" {
		t.Fatalf("file content not cached")
	}
}

func TestCache_ApplyTextRejectsGarbage(t *testing.T) {
	c := newCache()
	if err := c.ApplyText("{not json"); err == nil {
		t.Fatal("expected decode error")
	}
	if c.Feed().Len() != 1 {
		t.Fatalf("expected one error entry, got %d", c.Feed().Len())
	}
}
