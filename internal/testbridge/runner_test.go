package testbridge

import (
	"context"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"changedesk/internal/approval"
	"changedesk/internal/taskstate"
)

type resultSink struct {
	mu      sync.Mutex
	results []approval.TestResult
}

func (s *resultSink) ReportStatus(context.Context, approval.StatusReport) (taskstate.Task, error) {
	return taskstate.Task{}, nil
}

func (s *resultSink) ReportProposals(context.Context, string, []taskstate.ProposalInput) ([]taskstate.Proposal, error) {
	return nil, nil
}

func (s *resultSink) ReportTestResult(_ context.Context, result approval.TestResult) error {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()
	return nil
}

func (s *resultSink) PublishLog(context.Context, approval.LogEntry) {}

func TestCommandRunner_ReportsPassWithTaskEnv(t *testing.T) {
	sink := &resultSink{}
	r := NewCommandRunner(`echo "testing $CHANGEDESK_TASK_ID in $CHANGEDESK_TEST_MODE"`, t.TempDir(), time.Minute, nil)
	r.Attach(sink)

	if err := r.RunTest(context.Background(), "task-1", true); err != nil {
		t.Fatalf("RunTest failed: %v", err)
	}
	r.Wait()

	if len(sink.results) != 1 {
		t.Fatalf("expected one result, got %d", len(sink.results))
	}
	got := sink.results[0]
	if !got.Passed || !got.Manual || got.Details != "testing task-1 in manual" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestCommandRunner_ReportsFailure(t *testing.T) {
	sink := &resultSink{}
	r := NewCommandRunner(`echo broken >&2; exit 3`, "", time.Minute, nil)
	r.Attach(sink)
	if err := r.RunTest(context.Background(), "task-2", false); err != nil {
		t.Fatal(err)
	}
	r.Wait()
	if len(sink.results) != 1 || sink.results[0].Passed || sink.results[0].Details != "broken" {
		t.Fatalf("unexpected result: %+v", sink.results)
	}
}

func TestCommandRunner_RequiresCommand(t *testing.T) {
	r := NewCommandRunner("  ", "", 0, nil)
	r.Attach(&resultSink{})
	if err := r.RunTest(context.Background(), "t", false); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestTail_KeepsWholeRunes(t *testing.T) {
	out := tail("résumé ✓ ok", 5)
	if !utf8.ValidString(out) {
		t.Fatalf("tail split a rune: %q", out)
	}
	if out != " ok" {
		t.Fatalf("unexpected tail %q", out)
	}
	if got := tail("  short  ", 10); got != "short" {
		t.Fatalf("short input: %q", got)
	}
}
