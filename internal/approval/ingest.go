package approval

import (
	"context"
	"strings"

	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

// Ingest is the side of the coordinator that generation and test backends
// report into.
type Ingest interface {
	ReportStatus(ctx context.Context, report StatusReport) (taskstate.Task, error)
	ReportProposals(ctx context.Context, taskID string, inputs []taskstate.ProposalInput) ([]taskstate.Proposal, error)
	ReportTestResult(ctx context.Context, result TestResult) error
	PublishLog(ctx context.Context, entry LogEntry)
}

var _ Ingest = (*Coordinator)(nil)

type StatusReport struct {
	TaskID          string                        `json:"task_id"`
	Status          taskstate.Status              `json:"status"`
	Prompt          *string                       `json:"prompt,omitempty"`
	StagedFiles     *[]string                     `json:"staged_files,omitempty"`
	GeneratedFiles  *[]string                     `json:"generated_files,omitempty"`
	ProposedChanges *[]taskstate.ChangeDescriptor `json:"proposed_changes,omitempty"`
	ExpectedVersion *int64                        `json:"expected_version,omitempty"`
	Reason          string                        `json:"reason,omitempty"`
}

type TestResult struct {
	TaskID  string `json:"task_id"`
	Passed  bool   `json:"passed"`
	Manual  bool   `json:"manual"`
	Details string `json:"details"`
}

type SelfTestResult struct {
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

type UploadResult struct {
	File    string `json:"file"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

type LogEntry struct {
	TaskID   string `json:"task_id,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
}

// ReportStatus records a status transition and any derived fields sent with it.
// An empty Status updates fields only.
func (c *Coordinator) ReportStatus(ctx context.Context, report StatusReport) (taskstate.Task, error) {
	const op = "report status"
	if err := validate.CheckTaskID(c.logger, op, report.TaskID); err != nil {
		return taskstate.Task{}, c.fail(op, report.TaskID, err)
	}
	upd := taskstate.TaskUpdate{
		TaskID:          report.TaskID,
		Prompt:          report.Prompt,
		StagedFiles:     report.StagedFiles,
		GeneratedFiles:  report.GeneratedFiles,
		ProposedChanges: report.ProposedChanges,
		ExpectedVersion: report.ExpectedVersion,
		Reason:          report.Reason,
	}
	if report.Status != "" {
		s := report.Status
		upd.Status = &s
	}
	out, err := c.applyUpdate(ctx, upd)
	if err != nil {
		return taskstate.Task{}, c.fail(op, report.TaskID, err)
	}
	c.logger.Info("task status reported", "task_id", out.TaskID, "status", out.Status, "version", out.Version)
	switch out.Status {
	case taskstate.StatusPendingApproval:
		c.note(protocol.SeverityInfo, out.TaskID, "Task "+shortID(out.TaskID)+" is awaiting approval", out.Prompt)
	case taskstate.StatusFailed:
		c.note(protocol.SeverityError, out.TaskID, "Task "+shortID(out.TaskID)+" failed", report.Reason)
	case taskstate.StatusRetrying:
		c.note(protocol.SeverityWarning, out.TaskID, "Task "+shortID(out.TaskID)+" is retrying", report.Reason)
	}
	return out, nil
}

// ReportProposals attaches a generated proposal batch to its task.
func (c *Coordinator) ReportProposals(ctx context.Context, taskID string, inputs []taskstate.ProposalInput) ([]taskstate.Proposal, error) {
	const op = "report proposals"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return nil, c.fail(op, taskID, err)
	}
	props, err := c.records.CreateProposals(ctx, taskID, inputs)
	if err != nil {
		return nil, c.fail(op, taskID, err)
	}
	c.pub.Publish(protocol.TopicTaskProposals, taskID, map[string]any{"proposals": props})
	return props, nil
}

// ReportTestResult publishes a verdict. A passing verdict moves a task that is
// awaiting approval to tested.
func (c *Coordinator) ReportTestResult(ctx context.Context, result TestResult) error {
	const op = "report test result"
	if err := validate.CheckTaskID(c.logger, op, result.TaskID); err != nil {
		return c.fail(op, result.TaskID, err)
	}
	task, err := c.records.GetTask(ctx, result.TaskID)
	if err != nil {
		return c.fail(op, result.TaskID, err)
	}
	c.pub.Publish(protocol.TopicTaskTestResult, result.TaskID, map[string]any{
		"passed":  result.Passed,
		"manual":  result.Manual,
		"details": result.Details,
	})
	if !result.Passed {
		c.note(protocol.SeverityError, result.TaskID, "Test failed for task "+shortID(result.TaskID), result.Details)
		return nil
	}
	c.note(protocol.SeveritySuccess, result.TaskID, "Test passed for task "+shortID(result.TaskID), result.Details)
	if task.Status != taskstate.StatusPendingApproval {
		return nil
	}
	tested := taskstate.StatusTested
	if _, err := c.applyUpdate(ctx, taskstate.TaskUpdate{TaskID: task.TaskID, Status: &tested, Reason: "test passed"}); err != nil {
		return c.fail(op, result.TaskID, err)
	}
	return nil
}

func (c *Coordinator) ReportMaintenance(ctx context.Context, taskID string, report map[string]any) error {
	const op = "report maintenance"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return c.fail(op, taskID, err)
	}
	if _, err := c.records.GetTask(ctx, taskID); err != nil {
		return c.fail(op, taskID, err)
	}
	c.pub.Publish(protocol.TopicTaskMaintenance, taskID, map[string]any{"report": report})
	return nil
}

func (c *Coordinator) ReportFileContent(ctx context.Context, taskID, file, content string) error {
	const op = "report file content"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return c.fail(op, taskID, err)
	}
	if strings.TrimSpace(file) == "" {
		return c.fail(op, taskID, taskerr.New(taskerr.KindValidation, op, "file is required"))
	}
	c.pub.Publish(protocol.TopicFileContent, taskID, map[string]any{"file": file, "content": content})
	return nil
}

func (c *Coordinator) ReportSelfTest(_ context.Context, result SelfTestResult) {
	c.pub.Publish(protocol.TopicSelfTestResult, "", map[string]any{"passed": result.Passed, "details": result.Details})
	if result.Passed {
		c.note(protocol.SeveritySuccess, "", "Self-test passed", result.Details)
		return
	}
	c.note(protocol.SeverityError, "", "Self-test failed", result.Details)
}

func (c *Coordinator) ReportUpload(_ context.Context, result UploadResult) {
	c.pub.Publish(protocol.TopicUploadResult, "", map[string]any{"file": result.File, "ok": result.OK, "details": result.Details})
	if result.OK {
		c.note(protocol.SeveritySuccess, "", "Uploaded "+result.File, result.Details)
		return
	}
	c.note(protocol.SeverityError, "", "Upload of "+result.File+" failed", result.Details)
}

// PublishLog forwards a backend log line to observers. Unknown severities are
// reported as info.
func (c *Coordinator) PublishLog(_ context.Context, entry LogEntry) {
	severity := entry.Severity
	switch severity {
	case protocol.SeverityInfo, protocol.SeveritySuccess, protocol.SeverityWarning, protocol.SeverityError:
	default:
		severity = protocol.SeverityInfo
	}
	c.note(severity, entry.TaskID, entry.Message, entry.Details)
}
