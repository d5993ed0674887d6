package reconcile

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"changedesk/internal/feed"
	"changedesk/internal/protocol"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

// ApplyText decodes one stream frame and applies it.
func (c *Cache) ApplyText(text string) error {
	msg, err := protocol.DecodeMessage([]byte(text))
	if err != nil {
		c.feed.Add(feed.Entry{Message: "Unreadable event", Severity: protocol.SeverityError, Details: err.Error()})
		return err
	}
	return c.Apply(msg)
}

// Apply merges one event into the projection and records a feed entry for it.
// Task-scoped events with a malformed task id change nothing and leave exactly
// one error entry. A redelivered event id is applied once per subscription.
func (c *Cache) Apply(msg protocol.Message) error {
	if msg.Type != "" && msg.Type != protocol.TypeEvent {
		return nil
	}
	if msg.Op == protocol.TopicConnectionReady {
		c.resetSeen()
	} else if c.markSeen(msg.ID) {
		c.logger.Debug("duplicate event ignored", "id", msg.ID, "op", msg.Op)
		return nil
	}
	payload := gjson.ParseBytes(msg.Payload)
	if protocol.TaskScoped(msg.Op) {
		taskID := payload.Get("task_id").String()
		if !validate.IsValidTaskID(taskID) {
			return c.rejectTaskID(msg.Op, taskID)
		}
	}
	// log.update may be global; a task id it does carry must be well formed.
	if msg.Op == protocol.TopicLogUpdate {
		if v := payload.Get("task_id"); v.Exists() && v.String() != "" && !validate.IsValidTaskID(v.String()) {
			return c.rejectTaskID(msg.Op, v.String())
		}
	}

	switch msg.Op {
	case protocol.TopicConnectionReady:
		c.feed.Add(feed.Entry{Message: "Connected to event stream", Severity: protocol.SeverityInfo, Event: msg.Op})
	case protocol.TopicTaskStatus:
		c.applyStatus(msg.Op, payload)
	case protocol.TopicTaskPriority:
		c.applyPriority(msg.Op, payload)
	case protocol.TopicTaskProposals:
		c.applyProposals(msg.Op, payload)
	case protocol.TopicProposalStatus:
		c.applyProposalStatus(msg.Op, payload)
	case protocol.TopicTaskTestResult:
		c.applyTestResult(msg.Op, payload)
	case protocol.TopicTaskMaintenance:
		c.feed.Add(feed.Entry{
			Message:  "Maintenance report for task " + short(payload.Get("task_id").String()),
			Severity: protocol.SeverityInfo,
			Details:  payload.Get("report").Raw,
			Event:    msg.Op,
			TaskID:   payload.Get("task_id").String(),
		})
	case protocol.TopicFileContent:
		c.applyFileContent(msg.Op, payload)
	case protocol.TopicTaskList:
		c.applyTaskList(msg.Op, payload)
	case protocol.TopicTaskCleared:
		c.Clear()
		c.feed.Add(feed.Entry{
			Message:  fmt.Sprintf("All tasks cleared (%d removed)", payload.Get("removed").Int()),
			Severity: protocol.SeverityWarning,
			Event:    msg.Op,
		})
	case protocol.TopicSelfTestResult:
		severity := protocol.SeverityError
		message := "Self test failed"
		if payload.Get("passed").Bool() {
			severity, message = protocol.SeveritySuccess, "Self test passed"
		}
		c.feed.Add(feed.Entry{Message: message, Severity: severity, Details: payload.Get("details").String(), Event: msg.Op})
	case protocol.TopicUploadResult:
		severity := protocol.SeverityError
		message := "Upload failed: " + payload.Get("file").String()
		if payload.Get("ok").Bool() {
			severity, message = protocol.SeveritySuccess, "Uploaded "+payload.Get("file").String()
		}
		c.feed.Add(feed.Entry{Message: message, Severity: severity, Details: payload.Get("details").String(), Event: msg.Op})
	case protocol.TopicLogUpdate:
		c.feed.Add(feed.Entry{
			Message:  payload.Get("message").String(),
			Severity: payload.Get("severity").String(),
			Details:  payload.Get("details").String(),
			Event:    msg.Op,
			TaskID:   payload.Get("task_id").String(),
		})
	default:
		c.logger.Debug("unhandled event", "op", msg.Op)
	}
	return nil
}

// applyStatus overlays only the fields the event carries on the cached record.
func (c *Cache) applyStatus(op string, p gjson.Result) {
	taskID := p.Get("task_id").String()
	base, _ := c.Task(taskID)
	base.TaskID = taskID
	in := overlayTask(base, p)
	if _, ok := c.MergeTask(in); !ok {
		return
	}
	msg := fmt.Sprintf("Task %s %s", short(taskID), describeStatus(in.Status))
	c.feed.Add(feed.Entry{Message: msg, Severity: statusSeverity(in.Status), Details: p.Get("reason").String(), Event: op, TaskID: taskID})
}

// applyPriority only touches known tasks; an unknown id arrives with the
// next snapshot.
func (c *Cache) applyPriority(op string, p gjson.Result) {
	taskID := p.Get("task_id").String()
	base, ok := c.Task(taskID)
	if !ok {
		c.logger.Debug("priority for unknown task ignored", "task_id", taskID)
		return
	}
	base.Priority = int(p.Get("priority").Int())
	if v := p.Get("version"); v.Exists() {
		base.Version = v.Int()
	}
	if _, ok := c.MergeTask(base); !ok {
		return
	}
	c.feed.Add(feed.Entry{
		Message:  fmt.Sprintf("Task %s priority set to %d", short(taskID), base.Priority),
		Severity: protocol.SeverityInfo,
		Event:    op,
		TaskID:   taskID,
	})
}

func (c *Cache) applyProposals(op string, p gjson.Result) {
	taskID := p.Get("task_id").String()
	var props []taskstate.Proposal
	p.Get("proposals").ForEach(func(_, item gjson.Result) bool {
		props = append(props, proposalFrom(item, taskID))
		return true
	})
	c.ReplaceProposals(taskID, props)
	c.feed.Add(feed.Entry{
		Message:  fmt.Sprintf("%d proposal(s) received for task %s", len(props), short(taskID)),
		Severity: protocol.SeverityInfo,
		Event:    op,
		TaskID:   taskID,
	})
}

func (c *Cache) applyProposalStatus(op string, p gjson.Result) {
	taskID := p.Get("task_id").String()
	prop := proposalFrom(p, taskID)
	if err := validate.CheckProposalID(c.logger, op, prop.ProposalID); err != nil {
		c.feed.Add(feed.Entry{Message: "Ignored event with invalid proposal id", Severity: protocol.SeverityError, Details: err.Error(), Event: op})
		return
	}
	if !c.MergeProposal(prop) {
		return
	}
	severity := protocol.SeverityInfo
	switch prop.Status {
	case taskstate.ProposalApproved:
		severity = protocol.SeveritySuccess
	case taskstate.ProposalDenied:
		severity = protocol.SeverityWarning
	}
	c.feed.Add(feed.Entry{
		Message:  fmt.Sprintf("Proposal for %s %s", prop.File, prop.Status),
		Severity: severity,
		Event:    op,
		TaskID:   taskID,
	})
}

func (c *Cache) applyTestResult(op string, p gjson.Result) {
	taskID := p.Get("task_id").String()
	verdict := TestVerdict{
		Passed:  p.Get("passed").Bool(),
		Manual:  p.Get("manual").Bool(),
		Details: p.Get("details").String(),
	}
	c.mu.Lock()
	c.verdicts[taskID] = verdict
	c.mu.Unlock()
	severity, word := protocol.SeverityError, "failed"
	if verdict.Passed {
		severity, word = protocol.SeveritySuccess, "passed"
	}
	c.feed.Add(feed.Entry{
		Message:  fmt.Sprintf("Test %s for task %s", word, short(taskID)),
		Severity: severity,
		Details:  verdict.Details,
		Event:    op,
		TaskID:   taskID,
	})
}

func (c *Cache) applyFileContent(op string, p gjson.Result) {
	taskID := p.Get("task_id").String()
	file := p.Get("file").String()
	c.mu.Lock()
	if c.files[taskID] == nil {
		c.files[taskID] = map[string]string{}
	}
	c.files[taskID][file] = p.Get("content").String()
	c.mu.Unlock()
	c.feed.Add(feed.Entry{Message: "File content loaded: " + file, Severity: protocol.SeverityInfo, Event: op, TaskID: taskID})
}

func (c *Cache) applyTaskList(op string, p gjson.Result) {
	var tasks []taskstate.Task
	p.Get("tasks").ForEach(func(_, item gjson.Result) bool {
		tasks = append(tasks, overlayTask(taskstate.Task{}, item))
		return true
	})
	c.ReplaceSnapshot(tasks)
	c.feed.Add(feed.Entry{Message: fmt.Sprintf("Task list refreshed (%d tasks)", len(tasks)), Severity: protocol.SeverityInfo, Event: op})
}

// overlayTask copies every field present in r onto base.
func overlayTask(base taskstate.Task, r gjson.Result) taskstate.Task {
	if v := r.Get("task_id"); v.Exists() {
		base.TaskID = v.String()
	}
	if v := r.Get("prompt"); v.Exists() && v.String() != "" {
		base.Prompt = v.String()
	}
	if v := r.Get("status"); v.Exists() {
		if s, ok := taskstate.ParseStatus(v.String()); ok {
			base.Status = s
		}
	}
	if v := r.Get("staged_files"); v.IsArray() {
		base.StagedFiles = stringList(v)
	}
	if v := r.Get("generated_files"); v.IsArray() {
		base.GeneratedFiles = stringList(v)
	}
	if v := r.Get("proposed_changes"); v.IsArray() {
		changes := []taskstate.ChangeDescriptor{}
		v.ForEach(func(_, item gjson.Result) bool {
			changes = append(changes, taskstate.ChangeDescriptor{File: item.Get("file").String(), Kind: item.Get("kind").String()})
			return true
		})
		base.ProposedChanges = changes
	}
	if v := r.Get("priority"); v.Exists() {
		base.Priority = int(v.Int())
	}
	if v := r.Get("version"); v.Exists() {
		base.Version = v.Int()
	}
	if v := r.Get("created_at"); v.Exists() {
		base.CreatedAt = v.Time()
	}
	if v := r.Get("updated_at"); v.Exists() {
		base.UpdatedAt = v.Time()
	}
	return base
}

func proposalFrom(r gjson.Result, taskID string) taskstate.Proposal {
	p := taskstate.Proposal{
		ProposalID: r.Get("proposal_id").String(),
		TaskID:     taskID,
		File:       r.Get("file").String(),
		Content:    r.Get("content").String(),
		Change:     r.Get("change").String(),
		Reason:     r.Get("reason").String(),
		Status:     taskstate.ProposalStatus(r.Get("status").String()),
	}
	if v := r.Get("task_id"); v.Exists() && v.String() != "" {
		p.TaskID = v.String()
	}
	if v := r.Get("created_at"); v.Exists() {
		p.CreatedAt = v.Time()
	}
	return p
}

func stringList(r gjson.Result) []string {
	out := []string{}
	r.ForEach(func(_, item gjson.Result) bool {
		out = append(out, item.String())
		return true
	})
	return out
}

func describeStatus(s taskstate.Status) string {
	switch s {
	case taskstate.StatusPendingApproval:
		return "is awaiting approval"
	case taskstate.StatusDeleted:
		return "deleted"
	case taskstate.StatusApplied, taskstate.StatusDenied, taskstate.StatusFailed, taskstate.StatusTested:
		return string(s)
	default:
		return "is " + strings.ReplaceAll(string(s), "_", " ")
	}
}

func statusSeverity(s taskstate.Status) string {
	switch s {
	case taskstate.StatusApplied, taskstate.StatusTested:
		return protocol.SeveritySuccess
	case taskstate.StatusDenied, taskstate.StatusRetrying, taskstate.StatusDeleted:
		return protocol.SeverityWarning
	case taskstate.StatusFailed:
		return protocol.SeverityError
	default:
		return protocol.SeverityInfo
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
