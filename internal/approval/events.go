package approval

import (
	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
)

func taskPayload(task taskstate.Task) map[string]any {
	return map[string]any{
		"status":           task.Status,
		"prompt":           task.Prompt,
		"staged_files":     task.StagedFiles,
		"generated_files":  task.GeneratedFiles,
		"proposed_changes": task.ProposedChanges,
		"priority":         task.Priority,
		"version":          task.Version,
		"created_at":       task.CreatedAt,
		"updated_at":       task.UpdatedAt,
	}
}

func (c *Coordinator) publishTask(task taskstate.Task, change *taskstate.StatusChange) {
	payload := taskPayload(task)
	if change != nil {
		payload["from"] = change.From
		if change.Reason != "" {
			payload["reason"] = change.Reason
		}
	}
	c.pub.Publish(protocol.TopicTaskStatus, task.TaskID, payload)
}

// note publishes a human-readable log.update that observers turn into feed entries.
func (c *Coordinator) note(severity, taskID, message, details string) {
	payload := map[string]any{"severity": severity, "message": message}
	if details != "" {
		payload["details"] = details
	}
	c.pub.Publish(protocol.TopicLogUpdate, taskID, payload)
}

// fail reports err as an error-severity log.update and returns it unchanged.
func (c *Coordinator) fail(op, taskID string, err error) error {
	if err == nil {
		return nil
	}
	kind := taskerr.KindOf(err)
	if kind == "" {
		kind = taskerr.KindPersistence
	}
	c.logger.Warn("operation failed", "op", op, "task_id", taskID, "kind", kind, "err", err)
	c.pub.Publish(protocol.TopicLogUpdate, taskID, map[string]any{
		"severity": protocol.SeverityError,
		"message":  op + " failed",
		"details":  err.Error(),
		"kind":     kind,
		"code":     taskerr.CodeOf(err),
	})
	return err
}
