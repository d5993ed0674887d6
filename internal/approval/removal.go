package approval

import (
	"context"

	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

// DeleteTask removes a task and its proposals, retrying transient store
// failures. A task that is already gone reports NotFound.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID string) (taskstate.Task, error) {
	const op = "delete"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return taskstate.Task{}, c.fail(op, taskID, err)
	}
	var removed taskstate.Task
	policy := c.mutation
	policy.OnRetry = c.logRetry(op, taskID)
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		out, err := c.records.DeleteTask(ctx, taskID)
		if err != nil {
			return err
		}
		removed = out
		return nil
	})
	if err != nil {
		if taskerr.Retryable(err) {
			err = &taskerr.Error{Kind: taskerr.KindPersistence, Code: taskerr.CodeDeleteFailed, Op: op, Msg: "task could not be deleted", Err: err}
		}
		return taskstate.Task{}, c.fail(op, taskID, err)
	}

	c.dropIntentsFor(taskID)
	c.publishTask(removed, nil)
	c.note(protocol.SeveritySuccess, taskID, "Task "+shortID(taskID)+" deleted", "")
	c.publishTaskList(ctx)
	return removed, nil
}

// ClearAll empties the store. The store clears atomically, so a failed
// attempt leaves every record in place.
func (c *Coordinator) ClearAll(ctx context.Context) (int64, error) {
	const op = "clear all"
	var removed int64
	policy := c.mutation
	policy.OnRetry = c.logRetry(op, "")
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		n, err := c.records.ClearAll(ctx)
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		if taskerr.Retryable(err) {
			err = &taskerr.Error{Kind: taskerr.KindPersistence, Code: taskerr.CodeClearFailed, Op: op, Msg: "tasks could not be cleared", Err: err}
		}
		return 0, c.fail(op, "", err)
	}
	c.dropIntentsFor("")
	c.pub.Publish(protocol.TopicTaskCleared, "", map[string]any{"removed": removed})
	c.note(protocol.SeveritySuccess, "", "All tasks cleared", "")
	return removed, nil
}

func (c *Coordinator) publishTaskList(ctx context.Context) {
	tasks, err := c.records.ListTasks(ctx)
	if err != nil {
		c.logger.Warn("task list snapshot failed", "err", err)
		return
	}
	c.pub.Publish(protocol.TopicTaskList, "", map[string]any{"tasks": tasks})
}

func (c *Coordinator) logRetry(op, taskID string) func(int, error) {
	return func(attempt int, err error) {
		c.logger.Warn("retrying mutation", "op", op, "task_id", taskID, "attempt", attempt, "err", err)
		c.note(protocol.SeverityWarning, taskID, op+" attempt failed, retrying", err.Error())
	}
}
