package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

// DenyIntent is the first half of a two-phase deny. Nothing changes until it
// is confirmed, and the task must still be at the version it was opened on.
type DenyIntent struct {
	IntentID  string    `json:"intent_id"`
	TaskID    string    `json:"task_id"`
	Version   int64     `json:"version"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Coordinator) OpenDenyIntent(ctx context.Context, taskID string) (DenyIntent, error) {
	const op = "deny"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return DenyIntent{}, c.fail(op, taskID, err)
	}
	task, err := c.records.GetTask(ctx, taskID)
	if err != nil {
		return DenyIntent{}, c.fail(op, taskID, err)
	}
	if !reviewable(task.Status) {
		return DenyIntent{}, c.fail(op, taskID, taskerr.New(taskerr.KindInvalidTransition, op, "task is "+string(task.Status)+", denial needs pending_approval"))
	}

	intent := DenyIntent{
		IntentID:  uuid.NewString(),
		TaskID:    taskID,
		Version:   task.Version,
		ExpiresAt: c.now().Add(c.intentTTL).UTC(),
	}
	c.intentMu.Lock()
	c.pruneIntentsLocked()
	c.intents[intent.IntentID] = intent
	c.intentMu.Unlock()

	c.note(protocol.SeverityWarning, taskID, "Deny requested for task "+shortID(taskID)+", confirm to proceed", "")
	return intent, nil
}

// ConfirmDeny consumes the intent and denies its task.
func (c *Coordinator) ConfirmDeny(ctx context.Context, intentID string) (taskstate.Task, error) {
	const op = "confirm deny"
	c.intentMu.Lock()
	intent, ok := c.intents[intentID]
	delete(c.intents, intentID)
	c.intentMu.Unlock()
	if !ok {
		return taskstate.Task{}, c.fail(op, "", taskerr.New(taskerr.KindNotFound, op, "deny intent "+intentID+" not found"))
	}
	if c.now().After(intent.ExpiresAt) {
		return taskstate.Task{}, c.fail(op, intent.TaskID, taskerr.WithCode(taskerr.KindValidation, taskerr.CodeIntentExpired, op, "deny intent expired, request it again"))
	}

	denied := taskstate.StatusDenied
	version := intent.Version
	out, err := c.applyUpdate(ctx, taskstate.TaskUpdate{TaskID: intent.TaskID, Status: &denied, ExpectedVersion: &version, Reason: "denied"})
	if err != nil {
		return taskstate.Task{}, c.fail(op, intent.TaskID, err)
	}
	c.note(protocol.SeveritySuccess, out.TaskID, "Task "+shortID(out.TaskID)+" denied", out.Prompt)
	return out, nil
}

// CancelDenyIntent drops an open intent. Unknown ids are ignored.
func (c *Coordinator) CancelDenyIntent(intentID string) {
	c.intentMu.Lock()
	intent, ok := c.intents[intentID]
	delete(c.intents, intentID)
	c.intentMu.Unlock()
	if ok {
		c.note(protocol.SeverityInfo, intent.TaskID, "Deny cancelled", "")
	}
}

func (c *Coordinator) pruneIntentsLocked() {
	now := c.now()
	for id, intent := range c.intents {
		if now.After(intent.ExpiresAt) {
			delete(c.intents, id)
		}
	}
}

func (c *Coordinator) dropIntentsFor(taskID string) {
	c.intentMu.Lock()
	defer c.intentMu.Unlock()
	for id, intent := range c.intents {
		if taskID == "" || intent.TaskID == taskID {
			delete(c.intents, id)
		}
	}
}
