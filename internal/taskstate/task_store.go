package taskstate

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbmodel "changedesk/internal/db"
	"changedesk/internal/taskerr"
)

func taskFromRow(row dbmodel.Task) Task {
	return Task{
		TaskID:          row.TaskID,
		Prompt:          row.Prompt,
		Status:          Status(row.Status),
		StagedFiles:     decodeStrings(row.StagedFilesJSON),
		GeneratedFiles:  decodeStrings(row.GeneratedFilesJSON),
		ProposedChanges: decodeChanges(row.ProposedChangesJSON),
		Priority:        row.Priority,
		Version:         row.Version,
		CreatedAt:       fromStamp(row.CreatedAt),
		UpdatedAt:       fromStamp(row.UpdatedAt),
	}
}

// CreateTask admits a new pending task unless another task is awaiting approval.
func (s *Store) CreateTask(ctx context.Context, prompt string) (Task, error) {
	const op = "create task"
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Task{}, taskerr.WithCode(taskerr.KindValidation, taskerr.CodeEmptyPrompt, op, "prompt is required")
	}
	gdb, err := s.conn(ctx)
	if err != nil {
		return Task{}, err
	}

	now := s.stamp()
	row := dbmodel.Task{
		TaskID:              uuid.NewString(),
		Prompt:              prompt,
		Status:              string(StatusPending),
		StagedFilesJSON:     "[]",
		GeneratedFilesJSON:  "[]",
		ProposedChangesJSON: "[]",
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		holder, err := pendingApprovalHolder(tx, "")
		if err != nil {
			return err
		}
		if holder != "" {
			return taskerr.New(taskerr.KindAdmissionConflict, op, "task "+holder+" is awaiting approval")
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return appendHistory(tx, row.TaskID, "", StatusPending, "submitted", now)
	})
	if err != nil {
		return Task{}, classify(op, err)
	}
	return taskFromRow(row), nil
}

// pendingApprovalHolder returns the id of a task (other than exclude) that
// currently holds pending_approval.
func pendingApprovalHolder(tx *gorm.DB, exclude string) (string, error) {
	var rows []dbmodel.Task
	q := tx.Select("task_id").Where("status = ?", string(StatusPendingApproval))
	if exclude != "" {
		q = q.Where("task_id <> ?", exclude)
	}
	if err := q.Limit(1).Find(&rows).Error; err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].TaskID, nil
}

// HasPendingApproval reports whether any task currently awaits approval.
func (s *Store) HasPendingApproval(ctx context.Context) (bool, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	holder, err := pendingApprovalHolder(gdb, "")
	if err != nil {
		return false, classify("admission check", err)
	}
	return holder != "", nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	const op = "get task"
	gdb, err := s.conn(ctx)
	if err != nil {
		return Task{}, err
	}
	var rows []dbmodel.Task
	if err := gdb.Where("task_id = ?", taskID).Limit(1).Find(&rows).Error; err != nil {
		return Task{}, classify(op, err)
	}
	if len(rows) == 0 {
		return Task{}, taskerr.New(taskerr.KindNotFound, op, "task "+taskID+" not found")
	}
	return taskFromRow(rows[0]), nil
}

func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []dbmodel.Task
	if err := gdb.Order("created_at ASC, task_id ASC").Find(&rows).Error; err != nil {
		return nil, classify("list tasks", err)
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, taskFromRow(row))
	}
	return out, nil
}

// UpdateTask is the only mutator of status and derived fields. Fields absent
// from the update keep their stored values; each write bumps Version.
func (s *Store) UpdateTask(ctx context.Context, upd TaskUpdate) (Task, *StatusChange, error) {
	const op = "update task"
	gdb, err := s.conn(ctx)
	if err != nil {
		return Task{}, nil, err
	}

	var (
		out    Task
		change *StatusChange
	)
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var rows []dbmodel.Task
		if err := tx.Where("task_id = ?", upd.TaskID).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return taskerr.New(taskerr.KindNotFound, op, "task "+upd.TaskID+" not found")
		}
		row := rows[0]
		if upd.ExpectedVersion != nil && *upd.ExpectedVersion != row.Version {
			return taskerr.New(taskerr.KindConflict, op, "task "+upd.TaskID+" was modified concurrently")
		}

		now := s.stamp()
		assignments := map[string]any{}
		from := Status(row.Status)
		if upd.Status != nil && *upd.Status != from {
			to := *upd.Status
			if _, ok := validStatus[to]; !ok {
				return taskerr.WithCode(taskerr.KindValidation, taskerr.CodeInvalidStatus, op, "unknown status "+string(to))
			}
			if !CanTransition(from, to) {
				return taskerr.New(taskerr.KindInvalidTransition, op, string(from)+" -> "+string(to)+" is not allowed")
			}
			if to == StatusPendingApproval {
				holder, err := pendingApprovalHolder(tx, row.TaskID)
				if err != nil {
					return err
				}
				if holder != "" {
					return taskerr.New(taskerr.KindAdmissionConflict, op, "task "+holder+" is awaiting approval")
				}
			}
			assignments["status"] = string(to)
			row.Status = string(to)
			change = &StatusChange{TaskID: row.TaskID, From: from, To: to, Reason: upd.Reason, At: fromStamp(now)}
		}
		if upd.Prompt != nil {
			if p := strings.TrimSpace(*upd.Prompt); p != "" && p != row.Prompt {
				assignments["prompt"] = p
				row.Prompt = p
			}
		}
		if upd.StagedFiles != nil {
			row.StagedFilesJSON = encodeList(*upd.StagedFiles)
			assignments["staged_files_json"] = row.StagedFilesJSON
		}
		if upd.GeneratedFiles != nil {
			row.GeneratedFilesJSON = encodeList(*upd.GeneratedFiles)
			assignments["generated_files_json"] = row.GeneratedFilesJSON
		}
		if upd.ProposedChanges != nil {
			row.ProposedChangesJSON = encodeList(*upd.ProposedChanges)
			assignments["proposed_changes_json"] = row.ProposedChangesJSON
		}
		if upd.Priority != nil && *upd.Priority != row.Priority {
			assignments["priority"] = *upd.Priority
			row.Priority = *upd.Priority
		}
		if len(assignments) == 0 {
			out = taskFromRow(row)
			return nil
		}
		assignments["version"] = row.Version + 1
		assignments["updated_at"] = now

		res := tx.Model(&dbmodel.Task{}).
			Where("task_id = ? AND version = ?", row.TaskID, row.Version).
			Updates(assignments)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return taskerr.New(taskerr.KindConflict, op, "task "+upd.TaskID+" was modified concurrently")
		}
		row.Version++
		row.UpdatedAt = now
		if change != nil {
			if err := appendHistory(tx, row.TaskID, change.From, change.To, change.Reason, now); err != nil {
				return err
			}
		}
		out = taskFromRow(row)
		return nil
	})
	if err != nil {
		return Task{}, nil, classify(op, err)
	}
	return out, change, nil
}

// DeleteTask removes a task together with its proposals and history.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (Task, error) {
	const op = "delete task"
	gdb, err := s.conn(ctx)
	if err != nil {
		return Task{}, err
	}
	var removed Task
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var rows []dbmodel.Task
		if err := tx.Where("task_id = ?", taskID).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return taskerr.New(taskerr.KindNotFound, op, "task "+taskID+" not found")
		}
		removed = taskFromRow(rows[0])
		if err := tx.Where("task_id = ?", taskID).Delete(&dbmodel.Proposal{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&dbmodel.TaskStatusHistory{}).Error; err != nil {
			return err
		}
		return tx.Where("task_id = ?", taskID).Delete(&dbmodel.Task{}).Error
	})
	if err != nil {
		return Task{}, classify(op, err)
	}
	removed.Status = StatusDeleted
	return removed, nil
}

// ClearAll empties the store in one transaction; observers never see a partial clear.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	const op = "clear tasks"
	gdb, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var removed int64
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&dbmodel.Proposal{}).Error; err != nil {
			return err
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&dbmodel.TaskStatusHistory{}).Error; err != nil {
			return err
		}
		res := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&dbmodel.Task{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, classify(op, err)
	}
	return removed, nil
}

// History lists status transitions of a task, oldest first.
func (s *Store) History(ctx context.Context, taskID string) ([]StatusChange, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []dbmodel.TaskStatusHistory
	if err := gdb.Where("task_id = ?", taskID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, classify("task history", err)
	}
	out := make([]StatusChange, 0, len(rows))
	for _, row := range rows {
		out = append(out, StatusChange{
			TaskID: row.TaskID,
			From:   Status(row.FromStatus),
			To:     Status(row.ToStatus),
			Reason: row.Reason,
			At:     fromStamp(row.CreatedAt),
		})
	}
	return out, nil
}

func appendHistory(tx *gorm.DB, taskID string, from, to Status, reason string, at int64) error {
	return tx.Create(&dbmodel.TaskStatusHistory{
		TaskID:     taskID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Reason:     reason,
		CreatedAt:  at,
	}).Error
}
