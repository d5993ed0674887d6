package taskstate

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbmodel "changedesk/internal/db"
	"changedesk/internal/taskerr"
)

func proposalFromRow(row dbmodel.Proposal) Proposal {
	return Proposal{
		ProposalID: row.ProposalID,
		TaskID:     row.TaskID,
		File:       row.File,
		Content:    row.Content,
		Change:     row.ChangeText,
		Reason:     row.Reason,
		Status:     ProposalStatus(row.Status),
		CreatedAt:  fromStamp(row.CreatedAt),
	}
}

// CreateProposals attaches a batch to an existing task. Members of a batch get
// strictly increasing created_at values in input order, all later than any
// proposal already stored.
func (s *Store) CreateProposals(ctx context.Context, taskID string, inputs []ProposalInput) ([]Proposal, error) {
	const op = "create proposals"
	if len(inputs) == 0 {
		return []Proposal{}, nil
	}
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	base := s.stamp()
	rows := make([]dbmodel.Proposal, 0, len(inputs))
	for _, in := range inputs {
		file := strings.TrimSpace(in.File)
		if file == "" {
			return nil, taskerr.New(taskerr.KindValidation, op, "proposal file is required")
		}
		rows = append(rows, dbmodel.Proposal{
			ProposalID: uuid.NewString(),
			TaskID:     taskID,
			File:       file,
			Content:    in.Content,
			ChangeText: in.Change,
			Reason:     in.Reason,
			Status:     string(ProposalPending),
		})
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&dbmodel.Task{}).Where("task_id = ?", taskID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return taskerr.New(taskerr.KindNotFound, op, "task "+taskID+" not found")
		}
		var last int64
		if err := tx.Model(&dbmodel.Proposal{}).Select("COALESCE(MAX(created_at), 0)").Scan(&last).Error; err != nil {
			return err
		}
		if base <= last {
			base = last + 1
		}
		for i := range rows {
			rows[i].CreatedAt = base + int64(i)
			rows[i].UpdatedAt = base
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]Proposal, 0, len(rows))
	for _, row := range rows {
		out = append(out, proposalFromRow(row))
	}
	return out, nil
}

func (s *Store) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	const op = "get proposal"
	gdb, err := s.conn(ctx)
	if err != nil {
		return Proposal{}, err
	}
	row, err := findProposal(gdb, op, proposalID)
	if err != nil {
		return Proposal{}, classify(op, err)
	}
	return proposalFromRow(row), nil
}

func (s *Store) ListProposalsByTask(ctx context.Context, taskID string) ([]Proposal, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []dbmodel.Proposal
	if err := gdb.Where("task_id = ?", taskID).Order("created_at ASC, proposal_id ASC").Find(&rows).Error; err != nil {
		return nil, classify("list proposals", err)
	}
	return proposalsFromRows(rows), nil
}

// ListPendingProposals returns every pending proposal, oldest first.
func (s *Store) ListPendingProposals(ctx context.Context) ([]Proposal, error) {
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []dbmodel.Proposal
	if err := gdb.Where("status = ?", string(ProposalPending)).Order("created_at ASC, proposal_id ASC").Find(&rows).Error; err != nil {
		return nil, classify("list pending proposals", err)
	}
	return proposalsFromRows(rows), nil
}

// UpdateProposalStatus moves one proposal forward. Repeating the current
// status is a no-op so retried calls stay harmless.
func (s *Store) UpdateProposalStatus(ctx context.Context, proposalID string, status ProposalStatus) (Proposal, error) {
	const op = "update proposal"
	gdb, err := s.conn(ctx)
	if err != nil {
		return Proposal{}, err
	}
	var out Proposal
	err = gdb.Transaction(func(tx *gorm.DB) error {
		p, err := s.transitionProposal(tx, op, proposalID, status)
		out = p
		return err
	})
	if err != nil {
		return Proposal{}, classify(op, err)
	}
	return out, nil
}

// CheckBulkOrdering fails with OrderingViolation when the oldest pending
// proposal is not part of ids.
func (s *Store) CheckBulkOrdering(ctx context.Context, ids []string) error {
	gdb, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return classify("bulk ordering", checkOldestPendingIncluded(gdb, ids))
}

// BulkUpdateProposalStatus applies status to every id or to none of them.
// Approval batches are checked against the oldest-pending rule first.
func (s *Store) BulkUpdateProposalStatus(ctx context.Context, ids []string, status ProposalStatus) ([]Proposal, error) {
	const op = "bulk update proposals"
	if len(ids) == 0 {
		return nil, taskerr.WithCode(taskerr.KindValidation, taskerr.CodeEmptySelection, op, "select at least one proposal")
	}
	gdb, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(ids))
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if status == ProposalApproved {
			if err := checkOldestPendingIncluded(tx, ids); err != nil {
				return err
			}
		}
		for _, id := range ids {
			p, err := s.transitionProposal(tx, op, id, status)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *Store) transitionProposal(tx *gorm.DB, op, proposalID string, status ProposalStatus) (Proposal, error) {
	if _, ok := ParseProposalStatus(string(status)); !ok {
		return Proposal{}, taskerr.WithCode(taskerr.KindValidation, taskerr.CodeInvalidStatus, op, "unknown proposal status "+string(status))
	}
	row, err := findProposal(tx, op, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	from := ProposalStatus(row.Status)
	if from == status {
		return proposalFromRow(row), nil
	}
	if !CanTransitionProposal(from, status) {
		return Proposal{}, taskerr.New(taskerr.KindInvalidTransition, op, "proposal "+proposalID+" is "+string(from))
	}
	now := s.stamp()
	res := tx.Model(&dbmodel.Proposal{}).
		Where("proposal_id = ? AND status = ?", proposalID, row.Status).
		Updates(map[string]any{"status": string(status), "updated_at": now})
	if res.Error != nil {
		return Proposal{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Proposal{}, taskerr.New(taskerr.KindConflict, op, "proposal "+proposalID+" was modified concurrently")
	}
	row.Status = string(status)
	row.UpdatedAt = now
	return proposalFromRow(row), nil
}

func checkOldestPendingIncluded(tx *gorm.DB, ids []string) error {
	var oldest []dbmodel.Proposal
	if err := tx.Select("proposal_id").
		Where("status = ?", string(ProposalPending)).
		Order("created_at ASC, proposal_id ASC").
		Limit(1).
		Find(&oldest).Error; err != nil {
		return err
	}
	if len(oldest) == 0 {
		return nil
	}
	want := oldest[0].ProposalID
	for _, id := range ids {
		if id == want {
			return nil
		}
	}
	return taskerr.New(taskerr.KindOrderingViolation, "bulk approve", "oldest pending proposal "+want+" must be included")
}

func findProposal(tx *gorm.DB, op, proposalID string) (dbmodel.Proposal, error) {
	var rows []dbmodel.Proposal
	if err := tx.Where("proposal_id = ?", proposalID).Limit(1).Find(&rows).Error; err != nil {
		return dbmodel.Proposal{}, err
	}
	if len(rows) == 0 {
		return dbmodel.Proposal{}, taskerr.New(taskerr.KindNotFound, op, "proposal "+proposalID+" not found")
	}
	return rows[0], nil
}

func proposalsFromRows(rows []dbmodel.Proposal) []Proposal {
	out := make([]Proposal, 0, len(rows))
	for _, row := range rows {
		out = append(out, proposalFromRow(row))
	}
	return out
}
