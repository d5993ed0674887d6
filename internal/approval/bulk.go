package approval

import (
	"context"

	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

type BulkFailure struct {
	ProposalID string       `json:"proposal_id"`
	Kind       taskerr.Kind `json:"kind"`
	Message    string       `json:"message"`
}

// BulkResult reports each member of a best-effort batch.
type BulkResult struct {
	Applied []taskstate.Proposal `json:"applied"`
	Failed  []BulkFailure        `json:"failed"`
}

func (r BulkResult) OK() bool { return len(r.Failed) == 0 }

// BulkApprove checks the oldest-pending rule for the whole selection first;
// a violation rejects the batch before any member is touched. Members are then
// approved one by one and a failing member does not stop the rest.
// BulkDeny follows the same rule.
func (c *Coordinator) BulkApprove(ctx context.Context, ids []string) (BulkResult, error) {
	const op = "bulk approve"
	clean, err := validate.ProposalIDs(c.logger, op, ids)
	if err != nil {
		return BulkResult{}, c.fail(op, "", err)
	}
	if err := c.records.CheckBulkOrdering(ctx, clean); err != nil {
		return BulkResult{}, c.fail(op, "", err)
	}
	return c.applyEach(ctx, op, clean, taskstate.ProposalApproved), nil
}

func (c *Coordinator) BulkDeny(ctx context.Context, ids []string) (BulkResult, error) {
	const op = "bulk deny"
	clean, err := validate.ProposalIDs(c.logger, op, ids)
	if err != nil {
		return BulkResult{}, c.fail(op, "", err)
	}
	if err := c.records.CheckBulkOrdering(ctx, clean); err != nil {
		return BulkResult{}, c.fail(op, "", err)
	}
	return c.applyEach(ctx, op, clean, taskstate.ProposalDenied), nil
}

func (c *Coordinator) ApproveProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error) {
	return c.setProposal(ctx, "approve proposal", proposalID, taskstate.ProposalApproved)
}

func (c *Coordinator) DenyProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error) {
	return c.setProposal(ctx, "deny proposal", proposalID, taskstate.ProposalDenied)
}

func (c *Coordinator) setProposal(ctx context.Context, op, proposalID string, status taskstate.ProposalStatus) (taskstate.Proposal, error) {
	if err := validate.CheckProposalID(c.logger, op, proposalID); err != nil {
		return taskstate.Proposal{}, c.fail(op, "", err)
	}
	p, err := c.records.UpdateProposalStatus(ctx, proposalID, status)
	if err != nil {
		return taskstate.Proposal{}, c.fail(op, "", err)
	}
	c.publishProposal(p)
	c.note(protocol.SeveritySuccess, p.TaskID, "Proposal for "+p.File+" "+string(p.Status), "")
	return p, nil
}

func (c *Coordinator) applyEach(ctx context.Context, op string, ids []string, status taskstate.ProposalStatus) BulkResult {
	result := BulkResult{Applied: []taskstate.Proposal{}, Failed: []BulkFailure{}}
	for _, id := range ids {
		p, err := c.records.UpdateProposalStatus(ctx, id, status)
		if err != nil {
			c.logger.Warn("bulk member failed", "op", op, "proposal_id", id, "err", err)
			result.Failed = append(result.Failed, BulkFailure{ProposalID: id, Kind: taskerr.KindOf(err), Message: err.Error()})
			c.note(protocol.SeverityError, "", op+": proposal "+shortID(id)+" failed", err.Error())
			continue
		}
		c.logger.Info("bulk member applied", "op", op, "proposal_id", id, "status", p.Status)
		result.Applied = append(result.Applied, p)
		c.publishProposal(p)
		c.note(protocol.SeveritySuccess, p.TaskID, "Proposal for "+p.File+" "+string(p.Status), "")
	}
	return result
}

func (c *Coordinator) publishProposal(p taskstate.Proposal) {
	c.pub.Publish(protocol.TopicProposalStatus, p.TaskID, map[string]any{
		"proposal_id": p.ProposalID,
		"file":        p.File,
		"status":      p.Status,
	})
}
