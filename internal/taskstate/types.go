package taskstate

import "time"

type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusPendingApproval Status = "pending_approval"
	StatusTested          Status = "tested"
	StatusApplied         Status = "applied"
	StatusDenied          Status = "denied"
	StatusFailed          Status = "failed"
	StatusRetrying        Status = "retrying"
	StatusDeleted         Status = "deleted"
)

var validStatus = map[Status]struct{}{
	StatusPending:         {},
	StatusProcessing:      {},
	StatusPendingApproval: {},
	StatusTested:          {},
	StatusApplied:         {},
	StatusDenied:          {},
	StatusFailed:          {},
	StatusRetrying:        {},
	StatusDeleted:         {},
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	_, ok := validStatus[s]
	return s, ok
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApplied, StatusDenied, StatusDeleted, StatusFailed:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusProcessing, StatusFailed},
	StatusProcessing:      {StatusPendingApproval, StatusFailed},
	StatusPendingApproval: {StatusTested, StatusApplied, StatusDenied, StatusFailed},
	StatusTested:          {StatusApplied, StatusDenied, StatusFailed},
	StatusRetrying:        {StatusProcessing, StatusFailed},
}

// CanTransition encodes the task lifecycle:
//
//	pending -> processing -> pending_approval -> [tested] -> applied | denied
//	pending_approval -> failed
//	any non-terminal -> retrying -> processing
//	any non-terminal -> deleted
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusDeleted || (to == StatusRetrying && from != StatusRetrying) {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalDenied   ProposalStatus = "denied"
	ProposalTested   ProposalStatus = "tested"
)

func ParseProposalStatus(raw string) (ProposalStatus, bool) {
	switch s := ProposalStatus(raw); s {
	case ProposalPending, ProposalApproved, ProposalDenied, ProposalTested:
		return s, true
	default:
		return "", false
	}
}

// CanTransitionProposal allows only forward moves out of pending (or tested).
// Approved and denied proposals are immutable.
func CanTransitionProposal(from, to ProposalStatus) bool {
	switch from {
	case ProposalPending:
		return to == ProposalApproved || to == ProposalDenied || to == ProposalTested
	case ProposalTested:
		return to == ProposalApproved || to == ProposalDenied
	default:
		return false
	}
}

type ChangeDescriptor struct {
	File string `json:"file" yaml:"file"`
	Kind string `json:"kind" yaml:"kind"`
}

type Task struct {
	TaskID          string             `json:"task_id"`
	Prompt          string             `json:"prompt"`
	Status          Status             `json:"status"`
	StagedFiles     []string           `json:"staged_files"`
	GeneratedFiles  []string           `json:"generated_files"`
	ProposedChanges []ChangeDescriptor `json:"proposed_changes"`
	Priority        int                `json:"priority"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// TaskUpdate carries only the fields a caller wants to change. Nil means
// "keep what is stored"; an empty Prompt is never written.
type TaskUpdate struct {
	TaskID          string              `json:"task_id"`
	Status          *Status             `json:"status,omitempty"`
	Prompt          *string             `json:"prompt,omitempty"`
	StagedFiles     *[]string           `json:"staged_files,omitempty"`
	GeneratedFiles  *[]string           `json:"generated_files,omitempty"`
	ProposedChanges *[]ChangeDescriptor `json:"proposed_changes,omitempty"`
	Priority        *int                `json:"priority,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
	Reason          string              `json:"reason,omitempty"`
}

type StatusChange struct {
	TaskID string    `json:"task_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type Proposal struct {
	ProposalID string         `json:"proposal_id"`
	TaskID     string         `json:"task_id"`
	File       string         `json:"file"`
	Content    string         `json:"content"`
	Change     string         `json:"change"`
	Reason     string         `json:"reason"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

type ProposalInput struct {
	File    string `json:"file"`
	Content string `json:"content"`
	Change  string `json:"change"`
	Reason  string `json:"reason"`
}
