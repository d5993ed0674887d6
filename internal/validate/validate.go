// Package validate rejects malformed identifiers and payloads before they
// reach the store or an observer's projection.
package validate

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"changedesk/internal/taskerr"
)

const uuidTextLen = 36

// IsValidTaskID accepts only the canonical 8-4-4-4-12 lowercase-or-uppercase
// hex form of a version 4, RFC 4122 UUID.
func IsValidTaskID(id string) bool {
	if len(id) != uuidTextLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(c) {
				return false
			}
		}
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 4 && parsed.Variant() == uuid.RFC4122
}

// IsValidProposalID uses the same canonical form as task ids.
func IsValidProposalID(id string) bool {
	return IsValidTaskID(id)
}

// CheckTaskID logs and rejects a malformed id. The value is never coerced.
func CheckTaskID(logger *slog.Logger, op, id string) error {
	if IsValidTaskID(id) {
		return nil
	}
	if logger != nil {
		logger.Warn("rejected malformed task id", "op", op, "task_id", id)
	}
	return taskerr.WithCode(taskerr.KindValidation, taskerr.CodeInvalidTaskID, op, "invalid task id: "+quote(id))
}

func CheckProposalID(logger *slog.Logger, op, id string) error {
	if IsValidProposalID(id) {
		return nil
	}
	if logger != nil {
		logger.Warn("rejected malformed proposal id", "op", op, "proposal_id", id)
	}
	return taskerr.WithCode(taskerr.KindValidation, taskerr.CodeInvalidProposalID, op, "invalid proposal id: "+quote(id))
}

// Prompt trims the submitted prompt and rejects empty or whitespace-only input.
func Prompt(prompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", taskerr.WithCode(taskerr.KindValidation, taskerr.CodeEmptyPrompt, "submit", "prompt is required")
	}
	return trimmed, nil
}

// ProposalIDs rejects an empty selection or any malformed member, and drops
// duplicates while keeping first-seen order.
func ProposalIDs(logger *slog.Logger, op string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, taskerr.WithCode(taskerr.KindValidation, taskerr.CodeEmptySelection, op, "select at least one proposal")
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := CheckProposalID(logger, op, id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func quote(v string) string {
	const max = 64
	if len(v) > max {
		v = v[:max] + "..."
	}
	return `"` + v + `"`
}
