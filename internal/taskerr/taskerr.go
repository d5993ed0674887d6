// Package taskerr defines the error taxonomy shared by the store, the
// coordinator, the HTTP surface and observer sessions.
package taskerr

import (
	"errors"
	"strings"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindAdmissionConflict Kind = "ADMISSION_CONFLICT"
	KindOrderingViolation Kind = "ORDERING_VIOLATION"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindAuthFailed        Kind = "AUTH_FAILED"
	KindTransport         Kind = "TRANSPORT_ERROR"
	KindPersistence       Kind = "PERSISTENCE_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
)

// Codes refine a Kind. They travel over HTTP next to the kind.
const (
	CodeInvalidTaskID     = "INVALID_TASK_ID"
	CodeInvalidProposalID = "INVALID_PROPOSAL_ID"
	CodeEmptyPrompt       = "EMPTY_PROMPT"
	CodeEmptySelection    = "EMPTY_SELECTION"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeDeleteFailed      = "DELETE_FAILED"
	CodeClearFailed       = "CLEAR_FAILED"
	CodeIntentExpired     = "INTENT_EXPIRED"
)

type Error struct {
	Kind Kind
	Code string
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return string(KindPersistence)
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind (and Code when the target carries one) so callers can
// write errors.Is(err, taskerr.ErrAdmissionConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrEmptyPrompt       = &Error{Kind: KindValidation, Code: CodeEmptyPrompt}
	ErrInvalidTaskID     = &Error{Kind: KindValidation, Code: CodeInvalidTaskID}
	ErrEmptySelection    = &Error{Kind: KindValidation, Code: CodeEmptySelection}
	ErrAdmissionConflict = &Error{Kind: KindAdmissionConflict}
	ErrOrderingViolation = &Error{Kind: KindOrderingViolation}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrAuthFailed        = &Error{Kind: KindAuthFailed}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrDeleteFailed      = &Error{Kind: KindPersistence, Code: CodeDeleteFailed}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func WithCode(kind Kind, code, op, msg string) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Msg: msg}
}

// KindOf reports the Kind carried by err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf reports the refining code carried by err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether a failed mutation may be attempted again.
// Validation, transition, ordering and admission failures are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInvalidTransition, KindOrderingViolation, KindAdmissionConflict, KindNotFound, KindAuthFailed, KindConflict:
		return false
	default:
		return err != nil
	}
}
