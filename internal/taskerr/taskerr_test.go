package taskerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesKindAndOptionalCode(t *testing.T) {
	err := fmt.Errorf("submit: %w", WithCode(KindValidation, CodeEmptyPrompt, "submit", "prompt is required"))

	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected kind match")
	}
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, ErrInvalidTaskID) {
		t.Fatal("different code must not match")
	}
	if errors.Is(err, ErrAdmissionConflict) {
		t.Fatal("different kind must not match")
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindPersistence, "delete task", cause)
	if err.Error() != "delete task: persistence error: disk full" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected unwrap to cause")
	}
}

func TestKindOfAndRetryable(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no kind")
	}
	if Retryable(New(KindValidation, "x", "bad")) {
		t.Fatal("validation errors are final")
	}
	if !Retryable(Wrap(KindPersistence, "x", errors.New("locked"))) {
		t.Fatal("persistence errors are retryable")
	}
	if !Retryable(errors.New("unclassified")) {
		t.Fatal("unclassified errors are retryable")
	}
	if Retryable(nil) {
		t.Fatal("nil is not retryable")
	}
	if CodeOf(ErrDeleteFailed) != CodeDeleteFailed {
		t.Fatal("expected delete failed code")
	}
}
