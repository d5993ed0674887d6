package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordSleeps(out *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*out = append(*out, d)
		return nil
	}
}

func TestPolicy_Do_LinearBackoffThenGiveUp(t *testing.T) {
	var sleeps []time.Duration
	p := Linear(3, time.Second)
	p.Sleep = recordSleeps(&sleeps)

	calls := 0
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("unexpected sleeps: %v", sleeps)
	}
}

func TestPolicy_Do_StopsOnSuccess(t *testing.T) {
	var sleeps []time.Duration
	p := Linear(3, time.Second)
	p.Sleep = recordSleeps(&sleeps)

	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(sleeps) != 1 {
		t.Fatalf("expected one pause, got %v", sleeps)
	}
}

func TestPolicy_Do_NonRetryableReturnsImmediately(t *testing.T) {
	final := errors.New("final")
	p := Linear(3, time.Second)
	p.Retryable = func(err error) bool { return !errors.Is(err, final) }
	p.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("must not sleep")
		return nil
	}
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return final
	})
	if !errors.Is(err, final) || calls != 1 {
		t.Fatalf("expected one call with final error, got calls=%d err=%v", calls, err)
	}
}

func TestPolicy_Do_ContextCancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Linear(3, time.Hour)
	err := p.Do(ctx, func(context.Context, int) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPolicy_Do_RejectsZeroAttempts(t *testing.T) {
	if err := (Policy{}).Do(context.Background(), func(context.Context, int) error { return nil }); !errors.Is(err, ErrNoAttempts) {
		t.Fatalf("expected ErrNoAttempts, got %v", err)
	}
}

func TestSleep_EndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("short sleep: %v", err)
	}
}
