package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_UsesJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "debug", Writer: &buf, Component: "changedesk"})
	lg.Debug("boot", "k", "v")

	out := strings.TrimSpace(buf.String())
	if !strings.Contains(out, `"level":"DEBUG"`) {
		t.Fatalf("expected DEBUG level, got %s", out)
	}
	if !strings.Contains(out, `"component":"changedesk"`) {
		t.Fatalf("expected component field, got %s", out)
	}
}

func TestNewLogger_TextFormatAndDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Format: "text", Writer: &buf})
	lg.Debug("hidden")
	lg.Info("shown", "task_id", "t1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered at info level, got %s", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "task_id=t1") {
		t.Fatalf("expected text record, got %s", out)
	}
}

func TestOrDiscard_NilReturnsUsableLogger(t *testing.T) {
	lg := OrDiscard(nil)
	if lg == nil {
		t.Fatal("expected logger")
	}
	lg.Error("dropped")
}
