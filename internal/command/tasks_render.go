package command

import (
	"fmt"
	"io"
	"time"

	"changedesk/internal/approval"
	"changedesk/internal/feed"
	"changedesk/internal/taskstate"
)

func renderTask(out io.Writer, t taskstate.Task) {
	_, _ = fmt.Fprintf(out, "%s  %-16s  p%d  v%d  %s\n", t.TaskID, t.Status, t.Priority, t.Version, t.Prompt)
}

func renderTasks(out io.Writer, tasks []taskstate.Task) {
	if len(tasks) == 0 {
		_, _ = fmt.Fprintf(out, "no tasks\n")
		return
	}
	for _, t := range tasks {
		renderTask(out, t)
	}
}

func renderDetail(out io.Writer, d approval.TaskDetail) {
	renderTask(out, d.Task)
	for _, p := range d.Proposals {
		_, _ = fmt.Fprintf(out, "  %s  %-8s  %-8s  %s\n", p.ProposalID, p.Status, p.Change, p.File)
	}
}

func renderBulk(out io.Writer, r approval.BulkResult) {
	for _, p := range r.Applied {
		_, _ = fmt.Fprintf(out, "ok    %s  %s  %s\n", p.ProposalID, p.Status, p.File)
	}
	for _, f := range r.Failed {
		_, _ = fmt.Fprintf(out, "fail  %s  %s  %s\n", f.ProposalID, f.Kind, f.Message)
	}
}

func renderEntry(out io.Writer, e feed.Entry) {
	line := fmt.Sprintf("%s [%s] %s", e.At.Local().Format(time.TimeOnly), e.Severity, e.Message)
	if e.Details != "" {
		line += " (" + e.Details + ")"
	}
	_, _ = fmt.Fprintf(out, "%s%s\x1b[0m\n", ansi(e.Color), line)
}

func ansi(color string) string {
	switch color {
	case "green":
		return "\x1b[32m"
	case "yellow":
		return "\x1b[33m"
	case "red":
		return "\x1b[31m"
	default:
		return "\x1b[34m"
	}
}
