// Package testbridge runs a configured shell command as a task's test and
// reports the verdict asynchronously.
package testbridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"changedesk/internal/approval"
	"changedesk/internal/logging"
)

const maxDetails = 4096

type CommandRunner struct {
	command string
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	ingest approval.Ingest
	wg     sync.WaitGroup
}

func NewCommandRunner(command, dir string, timeout time.Duration, logger *slog.Logger) *CommandRunner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CommandRunner{
		command: strings.TrimSpace(command),
		dir:     dir,
		timeout: timeout,
		logger:  logging.OrDiscard(logger).With("module", "testbridge"),
	}
}

func (r *CommandRunner) Attach(ingest approval.Ingest) {
	r.mu.Lock()
	r.ingest = ingest
	r.mu.Unlock()
}

// RunTest starts the command and returns once it is running. The command sees
// CHANGEDESK_TASK_ID and CHANGEDESK_TEST_MODE (manual|auto).
func (r *CommandRunner) RunTest(ctx context.Context, taskID string, manual bool) error {
	if r.command == "" {
		return errors.New("test command is not configured")
	}
	r.mu.RLock()
	ingest := r.ingest
	r.mu.RUnlock()
	if ingest == nil {
		return errors.New("test runner is not attached")
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	cmd := exec.CommandContext(runCtx, "sh", "-c", r.command)
	cmd.Dir = r.dir
	mode := "auto"
	if manual {
		mode = "manual"
	}
	cmd.Env = append(os.Environ(), "CHANGEDESK_TASK_ID="+taskID, "CHANGEDESK_TEST_MODE="+mode)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}
	r.logger.Info("test started", "task_id", taskID, "mode", mode)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		err := cmd.Wait()
		details := tail(out.String(), maxDetails)
		if err != nil && details == "" {
			details = err.Error()
		}
		r.logger.Info("test finished", "task_id", taskID, "passed", err == nil)
		if repErr := ingest.ReportTestResult(context.WithoutCancel(runCtx), approval.TestResult{TaskID: taskID, Passed: err == nil, Manual: manual, Details: details}); repErr != nil {
			r.logger.Warn("report test result failed", "task_id", taskID, "err", repErr)
		}
	}()
	return nil
}

func (r *CommandRunner) Wait() {
	r.wg.Wait()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
