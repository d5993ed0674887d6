// Package console is the observer-facing surface: every reviewer action goes
// to the server, lands in the local projection and leaves a feed entry.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"changedesk/internal/approval"
	"changedesk/internal/feed"
	"changedesk/internal/logging"
	"changedesk/internal/protocol"
	"changedesk/internal/reconcile"
	"changedesk/internal/stream"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

var ErrDenyCancelled = errors.New("deny cancelled")

type Options struct {
	Client         *Client
	Feed           *feed.Feed
	Logger         *slog.Logger
	Dialer         stream.Dialer
	StreamAttempts int
	StreamSleep    func(context.Context, time.Duration) error

	// OnAuthFailed runs whenever the server rejects the credential. The
	// error is still returned to the caller; nothing is retried.
	OnAuthFailed func(error)
}

type Session struct {
	client       *Client
	cache        *reconcile.Cache
	feed         *feed.Feed
	logger       *slog.Logger
	dialer       stream.Dialer
	onAuthFailed func(error)
	refreshes    singleflight.Group
	opts         Options
}

func NewSession(opts Options) *Session {
	f := opts.Feed
	if f == nil {
		f = feed.New(feed.DefaultSize)
	}
	logger := logging.OrDiscard(opts.Logger).With("module", "console")
	dialer := opts.Dialer
	if dialer == nil {
		dialer = stream.RealDialer{Token: opts.Client.Token()}
	}
	onAuth := opts.OnAuthFailed
	if onAuth == nil {
		onAuth = func(error) {}
	}
	return &Session{
		client:       opts.Client,
		cache:        reconcile.NewCache(f, logger),
		feed:         f,
		logger:       logger,
		dialer:       dialer,
		onAuthFailed: onAuth,
		opts:         opts,
	}
}

func (s *Session) Cache() *reconcile.Cache { return s.cache }
func (s *Session) Feed() *feed.Feed        { return s.feed }

func (s *Session) succeeded(taskID, message string) {
	s.feed.Add(feed.Entry{Message: message, Severity: protocol.SeveritySuccess, TaskID: taskID})
}

// failed records err as a red entry and hands it back.
func (s *Session) failed(action, taskID string, err error) error {
	s.logger.Warn("action failed", "action", action, "task_id", taskID, "err", err)
	s.feed.Add(feed.Entry{
		Message:  action + " failed",
		Severity: protocol.SeverityError,
		Details:  err.Error(),
		TaskID:   taskID,
	})
	if errors.Is(err, taskerr.ErrAuthFailed) {
		s.onAuthFailed(err)
	}
	return err
}

// Submit checks the prompt and the local admission gate before asking the
// server, which repeats both checks.
func (s *Session) Submit(ctx context.Context, prompt string) (taskstate.Task, error) {
	const action = "Submit"
	cleaned, err := validate.Prompt(prompt)
	if err != nil {
		return taskstate.Task{}, s.failed(action, "", err)
	}
	if err := s.cache.CanSubmit(); err != nil {
		return taskstate.Task{}, s.failed(action, "", err)
	}
	task, err := s.client.Submit(ctx, cleaned)
	if err != nil {
		return taskstate.Task{}, s.failed(action, "", err)
	}
	s.cache.MergeTask(task)
	s.succeeded(task.TaskID, "Task "+short(task.TaskID)+" submitted")
	return task, nil
}

// Refresh replaces the projection with the server's task list. Concurrent
// callers share one request.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshes.Do("tasks", func() (any, error) {
		tasks, err := s.client.ListTasks(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.ReplaceSnapshot(tasks)
		return len(tasks), nil
	})
	if err != nil {
		return s.failed("Refresh", "", err)
	}
	return nil
}

// Detail fetches one task with its proposals into the projection.
func (s *Session) Detail(ctx context.Context, taskID string) (approval.TaskDetail, error) {
	if err := validate.CheckTaskID(s.logger, "fetch task", taskID); err != nil {
		return approval.TaskDetail{}, s.failed("Fetch task", taskID, err)
	}
	detail, err := s.client.TaskDetail(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskerr.ErrNotFound) {
			s.cache.Remove(taskID)
		}
		return approval.TaskDetail{}, s.failed("Fetch task", taskID, err)
	}
	s.cache.MergeTask(detail.Task)
	s.cache.ReplaceProposals(taskID, detail.Proposals)
	return detail, nil
}

func (s *Session) Approve(ctx context.Context, taskID string) (taskstate.Task, error) {
	if err := validate.CheckTaskID(s.logger, "approve task", taskID); err != nil {
		return taskstate.Task{}, s.failed("Approve", taskID, err)
	}
	task, err := s.client.Approve(ctx, taskID)
	if err != nil {
		return taskstate.Task{}, s.failed("Approve", taskID, err)
	}
	s.cache.MergeTask(task)
	s.succeeded(taskID, "Task "+short(taskID)+" applied")
	return task, nil
}

// Deny opens a deny intent, asks confirm, and only then denies. A declined
// confirmation drops the intent and returns ErrDenyCancelled.
func (s *Session) Deny(ctx context.Context, taskID string, confirm func(approval.DenyIntent) bool) (taskstate.Task, error) {
	if err := validate.CheckTaskID(s.logger, "deny task", taskID); err != nil {
		return taskstate.Task{}, s.failed("Deny", taskID, err)
	}
	intent, err := s.client.OpenDenyIntent(ctx, taskID)
	if err != nil {
		return taskstate.Task{}, s.failed("Deny", taskID, err)
	}
	if confirm == nil || !confirm(intent) {
		if err := s.client.CancelDenyIntent(ctx, intent.IntentID); err != nil {
			s.logger.Warn("cancel deny intent failed", "intent_id", intent.IntentID, "err", err)
		}
		s.feed.Add(feed.Entry{Message: "Deny cancelled for task " + short(taskID), Severity: protocol.SeverityInfo, TaskID: taskID})
		return taskstate.Task{}, ErrDenyCancelled
	}
	task, err := s.client.ConfirmDeny(ctx, intent.IntentID)
	if err != nil {
		return taskstate.Task{}, s.failed("Deny", taskID, err)
	}
	s.cache.MergeTask(task)
	s.succeeded(taskID, "Task "+short(taskID)+" denied")
	return task, nil
}

// Test starts a run; the verdict arrives later as a task.test_result event.
func (s *Session) Test(ctx context.Context, taskID string, manual bool) error {
	if err := validate.CheckTaskID(s.logger, "test task", taskID); err != nil {
		return s.failed("Test", taskID, err)
	}
	if err := s.client.Test(ctx, taskID, manual); err != nil {
		return s.failed("Test", taskID, err)
	}
	mode := "automatic"
	if manual {
		mode = "manual"
	}
	s.succeeded(taskID, fmt.Sprintf("Started %s test for task %s", mode, short(taskID)))
	return nil
}

func (s *Session) SetPriority(ctx context.Context, taskID string, priority int) (taskstate.Task, error) {
	if err := validate.CheckTaskID(s.logger, "set priority", taskID); err != nil {
		return taskstate.Task{}, s.failed("Set priority", taskID, err)
	}
	task, err := s.client.SetPriority(ctx, taskID, priority)
	if err != nil {
		return taskstate.Task{}, s.failed("Set priority", taskID, err)
	}
	s.cache.MergeTask(task)
	s.succeeded(taskID, fmt.Sprintf("Task %s priority set to %d", short(taskID), priority))
	return task, nil
}

func (s *Session) Delete(ctx context.Context, taskID string) error {
	if err := validate.CheckTaskID(s.logger, "delete task", taskID); err != nil {
		return s.failed("Delete", taskID, err)
	}
	if _, err := s.client.DeleteTask(ctx, taskID); err != nil {
		if errors.Is(err, taskerr.ErrNotFound) {
			s.cache.Remove(taskID)
		}
		return s.failed("Delete", taskID, err)
	}
	s.cache.Remove(taskID)
	s.succeeded(taskID, "Task "+short(taskID)+" deleted")
	return nil
}

func (s *Session) ClearAll(ctx context.Context) (int64, error) {
	removed, err := s.client.ClearAll(ctx)
	if err != nil {
		return 0, s.failed("Clear all", "", err)
	}
	s.cache.Clear()
	s.succeeded("", fmt.Sprintf("Cleared %d task(s)", removed))
	return removed, nil
}

func (s *Session) BulkApprove(ctx context.Context, ids []string) (approval.BulkResult, error) {
	return s.bulk(ctx, "Bulk approve", ids, s.client.BulkApprove)
}

func (s *Session) BulkDeny(ctx context.Context, ids []string) (approval.BulkResult, error) {
	return s.bulk(ctx, "Bulk deny", ids, s.client.BulkDeny)
}

func (s *Session) bulk(ctx context.Context, action string, ids []string, call func(context.Context, []string) (approval.BulkResult, error)) (approval.BulkResult, error) {
	cleaned, err := validate.ProposalIDs(s.logger, action, ids)
	if err != nil {
		return approval.BulkResult{}, s.failed(action, "", err)
	}
	result, err := call(ctx, cleaned)
	if err != nil {
		return approval.BulkResult{}, s.failed(action, "", err)
	}
	for _, p := range result.Applied {
		s.cache.MergeProposal(p)
	}
	for _, f := range result.Failed {
		s.feed.Add(feed.Entry{
			Message:  fmt.Sprintf("%s: proposal %s failed", action, short(f.ProposalID)),
			Severity: protocol.SeverityError,
			Details:  f.Message,
		})
	}
	s.succeeded("", fmt.Sprintf("%s: %d applied, %d failed", action, len(result.Applied), len(result.Failed)))
	return result, nil
}

func (s *Session) ApproveProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error) {
	return s.proposal(ctx, "Approve proposal", proposalID, s.client.ApproveProposal)
}

func (s *Session) DenyProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error) {
	return s.proposal(ctx, "Deny proposal", proposalID, s.client.DenyProposal)
}

func (s *Session) proposal(ctx context.Context, action, proposalID string, call func(context.Context, string) (taskstate.Proposal, error)) (taskstate.Proposal, error) {
	if err := validate.CheckProposalID(s.logger, action, proposalID); err != nil {
		return taskstate.Proposal{}, s.failed(action, "", err)
	}
	p, err := call(ctx, proposalID)
	if err != nil {
		return taskstate.Proposal{}, s.failed(action, "", err)
	}
	s.cache.MergeProposal(p)
	s.succeeded(p.TaskID, fmt.Sprintf("Proposal for %s %s", p.File, p.Status))
	return p, nil
}

// Watch loads the task list and then follows the event stream until ctx ends
// or reconnection gives up.
func (s *Session) Watch(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil && errors.Is(err, taskerr.ErrAuthFailed) {
		return err
	}
	conn := stream.NewConnector(stream.Options{
		URL:      s.client.StreamURL(),
		Dialer:   s.dialer,
		Feed:     s.feed,
		Logger:   s.logger,
		Attempts: s.opts.StreamAttempts,
		Sleep:    s.opts.StreamSleep,
		OnText: func(text string) {
			_ = s.cache.ApplyText(text)
		},
		OnResync: s.Refresh,
	})
	return conn.Run(ctx)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
