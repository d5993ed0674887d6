// Package approval is the only path that mutates tasks and proposals after
// submission. It enforces admission and ordering rules, retries destructive
// calls, and publishes every outcome on the event bus.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"changedesk/internal/eventbus"
	"changedesk/internal/logging"
	"changedesk/internal/protocol"
	"changedesk/internal/retry"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

// Records is the persistence surface the coordinator drives.
type Records interface {
	CreateTask(ctx context.Context, prompt string) (taskstate.Task, error)
	GetTask(ctx context.Context, taskID string) (taskstate.Task, error)
	ListTasks(ctx context.Context) ([]taskstate.Task, error)
	UpdateTask(ctx context.Context, upd taskstate.TaskUpdate) (taskstate.Task, *taskstate.StatusChange, error)
	DeleteTask(ctx context.Context, taskID string) (taskstate.Task, error)
	ClearAll(ctx context.Context) (int64, error)
	History(ctx context.Context, taskID string) ([]taskstate.StatusChange, error)

	CreateProposals(ctx context.Context, taskID string, inputs []taskstate.ProposalInput) ([]taskstate.Proposal, error)
	GetProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error)
	ListProposalsByTask(ctx context.Context, taskID string) ([]taskstate.Proposal, error)
	ListPendingProposals(ctx context.Context) ([]taskstate.Proposal, error)
	UpdateProposalStatus(ctx context.Context, proposalID string, status taskstate.ProposalStatus) (taskstate.Proposal, error)
	CheckBulkOrdering(ctx context.Context, ids []string) error
}

// GenerationBackend turns a submitted task into status reports and proposal
// batches. Generate must not block on the generation itself.
type GenerationBackend interface {
	Generate(ctx context.Context, task taskstate.Task) error
}

// TestRunner starts a test run. The verdict arrives later through ReportTestResult.
type TestRunner interface {
	RunTest(ctx context.Context, taskID string, manual bool) error
}

type Options struct {
	Records   Records
	Publisher eventbus.Publisher
	Generator GenerationBackend
	Tester    TestRunner
	Logger    *slog.Logger

	MutationAttempts int
	MutationDelay    time.Duration
	DenyIntentTTL    time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Coordinator struct {
	records Records
	pub     eventbus.Publisher
	gen     GenerationBackend
	tester  TestRunner
	logger  *slog.Logger
	now     func() time.Time

	mutation  retry.Policy
	intentTTL time.Duration

	// admit serializes every write that can put a task into pending_approval.
	admit sync.Mutex

	intentMu sync.Mutex
	intents  map[string]DenyIntent
}

func New(opts Options) *Coordinator {
	attempts := opts.MutationAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.MutationDelay
	if delay <= 0 {
		delay = time.Second
	}
	ttl := opts.DenyIntentTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.OrDiscard(opts.Logger).With("module", "approval")

	policy := retry.Linear(attempts, delay)
	policy.Retryable = taskerr.Retryable
	policy.Sleep = opts.Sleep

	c := &Coordinator{
		records:   opts.Records,
		pub:       opts.Publisher,
		gen:       opts.Generator,
		tester:    opts.Tester,
		logger:    logger,
		now:       now,
		mutation:  policy,
		intentTTL: ttl,
		intents:   map[string]DenyIntent{},
	}
	if c.pub == nil {
		c.pub = eventbus.New(logger)
	}
	return c
}

// Submit validates the prompt, passes the admission gate, records the task and
// hands it to the generation backend.
func (c *Coordinator) Submit(ctx context.Context, prompt string) (taskstate.Task, error) {
	const op = "submit"
	clean, err := validate.Prompt(prompt)
	if err != nil {
		return taskstate.Task{}, c.fail(op, "", err)
	}

	c.admit.Lock()
	task, err := c.records.CreateTask(ctx, clean)
	c.admit.Unlock()
	if err != nil {
		return taskstate.Task{}, c.fail(op, "", err)
	}

	c.publishTask(task, nil)
	c.note(protocol.SeveritySuccess, task.TaskID, "Task submitted", task.Prompt)
	c.logger.Info("task submitted", "task_id", task.TaskID)

	if c.gen != nil {
		if err := c.gen.Generate(ctx, task); err != nil {
			failed := taskstate.StatusFailed
			if out, upErr := c.applyUpdate(ctx, taskstate.TaskUpdate{TaskID: task.TaskID, Status: &failed, Reason: "generation start failed"}); upErr == nil {
				task = out
			}
			_ = c.fail("generate", task.TaskID, taskerr.Wrap(taskerr.KindTransport, "generate", err))
		}
	}
	return task, nil
}

// Approve moves a reviewable task to applied. Child proposals are not touched.
func (c *Coordinator) Approve(ctx context.Context, taskID string) (taskstate.Task, error) {
	const op = "approve"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return taskstate.Task{}, c.fail(op, taskID, err)
	}
	task, err := c.records.GetTask(ctx, taskID)
	if err != nil {
		return taskstate.Task{}, c.fail(op, taskID, err)
	}
	if !reviewable(task.Status) {
		return taskstate.Task{}, c.fail(op, taskID, taskerr.New(taskerr.KindInvalidTransition, op, "task is "+string(task.Status)+", approval needs pending_approval"))
	}
	applied := taskstate.StatusApplied
	version := task.Version
	out, err := c.applyUpdate(ctx, taskstate.TaskUpdate{TaskID: taskID, Status: &applied, ExpectedVersion: &version, Reason: "approved"})
	if err != nil {
		return taskstate.Task{}, c.fail(op, taskID, err)
	}
	c.note(protocol.SeveritySuccess, taskID, "Task "+shortID(taskID)+" applied", out.Prompt)
	return out, nil
}

// Test asks the runner to test a reviewable task. It never changes status.
func (c *Coordinator) Test(ctx context.Context, taskID string, manual bool) error {
	const op = "test"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return c.fail(op, taskID, err)
	}
	task, err := c.records.GetTask(ctx, taskID)
	if err != nil {
		return c.fail(op, taskID, err)
	}
	if !reviewable(task.Status) {
		return c.fail(op, taskID, taskerr.New(taskerr.KindInvalidTransition, op, "task is "+string(task.Status)+", nothing to test"))
	}
	if c.tester == nil {
		return c.fail(op, taskID, taskerr.New(taskerr.KindTransport, op, "no test runner configured"))
	}
	if err := c.tester.RunTest(ctx, taskID, manual); err != nil {
		return c.fail(op, taskID, taskerr.Wrap(taskerr.KindTransport, op, err))
	}
	mode := "automatic"
	if manual {
		mode = "manual"
	}
	c.note(protocol.SeverityInfo, taskID, "Test started for task "+shortID(taskID), mode)
	return nil
}

func (c *Coordinator) SetPriority(ctx context.Context, taskID string, priority int) (taskstate.Task, error) {
	const op = "set priority"
	if err := validate.CheckTaskID(c.logger, op, taskID); err != nil {
		return taskstate.Task{}, c.fail(op, taskID, err)
	}
	out, _, err := c.records.UpdateTask(ctx, taskstate.TaskUpdate{TaskID: taskID, Priority: &priority})
	if err != nil {
		return taskstate.Task{}, c.fail(op, taskID, err)
	}
	c.pub.Publish(protocol.TopicTaskPriority, taskID, map[string]any{"priority": out.Priority, "version": out.Version})
	c.note(protocol.SeveritySuccess, taskID, "Priority updated", "")
	return out, nil
}

// TaskDetail is the on-demand fetch of one task with its proposals.
type TaskDetail struct {
	Task      taskstate.Task       `json:"task"`
	Proposals []taskstate.Proposal `json:"proposals"`
}

func (c *Coordinator) ListTasks(ctx context.Context) ([]taskstate.Task, error) {
	return c.records.ListTasks(ctx)
}

func (c *Coordinator) TaskDetail(ctx context.Context, taskID string) (TaskDetail, error) {
	if err := validate.CheckTaskID(c.logger, "task detail", taskID); err != nil {
		return TaskDetail{}, err
	}
	task, err := c.records.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	props, err := c.records.ListProposalsByTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	return TaskDetail{Task: task, Proposals: props}, nil
}

func (c *Coordinator) History(ctx context.Context, taskID string) ([]taskstate.StatusChange, error) {
	if err := validate.CheckTaskID(c.logger, "task history", taskID); err != nil {
		return nil, err
	}
	if _, err := c.records.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return c.records.History(ctx, taskID)
}

func (c *Coordinator) PendingProposals(ctx context.Context) ([]taskstate.Proposal, error) {
	return c.records.ListPendingProposals(ctx)
}

// applyUpdate writes through the store under the admission lock and publishes
// the resulting task.status event.
func (c *Coordinator) applyUpdate(ctx context.Context, upd taskstate.TaskUpdate) (taskstate.Task, error) {
	c.admit.Lock()
	out, change, err := c.records.UpdateTask(ctx, upd)
	c.admit.Unlock()
	if err != nil {
		return taskstate.Task{}, err
	}
	c.publishTask(out, change)
	return out, nil
}

func reviewable(s taskstate.Status) bool {
	return s == taskstate.StatusPendingApproval || s == taskstate.StatusTested
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
