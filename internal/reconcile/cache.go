// Package reconcile holds an observer's projection of server state: tasks,
// their proposals and the live feed, merged from snapshots and events.
package reconcile

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"changedesk/internal/feed"
	"changedesk/internal/logging"
	"changedesk/internal/protocol"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
	"changedesk/internal/validate"
)

type TestVerdict struct {
	Passed  bool   `json:"passed"`
	Manual  bool   `json:"manual"`
	Details string `json:"details,omitempty"`
}

type Cache struct {
	mu        sync.RWMutex
	tasks     map[string]taskstate.Task
	proposals map[string][]taskstate.Proposal
	verdicts  map[string]TestVerdict
	files     map[string]map[string]string
	seen      map[string]struct{}
	seenOrder []string
	feed      *feed.Feed
	logger    *slog.Logger
}

// seenWindow bounds how many event ids are remembered for redelivery checks.
const seenWindow = 256

func NewCache(f *feed.Feed, logger *slog.Logger) *Cache {
	if f == nil {
		f = feed.New(feed.DefaultSize)
	}
	return &Cache{
		tasks:     map[string]taskstate.Task{},
		proposals: map[string][]taskstate.Proposal{},
		verdicts:  map[string]TestVerdict{},
		files:     map[string]map[string]string{},
		seen:      map[string]struct{}{},
		feed:      f,
		logger:    logging.OrDiscard(logger).With("module", "reconcile"),
	}
}

func (c *Cache) Feed() *feed.Feed { return c.feed }

// ReplaceSnapshot makes tasks the full set of known tasks. A record arriving
// without a prompt keeps the one already cached for the same id.
func (c *Cache) ReplaceSnapshot(tasks []taskstate.Task) {
	next := make(map[string]taskstate.Task, len(tasks))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		if !validate.IsValidTaskID(t.TaskID) {
			c.logger.Warn("snapshot entry dropped", "task_id", t.TaskID)
			continue
		}
		if old, ok := c.tasks[t.TaskID]; ok {
			t = mergeTask(old, t)
		}
		if t.Status == taskstate.StatusDeleted {
			continue
		}
		next[t.TaskID] = t
	}
	for id := range c.tasks {
		if _, ok := next[id]; !ok {
			c.dropLocked(id)
		}
	}
	c.tasks = next
}

// MergeTask folds a full task record into the projection. Stale versions and
// records that change nothing are ignored; it reports whether anything was
// applied.
func (c *Cache) MergeTask(t taskstate.Task) (taskstate.Task, bool) {
	if !validate.IsValidTaskID(t.TaskID) {
		c.rejectTaskID("merge task", t.TaskID)
		return taskstate.Task{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.tasks[t.TaskID]
	if ok {
		if t.Version != 0 && t.Version < old.Version {
			c.logger.Debug("stale task ignored", "task_id", t.TaskID, "version", t.Version, "cached_version", old.Version)
			return old, false
		}
		t = mergeTask(old, t)
		if sameTask(old, t) {
			return old, false
		}
	}
	if t.Status == taskstate.StatusDeleted {
		delete(c.tasks, t.TaskID)
		c.dropLocked(t.TaskID)
		return t, true
	}
	c.tasks[t.TaskID] = t
	return t, true
}

// mergeTask takes incoming fields over cached ones, except where incoming
// carries nothing.
func mergeTask(old, in taskstate.Task) taskstate.Task {
	if in.Prompt == "" {
		in.Prompt = old.Prompt
	}
	if in.Status == "" {
		in.Status = old.Status
	}
	if in.StagedFiles == nil {
		in.StagedFiles = old.StagedFiles
	}
	if in.GeneratedFiles == nil {
		in.GeneratedFiles = old.GeneratedFiles
	}
	if in.ProposedChanges == nil {
		in.ProposedChanges = old.ProposedChanges
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = old.CreatedAt
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = old.UpdatedAt
	}
	if in.Version == 0 {
		in.Version = old.Version
	}
	return in
}

func sameTask(a, b taskstate.Task) bool {
	return a.TaskID == b.TaskID &&
		a.Prompt == b.Prompt &&
		a.Status == b.Status &&
		a.Priority == b.Priority &&
		a.Version == b.Version &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		slices.Equal(a.StagedFiles, b.StagedFiles) &&
		slices.Equal(a.GeneratedFiles, b.GeneratedFiles) &&
		slices.Equal(a.ProposedChanges, b.ProposedChanges)
}

func (c *Cache) Remove(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
	c.dropLocked(taskID)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = map[string]taskstate.Task{}
	c.proposals = map[string][]taskstate.Proposal{}
	c.verdicts = map[string]TestVerdict{}
	c.files = map[string]map[string]string{}
}

func (c *Cache) dropLocked(taskID string) {
	delete(c.proposals, taskID)
	delete(c.verdicts, taskID)
	delete(c.files, taskID)
}

func (c *Cache) Task(taskID string) (taskstate.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[taskID]
	return t, ok
}

// Tasks lists the projection newest first.
func (c *Cache) Tasks() []taskstate.Task {
	c.mu.RLock()
	out := make([]taskstate.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (c *Cache) PendingApproval() (taskstate.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if t.Status == taskstate.StatusPendingApproval {
			return t, true
		}
	}
	return taskstate.Task{}, false
}

// CanSubmit refuses locally while any known task awaits approval. The server
// repeats the same check and has the final word.
func (c *Cache) CanSubmit() error {
	if t, ok := c.PendingApproval(); ok {
		return taskerr.New(taskerr.KindAdmissionConflict, "submit task", "task "+t.TaskID+" is awaiting approval")
	}
	return nil
}

// ReplaceProposals sets the proposal list of a task, oldest first.
func (c *Cache) ReplaceProposals(taskID string, props []taskstate.Proposal) {
	sorted := append([]taskstate.Proposal{}, props...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	c.mu.Lock()
	c.proposals[taskID] = sorted
	c.mu.Unlock()
}

// MergeProposal updates a cached proposal in place, adding it if unknown. It
// reports false when the cached copy already matched.
func (c *Cache) MergeProposal(p taskstate.Proposal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.proposals[p.TaskID]
	for i := range list {
		if list[i].ProposalID != p.ProposalID {
			continue
		}
		if p.File == "" {
			p.File = list[i].File
		}
		if p.Content == "" {
			p.Content = list[i].Content
		}
		if p.Change == "" {
			p.Change = list[i].Change
		}
		if p.Reason == "" {
			p.Reason = list[i].Reason
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = list[i].CreatedAt
		}
		if sameProposal(p, list[i]) {
			return false
		}
		list[i] = p
		return true
	}
	c.proposals[p.TaskID] = append(list, p)
	return true
}

func sameProposal(a, b taskstate.Proposal) bool {
	return a.ProposalID == b.ProposalID &&
		a.TaskID == b.TaskID &&
		a.File == b.File &&
		a.Content == b.Content &&
		a.Change == b.Change &&
		a.Reason == b.Reason &&
		a.Status == b.Status &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func (c *Cache) Proposals(taskID string) []taskstate.Proposal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]taskstate.Proposal{}, c.proposals[taskID]...)
}

func (c *Cache) Verdict(taskID string) (TestVerdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.verdicts[taskID]
	return v, ok
}

func (c *Cache) FileContent(taskID, file string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	content, ok := c.files[taskID][file]
	return content, ok
}

func (c *Cache) rejectTaskID(op, taskID string) error {
	err := validate.CheckTaskID(c.logger, op, taskID)
	c.feed.Add(feed.Entry{
		Message:  "Ignored event with invalid task id",
		Severity: protocol.SeverityError,
		Details:  err.Error(),
		Event:    op,
	})
	return err
}

// markSeen records an event id and reports whether it was already applied on
// the current subscription.
func (c *Cache) markSeen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenWindow {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

// resetSeen forgets event ids; a new subscription numbers its events afresh.
func (c *Cache) resetSeen() {
	c.mu.Lock()
	c.seen = map[string]struct{}{}
	c.seenOrder = nil
	c.mu.Unlock()
}
