package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Scheduler admits tasks of one execution graph into running workers. It
// owns the Status of every task in the graph: nothing else writes it.
//
// Admission is eager: a task is eligible as soon as all of its
// dependencies have completed, whatever its level, and at most limit tasks
// run at once.
type Scheduler struct {
	// graph is the plan being executed.
	graph *graph.ExecutionGraph
	// limit is min(graph.MaxConcurrency, configured max parallel agents).
	limit int
	// running maps task IDs to the session executing them.
	running map[string]string
	// now is the clock used for StartedAt/CompletedAt.
	now  func() time.Time
	logf func(format string, args ...any)
	// mu protects all mutable fields and task statuses.
	mu sync.RWMutex
}

// Snapshot is a point-in-time count of tasks per status.
type Snapshot struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Limit     int `json:"limit"`
}

// NewScheduler creates a Scheduler for eg. maxParallel <= 0 leaves the
// graph's MaxConcurrency as the only bound. Every task starts pending.
func NewScheduler(eg *graph.ExecutionGraph, maxParallel int) *Scheduler {
	limit := eg.MaxConcurrency
	if maxParallel > 0 && maxParallel < limit {
		limit = maxParallel
	}
	if limit < 1 {
		limit = 1
	}
	for _, t := range eg.Tasks {
		t.Status = models.TaskStatusPending
		t.BlockedReason = ""
		t.Error = ""
	}
	return &Scheduler{
		graph:   eg,
		limit:   limit,
		running: make(map[string]string),
		now:     time.Now,
		logf:    func(string, ...any) {},
	}
}

// SetDebugLog sets a printf-style debug logger.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...any)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logf = fn
}

// Limit returns the number of tasks allowed to run at once.
func (s *Scheduler) Limit() int {
	return s.limit
}

// Schedule returns eligible pending tasks, in graph order, up to the
// number of free slots. It does not change any status; the caller admits
// each returned task with OnTaskStart.
func (s *Scheduler) Schedule() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	availableSlots := s.limit - len(s.running)
	if availableSlots <= 0 {
		s.logf("[scheduler] no available slots: limit=%d, running=%d", s.limit, len(s.running))
		return nil
	}

	eligible := s.eligibleLocked()
	if len(eligible) > availableSlots {
		eligible = eligible[:availableSlots]
	}
	s.logf("[scheduler] scheduled %d tasks (slots=%d, running=%d)", len(eligible), availableSlots, len(s.running))
	return eligible
}

// Eligible returns every pending task whose dependencies have completed,
// ignoring free slots.
func (s *Scheduler) Eligible() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eligibleLocked()
}

func (s *Scheduler) eligibleLocked() []*models.Task {
	deps := s.graph.Dependencies()
	ids := deps.GetReady(func(id string) bool {
		t := deps.GetTask(id)
		return t != nil && t.Status == models.TaskStatusCompleted
	})
	var out []*models.Task
	for _, id := range ids {
		if t := deps.GetTask(id); t != nil && t.Status == models.TaskStatusPending {
			out = append(out, t)
		}
	}
	return out
}

// OnTaskStart moves a task from pending to running. It refuses tasks that
// are not eligible and admissions beyond the limit.
func (s *Scheduler) OnTaskStart(taskID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.graph.Task(taskID)
	if task == nil {
		return errs.NotFound("task %s", taskID)
	}
	if task.Status != models.TaskStatusPending {
		return errs.Validation("task %s is %s, not pending", taskID, task.Status)
	}
	for _, depID := range task.DependsOn {
		if dep := s.graph.Task(depID); dep == nil || dep.Status != models.TaskStatusCompleted {
			return errs.Validation("task %s: dependency %s has not completed", taskID, depID)
		}
	}
	if len(s.running) >= s.limit {
		return errs.Validation("task %s: concurrency limit %d reached", taskID, s.limit)
	}

	now := s.now()
	task.Status = models.TaskStatusRunning
	task.SessionID = sessionID
	task.StartedAt = &now
	s.running[taskID] = sessionID
	s.logf("[scheduler] task %s running on session %s (%d/%d)", taskID, sessionID, len(s.running), s.limit)
	return nil
}

// OnTaskComplete marks a running task completed, attaches its result and
// returns the IDs of dependents that became eligible.
func (s *Scheduler) OnTaskComplete(taskID, result string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.finishLocked(taskID)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusCompleted
	task.Result = result

	var unlocked []string
	for _, depID := range s.graph.Dependencies().GetDependents(taskID) {
		if s.eligibleTaskLocked(depID) {
			unlocked = append(unlocked, depID)
		}
	}
	s.logf("[scheduler] task %s completed, %d dependents eligible", taskID, len(unlocked))
	return unlocked, nil
}

// OnTaskFailed marks a running task failed and blocks every transitive
// dependent that has not started. It returns the blocked IDs. Blocked tasks
// stay blocked until Requeue.
func (s *Scheduler) OnTaskFailed(taskID string, cause error) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.finishLocked(taskID)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusFailed
	if cause != nil {
		task.Error = cause.Error()
	}
	blocked := s.markDependentsBlocked(taskID)
	s.logf("[scheduler] task %s failed, blocked %d dependents", taskID, len(blocked))
	return blocked, nil
}

func (s *Scheduler) finishLocked(taskID string) (*models.Task, error) {
	task := s.graph.Task(taskID)
	if task == nil {
		return nil, errs.NotFound("task %s", taskID)
	}
	if task.Status != models.TaskStatusRunning {
		return nil, errs.Validation("task %s is %s, not running", taskID, task.Status)
	}
	now := s.now()
	task.CompletedAt = &now
	delete(s.running, taskID)
	return task, nil
}

// markDependentsBlocked blocks all pending tasks downstream of a failure.
func (s *Scheduler) markDependentsBlocked(failedTaskID string) []string {
	var blocked []string
	for _, depID := range s.graph.Dependencies().GetTransitiveDependents(failedTaskID) {
		task := s.graph.Task(depID)
		if task != nil && task.Status == models.TaskStatusPending {
			task.Status = models.TaskStatusBlocked
			task.BlockedReason = "dependency_failed:" + failedTaskID
			blocked = append(blocked, depID)
			s.logf("[scheduler] marked task %s as blocked (depends on failed task %s)", depID, failedTaskID)
		}
	}
	return blocked
}

// Requeue returns a failed or blocked task to pending. Requeueing a failed
// task also unblocks dependents that no longer sit downstream of any
// failure. It returns every task ID that went back to pending.
func (s *Scheduler) Requeue(taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.graph.Task(taskID)
	if task == nil {
		return nil, errs.NotFound("task %s", taskID)
	}
	switch task.Status {
	case models.TaskStatusFailed:
	case models.TaskStatusBlocked:
		if failed := s.failedAncestorLocked(taskID); failed != "" {
			return nil, errs.Validation("task %s is still blocked by failed task %s", taskID, failed)
		}
	default:
		return nil, errs.Validation("task %s is %s; only failed or blocked tasks can be requeued", taskID, task.Status)
	}

	reset(task)
	requeued := []string{taskID}
	for _, depID := range s.graph.Dependencies().GetTransitiveDependents(taskID) {
		dep := s.graph.Task(depID)
		if dep == nil || dep.Status != models.TaskStatusBlocked {
			continue
		}
		if failed := s.failedAncestorLocked(depID); failed != "" {
			dep.BlockedReason = "dependency_failed:" + failed
			continue
		}
		reset(dep)
		requeued = append(requeued, depID)
	}
	s.logf("[scheduler] requeued %v", requeued)
	return requeued, nil
}

func reset(t *models.Task) {
	t.Status = models.TaskStatusPending
	t.BlockedReason = ""
	t.Error = ""
	t.Result = ""
	t.SessionID = ""
	t.StartedAt = nil
	t.CompletedAt = nil
}

// failedAncestorLocked returns the id of a failed task upstream of id, or "".
func (s *Scheduler) failedAncestorLocked(id string) string {
	seen := map[string]bool{id: true}
	stack := s.graph.Dependencies().GetDependencies(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if t := s.graph.Task(cur); t != nil && t.Status == models.TaskStatusFailed {
			return cur
		}
		stack = append(stack, s.graph.Dependencies().GetDependencies(cur)...)
	}
	return ""
}

func (s *Scheduler) eligibleTaskLocked(id string) bool {
	t := s.graph.Task(id)
	if t == nil || t.Status != models.TaskStatusPending {
		return false
	}
	for _, depID := range t.DependsOn {
		if dep := s.graph.Task(depID); dep == nil || dep.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// RunningCount returns the number of running tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// Running returns a copy of the task -> session map of running tasks.
func (s *Scheduler) Running() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.running))
	for k, v := range s.running {
		out[k] = v
	}
	return out
}

// Done reports whether nothing is running and nothing can be admitted.
func (s *Scheduler) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running) == 0 && len(s.eligibleLocked()) == 0
}

// Snapshot counts tasks per status.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Limit: s.limit}
	for _, t := range s.graph.Tasks {
		switch t.Status {
		case models.TaskStatusPending:
			snap.Pending++
		case models.TaskStatusRunning:
			snap.Running++
		case models.TaskStatusCompleted:
			snap.Completed++
		case models.TaskStatusFailed:
			snap.Failed++
		case models.TaskStatusBlocked:
			snap.Blocked++
		}
	}
	return snap
}

// Tasks returns deep copies of every task in graph order.
func (s *Scheduler) Tasks() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.CloneTasks(s.graph.Tasks)
}

// Task returns a copy of one task.
func (s *Scheduler) Task(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.graph.Task(id)
	if t == nil {
		return nil, errs.NotFound("task %s", id)
	}
	return t.Clone(), nil
}

// String renders the snapshot for logs.
func (s Snapshot) String() string {
	return fmt.Sprintf("pending=%d running=%d completed=%d failed=%d blocked=%d limit=%d",
		s.Pending, s.Running, s.Completed, s.Failed, s.Blocked, s.Limit)
}
