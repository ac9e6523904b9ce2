package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/bus"
	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/internal/transparency"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// queueKind tags queue tasks mirrored from an execution graph. A task is
// mirrored when it is admitted, already leased to its session, so tasks with
// open dependencies are never claimable from the queue.
const queueKind = "task"

// Report summarises one Execute call.
type Report struct {
	RunID       string          `json:"run_id"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Request     string          `json:"request"`
	Status      state.RunStatus `json:"status"`
	Decision    DecisionAction  `json:"decision"`
	Tasks       []*models.Task  `json:"tasks"`
	Snapshot    Snapshot        `json:"snapshot"`
	// TotalEstimatedTime and CriticalPathTime are in minutes.
	TotalEstimatedTime int           `json:"total_estimated_time"`
	CriticalPathTime   int           `json:"critical_path_time"`
	MaxConcurrency     int           `json:"max_concurrency"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	Error              string        `json:"error,omitempty"`
}

// Succeeded reports whether every task completed.
func (r *Report) Succeeded() bool {
	return r != nil && r.Status == state.RunCompleted
}

// run is the state of one Execute call.
type run struct {
	id          string
	request     string
	workspaceID string
	scheduler   *Scheduler

	mu sync.Mutex
	// queueIDs maps graph task IDs to their latest mirrored queue task IDs.
	queueIDs map[string]string
	// leases maps graph task IDs to the live lease of a running task.
	leases map[string]*queue.Lease
	// idle holds reusable sessions per role.
	idle map[string][]string
	// attempts counts requeues per task.
	attempts map[string]int
}

func (r *run) liveLeases() map[string]*queue.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*queue.Lease, len(r.leases))
	for k, v := range r.leases {
		out[k] = v
	}
	return out
}

func (r *run) setLeaseExpiry(taskID string, expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[taskID]; ok {
		c := *l
		c.ExpiresAt = expiry
		r.leases[taskID] = &c
	}
}

func (r *run) takeLease(taskID string) *queue.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.leases[taskID]
	delete(r.leases, taskID)
	return l
}

// Execute decomposes request, passes the plan through the approval gate
// and runs it to completion.
func (o *Orchestrator) Execute(ctx context.Context, request string) (*Report, error) {
	eg, err := o.decomposer.Decompose(request)
	if err != nil {
		o.record(ctx, transparency.Failure(transparency.EventError, err))
		return nil, fmt.Errorf("decompose request: %w", err)
	}
	return o.ExecuteGraph(ctx, request, eg)
}

// ExecuteTasks validates an explicit task list and runs it.
func (o *Orchestrator) ExecuteTasks(ctx context.Context, label string, tasks []*models.Task) (*Report, error) {
	eg, err := o.decomposer.FromTasks(tasks)
	if err != nil {
		o.record(ctx, transparency.Failure(transparency.EventError, err))
		return nil, err
	}
	return o.ExecuteGraph(ctx, label, eg)
}

// ExecuteGraph runs an already built plan. Task failures do not make it
// return an error: they are reflected in the report status. Errors are
// reserved for cancellation, a stop, a rejected plan or workspace setup.
func (o *Orchestrator) ExecuteGraph(ctx context.Context, request string, eg *graph.ExecutionGraph) (*Report, error) {
	o.mu.Lock()
	if o.shutdown || o.pauseCtrl.IsStopped() {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	if !o.initialized {
		o.mu.Unlock()
		return nil, errors.New("orchestrator: Init has not been called")
	}
	o.mu.Unlock()

	started := o.now()
	report := &Report{
		RunID:     uuid.New().String(),
		Request:   request,
		Status:    state.RunActive,
		StartedAt: started,
	}
	log := o.logger.With("run_id", report.RunID)

	if err := o.store.CreateRun(&state.Run{
		ID:        report.RunID,
		Request:   request,
		Status:    state.RunActive,
		StartedAt: started,
	}); err != nil {
		log.Warn("persist run", "error", err)
	}

	finish := func(status state.RunStatus, runErr error) (*Report, error) {
		report.Status = status
		report.Duration = o.now().Sub(started)
		if runErr != nil {
			report.Error = runErr.Error()
		}
		if err := o.store.FinishRun(report.RunID, status, report.Error, o.now()); err != nil {
			log.Warn("finish run", "error", err)
		}
		o.emitter.Emit(OrchestratorEvent{Type: EventRunDone, RunID: report.RunID, Message: string(status), Error: runErr})
		log.Info("run finished", "status", status, "duration", report.Duration)
		return report, runErr
	}

	decision, err := o.gate.Review(ctx, eg)
	if err != nil {
		return finish(state.RunCanceled, fmt.Errorf("plan review: %w", err))
	}
	if decision.Action == "" {
		decision.Action = DecisionApprove
	}
	report.Decision = decision.Action
	o.record(ctx, transparency.Event{
		Type:    transparency.EventPlanDecision,
		Success: transparency.Bool(decision.Action != DecisionCancel),
		Metadata: map[string]any{
			"run_id": report.RunID,
			"action": string(decision.Action),
			"reason": decision.Reason,
			"tasks":  len(eg.Tasks),
		},
	})
	eg, err = ApplyDecision(eg, decision)
	if err != nil {
		if errors.Is(err, ErrPlanCanceled) {
			return finish(state.RunCanceled, err)
		}
		return finish(state.RunFailed, err)
	}
	report.TotalEstimatedTime = eg.TotalEstimatedTime
	report.CriticalPathTime = eg.CriticalPathTime
	report.MaxConcurrency = eg.MaxConcurrency

	workspaceID, err := o.sessions.PrepareWorkspace(ctx, o.repoPath)
	if err != nil {
		o.record(ctx, transparency.Failure(transparency.EventError, err))
		return finish(state.RunFailed, err)
	}
	report.WorkspaceID = workspaceID
	log = log.WithWorkspace(workspaceID)

	sched := NewScheduler(eg, o.cfg.Scheduler.MaxParallelAgents)
	sched.SetDebugLog(log.Logf)
	r := &run{
		id:          report.RunID,
		request:     request,
		workspaceID: workspaceID,
		scheduler:   sched,
		queueIDs:    make(map[string]string, len(eg.Tasks)),
		leases:      make(map[string]*queue.Lease),
		idle:        make(map[string][]string),
		attempts:    make(map[string]int),
	}
	for _, t := range sched.Tasks() {
		o.persistTask(r, t)
	}

	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, r.id)
		o.mu.Unlock()
	}()

	o.emitter.Emit(OrchestratorEvent{
		Type:    EventPlanReady,
		RunID:   r.id,
		Message: fmt.Sprintf("%d tasks, limit %d", len(eg.Tasks), sched.Limit()),
	})
	log.Info("run started", "tasks", len(eg.Tasks), "limit", sched.Limit(), "decision", decision.Action)

	loopErr := o.runLoop(ctx, r)

	teardownCtx := context.WithoutCancel(ctx)
	if err := o.sessions.Teardown(teardownCtx, workspaceID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		log.Warn("workspace teardown", "error", err)
	}
	// Teardown returns in-flight leases to the queue; nothing of this run may
	// stay claimable once it ends.
	if n, err := o.queue.FailWorkspace(teardownCtx, workspaceID, fmt.Sprintf("run %s ended", r.id)); err != nil {
		log.Warn("settle mirrored tasks", "error", err)
	} else if n > 0 {
		log.Debug("mirrored tasks settled", "count", n)
	}

	report.Tasks = sched.Tasks()
	report.Snapshot = sched.Snapshot()
	for _, t := range report.Tasks {
		o.persistTask(r, t)
	}

	switch {
	case errors.Is(loopErr, ErrStopped):
		return finish(state.RunCanceled, loopErr)
	case loopErr != nil:
		return finish(state.RunInterrupted, loopErr)
	case report.Snapshot.Completed == len(report.Tasks):
		return finish(state.RunCompleted, nil)
	default:
		return finish(state.RunFailed, nil)
	}
}

// mirrorTask copies an admitted task into the queue, leased to the session
// that runs it. Queue failures degrade cross-process visibility only.
func (o *Orchestrator) mirrorTask(ctx context.Context, r *run, t *models.Task, sessionID string) {
	payload, err := json.Marshal(struct {
		RunID string       `json:"run_id"`
		Task  *models.Task `json:"task"`
	}{r.id, t})
	if err != nil {
		o.logger.Warn("encode mirrored task", "task_id", t.ID, "error", err)
		return
	}
	r.mu.Lock()
	qid := r.id + "/" + t.ID
	if n := r.attempts[t.ID]; n > 0 {
		qid = fmt.Sprintf("%s#%d", qid, n)
	}
	r.mu.Unlock()

	lease, err := o.queue.EnqueueLeased(ctx, queue.EnqueueRequest{
		ID:          qid,
		Kind:        queueKind,
		WorkspaceID: r.workspaceID,
		Payload:     payload,
	}, sessionID)
	if err != nil {
		o.logger.Warn("mirror task to queue", "task_id", t.ID, "error", err)
		return
	}
	r.mu.Lock()
	r.queueIDs[t.ID] = qid
	r.leases[t.ID] = lease
	r.mu.Unlock()
}

func (o *Orchestrator) persistTask(r *run, t *models.Task) {
	err := o.store.UpsertRunTask(&state.RunTask{
		RunID:     r.id,
		TaskID:    t.ID,
		Title:     t.Title,
		Role:      t.AssignedRole,
		Status:    string(t.Status),
		SessionID: t.SessionID,
		DependsOn: t.DependsOn,
		Error:     firstNonEmpty(t.Error, t.BlockedReason),
		UpdatedAt: o.now(),
	})
	if err != nil {
		o.logger.Debug("persist run task", "task_id", t.ID, "error", err)
	}
}

// runLoop is the main execution loop: admit eligible tasks, wait for
// results, housekeeping on ticks. It is the only writer of scheduler state
// for the run.
func (o *Orchestrator) runLoop(ctx context.Context, r *run) error {
	sched := r.scheduler
	completionCh := make(chan DispatchResult, len(sched.graph.Tasks))
	inflight := make(map[string]context.CancelFunc)

	pollInterval := o.cfg.Scheduler.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	tickInterval := o.cfg.Scheduler.TickInterval
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	abort := func(cause error) error {
		for _, cancel := range inflight {
			cancel()
		}
		for len(inflight) > 0 {
			res := <-completionCh
			o.handleResult(ctx, r, res, inflight)
		}
		return cause
	}

	for {
		if o.pauseCtrl.IsStopped() {
			return abort(ErrStopped)
		}
		if ctx.Err() != nil {
			return abort(ctx.Err())
		}

		if !o.pauseCtrl.IsPaused() {
			for _, task := range sched.Schedule() {
				o.admit(ctx, r, task, inflight, completionCh)
			}
		}

		if len(inflight) == 0 && sched.Done() {
			o.logger.Debug("run loop exiting", "run_id", r.id, "snapshot", sched.Snapshot().String())
			return nil
		}

		select {
		case <-ctx.Done():
			return abort(ctx.Err())
		case res := <-completionCh:
			o.handleResult(ctx, r, res, inflight)
		case now := <-tick.C:
			o.Tick(ctx, now)
		case <-poll.C:
		}
	}
}

// admit starts one eligible task on a session of its role.
func (o *Orchestrator) admit(ctx context.Context, r *run, task *models.Task, inflight map[string]context.CancelFunc, completionCh chan<- DispatchResult) {
	sched := r.scheduler
	log := o.logger.With("run_id", r.id, "task_id", task.ID)

	sessionID, err := o.sessionFor(r, task.AssignedRole)
	if err != nil {
		log.Warn("no session for task", "role", task.AssignedRole, "error", err)
		if startErr := sched.OnTaskStart(task.ID, ""); startErr != nil {
			log.Error("admit failed task", "error", startErr)
			return
		}
		o.failTask(ctx, r, task.ID, "", 0, err)
		return
	}
	if err := sched.OnTaskStart(task.ID, sessionID); err != nil {
		log.Error("admit task", "error", err)
		o.returnSession(r, task.AssignedRole, sessionID)
		return
	}

	if t, err := sched.Task(task.ID); err == nil {
		o.mirrorTask(ctx, r, t, sessionID)
	}

	o.metrics.TaskStarted()
	o.record(ctx, transparency.Event{
		Type:      transparency.EventTaskStarted,
		SessionID: sessionID,
		AgentID:   sessionID,
		Metadata:  map[string]any{"run_id": r.id, "task_id": task.ID, "role": task.AssignedRole},
	})
	o.emitter.Emit(OrchestratorEvent{
		Type:      EventTaskStarted,
		RunID:     r.id,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		SessionID: sessionID,
	})
	if t, err := sched.Task(task.ID); err == nil {
		o.persistTask(r, t)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	inflight[task.ID] = cancel
	go func(t *models.Task) {
		res, err := o.sessions.Dispatch(taskCtx, sessionID, t)
		res.Err = err
		completionCh <- res
	}(task.Clone())
}

// sessionFor reuses an idle session of role or spawns a new one.
func (o *Orchestrator) sessionFor(r *run, role string) (string, error) {
	r.mu.Lock()
	if ids := r.idle[role]; len(ids) > 0 {
		id := ids[len(ids)-1]
		r.idle[role] = ids[:len(ids)-1]
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()
	id, err := o.sessions.SpawnSession(role, r.workspaceID)
	if err != nil {
		return "", err
	}
	o.emitter.Emit(OrchestratorEvent{Type: EventSessionSpawned, RunID: r.id, SessionID: id, Message: role})
	return id, nil
}

func (o *Orchestrator) returnSession(r *run, role, sessionID string) {
	r.mu.Lock()
	r.idle[role] = append(r.idle[role], sessionID)
	r.mu.Unlock()
}

// handleResult routes a dispatch outcome into the scheduler, the queue
// mirror, the bus and the transparency log.
func (o *Orchestrator) handleResult(ctx context.Context, r *run, res DispatchResult, inflight map[string]context.CancelFunc) {
	if cancel, ok := inflight[res.TaskID]; ok {
		cancel()
		delete(inflight, res.TaskID)
	}
	if res.Err != nil {
		o.failTask(ctx, r, res.TaskID, res.SessionID, res.Duration, res.Err)
		return
	}

	sched := r.scheduler
	unlocked, err := sched.OnTaskComplete(res.TaskID, res.Output)
	if err != nil {
		o.logger.Error("complete task", "task_id", res.TaskID, "error", err)
		return
	}
	qctx := context.WithoutCancel(ctx)
	if l := r.takeLease(res.TaskID); l != nil {
		result, _ := json.Marshal(map[string]string{"output": res.Output})
		if err := o.queue.Complete(qctx, l.Task.ID, l.LeaseID, result); err != nil {
			o.logger.Warn("complete mirrored task", "task_id", res.TaskID, "error", err)
		}
	}

	task, _ := sched.Task(res.TaskID)
	o.metrics.TaskFinished(string(models.TaskStatusCompleted))
	o.record(ctx, transparency.Event{
		Type:      transparency.EventTaskCompleted,
		SessionID: res.SessionID,
		AgentID:   res.SessionID,
		Duration:  res.Duration,
		Success:   transparency.Bool(true),
		Metadata:  map[string]any{"run_id": r.id, "task_id": res.TaskID},
	})
	o.emitter.Emit(OrchestratorEvent{
		Type:      EventTaskCompleted,
		RunID:     r.id,
		TaskID:    res.TaskID,
		TaskTitle: task.Title,
		SessionID: res.SessionID,
		Duration:  res.Duration,
	})
	o.persistTask(r, task)

	if err := o.bus.SendMessage(bus.Message{
		From:    res.SessionID,
		To:      bus.BroadcastRecipient,
		Type:    bus.MessageTaskResult,
		Payload: map[string]string{"task_id": res.TaskID, "output": res.Output},
	}); err != nil {
		o.logger.Debug("broadcast task result", "task_id", res.TaskID, "error", err)
	}
	o.returnSession(r, task.AssignedRole, res.SessionID)

	for _, id := range unlocked {
		t, _ := sched.Task(id)
		o.emitter.Emit(OrchestratorEvent{Type: EventTaskQueued, RunID: r.id, TaskID: id, TaskTitle: t.Title})
	}
}

// failTask marks a running task failed, blocks its dependents and retires
// the session that ran it.
func (o *Orchestrator) failTask(ctx context.Context, r *run, taskID, sessionID string, d time.Duration, cause error) {
	sched := r.scheduler
	blocked, err := sched.OnTaskFailed(taskID, cause)
	if err != nil {
		o.logger.Error("fail task", "task_id", taskID, "error", err)
		return
	}
	qctx := context.WithoutCancel(ctx)
	if l := r.takeLease(taskID); l != nil {
		if err := o.queue.Fail(qctx, l.Task.ID, l.LeaseID, cause.Error()); err != nil {
			o.logger.Warn("fail mirrored task", "task_id", taskID, "error", err)
		}
	}

	task, _ := sched.Task(taskID)
	o.metrics.TaskFinished(string(models.TaskStatusFailed))
	ev := transparency.Failure(transparency.EventTaskFailed, cause)
	ev.SessionID, ev.AgentID, ev.Duration = sessionID, sessionID, d
	ev.Metadata = map[string]any{"run_id": r.id, "task_id": taskID, "kind": errs.Kind(cause)}
	o.record(ctx, ev)
	o.emitter.Emit(OrchestratorEvent{
		Type:      EventTaskFailed,
		RunID:     r.id,
		TaskID:    taskID,
		TaskTitle: task.Title,
		SessionID: sessionID,
		Error:     cause,
		Duration:  d,
	})
	o.persistTask(r, task)

	if sessionID != "" {
		if err := o.bus.SendMessage(bus.Message{
			From:    sessionID,
			To:      bus.BroadcastRecipient,
			Type:    bus.MessageError,
			Payload: map[string]string{"task_id": taskID, "error": cause.Error()},
		}); err != nil {
			o.logger.Debug("broadcast task failure", "task_id", taskID, "error", err)
		}
		if err := o.sessions.Terminate(qctx, sessionID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			o.logger.Warn("terminate failed session", "session_id", sessionID, "error", err)
		}
	}

	for _, id := range blocked {
		t, _ := sched.Task(id)
		o.metrics.TaskBlocked()
		o.record(ctx, transparency.Event{
			Type:     transparency.EventTaskBlocked,
			Success:  transparency.Bool(false),
			Error:    t.BlockedReason,
			Metadata: map[string]any{"run_id": r.id, "task_id": id, "failed_task": taskID},
		})
		o.emitter.Emit(OrchestratorEvent{
			Type:      EventTaskBlocked,
			RunID:     r.id,
			TaskID:    id,
			TaskTitle: t.Title,
			Message:   t.BlockedReason,
		})
		o.persistTask(r, t)
	}
}

// Requeue returns a failed or blocked task of an active run to pending,
// together with the dependents it was blocking. A superseded queue mirror is
// failed; the next admission mirrors the task under a fresh id since failed
// queue tasks are never leased again.
func (o *Orchestrator) Requeue(ctx context.Context, runID, taskID string) ([]string, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("active run %s", runID)
	}
	ids, err := r.scheduler.Requeue(taskID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		t, _ := r.scheduler.Task(id)
		r.mu.Lock()
		r.attempts[id]++
		qid := r.queueIDs[id]
		delete(r.queueIDs, id)
		r.mu.Unlock()

		if qid != "" {
			if _, err := o.queue.Cancel(ctx, qid, "superseded by requeue"); err != nil {
				o.logger.Warn("cancel superseded mirror", "task_id", id, "error", err)
			}
		}
		o.record(ctx, transparency.Event{
			Type:     transparency.EventTaskRequeued,
			Success:  transparency.Bool(true),
			Metadata: map[string]any{"run_id": r.id, "task_id": id, "requested": taskID},
		})
		o.persistTask(r, t)
	}
	return ids, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
