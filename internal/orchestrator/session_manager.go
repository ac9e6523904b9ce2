package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/bus"
	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/repocontext"
	"github.com/ShayCichocki/conclave/internal/transparency"
	"github.com/ShayCichocki/conclave/internal/worker"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Defaults for worker lifecycle.
const (
	DefaultGracePeriod = 5 * time.Second
	DefaultTaskTimeout = 30 * time.Minute
)

// SessionManagerConfig wires a SessionManager. Spawner and Provider are
// required; the rest have usable zero values.
type SessionManagerConfig struct {
	Provider repocontext.Provider
	Spawner  worker.Spawner
	// Bus receives register/unregister calls for every session.
	Bus *bus.Bus
	// Queue, when set, has the leases of terminated sessions failed and
	// those of torn down workspaces released.
	Queue    *queue.Queue
	Recorder transparency.Recorder
	Logger   *logging.Logger
	Roles    RoleTemplates
	// GracePeriod bounds a graceful stop before the worker is killed.
	GracePeriod time.Duration
	// TaskTimeout bounds a single dispatch. Zero uses DefaultTaskTimeout.
	TaskTimeout time.Duration
	// WorkDir is the working directory handed to workers.
	WorkDir string
	// OnOutput receives worker output lines as they arrive.
	OnOutput func(sessionID, taskID, line string)
}

// DispatchResult is the outcome of one Dispatch.
type DispatchResult struct {
	SessionID string
	TaskID    string
	Output    string
	Duration  time.Duration
	Err       error
}

type sessionEntry struct {
	session models.WorkerSession
	// handle is the running worker while the session is busy.
	handle worker.Handle
}

// SessionManager owns workspaces and worker sessions. Entities live in
// ID-keyed maps; cross references are IDs.
type SessionManager struct {
	cfg      SessionManagerConfig
	logger   *logging.Logger
	recorder transparency.Recorder
	now      func() time.Time

	mu         sync.RWMutex
	workspaces map[string]*models.WorkspaceContext
	sessions   map[string]*sessionEntry
	// members maps a workspace to its active session IDs.
	members map[string]map[string]struct{}
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = transparency.Nop{}
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultRoleTemplates()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	return &SessionManager{
		cfg:        cfg,
		logger:     cfg.Logger.WithComponent("sessions"),
		recorder:   cfg.Recorder,
		now:        time.Now,
		workspaces: make(map[string]*models.WorkspaceContext),
		sessions:   make(map[string]*sessionEntry),
		members:    make(map[string]map[string]struct{}),
	}
}

// PrepareWorkspace computes the shared repository context once and
// registers a new workspace.
func (m *SessionManager) PrepareWorkspace(ctx context.Context, repositoryRef string) (string, error) {
	shared, err := m.cfg.Provider.Context(ctx, repositoryRef)
	if err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}

	ws := &models.WorkspaceContext{
		ID:            uuid.New().String(),
		RepositoryRef: repositoryRef,
		SharedContext: shared,
		AgentContexts: make(map[string]string),
		CreatedAt:     m.now(),
	}
	m.mu.Lock()
	m.workspaces[ws.ID] = ws
	m.members[ws.ID] = make(map[string]struct{})
	m.mu.Unlock()

	m.logger.Info("workspace prepared", "workspace_id", ws.ID, "repository", repositoryRef, "context_bytes", len(shared))
	return ws.ID, nil
}

// SetAgentContext sets an override keyed by role or session ID.
func (m *SessionManager) SetAgentContext(workspaceID, key, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return errs.NotFound("workspace %s", workspaceID)
	}
	if text == "" {
		delete(ws.AgentContexts, key)
		return nil
	}
	ws.AgentContexts[key] = text
	return nil
}

// SpawnSession creates a ready session for role in the workspace and
// registers it on the bus. No worker process starts until Dispatch.
func (m *SessionManager) SpawnSession(role, workspaceID string) (string, error) {
	if strings.TrimSpace(role) == "" {
		return "", errs.Validation("spawn session: empty role")
	}

	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		m.mu.Unlock()
		return "", errs.NotFound("workspace %s", workspaceID)
	}
	now := m.now()
	e := &sessionEntry{session: models.WorkerSession{
		ID:          uuid.New().String(),
		Role:        role,
		Status:      models.SessionInitializing,
		WorkspaceID: workspaceID,
		Context:     buildSessionContext(ws.SharedContext, m.cfg.Roles.Template(role), ws.AgentContexts[role]),
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	id := e.session.ID
	m.sessions[id] = e
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		if err := m.cfg.Bus.RegisterAgent(id, role, workspaceID); err != nil {
			m.mu.Lock()
			_ = m.transitionLocked(e, models.SessionFailed)
			delete(m.sessions, id)
			m.mu.Unlock()
			return "", fmt.Errorf("spawn session: %w", err)
		}
	}

	m.mu.Lock()
	if err := m.transitionLocked(e, models.SessionReady); err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.members[workspaceID][id] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("session spawned", "session_id", id, "role", role, "workspace_id", workspaceID)
	m.recorder.Record(context.Background(), transparency.Event{
		Type:      transparency.EventSessionSpawned,
		SessionID: id,
		AgentID:   id,
		Success:   transparency.Bool(true),
		Metadata:  map[string]any{"role": role, "workspace_id": workspaceID},
	})
	return id, nil
}

func (m *SessionManager) transitionLocked(e *sessionEntry, to models.SessionStatus) error {
	if !models.CanTransition(e.session.Status, to) {
		return errs.Validation("session %s: cannot go from %s to %s", e.session.ID, e.session.Status, to)
	}
	e.session.Status = to
	e.session.UpdatedAt = m.now()
	return nil
}

// Dispatch runs task on the session's worker and waits for its single
// terminal result, the task timeout, or ctx. The session must be ready or
// completed.
func (m *SessionManager) Dispatch(ctx context.Context, sessionID string, task *models.Task) (DispatchResult, error) {
	res := DispatchResult{SessionID: sessionID, TaskID: task.ID}
	start := m.now()

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return res, errs.NotFound("session %s", sessionID)
	}
	st := e.session.Status
	if st != models.SessionReady && st != models.SessionCompleted {
		m.mu.Unlock()
		return res, errs.Validation("session %s is %s; dispatch needs ready or completed", sessionID, st)
	}
	_ = m.transitionLocked(e, models.SessionBusy)
	e.session.CurrentTaskID = task.ID
	spec := worker.Spec{
		SessionID:   sessionID,
		WorkspaceID: e.session.WorkspaceID,
		Role:        e.session.Role,
		WorkDir:     m.cfg.WorkDir,
		Env:         []string{"CONCLAVE_TASK_ID=" + task.ID},
	}
	input := m.taskInputLocked(e, task)
	m.mu.Unlock()

	log := m.logger.WithSession(sessionID)
	log.Debug("dispatching task", "task_id", task.ID, "role", spec.Role)

	h, err := m.cfg.Spawner.Spawn(ctx, spec)
	if err != nil {
		if !errors.Is(err, errs.ErrSpawn) {
			err = errs.Spawn(err, "session %s", sessionID)
		}
		m.finish(sessionID, false, "")
		res.Err, res.Duration = err, m.now().Sub(start)
		return res, err
	}

	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; !ok || cur.session.Status != models.SessionBusy {
		m.mu.Unlock()
		_ = h.Kill()
		err := errs.Execution("session %s terminated before task %s started", sessionID, task.ID)
		res.Err, res.Duration = err, m.now().Sub(start)
		return res, err
	}
	e.handle = h
	m.mu.Unlock()

	go m.pumpOutput(sessionID, task.ID, h)

	if err := h.SendInput([]byte(input)); err == nil {
		err = h.CloseInput()
		if err != nil {
			log.Warn("close worker input", "error", err)
		}
	} else {
		log.Warn("send worker input", "error", err)
	}

	timer := time.NewTimer(m.cfg.TaskTimeout)
	defer timer.Stop()

	var result worker.Result
	select {
	case result = <-h.Done():
	case <-timer.C:
		_ = h.Stop(m.cfg.GracePeriod)
		<-h.Done()
		result.Err = errs.Timeout("task %s exceeded %s", task.ID, m.cfg.TaskTimeout)
	case <-ctx.Done():
		_ = h.Stop(m.cfg.GracePeriod)
		<-h.Done()
		result.Err = fmt.Errorf("task %s: %w", task.ID, ctx.Err())
	}

	res.Output = strings.TrimSpace(result.Output)
	res.Duration = m.now().Sub(start)

	if !m.finish(sessionID, result.Err == nil, res.Output) {
		res.Err = errs.Execution("session %s terminated while running task %s", sessionID, task.ID)
		return res, res.Err
	}
	if result.Err != nil {
		err := result.Err
		if !errors.Is(err, errs.ErrExecution) && !errors.Is(err, errs.ErrTimeout) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", errs.ErrExecution, err)
		}
		res.Err = err
		log.Warn("task failed", "task_id", task.ID, "error", err)
		return res, err
	}
	log.Debug("task completed", "task_id", task.ID, "duration", res.Duration)
	return res, nil
}

// DispatchAsync runs Dispatch in a goroutine. The channel yields exactly
// one result.
func (m *SessionManager) DispatchAsync(ctx context.Context, sessionID string, task *models.Task) <-chan DispatchResult {
	ch := make(chan DispatchResult, 1)
	go func() {
		res, err := m.Dispatch(ctx, sessionID, task)
		res.Err = err
		ch <- res
	}()
	return ch
}

// finish moves a busy session to completed or failed. It reports false if
// the session was terminated in the meantime.
func (m *SessionManager) finish(sessionID string, ok bool, output string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.sessions[sessionID]
	if !found || e.session.Status != models.SessionBusy {
		return false
	}
	e.handle = nil
	e.session.CurrentTaskID = ""
	if output != "" {
		e.session.LastOutput = output
	}
	to := models.SessionFailed
	if ok {
		to = models.SessionCompleted
	}
	_ = m.transitionLocked(e, to)
	return true
}

func (m *SessionManager) taskInputLocked(e *sessionEntry, task *models.Task) string {
	var b strings.Builder
	b.WriteString(e.session.Context)
	if ws := m.workspaces[e.session.WorkspaceID]; ws != nil {
		if extra := ws.AgentContexts[e.session.ID]; extra != "" {
			b.WriteString("\n## Session context\n")
			b.WriteString(extra)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\n## Task %s\n%s\n", task.ID, task.Title)
	if task.Description != "" {
		b.WriteString("\n")
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	return b.String()
}

func (m *SessionManager) pumpOutput(sessionID, taskID string, h worker.Handle) {
	for line := range h.Output() {
		if m.cfg.OnOutput != nil {
			m.cfg.OnOutput(sessionID, taskID, line)
		}
	}
}

// leaseAction says what happens to a terminated session's queue leases.
type leaseAction int

const (
	leasesFail leaseAction = iota
	leasesRelease
)

// Terminate stops the session's worker gracefully, killing it after the
// grace period. A running task is aborted as failed and the session's
// queue leases are failed. The session leaves its workspace and the bus.
func (m *SessionManager) Terminate(ctx context.Context, sessionID string) error {
	return m.terminate(ctx, sessionID, leasesFail)
}

func (m *SessionManager) terminate(ctx context.Context, sessionID string, leases leaseAction) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errs.NotFound("session %s", sessionID)
	}
	h := e.handle
	aborted := e.session.CurrentTaskID
	e.handle = nil
	_ = m.transitionLocked(e, models.SessionTerminated)
	delete(m.sessions, sessionID)
	if set := m.members[e.session.WorkspaceID]; set != nil {
		delete(set, sessionID)
	}
	m.mu.Unlock()

	var errsOut []error
	if h != nil {
		if err := h.Stop(m.cfg.GracePeriod); err != nil {
			errsOut = append(errsOut, fmt.Errorf("stop worker: %w", err))
		}
	}
	if m.cfg.Bus != nil {
		if err := m.cfg.Bus.UnregisterAgent(sessionID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			errsOut = append(errsOut, err)
		}
	}

	var touched int64
	if m.cfg.Queue != nil {
		var err error
		switch leases {
		case leasesRelease:
			touched, err = m.cfg.Queue.ReleaseOwner(ctx, sessionID)
		default:
			touched, err = m.cfg.Queue.FailOwner(ctx, sessionID, "session terminated")
		}
		if err != nil {
			errsOut = append(errsOut, err)
		}
	}

	joined := errors.Join(errsOut...)
	errText := ""
	if joined != nil {
		errText = joined.Error()
	}
	m.logger.Info("session terminated", "session_id", sessionID, "aborted_task", aborted, "leases", touched)
	m.recorder.Record(ctx, transparency.Event{
		Type:      transparency.EventSessionTerminated,
		SessionID: sessionID,
		AgentID:   sessionID,
		Success:   transparency.Bool(joined == nil),
		Error:     errText,
		Metadata: map[string]any{
			"role":         e.session.Role,
			"workspace_id": e.session.WorkspaceID,
			"aborted_task": aborted,
			"leases":       touched,
		},
	})
	return joined
}

// Teardown terminates every session in the workspace, releases their
// queue leases and drops the workspace.
func (m *SessionManager) Teardown(ctx context.Context, workspaceID string) error {
	m.mu.RLock()
	set, ok := m.members[workspaceID]
	if !ok {
		m.mu.RUnlock()
		return errs.NotFound("workspace %s", workspaceID)
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var errsOut []error
	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.terminate(ctx, id, leasesRelease); err != nil && !errors.Is(err, errs.ErrNotFound) {
				errMu.Lock()
				errsOut = append(errsOut, err)
				errMu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	m.mu.Lock()
	delete(m.workspaces, workspaceID)
	delete(m.members, workspaceID)
	m.mu.Unlock()

	m.logger.Info("workspace torn down", "workspace_id", workspaceID, "sessions", len(ids))
	m.recorder.Record(ctx, transparency.Event{
		Type:     transparency.EventWorkspaceTeardown,
		Success:  transparency.Bool(len(errsOut) == 0),
		Metadata: map[string]any{"workspace_id": workspaceID, "sessions": len(ids)},
	})
	return errors.Join(errsOut...)
}

// TeardownAll tears down every workspace.
func (m *SessionManager) TeardownAll(ctx context.Context) error {
	var errsOut []error
	for _, id := range m.Workspaces() {
		if err := m.Teardown(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			errsOut = append(errsOut, err)
		}
	}
	return errors.Join(errsOut...)
}

// Session returns a copy of a session.
func (m *SessionManager) Session(id string) (models.WorkerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return models.WorkerSession{}, errs.NotFound("session %s", id)
	}
	return e.session, nil
}

// Sessions returns copies of the workspace's active sessions, oldest first.
func (m *SessionManager) Sessions(workspaceID string) []models.WorkerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkerSession
	for id := range m.members[workspaceID] {
		if e, ok := m.sessions[id]; ok {
			out = append(out, e.session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionCount returns the number of live sessions across workspaces.
func (m *SessionManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Workspace returns a copy of a workspace.
func (m *SessionManager) Workspace(id string) (models.WorkspaceContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return models.WorkspaceContext{}, errs.NotFound("workspace %s", id)
	}
	c := *ws
	c.AgentContexts = make(map[string]string, len(ws.AgentContexts))
	for k, v := range ws.AgentContexts {
		c.AgentContexts[k] = v
	}
	return c, nil
}

// Workspaces returns the IDs of live workspaces, sorted.
func (m *SessionManager) Workspaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
