package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/bus"
	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/decompose"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/repocontext"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

// Orchestrator is the single context object owning every piece of
// coordination state: bus, sessions, queue, transparency log, metrics and
// the runs in flight. Nothing is reachable through package globals.
type Orchestrator struct {
	repoPath   string
	cfg        *config.Config
	store      *state.DB
	logger     *logging.Logger
	bus        *bus.Bus
	queue      *queue.Queue
	tlog       *transparency.Log
	sessions   *SessionManager
	decomposer *decompose.Decomposer
	gate       ApprovalGate
	metrics    *metrics.Metrics
	emitter    *EventEmitter
	pauseCtrl  *PauseController
	now        func() time.Time

	// mu protects runs and the lifecycle flags.
	mu          sync.Mutex
	runs        map[string]*run
	initialized bool
	shutdown    bool
}

// New creates an Orchestrator. Call Init before Execute.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.RepoPath == "" {
		return nil, errors.New("orchestrator: repo path is required")
	}
	if req.Spawner == nil {
		return nil, errors.New("orchestrator: worker spawner is required")
	}
	if req.Store == nil {
		return nil, errors.New("orchestrator: state store is required")
	}

	o := &orchestratorOptions{eventBuffer: 256, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = config.Default()
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.provider == nil {
		o.provider = repocontext.NewFileSystemProvider()
	}
	if o.gate == nil {
		o.gate = AutoApprove{}
	}
	cfg := o.config
	logger := o.logger.WithComponent("orchestrator")

	if o.decomposer == nil {
		o.decomposer = decompose.New(
			decompose.WithSystemCap(cfg.Scheduler.SystemConcurrencyCap),
			decompose.WithDebugLog(logger.Logf),
		)
	}
	if o.roles == nil {
		roles, err := LoadRoleTemplates(cfg.Roles.TemplatesFile)
		if err != nil {
			return nil, err
		}
		o.roles = roles
	}

	tlog := transparency.New(req.Store,
		transparency.WithLogger(o.logger.WithComponent("transparency")),
		transparency.WithClock(o.now),
	)
	q := queue.New(req.Store,
		queue.WithLeaseDuration(cfg.Queue.LeaseDuration),
		queue.WithClock(o.now),
		queue.WithLogger(o.logger.WithComponent("queue")),
		queue.WithRecorder(tlog),
	)
	b := bus.New(
		bus.WithLogger(o.logger.WithComponent("bus")),
		bus.WithRecorder(tlog),
		bus.WithObserver(o.metrics),
		bus.WithClock(o.now),
		bus.WithRequestTimeout(cfg.Bus.RequestTimeout),
		bus.WithHistory(cfg.Bus.HistoryLimit, cfg.Bus.HistoryTTL),
		bus.WithSafetyMargin(cfg.Bus.PendingSafetyMargin),
	)

	orch := &Orchestrator{
		repoPath:   req.RepoPath,
		cfg:        cfg,
		store:      req.Store,
		logger:     logger,
		bus:        b,
		queue:      q,
		tlog:       tlog,
		decomposer: o.decomposer,
		gate:       o.gate,
		metrics:    o.metrics,
		emitter:    NewEventEmitter(o.eventBuffer, logger),
		pauseCtrl:  NewPauseController(logger),
		now:        o.now,
		runs:       make(map[string]*run),
	}
	orch.sessions = NewSessionManager(SessionManagerConfig{
		Provider:    o.provider,
		Spawner:     req.Spawner,
		Bus:         b,
		Queue:       q,
		Recorder:    tlog,
		Logger:      o.logger,
		Roles:       o.roles,
		GracePeriod: cfg.Worker.GracePeriod,
		TaskTimeout: cfg.Worker.TaskTimeout,
		WorkDir:     req.RepoPath,
		OnOutput:    orch.onOutput,
	})
	return orch, nil
}

// Init migrates the store, marks runs left active by a crashed process as
// interrupted and applies transparency retention.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		return ErrStopped
	}
	if o.initialized {
		return nil
	}
	if err := o.store.Migrate(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if n, err := o.store.MarkInterruptedRuns(o.now()); err != nil {
		o.logger.Warn("mark interrupted runs", "error", err)
	} else if n > 0 {
		o.logger.Info("marked interrupted runs", "count", n)
	}
	if days := o.cfg.Transparency.RetentionDays; days > 0 {
		if _, err := o.tlog.Cleanup(ctx, days); err != nil {
			o.logger.Warn("transparency cleanup", "error", err)
		}
	}
	o.initialized = true
	return nil
}

// Shutdown stops admissions, tears down every workspace and closes the
// bus and the event channel. The store stays open; its owner closes it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil
	}
	o.shutdown = true
	o.mu.Unlock()

	o.pauseCtrl.Stop()
	err := o.sessions.TeardownAll(ctx)
	_ = o.bus.Close()
	o.emitter.Close()
	o.logger.Info("orchestrator shut down")
	return err
}

// TickResult reports the housekeeping done by Tick.
type TickResult struct {
	Bus           bus.SweepResult
	LeasesRenewed int
	RenewFailures int
}

// Tick runs periodic housekeeping: bus history and stale request sweep,
// lease renewal for running tasks and queue gauges. The run loop calls it
// on every tick interval; tests call it directly.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) TickResult {
	res := TickResult{Bus: o.bus.Sweep(now)}

	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		for taskID, l := range r.liveLeases() {
			expiry, err := o.queue.Renew(ctx, l.Task.ID, l.LeaseID)
			if err != nil {
				res.RenewFailures++
				o.logger.Warn("renew lease", "run_id", r.id, "task_id", taskID, "error", err)
				continue
			}
			r.setLeaseExpiry(taskID, expiry)
			res.LeasesRenewed++
		}
	}

	if o.metrics != nil {
		if h, err := o.queue.Health(ctx); err == nil {
			counts := make(map[string]int, len(h.Counts))
			for st, n := range h.Counts {
				counts[string(st)] = n
			}
			o.metrics.SetQueueCounts(counts)
		}
	}
	return res
}

// Events returns the progress event channel. It is closed by Shutdown.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// Pause stops new task admissions. Running tasks continue.
func (o *Orchestrator) Pause() {
	o.pauseCtrl.Pause()
	o.emitter.Emit(OrchestratorEvent{Type: EventPaused})
}

// Resume re-enables admissions.
func (o *Orchestrator) Resume() {
	o.pauseCtrl.Resume()
	o.emitter.Emit(OrchestratorEvent{Type: EventResumed})
}

// Stop aborts running work; Execute returns ErrStopped.
func (o *Orchestrator) Stop() {
	o.pauseCtrl.Stop()
}

// IsPaused reports whether admissions are paused.
func (o *Orchestrator) IsPaused() bool {
	return o.pauseCtrl.IsPaused()
}

// Bus returns the communication bus.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Queue returns the coordination queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Transparency returns the transparency log.
func (o *Orchestrator) Transparency() *transparency.Log { return o.tlog }

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *SessionManager { return o.sessions }

// Decomposer returns the task decomposer.
func (o *Orchestrator) Decomposer() *decompose.Decomposer { return o.decomposer }

func (o *Orchestrator) onOutput(sessionID, taskID, line string) {
	o.emitter.Emit(OrchestratorEvent{
		Type:      EventTaskOutput,
		TaskID:    taskID,
		SessionID: sessionID,
		Message:   line,
	})
}

func (o *Orchestrator) record(ctx context.Context, e transparency.Event) {
	o.tlog.Record(context.WithoutCancel(ctx), e)
}
