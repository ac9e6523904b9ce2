package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/repocontext"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

func testConfig(maxParallel int) *config.Config {
	cfg := config.Default()
	cfg.Scheduler.MaxParallelAgents = maxParallel
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Worker.GracePeriod = 50 * time.Millisecond
	cfg.Worker.TaskTimeout = 5 * time.Second
	return cfg
}

func openTestStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "conclave.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestOrchestrator(t *testing.T, spawner *fakeSpawner, cfg *config.Config, opts ...Option) *Orchestrator {
	t.Helper()
	store := openTestStore(t)
	opts = append([]Option{
		WithConfig(cfg),
		WithProvider(repocontext.Static("repo layout: cmd/ internal/")),
	}, opts...)
	o, err := New(RequiredConfig{RepoPath: t.TempDir(), Spawner: spawner, Store: store}, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func plan(tasks ...*models.Task) []*models.Task {
	return tasks
}

func roleTask(id, role string, deps ...string) *models.Task {
	t := task(id, deps...)
	t.AssignedRole = role
	return t
}

func TestNewRequiresConfig(t *testing.T) {
	store := openTestStore(t)
	spawner := newFakeSpawner()
	tests := []struct {
		name string
		req  RequiredConfig
	}{
		{"missing repo path", RequiredConfig{Spawner: spawner, Store: store}},
		{"missing spawner", RequiredConfig{RepoPath: ".", Store: store}},
		{"missing store", RequiredConfig{RepoPath: ".", Spawner: spawner}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.req); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestExecuteRequiresInit(t *testing.T) {
	store := openTestStore(t)
	o, err := New(RequiredConfig{RepoPath: ".", Spawner: newFakeSpawner(), Store: store},
		WithProvider(repocontext.Static("")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.ExecuteTasks(context.Background(), "x", plan(task("a"))); err == nil {
		t.Error("expected ExecuteTasks before Init to fail")
	}
}

func TestExecuteIndependentTasksRespectsLimit(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.delay = 40 * time.Millisecond
	o := newTestOrchestrator(t, spawner, testConfig(2))

	report, err := o.ExecuteTasks(context.Background(), "four independent",
		plan(task("a"), task("b"), task("c"), task("d")))
	if err != nil {
		t.Fatalf("ExecuteTasks: %v", err)
	}
	if report.Status != state.RunCompleted || !report.Succeeded() {
		t.Errorf("status = %s, want completed", report.Status)
	}
	if report.Snapshot.Completed != 4 {
		t.Errorf("completed = %d, want 4", report.Snapshot.Completed)
	}
	maxRunning, spawned, _, _ := spawner.stats()
	if maxRunning != 2 {
		t.Errorf("max concurrent workers = %d, want exactly 2", maxRunning)
	}
	if spawned != 4 {
		t.Errorf("spawned = %d, want 4", spawned)
	}
	for _, tk := range report.Tasks {
		if tk.Result != "done "+tk.ID {
			t.Errorf("task %s result = %q", tk.ID, tk.Result)
		}
	}
	if n := o.Sessions().SessionCount(); n != 0 {
		t.Errorf("sessions left after run = %d", n)
	}

	run, err := o.store.GetRun(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != state.RunCompleted {
		t.Errorf("persisted status = %s", run.Status)
	}
	rows, err := o.store.ListRunTasks(report.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("persisted %d run tasks, want 4", len(rows))
	}

	completed, err := o.Queue().List(context.Background(), queue.ListFilter{Status: queue.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 4 {
		t.Errorf("queue mirror has %d completed tasks, want 4", len(completed))
	}
}

func TestExecuteDependencyOrder(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.delay = 5 * time.Millisecond
	tasks := plan(
		roleTask("analysis", "analyst"),
		roleTask("api", "backend", "analysis"),
		roleTask("ui", "frontend", "analysis"),
		roleTask("tests", "tester", "api", "ui"),
	)
	for _, tk := range tasks {
		spawner.deps[tk.ID] = tk.DependsOn
	}
	o := newTestOrchestrator(t, spawner, testConfig(4))

	report, err := o.ExecuteTasks(context.Background(), "feature", tasks)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Succeeded() {
		t.Fatalf("status = %s (%s)", report.Status, report.Snapshot)
	}
	_, _, started, violations := spawner.stats()
	if len(violations) > 0 {
		t.Errorf("dependency violations: %v", violations)
	}
	if started[0] != "analysis" || started[len(started)-1] != "tests" {
		t.Errorf("start order = %v", started)
	}

	in := spawner.input("api")
	for _, want := range []string{"## Role", "repo layout", "## Task api"} {
		if !strings.Contains(in, want) {
			t.Errorf("worker input missing %q:\n%s", want, in)
		}
	}
}

func TestExecuteFailureBlocksDependents(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.fail["a"] = true
	o := newTestOrchestrator(t, spawner, testConfig(4))

	report, err := o.ExecuteTasks(context.Background(), "with failure",
		plan(task("a"), task("b", "a"), task("c", "b"), task("d")))
	if err != nil {
		t.Fatalf("task failures must not surface as an error: %v", err)
	}
	if report.Status != state.RunFailed {
		t.Errorf("status = %s, want failed", report.Status)
	}
	want := map[string]models.TaskStatus{
		"a": models.TaskStatusFailed,
		"b": models.TaskStatusBlocked,
		"c": models.TaskStatusBlocked,
		"d": models.TaskStatusCompleted,
	}
	for _, tk := range report.Tasks {
		if tk.Status != want[tk.ID] {
			t.Errorf("task %s = %s, want %s", tk.ID, tk.Status, want[tk.ID])
		}
	}
	_, _, started, _ := spawner.stats()
	for _, id := range started {
		if id == "b" || id == "c" {
			t.Errorf("blocked task %s was started", id)
		}
	}

	failed, err := o.Queue().List(context.Background(), queue.ListFilter{Status: queue.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Errorf("queue mirror has %d failed tasks, want 1", len(failed))
	}
}

func TestFinishedRunLeavesNothingClaimable(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.fail["a"] = true
	o := newTestOrchestrator(t, spawner, testConfig(2))
	ctx := context.Background()

	report, err := o.ExecuteTasks(ctx, "a then b", plan(task("a"), task("b", "a")))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != state.RunFailed {
		t.Fatalf("status = %s, want failed", report.Status)
	}

	lease, err := o.Queue().LeaseNext(ctx, "external-worker", queue.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if lease != nil {
		t.Fatalf("external worker leased %s from a finished run", lease.Task.ID)
	}
	all, err := o.Queue().List(ctx, queue.ListFilter{WorkspaceID: report.WorkspaceID})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != report.RunID+"/a" || all[0].Status != queue.StatusFailed {
		t.Errorf("queue mirror = %+v, want only the failed task a", all)
	}
}

func TestAdmittedTaskIsMirroredLeased(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.hold = make(chan struct{})
	release := sync.OnceFunc(func() { close(spawner.hold) })
	defer release()
	o := newTestOrchestrator(t, spawner, testConfig(2))
	ctx := context.Background()

	done := make(chan *Report, 1)
	go func() {
		r, _ := o.ExecuteTasks(ctx, "held", plan(task("a"), task("b", "a")))
		done <- r
	}()
	waitFor(t, func() bool {
		leased, _ := o.Queue().List(ctx, queue.ListFilter{Status: queue.StatusLeased})
		return len(leased) == 1
	})

	if l, err := o.Queue().LeaseNext(ctx, "external-worker", queue.Filter{}); err != nil || l != nil {
		t.Errorf("LeaseNext during run = %+v, %v; want nil", l, err)
	}
	leased, err := o.Queue().List(ctx, queue.ListFilter{Status: queue.StatusLeased})
	if err != nil {
		t.Fatal(err)
	}
	if len(leased) != 1 || !strings.HasSuffix(leased[0].ID, "/a") {
		t.Errorf("leased mirror = %+v, want only task a", leased)
	}

	release()
	select {
	case r := <-done:
		if r == nil || r.Status != state.RunCompleted {
			t.Fatalf("report = %+v, want completed", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	completed, _ := o.Queue().List(ctx, queue.ListFilter{Status: queue.StatusCompleted})
	if len(completed) != 2 {
		t.Errorf("completed mirror = %d, want 2", len(completed))
	}
}

func TestExecuteSpawnErrorFailsTask(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.spawnErr = errors.New("no such binary")
	o := newTestOrchestrator(t, spawner, testConfig(2))

	report, err := o.ExecuteTasks(context.Background(), "spawn error", plan(task("a")))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != state.RunFailed {
		t.Errorf("status = %s, want failed", report.Status)
	}
	if !strings.Contains(report.Tasks[0].Error, "no such binary") {
		t.Errorf("task error = %q", report.Tasks[0].Error)
	}
}

func TestTeardownMidRunReleasesEverything(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.hold = make(chan struct{})
	defer close(spawner.hold)
	o := newTestOrchestrator(t, spawner, testConfig(2))

	type outcome struct {
		report *Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := o.ExecuteTasks(context.Background(), "teardown", plan(task("a"), task("b")))
		done <- outcome{r, err}
	}()

	waitFor(t, func() bool { return spawner.runningNow() == 2 })
	workspaces := o.Sessions().Workspaces()
	if len(workspaces) != 1 {
		t.Fatalf("workspaces = %v", workspaces)
	}
	if err := o.Sessions().Teardown(context.Background(), workspaces[0]); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	if n := o.Sessions().SessionCount(); n != 0 {
		t.Errorf("sessions after teardown = %d, want 0", n)
	}
	leased, err := o.Queue().List(context.Background(), queue.ListFilter{Status: queue.StatusLeased})
	if err != nil {
		t.Fatal(err)
	}
	if len(leased) != 0 {
		t.Errorf("leased queue tasks after teardown = %d, want 0", len(leased))
	}
	if agents := o.Bus().Agents(workspaces[0]); len(agents) != 0 {
		t.Errorf("agents still on the bus: %v", agents)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("ExecuteTasks: %v", out.err)
		}
		if out.report.Status != state.RunFailed {
			t.Errorf("status = %s, want failed", out.report.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after teardown")
	}

	// Teardown released the leases; the finished run must not leave them
	// claimable.
	queued, err := o.Queue().List(context.Background(), queue.ListFilter{Status: queue.StatusQueued})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Errorf("queued tasks after run ended = %d, want 0", len(queued))
	}
	if l, err := o.Queue().LeaseNext(context.Background(), "external-worker", queue.Filter{}); err != nil || l != nil {
		t.Errorf("LeaseNext after run ended = %+v, %v; want nil", l, err)
	}
}

func TestExecuteStop(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.hold = make(chan struct{})
	defer close(spawner.hold)
	o := newTestOrchestrator(t, spawner, testConfig(2))

	done := make(chan error, 1)
	var report *Report
	go func() {
		var err error
		report, err = o.ExecuteTasks(context.Background(), "stop", plan(task("a"), task("b", "a")))
		done <- err
	}()
	waitFor(t, func() bool { return spawner.runningNow() == 1 })
	o.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
		if report.Status != state.RunCanceled {
			t.Errorf("status = %s, want canceled", report.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	if _, err := o.ExecuteTasks(context.Background(), "after stop", plan(task("x"))); !errors.Is(err, ErrStopped) {
		t.Errorf("execute after stop: %v", err)
	}
}

func TestExecuteContextCancel(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.hold = make(chan struct{})
	defer close(spawner.hold)
	o := newTestOrchestrator(t, spawner, testConfig(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.ExecuteTasks(ctx, "cancel", plan(task("a")))
		done <- err
	}()
	waitFor(t, func() bool { return spawner.runningNow() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not honour cancellation")
	}
	if n := spawner.runningNow(); n != 0 {
		t.Errorf("workers still running: %d", n)
	}
}

func TestApprovalCancel(t *testing.T) {
	spawner := newFakeSpawner()
	gate := GateFunc(func(context.Context, *graph.ExecutionGraph) (Decision, error) {
		return Decision{Action: DecisionCancel, Reason: "not today"}, nil
	})
	o := newTestOrchestrator(t, spawner, testConfig(2), WithApprovalGate(gate))

	report, err := o.ExecuteTasks(context.Background(), "cancel me", plan(task("a")))
	if !errors.Is(err, ErrPlanCanceled) {
		t.Fatalf("err = %v, want ErrPlanCanceled", err)
	}
	if report.Status != state.RunCanceled {
		t.Errorf("status = %s, want canceled", report.Status)
	}
	if _, spawned, _, _ := spawner.stats(); spawned != 0 {
		t.Errorf("spawned %d workers for a canceled plan", spawned)
	}
}

func TestApprovalSimplify(t *testing.T) {
	spawner := newFakeSpawner()
	gate := GateFunc(func(context.Context, *graph.ExecutionGraph) (Decision, error) {
		return Decision{Action: DecisionSimplify}, nil
	})
	o := newTestOrchestrator(t, spawner, testConfig(2), WithApprovalGate(gate))

	docs := task("docs", "a")
	docs.Optional = true
	report, err := o.ExecuteTasks(context.Background(), "simplify", plan(task("a"), docs, task("b", "docs")))
	if err != nil {
		t.Fatal(err)
	}
	if report.Decision != DecisionSimplify {
		t.Errorf("decision = %s", report.Decision)
	}
	if len(report.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2 after dropping the optional one", len(report.Tasks))
	}
	for _, tk := range report.Tasks {
		if tk.ID == "b" && (len(tk.DependsOn) != 1 || tk.DependsOn[0] != "a") {
			t.Errorf("b depends on %v, want [a]", tk.DependsOn)
		}
	}
	if !report.Succeeded() {
		t.Errorf("status = %s", report.Status)
	}
}

func TestChannelApprovalGateModify(t *testing.T) {
	spawner := newFakeSpawner()
	gate := NewChannelApprovalGate()
	o := newTestOrchestrator(t, spawner, testConfig(2), WithApprovalGate(gate))

	go func() {
		req := <-gate.Requests()
		tasks := models.CloneTasks(req.Graph.Tasks)
		tasks[0].Title = "Renamed"
		gate.Submit(req.ID, Decision{Action: DecisionModify, Tasks: tasks})
	}()

	report, err := o.ExecuteTasks(context.Background(), "modify", plan(task("a")))
	if err != nil {
		t.Fatal(err)
	}
	if report.Tasks[0].Title != "Renamed" {
		t.Errorf("title = %q", report.Tasks[0].Title)
	}
}

func TestInitMarksInterruptedRuns(t *testing.T) {
	store := openTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRun(&state.Run{ID: "crashed", Request: "x", Status: state.RunActive, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	o, err := New(RequiredConfig{RepoPath: ".", Spawner: newFakeSpawner(), Store: store},
		WithProvider(repocontext.Static("")))
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	run, err := store.GetRun("crashed")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != state.RunInterrupted {
		t.Errorf("status = %s, want interrupted", run.Status)
	}
}

func TestRequeueUnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, newFakeSpawner(), testConfig(1))
	if _, err := o.Requeue(context.Background(), "missing", "a"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRequeueCancelsSupersededMirror(t *testing.T) {
	o := newTestOrchestrator(t, newFakeSpawner(), testConfig(2))
	ctx := context.Background()

	sched := newTestScheduler(t, 2, task("a"), task("b", "a"))
	r := &run{
		id:          "run-1",
		workspaceID: "ws-1",
		scheduler:   sched,
		queueIDs:    make(map[string]string),
		leases:      make(map[string]*queue.Lease),
		idle:        make(map[string][]string),
		attempts:    make(map[string]int),
	}
	o.mu.Lock()
	o.runs[r.id] = r
	o.mu.Unlock()

	if err := sched.OnTaskStart("a", "session-1"); err != nil {
		t.Fatal(err)
	}
	a, _ := sched.Task("a")
	o.mirrorTask(ctx, r, a, "session-1")
	if _, err := sched.OnTaskFailed("a", errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	ids, err := o.Requeue(ctx, r.id, "a")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("requeued = %v, want a and b", ids)
	}
	old, err := o.Queue().Status(ctx, "run-1/a")
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != queue.StatusFailed {
		t.Errorf("superseded mirror = %s, want failed", old.Status)
	}
	if l, _ := o.Queue().LeaseNext(ctx, "external-worker", queue.Filter{}); l != nil {
		t.Errorf("external worker leased %s after requeue", l.Task.ID)
	}

	if err := sched.OnTaskStart("a", "session-2"); err != nil {
		t.Fatal(err)
	}
	a, _ = sched.Task("a")
	o.mirrorTask(ctx, r, a, "session-2")
	next, err := o.Queue().Status(ctx, "run-1/a#1")
	if err != nil {
		t.Fatalf("fresh mirror: %v", err)
	}
	if next.Status != queue.StatusLeased || next.LeaseOwner != "session-2" {
		t.Errorf("fresh mirror = %s owned by %q", next.Status, next.LeaseOwner)
	}
}

func TestEventsCoverRun(t *testing.T) {
	spawner := newFakeSpawner()
	o := newTestOrchestrator(t, spawner, testConfig(2))

	if _, err := o.ExecuteTasks(context.Background(), "events", plan(task("a"), task("b", "a"))); err != nil {
		t.Fatal(err)
	}

	seen := make(map[EventType]int)
	for {
		select {
		case ev := <-o.Events():
			seen[ev.Type]++
			continue
		default:
		}
		break
	}
	for _, typ := range []EventType{EventPlanReady, EventTaskStarted, EventTaskCompleted, EventTaskQueued, EventRunDone} {
		if seen[typ] == 0 {
			t.Errorf("no %s event", typ)
		}
	}
	if seen[EventTaskCompleted] != 2 {
		t.Errorf("task_completed events = %d, want 2", seen[EventTaskCompleted])
	}
}

func TestTickSweepsAndRenews(t *testing.T) {
	o := newTestOrchestrator(t, newFakeSpawner(), testConfig(1))
	res := o.Tick(context.Background(), time.Now())
	if res.LeasesRenewed != 0 || res.RenewFailures != 0 {
		t.Errorf("tick with no runs = %+v", res)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
