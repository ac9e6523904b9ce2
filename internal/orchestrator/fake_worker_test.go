package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/worker"
)

// fakeSpawner starts in-memory workers. It tracks how many run at once and
// whether any started before one of its dependencies finished.
type fakeSpawner struct {
	// deps maps task IDs to their dependencies, for ordering checks.
	deps map[string][]string
	// fail lists task IDs whose worker exits with an error.
	fail map[string]bool
	// delay is how long each worker runs.
	delay time.Duration
	// hold, when set, keeps every worker running until it is closed.
	hold chan struct{}
	// spawnErr is returned by Spawn when set.
	spawnErr error

	mu         sync.Mutex
	running    int
	maxRunning int
	spawned    int
	started    []string
	finished   map[string]bool
	violations []string
	inputs     map[string]string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		deps:     make(map[string][]string),
		fail:     make(map[string]bool),
		finished: make(map[string]bool),
		inputs:   make(map[string]string),
	}
}

func (s *fakeSpawner) Spawn(_ context.Context, spec worker.Spec) (worker.Handle, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	taskID := ""
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, "CONCLAVE_TASK_ID="); ok {
			taskID = v
		}
	}

	s.mu.Lock()
	s.spawned++
	s.running++
	if s.running > s.maxRunning {
		s.maxRunning = s.running
	}
	s.started = append(s.started, taskID)
	for _, dep := range s.deps[taskID] {
		if !s.finished[dep] {
			s.violations = append(s.violations, taskID+" before "+dep)
		}
	}
	s.mu.Unlock()

	h := &fakeHandle{
		spawner: s,
		taskID:  taskID,
		output:  make(chan string, 8),
		done:    make(chan worker.Result, 1),
		stop:    make(chan struct{}),
	}
	go h.run()
	return h, nil
}

func (s *fakeSpawner) runningNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeSpawner) stats() (maxRunning, spawned int, started, violations []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning, s.spawned, append([]string(nil), s.started...), append([]string(nil), s.violations...)
}

func (s *fakeSpawner) input(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[taskID]
}

type fakeHandle struct {
	spawner  *fakeSpawner
	taskID   string
	output   chan string
	done     chan worker.Result
	stop     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	input strings.Builder
}

func (h *fakeHandle) run() {
	s := h.spawner
	var timer <-chan time.Time
	if s.delay > 0 {
		timer = time.After(s.delay)
	} else {
		c := make(chan time.Time)
		close(c)
		timer = c
	}

	var result worker.Result
	stopped := false
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-h.stop:
			stopped = true
		}
	}
	if !stopped {
		select {
		case <-timer:
		case <-h.stop:
			stopped = true
		}
	}

	h.output <- "working on " + h.taskID
	close(h.output)

	switch {
	case stopped:
		result = worker.Result{ExitCode: -1, Err: errors.New("signal: terminated")}
	case s.fail[h.taskID]:
		result = worker.Result{ExitCode: 1, Err: errors.New("exit status 1"), Output: "failed " + h.taskID}
	default:
		result = worker.Result{Output: "done " + h.taskID}
	}

	s.mu.Lock()
	s.running--
	if result.Err == nil {
		s.finished[h.taskID] = true
	}
	s.mu.Unlock()

	h.done <- result
	close(h.done)
}

func (h *fakeHandle) SendInput(data []byte) error {
	h.mu.Lock()
	h.input.Write(data)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) CloseInput() error {
	h.mu.Lock()
	in := h.input.String()
	h.mu.Unlock()
	h.spawner.mu.Lock()
	h.spawner.inputs[h.taskID] = in
	h.spawner.mu.Unlock()
	return nil
}

func (h *fakeHandle) Output() <-chan string { return h.output }
func (h *fakeHandle) Done() <-chan worker.Result { return h.done }
func (h *fakeHandle) PID() int { return 0 }

func (h *fakeHandle) Stop(time.Duration) error {
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

func (h *fakeHandle) Kill() error {
	return h.Stop(0)
}
