package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/errs"
)

const (
	defaultMaxOutput = 1 << 20
	stderrTail       = 2048
)

// ProcessSpawner starts workers as operating system processes.
type ProcessSpawner struct {
	command   string
	args      []string
	maxOutput int
}

// NewProcessSpawner creates a spawner running command with args for every
// worker.
func NewProcessSpawner(command string, args ...string) *ProcessSpawner {
	return &ProcessSpawner{
		command:   command,
		args:      args,
		maxOutput: defaultMaxOutput,
	}
}

// Command returns the configured executable.
func (s *ProcessSpawner) Command() string {
	return s.command
}

// Spawn starts the worker process. The process inherits the environment
// plus CONCLAVE_SESSION_ID, CONCLAVE_WORKSPACE_ID and CONCLAVE_ROLE.
func (s *ProcessSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if s.command == "" {
		return nil, errs.Validation("spawn worker: no command configured")
	}
	path, err := exec.LookPath(s.command)
	if err != nil {
		return nil, errs.Spawn(err, "worker command %q not found in PATH", s.command)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, path, s.args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(),
		"CONCLAVE_SESSION_ID="+spec.SessionID,
		"CONCLAVE_WORKSPACE_ID="+spec.WorkspaceID,
		"CONCLAVE_ROLE="+spec.Role,
	)
	cmd.Env = append(cmd.Env, spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errs.Spawn(err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errs.Spawn(err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, errs.Spawn(err, "create stderr pipe")
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errs.Spawn(err, "start %s", s.command)
	}

	h := &processHandle{
		cmd:       cmd,
		cancel:    cancel,
		stdin:     stdin,
		pipes:     []io.Closer{stdout, stderr},
		output:    make(chan string, 100),
		done:      make(chan Result, 1),
		exited:    make(chan struct{}),
		started:   started,
		maxOutput: s.maxOutput,
	}
	go h.run(stdout, stderr)
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu          sync.Mutex
	stdin       io.WriteCloser
	pipes       []io.Closer
	inputClosed bool
	killed      bool

	output    chan string
	done      chan Result
	exited    chan struct{}
	started   time.Time
	maxOutput int
}

func (h *processHandle) run(stdout, stderr io.Reader) {
	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(h.output)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if outBuf.Len() < h.maxOutput {
				outBuf.WriteString(line)
				outBuf.WriteByte('\n')
			}
			select {
			case h.output <- line:
			default:
			}
		}
		// Drain whatever is left so the process never blocks on a full pipe.
		io.Copy(io.Discard, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&limitedWriter{buf: &errBuf, max: h.maxOutput}, stderr)
	}()
	wg.Wait()

	waitErr := h.cmd.Wait()
	close(h.exited)

	res := Result{
		Output:   strings.TrimRight(outBuf.String(), "\n"),
		Stderr:   errBuf.String(),
		ExitCode: -1,
		Duration: time.Since(h.started),
	}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	killed := h.killed
	h.mu.Unlock()

	switch {
	case waitErr == nil:
	case killed:
		res.Err = errs.Execution("worker stopped")
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Err = errs.Execution("worker exited with code %d%s", res.ExitCode, formatStderr(res.Stderr))
		} else {
			res.Err = errs.Execution("worker wait: %v", waitErr)
		}
	}

	h.cancel()
	h.done <- res
	close(h.done)
}

func (h *processHandle) SendInput(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputClosed {
		return errs.Execution("send input: input already closed")
	}
	if _, err := h.stdin.Write(data); err != nil {
		return errs.Execution("send input: %v", err)
	}
	return nil
}

func (h *processHandle) CloseInput() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputClosed {
		return nil
	}
	h.inputClosed = true
	return h.stdin.Close()
}

func (h *processHandle) Output() <-chan string {
	return h.output
}

func (h *processHandle) Done() <-chan Result {
	return h.done
}

func (h *processHandle) Stop(grace time.Duration) error {
	select {
	case <-h.exited:
		return nil
	default:
	}

	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.CloseInput()

	if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return h.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
		return h.Kill()
	}
}

func (h *processHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()

	h.cancel()
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	// Grandchildren may still hold the pipes open; closing our ends
	// unblocks the readers so the result is still delivered.
	for _, p := range h.pipes {
		p.Close()
	}
	return nil
}

func (h *processHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func formatStderr(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > stderrTail {
		stderr = "..." + stderr[len(stderr)-stderrTail:]
	}
	return ": " + stderr
}

var _ Spawner = (*ProcessSpawner)(nil)
var _ Handle = (*processHandle)(nil)
