// Package worker abstracts the external processes that carry out tasks.
// A worker is opaque: it receives its task and context as input, may
// stream output lines, and ends with exactly one Result.
package worker

import (
	"context"
	"time"
)

// Spec describes the worker to start for a session.
type Spec struct {
	SessionID   string
	WorkspaceID string
	Role        string
	// WorkDir is the worker's working directory; empty means the current one.
	WorkDir string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
}

// Result is the single terminal outcome of a worker.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the worker exited cleanly.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Handle controls one running worker.
type Handle interface {
	// SendInput writes data to the worker's input stream.
	SendInput(data []byte) error
	// CloseInput signals that no more input will follow.
	CloseInput() error
	// Output streams output lines while the worker runs. It is closed when
	// the worker's output ends; lines are dropped if nobody keeps up.
	Output() <-chan string
	// Done yields the Result once and is then closed.
	Done() <-chan Result
	// Stop asks the worker to exit, waits up to grace, then kills it.
	Stop(grace time.Duration) error
	// Kill terminates the worker immediately.
	Kill() error
	// PID returns the operating system process id, or 0.
	PID() int
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}
