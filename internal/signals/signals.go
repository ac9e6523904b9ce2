// Package signals lets a user steer a running conclave from another shell
// by dropping files into <repo>/.conclave/signals: "kill" stops the run,
// "pause" holds new admissions, and "resume" (or deleting "pause") lets
// them continue.
package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/conclave/internal/logging"
)

// Signal is a control request.
type Signal string

const (
	Kill   Signal = "kill"
	Pause  Signal = "pause"
	Resume Signal = "resume"
)

// Valid reports whether s is a known signal.
func (s Signal) Valid() bool {
	return s == Kill || s == Pause || s == Resume
}

// Dir returns the signals directory for a repository.
func Dir(repoPath string) string {
	return filepath.Join(repoPath, ".conclave", "signals")
}

// Send drops a signal file for a running conclave to pick up.
func Send(repoPath string, s Signal) error {
	if !s.Valid() {
		return fmt.Errorf("unknown signal %q", s)
	}
	dir := Dir(repoPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	if s == Resume {
		os.Remove(filepath.Join(dir, string(Pause)))
	}
	return os.WriteFile(filepath.Join(dir, string(s)), nil, 0644)
}

// Watcher turns signal files into values on a channel.
type Watcher struct {
	dir    string
	logger *logging.Logger

	mu      sync.RWMutex
	stopped bool
	paused  bool

	watcher *fsnotify.Watcher
	out     chan Signal
	done    chan struct{}
	once    sync.Once
}

// Watch starts watching the repository's signals directory. Signal files
// left over from a previous run are cleared first. When fsnotify is
// unavailable the watcher still works through ShouldStop/ShouldPause,
// which also check the files directly.
func Watch(repoPath string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	dir := Dir(repoPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	for _, s := range []Signal{Kill, Pause, Resume} {
		os.Remove(filepath.Join(dir, string(s)))
	}

	w := &Watcher{
		dir:    dir,
		logger: logger.WithComponent("signals"),
		out:    make(chan Signal, 8),
		done:   make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watcher unavailable, falling back to polling", "error", err)
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		w.logger.Warn("cannot watch signals dir, falling back to polling", "dir", dir, "error", err)
		return w, nil
	}
	w.watcher = fw
	go w.loop()
	return w, nil
}

// Signals delivers signals as they arrive. It is never closed, so select
// on it alongside other channels.
func (w *Watcher) Signals() <-chan Signal {
	return w.out
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("signal watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := Signal(filepath.Base(event.Name))
	created := event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
	removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)

	var sig Signal
	w.mu.Lock()
	switch {
	case name == Kill && created && !w.stopped:
		w.stopped = true
		sig = Kill
	case name == Pause && created && !w.paused:
		w.paused = true
		sig = Pause
	case name == Pause && removed && w.paused:
		w.paused = false
		sig = Resume
	case name == Resume && created:
		os.Remove(filepath.Join(w.dir, string(Resume)))
		if w.paused {
			w.paused = false
			sig = Resume
		}
	}
	w.mu.Unlock()

	if sig == "" {
		return
	}
	w.logger.Info("signal received", "signal", string(sig))
	select {
	case w.out <- sig:
	default:
		w.logger.Warn("signal dropped, channel full", "signal", string(sig))
	}
}

// ShouldStop reports whether a kill signal has been seen.
func (w *Watcher) ShouldStop() bool {
	if _, err := os.Stat(filepath.Join(w.dir, string(Kill))); err == nil {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

// ShouldPause reports whether the pause file is present.
func (w *Watcher) ShouldPause() bool {
	_, err := os.Stat(filepath.Join(w.dir, string(Pause)))
	paused := err == nil
	w.mu.Lock()
	w.paused = paused
	w.mu.Unlock()
	return paused
}

// Close stops watching and removes any signal files.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		for _, s := range []Signal{Kill, Pause, Resume} {
			os.Remove(filepath.Join(w.dir, string(s)))
		}
	})
	return err
}
