package signals

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func expectSignal(t *testing.T, w *Watcher, want Signal) {
	t.Helper()
	select {
	case got := <-w.Signals():
		if got != want {
			t.Fatalf("got signal %s, want %s", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestWatcher_PauseResumeKill(t *testing.T) {
	repo := t.TempDir()
	w, err := Watch(repo, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()
	if w.watcher == nil {
		t.Skip("fsnotify unavailable on this platform")
	}

	if err := Send(repo, Pause); err != nil {
		t.Fatalf("Send pause: %v", err)
	}
	expectSignal(t, w, Pause)
	if !w.ShouldPause() {
		t.Error("ShouldPause should be true while the pause file exists")
	}

	if err := Send(repo, Resume); err != nil {
		t.Fatalf("Send resume: %v", err)
	}
	expectSignal(t, w, Resume)

	if err := Send(repo, Kill); err != nil {
		t.Fatalf("Send kill: %v", err)
	}
	expectSignal(t, w, Kill)
	if !w.ShouldStop() {
		t.Error("ShouldStop should be true after kill")
	}
}

func TestWatch_ClearsStaleSignals(t *testing.T) {
	repo := t.TempDir()
	if err := Send(repo, Kill); err != nil {
		t.Fatal(err)
	}
	w, err := Watch(repo, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()
	if w.ShouldStop() {
		t.Error("stale kill file from a previous run must be ignored")
	}
}

func TestShouldStop_PollingFallback(t *testing.T) {
	repo := t.TempDir()
	w, err := Watch(repo, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(Dir(repo), "kill"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if !w.ShouldStop() {
		t.Error("ShouldStop should see the kill file directly")
	}
}

func TestSend_RejectsUnknown(t *testing.T) {
	if err := Send(t.TempDir(), Signal("explode")); err == nil {
		t.Error("expected error for unknown signal")
	}
}
