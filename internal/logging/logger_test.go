package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterEmitsJSONWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").WithWorkspace("ws-1").WithSession("s-1")
	l.Info("dispatched", "task_id", "backend-auth")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	for k, want := range map[string]string{"msg": "dispatched", "workspace_id": "ws-1", "session_id": "s-1", "task_id": "backend-auth"} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %s", k, entry[k], want)
		}
	}
}

func TestLogfRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info").Logf("[scheduler] admitted %d", 2)
	if buf.Len() != 0 {
		t.Errorf("Logf at info level wrote %q", buf.String())
	}

	NewWriter(&buf, "debug").Logf("[scheduler] admitted %d", 2)
	if !strings.Contains(buf.String(), "admitted 2") {
		t.Errorf("Logf at debug level wrote %q", buf.String())
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "conclave.log")
	l, err := New(path, "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Warn("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	l.Logf("nothing %d", 1)
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
