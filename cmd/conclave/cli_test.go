package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/conclave/internal/decompose"
	"github.com/ShayCichocki/conclave/internal/orchestrator"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		input string
		want  orchestrator.DecisionAction
	}{
		{"", orchestrator.DecisionApprove},
		{"a\n", orchestrator.DecisionApprove},
		{"yes", orchestrator.DecisionApprove},
		{"S", orchestrator.DecisionSimplify},
		{"cancel\n", orchestrator.DecisionCancel},
		{"n", orchestrator.DecisionCancel},
	}
	for _, tt := range tests {
		d, err := parseDecision(tt.input)
		if err != nil {
			t.Errorf("parseDecision(%q): %v", tt.input, err)
			continue
		}
		if d.Action != tt.want {
			t.Errorf("parseDecision(%q) = %s, want %s", tt.input, d.Action, tt.want)
		}
	}

	for _, bad := range []string{"maybe", "m"} {
		if _, err := parseDecision(bad); err == nil {
			t.Errorf("parseDecision(%q) should fail", bad)
		}
	}
}

func TestParseDecisionModify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	plan := "tasks:\n  - id: a\n    title: Build\n    assigned_role: backend\n"
	if err := os.WriteFile(path, []byte(plan), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := parseDecision("m " + path)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if d.Action != orchestrator.DecisionModify || len(d.Tasks) != 1 || d.Tasks[0].ID != "a" {
		t.Errorf("decision = %+v", d)
	}
}

func TestReadDecisionRetriesThenCancelsOnEOF(t *testing.T) {
	var out bytes.Buffer
	d := readDecision(bufio.NewReader(strings.NewReader("huh\ns\n")), &out)
	if d.Action != orchestrator.DecisionSimplify {
		t.Errorf("action = %s, want simplify", d.Action)
	}
	if !strings.Contains(out.String(), `unknown answer "huh"`) {
		t.Errorf("prompt output = %q", out.String())
	}

	d = readDecision(bufio.NewReader(strings.NewReader("")), &out)
	if d.Action != orchestrator.DecisionCancel {
		t.Errorf("EOF action = %s, want cancel", d.Action)
	}
}

func TestRenderPlan(t *testing.T) {
	eg, err := decompose.New().Decompose("add user authentication with login page")
	if err != nil {
		t.Fatal(err)
	}
	out := renderPlan(eg)
	if !strings.Contains(out, "Level 0") {
		t.Errorf("missing level header:\n%s", out)
	}
	for _, task := range eg.Tasks {
		if !strings.Contains(out, task.ID) {
			t.Errorf("plan output missing task %s", task.ID)
		}
	}
}

func TestLogFilter(t *testing.T) {
	defer func() {
		logSession, logTypes, logSince, logFailed, logLimit = "", nil, 0, false, 50
	}()
	logSession = "s1"
	logTypes = []string{"tool_call", "task_failed"}
	logSince = time.Hour
	logFailed = true
	logLimit = 5

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f := logFilter(now)
	if f.SessionID != "s1" || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
	if len(f.Types) != 2 || f.Types[0] != transparency.EventToolCall {
		t.Errorf("types = %v", f.Types)
	}
	if !f.Since.Equal(now.Add(-time.Hour)) {
		t.Errorf("since = %v", f.Since)
	}
	if f.Success == nil || *f.Success {
		t.Error("expected failed-only filter")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("a  very\nlong request text", 10); got != "a very ..." {
		t.Errorf("truncate long = %q", got)
	}
}
