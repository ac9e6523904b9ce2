package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/pkg/models"
)

func testGraph(t *testing.T, tasks ...*models.Task) *graph.ExecutionGraph {
	t.Helper()
	eg, err := graph.NewExecutionGraph(tasks, 0)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return eg
}

func TestApplyDecisionApprove(t *testing.T) {
	eg := testGraph(t, task("a"))
	for _, action := range []DecisionAction{DecisionApprove, ""} {
		got, err := ApplyDecision(eg, Decision{Action: action})
		if err != nil {
			t.Fatalf("action %q: %v", action, err)
		}
		if got != eg {
			t.Errorf("action %q: expected the same graph back", action)
		}
	}
}

func TestApplyDecisionSimplify(t *testing.T) {
	opt := task("lint", "a")
	opt.Optional = true
	eg := testGraph(t, task("a"), opt, task("b", "lint"))

	got, err := ApplyDecision(eg, Decision{Action: DecisionSimplify})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got.Tasks))
	}
	if b := got.Task("b"); b == nil || len(b.DependsOn) != 1 || b.DependsOn[0] != "a" {
		t.Errorf("b deps not rewired: %+v", b)
	}
	if len(eg.Tasks) != 3 {
		t.Error("original graph was modified")
	}
}

func TestApplyDecisionModify(t *testing.T) {
	eg := testGraph(t, task("a"))

	got, err := ApplyDecision(eg, Decision{Action: DecisionModify, Tasks: []*models.Task{task("x"), task("y", "x")}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Task("y") == nil || got.Task("a") != nil {
		t.Errorf("modified plan not applied: %v", got.Tasks)
	}

	_, err = ApplyDecision(eg, Decision{Action: DecisionModify, Tasks: []*models.Task{task("x", "missing")}})
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("invalid modification: got %v, want ErrValidation", err)
	}
}

func TestApplyDecisionCancel(t *testing.T) {
	eg := testGraph(t, task("a"))
	_, err := ApplyDecision(eg, Decision{Action: DecisionCancel, Reason: "too big"})
	if !errors.Is(err, ErrPlanCanceled) {
		t.Errorf("got %v, want ErrPlanCanceled", err)
	}
	if _, err := ApplyDecision(eg, Decision{Action: "shrug"}); err == nil {
		t.Error("expected unknown action to fail")
	}
}

func TestChannelApprovalGate(t *testing.T) {
	gate := NewChannelApprovalGate()
	eg := testGraph(t, task("a"))

	go func() {
		req := <-gate.Requests()
		if req.Graph != eg {
			t.Error("request carries a different graph")
		}
		if !gate.Submit(req.ID, Decision{Action: DecisionApprove, Reason: "ok"}) {
			t.Error("Submit rejected a pending request")
		}
		if gate.Submit(req.ID, Decision{Action: DecisionCancel}) {
			t.Error("second Submit accepted")
		}
	}()

	d, err := gate.Review(context.Background(), eg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != DecisionApprove || d.Reason != "ok" {
		t.Errorf("decision = %+v", d)
	}
	if gate.Submit("unknown", Decision{}) {
		t.Error("Submit accepted an unknown request")
	}
}

func TestChannelApprovalGateContext(t *testing.T) {
	gate := NewChannelApprovalGate()
	eg := testGraph(t, task("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gate.Review(ctx, eg); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}
