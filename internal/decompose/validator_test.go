package decompose

import (
	"errors"
	"strings"
	"testing"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/pkg/models"
)

func mk(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: id, AssignedRole: RoleGeneralist, DependsOn: deps}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []*models.Task
		wantErr bool
	}{
		{"valid chain", []*models.Task{mk("a"), mk("b", "a")}, false},
		{"empty", nil, true},
		{"duplicate", []*models.Task{mk("a"), mk("a")}, true},
		{"unknown dep", []*models.Task{mk("a", "x")}, true},
		{"missing role", []*models.Task{{ID: "a", Title: "a"}}, true},
		{"cycle", []*models.Task{mk("a", "b"), mk("b", "a")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.tasks)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errs.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidateNoCycles_ReportsPath(t *testing.T) {
	err := ValidateNoCycles([]*models.Task{mk("a", "c"), mk("b", "a"), mk("c", "b")})
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("expected cycle path in %q", err.Error())
	}
}

func TestFromTasksRejectsCycle(t *testing.T) {
	_, err := New().FromTasks([]*models.Task{mk("a", "b"), mk("b", "a")})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSimplify(t *testing.T) {
	tasks := []*models.Task{
		mk("analysis"),
		mk("design", "analysis"),
		mk("impl", "design"),
		mk("docs", "impl"),
		mk("ship", "docs"),
	}
	tasks[1].Optional = true
	tasks[3].Optional = true

	out := Simplify(tasks)
	if len(out) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(out))
	}
	byID := map[string]*models.Task{}
	for _, task := range out {
		byID[task.ID] = task
	}
	if got := byID["impl"].DependsOn; len(got) != 1 || got[0] != "analysis" {
		t.Errorf("impl deps = %v, want [analysis]", got)
	}
	if got := byID["ship"].DependsOn; len(got) != 1 || got[0] != "impl" {
		t.Errorf("ship deps = %v, want [impl]", got)
	}
	if len(tasks[2].DependsOn) != 1 || tasks[2].DependsOn[0] != "design" {
		t.Error("Simplify mutated its input")
	}
	if err := Validate(out); err != nil {
		t.Errorf("simplified plan invalid: %v", err)
	}
}

func TestParsePlan(t *testing.T) {
	data := []byte(`
tasks:
  - id: schema
    title: Create schema
    assigned_role: backend
    estimated_minutes: 20
  - id: api
    title: Build API
    assigned_role: backend
    depends_on: [schema]
`)
	tasks, err := ParsePlan(data)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[1].DependsOn[0] != "schema" || tasks[0].EstimatedMinutes != 20 {
		t.Errorf("unexpected decode: %+v %+v", tasks[0], tasks[1])
	}
	if tasks[0].Status != models.TaskStatusPending {
		t.Errorf("status default = %q", tasks[0].Status)
	}
	if _, err := New().FromTasks(tasks); err != nil {
		t.Errorf("FromTasks: %v", err)
	}

	if _, err := ParsePlan([]byte("tasks: [")); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for bad yaml, got %v", err)
	}
}
