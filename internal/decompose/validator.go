package decompose

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Validate checks a task list before it becomes a graph: non-empty, unique
// ids, titles and roles present, known dependencies, no cycles.
func Validate(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return errs.Validation("empty task list")
	}

	ids := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return errs.Validation("task %q has empty id", task.Title)
		}
		if ids[task.ID] {
			return errs.Validation("duplicate task id %s", task.ID)
		}
		ids[task.ID] = true
		if task.Title == "" {
			return errs.Validation("task %s: missing title", task.ID)
		}
		if task.AssignedRole == "" {
			return errs.Validation("task %s: missing assigned role", task.ID)
		}
		if task.Status != "" && task.Status != models.TaskStatusPending {
			return errs.Validation("task %s: new tasks must be pending, got %s", task.ID, task.Status)
		}
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if !ids[depID] {
				return errs.Validation("task %s: references non-existent dependency %s", task.ID, depID)
			}
		}
	}

	if err := ValidateNoCycles(tasks); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	return nil
}

// ValidateNoCycles checks that there are no circular dependencies among
// tasks and reports the cycle path when there is one.
func ValidateNoCycles(tasks []*models.Task) error {
	idToTask := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		idToTask[task.ID] = task
	}

	state := make(map[string]int) // 0=unvisited, 1=visiting, 2=visited

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		if state[id] == 2 {
			return nil
		}
		if state[id] == 1 {
			cycleStart := 0
			for i, p := range path {
				if p == id {
					cycleStart = i
					break
				}
			}
			cycle := append(path[cycleStart:], id)
			return fmt.Errorf("%w: %s", graph.ErrCycleDetected, strings.Join(cycle, " -> "))
		}

		state[id] = 1
		if task := idToTask[id]; task != nil {
			for _, depID := range task.DependsOn {
				if err := visit(depID, append(path, id)); err != nil {
					return err
				}
			}
		}
		state[id] = 2
		return nil
	}

	for _, task := range tasks {
		if state[task.ID] == 0 {
			if err := visit(task.ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
