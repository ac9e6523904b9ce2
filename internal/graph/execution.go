package graph

import (
	"github.com/ShayCichocki/conclave/pkg/models"
)

// DefaultSystemCap bounds the parallelism any plan may request.
const DefaultSystemCap = 8

// ExecutionGraph is a validated plan: tasks, their dependency levels, and
// the derived parallelism bound. It is immutable; WithTasks builds a new one.
type ExecutionGraph struct {
	// Tasks in plan order.
	Tasks []*models.Task
	// TotalEstimatedTime is the sum of all task estimates, in minutes.
	TotalEstimatedTime int
	// CriticalPathTime is the longest estimate chain through dependencies.
	CriticalPathTime int
	// MaxConcurrency is min(system cap, size of the widest level).
	MaxConcurrency int

	systemCap int
	deps      *DependencyGraph
	levels    map[string]int
	byLevel   [][]string
}

// NewExecutionGraph validates tasks and computes levels and concurrency.
// A systemCap <= 0 uses DefaultSystemCap.
func NewExecutionGraph(tasks []*models.Task, systemCap int) (*ExecutionGraph, error) {
	if systemCap <= 0 {
		systemCap = DefaultSystemCap
	}

	dg := New()
	if err := dg.Build(tasks); err != nil {
		return nil, err
	}
	order, err := dg.TopologicalSort()
	if err != nil {
		return nil, err
	}

	eg := &ExecutionGraph{
		Tasks:     tasks,
		systemCap: systemCap,
		deps:      dg,
		levels:    make(map[string]int, len(tasks)),
	}

	finish := make(map[string]int, len(tasks))
	for _, id := range order {
		task := dg.GetTask(id)
		level, start := 0, 0
		for _, depID := range task.DependsOn {
			if l := eg.levels[depID] + 1; l > level {
				level = l
			}
			if finish[depID] > start {
				start = finish[depID]
			}
		}
		eg.levels[id] = level
		finish[id] = start + task.EstimatedMinutes
		if finish[id] > eg.CriticalPathTime {
			eg.CriticalPathTime = finish[id]
		}
	}

	for _, task := range tasks {
		eg.TotalEstimatedTime += task.EstimatedMinutes
		level := eg.levels[task.ID]
		for len(eg.byLevel) <= level {
			eg.byLevel = append(eg.byLevel, nil)
		}
		eg.byLevel[level] = append(eg.byLevel[level], task.ID)
	}

	widest := 0
	for _, ids := range eg.byLevel {
		if len(ids) > widest {
			widest = len(ids)
		}
	}
	eg.MaxConcurrency = min(systemCap, widest)
	return eg, nil
}

// ComputeMaxConcurrency returns min(systemCap, widest dependency level).
func ComputeMaxConcurrency(tasks []*models.Task, systemCap int) (int, error) {
	eg, err := NewExecutionGraph(tasks, systemCap)
	if err != nil {
		return 0, err
	}
	return eg.MaxConcurrency, nil
}

// WithTasks returns a freshly computed graph for a new task set under the
// same system cap.
func (e *ExecutionGraph) WithTasks(tasks []*models.Task) (*ExecutionGraph, error) {
	return NewExecutionGraph(tasks, e.systemCap)
}

// Dependencies returns the structural graph.
func (e *ExecutionGraph) Dependencies() *DependencyGraph {
	return e.deps
}

// Level returns the dependency level of a task, or -1 if unknown.
func (e *ExecutionGraph) Level(id string) int {
	if l, ok := e.levels[id]; ok {
		return l
	}
	return -1
}

// Levels returns task IDs grouped by level, roots first.
func (e *ExecutionGraph) Levels() [][]string {
	out := make([][]string, len(e.byLevel))
	for i, ids := range e.byLevel {
		out[i] = append([]string(nil), ids...)
	}
	return out
}

// Task returns the task with the given id, or nil.
func (e *ExecutionGraph) Task(id string) *models.Task {
	return e.deps.GetTask(id)
}

// SystemCap returns the cap the graph was computed with.
func (e *ExecutionGraph) SystemCap() int {
	return e.systemCap
}
