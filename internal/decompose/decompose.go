// Package decompose turns a free-text request into a validated task DAG.
package decompose

import (
	"strings"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/graph"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Decomposer classifies requests and emits execution graphs.
type Decomposer struct {
	systemCap int
	logf      func(format string, args ...any)
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithSystemCap sets the concurrency cap applied to emitted graphs.
func WithSystemCap(n int) Option {
	return func(d *Decomposer) { d.systemCap = n }
}

// WithDebugLog sets a printf-style debug logger.
func WithDebugLog(fn func(format string, args ...any)) Option {
	return func(d *Decomposer) {
		if fn != nil {
			d.logf = fn
		}
	}
}

// New creates a Decomposer.
func New(opts ...Option) *Decomposer {
	d := &Decomposer{
		systemCap: graph.DefaultSystemCap,
		logf:      func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decompose classifies the request, runs the category builder and returns a
// validated graph. Malformed input is rejected with errs.ErrValidation.
func (d *Decomposer) Decompose(text string) (*graph.ExecutionGraph, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("empty request")
	}

	r := parseRequest(text)
	category := classify(r)
	complexity := assessComplexity(r)
	tasks := builders[category](r, complexity)

	d.logf("[decompose] category=%s complexity=%s tasks=%d", category, complexity, len(tasks))
	return d.FromTasks(tasks)
}

// FromTasks validates an explicit task list and wraps it in a graph.
func (d *Decomposer) FromTasks(tasks []*models.Task) (*graph.ExecutionGraph, error) {
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	return graph.NewExecutionGraph(tasks, d.systemCap)
}

// Simplify drops optional tasks. Dependents of a dropped task inherit its
// dependencies so ordering between the remaining tasks is preserved.
func Simplify(tasks []*models.Task) []*models.Task {
	dropped := make(map[string][]string)
	for _, t := range tasks {
		if t.Optional {
			dropped[t.ID] = t.DependsOn
		}
	}
	if len(dropped) == 0 {
		return models.CloneTasks(tasks)
	}

	var resolve func(id string, seen map[string]bool) []string
	resolve = func(id string, seen map[string]bool) []string {
		deps, gone := dropped[id]
		if !gone {
			return []string{id}
		}
		var out []string
		for _, d := range deps {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, resolve(d, seen)...)
		}
		return out
	}

	var out []*models.Task
	for _, t := range tasks {
		if t.Optional {
			continue
		}
		c := t.Clone()
		c.DependsOn = nil
		seen := make(map[string]bool)
		for _, dep := range t.DependsOn {
			for _, id := range resolve(dep, map[string]bool{dep: true}) {
				if !seen[id] {
					seen[id] = true
					c.DependsOn = append(c.DependsOn, id)
				}
			}
		}
		out = append(out, c)
	}
	return out
}
