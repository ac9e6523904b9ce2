package models

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker session is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates an upstream dependency failed.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition happens without a requeue.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusBlocked
}

// Category is the coarse classification of a request.
type Category string

const (
	CategoryDevelopment  Category = "development"
	CategoryAnalysis     Category = "analysis"
	CategoryArchitecture Category = "architecture"
	CategoryReview       Category = "review"
	CategoryDeployment   Category = "deployment"
	CategoryGeneric      Category = "generic"
)

// Complexity is the estimated difficulty of a request.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Multiplier scales a template's base estimate.
func (c Complexity) Multiplier() float64 {
	switch c {
	case ComplexityMedium:
		return 1.5
	case ComplexityHigh:
		return 2.5
	default:
		return 1
	}
}

// Task is a node in an execution graph.
type Task struct {
	// ID is unique within one execution graph.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description is handed to the worker as the task body.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    Category   `json:"category" yaml:"category"`
	Complexity  Complexity `json:"complexity" yaml:"complexity"`
	// EstimatedMinutes is the template estimate scaled by complexity.
	EstimatedMinutes int `json:"estimated_minutes" yaml:"estimated_minutes"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// AssignedRole selects the worker role template.
	AssignedRole string `json:"assigned_role" yaml:"assigned_role"`
	// Optional tasks are dropped when a plan is simplified.
	Optional bool       `json:"optional,omitempty" yaml:"optional,omitempty"`
	Status   TaskStatus `json:"status" yaml:"status,omitempty"`
	// SessionID is the worker session that ran the task.
	SessionID     string     `json:"session_id,omitempty" yaml:"-"`
	Result        string     `json:"result,omitempty" yaml:"-"`
	Error         string     `json:"error,omitempty" yaml:"-"`
	BlockedReason string     `json:"blocked_reason,omitempty" yaml:"-"`
	StartedAt     *time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" yaml:"-"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &c
}

// CloneTasks deep-copies a task list.
func CloneTasks(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
