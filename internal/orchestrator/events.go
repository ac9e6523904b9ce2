package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventPlanReady indicates the request was decomposed and approved.
	EventPlanReady EventType = "plan_ready"
	// EventTaskQueued indicates a task became eligible for admission.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted indicates a task was admitted to a session.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task cannot run because a dependency failed.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskOutput carries one line of worker output.
	EventTaskOutput EventType = "task_output"
	// EventSessionSpawned indicates a worker session was created.
	EventSessionSpawned EventType = "session_spawned"
	// EventSessionTerminated indicates a worker session was terminated.
	EventSessionTerminated EventType = "session_terminated"
	// EventPaused and EventResumed track admission pauses.
	EventPaused  EventType = "paused"
	EventResumed EventType = "resumed"
	// EventRunDone indicates the run finished, successfully or not.
	EventRunDone EventType = "run_done"
)

// OrchestratorEvent is a progress notification for CLI consumers. Control
// flow never depends on anyone reading these.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType
	// RunID is the run that produced the event.
	RunID string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string
	// SessionID is the worker session involved, if applicable.
	SessionID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the task's elapsed time for terminal task events.
	Duration time.Duration
}
