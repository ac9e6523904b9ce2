// Package transparency is the durable, queryable audit ledger of everything
// conclave does: tool calls, task outcomes, session lifecycle and failures.
package transparency

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names what happened.
type EventType string

const (
	EventToolCall          EventType = "tool_call"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskBlocked       EventType = "task_blocked"
	EventTaskRequeued      EventType = "task_requeued"
	EventSessionSpawned    EventType = "session_spawned"
	EventSessionTerminated EventType = "session_terminated"
	EventWorkspaceTeardown EventType = "workspace_teardown"
	EventHandlerError      EventType = "handler_error"
	EventRequestTimeout    EventType = "request_timeout"
	EventLeaseConflict     EventType = "lease_conflict"
	EventPlanDecision      EventType = "plan_decision"
	EventError             EventType = "error"
	EventCleanup           EventType = "transparency_cleanup"
)

// Event is one entry in the log.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Duration  time.Duration  `json:"-"`
	Success   *bool          `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type eventJSON Event

// MarshalJSON renders Duration as integer milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		eventJSON
		DurationMS int64 `json:"duration_ms,omitempty"`
	}{eventJSON(e), e.Duration.Milliseconds()})
}

// UnmarshalJSON reads duration_ms back into Duration.
func (e *Event) UnmarshalJSON(data []byte) error {
	aux := struct {
		*eventJSON
		DurationMS int64 `json:"duration_ms,omitempty"`
	}{eventJSON: (*eventJSON)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	return nil
}

// Succeeded reports whether the event records a success.
func (e Event) Succeeded() bool {
	return e.Success != nil && *e.Success
}

// Bool returns a pointer to b for Event.Success.
func Bool(b bool) *bool {
	return &b
}

// Failure builds an unsuccessful event carrying err.
func Failure(typ EventType, err error) Event {
	e := Event{Type: typ, Success: Bool(false)}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Recorder accepts events. Implementations must not block for long and
// must never fail the caller; persistence problems are logged instead.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Nop is a Recorder that drops events.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) {}
