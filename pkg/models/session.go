package models

import "time"

// SessionStatus represents the lifecycle state of a worker session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionReady        SessionStatus = "ready"
	SessionBusy         SessionStatus = "busy"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionTerminated   SessionStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionInitializing, SessionReady, SessionBusy, SessionCompleted, SessionFailed, SessionTerminated:
		return true
	default:
		return false
	}
}

// Dispatchable reports whether a task may be handed to a session in this state.
// Completed and failed sessions can be reused for further tasks.
func (s SessionStatus) Dispatchable() bool {
	return s == SessionReady || s == SessionCompleted || s == SessionFailed
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionInitializing: {SessionReady, SessionFailed},
	SessionReady:        {SessionBusy},
	SessionBusy:         {SessionCompleted, SessionFailed},
	SessionCompleted:    {SessionBusy},
	SessionFailed:       {SessionBusy},
}

// CanTransition reports whether from -> to is a legal session transition.
// Any live session may be terminated; terminated is final.
func CanTransition(from, to SessionStatus) bool {
	if from == SessionTerminated {
		return false
	}
	if to == SessionTerminated {
		return true
	}
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkerSession is a handle to one external worker process and its state.
type WorkerSession struct {
	ID            string        `json:"id"`
	Role          string        `json:"role"`
	Status        SessionStatus `json:"status"`
	WorkspaceID   string        `json:"workspace_id"`
	CurrentTaskID string        `json:"current_task_id,omitempty"`
	// LastOutput holds the most recent worker result text.
	LastOutput string `json:"last_output,omitempty"`
	// Context is the prompt context built for the role at spawn time.
	Context   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspaceContext is shared state for all sessions working on one request.
type WorkspaceContext struct {
	ID            string `json:"id"`
	RepositoryRef string `json:"repository_ref"`
	// SharedContext is the repository summary computed once per workspace.
	SharedContext string `json:"shared_context"`
	// AgentContexts holds per-role context overrides.
	AgentContexts map[string]string `json:"agent_contexts,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
