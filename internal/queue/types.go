// Package queue implements the durable, lease-based coordination queue that
// out-of-process workers use to claim and report on tasks.
package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultLeaseDuration is how long a lease lasts without renewal.
const DefaultLeaseDuration = 60 * time.Second

// Task is a unit of work in the queue.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	LeaseID     string          `json:"lease_id,omitempty"`
	LeaseOwner  string          `json:"lease_owner,omitempty"`
	LeaseExpiry *time.Time      `json:"lease_expiry,omitempty"`
	Attempts    int             `json:"attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Lease is an exclusive, time-bounded claim on a task.
type Lease struct {
	Task      *Task     `json:"task"`
	LeaseID   string    `json:"lease_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EnqueueRequest describes a new task. ID is optional.
type EnqueueRequest struct {
	ID          string          `json:"id,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Filter narrows LeaseNext. Zero fields match anything.
type Filter struct {
	Kind        string `json:"kind,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
}

// ListFilter narrows List.
type ListFilter struct {
	Status      Status
	WorkspaceID string
	Limit       int
}

// Health is the aggregate state of the queue.
type Health struct {
	OK              bool           `json:"ok"`
	Error           string         `json:"error,omitempty"`
	Total           int            `json:"total"`
	Counts          map[Status]int `json:"counts"`
	ExpiredLeases   int            `json:"expired_leases"`
	OldestQueuedAge time.Duration  `json:"oldest_queued_age_ns"`
}
