package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/queue"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// tool is one entry of the catalog.
type tool struct {
	name        string
	description string
	inputSchema map[string]any
	annotations *toolAnnotations
	handler     handlerFunc
}

func boolPtr(b bool) *bool { return &b }

var (
	readOnly   = &toolAnnotations{ReadOnlyHint: boolPtr(true), IdempotentHint: boolPtr(true)}
	idempotent = &toolAnnotations{IdempotentHint: boolPtr(true)}
)

// schema builds a JSON Schema object from property definitions.
func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func (s *Server) catalog() []tool {
	return []tool{
		{
			name:        "enqueue_task",
			description: "Add a task to the coordination queue. Returns the task id.",
			inputSchema: schema([]string{"payload"}, map[string]any{
				"id":           prop("string", "optional task id; generated when empty"),
				"kind":         prop("string", "task kind used for filtering"),
				"workspace_id": prop("string", "workspace the task belongs to"),
				"payload":      map[string]any{"description": "arbitrary JSON payload"},
			}),
			handler: s.enqueueTask,
		},
		{
			name:        "get_next_task",
			description: "Lease the oldest queued task matching the filter. Returns null when nothing is available.",
			inputSchema: schema(nil, map[string]any{
				"owner":        prop("string", "identity of the caller holding the lease; defaults to the client name"),
				"kind":         prop("string", "only lease tasks of this kind"),
				"workspace_id": prop("string", "only lease tasks of this workspace"),
				"task_id":      prop("string", "only lease this task"),
			}),
			handler: s.getNextTask,
		},
		{
			name:        "complete_task",
			description: "Complete a leased task with an optional JSON result.",
			inputSchema: schema([]string{"task_id", "lease_id"}, map[string]any{
				"task_id":  prop("string", "task id"),
				"lease_id": prop("string", "lease id returned by get_next_task"),
				"result":   map[string]any{"description": "JSON result"},
			}),
			annotations: idempotent,
			handler:     s.completeTask,
		},
		{
			name:        "fail_task",
			description: "Mark a leased task failed. Failed tasks are not leased again.",
			inputSchema: schema([]string{"task_id", "lease_id"}, map[string]any{
				"task_id":  prop("string", "task id"),
				"lease_id": prop("string", "lease id returned by get_next_task"),
				"reason":   prop("string", "failure reason"),
			}),
			annotations: idempotent,
			handler:     s.failTask,
		},
		{
			name:        "get_task_status",
			description: "Return a queued task with its status, lease and result.",
			inputSchema: schema([]string{"task_id"}, map[string]any{
				"task_id": prop("string", "task id"),
			}),
			annotations: readOnly,
			handler:     s.getTaskStatus,
		},
		{
			name:        "health_check",
			description: "Report queue health: ok is false when the store is unavailable; stats holds counts per status, expired leases and the age of the oldest queued task.",
			inputSchema: schema(nil, map[string]any{}),
			annotations: readOnly,
			handler:     s.healthCheck,
		},
		{
			name:        "get_transparency_log",
			description: "Query recorded events newest first. With stats set, returns {events, stats} instead of the bare array.",
			inputSchema: schema(nil, map[string]any{
				"session_id": prop("string", "only events of this session"),
				"agent_id":   prop("string", "only events of this agent"),
				"types":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "event types"},
				"since":      prop("string", "RFC 3339 lower bound on timestamps"),
				"until":      prop("string", "RFC 3339 upper bound on timestamps"),
				"limit":      prop("integer", "maximum number of events"),
				"stats":      prop("boolean", "include aggregate statistics"),
			}),
			annotations: readOnly,
			handler:     s.getTransparencyLog,
		},
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return errs.Validation("invalid arguments: %v", err)
	}
	return nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.Validation("%s is required", name)
	}
	return nil
}

func (s *Server) enqueueTask(ctx context.Context, args json.RawMessage) (any, error) {
	var in queue.EnqueueRequest
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if len(in.Payload) == 0 {
		return nil, errs.Validation("payload is required")
	}
	id, err := s.queue.Enqueue(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]string{"task_id": id}, nil
}

func (s *Server) getNextTask(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Owner string `json:"owner"`
		queue.Filter
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Owner == "" {
		in.Owner = s.agentID
	}
	if err := requireField("owner", in.Owner); err != nil {
		return nil, err
	}
	lease, err := s.queue.LeaseNext(ctx, in.Owner, in.Filter)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	return lease, nil
}

type okResult struct {
	OK bool `json:"ok"`
}

type leaseArgs struct {
	TaskID  string          `json:"task_id"`
	LeaseID string          `json:"lease_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func (a leaseArgs) validate() error {
	if err := requireField("task_id", a.TaskID); err != nil {
		return err
	}
	return requireField("lease_id", a.LeaseID)
}

func (s *Server) completeTask(ctx context.Context, args json.RawMessage) (any, error) {
	var in leaseArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.queue.Complete(ctx, in.TaskID, in.LeaseID, in.Result); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (s *Server) failTask(ctx context.Context, args json.RawMessage) (any, error) {
	var in leaseArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Reason == "" {
		in.Reason = "failed by agent"
	}
	if err := s.queue.Fail(ctx, in.TaskID, in.LeaseID, in.Reason); err != nil {
		return nil, err
	}
	return okResult{OK: true}, nil
}

func (s *Server) getTaskStatus(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireField("task_id", in.TaskID); err != nil {
		return nil, err
	}
	return s.queue.Status(ctx, in.TaskID)
}

type healthStats struct {
	Total           int                  `json:"total"`
	Counts          map[queue.Status]int `json:"counts"`
	ExpiredLeases   int                  `json:"expired_leases"`
	OldestQueuedAge time.Duration        `json:"oldest_queued_age_ns"`
}

type healthResult struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Stats healthStats `json:"stats"`
}

// healthCheck reports an unavailable store as ok=false rather than as a
// tool error.
func (s *Server) healthCheck(ctx context.Context, _ json.RawMessage) (any, error) {
	h, err := s.queue.Health(ctx)
	if err != nil && !errors.Is(err, errs.ErrPersistence) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("queue store unavailable", "error", err)
	}
	return healthResult{
		OK:    h.OK,
		Error: h.Error,
		Stats: healthStats{
			Total:           h.Total,
			Counts:          h.Counts,
			ExpiredLeases:   h.ExpiredLeases,
			OldestQueuedAge: h.OldestQueuedAge,
		},
	}, nil
}

type logArgs struct {
	SessionID string   `json:"session_id"`
	AgentID   string   `json:"agent_id"`
	Types     []string `json:"types"`
	Since     string   `json:"since"`
	Until     string   `json:"until"`
	Limit     int      `json:"limit"`
	Stats     bool     `json:"stats"`
}

func (a logArgs) filter() (transparency.Filter, error) {
	f := transparency.Filter{SessionID: a.SessionID, AgentID: a.AgentID, Limit: a.Limit}
	for _, t := range a.Types {
		f.Types = append(f.Types, transparency.EventType(t))
	}
	var err error
	if f.Since, err = parseTime("since", a.Since); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until", a.Until); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errs.Validation("%s: %v", field, err)
	}
	return t, nil
}

func (s *Server) getTransparencyLog(ctx context.Context, args json.RawMessage) (any, error) {
	var in logArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	f, err := in.filter()
	if err != nil {
		return nil, err
	}
	events, err := s.tlog.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if events == nil {
		events = []transparency.Event{}
	}
	if !in.Stats {
		return events, nil
	}
	statsFilter := f
	statsFilter.Limit = 0
	stats, err := s.tlog.Stats(ctx, statsFilter)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	return map[string]any{"events": events, "stats": stats}, nil
}
