package transparency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/state"
)

const (
	// DefaultRetentionDays is used by Cleanup when no retention is given.
	DefaultRetentionDays = 30
	// DefaultQueryLimit bounds Query when Filter.Limit is unset.
	DefaultQueryLimit = 100
	recentErrorLimit  = 10
)

// Filter selects events. Zero fields are ignored.
type Filter struct {
	SessionID string      `json:"session_id,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	Types     []EventType `json:"types,omitempty"`
	Since     time.Time   `json:"since,omitempty"`
	Until     time.Time   `json:"until,omitempty"`
	Success   *bool       `json:"success,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// Stats aggregates events matching a filter.
type Stats struct {
	TotalEvents     int               `json:"total_events"`
	SuccessRate     float64           `json:"success_rate"`
	// AverageDuration is in milliseconds over events that carry a duration.
	AverageDuration float64           `json:"average_duration_ms"`
	EventsByType    map[EventType]int `json:"events_by_type"`
	EventsByAgent   map[string]int    `json:"events_by_agent"`
	RecentErrors    []Event           `json:"recent_errors"`
}

// Log is the SQLite-backed transparency log.
type Log struct {
	store  state.SQLStore
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used for failures in Record.
func WithLogger(l *logging.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(lg *Log) { lg.now = now }
}

// New creates a Log over a migrated store.
func New(store state.SQLStore, opts ...Option) *Log {
	l := &Log{store: store, logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Recorder = (*Log)(nil)

// LogEvent appends an event, filling in ID and Timestamp when unset.
func (l *Log) LogEvent(ctx context.Context, e Event) (Event, error) {
	if e.Type == "" {
		return e, errs.Validation("event type is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return e, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	var duration sql.NullInt64
	if e.Duration > 0 {
		duration = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}
	var success sql.NullInt64
	if e.Success != nil {
		success.Valid = true
		if *e.Success {
			success.Int64 = 1
		}
	}

	_, err := l.store.ExecContext(ctx, `
		INSERT INTO transparency_events (id, type, session_id, agent_id, tool_name, duration_ms, success, error, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Type), e.SessionID, e.AgentID, e.ToolName, duration, success, e.Error, string(meta), state.UnixMilli(e.Timestamp))
	if err != nil {
		return e, errs.Persistence(err, "log event")
	}
	return e, nil
}

// Record implements Recorder. Failures are logged, never returned.
func (l *Log) Record(ctx context.Context, e Event) {
	if _, err := l.LogEvent(ctx, e); err != nil {
		l.logger.Warn("transparency record failed", "type", string(e.Type), "error", err)
	}
}

// Query returns matching events, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	offset := max(f.Offset, 0)

	query := `SELECT id, type, session_id, agent_id, tool_name, duration_ms, success, error, metadata, timestamp
		FROM transparency_events` + where + ` ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return l.query(ctx, query, args...)
}

// Stats aggregates events matching the filter. Limit and Offset are ignored.
func (l *Log) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := f.where()
	stats := &Stats{
		EventsByType:  make(map[EventType]int),
		EventsByAgent: make(map[string]int),
	}

	var successes int
	var avg sql.NullFloat64
	err := l.store.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0), AVG(duration_ms)
		FROM transparency_events`+where, args...).Scan(&stats.TotalEvents, &successes, &avg)
	if err != nil {
		return nil, errs.Persistence(err, "event totals")
	}
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalEvents)
	}
	if avg.Valid {
		stats.AverageDuration = avg.Float64
	}

	if err := l.groupCount(ctx, "type", where, args, func(k string, n int) { stats.EventsByType[EventType(k)] = n }); err != nil {
		return nil, err
	}
	if err := l.groupCount(ctx, "agent_id", where, args, func(k string, n int) {
		if k != "" {
			stats.EventsByAgent[k] = n
		}
	}); err != nil {
		return nil, err
	}

	errWhere := where + " AND "
	if where == "" {
		errWhere = " WHERE "
	}
	errWhere += "(success = 0 OR error != '')"
	errArgs := append(append([]any(nil), args...), recentErrorLimit)
	stats.RecentErrors, err = l.query(ctx, `SELECT id, type, session_id, agent_id, tool_name, duration_ms, success, error, metadata, timestamp
		FROM transparency_events`+errWhere+` ORDER BY timestamp DESC, rowid DESC LIMIT ?`, errArgs...)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup deletes events older than retentionDays (default 30) and logs a
// transparency_cleanup event with the number removed.
func (l *Log) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := l.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	res, err := l.store.ExecContext(ctx, `DELETE FROM transparency_events WHERE timestamp < ?`, state.UnixMilli(cutoff))
	if err != nil {
		return 0, errs.Persistence(err, "cleanup events")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Persistence(err, "cleanup rows affected")
	}

	_, err = l.LogEvent(ctx, Event{
		Type:    EventCleanup,
		Success: Bool(true),
		Metadata: map[string]any{
			"removed":        removed,
			"retention_days": retentionDays,
			"cutoff":         cutoff.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(f.Types) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")
		conds = append(conds, "type IN ("+marks+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, state.UnixMilli(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, state.UnixMilli(f.Until))
	}
	if f.Success != nil {
		if *f.Success {
			conds = append(conds, "success = 1")
		} else {
			conds = append(conds, "success = 0")
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (l *Log) groupCount(ctx context.Context, column, where string, args []any, fn func(string, int)) error {
	rows, err := l.store.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM transparency_events`+where+` GROUP BY `+column, args...)
	if err != nil {
		return errs.Persistence(err, "group by "+column)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return errs.Persistence(err, "scan "+column)
		}
		fn(k, n)
	}
	return errs.Persistence(rows.Err(), "iterate "+column)
}

func (l *Log) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := l.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Persistence(err, "query events")
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var typ, meta string
		var duration, success sql.NullInt64
		var ts int64
		if err := rows.Scan(&e.ID, &typ, &e.SessionID, &e.AgentID, &e.ToolName, &duration, &success, &e.Error, &meta, &ts); err != nil {
			return nil, errs.Persistence(err, "scan event")
		}
		e.Type = EventType(typ)
		if duration.Valid {
			e.Duration = time.Duration(duration.Int64) * time.Millisecond
		}
		if success.Valid {
			e.Success = Bool(success.Int64 == 1)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		e.Timestamp = state.FromUnixMilli(ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence(err, "iterate events")
	}
	return events, nil
}
