package transparency

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/state"
)

func setupLog(t *testing.T, now func() time.Time) (*Log, *state.DB) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	opts := []Option{}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	return New(db, opts...), db
}

func TestLogEventFillsDefaults(t *testing.T) {
	log, _ := setupLog(t, nil)
	ctx := context.Background()

	e, err := log.LogEvent(ctx, Event{Type: EventTaskStarted, AgentID: "backend"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	_, err = log.LogEvent(ctx, Event{})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestQueryFilters(t *testing.T) {
	log, _ := setupLog(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	events := []Event{
		{Type: EventToolCall, AgentID: "a1", SessionID: "s1", ToolName: "enqueue_task", Success: Bool(true), Duration: 20 * time.Millisecond, Timestamp: base},
		{Type: EventToolCall, AgentID: "a2", SessionID: "s2", ToolName: "get_next_task", Success: Bool(false), Error: "boom", Timestamp: base.Add(time.Minute)},
		{Type: EventTaskCompleted, AgentID: "a1", SessionID: "s1", Success: Bool(true), Timestamp: base.Add(2 * time.Minute)},
		{Type: EventHandlerError, AgentID: "a1", SessionID: "s3", Success: Bool(false), Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range events {
		_, err := log.LogEvent(ctx, e)
		require.NoError(t, err)
	}

	byAgent, err := log.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 3)
	for _, e := range byAgent {
		assert.Equal(t, "a1", e.AgentID)
	}
	assert.Equal(t, EventHandlerError, byAgent[0].Type, "newest first")

	byType, err := log.Query(ctx, Filter{Types: []EventType{EventToolCall}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	failed, err := log.Query(ctx, Filter{Success: Bool(false)})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	window, err := log.Query(ctx, Filter{Since: base.Add(30 * time.Second), Until: base.Add(150 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	page, err := log.Query(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, EventTaskCompleted, page[0].Type)

	first, err := log.Query(ctx, Filter{SessionID: "s1", Types: []EventType{EventToolCall}})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 20*time.Millisecond, first[0].Duration)
	assert.True(t, first[0].Succeeded())
	assert.Equal(t, "enqueue_task", first[0].ToolName)
}

func TestStats(t *testing.T) {
	log, _ := setupLog(t, nil)
	ctx := context.Background()

	for i, ok := range []bool{true, true, true, false} {
		_, err := log.LogEvent(ctx, Event{
			Type:     EventToolCall,
			AgentID:  []string{"a1", "a1", "a2", "a2"}[i],
			Success:  Bool(ok),
			Duration: time.Duration(10*(i+1)) * time.Millisecond,
		})
		require.NoError(t, err)
	}
	_, err := log.LogEvent(ctx, Event{Type: EventTaskBlocked})
	require.NoError(t, err)

	stats, err := log.Stats(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalEvents)
	assert.InDelta(t, 3.0/5.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 25.0, stats.AverageDuration, 1e-9)
	assert.Equal(t, 4, stats.EventsByType[EventToolCall])
	assert.Equal(t, 1, stats.EventsByType[EventTaskBlocked])
	assert.Equal(t, 2, stats.EventsByAgent["a1"])
	assert.Len(t, stats.RecentErrors, 1)

	a1, err := log.Stats(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 2, a1.TotalEvents)
	assert.InDelta(t, 1.0, a1.SuccessRate, 1e-9)

	empty, err := log.Stats(ctx, Filter{AgentID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalEvents)
	assert.Zero(t, empty.SuccessRate)
}

func TestCleanupLogsRemovalCount(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	log, _ := setupLog(t, func() time.Time { return now })
	ctx := context.Background()

	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, time.Hour} {
		_, err := log.LogEvent(ctx, Event{Type: EventTaskStarted, Timestamp: now.Add(-age)})
		require.NoError(t, err)
	}

	removed, err := log.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	cleanups, err := log.Query(ctx, Filter{Types: []EventType{EventCleanup}})
	require.NoError(t, err)
	require.Len(t, cleanups, 1)
	assert.EqualValues(t, 2, cleanups[0].Metadata["removed"])
	assert.EqualValues(t, DefaultRetentionDays, cleanups[0].Metadata["retention_days"])

	all, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	log, db := setupLog(t, nil)
	require.NoError(t, db.Close())

	assert.NotPanics(t, func() {
		log.Record(context.Background(), Event{Type: EventError})
	})
	_, err := log.LogEvent(context.Background(), Event{Type: EventError})
	assert.True(t, errors.Is(err, errs.ErrPersistence))
}

func TestEventJSONDuration(t *testing.T) {
	e := Event{Type: EventToolCall, Duration: 1500 * time.Millisecond}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"duration_ms":1500`)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.Duration, back.Duration)
	assert.Equal(t, EventToolCall, back.Type)
}
