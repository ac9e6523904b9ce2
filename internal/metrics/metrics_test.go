package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics, name string) []*dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestTaskLifecycle(t *testing.T) {
	m := New()
	m.TaskStarted()
	m.TaskStarted()
	m.TaskFinished("completed")
	m.TaskBlocked()

	running := gather(t, m, "conclave_tasks_running")
	require.Len(t, running, 1)
	assert.Equal(t, 1.0, running[0].GetGauge().GetValue())

	totals := map[string]float64{}
	for _, metric := range gather(t, m, "conclave_tasks_total") {
		totals[labelValue(metric, "status")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"completed": 1, "blocked": 1}, totals)
}

func TestQueueCountsReset(t *testing.T) {
	m := New()
	m.SetQueueCounts(map[string]int{"queued": 3, "leased": 1})
	m.SetQueueCounts(map[string]int{"completed": 4})

	got := gather(t, m, "conclave_queue_tasks")
	require.Len(t, got, 1)
	assert.Equal(t, "completed", labelValue(got[0], "status"))
	assert.Equal(t, 4.0, got[0].GetGauge().GetValue())
}

func TestToolCallsAndBus(t *testing.T) {
	m := New()
	m.ToolCall("enqueue_task", true)
	m.ToolCall("enqueue_task", false)
	m.MessageSent("question")
	m.HandlerError()
	m.PendingRequests(2)

	assert.Len(t, gather(t, m, "conclave_tool_calls_total"), 2)
	assert.Equal(t, 2.0, gather(t, m, "conclave_bus_pending_requests")[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, gather(t, m, "conclave_bus_handler_errors_total")[0].GetCounter().GetValue())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TaskStarted()
	m.TaskFinished("failed")
	m.ToolCall("x", true)
	m.SetQueueCounts(map[string]int{"queued": 1})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.MessageSent("task_result")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `conclave_bus_messages_total{type="task_result"} 1`))
}
