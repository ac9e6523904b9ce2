// Package metrics exposes conclave's prometheus collectors. Every method is
// safe on a nil *Metrics so components can treat metrics as optional.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/conclave/internal/logging"
)

const namespace = "conclave"

// Metrics holds a private registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	tasksRunning     prometheus.Gauge
	tasksTotal       *prometheus.CounterVec
	busMessages      *prometheus.CounterVec
	busHandlerErrors prometheus.Counter
	busPending       prometheus.Gauge
	queueTasks       *prometheus.GaugeVec
	toolCalls        *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently admitted and running.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a final or blocking status.",
		}, []string{"status"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Messages accepted by the communication bus.",
		}, []string{"type"}),
		busHandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_errors_total",
			Help:      "Bus handlers that returned an error or panicked.",
		}),
		busPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_pending_requests",
			Help:      "Outstanding request/response exchanges.",
		}),
		queueTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_tasks",
			Help:      "Coordination queue tasks by status.",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls served, by tool and outcome.",
		}, []string{"tool", "success"}),
	}
	m.registry.MustRegister(
		m.tasksRunning,
		m.tasksTotal,
		m.busMessages,
		m.busHandlerErrors,
		m.busPending,
		m.queueTasks,
		m.toolCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskStarted records an admission.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksRunning.Inc()
}

// TaskFinished records a running task leaving the running state.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksRunning.Dec()
	m.tasksTotal.WithLabelValues(status).Inc()
}

// TaskBlocked records a task blocked by a failed dependency.
func (m *Metrics) TaskBlocked() {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues("blocked").Inc()
}

// MessageSent counts a bus message.
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(msgType).Inc()
}

// HandlerError counts a failed bus handler.
func (m *Metrics) HandlerError() {
	if m == nil {
		return
	}
	m.busHandlerErrors.Inc()
}

// PendingRequests sets the outstanding request gauge.
func (m *Metrics) PendingRequests(n int) {
	if m == nil {
		return
	}
	m.busPending.Set(float64(n))
}

// SetQueueCounts replaces the queue gauges with counts keyed by status.
func (m *Metrics) SetQueueCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.queueTasks.Reset()
	for status, n := range counts {
		m.queueTasks.WithLabelValues(status).Set(float64(n))
	}
}

// ToolCall counts one served tool call.
func (m *Metrics) ToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
