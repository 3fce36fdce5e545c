package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// Recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Protocol metrics
	MessagesReceivedTotal  *prometheus.CounterVec
	MessagesPublishedTotal *prometheus.CounterVec
	ProtocolErrorsTotal    *prometheus.CounterVec

	// Tool metrics
	ToolInvocationsTotal  *prometheus.CounterVec
	ToolInvocationSeconds *prometheus.HistogramVec

	// Session metrics
	PhaseTransitionsTotal *prometheus.CounterVec
	SessionsStarted       prometheus.Counter
	SessionsActive        prometheus.Gauge

	// Dispatch loop metrics
	DispatchQueueDepth prometheus.Gauge
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		MessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlink_messages_received_total",
				Help: "Inbound JSON-RPC messages by kind",
			},
			[]string{"kind"},
		),
		MessagesPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlink_messages_published_total",
				Help: "Outbound JSON-RPC messages by method and status",
			},
			[]string{"method", "status"},
		),
		ProtocolErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlink_protocol_errors_total",
				Help: "Errors surfaced to the presentation layer by source",
			},
			[]string{"source"},
		),

		ToolInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlink_tool_invocations_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolInvocationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentlink_tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),

		PhaseTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlink_phase_transitions_total",
				Help: "Session phase transitions by target phase",
			},
			[]string{"phase"},
		),
		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentlink_sessions_started_total",
				Help: "Sessions that reached the active phase",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentlink_sessions_active",
				Help: "1 while a voice session is active",
			},
		),

		DispatchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentlink_dispatch_queue_depth",
				Help: "Tasks waiting on the engine dispatch loop",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.MessagesReceivedTotal,
		m.MessagesPublishedTotal,
		m.ProtocolErrorsTotal,
		m.ToolInvocationsTotal,
		m.ToolInvocationSeconds,
		m.PhaseTransitionsTotal,
		m.SessionsStarted,
		m.SessionsActive,
		m.DispatchQueueDepth,
	)
}

// RecordReceived counts an inbound message of the given kind
func (m *Metrics) RecordReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(kind).Inc()
}

// RecordPublished counts an outbound message
func (m *Metrics) RecordPublished(method string, err error) {
	if m == nil {
		return
	}
	m.MessagesPublishedTotal.WithLabelValues(method, status(err)).Inc()
}

// RecordError counts an error event
func (m *Metrics) RecordError(source string) {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.WithLabelValues(source).Inc()
}

// RecordTool counts a tool invocation and observes its duration
func (m *Metrics) RecordTool(tool string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	s := "success"
	if !success {
		s = "error"
	}
	m.ToolInvocationsTotal.WithLabelValues(tool, s).Inc()
	m.ToolInvocationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordPhase counts a transition into phase and tracks the active gauge
func (m *Metrics) RecordPhase(phase string, active bool) {
	if m == nil {
		return
	}
	m.PhaseTransitionsTotal.WithLabelValues(phase).Inc()
	if active {
		m.SessionsStarted.Inc()
		m.SessionsActive.Set(1)
	} else {
		m.SessionsActive.Set(0)
	}
}

// SetQueueDepth records the dispatch loop backlog
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(depth))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
