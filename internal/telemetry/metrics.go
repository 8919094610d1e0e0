// Package telemetry holds the Prometheus metrics for the realtime gateway.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Metrics holds all custom Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Connections     *prometheus.GaugeVec
	Sessions        *prometheus.GaugeVec
	Frames          *prometheus.CounterVec
	BackendEvents   *prometheus.CounterVec
	BackendFailures prometheus.Counter
	DroppedEvents   prometheus.Counter
	Evictions       *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	OneShotLatency  prometheus.Histogram
	ProjectsCreated prometheus.Counter
	ProjectFailures prometheus.Counter
}

// New creates the metrics on a private registry together with the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmate_websocket_connections_active",
			Help: "Number of attached WebSocket connections per endpoint",
		}, []string{"endpoint"}),

		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmate_sessions_live",
			Help: "Number of live user sessions (attached or detached) per endpoint",
		}, []string{"endpoint"}),

		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmate_websocket_frames_total",
			Help: "Total number of WebSocket frames by type",
		}, []string{"type", "direction"}),

		BackendEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmate_backend_events_total",
			Help: "Backend events received by kind",
		}, []string{"event"}),

		BackendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmate_backend_send_failures_total",
			Help: "Requests that could not be handed to the backend",
		}),

		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmate_backend_events_dropped_total",
			Help: "Backend events addressed to a namespace with no subscriber",
		}),

		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmate_session_evictions_total",
			Help: "Sessions destroyed, by reason",
		}, []string{"reason"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmate_chat_rate_limited_total",
			Help: "Chat messages rejected by the per-session rate limiter",
		}, []string{"endpoint"}),

		OneShotLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskmate_backend_call_duration_seconds",
			Help:    "Latency of one-shot backend calls",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		ProjectsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmate_projects_created_total",
			Help: "Projects created from assistant plans",
		}),

		ProjectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmate_project_failures_total",
			Help: "Plans that failed to persist",
		}),
	}
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectionOpened records an attached connection.
func (m *Metrics) ConnectionOpened(endpoint string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(endpoint).Inc()
}

// ConnectionClosed records a detached connection.
func (m *Metrics) ConnectionClosed(endpoint string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(endpoint).Dec()
}

// SessionCreated records a new session.
func (m *Metrics) SessionCreated(endpoint string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(endpoint).Inc()
}

// SessionDestroyed records a destroyed session and why.
func (m *Metrics) SessionDestroyed(endpoint, reason string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(endpoint).Dec()
	m.Evictions.WithLabelValues(reason).Inc()
}

// Frame records one WebSocket frame.
func (m *Metrics) Frame(frameType, direction string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(frameType, direction).Inc()
}

// BackendEvent records one event received from the backend.
func (m *Metrics) BackendEvent(kind string) {
	if m == nil {
		return
	}
	m.BackendEvents.WithLabelValues(kind).Inc()
}

// BackendSendFailed records a failed handoff to the backend.
func (m *Metrics) BackendSendFailed() {
	if m == nil {
		return
	}
	m.BackendFailures.Inc()
}

// EventDropped records an event with no subscriber.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}

// ChatRateLimited records a rejected chat message.
func (m *Metrics) ChatRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(endpoint).Inc()
}

// ObserveCall records the latency of a one-shot backend call in seconds.
func (m *Metrics) ObserveCall(seconds float64) {
	if m == nil {
		return
	}
	m.OneShotLatency.Observe(seconds)
}

// ProjectCreated records the outcome of a plan persistence attempt.
func (m *Metrics) ProjectCreated(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ProjectFailures.Inc()
		return
	}
	m.ProjectsCreated.Inc()
}
