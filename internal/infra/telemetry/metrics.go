package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	callDuration    *prometheus.HistogramVec
	callsTotal      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	connStarts      *prometheus.CounterVec
	connStops       *prometheus.CounterVec
	executionsTotal *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcporch_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server_id", "status"},
		),
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcporch_calls_total",
				Help: "Total number of tool call attempts",
			},
			[]string{"server_id", "status"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcporch_rate_limited_total",
				Help: "Total number of calls rejected by the per-server rate limiter",
			},
			[]string{"server_id"},
		),
		connStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcporch_connection_starts_total",
				Help: "Total number of client connection dial attempts",
			},
			[]string{"server_id"},
		),
		connStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcporch_connection_stops_total",
				Help: "Total number of client connection teardowns",
			},
			[]string{"server_id", "reason"},
		),
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcporch_executions_total",
				Help: "Total number of execution broker runs",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) ObserveCall(serverID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(serverID, status).Inc()
	m.callDuration.WithLabelValues(serverID, status).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRateLimited(serverID string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(serverID).Inc()
}

func (m *Metrics) ObserveConnStart(serverID string) {
	if m == nil {
		return
	}
	m.connStarts.WithLabelValues(serverID).Inc()
}

func (m *Metrics) ObserveConnStop(serverID, reason string) {
	if m == nil {
		return
	}
	m.connStops.WithLabelValues(serverID, reason).Inc()
}

func (m *Metrics) ObserveExecution(status string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}
