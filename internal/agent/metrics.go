package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labpilot/labpilot/internal/models"
)

// Metrics collects Prometheus counters and gauges for the agent.
type Metrics struct {
	registry           *prometheus.Registry
	spoolBacklog       prometheus.Gauge
	replaysTotal       *prometheus.CounterVec
	tasksExecutedTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	spoolBacklog := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labpilot_agent",
			Subsystem: "spool",
			Name:      "backlog",
			Help:      "Number of result envelopes waiting for replay.",
		},
	)
	replaysTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labpilot_agent",
			Subsystem: "spool",
			Name:      "replays_total",
			Help:      "Spool replay attempts by outcome.",
		},
		[]string{"outcome"},
	)
	tasksExecutedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labpilot_agent",
			Subsystem: "task",
			Name:      "executions_total",
			Help:      "Tasks executed by payload type and outcome.",
		},
		[]string{"payload_type", "outcome"},
	)

	registry.MustRegister(spoolBacklog, replaysTotal, tasksExecutedTotal)

	return &Metrics{
		registry:           registry,
		spoolBacklog:       spoolBacklog,
		replaysTotal:       replaysTotal,
		tasksExecutedTotal: tasksExecutedTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetSpoolBacklog(n int) {
	if m == nil || n < 0 {
		return
	}
	m.spoolBacklog.Set(float64(n))
}

func (m *Metrics) IncReplay(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.replaysTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTaskExecuted(payloadType models.PayloadType, failed bool) {
	if m == nil {
		return
	}
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	m.tasksExecutedTotal.WithLabelValues(string(payloadType), outcome).Inc()
}
