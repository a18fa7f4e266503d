package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labpilot/labpilot/internal/models"
)

// Metrics collects Prometheus counters and histograms for labpilotd.
type Metrics struct {
	registry             *prometheus.Registry
	taskTransitionsTotal *prometheus.CounterVec
	taskDurationSeconds  *prometheus.HistogramVec
	policyDecisionsTotal *prometheus.CounterVec
	resultsTotal         *prometheus.CounterVec
	leaseReclaimsTotal   prometheus.Counter
	auditEntriesTotal    prometheus.Counter
	auditPrunedTotal     prometheus.Counter
	queueDepth           prometheus.Gauge
	workersByStatus      *prometheus.GaugeVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	taskTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labpilot",
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Total number of task state transitions.",
		},
		[]string{"from", "to"},
	)
	taskDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labpilot",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task runtime from creation to terminal status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)
	policyDecisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labpilot",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Total authorization decisions by outcome.",
		},
		[]string{"decision"},
	)
	resultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labpilot",
			Subsystem: "result",
			Name:      "submissions_total",
			Help:      "Total result submissions by reconciliation outcome.",
		},
		[]string{"outcome"},
	)
	leaseReclaimsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labpilot",
			Subsystem: "task",
			Name:      "lease_reclaims_total",
			Help:      "Total expired leases reclaimed back to the queue.",
		},
	)
	auditEntriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labpilot",
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Total audit chain entries appended.",
		},
	)
	auditPrunedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labpilot",
			Subsystem: "audit",
			Name:      "pruned_total",
			Help:      "Total audit entries pruned from hot storage after export.",
		},
	)

	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "labpilot",
			Subsystem: "task",
			Name:      "queue_depth",
			Help:      "Number of tasks currently queued.",
		},
	)
	workersByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "labpilot",
			Subsystem: "worker",
			Name:      "registered",
			Help:      "Registered workers by heartbeat-derived status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		taskTransitionsTotal,
		taskDurationSeconds,
		policyDecisionsTotal,
		resultsTotal,
		leaseReclaimsTotal,
		auditEntriesTotal,
		auditPrunedTotal,
		queueDepth,
		workersByStatus,
	)

	return &Metrics{
		registry:             registry,
		taskTransitionsTotal: taskTransitionsTotal,
		taskDurationSeconds:  taskDurationSeconds,
		policyDecisionsTotal: policyDecisionsTotal,
		resultsTotal:         resultsTotal,
		leaseReclaimsTotal:   leaseReclaimsTotal,
		auditEntriesTotal:    auditEntriesTotal,
		auditPrunedTotal:     auditPrunedTotal,
		queueDepth:           queueDepth,
		workersByStatus:      workersByStatus,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncTaskTransition(from, to models.TaskStatus) {
	if m == nil {
		return
	}
	m.taskTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveTaskDuration(status models.TaskStatus, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.taskDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

func (m *Metrics) IncPolicyDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.policyDecisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncResult(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.resultsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncLeaseReclaims(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.leaseReclaimsTotal.Add(float64(n))
}

func (m *Metrics) IncAuditEntries() {
	if m == nil {
		return
	}
	m.auditEntriesTotal.Inc()
}

func (m *Metrics) AddAuditPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.auditPrunedTotal.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil || n < 0 {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetWorkerCounts(online, offline int) {
	if m == nil {
		return
	}
	m.workersByStatus.WithLabelValues(string(models.WorkerOnline)).Set(float64(online))
	m.workersByStatus.WithLabelValues(string(models.WorkerOffline)).Set(float64(offline))
}
