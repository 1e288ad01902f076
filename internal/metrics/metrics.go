// Package metrics exposes gate decisions and job executions to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/sqsd-gate/internal/gate"
	"github.com/mattjoyce/sqsd-gate/internal/joblog"
)

// Metrics holds the service's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Gate decisions for daemon traffic by outcome and reason
	Decisions *prometheus.CounterVec

	// Job and task executions by kind, name and terminal status
	Executions *prometheus.CounterVec

	// Execution latency by kind and name
	ExecutionDuration *prometheus.HistogramVec

	// 1 while the process is draining
	Draining prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered, plus the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqsd_gate_decisions_total",
			Help: "Daemon requests handled by the gate by outcome and reason",
		}, []string{"outcome", "reason"}),

		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sqsd_gate_job_executions_total",
			Help: "Job and periodic task executions by terminal status",
		}, []string{"kind", "name", "status"}),

		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sqsd_gate_job_duration_seconds",
			Help:    "Duration of job and periodic task executions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind", "name"}),

		Draining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sqsd_gate_draining",
			Help: "1 while the host process refuses new job messages",
		}),
	}
}

// ObserveDecision implements gate.Recorder.
func (m *Metrics) ObserveDecision(d gate.Decision) {
	if m != nil {
		m.Decisions.WithLabelValues(d.Outcome.String(), d.Reason).Inc()
	}
}

// ObserveJob implements jobs.Observer.
func (m *Metrics) ObserveJob(kind joblog.Kind, name string, status joblog.Status, elapsed time.Duration) {
	if m != nil {
		m.Executions.WithLabelValues(string(kind), name, string(status)).Inc()
		m.ExecutionDuration.WithLabelValues(string(kind), name).Observe(elapsed.Seconds())
	}
}

// SetDraining flips the draining gauge.
func (m *Metrics) SetDraining(draining bool) {
	if m == nil {
		return
	}
	if draining {
		m.Draining.Set(1)
	} else {
		m.Draining.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
