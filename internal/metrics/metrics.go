// Package metrics holds the Prometheus collectors for the control plane.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors.
type Metrics struct {
	registry    *prometheus.Registry
	Operations  *prometheus.CounterVec
	Completions *prometheus.CounterVec
	Sweeps      *prometheus.CounterVec
	Workflows   *prometheus.CounterVec
	Requests    *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Name:      "operations_total",
			Help:      "Rental lifecycle operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Name:      "completion_checks_total",
			Help:      "Completion checks by result.",
		}, []string{"check", "result"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Name:      "sweep_actions_total",
			Help:      "Expiry sweep actions.",
		}, []string{"action"}),
		Workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rental",
			Name:      "workflow_steps_total",
			Help:      "Workflow steps by name and outcome.",
		}, []string{"step", "outcome"}),
		Requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rental",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.Operations,
		m.Completions,
		m.Sweeps,
		m.Workflows,
		m.Requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels an error.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveOperation counts a lifecycle operation. A nil receiver is a no-op.
func (m *Metrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveCompletion counts a completion check result.
func (m *Metrics) ObserveCompletion(check, result string) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(check, result).Inc()
}

// ObserveSweep counts a sweep action.
func (m *Metrics) ObserveSweep(action string) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(action).Inc()
}

// ObserveWorkflow counts a workflow step.
func (m *Metrics) ObserveWorkflow(step, outcome string) {
	if m == nil {
		return
	}
	m.Workflows.WithLabelValues(step, outcome).Inc()
}

// ObserveRequest records an HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
