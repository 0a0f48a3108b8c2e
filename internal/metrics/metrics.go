// Package metrics registers the Prometheus collectors of the approvals service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approvals"

// Metrics groups the workflow counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry    *prometheus.Registry
	submitted   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	retries     *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

// New creates collectors on a private registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Approval requests created, by request type.",
		}, []string{"request_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Accepted state transitions.",
		}, []string{"request_type", "from", "to"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Compare-and-swap conflicts surfaced to callers.",
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Single re-read-and-retry attempts after a conflict.",
		}, []string{"operation"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Decisions refused by the transition validator.",
		}, []string{"operation"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted,
		m.transitions,
		m.conflicts,
		m.retries,
		m.rejections,
	)
	return m
}

func (m *Metrics) Submitted(requestType string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(requestType).Inc()
}

func (m *Metrics) Transition(requestType, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(requestType, from, to).Inc()
}

func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) ValidationFailure(op string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(op).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
