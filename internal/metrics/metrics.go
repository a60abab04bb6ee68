// Package metrics provides Prometheus metrics for the revision core.
//
// Every recording method is safe on a nil *Metrics, so components built
// without metrics need no special casing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scorecore"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Commit path
	CommitsTotal         *prometheus.CounterVec
	SequenceRetriesTotal prometheus.Counter
	CompensationsTotal   prometheus.Counter
	ApprovalsTotal       *prometheus.CounterVec

	// Pipeline
	StagesTotal       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	JobsTotal         *prometheus.CounterVec
	ConverterTimeouts *prometheus.CounterVec
	WorkersBusy       prometheus.Gauge

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ServerStartTime time.Time
}

// New creates the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{registry: reg, ServerStartTime: time.Now()}

	m.CommitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Upload outcomes: committed, pending_approval or failed.",
	}, []string{"outcome"})

	m.SequenceRetriesTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_retries_total",
		Help:      "Sequence allocations retried after a concurrent writer won.",
	})

	m.CompensationsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_compensations_total",
		Help:      "Engine branch resets after persistence failed.",
	})

	m.ApprovalsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_total",
		Help:      "Approval records created and decided.",
	}, []string{"decision"})

	m.StagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_stages_total",
		Help:      "Pipeline stage outcomes.",
	}, []string{"stage", "outcome"})

	m.StageDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Duration of pipeline stages in seconds.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	m.JobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_jobs_total",
		Help:      "Pipeline job outcomes: succeeded, retried or failed.",
	}, []string{"outcome"})

	m.ConverterTimeouts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "converter_timeouts_total",
		Help:      "Converter subprocesses killed on timeout.",
	}, []string{"stage"})

	m.WorkersBusy = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipeline_workers_busy",
		Help:      "Pipeline workers currently processing a job.",
	})

	m.HTTPRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route pattern and status.",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Commit records an upload outcome.
func (m *Metrics) Commit(outcome string) {
	if m != nil {
		m.CommitsTotal.WithLabelValues(outcome).Inc()
	}
}

// SequenceRetry records a lost sequence allocation race.
func (m *Metrics) SequenceRetry() {
	if m != nil {
		m.SequenceRetriesTotal.Inc()
	}
}

// Compensation records an engine branch reset.
func (m *Metrics) Compensation() {
	if m != nil {
		m.CompensationsTotal.Inc()
	}
}

// Approval records an approval transition.
func (m *Metrics) Approval(decision string) {
	if m != nil {
		m.ApprovalsTotal.WithLabelValues(decision).Inc()
	}
}

// Stage records one pipeline stage outcome and its duration.
func (m *Metrics) Stage(stage, outcome string, d time.Duration) {
	if m != nil {
		m.StagesTotal.WithLabelValues(stage, outcome).Inc()
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ConverterTimeout records a killed converter.
func (m *Metrics) ConverterTimeout(stage string) {
	if m != nil {
		m.ConverterTimeouts.WithLabelValues(stage).Inc()
	}
}

// Job records a pipeline job outcome.
func (m *Metrics) Job(outcome string) {
	if m != nil {
		m.JobsTotal.WithLabelValues(outcome).Inc()
	}
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (m *Metrics) WorkerBusy(delta float64) {
	if m != nil {
		m.WorkersBusy.Add(delta)
	}
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}
