// Package observability defines the Prometheus collectors shared by both services.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	jobsSubmitted    prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	modelResolutions *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		}, []string{"method", "path", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_latency_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prediction_jobs_submitted_total",
			Help: "Batch prediction jobs accepted onto the queue",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prediction_jobs_finished_total",
			Help: "Batch prediction jobs that reached a terminal state",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_job_duration_seconds",
			Help:    "Time from claim to terminal state for batch prediction jobs",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		modelResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_resolutions_total",
			Help: "Model registry resolution attempts",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestLatency,
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobDuration,
		m.modelResolutions,
	)
	return m
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, path string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, path).Observe(latency.Seconds())
}

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

func (m *Metrics) JobFinished(state string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(state).Inc()
	m.jobDuration.Observe(took.Seconds())
}

// ObserveModelResolution implements model.ResolveObserver.
func (m *Metrics) ObserveModelResolution(err error, _ time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.modelResolutions.WithLabelValues(result).Inc()
}
