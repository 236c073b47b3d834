// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics is registered on its own registry so tests can build as many as
// they like.
type Metrics struct {
	registry        *prometheus.Registry
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	dispatchTotal   *prometheus.CounterVec
	runResults      *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiara",
			Subsystem: "engine",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiara",
			Subsystem: "engine",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiara",
			Subsystem: "engine",
			Name:      "dispatch_total",
			Help:      "Dispatch decisions by task and outcome",
		}, []string{"task", "outcome"}),
		runResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiara",
			Subsystem: "engine",
			Name:      "run_results_total",
			Help:      "Terminal run status by task",
		}, []string{"task", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiara",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall time of accepted runs",
			Buckets:   histogramBuckets,
		}, []string{"task"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tiara",
			Subsystem: "engine",
			Name:      "runs_in_flight",
			Help:      "Runs currently executing",
		}),
	}
	m.registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.dispatchTotal,
		m.runResults,
		m.runDuration,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) Dispatched(task, outcome string) {
	m.dispatchTotal.With(prometheus.Labels{"task": task, "outcome": outcome}).Inc()
}

func (m *Metrics) RunStarted(string) {
	m.inFlight.Inc()
}

func (m *Metrics) RunFinished(task, status string, duration time.Duration) {
	m.inFlight.Dec()
	m.runResults.With(prometheus.Labels{"task": task, "status": status}).Inc()
	m.runDuration.With(prometheus.Labels{"task": task}).Observe(duration.Seconds())
}
