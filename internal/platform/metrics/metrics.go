package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the presenter.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	registry           *prometheus.Registry
	uploadsTotal       prometheus.Counter
	refillsTotal       prometheus.Counter
	deviceRetriesTotal prometheus.Counter
	persistErrorsTotal prometheus.Counter
	runsTotal          prometheus.Counter
	requestsTotal      *prometheus.CounterVec
	httpErrorsTotal    *prometheus.CounterVec
	framesPresented    prometheus.Gauge
	framesUploaded     prometheus.Gauge
	sinkPending        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the presenter.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmd_uploads_total",
			Help: "Total number of slot uploads, initial fills included",
		}),
		refillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmd_refills_total",
			Help: "Total number of slots refilled while presenting",
		}),
		deviceRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmd_device_retries_total",
			Help: "Device calls retried after a successful reconnect",
		}),
		persistErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmd_persistence_errors_total",
			Help: "Background write failures surfaced by the persistence sink",
		}),
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmd_runs_total",
			Help: "Presentation runs completed",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmd_http_requests_total",
			Help: "Monitor HTTP requests received, by route pattern",
		}, []string{"route"}),
		httpErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmd_http_errors_total",
			Help: "Monitor HTTP responses with error status (4xx or 5xx), by route pattern and code",
		}, []string{"route", "code"}),
		framesPresented: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmd_frames_presented",
			Help: "Frames the device is known to have fully presented in the current run",
		}),
		framesUploaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmd_frames_uploaded",
			Help: "Frames uploaded to the device in the current run",
		}),
		sinkPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmd_sink_pending",
			Help: "Batches submitted to the persistence sink but not yet written",
		}),
	}

	registry.MustRegister(
		m.uploadsTotal,
		m.refillsTotal,
		m.deviceRetriesTotal,
		m.persistErrorsTotal,
		m.runsTotal,
		m.requestsTotal,
		m.httpErrorsTotal,
		m.framesPresented,
		m.framesUploaded,
		m.sinkPending,
	)

	return m
}

// IncUploads increments the upload counter.
func (m *Metrics) IncUploads() {
	if m != nil {
		m.uploadsTotal.Inc()
	}
}

// IncRefills increments the refill counter.
func (m *Metrics) IncRefills() {
	if m != nil {
		m.refillsTotal.Inc()
	}
}

// IncDeviceRetries increments the device retry counter.
func (m *Metrics) IncDeviceRetries() {
	if m != nil {
		m.deviceRetriesTotal.Inc()
	}
}

// IncPersistenceErrors increments the persistence failure counter.
func (m *Metrics) IncPersistenceErrors() {
	if m != nil {
		m.persistErrorsTotal.Inc()
	}
}

// IncRuns increments the completed run counter.
func (m *Metrics) IncRuns() {
	if m != nil {
		m.runsTotal.Inc()
	}
}

// ObserveRequest counts one monitor request on route, and an error when
// status is 400 or above.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
	if status >= 400 {
		m.httpErrorsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

// SetFrames sets the uploaded and presented gauges.
func (m *Metrics) SetFrames(uploaded, presented int) {
	if m != nil {
		m.framesUploaded.Set(float64(uploaded))
		m.framesPresented.Set(float64(presented))
	}
}

// SetSinkPending sets the sink backlog gauge.
func (m *Metrics) SetSinkPending(n int) {
	if m != nil {
		m.sinkPending.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. sink backlog).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
