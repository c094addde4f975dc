// Package metrics exposes Prometheus collectors for the scrape pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scrapeserv"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	dispatchSeconds prometheus.Histogram
	executorActive  prometheus.Gauge
	executorWaiting prometheus.Gauge
	streamedBytes   prometheus.Counter
	streamAborts    *prometheus.CounterVec

	handler http.Handler
}

// New creates the collectors and registers them with reg. Tests pass
// prometheus.NewRegistry(); main passes the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Scrape requests by terminal outcome",
		}, []string{"outcome"}), // outcome: streamed, unauthorized, denied, invalid, not_acceptable, failed

		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "URLs refused by the admission check",
		}, []string{"reason"}),

		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Render dispatches by result",
		}, []string{"result"}), // result: success, timeout, executor, saturated, canceled

		dispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from submission to render outcome",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),

		executorActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_active",
			Help:      "Renders currently running",
		}),

		executorWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_waiting",
			Help:      "Renders waiting for a slot",
		}),

		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Bytes written in multipart responses",
		}),

		streamAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_aborts_total",
			Help:      "Multipart streams that did not complete",
		}, []string{"cause"}), // cause: client_gone, artifact
	}

	reg.MustRegister(
		m.requests,
		m.admissionDenied,
		m.dispatches,
		m.dispatchSeconds,
		m.executorActive,
		m.executorWaiting,
		m.streamedBytes,
		m.streamAborts,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	} else {
		m.handler = promhttp.Handler()
	}
	return m
}

// Handler serves the exposition format for the registry passed to New.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return m.handler
}

// RecordRequest counts a request by its terminal outcome.
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// RecordAdmissionDenied counts a refused URL.
func (m *Metrics) RecordAdmissionDenied(reason string) {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues(reason).Inc()
}

// RecordDispatch counts a dispatch result and observes its duration.
func (m *Metrics) RecordDispatch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
	m.dispatchSeconds.Observe(seconds)
}

// SetExecutorLoad publishes render slot usage.
func (m *Metrics) SetExecutorLoad(active, waiting int) {
	if m == nil {
		return
	}
	m.executorActive.Set(float64(active))
	m.executorWaiting.Set(float64(waiting))
}

// AddStreamedBytes adds to the streamed byte counter.
func (m *Metrics) AddStreamedBytes(n int) {
	if m == nil {
		return
	}
	m.streamedBytes.Add(float64(n))
}

// RecordStreamAbort counts a stream that stopped early.
func (m *Metrics) RecordStreamAbort(cause string) {
	if m == nil {
		return
	}
	m.streamAborts.WithLabelValues(cause).Inc()
}
