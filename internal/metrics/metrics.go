// Package metrics defines the Prometheus instruments of matrixvault.
//
// Instruments are registered on a caller-supplied registry rather than the
// global default so tests can build isolated sets.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matrixvault"

// Metrics holds every instrument.
type Metrics struct {
	registry *prometheus.Registry

	// AccessEvents counts access-log entries.
	// Labels: action, success
	AccessEvents *prometheus.CounterVec

	// UnlockAttempts counts gate unlock attempts.
	// Labels: result (granted, denied, throttled)
	UnlockAttempts *prometheus.CounterVec

	// KDFDuration measures single PBKDF2 derivations.
	KDFDuration prometheus.Histogram

	// Operations measures matrix service calls.
	// Labels: op, status (ok, error)
	Operations *prometheus.HistogramVec

	// HistoryFallbacks counts undo/redo restores that fell back to a full
	// replace after a revision conflict.
	HistoryFallbacks prometheus.Counter

	// Sessions is the number of live gate sessions.
	Sessions prometheus.Gauge

	// HTTPRequests counts served requests.
	// Labels: method, status
	HTTPRequests *prometheus.CounterVec
}

// New creates the instruments and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AccessEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_events_total",
			Help:      "Access log entries by action and outcome",
		}, []string{"action", "success"}),
		UnlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "unlock_attempts_total",
			Help:      "Unlock attempts by result",
		}, []string{"result"}),
		KDFDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "kdf_duration_seconds",
			Help:      "PBKDF2 key derivation latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		Operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matrix",
			Name:      "operation_duration_seconds",
			Help:      "Matrix operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		HistoryFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "replace_fallbacks_total",
			Help:      "Undo/redo restores that fell back to a full replace",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "sessions",
			Help:      "Live gate sessions",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AccessEvents,
		m.UnlockAttempts,
		m.KDFDuration,
		m.Operations,
		m.HistoryFallbacks,
		m.Sessions,
		m.HTTPRequests,
	)
	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveKDF records one key derivation. It matches cellcrypt.Options.ObserveKDF.
func (m *Metrics) ObserveKDF(d time.Duration) {
	m.KDFDuration.Observe(d.Seconds())
}

// ObserveOperation records the latency of a matrix operation.
func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// CountAccess records one access-log entry.
func (m *Metrics) CountAccess(action string, success bool) {
	m.AccessEvents.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

// CountRequest records one served HTTP request.
func (m *Metrics) CountRequest(method string, status int) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// UnlockResult counts one unlock attempt.
func (m *Metrics) UnlockResult(result string) {
	m.UnlockAttempts.WithLabelValues(result).Inc()
}

// SessionCount publishes the number of live gate sessions.
func (m *Metrics) SessionCount(n int) {
	m.Sessions.Set(float64(n))
}

// CountFallback records an undo/redo that fell back to a full replace.
func (m *Metrics) CountFallback() {
	m.HistoryFallbacks.Inc()
}
