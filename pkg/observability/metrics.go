// Package observability exposes Prometheus metrics and health probes for
// personachat processes.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher outcomes per operation (send_text, send_audio, retry).
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_dispatch_total",
			Help: "Total number of dispatched sends and retries by outcome",
		},
		[]string{"op", "outcome"},
	)

	// Remote service calls
	remoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_remote_calls_total",
			Help: "Total number of remote conversation service calls",
		},
		[]string{"backend", "call", "status"},
	)

	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personachat_remote_duration_seconds",
			Help:    "Remote conversation service call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "call"},
	)

	// Persistence
	storeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_store_writes_total",
			Help: "Total number of document writes by outcome",
		},
		[]string{"outcome"},
	)

	sessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "personachat_sessions",
			Help: "Number of sessions held by the registry",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			dispatchTotal,
			remoteCallsTotal,
			remoteDuration,
			storeWritesTotal,
			sessionsGauge,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDispatch records the outcome of a dispatcher operation.
func RecordDispatch(op, outcome string) {
	dispatchTotal.WithLabelValues(op, outcome).Inc()
}

// RecordRemoteCall records a remote service call.
func RecordRemoteCall(backend, call string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	remoteCallsTotal.WithLabelValues(backend, call, status).Inc()
	remoteDuration.WithLabelValues(backend, call).Observe(duration.Seconds())
}

// RecordStoreWrite records the outcome of a queued document write.
func RecordStoreWrite(outcome string) {
	storeWritesTotal.WithLabelValues(outcome).Inc()
}

// SetSessions sets the session gauge.
func SetSessions(count int) {
	sessionsGauge.Set(float64(count))
	sessionCount.Store(int64(count))
}
