// Package metrics provides Prometheus metrics for the sfgrid resource server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfgrid_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Dispatcher metrics
	dispatchOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_dispatch_operations_total",
			Help: "Structured-file operations handled by the dispatcher",
		},
		[]string{"op", "route", "result"},
	)

	dispatchOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfgrid_dispatch_operation_duration_seconds",
			Help:    "Structured-file operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "route"},
	)

	entriesReturnedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_dirents_returned_total",
			Help: "Directory entries returned to callers",
		},
		[]string{"route"},
	)

	sessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfgrid_sessions_open",
			Help: "Open structured-file sessions",
		},
		[]string{"route"},
	)

	sessionsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfgrid_sessions_expired_total",
			Help: "Sessions closed after the idle timeout",
		},
	)

	// Remote peer metrics
	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_remote_calls_total",
			Help: "RPC calls forwarded to peer resource servers",
		},
		[]string{"op", "status"},
	)

	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfgrid_remote_call_duration_seconds",
			Help:    "Peer RPC round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	releaseFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sfgrid_remote_release_failures_total",
			Help: "Best-effort remote session releases that failed",
		},
	)

	peerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sfgrid_peer_connections",
			Help: "Pooled peer connections",
		},
	)

	// Container metrics
	containerFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_container_faults_total",
			Help: "Container decode faults by container type",
		},
		[]string{"type"},
	)

	// Catalog metrics
	catalogReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_catalog_reloads_total",
			Help: "Resource catalog reloads",
		},
		[]string{"status"},
	)

	catalogResources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sfgrid_catalog_local_resources",
			Help: "Resources served by this host",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfgrid_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfgrid_auth_attempts_total",
			Help: "Total RPC authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one dispatcher operation. result is the error
// kind name, or "ok".
func RecordDispatch(op, route, result string, duration time.Duration) {
	dispatchOpsTotal.WithLabelValues(op, route, result).Inc()
	dispatchOpDuration.WithLabelValues(op, route).Observe(duration.Seconds())
}

// RecordEntries adds n returned directory entries.
func RecordEntries(route string, n int) {
	if n > 0 {
		entriesReturnedTotal.WithLabelValues(route).Add(float64(n))
	}
}

// SessionOpened increments the open session gauge.
func SessionOpened(route string) {
	sessionsOpen.WithLabelValues(route).Inc()
}

// SessionClosed decrements the open session gauge.
func SessionClosed(route string) {
	sessionsOpen.WithLabelValues(route).Dec()
}

// RecordSessionExpired records an idle-timeout close.
func RecordSessionExpired() {
	sessionsExpiredTotal.Inc()
}

// RecordRemoteCall records a peer RPC.
func RecordRemoteCall(op string, duration time.Duration, success bool) {
	remoteCallsTotal.WithLabelValues(op, status(success)).Inc()
	remoteCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReleaseFailure records a remote release that could not complete.
func RecordReleaseFailure() {
	releaseFailuresTotal.Inc()
}

// SetPeerConnections sets the number of pooled peer connections.
func SetPeerConnections(n int) {
	peerConnections.Set(float64(n))
}

// RecordContainerFault records a decode fault for a container type.
func RecordContainerFault(containerType string) {
	containerFaultsTotal.WithLabelValues(containerType).Inc()
}

// RecordCatalogReload records a catalog reload and the resulting local resource count.
func RecordCatalogReload(localResources int, success bool) {
	catalogReloadsTotal.WithLabelValues(status(success)).Inc()
	if success {
		catalogResources.Set(float64(localResources))
	}
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
