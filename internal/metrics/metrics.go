// Package metrics provides Prometheus metrics for asset synchronization.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_downloads_total",
			Help: "Total number of file downloads by outcome",
		},
		[]string{"status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetsync_download_bytes_total",
			Help: "Total bytes received from the CDN",
		},
	)

	downloadRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetsync_download_retries_total",
			Help: "Total number of download attempts that were retried",
		},
	)

	downloadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetsync_downloads_in_flight",
			Help: "Number of downloads currently streaming",
		},
	)

	// Validation metrics
	validationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_validations_total",
			Help: "Total number of file validations by mode and verdict",
		},
		[]string{"mode", "result"},
	)

	hashCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetsync_hash_cache_hits_total",
			Help: "Deep checks answered from the hash cache",
		},
	)

	// Operation metrics
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetsync_operation_duration_seconds",
			Help:    "Duration of install, repair and verify operations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"kind", "status"},
	)

	operationActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetsync_operation_active",
			Help: "1 while an operation is running",
		},
	)

	// HTTP command surface metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetsync_event_subscribers",
			Help: "Number of connected progress stream subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDownload records a finished file download.
func RecordDownload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
}

// AddDownloadedBytes counts bytes received from the CDN.
func AddDownloadedBytes(n int64) {
	downloadBytesTotal.Add(float64(n))
}

// RecordRetry records a retried download attempt.
func RecordRetry() {
	downloadRetriesTotal.Inc()
}

// DownloadStarted increments the in-flight gauge. Call the returned
// function when the request finishes.
func DownloadStarted() func() {
	downloadsInFlight.Inc()
	return downloadsInFlight.Dec
}

// RecordValidation records a validation verdict.
func RecordValidation(mode string, valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	validationsTotal.WithLabelValues(mode, result).Inc()
}

// RecordHashCacheHit records a deep check served from the cache.
func RecordHashCacheHit() {
	hashCacheHitsTotal.Inc()
}

// OperationStarted marks an operation as running.
func OperationStarted() {
	operationActive.Set(1)
}

// RecordOperation records a finished operation.
func RecordOperation(kind, status string, duration time.Duration) {
	operationActive.Set(0)
	operationDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// SetEventSubscribers sets the number of connected progress subscribers.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode)
	})
}
