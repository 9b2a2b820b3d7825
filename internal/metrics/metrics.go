// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var once sync.Once

// byteBuckets covers bodies from small XML documents up to multi-part chunks.
var byteBuckets = prometheus.ExponentialBuckets(256, 4, 10)

var (
	// RequestsTotal counts HTTP requests by method, normalized path and status.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bleepstore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// RequestDuration is request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bleepstore_http_request_duration_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// RequestBytes is the request body size distribution.
	RequestBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bleepstore_http_request_size_bytes",
		Help:    "Request body size in bytes",
		Buckets: byteBuckets,
	}, []string{"method", "path"})

	// ResponseBytes is the response body size distribution.
	ResponseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bleepstore_http_response_size_bytes",
		Help:    "Response body size in bytes",
		Buckets: byteBuckets,
	}, []string{"method", "path"})

	// OperationsTotal counts S3 operations by name and outcome.
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bleepstore_s3_operations_total",
		Help: "S3 operations by type",
	}, []string{"operation", "status"})

	// ObjectCount tracks live objects across all buckets.
	ObjectCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bleepstore_objects_total",
		Help: "Total objects across all buckets",
	})

	// BucketCount tracks live buckets.
	BucketCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bleepstore_buckets_total",
		Help: "Total buckets",
	})

	// BytesIn counts request body bytes consumed.
	BytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bleepstore_bytes_received_total",
		Help: "Total bytes received (request bodies)",
	})

	// BytesOut counts response body bytes written.
	BytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bleepstore_bytes_sent_total",
		Help: "Total bytes sent (response bodies)",
	})
)

// Register installs all collectors into the default registry. Safe to call
// more than once; registration only happens on the first call so that main
// can gate it on configuration.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestDuration,
			RequestBytes,
			ResponseBytes,
			OperationsTotal,
			ObjectCount,
			BucketCount,
			BytesIn,
			BytesOut,
		)
		// Pre-create one series so the metric family shows up immediately.
		OperationsTotal.WithLabelValues("ListBuckets", "success")
	})
}

// NormalizePath collapses request paths into a fixed label set so bucket and
// key names never become metric labels.
func NormalizePath(path string) string {
	switch path {
	case "", "/":
		return "/"
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json":
		return path
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	rest := strings.TrimPrefix(path, "/")
	if rest == "" {
		return "/"
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 && rest[i+1:] != "" {
		return "/{bucket}/{key}"
	}
	return "/{bucket}"
}
