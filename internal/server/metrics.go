package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	balRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bal_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	balRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bal_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	balExportedBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bal_exported_blocks_total",
		Help: "Total blocks streamed out by export format.",
	}, []string{"format"})
)

// PrometheusMiddleware returns a middleware recording per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		balRequestsTotal.WithLabelValues(method, path, status).Inc()
		balRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordExport(format string, blocks uint64) {
	balExportedBlocksTotal.WithLabelValues(format).Add(float64(blocks))
}
