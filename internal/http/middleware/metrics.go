// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for the pipeline API. All
// series live under the "agent_http" prefix so dashboards can separate edge
// traffic from the pipeline-internal counters the analytics sink registers.
// Labels are kept low-cardinality:
//
//   - method: HTTP verb
//   - path:   the registered Gin route (e.g. /api/v1/sessions/:id/messages);
//     raw URL path only when no route matched
//   - status: numeric status code as a string
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agent",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	// Latency buckets stretch to 30s: a POST /messages that falls through to
	// the completion provider can legitimately take seconds, and the default
	// buckets would lump the whole tail into +Inf.
	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agent",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	reqInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agent",
			Subsystem: "http",
			Name:      "requests_inflight",
			Help:      "HTTP requests currently being handled.",
		},
	)

	// Replies are small JSON documents; history pages are the largest
	// payloads this API serves, so buckets stop at 1MiB.
	respBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agent",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size in bytes.",
			Buckets:   []float64{256, 512, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(reqTotal, reqDuration, reqInflight, respBytes)
}

// Metrics returns a Gin middleware recording the request series above.
//
// The path label uses c.FullPath() so parameterized routes collapse into one
// series; unmatched requests (404s) fall back to the raw URL path. Response
// size is skipped when the writer reports -1 (nothing written, or hijacked).
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqInflight.Inc()
		defer reqInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		reqTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		reqDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			respBytes.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
