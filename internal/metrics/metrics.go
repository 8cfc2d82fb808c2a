// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway-specific collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edge_gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	Attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "attest",
			Name:      "verifications_total",
			Help:      "Attestation verification outcomes.",
		},
		[]string{"result"},
	)

	CreditsDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "ledger",
			Name:      "credits_debited_total",
			Help:      "Credits debited for generations.",
		},
	)

	CreditsRefunded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edge_gateway",
			Subsystem: "ledger",
			Name:      "credits_refunded_total",
			Help:      "Credits refunded after upstream failures.",
		},
	)
)

func init() {
	Registry.MustRegister(httpRequests, httpDuration, Attestations, CreditsDebited, CreditsRefunded)
}

// Middleware records request counts and latencies per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in Prometheus exposition format.
func Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
