package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "traceledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	eventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_events_appended_total",
		Help: "Total trace events appended by event type.",
	}, []string{"event_type"})

	anchorOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_anchor_outcomes_total",
		Help: "Total anchoring outcomes by final status.",
	}, []string{"status"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_verifications_total",
		Help: "Total batch chain verifications by result.",
	}, []string{"result"})

	archivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_archives_total",
		Help: "Total batch archive requests by result.",
	}, []string{"result"})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_webhook_deliveries_total",
		Help: "Total alert webhook delivery attempts by result.",
	}, []string{"status"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_rate_limited_total",
		Help: "Total requests rejected by the rate limiter by request class.",
	}, []string{"class"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traceledger_health_checks_total",
		Help: "Total dependency health probes by component and result.",
	}, []string{"component", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		// Route templates keep batch ids out of label values.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordEventAppend records a successful append.
func RecordEventAppend(t tracechain.EventType) {
	eventsAppendedTotal.WithLabelValues(string(t)).Inc()
}

// RecordAnchorOutcome records the final status of an anchoring attempt.
func RecordAnchorOutcome(status tracechain.AnchorStatus) {
	anchorOutcomesTotal.WithLabelValues(string(status)).Inc()
}

// RecordVerification records a chain verification result.
func RecordVerification(valid bool) {
	if valid {
		verificationsTotal.WithLabelValues("valid").Inc()
	} else {
		verificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordArchive records an archive request result.
func RecordArchive(result string) {
	archivesTotal.WithLabelValues(result).Inc()
}

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(component string, success bool) {
	if success {
		healthChecksTotal.WithLabelValues(component, "success").Inc()
	} else {
		healthChecksTotal.WithLabelValues(component, "failure").Inc()
	}
}

// RecordWebhookDelivery records an alert webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		webhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
