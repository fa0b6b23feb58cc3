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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_notifications_created_total",
			Help: "Notification rows created by module and priority",
		},
		[]string{"module", "priority"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_outcomes_total",
			Help: "Channel dispatch attempts by channel and terminal outcome",
		},
		[]string{"channel", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_dispatch_latency_seconds",
			Help:    "Provider call latency per channel",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retries_scheduled_total",
			Help: "Delivery retries scheduled by channel and trigger",
		},
		[]string{"channel", "trigger"},
	)

	channelsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_channels_suppressed_total",
			Help: "Channels dropped during policy evaluation by reason",
		},
		[]string{"channel", "reason"},
	)

	fanoutEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_fanout_events_total",
			Help: "Real-time events published by type",
		},
		[]string{"type"},
	)

	fanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_fanout_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full",
		},
	)

	fanoutSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_fanout_subscribers",
			Help: "Currently connected real-time subscribers",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_api_rate_limit_rejections_total",
			Help: "API requests rejected by the per-organization rate limiter",
		},
		[]string{"organization_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationCreated records a persisted notification row.
func RecordNotificationCreated(module, priority string) {
	notificationsCreated.WithLabelValues(module, priority).Inc()
}

// RecordDispatchOutcome records the terminal outcome of one dispatch attempt.
func RecordDispatchOutcome(channel, outcome string) {
	dispatchOutcomes.WithLabelValues(channel, outcome).Inc()
}

// RecordDispatchLatency records a provider call's latency.
func RecordDispatchLatency(channel string, latency time.Duration) {
	dispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRetryScheduled records a scheduled retry; trigger is "auto" or "manual".
func RecordRetryScheduled(channel, trigger string) {
	retriesScheduled.WithLabelValues(channel, trigger).Inc()
}

// RecordChannelSuppressed records a channel dropped by policy evaluation;
// reason is "quiet_hours", "rate_limited", "preference" or "rule".
func RecordChannelSuppressed(channel, reason string) {
	channelsSuppressed.WithLabelValues(channel, reason).Inc()
}

// RecordFanoutEvent records a published real-time event.
func RecordFanoutEvent(eventType string) {
	fanoutEvents.WithLabelValues(eventType).Inc()
}

// RecordFanoutDrop records an event dropped on a slow subscriber.
func RecordFanoutDrop() {
	fanoutDropped.Inc()
}

// SetFanoutSubscribers sets the live subscriber count.
func SetFanoutSubscribers(count int) {
	fanoutSubscribers.Set(float64(count))
}

// RecordRateLimitRejection records an API rate limit rejection.
func RecordRateLimitRejection(orgID string) {
	rateLimitRejections.WithLabelValues(orgID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
