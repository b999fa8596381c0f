package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts reconciled card scans by disposition.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scans_total",
		Help: "Card scans reconciled, by disposition.",
	}, []string{"disposition"})

	// DeviceEvents counts decoded device messages by kind.
	DeviceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_device_events_total",
		Help: "Decoded device messages, by kind.",
	}, []string{"kind"})

	// DecodeSkipped counts device lines that did not decode.
	DecodeSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_device_lines_skipped_total",
		Help: "Device lines dropped because they were empty, malformed or unrecognised.",
	})

	// LinkUp is 1 while a transport of the labelled kind is connected.
	LinkUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "attendance_device_link_up",
		Help: "Whether the device link of the given transport is connected.",
	}, []string{"transport"})

	// Reconnects counts scheduled network reconnection attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_device_reconnects_total",
		Help: "Network link reconnection attempts.",
	})

	// QueuePublishFailures counts attendance notifications that could not be queued.
	QueuePublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_queue_publish_failures_total",
		Help: "Attendance notifications that failed to enqueue.",
	})

	httpRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attendance_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// GinMiddleware records request latency per route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
