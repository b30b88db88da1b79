package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"link", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mavctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"link", "method", "path", "status"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavctl",
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Valid MAVLink frames decoded.",
		},
		[]string{"link", "message"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavctl",
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "MAVLink frames written to a transport.",
		},
		[]string{"link", "message", "success"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavctl",
			Subsystem: "link",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped while decoding.",
		},
		[]string{"link", "reason"},
	)
	connectionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavctl",
			Subsystem: "link",
			Name:      "connections_opened_total",
			Help:      "Partners that became live connections.",
		},
		[]string{"link"},
	)
	connectionsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavctl",
			Subsystem: "link",
			Name:      "connections_lost_total",
			Help:      "Connections retired.",
		},
		[]string{"link", "reason"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mavctl",
			Subsystem: "link",
			Name:      "active_connections",
			Help:      "Currently live connections.",
		},
		[]string{"link"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesReceived,
			framesSent,
			decodeErrors,
			connectionsOpened,
			connectionsLost,
			activeConnections,
		)
	})
}

// RecordHTTPRequest counts one admin request. A negative duration counts the
// request without observing it, for long-lived websocket sessions.
func RecordHTTPRequest(link, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(link, method, path, statusLabel).Inc()
	if duration >= 0 {
		httpDuration.WithLabelValues(link, method, path, statusLabel).Observe(duration.Seconds())
	}
}

func RecordFrameReceived(link, message string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(link, message).Inc()
}

func RecordFrameSent(link, message string, success bool) {
	RegisterMetrics()
	framesSent.WithLabelValues(link, message, strconv.FormatBool(success)).Inc()
}

// RecordDecodeError counts a dropped frame. reason is one of checksum,
// signature, unknown_message or malformed.
func RecordDecodeError(link, reason string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(link, reason).Inc()
}

func RecordConnectionOpened(link string, active int) {
	RegisterMetrics()
	connectionsOpened.WithLabelValues(link).Inc()
	activeConnections.WithLabelValues(link).Set(float64(active))
}

func RecordConnectionLost(link, reason string, active int) {
	RegisterMetrics()
	connectionsLost.WithLabelValues(link, reason).Inc()
	activeConnections.WithLabelValues(link).Set(float64(active))
}
