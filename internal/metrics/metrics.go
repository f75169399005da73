// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesProcessed counts frames that completed inference.
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_frames_processed_total",
		Help: "Frames that went through detection and event evaluation.",
	})

	// FramesDropped counts frames rejected or replaced by the scheduler.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_frames_dropped_total",
		Help: "Frames dropped before inference, by reason.",
	}, []string{"reason"})

	// EventsEmitted counts behavioral events by name.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_events_emitted_total",
		Help: "Behavioral events emitted, by event name.",
	}, []string{"name"})

	// InferenceDuration observes the detector round trip.
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigil_inference_duration_seconds",
		Help:    "Detector round-trip latency.",
		Buckets: prometheus.DefBuckets,
	})

	// Insights counts insight attempts by outcome ("ok" or error code).
	Insights = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_insights_total",
		Help: "Insight requests, by outcome.",
	}, []string{"outcome"})

	// Connections tracks live client connections.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_connections",
		Help: "Open websocket connections.",
	})
)

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
