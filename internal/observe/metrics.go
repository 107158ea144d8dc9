// Package observe holds the process-wide prometheus metrics.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revoice"

var (
	SignalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "requests_total",
		Help:      "Signaling requests by type and outcome.",
	}, []string{"type", "outcome"})

	SignalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "request_duration_seconds",
		Help:      "Round trip of signaling requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	SignalDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signal",
		Name:      "disconnects_total",
		Help:      "Signaling connection closures.",
	}, []string{"clean"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "connections",
		Help:      "Voice connections currently registered.",
	})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "state_transitions_total",
		Help:      "Voice connection state transitions by destination state.",
	}, []string{"state"})

	AutoLeaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "auto_leaves_total",
		Help:      "Rooms left because they stayed empty.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "frames_sent_total",
		Help:      "Frames handed to a send transport.",
	})

	FramesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "frames_buffered_total",
		Help:      "Frames held by the pacer while paused or draining.",
	})

	TranscoderSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "transcoder_spawns_total",
		Help:      "Transcoder processes started, by reason.",
	}, []string{"reason"})

	TranscoderExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "transcoder_exits_total",
		Help:      "Transcoder exits by classification.",
	}, []string{"kind"})
)

// ObserveOutcome maps an error to the outcome label used by request counters.
func ObserveOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
