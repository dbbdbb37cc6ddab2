package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "camstream",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Number of sessions that reached the active state.",
		},
	)
	sessionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camstream",
			Subsystem: "session",
			Name:      "stops_total",
			Help:      "Number of session teardowns by reason.",
		}, []string{"reason"},
	)
	sessionCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "camstream",
			Subsystem: "session",
			Name:      "transcoder_crashes_total",
			Help:      "Number of unexpected transcoder exits.",
		},
	)
	sessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "camstream",
			Subsystem: "session",
			Name:      "active",
			Help:      "Whether a streaming session is currently active (0 or 1).",
		},
	)
	connectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camstream",
			Subsystem: "connect",
			Name:      "failures_total",
			Help:      "Number of failed connect attempts by error type.",
		}, []string{"type"},
	)
	connectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "camstream",
			Subsystem: "connect",
			Name:      "duration_seconds",
			Help:      "Wall-clock time from connect request to first HLS output.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	segmentRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camstream",
			Subsystem: "hls",
			Name:      "requests_total",
			Help:      "Number of manifest and segment requests served.",
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionStarts, sessionStops, sessionCrashes, sessionActive,
		connectFailures, connectDuration, segmentRequests,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncSessionStart() {
	if regOK.Load() {
		sessionStarts.Inc()
		sessionActive.Set(1)
	}
}

func IncSessionStop(reason string) {
	if regOK.Load() {
		sessionStops.WithLabelValues(reason).Inc()
		sessionActive.Set(0)
	}
}

func IncTranscoderCrash() {
	if regOK.Load() {
		sessionCrashes.Inc()
	}
}

func IncConnectFailure(errType string) {
	if regOK.Load() {
		connectFailures.WithLabelValues(errType).Inc()
	}
}

func ObserveConnectDuration(d time.Duration) {
	if regOK.Load() {
		connectDuration.Observe(d.Seconds())
	}
}

func IncSegmentRequest(kind string) {
	if regOK.Load() {
		segmentRequests.WithLabelValues(kind).Inc()
	}
}
