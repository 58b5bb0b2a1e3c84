package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stationd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "event_transitions_total",
			Help:      "Number of scheduled event status transitions.",
		}, []string{"category", "status"},
	)
	runnerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "runner_invocations_total",
			Help:      "Schedule runner invocations by outcome (ok, busy, error).",
		}, []string{"outcome"},
	)
	passesPredicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "passes_predicted_total",
			Help:      "Number of refined passes inserted by the planner.",
		}, []string{"satellite"},
	)
	trackerCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "commands_total",
			Help:      "Positioner commands by kind and result.",
		}, []string{"command", "result"},
	)
	trackerCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "command_duration_seconds",
			Help:      "Round trip time of positioner commands.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3},
		}, []string{"command"},
	)
	trackerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "connected",
			Help:      "1 while the positioner link is open.",
		},
	)
	trackerPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "position_degrees",
			Help:      "Last polled positioner angles.",
		}, []string{"axis"},
	)
	captureActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "active",
			Help:      "1 while a baseband capture is running.",
		},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of external capture and decoder steps.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"step", "result"},
	)
	tleUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tle",
			Name:      "updates_total",
			Help:      "TLE refresh attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		eventTransitions, runnerInvocations, passesPredicted,
		trackerCommands, trackerCommandDuration, trackerConnected, trackerPosition,
		captureActive, stepDuration, tleUpdates,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordTransition(category, status string) {
	if regOK.Load() {
		eventTransitions.WithLabelValues(category, status).Inc()
	}
}

func IncRunnerInvocation(outcome string) {
	if regOK.Load() {
		runnerInvocations.WithLabelValues(outcome).Inc()
	}
}

func AddPassesPredicted(satellite string, n int) {
	if regOK.Load() && n > 0 {
		passesPredicted.WithLabelValues(satellite).Add(float64(n))
	}
}

func ObserveCommand(command, result string, seconds float64) {
	if regOK.Load() {
		trackerCommands.WithLabelValues(command, result).Inc()
		trackerCommandDuration.WithLabelValues(command).Observe(seconds)
	}
}

func SetTrackerConnected(up bool) {
	if regOK.Load() {
		trackerConnected.Set(boolValue(up))
	}
}

func SetTrackerPosition(azimuth, elevation float64) {
	if regOK.Load() {
		trackerPosition.WithLabelValues("azimuth").Set(azimuth)
		trackerPosition.WithLabelValues("elevation").Set(elevation)
	}
}

func SetCaptureActive(active bool) {
	if regOK.Load() {
		captureActive.Set(boolValue(active))
	}
}

func ObserveStep(step, result string, seconds float64) {
	if regOK.Load() {
		stepDuration.WithLabelValues(step, result).Observe(seconds)
	}
}

func IncTLEUpdate(result string) {
	if regOK.Load() {
		tleUpdates.WithLabelValues(result).Inc()
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
