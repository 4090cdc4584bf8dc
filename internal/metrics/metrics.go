package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server launches.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops by outcome (graceful or forced).",
		}, []string{"name", "mode"},
	)
	serverExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "unexpected_exits_total",
			Help:      "Number of times the server exited without a stop request.",
		}, []string{"name"},
	)
	serverStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to running, including the update step.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"name"},
	)
	updateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "update_failures_total",
			Help:      "Number of pre-launch update failures.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between server states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of the server (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	serverCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of the server process.",
		}, []string{"name"},
	)
	serverMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rtmsm",
			Subsystem: "server",
			Name:      "memory_bytes",
			Help:      "Last sampled resident memory of the server process.",
		}, []string{"name"},
	)

	watchdogArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rtmsm",
			Subsystem: "watchdog",
			Name:      "armed",
			Help:      "1 while the restart watchdog loop is running.",
		},
	)
	watchdogNextRestart = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rtmsm",
			Subsystem: "watchdog",
			Name:      "next_restart_timestamp_seconds",
			Help:      "Unix time of the next scheduled restart, 0 when disabled.",
		},
	)
	watchdogWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "watchdog",
			Name:      "warnings_total",
			Help:      "Countdown warnings sent, by minutes left.",
		}, []string{"minutes"},
	)
	scheduledRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Number of restarts triggered by the schedule.",
		},
	)

	historyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtmsm",
			Subsystem: "history",
			Name:      "send_errors_total",
			Help:      "Number of failed or rejected history sends per sink.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverExits, serverStartDuration, updateFailures,
		stateTransitions, currentStates, serverCPU, serverMemory,
		watchdogArmed, watchdogNextRestart, watchdogWarnings, scheduledRestarts,
		historyErrors,
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		mode := "graceful"
		if forced {
			mode = "forced"
		}
		serverStops.WithLabelValues(name, mode).Inc()
	}
}

func IncUnexpectedExit(name string) {
	if regOK.Load() {
		serverExits.WithLabelValues(name).Inc()
	}
}

func ObserveStartDuration(name string, d time.Duration) {
	if regOK.Load() {
		serverStartDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

func IncUpdateFailure(name string) {
	if regOK.Load() {
		updateFailures.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetResourceUsage(name string, cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		serverCPU.WithLabelValues(name).Set(cpuPercent)
		serverMemory.WithLabelValues(name).Set(float64(rssBytes))
	}
}

func SetWatchdogArmed(armed bool) {
	if regOK.Load() {
		if armed {
			watchdogArmed.Set(1)
		} else {
			watchdogArmed.Set(0)
		}
	}
}

// SetNextRestart records the next restart instant; the zero time clears it.
func SetNextRestart(t time.Time) {
	if regOK.Load() {
		if t.IsZero() {
			watchdogNextRestart.Set(0)
			return
		}
		watchdogNextRestart.Set(float64(t.Unix()))
	}
}

func IncWarning(minutes int) {
	if regOK.Load() {
		watchdogWarnings.WithLabelValues(strconv.Itoa(minutes)).Inc()
	}
}

func IncScheduledRestart() {
	if regOK.Load() {
		scheduledRestarts.Inc()
	}
}

func IncHistoryError(sink string) {
	if regOK.Load() {
		historyErrors.WithLabelValues(sink).Inc()
	}
}
