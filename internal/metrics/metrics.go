package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once         sync.Once
	restartCycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "restart",
			Name:      "cycles_total",
			Help:      "Restart cycles by outcome (started, aborted, skipped).",
		},
		[]string{"outcome"},
	)
	relaunchAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "restart",
			Name:      "relaunch_attempts_total",
			Help:      "Number of attempts to launch the entry point.",
		},
	)
	relaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "restart",
			Name:      "relaunch_failures_total",
			Help:      "Number of launch attempts that returned an error or panicked.",
		},
	)
	relaunchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "devloop",
			Subsystem: "restart",
			Name:      "relaunch_duration_seconds",
			Help:      "Time spent in one launch attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	overrideEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devloop",
			Subsystem: "restart",
			Name:      "override_entries",
			Help:      "Number of paths held in the override table.",
		},
	)
	watcherScans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "watcher",
			Name:      "scans_total",
			Help:      "Settled scan cycles completed by file watchers.",
		},
	)
	changeBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "watcher",
			Name:      "change_batches_total",
			Help:      "Change sets published to listeners.",
		},
	)
	changedFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "watcher",
			Name:      "changed_files_total",
			Help:      "Changed files reported, by change type.",
		},
		[]string{"type"},
	)
	componentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devloop",
			Subsystem: "component",
			Name:      "state",
			Help:      "Application component state gauge (1 for current state).",
		},
		[]string{"name", "state"},
	)
	shutdownResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devloop",
			Subsystem: "server",
			Name:      "graceful_shutdown_total",
			Help:      "Graceful shutdown outcomes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(restartCycle, relaunchAttempts, relaunchFailures, relaunchSeconds,
			overrideEntries, watcherScans, changeBatches, changedFiles, componentState, shutdownResults)
	})
}

func IncRestartCycle(outcome string) { restartCycle.WithLabelValues(outcome).Inc() }

// ObserveRelaunch records one launch attempt and how long it took.
func ObserveRelaunch(seconds float64, failed bool) {
	relaunchAttempts.Inc()
	relaunchSeconds.Observe(seconds)
	if failed {
		relaunchFailures.Inc()
	}
}

func SetOverrideEntries(n int) { overrideEntries.Set(float64(n)) }

func IncWatcherScans()  { watcherScans.Inc() }
func IncChangeBatches() { changeBatches.Inc() }

func AddChangedFiles(changeType string, n int) {
	changedFiles.WithLabelValues(changeType).Add(float64(n))
}

// ObserveComponentState moves the component's gauge from prev to state.
func ObserveComponentState(name, prev, state string) {
	if prev != "" && prev != state {
		componentState.DeleteLabelValues(name, prev)
	}
	componentState.WithLabelValues(name, state).Set(1)
}

func IncShutdownResult(result string) { shutdownResults.WithLabelValues(result).Inc() }
