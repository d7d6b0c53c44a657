package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of reconciliation cycles in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	openRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "open_requests",
		Help:      "Pending and paid requests loaded by the last cycle.",
	})

	lastCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time the last cycle finished.",
	})

	requestsChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "requests_checked_total",
		Help:      "Requests checked against a data provider.",
	}, []string{"currency", "network"})

	statusChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "changes_total",
		Help:      "Persisted request changes by resulting status.",
	}, []string{"currency", "network", "status"})

	providerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "provider_errors_total",
		Help:      "Data provider failures.",
	}, []string{"currency", "network"})

	persistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "persist_errors_total",
		Help:      "Failures writing a reconciled request.",
	})

	skippedGroups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptohook",
		Subsystem: "reconcile",
		Name:      "skipped_groups_total",
		Help:      "Currency groups skipped by reason.",
	}, []string{"currency", "network", "reason"})
)

func init() {
	prometheus.MustRegister(
		cycleDuration,
		openRequests,
		lastCycle,
		requestsChecked,
		statusChanges,
		providerErrors,
		persistErrors,
		skippedGroups,
	)
}
