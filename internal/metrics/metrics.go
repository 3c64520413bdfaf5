package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parkwise"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status class.",
		},
		[]string{"endpoint", "code"},
	)

	reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Lot reconciliations by outcome (changed, unchanged, error).",
		},
		[]string{"outcome"},
	)

	reconcileRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_retries_total",
			Help:      "Background reconcile retries by result (scheduled, succeeded, dropped, exhausted).",
		},
		[]string{"result"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "space_transitions_total",
			Help:      "Committed space status transitions.",
		},
		[]string{"from", "to"},
	)

	casRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "space_cas_retries_total",
			Help:      "Versioned space writes retried after losing a race.",
		},
	)

	snapshotsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_delivered_total",
			Help:      "Snapshots handed to observers by feed kind.",
		},
		[]string{"feed"},
	)

	snapshotsCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_coalesced_total",
			Help:      "Pending snapshots replaced before a slow observer took them.",
		},
		[]string{"feed"},
	)

	observers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Active observers by feed kind.",
		},
		[]string{"feed"},
	)

	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Cross-instance change messages by direction and result.",
		},
		[]string{"direction", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			reconciles,
			reconcileRetries,
			transitions,
			casRetries,
			snapshotsDelivered,
			snapshotsCoalesced,
			observers,
			relayMessages,
		)
	})
}

// IncHTTP increments the counter for an endpoint and response code class.
func IncHTTP(endpoint, code string) {
	httpRequests.WithLabelValues(endpoint, code).Inc()
}

func IncReconcile(outcome string) {
	reconciles.WithLabelValues(outcome).Inc()
}

func IncReconcileRetry(result string) {
	reconcileRetries.WithLabelValues(result).Inc()
}

func IncTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

func IncCASRetry() {
	casRetries.Inc()
}

func IncDelivered(feed string) {
	snapshotsDelivered.WithLabelValues(feed).Inc()
}

func IncCoalesced(feed string) {
	snapshotsCoalesced.WithLabelValues(feed).Inc()
}

func AddObservers(feed string, delta float64) {
	observers.WithLabelValues(feed).Add(delta)
}

func IncRelay(direction, result string) {
	relayMessages.WithLabelValues(direction, result).Inc()
}
