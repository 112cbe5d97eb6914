// Package metrics provides Prometheus metrics for role-sync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconciliationsTotal counts reconciliation attempts by outcome.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolesync",
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliation attempts",
		},
		[]string{"outcome"},
	)

	// ReconciliationDuration measures reconciliation duration.
	ReconciliationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rolesync",
			Name:      "reconciliation_duration_seconds",
			Help:      "Duration of reconciliation attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// RoleChangesTotal counts role transitions.
	RoleChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolesync",
			Name:      "role_changes_total",
			Help:      "Total number of role changes",
		},
		[]string{"from", "to"},
	)

	// TokenRefreshTotal counts token refresh attempts.
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolesync",
			Name:      "token_refresh_total",
			Help:      "Total number of external token refresh attempts",
		},
		[]string{"status"},
	)

	// InFlightChecks tracks occupied limiter slots.
	InFlightChecks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rolesync",
			Name:      "inflight_checks",
			Help:      "Number of reconciliations currently talking to the identity provider",
		},
	)

	// SweepUsers observes how many users a sweep submitted.
	SweepUsers = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rolesync",
			Name:      "sweep_users",
			Help:      "Distribution of users submitted per sweep",
			Buckets:   []float64{0, 1, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	// DispatchTotal counts passive check submissions.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolesync",
			Name:      "dispatch_total",
			Help:      "Total number of passive check submissions",
		},
		[]string{"status"},
	)

	// EventsTotal counts change notifier deliveries.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolesync",
			Name:      "events_total",
			Help:      "Total number of role change event deliveries",
		},
		[]string{"status"},
	)

	// Subscribers tracks live event subscribers.
	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rolesync",
			Name:      "subscribers",
			Help:      "Number of live role change subscribers",
		},
		[]string{"class"},
	)

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolesync",
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordReconciliation records a reconciliation attempt.
func RecordReconciliation(outcome string, duration float64) {
	ReconciliationsTotal.WithLabelValues(outcome).Inc()
	ReconciliationDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordRoleChange records a role transition.
func RecordRoleChange(from, to string) {
	RoleChangesTotal.WithLabelValues(from, to).Inc()
}

// RecordTokenRefresh records a token refresh attempt.
func RecordTokenRefresh(status string) {
	TokenRefreshTotal.WithLabelValues(status).Inc()
}

// SetInFlight sets the number of occupied limiter slots.
func SetInFlight(n int) {
	InFlightChecks.Set(float64(n))
}

// RecordSweep records a sweep submission.
func RecordSweep(users int) {
	SweepUsers.Observe(float64(users))
}

// RecordDispatch records a passive check submission.
func RecordDispatch(status string) {
	DispatchTotal.WithLabelValues(status).Inc()
}

// RecordEvent records one event delivery.
func RecordEvent(status string) {
	EventsTotal.WithLabelValues(status).Inc()
}

// SetSubscribers sets the live subscriber count for a class.
func SetSubscribers(class string, n int) {
	Subscribers.WithLabelValues(class).Set(float64(n))
}

// RecordError records an error.
func RecordError(operation, errorType string) {
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}
