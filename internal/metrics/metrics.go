package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbgw_events_total",
			Help: "Processed events by type and outcome",
		},
		[]string{"type", "outcome"}, // feedback|frontend_error|backend_error , created|attached|failed|rejected
	)

	RedactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbgw_redactions_total",
			Help: "Redactions applied to event payloads by profile",
		},
		[]string{"profile"},
	)

	CorrelationConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbgw_correlation_conflicts_total",
			Help: "Create-or-attach retries caused by concurrent writers",
		},
		[]string{"kind"}, // fingerprint|version|exhausted
	)

	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbgw_status_transitions_total",
			Help: "Requested issue status transitions by result",
		},
		[]string{"result"}, // applied|rejected
	)

	BaselineLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbgw_baseline_lookups_total",
			Help: "Previous-window baseline lookups against ClickHouse",
		},
		[]string{"result"}, // ok|error|skipped
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsTotal,
		RedactionsTotal,
		CorrelationConflicts,
		StatusTransitions,
		BaselineLookups,
	)
}
