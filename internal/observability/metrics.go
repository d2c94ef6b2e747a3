// README: Prometheus metrics for the dispatch engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "transitions_total", Help: "Status transitions applied, by target status"},
		[]string{"target"},
	)
	TransitionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "transition_conflicts_total", Help: "Transitions rejected because another actor moved the state first"},
	)
	TransitionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{Namespace: "cargolink", Name: "transition_latency_seconds", Help: "Atomic transition unit latency", Buckets: prometheus.DefBuckets},
	)

	SweepCandidates = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "sweep_candidates_total", Help: "Stale proposals examined by the timeout detector"},
	)
	SweepResolved = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "sweep_resolved_total", Help: "Stale proposals driven to no-answer"},
	)
	SweepSkipped = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "sweep_skipped_total", Help: "Sweep candidates already resolved by another actor"},
	)
	SweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "sweep_failures_total", Help: "Sweep candidates that failed with an internal error"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "notifications_total", Help: "Notification attempts, by channel and outcome"},
		[]string{"channel", "outcome"},
	)

	MatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "matches_total", Help: "Proposals created by the proximity matcher"},
	)
	MatchCandidatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "match_candidates_total", Help: "Candidates surfaced by proximity searches"},
	)
	RoutePointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "cargolink", Name: "route_points_total", Help: "GPS breadcrumbs appended"},
	)
)
