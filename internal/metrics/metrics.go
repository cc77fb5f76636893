// Package metrics registers the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts lifecycle transition attempts by action and
	// outcome (ok, conflict, guard_failed, error).
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flightdeck",
		Name:      "task_transitions_total",
		Help:      "Task lifecycle transition attempts by action and outcome.",
	}, []string{"action", "outcome"})

	// LeasesReleased counts leases reclaimed by the reconciler.
	LeasesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flightdeck",
		Name:      "leases_released_total",
		Help:      "Expired claim leases returned to the incoming queue.",
	})

	// OrchestratorsMarkedOffline counts heartbeat-stale orchestrators
	// flipped to offline.
	OrchestratorsMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flightdeck",
		Name:      "orchestrators_marked_offline_total",
		Help:      "Orchestrators marked offline for missing heartbeats.",
	})

	// HTTPRequests counts facade requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flightdeck",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})
)
