package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Sidecar creation reason label values.
const (
	reasonAdded     = "added"
	reasonRecreated = "recreated"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "events_total",
			Help:      "Total number of pod watch events handled, by event type.",
		},
		[]string{"type"},
	)

	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "handle_duration_seconds",
			Help:      "Duration of handling a single watch event in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	sidecarsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "sidecars_created_total",
			Help:      "Total number of sidecar pods created (added=new workload, recreated=after deletion).",
		},
		[]string{"reason"},
	)

	sidecarsExisting = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "sidecars_existing_total",
			Help:      "Total number of added workload pods whose sidecar already existed.",
		},
	)

	watchErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "controller",
			Name:      "watch_errors_total",
			Help:      "Total number of error events received on the pod watch.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		eventsTotal,
		handleDuration,
		sidecarsCreated,
		sidecarsExisting,
		watchErrorsTotal,
	)
}
