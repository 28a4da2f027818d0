// Package metrics holds the Prometheus collectors of the reassembly backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FragmentsReceived counts fragments by kind (alert, audio, image_meta, image_chunk, device_status)
	FragmentsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_fragments_total",
			Help: "Total number of fragments received",
		},
		[]string{"kind", "source"},
	)

	// FragmentsDropped counts fragments discarded before touching session state
	FragmentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_fragments_dropped_total",
			Help: "Total number of fragments dropped",
		},
		[]string{"kind", "reason"}, // malformed, unknown_session, out_of_range, late, queue_full
	)

	Finalizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_finalizations_total",
			Help: "Total number of finalized sessions by outcome",
		},
		[]string{"media", "outcome"}, // done, parked, abandoned, size_mismatch, persist_failed
	)

	FinalizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reassembly_finalize_duration_seconds",
			Help:    "Time from completion to durable write",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"media"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reassembly_active_sessions",
			Help: "Sessions currently tracked",
		},
		[]string{"media"}, // audio, image, parked
	)

	PersistRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_persist_retries_total",
			Help: "Persistence attempts that failed and were retried",
		},
		[]string{"operation"},
	)

	// PersistFailures is the operator-visible signal for exhausted retries
	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_persist_failures_total",
			Help: "Persistence operations abandoned after exhausting retries",
		},
		[]string{"operation"},
	)

	Correlations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_correlations_total",
			Help: "Correlation attempts by result",
		},
		[]string{"result"}, // explicit, matched, ambiguous, adopted, none, error
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reassembly_events_total",
			Help: "Reassembly events delivered to sinks",
		},
		[]string{"sink", "status"},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reassembly_store_breaker_open",
			Help: "1 while the record store circuit breaker is open",
		},
	)
)
