// Package metrics provides Prometheus collectors for driftsync replication
// and reconciliation.
//
// # Basic Usage
//
//	// Count a record written by the delta synchronizer
//	metrics.RecordsWritten.WithLabelValues(metrics.StrategyDelta).Inc()
//
//	// Time a reconciliation tick
//	timer := metrics.NewTimer()
//	outcome := runTick()
//	metrics.ObserveTick(outcome, timer.Stop())
//
// All collectors are registered with the default Prometheus registry on
// package initialisation and are served by promhttp.Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Strategy label values
const (
	StrategyBulk      = "bulk"
	StrategyPaginated = "paginated"
	StrategyDelta     = "delta"
)

// Tick outcome label values
const (
	OutcomeClean   = "clean"
	OutcomeApplied = "applied"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"

	// OutcomeCancelled marks a scan interrupted by shutdown
	OutcomeCancelled = "cancelled"
)

var (
	// RecordsWritten counts records successfully upserted into the target.
	// Labels: strategy (bulk, paginated, delta)
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_records_written_total",
			Help: "Total number of records written to the target store",
		},
		[]string{"strategy"},
	)

	// ReconcileTicks counts reconciliation ticks by outcome.
	// Labels: outcome (clean, applied, failed, dropped, cancelled)
	ReconcileTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_reconcile_ticks_total",
			Help: "Total number of reconciliation ticks by outcome",
		},
		[]string{"outcome"},
	)

	// ChangeSetSize tracks the number of stale keys found per tick.
	ChangeSetSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftsync_changeset_size",
			Help:    "Number of keys flagged as stale per reconciliation tick",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	// TickDuration tracks the wall time of a completed tick in seconds.
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftsync_tick_duration_seconds",
			Help:    "Duration of reconciliation ticks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// DeltaFailures counts keys that failed to apply during delta sync.
	DeltaFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftsync_delta_failures_total",
			Help: "Total number of keys that failed to apply during delta synchronization",
		},
	)

	// EventsPublished counts sync events handed to the event publisher.
	// Labels: status (success, failure)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftsync_events_published_total",
			Help: "Total number of sync events published",
		},
		[]string{"status"},
	)
)

// ObserveTick records a finished tick's outcome and duration.
func ObserveTick(outcome string, d time.Duration) {
	ReconcileTicks.WithLabelValues(outcome).Inc()
	TickDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
