// Package observability holds the Prometheus metrics for the time bank.
// Every collector is registered on the default registry and exported from
// /metrics by the API server.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerAppends counts committed ledger entries.
var LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "appends_total",
	Help:      "Total ledger entries committed by type and source.",
}, []string{"type", "source"})

// LedgerDuplicates counts appends answered from an existing idempotency key.
var LedgerDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "duplicates_total",
	Help:      "Total appends that matched an existing idempotency key.",
}, []string{"source"})

// LedgerRejections counts appends that wrote nothing.
var LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "rejections_total",
	Help:      "Total appends rejected by reason.",
}, []string{"reason"})

// SecondsMoved tracks the absolute seconds moved through the ledger.
var SecondsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "seconds_total",
	Help:      "Absolute seconds moved through the ledger by entry type.",
}, []string{"type"})

// InvariantViolations counts banks frozen by the audit.
var InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "invariant_violations_total",
	Help:      "Total balance/ledger mismatches detected by the audit.",
})

// FrozenBanks is the number of banks frozen by the last full audit.
var FrozenBanks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "frozen_banks",
	Help:      "Banks frozen at the end of the last full audit.",
})

// ArchivedEntries counts entries moved to cold storage.
var ArchivedEntries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "ledger",
	Name:      "archived_entries_total",
	Help:      "Total ledger entries moved to cold storage.",
})

// ─── Session Metrics ────────────────────────────────────────────────────────

// SessionsStarted counts sessions opened.
var SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "session",
	Name:      "started_total",
	Help:      "Total unlocked sessions started.",
})

// SessionTransitions counts terminal transitions.
var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "session",
	Name:      "transitions_total",
	Help:      "Total session transitions by target status.",
}, []string{"status"})

// SessionsActive is the number of active sessions seen by the last sweep.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "timebank",
	Subsystem: "session",
	Name:      "active",
	Help:      "Active sessions after the last sweep.",
})

// ─── Reward Metrics ─────────────────────────────────────────────────────────

// RewardClaims counts claims by result (applied, duplicate, orphaned, repaired,
// mismatched).
var RewardClaims = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "reward",
	Name:      "claims_total",
	Help:      "Total reward claims by result.",
}, []string{"result"})

// ─── Reconciler Metrics ─────────────────────────────────────────────────────

// ReconcileOutcomes counts reconcile results by outcome.
var ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "reconciler",
	Name:      "outcomes_total",
	Help:      "Total reconciled pending transactions by outcome.",
}, []string{"outcome"})

// ─── Maintenance Metrics ────────────────────────────────────────────────────

// JobRuns counts maintenance job runs by status.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "maintenance",
	Name:      "job_runs_total",
	Help:      "Total maintenance job runs by job and status.",
}, []string{"job", "status"})

// JobDuration tracks maintenance job wall time.
var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "timebank",
	Subsystem: "maintenance",
	Name:      "job_duration_seconds",
	Help:      "Maintenance job duration in seconds.",
	Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 120},
}, []string{"job"})

// ObserveJob records one job run.
func ObserveJob(job string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	JobRuns.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

// ─── Offline Queue Metrics ──────────────────────────────────────────────────

// QueueDepth is the number of pending transactions on this device.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "timebank",
	Subsystem: "offline",
	Name:      "queue_depth",
	Help:      "Pending transactions waiting to be reconciled.",
})

// DrainResults counts drained transactions by outcome.
var DrainResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "offline",
	Name:      "drained_total",
	Help:      "Total drained pending transactions by outcome.",
}, []string{"outcome"})

// DrainRetries counts transport retries.
var DrainRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "timebank",
	Subsystem: "offline",
	Name:      "retries_total",
	Help:      "Total reconcile attempts retried after a transient failure.",
})
