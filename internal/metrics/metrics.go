// Package metrics provides Prometheus metrics for the session engine.
//
// Labels never carry session ids or holder ids.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppendedTotal counts events durably appended, by event type.
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdd_events_appended_total",
		Help: "Total number of session events appended, by event type.",
	}, []string{"event_type"})

	// PhaseTransitionsTotal counts forward phase moves.
	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdd_phase_transitions_total",
		Help: "Total number of forward phase transitions, by source and target phase.",
	}, []string{"from", "to"})

	// RollbacksTotal counts rollbacks, by whether they crossed a cycle boundary.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdd_rollbacks_total",
		Help: "Total number of rollbacks, by whether a cycle boundary was crossed.",
	}, []string{"cross_cycle"})

	// LockConflictsTotal counts start/resume attempts refused by another holder.
	LockConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdd_lock_conflicts_total",
		Help: "Total number of lock acquisitions refused, by whether the lock looked stale.",
	}, []string{"stale"})

	// CommandErrorsTotal counts engine commands rejected, by error kind.
	CommandErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdd_command_errors_total",
		Help: "Total number of rejected engine commands, by error kind.",
	}, []string{"kind"})

	// CachedSessions tracks engines held by session registries.
	CachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tdd_cached_sessions",
		Help: "Current number of session engines cached in registries.",
	})
)

// RecordAppend records one appended event.
func RecordAppend(eventType string) {
	EventsAppendedTotal.WithLabelValues(eventType).Inc()
}

// RecordTransition records a forward phase move.
func RecordTransition(from, to string) {
	PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRollback records a rollback.
func RecordRollback(crossCycle bool) {
	RollbacksTotal.WithLabelValues(strconv.FormatBool(crossCycle)).Inc()
}

// RecordLockConflict records a refused lock acquisition.
func RecordLockConflict(stale bool) {
	LockConflictsTotal.WithLabelValues(strconv.FormatBool(stale)).Inc()
}

// RecordCommandError records a rejected command. Unclassified errors are
// counted as "internal".
func RecordCommandError(kind string) {
	if kind == "" {
		kind = "internal"
	}
	CommandErrorsTotal.WithLabelValues(kind).Inc()
}
