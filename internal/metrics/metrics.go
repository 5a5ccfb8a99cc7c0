// Package metrics exposes Prometheus collectors for entitlement resolution.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/disputekit/tiergate/internal/resolver"
	"github.com/disputekit/tiergate/pkg/tiers"
)

var (
	// Phase is 1 for the resolver's current phase and 0 for the others.
	Phase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tiergate",
		Subsystem: "resolver",
		Name:      "phase",
		Help:      "Current entitlement resolver phase.",
	}, []string{"phase"})

	// PhaseTransitionsTotal counts phase changes.
	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "resolver",
		Name:      "phase_transitions_total",
		Help:      "Total resolver phase transitions by source and target phase.",
	}, []string{"from", "to"})

	// ReconcileAttemptsTotal counts reconciliation ticks.
	ReconcileAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "reconcile",
		Name:      "attempts_total",
		Help:      "Total reconciliation attempts.",
	})

	// OutcomesTotal counts how loads and reconciliations ended.
	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "reconcile",
		Name:      "outcomes_total",
		Help:      "Total reconciliation outcomes (already_paid/synced/polled/timed_out/cleared).",
	}, []string{"outcome"})

	// FetchesTotal counts entitlement fetches by result.
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "remote",
		Name:      "fetches_total",
		Help:      "Total entitlement snapshot fetches by result.",
	}, []string{"result"})

	// SessionSyncsTotal counts direct checkout-session syncs by result.
	SessionSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "remote",
		Name:      "session_syncs_total",
		Help:      "Total direct checkout session syncs by result.",
	}, []string{"result"})

	// UsageRecordsTotal counts server-side usage reports.
	UsageRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiergate",
		Subsystem: "remote",
		Name:      "usage_records_total",
		Help:      "Total usage reports by action and result.",
	}, []string{"action", "result"})
)

// Observer feeds resolver events into the package collectors.
type Observer struct{}

var _ resolver.Observer = Observer{}

// NewObserver returns an Observer and marks the resolver uninitialized.
func NewObserver() Observer {
	setPhase(resolver.PhaseUninitialized)
	return Observer{}
}

func (Observer) OnTransition(from, to resolver.Phase) {
	PhaseTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	setPhase(to)
}

func (Observer) OnAttempt(int) {
	ReconcileAttemptsTotal.Inc()
}

func (Observer) OnOutcome(outcome resolver.Outcome) {
	OutcomesTotal.WithLabelValues(string(outcome)).Inc()
}

func (Observer) OnFetch(result resolver.CallResult) {
	FetchesTotal.WithLabelValues(string(result)).Inc()
}

func (Observer) OnSessionSync(result resolver.CallResult) {
	SessionSyncsTotal.WithLabelValues(string(result)).Inc()
}

func (Observer) OnUsage(action tiers.Action, result resolver.CallResult) {
	UsageRecordsTotal.WithLabelValues(string(action), string(result)).Inc()
}

func setPhase(current resolver.Phase) {
	for _, p := range resolver.Phases() {
		value := 0.0
		if p == current {
			value = 1
		}
		Phase.WithLabelValues(string(p)).Set(value)
	}
}
