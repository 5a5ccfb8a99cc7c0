package resolver

import (
	"time"

	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/pkg/tiers"
)

// Phase is the resolver's lifecycle state.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseLoading       Phase = "loading"
	PhaseSettled       Phase = "settled"
	PhaseReconciling   Phase = "reconciling"
	PhaseTimedOut      Phase = "timed_out"
)

// Phases returns every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{PhaseUninitialized, PhaseLoading, PhaseSettled, PhaseReconciling, PhaseTimedOut}
}

type transition struct {
	From Phase
	To   Phase
}

var validTransitions = map[transition]bool{
	{PhaseUninitialized, PhaseLoading}: true, // signed in, consult the server
	{PhaseUninitialized, PhaseSettled}: true, // signed out, cache only
	{PhaseLoading, PhaseSettled}:       true,
	{PhaseLoading, PhaseReconciling}:   true, // free but a payment is pending
	{PhaseReconciling, PhaseSettled}:   true, // confirmed, or marker cleared
	{PhaseReconciling, PhaseTimedOut}:  true, // attempt budget spent
	{PhaseReconciling, PhaseLoading}:   true, // force refresh
	{PhaseSettled, PhaseLoading}:       true, // force refresh
	{PhaseTimedOut, PhaseLoading}:      true, // manual refresh
	{PhaseTimedOut, PhaseSettled}:      true, // marker cleared
}

func canTransition(from, to Phase) bool {
	return validTransitions[transition{from, to}]
}

// Outcome labels how a load or reconciliation ended.
type Outcome string

const (
	OutcomeAlreadyPaid Outcome = "already_paid"
	OutcomeSynced      Outcome = "synced"
	OutcomePolled      Outcome = "polled"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeCleared     Outcome = "cleared"
)

// CallResult labels the result of one external call.
type CallResult string

const (
	ResultOK           CallResult = "ok"
	ResultNotFulfilled CallResult = "not_fulfilled"
	ResultError        CallResult = "error"
)

// View is a consistent copy of the resolver state. Consumers branch on it
// instead of on errors.
type View struct {
	Phase    Phase
	Snapshot *entitlements.Snapshot
	Pending  *entitlements.PendingPayment
	// Attempt is the current or last reconciliation attempt.
	Attempt int
	// Stale is set when the last server fetch failed and Snapshot is the
	// last known good value.
	Stale     bool
	UpdatedAt time.Time
}

// Tier returns the nominal tier of the view.
func (v View) Tier() tiers.Tier {
	if v.Snapshot == nil {
		return tiers.TierFree
	}
	return v.Snapshot.Tier
}

// NeedsManualRefresh reports the terminal state the UI should surface with a
// refresh action and a support path.
func (v View) NeedsManualRefresh() bool {
	return v.Phase == PhaseTimedOut
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	OnTransition(from, to Phase)
	OnAttempt(attempt int)
	OnOutcome(outcome Outcome)
	OnFetch(result CallResult)
	OnSessionSync(result CallResult)
	OnUsage(action tiers.Action, result CallResult)
}

type noopObserver struct{}

func (noopObserver) OnTransition(Phase, Phase) {}
func (noopObserver) OnAttempt(int) {}
func (noopObserver) OnOutcome(Outcome) {}
func (noopObserver) OnFetch(CallResult) {}
func (noopObserver) OnSessionSync(CallResult) {}
func (noopObserver) OnUsage(tiers.Action, CallResult) {}
