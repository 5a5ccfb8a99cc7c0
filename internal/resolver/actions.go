package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/pkg/tiers"
)

// RecordUsage counts one use of action. Quota counters are incremented
// locally first and the server call runs in the background; its failure is
// logged and never rolled back. Nothing is recorded while access is frozen
// or revoked.
func (r *Resolver) RecordUsage(action tiers.Action) error {
	rule, ok := tiers.Rule(action)
	if !ok {
		return fmt.Errorf("record usage: unknown action %q", action)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.snapshot.Restricted() {
		r.mu.Unlock()
		log.Debug().Str("action", string(action)).Msg("Access restricted, usage not recorded")
		return nil
	}

	if rule.QuotaKey != "" {
		next := r.snapshot.Clone()
		next.Usage[rule.QuotaKey]++
		r.snapshot = next
		r.persistSnapshotLocked()
		r.notifyLocked()
	}

	if r.usage == nil || r.identity == "" {
		r.mu.Unlock()
		return nil
	}
	r.usageWG.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.usageWG.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.UsageTimeout)
		defer cancel()

		if err := r.usage.RecordUsage(ctx, action, 1); err != nil {
			r.observer.OnUsage(action, ResultError)
			log.Warn().Err(err).Str("action", string(action)).Msg("Failed to record usage with server")
			return
		}
		r.observer.OnUsage(action, ResultOK)
	}()
	return nil
}

// MarkPaymentPending records that a checkout for tier is about to start, so
// the marker survives however the browser comes back.
func (r *Resolver) MarkPaymentPending(tier tiers.Tier, sessionID string) (*entitlements.PendingPayment, error) {
	if !tier.Paid() {
		return nil, fmt.Errorf("mark payment pending: %q is not a purchasable tier", tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	r.pending = entitlements.MergePending(r.pending, entitlements.NewPendingPayment(tier, sessionID, r.now()))
	if err := r.persistPendingLocked(); err != nil {
		return nil, fmt.Errorf("mark payment pending: %w", err)
	}
	r.notifyLocked()

	log.Info().
		Str("pending_id", r.pending.ID).
		Str("expected_tier", string(r.pending.ExpectedTier)).
		Msg("Payment marked pending")
	return r.pending.Clone(), nil
}

// ClearPaymentPending drops the marker and stops reconciliation. It is the
// escape hatch from the timed-out state.
func (r *Resolver) ClearPaymentPending() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	cancel, done := r.takeLoopLocked()
	hadPending := r.pending != nil
	err := r.clearPendingLocked()
	if r.phase == PhaseReconciling || r.phase == PhaseTimedOut {
		r.setPhaseLocked(PhaseSettled)
		r.observer.OnOutcome(OutcomeCleared)
	}
	r.notifyLocked()
	r.mu.Unlock()

	stopLoop(cancel, done)
	if hadPending {
		log.Info().Msg("Pending payment cleared")
	}
	if err != nil {
		return fmt.Errorf("clear payment pending: %w", err)
	}
	return nil
}

// ForceRefresh cancels any active reconciliation, waits for it to stop and
// fetches once. Reconciliation restarts from attempt 0 only if the result
// still calls for it. Concurrent callers share a single fetch.
func (r *Resolver) ForceRefresh(ctx context.Context) error {
	ch := r.refresh.DoChan("refresh", func() (interface{}, error) {
		return nil, r.refreshOnce()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) refreshOnce() error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case !r.started:
		r.mu.Unlock()
		return ErrNotStarted
	}

	if r.identity == "" {
		r.mu.Unlock()
		return r.reloadFromCache()
	}

	cancel, done := r.takeLoopLocked()
	// Supersede any load still in flight.
	r.generation++
	gen := r.generation
	r.setPhaseLocked(PhaseLoading)
	r.notifyLocked()
	r.mu.Unlock()

	stopLoop(cancel, done)
	log.Debug().Msg("Forcing entitlement refresh")

	snapshot, err := r.source.FetchSnapshot(r.ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation || r.closed {
		return nil
	}
	r.applyLoadLocked(snapshot, err, OutcomePolled)
	return nil
}

// reloadFromCache refreshes a signed-out resolver from the local cache.
func (r *Resolver) reloadFromCache() error {
	ctx, cancel := r.storeContext()
	defer cancel()
	cached, pending := r.readCache(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached != nil {
		r.snapshot = cached
	}
	r.pending = pending
	r.notifyLocked()
	return nil
}
