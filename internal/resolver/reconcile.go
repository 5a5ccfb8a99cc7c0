package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/internal/remote"
)

// enterReconcilingLocked starts a fresh loop at attempt 0 under a new
// generation. Any previous loop must already be detached.
func (r *Resolver) enterReconcilingLocked() {
	r.generation++
	gen := r.generation
	r.attempt = 0
	r.setPhaseLocked(PhaseReconciling)
	r.notifyLocked()

	log.Info().
		Str("pending_id", r.pending.ID).
		Str("expected_tier", string(r.pending.ExpectedTier)).
		Bool("has_session", r.pending.SessionID != "").
		Int("max_attempts", r.cfg.MaxAttempts).
		Dur("interval", r.cfg.Interval).
		Msg("Reconciling pending payment")

	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.loopCancel, r.loopDone = cancel, done

	go func() {
		defer close(done)
		defer r.releaseLoop(done)
		defer cancel()
		r.reconcile(ctx, gen)
	}()
}

// releaseLoop forgets the loop once its goroutine is exiting, unless it was
// already detached or replaced.
func (r *Resolver) releaseLoop(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loopDone == done {
		r.loopCancel, r.loopDone = nil, nil
	}
}

// reconcile runs ticks strictly one after another with a fixed delay between
// them until the payment is confirmed, the budget is spent or ctx ends.
func (r *Resolver) reconcile(ctx context.Context, gen uint64) {
	timer := time.NewTimer(r.cfg.Interval)
	timer.Stop()
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		if r.tick(ctx, gen, attempt) {
			return
		}
		if r.exhausted(gen, attempt+1) {
			return
		}

		timer.Reset(r.cfg.Interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// tick runs one attempt and reports whether the loop is finished.
func (r *Resolver) tick(ctx context.Context, gen uint64, attempt int) bool {
	r.mu.Lock()
	if gen != r.generation || !r.pending.Valid() {
		r.mu.Unlock()
		return true
	}
	r.attempt = attempt
	pending := r.pending.Clone()
	r.notifyLocked()
	r.mu.Unlock()

	r.observer.OnAttempt(attempt)
	logger := log.With().
		Str("pending_id", pending.ID).
		Int("attempt", attempt).
		Logger()

	if pending.SessionID != "" && r.syncer != nil && attempt%r.cfg.SyncEvery == 0 {
		snapshot, err := r.syncer.SyncSession(ctx, pending.SessionID)
		switch {
		case err == nil && snapshot != nil && snapshot.Tier.Paid():
			r.observer.OnSessionSync(ResultOK)
			logger.Info().Str("tier", string(snapshot.Tier)).Msg("Checkout session confirmed by direct sync")
			return r.settle(gen, snapshot, OutcomeSynced)
		case ctx.Err() != nil:
			return true
		case err == nil || errors.Is(err, remote.ErrNotYetFulfilled):
			r.observer.OnSessionSync(ResultNotFulfilled)
			logger.Debug().Msg("Checkout session not fulfilled yet")
		default:
			r.observer.OnSessionSync(ResultError)
			logger.Warn().Err(err).Msg("Direct session sync failed, falling back to polling")
		}
	}

	snapshot, err := r.source.FetchSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		r.observer.OnFetch(ResultError)
		logger.Warn().Err(err).Msg("Entitlement fetch failed during reconciliation")
		r.mu.Lock()
		if gen == r.generation {
			r.stale = true
			r.notifyLocked()
		}
		r.mu.Unlock()
		return false
	}
	r.observer.OnFetch(ResultOK)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return true
	}
	if r.pending.Valid() && snapshot.Satisfies(r.pending.ExpectedTier) {
		logger.Info().Str("tier", string(snapshot.Tier)).Msg("Upgrade confirmed by entitlement server")
		r.settleLocked(snapshot, OutcomePolled)
		return true
	}
	r.adoptLocked(snapshot)
	r.notifyLocked()
	return false
}

func (r *Resolver) settle(gen uint64, snapshot *entitlements.Snapshot, outcome Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return true
	}
	r.settleLocked(snapshot, outcome)
	return true
}

// settleLocked ends reconciliation on a confirmed snapshot.
func (r *Resolver) settleLocked(snapshot *entitlements.Snapshot, outcome Outcome) {
	r.adoptLocked(snapshot)
	r.clearPendingLocked()
	r.setPhaseLocked(PhaseSettled)
	r.observer.OnOutcome(outcome)
	r.notifyLocked()
}

// exhausted moves to timed_out once attempts reaches the budget. The pending
// marker stays so the inconsistency remains visible.
func (r *Resolver) exhausted(gen uint64, attempts int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return true
	}
	if attempts < r.cfg.MaxAttempts {
		return false
	}

	r.setPhaseLocked(PhaseTimedOut)
	r.observer.OnOutcome(OutcomeTimedOut)
	r.notifyLocked()

	event := log.Warn().Int("attempts", attempts)
	if r.pending != nil {
		event = event.
			Str("pending_id", r.pending.ID).
			Str("expected_tier", string(r.pending.ExpectedTier))
	}
	event.Msg("Payment not confirmed within reconciliation budget, manual refresh required")
	return true
}
