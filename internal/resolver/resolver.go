// Package resolver owns the entitlement state machine: it loads the
// authoritative snapshot, reconciles pending payments against the server and
// answers feature queries for the rest of the application.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/disputekit/tiergate/internal/cache"
	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/pkg/tiers"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 20
	DefaultSyncEvery   = 5

	defaultUsageTimeout = 10 * time.Second
	defaultStoreTimeout = 5 * time.Second
)

var (
	ErrClosed         = errors.New("resolver closed")
	ErrNotStarted     = errors.New("resolver not started")
	ErrAlreadyStarted = errors.New("resolver already started")
)

// Source returns the authoritative snapshot for the signed-in identity.
type Source interface {
	FetchSnapshot(ctx context.Context) (*entitlements.Snapshot, error)
}

// SessionSyncer confirms a checkout session directly, bypassing the webhook.
type SessionSyncer interface {
	SyncSession(ctx context.Context, sessionID string) (*entitlements.Snapshot, error)
}

// UsageRecorder persists consumed actions server-side.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, action tiers.Action, increment int64) error
}

// Config tunes reconciliation.
type Config struct {
	// Interval is the fixed delay between reconciliation attempts.
	Interval time.Duration
	// MaxAttempts bounds reconciliation before it times out.
	MaxAttempts int
	// SyncEvery runs a direct session sync on attempt 0 and every
	// SyncEvery attempts after it.
	SyncEvery    int
	UsageTimeout time.Duration
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = DefaultSyncEvery
	}
	if c.UsageTimeout <= 0 {
		c.UsageTimeout = defaultUsageTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	return c
}

// Deps are the resolver's collaborators. Source is required when Identity is
// set; Syncer and Usage are optional.
type Deps struct {
	Source Source
	Syncer SessionSyncer
	Usage  UsageRecorder
	Store  cache.Store
	// Identity is the signed-in user. Empty means signed out.
	Identity string
	Observer Observer
	Now      func() time.Time
}

// Resolver is constructed once per session and is safe for concurrent use.
type Resolver struct {
	cfg      Config
	source   Source
	syncer   SessionSyncer
	usage    UsageRecorder
	store    cache.Store
	identity string
	observer Observer
	now      func() time.Time

	// ctx lives until Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	phase      Phase
	snapshot   *entitlements.Snapshot
	pending    *entitlements.PendingPayment
	attempt    int
	stale      bool
	updatedAt  time.Time
	generation uint64
	started    bool
	closed     bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	refresh singleflight.Group
	usageWG sync.WaitGroup
	subs    map[int]chan View
	nextSub int
}

func New(cfg Config, deps Deps) (*Resolver, error) {
	if deps.Identity != "" && deps.Source == nil {
		return nil, errors.New("resolver: entitlement source is required when signed in")
	}

	r := &Resolver{
		cfg:      cfg.withDefaults(),
		source:   deps.Source,
		syncer:   deps.Syncer,
		usage:    deps.Usage,
		store:    deps.Store,
		identity: deps.Identity,
		observer: deps.Observer,
		now:      deps.Now,
		phase:    PhaseUninitialized,
		snapshot: entitlements.FreeSnapshot(),
		subs:     make(map[int]chan View),
	}
	if r.store == nil {
		r.store = cache.NewMemoryStore()
	}
	if r.observer == nil {
		r.observer = noopObserver{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Start reads the cache, folds in the return signal and loads the
// authoritative snapshot. It returns once the resolver is settled or
// reconciliation has been handed to its background goroutine.
func (r *Resolver) Start(ctx context.Context, signal entitlements.ReturnSignal) error {
	cached, storedPending := r.readCache(ctx)

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.started:
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true

	if cached != nil {
		r.snapshot = cached
	}
	fromURL := signal.Pending(r.now())
	r.pending = entitlements.MergePending(storedPending, fromURL)
	if fromURL != nil {
		log.Info().
			Str("pending_id", r.pending.ID).
			Str("expected_tier", string(r.pending.ExpectedTier)).
			Bool("has_session", r.pending.SessionID != "").
			Msg("Checkout return detected")
		r.persistPendingLocked()
	}

	if r.identity == "" {
		r.setPhaseLocked(PhaseSettled)
		r.notifyLocked()
		r.mu.Unlock()
		log.Debug().Str("tier", string(r.snapshot.Tier)).Msg("Signed out, using cached entitlement")
		return nil
	}

	r.setPhaseLocked(PhaseLoading)
	gen := r.generation
	r.notifyLocked()
	r.mu.Unlock()

	snapshot, err := r.source.FetchSnapshot(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation || r.closed {
		return nil
	}
	r.applyLoadLocked(snapshot, err, OutcomeAlreadyPaid)
	return nil
}

func (r *Resolver) readCache(ctx context.Context) (*entitlements.Snapshot, *entitlements.PendingPayment) {
	snapshot, err := r.store.Read(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cached entitlement")
		snapshot = nil
	}
	pending, err := r.store.ReadPendingPayment(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read pending payment marker")
		pending = nil
	}
	if snapshot != nil {
		snapshot = entitlements.NormalizeSnapshot(snapshot)
	}
	return snapshot, pending
}

// applyLoadLocked settles on a server response or decides to reconcile. A
// paid tier clears any pending marker, whatever tier the marker expected.
func (r *Resolver) applyLoadLocked(snapshot *entitlements.Snapshot, err error, confirmed Outcome) {
	if err != nil {
		r.observer.OnFetch(ResultError)
		r.stale = true
		log.Warn().Err(err).
			Str("tier", string(r.snapshot.Tier)).
			Msg("Entitlement fetch failed, keeping last known tier")
		if r.pending.Valid() {
			r.enterReconcilingLocked()
			return
		}
		r.setPhaseLocked(PhaseSettled)
		r.notifyLocked()
		return
	}

	r.observer.OnFetch(ResultOK)
	r.adoptLocked(snapshot)

	if r.snapshot.Tier.Paid() {
		if r.pending != nil {
			log.Info().
				Str("pending_id", r.pending.ID).
				Str("expected_tier", string(r.pending.ExpectedTier)).
				Str("tier", string(r.snapshot.Tier)).
				Msg("Paid tier confirmed, clearing pending payment")
			r.clearPendingLocked()
			r.observer.OnOutcome(confirmed)
		}
		r.setPhaseLocked(PhaseSettled)
		r.notifyLocked()
		return
	}

	if r.pending.Valid() {
		r.enterReconcilingLocked()
		return
	}
	r.setPhaseLocked(PhaseSettled)
	r.notifyLocked()
}

// adoptLocked makes a server snapshot the displayed one and persists it.
func (r *Resolver) adoptLocked(snapshot *entitlements.Snapshot) {
	snapshot = entitlements.NormalizeSnapshot(snapshot)
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = r.now()
	}
	r.snapshot = snapshot
	r.stale = false
	r.persistSnapshotLocked()
}

func (r *Resolver) setPhaseLocked(to Phase) {
	from := r.phase
	if from == to {
		return
	}
	if !canTransition(from, to) {
		log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("Ignoring invalid entitlement phase transition")
		return
	}
	r.phase = to
	log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Entitlement phase changed")
	r.observer.OnTransition(from, to)
}

func (r *Resolver) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
}

// persistSnapshotLocked writes the in-memory snapshot. Callers hold r.mu so
// writes reach the store in the same order as the state changes.
func (r *Resolver) persistSnapshotLocked() {
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.store.Write(ctx, r.snapshot); err != nil {
		log.Warn().Err(err).Msg("Failed to cache entitlement snapshot")
	}
}

func (r *Resolver) persistPendingLocked() error {
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.store.WritePendingPayment(ctx, r.pending); err != nil {
		log.Warn().Err(err).Msg("Failed to persist pending payment marker")
		return err
	}
	return nil
}

func (r *Resolver) clearPendingLocked() error {
	r.pending = nil
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.store.ClearPendingPayment(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clear pending payment marker")
		return err
	}
	return nil
}

// takeLoopLocked detaches the active reconciliation loop, if any, and moves
// the generation on so its late results are discarded. Without a loop the
// generation is left alone so an in-flight load still lands.
func (r *Resolver) takeLoopLocked() (context.CancelFunc, chan struct{}) {
	if r.loopCancel == nil {
		return nil, nil
	}
	r.generation++
	cancel, done := r.loopCancel, r.loopDone
	r.loopCancel, r.loopDone = nil, nil
	return cancel, done
}

func stopLoop(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close cancels reconciliation and in-flight usage calls and waits for them.
// The store is left open for its owner to close.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done := r.takeLoopLocked()
	r.mu.Unlock()

	r.cancel()
	stopLoop(cancel, done)
	r.usageWG.Wait()

	r.mu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()
	log.Debug().Msg("Entitlement resolver closed")
	return nil
}

// Wait blocks until no reconciliation loop is running.
func (r *Resolver) Wait(ctx context.Context) error {
	for {
		r.mu.RLock()
		done := r.loopDone
		r.mu.RUnlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// View returns a copy of the current state.
func (r *Resolver) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewLocked()
}

func (r *Resolver) viewLocked() View {
	return View{
		Phase:     r.phase,
		Snapshot:  r.snapshot.Clone(),
		Pending:   r.pending.Clone(),
		Attempt:   r.attempt,
		Stale:     r.stale,
		UpdatedAt: r.updatedAt,
	}
}

// Subscribe delivers the latest view after every change. Slow readers only
// see the most recent view. The channel closes on unsubscribe or Close.
func (r *Resolver) Subscribe() (<-chan View, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan View, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.viewLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subs[id]; ok {
				close(sub)
				delete(r.subs, id)
			}
		})
	}
}

func (r *Resolver) notifyLocked() {
	r.updatedAt = r.now()
	if len(r.subs) == 0 {
		return
	}
	view := r.viewLocked()
	for _, ch := range r.subs {
		select {
		case ch <- view:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}

func (r *Resolver) gate() entitlements.Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entitlements.NewGate(r.snapshot.Clone())
}

// CurrentTier returns the nominal tier of the displayed snapshot.
func (r *Resolver) CurrentTier() tiers.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.Tier
}

func (r *Resolver) HasFeature(f tiers.Feature) bool {
	return r.gate().HasFeature(f)
}

func (r *Resolver) HasTierLevel(min tiers.Tier) bool {
	return r.gate().HasTierLevel(min)
}

func (r *Resolver) CanPerformAction(a tiers.Action) bool {
	return r.gate().CanPerformAction(a)
}

func (r *Resolver) BlockedReason(a tiers.Action) entitlements.Block {
	return r.gate().BlockedReason(a)
}
