package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disputekit/tiergate/internal/cache"
	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/internal/remote"
	"github.com/disputekit/tiergate/pkg/tiers"
)

var errNetwork = errors.New("connection reset")

// scriptedSource answers each fetch from a function of the 1-based call
// number.
type scriptedSource struct {
	mu      sync.Mutex
	calls   int
	respond func(call int) (*entitlements.Snapshot, error)
}

func (s *scriptedSource) FetchSnapshot(ctx context.Context) (*entitlements.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.respond(call)
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysTier(t tiers.Tier) func(int) (*entitlements.Snapshot, error) {
	return func(int) (*entitlements.Snapshot, error) {
		return entitlements.SnapshotForTier(t), nil
	}
}

type scriptedSyncer struct {
	mu       sync.Mutex
	sessions []string
	respond  func(call int) (*entitlements.Snapshot, error)
}

func (s *scriptedSyncer) SyncSession(ctx context.Context, sessionID string) (*entitlements.Snapshot, error) {
	s.mu.Lock()
	s.sessions = append(s.sessions, sessionID)
	call := len(s.sessions)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.respond(call)
}

func (s *scriptedSyncer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func notFulfilled(int) (*entitlements.Snapshot, error) {
	return nil, remote.ErrNotYetFulfilled
}

type usageCall struct {
	action    tiers.Action
	increment int64
}

type recordingUsage struct {
	mu    sync.Mutex
	calls []usageCall
	err   error
}

func (u *recordingUsage) RecordUsage(_ context.Context, action tiers.Action, increment int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{action: action, increment: increment})
	return u.err
}

func (u *recordingUsage) Calls() []usageCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]usageCall(nil), u.calls...)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []transition
	attempts    []int
	outcomes    []Outcome
	syncs       []CallResult
	fetches     []CallResult
}

func (o *recordingObserver) OnTransition(from, to Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, transition{from, to})
}

func (o *recordingObserver) OnAttempt(attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempt)
}

func (o *recordingObserver) OnOutcome(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) OnFetch(result CallResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, result)
}

func (o *recordingObserver) OnSessionSync(result CallResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncs = append(o.syncs, result)
}

func (o *recordingObserver) OnUsage(tiers.Action, CallResult) {}

func (o *recordingObserver) visited(p Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, tr := range o.transitions {
		if tr.To == p {
			return true
		}
	}
	return false
}

func (o *recordingObserver) Attempts() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.attempts...)
}

func (o *recordingObserver) Outcomes() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.outcomes...)
}

type harness struct {
	resolver *Resolver
	store    *cache.MemoryStore
	source   *scriptedSource
	syncer   *scriptedSyncer
	usage    *recordingUsage
	observer *recordingObserver
}

type harnessOption func(*Config, *Deps)

func withMaxAttempts(n int) harnessOption {
	return func(c *Config, _ *Deps) { c.MaxAttempts = n }
}

func withInterval(d time.Duration) harnessOption {
	return func(c *Config, _ *Deps) { c.Interval = d }
}

func signedOut() harnessOption {
	return func(_ *Config, d *Deps) {
		d.Identity = ""
		d.Source = nil
	}
}

func newHarness(t *testing.T, source, syncer func(int) (*entitlements.Snapshot, error), opts ...harnessOption) *harness {
	t.Helper()
	if syncer == nil {
		syncer = notFulfilled
	}
	h := &harness{
		store:    cache.NewMemoryStore(),
		source:   &scriptedSource{respond: source},
		syncer:   &scriptedSyncer{respond: syncer},
		usage:    &recordingUsage{},
		observer: &recordingObserver{},
	}

	cfg := Config{Interval: time.Millisecond}
	deps := Deps{
		Source:   h.source,
		Syncer:   h.syncer,
		Usage:    h.usage,
		Store:    h.store,
		Identity: "user_123",
		Observer: h.observer,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	r, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	h.resolver = r
	return h
}

func (h *harness) seedSnapshot(t *testing.T, tier tiers.Tier) {
	t.Helper()
	require.NoError(t, h.store.Write(context.Background(), entitlements.SnapshotForTier(tier)))
}

func (h *harness) seedPending(t *testing.T, tier tiers.Tier, sessionID string) *entitlements.PendingPayment {
	t.Helper()
	p := entitlements.NewPendingPayment(tier, sessionID, time.Now())
	require.NoError(t, h.store.WritePendingPayment(context.Background(), p))
	return p
}

func (h *harness) start(t *testing.T, signal entitlements.ReturnSignal) {
	t.Helper()
	require.NoError(t, h.resolver.Start(context.Background(), signal))
}

func (h *harness) wait(t *testing.T) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.resolver.Wait(ctx))
	return h.resolver.View()
}

func (h *harness) storedPending(t *testing.T) *entitlements.PendingPayment {
	t.Helper()
	p, err := h.store.ReadPendingPayment(context.Background())
	require.NoError(t, err)
	return p
}

func TestHappyPathUpgradeViaDirectSync(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), func(int) (*entitlements.Snapshot, error) {
		return entitlements.SnapshotForTier(tiers.TierAdvanced), nil
	})
	h.seedSnapshot(t, tiers.TierFree)
	h.seedPending(t, tiers.TierAdvanced, "cs_test_1")

	h.start(t, entitlements.ReturnSignal{})
	view := h.wait(t)

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierAdvanced, view.Tier())
	assert.Nil(t, view.Pending)
	assert.Nil(t, h.storedPending(t))
	assert.Equal(t, 1, h.syncer.Calls())
	assert.Equal(t, 1, h.source.Calls())
	assert.Equal(t, []Outcome{OutcomeSynced}, h.observer.Outcomes())

	cached, err := h.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tiers.TierAdvanced, cached.Tier)
}

func TestWebhookDelayFallsBackToPolling(t *testing.T) {
	// Fetch 1 is the initial load, fetches 2..6 are attempts 0..4 and
	// fetch 7 is attempt 5, when the webhook has landed.
	source := func(call int) (*entitlements.Snapshot, error) {
		if call >= 7 {
			return entitlements.SnapshotForTier(tiers.TierAdvanced), nil
		}
		return entitlements.FreeSnapshot(), nil
	}
	h := newHarness(t, source, notFulfilled)
	h.seedPending(t, tiers.TierAdvanced, "cs_test_1")

	h.start(t, entitlements.ReturnSignal{})
	view := h.wait(t)

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierAdvanced, view.Tier())
	assert.Equal(t, 5, view.Attempt)
	assert.Nil(t, view.Pending)
	assert.Nil(t, h.storedPending(t))
	assert.Equal(t, 7, h.source.Calls())
	assert.Equal(t, 2, h.syncer.Calls(), "sync runs on attempts 0 and 5")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, h.observer.Attempts())
	assert.Equal(t, []Outcome{OutcomePolled}, h.observer.Outcomes())
}

func TestReconciliationTimesOutAndKeepsMarker(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), notFulfilled)
	pending := h.seedPending(t, tiers.TierToolkit, "cs_test_1")

	h.start(t, entitlements.ReturnSignal{})
	view := h.wait(t)

	assert.Equal(t, PhaseTimedOut, view.Phase)
	assert.True(t, view.NeedsManualRefresh())
	assert.Equal(t, tiers.TierFree, view.Tier())
	require.NotNil(t, view.Pending)
	assert.Equal(t, pending.ID, view.Pending.ID)

	stored := h.storedPending(t)
	require.NotNil(t, stored)
	assert.Equal(t, pending.ID, stored.ID)

	assert.Len(t, h.observer.Attempts(), DefaultMaxAttempts)
	assert.Equal(t, DefaultMaxAttempts+1, h.source.Calls())
	assert.Equal(t, 4, h.syncer.Calls(), "sync runs on attempts 0, 5, 10 and 15")
	assert.Equal(t, []Outcome{OutcomeTimedOut}, h.observer.Outcomes())
}

func TestAlreadyPaidShortCircuit(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierIdentityTheft), nil)
	h.seedPending(t, tiers.TierToolkit, "cs_old")

	h.start(t, entitlements.ReturnSignal{})
	view := h.resolver.View()

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierIdentityTheft, view.Tier())
	assert.Nil(t, view.Pending)
	assert.Nil(t, h.storedPending(t))
	assert.False(t, h.observer.visited(PhaseReconciling))
	assert.Zero(t, h.syncer.Calls())
	assert.Equal(t, []Outcome{OutcomeAlreadyPaid}, h.observer.Outcomes())
}

func TestPaidTierBelowExpectationStillClearsMarker(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierToolkit), nil)
	h.seedPending(t, tiers.TierIdentityTheft, "")

	h.start(t, entitlements.ReturnSignal{})
	view := h.resolver.View()

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierToolkit, view.Tier())
	assert.Nil(t, h.storedPending(t))
}

func TestHigherTierSatisfiesPendingUpgrade(t *testing.T) {
	source := func(call int) (*entitlements.Snapshot, error) {
		if call >= 3 {
			return entitlements.SnapshotForTier(tiers.TierAdvanced), nil
		}
		return entitlements.FreeSnapshot(), nil
	}
	h := newHarness(t, source, nil)
	h.seedPending(t, tiers.TierToolkit, "")

	h.start(t, entitlements.ReturnSignal{})
	view := h.wait(t)

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierAdvanced, view.Tier())
	assert.Zero(t, h.syncer.Calls(), "no session id, no direct sync")
}

func TestBoundedRetry(t *testing.T) {
	for _, limit := range []int{1, 3, 7} {
		h := newHarness(t, func(call int) (*entitlements.Snapshot, error) {
			if call%2 == 0 {
				return nil, errNetwork
			}
			return entitlements.FreeSnapshot(), nil
		}, notFulfilled, withMaxAttempts(limit))
		h.seedPending(t, tiers.TierAdvanced, "cs_1")

		h.start(t, entitlements.ReturnSignal{})
		view := h.wait(t)

		assert.Equal(t, PhaseTimedOut, view.Phase, "limit=%d", limit)
		assert.Len(t, h.observer.Attempts(), limit)
		assert.Equal(t, limit+1, h.source.Calls())
	}
}

func TestMonotonicSettleSurvivesTransientErrors(t *testing.T) {
	scripts := map[string][]error{
		"single failure":  {errNetwork},
		"repeated":        {errNetwork, errNetwork, errNetwork},
		"context timeout": {context.DeadlineExceeded, errNetwork},
	}

	for name, failures := range scripts {
		t.Run(name, func(t *testing.T) {
			source := func(call int) (*entitlements.Snapshot, error) {
				if call <= 2 {
					if call == 1 {
						return entitlements.FreeSnapshot(), nil
					}
					return entitlements.SnapshotForTier(tiers.TierAdvanced), nil
				}
				return nil, failures[(call-3)%len(failures)]
			}
			h := newHarness(t, source, notFulfilled)
			h.seedPending(t, tiers.TierAdvanced, "")

			h.start(t, entitlements.ReturnSignal{})
			view := h.wait(t)
			require.Equal(t, tiers.TierAdvanced, view.Tier())

			for i := 0; i < len(failures)+1; i++ {
				require.NoError(t, h.resolver.ForceRefresh(context.Background()))
				view = h.resolver.View()
				assert.Equal(t, tiers.TierAdvanced, view.Tier())
				assert.Equal(t, PhaseSettled, view.Phase)
				assert.True(t, view.Stale)
			}

			cached, err := h.store.Read(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tiers.TierAdvanced, cached.Tier)
		})
	}
}

func TestReconciliationErrorsNeverDowngradeDisplay(t *testing.T) {
	h := newHarness(t, func(call int) (*entitlements.Snapshot, error) {
		if call == 1 {
			return entitlements.SnapshotForTier(tiers.TierToolkit), nil
		}
		return nil, errNetwork
	}, nil, withMaxAttempts(4))
	h.seedSnapshot(t, tiers.TierToolkit)
	h.start(t, entitlements.ReturnSignal{})

	_, err := h.resolver.MarkPaymentPending(tiers.TierAdvanced, "")
	require.NoError(t, err)
	require.NoError(t, h.resolver.ForceRefresh(context.Background()))
	view := h.wait(t)

	assert.Equal(t, PhaseTimedOut, view.Phase)
	assert.Equal(t, tiers.TierToolkit, view.Tier())
	assert.True(t, view.Stale)
}

func TestLoadFailureFallsBackToCache(t *testing.T) {
	h := newHarness(t, func(int) (*entitlements.Snapshot, error) { return nil, errNetwork }, nil)
	h.seedSnapshot(t, tiers.TierAdvanced)

	h.start(t, entitlements.ReturnSignal{})
	view := h.resolver.View()

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierAdvanced, view.Tier())
	assert.True(t, view.Stale)
	assert.True(t, h.resolver.CanPerformAction(tiers.ActionUseAIChat))
}

func TestLoadFailureWithPendingStillReconciles(t *testing.T) {
	source := func(call int) (*entitlements.Snapshot, error) {
		if call == 1 {
			return nil, errNetwork
		}
		return entitlements.SnapshotForTier(tiers.TierToolkit), nil
	}
	h := newHarness(t, source, nil)
	h.seedPending(t, tiers.TierToolkit, "")

	h.start(t, entitlements.ReturnSignal{})
	view := h.wait(t)

	assert.True(t, h.observer.visited(PhaseReconciling))
	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierToolkit, view.Tier())
	assert.False(t, view.Stale)
}

func TestReturnSignalCreatesPendingMarker(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil, withInterval(time.Hour))

	h.start(t, entitlements.ReturnSignal{Success: true, Tier: "advanced", SessionID: "cs_9"})
	view := h.resolver.View()

	assert.Equal(t, PhaseReconciling, view.Phase)
	require.NotNil(t, view.Pending)
	assert.Equal(t, tiers.TierAdvanced, view.Pending.ExpectedTier)
	assert.Equal(t, "cs_9", view.Pending.SessionID)

	stored := h.storedPending(t)
	require.NotNil(t, stored)
	assert.Equal(t, view.Pending.ID, stored.ID)
}

func TestCloseCancelsReconciliation(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil, withInterval(time.Hour))
	h.seedPending(t, tiers.TierAdvanced, "cs_1")
	h.start(t, entitlements.ReturnSignal{})

	require.Eventually(t, func() bool { return h.source.Calls() == 2 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = h.resolver.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while reconciliation was waiting")
	}

	assert.NoError(t, h.resolver.Wait(context.Background()))
	assert.Equal(t, 2, h.source.Calls())
	assert.ErrorIs(t, h.resolver.ForceRefresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.resolver.Start(context.Background(), entitlements.ReturnSignal{}), ErrClosed)

	// The marker survives unmount.
	assert.NotNil(t, h.storedPending(t))
}

func TestForceRefreshDuringReconciliationSettles(t *testing.T) {
	source := func(call int) (*entitlements.Snapshot, error) {
		if call >= 3 {
			return entitlements.SnapshotForTier(tiers.TierAdvanced), nil
		}
		return entitlements.FreeSnapshot(), nil
	}
	h := newHarness(t, source, notFulfilled, withInterval(time.Hour))
	h.seedPending(t, tiers.TierAdvanced, "cs_1")
	h.start(t, entitlements.ReturnSignal{})
	require.Eventually(t, func() bool { return h.source.Calls() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h.resolver.ForceRefresh(context.Background()))
	view := h.wait(t)

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierAdvanced, view.Tier())
	assert.Nil(t, h.storedPending(t))
	assert.Equal(t, 3, h.source.Calls())
}

func TestForceRefreshRestartsReconciliationFromZero(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), notFulfilled, withInterval(time.Hour))
	h.seedPending(t, tiers.TierAdvanced, "cs_1")
	h.start(t, entitlements.ReturnSignal{})
	require.Eventually(t, func() bool { return h.source.Calls() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 1, h.syncer.Calls())

	require.NoError(t, h.resolver.ForceRefresh(context.Background()))

	// A new loop starts at attempt 0, which syncs again.
	require.Eventually(t, func() bool { return h.source.Calls() == 4 }, time.Second, time.Millisecond)
	view := h.resolver.View()
	assert.Equal(t, PhaseReconciling, view.Phase)
	assert.Equal(t, 0, view.Attempt)
	assert.Equal(t, 2, h.syncer.Calls())
	assert.Equal(t, []int{0, 0}, h.observer.Attempts())
}

func TestConcurrentForceRefreshSharesOneFetch(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	source := func(call int) (*entitlements.Snapshot, error) {
		if call > 1 {
			entered <- struct{}{}
			<-release
		}
		return entitlements.SnapshotForTier(tiers.TierToolkit), nil
	}
	h := newHarness(t, source, nil)
	h.start(t, entitlements.ReturnSignal{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.resolver.ForceRefresh(context.Background()))
		}()
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 2, h.source.Calls())
	assert.Equal(t, PhaseSettled, h.resolver.View().Phase)
}

func TestForceRefreshHonoursCallerContext(t *testing.T) {
	release := make(chan struct{})
	source := func(call int) (*entitlements.Snapshot, error) {
		if call > 1 {
			<-release
		}
		return entitlements.FreeSnapshot(), nil
	}
	h := newHarness(t, source, nil)
	h.start(t, entitlements.ReturnSignal{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.resolver.ForceRefresh(ctx), context.DeadlineExceeded)
	close(release)
}

func TestForceRefreshBeforeStart(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil)
	assert.ErrorIs(t, h.resolver.ForceRefresh(context.Background()), ErrNotStarted)
}

func TestClearPaymentPendingLeavesTimedOut(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), notFulfilled, withMaxAttempts(2))
	h.seedPending(t, tiers.TierToolkit, "cs_1")
	h.start(t, entitlements.ReturnSignal{})
	require.Equal(t, PhaseTimedOut, h.wait(t).Phase)

	require.NoError(t, h.resolver.ClearPaymentPending())

	view := h.resolver.View()
	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Nil(t, view.Pending)
	assert.Nil(t, h.storedPending(t))
	assert.Contains(t, h.observer.Outcomes(), OutcomeCleared)
}

func TestClearPaymentPendingStopsActiveLoop(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil, withInterval(time.Hour))
	h.seedPending(t, tiers.TierToolkit, "")
	h.start(t, entitlements.ReturnSignal{})
	require.Eventually(t, func() bool { return h.source.Calls() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h.resolver.ClearPaymentPending())
	assert.NoError(t, h.resolver.Wait(context.Background()))
	assert.Equal(t, PhaseSettled, h.resolver.View().Phase)
	assert.Equal(t, 2, h.source.Calls())
}

func TestClearPaymentPendingDuringStartLoadKeepsResult(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	source := func(call int) (*entitlements.Snapshot, error) {
		if call == 1 {
			close(entered)
			<-release
		}
		return entitlements.SnapshotForTier(tiers.TierAdvanced), nil
	}
	h := newHarness(t, source, nil)
	h.seedPending(t, tiers.TierToolkit, "cs_1")

	started := make(chan error, 1)
	go func() {
		started <- h.resolver.Start(context.Background(), entitlements.ReturnSignal{})
	}()
	<-entered
	require.Equal(t, PhaseLoading, h.resolver.View().Phase)

	require.NoError(t, h.resolver.ClearPaymentPending())
	close(release)
	require.NoError(t, <-started)

	view := h.wait(t)
	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierAdvanced, view.Tier())
	assert.Nil(t, view.Pending)
	assert.Nil(t, h.storedPending(t))

	cached, err := h.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tiers.TierAdvanced, cached.Tier)
}

func TestClearPaymentPendingDuringForceRefreshKeepsResult(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	source := func(call int) (*entitlements.Snapshot, error) {
		if call == 1 {
			return entitlements.FreeSnapshot(), nil
		}
		close(entered)
		<-release
		return entitlements.SnapshotForTier(tiers.TierIdentityTheft), nil
	}
	h := newHarness(t, source, nil)
	h.start(t, entitlements.ReturnSignal{})

	refreshed := make(chan error, 1)
	go func() {
		refreshed <- h.resolver.ForceRefresh(context.Background())
	}()
	<-entered
	require.Equal(t, PhaseLoading, h.resolver.View().Phase)

	require.NoError(t, h.resolver.ClearPaymentPending())
	close(release)
	require.NoError(t, <-refreshed)

	view := h.resolver.View()
	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierIdentityTheft, view.Tier())
	assert.False(t, view.Stale)
}

func TestWaitReturnsAfterLoopExits(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(call int) (*entitlements.Snapshot, error) {
		if call == 1 {
			return entitlements.FreeSnapshot(), nil
		}
		<-release
		return entitlements.SnapshotForTier(tiers.TierToolkit), nil
	}, nil)
	h.seedPending(t, tiers.TierToolkit, "")
	h.start(t, entitlements.ReturnSignal{})

	h.resolver.mu.RLock()
	done := h.resolver.loopDone
	h.resolver.mu.RUnlock()
	require.NotNil(t, done)
	close(release)

	assert.Equal(t, PhaseSettled, h.wait(t).Phase)
	select {
	case <-done:
	default:
		t.Fatal("Wait returned while the reconciliation goroutine was still running")
	}

	h.resolver.mu.RLock()
	defer h.resolver.mu.RUnlock()
	assert.Nil(t, h.resolver.loopDone)
	assert.Nil(t, h.resolver.loopCancel)
}

func TestTimedOutRecoversOnManualRefresh(t *testing.T) {
	source := func(call int) (*entitlements.Snapshot, error) {
		if call > 3 {
			return entitlements.SnapshotForTier(tiers.TierToolkit), nil
		}
		return entitlements.FreeSnapshot(), nil
	}
	h := newHarness(t, source, nil, withMaxAttempts(2))
	h.seedPending(t, tiers.TierToolkit, "")
	h.start(t, entitlements.ReturnSignal{})
	require.Equal(t, PhaseTimedOut, h.wait(t).Phase)

	require.NoError(t, h.resolver.ForceRefresh(context.Background()))
	view := h.wait(t)
	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierToolkit, view.Tier())
	assert.Nil(t, h.storedPending(t))
}

func TestSignedOutUsesCacheOnly(t *testing.T) {
	h := newHarness(t, nil, nil, signedOut())
	h.seedSnapshot(t, tiers.TierToolkit)

	h.start(t, entitlements.ReturnSignal{Success: true, Tier: "advanced"})
	view := h.resolver.View()

	assert.Equal(t, PhaseSettled, view.Phase)
	assert.Equal(t, tiers.TierToolkit, view.Tier())
	require.NotNil(t, view.Pending)
	assert.Equal(t, tiers.TierAdvanced, view.Pending.ExpectedTier)
	assert.Zero(t, h.source.Calls())

	h.seedSnapshot(t, tiers.TierAdvanced)
	require.NoError(t, h.resolver.ForceRefresh(context.Background()))
	assert.Equal(t, tiers.TierAdvanced, h.resolver.CurrentTier())
}

func TestSignedOutWithoutCacheIsFree(t *testing.T) {
	h := newHarness(t, nil, nil, signedOut())
	h.start(t, entitlements.ReturnSignal{})

	assert.Equal(t, tiers.TierFree, h.resolver.CurrentTier())
	assert.False(t, h.resolver.CanPerformAction(tiers.ActionDownloadLetter))
	assert.True(t, h.resolver.CanPerformAction(tiers.ActionTrackDisputes))
}

func TestNewRequiresSourceWhenSignedIn(t *testing.T) {
	_, err := New(Config{}, Deps{Identity: "user"})
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil)
	h.start(t, entitlements.ReturnSignal{})
	assert.ErrorIs(t, h.resolver.Start(context.Background(), entitlements.ReturnSignal{}), ErrAlreadyStarted)
}

func TestQuerySurfaceAppliesOverrides(t *testing.T) {
	tests := []struct {
		name     string
		snapshot *entitlements.Snapshot
		action   tiers.Action
		reason   entitlements.BlockReason
	}{
		{
			name:     "frozen",
			snapshot: &entitlements.Snapshot{Tier: tiers.TierAdvanced, AccessFrozen: true},
			action:   tiers.ActionDownloadLetter,
			reason:   entitlements.ReasonFrozen,
		},
		{
			name:     "revoked",
			snapshot: &entitlements.Snapshot{Tier: tiers.TierAdvanced, AccessRevoked: true},
			action:   tiers.ActionDownloadLetter,
			reason:   entitlements.ReasonRevoked,
		},
		{
			name:     "tier",
			snapshot: &entitlements.Snapshot{Tier: tiers.TierToolkit},
			action:   tiers.ActionUseAIChat,
			reason:   entitlements.ReasonTier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(int) (*entitlements.Snapshot, error) { return tt.snapshot, nil }, nil)
			h.start(t, entitlements.ReturnSignal{})

			assert.False(t, h.resolver.CanPerformAction(tt.action))
			block := h.resolver.BlockedReason(tt.action)
			assert.True(t, block.Blocked)
			assert.Equal(t, tt.reason, block.Reason)
			assert.NotEmpty(t, block.Message)
		})
	}

	h := newHarness(t, func(int) (*entitlements.Snapshot, error) {
		return &entitlements.Snapshot{Tier: tiers.TierFree, IsBeta: true, AccessRevoked: true}, nil
	}, nil)
	h.start(t, entitlements.ReturnSignal{})
	for _, f := range tiers.Features() {
		assert.True(t, h.resolver.HasFeature(f), f)
	}
	assert.True(t, h.resolver.HasTierLevel(tiers.TierIdentityTheft))
	assert.Equal(t, tiers.TierFree, h.resolver.CurrentTier())
}

func TestRecordUsageIncrementsLocallyAndReports(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierToolkit), nil)
	h.start(t, entitlements.ReturnSignal{})

	require.NoError(t, h.resolver.RecordUsage(tiers.ActionAnalyzePDF))
	require.NoError(t, h.resolver.RecordUsage(tiers.ActionDownloadLetter))

	view := h.resolver.View()
	assert.Equal(t, int64(1), view.Snapshot.Used(tiers.QuotaPDFAnalyses))

	cached, err := h.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Used(tiers.QuotaPDFAnalyses))

	require.Eventually(t, func() bool { return len(h.usage.Calls()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []usageCall{
		{action: tiers.ActionAnalyzePDF, increment: 1},
		{action: tiers.ActionDownloadLetter, increment: 1},
	}, h.usage.Calls())
}

func TestRecordUsageExhaustsQuota(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierToolkit), nil)
	h.start(t, entitlements.ReturnSignal{})

	limit := int(tiers.FeaturesFor(tiers.TierToolkit).PDFAnalyses)
	for i := 0; i < limit; i++ {
		require.True(t, h.resolver.CanPerformAction(tiers.ActionAnalyzePDF))
		require.NoError(t, h.resolver.RecordUsage(tiers.ActionAnalyzePDF))
	}
	assert.False(t, h.resolver.CanPerformAction(tiers.ActionAnalyzePDF))
	assert.Equal(t, entitlements.ReasonQuota, h.resolver.BlockedReason(tiers.ActionAnalyzePDF).Reason)
}

func TestRecordUsageIsNoopWhileRestricted(t *testing.T) {
	for _, snapshot := range []*entitlements.Snapshot{
		{Tier: tiers.TierAdvanced, AccessFrozen: true},
		{Tier: tiers.TierAdvanced, AccessRevoked: true},
	} {
		h := newHarness(t, func(int) (*entitlements.Snapshot, error) { return snapshot, nil }, nil)
		h.start(t, entitlements.ReturnSignal{})

		require.NoError(t, h.resolver.RecordUsage(tiers.ActionAnalyzePDF))
		require.NoError(t, h.resolver.Close())

		assert.Zero(t, h.resolver.View().Snapshot.Used(tiers.QuotaPDFAnalyses))
		assert.Empty(t, h.usage.Calls())
	}
}

func TestRecordUsageFailureIsNotRolledBack(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierAdvanced), nil)
	h.usage.err = errNetwork
	h.start(t, entitlements.ReturnSignal{})

	require.NoError(t, h.resolver.RecordUsage(tiers.ActionAnalyzePDF))
	require.NoError(t, h.resolver.Close())

	assert.Len(t, h.usage.Calls(), 1)
	assert.Equal(t, int64(1), h.resolver.View().Snapshot.Used(tiers.QuotaPDFAnalyses))
}

func TestRecordUsageRejectsUnknownAction(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierAdvanced), nil)
	h.start(t, entitlements.ReturnSignal{})
	assert.Error(t, h.resolver.RecordUsage(tiers.Action("teleport")))
}

func TestMarkPaymentPending(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil)
	h.start(t, entitlements.ReturnSignal{})

	_, err := h.resolver.MarkPaymentPending(tiers.TierFree, "")
	assert.Error(t, err)

	first, err := h.resolver.MarkPaymentPending(tiers.TierToolkit, "")
	require.NoError(t, err)
	second, err := h.resolver.MarkPaymentPending(tiers.TierAdvanced, "cs_2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, tiers.TierAdvanced, second.ExpectedTier)
	assert.Equal(t, "cs_2", second.SessionID)
	assert.Equal(t, PhaseSettled, h.resolver.View().Phase, "marking does not start reconciliation")

	stored := h.storedPending(t)
	require.NotNil(t, stored)
	assert.Equal(t, tiers.TierAdvanced, stored.ExpectedTier)
}

func TestSubscribeReceivesLatestView(t *testing.T) {
	h := newHarness(t, func(call int) (*entitlements.Snapshot, error) {
		if call >= 3 {
			return entitlements.SnapshotForTier(tiers.TierToolkit), nil
		}
		return entitlements.FreeSnapshot(), nil
	}, nil)
	h.seedPending(t, tiers.TierToolkit, "")

	views, unsubscribe := h.resolver.Subscribe()
	defer unsubscribe()

	initial := <-views
	assert.Equal(t, PhaseUninitialized, initial.Phase)

	h.start(t, entitlements.ReturnSignal{})
	h.wait(t)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.Phase == PhaseSettled && v.Tier() == tiers.TierToolkit {
				return
			}
		case <-deadline:
			t.Fatal("never observed the settled view")
		}
	}
}

func TestSubscribeClosedOnClose(t *testing.T) {
	h := newHarness(t, alwaysTier(tiers.TierFree), nil)
	views, _ := h.resolver.Subscribe()
	<-views
	require.NoError(t, h.resolver.Close())

	_, ok := <-views
	assert.False(t, ok)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(PhaseLoading, PhaseReconciling))
	assert.True(t, canTransition(PhaseTimedOut, PhaseLoading))
	assert.False(t, canTransition(PhaseSettled, PhaseTimedOut))
	assert.False(t, canTransition(PhaseUninitialized, PhaseReconciling))
	assert.False(t, canTransition(PhaseTimedOut, PhaseReconciling))
}
