package syncengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/config"
	"brewlog/internal/connectivity"
	"brewlog/internal/drafts"
	"brewlog/internal/kv"
	"brewlog/internal/models"
	"brewlog/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	kv     *kv.MemoryStore
	store  *drafts.Store
	remote *remote.Memory
	clock  *clock
	engine *Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		RemoteTimeout: time.Second,
		StaleAfter:    time.Minute,
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		kv:     kv.NewMemoryStore(),
		remote: remote.NewMemory(),
		clock:  &clock{t: time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)},
	}
	h.store = drafts.NewStore(h.kv, drafts.WithClock(h.clock.now), drafts.WithLogger(quietLogger()))

	opts = append([]Option{WithClock(h.clock.now), WithLogger(quietLogger())}, opts...)
	h.engine = New(h.store, h.remote, testConfig(), opts...)
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) save(t *testing.T, p models.BrewPayload) string {
	t.Helper()
	id, err := h.store.Save(context.Background(), models.DraftRecord{Payload: p})
	require.NoError(t, err)
	h.clock.advance(time.Second)
	return id
}

func (h *harness) drafts(t *testing.T) []models.DraftRecord {
	t.Helper()
	list, err := h.store.List(context.Background(), drafts.Filter{})
	require.NoError(t, err)
	return list
}

func brew(dose float64) models.BrewPayload {
	return models.BrewPayload{MachineID: 1, BagID: 2, GrinderID: 3, BaristaID: 4, Dose: dose}
}

func TestSync_OfflineCaptureScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.save(t, brew(18))

	list := h.drafts(t)
	require.Len(t, list, 1)
	assert.Equal(t, models.SyncStatePending, list[0].SyncState)
	assert.Nil(t, list[0].Payload.Yield)

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 0, res.FailedCount)

	assert.Empty(t, h.drafts(t))
	rec, err := h.remote.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.IdempotencyKey)
	assert.Equal(t, 18.0, rec.Dose)
}

func TestSync_PreservesCaptureOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ids := []string{h.save(t, brew(18)), h.save(t, brew(19)), h.save(t, brew(20))}

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.SyncedCount)
	assert.Equal(t, ids, h.remote.Keys())
}

func TestSync_DroppedResponseIsReconciled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.save(t, brew(18))

	dropped := false
	h.remote.AfterCreate = func(context.Context, string) error {
		if !dropped {
			dropped = true
			return apperrors.Transient("create brew", errors.New("connection reset"))
		}
		return nil
	}

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.FailedCount)

	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, d.SyncState)
	assert.Equal(t, 1, d.AttemptCount)
	assert.True(t, d.NeedsReconcile)
	assert.Equal(t, models.ErrorKindTransient, d.ErrorKind)

	h.clock.advance(time.Minute)
	calls := h.remote.Calls()

	res, err = h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, calls, h.remote.Calls(), "reconciliation found the record, no second create")
	assert.Equal(t, 1, h.remote.Len())
	assert.Empty(t, h.drafts(t))
}

// createOnly hides FindByIdempotencyKey so the engine falls back to a blind
// retry with the same key.
type createOnly struct{ m *remote.Memory }

func (c createOnly) Create(ctx context.Context, p models.BrewPayload, key string) (models.RemoteRef, error) {
	return c.m.Create(ctx, p, key)
}

func TestSync_BlindRetryReusesIdempotencyKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine = New(h.store, createOnly{h.remote}, testConfig(), WithClock(h.clock.now), WithLogger(quietLogger()))
	h.save(t, brew(18))

	dropped := false
	h.remote.AfterCreate = func(context.Context, string) error {
		if !dropped {
			dropped = true
			return context.DeadlineExceeded
		}
		return nil
	}

	_, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)

	res, err := h.engine.SyncAfterReconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 2, h.remote.Calls())
	assert.Equal(t, 1, h.remote.Len(), "exactly one remote record")
}

func TestSync_ValidationFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.save(t, brew(18))
	h.remote.FailNext(apperrors.Validation("bag_id", "unknown bag"))

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, models.ErrorKindValidation, res.Failures[0].Kind)
	assert.True(t, res.Failures[0].Final)
	assert.Contains(t, res.Failures[0].Error, "unknown bag")

	h.clock.advance(time.Hour)
	calls := h.remote.Calls()

	res, err = h.engine.SyncAfterReconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, calls, h.remote.Calls())

	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, d.SyncState)
	assert.Contains(t, d.LastError, "unknown bag")
}

func TestSync_TransientBackoffAndCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.save(t, brew(18))
	transient := apperrors.Transient("create brew", errors.New("503"))
	h.remote.FailNext(transient, transient, transient, transient)
	ctx := context.Background()

	_, err := h.engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	d, _ := h.store.Get(ctx, id)
	assert.True(t, h.clock.now().Add(time.Second).Equal(d.NextAttemptAt))
	assert.True(t, d.NextAttemptAt.Equal(h.engine.NextRetryAt()))

	// Backoff not elapsed yet.
	res, err := h.engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 1, h.remote.Calls())

	h.clock.advance(time.Second)
	_, err = h.engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	d, _ = h.store.Get(ctx, id)
	assert.Equal(t, 2, d.AttemptCount)
	assert.True(t, h.clock.now().Add(2*time.Second).Equal(d.NextAttemptAt))

	h.clock.advance(time.Minute)
	res, err = h.engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Final, "third attempt reaches the ceiling")
	assert.True(t, h.engine.NextRetryAt().IsZero())

	h.clock.advance(time.Hour)
	res, err = h.engine.SyncAfterReconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 3, h.remote.Calls())

	d, _ = h.store.Get(ctx, id)
	assert.Equal(t, models.SyncStateFailed, d.SyncState, "left for manual intervention")
}

func TestSync_ReconnectIgnoresBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.save(t, brew(18))
	h.remote.FailNext(apperrors.Transient("create brew", errors.New("offline")))

	_, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)

	res, err := h.engine.SyncAfterReconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
}

func TestSync_ConcurrentPassIsCoalesced(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.save(t, brew(18))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.BeforeCreate = func(context.Context, string) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan SyncResult)
	go func() {
		res, _ := h.engine.SyncPendingDrafts(context.Background())
		done <- res
	}()
	<-entered

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Coalesced)
	assert.Zero(t, res.SyncedCount)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.SyncedCount)
	assert.Equal(t, 1, h.remote.Len())
}

func TestSync_SyncingDraftIsNotClaimedTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.save(t, brew(18))
	_, err := h.store.Update(context.Background(), id, models.DraftPatch{
		SyncState:     models.Ptr(models.SyncStateSyncing),
		SyncStartedAt: models.Ptr(h.clock.now()),
	})
	require.NoError(t, err)

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.SyncedCount)
	assert.Zero(t, h.remote.Calls())
}

// A second agent process on the same store may settle a draft while this
// pass is waiting on the server. Losing that race must not abort the pass.
func TestSync_DraftSettledElsewhereDuringCreate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.save(t, brew(18))
	second := h.save(t, brew(19))

	h.remote.AfterCreate = func(ctx context.Context, key string) error {
		if key == first {
			return h.store.Remove(ctx, first)
		}
		return nil
	}

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.SyncedCount)
	assert.Equal(t, []string{first, second}, h.remote.Keys())
	assert.Empty(t, h.drafts(t))
}

func TestSync_StoreFailureAbortsPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.save(t, brew(18))
	require.NoError(t, h.kv.Close())

	res, err := h.engine.SyncPendingDrafts(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.False(t, res.Success)
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	stale := h.save(t, brew(18))
	fresh := h.save(t, brew(19))

	_, err := h.store.Update(ctx, stale, models.DraftPatch{
		SyncState:     models.Ptr(models.SyncStateSyncing),
		SyncStartedAt: models.Ptr(h.clock.now().Add(-5 * time.Minute)),
	})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, fresh, models.DraftPatch{
		SyncState:     models.Ptr(models.SyncStateSyncing),
		SyncStartedAt: models.Ptr(h.clock.now()),
	})
	require.NoError(t, err)

	n, err := h.engine.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, _ := h.store.Get(ctx, stale)
	assert.Equal(t, models.SyncStatePending, d.SyncState)
	assert.True(t, d.NeedsReconcile)

	d, _ = h.store.Get(ctx, fresh)
	assert.Equal(t, models.SyncStateSyncing, d.SyncState)
}

func TestRecovery_CrashAfterRemoteSuccessDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	id := h.save(t, brew(18))

	// The previous process claimed the draft, the create landed, then it died.
	_, err := h.store.Update(ctx, id, models.DraftPatch{
		SyncState:     models.Ptr(models.SyncStateSyncing),
		SyncStartedAt: models.Ptr(h.clock.now()),
	})
	require.NoError(t, err)
	_, err = h.remote.Create(ctx, brew(18), id)
	require.NoError(t, err)

	h.clock.advance(2 * time.Minute)
	restarted := New(h.store, h.remote, testConfig(), WithClock(h.clock.now), WithLogger(quietLogger()))

	res, err := restarted.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 1, h.remote.Len())
	assert.Equal(t, 1, h.remote.Calls(), "reconciled by key, never re-created")
	assert.Empty(t, h.drafts(t))
}

func TestRecovery_RemovesSyncedLeftovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	id := h.save(t, brew(18))

	ref, err := h.remote.Create(ctx, brew(18), id)
	require.NoError(t, err)
	_, err = h.store.Update(ctx, id, models.DraftPatch{
		SyncState: models.Ptr(models.SyncStateSynced),
		RemoteID:  models.Ptr(ref.RemoteID),
	})
	require.NoError(t, err)

	_, err = h.engine.RecoverStale(ctx)
	require.NoError(t, err)

	assert.Empty(t, h.drafts(t))
	assert.Equal(t, 1, h.remote.Len())
}

func TestRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	id := h.save(t, brew(18))

	_, err := h.engine.Retry(ctx, id)
	assert.True(t, apperrors.IsConflict(err), "pending drafts cannot be retried")

	_, err = h.engine.Retry(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	h.remote.FailNext(apperrors.Validation("dose", "too small"))
	_, err = h.engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)

	d, err := h.engine.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, d.SyncState)
	assert.Zero(t, d.AttemptCount)
	assert.Empty(t, d.LastError)

	res, err := h.engine.SyncPendingDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedCount)
}

func TestDispatcher_WaitsForConnectivity(t *testing.T) {
	t.Parallel()

	monitor := connectivity.NewMonitor(false, quietLogger())
	h := newHarness(t, WithConnectivity(monitor))
	h.save(t, brew(18))

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.remote.BeforeCreate = func(context.Context, string) error {
		entered <- struct{}{}
		<-release
		return nil
	}

	require.NoError(t, h.engine.Start(context.Background()))
	h.engine.Trigger()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.engine.Passes(), "no pass while offline")
	assert.Zero(t, h.remote.Calls())

	// The listener must return even though the pass it starts is blocked.
	setDone := make(chan struct{})
	go func() {
		monitor.Set(true)
		close(setDone)
	}()
	select {
	case <-setDone:
	case <-time.After(time.Second):
		t.Fatal("connectivity listener blocked on the sync pass")
	}

	<-entered
	close(release)

	require.Eventually(t, func() bool { return h.remote.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := h.store.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base, max := 2*time.Second, 30*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}
