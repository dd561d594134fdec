// Package syncengine drains the local draft store into the store of record.
//
// Per draft the state machine is pending -> syncing -> synced | failed. The
// syncing state is written before the network call and is the only lock:
// passes are single-flight in-process, and a syncing draft left behind by a
// crash is reset once it is older than StaleAfter.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/config"
	"brewlog/internal/drafts"
	"brewlog/internal/middleware"
	"brewlog/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// Failure describes a draft that failed during a pass.
type Failure struct {
	LocalID  string           `json:"local_id"`
	Kind     models.ErrorKind `json:"kind"`
	Error    string           `json:"error"`
	Attempts int              `json:"attempts"`
	// Final is set when the draft will not be retried automatically.
	Final bool `json:"final"`
}

// SyncResult summarizes one pass. Success is false when any draft failed or
// the pass was aborted.
type SyncResult struct {
	Success      bool      `json:"success"`
	SyncedCount  int       `json:"synced_count"`
	FailedCount  int       `json:"failed_count"`
	SkippedCount int       `json:"skipped_count"`
	Coalesced    bool      `json:"coalesced,omitempty"`
	Failures     []Failure `json:"failures,omitempty"`
}

type Engine struct {
	store  DraftStore
	remote RemoteRepository
	cfg    config.SyncConfig
	now    func() time.Time
	logger *slog.Logger

	running atomic.Bool

	timerMu    sync.Mutex
	retryTimer *time.Timer
	retryAt    time.Time

	conn       Connectivity
	dispatcher *dispatcher
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConnectivity gates background passes on the monitor and triggers a
// pass on every offline -> online transition.
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) { e.conn = c }
}

func New(store DraftStore, remote RemoteRepository, cfg config.SyncConfig, opts ...Option) *Engine {
	def := config.DefaultSync()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	e := &Engine{
		store:  store,
		remote: remote,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = newDispatcher(e)
	return e
}

// SyncPendingDrafts runs one pass over pending drafts and failed drafts whose
// backoff has elapsed. A call made while another pass is running returns
// immediately with Coalesced set. Per-draft failures are recorded on the
// draft and reported in the result; only draft store failures are returned
// as errors.
func (e *Engine) SyncPendingDrafts(ctx context.Context) (SyncResult, error) {
	return e.syncPass(ctx, false)
}

// SyncAfterReconnect is SyncPendingDrafts without waiting for backoff delays.
// Transient failures retried this way still count toward MaxAttempts.
func (e *Engine) SyncAfterReconnect(ctx context.Context) (SyncResult, error) {
	return e.syncPass(ctx, true)
}

func (e *Engine) syncPass(ctx context.Context, ignoreBackoff bool) (SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync pass already running, coalescing trigger")
		return SyncResult{Success: true, Coalesced: true}, nil
	}
	defer e.running.Store(false)

	ctx, span := middleware.StartSpan(ctx, "SyncEngine.SyncPendingDrafts",
		attribute.Bool("sync.ignore_backoff", ignoreBackoff),
	)
	defer span.End()

	// No other pass runs in this process, so any syncing draft here was left
	// by an earlier process.
	if _, err := e.recoverStale(ctx); err != nil {
		middleware.AddSpanError(ctx, err)
		return SyncResult{}, err
	}

	list, err := e.store.List(ctx, drafts.Filter{
		States: []models.SyncState{models.SyncStatePending, models.SyncStateFailed},
	})
	if err != nil {
		err = fmt.Errorf("failed to list drafts: %w", err)
		middleware.AddSpanError(ctx, err)
		return SyncResult{}, err
	}

	result := SyncResult{Success: true}
	var nextRetry time.Time
	noteRetry := func(at time.Time) {
		if !at.IsZero() && (nextRetry.IsZero() || at.Before(nextRetry)) {
			nextRetry = at
		}
	}

	for i := range list {
		d := &list[i]

		if err := ctx.Err(); err != nil {
			result.Success = false
			return result, fmt.Errorf("sync pass interrupted: %w", err)
		}

		if !e.eligible(d, ignoreBackoff) {
			result.SkippedCount++
			if e.retryable(d) {
				noteRetry(d.NextAttemptAt)
			}
			continue
		}

		out, err := e.syncDraft(ctx, d)
		if err != nil {
			result.Success = false
			middleware.AddSpanError(ctx, err)
			e.schedule(nextRetry)
			return result, err
		}

		switch {
		case out.skipped:
			result.SkippedCount++
		case out.synced:
			result.SyncedCount++
		case out.failure != nil:
			result.FailedCount++
			result.Failures = append(result.Failures, *out.failure)
			if !out.failure.Final {
				noteRetry(out.nextAttemptAt)
			}
		}
	}

	e.schedule(nextRetry)

	result.Success = result.FailedCount == 0
	span.SetAttributes(
		attribute.Int("sync.synced", result.SyncedCount),
		attribute.Int("sync.failed", result.FailedCount),
		attribute.Int("sync.skipped", result.SkippedCount),
	)
	if result.SyncedCount > 0 || result.FailedCount > 0 {
		e.logger.Info("sync pass finished",
			"synced", result.SyncedCount,
			"failed", result.FailedCount,
			"skipped", result.SkippedCount,
		)
	}
	return result, nil
}

func (e *Engine) eligible(d *models.DraftRecord, ignoreBackoff bool) bool {
	switch d.SyncState {
	case models.SyncStatePending:
		return true
	case models.SyncStateFailed:
		if !e.retryable(d) {
			return false
		}
		return ignoreBackoff || !e.now().Before(d.NextAttemptAt)
	}
	return false
}

// retryable reports whether a failed draft may still be retried automatically.
func (e *Engine) retryable(d *models.DraftRecord) bool {
	return d.SyncState == models.SyncStateFailed &&
		d.ErrorKind == models.ErrorKindTransient &&
		d.AttemptCount < e.cfg.MaxAttempts
}

type draftOutcome struct {
	synced        bool
	skipped       bool
	failure       *Failure
	nextAttemptAt time.Time
}

// syncDraft claims one draft and pushes it. A returned error means the draft
// store failed and the pass must stop.
func (e *Engine) syncDraft(ctx context.Context, d *models.DraftRecord) (draftOutcome, error) {
	ctx, span := middleware.StartSpan(ctx, "SyncEngine.SyncDraft",
		attribute.String("draft.local_id", d.LocalID),
		attribute.Int("draft.attempt", d.AttemptCount+1),
	)
	defer span.End()

	claimed, err := e.store.Update(ctx, d.LocalID, models.DraftPatch{
		Expect:        []models.SyncState{models.SyncStatePending, models.SyncStateFailed},
		SyncState:     models.Ptr(models.SyncStateSyncing),
		SyncStartedAt: models.Ptr(e.now().UTC()),
	})
	if apperrors.IsConflict(err) || apperrors.IsNotFound(err) {
		// Edited, retried or removed since the list was read.
		return draftOutcome{skipped: true}, nil
	}
	if err != nil {
		return draftOutcome{}, fmt.Errorf("failed to claim draft %s: %w", d.LocalID, err)
	}

	if rec, ok := e.remote.(Reconciler); ok && (claimed.NeedsReconcile || claimed.AttemptCount > 0) {
		ref, found, err := e.reconcile(ctx, rec, claimed.LocalID)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return e.recordFailure(ctx, claimed, err)
		}
		if found {
			middleware.AddSpanEvent(ctx, "reconciled", attribute.String("remote.id", ref.RemoteID))
			return e.markSynced(ctx, claimed, ref)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	ref, err := e.remote.Create(callCtx, claimed.Payload, claimed.LocalID)
	cancel()

	if err == nil && ref.RemoteID == "" {
		err = apperrors.Transient("create brew", errors.New("store of record returned no id"))
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return e.recordFailure(ctx, claimed, err)
	}
	return e.markSynced(ctx, claimed, ref)
}

func (e *Engine) reconcile(ctx context.Context, rec Reconciler, key string) (models.RemoteRef, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	ref, found, err := rec.FindByIdempotencyKey(callCtx, key)
	if err != nil {
		return models.RemoteRef{}, false, err
	}
	return ref, found && ref.RemoteID != "", nil
}

// markSynced records the remote id before removing the draft, so a crash in
// between leaves a synced draft that recovery deletes without re-sending.
func (e *Engine) markSynced(ctx context.Context, d *models.DraftRecord, ref models.RemoteRef) (draftOutcome, error) {
	_, err := e.store.Update(ctx, d.LocalID, models.DraftPatch{
		Expect:         []models.SyncState{models.SyncStateSyncing},
		SyncState:      models.Ptr(models.SyncStateSynced),
		RemoteID:       models.Ptr(ref.RemoteID),
		LastError:      models.Ptr(""),
		ErrorKind:      models.Ptr(models.ErrorKindNone),
		NeedsReconcile: models.Ptr(false),
	})
	if apperrors.IsNotFound(err) || apperrors.IsConflict(err) {
		// The server holds the brew. Another handle on the store already
		// settled or removed this draft.
		e.logger.Info("draft settled elsewhere",
			"local_id", d.LocalID,
			"remote_id", ref.RemoteID,
		)
		return draftOutcome{synced: true}, nil
	}
	if err != nil {
		return draftOutcome{}, fmt.Errorf("failed to mark draft %s synced: %w", d.LocalID, err)
	}

	if err := e.store.Remove(ctx, d.LocalID); err != nil {
		return draftOutcome{}, fmt.Errorf("failed to remove synced draft %s: %w", d.LocalID, err)
	}

	e.logger.Info("draft synced",
		"local_id", d.LocalID,
		"remote_id", ref.RemoteID,
		"replayed", ref.Replayed,
	)
	return draftOutcome{synced: true}, nil
}

func (e *Engine) recordFailure(ctx context.Context, d *models.DraftRecord, cause error) (draftOutcome, error) {
	attempts := d.AttemptCount + 1
	failure := &Failure{LocalID: d.LocalID, Error: cause.Error(), Attempts: attempts}

	patch := models.DraftPatch{
		Expect:        []models.SyncState{models.SyncStateSyncing},
		SyncState:     models.Ptr(models.SyncStateFailed),
		AttemptCount:  models.Ptr(attempts),
		LastError:     models.Ptr(cause.Error()),
		SyncStartedAt: models.Ptr(time.Time{}),
	}

	var next time.Time
	if apperrors.IsValidation(cause) {
		failure.Kind = models.ErrorKindValidation
		failure.Final = true
		patch.ErrorKind = models.Ptr(models.ErrorKindValidation)
		patch.NextAttemptAt = models.Ptr(time.Time{})
		patch.NeedsReconcile = models.Ptr(false)
	} else {
		// Timeouts land here too: the create may have succeeded remotely.
		failure.Kind = models.ErrorKindTransient
		failure.Final = attempts >= e.cfg.MaxAttempts
		if !failure.Final {
			next = e.now().UTC().Add(Backoff(attempts, e.cfg.BaseDelay, e.cfg.MaxDelay))
		}
		patch.ErrorKind = models.Ptr(models.ErrorKindTransient)
		patch.NextAttemptAt = models.Ptr(next)
		patch.NeedsReconcile = models.Ptr(true)
	}

	if _, err := e.store.Update(ctx, d.LocalID, patch); err != nil {
		return draftOutcome{}, fmt.Errorf("failed to record sync failure for draft %s: %w", d.LocalID, err)
	}

	e.logger.Warn("draft sync failed",
		"local_id", d.LocalID,
		"kind", failure.Kind,
		"attempts", attempts,
		"final", failure.Final,
		"error", cause,
	)
	return draftOutcome{failure: failure, nextAttemptAt: next}, nil
}

// Retry moves a failed draft back to pending and resets its attempt count.
// Drafts in any other state are rejected with a ConflictError.
func (e *Engine) Retry(ctx context.Context, localID string) (*models.DraftRecord, error) {
	d, err := e.store.Update(ctx, localID, models.DraftPatch{
		Expect:        []models.SyncState{models.SyncStateFailed},
		SyncState:     models.Ptr(models.SyncStatePending),
		AttemptCount:  models.Ptr(0),
		LastError:     models.Ptr(""),
		ErrorKind:     models.Ptr(models.ErrorKindNone),
		NextAttemptAt: models.Ptr(time.Time{}),
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("draft queued for retry", "local_id", localID)
	e.Trigger()
	return d, nil
}

// RecoverStale resets syncing drafts older than StaleAfter to pending and
// deletes synced drafts whose removal was interrupted. It returns the number
// of drafts reset.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	if !e.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer e.running.Store(false)

	return e.recoverStale(ctx)
}

func (e *Engine) recoverStale(ctx context.Context) (int, error) {
	leftovers, err := e.store.List(ctx, drafts.Filter{
		States: []models.SyncState{models.SyncStateSyncing, models.SyncStateSynced},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list drafts for recovery: %w", err)
	}

	now := e.now()
	reset := 0
	for _, d := range leftovers {
		switch d.SyncState {
		case models.SyncStateSynced:
			if d.RemoteID == "" {
				continue
			}
			if err := e.store.Remove(ctx, d.LocalID); err != nil {
				return reset, fmt.Errorf("failed to remove synced draft %s: %w", d.LocalID, err)
			}
			e.logger.Info("removed synced draft left by an earlier run", "local_id", d.LocalID)

		case models.SyncStateSyncing:
			if !d.SyncStartedAt.IsZero() && now.Sub(d.SyncStartedAt) < e.cfg.StaleAfter {
				continue
			}
			_, err := e.store.Update(ctx, d.LocalID, models.DraftPatch{
				Expect:         []models.SyncState{models.SyncStateSyncing},
				SyncState:      models.Ptr(models.SyncStatePending),
				SyncStartedAt:  models.Ptr(time.Time{}),
				NeedsReconcile: models.Ptr(true),
			})
			if apperrors.IsConflict(err) || apperrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return reset, fmt.Errorf("failed to reset stale draft %s: %w", d.LocalID, err)
			}
			reset++
			e.logger.Warn("reset stale syncing draft", "local_id", d.LocalID, "started_at", d.SyncStartedAt)
		}
	}
	return reset, nil
}

// NextRetryAt returns when the automatic retry timer fires, or zero.
func (e *Engine) NextRetryAt() time.Time {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.retryAt
}

// schedule arms the retry timer for at, replacing an earlier one. Zero
// disarms it.
func (e *Engine) schedule(at time.Time) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.retryAt = at
	if at.IsZero() {
		return
	}

	delay := max(at.Sub(e.now()), 0)
	e.retryTimer = time.AfterFunc(delay, e.Trigger)
}

func (e *Engine) stopTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.retryAt = time.Time{}
}
