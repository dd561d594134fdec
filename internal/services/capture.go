package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"brewlog/internal/apperrors"
	"brewlog/internal/drafts"
	"brewlog/internal/middleware"
	"brewlog/internal/models"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WRITE-THROUGH WITH A LOCAL SAFETY NET

A brew submitted while online goes straight to the store of record under a
fresh idempotency key. If that call fails transiently the request may still
have landed, so the brew is saved as a draft under the SAME key with
NeedsReconcile set: the sync engine will look the key up before creating
again, and the server's unique index rejects a second row either way.

Offline submissions and explicit drafts skip the network and wake the
dispatcher instead.
*/

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	// AsDraft keeps the brew local even when online.
	AsDraft bool
}

// SubmitResult reports where a submitted brew ended up.
type SubmitResult struct {
	LocalID  string `json:"local_id,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
	Drafted  bool   `json:"drafted"`
	Replayed bool   `json:"replayed,omitempty"`
}

// CaptureService is the barista-facing brew capture flow.
type CaptureService struct {
	drafts DraftStore
	remote BrewCreator
	sync   SyncTrigger
	conn   Connectivity
	namer  *BrewNamer
	logger *slog.Logger
}

// NewCaptureService wires the capture flow. catalog may be nil, in which case
// display names use fallbacks for remote values.
func NewCaptureService(
	draftStore DraftStore,
	remote BrewCreator,
	catalog Catalog,
	sync SyncTrigger,
	conn Connectivity,
	names NameResolver,
	logger *slog.Logger,
) *CaptureService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureService{
		drafts: draftStore,
		remote: remote,
		sync:   sync,
		conn:   conn,
		namer:  NewBrewNamer(catalog, names, logger, WithNamerConnectivity(conn)),
		logger: logger,
	}
}

// Submit validates and records a brew, remotely when possible.
func (s *CaptureService) Submit(ctx context.Context, payload models.BrewPayload, opts SubmitOptions) (*SubmitResult, error) {
	ctx, span := middleware.StartSpan(ctx, "Capture.Submit",
		attribute.Bool("submit.as_draft", opts.AsDraft),
	)
	defer span.End()

	if err := payload.Validate(); err != nil {
		return nil, err
	}

	if opts.AsDraft || !s.conn.IsOnline() {
		return s.saveDraft(ctx, models.DraftRecord{Payload: payload})
	}

	key := ksuid.New().String()
	ref, err := s.remote.Create(ctx, payload, key)
	if err == nil {
		middleware.AddSpanEvent(ctx, "created_remotely", attribute.String("remote.id", ref.RemoteID))
		return &SubmitResult{RemoteID: ref.RemoteID, Replayed: ref.Replayed}, nil
	}
	if apperrors.IsValidation(err) {
		return nil, err
	}

	middleware.AddSpanError(ctx, err)
	s.logger.Warn("direct submit failed, keeping brew as a draft", "key", key, "error", err)
	return s.saveDraft(ctx, models.DraftRecord{
		LocalID:        key,
		Payload:        payload,
		NeedsReconcile: true,
	})
}

func (s *CaptureService) saveDraft(ctx context.Context, d models.DraftRecord) (*SubmitResult, error) {
	id, err := s.drafts.Save(ctx, d)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	s.sync.Trigger()
	return &SubmitResult{LocalID: id, Drafted: true}, nil
}

// Edit patches the payload of a pending or failed draft. An edited failed
// draft is queued for retry.
func (s *CaptureService) Edit(ctx context.Context, localID string, patch models.BrewPatch) (*models.DraftRecord, error) {
	d, err := s.drafts.Get(ctx, localID)
	if err != nil {
		return nil, err
	}

	state := d.SyncState
	if state != models.SyncStatePending && state != models.SyncStateFailed {
		return nil, apperrors.Conflict("draft", localID, fmt.Sprintf("cannot edit a %s draft", state))
	}

	payload := patch.Apply(d.Payload)
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	update := models.DraftPatch{
		Expect:  []models.SyncState{state},
		Payload: &payload,
	}
	if state == models.SyncStateFailed {
		// Same reset as a manual retry, in the same write as the payload.
		// NeedsReconcile is kept: an earlier attempt may have reached the server.
		update.SyncState = models.Ptr(models.SyncStatePending)
		update.AttemptCount = models.Ptr(0)
		update.LastError = models.Ptr("")
		update.ErrorKind = models.Ptr(models.ErrorKindNone)
		update.NextAttemptAt = models.Ptr(time.Time{})
	}

	updated, err := s.drafts.Update(ctx, localID, update)
	if err != nil {
		return nil, err
	}

	if state == models.SyncStateFailed {
		s.logger.Info("edited draft queued for retry", "local_id", localID)
		s.sync.Trigger()
	}
	return updated, nil
}

// Complete records the barista's reflection on a draft.
func (s *CaptureService) Complete(ctx context.Context, localID string, r models.Reflection) (*models.DraftRecord, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return s.Edit(ctx, localID, r.Patch())
}

// View returns a draft with derived fields and its display name.
func (s *CaptureService) View(ctx context.Context, localID string) (*models.DraftView, error) {
	d, err := s.drafts.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	v := models.NewDraftView(*d, s.DisplayName(ctx, d))
	return &v, nil
}

// ListViews returns the drafts matching filter, oldest first.
func (s *CaptureService) ListViews(ctx context.Context, filter drafts.Filter) ([]models.DraftView, error) {
	list, err := s.drafts.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	batch := s.namer.Batch()
	views := make([]models.DraftView, 0, len(list))
	for i := range list {
		d := &list[i]
		views = append(views, models.NewDraftView(*d, batch.Name(ctx, d.Payload, d.CreatedAt)))
	}
	return views, nil
}

// DisplayName renders the draft's display name. It is never used for identity.
func (s *CaptureService) DisplayName(ctx context.Context, d *models.DraftRecord) string {
	return s.namer.Name(ctx, d.Payload, d.CreatedAt)
}
