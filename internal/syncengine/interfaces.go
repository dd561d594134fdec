package syncengine

import (
	"context"

	"brewlog/internal/drafts"
	"brewlog/internal/models"
)

// DraftStore is the part of the local draft store the engine needs.
type DraftStore interface {
	List(ctx context.Context, filter drafts.Filter) ([]models.DraftRecord, error)
	Get(ctx context.Context, localID string) (*models.DraftRecord, error)
	Update(ctx context.Context, localID string, patch models.DraftPatch) (*models.DraftRecord, error)
	Remove(ctx context.Context, localID string) error
}

// RemoteRepository is the store of record. Create must be idempotent on
// idempotencyKey and fail with *apperrors.ValidationError for a permanent
// rejection. Any other error is treated as transient.
type RemoteRepository interface {
	Create(ctx context.Context, payload models.BrewPayload, idempotencyKey string) (models.RemoteRef, error)
}

// Reconciler is implemented by repositories that can look a record up by
// its idempotency key. The engine uses it before re-sending a draft whose
// previous attempt may have landed.
type Reconciler interface {
	FindByIdempotencyKey(ctx context.Context, key string) (models.RemoteRef, bool, error)
}

// Connectivity is the subset of connectivity.Monitor the dispatcher uses.
type Connectivity interface {
	IsOnline() bool
	AddListener(fn func(online bool)) (unsubscribe func())
}
