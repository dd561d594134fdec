package services

import (
	"context"

	"brewlog/internal/drafts"
	"brewlog/internal/models"
	"brewlog/internal/naming"
)

/*
LEARNING: INTERFACES LIVE WITH THE CONSUMER

"Accept interfaces, return structs"

The capture service is the consumer of the draft store, the sync engine and
the store-of-record client, so the narrow interfaces it needs are declared
here. drafts.Store, syncengine.Engine and remote.Client satisfy them without
knowing this package exists, and tests swap in in-memory versions.
*/

// DraftStore is the part of the local draft store the capture flow uses.
type DraftStore interface {
	Save(ctx context.Context, d models.DraftRecord) (string, error)
	Get(ctx context.Context, localID string) (*models.DraftRecord, error)
	List(ctx context.Context, filter drafts.Filter) ([]models.DraftRecord, error)
	Update(ctx context.Context, localID string, patch models.DraftPatch) (*models.DraftRecord, error)
}

// BrewCreator writes a brew straight to the store of record.
type BrewCreator interface {
	Create(ctx context.Context, payload models.BrewPayload, idempotencyKey string) (models.RemoteRef, error)
}

// Catalog answers the lookups display names are built from.
type Catalog interface {
	GetBarista(ctx context.Context, id int64) (*models.Barista, error)
	GetBag(ctx context.Context, id int64) (*models.Bag, error)
}

// SyncTrigger is the slice of the sync engine the capture flow drives.
type SyncTrigger interface {
	Trigger()
}

// Connectivity reports the cached online state.
type Connectivity interface {
	IsOnline() bool
}

// NameResolver renders display names.
type NameResolver interface {
	Resolve(ctx context.Context, template string, src naming.Source) (string, error)
}
