package agentapi

import (
	"context"
	"time"

	"brewlog/internal/drafts"
	"brewlog/internal/models"
	"brewlog/internal/naming"
	"brewlog/internal/services"
	"brewlog/internal/syncengine"
)

// Capture is the brew capture flow behind the UI.
type Capture interface {
	Submit(ctx context.Context, payload models.BrewPayload, opts services.SubmitOptions) (*services.SubmitResult, error)
	Edit(ctx context.Context, localID string, patch models.BrewPatch) (*models.DraftRecord, error)
	Complete(ctx context.Context, localID string, r models.Reflection) (*models.DraftRecord, error)
	View(ctx context.Context, localID string) (*models.DraftView, error)
	ListViews(ctx context.Context, filter drafts.Filter) ([]models.DraftView, error)
}

// Syncer is the manual surface of the sync engine.
type Syncer interface {
	SyncPendingDrafts(ctx context.Context) (syncengine.SyncResult, error)
	Retry(ctx context.Context, localID string) (*models.DraftRecord, error)
	NextRetryAt() time.Time
	Passes() int64
}

// DraftCounter reports how many drafts are stored.
type DraftCounter interface {
	Count(ctx context.Context) (int, error)
}

type Connectivity interface {
	IsOnline() bool
}

type NameResolver interface {
	Resolve(ctx context.Context, template string, src naming.Source) (string, error)
	Templates() []string
}
