package api

import (
	"context"
	"net/http"
	"time"

	"brewlog/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the repositories, so the
interfaces it needs live HERE. The gorm repositories satisfy them in
production; tests use small in-memory fakes.
*/

// BrewRepository is the store of record for brews.
type BrewRepository interface {
	Create(ctx context.Context, payload models.BrewPayload, idempotencyKey string) (*models.Brew, bool, error)
	GetByID(ctx context.Context, id string) (*models.Brew, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Brew, error)
	List(ctx context.Context, filter models.BrewFilter, limit, offset int) ([]*models.Brew, error)
}

// CatalogRepository answers barista and bag lookups.
type CatalogRepository interface {
	GetBarista(ctx context.Context, id int64) (*models.Barista, error)
	GetBag(ctx context.Context, id int64) (*models.Bag, error)
}

// BrewNamer renders display names for brews.
type BrewNamer interface {
	Name(ctx context.Context, p models.BrewPayload, brewed time.Time) string
}

// Presence is the connectivity heartbeat endpoint.
type Presence interface {
	HandleConnectivity(w http.ResponseWriter, r *http.Request)
	Count() int
	Agents() []models.PresenceSession
}
