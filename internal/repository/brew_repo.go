package repository

import (
	"context"
	"errors"
	"fmt"

	"brewlog/internal/apperrors"
	"brewlog/internal/middleware"
	"brewlog/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

/*
LEARNING: IDEMPOTENT CREATE

Clients send the same idempotency key on every retry of a brew. The unique
index on idempotency_key makes a second INSERT fail; with TranslateError on,
gorm reports that as gorm.ErrDuplicatedKey and we answer with the row that
won. The pre-read only saves a round trip for the common replay case, the
index is what guarantees one row per key under concurrency.
*/

// BrewRepositoryImpl stores brews using GORM
// Returns concrete type - "Accept interfaces, return structs"
type BrewRepositoryImpl struct {
	db *gorm.DB
}

func NewBrewRepository(db *gorm.DB) *BrewRepositoryImpl {
	return &BrewRepositoryImpl{db: db}
}

// Create inserts a brew under idempotencyKey. created is false when a brew
// with that key already existed; the existing row is returned unchanged.
func (r *BrewRepositoryImpl) Create(ctx context.Context, payload models.BrewPayload, idempotencyKey string) (brew *models.Brew, created bool, err error) {
	ctx, span := middleware.StartSpan(ctx, "BrewRepository.Create",
		attribute.String("brew.idempotency_key", idempotencyKey),
	)
	defer span.End()

	if existing, err := r.GetByIdempotencyKey(ctx, idempotencyKey); err == nil {
		middleware.AddSpanEvent(ctx, "replayed")
		return existing, false, nil
	} else if !apperrors.IsNotFound(err) {
		middleware.AddSpanError(ctx, err)
		return nil, false, err
	}

	brew = models.NewBrew(payload, idempotencyKey)
	err = r.db.WithContext(ctx).Create(brew).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost the race against a concurrent retry with the same key.
		existing, err := r.GetByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, false, fmt.Errorf("failed to create brew: %w", err)
	}

	return brew, true, nil
}

// GetByID retrieves a brew by its uuid.
func (r *BrewRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Brew, error) {
	var brew models.Brew

	err := r.db.WithContext(ctx).First(&brew, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("brew", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brew: %w", err)
	}
	return &brew, nil
}

// GetByIdempotencyKey is the reconciliation read used by capture agents.
func (r *BrewRepositoryImpl) GetByIdempotencyKey(ctx context.Context, key string) (*models.Brew, error) {
	var brew models.Brew

	err := r.db.WithContext(ctx).First(&brew, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("brew", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brew by idempotency key: %w", err)
	}
	return &brew, nil
}

// List returns brews newest first with pagination. A bean filter matches
// brews made from any bag of that bean.
func (r *BrewRepositoryImpl) List(ctx context.Context, filter models.BrewFilter, limit, offset int) ([]*models.Brew, error) {
	var brews []*models.Brew

	query := r.db.WithContext(ctx)
	if filter.BaristaID != nil {
		query = query.Where("barista_id = ?", *filter.BaristaID)
	}
	if filter.BagID != nil {
		query = query.Where("bag_id = ?", *filter.BagID)
	}
	if filter.BeanID != nil {
		bags := r.db.Model(&models.Bag{}).Select("id").Where("bean_id = ?", *filter.BeanID)
		query = query.Where("bag_id IN (?)", bags)
	}

	err := query.
		Order("created_at DESC").
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&brews).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list brews: %w", err)
	}
	return brews, nil
}
