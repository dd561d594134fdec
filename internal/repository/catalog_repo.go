package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"brewlog/internal/apperrors"
	"brewlog/internal/models"

	"gorm.io/gorm"
)

// CatalogRepositoryImpl reads the barista and bag tables that display names
// are built from.
type CatalogRepositoryImpl struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) *CatalogRepositoryImpl {
	return &CatalogRepositoryImpl{db: db}
}

func (r *CatalogRepositoryImpl) GetBarista(ctx context.Context, id int64) (*models.Barista, error) {
	var b models.Barista

	err := r.db.WithContext(ctx).First(&b, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("barista", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get barista: %w", err)
	}
	return &b, nil
}

// GetBag loads a bag with its bean, roaster and owner.
// Learning: Preload issues one query per association instead of a join
func (r *CatalogRepositoryImpl) GetBag(ctx context.Context, id int64) (*models.Bag, error) {
	var bag models.Bag

	err := r.db.WithContext(ctx).
		Preload("Bean.Roaster").
		Preload("Owner").
		First(&bag, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("bag", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bag: %w", err)
	}
	return &bag, nil
}

// CreateBarista inserts a barista. Used for seeding.
func (r *CatalogRepositoryImpl) CreateBarista(ctx context.Context, b *models.Barista) error {
	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to create barista: %w", err)
	}
	return nil
}

// CreateBag inserts a bag and any new bean or roaster it references.
func (r *CatalogRepositoryImpl) CreateBag(ctx context.Context, bag *models.Bag) error {
	if err := r.db.WithContext(ctx).Create(bag).Error; err != nil {
		return fmt.Errorf("failed to create bag: %w", err)
	}
	return nil
}
