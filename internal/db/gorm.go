package db

import (
	"fmt"
	"log"
	"strings"

	"brewlog/internal/config"
	"brewlog/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the store-of-record database and migrates the schema.
// Learning: TranslateError maps the unique-violation on the idempotency key
// to gorm.ErrDuplicatedKey, which the brew repository turns into a replay.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	return Open(postgres.Open(cfg.DatabaseURL()), gormLogLevel(cfg.Log.Level))
}

// Open connects through any gorm dialector and runs the migrations.
func Open(dialector gorm.Dialector, level logger.LogLevel) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-migrate schema
	// Learning: catalog tables first so the brew foreign keys resolve
	if err := db.AutoMigrate(
		&models.Barista{},
		&models.Roaster{},
		&models.Bean{},
		&models.Bag{},
		&models.Brew{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.Info // Shows SQL queries
	case "error":
		return logger.Error
	default:
		return logger.Warn
	}
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
