package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/campex/campex/pkg/models"
)

// AutoMigrate creates or updates the trading core schema.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Market{},
		&models.Contract{},
		&models.Order{},
		&models.Trade{},
		&models.Position{},
		&models.Account{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
