// Package testutil provides shared fixtures for the trading test
// suites: an in-memory sqlite database with the full schema, and
// helpers that seed markets, accounts, and positions.
package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/database"
	"github.com/campex/campex/pkg/models"
)

// NewTestDB opens a fresh in-memory sqlite database with the schema
// migrated. Each call gets an isolated database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// NewTestLogger returns a no-op logger for service constructors.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zap.NewNop()
}

// SeedMarket creates an open market with one open contract and returns
// both.
func SeedMarket(t *testing.T, db *gorm.DB) (*models.Market, *models.Contract) {
	t.Helper()
	market := &models.Market{
		ID:        uuid.New(),
		Title:     "Will the bridge reopen this term?",
		Category:  "campus",
		StartTime: time.Now().UTC().Add(-time.Hour),
		CloseTime: time.Now().UTC().Add(24 * time.Hour),
		Status:    models.MarketStatusOpen,
	}
	require.NoError(t, db.Create(market).Error)
	contract := SeedContract(t, db, market.ID)
	return market, contract
}

// SeedContract adds an open contract to an existing market.
func SeedContract(t *testing.T, db *gorm.DB, marketID uuid.UUID) *models.Contract {
	t.Helper()
	contract := &models.Contract{
		ID:       uuid.New(),
		MarketID: marketID,
		Title:    "YES/NO proposition",
		Status:   models.ContractStatusOpen,
	}
	require.NoError(t, db.Create(contract).Error)
	return contract
}

// SeedAccount creates an account holding the given balance and returns
// its user id.
func SeedAccount(t *testing.T, db *gorm.DB, balanceCents int64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	require.NoError(t, db.Create(&models.Account{
		UserID:       userID,
		BalanceCents: balanceCents,
	}).Error)
	return userID
}

// SeedPosition creates an unsettled position at the given cost basis.
func SeedPosition(t *testing.T, db *gorm.DB, userID, contractID uuid.UUID, side string, qty, avgPriceCents int64) *models.Position {
	t.Helper()
	pos := &models.Position{
		ID:            uuid.New(),
		UserID:        userID,
		ContractID:    contractID,
		ContractSide:  side,
		Quantity:      qty,
		AvgPriceCents: decimal.NewFromInt(avgPriceCents),
		RealizedPnL:   decimal.Zero,
	}
	require.NoError(t, db.Create(pos).Error)
	return pos
}

// Balance reads a user's current balance in cents.
func Balance(t *testing.T, db *gorm.DB, userID uuid.UUID) int64 {
	t.Helper()
	var account models.Account
	require.NoError(t, db.Where("user_id = ?", userID).First(&account).Error)
	return account.BalanceCents
}

// Position reads a position row, failing the test when absent.
func Position(t *testing.T, db *gorm.DB, userID, contractID uuid.UUID, side string) *models.Position {
	t.Helper()
	var pos models.Position
	err := db.Where("user_id = ? AND contract_id = ? AND contract_side = ?", userID, contractID, side).
		First(&pos).Error
	require.NoError(t, err)
	return &pos
}
