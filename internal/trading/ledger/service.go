// Package ledger implements the balance and position primitives.
//
// Every method operates on the caller's transaction handle so that a
// trade and its two ledger mutations commit together or not at all. Row
// locks are taken with FOR UPDATE on Postgres; lock ordering is the
// caller's responsibility.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/dbutil"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/models"
)

// Service exposes atomic ledger primitives to the matching and
// settlement engines.
type Service struct {
	logger *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger}
}

// EnsureAccount returns the user's account, creating a zero-balance row
// on first contact.
func (s *Service) EnsureAccount(tx *gorm.DB, userID uuid.UUID) (*models.Account, error) {
	var acct models.Account
	err := dbutil.ForUpdate(tx).Where("user_id = ?", userID).First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	acct = models.Account{UserID: userID}
	if err := tx.Create(&acct).Error; err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}
	return &acct, nil
}

// GetAccountForUpdate loads and locks the user's account row.
func (s *Service) GetAccountForUpdate(tx *gorm.DB, userID uuid.UUID) (*models.Account, error) {
	var acct models.Account
	if err := dbutil.ForUpdate(tx).Where("user_id = ?", userID).First(&acct).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, perrors.NotFound("account for user %s not found", userID)
		}
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	return &acct, nil
}

// ReserveAndDebit removes amountCents from the user's balance, rejecting
// the operation if funds are insufficient.
func (s *Service) ReserveAndDebit(tx *gorm.DB, userID uuid.UUID, amountCents int64) error {
	if amountCents < 0 {
		return perrors.Validation("debit amount must not be negative")
	}
	acct, err := s.GetAccountForUpdate(tx, userID)
	if err != nil {
		return err
	}
	if acct.BalanceCents < amountCents {
		return perrors.InsufficientBalance("balance %d cents, need %d cents", acct.BalanceCents, amountCents)
	}
	res := tx.Model(&models.Account{}).
		Where("user_id = ?", userID).
		UpdateColumn("balance_cents", gorm.Expr("balance_cents - ?", amountCents))
	if res.Error != nil {
		return fmt.Errorf("debit account %s: %w", userID, res.Error)
	}
	return nil
}

// Credit adds amountCents to the user's balance.
func (s *Service) Credit(tx *gorm.DB, userID uuid.UUID, amountCents int64) error {
	if amountCents < 0 {
		return perrors.Validation("credit amount must not be negative")
	}
	if amountCents == 0 {
		return nil
	}
	if _, err := s.GetAccountForUpdate(tx, userID); err != nil {
		return err
	}
	res := tx.Model(&models.Account{}).
		Where("user_id = ?", userID).
		UpdateColumn("balance_cents", gorm.Expr("balance_cents + ?", amountCents))
	if res.Error != nil {
		return fmt.Errorf("credit account %s: %w", userID, res.Error)
	}
	return nil
}

// AdjustBalance applies an administrative add or set, flooring the
// resulting balance at zero. Returns old and new balances.
func (s *Service) AdjustBalance(tx *gorm.DB, userID uuid.UUID, amountCents int64, set bool) (int64, int64, error) {
	acct, err := s.EnsureAccount(tx, userID)
	if err != nil {
		return 0, 0, err
	}
	old := acct.BalanceCents
	next := old + amountCents
	if set {
		next = amountCents
	}
	if next < 0 {
		next = 0
	}
	if err := tx.Model(&models.Account{}).
		Where("user_id = ?", userID).
		UpdateColumn("balance_cents", next).Error; err != nil {
		return 0, 0, fmt.Errorf("adjust account %s: %w", userID, err)
	}
	return old, next, nil
}

// GetPositionForUpdate loads and locks a position row. Returns (nil, nil)
// when the user holds no position on that side.
func (s *Service) GetPositionForUpdate(tx *gorm.DB, userID, contractID uuid.UUID, side string) (*models.Position, error) {
	var pos models.Position
	err := dbutil.ForUpdate(tx).
		Where("user_id = ? AND contract_id = ? AND contract_side = ?", userID, contractID, side).
		First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s/%s/%s: %w", userID, contractID, side, err)
	}
	return &pos, nil
}

// IncreasePosition adds qty shares bought at priceCents, rolling the
// volume weighted average price forward. Creates the position on first
// fill.
func (s *Service) IncreasePosition(tx *gorm.DB, userID, contractID uuid.UUID, side string, qty, priceCents int64) error {
	if qty <= 0 {
		return perrors.Validation("position increase must be positive")
	}
	pos, err := s.GetPositionForUpdate(tx, userID, contractID, side)
	if err != nil {
		return err
	}
	price := decimal.NewFromInt(priceCents)
	if pos == nil {
		pos = &models.Position{
			ID:            uuid.New(),
			UserID:        userID,
			ContractID:    contractID,
			ContractSide:  side,
			Quantity:      qty,
			AvgPriceCents: price,
			RealizedPnL:   decimal.Zero,
		}
		if err := tx.Create(pos).Error; err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		return nil
	}

	oldQty := decimal.NewFromInt(pos.Quantity)
	addQty := decimal.NewFromInt(qty)
	newQty := oldQty.Add(addQty)
	newAvg := pos.AvgPriceCents.Mul(oldQty).Add(price.Mul(addQty)).Div(newQty)

	if err := tx.Model(pos).Updates(map[string]any{
		"quantity":        pos.Quantity + qty,
		"avg_price_cents": newAvg,
		"updated_at":      time.Now().UTC(),
	}).Error; err != nil {
		return fmt.Errorf("increase position: %w", err)
	}
	return nil
}

// DecreasePosition removes qty shares sold at priceCents. The average
// price is unchanged; realized P&L accrues the spread against cost
// basis. A decrease below zero is a ledger invariant violation and is
// rejected, never applied partially.
func (s *Service) DecreasePosition(tx *gorm.DB, userID, contractID uuid.UUID, side string, qty, priceCents int64) error {
	if qty <= 0 {
		return perrors.Validation("position decrease must be positive")
	}
	pos, err := s.GetPositionForUpdate(tx, userID, contractID, side)
	if err != nil {
		return err
	}
	if pos == nil || pos.Quantity < qty {
		held := int64(0)
		if pos != nil {
			held = pos.Quantity
		}
		return perrors.InsufficientPosition("holding %d %s shares, need %d", held, side, qty)
	}

	soldQty := decimal.NewFromInt(qty)
	realized := decimal.NewFromInt(priceCents).Sub(pos.AvgPriceCents).Mul(soldQty)

	if err := tx.Model(pos).Updates(map[string]any{
		"quantity":     pos.Quantity - qty,
		"realized_pnl": pos.RealizedPnL.Add(realized),
		"updated_at":   time.Now().UTC(),
	}).Error; err != nil {
		return fmt.Errorf("decrease position: %w", err)
	}
	return nil
}
