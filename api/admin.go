package api

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/coordinator"
	"github.com/campex/campex/internal/trading/ledger"
)

// AdminService wraps operator actions that bypass normal trading flow.
type AdminService struct {
	coord  *coordinator.Coordinator
	ledger *ledger.Service
	logger *zap.Logger
}

func NewAdminService(coord *coordinator.Coordinator, ledgerSvc *ledger.Service, logger *zap.Logger) *AdminService {
	return &AdminService{coord: coord, ledger: ledgerSvc, logger: logger}
}

// AdjustBalance credits, debits, or sets a user's cash balance,
// creating the account if needed. Returns the balance before and after
// in cents.
func (a *AdminService) AdjustBalance(ctx context.Context, userID uuid.UUID, amountCents int64, set bool) (int64, int64, error) {
	var oldCents, newCents int64
	err := a.coord.RunSerializable(ctx, "adjust_balance", func(tx *gorm.DB) error {
		if _, err := a.ledger.EnsureAccount(tx, userID); err != nil {
			return err
		}
		var err error
		oldCents, newCents, err = a.ledger.AdjustBalance(tx, userID, amountCents, set)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	a.logger.Info("balance adjusted",
		zap.String("user_id", userID.String()),
		zap.Int64("old_cents", oldCents),
		zap.Int64("new_cents", newCents),
		zap.Bool("set", set),
	)
	return oldCents, newCents, nil
}
