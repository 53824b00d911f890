// Package settlement pays out or refunds positions after a contract
// resolves. The sweep is keyed by an explicit settled flag per position:
// each position is paid exactly once, and an interrupted pass resumes
// without double-paying.
package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/dbutil"
	"github.com/campex/campex/internal/trading/ledger"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/metrics"
	"github.com/campex/campex/pkg/models"
)

// Engine walks open positions of a resolved contract and settles them
// through the ledger.
type Engine struct {
	ledger *ledger.Service
	logger *zap.Logger
}

func New(ledgerSvc *ledger.Service, logger *zap.Logger) *Engine {
	return &Engine{ledger: ledgerSvc, logger: logger}
}

// Result summarizes one settlement pass over a contract.
type Result struct {
	PositionsSettled int   `json:"positions_settled"`
	PayoutCents      int64 `json:"payout_cents"`
	RefundCents      int64 `json:"refund_cents"`
}

// SettleContract settles every unsettled nonzero position on the
// contract, inside the caller's transaction. Winning shares redeem at
// 100 cents, losing shares pay nothing, UNDECIDED refunds cost basis.
// Safe to re-run: settled positions are skipped by the query.
func (se *Engine) SettleContract(tx *gorm.DB, contract *models.Contract, resolution string) (*Result, error) {
	switch resolution {
	case models.ResolutionYes, models.ResolutionNo, models.ResolutionUndecided:
	default:
		return nil, perrors.Validation("resolution must be YES, NO, or UNDECIDED")
	}

	var positions []models.Position
	err := dbutil.ForUpdate(tx).
		Where("contract_id = ? AND quantity > 0 AND settled = ?", contract.ID, false).
		Order("user_id ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("load unsettled positions: %w", err)
	}

	result := &Result{}
	for i := range positions {
		pos := &positions[i]
		payout, kind := settlementAmount(pos, resolution)

		if payout > 0 {
			if _, err := se.ledger.EnsureAccount(tx, pos.UserID); err != nil {
				return nil, err
			}
			if err := se.ledger.Credit(tx, pos.UserID, payout); err != nil {
				return nil, err
			}
		}

		pnl := settlementPnL(pos, payout, resolution)
		now := time.Now().UTC()
		if err := tx.Model(pos).Updates(map[string]any{
			"realized_pnl": pos.RealizedPnL.Add(pnl),
			"settled":      true,
			"settled_at":   now,
			"updated_at":   now,
		}).Error; err != nil {
			return nil, fmt.Errorf("mark position settled: %w", err)
		}

		result.PositionsSettled++
		if resolution == models.ResolutionUndecided {
			result.RefundCents += payout
		} else {
			result.PayoutCents += payout
		}

		metrics.PositionsSettled.WithLabelValues(kind).Inc()
		metrics.SettlementPayoutCents.Add(float64(payout))

		se.logger.Info("position settled",
			zap.String("user_id", pos.UserID.String()),
			zap.String("contract_id", contract.ID.String()),
			zap.String("contract_side", pos.ContractSide),
			zap.Int64("quantity", pos.Quantity),
			zap.String("resolution", resolution),
			zap.Int64("payout_cents", payout),
		)
	}
	return result, nil
}

// settlementAmount returns the cents to credit and the settlement kind
// label for metrics.
func settlementAmount(pos *models.Position, resolution string) (int64, string) {
	if resolution == models.ResolutionUndecided {
		// Refund cost basis, not face value.
		refund := pos.AvgPriceCents.Mul(decimal.NewFromInt(pos.Quantity)).IntPart()
		return refund, "refund"
	}
	if pos.ContractSide == resolution {
		return pos.Quantity * models.ShareValueCents, "payout"
	}
	return 0, "loss"
}

// settlementPnL is the realized P&L delta in cents for the settlement.
// UNDECIDED is a wash: the refund exactly reverses cost basis.
func settlementPnL(pos *models.Position, payoutCents int64, resolution string) decimal.Decimal {
	if resolution == models.ResolutionUndecided {
		return decimal.Zero
	}
	cost := pos.AvgPriceCents.Mul(decimal.NewFromInt(pos.Quantity))
	return decimal.NewFromInt(payoutCents).Sub(cost)
}

// PendingContractIDs lists resolved contracts that still have unsettled
// nonzero positions, for the resumable sweep.
func (se *Engine) PendingContractIDs(db *gorm.DB) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.Model(&models.Position{}).
		Distinct("positions.contract_id").
		Joins("JOIN contracts ON contracts.id = positions.contract_id").
		Where("contracts.status = ?", models.ContractStatusResolved).
		Where("positions.quantity > 0 AND positions.settled = ?", false).
		Pluck("positions.contract_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	return ids, nil
}
