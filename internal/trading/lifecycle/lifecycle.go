// Package lifecycle governs market and contract state transitions.
// Transitions are monotonic: open -> closed -> resolved, with
// open/closed -> cancelled as the alternate terminal path. Resolution
// is terminal per contract and triggers settlement synchronously.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/coordinator"
	"github.com/campex/campex/internal/trading/dbutil"
	"github.com/campex/campex/internal/trading/ledger"
	"github.com/campex/campex/internal/trading/settlement"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/metrics"
	"github.com/campex/campex/pkg/models"
)

// Service applies lifecycle transitions under the concurrency
// coordinator.
type Service struct {
	coord  *coordinator.Coordinator
	ledger *ledger.Service
	settle *settlement.Engine
	logger *zap.Logger
}

func NewService(coord *coordinator.Coordinator, ledgerSvc *ledger.Service, settle *settlement.Engine, logger *zap.Logger) *Service {
	return &Service{coord: coord, ledger: ledgerSvc, settle: settle, logger: logger}
}

// CreateMarketParams describes a new market and its contracts.
type CreateMarketParams struct {
	Title       string
	Description string
	Category    string
	StartTime   time.Time
	CloseTime   time.Time
	Contracts   []string // contract titles, at least one
}

// CreateMarket creates a market with its contracts, all OPEN.
func (s *Service) CreateMarket(ctx context.Context, params CreateMarketParams) (*models.Market, []models.Contract, error) {
	if params.Title == "" {
		return nil, nil, perrors.Validation("market title is required")
	}
	if len(params.Contracts) == 0 {
		return nil, nil, perrors.Validation("a market needs at least one contract")
	}
	if !params.CloseTime.After(params.StartTime) {
		return nil, nil, perrors.Validation("close time must be after start time")
	}

	now := time.Now().UTC()
	market := &models.Market{
		ID:          uuid.New(),
		Title:       params.Title,
		Description: params.Description,
		Category:    params.Category,
		StartTime:   params.StartTime,
		CloseTime:   params.CloseTime,
		Status:      models.MarketStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	contracts := make([]models.Contract, 0, len(params.Contracts))
	for _, title := range params.Contracts {
		contracts = append(contracts, models.Contract{
			ID:        uuid.New(),
			MarketID:  market.ID,
			Title:     title,
			Status:    models.ContractStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	err := s.coord.RunSerializable(ctx, "create_market", func(tx *gorm.DB) error {
		if err := tx.Create(market).Error; err != nil {
			return fmt.Errorf("create market: %w", err)
		}
		if err := tx.Create(&contracts).Error; err != nil {
			return fmt.Errorf("create contracts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.OpenMarkets.Inc()
	return market, contracts, nil
}

// CloseMarket stops acceptance of new orders for all of the market's
// contracts. Idempotent when already closed; rejected from terminal
// states.
func (s *Service) CloseMarket(ctx context.Context, marketID uuid.UUID) (*models.Market, error) {
	var market *models.Market
	err := s.coord.RunSerializable(ctx, "close_market", func(tx *gorm.DB) error {
		m, err := lockMarket(tx, marketID)
		if err != nil {
			return err
		}
		switch m.Status {
		case models.MarketStatusClosed:
			market = m // already closed, no-op
			return nil
		case models.MarketStatusResolved, models.MarketStatusCancelled:
			return perrors.MarketNotOpen("market %s is %s and cannot be closed", marketID, m.Status)
		}

		if err := tx.Model(m).Updates(map[string]any{
			"status":     models.MarketStatusClosed,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("close market: %w", err)
		}
		m.Status = models.MarketStatusClosed
		market = m
		metrics.OpenMarkets.Dec()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// ResolveReceipt confirms a contract resolution and whether payouts
// were processed.
type ResolveReceipt struct {
	Contract          *models.Contract   `json:"contract"`
	Resolution        string             `json:"resolution"`
	PayoutsProcessed  bool               `json:"payouts_processed"`
	Settlement        *settlement.Result `json:"settlement"`
	CancelledOrders   int                `json:"cancelled_orders"`
	MarketNowResolved bool               `json:"market_now_resolved"`
}

// ResolveContract sets the contract's terminal resolution, cancels its
// resting orders (refunding BUY reservations), and runs the settlement
// sweep synchronously in the same transaction. A second resolve is
// rejected and performs no writes.
func (s *Service) ResolveContract(ctx context.Context, contractID uuid.UUID, resolution string) (*ResolveReceipt, error) {
	switch resolution {
	case models.ResolutionYes, models.ResolutionNo, models.ResolutionUndecided:
	default:
		return nil, perrors.Validation("resolution must be YES, NO, or UNDECIDED")
	}

	var receipt *ResolveReceipt
	err := s.coord.RunSerializable(ctx, "resolve_contract", func(tx *gorm.DB) error {
		// Peek the market id first so locks are always taken in
		// market -> contract order.
		var peek models.Contract
		if err := tx.Select("id", "market_id").Where("id = ?", contractID).First(&peek).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return perrors.NotFound("contract %s not found", contractID)
			}
			return fmt.Errorf("load contract: %w", err)
		}

		market, err := lockMarket(tx, peek.MarketID)
		if err != nil {
			return err
		}
		if market.IsTerminal() {
			return perrors.MarketNotOpen("market %s is %s", market.ID, market.Status)
		}

		contract, err := lockContract(tx, contractID)
		if err != nil {
			return err
		}
		if contract.Status == models.ContractStatusResolved || contract.Resolution != nil {
			return perrors.ContractResolved("contract %s is already resolved", contractID)
		}

		r, err := s.resolveLockedContract(tx, market, contract, resolution)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// resolveLockedContract performs the resolution writes. Caller holds
// the market and contract locks and has validated states.
func (s *Service) resolveLockedContract(tx *gorm.DB, market *models.Market, contract *models.Contract, resolution string) (*ResolveReceipt, error) {
	cancelled, err := s.cancelRestingOrders(tx, contract.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := tx.Model(contract).Updates(map[string]any{
		"status":     models.ContractStatusResolved,
		"resolution": resolution,
		"updated_at": now,
	}).Error; err != nil {
		return nil, fmt.Errorf("resolve contract: %w", err)
	}
	contract.Status = models.ContractStatusResolved
	contract.Resolution = &resolution

	settleResult, err := s.settle.SettleContract(tx, contract, resolution)
	if err != nil {
		if dbutil.ClassifyConflict(err) != dbutil.ConflictNone {
			return nil, err // transient, the coordinator retries
		}
		metrics.SettlementFailures.Inc()
		return nil, perrors.SettlementFailure(err)
	}

	marketResolved, err := s.maybeResolveMarket(tx, market)
	if err != nil {
		return nil, err
	}

	s.logger.Info("contract resolved",
		zap.String("contract_id", contract.ID.String()),
		zap.String("resolution", resolution),
		zap.Int("positions_settled", settleResult.PositionsSettled),
		zap.Int64("payout_cents", settleResult.PayoutCents+settleResult.RefundCents),
		zap.Int("cancelled_orders", cancelled),
	)

	return &ResolveReceipt{
		Contract:          contract,
		Resolution:        resolution,
		PayoutsProcessed:  true,
		Settlement:        settleResult,
		CancelledOrders:   cancelled,
		MarketNowResolved: marketResolved,
	}, nil
}

// ResolveMarket resolves every contract of the market with the same
// outcome, each contract independently transactional. Contracts already
// resolved are skipped.
func (s *Service) ResolveMarket(ctx context.Context, marketID uuid.UUID, result string) ([]*ResolveReceipt, error) {
	switch result {
	case models.ResolutionYes, models.ResolutionNo, models.ResolutionUndecided:
	default:
		return nil, perrors.Validation("result must be YES, NO, or UNDECIDED")
	}

	var contractIDs []uuid.UUID
	err := s.coord.DB().WithContext(ctx).Model(&models.Contract{}).
		Where("market_id = ?", marketID).
		Order("created_at ASC").
		Pluck("id", &contractIDs).Error
	if err != nil {
		return nil, fmt.Errorf("list market contracts: %w", err)
	}
	if len(contractIDs) == 0 {
		return nil, perrors.NotFound("market %s not found or has no contracts", marketID)
	}

	receipts := make([]*ResolveReceipt, 0, len(contractIDs))
	for _, id := range contractIDs {
		receipt, err := s.ResolveContract(ctx, id, result)
		if err != nil {
			if perrors.Is(err, perrors.ContractResolved("")) {
				continue
			}
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}

	// The last resolution rolls the market over and records the result
	// only when every contract carries the same outcome; contracts
	// resolved earlier with a different outcome leave the result unset.
	return receipts, nil
}

// CancelMarket voids a market: resting orders are cancelled with BUY
// refunds and every contract is resolved UNDECIDED, refunding cost
// basis to holders of both sides.
func (s *Service) CancelMarket(ctx context.Context, marketID uuid.UUID) (*models.Market, error) {
	var market *models.Market
	err := s.coord.RunSerializable(ctx, "cancel_market", func(tx *gorm.DB) error {
		m, err := lockMarket(tx, marketID)
		if err != nil {
			return err
		}
		if m.IsTerminal() {
			return perrors.MarketNotOpen("market %s is %s and cannot be cancelled", marketID, m.Status)
		}
		wasOpen := m.Status == models.MarketStatusOpen

		var contracts []models.Contract
		if err := dbutil.ForUpdate(tx).Where("market_id = ?", marketID).Order("created_at ASC").Find(&contracts).Error; err != nil {
			return fmt.Errorf("load contracts: %w", err)
		}
		for i := range contracts {
			contract := &contracts[i]
			if contract.Status == models.ContractStatusResolved {
				continue
			}
			if _, err := s.cancelRestingOrders(tx, contract.ID); err != nil {
				return err
			}
			resolution := models.ResolutionUndecided
			now := time.Now().UTC()
			if err := tx.Model(contract).Updates(map[string]any{
				"status":     models.ContractStatusResolved,
				"resolution": resolution,
				"updated_at": now,
			}).Error; err != nil {
				return fmt.Errorf("void contract: %w", err)
			}
			contract.Status = models.ContractStatusResolved
			contract.Resolution = &resolution
			if _, err := s.settle.SettleContract(tx, contract, resolution); err != nil {
				if dbutil.ClassifyConflict(err) != dbutil.ConflictNone {
					return err // transient, the coordinator retries
				}
				metrics.SettlementFailures.Inc()
				return perrors.SettlementFailure(err)
			}
		}

		now := time.Now().UTC()
		if err := tx.Model(m).Updates(map[string]any{
			"status":     models.MarketStatusCancelled,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("cancel market: %w", err)
		}
		m.Status = models.MarketStatusCancelled
		market = m
		if wasOpen {
			metrics.OpenMarkets.Dec()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// ResumeSettlement re-runs the settlement sweep for resolved contracts
// with unsettled positions, one coordinated transaction per contract.
// Called at startup and safe to call at any time.
func (s *Service) ResumeSettlement(ctx context.Context) error {
	ids, err := s.settle.PendingContractIDs(s.coord.DB().WithContext(ctx))
	if err != nil {
		return err
	}
	for _, id := range ids {
		contractID := id
		err := s.coord.RunSerializable(ctx, "resume_settlement", func(tx *gorm.DB) error {
			contract, err := lockContract(tx, contractID)
			if err != nil {
				return err
			}
			if contract.Resolution == nil {
				return nil
			}
			_, err = s.settle.SettleContract(tx, contract, *contract.Resolution)
			return err
		})
		if err != nil {
			var domainErr *perrors.Error
			if !perrors.As(err, &domainErr) {
				metrics.SettlementFailures.Inc()
				err = perrors.SettlementFailure(err)
			}
			s.logger.Error("settlement resume failed",
				zap.String("contract_id", contractID.String()),
				zap.Error(err),
			)
			return err
		}
		s.logger.Info("settlement resumed", zap.String("contract_id", contractID.String()))
	}
	return nil
}

// cancelRestingOrders removes all resting orders on a contract,
// refunding BUY reservations for the unfilled remainder.
func (s *Service) cancelRestingOrders(tx *gorm.DB, contractID uuid.UUID) (int, error) {
	var orders []models.Order
	err := dbutil.ForUpdate(tx).
		Where("contract_id = ? AND status IN ?", contractID,
			[]string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled}).
		Order("user_id ASC").
		Find(&orders).Error
	if err != nil {
		return 0, fmt.Errorf("load resting orders: %w", err)
	}

	for i := range orders {
		order := &orders[i]
		if order.Side == models.OrderSideBuy && order.Remaining() > 0 {
			if err := s.ledger.Credit(tx, order.UserID, order.Remaining()*order.PriceCents); err != nil {
				return 0, err
			}
		}
		if err := tx.Model(order).Updates(map[string]any{
			"status":     models.OrderStatusCancelled,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return 0, fmt.Errorf("cancel resting order: %w", err)
		}
	}
	return len(orders), nil
}

// maybeResolveMarket marks the market resolved once its last contract
// resolves. If every contract carries the same resolution, that value
// is recorded as the market result.
func (s *Service) maybeResolveMarket(tx *gorm.DB, market *models.Market) (bool, error) {
	var remaining int64
	err := tx.Model(&models.Contract{}).
		Where("market_id = ? AND status <> ?", market.ID, models.ContractStatusResolved).
		Count(&remaining).Error
	if err != nil {
		return false, fmt.Errorf("count open contracts: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}

	var resolutions []string
	if err := tx.Model(&models.Contract{}).
		Where("market_id = ?", market.ID).
		Distinct("resolution").
		Pluck("resolution", &resolutions).Error; err != nil {
		return false, fmt.Errorf("collect resolutions: %w", err)
	}

	wasOpen := market.Status == models.MarketStatusOpen
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       models.MarketStatusResolved,
		"resolve_time": now,
		"updated_at":   now,
	}
	if len(resolutions) == 1 {
		updates["result"] = resolutions[0]
	}
	if err := tx.Model(market).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("resolve market: %w", err)
	}
	market.Status = models.MarketStatusResolved
	market.ResolveTime = &now
	if wasOpen {
		metrics.OpenMarkets.Dec()
	}
	return true, nil
}

func lockMarket(tx *gorm.DB, marketID uuid.UUID) (*models.Market, error) {
	var market models.Market
	err := dbutil.ForUpdate(tx).Where("id = ?", marketID).First(&market).Error
	if err == gorm.ErrRecordNotFound {
		return nil, perrors.NotFound("market %s not found", marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	return &market, nil
}

func lockContract(tx *gorm.DB, contractID uuid.UUID) (*models.Contract, error) {
	var contract models.Contract
	err := dbutil.ForUpdate(tx).Where("id = ?", contractID).First(&contract).Error
	if err == gorm.ErrRecordNotFound {
		return nil, perrors.NotFound("contract %s not found", contractID)
	}
	if err != nil {
		return nil, fmt.Errorf("load contract: %w", err)
	}
	return &contract, nil
}
