// Package engine implements the matching engine for binary prediction
// market contracts. Submission, matching, and ledger movement happen in
// one coordinated serializable transaction: a trade and its balance and
// position mutations commit together or not at all.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/coordinator"
	"github.com/campex/campex/internal/trading/dbutil"
	"github.com/campex/campex/internal/trading/ledger"
	"github.com/campex/campex/internal/trading/monitor"
	"github.com/campex/campex/internal/trading/orderbook"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/metrics"
	"github.com/campex/campex/pkg/models"
)

// Engine accepts orders, crosses them against the opposing book, and
// rests the remainder.
type Engine struct {
	coord   *coordinator.Coordinator
	ledger  *ledger.Service
	monitor *monitor.Collector
	logger  *zap.Logger
}

func New(coord *coordinator.Coordinator, ledgerSvc *ledger.Service, mon *monitor.Collector, logger *zap.Logger) *Engine {
	return &Engine{coord: coord, ledger: ledgerSvc, monitor: mon, logger: logger}
}

// SubmitRequest is a validated order submission.
type SubmitRequest struct {
	UserID       uuid.UUID
	ContractID   uuid.UUID
	ContractSide string // YES or NO
	Side         string // BUY or SELL
	PriceCents   int64  // [1,99]
	Quantity     int64  // >= 1
}

// SubmitResult carries the order's final state and the trades the
// submission produced.
type SubmitResult struct {
	Order  *models.Order
	Trades []*models.Trade
}

func validateSubmit(req *SubmitRequest) error {
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return perrors.Validation("side must be BUY or SELL")
	}
	if req.ContractSide != models.ContractSideYes && req.ContractSide != models.ContractSideNo {
		return perrors.Validation("contract side must be YES or NO")
	}
	if req.PriceCents < models.MinPriceCents || req.PriceCents > models.MaxPriceCents {
		return perrors.Validation("price must be between $0.01 and $0.99")
	}
	if req.Quantity < 1 {
		return perrors.Validation("quantity must be at least 1")
	}
	return nil
}

// SubmitOrder places a limit order: validate, reserve funds or check
// position, cross against the opposing book in price-time priority,
// rest the remainder. Runs under the concurrency coordinator and is
// atomic across retries.
func (e *Engine) SubmitOrder(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	start := time.Now()

	var result *SubmitResult
	err := func() error {
		if err := validateSubmit(req); err != nil {
			return err
		}
		return e.coord.RunSerializable(ctx, "submit_order", func(tx *gorm.DB) error {
			res, err := e.submitInTx(tx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	}()

	e.observeSubmit(req, result, start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) observeSubmit(req *SubmitRequest, result *SubmitResult, start time.Time, err error) {
	duration := time.Since(start)
	metrics.OrderLatency.Observe(duration.Seconds())

	outcome := "accepted"
	errKind := ""
	trades := 0
	var volume int64
	if err != nil {
		outcome = "rejected"
		var domainErr *perrors.Error
		if perrors.As(err, &domainErr) {
			errKind = string(domainErr.Kind)
		} else {
			errKind = "internal"
		}
	} else if result != nil {
		trades = len(result.Trades)
		for _, t := range result.Trades {
			volume += t.Quantity
		}
	}
	metrics.OrdersSubmitted.WithLabelValues(req.Side, outcome).Inc()
	if e.monitor != nil {
		e.monitor.RecordOrder(duration, err == nil, trades, volume, errKind)
	}
}

// submitInTx runs one submission attempt. Lock order: contract row,
// submitter's account, crossable resting orders, counterparty accounts
// sorted by user id, positions as touched.
func (e *Engine) submitInTx(tx *gorm.DB, req *SubmitRequest) (*SubmitResult, error) {
	contract, err := lockContract(tx, req.ContractID)
	if err != nil {
		return nil, err
	}
	if err := gateTrading(tx, contract); err != nil {
		return nil, err
	}

	if _, err := e.ledger.EnsureAccount(tx, req.UserID); err != nil {
		return nil, err
	}

	// Reserve funds for the full order up front; price improvement and
	// cancellations refund against this reservation.
	if req.Side == models.OrderSideBuy {
		if err := e.ledger.ReserveAndDebit(tx, req.UserID, req.PriceCents*req.Quantity); err != nil {
			return nil, err
		}
	} else {
		pos, err := e.ledger.GetPositionForUpdate(tx, req.UserID, req.ContractID, req.ContractSide)
		if err != nil {
			return nil, err
		}
		held := int64(0)
		if pos != nil {
			held = pos.Quantity
		}
		if held < req.Quantity {
			return nil, perrors.InsufficientPosition("holding %d %s shares, trying to sell %d", held, req.ContractSide, req.Quantity)
		}
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:           uuid.New(),
		UserID:       req.UserID,
		ContractID:   req.ContractID,
		ContractSide: req.ContractSide,
		Side:         req.Side,
		Type:         models.OrderTypeLimit,
		PriceCents:   req.PriceCents,
		Quantity:     req.Quantity,
		Status:       models.OrderStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.Create(order).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	trades, err := e.matchOrder(tx, order)
	if err != nil {
		return nil, err
	}

	order.Status = fillStatus(order)
	if err := tx.Model(order).Updates(map[string]any{
		"filled_quantity": order.FilledQuantity,
		"status":          order.Status,
		"updated_at":      time.Now().UTC(),
	}).Error; err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	return &SubmitResult{Order: order, Trades: trades}, nil
}

func fillStatus(o *models.Order) string {
	switch {
	case o.FilledQuantity == o.Quantity:
		return models.OrderStatusFilled
	case o.FilledQuantity > 0:
		return models.OrderStatusPartiallyFilled
	default:
		return models.OrderStatusOpen
	}
}

// matchOrder crosses the incoming order against resting orders at the
// maker's price until the order is filled or the book no longer
// crosses. Returns the trades executed.
func (e *Engine) matchOrder(tx *gorm.DB, incoming *models.Order) ([]*models.Trade, error) {
	book := orderbook.Book{ContractID: incoming.ContractID, ContractSide: incoming.ContractSide}
	makers, err := orderbook.LoadCrossable(tx, book, incoming.Side, incoming.PriceCents, incoming.UserID)
	if err != nil {
		return nil, err
	}
	if len(makers) == 0 {
		return nil, nil
	}

	// Lock counterparty accounts in a deterministic order before
	// touching any of them.
	seen := make(map[uuid.UUID]bool, len(makers))
	counterparties := make([]uuid.UUID, 0, len(makers))
	for _, m := range makers {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			counterparties = append(counterparties, m.UserID)
		}
	}
	sort.Slice(counterparties, func(i, j int) bool {
		return counterparties[i].String() < counterparties[j].String()
	})
	for _, userID := range counterparties {
		if _, err := e.ledger.EnsureAccount(tx, userID); err != nil {
			return nil, err
		}
	}

	var trades []*models.Trade
	for _, maker := range makers {
		if incoming.Remaining() <= 0 {
			break
		}
		if maker.Remaining() <= 0 {
			continue
		}

		qty := minInt64(incoming.Remaining(), maker.Remaining())
		price := maker.PriceCents // maker price priority

		// Re-validate the maker's position at match time: a resting
		// SELL whose owner no longer holds the shares is removed from
		// the book instead of overselling.
		if maker.Side == models.OrderSideSell {
			pos, err := e.ledger.GetPositionForUpdate(tx, maker.UserID, maker.ContractID, maker.ContractSide)
			if err != nil {
				return nil, err
			}
			if pos == nil || pos.Quantity < qty {
				if err := e.evictMaker(tx, maker); err != nil {
					return nil, err
				}
				continue
			}
		}

		trade, err := e.executeTrade(tx, incoming, maker, price, qty)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// executeTrade applies one match: trade row, both orders' fill state,
// both users' balances, both positions.
func (e *Engine) executeTrade(tx *gorm.DB, incoming, maker *models.Order, priceCents, qty int64) (*models.Trade, error) {
	buy, sell := incoming, maker
	if incoming.Side == models.OrderSideSell {
		buy, sell = maker, incoming
	}

	trade := &models.Trade{
		ID:           uuid.New(),
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		ContractID:   incoming.ContractID,
		ContractSide: incoming.ContractSide,
		PriceCents:   priceCents,
		Quantity:     qty,
		ExecutedAt:   time.Now().UTC(),
	}
	if err := tx.Create(trade).Error; err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}

	// The seller must hold the shares; this decrease is the atomic
	// match-time re-validation for the incoming side.
	if err := e.ledger.DecreasePosition(tx, sell.UserID, sell.ContractID, sell.ContractSide, qty, priceCents); err != nil {
		return nil, err
	}
	if err := e.ledger.IncreasePosition(tx, buy.UserID, buy.ContractID, buy.ContractSide, qty, priceCents); err != nil {
		return nil, err
	}

	// Seller receives the trade value. The buyer has already reserved
	// at their own limit; when the maker price is better, the
	// difference returns to the buyer immediately.
	if err := e.ledger.Credit(tx, sell.UserID, priceCents*qty); err != nil {
		return nil, err
	}
	if improvement := (buy.PriceCents - priceCents) * qty; improvement > 0 {
		if err := e.ledger.Credit(tx, buy.UserID, improvement); err != nil {
			return nil, err
		}
	}

	incoming.FilledQuantity += qty
	maker.FilledQuantity += qty
	if err := tx.Model(maker).Updates(map[string]any{
		"filled_quantity": maker.FilledQuantity,
		"status":          fillStatus(maker),
		"updated_at":      time.Now().UTC(),
	}).Error; err != nil {
		return nil, fmt.Errorf("update maker order: %w", err)
	}

	metrics.TradesExecuted.WithLabelValues(trade.ContractSide).Inc()
	metrics.TradeVolume.WithLabelValues(trade.ContractSide).Add(float64(qty))

	e.logger.Info("trade executed",
		zap.String("contract_id", trade.ContractID.String()),
		zap.String("contract_side", trade.ContractSide),
		zap.Int64("price_cents", priceCents),
		zap.Int64("quantity", qty),
		zap.String("buy_order_id", buy.ID.String()),
		zap.String("sell_order_id", sell.ID.String()),
	)
	return trade, nil
}

// evictMaker cancels a resting order whose owner can no longer honor it.
func (e *Engine) evictMaker(tx *gorm.DB, maker *models.Order) error {
	e.logger.Warn("evicting resting sell without backing position",
		zap.String("order_id", maker.ID.String()),
		zap.String("user_id", maker.UserID.String()),
	)
	return tx.Model(maker).Updates(map[string]any{
		"status":     models.OrderStatusCancelled,
		"updated_at": time.Now().UTC(),
	}).Error
}

// CancelOrder removes the unfilled remainder of a user's order from the
// book, refunding the remaining reservation for BUY orders. Orders with
// no remaining quantity are reported as already terminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	var cancelled *models.Order
	err := e.coord.RunSerializable(ctx, "cancel_order", func(tx *gorm.DB) error {
		var order models.Order
		err := dbutil.ForUpdate(tx).
			Where("id = ? AND user_id = ?", orderID, userID).
			First(&order).Error
		if err == gorm.ErrRecordNotFound {
			return perrors.NotFound("order %s not found", orderID)
		}
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if order.IsTerminal() || order.Remaining() <= 0 {
			return perrors.OrderTerminal("order %s is already %s", orderID, order.Status)
		}

		if order.Side == models.OrderSideBuy {
			if err := e.ledger.Credit(tx, order.UserID, order.Remaining()*order.PriceCents); err != nil {
				return err
			}
		}

		order.Status = models.OrderStatusCancelled
		if err := tx.Model(&order).Updates(map[string]any{
			"status":     models.OrderStatusCancelled,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		cancelled = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OrdersCancelled.Inc()
	return cancelled, nil
}

// lockContract loads and locks the contract row.
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

// gateTrading rejects submissions against contracts that are resolved
// or whose market is not open.
func gateTrading(tx *gorm.DB, contract *models.Contract) error {
	if contract.Status == models.ContractStatusResolved || contract.Resolution != nil {
		return perrors.ContractResolved("contract %s is resolved", contract.ID)
	}
	var market models.Market
	if err := tx.Where("id = ?", contract.MarketID).First(&market).Error; err != nil {
		return fmt.Errorf("load market: %w", err)
	}
	if market.Status != models.MarketStatusOpen {
		return perrors.MarketNotOpen("market %s is %s", market.ID, market.Status)
	}
	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
