// Package models holds the persistence models for the trading core.
//
// Monetary amounts are integer cents throughout. Order and trade prices
// are cents in [1,99]; a winning share redeems at 100 cents. Position
// average price keeps fractional cents as a decimal so the volume
// weighted cost basis stays exact.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Market statuses. Transitions are monotonic: open -> closed -> resolved,
// with open/closed -> cancelled as the alternate terminal state.
const (
	MarketStatusOpen      = "open"
	MarketStatusClosed    = "closed"
	MarketStatusResolved  = "resolved"
	MarketStatusCancelled = "cancelled"
)

// Contract statuses and resolutions.
const (
	ContractStatusOpen     = "open"
	ContractStatusResolved = "resolved"

	ResolutionYes       = "YES"
	ResolutionNo        = "NO"
	ResolutionUndecided = "UNDECIDED"
)

// Order sides, contract sides, types, and statuses.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	ContractSideYes = "YES"
	ContractSideNo  = "NO"

	OrderTypeLimit = "limit"

	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
)

// Price bounds in cents and the redemption value of a winning share.
const (
	MinPriceCents   int64 = 1
	MaxPriceCents   int64 = 99
	ShareValueCents int64 = 100
)

// Market is a collection of related contracts with a shared lifecycle.
type Market struct {
	ID          uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	Title       string     `json:"title" gorm:"type:text;not null"`
	Description string     `json:"description" gorm:"type:text"`
	Category    string     `json:"category" gorm:"size:50;index"`
	StartTime   time.Time  `json:"start_time" gorm:"not null"`
	CloseTime   time.Time  `json:"close_time" gorm:"not null"`
	ResolveTime *time.Time `json:"resolve_time,omitempty"`
	Status      string     `json:"status" gorm:"size:12;not null;default:open;index"`
	Result      *string    `json:"result,omitempty" gorm:"size:10"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the market can accept no further transitions.
func (m *Market) IsTerminal() bool {
	return m.Status == MarketStatusResolved || m.Status == MarketStatusCancelled
}

// Contract is a single binary YES/NO proposition within a market.
type Contract struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	MarketID   uuid.UUID `json:"market_id" gorm:"type:uuid;not null;index"`
	Title      string    `json:"title" gorm:"type:text;not null"`
	Status     string    `json:"status" gorm:"size:10;not null;default:open"`
	Resolution *string   `json:"resolution,omitempty" gorm:"size:10"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Order is a standing limit instruction on one side of a contract.
type Order struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	ContractID     uuid.UUID `json:"contract_id" gorm:"type:uuid;not null;index:idx_orders_book"`
	ContractSide   string    `json:"contract_side" gorm:"size:3;not null;index:idx_orders_book"`
	Side           string    `json:"side" gorm:"size:4;not null;index:idx_orders_book"`
	Type           string    `json:"order_type" gorm:"column:order_type;size:6;not null;default:limit"`
	PriceCents     int64     `json:"price_cents" gorm:"not null"`
	Quantity       int64     `json:"quantity" gorm:"not null"`
	FilledQuantity int64     `json:"filled_quantity" gorm:"not null;default:0"`
	Status         string    `json:"status" gorm:"size:18;not null;default:open;index:idx_orders_book"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade records one match between a buy and a sell order. Price is the
// resting (maker) order's price. Immutable once created.
type Trade struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	BuyOrderID   uuid.UUID `json:"buy_order_id" gorm:"type:uuid;not null;index"`
	SellOrderID  uuid.UUID `json:"sell_order_id" gorm:"type:uuid;not null;index"`
	ContractID   uuid.UUID `json:"contract_id" gorm:"type:uuid;not null;index"`
	ContractSide string    `json:"contract_side" gorm:"size:3;not null"`
	PriceCents   int64     `json:"price_cents" gorm:"not null"`
	Quantity     int64     `json:"quantity" gorm:"not null"`
	ExecutedAt   time.Time `json:"executed_at" gorm:"index"`
}

// Position is a user's net holding of one side of a contract.
// AvgPriceCents is the volume weighted cost basis in cents; it may carry
// fractional cents. Settled flips exactly once, during the settlement
// sweep after the contract resolves.
type Position struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_positions_key"`
	ContractID    uuid.UUID       `json:"contract_id" gorm:"type:uuid;not null;uniqueIndex:idx_positions_key;index"`
	ContractSide  string          `json:"contract_side" gorm:"size:3;not null;uniqueIndex:idx_positions_key"`
	Quantity      int64           `json:"quantity" gorm:"not null"`
	AvgPriceCents decimal.Decimal `json:"avg_price_cents" gorm:"type:numeric(10,4);not null"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" gorm:"column:realized_pnl;type:numeric(14,2);not null;default:0"`
	Settled       bool            `json:"settled" gorm:"not null;default:false;index"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Account holds a user's cash balance in integer cents. BUY submissions
// reserve funds by debiting here; settlement and SELL proceeds credit.
type Account struct {
	UserID       uuid.UUID `json:"user_id" gorm:"primaryKey;type:uuid"`
	BalanceCents int64     `json:"balance_cents" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
