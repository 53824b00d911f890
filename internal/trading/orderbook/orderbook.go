// Package orderbook provides the per-(contract, side) book view over
// persisted order rows: crossing scans in price-time priority for the
// matching engine, and aggregated depth snapshots for market data.
//
// The database is the book's source of truth. Resting orders are the
// rows with status open or partially_filled and remaining quantity;
// best bid, best ask, and spread are computed on demand and never
// persisted separately.
package orderbook

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/dbutil"
	"github.com/campex/campex/pkg/models"
)

// Book identifies one (contract, contract side) order book.
type Book struct {
	ContractID   uuid.UUID
	ContractSide string
}

func (b Book) String() string {
	return fmt.Sprintf("%s/%s", b.ContractID, b.ContractSide)
}

// restingStatuses are the order statuses that keep an order in the book.
var restingStatuses = []string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled}

// Crosses reports whether an incoming order crosses a resting maker:
// an incoming BUY crosses makers priced at or below its limit, an
// incoming SELL crosses makers priced at or above its limit.
func Crosses(incomingSide string, limitCents, makerCents int64) bool {
	if incomingSide == models.OrderSideBuy {
		return makerCents <= limitCents
	}
	return makerCents >= limitCents
}

// LoadCrossable loads and locks the opposing resting orders that cross
// the incoming limit price, in price-time priority (best price first,
// then earliest submission). The submitter's own orders are excluded so
// a user never trades with themselves.
func LoadCrossable(tx *gorm.DB, book Book, incomingSide string, limitCents int64, excludeUser uuid.UUID) ([]*models.Order, error) {
	q := dbutil.ForUpdate(tx).
		Where("contract_id = ? AND contract_side = ?", book.ContractID, book.ContractSide).
		Where("status IN ?", restingStatuses).
		Where("user_id <> ?", excludeUser)

	if incomingSide == models.OrderSideBuy {
		q = q.Where("side = ? AND price_cents <= ?", models.OrderSideSell, limitCents).
			Order("price_cents ASC, created_at ASC")
	} else {
		q = q.Where("side = ? AND price_cents >= ?", models.OrderSideBuy, limitCents).
			Order("price_cents DESC, created_at ASC")
	}

	var orders []*models.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("load crossable orders for %s: %w", book, err)
	}
	return orders, nil
}

// Level is one aggregated price level of book depth.
type Level struct {
	PriceCents int64 `json:"price_cents"`
	Quantity   int64 `json:"quantity"`
}

// Snapshot is the aggregated depth of one book: bids by price
// descending, asks by price ascending.
type Snapshot struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// LoadSnapshot aggregates remaining quantities per price level for a
// book. Read-only; takes no row locks.
func LoadSnapshot(db *gorm.DB, book Book) (*Snapshot, error) {
	var orders []models.Order
	err := db.
		Where("contract_id = ? AND contract_side = ?", book.ContractID, book.ContractSide).
		Where("status IN ?", restingStatuses).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("load book %s: %w", book, err)
	}

	bidLevels := btree.NewMap[int64, int64](32)
	askLevels := btree.NewMap[int64, int64](32)
	for i := range orders {
		o := &orders[i]
		remaining := o.Remaining()
		if remaining <= 0 {
			continue
		}
		levels := askLevels
		if o.Side == models.OrderSideBuy {
			levels = bidLevels
		}
		qty, _ := levels.Get(o.PriceCents)
		levels.Set(o.PriceCents, qty+remaining)
	}

	snap := &Snapshot{
		Bids: make([]Level, 0, bidLevels.Len()),
		Asks: make([]Level, 0, askLevels.Len()),
	}
	bidLevels.Reverse(func(price, qty int64) bool {
		snap.Bids = append(snap.Bids, Level{PriceCents: price, Quantity: qty})
		return true
	})
	askLevels.Scan(func(price, qty int64) bool {
		snap.Asks = append(snap.Asks, Level{PriceCents: price, Quantity: qty})
		return true
	})
	return snap, nil
}

// BestBid returns the highest resting BUY price, if any.
func (s *Snapshot) BestBid() (int64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].PriceCents, true
}

// BestAsk returns the lowest resting SELL price, if any.
func (s *Snapshot) BestAsk() (int64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].PriceCents, true
}

// Spread returns best ask minus best bid; ok is false unless both sides
// have depth.
func (s *Snapshot) Spread() (int64, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask - bid, true
}

// Midpoint returns the bid/ask midpoint in cents. ok is false unless
// both sides have depth.
func (s *Snapshot) Midpoint() (float64, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return float64(bid+ask) / 2, true
}
