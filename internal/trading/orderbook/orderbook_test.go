package orderbook_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/orderbook"
	"github.com/campex/campex/pkg/models"
	"github.com/campex/campex/testutil"
)

func seedOrder(t *testing.T, db *gorm.DB, contractID uuid.UUID, userID uuid.UUID, side string, price, qty, filled int64, status string, age time.Duration) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:             uuid.New(),
		UserID:         userID,
		ContractID:     contractID,
		ContractSide:   models.ContractSideYes,
		Side:           side,
		Type:           models.OrderTypeLimit,
		PriceCents:     price,
		Quantity:       qty,
		FilledQuantity: filled,
		Status:         status,
		CreatedAt:      time.Now().UTC().Add(-age),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func TestCrosses(t *testing.T) {
	assert.True(t, orderbook.Crosses(models.OrderSideBuy, 50, 50))
	assert.True(t, orderbook.Crosses(models.OrderSideBuy, 50, 40))
	assert.False(t, orderbook.Crosses(models.OrderSideBuy, 50, 51))

	assert.True(t, orderbook.Crosses(models.OrderSideSell, 50, 50))
	assert.True(t, orderbook.Crosses(models.OrderSideSell, 50, 60))
	assert.False(t, orderbook.Crosses(models.OrderSideSell, 50, 49))
}

func TestLoadCrossablePriceTimePriority(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, contract := testutil.SeedMarket(t, db)
	book := orderbook.Book{ContractID: contract.ID, ContractSide: models.ContractSideYes}
	taker := uuid.New()

	// Asks: 45 (older), 45 (newer), 40, 55. A BUY at 50 should see
	// 40 first, then the older 45, then the newer 45, never 55.
	ask45old := seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 45, 10, 0, models.OrderStatusOpen, 3*time.Minute)
	ask45new := seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 45, 10, 0, models.OrderStatusOpen, time.Minute)
	ask40 := seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 40, 10, 0, models.OrderStatusOpen, 2*time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 55, 10, 0, models.OrderStatusOpen, time.Minute)

	orders, err := orderbook.LoadCrossable(db, book, models.OrderSideBuy, 50, taker)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, ask40.ID, orders[0].ID)
	assert.Equal(t, ask45old.ID, orders[1].ID)
	assert.Equal(t, ask45new.ID, orders[2].ID)
}

func TestLoadCrossableSellScansBidsDescending(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, contract := testutil.SeedMarket(t, db)
	book := orderbook.Book{ContractID: contract.ID, ContractSide: models.ContractSideYes}

	bid60 := seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideBuy, 60, 5, 0, models.OrderStatusOpen, time.Minute)
	bid55 := seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideBuy, 55, 5, 0, models.OrderStatusOpen, time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideBuy, 40, 5, 0, models.OrderStatusOpen, time.Minute)

	orders, err := orderbook.LoadCrossable(db, book, models.OrderSideSell, 50, uuid.New())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, bid60.ID, orders[0].ID)
	assert.Equal(t, bid55.ID, orders[1].ID)
}

func TestLoadCrossableExcludesOwnAndTerminalOrders(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, contract := testutil.SeedMarket(t, db)
	book := orderbook.Book{ContractID: contract.ID, ContractSide: models.ContractSideYes}
	taker := uuid.New()

	// Own resting order must not match.
	seedOrder(t, db, contract.ID, taker, models.OrderSideSell, 40, 10, 0, models.OrderStatusOpen, time.Minute)
	// Terminal orders are out of the book.
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 40, 10, 10, models.OrderStatusFilled, time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 40, 10, 0, models.OrderStatusCancelled, time.Minute)
	// Partially filled orders stay matchable.
	partial := seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 45, 10, 4, models.OrderStatusPartiallyFilled, time.Minute)

	orders, err := orderbook.LoadCrossable(db, book, models.OrderSideBuy, 50, taker)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, partial.ID, orders[0].ID)
	assert.Equal(t, int64(6), orders[0].Remaining())
}

func TestLoadSnapshotAggregatesLevels(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, contract := testutil.SeedMarket(t, db)
	book := orderbook.Book{ContractID: contract.ID, ContractSide: models.ContractSideYes}

	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideBuy, 40, 10, 0, models.OrderStatusOpen, time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideBuy, 40, 5, 2, models.OrderStatusPartiallyFilled, time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideBuy, 35, 7, 0, models.OrderStatusOpen, time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 45, 4, 0, models.OrderStatusOpen, time.Minute)
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 50, 9, 0, models.OrderStatusOpen, time.Minute)
	// Fully filled rows contribute nothing.
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 45, 3, 3, models.OrderStatusFilled, time.Minute)

	snap, err := orderbook.LoadSnapshot(db, book)
	require.NoError(t, err)

	require.Len(t, snap.Bids, 2)
	assert.Equal(t, orderbook.Level{PriceCents: 40, Quantity: 13}, snap.Bids[0])
	assert.Equal(t, orderbook.Level{PriceCents: 35, Quantity: 7}, snap.Bids[1])

	require.Len(t, snap.Asks, 2)
	assert.Equal(t, orderbook.Level{PriceCents: 45, Quantity: 4}, snap.Asks[0])
	assert.Equal(t, orderbook.Level{PriceCents: 50, Quantity: 9}, snap.Asks[1])

	bid, ok := snap.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(40), bid)
	ask, ok := snap.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(45), ask)
	spread, ok := snap.Spread()
	require.True(t, ok)
	assert.Equal(t, int64(5), spread)
	mid, ok := snap.Midpoint()
	require.True(t, ok)
	assert.InDelta(t, 42.5, mid, 1e-9)
}

func TestSnapshotEmptySides(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, contract := testutil.SeedMarket(t, db)
	book := orderbook.Book{ContractID: contract.ID, ContractSide: models.ContractSideYes}

	snap, err := orderbook.LoadSnapshot(db, book)
	require.NoError(t, err)
	_, ok := snap.BestBid()
	assert.False(t, ok)
	_, ok = snap.BestAsk()
	assert.False(t, ok)
	_, ok = snap.Spread()
	assert.False(t, ok)

	// One-sided book: still no spread.
	seedOrder(t, db, contract.ID, uuid.New(), models.OrderSideSell, 45, 4, 0, models.OrderStatusOpen, time.Minute)
	snap, err = orderbook.LoadSnapshot(db, book)
	require.NoError(t, err)
	_, ok = snap.BestAsk()
	assert.True(t, ok)
	_, ok = snap.Spread()
	assert.False(t, ok)
}
