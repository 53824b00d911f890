package marketdata_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/marketdata"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/models"
	"github.com/campex/campex/testutil"
)

func newService(t *testing.T) (*marketdata.Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	return marketdata.NewService(db, nil, testutil.NewTestLogger(t)), db
}

func seedOrder(t *testing.T, db *gorm.DB, contractID uuid.UUID, side string, price, qty int64) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		ContractID:   contractID,
		ContractSide: models.ContractSideYes,
		Side:         side,
		Type:         models.OrderTypeLimit,
		PriceCents:   price,
		Quantity:     qty,
		Status:       models.OrderStatusOpen,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedTrade(t *testing.T, db *gorm.DB, contractID uuid.UUID, price, qty int64, age time.Duration) {
	t.Helper()
	require.NoError(t, db.Create(&models.Trade{
		ID:           uuid.New(),
		BuyOrderID:   uuid.New(),
		SellOrderID:  uuid.New(),
		ContractID:   contractID,
		ContractSide: models.ContractSideYes,
		PriceCents:   price,
		Quantity:     qty,
		ExecutedAt:   time.Now().UTC().Add(-age),
	}).Error)
}

func TestGetMarket(t *testing.T) {
	svc, db := newService(t)
	market, contract := testutil.SeedMarket(t, db)

	got, contracts, err := svc.GetMarket(context.Background(), market.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ID, got.ID)
	require.Len(t, contracts, 1)
	assert.Equal(t, contract.ID, contracts[0].ID)

	_, _, err = svc.GetMarket(context.Background(), uuid.New())
	assert.True(t, perrors.Is(err, perrors.NotFound("")))
}

func TestListMarketsFilters(t *testing.T) {
	svc, db := newService(t)
	open, _ := testutil.SeedMarket(t, db)
	closed, _ := testutil.SeedMarket(t, db)
	require.NoError(t, db.Model(closed).Update("status", models.MarketStatusClosed).Error)

	markets, err := svc.ListMarkets(context.Background(), models.MarketStatusOpen, "", 0)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, open.ID, markets[0].ID)

	markets, err = svc.ListMarkets(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Len(t, markets, 2)

	markets, err = svc.ListMarkets(context.Background(), "", "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, markets)
}

func TestBookSnapshot(t *testing.T) {
	svc, db := newService(t)
	_, contract := testutil.SeedMarket(t, db)
	seedOrder(t, db, contract.ID, models.OrderSideBuy, 40, 10)
	seedOrder(t, db, contract.ID, models.OrderSideSell, 45, 5)

	snap, err := svc.BookSnapshot(context.Background(), contract.ID, models.ContractSideYes)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)

	_, err = svc.BookSnapshot(context.Background(), contract.ID, "MAYBE")
	assert.True(t, perrors.Is(err, perrors.Validation("")))

	_, err = svc.BookSnapshot(context.Background(), uuid.New(), models.ContractSideYes)
	assert.True(t, perrors.Is(err, perrors.NotFound("")))
}

func TestGetQuote(t *testing.T) {
	svc, db := newService(t)
	_, contract := testutil.SeedMarket(t, db)
	seedOrder(t, db, contract.ID, models.OrderSideBuy, 40, 10)
	seedOrder(t, db, contract.ID, models.OrderSideSell, 46, 5)
	seedTrade(t, db, contract.ID, 44, 3, time.Hour)
	seedTrade(t, db, contract.ID, 42, 2, 30*time.Minute)
	// Outside the 24h volume window but still the trade tape.
	seedTrade(t, db, contract.ID, 41, 9, 48*time.Hour)

	quote, err := svc.GetQuote(context.Background(), contract.ID, models.ContractSideYes)
	require.NoError(t, err)
	require.NotNil(t, quote.BestBidCents)
	assert.Equal(t, int64(40), *quote.BestBidCents)
	require.NotNil(t, quote.BestAskCents)
	assert.Equal(t, int64(46), *quote.BestAskCents)
	require.NotNil(t, quote.SpreadCents)
	assert.Equal(t, int64(6), *quote.SpreadCents)
	require.NotNil(t, quote.MidCents)
	assert.InDelta(t, 43.0, *quote.MidCents, 1e-9)
	require.NotNil(t, quote.LastCents)
	assert.Equal(t, int64(42), *quote.LastCents)
	assert.Equal(t, int64(5), quote.Volume24h)
}

func TestGetQuoteEmptyBook(t *testing.T) {
	svc, db := newService(t)
	_, contract := testutil.SeedMarket(t, db)

	quote, err := svc.GetQuote(context.Background(), contract.ID, models.ContractSideYes)
	require.NoError(t, err)
	assert.Nil(t, quote.BestBidCents)
	assert.Nil(t, quote.BestAskCents)
	assert.Nil(t, quote.SpreadCents)
	assert.Nil(t, quote.LastCents)
	assert.Equal(t, int64(0), quote.Volume24h)
}

func TestPriceHistoryChronological(t *testing.T) {
	svc, db := newService(t)
	_, contract := testutil.SeedMarket(t, db)
	seedTrade(t, db, contract.ID, 40, 1, 3*time.Hour)
	seedTrade(t, db, contract.ID, 45, 1, 2*time.Hour)
	seedTrade(t, db, contract.ID, 50, 1, time.Hour)

	points, err := svc.PriceHistory(context.Background(), contract.ID, models.ContractSideYes, 0)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, int64(40), points[0].PriceCents)
	assert.Equal(t, int64(45), points[1].PriceCents)
	assert.Equal(t, int64(50), points[2].PriceCents)

	// A limit keeps the most recent trades.
	points, err = svc.PriceHistory(context.Background(), contract.ID, models.ContractSideYes, 2)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(45), points[0].PriceCents)
	assert.Equal(t, int64(50), points[1].PriceCents)
}

func TestGetPortfolio(t *testing.T) {
	svc, db := newService(t)
	_, contract := testutil.SeedMarket(t, db)
	userID := testutil.SeedAccount(t, db, 4200)
	testutil.SeedPosition(t, db, userID, contract.ID, models.ContractSideYes, 5, 40)

	// Settled positions and terminal orders are excluded.
	other := testutil.SeedContract(t, db, contract.MarketID)
	settled := testutil.SeedPosition(t, db, userID, other.ID, models.ContractSideYes, 3, 30)
	require.NoError(t, db.Model(settled).Update("settled", true).Error)

	open := seedOrder(t, db, contract.ID, models.OrderSideBuy, 35, 2)
	require.NoError(t, db.Model(open).Update("user_id", userID).Error)
	done := seedOrder(t, db, contract.ID, models.OrderSideBuy, 35, 2)
	require.NoError(t, db.Model(done).Updates(map[string]any{
		"user_id": userID, "status": models.OrderStatusCancelled,
	}).Error)

	portfolio, err := svc.GetPortfolio(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), portfolio.BalanceCents)
	require.Len(t, portfolio.Positions, 1)
	assert.Equal(t, contract.ID, portfolio.Positions[0].ContractID)
	require.Len(t, portfolio.OpenOrders, 1)
	assert.Equal(t, open.ID, portfolio.OpenOrders[0].ID)
}

func TestGetPortfolioUnknownUser(t *testing.T) {
	svc, _ := newService(t)

	portfolio, err := svc.GetPortfolio(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), portfolio.BalanceCents)
	assert.Empty(t, portfolio.Positions)
	assert.Empty(t, portfolio.OpenOrders)
}

func TestGetOrderScopedToOwner(t *testing.T) {
	svc, db := newService(t)
	_, contract := testutil.SeedMarket(t, db)
	order := seedOrder(t, db, contract.ID, models.OrderSideBuy, 40, 10)

	got, err := svc.GetOrder(context.Background(), order.ID, order.UserID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = svc.GetOrder(context.Background(), order.ID, uuid.New())
	assert.True(t, perrors.Is(err, perrors.NotFound("")))
}
