package ledger_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campex/campex/internal/trading/ledger"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/models"
	"github.com/campex/campex/testutil"
)

func TestEnsureAccountCreatesZeroBalance(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	userID := uuid.New()

	acct, err := svc.EnsureAccount(db, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BalanceCents)

	// Second call returns the same row.
	again, err := svc.EnsureAccount(db, userID)
	require.NoError(t, err)
	assert.Equal(t, acct.UserID, again.UserID)
}

func TestReserveAndDebit(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	userID := testutil.SeedAccount(t, db, 1000)

	require.NoError(t, svc.ReserveAndDebit(db, userID, 400))
	assert.Equal(t, int64(600), testutil.Balance(t, db, userID))

	err := svc.ReserveAndDebit(db, userID, 601)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.InsufficientBalance("")))
	// A rejected debit must leave the balance untouched.
	assert.Equal(t, int64(600), testutil.Balance(t, db, userID))

	// Exact balance is spendable.
	require.NoError(t, svc.ReserveAndDebit(db, userID, 600))
	assert.Equal(t, int64(0), testutil.Balance(t, db, userID))
}

func TestCredit(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	userID := testutil.SeedAccount(t, db, 100)

	require.NoError(t, svc.Credit(db, userID, 250))
	assert.Equal(t, int64(350), testutil.Balance(t, db, userID))

	err := svc.Credit(db, userID, -1)
	assert.True(t, perrors.Is(err, perrors.Validation("")))
}

func TestAdjustBalance(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	userID := testutil.SeedAccount(t, db, 500)

	old, next, err := svc.AdjustBalance(db, userID, 300, false)
	require.NoError(t, err)
	assert.Equal(t, int64(500), old)
	assert.Equal(t, int64(800), next)

	_, next, err = svc.AdjustBalance(db, userID, 10000, true)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), next)

	// Floors at zero rather than going negative.
	_, next, err = svc.AdjustBalance(db, userID, -20000, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	// Unknown user gets an account created on the fly.
	stranger := uuid.New()
	old, next, err = svc.AdjustBalance(db, stranger, 123, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), old)
	assert.Equal(t, int64(123), next)
}

func TestIncreasePositionVWAP(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	_, contract := testutil.SeedMarket(t, db)
	userID := uuid.New()

	require.NoError(t, svc.IncreasePosition(db, userID, contract.ID, models.ContractSideYes, 10, 40))
	pos := testutil.Position(t, db, userID, contract.ID, models.ContractSideYes)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.True(t, pos.AvgPriceCents.Equal(decimal.NewFromInt(40)), "avg %s", pos.AvgPriceCents)

	// 10 @ 40 + 30 @ 60 -> 40 @ 55
	require.NoError(t, svc.IncreasePosition(db, userID, contract.ID, models.ContractSideYes, 30, 60))
	pos = testutil.Position(t, db, userID, contract.ID, models.ContractSideYes)
	assert.Equal(t, int64(40), pos.Quantity)
	assert.True(t, pos.AvgPriceCents.Equal(decimal.NewFromInt(55)), "avg %s", pos.AvgPriceCents)
}

func TestIncreasePositionFractionalAverage(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	_, contract := testutil.SeedMarket(t, db)
	userID := uuid.New()

	// 1 @ 40 + 2 @ 55 -> avg 50
	require.NoError(t, svc.IncreasePosition(db, userID, contract.ID, models.ContractSideNo, 1, 40))
	require.NoError(t, svc.IncreasePosition(db, userID, contract.ID, models.ContractSideNo, 2, 55))
	pos := testutil.Position(t, db, userID, contract.ID, models.ContractSideNo)
	assert.True(t, pos.AvgPriceCents.Equal(decimal.NewFromInt(50)), "avg %s", pos.AvgPriceCents)

	// 3 @ 50 + 1 @ 41 -> avg 47.75, kept exact as a decimal
	require.NoError(t, svc.IncreasePosition(db, userID, contract.ID, models.ContractSideNo, 1, 41))
	pos = testutil.Position(t, db, userID, contract.ID, models.ContractSideNo)
	want := decimal.RequireFromString("47.75")
	assert.True(t, pos.AvgPriceCents.Equal(want), "avg %s", pos.AvgPriceCents)
}

func TestDecreasePosition(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	_, contract := testutil.SeedMarket(t, db)
	userID := uuid.New()
	testutil.SeedPosition(t, db, userID, contract.ID, models.ContractSideYes, 10, 40)

	// Sell 4 @ 65: realized P&L (65-40)*4 = 100 cents.
	require.NoError(t, svc.DecreasePosition(db, userID, contract.ID, models.ContractSideYes, 4, 65))
	pos := testutil.Position(t, db, userID, contract.ID, models.ContractSideYes)
	assert.Equal(t, int64(6), pos.Quantity)
	assert.True(t, pos.AvgPriceCents.Equal(decimal.NewFromInt(40)), "avg unchanged, got %s", pos.AvgPriceCents)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(100)), "pnl %s", pos.RealizedPnL)

	// Selling at a loss accrues negative P&L.
	require.NoError(t, svc.DecreasePosition(db, userID, contract.ID, models.ContractSideYes, 2, 30))
	pos = testutil.Position(t, db, userID, contract.ID, models.ContractSideYes)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(80)), "pnl %s", pos.RealizedPnL)
}

func TestDecreasePositionOverdraw(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := ledger.NewService(testutil.NewTestLogger(t))
	_, contract := testutil.SeedMarket(t, db)
	userID := uuid.New()
	testutil.SeedPosition(t, db, userID, contract.ID, models.ContractSideYes, 5, 50)

	err := svc.DecreasePosition(db, userID, contract.ID, models.ContractSideYes, 6, 60)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.InsufficientPosition("")))
	// Nothing applied.
	pos := testutil.Position(t, db, userID, contract.ID, models.ContractSideYes)
	assert.Equal(t, int64(5), pos.Quantity)

	// No position at all.
	err = svc.DecreasePosition(db, uuid.New(), contract.ID, models.ContractSideYes, 1, 60)
	assert.True(t, perrors.Is(err, perrors.InsufficientPosition("")))
}
