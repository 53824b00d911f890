// Package marketdata serves read-side queries: order book snapshots,
// contract quotes, trade history, and per-user portfolio views. Reads
// run outside the serializable write path; snapshots are cheap enough
// to rebuild per request, with a short-TTL redis cache in front when
// one is configured.
package marketdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/orderbook"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/models"
)

const snapshotTTL = 2 * time.Second

// Service answers read queries from the database with an optional
// cache. A nil redis client disables caching; cache errors degrade to
// direct reads and are logged at warn.
type Service struct {
	db     *gorm.DB
	cache  *redis.Client
	logger *zap.Logger
}

func NewService(db *gorm.DB, cache *redis.Client, logger *zap.Logger) *Service {
	return &Service{db: db, cache: cache, logger: logger}
}

// GetMarket returns the market and its contracts.
func (s *Service) GetMarket(ctx context.Context, marketID uuid.UUID) (*models.Market, []models.Contract, error) {
	var market models.Market
	err := s.db.WithContext(ctx).Where("id = ?", marketID).First(&market).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, perrors.NotFound("market %s not found", marketID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load market: %w", err)
	}
	var contracts []models.Contract
	if err := s.db.WithContext(ctx).Where("market_id = ?", marketID).Order("created_at ASC").Find(&contracts).Error; err != nil {
		return nil, nil, fmt.Errorf("load contracts: %w", err)
	}
	return &market, contracts, nil
}

// ListMarkets returns markets, optionally filtered by status and
// category, newest first.
func (s *Service) ListMarkets(ctx context.Context, status, category string, limit int) ([]models.Market, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.Market{}).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var markets []models.Market
	if err := q.Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	return markets, nil
}

// BookSnapshot returns the aggregated book for one side of a contract,
// cache-first.
func (s *Service) BookSnapshot(ctx context.Context, contractID uuid.UUID, contractSide string) (*orderbook.Snapshot, error) {
	if contractSide != models.ContractSideYes && contractSide != models.ContractSideNo {
		return nil, perrors.Validation("contract side must be YES or NO")
	}
	key := fmt.Sprintf("book:%s:%s", contractID, contractSide)
	if snap, ok := cacheGet[orderbook.Snapshot](ctx, s, key); ok {
		return snap, nil
	}

	if err := s.contractExists(ctx, contractID); err != nil {
		return nil, err
	}
	book := orderbook.Book{ContractID: contractID, ContractSide: contractSide}
	snap, err := orderbook.LoadSnapshot(s.db.WithContext(ctx), book)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, snap)
	return snap, nil
}

// Quote summarizes one side of a contract for tickers.
type Quote struct {
	ContractID   uuid.UUID `json:"contract_id"`
	ContractSide string    `json:"contract_side"`
	BestBidCents *int64    `json:"best_bid_cents"`
	BestAskCents *int64    `json:"best_ask_cents"`
	SpreadCents  *int64    `json:"spread_cents"`
	MidCents     *float64  `json:"mid_cents"`
	LastCents    *int64    `json:"last_cents"`
	Volume24h    int64     `json:"volume_24h"`
}

// GetQuote builds the quote for one contract side from the book and
// recent trades. The YES midpoint doubles as the market price estimate.
func (s *Service) GetQuote(ctx context.Context, contractID uuid.UUID, contractSide string) (*Quote, error) {
	snap, err := s.BookSnapshot(ctx, contractID, contractSide)
	if err != nil {
		return nil, err
	}
	q := &Quote{ContractID: contractID, ContractSide: contractSide}
	if bid, ok := snap.BestBid(); ok {
		q.BestBidCents = &bid
	}
	if ask, ok := snap.BestAsk(); ok {
		q.BestAskCents = &ask
	}
	if spread, ok := snap.Spread(); ok {
		q.SpreadCents = &spread
	}
	if mid, ok := snap.Midpoint(); ok {
		q.MidCents = &mid
	}

	var last models.Trade
	err = s.db.WithContext(ctx).
		Where("contract_id = ? AND contract_side = ?", contractID, contractSide).
		Order("executed_at DESC").
		First(&last).Error
	if err == nil {
		q.LastCents = &last.PriceCents
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("load last trade: %w", err)
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	var volume sql.NullInt64
	err = s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("contract_id = ? AND contract_side = ? AND executed_at >= ?", contractID, contractSide, since).
		Select("SUM(quantity)").
		Scan(&volume).Error
	if err != nil {
		return nil, fmt.Errorf("sum trade volume: %w", err)
	}
	q.Volume24h = volume.Int64
	return q, nil
}

// PricePoint is one trade on the price history timeline.
type PricePoint struct {
	PriceCents int64     `json:"price_cents"`
	Quantity   int64     `json:"quantity"`
	ExecutedAt time.Time `json:"executed_at"`
}

// PriceHistory returns recent trades for a contract side, oldest first.
func (s *Service) PriceHistory(ctx context.Context, contractID uuid.UUID, contractSide string, limit int) ([]PricePoint, error) {
	if contractSide != models.ContractSideYes && contractSide != models.ContractSideNo {
		return nil, perrors.Validation("contract side must be YES or NO")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("contract_id = ? AND contract_side = ?", contractID, contractSide).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	points := make([]PricePoint, len(trades))
	for i, t := range trades {
		// reverse into chronological order
		points[len(trades)-1-i] = PricePoint{
			PriceCents: t.PriceCents,
			Quantity:   t.Quantity,
			ExecutedAt: t.ExecutedAt,
		}
	}
	return points, nil
}

// Portfolio is a user's balance alongside their open holdings and
// resting orders.
type Portfolio struct {
	UserID       uuid.UUID         `json:"user_id"`
	BalanceCents int64             `json:"balance_cents"`
	Positions    []models.Position `json:"positions"`
	OpenOrders   []models.Order    `json:"open_orders"`
}

// GetPortfolio returns the user's balance, unsettled positions, and
// resting orders. An unknown user gets an empty zero-balance view.
func (s *Service) GetPortfolio(ctx context.Context, userID uuid.UUID) (*Portfolio, error) {
	p := &Portfolio{UserID: userID, Positions: []models.Position{}, OpenOrders: []models.Order{}}

	var account models.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		p.BalanceCents = account.BalanceCents
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("load account: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("user_id = ? AND settled = ? AND quantity > 0", userID, false).
		Order("updated_at DESC").
		Find(&p.Positions).Error
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID,
			[]string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled}).
		Order("created_at DESC").
		Find(&p.OpenOrders).Error
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	return p, nil
}

// GetOrder returns a single order scoped to its owner.
func (s *Service) GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if err == gorm.ErrRecordNotFound {
		return nil, perrors.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &order, nil
}

// ListTrades returns recent trades on a contract, newest first.
func (s *Service) ListTrades(ctx context.Context, contractID uuid.UUID, limit int) ([]models.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("contract_id = ?", contractID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	return trades, nil
}

func (s *Service) contractExists(ctx context.Context, contractID uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Contract{}).Where("id = ?", contractID).Count(&count).Error; err != nil {
		return fmt.Errorf("check contract: %w", err)
	}
	if count == 0 {
		return perrors.NotFound("contract %s not found", contractID)
	}
	return nil
}

// cacheGet reads and decodes a cached value. Any cache failure is
// treated as a miss.
func cacheGet[T any](ctx context.Context, s *Service, key string) (*T, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (s *Service) cacheSet(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, snapshotTTL).Err(); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
