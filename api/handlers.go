package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campex/campex/internal/trading/engine"
	"github.com/campex/campex/internal/trading/lifecycle"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/models"
)

// userID pulls the authenticated user from the X-User-ID header.
// Authentication proper sits in front of this service; the header is
// trusted here.
func userID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-ID header"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid X-User-ID header"})
		return uuid.Nil, false
	}
	return id, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps a domain error to its HTTP status. Anything outside
// the taxonomy is a 500 with a generic body.
func (s *Server) writeError(c *gin.Context, err error) {
	var derr *perrors.Error
	if perrors.As(err, &derr) {
		c.JSON(derr.HTTPStatus(), gin.H{
			"error":     derr.Message,
			"kind":      derr.Kind,
			"retriable": derr.Retriable,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// dollarsToCents converts a wire dollar amount to integer cents,
// rejecting sub-cent precision.
func dollarsToCents(dollars float64) (int64, error) {
	cents := decimal.NewFromFloat(dollars).Mul(decimal.NewFromInt(100)).Round(6)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, perrors.Validation("amount %v has sub-cent precision", dollars)
	}
	return cents.IntPart(), nil
}

func centsToDollars(cents int64) float64 {
	f, _ := decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).Float64()
	return f
}

type submitOrderRequest struct {
	ContractID   string  `json:"contract_id" validate:"required,uuid"`
	ContractSide string  `json:"contract_side" validate:"required,oneof=YES NO"`
	Side         string  `json:"side" validate:"required,oneof=BUY SELL"`
	Price        float64 `json:"price" validate:"required,gt=0,lt=1"`
	Quantity     int64   `json:"quantity" validate:"required,min=1"`
}

type orderResponse struct {
	ID             string  `json:"id"`
	ContractID     string  `json:"contract_id"`
	ContractSide   string  `json:"contract_side"`
	Side           string  `json:"side"`
	Price          float64 `json:"price"`
	Quantity       int64   `json:"quantity"`
	FilledQuantity int64   `json:"filled_quantity"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
}

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		ID:             o.ID.String(),
		ContractID:     o.ContractID.String(),
		ContractSide:   o.ContractSide,
		Side:           o.Side,
		Price:          centsToDollars(o.PriceCents),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Status:         o.Status,
		CreatedAt:      o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type tradeResponse struct {
	ID           string  `json:"id"`
	ContractSide string  `json:"contract_side"`
	Price        float64 `json:"price"`
	Quantity     int64   `json:"quantity"`
	ExecutedAt   string  `json:"executed_at"`
}

func toTradeResponse(t *models.Trade) tradeResponse {
	return tradeResponse{
		ID:           t.ID.String(),
		ContractSide: t.ContractSide,
		Price:        centsToDollars(t.PriceCents),
		Quantity:     t.Quantity,
		ExecutedAt:   t.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contractID, err := uuid.Parse(req.ContractID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contract_id"})
		return
	}
	priceCents, err := dollarsToCents(req.Price)
	if err != nil {
		s.writeError(c, err)
		return
	}

	result, err := s.deps.Engine.SubmitOrder(c.Request.Context(), &engine.SubmitRequest{
		UserID:       uid,
		ContractID:   contractID,
		ContractSide: req.ContractSide,
		Side:         req.Side,
		PriceCents:   priceCents,
		Quantity:     req.Quantity,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	trades := make([]tradeResponse, len(result.Trades))
	for i, t := range result.Trades {
		trades[i] = toTradeResponse(t)
	}
	c.JSON(http.StatusCreated, gin.H{
		"order":  toOrderResponse(result.Order),
		"trades": trades,
	})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	order, err := s.deps.Engine.CancelOrder(c.Request.Context(), orderID, uid)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": toOrderResponse(order)})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	order, err := s.deps.MarketData.GetOrder(c.Request.Context(), orderID, uid)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": toOrderResponse(order)})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	portfolio, err := s.deps.MarketData.GetPortfolio(c.Request.Context(), uid)
	if err != nil {
		s.writeError(c, err)
		return
	}

	positions := make([]gin.H, len(portfolio.Positions))
	for i, p := range portfolio.Positions {
		avg, _ := p.AvgPriceCents.Div(decimal.NewFromInt(100)).Float64()
		pnl, _ := p.RealizedPnL.Div(decimal.NewFromInt(100)).Float64()
		positions[i] = gin.H{
			"contract_id":   p.ContractID.String(),
			"contract_side": p.ContractSide,
			"quantity":      p.Quantity,
			"avg_price":     avg,
			"realized_pnl":  pnl,
		}
	}
	orders := make([]orderResponse, len(portfolio.OpenOrders))
	for i := range portfolio.OpenOrders {
		orders[i] = toOrderResponse(&portfolio.OpenOrders[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     portfolio.UserID.String(),
		"balance":     centsToDollars(portfolio.BalanceCents),
		"positions":   positions,
		"open_orders": orders,
	})
}

func (s *Server) handleListMarkets(c *gin.Context) {
	markets, err := s.deps.MarketData.ListMarkets(c.Request.Context(),
		c.Query("status"), c.Query("category"), intQuery(c, "limit"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": markets})
}

func (s *Server) handleGetMarket(c *gin.Context) {
	marketID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	market, contracts, err := s.deps.MarketData.GetMarket(c.Request.Context(), marketID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": market, "contracts": contracts})
}

func (s *Server) handleBookSnapshot(c *gin.Context) {
	contractID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	snap, err := s.deps.MarketData.BookSnapshot(c.Request.Context(), contractID, c.DefaultQuery("side", models.ContractSideYes))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleQuote(c *gin.Context) {
	contractID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	quote, err := s.deps.MarketData.GetQuote(c.Request.Context(), contractID, c.DefaultQuery("side", models.ContractSideYes))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) handleListTrades(c *gin.Context) {
	contractID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	trades, err := s.deps.MarketData.ListTrades(c.Request.Context(), contractID, intQuery(c, "limit"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]tradeResponse, len(trades))
	for i := range trades {
		out[i] = toTradeResponse(&trades[i])
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

func (s *Server) handlePriceHistory(c *gin.Context) {
	contractID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	points, err := s.deps.MarketData.PriceHistory(c.Request.Context(), contractID,
		c.DefaultQuery("side", models.ContractSideYes), intQuery(c, "limit"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": points})
}

type createMarketRequest struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	StartTime   string   `json:"start_time" validate:"required"`
	CloseTime   string   `json:"close_time" validate:"required"`
	Contracts   []string `json:"contracts" validate:"required,min=1,dive,required"`
}

func (s *Server) handleCreateMarket(c *gin.Context) {
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be RFC3339"})
		return
	}
	closeAt, err := time.Parse(time.RFC3339, req.CloseTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "close_time must be RFC3339"})
		return
	}

	market, contracts, err := s.deps.Lifecycle.CreateMarket(c.Request.Context(), lifecycle.CreateMarketParams{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		StartTime:   start,
		CloseTime:   closeAt,
		Contracts:   req.Contracts,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"market": market, "contracts": contracts})
}

func (s *Server) handleCloseMarket(c *gin.Context) {
	marketID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	market, err := s.deps.Lifecycle.CloseMarket(c.Request.Context(), marketID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": market})
}

func (s *Server) handleCancelMarket(c *gin.Context) {
	marketID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	market, err := s.deps.Lifecycle.CancelMarket(c.Request.Context(), marketID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": market})
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=YES NO UNDECIDED"`
}

func (s *Server) handleResolveContract(c *gin.Context) {
	contractID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := s.deps.Lifecycle.ResolveContract(c.Request.Context(), contractID, req.Resolution)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleResolveMarket(c *gin.Context) {
	marketID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipts, err := s.deps.Lifecycle.ResolveMarket(c.Request.Context(), marketID, req.Resolution)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

// Amount zero is meaningful together with set, so no required tag.
type adjustBalanceRequest struct {
	Amount float64 `json:"amount"`
	Set    bool    `json:"set"`
}

func (s *Server) handleAdjustBalance(c *gin.Context) {
	uid, ok := pathUUID(c, "user_id")
	if !ok {
		return
	}
	var req adjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	cents, err := dollarsToCents(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	oldCents, newCents, err := s.deps.Admin.AdjustBalance(c.Request.Context(), uid, cents, req.Set)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     uid.String(),
		"old_balance": centsToDollars(oldCents),
		"new_balance": centsToDollars(newCents),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Monitor.Snapshot())
}

func intQuery(c *gin.Context, name string) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
