// Package api exposes the trading core over HTTP.
//
// Routes are versioned under /api/v1. Write endpoints (orders, admin
// lifecycle) call into the serializable trading path; read endpoints go
// through the marketdata service. Monetary fields cross the wire in
// dollars and are converted to integer cents at the boundary.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/campex/campex/internal/marketdata"
	"github.com/campex/campex/internal/trading/engine"
	"github.com/campex/campex/internal/trading/lifecycle"
	"github.com/campex/campex/internal/trading/monitor"
)

// Deps are the services the server routes to.
type Deps struct {
	Engine     *engine.Engine
	Lifecycle  *lifecycle.Service
	MarketData *marketdata.Service
	Monitor    *monitor.Collector
	Admin      *AdminService
}

// Server wires the gin router to the trading services.
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	validate *validator.Validate
	deps     Deps

	httpServer *http.Server
}

// Options tune the HTTP middleware stack.
type Options struct {
	RateLimitPerSec float64
	RateLimitBurst  int
}

func NewServer(logger *zap.Logger, deps Deps, opts Options) *Server {
	if opts.RateLimitPerSec <= 0 {
		opts.RateLimitPerSec = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}
	s := &Server{
		logger:   logger,
		validate: validator.New(),
		deps:     deps,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateLimitBurst)))

	s.router = router
	s.registerRoutes()
	return s
}

// rateLimit sheds load once the global request budget is spent.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		markets := v1.Group("/markets")
		{
			markets.GET("", s.handleListMarkets)
			markets.GET("/:id", s.handleGetMarket)
		}

		contracts := v1.Group("/contracts")
		{
			contracts.GET("/:id/book", s.handleBookSnapshot)
			contracts.GET("/:id/quote", s.handleQuote)
			contracts.GET("/:id/trades", s.handleListTrades)
			contracts.GET("/:id/history", s.handlePriceHistory)
		}

		orders := v1.Group("/orders")
		{
			orders.POST("", s.handleSubmitOrder)
			orders.GET("/:id", s.handleGetOrder)
			orders.DELETE("/:id", s.handleCancelOrder)
		}

		v1.GET("/portfolio", s.handlePortfolio)

		admin := v1.Group("/admin")
		{
			admin.POST("/markets", s.handleCreateMarket)
			admin.POST("/markets/:id/close", s.handleCloseMarket)
			admin.POST("/markets/:id/cancel", s.handleCancelMarket)
			admin.POST("/markets/:id/resolve", s.handleResolveMarket)
			admin.POST("/contracts/:id/resolve", s.handleResolveContract)
			admin.POST("/accounts/:user_id/balance", s.handleAdjustBalance)
			admin.GET("/stats", s.handleStats)
		}
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.deps.Monitor.Health()
	status := http.StatusOK
	if health.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
