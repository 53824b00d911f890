// Command campex runs the prediction market trading service: a
// price-time priority matching core over Postgres with an HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campex/campex/api"
	"github.com/campex/campex/internal/config"
	"github.com/campex/campex/internal/database"
	"github.com/campex/campex/internal/marketdata"
	"github.com/campex/campex/internal/trading/coordinator"
	"github.com/campex/campex/internal/trading/engine"
	"github.com/campex/campex/internal/trading/ledger"
	"github.com/campex/campex/internal/trading/lifecycle"
	"github.com/campex/campex/internal/trading/monitor"
	"github.com/campex/campex/internal/trading/settlement"
	"github.com/campex/campex/pkg/logger"
)

func main() {
	// .env is optional, used in local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := database.NewPostgresDB(cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return err
	}
	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	stopMetrics := make(chan struct{})
	defer close(stopMetrics)
	database.StartPoolMetrics(db, "primary", 15*time.Second, stopMetrics)

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := cache.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, market data cache disabled", zap.Error(err))
			cache = nil
		}
		cancel()
	}

	mon := monitor.NewCollector()
	coord := coordinator.New(db, log, coordinator.Config{
		MaxAttempts:  cfg.Coordinator.MaxAttempts,
		BaseBackoff:  cfg.Coordinator.BaseBackoff,
		MaxBackoff:   cfg.Coordinator.MaxBackoff,
		JitterWindow: cfg.Coordinator.JitterWindow,
	}, mon)

	ledgerSvc := ledger.NewService(log)
	settle := settlement.New(ledgerSvc, log)
	eng := engine.New(coord, ledgerSvc, mon, log)
	life := lifecycle.NewService(coord, ledgerSvc, settle, log)
	md := marketdata.NewService(db, cache, log)
	admin := api.NewAdminService(coord, ledgerSvc, log)

	// Finish any settlement sweep interrupted by a previous shutdown
	// before accepting traffic.
	startCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = life.ResumeSettlement(startCtx)
	cancel()
	if err != nil {
		return err
	}

	server := api.NewServer(log, api.Deps{
		Engine:     eng,
		Lifecycle:  life,
		MarketData: md,
		Monitor:    mon,
		Admin:      admin,
	}, api.Options{
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Addr())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}
