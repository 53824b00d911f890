package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/campex/campex/pkg/metrics"
)

// NewPostgresDB creates the primary Postgres connection with pooling
// tuned for many short matching transactions.
func NewPostgresDB(dsn string, maxOpen, maxIdle, connMaxLife int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 50
	}
	if maxIdle == 0 {
		maxIdle = 10
	}
	if connMaxLife == 0 {
		connMaxLife = 3600
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(connMaxLife) * time.Second)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// StartPoolMetrics publishes connection pool stats to prometheus every
// interval until the stop channel closes.
func StartPoolMetrics(db *gorm.DB, name string, interval time.Duration, stop <-chan struct{}) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues(name).Set(float64(stats.OpenConnections))
				metrics.DBInUseConns.WithLabelValues(name).Set(float64(stats.InUse))
			}
		}
	}()
}
