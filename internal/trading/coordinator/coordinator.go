// Package coordinator wraps trading operations in retryable serializable
// transactions. Serialization failures and deadlocks are retried with
// randomized exponential backoff up to a bounded attempt count; anything
// deterministic is returned to the caller untouched.
package coordinator

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/campex/campex/internal/trading/dbutil"
	perrors "github.com/campex/campex/pkg/errors"
	"github.com/campex/campex/pkg/metrics"
)

// ConflictRecorder receives conflict and retry events. Implemented by the
// trading monitor; a nil recorder disables in-process aggregation while
// prometheus counters still fire.
type ConflictRecorder interface {
	RecordRetry()
	RecordSerializationConflict()
	RecordDeadlockRecovery()
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	JitterWindow time.Duration
}

// DefaultConfig mirrors the production defaults in internal/config.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		BaseBackoff:  25 * time.Millisecond,
		MaxBackoff:   500 * time.Millisecond,
		JitterWindow: 20 * time.Millisecond,
	}
}

// Coordinator runs operations inside serializable transactions.
type Coordinator struct {
	db       *gorm.DB
	logger   *zap.Logger
	cfg      Config
	recorder ConflictRecorder
}

// New creates a coordinator. recorder may be nil.
func New(db *gorm.DB, logger *zap.Logger, cfg Config, recorder ConflictRecorder) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Coordinator{db: db, logger: logger, cfg: cfg, recorder: recorder}
}

// DB exposes the underlying handle for read-only queries that do not
// need coordination.
func (c *Coordinator) DB() *gorm.DB {
	return c.db
}

// RunSerializable executes fn inside a serializable transaction,
// retrying on conflicts. fn must be safe to re-run from scratch: every
// read, validation, and write happens inside the transaction.
//
// Deadlock avoidance is by deterministic lock ordering inside fn
// (contract row, then accounts by user id, then orders in book order,
// then positions); when the database still picks a victim, the victim
// lands here and is retried.
func (c *Coordinator) RunSerializable(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.TxRetries.Inc()
			if c.recorder != nil {
				c.recorder.RecordRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		err := c.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err == nil {
			return nil
		}

		// Classify the whole cause chain before giving up: a conflict
		// stays retryable even when a caller wrapped it in a domain
		// error. Anything non-transient is deterministic and returned
		// untouched.
		kind := dbutil.ClassifyConflict(err)
		if kind == dbutil.ConflictNone {
			return err
		}

		switch kind {
		case dbutil.ConflictSerialization:
			metrics.SerializationConflicts.Inc()
			if c.recorder != nil {
				c.recorder.RecordSerializationConflict()
			}
		case dbutil.ConflictDeadlock:
			metrics.DeadlockRecoveries.Inc()
			if c.recorder != nil {
				c.recorder.RecordDeadlockRecovery()
			}
		}

		lastErr = err
		c.logger.Warn("transaction conflict, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(err),
		)
	}

	metrics.TxExhausted.Inc()
	c.logger.Error("transaction retries exhausted",
		zap.String("op", name),
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return perrors.RetryExhausted(lastErr)
}

// backoff returns the exponential delay for the given attempt with
// uniform jitter, capped at MaxBackoff.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff << (attempt - 1)
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	if c.cfg.JitterWindow > 0 {
		d += time.Duration(rand.Int63n(int64(c.cfg.JitterWindow)))
	}
	return d
}
