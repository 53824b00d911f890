package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordOrderCounts(t *testing.T) {
	c := NewCollector()
	c.RecordOrder(5*time.Millisecond, true, 2, 15, "")
	c.RecordOrder(30*time.Millisecond, true, 0, 0, "")
	c.RecordOrder(time.Millisecond, false, 0, 0, "insufficient_balance")
	c.RecordOrder(time.Millisecond, false, 0, 0, "insufficient_balance")

	snap := c.Snapshot()
	assert.Equal(t, int64(4), snap.Orders.Total)
	assert.Equal(t, int64(2), snap.Orders.Successful)
	assert.Equal(t, int64(2), snap.Orders.Failed)
	assert.InDelta(t, 50.0, snap.Orders.SuccessRate, 1e-9)
	assert.Equal(t, int64(2), snap.Trades.Total)
	assert.Equal(t, int64(15), snap.Trades.Volume)
	assert.Equal(t, int64(2), snap.Errors["insufficient_balance"])
}

func TestLatencyDistributionBuckets(t *testing.T) {
	c := NewCollector()
	c.RecordOrder(time.Millisecond, true, 0, 0, "")
	c.RecordOrder(20*time.Millisecond, true, 0, 0, "")
	c.RecordOrder(70*time.Millisecond, true, 0, 0, "")
	c.RecordOrder(200*time.Millisecond, true, 0, 0, "")
	c.RecordOrder(700*time.Millisecond, true, 0, 0, "")
	c.RecordOrder(2*time.Second, true, 0, 0, "")

	dist := c.Snapshot().Performance.LatencyDistribution
	assert.Equal(t, int64(1), dist["0-10ms"])
	assert.Equal(t, int64(1), dist["10-50ms"])
	assert.Equal(t, int64(1), dist["50-100ms"])
	assert.Equal(t, int64(1), dist["100-500ms"])
	assert.Equal(t, int64(1), dist["500ms-1s"])
	assert.Equal(t, int64(1), dist["1s+"])
}

func TestConflictRecorder(t *testing.T) {
	c := NewCollector()
	c.RecordRetry()
	c.RecordRetry()
	c.RecordSerializationConflict()
	c.RecordDeadlockRecovery()

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Concurrency.TotalRetries)
	assert.Equal(t, int64(1), snap.Concurrency.SerializationConflicts)
	assert.Equal(t, int64(1), snap.Concurrency.DeadlockRecoveries)
}

func TestRecentWindowBounded(t *testing.T) {
	c := NewCollector()
	for i := 0; i < recentWindow+100; i++ {
		c.RecordOrder(time.Millisecond, true, 0, 0, "")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Len(t, c.recentDurations, recentWindow)
}

func TestHealthTransitions(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, "healthy", c.Health().Status)

	// 1 success, 9 failures: success rate 10%, critical.
	c.RecordOrder(time.Millisecond, true, 0, 0, "")
	for i := 0; i < 9; i++ {
		c.RecordOrder(time.Millisecond, false, 0, 0, "validation_error")
	}
	health := c.Health()
	assert.Equal(t, "critical", health.Status)
	assert.NotEmpty(t, health.Issues)

	c.Reset()
	assert.Equal(t, "healthy", c.Health().Status)

	// 17 of 20 succeed: 85%, degraded but not critical.
	for i := 0; i < 17; i++ {
		c.RecordOrder(time.Millisecond, true, 0, 0, "")
	}
	for i := 0; i < 3; i++ {
		c.RecordOrder(time.Millisecond, false, 0, 0, "validation_error")
	}
	assert.Equal(t, "degraded", c.Health().Status)
}

func TestHealthFlagsRetryStorm(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 10; i++ {
		c.RecordOrder(time.Millisecond, true, 0, 0, "")
	}
	// 5 retries over 10 orders: 50% retry rate.
	for i := 0; i < 5; i++ {
		c.RecordRetry()
	}
	health := c.Health()
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Issues, "high transaction retry rate")
}

func TestSnapshotConcurrentAccess(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.RecordOrder(time.Millisecond, true, 1, 1, "")
				c.RecordRetry()
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()
	snap := c.Snapshot()
	assert.Equal(t, int64(1600), snap.Orders.Total)
	assert.Equal(t, int64(1600), snap.Concurrency.TotalRetries)
}
