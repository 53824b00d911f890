// Package monitor aggregates in-process trading engine metrics for the
// operational snapshot endpoint. Prometheus collectors in pkg/metrics
// carry the same signals for scraping; this collector keeps the
// latency percentiles and success-rate rollup the admin API serves as
// JSON.
package monitor

import (
	"sort"
	"sync"
	"time"
)

const recentWindow = 1000

// latency bucket upper bounds
var bucketBounds = []time.Duration{
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

var bucketLabels = []string{"0-10ms", "10-50ms", "50-100ms", "100-500ms", "500ms-1s", "1s+"}

// Collector is a thread-safe aggregate of order, trade, and concurrency
// counters. Zero value is not usable; call NewCollector.
type Collector struct {
	mu sync.RWMutex

	startTime time.Time

	totalOrders      int64
	successfulOrders int64
	failedOrders     int64

	totalTrades int64
	totalVolume int64

	totalRetries           int64
	serializationConflicts int64
	deadlockRecoveries     int64

	errorCounts map[string]int64

	recentDurations []time.Duration
	latencyBuckets  []int64
}

func NewCollector() *Collector {
	return &Collector{
		startTime:      time.Now(),
		errorCounts:    make(map[string]int64),
		latencyBuckets: make([]int64, len(bucketLabels)),
	}
}

// RecordOrder records one completed order submission.
func (c *Collector) RecordOrder(duration time.Duration, success bool, trades int, volume int64, errKind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalOrders++
	if success {
		c.successfulOrders++
	} else {
		c.failedOrders++
		if errKind != "" {
			c.errorCounts[errKind]++
		}
	}
	c.totalTrades += int64(trades)
	c.totalVolume += volume

	c.recentDurations = append(c.recentDurations, duration)
	if len(c.recentDurations) > recentWindow {
		c.recentDurations = c.recentDurations[len(c.recentDurations)-recentWindow:]
	}
	c.latencyBuckets[bucketIndex(duration)]++
}

func bucketIndex(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// RecordRetry implements coordinator.ConflictRecorder.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.totalRetries++
	c.mu.Unlock()
}

// RecordSerializationConflict implements coordinator.ConflictRecorder.
func (c *Collector) RecordSerializationConflict() {
	c.mu.Lock()
	c.serializationConflicts++
	c.mu.Unlock()
}

// RecordDeadlockRecovery implements coordinator.ConflictRecorder.
func (c *Collector) RecordDeadlockRecovery() {
	c.mu.Lock()
	c.deadlockRecoveries++
	c.mu.Unlock()
}

// Snapshot is the JSON shape served by the admin metrics endpoint.
type Snapshot struct {
	UptimeSeconds float64          `json:"uptime_seconds"`
	Orders        OrderStats       `json:"orders"`
	Trades        TradeStats       `json:"trades"`
	Performance   PerformanceStats `json:"performance"`
	Concurrency   ConcurrencyStats `json:"concurrency"`
	Errors        map[string]int64 `json:"errors"`
}

type OrderStats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

type TradeStats struct {
	Total         int64   `json:"total"`
	Volume        int64   `json:"volume"`
	RatePerSecond float64 `json:"rate_per_second"`
}

type PerformanceStats struct {
	AvgLatencyMs        float64          `json:"avg_latency_ms"`
	P95LatencyMs        float64          `json:"p95_latency_ms"`
	P99LatencyMs        float64          `json:"p99_latency_ms"`
	LatencyDistribution map[string]int64 `json:"latency_distribution"`
}

type ConcurrencyStats struct {
	TotalRetries           int64   `json:"total_retries"`
	SerializationConflicts int64   `json:"serialization_conflicts"`
	DeadlockRecoveries     int64   `json:"deadlock_recoveries"`
	RetryRate              float64 `json:"retry_rate"`
}

// Snapshot returns the current aggregate view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uptime := time.Since(c.startTime).Seconds()
	totalOrders := c.totalOrders
	if totalOrders == 0 {
		totalOrders = 1
	}

	avg, p95, p99 := percentiles(c.recentDurations)

	dist := make(map[string]int64, len(bucketLabels))
	for i, label := range bucketLabels {
		dist[label] = c.latencyBuckets[i]
	}
	errs := make(map[string]int64, len(c.errorCounts))
	for k, v := range c.errorCounts {
		errs[k] = v
	}

	return Snapshot{
		UptimeSeconds: uptime,
		Orders: OrderStats{
			Total:       c.totalOrders,
			Successful:  c.successfulOrders,
			Failed:      c.failedOrders,
			SuccessRate: float64(c.successfulOrders) / float64(totalOrders) * 100,
		},
		Trades: TradeStats{
			Total:         c.totalTrades,
			Volume:        c.totalVolume,
			RatePerSecond: float64(c.totalTrades) / maxFloat(uptime, 1),
		},
		Performance: PerformanceStats{
			AvgLatencyMs:        avg,
			P95LatencyMs:        p95,
			P99LatencyMs:        p99,
			LatencyDistribution: dist,
		},
		Concurrency: ConcurrencyStats{
			TotalRetries:           c.totalRetries,
			SerializationConflicts: c.serializationConflicts,
			DeadlockRecoveries:     c.deadlockRecoveries,
			RetryRate:              float64(c.totalRetries) / float64(totalOrders) * 100,
		},
		Errors: errs,
	}
}

// HealthStatus summarizes engine health from current metrics.
type HealthStatus struct {
	Status string   `json:"status"` // healthy, degraded, critical
	Issues []string `json:"issues"`
}

// Health derives a coarse health status. Thresholds follow operational
// experience: success below 95% or p95 above 1s degrades, success below
// 80% or p95 above 5s is critical.
func (c *Collector) Health() HealthStatus {
	snap := c.Snapshot()

	status := "healthy"
	var issues []string

	if snap.Orders.Total > 0 && snap.Orders.SuccessRate < 95 {
		status = "degraded"
		issues = append(issues, "low order success rate")
	}
	if snap.Performance.P95LatencyMs > 1000 {
		status = "degraded"
		issues = append(issues, "high p95 latency")
	}
	if snap.Concurrency.RetryRate > 10 {
		status = "degraded"
		issues = append(issues, "high transaction retry rate")
	}
	if (snap.Orders.Total > 0 && snap.Orders.SuccessRate < 80) || snap.Performance.P95LatencyMs > 5000 {
		status = "critical"
	}

	return HealthStatus{Status: status, Issues: issues}
}

// Reset clears all counters. Test helper.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = time.Now()
	c.totalOrders, c.successfulOrders, c.failedOrders = 0, 0, 0
	c.totalTrades, c.totalVolume = 0, 0
	c.totalRetries, c.serializationConflicts, c.deadlockRecoveries = 0, 0, 0
	c.errorCounts = make(map[string]int64)
	c.recentDurations = nil
	c.latencyBuckets = make([]int64, len(bucketLabels))
}

func percentiles(durations []time.Duration) (avgMs, p95Ms, p99Ms float64) {
	if len(durations) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	avgMs = float64(sum.Milliseconds()) / float64(n)
	if n >= 20 {
		p95Ms = float64(sorted[int(0.95*float64(n))].Milliseconds())
		p99Ms = float64(sorted[int(0.99*float64(n))].Milliseconds())
	}
	return avgMs, p95Ms, p99Ms
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
