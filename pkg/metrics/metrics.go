package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts order submissions by side and outcome (accepted/rejected).
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "campex_orders_submitted_total",
		Help: "Total number of orders submitted to the matching engine",
	},
	[]string{"side", "outcome"},
)

// OrdersCancelled counts order cancellations.
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "campex_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
)

// TradesExecuted counts trades produced by the matching engine per contract side.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "campex_trades_executed_total",
		Help: "Total number of trades executed",
	},
	[]string{"contract_side"},
)

// TradeVolume accumulates traded share quantity per contract side.
var TradeVolume = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "campex_trade_volume_shares_total",
		Help: "Total traded quantity in shares",
	},
	[]string{"contract_side"},
)

// OrderLatency records latency distribution for order submission, end to end.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "campex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual order submissions",
		Buckets: prometheus.DefBuckets,
	},
)

// Transaction coordinator metrics.
var (
	TxRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campex_tx_retries_total",
			Help: "Total transaction retries performed by the coordinator",
		},
	)

	SerializationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campex_tx_serialization_conflicts_total",
			Help: "Serialization failures detected and retried",
		},
	)

	DeadlockRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campex_tx_deadlock_recoveries_total",
			Help: "Deadlocks detected and recovered via retry",
		},
	)

	TxExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campex_tx_retry_exhausted_total",
			Help: "Operations that failed after exhausting the retry budget",
		},
	)
)

// Settlement metrics.
var (
	PositionsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campex_positions_settled_total",
			Help: "Positions settled, by settlement kind (payout/refund/loss)",
		},
		[]string{"kind"},
	)

	SettlementPayoutCents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campex_settlement_payout_cents_total",
			Help: "Total cents credited by settlement",
		},
	)

	SettlementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campex_settlement_failures_total",
			Help: "Settlement passes that failed and require a resumed sweep",
		},
	)
)

// OpenMarkets tracks the number of markets currently open for trading.
var OpenMarkets = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "campex_open_markets",
		Help: "Number of markets currently open for trading",
	},
)

// Database connection pool metrics.
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campex_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campex_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersCancelled, TradesExecuted, TradeVolume, OrderLatency)
	prometheus.MustRegister(TxRetries, SerializationConflicts, DeadlockRecoveries, TxExhausted)
	prometheus.MustRegister(PositionsSettled, SettlementPayoutCents, SettlementFailures)
	prometheus.MustRegister(OpenMarkets, DBOpenConns, DBInUseConns)
}
