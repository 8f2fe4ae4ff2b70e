package execlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Counters ============

// SignalsProcessed - signals accepted by the dispatcher
var SignalsProcessed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "signal_executor",
		Subsystem: "dispatch",
		Name:      "signals_processed_total",
		Help:      "Total number of validated signals dispatched",
	},
)

// Executions - execution attempts by outcome
var Executions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signal_executor",
		Subsystem: "executor",
		Name:      "executions_total",
		Help:      "Total number of execution attempts",
	},
	[]string{"status", "side"}, // status: SUCCESS, FAILED, SKIPPED
)

// ClosesSuppressed - monitor closes skipped for low price confidence
var ClosesSuppressed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "signal_executor",
		Subsystem: "monitor",
		Name:      "closes_suppressed_total",
		Help:      "Close conditions met but skipped because price confidence was too low",
	},
)

// PositionsClosed - positions marked CLOSED by reason
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signal_executor",
		Subsystem: "positions",
		Name:      "closed_total",
		Help:      "Total number of closed positions",
	},
	[]string{"reason"}, // take_profit, stop_loss, exit_signal
)

// ============ Latency ============

// ExecutionLatency - end-to-end latency of one execution attempt
var ExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "signal_executor",
		Subsystem: "executor",
		Name:      "execution_latency_ms",
		Help:      "Latency of one execution attempt in milliseconds",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
	[]string{"exchange"},
)

// ============ State ============

// LastExecutionTimestamp - unix time of the most recent execution attempt
var LastExecutionTimestamp = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signal_executor",
		Subsystem: "executor",
		Name:      "last_execution_timestamp_seconds",
		Help:      "Unix time of the last execution attempt",
	},
)

// TrackedPositions - positions held in the registry
var TrackedPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signal_executor",
		Subsystem: "positions",
		Name:      "tracked",
		Help:      "Current number of non-terminal positions in the registry",
	},
)
