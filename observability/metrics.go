package observability

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics records JSON-RPC activity segmented by method and outcome.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// SettlementMetrics tracks the ledger aggregates dashboards alert on.
type SettlementMetrics struct {
	deposits       prometheus.Counter
	depositVolume  prometheus.Counter
	commissions    prometheus.Counter
	solvencyRatio  prometheus.Gauge
	breakerTripped prometheus.Gauge
	batchChunks    prometheus.Counter
	solvencyPauses prometheus.Counter
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics

	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// RPC returns the lazily-initialised RPC metrics registry.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settle",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one RPC call.
func (m *RPCMetrics) Observe(method string, err bool, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "ok"
	if err {
		outcome = "error"
		m.errors.WithLabelValues(method, code).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "ledger",
				Name:      "deposits_total",
				Help:      "Count of routed weekly performance deposits.",
			}),
			depositVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "ledger",
				Name:      "deposit_volume_units",
				Help:      "Cumulative deposited amount in minor units.",
			}),
			commissions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "ledger",
				Name:      "commissions_credited_total",
				Help:      "Count of individual commission credits.",
			}),
			solvencyRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "solvency",
				Name:      "ratio_bps",
				Help:      "Reserve/obligation ratio in basis points.",
			}),
			breakerTripped: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settle",
				Subsystem: "solvency",
				Name:      "breaker_tripped",
				Help:      "1 while the circuit breaker is active.",
			}),
			batchChunks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "mlm",
				Name:      "batch_chunks_total",
				Help:      "Count of processed distribution batch chunks.",
			}),
			solvencyPauses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "mlm",
				Name:      "solvency_pauses_total",
				Help:      "Count of distribution chunks paused by the circuit breaker.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.deposits,
			settlementRegistry.depositVolume,
			settlementRegistry.commissions,
			settlementRegistry.solvencyRatio,
			settlementRegistry.breakerTripped,
			settlementRegistry.batchChunks,
			settlementRegistry.solvencyPauses,
		)
	})
	return settlementRegistry
}

// RecordDeposit updates the deposit counters.
func (m *SettlementMetrics) RecordDeposit(amount *big.Int) {
	if m == nil {
		return
	}
	m.deposits.Inc()
	m.depositVolume.Add(bigFloat(amount))
}

// RecordCommissions counts individual commission credits.
func (m *SettlementMetrics) RecordCommissions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.commissions.Add(float64(n))
}

// RecordBatchChunk counts one processed chunk, noting a solvency pause.
func (m *SettlementMetrics) RecordBatchChunk(paused bool) {
	if m == nil {
		return
	}
	m.batchChunks.Inc()
	if paused {
		m.solvencyPauses.Inc()
	}
}

// SetSolvency publishes the latest observed solvency status.
func (m *SettlementMetrics) SetSolvency(ratioBps *big.Int, tripped bool) {
	if m == nil {
		return
	}
	m.solvencyRatio.Set(bigFloat(ratioBps))
	if tripped {
		m.breakerTripped.Set(1)
	} else {
		m.breakerTripped.Set(0)
	}
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
