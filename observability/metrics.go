package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// HTTP returns the lazily-initialised registry recording API traffic.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bobvault",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bobvault",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bobvault",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
func (m *httpMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// LendingMetrics captures ledger activity and balances.
type LendingMetrics struct {
	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	totalDeposits   prometheus.Gauge
	outstandingDebt prometheus.Gauge
	pendingDeposits prometheus.Gauge
}

// Lending returns the singleton metrics registry for the lending engine.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bobvault",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of lending operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bobvault",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending operations including collaborator calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			totalDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bobvault",
				Subsystem: "lending",
				Name:      "total_deposits",
				Help:      "Aggregate deposit balance in smallest deposit-asset units.",
			}),
			outstandingDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bobvault",
				Subsystem: "lending",
				Name:      "outstanding_debt",
				Help:      "Aggregate outstanding debt in smallest loan-currency units.",
			}),
			pendingDeposits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bobvault",
				Subsystem: "lending",
				Name:      "pending_deposits",
				Help:      "Deposits received but not yet credited.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.totalDeposits,
			lendingRegistry.outstandingDebt,
			lendingRegistry.pendingDeposits,
		)
	})
	return lendingRegistry
}

// Observe records the execution metrics for a lending operation. Outcome is
// "success" or the classification returned by classify.
func (m *LendingMetrics) Observe(operation string, duration time.Duration, err error, classify func(error) string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if classify != nil {
			if class := classify(err); class != "" {
				outcome = class
			}
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTotals publishes the global ledger sums.
func (m *LendingMetrics) RecordTotals(deposits, debt *big.Int) {
	if m == nil {
		return
	}
	m.totalDeposits.Set(bigToFloat(deposits))
	m.outstandingDebt.Set(bigToFloat(debt))
}

// SetPendingDeposits publishes the number of stalled deposits.
func (m *LendingMetrics) SetPendingDeposits(count int) {
	if m == nil {
		return
	}
	m.pendingDeposits.Set(float64(count))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
