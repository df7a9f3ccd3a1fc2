package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics bundles the collectors tracking transaction execution and
// market activity.
type LedgerMetrics struct {
	operations   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	applyLatency *prometheus.HistogramVec
	height       prometheus.Gauge
	openListings prometheus.Gauge
	saleVolume   prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised metrics registry used by the node.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of applied transactions segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "failures_total",
				Help:      "Count of rejected transactions segmented by operation and error tag.",
			}, []string{"op", "tag"}),
			applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "apply_duration_seconds",
				Help:      "Latency distribution for applying a transaction end to end.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "ledger",
				Name:      "height",
				Help:      "Height of the most recently committed state.",
			}),
			openListings: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "market",
				Name:      "open_listings",
				Help:      "Number of listings currently holding an escrowed asset.",
			}),
			saleVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "market",
				Name:      "sale_volume_total",
				Help:      "Cumulative native units paid across completed sales.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.failures,
			ledgerRegistry.applyLatency,
			ledgerRegistry.height,
			ledgerRegistry.openListings,
			ledgerRegistry.saleVolume,
		)
	})
	return ledgerRegistry
}

// ObserveApply records one applied transaction. tag carries the stable error
// tag for rejected transactions and is ignored for accepted ones.
func (m *LedgerMetrics) ObserveApply(op string, tag string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	op = labelOp(op)
	outcome := "success"
	if failed {
		outcome = "failed"
		if tag = strings.TrimSpace(tag); tag == "" {
			tag = "unknown"
		}
		m.failures.WithLabelValues(op, tag).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.applyLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetHeight updates the committed height gauge.
func (m *LedgerMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// SetOpenListings updates the live listing count gauge.
func (m *LedgerMetrics) SetOpenListings(count int) {
	if m == nil {
		return
	}
	m.openListings.Set(float64(count))
}

// AddSaleVolume accumulates the price of a completed sale.
func (m *LedgerMetrics) AddSaleVolume(price uint64) {
	if m == nil {
		return
	}
	m.saleVolume.Add(float64(price))
}

func labelOp(op string) string {
	trimmed := strings.TrimSpace(op)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
