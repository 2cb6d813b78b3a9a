// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OpportunitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arbexec_opportunities_total", Help: "Opportunities emitted by the scanner"},
		[]string{"symbol"},
	)
	QuoteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arbexec_quote_failures_total", Help: "Ticker fetches dropped from a scan"},
		[]string{"venue", "reason"},
	)
	ScanErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "arbexec_scan_errors_total", Help: "Scans or scan handlers that failed"},
	)
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "arbexec_scan_duration_seconds", Help: "Wall time of one scan", Buckets: prometheus.DefBuckets},
	)
	TradeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arbexec_trade_outcomes_total", Help: "Terminal trade outcomes"},
		[]string{"worker", "kind"},
	)
	RiskBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arbexec_risk_blocks_total", Help: "Trades blocked by the risk engine"},
		[]string{"reason"},
	)
	PoolSaturationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "arbexec_pool_saturations_total", Help: "Acquires served by a temporary unpooled adapter"},
		[]string{"venue"},
	)
	PoolAdapters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "arbexec_pool_adapters", Help: "Pooled adapters by state"},
		[]string{"venue", "state"},
	)
)

func init() {
	prometheus.MustRegister(
		OpportunitiesTotal,
		QuoteFailuresTotal,
		ScanErrorsTotal,
		ScanDuration,
		TradeOutcomesTotal,
		RiskBlocksTotal,
		PoolSaturationsTotal,
		PoolAdapters,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
