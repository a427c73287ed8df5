// Package metrics holds the prometheus collectors shared across the
// engine. Exposed on /metrics by the dashboard server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_scans_total",
			Help: "Total scan loop iterations.",
		})

	FilterAborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_filter_aborts_total",
			Help: "Scan aborts by filter name.",
		},
		[]string{"filter"})

	ScanDurationUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sniper_scan_duration_us",
			Help: "Duration of the last scan in microseconds.",
		})

	TradesPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_trades_placed_total",
			Help: "Orders accepted by the exchange.",
		})

	FOKFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sniper_fok_failures_total",
			Help: "Fill-or-kill attempts that did not match.",
		})

	TradesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_trades_resolved_total",
			Help: "Trades moved to a terminal result.",
		},
		[]string{"result"})

	BalanceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sniper_balance_usdc",
			Help: "Working balance in USDC.",
		})

	ATRPctGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sniper_atr_pct",
			Help: "ATR(14) as percent of last candle close.",
		})

	OddsFetchMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sniper_odds_fetch_ms",
			Help: "Duration of the last odds prefetch in milliseconds.",
		})
)

func init() {
	prometheus.MustRegister(
		ScansTotal, FilterAborts, ScanDurationUs,
		TradesPlaced, FOKFailures, TradesResolved,
		BalanceGauge, ATRPctGauge, OddsFetchMs,
	)
}
