package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmaker_activity_events_total",
		Help: "Observed market activity events by kind and source",
	}, []string{"kind", "source"})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmaker_decode_failures_total",
		Help: "Observed transactions or logs that failed to decode",
	})

	TriggerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmaker_trigger_decisions_total",
		Help: "Trigger engine decisions by action and reason",
	}, []string{"action", "reason"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmaker_trades_total",
		Help: "Trade submissions by status and side",
	}, []string{"status", "side"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketmaker_trade_latency_seconds",
		Help:    "Latency from decision to submission outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	NonceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmaker_nonce_gaps_total",
		Help: "Wallets forced into nonce gap recovery",
	})

	BundleSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketmaker_bundle_submissions_total",
		Help: "Bundle relay submissions by outcome",
	}, []string{"outcome"})

	CascadeAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketmaker_cascade_advances_total",
		Help: "Cascade controller wallet advances",
	})
)
