// Package metrics instruments queue depth, analyzer latency, kill-switch
// fan-out, and webhook outcomes via prometheus/client_golang — the
// teacher's only real promauto usage (internal/escrow/metrics.go),
// generalized here from escrow/governance domain counters to this
// domain's. The scrape format/endpoint itself stays out of scope; only
// instrumentation points are added.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the control plane emits.
type Metrics struct {
	AnalyzerQueueDepth   prometheus.Gauge
	AnalyzerLatency      prometheus.Histogram
	AnalyzerDropsTotal   *prometheus.CounterVec
	TrustScoreHistogram  prometheus.Histogram
	DecisionsTotal       *prometheus.CounterVec
	KillSwitchFanout     *prometheus.CounterVec
	KillSwitchSockets    prometheus.Gauge
	WebhookOutcomes      *prometheus.CounterVec
	RefreshOutcomes      *prometheus.CounterVec
}

// latencyBuckets matches the analyzer's own runtime-histogram buckets
// from spec.md §4.2.
var latencyBuckets = []float64{50, 100, 200, 300, 500, 800, 1200}

// New registers and returns the metrics bundle against the default
// registry.
func New() *Metrics {
	return &Metrics{
		AnalyzerQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ocx_analyzer_queue_depth",
			Help: "Current depth of the analyzer job queue.",
		}),
		AnalyzerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocx_analyzer_job_duration_ms",
			Help:    "Analyzer job processing latency in milliseconds.",
			Buckets: latencyBuckets,
		}),
		AnalyzerDropsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_analyzer_drops_total",
			Help: "Analyzer jobs dropped by breaker type.",
		}, []string{"reason"}),
		TrustScoreHistogram: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocx_trust_score",
			Help:    "Distribution of computed trust scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_analyzer_decisions_total",
			Help: "Analyzer decisions by outcome.",
		}, []string{"outcome"}),
		KillSwitchFanout: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_killswitch_fanout_total",
			Help: "Kill-switch messages delivered, by message kind.",
		}, []string{"kind"}),
		KillSwitchSockets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ocx_killswitch_sockets",
			Help: "Currently registered kill-switch push sockets.",
		}),
		WebhookOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_billing_webhook_total",
			Help: "Billing webhook requests by outcome.",
		}, []string{"outcome"}),
		RefreshOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ocx_refresh_total",
			Help: "Refresh-token redemption attempts by outcome.",
		}, []string{"outcome"}),
	}
}
