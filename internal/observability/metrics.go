package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors shared by every component.
type Metrics struct {
	// Appends by lane and result (ok, error, dead_letter)
	Appends        *prometheus.CounterVec
	AppendDuration prometheus.Histogram

	// BreakerState is 0 closed, 1 half-open, 2 open
	BreakerState prometheus.Gauge

	RefreshCycles   *prometheus.CounterVec
	RefreshDuration prometheus.Histogram

	// Derived counts candidates by pipeline outcome
	Derived *prometheus.CounterVec

	ViewWatermark *prometheus.GaugeVec
	PendingEvents prometheus.Gauge

	QueryDuration prometheus.Histogram

	// AccessDecisions by check (permission, action, budget, nonce) and outcome
	AccessDecisions *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a private registry
// so callers and tests never need a nil check.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factlog_appends_total",
			Help: "Submissions appended to the ingest buffer.",
		}, []string{"lane", "result"}),

		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "factlog_append_duration_seconds",
			Help:    "Latency of buffer appends including retries.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "factlog_ingest_breaker_state",
			Help: "Ingest circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		RefreshCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factlog_refresh_cycles_total",
			Help: "View refresh cycles by result.",
		}, []string{"result"}),

		RefreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "factlog_refresh_duration_seconds",
			Help:    "Duration of view refresh cycles.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),

		Derived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factlog_derived_total",
			Help: "Candidates by derivation outcome.",
		}, []string{"outcome"}),

		ViewWatermark: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "factlog_view_watermark",
			Help: "Highest buffer LSN consumed by the view, per source.",
		}, []string{"source"}),

		PendingEvents: f.NewGauge(prometheus.GaugeOpts{
			Name: "factlog_view_pending_events",
			Help: "Events withheld until their parent appears.",
		}),

		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "factlog_query_duration_seconds",
			Help:    "Latency of view queries.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		AccessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factlog_access_decisions_total",
			Help: "Read-side access checks by check and outcome.",
		}, []string{"check", "outcome"}),
	}
}
