package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "admission"

// Collectors live on their own registry so tests and multiple engines in one
// process do not collide on the default one.
type Collectors struct {
	Registry        *prometheus.Registry
	Decisions       *prometheus.CounterVec
	DecisionLatency *prometheus.HistogramVec
	StageLatency    *prometheus.HistogramVec
	UpstreamLatency *prometheus.HistogramVec
	Degraded        *prometheus.CounterVec
	AbusePatterns   *prometheus.CounterVec
	BreakerOpen     *prometheus.GaugeVec
	BudgetRemaining *prometheus.GaugeVec
	Alerts          *prometheus.CounterVec
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collectors{
		Registry: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by category, outcome and denial kind.",
		}, []string{"category", "outcome", "kind"}),
		DecisionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent admitting a request.",
			Buckets:   latencyBounds,
		}, []string{"category"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each admission stage.",
			Buckets:   latencyBounds,
		}, []string{"stage"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of admitted requests by category and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category", "status"}),
		Degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Store failures by stage and fail mode.",
		}, []string{"stage", "mode"}),
		AbusePatterns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abuse_patterns_total",
			Help:      "Detected abuse patterns by type and severity.",
		}, []string{"type", "severity"}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_open",
			Help:      "1 while the endpoint breaker is open.",
		}, []string{"endpoint"}),
		BudgetRemaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_budget_remaining",
			Help:      "Remaining error budget fraction per SLO.",
		}, []string{"slo"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slo_alerts_total",
			Help:      "Error budget exhaustion alerts per SLO.",
		}, []string{"slo"}),
	}
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}
