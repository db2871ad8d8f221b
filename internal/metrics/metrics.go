// Package metrics provides Prometheus observability for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all engine collectors. A nil *Metrics is a no-op, so
// components can take it as an optional dependency.
type Metrics struct {
	// Decision outcomes by outcome and trigger type.
	DecisionOutcome *prometheus.CounterVec

	// Full trigger evaluation latency.
	EvaluateLatency prometheus.Histogram

	// Composite score distribution across evaluated triggers.
	CompositeScore prometheus.Histogram

	// Cache lookups by result ("hit" or "miss").
	CacheLookups *prometheus.CounterVec

	// Per-source enrichment attempt latency.
	SourceLatency *prometheus.HistogramVec

	// Enrichment attempts by source and result ("success" or "failure").
	SourceAttempts *prometheus.CounterVec

	// Budget spend ratio by category, refreshed at snapshot time.
	BudgetSpendRatio *prometheus.GaugeVec
}

// New registers all engine metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		DecisionOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_decision_outcomes_total",
			Help: "Total decision outcomes by outcome and trigger type",
		}, []string{"outcome", "trigger_type"}),

		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_decision_evaluate_duration_seconds",
			Help:    "Duration of full trigger evaluation including grade and budget lookups",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		CompositeScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_decision_composite_score",
			Help:    "Composite score distribution across evaluated triggers",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),

		SourceLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_enrichment_source_duration_seconds",
			Help:    "Duration of enrichment source attempts by source",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),

		SourceAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_enrichment_source_attempts_total",
			Help: "Enrichment source attempts by source and result",
		}, []string{"source", "result"}),

		BudgetSpendRatio: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_budget_spend_ratio",
			Help: "Spent as a fraction of allocated, by category",
		}, []string{"category"}),
	}
}

// IncrementOutcome records a decision outcome.
func (m *Metrics) IncrementOutcome(outcome, triggerType string) {
	if m != nil {
		m.DecisionOutcome.WithLabelValues(outcome, triggerType).Inc()
	}
}

// ObserveEvaluateLatency records a full evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// ObserveComposite records a decision's composite score.
func (m *Metrics) ObserveComposite(score float64) {
	if m != nil {
		m.CompositeScore.Observe(score)
	}
}

// IncrementCacheLookup records a cache hit or miss.
func (m *Metrics) IncrementCacheLookup(hit bool) {
	if m != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

// ObserveSourceAttempt records one enrichment source attempt.
func (m *Metrics) ObserveSourceAttempt(source string, success bool, d time.Duration) {
	if m != nil {
		result := "failure"
		if success {
			result = "success"
		}
		m.SourceAttempts.WithLabelValues(source, result).Inc()
		m.SourceLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}

// SetBudgetSpendRatio publishes the spend ratio for a category.
func (m *Metrics) SetBudgetSpendRatio(category string, ratio float64) {
	if m != nil {
		m.BudgetSpendRatio.WithLabelValues(category).Set(ratio)
	}
}
