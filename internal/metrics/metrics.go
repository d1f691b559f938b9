// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the risk engine.
type Metrics struct {
	SignalsAccepted    prometheus.Counter
	SignalsRejected    prometheus.Counter
	CandidatesCreated  prometheus.Counter
	CandidatesMerged   prometheus.Counter
	CandidatesExpired  prometheus.Counter
	CandidatesPromoted prometheus.Counter
	DecisionsTotal     *prometheus.CounterVec
	ScoringPasses      prometheus.Counter
	ScoringFailures    prometheus.Counter
	ScoringCancelled   prometheus.Counter
	DegradedScores     prometheus.Counter
	MeanComposite      prometheus.Gauge
	WindowSignals      prometheus.Gauge
}

// New registers the engine metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the engine metrics on the given registerer. Tests
// pass a fresh prometheus.NewRegistry to avoid duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_signals_accepted_total",
			Help: "Total number of signals accepted by the normalizer",
		}),
		SignalsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_signals_rejected_total",
			Help: "Total number of signals rejected as malformed or out of range",
		}),
		CandidatesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_candidates_created_total",
			Help: "Total number of risk candidates created",
		}),
		CandidatesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_candidates_merged_total",
			Help: "Total number of candidates merged into an existing survivor",
		}),
		CandidatesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_candidates_expired_total",
			Help: "Total number of candidates expired by retention",
		}),
		CandidatesPromoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_candidates_promoted_total",
			Help: "Total number of candidates promoted to the risk register",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_decisions_total",
			Help: "Decision outcomes by state",
		}, []string{"state"}),
		ScoringPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_scoring_passes_total",
			Help: "Total number of completed per-service scoring passes",
		}),
		ScoringFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_scoring_failures_total",
			Help: "Total number of per-service scoring passes that failed",
		}),
		ScoringCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_scoring_cancelled_total",
			Help: "Total number of scoring passes cancelled by newer signals",
		}),
		DegradedScores: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_degraded_scores_total",
			Help: "Total number of scores computed with stale or missing controls data",
		}),
		MeanComposite: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_mean_composite_score",
			Help: "Mean composite score across the last scoring batch",
		}),
		WindowSignals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_window_signals",
			Help: "Signals currently held in the scoring window",
		}),
	}
}

// ObserveDecision counts one decision outcome.
func (m *Metrics) ObserveDecision(state string) {
	m.DecisionsTotal.WithLabelValues(state).Inc()
}
