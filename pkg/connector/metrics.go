package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the connector's Prometheus collectors, grounded on
// r3e-network-service_layer's pkg/metrics (NewCounterVec/NewHistogramVec
// registered against a dedicated registry rather than the global default).
type Metrics struct {
	calls             *prometheus.CounterVec
	inputTokens       *prometheus.CounterVec
	outputTokens      *prometheus.CounterVec
	estimatedCostUSD  *prometheus.CounterVec
	latencySeconds    *prometheus.HistogramVec
	circuitTransitions *prometheus.CounterVec
}

// NewMetrics registers the connector's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalcore",
			Subsystem: "connector",
			Name:      "calls_total",
			Help:      "Total model connector calls by model and outcome kind.",
		}, []string{"model_id", "outcome"}),
		inputTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalcore",
			Subsystem: "connector",
			Name:      "input_tokens_total",
			Help:      "Total input tokens billed by the provider.",
		}, []string{"model_id"}),
		outputTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalcore",
			Subsystem: "connector",
			Name:      "output_tokens_total",
			Help:      "Total output tokens billed by the provider.",
		}, []string{"model_id"}),
		estimatedCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalcore",
			Subsystem: "connector",
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated cumulative provider cost in USD.",
		}, []string{"model_id"}),
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evalcore",
			Subsystem: "connector",
			Name:      "call_latency_seconds",
			Help:      "Latency of successful model connector calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"model_id"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalcore",
			Subsystem: "connector",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.calls, m.inputTokens, m.outputTokens, m.estimatedCostUSD, m.latencySeconds, m.circuitTransitions)
	return m
}

// ObserveCall records one call attempt tagged with its outcome kind ("ok"
// or an apperrors.Kind string).
func (m *Metrics) ObserveCall(modelID, outcome string) {
	m.calls.WithLabelValues(modelID, outcome).Inc()
}

// ObserveTokens records input/output token counts and estimated cost for a
// successful call.
func (m *Metrics) ObserveTokens(modelID string, u Usage) {
	m.inputTokens.WithLabelValues(modelID).Add(float64(u.InputTokens))
	m.outputTokens.WithLabelValues(modelID).Add(float64(u.OutputTokens))
	m.estimatedCostUSD.WithLabelValues(modelID).Add(u.EstimatedCostUSD)
}

// ObserveLatency records a successful call's latency.
func (m *Metrics) ObserveLatency(modelID string, latencyMS int64) {
	m.latencySeconds.WithLabelValues(modelID).Observe(float64(latencyMS) / 1000)
}

// ObserveCircuitTransition records a breaker state change.
func (m *Metrics) ObserveCircuitTransition(from, to string) {
	m.circuitTransitions.WithLabelValues(from, to).Inc()
}
