// Package metrics holds the Prometheus collectors for the engine. All
// consumers accept a nil *Metrics and degrade to no-ops so tests can run
// without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	ActorFailures  *prometheus.CounterVec
	FallbackEvents *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
	RateLimited    prometheus.Counter
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_flow_transitions_total",
			Help: "Accepted flow machine transitions.",
		}, []string{"from", "to", "event"}),
		ActorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_flow_actor_failures_total",
			Help: "Actor invocations that settled with a normalized error.",
		}, []string{"actor", "code"}),
		FallbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_fallback_events_total",
			Help: "Fallback orchestrator decisions.",
		}, []string{"mode", "outcome"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payment_circuit_state",
			Help: "Circuit state per endpoint (0 closed, 1 half-open, 2 open).",
		}, []string{"endpoint"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(m.Transitions, m.ActorFailures, m.FallbackEvents, m.CircuitState, m.RateLimited)
	return m
}

// ObserveTransition counts one accepted machine transition.
func (m *Metrics) ObserveTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, event).Inc()
}

// ObserveActorFailure counts one failed actor invocation.
func (m *Metrics) ObserveActorFailure(actor, code string) {
	if m == nil {
		return
	}
	m.ActorFailures.WithLabelValues(actor, code).Inc()
}

// ObserveFallback counts one fallback orchestrator decision.
func (m *Metrics) ObserveFallback(mode, outcome string) {
	if m == nil {
		return
	}
	m.FallbackEvents.WithLabelValues(mode, outcome).Inc()
}

// SetCircuitState records the numeric circuit state for an endpoint.
func (m *Metrics) SetCircuitState(endpoint string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(endpoint).Set(state)
}
