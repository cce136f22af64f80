// Package metrics holds the prometheus collectors for switchboard. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

type Metrics struct {
	Registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	gateDecisions   *prometheus.CounterVec
	ingress         *prometheus.CounterVec
	ingressRetries  prometheus.Counter
	failures        *prometheus.CounterVec
	leaseHealth     *prometheus.GaugeVec
	approvals       *prometheus.CounterVec
	relayDeliveries *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transition evaluations by entity, action and outcome.",
		}, []string{"entity", "action", "allowed"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judgement_decisions_total",
			Help:      "Admission gate decisions by decision and policy id.",
		}, []string{"decision", "policy_id"}),
		ingress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_events_total",
			Help:      "Inbound events by channel and terminal status.",
		}, []string{"channel", "status"}),
		ingressRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_retries_total",
			Help:      "Ingress delivery attempts rescheduled after a retryable failure.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_events_total",
			Help:      "Recorded failure events by class.",
		}, []string{"failure_class"}),
		leaseHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lease_health",
			Help:      "1 for the most recently observed orchestrator lease health, 0 otherwise.",
		}, []string{"health"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_tokens_total",
			Help:      "Approval token operations by operation and result code.",
		}, []string{"op", "code"}),
		relayDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deliveries_total",
			Help:      "Audit relay deliveries by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.gateDecisions, m.ingress, m.ingressRetries, m.failures,
		m.leaseHealth, m.approvals, m.relayDeliveries,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Transition(entity, action string, allowed bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, action, boolLabel(allowed)).Inc()
}

func (m *Metrics) GateDecision(decision, policyID string) {
	if m == nil {
		return
	}
	if policyID == "" {
		policyID = "none"
	}
	m.gateDecisions.WithLabelValues(decision, policyID).Inc()
}

func (m *Metrics) Ingress(channel, status string) {
	if m == nil {
		return
	}
	m.ingress.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) IngressRetry() {
	if m == nil {
		return
	}
	m.ingressRetries.Inc()
}

func (m *Metrics) Failure(class string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(class).Inc()
}

// LeaseHealth sets the gauge for current to 1 and every other known state to 0.
func (m *Metrics) LeaseHealth(current string, all ...string) {
	if m == nil {
		return
	}
	for _, h := range all {
		m.leaseHealth.WithLabelValues(h).Set(0)
	}
	m.leaseHealth.WithLabelValues(current).Set(1)
}

func (m *Metrics) Approval(op, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.approvals.WithLabelValues(op, code).Inc()
}

func (m *Metrics) RelayDelivery(sink string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.relayDeliveries.WithLabelValues(sink, outcome).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
