package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conductor"

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without a registry.
type Metrics struct {
	routes           *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	agentStatus      *prometheus.GaugeVec
	workflows        *prometheus.CounterVec
	submissions      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by the strategy that produced them.",
		}, []string{"strategy"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Agent invocations by outcome.",
		}, []string{"agent", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatches_in_flight",
			Help:      "Agent invocations currently running.",
		}, []string{"agent"}),
		agentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_status",
			Help:      "1 for the agent's current health status, 0 otherwise.",
		}, []string{"agent", "status"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow instance state transitions.",
		}, []string{"pattern", "status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submitted events by envelope status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.routes, m.dispatches, m.dispatchDuration, m.inFlight,
			m.agentStatus, m.workflows, m.submissions)
	}
	return m
}

func (m *Metrics) ObserveRoute(strategy string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveDispatch(agentID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(agentID, outcome).Inc()
	m.dispatchDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

func (m *Metrics) InFlight(agentID string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(agentID).Add(delta)
}

// SetAgentStatus sets the gauge for status to 1 and every other known status to 0.
func (m *Metrics) SetAgentStatus(agentID, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.agentStatus.WithLabelValues(agentID, s).Set(v)
	}
}

func (m *Metrics) ObserveWorkflow(pattern, status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(pattern, status).Inc()
}

func (m *Metrics) ObserveSubmit(status string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status).Inc()
}

// Routes exposes the routing counter for tests.
func (m *Metrics) Routes() *prometheus.CounterVec { return m.routes }

// Dispatches exposes the dispatch counter for tests.
func (m *Metrics) Dispatches() *prometheus.CounterVec { return m.dispatches }
