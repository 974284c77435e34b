// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsloop/selfheal/internal/domain"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	EventsIngested    *prometheus.CounterVec
	IncidentsOpen     prometheus.Gauge
	IncidentsResolved *prometheus.CounterVec
	GateDecisions     *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionSeconds  prometheus.Histogram
	VerificationPhase *prometheus.CounterVec
	BreakerTrips      *prometheus.CounterVec
	Escalations       *prometheus.CounterVec
}

// New creates the collector set. Call Register before use.
func New() *Metrics {
	return &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "events_ingested_total",
			Help:      "Anomaly events accepted, by category and dedup result.",
		}, []string{"category", "dedup"}),
		IncidentsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "selfheal",
			Name:      "incidents_open",
			Help:      "Incidents currently in a non-terminal state.",
		}),
		IncidentsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "incidents_resolved_total",
			Help:      "Incidents reaching a terminal state, by final state.",
		}, []string{"state"}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "gate_decisions_total",
			Help:      "Safety gate verdicts, by verdict and reason.",
		}, []string{"verdict", "reason"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "executions_total",
			Help:      "Playbook executions, by playbook and outcome.",
		}, []string{"playbook_id", "outcome"}),
		ExecutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "selfheal",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of playbook executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		VerificationPhase: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "verification_phases_total",
			Help:      "Verification phase outcomes, by phase and result.",
		}, []string{"phase", "result"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips, by playbook and scope.",
		}, []string{"playbook_id", "scope"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Name:      "escalations_total",
			Help:      "Escalations routed to humans, by severity.",
		}, []string{"severity"}),
	}
}

// Register attaches every collector to the registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.EventsIngested,
		m.IncidentsOpen,
		m.IncidentsResolved,
		m.GateDecisions,
		m.Executions,
		m.ExecutionSeconds,
		m.VerificationPhase,
		m.BreakerTrips,
		m.Escalations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveIngest counts one accepted anomaly event.
func (m *Metrics) ObserveIngest(category domain.Category, deduped bool) {
	dedup := "new"
	if deduped {
		dedup = "merged"
	}
	m.EventsIngested.WithLabelValues(string(category), dedup).Inc()
}

// ObserveGate counts one safety gate decision.
func (m *Metrics) ObserveGate(d domain.GateDecision) {
	m.GateDecisions.WithLabelValues(string(d.Verdict), d.Reason).Inc()
}

// ObserveExecution counts a finished execution and its duration.
func (m *Metrics) ObserveExecution(exec *domain.PlaybookExecution) {
	m.Executions.WithLabelValues(exec.PlaybookID, string(exec.Outcome)).Inc()
	if d := exec.EndedAtUnix - exec.StartedAtUnix; d >= 0 {
		m.ExecutionSeconds.Observe(float64(d))
	}
}

// ObserveVerification counts one verification phase outcome.
func (m *Metrics) ObserveVerification(phase domain.VerificationPhase, passed bool) {
	result := "failed"
	if passed {
		result = "passed"
	}
	m.VerificationPhase.WithLabelValues(string(phase), result).Inc()
}

// ObserveBreakerTrip counts one breaker trip.
func (m *Metrics) ObserveBreakerTrip(playbookID string, scope domain.BlastRadius) {
	m.BreakerTrips.WithLabelValues(playbookID, scope.String()).Inc()
}

// ObserveEscalation counts one routed escalation.
func (m *Metrics) ObserveEscalation(sev domain.Severity) {
	m.Escalations.WithLabelValues(sev.String()).Inc()
}

// ObserveTerminal counts an incident reaching a terminal state.
func (m *Metrics) ObserveTerminal(state domain.IncidentState) {
	m.IncidentsResolved.WithLabelValues(string(state)).Inc()
}
