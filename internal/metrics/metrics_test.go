package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opsloop/selfheal/internal/domain"
)

func TestRegisterAndObserve(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.ObserveIngest(domain.CategoryNetwork, false)
	m.ObserveIngest(domain.CategoryNetwork, true)
	m.ObserveGate(domain.GateDecision{Verdict: domain.VerdictProceed, Reason: ""})
	m.ObserveExecution(&domain.PlaybookExecution{
		PlaybookID:    "pb-restart",
		Outcome:       domain.OutcomeSuccess,
		StartedAtUnix: 100,
		EndedAtUnix:   130,
	})
	m.ObserveVerification(domain.PhaseImmediate, true)
	m.ObserveBreakerTrip("pb-restart", domain.RadiusSingleService)
	m.ObserveEscalation(domain.Sev0)
	m.ObserveTerminal(domain.StateClosed)
	m.IncidentsOpen.Set(2)

	if got := testutil.ToFloat64(m.EventsIngested.WithLabelValues("network", "merged")); got != 1 {
		t.Errorf("merged ingests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Executions.WithLabelValues("pb-restart", "success")); got != 1 {
		t.Errorf("executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerTrips.WithLabelValues("pb-restart", "single_service")); got != 1 {
		t.Errorf("breaker trips = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.IncidentsOpen); got != 2 {
		t.Errorf("incidents open = %v, want 2", got)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Fatal("second register should fail")
	}
}
