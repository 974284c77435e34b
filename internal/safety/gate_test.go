package safety

import (
	"testing"
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

func testGate(policy GatePolicy) (*Gate, *BreakerRegistry) {
	breakers := NewBreakerRegistry(BreakerConfig{})
	g := NewGate(breakers, policy)
	return g, breakers
}

func incidentAt(radius domain.BlastRadius) domain.Incident {
	return domain.Incident{
		ID:          "inc-1",
		Category:    domain.CategoryResourceExhaustion,
		Severity:    domain.Sev2,
		BlastRadius: radius,
		State:       domain.StateGated,
	}
}

func candidate() *domain.Playbook {
	return &domain.Playbook{
		ID:       "pb-1",
		Version:  1,
		Category: domain.CategoryResourceExhaustion,
		Safety:   domain.SafetySpec{BlastRadiusCeiling: domain.RadiusClusterWide},
	}
}

func TestGate_MultiRegionNeverProceeds(t *testing.T) {
	g, _ := testGate(GatePolicy{})
	inc := incidentAt(domain.RadiusMultiRegion)

	// Property: multi-region auto-remediation is unreachable, with or
	// without a candidate, at any severity.
	for _, sev := range []domain.Severity{domain.Sev0, domain.Sev1, domain.Sev2, domain.Sev3} {
		inc.Severity = sev
		for _, c := range []*domain.Playbook{nil, candidate()} {
			d := g.Evaluate(inc, c)
			if d.Verdict != domain.VerdictDenyEscalate {
				t.Errorf("severity %s candidate %v: verdict = %s, want deny_escalate", sev, c != nil, d.Verdict)
			}
			if d.Reason != ReasonMultiRegion {
				t.Errorf("reason = %q, want %q", d.Reason, ReasonMultiRegion)
			}
		}
	}
}

func TestGate_ClusterWideRequiresApproval(t *testing.T) {
	g, _ := testGate(GatePolicy{})
	d := g.Evaluate(incidentAt(domain.RadiusClusterWide), candidate())
	if d.Verdict != domain.VerdictRequireApproval {
		t.Errorf("verdict = %s, want require_approval", d.Verdict)
	}
}

func TestGate_ClusterWidePreApprovedProceeds(t *testing.T) {
	g, _ := testGate(GatePolicy{
		PreApprovedCategories: map[domain.Category]bool{domain.CategoryResourceExhaustion: true},
	})
	d := g.Evaluate(incidentAt(domain.RadiusClusterWide), candidate())
	if d.Verdict != domain.VerdictProceed {
		t.Errorf("verdict = %s, want proceed for pre-approved standard change", d.Verdict)
	}
}

func TestGate_OpenBreakerDenies(t *testing.T) {
	g, breakers := testGate(GatePolicy{})
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("pb-1", domain.RadiusSingleService)
	}

	d := g.Evaluate(incidentAt(domain.RadiusSingleService), candidate())
	if d.Verdict != domain.VerdictDenyEscalate {
		t.Errorf("verdict = %s, want deny_escalate", d.Verdict)
	}
	if d.Reason != ReasonBreakerOpen {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonBreakerOpen)
	}
}

func TestGate_BreakerDeniesUntilCooldown_Concurrent(t *testing.T) {
	g, breakers := testGate(GatePolicy{})
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("pb-1", domain.RadiusSingleService)
	}

	inc := incidentAt(domain.RadiusSingleService)
	done := make(chan domain.GateVerdict, 50)
	for i := 0; i < 50; i++ {
		go func() { done <- g.Evaluate(inc, candidate()).Verdict }()
	}
	for i := 0; i < 50; i++ {
		if v := <-done; v != domain.VerdictDenyEscalate {
			t.Fatalf("concurrent evaluate verdict = %s, want deny_escalate", v)
		}
	}
}

func TestGate_NoCandidateDenies(t *testing.T) {
	g, _ := testGate(GatePolicy{})
	d := g.Evaluate(incidentAt(domain.RadiusSingleInstance), nil)
	if d.Verdict != domain.VerdictDenyEscalate || d.Reason != ReasonNoCandidate {
		t.Errorf("decision = %+v, want deny_escalate / %q", d, ReasonNoCandidate)
	}
}

func TestGate_PlaybookApprovalFlag(t *testing.T) {
	g, _ := testGate(GatePolicy{})
	c := candidate()
	c.Safety.RequiresApproval = true

	d := g.Evaluate(incidentAt(domain.RadiusSingleInstance), c)
	if d.Verdict != domain.VerdictRequireApproval || d.Reason != ReasonPlaybookApproval {
		t.Errorf("decision = %+v, want require_approval / %q", d, ReasonPlaybookApproval)
	}
}

func TestGate_MaintenanceWindowHoldsSev3(t *testing.T) {
	g, _ := testGate(GatePolicy{
		MaintenanceWindows: []MaintenanceWindow{{StartHour: 0, EndHour: 24}},
	})
	g.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	inc := incidentAt(domain.RadiusSingleInstance)
	inc.Severity = domain.Sev3
	d := g.Evaluate(inc, candidate())
	if d.Verdict != domain.VerdictRequireApproval || d.Reason != ReasonMaintenanceWindow {
		t.Errorf("decision = %+v, want require_approval / %q", d, ReasonMaintenanceWindow)
	}

	// Higher severities are not held.
	inc.Severity = domain.Sev1
	if d := g.Evaluate(inc, candidate()); d.Verdict != domain.VerdictProceed {
		t.Errorf("SEV1 verdict = %s, want proceed during maintenance window", d.Verdict)
	}
}

func TestGate_ProceedByDefault(t *testing.T) {
	g, _ := testGate(GatePolicy{})
	d := g.Evaluate(incidentAt(domain.RadiusSingleInstance), candidate())
	if d.Verdict != domain.VerdictProceed {
		t.Errorf("verdict = %s, want proceed", d.Verdict)
	}
}

func TestMaintenanceWindow_WrapsMidnight(t *testing.T) {
	w := MaintenanceWindow{StartHour: 22, EndHour: 4}

	if !w.Contains(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)) {
		t.Error("23:00 not in 22-04 window")
	}
	if !w.Contains(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)) {
		t.Error("02:00 not in 22-04 window")
	}
	if w.Contains(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 in 22-04 window")
	}
}
