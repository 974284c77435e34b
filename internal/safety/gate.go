package safety

import (
	"time"

	"github.com/opsloop/selfheal/internal/domain"
)

// Gate decision reasons, machine-readable. Every deny or approval
// requirement carries one of these so the escalation consumer never sees
// an unexplained outcome.
const (
	ReasonMultiRegion       = "multi-region containment"
	ReasonClusterApproval   = "cluster-wide change requires approval"
	ReasonBreakerOpen       = "circuit breaker open"
	ReasonNoCandidate       = "no candidate playbook"
	ReasonMaintenanceWindow = "maintenance window active"
	ReasonPlaybookApproval  = "playbook requires approval"
)

// MaintenanceWindow is a recurring daily window during which low-severity
// remediations are held for approval instead of run automatically.
type MaintenanceWindow struct {
	StartHour int // inclusive, 0-23 UTC
	EndHour   int // exclusive, 0-23 UTC
}

// Contains reports whether t falls inside the window. Windows may wrap
// midnight (StartHour > EndHour).
func (w MaintenanceWindow) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// GatePolicy holds the gate's configured policy knobs.
type GatePolicy struct {
	// PreApprovedCategories marks categories whose cluster-wide
	// remediations run as pre-approved standard changes.
	PreApprovedCategories map[domain.Category]bool
	// MaintenanceWindows hold SEV3 remediations for approval while active.
	MaintenanceWindows []MaintenanceWindow
}

// Gate evaluates whether an incident's remediation may proceed.
// Rules are evaluated in order; the first match wins.
type Gate struct {
	Breakers *BreakerRegistry
	Policy   GatePolicy
	now      func() time.Time
}

// NewGate creates a Gate over the shared breaker registry.
func NewGate(breakers *BreakerRegistry, policy GatePolicy) *Gate {
	return &Gate{Breakers: breakers, Policy: policy, now: time.Now}
}

// Evaluate applies the containment rules to an incident and its candidate
// playbook. candidate is nil when the selector found nothing.
func (g *Gate) Evaluate(inc domain.Incident, candidate *domain.Playbook) domain.GateDecision {
	// Rule 1: multi-region auto-remediation is disabled by policy,
	// regardless of severity.
	if inc.BlastRadius == domain.RadiusMultiRegion {
		return domain.GateDecision{Verdict: domain.VerdictDenyEscalate, Reason: ReasonMultiRegion}
	}

	// Rule 2: cluster-wide needs approval unless the category is a
	// pre-approved standard change.
	if inc.BlastRadius == domain.RadiusClusterWide && !g.Policy.PreApprovedCategories[inc.Category] {
		return domain.GateDecision{Verdict: domain.VerdictRequireApproval, Reason: ReasonClusterApproval}
	}

	// Rule 3: an open breaker for (playbook, scope) blocks execution.
	if candidate != nil && g.Breakers.IsOpen(candidate.ID, inc.BlastRadius) {
		return domain.GateDecision{Verdict: domain.VerdictDenyEscalate, Reason: ReasonBreakerOpen}
	}

	// Rule 4: no candidate is an expected outcome, resolved by escalation.
	if candidate == nil {
		return domain.GateDecision{Verdict: domain.VerdictDenyEscalate, Reason: ReasonNoCandidate}
	}

	// Rule 5: a playbook may demand human approval for itself.
	if candidate.Safety.RequiresApproval {
		return domain.GateDecision{Verdict: domain.VerdictRequireApproval, Reason: ReasonPlaybookApproval}
	}

	// Rule 6: hold low-severity noise during maintenance windows.
	if inc.Severity == domain.Sev3 {
		now := g.now()
		for _, w := range g.Policy.MaintenanceWindows {
			if w.Contains(now) {
				return domain.GateDecision{Verdict: domain.VerdictRequireApproval, Reason: ReasonMaintenanceWindow}
			}
		}
	}

	return domain.GateDecision{Verdict: domain.VerdictProceed}
}
