// Package domain defines the core types for the self-healing remediation engine.
package domain

// Category classifies an anomaly. The set is closed; switches over Category
// must handle every constant plus CategoryUnknown.
type Category string

const (
	CategoryResourceExhaustion Category = "resource-exhaustion"
	CategoryNetwork            Category = "network"
	CategoryApplicationError   Category = "application-error"
	CategoryConfiguration      Category = "configuration"
	CategoryDependencyFailure  Category = "dependency-failure"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every known category in a stable order.
var Categories = []Category{
	CategoryResourceExhaustion,
	CategoryNetwork,
	CategoryApplicationError,
	CategoryConfiguration,
	CategoryDependencyFailure,
	CategoryUnknown,
}

// ParseCategory maps a string to a Category, falling back to CategoryUnknown.
func ParseCategory(s string) Category {
	for _, c := range Categories {
		if string(c) == s {
			return c
		}
	}
	return CategoryUnknown
}

// Severity is an incident severity level. Lower values are more severe.
type Severity int

const (
	Sev0 Severity = iota // critical: data integrity at risk or critical user impact
	Sev1                 // large sustained impact
	Sev2                 // moderate impact
	Sev3                 // low impact
)

func (s Severity) String() string {
	switch s {
	case Sev0:
		return "SEV0"
	case Sev1:
		return "SEV1"
	case Sev2:
		return "SEV2"
	default:
		return "SEV3"
	}
}

// Trend describes the direction an anomaly is moving.
type Trend string

const (
	TrendWorsening Trend = "worsening"
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
)

// BlastRadius classifies the scope a remediation could affect.
// Higher values are broader.
type BlastRadius int

const (
	RadiusSingleInstance BlastRadius = iota
	RadiusSingleService
	RadiusMultipleServices
	RadiusClusterWide
	RadiusMultiRegion
)

func (r BlastRadius) String() string {
	switch r {
	case RadiusSingleInstance:
		return "single_instance"
	case RadiusSingleService:
		return "single_service"
	case RadiusMultipleServices:
		return "multiple_services"
	case RadiusClusterWide:
		return "cluster_wide"
	case RadiusMultiRegion:
		return "multi_region"
	default:
		return "unknown"
	}
}

// ParseBlastRadius maps the wire form back to a BlastRadius.
func ParseBlastRadius(s string) (BlastRadius, bool) {
	for r := RadiusSingleInstance; r <= RadiusMultiRegion; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return RadiusSingleInstance, false
}

// ResourceRef identifies one affected resource. ID must be unique within a
// deployment (instance name, pod name, host). Service, Cluster and Region
// place the resource in the topology and drive blast-radius classification.
type ResourceRef struct {
	ID      string `json:"id" yaml:"id"`
	Type    string `json:"type" yaml:"type"`
	Service string `json:"service" yaml:"service"`
	Cluster string `json:"cluster" yaml:"cluster"`
	Region  string `json:"region" yaml:"region"`
}

// ImpactEstimate quantifies the user-facing damage of an anomaly.
type ImpactEstimate struct {
	UsersAffected int     `json:"users_affected" yaml:"users_affected"`
	RevenueAtRisk float64 `json:"revenue_at_risk" yaml:"revenue_at_risk"`
	DataIntegrity bool    `json:"data_integrity" yaml:"data_integrity"`
}

// AnomalyEvent is a scored anomaly produced by an external detector.
// Immutable once created.
type AnomalyEvent struct {
	ID                    string         `json:"id"`
	Source                string         `json:"source"`
	Category              Category       `json:"category"`
	AffectedResources     []ResourceRef  `json:"affected_resources"`
	Impact                ImpactEstimate `json:"impact_estimate"`
	DetectedAtUnix        int64          `json:"detected_at"`
	Trend                 Trend          `json:"trend"`
	HistoricalOccurrences int            `json:"historical_occurrences"`
}

// IncidentState is a node in the incident lifecycle state machine.
type IncidentState string

const (
	StateTriaged      IncidentState = "triaged"
	StateGated        IncidentState = "gated"
	StateSelecting    IncidentState = "selecting"
	StateExecuting    IncidentState = "executing"
	StateVerifying    IncidentState = "verifying"
	StateRollingBack  IncidentState = "rolling_back"
	StateConflictWait IncidentState = "conflict_wait"
	StateClosed       IncidentState = "closed"
	StateRolledBack   IncidentState = "rolled_back"
	StateEscalated    IncidentState = "escalated"
)

// IsTerminal reports whether no further automated action may run on an
// incident in this state. StateEscalated is terminal until a human re-arms.
func (s IncidentState) IsTerminal() bool {
	switch s {
	case StateClosed, StateRolledBack, StateEscalated:
		return true
	}
	return false
}

// Incident aggregates anomaly events under one remediation lifecycle.
// Owned exclusively by the engine; mutated only through the state machine.
type Incident struct {
	ID                 string
	Category           Category
	Severity           Severity
	RiskScore          int
	BlastRadius        BlastRadius
	State              IncidentState
	AffectedResources  []ResourceRef
	Impact             ImpactEstimate
	Trend              Trend
	Occurrences        int
	SelectedPlaybookID string
	ExecutionID        string
	StateVersion       int64
	LastEventSeq       int64
	CreatedAtUnix      int64
	UpdatedAtUnix      int64
	ClosedAtUnix       int64
}

// Step is one remediation action within a playbook.
type Step struct {
	ActionRef        string            `json:"action_ref" yaml:"action_ref"`
	Params           map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	TimeoutSec       int               `json:"timeout_sec" yaml:"timeout_sec"`
	ExpectedRecovery string            `json:"expected_recovery,omitempty" yaml:"expected_recovery,omitempty"`
}

// Check is a named health probe run by the verification engine.
type Check struct {
	Name       string `json:"name" yaml:"name"`
	ActionRef  string `json:"action_ref" yaml:"action_ref"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// VerificationSpec configures post-execution verification for a playbook.
type VerificationSpec struct {
	ImmediateChecks   []Check `json:"immediate_checks" yaml:"immediate_checks"`
	SmokeChecks       []Check `json:"smoke_checks" yaml:"smoke_checks"`
	BaselineTolerance float64 `json:"baseline_tolerance" yaml:"baseline_tolerance"`
}

// SafetySpec holds the per-playbook safety limits.
type SafetySpec struct {
	MaxRetries         int
	BlastRadiusCeiling BlastRadius
	RequiresApproval   bool
}

// Playbook is a versioned remediation procedure. Versions are append-only:
// steps never change in place, the feedback store mutates metrics only.
type Playbook struct {
	ID                   string
	Version              int
	Category             Category
	ApplicableBlastRadii []BlastRadius
	Preconditions        []Step
	Steps                []Step
	RollbackSteps        []Step
	Verification         VerificationSpec
	Safety               SafetySpec
	Progressive          bool
	CreatedAtUnix        int64
}

// HasRollback reports whether a rollback procedure is defined.
func (p Playbook) HasRollback() bool { return len(p.RollbackSteps) > 0 }

// AppliesTo reports whether the playbook may run at the given radius.
func (p Playbook) AppliesTo(r BlastRadius) bool {
	if r > p.Safety.BlastRadiusCeiling {
		return false
	}
	for _, a := range p.ApplicableBlastRadii {
		if a == r {
			return true
		}
	}
	return false
}

// PlaybookMetrics tracks historical outcomes for one playbook id.
type PlaybookMetrics struct {
	PlaybookID      string
	TotalExecutions int64
	SuccessCount    int64
	FailureCount    int64
	RollbackCount   int64
	AvgExecutionMs  int64
	LastUpdatedUnix int64
}

// SuccessRate returns successes over total, or 0 with no history.
func (m PlaybookMetrics) SuccessRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.TotalExecutions)
}

// StepResult records the outcome of a single executed step attempt.
type StepResult struct {
	ActionRef  string `json:"action_ref"`
	Attempt    int    `json:"attempt"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ExecutionOutcome is the terminal outcome of a playbook execution.
type ExecutionOutcome string

const (
	OutcomeSuccess    ExecutionOutcome = "success"
	OutcomePartial    ExecutionOutcome = "partial"
	OutcomeFailed     ExecutionOutcome = "failed"
	OutcomeRolledBack ExecutionOutcome = "rolled_back"
)

// PlaybookExecution records one run of a playbook against an incident.
type PlaybookExecution struct {
	ID                   string
	IncidentID           string
	PlaybookID           string
	PlaybookVersion      int
	StartedAtUnix        int64
	EndedAtUnix          int64
	StepResults          []StepResult
	Outcome              ExecutionOutcome
	FailureReason        string
	VerificationResultID string
}

// VerificationPhase names a phase of the verification state machine.
type VerificationPhase string

const (
	PhaseImmediate  VerificationPhase = "immediate"
	PhaseShortTerm  VerificationPhase = "short_term"
	PhaseFunctional VerificationPhase = "functional"
	PhaseStability  VerificationPhase = "stability"
)

// Recommendation is the verification engine's advice on an execution.
type Recommendation string

const (
	RecommendClose              Recommendation = "close"
	RecommendContinueMonitoring Recommendation = "continue_monitoring"
	RecommendRollback           Recommendation = "rollback"
)

// MetricsSnapshot is a point-in-time sample of named health metrics.
type MetricsSnapshot map[string]float64

// VerificationResult captures one verification phase outcome.
type VerificationResult struct {
	ID                 string
	ExecutionID        string
	Phase              VerificationPhase
	Passed             bool
	Snapshot           MetricsSnapshot
	BaselineComparison MetricsSnapshot
	PassRate           float64
	Recommendation     Recommendation
	CreatedAtUnix      int64
}

// CircuitBreakerState is a snapshot of one breaker, keyed by
// playbook id and blast-radius scope. Shared state, mutated under lock.
type CircuitBreakerState struct {
	PlaybookID          string
	Scope               BlastRadius
	ConsecutiveFailures int
	WindowFailureRate   float64
	Tripped             bool
	TrippedUntilUnix    int64
}

// GateVerdict is the safety gate's decision on a remediation attempt.
type GateVerdict string

const (
	VerdictProceed         GateVerdict = "proceed"
	VerdictRequireApproval GateVerdict = "require_approval"
	VerdictDenyEscalate    GateVerdict = "deny_escalate"
)

// GateDecision pairs a verdict with a machine-readable reason.
type GateDecision struct {
	Verdict GateVerdict
	Reason  string
}

// EscalationRecord hands an incident to a human channel. Terminal with
// respect to the engine.
type EscalationRecord struct {
	ID            string
	IncidentID    string
	Reason        string
	Severity      Severity
	Level         int
	Notes         []string
	CreatedAtUnix int64
}

// IncidentEvent is one entry in an incident's ordered audit trail.
// SeqNo is strictly increasing per incident.
type IncidentEvent struct {
	ID          int64
	IncidentID  string
	SeqNo       int64
	State       IncidentState
	EventType   string
	PayloadJSON string
	CreatedAt   int64
}

// RiskBreakdown itemizes the components of a risk score.
type RiskBreakdown struct {
	Impact     int `json:"impact"`
	Complexity int `json:"complexity"`
	Category   int `json:"category"`
	History    int `json:"history"`
	Total      int `json:"total"`
}
